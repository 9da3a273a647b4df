package handlers

import (
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/gorilla/mux"

	"github.com/white/activity-engine/internal/middleware"
	"github.com/white/activity-engine/internal/models"
	"github.com/white/activity-engine/internal/services"
	"github.com/white/activity-engine/pkg/uuid"
)

// ActivityHandler handles activity logging, queries and analytics
type ActivityHandler struct {
	activities *services.ActivityService
	logger     *slog.Logger
}

// NewActivityHandler creates a new activity handler
func NewActivityHandler(activities *services.ActivityService, logger *slog.Logger) *ActivityHandler {
	if logger == nil {
		logger = slog.Default()
	}
	return &ActivityHandler{
		activities: activities,
		logger:     logger.With("component", "activity_handler"),
	}
}

// LogActivity godoc
// @Summary Log an activity
// @Description Records a customer interaction for the calling user. Post-processing (sequence triggers, engagement, insights) runs in the background.
// @Tags Activities
// @Accept json
// @Produce json
// @Param activity body models.ActivityInput true "Activity"
// @Success 201 {object} map[string]interface{}
// @Failure 400 {object} map[string]interface{} "Invalid request payload or validation error"
// @Failure 401 {object} map[string]interface{} "Missing X-User-ID"
// @Failure 500 {object} map[string]interface{} "Internal server error"
// @Router /api/v1/activities [post]
func (h *ActivityHandler) LogActivity(w http.ResponseWriter, r *http.Request) {
	var input models.ActivityInput
	if !decodeJSON(w, r, &input) {
		return
	}

	activity, err := h.activities.LogActivity(r.Context(), middleware.GetUserID(r), input)
	if err != nil {
		respondWithServiceError(w, h.logger, err)
		return
	}
	respondWithData(w, http.StatusCreated, activity)
}

// ListActivities godoc
// @Summary List activities
// @Description Lists the calling user's activities, newest first
// @Tags Activities
// @Produce json
// @Param contactId query string false "Contact id"
// @Param dealId query string false "Deal id"
// @Param leadId query string false "Lead id"
// @Param type query string false "Comma separated activity types"
// @Param status query string false "Status"
// @Param outcome query string false "Outcome"
// @Param since query string false "RFC3339 lower bound on createdAt"
// @Param until query string false "RFC3339 upper bound on createdAt"
// @Param limit query int false "Maximum results (max 1000)"
// @Success 200 {object} map[string]interface{}
// @Failure 400 {object} map[string]interface{}
// @Router /api/v1/activities [get]
func (h *ActivityHandler) ListActivities(w http.ResponseWriter, r *http.Request) {
	filter, err := parseActivityFilter(r)
	if err != nil {
		respondWithServiceError(w, h.logger, err)
		return
	}

	activities, err := h.activities.GetActivities(r.Context(), middleware.GetUserID(r), filter)
	if err != nil {
		respondWithServiceError(w, h.logger, err)
		return
	}
	respondWithJSON(w, http.StatusOK, map[string]interface{}{
		"success": true,
		"data": map[string]interface{}{
			"activities": activities,
			"total":      len(activities),
		},
	})
}

// GetActivity godoc
// @Summary Get an activity
// @Tags Activities
// @Produce json
// @Param id path string true "Activity id"
// @Success 200 {object} map[string]interface{}
// @Failure 404 {object} map[string]interface{}
// @Router /api/v1/activities/{id} [get]
func (h *ActivityHandler) GetActivity(w http.ResponseWriter, r *http.Request) {
	activity, ok := h.owned(w, r)
	if !ok {
		return
	}
	respondWithData(w, http.StatusOK, activity)
}

// UpdateActivity godoc
// @Summary Update an activity
// @Description Applies a partial update. Completing an activity or changing its outcome triggers follow-up processing.
// @Tags Activities
// @Accept json
// @Produce json
// @Param id path string true "Activity id"
// @Param patch body models.ActivityPatch true "Fields to change"
// @Success 200 {object} map[string]interface{}
// @Failure 400 {object} map[string]interface{}
// @Failure 404 {object} map[string]interface{}
// @Router /api/v1/activities/{id} [patch]
func (h *ActivityHandler) UpdateActivity(w http.ResponseWriter, r *http.Request) {
	existing, ok := h.owned(w, r)
	if !ok {
		return
	}

	var patch models.ActivityPatch
	if !decodeJSON(w, r, &patch) {
		return
	}

	activity, err := h.activities.UpdateActivity(r.Context(), existing.ID, patch)
	if err != nil {
		respondWithServiceError(w, h.logger, err)
		return
	}
	respondWithData(w, http.StatusOK, activity)
}

// DeleteActivity godoc
// @Summary Delete an activity
// @Tags Activities
// @Produce json
// @Param id path string true "Activity id"
// @Success 200 {object} map[string]interface{}
// @Failure 404 {object} map[string]interface{}
// @Router /api/v1/activities/{id} [delete]
func (h *ActivityHandler) DeleteActivity(w http.ResponseWriter, r *http.Request) {
	existing, ok := h.owned(w, r)
	if !ok {
		return
	}

	if err := h.activities.DeleteActivity(r.Context(), existing.ID); err != nil {
		respondWithServiceError(w, h.logger, err)
		return
	}
	respondWithJSON(w, http.StatusOK, map[string]interface{}{
		"success": true,
		"message": "Activity deleted",
	})
}

// GetAnalytics godoc
// @Summary Activity analytics
// @Description Aggregated report over the calling user's activities
// @Tags Analytics
// @Produce json
// @Param period query string false "day, week, month, quarter or year (default month)"
// @Success 200 {object} map[string]interface{}
// @Router /api/v1/analytics [get]
func (h *ActivityHandler) GetAnalytics(w http.ResponseWriter, r *http.Request) {
	period := models.PeriodMonth
	if raw := r.URL.Query().Get("period"); raw != "" {
		period = models.ParsePeriod(raw)
	}

	report, err := h.activities.GetAnalytics(r.Context(), middleware.GetUserID(r), period)
	if err != nil {
		respondWithServiceError(w, h.logger, err)
		return
	}
	respondWithData(w, http.StatusOK, report)
}

// GetTimeline godoc
// @Summary Contact interaction timeline
// @Description Milestones, engagement trend, suggested actions and risk factors for a contact, built from the caller's activities
// @Tags Analytics
// @Produce json
// @Param contactId path string true "Contact id"
// @Success 200 {object} map[string]interface{}
// @Router /api/v1/contacts/{contactId}/timeline [get]
func (h *ActivityHandler) GetTimeline(w http.ResponseWriter, r *http.Request) {
	timeline, err := h.activities.GetTimeline(r.Context(), middleware.GetUserID(r), mux.Vars(r)["contactId"])
	if err != nil {
		respondWithServiceError(w, h.logger, err)
		return
	}
	respondWithData(w, http.StatusOK, timeline)
}

// owned loads the activity named in the path. Activities of other users are
// reported as not found.
func (h *ActivityHandler) owned(w http.ResponseWriter, r *http.Request) (*models.Activity, bool) {
	id := mux.Vars(r)["id"]
	if err := uuid.ValidateUUID(id); err != nil {
		respondWithError(w, http.StatusBadRequest, "INVALID_ID", err.Error())
		return nil, false
	}

	activity, err := h.activities.GetActivity(r.Context(), id)
	if err == nil && activity.UserID != middleware.GetUserID(r) {
		err = &services.NotFoundError{Resource: "activity", ID: id}
	}
	if err != nil {
		respondWithServiceError(w, h.logger, err)
		return nil, false
	}
	return activity, true
}

func parseActivityFilter(r *http.Request) (models.ActivityFilter, error) {
	q := r.URL.Query()
	filter := models.ActivityFilter{
		ContactID: q.Get("contactId"),
		DealID:    q.Get("dealId"),
		LeadID:    q.Get("leadId"),
		Status:    models.ActivityStatus(q.Get("status")),
		Outcome:   models.Outcome(q.Get("outcome")),
	}

	if raw := q.Get("type"); raw != "" {
		for _, t := range strings.Split(raw, ",") {
			if t = strings.TrimSpace(t); t != "" {
				filter.Types = append(filter.Types, models.ActivityType(t))
			}
		}
	}

	for key, dst := range map[string]**time.Time{"since": &filter.Since, "until": &filter.Until} {
		raw := q.Get(key)
		if raw == "" {
			continue
		}
		t, err := time.Parse(time.RFC3339, raw)
		if err != nil {
			return filter, &services.ValidationError{Field: key, Message: "must be an RFC3339 timestamp"}
		}
		*dst = &t
	}

	limit, err := queryInt(r, "limit", 100)
	if err != nil {
		return filter, err
	}
	filter.Limit = limit
	return filter, nil
}
