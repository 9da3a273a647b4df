package handlers

import (
	"log/slog"
	"net/http"

	"github.com/gorilla/mux"

	"github.com/white/activity-engine/internal/middleware"
	"github.com/white/activity-engine/internal/models"
	"github.com/white/activity-engine/internal/services"
	"github.com/white/activity-engine/pkg/uuid"
)

// SequenceHandler handles activity sequence operations
type SequenceHandler struct {
	sequences *services.SequenceService
	logger    *slog.Logger
}

// NewSequenceHandler creates a new sequence handler
func NewSequenceHandler(sequences *services.SequenceService, logger *slog.Logger) *SequenceHandler {
	if logger == nil {
		logger = slog.Default()
	}
	return &SequenceHandler{
		sequences: sequences,
		logger:    logger.With("component", "sequence_handler"),
	}
}

// TriggerSequenceRequest names the activity a sequence is started for
type TriggerSequenceRequest struct {
	ActivityID string `json:"activityId"`
}

// CreateSequence godoc
// @Summary Create an activity sequence
// @Description Creates a multi-step sequence. Steps run in ascending order; at least one step is required.
// @Tags Sequences
// @Accept json
// @Produce json
// @Param sequence body models.SequenceInput true "Sequence"
// @Success 201 {object} map[string]interface{}
// @Failure 400 {object} map[string]interface{} "Invalid request payload or validation error"
// @Failure 500 {object} map[string]interface{} "Internal server error"
// @Router /api/v1/sequences [post]
func (h *SequenceHandler) CreateSequence(w http.ResponseWriter, r *http.Request) {
	var input models.SequenceInput
	if !decodeJSON(w, r, &input) {
		return
	}

	seq, err := h.sequences.CreateSequence(r.Context(), middleware.GetUserID(r), input)
	if err != nil {
		respondWithServiceError(w, h.logger, err)
		return
	}
	respondWithData(w, http.StatusCreated, seq)
}

// ListSequences godoc
// @Summary List sequences
// @Tags Sequences
// @Produce json
// @Success 200 {object} map[string]interface{}
// @Router /api/v1/sequences [get]
func (h *SequenceHandler) ListSequences(w http.ResponseWriter, r *http.Request) {
	sequences, err := h.sequences.ListSequences(r.Context(), middleware.GetUserID(r))
	if err != nil {
		respondWithServiceError(w, h.logger, err)
		return
	}
	respondWithJSON(w, http.StatusOK, map[string]interface{}{
		"success": true,
		"data": map[string]interface{}{
			"sequences": sequences,
			"total":     len(sequences),
		},
	})
}

// GetSequence godoc
// @Summary Get a sequence
// @Tags Sequences
// @Produce json
// @Param id path string true "Sequence id"
// @Success 200 {object} map[string]interface{}
// @Failure 404 {object} map[string]interface{}
// @Router /api/v1/sequences/{id} [get]
func (h *SequenceHandler) GetSequence(w http.ResponseWriter, r *http.Request) {
	seq, ok := h.owned(w, r)
	if !ok {
		return
	}
	respondWithData(w, http.StatusOK, seq)
}

// ActivateSequence godoc
// @Summary Activate a sequence
// @Tags Sequences
// @Produce json
// @Param id path string true "Sequence id"
// @Success 200 {object} map[string]interface{}
// @Router /api/v1/sequences/{id}/activate [post]
func (h *SequenceHandler) ActivateSequence(w http.ResponseWriter, r *http.Request) {
	h.setActive(w, r, true)
}

// DeactivateSequence godoc
// @Summary Deactivate a sequence
// @Description Stops new runs. In-flight runs fail at their next step.
// @Tags Sequences
// @Produce json
// @Param id path string true "Sequence id"
// @Success 200 {object} map[string]interface{}
// @Router /api/v1/sequences/{id}/deactivate [post]
func (h *SequenceHandler) DeactivateSequence(w http.ResponseWriter, r *http.Request) {
	h.setActive(w, r, false)
}

// TriggerSequence godoc
// @Summary Start a sequence for an activity
// @Description Starts a run by hand. Triggering the same activity twice returns the existing run.
// @Tags Sequences
// @Accept json
// @Produce json
// @Param id path string true "Sequence id"
// @Param request body TriggerSequenceRequest true "Activity to run the sequence for"
// @Success 202 {object} map[string]interface{}
// @Failure 400 {object} map[string]interface{}
// @Failure 404 {object} map[string]interface{}
// @Router /api/v1/sequences/{id}/trigger [post]
func (h *SequenceHandler) TriggerSequence(w http.ResponseWriter, r *http.Request) {
	seq, ok := h.owned(w, r)
	if !ok {
		return
	}

	var req TriggerSequenceRequest
	if !decodeJSON(w, r, &req) {
		return
	}

	run, err := h.sequences.TriggerSequence(r.Context(), seq.ID, req.ActivityID)
	if err != nil {
		respondWithServiceError(w, h.logger, err)
		return
	}
	respondWithData(w, http.StatusAccepted, run)
}

// ListRuns godoc
// @Summary List sequence runs
// @Tags Sequences
// @Produce json
// @Param id path string true "Sequence id"
// @Param limit query int false "Maximum results (default 50)"
// @Success 200 {object} map[string]interface{}
// @Router /api/v1/sequences/{id}/runs [get]
func (h *SequenceHandler) ListRuns(w http.ResponseWriter, r *http.Request) {
	seq, ok := h.owned(w, r)
	if !ok {
		return
	}
	limit, err := queryInt(r, "limit", 50)
	if err != nil {
		respondWithServiceError(w, h.logger, err)
		return
	}

	runs, err := h.sequences.ListRuns(r.Context(), seq.ID, limit)
	if err != nil {
		respondWithServiceError(w, h.logger, err)
		return
	}
	respondWithJSON(w, http.StatusOK, map[string]interface{}{
		"success": true,
		"data": map[string]interface{}{
			"runs":  runs,
			"total": len(runs),
		},
	})
}

func (h *SequenceHandler) setActive(w http.ResponseWriter, r *http.Request, active bool) {
	seq, ok := h.owned(w, r)
	if !ok {
		return
	}

	seq, err := h.sequences.SetSequenceActive(r.Context(), seq.ID, active)
	if err != nil {
		respondWithServiceError(w, h.logger, err)
		return
	}
	respondWithData(w, http.StatusOK, seq)
}

// owned loads the sequence named in the path. Sequences of other users are
// reported as not found.
func (h *SequenceHandler) owned(w http.ResponseWriter, r *http.Request) (*models.ActivitySequence, bool) {
	id := mux.Vars(r)["id"]
	if err := uuid.ValidateUUID(id); err != nil {
		respondWithError(w, http.StatusBadRequest, "INVALID_ID", err.Error())
		return nil, false
	}

	seq, err := h.sequences.GetSequence(r.Context(), id)
	if err == nil && seq.UserID != middleware.GetUserID(r) {
		err = &services.NotFoundError{Resource: "sequence", ID: id}
	}
	if err != nil {
		respondWithServiceError(w, h.logger, err)
		return nil, false
	}
	return seq, true
}
