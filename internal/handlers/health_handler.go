package handlers

import (
	"context"
	"log/slog"
	"net/http"
	"sort"
	"time"

	"github.com/white/activity-engine/internal/models"
	"github.com/white/activity-engine/internal/queue"
)

type HealthResponse struct {
	Status  string                 `json:"status"`
	Service string                 `json:"service"`
	Version string                 `json:"version"`
	Checks  map[string]HealthCheck `json:"checks,omitempty"`
}

type HealthCheck struct {
	Status  string      `json:"status"`
	Latency string      `json:"latency,omitempty"`
	Details interface{} `json:"details,omitempty"`
	Error   string      `json:"error,omitempty"`
}

// Pinger is a dependency the health check can ping
type Pinger interface {
	Ping(ctx context.Context) error
}

// EngineStatus exposes the engine's queue and dead letters
type EngineStatus interface {
	Stats() queue.Stats
	DeadLetters(ctx context.Context, limit int) ([]*models.DeadLetter, error)
}

// HealthHandler reports service health and operational state
type HealthHandler struct {
	service string
	version string
	engine  EngineStatus
	checks  map[string]Pinger
	logger  *slog.Logger
}

// NewHealthHandler creates a health handler. checks maps dependency names to
// pingers; nil pingers are skipped.
func NewHealthHandler(service, version string, engine EngineStatus, checks map[string]Pinger, logger *slog.Logger) *HealthHandler {
	if logger == nil {
		logger = slog.Default()
	}
	pingers := make(map[string]Pinger, len(checks))
	for name, p := range checks {
		if p != nil {
			pingers[name] = p
		}
	}
	return &HealthHandler{
		service: service,
		version: version,
		engine:  engine,
		checks:  pingers,
		logger:  logger.With("component", "health_handler"),
	}
}

// GetOverallHealth godoc
// @Summary Service health
// @Description Queue state and dependency checks. Returns 503 when any check fails.
// @Tags Health
// @Produce json
// @Success 200 {object} HealthResponse
// @Failure 503 {object} HealthResponse
// @Router /health [get]
func (h *HealthHandler) GetOverallHealth(w http.ResponseWriter, r *http.Request) {
	response := HealthResponse{
		Service: h.service,
		Version: h.version,
		Checks:  make(map[string]HealthCheck),
	}

	allHealthy := true

	stats := h.engine.Stats()
	queueCheck := HealthCheck{Status: "healthy", Details: stats}
	if !stats.Running {
		queueCheck.Status = "unhealthy"
		queueCheck.Error = "queue worker is not running"
		allHealthy = false
	}
	response.Checks["queue"] = queueCheck

	names := make([]string, 0, len(h.checks))
	for name := range h.checks {
		names = append(names, name)
	}
	sort.Strings(names)

	for _, name := range names {
		ctx, cancel := context.WithTimeout(r.Context(), 3*time.Second)
		start := time.Now()
		err := h.checks[name].Ping(ctx)
		cancel()

		check := HealthCheck{Status: "healthy", Latency: time.Since(start).String()}
		if err != nil {
			check.Status = "unhealthy"
			check.Error = err.Error()
			allHealthy = false
			h.logger.Warn("health check failed", "check", name, "error", err)
		}
		response.Checks[name] = check
	}

	code := http.StatusOK
	response.Status = "healthy"
	if !allHealthy {
		response.Status = "unhealthy"
		code = http.StatusServiceUnavailable
	}
	respondWithJSON(w, code, response)
}

// GetDeadLetters godoc
// @Summary List dead-lettered jobs
// @Description Post-processing jobs the engine gave up on, newest first
// @Tags Health
// @Produce json
// @Param limit query int false "Maximum results (default 50)"
// @Success 200 {object} map[string]interface{}
// @Router /api/v1/dead-letters [get]
func (h *HealthHandler) GetDeadLetters(w http.ResponseWriter, r *http.Request) {
	limit, err := queryInt(r, "limit", 50)
	if err != nil {
		respondWithServiceError(w, h.logger, err)
		return
	}
	limit = min(max(limit, 1), 500)

	letters, err := h.engine.DeadLetters(r.Context(), limit)
	if err != nil {
		respondWithServiceError(w, h.logger, err)
		return
	}
	respondWithJSON(w, http.StatusOK, map[string]interface{}{
		"success": true,
		"data": map[string]interface{}{
			"deadLetters": letters,
			"total":       len(letters),
		},
	})
}
