package handlers

import (
	"log/slog"
	"net/http"

	"github.com/gorilla/mux"
	httpSwagger "github.com/swaggo/http-swagger"

	"github.com/white/activity-engine/internal/middleware"
)

// RouterConfig carries the handlers and settings for NewRouter
type RouterConfig struct {
	Activities     *ActivityHandler
	Sequences      *SequenceHandler
	Health         *HealthHandler
	AllowedOrigins []string
	// SwaggerURL points the docs UI at the API definition; empty disables it
	SwaggerURL string
	Logger     *slog.Logger
}

// NewRouter registers every route and wraps the router with CORS and request
// logging
func NewRouter(cfg RouterConfig) http.Handler {
	router := mux.NewRouter()

	router.NotFoundHandler = http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		respondWithError(w, http.StatusNotFound, "NOT_FOUND", "Endpoint not found")
	})
	router.MethodNotAllowedHandler = http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		respondWithError(w, http.StatusMethodNotAllowed, "METHOD_NOT_ALLOWED", "Method not allowed")
	})

	// Health check endpoints
	router.HandleFunc("/health", cfg.Health.GetOverallHealth).Methods(http.MethodGet)

	// Swagger UI endpoint - API documentation
	if cfg.SwaggerURL != "" {
		router.PathPrefix("/swagger/").Handler(httpSwagger.Handler(
			httpSwagger.URL(cfg.SwaggerURL),
			httpSwagger.DeepLinking(true),
			httpSwagger.DocExpansion("none"),
			httpSwagger.DomID("swagger-ui"),
		)).Methods(http.MethodGet)
	}

	// API v1 routes
	api := router.PathPrefix("/api/v1").Subrouter()
	api.Use(middleware.RequireUser)

	// Activities
	api.HandleFunc("/activities", cfg.Activities.LogActivity).Methods(http.MethodPost)
	api.HandleFunc("/activities", cfg.Activities.ListActivities).Methods(http.MethodGet)
	api.HandleFunc("/activities/{id}", cfg.Activities.GetActivity).Methods(http.MethodGet)
	api.HandleFunc("/activities/{id}", cfg.Activities.UpdateActivity).Methods(http.MethodPatch)
	api.HandleFunc("/activities/{id}", cfg.Activities.DeleteActivity).Methods(http.MethodDelete)

	// Analytics
	api.HandleFunc("/analytics", cfg.Activities.GetAnalytics).Methods(http.MethodGet)
	api.HandleFunc("/contacts/{contactId}/timeline", cfg.Activities.GetTimeline).Methods(http.MethodGet)

	// Sequences
	api.HandleFunc("/sequences", cfg.Sequences.CreateSequence).Methods(http.MethodPost)
	api.HandleFunc("/sequences", cfg.Sequences.ListSequences).Methods(http.MethodGet)
	api.HandleFunc("/sequences/{id}", cfg.Sequences.GetSequence).Methods(http.MethodGet)
	api.HandleFunc("/sequences/{id}/activate", cfg.Sequences.ActivateSequence).Methods(http.MethodPost)
	api.HandleFunc("/sequences/{id}/deactivate", cfg.Sequences.DeactivateSequence).Methods(http.MethodPost)
	api.HandleFunc("/sequences/{id}/trigger", cfg.Sequences.TriggerSequence).Methods(http.MethodPost)
	api.HandleFunc("/sequences/{id}/runs", cfg.Sequences.ListRuns).Methods(http.MethodGet)

	// Operations
	api.HandleFunc("/dead-letters", cfg.Health.GetDeadLetters).Methods(http.MethodGet)

	// CORS must run before routing so preflight requests are answered
	return middleware.CORS(cfg.AllowedOrigins)(middleware.RequestLogger(cfg.Logger)(router))
}
