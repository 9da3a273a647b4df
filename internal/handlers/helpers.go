package handlers

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"strings"

	"github.com/white/activity-engine/internal/services"
)

// maxBodyBytes bounds request bodies
const maxBodyBytes = 1 << 20

// respondWithJSON writes a JSON response
func respondWithJSON(w http.ResponseWriter, code int, payload interface{}) {
	response, err := json.Marshal(payload)
	if err != nil {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusInternalServerError)
		w.Write([]byte(`{"success":false,"error":{"code":"INTERNAL_ERROR","message":"Internal server error"}}`))
		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	w.Write(response)
}

// respondWithData wraps payload in the success envelope
func respondWithData(w http.ResponseWriter, code int, data interface{}) {
	respondWithJSON(w, code, map[string]interface{}{
		"success": true,
		"data":    data,
	})
}

// respondWithError writes an error response
func respondWithError(w http.ResponseWriter, code int, errCode, message string) {
	respondWithJSON(w, code, map[string]interface{}{
		"success": false,
		"error": map[string]interface{}{
			"code":    errCode,
			"message": message,
		},
	})
}

// respondWithServiceError maps service errors to HTTP statuses. Storage
// failures are logged and reported without their cause.
func respondWithServiceError(w http.ResponseWriter, logger *slog.Logger, err error) {
	var (
		validation *services.ValidationError
		notFound   *services.NotFoundError
		dependency *services.DependencyError
	)
	switch {
	case errors.As(err, &validation):
		respondWithError(w, http.StatusBadRequest, "VALIDATION_ERROR", validation.Error())
	case errors.As(err, &notFound):
		respondWithError(w, http.StatusNotFound, "NOT_FOUND", notFound.Error())
	case errors.As(err, &dependency):
		logger.Error("dependency unavailable", "error", err)
		respondWithError(w, http.StatusServiceUnavailable, "DEPENDENCY_UNAVAILABLE", dependency.Dependency+" is unavailable")
	case services.IsStorage(err):
		logger.Error("storage failure", "error", err)
		respondWithError(w, http.StatusInternalServerError, "STORAGE_ERROR", "Failed to access storage")
	default:
		logger.Error("request failed", "error", err)
		respondWithError(w, http.StatusInternalServerError, "INTERNAL_ERROR", "Internal server error")
	}
}

// decodeJSON decodes a bounded request body into v
func decodeJSON(w http.ResponseWriter, r *http.Request, v interface{}) bool {
	r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		respondWithError(w, http.StatusBadRequest, "INVALID_REQUEST", "Invalid request payload: "+err.Error())
		return false
	}
	return true
}

// queryInt parses an integer query parameter, falling back to def
func queryInt(r *http.Request, key string, def int) (int, error) {
	raw := strings.TrimSpace(r.URL.Query().Get(key))
	if raw == "" {
		return def, nil
	}
	n, err := strconv.Atoi(raw)
	if err != nil {
		return 0, &services.ValidationError{Field: key, Message: "must be an integer"}
	}
	return n, nil
}
