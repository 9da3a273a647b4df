package middleware

import (
	"net/http"
	"slices"
)

// CORS allows the configured browser origins. Requests from other origins
// are refused; requests without an Origin header pass through.
func CORS(allowedOrigins []string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			origin := r.Header.Get("Origin")

			if origin != "" {
				if !slices.Contains(allowedOrigins, origin) {
					respondWithJSON(w, http.StatusForbidden, ErrorResponse{
						Error: ErrorDetail{
							Code:    "ORIGIN_NOT_ALLOWED",
							Message: "Origin not allowed",
						},
					})
					return
				}
				w.Header().Set("Access-Control-Allow-Origin", origin)
				w.Header().Set("Vary", "Origin")
			}

			w.Header().Set("Access-Control-Allow-Methods", "GET, POST, PUT, DELETE, OPTIONS, PATCH")
			w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization, "+UserIDHeader)
			w.Header().Set("Access-Control-Allow-Credentials", "true")

			if r.Method == http.MethodOptions {
				w.WriteHeader(http.StatusOK)
				return
			}

			next.ServeHTTP(w, r)
		})
	}
}
