package handler

import (
	"net/http"
)

// HealthCheck reports why the bot is not healthy, nil when it is.
type HealthCheck func() error

// NewHealthHandler returns 200 OK, or 503 with the reason of the first
// failing check. It is used for health checks by Docker or other services.
func NewHealthHandler(checks ...HealthCheck) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		for _, check := range checks {
			if err := check(); err != nil {
				http.Error(w, err.Error(), http.StatusServiceUnavailable)
				return
			}
		}
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("OK"))
	}
}
