package handlers

import (
	"net/http"
	"time"
)

type HealthResponse struct {
	Status    string `json:"status"`
	Timestamp string `json:"timestamp"`
	Listening int    `json:"listening,omitempty"`
}

func HealthCheck(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, HealthResponse{
		Status:    "healthy",
		Timestamp: time.Now().Format(time.RFC3339),
	})
}

// ReadyCheck reports ready while the pool has at least one listening worker
// and shutdown has not begun.
func ReadyCheck(pool Pool) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		st := pool.Status()
		resp := HealthResponse{
			Status:    "ready",
			Timestamp: time.Now().Format(time.RFC3339),
			Listening: st.Listening,
		}
		code := http.StatusOK
		switch {
		case st.ShuttingDown:
			resp.Status = "shutting_down"
			code = http.StatusServiceUnavailable
		case st.Listening == 0:
			resp.Status = "not_ready"
			code = http.StatusServiceUnavailable
		}
		writeJSON(w, code, resp)
	}
}
