package handlers

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/gorilla/mux"

	"clustervisor/internal/service"
)

type ErrorResponse struct {
	Error   string `json:"error"`
	Message string `json:"message"`
}

type SuccessResponse struct {
	Status  string `json:"status"`
	Message string `json:"message,omitempty"`
}

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		slog.Error("encoding JSON response", "error", err)
	}
}

func writeError(w http.ResponseWriter, status int, err error, message string) {
	writeJSON(w, status, ErrorResponse{
		Error:   err.Error(),
		Message: message,
	})
}

// statusFor maps supervisor errors to HTTP status codes.
func statusFor(err error) int {
	switch {
	case errors.Is(err, service.ErrWorkerNotFound):
		return http.StatusNotFound
	case errors.Is(err, service.ErrInvalidPoolSize):
		return http.StatusBadRequest
	case errors.Is(err, service.ErrShuttingDown),
		errors.Is(err, service.ErrRollingRestartInProgress),
		errors.Is(err, service.ErrSlotNotExhausted):
		return http.StatusConflict
	case errors.Is(err, service.ErrRollingRestartAborted),
		errors.Is(err, service.ErrRollingRestartIncomplete):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

func intVar(r *http.Request, name string) (int, error) {
	return strconv.Atoi(mux.Vars(r)[name])
}

// limitParam reads ?limit=, falling back to def.
func limitParam(r *http.Request, def int) int {
	if n, err := strconv.Atoi(r.URL.Query().Get("limit")); err == nil && n > 0 {
		return n
	}
	return def
}
