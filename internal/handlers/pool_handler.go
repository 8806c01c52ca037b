package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"clustervisor/internal/ipc"
	"clustervisor/internal/logging"
)

type PoolHandler struct {
	pool            Pool
	logs            *logging.LogBuffer
	shutdownTimeout time.Duration
	afterShutdown   func()
}

// NewPoolHandler serves the pool and worker API. afterShutdown, if set, runs
// once a shutdown requested over HTTP has completed.
func NewPoolHandler(pool Pool, logs *logging.LogBuffer, shutdownTimeout time.Duration, afterShutdown func()) *PoolHandler {
	return &PoolHandler{
		pool:            pool,
		logs:            logs,
		shutdownTimeout: shutdownTimeout,
		afterShutdown:   afterShutdown,
	}
}

type startRequest struct {
	Size int `json:"size"`
}

type startResponse struct {
	Started []int  `json:"started"`
	Error   string `json:"error,omitempty"`
}

type messageRequest struct {
	Type    string          `json:"type"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

func (h *PoolHandler) GetPool(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, h.pool.Status())
}

func (h *PoolHandler) StartPool(w http.ResponseWriter, r *http.Request) {
	var req startRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, err, "Invalid request body")
		return
	}

	ids, err := h.pool.StartPool(req.Size)
	if err != nil && len(ids) == 0 {
		writeError(w, statusFor(err), err, "Failed to start workers")
		return
	}
	resp := startResponse{Started: ids}
	if err != nil {
		resp.Error = err.Error()
	}
	writeJSON(w, http.StatusOK, resp)
}

func (h *PoolHandler) RollingRestart(w http.ResponseWriter, r *http.Request) {
	// The roll outlives a client that hangs up; aborting it halfway would
	// discard replacements that are already starting.
	report, err := h.pool.RollingRestart(context.WithoutCancel(r.Context()))
	if err != nil {
		writeError(w, statusFor(err), err, "Rolling restart failed")
		return
	}
	writeJSON(w, http.StatusOK, report)
}

func (h *PoolHandler) Shutdown(w http.ResponseWriter, r *http.Request) {
	report := h.pool.GracefulShutdown(h.shutdownTimeout)
	writeJSON(w, http.StatusOK, report)
	if h.afterShutdown != nil {
		go h.afterShutdown()
	}
}

func (h *PoolHandler) ReviveSlot(w http.ResponseWriter, r *http.Request) {
	slot, err := intVar(r, "slot")
	if err != nil {
		writeError(w, http.StatusBadRequest, err, "Invalid slot")
		return
	}
	id, err := h.pool.ReviveSlot(slot)
	if err != nil {
		writeError(w, statusFor(err), err, "Failed to revive slot")
		return
	}
	writeJSON(w, http.StatusOK, SuccessResponse{
		Status:  "revived",
		Message: fmt.Sprintf("Slot %d revived as worker %d", slot, id),
	})
}

func (h *PoolHandler) GetWorkers(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, h.pool.Status().Workers)
}

func (h *PoolHandler) GetWorker(w http.ResponseWriter, r *http.Request) {
	id, err := intVar(r, "id")
	if err != nil {
		writeError(w, http.StatusBadRequest, err, "Invalid worker id")
		return
	}
	ws, err := h.pool.Worker(id)
	if err != nil {
		writeError(w, statusFor(err), err, "Worker not found: "+strconv.Itoa(id))
		return
	}
	writeJSON(w, http.StatusOK, ws)
}

func (h *PoolHandler) RestartWorker(w http.ResponseWriter, r *http.Request) {
	id, err := intVar(r, "id")
	if err != nil {
		writeError(w, http.StatusBadRequest, err, "Invalid worker id")
		return
	}
	newID, err := h.pool.RestartWorker(context.WithoutCancel(r.Context()), id)
	if err != nil {
		writeError(w, statusFor(err), err, "Failed to restart worker")
		return
	}
	writeJSON(w, http.StatusOK, SuccessResponse{
		Status:  "restarted",
		Message: fmt.Sprintf("Worker %d replaced by worker %d", id, newID),
	})
}

func (h *PoolHandler) KillWorker(w http.ResponseWriter, r *http.Request) {
	id, err := intVar(r, "id")
	if err != nil {
		writeError(w, http.StatusBadRequest, err, "Invalid worker id")
		return
	}
	if err := h.pool.KillWorker(id); err != nil {
		writeError(w, statusFor(err), err, "Failed to kill worker")
		return
	}
	writeJSON(w, http.StatusOK, SuccessResponse{
		Status:  "killed",
		Message: fmt.Sprintf("Worker %d killed", id),
	})
}

func (h *PoolHandler) SendToWorker(w http.ResponseWriter, r *http.Request) {
	id, err := intVar(r, "id")
	if err != nil {
		writeError(w, http.StatusBadRequest, err, "Invalid worker id")
		return
	}
	msg, err := decodeMessage(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err, "Invalid message")
		return
	}
	if err := h.pool.Send(id, msg); err != nil {
		writeError(w, statusFor(err), err, "Failed to deliver message")
		return
	}
	writeJSON(w, http.StatusOK, SuccessResponse{Status: "sent"})
}

type broadcastResponse struct {
	Delivered []int          `json:"delivered"`
	Failed    map[int]string `json:"failed,omitempty"`
}

func (h *PoolHandler) Broadcast(w http.ResponseWriter, r *http.Request) {
	msg, err := decodeMessage(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err, "Invalid message")
		return
	}

	resp := broadcastResponse{Delivered: []int{}}
	for id, err := range h.pool.Broadcast(msg) {
		if err != nil {
			if resp.Failed == nil {
				resp.Failed = make(map[int]string)
			}
			resp.Failed[id] = err.Error()
			continue
		}
		resp.Delivered = append(resp.Delivered, id)
	}
	writeJSON(w, http.StatusOK, resp)
}

var errReservedType = errors.New("message type is reserved for the supervisor protocol")

func decodeMessage(r *http.Request) (ipc.Message, error) {
	var req messageRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		return ipc.Message{}, err
	}
	switch req.Type {
	case "":
		return ipc.Message{}, errors.New("message type is required")
	case ipc.TypeInit, ipc.TypeDisconnect, ipc.TypeConn:
		return ipc.Message{}, fmt.Errorf("%w: %s", errReservedType, req.Type)
	}

	var payload any
	if len(req.Payload) > 0 {
		payload = req.Payload
	}
	return ipc.NewMessage(req.Type, payload)
}

func (h *PoolHandler) GetLogs(w http.ResponseWriter, r *http.Request) {
	limit := limitParam(r, 50)
	if level := r.URL.Query().Get("level"); level != "" {
		writeJSON(w, http.StatusOK, h.logs.GetByLevel(level, limit))
		return
	}
	writeJSON(w, http.StatusOK, h.logs.GetLast(limit))
}

func (h *PoolHandler) GetWorkerLogs(w http.ResponseWriter, r *http.Request) {
	id, err := intVar(r, "id")
	if err != nil {
		writeError(w, http.StatusBadRequest, err, "Invalid worker id")
		return
	}
	writeJSON(w, http.StatusOK, h.logs.GetByWorker(strconv.Itoa(id), limitParam(r, 50)))
}
