package models

import "time"

// WorkerStatus is the externally visible view of one worker.
type WorkerStatus struct {
	ID                    int        `json:"id"`
	Slot                  int        `json:"slot"`
	Pid                   int        `json:"pid"`
	State                 string     `json:"state"`
	RestartCount          int        `json:"restart_count"`
	LastHeartbeat         *time.Time `json:"last_heartbeat,omitempty"`
	ListenAddress         string     `json:"listen_address,omitempty"`
	ExitedAfterDisconnect bool       `json:"exited_after_disconnect"`
	Uptime                string     `json:"uptime"`
	Memory                string     `json:"memory,omitempty"`
	CPU                   string     `json:"cpu,omitempty"`
}

// PoolStatus is the report interface snapshot of the whole pool.
type PoolStatus struct {
	RunID          string         `json:"run_id"`
	Policy         string         `json:"policy"`
	TargetSize     int            `json:"target_size"`
	Size           int            `json:"size"`
	Listening      int            `json:"listening"`
	ShuttingDown   bool           `json:"shutting_down"`
	Degraded       bool           `json:"degraded"`
	ExhaustedSlots []int          `json:"exhausted_slots"`
	Workers        []WorkerStatus `json:"workers"`
}

// LogEntry represents a log entry
type LogEntry struct {
	Timestamp string `json:"timestamp"`
	Message   string `json:"message"`
	Level     string `json:"level"`
	Worker    string `json:"worker,omitempty"`
}
