package models

import "time"

type EventType string

const (
	EventForked        EventType = "forked"
	EventForkFailed    EventType = "fork_failed"
	EventOnline        EventType = "online"
	EventListening     EventType = "listening"
	EventDisconnecting EventType = "disconnecting"
	EventExit          EventType = "exit"
	EventUnhealthy     EventType = "unhealthy"
	EventSlotExhausted EventType = "slot_exhausted"
	EventChannelError  EventType = "channel_error"
	EventMessage       EventType = "message"
	EventRollStarted   EventType = "rolling_restart_started"
	EventRollCompleted EventType = "rolling_restart_completed"
	EventRollAborted   EventType = "rolling_restart_aborted"
	EventShutdown      EventType = "shutdown"
)

// Event is one entry of the supervisor report stream.
type Event struct {
	Type     EventType `json:"type"`
	Time     time.Time `json:"time"`
	WorkerID int       `json:"worker_id,omitempty"`
	Slot     int       `json:"slot,omitempty"`
	Pid      int       `json:"pid,omitempty"`
	Detail   string    `json:"detail,omitempty"`
}
