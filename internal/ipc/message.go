package ipc

import (
	"encoding/json"
	"fmt"
	"time"
)

// Message types understood by the supervisor and the worker runtime. Any other
// type is an application message and is passed through untouched.
const (
	TypeInit       = "init"
	TypeOnline     = "online"
	TypeListening  = "listening"
	TypeHeartbeat  = "heartbeat"
	TypeDisconnect = "disconnect"
	TypeConn       = "conn"
	TypeBroadcast  = "broadcast"
)

type Message struct {
	Type      string          `json:"type"`
	Timestamp int64           `json:"timestamp,omitempty"`
	Payload   json.RawMessage `json:"payload,omitempty"`
}

// NewMessage stamps a message with the current time and encodes payload as
// JSON. A nil payload is omitted.
func NewMessage(typ string, payload any) (Message, error) {
	msg := Message{Type: typ, Timestamp: time.Now().UnixMilli()}
	if payload == nil {
		return msg, nil
	}
	raw, err := json.Marshal(payload)
	if err != nil {
		return Message{}, fmt.Errorf("encode %s payload: %w", typ, err)
	}
	msg.Payload = raw
	return msg, nil
}

// Decode unmarshals the payload into v.
func (m Message) Decode(v any) error {
	if len(m.Payload) == 0 {
		return fmt.Errorf("%s message has no payload", m.Type)
	}
	return json.Unmarshal(m.Payload, v)
}

// Time returns the sender's timestamp, or the zero time if none was set.
func (m Message) Time() time.Time {
	if m.Timestamp == 0 {
		return time.Time{}
	}
	return time.UnixMilli(m.Timestamp)
}

// InitPayload is the body of the first message on every channel.
type InitPayload struct {
	WorkerID          int            `json:"worker_id"`
	Slot              int            `json:"slot"`
	RunID             string         `json:"run_id"`
	HeartbeatInterval string         `json:"heartbeat_interval"`
	Config            map[string]any `json:"config,omitempty"`
}

type ListeningPayload struct {
	Network string `json:"network,omitempty"`
	Address string `json:"address,omitempty"`
}

type ConnPayload struct {
	Network    string `json:"network"`
	RemoteAddr string `json:"remote_addr"`
}
