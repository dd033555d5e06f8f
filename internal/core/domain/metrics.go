package domain

import "time"

type EventType string

const (
	EventSessionCreated EventType = "session.created"
	EventSessionUpdated EventType = "session.updated"
	EventSessionRemoved EventType = "session.removed"
)

// SessionEvent is published by the registry on every mutation.
type SessionEvent struct {
	Type      EventType     `json:"type"`
	Session   StreamSession `json:"session"`
	Timestamp time.Time     `json:"timestamp"`
}

// OrchestratorMetrics is a point-in-time summary of the live session table
// plus lifetime counters.
type OrchestratorMetrics struct {
	ActiveSessions int                `json:"active_sessions"`
	ByProtocol     map[Protocol]int   `json:"by_protocol"`
	ByState        map[State]int      `json:"by_state"`
	Started        map[Protocol]int64 `json:"started"`
	Failed         map[Protocol]int64 `json:"failed"`
	Stopped        map[Protocol]int64 `json:"stopped"`
	AvgStartup     time.Duration      `json:"avg_startup"`
	Timestamp      time.Time          `json:"timestamp"`
}
