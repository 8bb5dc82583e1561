package model

import "time"

// EventType represents the category of a network event.
type EventType string

const (
	EventAgentStart      EventType = "agent_start"
	EventAgentComplete   EventType = "agent_complete"
	EventNetworkSnapshot EventType = "network_snapshot"
	EventKeepalive       EventType = "keepalive"
)

// Valid reports whether t is one of the known event types.
func (t EventType) Valid() bool {
	switch t {
	case EventAgentStart, EventAgentComplete, EventNetworkSnapshot, EventKeepalive:
		return true
	}
	return false
}

// Event is a state-change notification for one session.
// Sequence is assigned by the broadcaster and increases by one for every
// published event in a session. Keepalive events repeat the last assigned
// sequence instead of consuming a new one.
type Event struct {
	Type      EventType `json:"type"`
	SessionID string    `json:"session_id"`
	Payload   any       `json:"payload,omitempty"`
	Sequence  uint64    `json:"sequence"`
	Timestamp time.Time `json:"timestamp"`
}

// AgentStartPayload is the payload for agent_start events.
type AgentStartPayload struct {
	Agent     string    `json:"agent"`
	Parent    string    `json:"parent,omitempty"`
	Depth     int       `json:"depth"`
	Timestamp time.Time `json:"timestamp"`
}

// AgentCompletePayload is the payload for agent_complete events.
type AgentCompletePayload struct {
	Agent         string    `json:"agent"`
	ExecutionTime float64   `json:"execution_time"` // seconds
	Success       bool      `json:"success"`
	ToolsUsed     []string  `json:"tools_used,omitempty"`
	Depth         int       `json:"depth"`
	Timestamp     time.Time `json:"timestamp"`
}

// BroadcastStats are the broadcaster-wide counters.
type BroadcastStats struct {
	ActiveSessions      int   `json:"active_sessions"`
	TotalSubscribers    int   `json:"total_subscribers"`
	TotalEventsBuffered int   `json:"total_events_buffered"`
	EventsPublished     int64 `json:"events_published"`
	DroppedSubscribers  int64 `json:"dropped_subscribers"`
}

// EventHistoryResponse is the response for
// GET /v1/sessions/{session_id}/events/history.
type EventHistoryResponse struct {
	SessionID    string  `json:"session_id"`
	Events       []Event `json:"events"`
	LastSequence uint64  `json:"last_sequence"`
}
