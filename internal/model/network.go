package model

import "time"

// RelationInvokes is the relationship type recorded when one agent starts
// another while it is on the execution stack.
const RelationInvokes = "invokes"

// NetworkExport is the serialized form of one session's agent network.
// It is the payload of network_snapshot events and the body of the
// network state query.
type NetworkExport struct {
	SessionID      string                      `json:"session_id"`
	Agents         map[string]AgentMetricsView `json:"agents"`
	Relationships  []RelationshipView          `json:"relationships"`
	Hierarchy      map[string][]string         `json:"hierarchy"`
	ExecutionStack []string                    `json:"execution_stack"`
	ActiveAgents   []string                    `json:"active_agents"`
}

// EmptyNetworkExport returns the export of a session with no recorded
// activity. Collections are non-nil so they encode as {} and [].
func EmptyNetworkExport(sessionID string) NetworkExport {
	return NetworkExport{
		SessionID:      sessionID,
		Agents:         map[string]AgentMetricsView{},
		Relationships:  []RelationshipView{},
		Hierarchy:      map[string][]string{},
		ExecutionStack: []string{},
		ActiveAgents:   []string{},
	}
}

// AgentMetricsView is the exported view of one agent's counters.
// Durations are in seconds.
type AgentMetricsView struct {
	InvocationCount      int        `json:"invocation_count"`
	TotalExecutionTime   float64    `json:"total_execution_time"`
	AverageExecutionTime float64    `json:"average_execution_time"`
	SuccessCount         int        `json:"success_count"`
	FailureCount         int        `json:"failure_count"`
	SuccessRate          float64    `json:"success_rate"`
	ToolsUsed            []string   `json:"tools_used"`
	IsActive             bool       `json:"is_active"`
	LastInvokedAt        *time.Time `json:"last_invoked_at,omitempty"`
}

// RelationshipView is a directed, counted edge between two agents.
type RelationshipView struct {
	Source           string `json:"source"`
	Target           string `json:"target"`
	Type             string `json:"type"`
	InteractionCount int    `json:"interaction_count"`
}
