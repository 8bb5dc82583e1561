package tsunagi

import (
	"github.com/ashita-ai/tsunagi/internal/broadcast"
	"github.com/ashita-ai/tsunagi/internal/config"
	"github.com/ashita-ai/tsunagi/internal/model"
	"github.com/ashita-ai/tsunagi/internal/network"
)

// Public names for the wire types. They are aliases, so values returned by
// App methods and decoded from the HTTP API are interchangeable.
type (
	// Config is the server configuration. See LoadConfig.
	Config = config.Config

	// Event is one state-change notification for a session.
	Event     = model.Event
	EventType = model.EventType

	// NetworkExport is the serialized agent network of a session.
	NetworkExport = model.NetworkExport
	AgentMetrics  = model.AgentMetricsView
	Relationship  = model.RelationshipView

	AgentStartPayload    = model.AgentStartPayload
	AgentCompletePayload = model.AgentCompletePayload

	// Subscription is an in-process event stream. See App.Subscribe.
	Subscription = broadcast.Subscription
)

// Event types.
const (
	EventAgentStart      = model.EventAgentStart
	EventAgentComplete   = model.EventAgentComplete
	EventNetworkSnapshot = model.EventNetworkSnapshot
	EventKeepalive       = model.EventKeepalive
)

// Errors returned by ExecutionHooks. Match with errors.Is.
var (
	ErrRecursionLimit    = network.ErrRecursionLimit
	ErrInconsistentStack = network.ErrInconsistentStack
	ErrMissingSession    = network.ErrMissingSession
	ErrMissingAgent      = network.ErrMissingAgent
)

// LoadConfig reads configuration from TSUNAGI_* environment variables,
// applying defaults for anything unset.
func LoadConfig() (Config, error) {
	return config.Load()
}
