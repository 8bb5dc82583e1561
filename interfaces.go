package tsunagi

import (
	"context"
	"net/http"
	"time"
)

// ExecutionHooks is how a multi-agent runtime reports execution. Calls for
// one session are serialized; calls for different sessions run in parallel.
//
// Every OnAgentStart must be paired with an OnAgentComplete for the same
// agent, in strictly nested order. A completion that does not match the
// innermost running agent returns an error wrapping ErrInconsistentStack and
// clears the session's execution stack. Such a completion is still counted
// when the agent was running further down the stack, and ignored otherwise.
type ExecutionHooks interface {
	// OnAgentStart records that agent began executing. If another agent is
	// running in the session, the new agent is recorded as invoked by it.
	// Returns an error wrapping ErrRecursionLimit when the session's
	// execution stack is already at the configured depth.
	OnAgentStart(ctx context.Context, session, agent string) error

	// OnAgentComplete records that agent finished after duration.
	OnAgentComplete(ctx context.Context, session, agent string, duration time.Duration, success bool, tools []string) error

	// RecordToolUse records a single tool invocation. No event is emitted.
	RecordToolUse(ctx context.Context, session, agent, tool string) error
}

// Middleware wraps the root HTTP handler.
// Applied outermost (before routing), so it sees all requests including /health.
// Use for authentication, custom logging, or cross-cutting headers.
// Multiple middlewares are applied in registration order (first-registered = outermost).
type Middleware func(http.Handler) http.Handler
