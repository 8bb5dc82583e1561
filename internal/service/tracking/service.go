// Package tracking implements the execution hooks that the agent runtime
// calls around every agent invocation.
//
// Each hook mutates the session's network state and publishes the matching
// event while holding the session's write lock, so the order of events on
// the stream always matches the order of mutations. Both the HTTP API and
// the in-process facade delegate to this service.
package tracking

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"sync"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"

	"github.com/ashita-ai/tsunagi/internal/broadcast"
	"github.com/ashita-ai/tsunagi/internal/model"
	"github.com/ashita-ai/tsunagi/internal/network"
	"github.com/ashita-ai/tsunagi/internal/telemetry"
)

// DefaultSnapshotInterval is how often changed sessions get a snapshot event.
const DefaultSnapshotInterval = 10 * time.Second

// Config configures a Service. Zero values select the defaults.
type Config struct {
	SnapshotInterval time.Duration
}

// Service records agent executions and streams them to observers.
type Service struct {
	registry    *network.Registry
	broadcaster *broadcast.Broadcaster
	logger      *slog.Logger
	interval    time.Duration
	now         func() time.Time

	tracer        trace.Tracer
	invocations   metric.Int64Counter
	completions   metric.Int64Counter
	hookErrors    metric.Int64Counter
	executionTime metric.Float64Histogram

	mu        sync.Mutex
	snapshots map[string]uint64 // session -> state version at its last snapshot
}

// New creates a tracking service over the given registry and broadcaster.
func New(registry *network.Registry, broadcaster *broadcast.Broadcaster, cfg Config, logger *slog.Logger) *Service {
	if cfg.SnapshotInterval <= 0 {
		cfg.SnapshotInterval = DefaultSnapshotInterval
	}

	meter := telemetry.Meter(telemetry.ScopeTracking)
	invocations, _ := meter.Int64Counter("tsunagi.agent.invocations",
		metric.WithDescription("Agent invocations started"),
	)
	completions, _ := meter.Int64Counter("tsunagi.agent.completions",
		metric.WithDescription("Agent invocations completed"),
	)
	hookErrors, _ := meter.Int64Counter("tsunagi.hook.errors",
		metric.WithDescription("Execution hook calls that returned an error"),
	)
	execTime, _ := meter.Float64Histogram("tsunagi.agent.execution_time",
		metric.WithDescription("Reported agent execution time"),
		metric.WithUnit("s"),
	)

	return &Service{
		registry:      registry,
		broadcaster:   broadcaster,
		logger:        logger,
		interval:      cfg.SnapshotInterval,
		now:           time.Now,
		tracer:        telemetry.Tracer(telemetry.ScopeTracking),
		invocations:   invocations,
		completions:   completions,
		hookErrors:    hookErrors,
		executionTime: execTime,
		snapshots:     make(map[string]uint64),
	}
}

// OnAgentStart records that agent started running in session. See StartAgent.
func (s *Service) OnAgentStart(ctx context.Context, session, agent string) error {
	_, err := s.StartAgent(ctx, session, agent)
	return err
}

// StartAgent records that agent started running in session and returns the
// stack depth after the push. If another agent is currently on top of the
// stack it is recorded as the caller: the parent→agent "invokes" edge is
// upserted and agent is added to the parent's children. An agent_start event
// is published on success.
//
// Returns an error matching network.ErrRecursionLimit when the push would
// exceed the depth limit; the session's state is left unchanged.
func (s *Service) StartAgent(ctx context.Context, session, agent string) (int, error) {
	ctx, span := s.tracer.Start(ctx, "tracking.agent_start", trace.WithAttributes(
		attribute.String("tsunagi.session_id", session),
		attribute.String("tsunagi.agent", agent),
	))
	defer span.End()

	if agent == "" {
		return 0, s.fail(ctx, span, "agent_start", network.ErrMissingAgent)
	}

	var depth int
	err := s.registry.Update(session, func(st *network.State) error {
		parent, err := st.PushAgent(agent)
		if err != nil {
			return err
		}
		if parent != "" {
			st.RecordRelationship(parent, agent, model.RelationInvokes)
			st.RecordHierarchy(parent, agent)
		}
		depth = st.Depth()
		s.publish(session, model.EventAgentStart, model.AgentStartPayload{
			Agent:     agent,
			Parent:    parent,
			Depth:     depth,
			Timestamp: s.now().UTC(),
		})
		return nil
	})
	if err != nil {
		if errors.Is(err, network.ErrRecursionLimit) {
			s.logger.Warn("tracking: recursion limit exceeded",
				"session_id", session, "agent", agent, "error", err)
		}
		return 0, s.fail(ctx, span, "agent_start", err)
	}

	span.SetAttributes(attribute.Int("tsunagi.depth", depth))
	s.invocations.Add(ctx, 1)
	return depth, nil
}

// OnAgentComplete records that agent finished in session. See CompleteAgent.
func (s *Service) OnAgentComplete(ctx context.Context, session, agent string, duration time.Duration, success bool, tools []string) error {
	_, err := s.CompleteAgent(ctx, session, agent, duration, success, tools)
	return err
}

// CompleteAgent records that agent finished in session and returns the stack
// depth after the pop. The agent is popped from the stack, the tools are
// added to its tool set, the completion is counted and an agent_complete
// event is published. When the stack becomes empty a network_snapshot
// follows.
//
// If agent is not on top of the stack the stack is reset, a snapshot is
// published so observers can resync, and an error matching
// network.ErrInconsistentStack is returned. The completion still counts when
// agent had an open frame below the top; a completion for an agent with no
// open frame (a duplicate, or one that never started) records nothing.
func (s *Service) CompleteAgent(ctx context.Context, session, agent string, duration time.Duration, success bool, tools []string) (int, error) {
	ctx, span := s.tracer.Start(ctx, "tracking.agent_complete", trace.WithAttributes(
		attribute.String("tsunagi.session_id", session),
		attribute.String("tsunagi.agent", agent),
		attribute.Bool("tsunagi.success", success),
		attribute.Float64("tsunagi.execution_time_seconds", duration.Seconds()),
	))
	defer span.End()

	if agent == "" {
		return 0, s.fail(ctx, span, "agent_complete", network.ErrMissingAgent)
	}
	used := normalizeTools(tools)

	var (
		depth   int
		counted bool
	)
	err := s.registry.Update(session, func(st *network.State) error {
		open := st.IsActive(agent)
		frameDepth := st.Depth()
		popErr := st.PopAgent(agent)
		depth = st.Depth()
		if popErr != nil && !open {
			s.snapshotLocked(session, st)
			return popErr
		}

		counted = true
		for _, tool := range used {
			st.RecordToolUse(agent, tool)
		}
		st.RecordCompletion(agent, duration, success)
		s.publish(session, model.EventAgentComplete, model.AgentCompletePayload{
			Agent:         agent,
			ExecutionTime: max(duration, 0).Seconds(),
			Success:       success,
			ToolsUsed:     used,
			Depth:         frameDepth,
			Timestamp:     s.now().UTC(),
		})
		if popErr != nil || depth == 0 {
			s.snapshotLocked(session, st)
		}
		return popErr
	})

	if counted {
		s.completions.Add(ctx, 1, metric.WithAttributes(attribute.Bool("success", success)))
		s.executionTime.Record(ctx, max(duration, 0).Seconds())
	}
	if err != nil {
		if errors.Is(err, network.ErrInconsistentStack) {
			s.logger.Warn("tracking: inconsistent execution stack, stack reset",
				"session_id", session, "agent", agent, "counted", counted, "error", err)
		}
		return 0, s.fail(ctx, span, "agent_complete", err)
	}
	return depth, nil
}

// RecordToolUse adds tool to the set of tools agent used in session. See
// UseTool.
func (s *Service) RecordToolUse(ctx context.Context, session, agent, tool string) error {
	_, err := s.UseTool(ctx, session, agent, tool)
	return err
}

// UseTool adds tool to the set of tools agent used in session and returns the
// current stack depth. It does not publish an event; the change is picked up
// by the next snapshot.
func (s *Service) UseTool(ctx context.Context, session, agent, tool string) (int, error) {
	ctx, span := s.tracer.Start(ctx, "tracking.tool_use", trace.WithAttributes(
		attribute.String("tsunagi.session_id", session),
		attribute.String("tsunagi.agent", agent),
		attribute.String("tsunagi.tool", tool),
	))
	defer span.End()

	if agent == "" {
		return 0, s.fail(ctx, span, "tool_use", network.ErrMissingAgent)
	}
	if tool == "" {
		return 0, s.fail(ctx, span, "tool_use", errors.New("tool name is required"))
	}
	var depth int
	err := s.registry.Update(session, func(st *network.State) error {
		st.RecordToolUse(agent, tool)
		depth = st.Depth()
		return nil
	})
	if err != nil {
		return 0, s.fail(ctx, span, "tool_use", err)
	}
	return depth, nil
}

// Resume subscribes to session's events after sequence after. The returned
// events are the backlog to write before reading the subscription, in
// sequence order. When the buffered history no longer reaches back to after
// (or after belongs to an earlier incarnation of the session) the backlog is
// a single network_snapshot of the state as of the last assigned sequence,
// stamped with that sequence.
func (s *Service) Resume(session string, after uint64) (*broadcast.Subscription, []model.Event, error) {
	for {
		var (
			sub    *broadcast.Subscription
			replay broadcast.Replay
			subErr error
			export model.NetworkExport
		)
		// Hooks publish under the session write lock, so no hook event can
		// land between the subscription and the export.
		viewErr := s.registry.View(session, func(st *network.State) {
			sub, replay, subErr = s.broadcaster.SubscribeFrom(session, after)
			if subErr == nil && replay.Truncated {
				export = st.Export(session)
			}
		})
		if errors.Is(viewErr, network.ErrUnknownSession) {
			sub, replay, subErr = s.broadcaster.SubscribeFrom(session, after)
			if subErr == nil && replay.Truncated {
				if _, ok := s.registry.Lookup(session); ok {
					// Created while subscribing; retry under its lock.
					s.broadcaster.Unsubscribe(sub)
					continue
				}
				export = model.EmptyNetworkExport(session)
			}
		}
		if subErr != nil {
			return nil, nil, subErr
		}
		if !replay.Truncated {
			return sub, replay.Events, nil
		}
		s.logger.Info("tracking: resume point no longer buffered, sending snapshot",
			"session_id", session, "after", after, "last_sequence", replay.LastSequence)
		return sub, []model.Event{{
			Type:      model.EventNetworkSnapshot,
			SessionID: session,
			Payload:   export,
			Sequence:  replay.LastSequence,
			Timestamp: s.now().UTC(),
		}}, nil
	}
}

// NetworkState returns the current export of session. Unknown sessions yield
// an empty export.
func (s *Service) NetworkState(session string) model.NetworkExport {
	return s.registry.Export(session)
}

// Reset clears the session's network and publishes a snapshot of the empty
// state. It reports whether the session existed.
func (s *Service) Reset(session string) bool {
	if !s.registry.Reset(session) {
		return false
	}
	s.logger.Info("tracking: network reset", "session_id", session)
	s.PublishSnapshot(session)
	return true
}

// DeleteSession discards the session's network state and ends its event
// streams. It reports whether there was anything to delete.
func (s *Service) DeleteSession(session string) bool {
	if s.registry.Remove(session) {
		// Stream teardown happens in Evicted via the registry's OnEvict hook.
		return true
	}
	// Observers may be subscribed to a session that never saw a hook call.
	closed := s.broadcaster.CloseSession(session) > 0
	s.forget(session)
	return closed
}

// Evicted releases everything the service holds for a session that left the
// registry. Wire it as the registry's OnEvict callback.
func (s *Service) Evicted(session string) {
	s.broadcaster.CloseSession(session)
	s.forget(session)
}

// PublishSnapshot publishes a network_snapshot event for session. It reports
// false when the session has no network state.
func (s *Service) PublishSnapshot(session string) bool {
	err := s.registry.View(session, func(st *network.State) {
		s.snapshotLocked(session, st)
	})
	return err == nil
}

// PublishChangedSnapshots publishes a snapshot for every session whose state
// changed since its last snapshot and returns how many were published.
func (s *Service) PublishChangedSnapshots() int {
	n := 0
	for _, session := range s.registry.Sessions() {
		_ = s.registry.View(session, func(st *network.State) {
			s.mu.Lock()
			last, seen := s.snapshots[session]
			s.mu.Unlock()
			if seen && last == st.Version() {
				return
			}
			s.snapshotLocked(session, st)
			n++
		})
	}
	return n
}

// Start publishes periodic snapshots of changed sessions until ctx is
// cancelled. It blocks, so call it in a goroutine.
func (s *Service) Start(ctx context.Context) {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if n := s.PublishChangedSnapshots(); n > 0 {
				s.logger.Debug("tracking: snapshots published", "sessions", n)
			}
		}
	}
}

// snapshotLocked publishes the export of st. The caller holds the session
// lock (read or write), which keeps the snapshot consistent with the events
// around it.
func (s *Service) snapshotLocked(session string, st *network.State) {
	s.publish(session, model.EventNetworkSnapshot, st.Export(session))
	s.mu.Lock()
	s.snapshots[session] = st.Version()
	s.mu.Unlock()
}

func (s *Service) publish(session string, typ model.EventType, payload any) {
	if _, err := s.broadcaster.Publish(session, typ, payload); err != nil {
		s.logger.Error("tracking: publish failed",
			"session_id", session, "event_type", typ, "error", err)
	}
}

func (s *Service) forget(session string) {
	s.mu.Lock()
	delete(s.snapshots, session)
	s.mu.Unlock()
}

func (s *Service) fail(ctx context.Context, span trace.Span, hook string, err error) error {
	span.RecordError(err)
	span.SetStatus(codes.Error, err.Error())
	s.hookErrors.Add(ctx, 1, metric.WithAttributes(attribute.String("hook", hook)))
	return fmt.Errorf("tracking: %s: %w", hook, err)
}

// normalizeTools returns the distinct non-empty tool names in sorted order.
func normalizeTools(tools []string) []string {
	out := make([]string, 0, len(tools))
	for _, t := range tools {
		if t != "" {
			out = append(out, t)
		}
	}
	slices.Sort(out)
	return slices.Compact(out)
}
