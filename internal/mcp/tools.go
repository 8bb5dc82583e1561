package mcp

import (
	"context"
	"errors"
	"fmt"
	"time"

	mcplib "github.com/mark3labs/mcp-go/mcp"

	"github.com/ashita-ai/tsunagi/internal/model"
	"github.com/ashita-ai/tsunagi/internal/network"
)

const (
	defaultHistoryLimit = 20
	maxHistoryLimit     = 1000
)

func (s *Server) registerTools() {
	// tsunagi_network_state: current agent network of a session.
	s.mcpServer.AddTool(
		mcplib.NewTool("tsunagi_network_state",
			mcplib.WithDescription(`Return the agent network of a session: per-agent metrics, directed
relationships, hierarchy, the current execution stack and active agents.

Set compact=true for a short text summary instead of the full JSON export.
Unknown sessions return an empty network.`),
			mcplib.WithReadOnlyHintAnnotation(true),
			mcplib.WithIdempotentHintAnnotation(true),
			mcplib.WithOpenWorldHintAnnotation(false),
			mcplib.WithString("session_id",
				mcplib.Description("The session to inspect"),
				mcplib.Required(),
			),
			mcplib.WithBoolean("compact",
				mcplib.Description("Return a one-paragraph summary instead of the full export"),
			),
		),
		s.handleNetworkState,
	)

	// tsunagi_reset_network: clear a session's network.
	s.mcpServer.AddTool(
		mcplib.NewTool("tsunagi_reset_network",
			mcplib.WithDescription(`Clear all metrics, relationships and the execution stack of a session.
Subscribers receive a network_snapshot of the empty network.`),
			mcplib.WithDestructiveHintAnnotation(true),
			mcplib.WithOpenWorldHintAnnotation(false),
			mcplib.WithString("session_id",
				mcplib.Description("The session to reset"),
				mcplib.Required(),
			),
		),
		s.handleResetNetwork,
	)

	// tsunagi_event_history: recently broadcast events of a session.
	s.mcpServer.AddTool(
		mcplib.NewTool("tsunagi_event_history",
			mcplib.WithDescription("Return the most recent buffered events of a session, oldest first."),
			mcplib.WithReadOnlyHintAnnotation(true),
			mcplib.WithOpenWorldHintAnnotation(false),
			mcplib.WithString("session_id",
				mcplib.Description("The session whose events to return"),
				mcplib.Required(),
			),
			mcplib.WithNumber("limit",
				mcplib.Description("Maximum number of events to return"),
				mcplib.Min(1),
				mcplib.Max(maxHistoryLimit),
				mcplib.DefaultNumber(defaultHistoryLimit),
			),
		),
		s.handleEventHistory,
	)

	// tsunagi_broadcast_stats: broadcaster-wide counters.
	s.mcpServer.AddTool(
		mcplib.NewTool("tsunagi_broadcast_stats",
			mcplib.WithDescription("Return broadcaster counters: active sessions, subscribers, buffered and published events."),
			mcplib.WithReadOnlyHintAnnotation(true),
			mcplib.WithOpenWorldHintAnnotation(false),
		),
		s.handleBroadcastStats,
	)

	// tsunagi_agent_start: report that an agent began executing.
	s.mcpServer.AddTool(
		mcplib.NewTool("tsunagi_agent_start",
			mcplib.WithDescription(`Report that an agent started executing in a session.

Call this when the agent begins work. If another agent is already running in
the session, the new agent is recorded as invoked by it. Every start must be
paired with tsunagi_agent_complete for the same agent.`),
			mcplib.WithOpenWorldHintAnnotation(false),
			mcplib.WithString("session_id",
				mcplib.Description("The session the agent runs in"),
				mcplib.Required(),
			),
			mcplib.WithString("agent",
				mcplib.Description("The agent name"),
				mcplib.Required(),
			),
		),
		s.handleAgentStart,
	)

	// tsunagi_agent_complete: report that an agent finished.
	s.mcpServer.AddTool(
		mcplib.NewTool("tsunagi_agent_complete",
			mcplib.WithDescription("Report that an agent finished executing, with its duration and outcome."),
			mcplib.WithOpenWorldHintAnnotation(false),
			mcplib.WithString("session_id",
				mcplib.Description("The session the agent ran in"),
				mcplib.Required(),
			),
			mcplib.WithString("agent",
				mcplib.Description("The agent name"),
				mcplib.Required(),
			),
			mcplib.WithNumber("execution_time",
				mcplib.Description("Wall-clock execution time in seconds"),
				mcplib.Min(0),
				mcplib.Required(),
			),
			mcplib.WithBoolean("success",
				mcplib.Description("Whether the agent succeeded (default true)"),
			),
			mcplib.WithArray("tools_used",
				mcplib.Description("Names of tools the agent used"),
				mcplib.WithStringItems(),
			),
		),
		s.handleAgentComplete,
	)

	// tsunagi_tool_use: report a single tool invocation.
	s.mcpServer.AddTool(
		mcplib.NewTool("tsunagi_tool_use",
			mcplib.WithDescription("Record that an agent used a tool. Does not emit an event."),
			mcplib.WithIdempotentHintAnnotation(true),
			mcplib.WithOpenWorldHintAnnotation(false),
			mcplib.WithString("session_id",
				mcplib.Description("The session the agent runs in"),
				mcplib.Required(),
			),
			mcplib.WithString("agent",
				mcplib.Description("The agent name"),
				mcplib.Required(),
			),
			mcplib.WithString("tool",
				mcplib.Description("The tool name"),
				mcplib.Required(),
			),
		),
		s.handleToolUse,
	)
}

func (s *Server) handleNetworkState(ctx context.Context, request mcplib.CallToolRequest) (*mcplib.CallToolResult, error) {
	session := request.GetString("session_id", "")
	if err := model.ValidateSessionID(session); err != nil {
		return errorResult(err.Error()), nil
	}

	export := s.tracker.NetworkState(session)
	if request.GetBool("compact", false) {
		return mcplib.NewToolResultText(summarizeNetwork(export)), nil
	}
	return jsonResult(export)
}

func (s *Server) handleResetNetwork(ctx context.Context, request mcplib.CallToolRequest) (*mcplib.CallToolResult, error) {
	session := request.GetString("session_id", "")
	if err := model.ValidateSessionID(session); err != nil {
		return errorResult(err.Error()), nil
	}
	if !s.tracker.Reset(session) {
		return errorResult(fmt.Sprintf("session %q not found", session)), nil
	}
	s.logger.Info("mcp: network reset", "session_id", session)
	return jsonResult(s.tracker.NetworkState(session))
}

func (s *Server) handleEventHistory(ctx context.Context, request mcplib.CallToolRequest) (*mcplib.CallToolResult, error) {
	session := request.GetString("session_id", "")
	if err := model.ValidateSessionID(session); err != nil {
		return errorResult(err.Error()), nil
	}
	limit := clampLimit(request.GetInt("limit", defaultHistoryLimit))

	return jsonResult(model.EventHistoryResponse{
		SessionID:    session,
		Events:       s.broadcaster.History(session, limit),
		LastSequence: s.broadcaster.LastSequence(session),
	})
}

func (s *Server) handleBroadcastStats(ctx context.Context, request mcplib.CallToolRequest) (*mcplib.CallToolResult, error) {
	return jsonResult(s.broadcaster.Stats())
}

func (s *Server) handleAgentStart(ctx context.Context, request mcplib.CallToolRequest) (*mcplib.CallToolResult, error) {
	session, agent, errResult := sessionAgent(request)
	if errResult != nil {
		return errResult, nil
	}
	depth, err := s.tracker.StartAgent(ctx, session, agent)
	if err != nil {
		return trackingErrorResult(err), nil
	}
	return jsonResult(model.HookResponse{SessionID: session, Agent: agent, Depth: depth})
}

func (s *Server) handleAgentComplete(ctx context.Context, request mcplib.CallToolRequest) (*mcplib.CallToolResult, error) {
	session, agent, errResult := sessionAgent(request)
	if errResult != nil {
		return errResult, nil
	}
	seconds := request.GetFloat("execution_time", -1)
	if seconds < 0 {
		return errorResult("execution_time is required and must be non-negative"), nil
	}
	success := request.GetBool("success", true)
	tools := request.GetStringSlice("tools_used", nil)

	duration := time.Duration(seconds * float64(time.Second))
	depth, err := s.tracker.CompleteAgent(ctx, session, agent, duration, success, tools)
	if err != nil {
		return trackingErrorResult(err), nil
	}
	return jsonResult(model.HookResponse{SessionID: session, Agent: agent, Depth: depth})
}

func (s *Server) handleToolUse(ctx context.Context, request mcplib.CallToolRequest) (*mcplib.CallToolResult, error) {
	session, agent, errResult := sessionAgent(request)
	if errResult != nil {
		return errResult, nil
	}
	tool := request.GetString("tool", "")
	if err := model.ValidateToolName(tool); err != nil {
		return errorResult(err.Error()), nil
	}
	depth, err := s.tracker.UseTool(ctx, session, agent, tool)
	if err != nil {
		return trackingErrorResult(err), nil
	}
	return jsonResult(model.HookResponse{SessionID: session, Agent: agent, Depth: depth})
}

func sessionAgent(request mcplib.CallToolRequest) (string, string, *mcplib.CallToolResult) {
	session := request.GetString("session_id", "")
	if err := model.ValidateSessionID(session); err != nil {
		return "", "", errorResult(err.Error())
	}
	agent := request.GetString("agent", "")
	if err := model.ValidateAgentName(agent); err != nil {
		return "", "", errorResult(err.Error())
	}
	return session, agent, nil
}

// trackingErrorResult turns a tracker error into a tool error with a short
// hint the calling agent can act on.
func trackingErrorResult(err error) *mcplib.CallToolResult {
	switch {
	case errors.Is(err, network.ErrRecursionLimit):
		return errorResult(err.Error() + " (complete running agents before starting new ones)")
	case errors.Is(err, network.ErrInconsistentStack):
		return errorResult(err.Error() + " (the execution stack was reset)")
	default:
		return errorResult(err.Error())
	}
}

func clampLimit(limit int) int {
	if limit < 1 {
		return 1
	}
	if limit > maxHistoryLimit {
		return maxHistoryLimit
	}
	return limit
}
