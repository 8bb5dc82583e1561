package mcp

import (
	"context"
	"fmt"

	mcplib "github.com/mark3labs/mcp-go/mcp"

	"github.com/ashita-ai/tsunagi/internal/model"
)

func (s *Server) registerPrompts() {
	// agent-setup: system prompt snippet explaining how to report execution.
	s.mcpServer.AddPrompt(
		mcplib.NewPrompt("agent-setup",
			mcplib.WithPromptDescription("System prompt snippet explaining how an agent reports its execution to Tsunagi"),
			mcplib.WithArgument("session_id",
				mcplib.ArgumentDescription("The session the agent runs in"),
				mcplib.RequiredArgument(),
			),
			mcplib.WithArgument("agent",
				mcplib.ArgumentDescription("The agent's name"),
				mcplib.RequiredArgument(),
			),
		),
		s.handleAgentSetupPrompt,
	)

	// network-review: asks the model to review the current network.
	s.mcpServer.AddPrompt(
		mcplib.NewPrompt("network-review",
			mcplib.WithPromptDescription("Review a session's agent network for bottlenecks and failures"),
			mcplib.WithArgument("session_id",
				mcplib.ArgumentDescription("The session to review"),
				mcplib.RequiredArgument(),
			),
		),
		s.handleNetworkReviewPrompt,
	)
}

func (s *Server) handleAgentSetupPrompt(ctx context.Context, request mcplib.GetPromptRequest) (*mcplib.GetPromptResult, error) {
	session := request.Params.Arguments["session_id"]
	agent := request.Params.Arguments["agent"]
	if session == "" || agent == "" {
		return nil, fmt.Errorf("session_id and agent arguments are required")
	}

	return &mcplib.GetPromptResult{
		Description: fmt.Sprintf("Execution reporting for agent %s", agent),
		Messages: []mcplib.PromptMessage{
			{
				Role: mcplib.RoleUser,
				Content: mcplib.TextContent{
					Type: "text",
					Text: fmt.Sprintf(`You are agent %[2]q running in session %[1]q. Tsunagi tracks which agents
run, which agents invoke which, and how long and how reliably each one works.

## Reporting

1. CALL tsunagi_agent_start with session_id=%[1]q and agent=%[2]q when you begin.
   Any agent you start before you finish is recorded as invoked by you.

2. CALL tsunagi_tool_use each time you use a tool, or pass the tool names
   in tools_used when you complete.

3. CALL tsunagi_agent_complete with session_id=%[1]q and agent=%[2]q when you
   finish, including execution_time in seconds and success=false if you failed.

Always complete in the reverse order you started. Completing an agent that
is not on top of the execution stack is reported as an error.

## Inspecting

- tsunagi_network_state: metrics, relationships and the execution stack
- tsunagi_event_history: the most recent events for the session`, session, agent),
				},
			},
		},
	}, nil
}

func (s *Server) handleNetworkReviewPrompt(ctx context.Context, request mcplib.GetPromptRequest) (*mcplib.GetPromptResult, error) {
	session := request.Params.Arguments["session_id"]
	if err := model.ValidateSessionID(session); err != nil {
		return nil, err
	}

	return &mcplib.GetPromptResult{
		Description: fmt.Sprintf("Review the agent network of session %s", session),
		Messages: []mcplib.PromptMessage{
			{
				Role: mcplib.RoleUser,
				Content: mcplib.TextContent{
					Type: "text",
					Text: fmt.Sprintf(`Current network summary:

%s

Call tsunagi_network_state with session_id=%q for the full export. Identify
agents with low success rates or long average execution times, and any
agent that invokes others far more often than the rest.`, summarizeNetwork(s.tracker.NetworkState(session)), session),
				},
			},
		},
	}, nil
}
