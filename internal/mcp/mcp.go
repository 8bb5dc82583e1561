// Package mcp implements the Model Context Protocol server for Tsunagi.
//
// The MCP server exposes the same capabilities as the HTTP API through
// MCP resources and tools, so MCP-compatible agents can report their own
// execution and inspect the agent network of a session.
package mcp

import (
	"context"
	"encoding/json"
	"log/slog"
	"time"

	mcplib "github.com/mark3labs/mcp-go/mcp"
	mcpserver "github.com/mark3labs/mcp-go/server"

	"github.com/ashita-ai/tsunagi/internal/broadcast"
	"github.com/ashita-ai/tsunagi/internal/model"
)

// Tracker is the subset of the tracking service used by the MCP tools.
type Tracker interface {
	StartAgent(ctx context.Context, session, agent string) (int, error)
	CompleteAgent(ctx context.Context, session, agent string, duration time.Duration, success bool, tools []string) (int, error)
	UseTool(ctx context.Context, session, agent, tool string) (int, error)
	NetworkState(session string) model.NetworkExport
	Reset(session string) bool
}

// Server wraps the MCP server with Tsunagi's tracking service.
type Server struct {
	mcpServer   *mcpserver.MCPServer
	tracker     Tracker
	broadcaster *broadcast.Broadcaster
	logger      *slog.Logger
}

// New creates and configures a new MCP server with all resources, tools
// and prompts.
func New(tracker Tracker, broadcaster *broadcast.Broadcaster, version string, logger *slog.Logger) *Server {
	s := &Server{
		tracker:     tracker,
		broadcaster: broadcaster,
		logger:      logger,
	}

	s.mcpServer = mcpserver.NewMCPServer(
		"tsunagi",
		version,
		mcpserver.WithResourceCapabilities(true, true),
		mcpserver.WithToolCapabilities(true),
		mcpserver.WithPromptCapabilities(true),
	)

	s.registerResources()
	s.registerTools()
	s.registerPrompts()

	return s
}

// MCPServer returns the underlying mcp-go server for transport setup.
func (s *Server) MCPServer() *mcpserver.MCPServer {
	return s.mcpServer
}

func jsonResult(v any) (*mcplib.CallToolResult, error) {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return nil, err
	}
	return &mcplib.CallToolResult{
		Content: []mcplib.Content{
			mcplib.TextContent{Type: "text", Text: string(data)},
		},
	}, nil
}

func errorResult(msg string) *mcplib.CallToolResult {
	return &mcplib.CallToolResult{
		Content: []mcplib.Content{
			mcplib.TextContent{Type: "text", Text: msg},
		},
		IsError: true,
	}
}
