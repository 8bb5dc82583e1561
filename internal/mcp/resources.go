package mcp

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	mcplib "github.com/mark3labs/mcp-go/mcp"

	"github.com/ashita-ai/tsunagi/internal/model"
)

const (
	sessionURIPrefix  = "tsunagi://sessions/"
	networkURISuffix  = "/network"
	broadcastStatsURI = "tsunagi://broadcast/stats"
)

func (s *Server) registerResources() {
	// tsunagi://broadcast/stats: broadcaster-wide counters.
	s.mcpServer.AddResource(
		mcplib.NewResource(
			broadcastStatsURI,
			"Broadcast Stats",
			mcplib.WithResourceDescription("Active sessions, subscribers and event counters"),
			mcplib.WithMIMEType("application/json"),
		),
		s.handleBroadcastStatsResource,
	)

	// tsunagi://sessions/{id}/network: a session's agent network.
	s.mcpServer.AddResourceTemplate(
		mcplib.NewResourceTemplate(
			sessionURIPrefix+"{id}"+networkURISuffix,
			"Session Network",
			mcplib.WithTemplateDescription("Agent metrics, relationships and execution stack for a session"),
			mcplib.WithTemplateMIMEType("application/json"),
		),
		s.handleSessionNetwork,
	)
}

func (s *Server) handleBroadcastStatsResource(ctx context.Context, request mcplib.ReadResourceRequest) ([]mcplib.ResourceContents, error) {
	return jsonContents(request.Params.URI, s.broadcaster.Stats())
}

func (s *Server) handleSessionNetwork(ctx context.Context, request mcplib.ReadResourceRequest) ([]mcplib.ResourceContents, error) {
	uri := request.Params.URI
	session, err := parseSessionNetworkURI(uri)
	if err != nil {
		return nil, err
	}
	return jsonContents(uri, s.tracker.NetworkState(session))
}

// parseSessionNetworkURI extracts and validates the session ID from a
// tsunagi://sessions/{id}/network URI.
func parseSessionNetworkURI(uri string) (string, error) {
	if !strings.HasPrefix(uri, sessionURIPrefix) || !strings.HasSuffix(uri, networkURISuffix) ||
		len(uri) < len(sessionURIPrefix)+len(networkURISuffix) {
		return "", fmt.Errorf("mcp: invalid session network URI: %s", uri)
	}
	session := uri[len(sessionURIPrefix) : len(uri)-len(networkURISuffix)]
	if session == "" {
		return "", fmt.Errorf("mcp: invalid session network URI: empty session_id")
	}
	if err := model.ValidateSessionID(session); err != nil {
		return "", fmt.Errorf("mcp: invalid session network URI: %w", err)
	}
	return session, nil
}

func jsonContents(uri string, v any) ([]mcplib.ResourceContents, error) {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("mcp: marshal %s: %w", uri, err)
	}
	return []mcplib.ResourceContents{
		mcplib.TextResourceContents{
			URI:      uri,
			MIMEType: "application/json",
			Text:     string(data),
		},
	}, nil
}
