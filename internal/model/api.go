package model

import (
	"fmt"
	"time"
)

// MaxToolsPerCompletion bounds the tools_used list on a completion request.
const MaxToolsPerCompletion = 256

// APIResponse is the standard response envelope for all HTTP API responses.
type APIResponse struct {
	Data any          `json:"data,omitempty"`
	Meta ResponseMeta `json:"meta"`
}

// APIError is the standard error response envelope.
type APIError struct {
	Error ErrorDetail  `json:"error"`
	Meta  ResponseMeta `json:"meta"`
}

// ResponseMeta contains request metadata included in every response.
type ResponseMeta struct {
	RequestID string    `json:"request_id"`
	Timestamp time.Time `json:"timestamp"`
}

// ErrorDetail describes an API error.
type ErrorDetail struct {
	Code    string `json:"code"`
	Message string `json:"message"`
	Details any    `json:"details,omitempty"`
}

// ErrorCode constants for standard API error codes.
const (
	ErrCodeInvalidInput   = "INVALID_INPUT"
	ErrCodeNotFound       = "NOT_FOUND"
	ErrCodeConflict       = "CONFLICT"
	ErrCodeRecursionLimit = "RECURSION_LIMIT"
	ErrCodeInternalError  = "INTERNAL_ERROR"
	ErrCodeRateLimited    = "RATE_LIMITED"
)

// AgentCompleteRequest is the request body for
// POST /v1/sessions/{session_id}/agents/{agent}/complete.
type AgentCompleteRequest struct {
	DurationSeconds float64  `json:"duration_seconds"`
	Success         bool     `json:"success"`
	ToolsUsed       []string `json:"tools_used,omitempty"`
}

// Validate checks the completion request fields.
func (r AgentCompleteRequest) Validate() error {
	if r.DurationSeconds < 0 {
		return fmt.Errorf("duration_seconds must not be negative")
	}
	if len(r.ToolsUsed) > MaxToolsPerCompletion {
		return fmt.Errorf("tools_used exceeds maximum of %d entries", MaxToolsPerCompletion)
	}
	for i, tool := range r.ToolsUsed {
		if err := ValidateToolName(tool); err != nil {
			return fmt.Errorf("tools_used[%d]: %w", i, err)
		}
	}
	return nil
}

// Duration converts DurationSeconds to a time.Duration.
func (r AgentCompleteRequest) Duration() time.Duration {
	return time.Duration(r.DurationSeconds * float64(time.Second))
}

// ToolUseRequest is the request body for
// POST /v1/sessions/{session_id}/agents/{agent}/tools.
type ToolUseRequest struct {
	Tool string `json:"tool"`
}

// HookResponse is returned by the start/complete/tool endpoints.
type HookResponse struct {
	SessionID string `json:"session_id"`
	Agent     string `json:"agent"`
	Depth     int    `json:"depth"`
}

// HealthResponse is the response for GET /health.
type HealthResponse struct {
	Status           string `json:"status"`
	Version          string `json:"version"`
	Sessions         int    `json:"sessions"`
	StreamingClients int    `json:"streaming_clients"`
	Uptime           int64  `json:"uptime_seconds"`
}

// StatsResponse is the response for GET /v1/stats.
type StatsResponse struct {
	Sessions        int            `json:"sessions"`
	SessionsCreated int64          `json:"sessions_created"`
	Broadcast       BroadcastStats `json:"broadcast"`
}
