package model_test

import (
	"encoding/json"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ashita-ai/tsunagi/internal/model"
)

func TestValidateAgentName_Valid(t *testing.T) {
	valid := []string{
		"planner",
		"research-agent",
		"agent.v2",
		"Agent_01",
		"team:dispatcher",
		"user@example",
		"a",
		strings.Repeat("a", model.MaxNameLen),
	}
	for _, name := range valid {
		require.NoError(t, model.ValidateAgentName(name), "expected valid: %q", name)
	}
}

func TestValidateAgentName_Invalid(t *testing.T) {
	tests := []struct {
		name  string
		input string
		want  string
	}{
		{"empty", "", "agent is required"},
		{"too long", strings.Repeat("a", model.MaxNameLen+1), "at most 255"},
		{"space", "bad agent", "invalid character at position 3"},
		{"slash", "a/b", "invalid character"},
		{"unicode", "agént", "invalid character"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := model.ValidateAgentName(tt.input)
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.want)
		})
	}
}

func TestValidateSessionID_RequiresValue(t *testing.T) {
	err := model.ValidateSessionID("")
	require.Error(t, err)
	assert.Equal(t, "session_id is required", err.Error())
}

func TestAgentCompleteRequest_Validate(t *testing.T) {
	ok := model.AgentCompleteRequest{DurationSeconds: 2.5, Success: true, ToolsUsed: []string{"web_search"}}
	require.NoError(t, ok.Validate())
	assert.Equal(t, 2500*time.Millisecond, ok.Duration())

	neg := model.AgentCompleteRequest{DurationSeconds: -1}
	assert.ErrorContains(t, neg.Validate(), "must not be negative")

	badTool := model.AgentCompleteRequest{ToolsUsed: []string{"ok", "not ok"}}
	assert.ErrorContains(t, badTool.Validate(), "tools_used[1]")
}

func TestEventType_Valid(t *testing.T) {
	for _, et := range []model.EventType{
		model.EventAgentStart, model.EventAgentComplete,
		model.EventNetworkSnapshot, model.EventKeepalive,
	} {
		assert.True(t, et.Valid(), string(et))
	}
	assert.False(t, model.EventType("agent_paused").Valid())
}

func TestEmptyNetworkExport_EncodesEmptyCollections(t *testing.T) {
	data, err := json.Marshal(model.EmptyNetworkExport("abc"))
	require.NoError(t, err)

	var got map[string]any
	require.NoError(t, json.Unmarshal(data, &got))
	assert.Equal(t, "abc", got["session_id"])
	assert.Equal(t, map[string]any{}, got["agents"])
	assert.Equal(t, []any{}, got["relationships"])
	assert.Equal(t, map[string]any{}, got["hierarchy"])
	assert.Equal(t, []any{}, got["execution_stack"])
	assert.Equal(t, []any{}, got["active_agents"])
}
