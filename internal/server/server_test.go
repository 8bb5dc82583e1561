package server_test

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strconv"
	"strings"
	"testing"
	"time"

	mcpclient "github.com/mark3labs/mcp-go/client"
	mcplib "github.com/mark3labs/mcp-go/mcp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ashita-ai/tsunagi/internal/broadcast"
	tsunagimcp "github.com/ashita-ai/tsunagi/internal/mcp"
	"github.com/ashita-ai/tsunagi/internal/model"
	"github.com/ashita-ai/tsunagi/internal/network"
	"github.com/ashita-ai/tsunagi/internal/ratelimit"
	"github.com/ashita-ai/tsunagi/internal/server"
	"github.com/ashita-ai/tsunagi/internal/service/tracking"
	"github.com/ashita-ai/tsunagi/internal/testutil"
)

type testEnv struct {
	srv *httptest.Server
	svc *tracking.Service
	reg *network.Registry
	b   *broadcast.Broadcaster
}

type envOptions struct {
	maxDepth    int
	historySize int
	limiter     ratelimit.Limiter
}

func newTestEnv(t *testing.T, opts envOptions) *testEnv {
	t.Helper()
	if opts.maxDepth == 0 {
		opts.maxDepth = 10
	}
	logger := testutil.TestLogger()

	b := broadcast.New(broadcast.Config{HistorySize: opts.historySize}, logger)
	var svc *tracking.Service
	reg := network.NewRegistry(network.RegistryConfig{
		MaxDepth: opts.maxDepth,
		OnEvict:  func(id string) { svc.Evicted(id) },
	}, logger)
	svc = tracking.New(reg, b, tracking.Config{}, logger)

	srv := server.New(server.ServerConfig{
		Tracker:             svc,
		Broadcaster:         b,
		Logger:              logger,
		Registry:            reg,
		Limiter:             opts.limiter,
		MCPServer:           tsunagimcp.New(svc, b, "test", logger).MCPServer(),
		Version:             "test",
		MaxRequestBodyBytes: 1 << 16,
	})
	ts := httptest.NewServer(srv.Handler())
	t.Cleanup(ts.Close)
	// Runs before ts.Close so open event streams end.
	t.Cleanup(b.Close)

	return &testEnv{srv: ts, svc: svc, reg: reg, b: b}
}

func (e *testEnv) do(t *testing.T, method, path string, body any) *http.Response {
	t.Helper()
	var r io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		require.NoError(t, err)
		r = bytes.NewReader(data)
	}
	req, err := http.NewRequest(method, e.srv.URL+path, r)
	require.NoError(t, err)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	t.Cleanup(func() { _ = resp.Body.Close() })
	return resp
}

func decodeData(t *testing.T, resp *http.Response, v any) {
	t.Helper()
	var env struct {
		Data json.RawMessage    `json:"data"`
		Meta model.ResponseMeta `json:"meta"`
	}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&env))
	assert.NotEmpty(t, env.Meta.RequestID)
	require.NoError(t, json.Unmarshal(env.Data, v))
}

func decodeError(t *testing.T, resp *http.Response) model.APIError {
	t.Helper()
	var apiErr model.APIError
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&apiErr))
	return apiErr
}

func start(t *testing.T, e *testEnv, session, agent string) *http.Response {
	t.Helper()
	return e.do(t, http.MethodPost, "/v1/sessions/"+session+"/agents/"+agent+"/start", nil)
}

func complete(t *testing.T, e *testEnv, session, agent string, req model.AgentCompleteRequest) *http.Response {
	t.Helper()
	return e.do(t, http.MethodPost, "/v1/sessions/"+session+"/agents/"+agent+"/complete", req)
}

func TestHealthEndpoint(t *testing.T) {
	e := newTestEnv(t, envOptions{})

	resp := e.do(t, http.MethodGet, "/health", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "nosniff", resp.Header.Get("X-Content-Type-Options"))
	assert.NotEmpty(t, resp.Header.Get("X-Request-ID"))

	var health model.HealthResponse
	decodeData(t, resp, &health)
	assert.Equal(t, "healthy", health.Status)
	assert.Equal(t, "test", health.Version)
}

func TestHooksBuildNetwork(t *testing.T) {
	e := newTestEnv(t, envOptions{})

	resp := start(t, e, "abc", "dispatcher")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var hook model.HookResponse
	decodeData(t, resp, &hook)
	assert.Equal(t, model.HookResponse{SessionID: "abc", Agent: "dispatcher", Depth: 1}, hook)

	resp = start(t, e, "abc", "planner")
	require.Equal(t, http.StatusOK, resp.StatusCode)

	resp = e.do(t, http.MethodPost, "/v1/sessions/abc/agents/planner/tools", model.ToolUseRequest{Tool: "search"})
	require.Equal(t, http.StatusOK, resp.StatusCode)

	resp = complete(t, e, "abc", "planner", model.AgentCompleteRequest{DurationSeconds: 2.3, Success: true})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	decodeData(t, resp, &hook)
	assert.Equal(t, 1, hook.Depth)

	resp = complete(t, e, "abc", "dispatcher", model.AgentCompleteRequest{DurationSeconds: 3, Success: true})
	require.Equal(t, http.StatusOK, resp.StatusCode)

	resp = e.do(t, http.MethodGet, "/v1/sessions/abc/network", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var export model.NetworkExport
	decodeData(t, resp, &export)

	assert.Equal(t, "abc", export.SessionID)
	assert.Empty(t, export.ExecutionStack)
	assert.Empty(t, export.ActiveAgents)
	require.Contains(t, export.Agents, "planner")
	planner := export.Agents["planner"]
	assert.Equal(t, 1, planner.InvocationCount)
	assert.InDelta(t, 2.3, planner.AverageExecutionTime, 1e-9)
	assert.Equal(t, []string{"search"}, planner.ToolsUsed)
	assert.Equal(t, []model.RelationshipView{
		{Source: "dispatcher", Target: "planner", Type: model.RelationInvokes, InteractionCount: 1},
	}, export.Relationships)
	assert.Equal(t, []string{"planner"}, export.Hierarchy["dispatcher"])
}

func TestUnknownSessionNetworkIsEmpty(t *testing.T) {
	e := newTestEnv(t, envOptions{})

	resp := e.do(t, http.MethodGet, "/v1/sessions/nobody/network", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var export model.NetworkExport
	decodeData(t, resp, &export)
	assert.Equal(t, model.EmptyNetworkExport("nobody"), export)
}

func TestHookErrors(t *testing.T) {
	e := newTestEnv(t, envOptions{maxDepth: 2})

	t.Run("invalid session", func(t *testing.T) {
		resp := start(t, e, "bad%20id", "a")
		require.Equal(t, http.StatusBadRequest, resp.StatusCode)
		assert.Equal(t, model.ErrCodeInvalidInput, decodeError(t, resp).Error.Code)
	})

	t.Run("invalid agent", func(t *testing.T) {
		resp := start(t, e, "s1", "a%2Fb")
		require.Equal(t, http.StatusBadRequest, resp.StatusCode)
	})

	t.Run("recursion limit", func(t *testing.T) {
		require.Equal(t, http.StatusOK, start(t, e, "deep", "a").StatusCode)
		require.Equal(t, http.StatusOK, start(t, e, "deep", "b").StatusCode)
		resp := start(t, e, "deep", "c")
		require.Equal(t, http.StatusUnprocessableEntity, resp.StatusCode)
		assert.Equal(t, model.ErrCodeRecursionLimit, decodeError(t, resp).Error.Code)
	})

	t.Run("inconsistent stack", func(t *testing.T) {
		resp := complete(t, e, "deep", "a", model.AgentCompleteRequest{DurationSeconds: 1, Success: true})
		require.Equal(t, http.StatusConflict, resp.StatusCode)
		assert.Equal(t, model.ErrCodeConflict, decodeError(t, resp).Error.Code)

		// The stack was reset, so the session accepts new roots again.
		require.Equal(t, http.StatusOK, start(t, e, "deep", "c").StatusCode)
	})

	t.Run("negative duration", func(t *testing.T) {
		resp := complete(t, e, "s1", "a", model.AgentCompleteRequest{DurationSeconds: -1})
		require.Equal(t, http.StatusBadRequest, resp.StatusCode)
	})

	t.Run("unknown field", func(t *testing.T) {
		resp := e.do(t, http.MethodPost, "/v1/sessions/s1/agents/a/tools", map[string]string{"tool": "x", "extra": "y"})
		require.Equal(t, http.StatusBadRequest, resp.StatusCode)
	})

	t.Run("missing tool", func(t *testing.T) {
		resp := e.do(t, http.MethodPost, "/v1/sessions/s1/agents/a/tools", model.ToolUseRequest{})
		require.Equal(t, http.StatusBadRequest, resp.StatusCode)
	})
}

func TestResetAndDeleteSession(t *testing.T) {
	e := newTestEnv(t, envOptions{})

	resp := e.do(t, http.MethodPost, "/v1/sessions/s1/network/reset", nil)
	require.Equal(t, http.StatusNotFound, resp.StatusCode)
	assert.Equal(t, model.ErrCodeNotFound, decodeError(t, resp).Error.Code)

	require.Equal(t, http.StatusOK, start(t, e, "s1", "root").StatusCode)

	resp = e.do(t, http.MethodPost, "/v1/sessions/s1/network/reset", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var export model.NetworkExport
	decodeData(t, resp, &export)
	assert.Empty(t, export.Agents)
	assert.Empty(t, export.ExecutionStack)

	resp = e.do(t, http.MethodDelete, "/v1/sessions/s1", nil)
	require.Equal(t, http.StatusNoContent, resp.StatusCode)
	assert.Equal(t, 0, e.reg.Len())

	resp = e.do(t, http.MethodDelete, "/v1/sessions/s1", nil)
	require.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestEventHistoryAndStats(t *testing.T) {
	e := newTestEnv(t, envOptions{})

	require.Equal(t, http.StatusOK, start(t, e, "s1", "root").StatusCode)
	require.Equal(t, http.StatusOK, start(t, e, "s1", "child").StatusCode)
	require.Equal(t, http.StatusOK, complete(t, e, "s1", "child", model.AgentCompleteRequest{DurationSeconds: 1, Success: true}).StatusCode)
	require.Equal(t, http.StatusOK, complete(t, e, "s1", "root", model.AgentCompleteRequest{DurationSeconds: 2, Success: true}).StatusCode)

	resp := e.do(t, http.MethodGet, "/v1/sessions/s1/events/history?limit=3", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var history model.EventHistoryResponse
	decodeData(t, resp, &history)
	assert.Equal(t, uint64(5), history.LastSequence)
	require.Len(t, history.Events, 3)
	assert.Equal(t, model.EventAgentComplete, history.Events[0].Type)
	assert.Equal(t, model.EventAgentComplete, history.Events[1].Type)
	assert.Equal(t, model.EventNetworkSnapshot, history.Events[2].Type)

	resp = e.do(t, http.MethodGet, "/v1/stats", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var stats model.StatsResponse
	decodeData(t, resp, &stats)
	assert.Equal(t, 1, stats.Sessions)
	assert.Equal(t, int64(1), stats.SessionsCreated)
	assert.Equal(t, int64(5), stats.Broadcast.EventsPublished)
}

type sseFrame struct {
	id    uint64
	event model.EventType
	data  model.Event
}

// readFrame reads the next non-keepalive frame from an event stream.
func readFrame(t *testing.T, r *bufio.Reader) sseFrame {
	t.Helper()
	var f sseFrame
	for {
		line, err := r.ReadString('\n')
		require.NoError(t, err)
		line = strings.TrimSuffix(line, "\n")
		switch {
		case line == "":
			if f.event != "" && f.event != model.EventKeepalive {
				return f
			}
			f = sseFrame{}
		case strings.HasPrefix(line, "id: "):
			f.id, err = strconv.ParseUint(strings.TrimPrefix(line, "id: "), 10, 64)
			require.NoError(t, err)
		case strings.HasPrefix(line, "event: "):
			f.event = model.EventType(strings.TrimPrefix(line, "event: "))
		case strings.HasPrefix(line, "data: "):
			require.NoError(t, json.Unmarshal([]byte(strings.TrimPrefix(line, "data: ")), &f.data))
		}
	}
}

func openStream(t *testing.T, e *testEnv, session, lastEventID string) *bufio.Reader {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	t.Cleanup(cancel)

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, e.srv.URL+"/v1/sessions/"+session+"/events", nil)
	require.NoError(t, err)
	if lastEventID != "" {
		req.Header.Set("Last-Event-ID", lastEventID)
	}
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	t.Cleanup(func() { _ = resp.Body.Close() })

	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.Equal(t, "text/event-stream", resp.Header.Get("Content-Type"))
	return bufio.NewReader(resp.Body)
}

func TestEventStream_Live(t *testing.T) {
	e := newTestEnv(t, envOptions{})
	stream := openStream(t, e, "s1", "")

	require.Equal(t, http.StatusOK, start(t, e, "s1", "root").StatusCode)
	require.Equal(t, http.StatusOK, complete(t, e, "s1", "root", model.AgentCompleteRequest{DurationSeconds: 0.5, Success: true}).StatusCode)

	f := readFrame(t, stream)
	assert.Equal(t, uint64(1), f.id)
	assert.Equal(t, model.EventAgentStart, f.event)
	assert.Equal(t, "s1", f.data.SessionID)
	assert.Equal(t, uint64(1), f.data.Sequence)

	f = readFrame(t, stream)
	assert.Equal(t, uint64(2), f.id)
	assert.Equal(t, model.EventAgentComplete, f.event)

	f = readFrame(t, stream)
	assert.Equal(t, uint64(3), f.id)
	assert.Equal(t, model.EventNetworkSnapshot, f.event)
}

func TestEventStream_ResumeWithLastEventID(t *testing.T) {
	e := newTestEnv(t, envOptions{})

	require.Equal(t, http.StatusOK, start(t, e, "s1", "root").StatusCode)
	require.Equal(t, http.StatusOK, start(t, e, "s1", "child").StatusCode)
	require.Equal(t, http.StatusOK, start(t, e, "s1", "grandchild").StatusCode)

	stream := openStream(t, e, "s1", "1")

	f := readFrame(t, stream)
	assert.Equal(t, uint64(2), f.id)
	f = readFrame(t, stream)
	assert.Equal(t, uint64(3), f.id)

	// Live events follow the replay without a gap.
	require.Equal(t, http.StatusOK, complete(t, e, "s1", "grandchild", model.AgentCompleteRequest{Success: true}).StatusCode)
	f = readFrame(t, stream)
	assert.Equal(t, uint64(4), f.id)
	assert.Equal(t, model.EventAgentComplete, f.event)
}

func TestEventStream_TruncatedReplayIsReplacedBySnapshot(t *testing.T) {
	e := newTestEnv(t, envOptions{historySize: 2})

	for _, agent := range []string{"a", "b", "c", "d", "e"} {
		require.Equal(t, http.StatusOK, start(t, e, "s1", agent).StatusCode)
	}

	stream := openStream(t, e, "s1", "1")

	f := readFrame(t, stream)
	assert.Equal(t, model.EventNetworkSnapshot, f.event)
	assert.Equal(t, uint64(5), f.id)

	payload, err := json.Marshal(f.data.Payload)
	require.NoError(t, err)
	var export model.NetworkExport
	require.NoError(t, json.Unmarshal(payload, &export))
	assert.Equal(t, []string{"a", "b", "c", "d", "e"}, export.ExecutionStack)

	// The buffered events 4 and 5 are covered by the snapshot; the stream
	// continues with the next live event.
	require.Equal(t, http.StatusOK, start(t, e, "s1", "f").StatusCode)
	next := readFrame(t, stream)
	assert.Equal(t, model.EventAgentStart, next.event)
	assert.Equal(t, uint64(6), next.id)
	assert.Greater(t, next.id, f.id, "ids on the stream only increase")
}

func TestEventStream_InvalidResumePoint(t *testing.T) {
	e := newTestEnv(t, envOptions{})

	resp := e.do(t, http.MethodGet, "/v1/sessions/s1/events?after=soon", nil)
	require.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestEventStream_EndsOnDelete(t *testing.T) {
	e := newTestEnv(t, envOptions{})
	require.Equal(t, http.StatusOK, start(t, e, "s1", "root").StatusCode)

	stream := openStream(t, e, "s1", "")
	require.Equal(t, http.StatusNoContent, e.do(t, http.MethodDelete, "/v1/sessions/s1", nil).StatusCode)

	_, err := io.ReadAll(stream)
	assert.NoError(t, err, "stream should end cleanly")
}

func TestRateLimiting(t *testing.T) {
	limiter := ratelimit.NewMemoryLimiter(0.001, 1)
	t.Cleanup(func() { _ = limiter.Close() })
	e := newTestEnv(t, envOptions{limiter: limiter})

	require.Equal(t, http.StatusOK, e.do(t, http.MethodGet, "/v1/stats", nil).StatusCode)

	resp := e.do(t, http.MethodGet, "/v1/stats", nil)
	require.Equal(t, http.StatusTooManyRequests, resp.StatusCode)
	assert.Equal(t, "1", resp.Header.Get("Retry-After"))
	assert.Equal(t, model.ErrCodeRateLimited, decodeError(t, resp).Error.Code)

	// Health is never rate limited.
	require.Equal(t, http.StatusOK, e.do(t, http.MethodGet, "/health", nil).StatusCode)
}

func newMCPClient(t *testing.T, e *testEnv) *mcpclient.Client {
	t.Helper()
	c, err := mcpclient.NewStreamableHttpClient(e.srv.URL + "/mcp")
	require.NoError(t, err)
	t.Cleanup(func() { _ = c.Close() })

	initResult, err := c.Initialize(context.Background(), mcplib.InitializeRequest{
		Params: mcplib.InitializeParams{
			ClientInfo: mcplib.Implementation{Name: "test-client", Version: "1.0"},
		},
	})
	require.NoError(t, err)
	assert.Equal(t, "tsunagi", initResult.ServerInfo.Name)
	assert.Equal(t, "test", initResult.ServerInfo.Version)
	return c
}

func TestMCPListTools(t *testing.T) {
	e := newTestEnv(t, envOptions{})
	c := newMCPClient(t, e)

	toolsResult, err := c.ListTools(context.Background(), mcplib.ListToolsRequest{})
	require.NoError(t, err)

	toolNames := make(map[string]bool)
	for _, tool := range toolsResult.Tools {
		toolNames[tool.Name] = true
	}
	for _, name := range []string{"tsunagi_network_state", "tsunagi_reset_network", "tsunagi_event_history", "tsunagi_broadcast_stats"} {
		assert.True(t, toolNames[name], "expected %s tool", name)
	}
}

func TestMCPHooksAndNetworkResource(t *testing.T) {
	e := newTestEnv(t, envOptions{})
	c := newMCPClient(t, e)
	ctx := context.Background()

	result, err := c.CallTool(ctx, mcplib.CallToolRequest{
		Params: mcplib.CallToolParams{
			Name:      "tsunagi_agent_start",
			Arguments: map[string]any{"session_id": "mcp-session", "agent": "root"},
		},
	})
	require.NoError(t, err)
	require.False(t, result.IsError)

	// State recorded over MCP is visible over HTTP.
	resp := e.do(t, http.MethodGet, "/v1/sessions/mcp-session/network", nil)
	var export model.NetworkExport
	decodeData(t, resp, &export)
	assert.Equal(t, []string{"root"}, export.ExecutionStack)

	read, err := c.ReadResource(ctx, mcplib.ReadResourceRequest{
		Params: mcplib.ReadResourceParams{URI: "tsunagi://sessions/mcp-session/network"},
	})
	require.NoError(t, err)
	require.Len(t, read.Contents, 1)
	text, ok := read.Contents[0].(mcplib.TextResourceContents)
	require.True(t, ok)
	assert.Contains(t, text.Text, `"root"`)
}
