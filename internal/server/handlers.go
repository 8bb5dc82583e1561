package server

import (
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/ashita-ai/tsunagi/internal/broadcast"
	"github.com/ashita-ai/tsunagi/internal/model"
	"github.com/ashita-ai/tsunagi/internal/network"
)

// Handlers holds HTTP handler dependencies.
type Handlers struct {
	tracker             Tracker
	broadcaster         *broadcast.Broadcaster
	registry            *network.Registry
	logger              *slog.Logger
	startedAt           time.Time
	version             string
	maxRequestBodyBytes int64
}

// HandlersDeps holds all dependencies for constructing Handlers.
type HandlersDeps struct {
	Tracker             Tracker
	Broadcaster         *broadcast.Broadcaster
	Registry            *network.Registry
	Logger              *slog.Logger
	Version             string
	MaxRequestBodyBytes int64
}

// NewHandlers creates a new Handlers with all dependencies.
func NewHandlers(d HandlersDeps) *Handlers {
	return &Handlers{
		tracker:             d.Tracker,
		broadcaster:         d.Broadcaster,
		registry:            d.Registry,
		logger:              d.Logger,
		startedAt:           time.Now(),
		version:             d.Version,
		maxRequestBodyBytes: d.MaxRequestBodyBytes,
	}
}

// HandleAgentStart handles POST /v1/sessions/{session_id}/agents/{agent}/start.
func (h *Handlers) HandleAgentStart(w http.ResponseWriter, r *http.Request) {
	session, agent, ok := h.sessionAgent(w, r)
	if !ok {
		return
	}
	depth, err := h.tracker.StartAgent(r.Context(), session, agent)
	if err != nil {
		h.writeTrackingError(w, r, err)
		return
	}
	writeJSON(w, r, http.StatusOK, model.HookResponse{SessionID: session, Agent: agent, Depth: depth})
}

// HandleAgentComplete handles POST /v1/sessions/{session_id}/agents/{agent}/complete.
func (h *Handlers) HandleAgentComplete(w http.ResponseWriter, r *http.Request) {
	session, agent, ok := h.sessionAgent(w, r)
	if !ok {
		return
	}

	var req model.AgentCompleteRequest
	if err := decodeJSON(w, r, &req, h.maxRequestBodyBytes); err != nil {
		writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, err.Error())
		return
	}
	if err := req.Validate(); err != nil {
		writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, err.Error())
		return
	}

	depth, err := h.tracker.CompleteAgent(r.Context(), session, agent, req.Duration(), req.Success, req.ToolsUsed)
	if err != nil {
		h.writeTrackingError(w, r, err)
		return
	}
	writeJSON(w, r, http.StatusOK, model.HookResponse{SessionID: session, Agent: agent, Depth: depth})
}

// HandleToolUse handles POST /v1/sessions/{session_id}/agents/{agent}/tools.
func (h *Handlers) HandleToolUse(w http.ResponseWriter, r *http.Request) {
	session, agent, ok := h.sessionAgent(w, r)
	if !ok {
		return
	}

	var req model.ToolUseRequest
	if err := decodeJSON(w, r, &req, h.maxRequestBodyBytes); err != nil {
		writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, err.Error())
		return
	}
	if err := model.ValidateToolName(req.Tool); err != nil {
		writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, err.Error())
		return
	}

	depth, err := h.tracker.UseTool(r.Context(), session, agent, req.Tool)
	if err != nil {
		h.writeTrackingError(w, r, err)
		return
	}
	writeJSON(w, r, http.StatusOK, model.HookResponse{SessionID: session, Agent: agent, Depth: depth})
}

// HandleGetNetwork handles GET /v1/sessions/{session_id}/network.
// Unknown sessions return an empty network, not 404.
func (h *Handlers) HandleGetNetwork(w http.ResponseWriter, r *http.Request) {
	session, ok := h.session(w, r)
	if !ok {
		return
	}
	writeJSON(w, r, http.StatusOK, h.tracker.NetworkState(session))
}

// HandleResetNetwork handles POST /v1/sessions/{session_id}/network/reset.
func (h *Handlers) HandleResetNetwork(w http.ResponseWriter, r *http.Request) {
	session, ok := h.session(w, r)
	if !ok {
		return
	}
	if !h.tracker.Reset(session) {
		writeError(w, r, http.StatusNotFound, model.ErrCodeNotFound, "session not found")
		return
	}
	writeJSON(w, r, http.StatusOK, h.tracker.NetworkState(session))
}

// HandleDeleteSession handles DELETE /v1/sessions/{session_id}.
func (h *Handlers) HandleDeleteSession(w http.ResponseWriter, r *http.Request) {
	session, ok := h.session(w, r)
	if !ok {
		return
	}
	if !h.tracker.DeleteSession(session) {
		writeError(w, r, http.StatusNotFound, model.ErrCodeNotFound, "session not found")
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// HandleStats handles GET /v1/stats.
func (h *Handlers) HandleStats(w http.ResponseWriter, r *http.Request) {
	resp := model.StatsResponse{Broadcast: h.broadcaster.Stats()}
	if h.registry != nil {
		resp.Sessions = h.registry.Len()
		resp.SessionsCreated = h.registry.Created()
	}
	writeJSON(w, r, http.StatusOK, resp)
}

// HandleHealth handles GET /health.
func (h *Handlers) HandleHealth(w http.ResponseWriter, r *http.Request) {
	resp := model.HealthResponse{
		Status:           "healthy",
		Version:          h.version,
		StreamingClients: h.broadcaster.Stats().TotalSubscribers,
		Uptime:           int64(time.Since(h.startedAt).Seconds()),
	}
	if h.registry != nil {
		resp.Sessions = h.registry.Len()
	}
	writeJSON(w, r, http.StatusOK, resp)
}

// writeTrackingError maps tracker errors onto HTTP statuses.
func (h *Handlers) writeTrackingError(w http.ResponseWriter, r *http.Request, err error) {
	switch {
	case errors.Is(err, network.ErrMissingSession), errors.Is(err, network.ErrMissingAgent):
		writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, err.Error())
	case errors.Is(err, network.ErrRecursionLimit):
		writeError(w, r, http.StatusUnprocessableEntity, model.ErrCodeRecursionLimit, err.Error())
	case errors.Is(err, network.ErrInconsistentStack):
		writeError(w, r, http.StatusConflict, model.ErrCodeConflict, err.Error())
	default:
		h.logger.Error("http: tracking call failed", "error", err, "path", r.URL.Path)
		writeError(w, r, http.StatusInternalServerError, model.ErrCodeInternalError, "internal error")
	}
}

// session extracts and validates the session_id path value, writing a 400
// on failure.
func (h *Handlers) session(w http.ResponseWriter, r *http.Request) (string, bool) {
	session := r.PathValue("session_id")
	if err := model.ValidateSessionID(session); err != nil {
		writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, err.Error())
		return "", false
	}
	return session, true
}

func (h *Handlers) sessionAgent(w http.ResponseWriter, r *http.Request) (string, string, bool) {
	session, ok := h.session(w, r)
	if !ok {
		return "", "", false
	}
	agent := r.PathValue("agent")
	if err := model.ValidateAgentName(agent); err != nil {
		writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, err.Error())
		return "", "", false
	}
	return session, agent, true
}

// maxQueryLimit is the maximum allowed value for limit query parameters.
const maxQueryLimit = 1000

func queryInt(r *http.Request, key string, defaultVal int) int {
	if v := r.URL.Query().Get(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return defaultVal
}

// queryLimit returns a bounded limit value from query params.
// Values are clamped to [1, maxQueryLimit].
func queryLimit(r *http.Request, defaultVal int) int {
	limit := queryInt(r, "limit", defaultVal)
	if limit < 1 {
		return 1
	}
	if limit > maxQueryLimit {
		return maxQueryLimit
	}
	return limit
}
