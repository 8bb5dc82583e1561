package server

import (
	"bytes"
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/ashita-ai/tsunagi/internal/broadcast"
	"github.com/ashita-ai/tsunagi/internal/model"
)

// defaultHistoryLimit is the number of events returned by the history
// endpoint when no limit is given.
const defaultHistoryLimit = 50

// HandleEvents handles GET /v1/sessions/{session_id}/events.
//
// The response is a Server-Sent Events stream. A client that reconnects
// with Last-Event-ID (or ?after=) first receives the buffered events it
// missed. When some of them already fell out of the buffer it receives a
// single network_snapshot in their place, carrying the last sequence, so
// ids on the stream only ever increase.
func (h *Handlers) HandleEvents(w http.ResponseWriter, r *http.Request) {
	session, ok := h.session(w, r)
	if !ok {
		return
	}
	after, resume, err := resumePoint(r)
	if err != nil {
		writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, err.Error())
		return
	}

	flusher, ok := w.(http.Flusher)
	if !ok {
		writeError(w, r, http.StatusInternalServerError, model.ErrCodeInternalError, "streaming not supported")
		return
	}

	var (
		sub     *broadcast.Subscription
		backlog []model.Event
	)
	if resume {
		sub, backlog, err = h.tracker.Resume(session, after)
	} else {
		sub, err = h.broadcaster.Subscribe(session)
	}
	if err != nil {
		writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, err.Error())
		return
	}
	defer sub.Close()

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)

	// Disable the server's WriteTimeout for this long-lived connection.
	// Without this, idle streams are killed after WriteTimeout (default 30s).
	rc := http.NewResponseController(w)
	_ = rc.SetWriteDeadline(time.Time{})

	if resume {
		h.logger.Debug("http: event stream resumed",
			"session_id", session, "after", after, "backlog", len(backlog))
	}
	for _, ev := range backlog {
		if !h.writeEvent(w, ev) {
			return
		}
	}
	flusher.Flush()

	ctx := r.Context()
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-sub.Events():
			if !ok {
				if sub.Dropped() {
					h.logger.Warn("http: event stream dropped, client too slow", "session_id", session)
				}
				return
			}
			if !h.writeEvent(w, ev) {
				return
			}
			flusher.Flush()
		}
	}
}

// HandleEventHistory handles GET /v1/sessions/{session_id}/events/history.
func (h *Handlers) HandleEventHistory(w http.ResponseWriter, r *http.Request) {
	session, ok := h.session(w, r)
	if !ok {
		return
	}
	limit := queryLimit(r, defaultHistoryLimit)
	writeJSON(w, r, http.StatusOK, model.EventHistoryResponse{
		SessionID:    session,
		Events:       h.broadcaster.History(session, limit),
		LastSequence: h.broadcaster.LastSequence(session),
	})
}

func (h *Handlers) writeEvent(w http.ResponseWriter, ev model.Event) bool {
	frame, err := formatSSE(ev)
	if err != nil {
		h.logger.Error("http: encode event", "error", err, "session_id", ev.SessionID, "sequence", ev.Sequence)
		return true
	}
	_, err = w.Write(frame)
	return err == nil
}

// resumePoint returns the sequence a reconnecting client last saw, taken
// from the Last-Event-ID header or the after query parameter.
func resumePoint(r *http.Request) (uint64, bool, error) {
	raw := strings.TrimSpace(r.Header.Get("Last-Event-ID"))
	source := "Last-Event-ID"
	if raw == "" {
		raw = strings.TrimSpace(r.URL.Query().Get("after"))
		source = "after"
	}
	if raw == "" {
		return 0, false, nil
	}
	seq, err := strconv.ParseUint(raw, 10, 64)
	if err != nil {
		return 0, false, fmt.Errorf("%s must be a non-negative integer", source)
	}
	return seq, true, nil
}

// formatSSE formats an event as a Server-Sent Events message:
// "id: <sequence>\nevent: <type>\ndata: <json>\n\n".
func formatSSE(ev model.Event) ([]byte, error) {
	data, err := json.Marshal(ev)
	if err != nil {
		return nil, err
	}
	var buf bytes.Buffer
	buf.Grow(len(data) + 64)
	buf.WriteString("id: ")
	buf.WriteString(strconv.FormatUint(ev.Sequence, 10))
	buf.WriteString("\nevent: ")
	buf.WriteString(string(ev.Type))
	buf.WriteString("\ndata: ")
	buf.Write(data)
	buf.WriteString("\n\n")
	return buf.Bytes(), nil
}
