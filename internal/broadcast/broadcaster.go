// Package broadcast fans out network events to per-session subscribers.
//
// Every session has a hub holding a sequence counter, a bounded history of
// recent events and the set of live subscriptions. Publishing stamps the
// event, appends it to the history and hands it to every subscriber with a
// non-blocking send while the hub lock is held, so each subscriber sees
// events in publish order. A subscriber whose buffer is full is dropped
// rather than allowed to stall the publisher.
package broadcast

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/metric"

	"github.com/ashita-ai/tsunagi/internal/model"
	"github.com/ashita-ai/tsunagi/internal/telemetry"
)

const (
	DefaultHistorySize       = 200
	DefaultSubscriberBuffer  = 64
	DefaultKeepaliveInterval = 30 * time.Second
)

var (
	// ErrMissingSession is returned when publishing or subscribing without a
	// session ID.
	ErrMissingSession = errors.New("broadcast: session id is required")

	// ErrInvalidEventType is returned when publishing an unknown or
	// broadcaster-owned event type.
	ErrInvalidEventType = errors.New("broadcast: invalid event type")
)

// Config configures a Broadcaster. Zero values select the defaults.
type Config struct {
	HistorySize       int
	SubscriberBuffer  int
	KeepaliveInterval time.Duration
}

// Broadcaster publishes session events to subscribers.
type Broadcaster struct {
	cfg    Config
	logger *slog.Logger
	now    func() time.Time

	mu   sync.RWMutex
	hubs map[string]*hub

	published atomic.Int64
	dropped   atomic.Int64
}

type hub struct {
	session string

	mu      sync.Mutex
	seq     uint64
	history *ring
	subs    map[*Subscription]struct{}
	closed  bool
}

// Subscription is one consumer of a session's events. The Events channel is
// closed when the subscription ends: by Close, by the session being closed,
// or by the broadcaster dropping a consumer that fell behind.
type Subscription struct {
	ID        uuid.UUID
	SessionID string

	ch      chan model.Event
	hub     *hub
	b       *Broadcaster
	closed  bool // guarded by hub.mu
	dropped atomic.Bool
}

// Replay is the backlog handed to a subscriber that resumes after a known
// sequence number.
type Replay struct {
	Events []model.Event
	// Truncated is set when events after the requested sequence have already
	// fallen out of the history buffer.
	Truncated bool
	// LastSequence is the most recent sequence assigned in the session.
	LastSequence uint64
}

// New creates a broadcaster. Call Start to run the keepalive loop.
func New(cfg Config, logger *slog.Logger) *Broadcaster {
	if cfg.HistorySize <= 0 {
		cfg.HistorySize = DefaultHistorySize
	}
	if cfg.SubscriberBuffer <= 0 {
		cfg.SubscriberBuffer = DefaultSubscriberBuffer
	}
	if cfg.KeepaliveInterval <= 0 {
		cfg.KeepaliveInterval = DefaultKeepaliveInterval
	}
	return &Broadcaster{
		cfg:    cfg,
		logger: logger,
		now:    time.Now,
		hubs:   make(map[string]*hub),
	}
}

// hub returns the live hub for session, creating it when create is set.
func (b *Broadcaster) hub(session string, create bool) *hub {
	b.mu.RLock()
	h, ok := b.hubs[session]
	b.mu.RUnlock()
	if ok || !create {
		return h
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	if h, ok := b.hubs[session]; ok {
		return h
	}
	h = &hub{
		session: session,
		history: newRing(b.cfg.HistorySize),
		subs:    make(map[*Subscription]struct{}),
	}
	b.hubs[session] = h
	return h
}

// Publish stamps an event with the session's next sequence number and the
// current time, buffers it for replay and delivers it to every subscriber.
// It never blocks on a subscriber.
func (b *Broadcaster) Publish(session string, typ model.EventType, payload any) (model.Event, error) {
	if session == "" {
		return model.Event{}, ErrMissingSession
	}
	if !typ.Valid() || typ == model.EventKeepalive {
		return model.Event{}, fmt.Errorf("%w: %q", ErrInvalidEventType, typ)
	}

	for {
		h := b.hub(session, true)
		h.mu.Lock()
		if h.closed {
			// Lost a race with CloseSession; the next lookup creates a fresh hub.
			h.mu.Unlock()
			continue
		}
		h.seq++
		ev := model.Event{
			Type:      typ,
			SessionID: session,
			Payload:   payload,
			Sequence:  h.seq,
			Timestamp: b.now().UTC(),
		}
		h.history.push(ev)
		for sub := range h.subs {
			b.deliverLocked(h, sub, ev)
		}
		h.mu.Unlock()

		b.published.Add(1)
		return ev, nil
	}
}

// deliverLocked hands ev to sub or drops sub if its buffer is full.
// Must be called with h.mu held.
func (b *Broadcaster) deliverLocked(h *hub, sub *Subscription, ev model.Event) {
	select {
	case sub.ch <- ev:
	default:
		delete(h.subs, sub)
		sub.closed = true
		sub.dropped.Store(true)
		close(sub.ch)
		b.dropped.Add(1)
		b.logger.Warn("broadcast: dropping slow subscriber",
			"session_id", h.session,
			"subscription_id", sub.ID,
			"sequence", ev.Sequence,
		)
	}
}

// Subscribe registers a subscriber for events published from now on.
func (b *Broadcaster) Subscribe(session string) (*Subscription, error) {
	sub, _, err := b.subscribe(session, 0, false)
	return sub, err
}

// SubscribeFrom registers a subscriber and atomically collects the buffered
// events with a sequence greater than after. Replayed events are returned,
// not queued on the channel; live events follow them without gaps or
// duplicates.
func (b *Broadcaster) SubscribeFrom(session string, after uint64) (*Subscription, Replay, error) {
	return b.subscribe(session, after, true)
}

func (b *Broadcaster) subscribe(session string, after uint64, replay bool) (*Subscription, Replay, error) {
	if session == "" {
		return nil, Replay{}, ErrMissingSession
	}

	for {
		h := b.hub(session, true)
		h.mu.Lock()
		if h.closed {
			h.mu.Unlock()
			continue
		}

		sub := &Subscription{
			ID:        uuid.New(),
			SessionID: session,
			ch:        make(chan model.Event, b.cfg.SubscriberBuffer),
			hub:       h,
			b:         b,
		}
		h.subs[sub] = struct{}{}

		rp := Replay{LastSequence: h.seq}
		if replay {
			switch {
			case after > h.seq:
				// The caller's sequence belongs to an earlier incarnation of
				// the session; everything buffered is new to it.
				rp.Events = h.history.after(0)
				rp.Truncated = true
			case after < h.seq:
				rp.Events = h.history.after(after)
				oldest, ok := h.history.oldest()
				rp.Truncated = !ok || oldest.Sequence > after+1
			}
		}
		h.mu.Unlock()

		b.logger.Debug("broadcast: subscribed", "session_id", session, "subscription_id", sub.ID)
		return sub, rp, nil
	}
}

// Unsubscribe ends a subscription and closes its channel. Safe to call more
// than once and after the subscription was dropped.
func (b *Broadcaster) Unsubscribe(sub *Subscription) {
	h := sub.hub
	h.mu.Lock()
	defer h.mu.Unlock()
	if sub.closed {
		return
	}
	delete(h.subs, sub)
	sub.closed = true
	close(sub.ch)

	// Forget hubs that carry nothing worth keeping.
	if len(h.subs) == 0 && h.history.len() == 0 && !h.closed {
		h.closed = true
		b.mu.Lock()
		if b.hubs[h.session] == h {
			delete(b.hubs, h.session)
		}
		b.mu.Unlock()
	}
}

// History returns up to limit of the most recent buffered events for the
// session in publish order. A non-positive limit returns the whole buffer.
func (b *Broadcaster) History(session string, limit int) []model.Event {
	h := b.hub(session, false)
	if h == nil {
		return []model.Event{}
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.history.last(limit)
}

// LastSequence returns the most recent sequence number assigned in the
// session, or 0 if nothing was published.
func (b *Broadcaster) LastSequence(session string) uint64 {
	h := b.hub(session, false)
	if h == nil {
		return 0
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.seq
}

// CloseSession ends every subscription of the session and discards its
// history. It returns the number of subscriptions closed.
func (b *Broadcaster) CloseSession(session string) int {
	b.mu.Lock()
	h, ok := b.hubs[session]
	delete(b.hubs, session)
	b.mu.Unlock()
	if !ok {
		return 0
	}
	n := b.closeHub(h)
	if n > 0 {
		b.logger.Info("broadcast: session closed", "session_id", session, "subscribers", n)
	}
	return n
}

func (b *Broadcaster) closeHub(h *hub) int {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.closed = true
	n := 0
	for sub := range h.subs {
		delete(h.subs, sub)
		sub.closed = true
		close(sub.ch)
		n++
	}
	h.history.reset()
	return n
}

// Close ends every subscription in every session.
func (b *Broadcaster) Close() {
	b.mu.Lock()
	hubs := b.hubs
	b.hubs = make(map[string]*hub)
	b.mu.Unlock()

	total := 0
	for _, h := range hubs {
		total += b.closeHub(h)
	}
	b.logger.Info("broadcast: closed", "subscribers", total)
}

// Stats returns broadcaster-wide counters.
func (b *Broadcaster) Stats() model.BroadcastStats {
	stats := model.BroadcastStats{
		EventsPublished:    b.published.Load(),
		DroppedSubscribers: b.dropped.Load(),
	}
	for _, h := range b.snapshotHubs() {
		h.mu.Lock()
		if !h.closed {
			stats.ActiveSessions++
			stats.TotalSubscribers += len(h.subs)
			stats.TotalEventsBuffered += h.history.len()
		}
		h.mu.Unlock()
	}
	return stats
}

// SubscriberCount returns the number of live subscriptions for a session.
func (b *Broadcaster) SubscriberCount(session string) int {
	h := b.hub(session, false)
	if h == nil {
		return 0
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.subs)
}

func (b *Broadcaster) snapshotHubs() []*hub {
	b.mu.RLock()
	defer b.mu.RUnlock()
	hubs := make([]*hub, 0, len(b.hubs))
	for _, h := range b.hubs {
		hubs = append(hubs, h)
	}
	return hubs
}

// Start sends keepalive events to every subscription on the configured
// interval until ctx is cancelled. It blocks, so call it in a goroutine.
func (b *Broadcaster) Start(ctx context.Context) {
	b.registerMetrics()

	ticker := time.NewTicker(b.cfg.KeepaliveInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			b.Keepalive()
		}
	}
}

// Keepalive sends one keepalive event to every subscription. Keepalives
// carry the session's last sequence number and are not buffered.
func (b *Broadcaster) Keepalive() {
	now := b.now().UTC()
	for _, h := range b.snapshotHubs() {
		h.mu.Lock()
		if !h.closed {
			ev := model.Event{
				Type:      model.EventKeepalive,
				SessionID: h.session,
				Sequence:  h.seq,
				Timestamp: now,
			}
			for sub := range h.subs {
				b.deliverLocked(h, sub, ev)
			}
		}
		h.mu.Unlock()
	}
}

func (b *Broadcaster) registerMetrics() {
	meter := telemetry.Meter(telemetry.ScopeBroadcast)

	_, _ = meter.Int64ObservableGauge("tsunagi.broadcast.subscribers",
		metric.WithDescription("Live event stream subscriptions"),
		metric.WithInt64Callback(func(_ context.Context, o metric.Int64Observer) error {
			o.Observe(int64(b.Stats().TotalSubscribers))
			return nil
		}),
	)

	_, _ = meter.Int64ObservableGauge("tsunagi.broadcast.events_buffered",
		metric.WithDescription("Events held in replay buffers across all sessions"),
		metric.WithInt64Callback(func(_ context.Context, o metric.Int64Observer) error {
			o.Observe(int64(b.Stats().TotalEventsBuffered))
			return nil
		}),
	)

	_, _ = meter.Int64ObservableCounter("tsunagi.broadcast.events_published",
		metric.WithDescription("Events published since startup"),
		metric.WithInt64Callback(func(_ context.Context, o metric.Int64Observer) error {
			o.Observe(b.published.Load())
			return nil
		}),
	)

	_, _ = meter.Int64ObservableCounter("tsunagi.broadcast.subscribers_dropped",
		metric.WithDescription("Subscribers dropped because their buffer was full"),
		metric.WithInt64Callback(func(_ context.Context, o metric.Int64Observer) error {
			o.Observe(b.dropped.Load())
			return nil
		}),
	)
}

// Events returns the channel on which events are delivered.
func (s *Subscription) Events() <-chan model.Event {
	return s.ch
}

// Close ends the subscription.
func (s *Subscription) Close() {
	s.b.Unsubscribe(s)
}

// Dropped reports whether the broadcaster ended this subscription because
// it fell behind.
func (s *Subscription) Dropped() bool {
	return s.dropped.Load()
}
