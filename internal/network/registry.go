package network

import (
	"context"
	"log/slog"
	"slices"
	"sync"
	"sync/atomic"
	"time"

	"go.opentelemetry.io/otel/metric"

	"github.com/ashita-ai/tsunagi/internal/model"
	"github.com/ashita-ai/tsunagi/internal/telemetry"
)

const (
	// DefaultTTL is how long a session may stay idle before it is evicted.
	DefaultTTL = 30 * time.Minute

	// DefaultSweepInterval is how often idle sessions are swept.
	DefaultSweepInterval = time.Minute
)

// RegistryConfig configures a Registry. Zero values select the defaults.
type RegistryConfig struct {
	MaxDepth      int
	TTL           time.Duration
	SweepInterval time.Duration

	// OnEvict is called when a session is removed or expires, with the
	// session's write lock held and before the ID can be reused. It must not
	// call back into the registry.
	OnEvict func(sessionID string)
}

// Registry owns the network state of every live session.
//
// The session map has its own lock; each Session has another. Calls for
// different sessions only contend briefly on the map lock, and calls for the
// same session serialize on that session's lock. Lock order is always
// session then map, never the reverse.
type Registry struct {
	cfg    RegistryConfig
	logger *slog.Logger
	now    func() time.Time

	mu       sync.RWMutex
	sessions map[string]*Session

	created atomic.Int64
	evicted atomic.Int64
}

// Session is a handle on one session's network state. Handles are meant to
// be short-lived: once the session is removed every method on the handle
// fails with ErrSessionRemoved (or reports false).
type Session struct {
	id  string
	now func() time.Time

	mu      sync.RWMutex
	state   *State
	removed bool

	lastAccess atomic.Int64 // unix nanos
}

// NewRegistry creates an empty registry. Call Start to run the TTL sweeper.
func NewRegistry(cfg RegistryConfig, logger *slog.Logger) *Registry {
	if cfg.MaxDepth <= 0 {
		cfg.MaxDepth = DefaultMaxDepth
	}
	if cfg.TTL <= 0 {
		cfg.TTL = DefaultTTL
	}
	if cfg.SweepInterval <= 0 {
		cfg.SweepInterval = DefaultSweepInterval
	}
	return &Registry{
		cfg:      cfg,
		logger:   logger,
		now:      time.Now,
		sessions: make(map[string]*Session),
	}
}

// GetOrCreate returns the session for id, creating it on first access.
// Concurrent first accesses create exactly one session.
func (r *Registry) GetOrCreate(id string) (*Session, error) {
	if id == "" {
		return nil, ErrMissingSession
	}

	r.mu.RLock()
	s, ok := r.sessions[id]
	r.mu.RUnlock()
	if ok {
		return s, nil
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if s, ok := r.sessions[id]; ok {
		return s, nil
	}
	s = r.newSession(id)
	r.sessions[id] = s
	r.created.Add(1)
	r.logger.Debug("network: session created", "session_id", id)
	return s, nil
}

func (r *Registry) clock() time.Time {
	return r.now()
}

func (r *Registry) newSession(id string) *Session {
	st := NewState(r.cfg.MaxDepth)
	st.now = r.clock
	s := &Session{id: id, now: r.clock, state: st}
	s.touch()
	return s
}

// Lookup returns the session for id without creating it.
func (r *Registry) Lookup(id string) (*Session, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	s, ok := r.sessions[id]
	return s, ok
}

// Update runs fn with exclusive access to the session's state, creating the
// session if needed. The error from fn is returned unchanged.
func (r *Registry) Update(id string, fn func(*State) error) error {
	for {
		s, err := r.GetOrCreate(id)
		if err != nil {
			return err
		}
		err = s.Update(fn)
		if err == ErrSessionRemoved {
			// Removed between lookup and lock; retry on a fresh session.
			continue
		}
		return err
	}
}

// View runs fn with shared access to the session's state. It does not create
// the session and does not count as activity for the TTL. Returns
// ErrUnknownSession when the session does not exist.
func (r *Registry) View(id string, fn func(*State)) error {
	s, ok := r.Lookup(id)
	if !ok || !s.View(fn) {
		return ErrUnknownSession
	}
	return nil
}

// Export returns the wire form of the session's network. Unknown sessions
// yield an empty export rather than an error.
func (r *Registry) Export(id string) model.NetworkExport {
	exp := model.EmptyNetworkExport(id)
	s, ok := r.Lookup(id)
	if !ok {
		return exp
	}
	s.View(func(st *State) {
		exp = st.Export(id)
	})
	s.touch()
	return exp
}

// Reset replaces the session's state with an empty network. It reports
// whether the session existed.
func (r *Registry) Reset(id string) bool {
	s, ok := r.Lookup(id)
	if !ok {
		return false
	}
	err := s.Update(func(st *State) error {
		fresh := NewState(r.cfg.MaxDepth)
		fresh.now = r.clock
		fresh.version = st.version + 1
		*st = *fresh
		return nil
	})
	return err == nil
}

// Remove deletes the session. It waits for any in-flight mutation of the
// session to finish. Reports whether the session existed.
func (r *Registry) Remove(id string) bool {
	for {
		s, ok := r.Lookup(id)
		if !ok {
			return false
		}
		// evict only fails here when a concurrent eviction won, and that
		// one has already taken s out of the map.
		if r.evict(s, func() bool { return true }) {
			r.logger.Info("network: session removed", "session_id", id)
			return true
		}
	}
}

// Sweep evicts sessions idle for longer than the TTL and returns how many
// were evicted.
func (r *Registry) Sweep() int {
	cutoff := r.now().Add(-r.cfg.TTL).UnixNano()

	r.mu.RLock()
	var candidates []*Session
	for _, s := range r.sessions {
		if s.lastAccess.Load() < cutoff {
			candidates = append(candidates, s)
		}
	}
	r.mu.RUnlock()

	n := 0
	for _, s := range candidates {
		idle := func() bool { return s.lastAccess.Load() < cutoff }
		if !r.evict(s, idle) {
			continue
		}
		n++
		r.logger.Info("network: session expired", "session_id", s.id, "ttl", r.cfg.TTL)
	}
	return n
}

// evict removes s if cond still holds once its write lock is held. OnEvict
// runs before s leaves the map, under that lock: a call racing the eviction
// blocks on s, sees it removed and retries on a fresh session, so a new
// incarnation cannot act before the old one is torn down.
func (r *Registry) evict(s *Session, cond func() bool) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.removed || !cond() {
		return false
	}
	s.removed = true
	if r.cfg.OnEvict != nil {
		r.cfg.OnEvict(s.id)
	}

	r.mu.Lock()
	if r.sessions[s.id] == s {
		delete(r.sessions, s.id)
	}
	r.mu.Unlock()
	r.evicted.Add(1)
	return true
}

// Start runs the TTL sweeper until ctx is cancelled. It blocks, so call it
// in a goroutine.
func (r *Registry) Start(ctx context.Context) {
	r.registerMetrics()

	ticker := time.NewTicker(r.cfg.SweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if n := r.Sweep(); n > 0 {
				r.logger.Debug("network: sweep complete", "evicted", n, "remaining", r.Len())
			}
		}
	}
}

// Sessions returns the IDs of all live sessions in sorted order.
func (r *Registry) Sessions() []string {
	r.mu.RLock()
	ids := make([]string, 0, len(r.sessions))
	for id := range r.sessions {
		ids = append(ids, id)
	}
	r.mu.RUnlock()
	slices.Sort(ids)
	return ids
}

// Len returns the number of live sessions.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.sessions)
}

// Created returns how many sessions have been created since startup.
func (r *Registry) Created() int64 {
	return r.created.Load()
}

func (r *Registry) registerMetrics() {
	meter := telemetry.Meter(telemetry.ScopeNetwork)

	_, _ = meter.Int64ObservableGauge("tsunagi.registry.sessions",
		metric.WithDescription("Number of sessions with live network state"),
		metric.WithInt64Callback(func(_ context.Context, o metric.Int64Observer) error {
			o.Observe(int64(r.Len()))
			return nil
		}),
	)

	_, _ = meter.Int64ObservableCounter("tsunagi.registry.sessions_evicted",
		metric.WithDescription("Sessions removed explicitly or by TTL"),
		metric.WithInt64Callback(func(_ context.Context, o metric.Int64Observer) error {
			o.Observe(r.evicted.Load())
			return nil
		}),
	)
}

// ID returns the session identifier.
func (s *Session) ID() string {
	return s.id
}

// Update runs fn with exclusive access to the state and marks the session
// active. Returns ErrSessionRemoved if the session is gone.
func (s *Session) Update(fn func(*State) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.removed {
		return ErrSessionRemoved
	}
	s.touch()
	return fn(s.state)
}

// View runs fn with shared access to the state. fn must not retain the
// *State. Reports false if the session is gone.
func (s *Session) View(fn func(*State)) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.removed {
		return false
	}
	fn(s.state)
	return true
}

func (s *Session) touch() {
	s.lastAccess.Store(s.now().UnixNano())
}
