package network

import (
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ashita-ai/tsunagi/internal/testutil"
)

func newTestRegistry(cfg RegistryConfig) *Registry {
	return NewRegistry(cfg, testutil.TestLogger())
}

func TestRegistry_GetOrCreateConcurrentSingleInstance(t *testing.T) {
	r := newTestRegistry(RegistryConfig{})

	const workers = 64
	var (
		wg    sync.WaitGroup
		start = make(chan struct{})
		got   = make([]*Session, workers)
	)
	for i := range workers {
		wg.Add(1)
		go func() {
			defer wg.Done()
			<-start
			s, err := r.GetOrCreate("fresh")
			if err == nil {
				got[i] = s
			}
		}()
	}
	close(start)
	wg.Wait()

	for i, s := range got {
		require.NotNil(t, s, "worker %d", i)
		assert.Same(t, got[0], s, "worker %d got a different instance", i)
	}
	assert.Equal(t, int64(1), r.Created())
	assert.Equal(t, 1, r.Len())
}

func TestRegistry_RejectsMissingSession(t *testing.T) {
	r := newTestRegistry(RegistryConfig{})

	_, err := r.GetOrCreate("")
	assert.ErrorIs(t, err, ErrMissingSession)

	err = r.Update("", func(*State) error { return nil })
	assert.ErrorIs(t, err, ErrMissingSession)
	assert.Zero(t, r.Len())
}

func TestRegistry_SessionIsolation(t *testing.T) {
	r := newTestRegistry(RegistryConfig{MaxDepth: 3})

	require.NoError(t, r.Update("s1", func(st *State) error {
		_, err := st.PushAgent("dispatcher")
		return err
	}))
	require.NoError(t, r.Update("s2", func(st *State) error {
		_, err := st.PushAgent("other")
		return err
	}))

	// Fault s1: overflow and then an inconsistent pop.
	for range 2 {
		_ = r.Update("s1", func(st *State) error {
			_, err := st.PushAgent("loop")
			return err
		})
	}
	err := r.Update("s1", func(st *State) error {
		_, err := st.PushAgent("loop")
		return err
	})
	require.ErrorIs(t, err, ErrRecursionLimit)
	err = r.Update("s1", func(st *State) error { return st.PopAgent("dispatcher") })
	require.ErrorIs(t, err, ErrInconsistentStack)

	s1 := r.Export("s1")
	s2 := r.Export("s2")
	assert.Empty(t, s1.ExecutionStack)
	assert.Equal(t, []string{"other"}, s2.ExecutionStack)
	assert.Equal(t, []string{"other"}, s2.ActiveAgents)
	assert.NotContains(t, s2.Agents, "dispatcher")
	assert.NotContains(t, s1.Agents, "other")
}

func TestRegistry_ConcurrentSessionsIndependent(t *testing.T) {
	r := newTestRegistry(RegistryConfig{})

	const sessions = 8
	const iterations = 200
	var wg sync.WaitGroup
	for i := range sessions {
		wg.Add(1)
		go func() {
			defer wg.Done()
			id := fmt.Sprintf("session-%d", i)
			for range iterations {
				_ = r.Update(id, func(st *State) error {
					if _, err := st.PushAgent("worker"); err != nil {
						return err
					}
					if err := st.PopAgent("worker"); err != nil {
						return err
					}
					st.RecordCompletion("worker", time.Millisecond, true)
					return nil
				})
			}
		}()
	}
	wg.Wait()

	for i := range sessions {
		exp := r.Export(fmt.Sprintf("session-%d", i))
		assert.Equal(t, iterations, exp.Agents["worker"].InvocationCount)
		assert.Equal(t, iterations, exp.Agents["worker"].SuccessCount)
		assert.Empty(t, exp.ExecutionStack)
	}
}

func TestRegistry_ConcurrentSameSessionSerializes(t *testing.T) {
	r := newTestRegistry(RegistryConfig{})

	const workers = 16
	const iterations = 100
	var wg sync.WaitGroup
	for range workers {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for range iterations {
				_ = r.Update("shared", func(st *State) error {
					st.RecordRelationship("dispatcher", "planner", "")
					return nil
				})
			}
		}()
	}
	wg.Wait()

	exp := r.Export("shared")
	require.Len(t, exp.Relationships, 1)
	assert.Equal(t, workers*iterations, exp.Relationships[0].InteractionCount)
}

func TestRegistry_ExportUnknownSessionIsEmpty(t *testing.T) {
	r := newTestRegistry(RegistryConfig{})

	exp := r.Export("nope")
	assert.Equal(t, "nope", exp.SessionID)
	assert.Empty(t, exp.Agents)
	assert.NotNil(t, exp.ExecutionStack)
	assert.Zero(t, r.Len(), "read path must not create sessions")

	err := r.View("nope", func(*State) {})
	assert.ErrorIs(t, err, ErrUnknownSession)
}

func TestRegistry_Reset(t *testing.T) {
	r := newTestRegistry(RegistryConfig{})
	require.NoError(t, r.Update("abc", func(st *State) error {
		_, err := st.PushAgent("dispatcher")
		return err
	}))

	var before uint64
	require.NoError(t, r.View("abc", func(st *State) { before = st.Version() }))

	assert.True(t, r.Reset("abc"))
	exp := r.Export("abc")
	assert.Empty(t, exp.Agents)
	assert.Empty(t, exp.ExecutionStack)

	var after uint64
	require.NoError(t, r.View("abc", func(st *State) { after = st.Version() }))
	assert.Greater(t, after, before, "reset must be visible as a change")

	assert.False(t, r.Reset("missing"))
}

func TestRegistry_RemoveCallsOnEvictAndInvalidatesHandles(t *testing.T) {
	var evicted []string
	r := newTestRegistry(RegistryConfig{OnEvict: func(id string) { evicted = append(evicted, id) }})

	s, err := r.GetOrCreate("abc")
	require.NoError(t, err)

	assert.True(t, r.Remove("abc"))
	assert.False(t, r.Remove("abc"))
	assert.Equal(t, []string{"abc"}, evicted)

	err = s.Update(func(*State) error { return nil })
	assert.True(t, errors.Is(err, ErrSessionRemoved))
	assert.False(t, s.View(func(*State) {}))

	// Registry.Update transparently recreates the session.
	require.NoError(t, r.Update("abc", func(*State) error { return nil }))
	fresh, ok := r.Lookup("abc")
	require.True(t, ok)
	assert.NotSame(t, s, fresh)
}

func TestRegistry_EvictCallbackRunsBeforeIDIsReused(t *testing.T) {
	var r *Registry
	recreated := make(chan struct{})
	var waited bool
	r = newTestRegistry(RegistryConfig{OnEvict: func(id string) {
		go func() {
			_ = r.Update(id, func(*State) error { return nil })
			close(recreated)
		}()
		select {
		case <-recreated:
		case <-time.After(50 * time.Millisecond):
			waited = true
		}
	}})

	_, err := r.GetOrCreate("abc")
	require.NoError(t, err)
	require.True(t, r.Remove("abc"))
	assert.True(t, waited, "a racing update must wait for the eviction to finish")

	select {
	case <-recreated:
	case <-time.After(time.Second):
		t.Fatal("racing update never completed")
	}
	assert.Equal(t, []string{"abc"}, r.Sessions())
}

func TestRegistry_SweepEvictsIdleSessions(t *testing.T) {
	var evicted atomic.Int32
	r := newTestRegistry(RegistryConfig{
		TTL:     30 * time.Minute,
		OnEvict: func(string) { evicted.Add(1) },
	})
	now := time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)
	r.now = func() time.Time { return now }

	_, err := r.GetOrCreate("idle")
	require.NoError(t, err)
	_, err = r.GetOrCreate("busy")
	require.NoError(t, err)

	now = now.Add(20 * time.Minute)
	require.NoError(t, r.Update("busy", func(*State) error { return nil }))

	now = now.Add(15 * time.Minute)
	assert.Equal(t, 1, r.Sweep())
	assert.Equal(t, []string{"busy"}, r.Sessions())
	assert.Equal(t, int32(1), evicted.Load())

	// Views do not extend the TTL.
	require.NoError(t, r.View("busy", func(*State) {}))
	now = now.Add(20 * time.Minute)
	assert.Equal(t, 1, r.Sweep())
	assert.Zero(t, r.Len())
}

func TestRegistry_SweepRacingUpdate(t *testing.T) {
	r := newTestRegistry(RegistryConfig{TTL: time.Nanosecond})

	var wg sync.WaitGroup
	stop := make(chan struct{})
	wg.Add(1)
	go func() {
		defer wg.Done()
		for {
			select {
			case <-stop:
				return
			default:
				r.Sweep()
			}
		}
	}()

	for range 500 {
		err := r.Update("hot", func(st *State) error {
			if _, err := st.PushAgent("a"); err != nil {
				return err
			}
			return st.PopAgent("a")
		})
		require.NoError(t, err)
	}
	close(stop)
	wg.Wait()
}
