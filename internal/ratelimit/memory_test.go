package ratelimit

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

func closeLimiter(t *testing.T, m *MemoryLimiter) {
	t.Helper()
	if err := m.Close(); err != nil {
		t.Fatalf("Close error: %v", err)
	}
}

// fakeClock pins m to a controllable time.
func fakeClock(m *MemoryLimiter) *time.Time {
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	m.now = func() time.Time { return now }
	return &now
}

func TestMemoryLimiterAllowUnderBurst(t *testing.T) {
	m := NewMemoryLimiter(10, 5) // 10 rps, burst 5
	defer closeLimiter(t, m)
	fakeClock(m)

	ctx := context.Background()
	for i := 0; i < 5; i++ {
		ok, err := m.Allow(ctx, "k1")
		if err != nil {
			t.Fatalf("Allow returned error on request %d: %v", i, err)
		}
		if !ok {
			t.Fatalf("expected Allow to return true for request %d (within burst)", i)
		}
	}
}

func TestMemoryLimiterDenyAfterBurst(t *testing.T) {
	m := NewMemoryLimiter(10, 3)
	defer closeLimiter(t, m)
	fakeClock(m)

	ctx := context.Background()
	for i := 0; i < 3; i++ {
		if ok, _ := m.Allow(ctx, "k1"); !ok {
			t.Fatalf("expected Allow=true for request %d", i)
		}
	}
	if ok, _ := m.Allow(ctx, "k1"); ok {
		t.Fatal("expected Allow=false after burst exhausted")
	}
}

func TestMemoryLimiterTokenRefill(t *testing.T) {
	m := NewMemoryLimiter(10, 1) // one token every 100ms
	defer closeLimiter(t, m)
	now := fakeClock(m)

	ctx := context.Background()
	if ok, _ := m.Allow(ctx, "k1"); !ok {
		t.Fatal("first request should pass")
	}
	if ok, _ := m.Allow(ctx, "k1"); ok {
		t.Fatal("second request should be limited")
	}

	*now = now.Add(150 * time.Millisecond)
	if ok, _ := m.Allow(ctx, "k1"); !ok {
		t.Fatal("request after refill should pass")
	}
}

func TestMemoryLimiterIndependentKeys(t *testing.T) {
	m := NewMemoryLimiter(1, 1)
	defer closeLimiter(t, m)
	fakeClock(m)

	ctx := context.Background()
	if ok, _ := m.Allow(ctx, "a"); !ok {
		t.Fatal("key a should pass")
	}
	if ok, _ := m.Allow(ctx, "b"); !ok {
		t.Fatal("key b has its own bucket and should pass")
	}
	if ok, _ := m.Allow(ctx, "a"); ok {
		t.Fatal("key a should be limited")
	}
}

func TestMemoryLimiterConcurrent(t *testing.T) {
	m := NewMemoryLimiter(1, 50)
	defer closeLimiter(t, m)
	fakeClock(m)

	ctx := context.Background()
	var allowed atomic.Int32
	var wg sync.WaitGroup
	for i := 0; i < 100; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if ok, _ := m.Allow(ctx, "shared"); ok {
				allowed.Add(1)
			}
		}()
	}
	wg.Wait()

	if got := allowed.Load(); got != 50 {
		t.Fatalf("expected exactly 50 allowed (burst), got %d", got)
	}
}

func TestMemoryLimiterEvictStale(t *testing.T) {
	m := NewMemoryLimiter(10, 5)
	defer closeLimiter(t, m)
	now := fakeClock(m)

	ctx := context.Background()
	_, _ = m.Allow(ctx, "old")
	*now = now.Add(staleThreshold - time.Minute)
	_, _ = m.Allow(ctx, "recent")
	*now = now.Add(2 * time.Minute)

	m.evictStale()

	if m.Len() != 1 {
		t.Fatalf("expected 1 key after eviction, got %d", m.Len())
	}
	m.mu.Lock()
	_, ok := m.entries["recent"]
	m.mu.Unlock()
	if !ok {
		t.Fatal("recently used key should survive eviction")
	}
}

func TestMemoryLimiterCloseIdempotent(t *testing.T) {
	m := NewMemoryLimiter(1, 1)
	closeLimiter(t, m)
	closeLimiter(t, m)
}

func TestNoopLimiterAlwaysAllows(t *testing.T) {
	var l Limiter = NoopLimiter{}
	for i := 0; i < 1000; i++ {
		ok, err := l.Allow(context.Background(), "k")
		if err != nil || !ok {
			t.Fatalf("noop limiter denied request %d: ok=%v err=%v", i, ok, err)
		}
	}
	if err := l.Close(); err != nil {
		t.Fatalf("Close error: %v", err)
	}
}
