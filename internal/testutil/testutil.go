// Package testutil provides shared helpers for package tests.
package testutil

import (
	"log/slog"
	"os"
	"testing"
	"time"

	"github.com/ashita-ai/tsunagi/internal/model"
)

// TestLogger returns a logger for tests that only emits errors.
func TestLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
}

// RecvEvent waits up to timeout for the next event on ch and fails the test
// if none arrives or the channel is closed.
func RecvEvent(t testing.TB, ch <-chan model.Event, timeout time.Duration) model.Event {
	t.Helper()
	select {
	case ev, ok := <-ch:
		if !ok {
			t.Fatal("event channel closed")
		}
		return ev
	case <-time.After(timeout):
		t.Fatal("timed out waiting for event")
	}
	return model.Event{}
}

// NoEvent fails the test if an event arrives on ch within wait.
func NoEvent(t testing.TB, ch <-chan model.Event, wait time.Duration) {
	t.Helper()
	select {
	case ev, ok := <-ch:
		if ok {
			t.Fatalf("unexpected event: %s seq=%d", ev.Type, ev.Sequence)
		}
	case <-time.After(wait):
	}
}

// DrainEvents returns every event already queued on ch without blocking.
func DrainEvents(ch <-chan model.Event) []model.Event {
	var out []model.Event
	for {
		select {
		case ev, ok := <-ch:
			if !ok {
				return out
			}
			out = append(out, ev)
		default:
			return out
		}
	}
}
