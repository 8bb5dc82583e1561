package server

import (
	"context"
	"time"

	"github.com/ashita-ai/tsunagi/internal/broadcast"
	"github.com/ashita-ai/tsunagi/internal/model"
)

// Tracker is the execution hook and query surface the HTTP layer drives.
// Defined here rather than importing the tracking service type so handlers
// can be exercised against any implementation.
//
// The hook methods return the session's stack depth as observed by the call
// itself.
type Tracker interface {
	StartAgent(ctx context.Context, session, agent string) (int, error)
	CompleteAgent(ctx context.Context, session, agent string, duration time.Duration, success bool, tools []string) (int, error)
	UseTool(ctx context.Context, session, agent, tool string) (int, error)
	NetworkState(session string) model.NetworkExport
	Reset(session string) bool
	DeleteSession(session string) bool
	Resume(session string, after uint64) (*broadcast.Subscription, []model.Event, error)
}
