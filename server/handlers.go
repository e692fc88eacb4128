package server

import (
	"context"
	"time"

	"github.com/onnwee/kick-notifier/db"
	"github.com/onnwee/kick-notifier/reconcile"
)

// Store is the subset of db.Store the HTTP surface reads and repairs.
type Store interface {
	Ping(ctx context.Context) error
	GetKV(ctx context.Context, key string) (string, error)
	ListCache(ctx context.Context) ([]db.LiveState, error)
	ResetCache(ctx context.Context, username string) error
	PurgeOrphanCache(ctx context.Context) (int64, error)
	ListSubscriptionsForGuild(ctx context.Context, guildID string) ([]db.Subscription, error)
}

// ReconcileController exposes the running reconciler to the admin endpoints.
type ReconcileController interface {
	Trigger() bool
	LastPass() reconcile.PassStats
	Interval() time.Duration
}

// Handlers holds dependencies for all HTTP handlers.
type Handlers struct {
	store Store
	rec   ReconcileController
	now   func() time.Time
}

func NewHandlers(store Store, rec ReconcileController) *Handlers {
	return &Handlers{store: store, rec: rec, now: time.Now}
}
