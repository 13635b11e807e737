package store

import (
	"context"
	"errors"
	"time"

	"github.com/bskylink/bskylink/internal/model"
)

var ErrNotFound = errors.New("not found")

// Store is the share log: one row per post the gateway has rendered.
type Store interface {
	ShareStore
	GetStats(ctx context.Context) (model.Stats, error)
	Close() error
}

type ShareStore interface {
	// RecordShare inserts a share or, for a post already logged, refreshes
	// its details and bumps its hit count.
	RecordShare(ctx context.Context, share *model.Share) error
	GetShare(ctx context.Context, postURL string) (model.Share, error)
	ListRecentShares(ctx context.Context, limit int) ([]model.Share, error)
	PruneShares(ctx context.Context, before time.Time) (int64, error)
}
