package scheduler

import (
	"context"
	"log/slog"
	"time"
)

const (
	JobCachePurge    = "cache-purge"
	JobSharePrune    = "share-prune"
	JobSessionWarm   = "session-warm"
	JobLimiterSweep  = "limiter-sweep"
	DefaultPurgeSpec = "@every 1m"
	DefaultPruneSpec = "@hourly"
	DefaultWarmSpec  = "@every 15m"
	DefaultSweepSpec = "@every 5m"
)

type purger interface {
	PurgeExpired() int
}

type pruner interface {
	PruneShares(ctx context.Context, before time.Time) (int64, error)
}

type warmer interface {
	EnsureValid(ctx context.Context) (string, error)
}

type sweeper interface {
	Sweep() int
}

// CachePurge drops expired response-cache entries so they stop holding
// memory until the next lookup.
func CachePurge(c purger, log *slog.Logger) Job {
	return func(ctx context.Context) error {
		if n := c.PurgeExpired(); n > 0 && log != nil {
			log.Debug("purged expired cache entries", "count", n)
		}
		return nil
	}
}

// SharePrune deletes share-log rows older than retention.
func SharePrune(p pruner, retention time.Duration, now func() time.Time, log *slog.Logger) Job {
	if now == nil {
		now = time.Now
	}
	return func(ctx context.Context) error {
		n, err := p.PruneShares(ctx, now().Add(-retention))
		if err != nil {
			return err
		}
		if n > 0 && log != nil {
			log.Info("pruned share log", "rows", n)
		}
		return nil
	}
}

// SessionWarm renews the upstream session ahead of traffic. It does nothing
// while the session is valid.
func SessionWarm(w warmer) Job {
	return func(ctx context.Context) error {
		_, err := w.EnsureValid(ctx)
		return err
	}
}

func LimiterSweep(s sweeper) Job {
	return func(ctx context.Context) error {
		s.Sweep()
		return nil
	}
}
