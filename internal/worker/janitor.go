package worker

import (
	"context"
	"log/slog"
	"time"
)

// JanitorStore is the persistence slice consumed by the Janitor.
type JanitorStore interface {
	DeleteExpiredCache(ctx context.Context, now time.Time) (int64, error)
	DeleteRequestLogsBefore(ctx context.Context, cutoff time.Time) (int64, error)
}

// JanitorConfig tunes the cleanup worker.
type JanitorConfig struct {
	// Interval paces cleanup sweeps.
	Interval time.Duration
	// LogRetention is how long request log rows are kept. 0 keeps forever.
	LogRetention time.Duration
}

func (c JanitorConfig) withDefaults() JanitorConfig {
	if c.Interval <= 0 {
		c.Interval = 5 * time.Minute
	}
	return c
}

// Janitor periodically deletes expired semantic cache entries and request
// log rows past retention.
type Janitor struct {
	store JanitorStore
	cfg   JanitorConfig
}

// NewJanitor creates a Janitor over store.
func NewJanitor(store JanitorStore, cfg JanitorConfig) *Janitor {
	return &Janitor{store: store, cfg: cfg.withDefaults()}
}

// Name returns the worker identifier.
func (j *Janitor) Name() string { return "janitor" }

// Run sweeps once at startup, then on every interval until ctx is cancelled.
func (j *Janitor) Run(ctx context.Context) error {
	j.sweep(ctx)

	ticker := time.NewTicker(j.cfg.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			j.sweep(ctx)
		case <-ctx.Done():
			return nil
		}
	}
}

func (j *Janitor) sweep(ctx context.Context) {
	now := time.Now().UTC()

	expired, err := j.store.DeleteExpiredCache(ctx, now)
	if err != nil {
		slog.LogAttrs(ctx, slog.LevelError, "cache sweep failed",
			slog.String("error", err.Error()))
	} else if expired > 0 {
		slog.LogAttrs(ctx, slog.LevelInfo, "cache entries expired",
			slog.Int64("count", expired))
	}

	if j.cfg.LogRetention <= 0 {
		return
	}
	cutoff := now.Add(-j.cfg.LogRetention)
	pruned, err := j.store.DeleteRequestLogsBefore(ctx, cutoff)
	if err != nil {
		slog.LogAttrs(ctx, slog.LevelError, "request log prune failed",
			slog.String("error", err.Error()))
	} else if pruned > 0 {
		slog.LogAttrs(ctx, slog.LevelInfo, "request logs pruned",
			slog.Int64("count", pruned))
	}
}
