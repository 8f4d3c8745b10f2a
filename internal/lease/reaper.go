package lease

import (
	"context"
	"log/slog"
	"time"

	"github.com/uexplodem-png/socidev-sub003/internal/store"
	"github.com/uexplodem-png/socidev-sub003/internal/telemetry"
)

// Reaper periodically expires stale pending leases and returns their
// capacity. Each lease is transitioned through its own guarded store
// primitive, so a sweep is safe to run concurrently with live claim and
// submit traffic, or with another sweep.
type Reaper struct {
	store     store.Store
	interval  time.Duration
	batchSize int
	log       *slog.Logger
}

func NewReaper(st store.Store, interval time.Duration, batchSize int, log *slog.Logger) *Reaper {
	if interval <= 0 {
		interval = 30 * time.Second
	}
	if batchSize <= 0 {
		batchSize = 100
	}
	return &Reaper{store: st, interval: interval, batchSize: batchSize, log: log}
}

// Run sweeps until the context is cancelled.
func (r *Reaper) Run(ctx context.Context) error {
	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			n, err := r.Sweep(ctx, time.Now().UTC())
			if err != nil {
				r.log.Warn("reaper sweep failed", "error", err)
				continue
			}
			if n > 0 {
				r.log.Info("expired stale leases", "count", n)
			}
		}
	}
}

// Sweep expires every pending lease whose deadline passed before now and
// returns how many transitions were applied. Candidates that raced with a
// submit in the meantime are skipped by the guard, not errors.
func (r *Reaper) Sweep(ctx context.Context, now time.Time) (int, error) {
	ids, err := r.store.PendingExpired(ctx, now, r.batchSize)
	if err != nil {
		return 0, err
	}
	expired := 0
	for _, id := range ids {
		ok, err := r.store.ExpireLease(ctx, id, now)
		if err != nil {
			r.log.Warn("expire lease failed", "lease_id", id, "error", err)
			continue
		}
		if ok {
			expired++
			telemetry.LeasesExpired.Inc()
		}
	}
	return expired, nil
}
