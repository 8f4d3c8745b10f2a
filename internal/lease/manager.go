// Package lease drives the claim/submit/expire state machine over
// individual reservations. pending -> {submitted, expired};
// submitted -> {approved, rejected}; terminal states are immutable.
package lease

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/uexplodem-png/socidev-sub003/internal/audit"
	"github.com/uexplodem-png/socidev-sub003/internal/models"
	"github.com/uexplodem-png/socidev-sub003/internal/queue"
	"github.com/uexplodem-png/socidev-sub003/internal/store"
	"github.com/uexplodem-png/socidev-sub003/internal/telemetry"
)

type Manager struct {
	store    store.Store
	activity audit.ActivitySink
	archive  *queue.ArchiveQueue
	log      *slog.Logger
}

// New builds a manager. archive may be nil when proof archiving is disabled.
func New(st store.Store, activity audit.ActivitySink, archive *queue.ArchiveQueue, log *slog.Logger) *Manager {
	return &Manager{store: st, activity: activity, archive: archive, log: log}
}

// Submit records proof for a pending lease. Only the lease holder may
// submit; to anyone else the lease does not exist. A submission after the
// window fails with ErrLeaseExpired even if the reaper has not swept yet;
// the stale lease is expired on the spot and its capacity returned.
func (m *Manager) Submit(ctx context.Context, leaseID, userID, proofURL, notes string) (models.Lease, error) {
	if leaseID == "" || userID == "" || proofURL == "" {
		return models.Lease{}, models.ErrValidation
	}
	cur, err := m.store.GetLease(ctx, leaseID)
	if err != nil {
		return models.Lease{}, err
	}
	// Ownership is immutable, so checking before the submit is race-free.
	if cur.UserID != userID {
		return models.Lease{}, models.ErrNotFound
	}
	lease, err := m.store.SubmitLease(ctx, leaseID, proofURL, notes, time.Now().UTC())
	if err != nil {
		if errors.Is(err, models.ErrLeaseExpired) {
			telemetry.LeasesExpired.Inc()
		}
		return models.Lease{}, err
	}
	telemetry.Submissions.Inc()
	m.activity.Record(ctx, lease.UserID, "lease", "submitted", map[string]any{
		"lease_id": lease.ID, "task_id": lease.TaskID,
	})
	if m.archive != nil {
		// Fire-and-forget: archiving failures never affect the submission.
		if err := m.archive.Enqueue(ctx, lease.ID); err != nil {
			m.log.Warn("archive enqueue failed", "lease_id", lease.ID, "error", err)
		}
	}
	return lease, nil
}

func (m *Manager) Get(ctx context.Context, leaseID string) (models.Lease, error) {
	return m.store.GetLease(ctx, leaseID)
}

func (m *Manager) List(ctx context.Context, f store.LeaseFilter) ([]models.Lease, error) {
	return m.store.ListLeases(ctx, f)
}
