// Package review is the admin gate on submitted proof. Approval pays the
// worker and commits the completed unit as one unit of work; rejection
// returns the capacity. Both are idempotent against already-terminal leases.
package review

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/uexplodem-png/socidev-sub003/internal/audit"
	"github.com/uexplodem-png/socidev-sub003/internal/models"
	"github.com/uexplodem-png/socidev-sub003/internal/orders"
	"github.com/uexplodem-png/socidev-sub003/internal/store"
	"github.com/uexplodem-png/socidev-sub003/internal/telemetry"
)

type Gateway struct {
	store     store.Store
	orders    *orders.Ledger
	auditSink audit.AuditSink
	log       *slog.Logger
}

func New(st store.Store, ord *orders.Ledger, auditSink audit.AuditSink, log *slog.Logger) *Gateway {
	return &Gateway{store: st, orders: ord, auditSink: auditSink, log: log}
}

// Approve pays out a submitted lease. The status flip, the payout flag, the
// earning credit, and the task completion commit atomically in the store; the
// order roll-up follows as its own atomic step. Re-approving a terminal lease
// returns the existing state without re-crediting.
func (g *Gateway) Approve(ctx context.Context, leaseID, adminID, notes string) (models.Lease, error) {
	res, err := g.store.ApproveLease(ctx, store.ReviewParams{
		LeaseID:    leaseID,
		ReviewerID: adminID,
		Notes:      notes,
		Now:        time.Now().UTC(),
	})
	if err != nil {
		if errors.Is(err, models.ErrInvariant) {
			g.log.Error("payout invariant violation", "lease_id", leaseID, "error", err)
		}
		return models.Lease{}, err
	}
	if !res.Applied {
		return res.Lease, nil
	}

	telemetry.Payouts.Inc()
	g.auditSink.Record(ctx, adminID, "lease.approve", "lease", leaseID, map[string]any{
		"task_id": res.Task.ID, "user_id": res.Lease.UserID, "rate": res.Task.Rate.StringFixed(3),
	})

	// Standalone pools have no order to roll up into.
	if res.Task.OrderID != nil {
		g.rollUp(ctx, *res.Task.OrderID, leaseID)
	}
	return res.Lease, nil
}

const rollUpAttempts = 3

// rollUp applies one unit of order progress. The payout has already
// committed at this point, so a dropped roll-up would strand the order short
// of completion; transient store failures are retried before giving up.
func (g *Gateway) rollUp(ctx context.Context, orderID, leaseID string) {
	var err error
	for attempt := 0; attempt < rollUpAttempts; attempt++ {
		if _, err = g.orders.OnTaskProgress(ctx, orderID); err == nil {
			return
		}
		if errors.Is(err, models.ErrNotFound) || errors.Is(err, models.ErrConflict) {
			break
		}
	}
	g.log.Error("order progress roll-up failed", "order_id", orderID, "lease_id", leaseID, "error", err)
}

// Reject turns a submission down and releases its unit of capacity.
func (g *Gateway) Reject(ctx context.Context, leaseID, adminID, reason string) (models.Lease, error) {
	res, err := g.store.RejectLease(ctx, store.ReviewParams{
		LeaseID:    leaseID,
		ReviewerID: adminID,
		Notes:      reason,
		Now:        time.Now().UTC(),
	})
	if err != nil {
		return models.Lease{}, err
	}
	if !res.Applied {
		return res.Lease, nil
	}
	telemetry.Rejections.Inc()
	g.auditSink.Record(ctx, adminID, "lease.reject", "lease", leaseID, map[string]any{
		"task_id": res.Task.ID, "user_id": res.Lease.UserID, "reason": reason,
	})
	return res.Lease, nil
}

// ListSubmitted is the admin review queue, filterable by task and date.
func (g *Gateway) ListSubmitted(ctx context.Context, taskID string, from, to time.Time, limit int) ([]models.Lease, error) {
	return g.store.ListLeases(ctx, store.LeaseFilter{
		Status: models.LeaseSubmitted,
		TaskID: taskID,
		From:   from,
		To:     to,
		Limit:  limit,
	})
}
