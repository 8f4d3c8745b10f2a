// Package taskpool owns claimable capacity. A claim removes one unit from
// remaining_quantity at grant time through a single conditional commit;
// release returns it exactly once, guarded by the lease's own status.
package taskpool

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/shopspring/decimal"

	"github.com/uexplodem-png/socidev-sub003/internal/audit"
	"github.com/uexplodem-png/socidev-sub003/internal/models"
	"github.com/uexplodem-png/socidev-sub003/internal/store"
	"github.com/uexplodem-png/socidev-sub003/internal/telemetry"
)

type Pool struct {
	store     store.Store
	auditSink audit.AuditSink
	activity  audit.ActivitySink
	leaseTTL  time.Duration
	log       *slog.Logger
}

func New(st store.Store, auditSink audit.AuditSink, activity audit.ActivitySink, leaseTTL time.Duration, log *slog.Logger) *Pool {
	return &Pool{store: st, auditSink: auditSink, activity: activity, leaseTTL: leaseTTL, log: log}
}

// ClaimInput carries the worker identity and request context for one claim.
type ClaimInput struct {
	TaskID    string
	UserID    string
	IPAddress string
	UserAgent string
}

// Claim grants a time-boxed exclusive lease on one unit, or reports why it
// cannot: capacity, exclusivity, self-exclusion, or the task's state.
func (p *Pool) Claim(ctx context.Context, in ClaimInput) (models.Lease, error) {
	if in.TaskID == "" || in.UserID == "" {
		return models.Lease{}, models.ErrValidation
	}
	// A first-time worker has no account yet; create it now so the payout
	// on approval has somewhere to land.
	if err := p.store.EnsureUser(ctx, in.UserID); err != nil {
		return models.Lease{}, err
	}
	lease, err := p.store.ClaimTask(ctx, store.ClaimParams{
		TaskID:    in.TaskID,
		UserID:    in.UserID,
		IPAddress: in.IPAddress,
		UserAgent: in.UserAgent,
		TTL:       p.leaseTTL,
		Now:       time.Now().UTC(),
	})
	if err != nil {
		switch {
		case errors.Is(err, models.ErrNoCapacity):
			telemetry.ClaimsRejected.WithLabelValues("no_capacity").Inc()
		case errors.Is(err, models.ErrAlreadyActive):
			telemetry.ClaimsRejected.WithLabelValues("already_active").Inc()
		case errors.Is(err, models.ErrSelfExclusion):
			telemetry.ClaimsRejected.WithLabelValues("self_exclusion").Inc()
		case errors.Is(err, models.ErrNotClaimable):
			telemetry.ClaimsRejected.WithLabelValues("not_claimable").Inc()
		}
		return models.Lease{}, err
	}
	telemetry.ClaimsGranted.Inc()
	p.activity.Record(ctx, in.UserID, "lease", "claimed", map[string]any{
		"task_id": in.TaskID, "lease_id": lease.ID, "expires_at": lease.ExpiresAt,
	})
	return lease, nil
}

// Claimable lists open pools in surfacing order: priority descending, then
// oldest first.
func (p *Pool) Claimable(ctx context.Context, limit int) ([]models.Task, error) {
	return p.store.ClaimableTasks(ctx, limit)
}

// StandaloneParams describes a pool that is not derived from an order. Such
// a pool is self-funded: payouts draw on the platform balance with no order
// roll-up.
type StandaloneParams struct {
	Type      string
	Platform  string
	TargetURL string
	Quantity  int
	Rate      decimal.Decimal
	Priority  string
}

func (p *Pool) CreateStandalone(ctx context.Context, adminID string, sp StandaloneParams) (models.Task, error) {
	if sp.Type == "" || sp.Platform == "" || sp.Quantity <= 0 || !sp.Rate.IsPositive() {
		return models.Task{}, models.ErrValidation
	}
	if sp.Priority == "" {
		sp.Priority = models.PriorityNormal
	}
	task, err := p.store.CreateTask(ctx, store.TaskParams{
		Type:      sp.Type,
		Platform:  sp.Platform,
		TargetURL: sp.TargetURL,
		Quantity:  sp.Quantity,
		Rate:      sp.Rate.Round(3),
		Priority:  sp.Priority,
		Now:       time.Now().UTC(),
	})
	if err != nil {
		return models.Task{}, err
	}
	p.auditSink.Record(ctx, adminID, "task.create", "task", task.ID, map[string]any{
		"quantity": task.Quantity, "rate": task.Rate.StringFixed(3),
	})
	return task, nil
}

// Review gates a standalone pool before it surfaces to workers.
func (p *Pool) Review(ctx context.Context, taskID, adminID string, approve bool) (models.Task, error) {
	task, err := p.store.ReviewTask(ctx, taskID, approve, time.Now().UTC())
	if err != nil {
		return models.Task{}, err
	}
	p.auditSink.Record(ctx, adminID, "task.review", "task", taskID, map[string]any{"approved": approve})
	return task, nil
}

func (p *Pool) Get(ctx context.Context, taskID string) (models.Task, error) {
	return p.store.GetTask(ctx, taskID)
}
