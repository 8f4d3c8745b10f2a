// Package orders tracks the order lifecycle from purchase to completion or
// refund. Quantity counters move only through store primitives; refunds are
// one-shot.
package orders

import (
	"context"
	"log/slog"
	"time"

	"github.com/shopspring/decimal"

	"github.com/uexplodem-png/socidev-sub003/internal/audit"
	"github.com/uexplodem-png/socidev-sub003/internal/models"
	"github.com/uexplodem-png/socidev-sub003/internal/store"
	"github.com/uexplodem-png/socidev-sub003/internal/telemetry"
)

type Ledger struct {
	store       store.Store
	auditSink   audit.AuditSink
	activity    audit.ActivitySink
	payoutShare decimal.Decimal
	log         *slog.Logger
}

func New(st store.Store, auditSink audit.AuditSink, activity audit.ActivitySink, payoutShare float64, log *slog.Logger) *Ledger {
	return &Ledger{
		store:       st,
		auditSink:   auditSink,
		activity:    activity,
		payoutShare: decimal.NewFromFloat(payoutShare),
		log:         log,
	}
}

// CreateParams collects buyer input for a purchase.
type CreateParams struct {
	OwnerID   string
	Platform  string
	Service   string
	TargetURL string
	Quantity  int
	UnitPrice decimal.Decimal
	Priority  string
}

// Create debits the buyer and records the pending order as one unit.
func (l *Ledger) Create(ctx context.Context, p CreateParams) (models.Order, error) {
	if p.OwnerID == "" || p.Platform == "" || p.Service == "" || p.Quantity <= 0 || !p.UnitPrice.IsPositive() {
		return models.Order{}, models.ErrValidation
	}
	if p.Priority == "" {
		p.Priority = models.PriorityNormal
	}
	order, err := l.store.CreateOrder(ctx, store.OrderParams{
		OwnerID:   p.OwnerID,
		Platform:  p.Platform,
		Service:   p.Service,
		TargetURL: p.TargetURL,
		Quantity:  p.Quantity,
		UnitPrice: p.UnitPrice.Round(2),
		Priority:  p.Priority,
		Now:       time.Now().UTC(),
	})
	if err != nil {
		return models.Order{}, err
	}
	telemetry.OrdersCreated.Inc()
	l.activity.Record(ctx, p.OwnerID, "order", "created", map[string]any{
		"order_id": order.ID, "quantity": order.Quantity, "amount": order.Amount.StringFixed(2),
	})
	return order, nil
}

// Process derives the claimable task pool for a pending order. The buyer is
// excluded from executing their own task; the per-unit payout is the unit
// price scaled by the configured share, at 3 decimal places.
func (l *Ledger) Process(ctx context.Context, orderID, adminID string) (models.Order, models.Task, error) {
	order, err := l.store.GetOrder(ctx, orderID)
	if err != nil {
		return models.Order{}, models.Task{}, err
	}
	rate := order.UnitPrice.Mul(l.payoutShare).Round(3)
	order, task, err := l.store.ProcessOrder(ctx, orderID, rate, time.Now().UTC())
	if err != nil {
		return models.Order{}, models.Task{}, err
	}
	l.auditSink.Record(ctx, adminID, "order.process", "order", orderID, map[string]any{
		"task_id": task.ID, "rate": rate.StringFixed(3),
	})
	return order, task, nil
}

// OnTaskProgress rolls one approved unit up into the order counters.
func (l *Ledger) OnTaskProgress(ctx context.Context, orderID string) (models.Order, error) {
	order, err := l.store.ApplyOrderProgress(ctx, orderID, 1, time.Now().UTC())
	if err != nil {
		return models.Order{}, err
	}
	if order.Status == models.OrderCompleted {
		telemetry.OrdersDone.Inc()
		l.activity.Record(ctx, order.OwnerID, "order", "completed", map[string]any{"order_id": order.ID})
	}
	return order, nil
}

func (l *Ledger) Cancel(ctx context.Context, orderID, adminID string) (models.Order, error) {
	order, err := l.store.CancelOrder(ctx, orderID, time.Now().UTC())
	if err != nil {
		return models.Order{}, err
	}
	l.auditSink.Record(ctx, adminID, "order.cancel", "order", orderID, nil)
	return order, nil
}

func (l *Ledger) Fail(ctx context.Context, orderID, adminID string) (models.Order, error) {
	order, err := l.store.FailOrder(ctx, orderID, time.Now().UTC())
	if err != nil {
		return models.Order{}, err
	}
	l.auditSink.Record(ctx, adminID, "order.fail", "order", orderID, nil)
	return order, nil
}

// Refund returns the unfulfilled remainder to the buyer, exactly once.
func (l *Ledger) Refund(ctx context.Context, orderID, adminID string) (models.Order, error) {
	order, txn, err := l.store.RefundOrder(ctx, orderID, time.Now().UTC())
	if err != nil {
		return models.Order{}, err
	}
	l.auditSink.Record(ctx, adminID, "order.refund", "order", orderID, map[string]any{
		"refund_amount": txn.Amount.StringFixed(2), "transaction_id": txn.ID,
	})
	return order, nil
}

func (l *Ledger) Get(ctx context.Context, orderID string) (models.Order, error) {
	return l.store.GetOrder(ctx, orderID)
}
