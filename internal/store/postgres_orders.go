package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgtype"
	"github.com/shopspring/decimal"

	"github.com/uexplodem-png/socidev-sub003/internal/models"
)

const orderColumns = `id, owner_id, platform, service, target_url, quantity, remaining_count, completed_count,
	unit_price, amount, priority, status, refund_amount, last_status_change, created_at, updated_at`

// CreateOrder debits the buyer and inserts the pending order in one
// transaction; an order is never created without its payment.
func (s *Postgres) CreateOrder(ctx context.Context, p OrderParams) (models.Order, error) {
	tx, err := s.begin(ctx)
	if err != nil {
		return models.Order{}, err
	}
	defer tx.Rollback(ctx)

	id := uuid.New().String()
	amount := p.UnitPrice.Mul(decimal.NewFromInt(int64(p.Quantity))).Round(2)

	if _, err := appendTransactionTx(ctx, tx, TransactionParams{
		UserID:      p.OwnerID,
		Type:        models.TxSpending,
		Amount:      amount,
		ReferenceID: id,
		Metadata:    map[string]any{"platform": p.Platform, "service": p.Service},
		Now:         p.Now,
	}); err != nil {
		return models.Order{}, err
	}

	order := models.Order{
		ID:               id,
		OwnerID:          p.OwnerID,
		Platform:         p.Platform,
		Service:          p.Service,
		TargetURL:        p.TargetURL,
		Quantity:         p.Quantity,
		RemainingCount:   p.Quantity,
		UnitPrice:        p.UnitPrice,
		Amount:           amount,
		Priority:         p.Priority,
		Status:           models.OrderPending,
		LastStatusChange: p.Now,
		CreatedAt:        p.Now,
		UpdatedAt:        p.Now,
	}
	_, err = tx.Exec(ctx, `
		INSERT INTO orders (id, owner_id, platform, service, target_url, quantity, remaining_count, completed_count,
			unit_price, amount, priority, status, last_status_change, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $6, 0, $7, $8, $9, $10, $11, $11, $11)
	`, order.ID, order.OwnerID, order.Platform, order.Service, order.TargetURL, order.Quantity,
		order.UnitPrice, order.Amount, order.Priority, order.Status, order.CreatedAt)
	if err != nil {
		return models.Order{}, fmt.Errorf("insert order: %w", err)
	}
	if err := tx.Commit(ctx); err != nil {
		return models.Order{}, fmt.Errorf("commit: %w", err)
	}
	return order, nil
}

func (s *Postgres) GetOrder(ctx context.Context, id string) (models.Order, error) {
	row := s.pool.QueryRow(ctx, `SELECT `+orderColumns+` FROM orders WHERE id = $1`, id)
	order, err := scanOrder(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return models.Order{}, models.ErrNotFound
	}
	return order, err
}

// ProcessOrder moves pending -> processing and derives the task pool with the
// owner excluded from execution.
func (s *Postgres) ProcessOrder(ctx context.Context, orderID string, rate decimal.Decimal, now time.Time) (models.Order, models.Task, error) {
	tx, err := s.begin(ctx)
	if err != nil {
		return models.Order{}, models.Task{}, err
	}
	defer tx.Rollback(ctx)

	row := tx.QueryRow(ctx, `
		UPDATE orders SET status = $2, last_status_change = $3, updated_at = $3
		WHERE id = $1 AND status = $4
		RETURNING `+orderColumns, orderID, models.OrderProcessing, now, models.OrderPending)
	order, err := scanOrder(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return models.Order{}, models.Task{}, s.orderTransitionErr(ctx, orderID)
	}
	if err != nil {
		return models.Order{}, models.Task{}, err
	}

	task := models.Task{
		ID:                uuid.New().String(),
		OrderID:           &order.ID,
		ExcludedUserID:    &order.OwnerID,
		Type:              order.Service,
		Platform:          order.Platform,
		TargetURL:         order.TargetURL,
		Quantity:          order.Quantity,
		RemainingQuantity: order.Quantity,
		Rate:              rate,
		Status:            models.TaskPending,
		AdminStatus:       models.AdminApproved,
		Priority:          order.Priority,
		CreatedAt:         now,
		UpdatedAt:         now,
	}
	if err := insertTaskTx(ctx, tx, task); err != nil {
		return models.Order{}, models.Task{}, err
	}
	if err := tx.Commit(ctx); err != nil {
		return models.Order{}, models.Task{}, fmt.Errorf("commit: %w", err)
	}
	return order, task, nil
}

func (s *Postgres) CancelOrder(ctx context.Context, orderID string, now time.Time) (models.Order, error) {
	return s.transitionOrder(ctx, orderID, []string{models.OrderPending, models.OrderProcessing}, models.OrderCancelled, models.TaskCancelled, now)
}

func (s *Postgres) FailOrder(ctx context.Context, orderID string, now time.Time) (models.Order, error) {
	return s.transitionOrder(ctx, orderID, []string{models.OrderProcessing}, models.OrderFailed, models.TaskFailed, now)
}

func (s *Postgres) transitionOrder(ctx context.Context, orderID string, from []string, to, taskStatus string, now time.Time) (models.Order, error) {
	tx, err := s.begin(ctx)
	if err != nil {
		return models.Order{}, err
	}
	defer tx.Rollback(ctx)

	row := tx.QueryRow(ctx, `
		UPDATE orders SET status = $2, last_status_change = $3, updated_at = $3
		WHERE id = $1 AND status = ANY($4)
		RETURNING `+orderColumns, orderID, to, now, from)
	order, err := scanOrder(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return models.Order{}, s.orderTransitionErr(ctx, orderID)
	}
	if err != nil {
		return models.Order{}, err
	}

	// Stop the derived pools from granting new leases; in-flight leases
	// drain through review or expiry.
	_, err = tx.Exec(ctx, `
		UPDATE tasks SET status = $2, updated_at = $3
		WHERE order_id = $1 AND status IN ($4, $5)
	`, orderID, taskStatus, now, models.TaskPending, models.TaskInProgress)
	if err != nil {
		return models.Order{}, fmt.Errorf("stop order tasks: %w", err)
	}
	if err := tx.Commit(ctx); err != nil {
		return models.Order{}, fmt.Errorf("commit: %w", err)
	}
	return order, nil
}

// RefundOrder returns the unfulfilled remainder to the buyer. refund_amount
// is set exactly once; a second call fails on the NULL guard.
func (s *Postgres) RefundOrder(ctx context.Context, orderID string, now time.Time) (models.Order, models.Transaction, error) {
	tx, err := s.begin(ctx)
	if err != nil {
		return models.Order{}, models.Transaction{}, err
	}
	defer tx.Rollback(ctx)

	row := tx.QueryRow(ctx, `SELECT `+orderColumns+` FROM orders WHERE id = $1 FOR UPDATE`, orderID)
	order, err := scanOrder(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return models.Order{}, models.Transaction{}, models.ErrNotFound
	}
	if err != nil {
		return models.Order{}, models.Transaction{}, err
	}
	if order.RefundAmount != nil {
		return models.Order{}, models.Transaction{}, models.ErrConflict
	}
	refundable := order.Status == models.OrderFailed || order.Status == models.OrderCancelled ||
		(order.Status == models.OrderProcessing && order.CompletedCount > 0)
	if !refundable {
		return models.Order{}, models.Transaction{}, models.ErrConflict
	}

	refund := order.UnitPrice.Mul(decimal.NewFromInt(int64(order.RemainingCount))).Round(2)
	txn, err := appendTransactionTx(ctx, tx, TransactionParams{
		UserID:      order.OwnerID,
		Type:        models.TxRefund,
		Amount:      refund,
		ReferenceID: order.ID,
		Metadata:    map[string]any{"remaining_count": order.RemainingCount},
		Now:         now,
	})
	if err != nil {
		return models.Order{}, models.Transaction{}, err
	}

	_, err = tx.Exec(ctx, `
		UPDATE orders SET status = $2, refund_amount = $3, last_status_change = $4, updated_at = $4
		WHERE id = $1 AND refund_amount IS NULL
	`, orderID, models.OrderRefunded, refund, now)
	if err != nil {
		return models.Order{}, models.Transaction{}, fmt.Errorf("mark refunded: %w", err)
	}
	_, err = tx.Exec(ctx, `
		UPDATE tasks SET status = $2, updated_at = $3
		WHERE order_id = $1 AND status IN ($4, $5)
	`, orderID, models.TaskCancelled, now, models.TaskPending, models.TaskInProgress)
	if err != nil {
		return models.Order{}, models.Transaction{}, fmt.Errorf("stop order tasks: %w", err)
	}
	if err := tx.Commit(ctx); err != nil {
		return models.Order{}, models.Transaction{}, fmt.Errorf("commit: %w", err)
	}
	order.Status = models.OrderRefunded
	order.RefundAmount = &refund
	order.LastStatusChange = now
	order.UpdatedAt = now
	return order, txn, nil
}

// ApplyOrderProgress rolls one approved unit up into the order counters and
// completes the order when the remainder reaches zero.
func (s *Postgres) ApplyOrderProgress(ctx context.Context, orderID string, delta int, now time.Time) (models.Order, error) {
	row := s.pool.QueryRow(ctx, `
		UPDATE orders SET
			completed_count = completed_count + $2,
			remaining_count = remaining_count - $2,
			status = CASE WHEN remaining_count - $2 <= 0 THEN $4 ELSE status END,
			last_status_change = CASE WHEN remaining_count - $2 <= 0 THEN $3 ELSE last_status_change END,
			updated_at = $3
		WHERE id = $1 AND status = $5 AND remaining_count >= $2
		RETURNING `+orderColumns, orderID, delta, now, models.OrderCompleted, models.OrderProcessing)
	order, err := scanOrder(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return models.Order{}, s.orderTransitionErr(ctx, orderID)
	}
	return order, err
}

func (s *Postgres) orderTransitionErr(ctx context.Context, orderID string) error {
	var exists bool
	if err := s.pool.QueryRow(ctx, `SELECT EXISTS(SELECT 1 FROM orders WHERE id = $1)`, orderID).Scan(&exists); err != nil {
		return fmt.Errorf("check order: %w", err)
	}
	if !exists {
		return models.ErrNotFound
	}
	return models.ErrConflict
}

func scanOrder(row pgx.Row) (models.Order, error) {
	var o models.Order
	var refund decimal.NullDecimal
	var target pgtype.Text
	if err := row.Scan(&o.ID, &o.OwnerID, &o.Platform, &o.Service, &target, &o.Quantity, &o.RemainingCount,
		&o.CompletedCount, &o.UnitPrice, &o.Amount, &o.Priority, &o.Status, &refund,
		&o.LastStatusChange, &o.CreatedAt, &o.UpdatedAt); err != nil {
		return models.Order{}, err
	}
	if target.Valid {
		o.TargetURL = target.String
	}
	if refund.Valid {
		o.RefundAmount = &refund.Decimal
	}
	return o, nil
}
