package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgtype"

	"github.com/uexplodem-png/socidev-sub003/internal/models"
)

const taskColumns = `id, order_id, excluded_user_id, type, platform, target_url, quantity, remaining_quantity,
	completed_quantity, rate, status, admin_status, priority, created_at, updated_at`

func insertTaskTx(ctx context.Context, tx pgx.Tx, t models.Task) error {
	_, err := tx.Exec(ctx, `
		INSERT INTO tasks (id, order_id, excluded_user_id, type, platform, target_url, quantity, remaining_quantity,
			completed_quantity, rate, status, admin_status, priority, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $7, 0, $8, $9, $10, $11, $12, $12)
	`, t.ID, t.OrderID, t.ExcludedUserID, t.Type, t.Platform, t.TargetURL, t.Quantity,
		t.Rate, t.Status, t.AdminStatus, t.Priority, t.CreatedAt)
	if err != nil {
		return fmt.Errorf("insert task: %w", err)
	}
	return nil
}

func (s *Postgres) CreateTask(ctx context.Context, p TaskParams) (models.Task, error) {
	tx, err := s.begin(ctx)
	if err != nil {
		return models.Task{}, err
	}
	defer tx.Rollback(ctx)

	adminStatus := p.AdminStatus
	if adminStatus == "" {
		adminStatus = models.AdminPending
	}
	task := models.Task{
		ID:                uuid.New().String(),
		Type:              p.Type,
		Platform:          p.Platform,
		TargetURL:         p.TargetURL,
		Quantity:          p.Quantity,
		RemainingQuantity: p.Quantity,
		Rate:              p.Rate,
		Status:            models.TaskPending,
		AdminStatus:       adminStatus,
		Priority:          p.Priority,
		CreatedAt:         p.Now,
		UpdatedAt:         p.Now,
	}
	if p.OrderID != "" {
		oid := p.OrderID
		task.OrderID = &oid
	}
	if p.ExcludedUserID != "" {
		ex := p.ExcludedUserID
		task.ExcludedUserID = &ex
	}
	if err := insertTaskTx(ctx, tx, task); err != nil {
		return models.Task{}, err
	}
	if err := tx.Commit(ctx); err != nil {
		return models.Task{}, fmt.Errorf("commit: %w", err)
	}
	return task, nil
}

func (s *Postgres) GetTask(ctx context.Context, id string) (models.Task, error) {
	row := s.pool.QueryRow(ctx, `SELECT `+taskColumns+` FROM tasks WHERE id = $1`, id)
	task, err := scanTask(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return models.Task{}, models.ErrNotFound
	}
	return task, err
}

func (s *Postgres) ReviewTask(ctx context.Context, taskID string, approve bool, now time.Time) (models.Task, error) {
	adminStatus, status := models.AdminApproved, models.TaskPending
	if !approve {
		adminStatus, status = models.AdminRejected, models.TaskRejectedByAdmin
	}
	row := s.pool.QueryRow(ctx, `
		UPDATE tasks SET admin_status = $2, status = $3, updated_at = $4
		WHERE id = $1 AND admin_status = $5
		RETURNING `+taskColumns, taskID, adminStatus, status, now, models.AdminPending)
	task, err := scanTask(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return models.Task{}, s.taskTransitionErr(ctx, taskID)
	}
	return task, err
}

// ClaimableTasks surfaces open pools: priority descending, oldest first.
func (s *Postgres) ClaimableTasks(ctx context.Context, limit int) ([]models.Task, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.pool.Query(ctx, `
		SELECT `+taskColumns+` FROM tasks
		WHERE admin_status = $1 AND status IN ($2, $3) AND remaining_quantity > 0
		ORDER BY CASE priority WHEN 'critical' THEN 2 WHEN 'urgent' THEN 1 ELSE 0 END DESC, created_at ASC
		LIMIT $4
	`, models.AdminApproved, models.TaskPending, models.TaskInProgress, limit)
	if err != nil {
		return nil, fmt.Errorf("query claimable tasks: %w", err)
	}
	defer rows.Close()

	var out []models.Task
	for rows.Next() {
		task, err := scanTask(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, task)
	}
	return out, rows.Err()
}

func (s *Postgres) ActiveLeaseCount(ctx context.Context, taskID string) (int, error) {
	var n int
	err := s.pool.QueryRow(ctx, `
		SELECT COUNT(*) FROM task_executions WHERE task_id = $1 AND status IN ($2, $3)
	`, taskID, models.LeasePending, models.LeaseSubmitted).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("count active leases: %w", err)
	}
	return n, nil
}

// ClaimTask grants a lease through a single conditional commit: the capacity
// check and decrement are one UPDATE, and the partial unique index on active
// leases backs the one-active-lease-per-worker rule under races.
func (s *Postgres) ClaimTask(ctx context.Context, p ClaimParams) (models.Lease, error) {
	tx, err := s.begin(ctx)
	if err != nil {
		return models.Lease{}, err
	}
	defer tx.Rollback(ctx)

	row := tx.QueryRow(ctx, `SELECT `+taskColumns+` FROM tasks WHERE id = $1`, p.TaskID)
	task, err := scanTask(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return models.Lease{}, models.ErrNotFound
	}
	if err != nil {
		return models.Lease{}, err
	}
	if !models.TaskClaimable(task) {
		return models.Lease{}, models.ErrNotClaimable
	}
	if task.ExcludedUserID != nil && *task.ExcludedUserID == p.UserID {
		return models.Lease{}, models.ErrSelfExclusion
	}

	var active bool
	err = tx.QueryRow(ctx, `
		SELECT EXISTS(SELECT 1 FROM task_executions WHERE task_id = $1 AND user_id = $2 AND status IN ($3, $4))
	`, p.TaskID, p.UserID, models.LeasePending, models.LeaseSubmitted).Scan(&active)
	if err != nil {
		return models.Lease{}, fmt.Errorf("check active lease: %w", err)
	}
	if active {
		return models.Lease{}, models.ErrAlreadyActive
	}

	tag, err := tx.Exec(ctx, `
		UPDATE tasks SET
			remaining_quantity = remaining_quantity - 1,
			status = CASE WHEN status = $2 THEN $3 ELSE status END,
			updated_at = $4
		WHERE id = $1 AND remaining_quantity > 0 AND admin_status = $5 AND status IN ($2, $3)
	`, p.TaskID, models.TaskPending, models.TaskInProgress, p.Now, models.AdminApproved)
	if err != nil {
		return models.Lease{}, fmt.Errorf("reserve capacity: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return models.Lease{}, models.ErrNoCapacity
	}

	lease := models.Lease{
		ID:         uuid.New().String(),
		TaskID:     p.TaskID,
		UserID:     p.UserID,
		Status:     models.LeasePending,
		ReservedAt: p.Now,
		ExpiresAt:  p.Now.Add(p.TTL),
		IPAddress:  p.IPAddress,
		UserAgent:  p.UserAgent,
	}
	_, err = tx.Exec(ctx, `
		INSERT INTO task_executions (id, task_id, user_id, status, reserved_at, expires_at, payout_processed, ip_address, user_agent)
		VALUES ($1, $2, $3, $4, $5, $6, FALSE, $7, $8)
	`, lease.ID, lease.TaskID, lease.UserID, lease.Status, lease.ReservedAt, lease.ExpiresAt, lease.IPAddress, lease.UserAgent)
	if err != nil {
		if isUniqueViolation(err) {
			return models.Lease{}, models.ErrAlreadyActive
		}
		return models.Lease{}, fmt.Errorf("insert lease: %w", err)
	}
	if err := tx.Commit(ctx); err != nil {
		return models.Lease{}, fmt.Errorf("commit: %w", err)
	}
	return lease, nil
}

func (s *Postgres) taskTransitionErr(ctx context.Context, taskID string) error {
	var exists bool
	if err := s.pool.QueryRow(ctx, `SELECT EXISTS(SELECT 1 FROM tasks WHERE id = $1)`, taskID).Scan(&exists); err != nil {
		return fmt.Errorf("check task: %w", err)
	}
	if !exists {
		return models.ErrNotFound
	}
	return models.ErrConflict
}

func scanTask(row pgx.Row) (models.Task, error) {
	var t models.Task
	var orderID, excluded, target pgtype.Text
	if err := row.Scan(&t.ID, &orderID, &excluded, &t.Type, &t.Platform, &target, &t.Quantity,
		&t.RemainingQuantity, &t.CompletedQuantity, &t.Rate, &t.Status, &t.AdminStatus, &t.Priority,
		&t.CreatedAt, &t.UpdatedAt); err != nil {
		return models.Task{}, err
	}
	t.OrderID = textPtr(orderID)
	t.ExcludedUserID = textPtr(excluded)
	if target.Valid {
		t.TargetURL = target.String
	}
	return t, nil
}
