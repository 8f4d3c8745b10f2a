package store

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgtype"

	"github.com/uexplodem-png/socidev-sub003/internal/models"
)

const leaseColumns = `id, task_id, user_id, status, reserved_at, expires_at, submitted_at, proof_url,
	submission_notes, admin_notes, reviewed_at, reviewed_by, payout_processed, ip_address, user_agent`

func (s *Postgres) GetLease(ctx context.Context, id string) (models.Lease, error) {
	row := s.pool.QueryRow(ctx, `SELECT `+leaseColumns+` FROM task_executions WHERE id = $1`, id)
	lease, err := scanLease(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return models.Lease{}, models.ErrNotFound
	}
	return lease, err
}

// SubmitLease records proof inside the submission window. A late submission
// is never silently accepted: the lease is expired on the spot, its capacity
// released, and ErrLeaseExpired returned.
func (s *Postgres) SubmitLease(ctx context.Context, leaseID, proofURL, notes string, now time.Time) (models.Lease, error) {
	tx, err := s.begin(ctx)
	if err != nil {
		return models.Lease{}, err
	}
	defer tx.Rollback(ctx)

	row := tx.QueryRow(ctx, `SELECT `+leaseColumns+` FROM task_executions WHERE id = $1 FOR UPDATE`, leaseID)
	lease, err := scanLease(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return models.Lease{}, models.ErrNotFound
	}
	if err != nil {
		return models.Lease{}, err
	}
	if lease.Status != models.LeasePending {
		if lease.Status == models.LeaseExpired {
			return models.Lease{}, models.ErrLeaseExpired
		}
		return models.Lease{}, models.ErrConflict
	}

	if !now.Before(lease.ExpiresAt) {
		if err := expireLeaseTx(ctx, tx, lease, now); err != nil {
			return models.Lease{}, err
		}
		if err := tx.Commit(ctx); err != nil {
			return models.Lease{}, fmt.Errorf("commit: %w", err)
		}
		return models.Lease{}, models.ErrLeaseExpired
	}

	_, err = tx.Exec(ctx, `
		UPDATE task_executions SET status = $2, submitted_at = $3, proof_url = $4, submission_notes = $5
		WHERE id = $1
	`, leaseID, models.LeaseSubmitted, now, proofURL, notes)
	if err != nil {
		return models.Lease{}, fmt.Errorf("submit lease: %w", err)
	}
	if err := tx.Commit(ctx); err != nil {
		return models.Lease{}, fmt.Errorf("commit: %w", err)
	}
	lease.Status = models.LeaseSubmitted
	lease.SubmittedAt = &now
	lease.ProofURL = proofURL
	lease.SubmissionNotes = notes
	return lease, nil
}

// PendingExpired lists reaper candidates. Each one is then expired through
// its own guarded transition, so the sweep tolerates concurrent submits.
func (s *Postgres) PendingExpired(ctx context.Context, now time.Time, limit int) ([]string, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.pool.Query(ctx, `
		SELECT id FROM task_executions WHERE status = $1 AND expires_at < $2
		ORDER BY expires_at LIMIT $3
	`, models.LeasePending, now, limit)
	if err != nil {
		return nil, fmt.Errorf("query expired leases: %w", err)
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

// ExpireLease transitions a single stale lease and returns its unit of
// capacity. The status+deadline guard makes concurrent sweeps idempotent.
func (s *Postgres) ExpireLease(ctx context.Context, leaseID string, now time.Time) (bool, error) {
	tx, err := s.begin(ctx)
	if err != nil {
		return false, err
	}
	defer tx.Rollback(ctx)

	var taskID string
	err = tx.QueryRow(ctx, `
		UPDATE task_executions SET status = $2
		WHERE id = $1 AND status = $3 AND expires_at < $4
		RETURNING task_id
	`, leaseID, models.LeaseExpired, models.LeasePending, now).Scan(&taskID)
	if errors.Is(err, pgx.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("expire lease: %w", err)
	}
	if err := releaseCapacityTx(ctx, tx, taskID, now); err != nil {
		return false, err
	}
	if err := tx.Commit(ctx); err != nil {
		return false, fmt.Errorf("commit: %w", err)
	}
	return true, nil
}

func expireLeaseTx(ctx context.Context, tx pgx.Tx, lease models.Lease, now time.Time) error {
	tag, err := tx.Exec(ctx, `
		UPDATE task_executions SET status = $2 WHERE id = $1 AND status = $3
	`, lease.ID, models.LeaseExpired, models.LeasePending)
	if err != nil {
		return fmt.Errorf("expire lease: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return nil
	}
	return releaseCapacityTx(ctx, tx, lease.TaskID, now)
}

func releaseCapacityTx(ctx context.Context, tx pgx.Tx, taskID string, now time.Time) error {
	_, err := tx.Exec(ctx, `
		UPDATE tasks SET remaining_quantity = remaining_quantity + 1, updated_at = $2 WHERE id = $1
	`, taskID, now)
	if err != nil {
		return fmt.Errorf("release capacity: %w", err)
	}
	return nil
}

// ApproveLease is the payout unit: status flip, payout_processed false->true,
// earning credit, and task completion accounting commit together or not at
// all. An already-terminal lease yields Applied=false with no side effects.
func (s *Postgres) ApproveLease(ctx context.Context, p ReviewParams) (ReviewResult, error) {
	tx, err := s.begin(ctx)
	if err != nil {
		return ReviewResult{}, err
	}
	defer tx.Rollback(ctx)

	row := tx.QueryRow(ctx, `SELECT `+leaseColumns+` FROM task_executions WHERE id = $1 FOR UPDATE`, p.LeaseID)
	lease, err := scanLease(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return ReviewResult{}, models.ErrNotFound
	}
	if err != nil {
		return ReviewResult{}, err
	}

	taskRow := tx.QueryRow(ctx, `SELECT `+taskColumns+` FROM tasks WHERE id = $1 FOR UPDATE`, lease.TaskID)
	task, err := scanTask(taskRow)
	if err != nil {
		return ReviewResult{}, fmt.Errorf("load task: %w", err)
	}

	if models.LeaseTerminal(lease.Status) {
		return ReviewResult{Lease: lease, Task: task}, nil
	}
	if lease.Status != models.LeaseSubmitted {
		return ReviewResult{}, models.ErrConflict
	}
	if lease.PayoutProcessed {
		return ReviewResult{}, fmt.Errorf("%w: payout already processed for lease %s", models.ErrInvariant, lease.ID)
	}

	_, err = tx.Exec(ctx, `
		UPDATE task_executions SET status = $2, reviewed_at = $3, reviewed_by = $4, admin_notes = $5, payout_processed = TRUE
		WHERE id = $1
	`, lease.ID, models.LeaseApproved, p.Now, p.ReviewerID, p.Notes)
	if err != nil {
		return ReviewResult{}, fmt.Errorf("approve lease: %w", err)
	}

	if _, err := appendTransactionTx(ctx, tx, TransactionParams{
		UserID:      lease.UserID,
		Type:        models.TxEarning,
		Amount:      task.Rate.Round(2),
		ReferenceID: lease.ID,
		Metadata:    map[string]any{"task_id": task.ID},
		Now:         p.Now,
	}); err != nil {
		return ReviewResult{}, err
	}

	row = tx.QueryRow(ctx, `
		UPDATE tasks SET
			completed_quantity = completed_quantity + 1,
			status = CASE WHEN completed_quantity + 1 >= quantity THEN $2 ELSE status END,
			updated_at = $3
		WHERE id = $1
		RETURNING `+taskColumns, task.ID, models.TaskCompleted, p.Now)
	task, err = scanTask(row)
	if err != nil {
		return ReviewResult{}, fmt.Errorf("commit completion: %w", err)
	}
	if err := tx.Commit(ctx); err != nil {
		return ReviewResult{}, fmt.Errorf("commit: %w", err)
	}

	lease.Status = models.LeaseApproved
	lease.ReviewedAt = &p.Now
	reviewer := p.ReviewerID
	lease.ReviewedBy = &reviewer
	lease.AdminNotes = p.Notes
	lease.PayoutProcessed = true
	return ReviewResult{Lease: lease, Task: task, Applied: true}, nil
}

// RejectLease turns a submission down and returns its capacity. No payout.
func (s *Postgres) RejectLease(ctx context.Context, p ReviewParams) (ReviewResult, error) {
	tx, err := s.begin(ctx)
	if err != nil {
		return ReviewResult{}, err
	}
	defer tx.Rollback(ctx)

	row := tx.QueryRow(ctx, `SELECT `+leaseColumns+` FROM task_executions WHERE id = $1 FOR UPDATE`, p.LeaseID)
	lease, err := scanLease(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return ReviewResult{}, models.ErrNotFound
	}
	if err != nil {
		return ReviewResult{}, err
	}

	taskRow := tx.QueryRow(ctx, `SELECT `+taskColumns+` FROM tasks WHERE id = $1 FOR UPDATE`, lease.TaskID)
	task, err := scanTask(taskRow)
	if err != nil {
		return ReviewResult{}, fmt.Errorf("load task: %w", err)
	}

	if models.LeaseTerminal(lease.Status) {
		return ReviewResult{Lease: lease, Task: task}, nil
	}
	if lease.Status != models.LeaseSubmitted {
		return ReviewResult{}, models.ErrConflict
	}

	_, err = tx.Exec(ctx, `
		UPDATE task_executions SET status = $2, reviewed_at = $3, reviewed_by = $4, admin_notes = $5
		WHERE id = $1
	`, lease.ID, models.LeaseRejected, p.Now, p.ReviewerID, p.Notes)
	if err != nil {
		return ReviewResult{}, fmt.Errorf("reject lease: %w", err)
	}
	if err := releaseCapacityTx(ctx, tx, lease.TaskID, p.Now); err != nil {
		return ReviewResult{}, err
	}
	if err := tx.Commit(ctx); err != nil {
		return ReviewResult{}, fmt.Errorf("commit: %w", err)
	}

	lease.Status = models.LeaseRejected
	lease.ReviewedAt = &p.Now
	reviewer := p.ReviewerID
	lease.ReviewedBy = &reviewer
	lease.AdminNotes = p.Notes
	task.RemainingQuantity++
	return ReviewResult{Lease: lease, Task: task, Applied: true}, nil
}

func (s *Postgres) ListLeases(ctx context.Context, f LeaseFilter) ([]models.Lease, error) {
	where := []string{"TRUE"}
	args := []any{}
	if f.Status != "" {
		args = append(args, f.Status)
		where = append(where, "status = $"+strconv.Itoa(len(args)))
	}
	if f.TaskID != "" {
		args = append(args, f.TaskID)
		where = append(where, "task_id = $"+strconv.Itoa(len(args)))
	}
	if !f.From.IsZero() {
		args = append(args, f.From)
		where = append(where, "reserved_at >= $"+strconv.Itoa(len(args)))
	}
	if !f.To.IsZero() {
		args = append(args, f.To)
		where = append(where, "reserved_at < $"+strconv.Itoa(len(args)))
	}
	limit := f.Limit
	if limit <= 0 {
		limit = 100
	}
	args = append(args, limit)

	rows, err := s.pool.Query(ctx, `
		SELECT `+leaseColumns+` FROM task_executions
		WHERE `+strings.Join(where, " AND ")+`
		ORDER BY reserved_at ASC LIMIT $`+strconv.Itoa(len(args)), args...)
	if err != nil {
		return nil, fmt.Errorf("query leases: %w", err)
	}
	defer rows.Close()

	var out []models.Lease
	for rows.Next() {
		lease, err := scanLease(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, lease)
	}
	return out, rows.Err()
}

func scanLease(row pgx.Row) (models.Lease, error) {
	var l models.Lease
	var submitted, reviewed pgtype.Timestamptz
	var reviewedBy, proof, subNotes, adminNotes, ip, ua pgtype.Text
	if err := row.Scan(&l.ID, &l.TaskID, &l.UserID, &l.Status, &l.ReservedAt, &l.ExpiresAt,
		&submitted, &proof, &subNotes, &adminNotes, &reviewed, &reviewedBy,
		&l.PayoutProcessed, &ip, &ua); err != nil {
		return models.Lease{}, err
	}
	if submitted.Valid {
		t := submitted.Time
		l.SubmittedAt = &t
	}
	if reviewed.Valid {
		t := reviewed.Time
		l.ReviewedAt = &t
	}
	l.ReviewedBy = textPtr(reviewedBy)
	l.ProofURL = proof.String
	l.SubmissionNotes = subNotes.String
	l.AdminNotes = adminNotes.String
	l.IPAddress = ip.String
	l.UserAgent = ua.String
	return l, nil
}
