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

func (s *Postgres) EnsureUser(ctx context.Context, userID string) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO users (id, balance) VALUES ($1, 0)
		ON CONFLICT (id) DO NOTHING
	`, userID)
	if err != nil {
		return fmt.Errorf("ensure user: %w", err)
	}
	return nil
}

func (s *Postgres) Balance(ctx context.Context, userID string) (decimal.Decimal, error) {
	var balance decimal.Decimal
	err := s.pool.QueryRow(ctx, `SELECT balance FROM users WHERE id = $1`, userID).Scan(&balance)
	if errors.Is(err, pgx.ErrNoRows) {
		return decimal.Zero, models.ErrNotFound
	}
	if err != nil {
		return decimal.Zero, fmt.Errorf("query balance: %w", err)
	}
	return balance, nil
}

// AppendTransaction locks the user row, computes before/after snapshots, and
// writes both the new balance and the transaction. The row lock is the
// per-user critical section that keeps the chain serial.
func (s *Postgres) AppendTransaction(ctx context.Context, p TransactionParams) (models.Transaction, error) {
	tx, err := s.begin(ctx)
	if err != nil {
		return models.Transaction{}, err
	}
	defer tx.Rollback(ctx) // safe no-op on commit

	txn, err := appendTransactionTx(ctx, tx, p)
	if err != nil {
		return models.Transaction{}, err
	}
	if err := tx.Commit(ctx); err != nil {
		return models.Transaction{}, fmt.Errorf("commit: %w", err)
	}
	return txn, nil
}

// appendTransactionTx is the shared in-transaction ledger append used by
// every primitive that moves money.
func appendTransactionTx(ctx context.Context, tx pgx.Tx, p TransactionParams) (models.Transaction, error) {
	var before decimal.Decimal
	err := tx.QueryRow(ctx, `SELECT balance FROM users WHERE id = $1 FOR UPDATE`, p.UserID).Scan(&before)
	if errors.Is(err, pgx.ErrNoRows) {
		return models.Transaction{}, models.ErrNotFound
	}
	if err != nil {
		return models.Transaction{}, fmt.Errorf("lock user: %w", err)
	}

	delta := p.Amount
	if models.TxSign(p.Type) < 0 {
		delta = p.Amount.Neg()
	}
	after := before.Add(delta)
	if after.IsNegative() {
		return models.Transaction{}, models.ErrInsufficientBalance
	}

	if _, err := tx.Exec(ctx, `UPDATE users SET balance = $2 WHERE id = $1`, p.UserID, after); err != nil {
		return models.Transaction{}, fmt.Errorf("update balance: %w", err)
	}

	meta, err := marshalMeta(p.Metadata)
	if err != nil {
		return models.Transaction{}, err
	}
	status := p.Status
	if status == "" {
		status = models.TxCompleted
	}
	now := p.Now
	if now.IsZero() {
		now = time.Now().UTC()
	}

	txn := models.Transaction{
		ID:            uuid.New().String(),
		UserID:        p.UserID,
		Type:          p.Type,
		Amount:        p.Amount,
		BalanceBefore: before,
		BalanceAfter:  after,
		Status:        status,
		Metadata:      p.Metadata,
		CreatedAt:     now,
	}
	if p.ReferenceID != "" {
		ref := p.ReferenceID
		txn.ReferenceID = &ref
	}

	_, err = tx.Exec(ctx, `
		INSERT INTO transactions (id, user_id, type, amount, balance_before, balance_after, status, reference_id, metadata, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
	`, txn.ID, txn.UserID, txn.Type, txn.Amount, txn.BalanceBefore, txn.BalanceAfter, txn.Status, txn.ReferenceID, meta, txn.CreatedAt)
	if err != nil {
		return models.Transaction{}, fmt.Errorf("insert transaction: %w", err)
	}
	return txn, nil
}

func (s *Postgres) Transactions(ctx context.Context, userID string, limit int) ([]models.Transaction, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.pool.Query(ctx, `
		SELECT id, user_id, type, amount, balance_before, balance_after, status, reference_id, metadata, created_at
		FROM transactions WHERE user_id = $1
		ORDER BY seq DESC LIMIT $2
	`, userID, limit)
	if err != nil {
		return nil, fmt.Errorf("query transactions: %w", err)
	}
	defer rows.Close()

	var out []models.Transaction
	for rows.Next() {
		txn, err := scanTransaction(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, txn)
	}
	return out, rows.Err()
}

func (s *Postgres) GetTransaction(ctx context.Context, id string) (models.Transaction, error) {
	row := s.pool.QueryRow(ctx, `
		SELECT id, user_id, type, amount, balance_before, balance_after, status, reference_id, metadata, created_at
		FROM transactions WHERE id = $1
	`, id)
	txn, err := scanTransaction(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return models.Transaction{}, models.ErrNotFound
	}
	return txn, err
}

// FinalizeWithdrawal completes or reverses a pending withdrawal. A reversal
// appends a refund transaction for exactly the amount removed, keeping the
// chain intact.
func (s *Postgres) FinalizeWithdrawal(ctx context.Context, txID string, approve bool, now time.Time) (models.Transaction, error) {
	tx, err := s.begin(ctx)
	if err != nil {
		return models.Transaction{}, err
	}
	defer tx.Rollback(ctx)

	row := tx.QueryRow(ctx, `
		SELECT id, user_id, type, amount, balance_before, balance_after, status, reference_id, metadata, created_at
		FROM transactions WHERE id = $1 FOR UPDATE
	`, txID)
	txn, err := scanTransaction(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return models.Transaction{}, models.ErrNotFound
	}
	if err != nil {
		return models.Transaction{}, err
	}
	if txn.Type != models.TxWithdrawal || txn.Status != models.TxPending {
		return models.Transaction{}, models.ErrConflict
	}

	status := models.TxCompleted
	if !approve {
		status = models.TxFailed
		if _, err := appendTransactionTx(ctx, tx, TransactionParams{
			UserID:      txn.UserID,
			Type:        models.TxRefund,
			Amount:      txn.Amount,
			ReferenceID: txn.ID,
			Metadata:    map[string]any{"reason": "withdrawal_rejected"},
			Now:         now,
		}); err != nil {
			return models.Transaction{}, err
		}
	}
	if _, err := tx.Exec(ctx, `UPDATE transactions SET status = $2 WHERE id = $1`, txID, status); err != nil {
		return models.Transaction{}, fmt.Errorf("finalize withdrawal: %w", err)
	}
	if err := tx.Commit(ctx); err != nil {
		return models.Transaction{}, fmt.Errorf("commit: %w", err)
	}
	txn.Status = status
	return txn, nil
}

func scanTransaction(row pgx.Row) (models.Transaction, error) {
	var txn models.Transaction
	var ref pgtype.Text
	var meta []byte
	if err := row.Scan(&txn.ID, &txn.UserID, &txn.Type, &txn.Amount, &txn.BalanceBefore, &txn.BalanceAfter, &txn.Status, &ref, &meta, &txn.CreatedAt); err != nil {
		return models.Transaction{}, err
	}
	txn.ReferenceID = textPtr(ref)
	m, err := unmarshalMeta(meta)
	if err != nil {
		return models.Transaction{}, err
	}
	txn.Metadata = m
	return txn, nil
}
