// Package ledger owns user balances. Every balance move is an appended
// transaction with before/after snapshots; per-user serialization lives in
// the store primitive, never here.
package ledger

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/shopspring/decimal"

	"github.com/uexplodem-png/socidev-sub003/internal/audit"
	"github.com/uexplodem-png/socidev-sub003/internal/models"
	"github.com/uexplodem-png/socidev-sub003/internal/store"
)

type Ledger struct {
	store    store.Store
	activity audit.ActivitySink
	log      *slog.Logger
}

func New(st store.Store, activity audit.ActivitySink, log *slog.Logger) *Ledger {
	return &Ledger{store: st, activity: activity, log: log}
}

// Credit adds funds for the given reason. Amount must be positive; the type
// carries the direction.
func (l *Ledger) Credit(ctx context.Context, userID string, amount decimal.Decimal, txType, referenceID string) (models.Transaction, error) {
	if userID == "" || !amount.IsPositive() {
		return models.Transaction{}, models.ErrValidation
	}
	// Deposits are the funding entry point; a first deposit creates the
	// account it lands in.
	if txType == models.TxDeposit {
		if err := l.store.EnsureUser(ctx, userID); err != nil {
			return models.Transaction{}, err
		}
	}
	txn, err := l.store.AppendTransaction(ctx, store.TransactionParams{
		UserID:      userID,
		Type:        txType,
		Amount:      amount.Round(2),
		ReferenceID: referenceID,
		Now:         time.Now().UTC(),
	})
	if err != nil {
		return models.Transaction{}, err
	}
	l.activity.Record(ctx, userID, "balance", "credit", map[string]any{
		"type": txType, "amount": amount.StringFixed(2), "transaction_id": txn.ID,
	})
	return txn, nil
}

// Debit removes funds; fails with ErrInsufficientBalance rather than letting
// the balance go negative.
func (l *Ledger) Debit(ctx context.Context, userID string, amount decimal.Decimal, txType, referenceID string) (models.Transaction, error) {
	if userID == "" || !amount.IsPositive() {
		return models.Transaction{}, models.ErrValidation
	}
	txn, err := l.store.AppendTransaction(ctx, store.TransactionParams{
		UserID:      userID,
		Type:        txType,
		Amount:      amount.Round(2),
		ReferenceID: referenceID,
		Now:         time.Now().UTC(),
	})
	if err != nil {
		return models.Transaction{}, err
	}
	l.activity.Record(ctx, userID, "balance", "debit", map[string]any{
		"type": txType, "amount": amount.StringFixed(2), "transaction_id": txn.ID,
	})
	return txn, nil
}

// RequestWithdrawal removes the funds immediately as a pending debit, so the
// same money cannot be withdrawn twice while an admin reviews the request.
func (l *Ledger) RequestWithdrawal(ctx context.Context, userID string, amount decimal.Decimal) (models.Transaction, error) {
	if userID == "" || !amount.IsPositive() {
		return models.Transaction{}, models.ErrValidation
	}
	txn, err := l.store.AppendTransaction(ctx, store.TransactionParams{
		UserID: userID,
		Type:   models.TxWithdrawal,
		Amount: amount.Round(2),
		Status: models.TxPending,
		Now:    time.Now().UTC(),
	})
	if err != nil {
		return models.Transaction{}, err
	}
	l.activity.Record(ctx, userID, "withdrawal", "requested", map[string]any{
		"amount": amount.StringFixed(2), "transaction_id": txn.ID,
	})
	return txn, nil
}

// FinalizeWithdrawal completes an approved withdrawal or reverses a rejected
// one by crediting back exactly the amount removed.
func (l *Ledger) FinalizeWithdrawal(ctx context.Context, txID string, approve bool) (models.Transaction, error) {
	txn, err := l.store.FinalizeWithdrawal(ctx, txID, approve, time.Now().UTC())
	if err != nil {
		if errors.Is(err, models.ErrInvariant) {
			l.log.Error("withdrawal invariant violation", "transaction_id", txID, "error", err)
		}
		return models.Transaction{}, err
	}
	return txn, nil
}

func (l *Ledger) Balance(ctx context.Context, userID string) (decimal.Decimal, error) {
	return l.store.Balance(ctx, userID)
}

func (l *Ledger) History(ctx context.Context, userID string, limit int) ([]models.Transaction, error) {
	return l.store.Transactions(ctx, userID, limit)
}

func (l *Ledger) EnsureUser(ctx context.Context, userID string) error {
	return l.store.EnsureUser(ctx, userID)
}
