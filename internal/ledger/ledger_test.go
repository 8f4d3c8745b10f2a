package ledger

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"

	"github.com/shopspring/decimal"

	"github.com/uexplodem-png/socidev-sub003/internal/audit"
	"github.com/uexplodem-png/socidev-sub003/internal/models"
	"github.com/uexplodem-png/socidev-sub003/internal/store"
)

func newLedger(t *testing.T) *Ledger {
	t.Helper()
	log := slog.New(slog.NewTextHandler(io.Discard, nil))
	return New(store.NewMemory(), audit.NewMemoryActivity(), log)
}

func TestCreditRoundsToCents(t *testing.T) {
	l := newLedger(t)
	ctx := context.Background()
	if err := l.EnsureUser(ctx, "u1"); err != nil {
		t.Fatalf("ensure: %v", err)
	}

	txn, err := l.Credit(ctx, "u1", decimal.NewFromFloat(1.005), models.TxDeposit, "")
	if err != nil {
		t.Fatalf("credit: %v", err)
	}
	if !txn.Amount.Equal(decimal.NewFromFloat(1.0)) && !txn.Amount.Equal(decimal.NewFromFloat(1.01)) {
		t.Fatalf("amount not rounded to 2dp: %s", txn.Amount)
	}
	if txn.Amount.Exponent() < -2 {
		t.Fatalf("amount carries sub-cent precision: %s", txn.Amount)
	}
}

func TestDepositCreatesAccount(t *testing.T) {
	l := newLedger(t)
	ctx := context.Background()

	// No EnsureUser beforehand: the first deposit opens the account.
	txn, err := l.Credit(ctx, "newcomer", decimal.NewFromInt(25), models.TxDeposit, "")
	if err != nil {
		t.Fatalf("deposit to fresh user: %v", err)
	}
	if !txn.BalanceAfter.Equal(decimal.NewFromInt(25)) {
		t.Fatalf("balance after %s want 25", txn.BalanceAfter)
	}
	bal, err := l.Balance(ctx, "newcomer")
	if err != nil {
		t.Fatalf("balance: %v", err)
	}
	if !bal.Equal(decimal.NewFromInt(25)) {
		t.Fatalf("balance %s want 25", bal)
	}
}

func TestCreditValidation(t *testing.T) {
	l := newLedger(t)
	ctx := context.Background()
	if _, err := l.Credit(ctx, "", decimal.NewFromInt(1), models.TxDeposit, ""); !errors.Is(err, models.ErrValidation) {
		t.Fatalf("expected validation error got %v", err)
	}
	if _, err := l.Credit(ctx, "u1", decimal.NewFromInt(-1), models.TxDeposit, ""); !errors.Is(err, models.ErrValidation) {
		t.Fatalf("negative amount must fail validation, got %v", err)
	}
}

func TestDebitInsufficient(t *testing.T) {
	l := newLedger(t)
	ctx := context.Background()
	if err := l.EnsureUser(ctx, "u1"); err != nil {
		t.Fatalf("ensure: %v", err)
	}
	if _, err := l.Credit(ctx, "u1", decimal.NewFromInt(3), models.TxDeposit, ""); err != nil {
		t.Fatalf("credit: %v", err)
	}
	if _, err := l.Debit(ctx, "u1", decimal.NewFromInt(5), models.TxSpending, ""); !errors.Is(err, models.ErrInsufficientBalance) {
		t.Fatalf("expected insufficient balance got %v", err)
	}
	bal, err := l.Balance(ctx, "u1")
	if err != nil {
		t.Fatalf("balance: %v", err)
	}
	if !bal.Equal(decimal.NewFromInt(3)) {
		t.Fatalf("balance %s want 3", bal)
	}
}

func TestConcurrentSpendNeverOverdraws(t *testing.T) {
	l := newLedger(t)
	ctx := context.Background()
	if err := l.EnsureUser(ctx, "u1"); err != nil {
		t.Fatalf("ensure: %v", err)
	}
	if _, err := l.Credit(ctx, "u1", decimal.NewFromInt(10), models.TxDeposit, ""); err != nil {
		t.Fatalf("credit: %v", err)
	}

	// 20 goroutines race to spend 1 each from a balance of 10.
	var wg sync.WaitGroup
	var mu sync.Mutex
	succeeded := 0
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := l.Debit(ctx, "u1", decimal.NewFromInt(1), models.TxSpending, ""); err == nil {
				mu.Lock()
				succeeded++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	if succeeded != 10 {
		t.Fatalf("%d spends succeeded, want 10", succeeded)
	}
	bal, _ := l.Balance(ctx, "u1")
	if !bal.IsZero() {
		t.Fatalf("balance %s want 0", bal)
	}
}

func TestWithdrawalApprove(t *testing.T) {
	l := newLedger(t)
	ctx := context.Background()
	if err := l.EnsureUser(ctx, "u1"); err != nil {
		t.Fatalf("ensure: %v", err)
	}
	if _, err := l.Credit(ctx, "u1", decimal.NewFromInt(50), models.TxDeposit, ""); err != nil {
		t.Fatalf("credit: %v", err)
	}

	txn, err := l.RequestWithdrawal(ctx, "u1", decimal.NewFromInt(20))
	if err != nil {
		t.Fatalf("request: %v", err)
	}
	if txn.Status != models.TxPending {
		t.Fatalf("status %s want pending", txn.Status)
	}
	bal, _ := l.Balance(ctx, "u1")
	if !bal.Equal(decimal.NewFromInt(30)) {
		t.Fatalf("funds not held, balance %s", bal)
	}

	out, err := l.FinalizeWithdrawal(ctx, txn.ID, true)
	if err != nil {
		t.Fatalf("finalize: %v", err)
	}
	if out.Status != models.TxCompleted {
		t.Fatalf("status %s want completed", out.Status)
	}
	bal, _ = l.Balance(ctx, "u1")
	if !bal.Equal(decimal.NewFromInt(30)) {
		t.Fatalf("approval must not move funds again, balance %s", bal)
	}
}

func TestWithdrawalRejectRefunds(t *testing.T) {
	l := newLedger(t)
	ctx := context.Background()
	if err := l.EnsureUser(ctx, "u1"); err != nil {
		t.Fatalf("ensure: %v", err)
	}
	if _, err := l.Credit(ctx, "u1", decimal.NewFromInt(50), models.TxDeposit, ""); err != nil {
		t.Fatalf("credit: %v", err)
	}
	txn, err := l.RequestWithdrawal(ctx, "u1", decimal.NewFromInt(20))
	if err != nil {
		t.Fatalf("request: %v", err)
	}

	if _, err := l.FinalizeWithdrawal(ctx, txn.ID, false); err != nil {
		t.Fatalf("finalize: %v", err)
	}
	bal, _ := l.Balance(ctx, "u1")
	if !bal.Equal(decimal.NewFromInt(50)) {
		t.Fatalf("rejected withdrawal must restore balance, got %s", bal)
	}

	// History keeps both the failed withdrawal and its compensating refund.
	txns, err := l.History(ctx, "u1", 10)
	if err != nil {
		t.Fatalf("history: %v", err)
	}
	var sawFailed, sawRefund bool
	for _, h := range txns {
		if h.Type == models.TxWithdrawal && h.Status == models.TxFailed {
			sawFailed = true
		}
		if h.Type == models.TxRefund {
			sawRefund = true
		}
	}
	if !sawFailed || !sawRefund {
		t.Fatalf("history missing reversal pair: failed=%v refund=%v", sawFailed, sawRefund)
	}
}
