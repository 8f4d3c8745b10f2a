package store

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"github.com/uexplodem-png/socidev-sub003/internal/models"
)

func seedUser(t *testing.T, m *Memory, userID string, balance float64) {
	t.Helper()
	ctx := context.Background()
	if err := m.EnsureUser(ctx, userID); err != nil {
		t.Fatalf("ensure user: %v", err)
	}
	if balance > 0 {
		if _, err := m.AppendTransaction(ctx, TransactionParams{
			UserID: userID,
			Type:   models.TxDeposit,
			Amount: decimal.NewFromFloat(balance),
			Now:    time.Now().UTC(),
		}); err != nil {
			t.Fatalf("seed balance: %v", err)
		}
	}
}

func seedTask(t *testing.T, m *Memory, quantity int, rate float64) models.Task {
	t.Helper()
	task, err := m.CreateTask(context.Background(), TaskParams{
		Type:        "follow",
		Platform:    "instagram",
		TargetURL:   "https://example.com/p",
		Quantity:    quantity,
		Rate:        decimal.NewFromFloat(rate),
		Priority:    models.PriorityNormal,
		AdminStatus: models.AdminApproved,
		Now:         time.Now().UTC(),
	})
	if err != nil {
		t.Fatalf("create task: %v", err)
	}
	return task
}

func claim(t *testing.T, m *Memory, taskID, userID string) models.Lease {
	t.Helper()
	l, err := m.ClaimTask(context.Background(), ClaimParams{
		TaskID: taskID,
		UserID: userID,
		TTL:    time.Minute,
		Now:    time.Now().UTC(),
	})
	if err != nil {
		t.Fatalf("claim: %v", err)
	}
	return l
}

func TestClaimDecrementsCapacity(t *testing.T) {
	m := NewMemory()
	seedUser(t, m, "w1", 0)
	task := seedTask(t, m, 3, 0.5)

	claim(t, m, task.ID, "w1")

	got, err := m.GetTask(context.Background(), task.ID)
	if err != nil {
		t.Fatalf("get task: %v", err)
	}
	if got.RemainingQuantity != 2 {
		t.Fatalf("expected remaining 2 got %d", got.RemainingQuantity)
	}
	if got.Status != models.TaskInProgress {
		t.Fatalf("expected in_progress got %s", got.Status)
	}
}

func TestConcurrentClaimsOnLastUnit(t *testing.T) {
	m := NewMemory()
	task := seedTask(t, m, 1, 0.5)

	const workers = 32
	var wg sync.WaitGroup
	errs := make([]error, workers)
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func(n int) {
			defer wg.Done()
			_, err := m.ClaimTask(context.Background(), ClaimParams{
				TaskID: task.ID,
				UserID: fmt.Sprintf("worker-%d", n),
				TTL:    time.Minute,
				Now:    time.Now().UTC(),
			})
			errs[n] = err
		}(i)
	}
	wg.Wait()

	won := 0
	for _, err := range errs {
		if err == nil {
			won++
		} else if !errors.Is(err, models.ErrNoCapacity) {
			t.Fatalf("unexpected claim error: %v", err)
		}
	}
	if won != 1 {
		t.Fatalf("expected exactly one winner got %d", won)
	}
	got, _ := m.GetTask(context.Background(), task.ID)
	if got.RemainingQuantity != 0 {
		t.Fatalf("remaining should be 0 got %d", got.RemainingQuantity)
	}
}

func TestClaimSelfExclusion(t *testing.T) {
	m := NewMemory()
	task, err := m.CreateTask(context.Background(), TaskParams{
		Type:           "like",
		Platform:       "instagram",
		Quantity:       5,
		Rate:           decimal.NewFromFloat(0.1),
		Priority:       models.PriorityNormal,
		AdminStatus:    models.AdminApproved,
		ExcludedUserID: "buyer",
		Now:            time.Now().UTC(),
	})
	if err != nil {
		t.Fatalf("create task: %v", err)
	}
	_, err = m.ClaimTask(context.Background(), ClaimParams{TaskID: task.ID, UserID: "buyer", TTL: time.Minute, Now: time.Now().UTC()})
	if !errors.Is(err, models.ErrSelfExclusion) {
		t.Fatalf("expected self exclusion got %v", err)
	}
}

func TestClaimSecondActiveLeaseRejected(t *testing.T) {
	m := NewMemory()
	task := seedTask(t, m, 5, 0.1)
	claim(t, m, task.ID, "w1")

	_, err := m.ClaimTask(context.Background(), ClaimParams{TaskID: task.ID, UserID: "w1", TTL: time.Minute, Now: time.Now().UTC()})
	if !errors.Is(err, models.ErrAlreadyActive) {
		t.Fatalf("expected already active got %v", err)
	}

	// A second lease is allowed once the first reaches a terminal state.
	got, _ := m.GetTask(context.Background(), task.ID)
	if got.RemainingQuantity != 4 {
		t.Fatalf("only one unit should be held, remaining %d", got.RemainingQuantity)
	}
}

func TestClaimUnapprovedTask(t *testing.T) {
	m := NewMemory()
	task, err := m.CreateTask(context.Background(), TaskParams{
		Type:     "follow",
		Platform: "twitter",
		Quantity: 1,
		Rate:     decimal.NewFromFloat(0.2),
		Priority: models.PriorityNormal,
		Now:      time.Now().UTC(),
	})
	if err != nil {
		t.Fatalf("create task: %v", err)
	}
	_, err = m.ClaimTask(context.Background(), ClaimParams{TaskID: task.ID, UserID: "w1", TTL: time.Minute, Now: time.Now().UTC()})
	if !errors.Is(err, models.ErrNotClaimable) {
		t.Fatalf("expected not claimable got %v", err)
	}
}

func TestLateSubmitExpiresAndReleases(t *testing.T) {
	m := NewMemory()
	task := seedTask(t, m, 1, 0.5)
	now := time.Now().UTC()

	l, err := m.ClaimTask(context.Background(), ClaimParams{TaskID: task.ID, UserID: "w1", TTL: time.Minute, Now: now})
	if err != nil {
		t.Fatalf("claim: %v", err)
	}

	_, err = m.SubmitLease(context.Background(), l.ID, "https://proof", "", now.Add(2*time.Minute))
	if !errors.Is(err, models.ErrLeaseExpired) {
		t.Fatalf("expected expired got %v", err)
	}

	got, _ := m.GetTask(context.Background(), task.ID)
	if got.RemainingQuantity != 1 {
		t.Fatalf("capacity not released, remaining %d", got.RemainingQuantity)
	}
	lease, _ := m.GetLease(context.Background(), l.ID)
	if lease.Status != models.LeaseExpired {
		t.Fatalf("expected expired status got %s", lease.Status)
	}
}

func TestExpireLeaseReleasesOnce(t *testing.T) {
	m := NewMemory()
	task := seedTask(t, m, 1, 0.5)
	now := time.Now().UTC()
	l, err := m.ClaimTask(context.Background(), ClaimParams{TaskID: task.ID, UserID: "w1", TTL: time.Second, Now: now})
	if err != nil {
		t.Fatalf("claim: %v", err)
	}

	later := now.Add(time.Minute)
	const sweeps = 16
	var wg sync.WaitGroup
	applied := make([]bool, sweeps)
	for i := 0; i < sweeps; i++ {
		wg.Add(1)
		go func(n int) {
			defer wg.Done()
			ok, err := m.ExpireLease(context.Background(), l.ID, later)
			if err != nil {
				t.Errorf("expire: %v", err)
			}
			applied[n] = ok
		}(i)
	}
	wg.Wait()

	count := 0
	for _, ok := range applied {
		if ok {
			count++
		}
	}
	if count != 1 {
		t.Fatalf("capacity released %d times, want 1", count)
	}
	got, _ := m.GetTask(context.Background(), task.ID)
	if got.RemainingQuantity != 1 {
		t.Fatalf("remaining %d after expiry, want 1", got.RemainingQuantity)
	}
}

func TestExpireSkipsSubmittedLease(t *testing.T) {
	m := NewMemory()
	task := seedTask(t, m, 1, 0.5)
	now := time.Now().UTC()
	l, _ := m.ClaimTask(context.Background(), ClaimParams{TaskID: task.ID, UserID: "w1", TTL: time.Minute, Now: now})
	if _, err := m.SubmitLease(context.Background(), l.ID, "https://proof", "", now.Add(time.Second)); err != nil {
		t.Fatalf("submit: %v", err)
	}

	ok, err := m.ExpireLease(context.Background(), l.ID, now.Add(time.Hour))
	if err != nil {
		t.Fatalf("expire: %v", err)
	}
	if ok {
		t.Fatalf("submitted lease must not expire")
	}
}

func TestApproveCreditsExactlyOnce(t *testing.T) {
	m := NewMemory()
	seedUser(t, m, "w1", 0)
	task := seedTask(t, m, 2, 0.5)
	now := time.Now().UTC()
	l, _ := m.ClaimTask(context.Background(), ClaimParams{TaskID: task.ID, UserID: "w1", TTL: time.Minute, Now: now})
	if _, err := m.SubmitLease(context.Background(), l.ID, "https://proof", "", now.Add(time.Second)); err != nil {
		t.Fatalf("submit: %v", err)
	}

	res, err := m.ApproveLease(context.Background(), ReviewParams{LeaseID: l.ID, ReviewerID: "admin", Now: now.Add(2 * time.Second)})
	if err != nil {
		t.Fatalf("approve: %v", err)
	}
	if !res.Applied {
		t.Fatalf("first approve should apply")
	}
	if !res.Lease.PayoutProcessed {
		t.Fatalf("payout flag not set")
	}
	if res.Task.CompletedQuantity != 1 {
		t.Fatalf("completed %d want 1", res.Task.CompletedQuantity)
	}

	// Second approval is an idempotent read, not a second payout.
	res2, err := m.ApproveLease(context.Background(), ReviewParams{LeaseID: l.ID, ReviewerID: "admin", Now: now.Add(3 * time.Second)})
	if err != nil {
		t.Fatalf("re-approve: %v", err)
	}
	if res2.Applied {
		t.Fatalf("re-approve must not apply again")
	}

	bal, _ := m.Balance(context.Background(), "w1")
	if !bal.Equal(decimal.NewFromFloat(0.5)) {
		t.Fatalf("balance %s want 0.5", bal)
	}
}

func TestRejectReleasesCapacity(t *testing.T) {
	m := NewMemory()
	task := seedTask(t, m, 1, 0.5)
	now := time.Now().UTC()
	l, _ := m.ClaimTask(context.Background(), ClaimParams{TaskID: task.ID, UserID: "w1", TTL: time.Minute, Now: now})
	if _, err := m.SubmitLease(context.Background(), l.ID, "https://proof", "", now.Add(time.Second)); err != nil {
		t.Fatalf("submit: %v", err)
	}

	res, err := m.RejectLease(context.Background(), ReviewParams{LeaseID: l.ID, ReviewerID: "admin", Notes: "blurry", Now: now.Add(2 * time.Second)})
	if err != nil {
		t.Fatalf("reject: %v", err)
	}
	if !res.Applied {
		t.Fatalf("reject should apply")
	}
	if res.Task.RemainingQuantity != 1 {
		t.Fatalf("remaining %d want 1", res.Task.RemainingQuantity)
	}

	// Approve after reject is a no-op against the terminal lease.
	res2, err := m.ApproveLease(context.Background(), ReviewParams{LeaseID: l.ID, ReviewerID: "admin", Now: now.Add(3 * time.Second)})
	if err != nil {
		t.Fatalf("approve after reject: %v", err)
	}
	if res2.Applied {
		t.Fatalf("approve after reject must not apply")
	}
	if res2.Lease.Status != models.LeaseRejected {
		t.Fatalf("status %s want rejected", res2.Lease.Status)
	}
}

func TestApprovePendingLeaseConflicts(t *testing.T) {
	m := NewMemory()
	seedUser(t, m, "w1", 0)
	task := seedTask(t, m, 1, 0.5)
	now := time.Now().UTC()
	l, _ := m.ClaimTask(context.Background(), ClaimParams{TaskID: task.ID, UserID: "w1", TTL: time.Minute, Now: now})

	_, err := m.ApproveLease(context.Background(), ReviewParams{LeaseID: l.ID, ReviewerID: "admin", Now: now})
	if !errors.Is(err, models.ErrConflict) {
		t.Fatalf("expected conflict got %v", err)
	}
}

func TestLedgerChainUnderConcurrency(t *testing.T) {
	m := NewMemory()
	seedUser(t, m, "u1", 100)

	// Mixed directions so interleaved snapshots would show up as gaps.
	const deposits, spends = 30, 20
	var wg sync.WaitGroup
	for i := 0; i < deposits+spends; i++ {
		txType := models.TxDeposit
		if i < spends {
			txType = models.TxSpending
		}
		wg.Add(1)
		go func(txType string) {
			defer wg.Done()
			if _, err := m.AppendTransaction(context.Background(), TransactionParams{
				UserID: "u1",
				Type:   txType,
				Amount: decimal.NewFromInt(1),
				Now:    time.Now().UTC(),
			}); err != nil {
				t.Errorf("append: %v", err)
			}
		}(txType)
	}
	wg.Wait()

	bal, _ := m.Balance(context.Background(), "u1")
	if !bal.Equal(decimal.NewFromInt(100 + deposits - spends)) {
		t.Fatalf("balance %s want %d", bal, 100+deposits-spends)
	}

	txns, _ := m.Transactions(context.Background(), "u1", 200)
	if len(txns) != deposits+spends+1 {
		t.Fatalf("got %d transactions want %d", len(txns), deposits+spends+1)
	}
	// Every snapshot is internally consistent even under interleaving.
	for _, txn := range txns {
		delta := txn.Amount
		if models.TxSign(txn.Type) < 0 {
			delta = delta.Neg()
		}
		if !txn.BalanceBefore.Add(delta).Equal(txn.BalanceAfter) {
			t.Fatalf("broken snapshot: %s + %s != %s", txn.BalanceBefore, delta, txn.BalanceAfter)
		}
	}
	// And the snapshots form one serial chain: newest-first, each entry
	// starts where the next older one ended.
	for i := 0; i < len(txns)-1; i++ {
		if !txns[i].BalanceBefore.Equal(txns[i+1].BalanceAfter) {
			t.Fatalf("chain broken at %d: before %s, previous after %s", i, txns[i].BalanceBefore, txns[i+1].BalanceAfter)
		}
	}
}

func TestDebitBelowZeroRejected(t *testing.T) {
	m := NewMemory()
	seedUser(t, m, "u1", 5)

	_, err := m.AppendTransaction(context.Background(), TransactionParams{
		UserID: "u1",
		Type:   models.TxSpending,
		Amount: decimal.NewFromInt(10),
		Now:    time.Now().UTC(),
	})
	if !errors.Is(err, models.ErrInsufficientBalance) {
		t.Fatalf("expected insufficient balance got %v", err)
	}
	bal, _ := m.Balance(context.Background(), "u1")
	if !bal.Equal(decimal.NewFromInt(5)) {
		t.Fatalf("failed debit must not move balance, got %s", bal)
	}
}

func TestFinalizeWithdrawalReject(t *testing.T) {
	m := NewMemory()
	seedUser(t, m, "u1", 100)
	now := time.Now().UTC()

	txn, err := m.AppendTransaction(context.Background(), TransactionParams{
		UserID: "u1",
		Type:   models.TxWithdrawal,
		Amount: decimal.NewFromInt(40),
		Status: models.TxPending,
		Now:    now,
	})
	if err != nil {
		t.Fatalf("request withdrawal: %v", err)
	}
	bal, _ := m.Balance(context.Background(), "u1")
	if !bal.Equal(decimal.NewFromInt(60)) {
		t.Fatalf("withdrawal must debit immediately, got %s", bal)
	}

	if _, err := m.FinalizeWithdrawal(context.Background(), txn.ID, false, now.Add(time.Second)); err != nil {
		t.Fatalf("finalize: %v", err)
	}
	bal, _ = m.Balance(context.Background(), "u1")
	if !bal.Equal(decimal.NewFromInt(100)) {
		t.Fatalf("rejected withdrawal must refund, got %s", bal)
	}

	// The decision is final.
	if _, err := m.FinalizeWithdrawal(context.Background(), txn.ID, true, now.Add(2*time.Second)); !errors.Is(err, models.ErrConflict) {
		t.Fatalf("expected conflict got %v", err)
	}
}

func TestOrderLifecycle(t *testing.T) {
	m := NewMemory()
	seedUser(t, m, "buyer", 100)
	now := time.Now().UTC()

	order, err := m.CreateOrder(context.Background(), OrderParams{
		OwnerID:   "buyer",
		Platform:  "instagram",
		Service:   "follow",
		TargetURL: "https://example.com/p",
		Quantity:  10,
		UnitPrice: decimal.NewFromFloat(1.5),
		Priority:  models.PriorityNormal,
		Now:       now,
	})
	if err != nil {
		t.Fatalf("create order: %v", err)
	}
	bal, _ := m.Balance(context.Background(), "buyer")
	if !bal.Equal(decimal.NewFromInt(85)) {
		t.Fatalf("buyer balance %s want 85", bal)
	}

	order, task, err := m.ProcessOrder(context.Background(), order.ID, decimal.NewFromFloat(0.75), now.Add(time.Second))
	if err != nil {
		t.Fatalf("process: %v", err)
	}
	if order.Status != models.OrderProcessing {
		t.Fatalf("order status %s want processing", order.Status)
	}
	if task.ExcludedUserID == nil || *task.ExcludedUserID != "buyer" {
		t.Fatalf("derived task must exclude the buyer")
	}
	if task.Quantity != 10 || task.AdminStatus != models.AdminApproved {
		t.Fatalf("derived task misconfigured: %+v", task)
	}

	// Double process conflicts.
	if _, _, err := m.ProcessOrder(context.Background(), order.ID, decimal.NewFromFloat(0.75), now.Add(2*time.Second)); !errors.Is(err, models.ErrConflict) {
		t.Fatalf("expected conflict got %v", err)
	}
}

func TestOrderProgressCompletes(t *testing.T) {
	m := NewMemory()
	seedUser(t, m, "buyer", 100)
	now := time.Now().UTC()
	order, _ := m.CreateOrder(context.Background(), OrderParams{
		OwnerID: "buyer", Platform: "instagram", Service: "follow",
		Quantity: 3, UnitPrice: decimal.NewFromInt(1), Priority: models.PriorityNormal, Now: now,
	})
	if _, _, err := m.ProcessOrder(context.Background(), order.ID, decimal.NewFromFloat(0.5), now); err != nil {
		t.Fatalf("process: %v", err)
	}

	for i := 0; i < 3; i++ {
		o, err := m.ApplyOrderProgress(context.Background(), order.ID, 1, now.Add(time.Duration(i)*time.Second))
		if err != nil {
			t.Fatalf("progress %d: %v", i, err)
		}
		if i < 2 && o.Status != models.OrderProcessing {
			t.Fatalf("order completed early at %d", i)
		}
		if i == 2 && o.Status != models.OrderCompleted {
			t.Fatalf("order not completed, status %s", o.Status)
		}
	}

	// Progress past quantity is refused.
	if _, err := m.ApplyOrderProgress(context.Background(), order.ID, 1, now.Add(time.Minute)); !errors.Is(err, models.ErrConflict) {
		t.Fatalf("expected conflict got %v", err)
	}
}

func TestRefundOnlyOnceAndOnlyRemainder(t *testing.T) {
	m := NewMemory()
	seedUser(t, m, "buyer", 100)
	now := time.Now().UTC()
	order, _ := m.CreateOrder(context.Background(), OrderParams{
		OwnerID: "buyer", Platform: "instagram", Service: "follow",
		Quantity: 10, UnitPrice: decimal.NewFromInt(2), Priority: models.PriorityNormal, Now: now,
	})
	if _, _, err := m.ProcessOrder(context.Background(), order.ID, decimal.NewFromInt(1), now); err != nil {
		t.Fatalf("process: %v", err)
	}
	// 4 of 10 units completed, then the order stalls.
	for i := 0; i < 4; i++ {
		if _, err := m.ApplyOrderProgress(context.Background(), order.ID, 1, now); err != nil {
			t.Fatalf("progress: %v", err)
		}
	}

	_, txn, err := m.RefundOrder(context.Background(), order.ID, now.Add(time.Minute))
	if err != nil {
		t.Fatalf("refund: %v", err)
	}
	if !txn.Amount.Equal(decimal.NewFromInt(12)) {
		t.Fatalf("refund %s want 12 (6 remaining x 2)", txn.Amount)
	}
	bal, _ := m.Balance(context.Background(), "buyer")
	if !bal.Equal(decimal.NewFromInt(92)) {
		t.Fatalf("buyer balance %s want 92", bal)
	}

	if _, _, err := m.RefundOrder(context.Background(), order.ID, now.Add(2*time.Minute)); !errors.Is(err, models.ErrConflict) {
		t.Fatalf("second refund must conflict, got %v", err)
	}
}

func TestRefundPendingOrderRejected(t *testing.T) {
	m := NewMemory()
	seedUser(t, m, "buyer", 100)
	now := time.Now().UTC()
	order, _ := m.CreateOrder(context.Background(), OrderParams{
		OwnerID: "buyer", Platform: "instagram", Service: "follow",
		Quantity: 2, UnitPrice: decimal.NewFromInt(1), Priority: models.PriorityNormal, Now: now,
	})
	if _, _, err := m.RefundOrder(context.Background(), order.ID, now); !errors.Is(err, models.ErrConflict) {
		t.Fatalf("pending order is cancellable, not refundable: %v", err)
	}
}

func TestCancelOrderStopsTasks(t *testing.T) {
	m := NewMemory()
	seedUser(t, m, "buyer", 100)
	now := time.Now().UTC()
	order, _ := m.CreateOrder(context.Background(), OrderParams{
		OwnerID: "buyer", Platform: "instagram", Service: "follow",
		Quantity: 2, UnitPrice: decimal.NewFromInt(1), Priority: models.PriorityNormal, Now: now,
	})
	_, task, err := m.ProcessOrder(context.Background(), order.ID, decimal.NewFromInt(1), now)
	if err != nil {
		t.Fatalf("process: %v", err)
	}

	if _, err := m.CancelOrder(context.Background(), order.ID, now.Add(time.Second)); err != nil {
		t.Fatalf("cancel: %v", err)
	}
	got, _ := m.GetTask(context.Background(), task.ID)
	if got.Status != models.TaskCancelled {
		t.Fatalf("derived task status %s want cancelled", got.Status)
	}
}

func TestClaimableOrdering(t *testing.T) {
	m := NewMemory()
	now := time.Now().UTC()
	mk := func(priority string, offset time.Duration) models.Task {
		task, err := m.CreateTask(context.Background(), TaskParams{
			Type: "follow", Platform: "tiktok", Quantity: 1,
			Rate: decimal.NewFromFloat(0.1), Priority: priority,
			AdminStatus: models.AdminApproved, Now: now.Add(offset),
		})
		if err != nil {
			t.Fatalf("create: %v", err)
		}
		return task
	}
	older := mk(models.PriorityNormal, 0)
	newer := mk(models.PriorityNormal, time.Second)
	urgent := mk(models.PriorityUrgent, 2*time.Second)

	tasks, err := m.ClaimableTasks(context.Background(), 10)
	if err != nil {
		t.Fatalf("claimable: %v", err)
	}
	if len(tasks) != 3 {
		t.Fatalf("got %d tasks want 3", len(tasks))
	}
	if tasks[0].ID != urgent.ID {
		t.Fatalf("urgent task must surface first")
	}
	if tasks[1].ID != older.ID || tasks[2].ID != newer.ID {
		t.Fatalf("same priority must order by age")
	}
}

func TestCapacityAccountingInvariant(t *testing.T) {
	m := NewMemory()
	seedUser(t, m, "w1", 0)
	seedUser(t, m, "w2", 0)
	seedUser(t, m, "w3", 0)
	task := seedTask(t, m, 3, 0.5)
	now := time.Now().UTC()

	l1, _ := m.ClaimTask(context.Background(), ClaimParams{TaskID: task.ID, UserID: "w1", TTL: time.Minute, Now: now})
	l2, _ := m.ClaimTask(context.Background(), ClaimParams{TaskID: task.ID, UserID: "w2", TTL: time.Minute, Now: now})
	if _, err := m.ClaimTask(context.Background(), ClaimParams{TaskID: task.ID, UserID: "w3", TTL: time.Minute, Now: now}); err != nil {
		t.Fatalf("third claim: %v", err)
	}

	// One approved, one rejected, one still held.
	if _, err := m.SubmitLease(context.Background(), l1.ID, "https://p1", "", now.Add(time.Second)); err != nil {
		t.Fatalf("submit: %v", err)
	}
	if _, err := m.SubmitLease(context.Background(), l2.ID, "https://p2", "", now.Add(time.Second)); err != nil {
		t.Fatalf("submit: %v", err)
	}
	if _, err := m.ApproveLease(context.Background(), ReviewParams{LeaseID: l1.ID, ReviewerID: "a", Now: now.Add(2 * time.Second)}); err != nil {
		t.Fatalf("approve: %v", err)
	}
	if _, err := m.RejectLease(context.Background(), ReviewParams{LeaseID: l2.ID, ReviewerID: "a", Now: now.Add(2 * time.Second)}); err != nil {
		t.Fatalf("reject: %v", err)
	}

	got, _ := m.GetTask(context.Background(), task.ID)
	active, _ := m.ActiveLeaseCount(context.Background(), task.ID)
	if got.RemainingQuantity+got.CompletedQuantity+active != got.Quantity {
		t.Fatalf("accounting broken: remaining=%d completed=%d active=%d quantity=%d",
			got.RemainingQuantity, got.CompletedQuantity, active, got.Quantity)
	}
}
