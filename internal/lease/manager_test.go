package lease

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"github.com/uexplodem-png/socidev-sub003/internal/audit"
	"github.com/uexplodem-png/socidev-sub003/internal/models"
	"github.com/uexplodem-png/socidev-sub003/internal/store"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func seedLease(t *testing.T, st *store.Memory, ttl time.Duration) models.Lease {
	t.Helper()
	ctx := context.Background()
	task, err := st.CreateTask(ctx, store.TaskParams{
		Type: "follow", Platform: "instagram", Quantity: 1,
		Rate: decimal.NewFromFloat(0.5), Priority: models.PriorityNormal,
		AdminStatus: models.AdminApproved, Now: time.Now().UTC(),
	})
	if err != nil {
		t.Fatalf("create task: %v", err)
	}
	lease, err := st.ClaimTask(ctx, store.ClaimParams{
		TaskID: task.ID, UserID: "w1", TTL: ttl, Now: time.Now().UTC(),
	})
	if err != nil {
		t.Fatalf("claim: %v", err)
	}
	return lease
}

func TestSubmitWithinWindow(t *testing.T) {
	st := store.NewMemory()
	mgr := New(st, audit.NewMemoryActivity(), nil, testLogger())
	lease := seedLease(t, st, time.Minute)

	got, err := mgr.Submit(context.Background(), lease.ID, "w1", "https://proof.example/a.png", "done")
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	if got.Status != models.LeaseSubmitted {
		t.Fatalf("status %s want submitted", got.Status)
	}
	if got.SubmittedAt == nil || got.ProofURL == "" {
		t.Fatalf("submission not recorded: %+v", got)
	}
}

func TestSubmitRequiresProof(t *testing.T) {
	st := store.NewMemory()
	mgr := New(st, audit.NewMemoryActivity(), nil, testLogger())
	lease := seedLease(t, st, time.Minute)

	if _, err := mgr.Submit(context.Background(), lease.ID, "w1", "", "notes only"); !errors.Is(err, models.ErrValidation) {
		t.Fatalf("expected validation error got %v", err)
	}
}

func TestSubmitByNonHolder(t *testing.T) {
	st := store.NewMemory()
	mgr := New(st, audit.NewMemoryActivity(), nil, testLogger())
	lease := seedLease(t, st, time.Minute)

	// Another worker who learned the lease ID sees nothing.
	if _, err := mgr.Submit(context.Background(), lease.ID, "w2", "https://proof/stolen", ""); !errors.Is(err, models.ErrNotFound) {
		t.Fatalf("expected not found got %v", err)
	}
	got, _ := st.GetLease(context.Background(), lease.ID)
	if got.Status != models.LeasePending {
		t.Fatalf("lease must stay pending, status %s", got.Status)
	}

	// The holder still can.
	if _, err := mgr.Submit(context.Background(), lease.ID, "w1", "https://proof/1", ""); err != nil {
		t.Fatalf("submit by holder: %v", err)
	}
}

func TestSubmitRequiresUser(t *testing.T) {
	st := store.NewMemory()
	mgr := New(st, audit.NewMemoryActivity(), nil, testLogger())
	lease := seedLease(t, st, time.Minute)

	if _, err := mgr.Submit(context.Background(), lease.ID, "", "https://proof/1", ""); !errors.Is(err, models.ErrValidation) {
		t.Fatalf("expected validation error got %v", err)
	}
}

func TestSubmitTwiceConflicts(t *testing.T) {
	st := store.NewMemory()
	mgr := New(st, audit.NewMemoryActivity(), nil, testLogger())
	lease := seedLease(t, st, time.Minute)

	if _, err := mgr.Submit(context.Background(), lease.ID, "w1", "https://proof/1", ""); err != nil {
		t.Fatalf("submit: %v", err)
	}
	if _, err := mgr.Submit(context.Background(), lease.ID, "w1", "https://proof/2", ""); !errors.Is(err, models.ErrConflict) {
		t.Fatalf("expected conflict got %v", err)
	}
}

func TestSubmitAfterDeadline(t *testing.T) {
	st := store.NewMemory()
	mgr := New(st, audit.NewMemoryActivity(), nil, testLogger())
	// TTL of zero: the lease is dead on arrival.
	lease := seedLease(t, st, 0)

	_, err := mgr.Submit(context.Background(), lease.ID, "w1", "https://proof/late", "")
	if !errors.Is(err, models.ErrLeaseExpired) {
		t.Fatalf("expected expired got %v", err)
	}
	got, _ := st.GetLease(context.Background(), lease.ID)
	if got.Status != models.LeaseExpired {
		t.Fatalf("late submit must expire the lease, status %s", got.Status)
	}
}

func TestReaperSweep(t *testing.T) {
	st := store.NewMemory()
	ctx := context.Background()
	now := time.Now().UTC()

	task, err := st.CreateTask(ctx, store.TaskParams{
		Type: "follow", Platform: "instagram", Quantity: 3,
		Rate: decimal.NewFromFloat(0.5), Priority: models.PriorityNormal,
		AdminStatus: models.AdminApproved, Now: now,
	})
	if err != nil {
		t.Fatalf("create task: %v", err)
	}
	stale, err := st.ClaimTask(ctx, store.ClaimParams{TaskID: task.ID, UserID: "w1", TTL: time.Second, Now: now})
	if err != nil {
		t.Fatalf("claim: %v", err)
	}
	fresh, err := st.ClaimTask(ctx, store.ClaimParams{TaskID: task.ID, UserID: "w2", TTL: time.Hour, Now: now})
	if err != nil {
		t.Fatalf("claim: %v", err)
	}

	r := NewReaper(st, time.Second, 100, testLogger())

	// Before either deadline nothing expires.
	n, err := r.Sweep(ctx, now)
	if err != nil {
		t.Fatalf("sweep: %v", err)
	}
	if n != 0 {
		t.Fatalf("early sweep expired %d leases", n)
	}

	n, err = r.Sweep(ctx, now.Add(time.Minute))
	if err != nil {
		t.Fatalf("sweep: %v", err)
	}
	if n != 1 {
		t.Fatalf("expired %d leases want 1", n)
	}

	got, _ := st.GetLease(ctx, stale.ID)
	if got.Status != models.LeaseExpired {
		t.Fatalf("stale lease status %s want expired", got.Status)
	}
	got, _ = st.GetLease(ctx, fresh.ID)
	if got.Status != models.LeasePending {
		t.Fatalf("fresh lease must survive the sweep, status %s", got.Status)
	}

	task2, _ := st.GetTask(ctx, task.ID)
	if task2.RemainingQuantity != 2 {
		t.Fatalf("remaining %d want 2 (one unit back, one still held)", task2.RemainingQuantity)
	}

	// A second sweep finds nothing.
	n, _ = r.Sweep(ctx, now.Add(2*time.Minute).Add(time.Second))
	if n != 0 {
		t.Fatalf("repeat sweep expired %d leases", n)
	}
}
