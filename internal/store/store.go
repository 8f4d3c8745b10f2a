package store

import (
	"context"
	"time"

	"github.com/shopspring/decimal"

	"github.com/uexplodem-png/socidev-sub003/internal/models"
)

// Store is the persistence boundary of the engine. Every method is an atomic
// primitive: the Postgres implementation runs each as a single transaction
// with conditional updates and row locks, the in-memory implementation as a
// per-key-locked critical section. Counters (remaining_quantity,
// completed_quantity, balance) are never mutated outside these primitives.
type Store interface {
	// Users and balance ledger.
	EnsureUser(ctx context.Context, userID string) error
	Balance(ctx context.Context, userID string) (decimal.Decimal, error)
	AppendTransaction(ctx context.Context, p TransactionParams) (models.Transaction, error)
	Transactions(ctx context.Context, userID string, limit int) ([]models.Transaction, error)
	GetTransaction(ctx context.Context, id string) (models.Transaction, error)
	FinalizeWithdrawal(ctx context.Context, txID string, approve bool, now time.Time) (models.Transaction, error)

	// Orders.
	CreateOrder(ctx context.Context, p OrderParams) (models.Order, error)
	GetOrder(ctx context.Context, id string) (models.Order, error)
	ProcessOrder(ctx context.Context, orderID string, rate decimal.Decimal, now time.Time) (models.Order, models.Task, error)
	CancelOrder(ctx context.Context, orderID string, now time.Time) (models.Order, error)
	FailOrder(ctx context.Context, orderID string, now time.Time) (models.Order, error)
	RefundOrder(ctx context.Context, orderID string, now time.Time) (models.Order, models.Transaction, error)
	ApplyOrderProgress(ctx context.Context, orderID string, delta int, now time.Time) (models.Order, error)

	// Tasks.
	CreateTask(ctx context.Context, p TaskParams) (models.Task, error)
	GetTask(ctx context.Context, id string) (models.Task, error)
	ReviewTask(ctx context.Context, taskID string, approve bool, now time.Time) (models.Task, error)
	ClaimableTasks(ctx context.Context, limit int) ([]models.Task, error)
	ActiveLeaseCount(ctx context.Context, taskID string) (int, error)

	// Leases.
	ClaimTask(ctx context.Context, p ClaimParams) (models.Lease, error)
	GetLease(ctx context.Context, id string) (models.Lease, error)
	SubmitLease(ctx context.Context, leaseID, proofURL, notes string, now time.Time) (models.Lease, error)
	PendingExpired(ctx context.Context, now time.Time, limit int) ([]string, error)
	ExpireLease(ctx context.Context, leaseID string, now time.Time) (bool, error)
	ApproveLease(ctx context.Context, p ReviewParams) (ReviewResult, error)
	RejectLease(ctx context.Context, p ReviewParams) (ReviewResult, error)
	ListLeases(ctx context.Context, f LeaseFilter) ([]models.Lease, error)
}

// TransactionParams collects inputs for one ledger append.
type TransactionParams struct {
	UserID      string
	Type        string
	Amount      decimal.Decimal
	Status      string
	ReferenceID string
	Metadata    map[string]any
	Now         time.Time
}

// OrderParams collects inputs for order creation. The buyer is debited
// Quantity x UnitPrice in the same atomic step.
type OrderParams struct {
	OwnerID   string
	Platform  string
	Service   string
	TargetURL string
	Quantity  int
	UnitPrice decimal.Decimal
	Priority  string
	Now       time.Time
}

// TaskParams collects inputs for a standalone or derived task pool.
type TaskParams struct {
	OrderID        string
	ExcludedUserID string
	Type           string
	Platform       string
	TargetURL      string
	Quantity       int
	Rate           decimal.Decimal
	Priority       string
	AdminStatus    string
	Now            time.Time
}

// ClaimParams identifies one claim attempt.
type ClaimParams struct {
	TaskID    string
	UserID    string
	IPAddress string
	UserAgent string
	TTL       time.Duration
	Now       time.Time
}

// ReviewParams identifies one admin review action on a submitted lease.
type ReviewParams struct {
	LeaseID    string
	ReviewerID string
	Notes      string
	Now        time.Time
}

// ReviewResult reports the lease after a review primitive. Applied is false
// when the lease was already terminal and the call was an idempotent no-op.
type ReviewResult struct {
	Lease   models.Lease
	Task    models.Task
	Applied bool
}

// LeaseFilter narrows admin lease listings.
type LeaseFilter struct {
	TaskID string
	Status string
	From   time.Time
	To     time.Time
	Limit  int
}
