package models

import (
	"time"

	"github.com/shopspring/decimal"
)

// Order statuses persisted in Postgres. Terminal states never regress.
const (
	OrderPending    = "pending"
	OrderProcessing = "processing"
	OrderCompleted  = "completed"
	OrderFailed     = "failed"
	OrderCancelled  = "cancelled"
	OrderRefunded   = "refunded"
)

// Priority levels shared by orders and tasks.
const (
	PriorityNormal   = "normal"
	PriorityUrgent   = "urgent"
	PriorityCritical = "critical"
)

// PriorityRank maps a priority label to its surfacing weight.
func PriorityRank(p string) int {
	switch p {
	case PriorityCritical:
		return 2
	case PriorityUrgent:
		return 1
	default:
		return 0
	}
}

// Order is a purchased bulk unit of work. remaining_count + completed_count
// always equals quantity; both counters move only through store primitives.
type Order struct {
	ID               string           `json:"id"`
	OwnerID          string           `json:"owner_id"`
	Platform         string           `json:"platform"`
	Service          string           `json:"service"`
	TargetURL        string           `json:"target_url"`
	Quantity         int              `json:"quantity"`
	RemainingCount   int              `json:"remaining_count"`
	CompletedCount   int              `json:"completed_count"`
	UnitPrice        decimal.Decimal  `json:"unit_price"`
	Amount           decimal.Decimal  `json:"amount"`
	Priority         string           `json:"priority"`
	Status           string           `json:"status"`
	RefundAmount     *decimal.Decimal `json:"refund_amount,omitempty"`
	LastStatusChange time.Time        `json:"last_status_change"`
	CreatedAt        time.Time        `json:"created_at"`
	UpdatedAt        time.Time        `json:"updated_at"`
}

// OrderTerminal reports whether a status admits no further transitions.
func OrderTerminal(status string) bool {
	switch status {
	case OrderCompleted, OrderRefunded:
		return true
	}
	return false
}
