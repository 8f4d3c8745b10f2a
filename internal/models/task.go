package models

import (
	"time"

	"github.com/shopspring/decimal"
)

// Task statuses.
const (
	TaskPending             = "pending"
	TaskInProgress          = "in_progress"
	TaskProcessing          = "processing"
	TaskSubmittedForReview  = "submitted_for_approval"
	TaskCompleted           = "completed"
	TaskFailed              = "failed"
	TaskCancelled           = "cancelled"
	TaskRejectedByAdmin     = "rejected_by_admin"
)

// Admin review gate on a task pool.
const (
	AdminPending  = "pending"
	AdminApproved = "approved"
	AdminRejected = "rejected"
)

// Task is a claimable pool of identical work units, derived from an order or
// standing alone. Capacity accounting invariant:
//
//	remaining_quantity + completed_quantity + active leases == quantity
//
// remaining_quantity is decremented at claim time, never later.
type Task struct {
	ID                string          `json:"id"`
	OrderID           *string         `json:"order_id,omitempty"`
	ExcludedUserID    *string         `json:"excluded_user_id,omitempty"`
	Type              string          `json:"type"`
	Platform          string          `json:"platform"`
	TargetURL         string          `json:"target_url"`
	Quantity          int             `json:"quantity"`
	RemainingQuantity int             `json:"remaining_quantity"`
	CompletedQuantity int             `json:"completed_quantity"`
	Rate              decimal.Decimal `json:"rate"`
	Status            string          `json:"status"`
	AdminStatus       string          `json:"admin_status"`
	Priority          string          `json:"priority"`
	CreatedAt         time.Time       `json:"created_at"`
	UpdatedAt         time.Time       `json:"updated_at"`
}

// TaskClaimable reports whether new leases may be granted against the task.
// Capacity is checked separately by the atomic claim.
func TaskClaimable(t Task) bool {
	if t.AdminStatus != AdminApproved {
		return false
	}
	switch t.Status {
	case TaskPending, TaskInProgress:
		return true
	}
	return false
}
