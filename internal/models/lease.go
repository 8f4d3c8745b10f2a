package models

import "time"

// Lease statuses. pending and submitted are the active states; everything
// else is terminal and immutable.
const (
	LeasePending   = "pending"
	LeaseSubmitted = "submitted"
	LeaseApproved  = "approved"
	LeaseRejected  = "rejected"
	LeaseExpired   = "expired"
	LeaseCompleted = "completed"
	LeaseFailed    = "failed"
)

// Lease is a time-boxed exclusive claim by one worker on one unit of a task.
// At most one active lease exists per (task, user) pair.
type Lease struct {
	ID              string     `json:"id"`
	TaskID          string     `json:"task_id"`
	UserID          string     `json:"user_id"`
	Status          string     `json:"status"`
	ReservedAt      time.Time  `json:"reserved_at"`
	ExpiresAt       time.Time  `json:"expires_at"`
	SubmittedAt     *time.Time `json:"submitted_at,omitempty"`
	ProofURL        string     `json:"proof_url,omitempty"`
	SubmissionNotes string     `json:"submission_notes,omitempty"`
	AdminNotes      string     `json:"admin_notes,omitempty"`
	ReviewedAt      *time.Time `json:"reviewed_at,omitempty"`
	ReviewedBy      *string    `json:"reviewed_by,omitempty"`
	PayoutProcessed bool       `json:"payout_processed"`
	IPAddress       string     `json:"ip_address,omitempty"`
	UserAgent       string     `json:"user_agent,omitempty"`
}

// LeaseActive reports whether the lease still holds capacity.
func LeaseActive(status string) bool {
	return status == LeasePending || status == LeaseSubmitted
}

// LeaseTerminal reports whether the lease reached a final state.
func LeaseTerminal(status string) bool {
	switch status {
	case LeaseApproved, LeaseRejected, LeaseExpired, LeaseCompleted, LeaseFailed:
		return true
	}
	return false
}
