package models

import "errors"

// Sentinel errors checked with errors.Is across the engine. Capacity,
// conflict, and expiry are expected outcomes returned to callers; ErrInvariant
// marks a state that should be impossible and is logged loudly.
var (
	ErrNoCapacity          = errors.New("task has no remaining capacity")
	ErrAlreadyActive       = errors.New("active lease already exists for this task")
	ErrSelfExclusion       = errors.New("task owner may not execute own task")
	ErrNotClaimable        = errors.New("task is not claimable")
	ErrLeaseExpired        = errors.New("lease submission window expired")
	ErrConflict            = errors.New("operation not valid in current state")
	ErrValidation          = errors.New("invalid input")
	ErrNotFound            = errors.New("not found")
	ErrInsufficientBalance = errors.New("insufficient balance")
	ErrInvariant           = errors.New("ledger invariant violation")
)
