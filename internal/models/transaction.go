package models

import (
	"time"

	"github.com/shopspring/decimal"
)

// Transaction types. Amounts are stored positive; the type carries the sign.
const (
	TxDeposit    = "deposit"
	TxWithdrawal = "withdrawal"
	TxEarning    = "earning"
	TxSpending   = "spending"
	TxRefund     = "refund"
	TxAdjustment = "adjustment"
)

// Transaction statuses. Withdrawals start pending and are finalized by an
// admin; every other type is completed at append time.
const (
	TxPending   = "pending"
	TxCompleted = "completed"
	TxFailed    = "failed"
)

// Transaction is one link in a user's serial balance chain:
// balance_after = balance_before ± amount, and the next transaction's
// balance_before equals this one's balance_after.
type Transaction struct {
	ID            string          `json:"id"`
	UserID        string          `json:"user_id"`
	Type          string          `json:"type"`
	Amount        decimal.Decimal `json:"amount"`
	BalanceBefore decimal.Decimal `json:"balance_before"`
	BalanceAfter  decimal.Decimal `json:"balance_after"`
	Status        string          `json:"status"`
	ReferenceID   *string         `json:"reference_id,omitempty"`
	Metadata      map[string]any  `json:"metadata,omitempty"`
	CreatedAt     time.Time       `json:"created_at"`
}

// TxSign returns +1 for types that add funds and -1 for types that remove
// them. Adjustments follow the sign of the amount itself.
func TxSign(txType string) int {
	switch txType {
	case TxWithdrawal, TxSpending:
		return -1
	default:
		return 1
	}
}
