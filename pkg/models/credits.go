package models

import (
	"time"
)

// Credit transaction types
const (
	TxGrant   = "grant"
	TxReserve = "reserve"
	TxDeduct  = "deduct"
	TxRefund  = "refund"
)

// CreditBalance tracks a user's credit buckets. Invariant at every observable
// instant: TotalCredits = AvailableCredits + ReservedCredits.
type CreditBalance struct {
	UserID           string    `json:"user_id"`
	TotalCredits     int64     `json:"total_credits"`
	AvailableCredits int64     `json:"available_credits"`
	ReservedCredits  int64     `json:"reserved_credits"`
	UpdatedAt        time.Time `json:"updated_at"`
}

// CreditTransaction is an append-only audit record for a balance change.
// The *_After fields snapshot the balance as it stood after the change.
type CreditTransaction struct {
	ID             string     `json:"id"`
	UserID         string     `json:"user_id"`
	Type           string     `json:"transaction_type"`
	Amount         int64      `json:"amount"`
	TotalAfter     int64      `json:"total_after"`
	AvailableAfter int64      `json:"available_after"`
	ReservedAfter  int64      `json:"reserved_after"`
	SessionID      *string    `json:"session_id,omitempty"`
	Reason         string     `json:"reason,omitempty"`
	ExpiresAt      *time.Time `json:"expires_at,omitempty"`
	CreatedAt      time.Time  `json:"created_at"`
}
