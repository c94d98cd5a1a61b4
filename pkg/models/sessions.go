package models

import (
	"time"
)

// Session status values. Transitions are monotonic: once a session reaches a
// terminal status (completed, cancelled, expired) it never leaves it.
const (
	SessionScheduled = "scheduled"
	SessionActive    = "active"
	SessionPaused    = "paused"
	SessionCompleted = "completed"
	SessionCancelled = "cancelled"
	SessionExpired   = "expired"
)

// Billing modes
const (
	BillingPrepaid  = "prepaid"
	BillingPostpaid = "postpaid"
	BillingFree     = "free"
)

// End reasons accepted by the end transition
const (
	EndReasonCompleted = "completed"
	EndReasonCancelled = "cancelled"
	EndReasonExpired   = "expired"
)

// SessionType is a read-only catalog entry describing cost and duration
// limits for a class of sessions. Immutable during a session's life.
type SessionType struct {
	ID                  string    `json:"id"`
	Name                string    `json:"name"`
	CreditCost          int64     `json:"credit_cost"`
	BaseDurationMinutes int       `json:"base_duration_minutes"`
	MaxDurationMinutes  int       `json:"max_duration_minutes"`
	CreditsPerMinute    float64   `json:"credits_per_minute"`
	Capabilities        JSONB     `json:"capabilities"`
	IsActive            bool      `json:"is_active"`
	CreatedAt           time.Time `json:"created_at"`
}

// Session represents a billable session and its lifecycle state.
type Session struct {
	ID               string     `json:"id"`
	UserID           string     `json:"user_id"`
	SessionTypeID    string     `json:"session_type_id"`
	Status           string     `json:"status"`
	BillingMode      string     `json:"billing_mode"`
	CreditsReserved  int64      `json:"credits_reserved"`
	CreditsUsed      int64      `json:"credits_used"`
	CreditsPerMinute float64    `json:"credits_per_minute"`
	AllowedMinutes   int        `json:"allowed_minutes"`
	ScheduledAt      *time.Time `json:"scheduled_at,omitempty"`
	StartedAt        *time.Time `json:"started_at,omitempty"`
	EndedAt          *time.Time `json:"ended_at,omitempty"`
	DurationMinutes  int        `json:"duration_minutes"`
	EndReason        *string    `json:"end_reason,omitempty"`
	CreatedAt        time.Time  `json:"created_at"`
	UpdatedAt        time.Time  `json:"updated_at"`
}

// IsTerminal reports whether the session has reached a terminal status.
func (s *Session) IsTerminal() bool {
	switch s.Status {
	case SessionCompleted, SessionCancelled, SessionExpired:
		return true
	}
	return false
}

// SessionActivity is an append-only log entry for a session state transition.
type SessionActivity struct {
	ID        string    `json:"id"`
	SessionID string    `json:"session_id"`
	Event     string    `json:"event"`
	Details   JSONB     `json:"details,omitempty"`
	CreatedAt time.Time `json:"created_at"`
}

// SessionDetails bundles a session with its activity log and the ledger
// transactions recorded against it.
type SessionDetails struct {
	Session      Session             `json:"session"`
	Activity     []SessionActivity   `json:"activity"`
	Transactions []CreditTransaction `json:"transactions"`
}
