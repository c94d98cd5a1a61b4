package handlers

import (
	"time"
)

// ErrorResponse is the common error envelope.
type ErrorResponse struct {
	Error             string `json:"error"`
	RetryAfterSeconds int    `json:"retry_after_seconds,omitempty"`
	AttemptsRemaining *int   `json:"attempts_remaining,omitempty"`
}

// StartSessionRequest creates a session. ScheduledAt defers activation.
type StartSessionRequest struct {
	SessionTypeID string     `json:"session_type_id" binding:"required"`
	BillingMode   string     `json:"billing_mode"`
	ScheduledAt   *time.Time `json:"scheduled_at"`
}

// ExtendSessionRequest adds minutes to a running session.
type ExtendSessionRequest struct {
	AdditionalMinutes int `json:"additional_minutes" binding:"required"`
}

// EndSessionRequest terminates a session.
type EndSessionRequest struct {
	Reason string `json:"reason" binding:"required"`
}

// GrantCreditsRequest adds credits to a user's balance. Service-token only.
type GrantCreditsRequest struct {
	UserID       string `json:"user_id" binding:"required"`
	Amount       int64  `json:"amount" binding:"required"`
	Reason       string `json:"reason" binding:"required"`
	ValidityDays int    `json:"validity_days"`
}

// DeductCreditsRequest removes credits outside the reservation flow.
// Service-token only.
type DeductCreditsRequest struct {
	UserID string `json:"user_id" binding:"required"`
	Amount int64  `json:"amount" binding:"required"`
	Reason string `json:"reason" binding:"required"`
}

// SendCodeRequest issues a verification code.
type SendCodeRequest struct {
	Identity string `json:"identity" binding:"required"`
	Purpose  string `json:"purpose" binding:"required"`
}

// VerifyCodeRequest checks a submitted verification code.
type VerifyCodeRequest struct {
	Identity string `json:"identity" binding:"required"`
	Purpose  string `json:"purpose" binding:"required"`
	Code     string `json:"code" binding:"required"`
}

// CompleteStepRequest marks an onboarding step done.
type CompleteStepRequest struct {
	Step     string                 `json:"step" binding:"required"`
	UserData map[string]interface{} `json:"user_data"`
}

// CreditPurchaseEvent is the trusted "credits purchased" message emitted by
// the payment pipeline once a purchase clears.
type CreditPurchaseEvent struct {
	PurchaseID   string `json:"purchase_id"`
	UserID       string `json:"user_id"`
	Credits      int64  `json:"credits"`
	PackageName  string `json:"package_name"`
	ValidityDays int    `json:"validity_days"`
}
