package models

import (
	"time"
)

// OTP purposes
const (
	PurposePhoneVerification = "phone_verification"
	PurposeEmailVerification = "email_verification"
	PurposePasswordReset     = "password_reset"
)

// OTPCode is a short-lived one-time verification code for an email or phone
// identity. One unverified code per (identity, purpose) is the steady state;
// issuing a new code supersedes older unverified ones for the same pair.
type OTPCode struct {
	ID         string     `json:"id"`
	Identity   string     `json:"identity"`
	Purpose    string     `json:"purpose"`
	Code       string     `json:"-"` // never serialized
	ExpiresAt  time.Time  `json:"expires_at"`
	Attempts   int        `json:"attempts"`
	Verified   bool       `json:"verified"`
	VerifiedAt *time.Time `json:"verified_at,omitempty"`
	CreatedAt  time.Time  `json:"created_at"`
}
