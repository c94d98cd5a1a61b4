// Package otp issues and checks short-lived numeric verification codes for
// email and phone identities. Attempt counting is the security boundary here;
// the HTTP rate limiter in front of these endpoints is only throttling.
package otp

import (
	"context"
	"crypto/rand"
	"database/sql"
	"errors"
	"fmt"
	"math/big"
	"time"

	"github.com/google/uuid"

	"lessonworks/pkg/logging"
	"lessonworks/pkg/models"
)

const (
	// CodeDigits is the length of generated codes.
	CodeDigits = 6
	// ResendCooldown is the minimum wait between codes for one
	// (identity, purpose) pair.
	ResendCooldown = 2 * time.Minute
	// CodeTTL is how long a code stays valid after issue.
	CodeTTL = 10 * time.Minute
	// MaxAttempts bounds wrong submissions per code.
	MaxAttempts = 5
	// VerificationValidity is how long a successful verification counts as
	// "recently proven" for downstream flows.
	VerificationValidity = 24 * time.Hour
)

var (
	// ErrCooldownActive means a code was issued too recently; see
	// CooldownError for the remaining wait.
	ErrCooldownActive = errors.New("resend cooldown active")
	// ErrNotFound means no unverified code exists for the pair.
	ErrNotFound = errors.New("no verification code found")
	// ErrExpired means the code's validity window has passed.
	ErrExpired = errors.New("verification code expired")
	// ErrTooManyAttempts means all attempts are used up; a correct code
	// no longer verifies.
	ErrTooManyAttempts = errors.New("too many verification attempts")
	// ErrMismatch means the submitted code was wrong; see MismatchError for
	// the remaining attempts.
	ErrMismatch = errors.New("verification code mismatch")
	// ErrUnknownPurpose rejects purposes outside the fixed set.
	ErrUnknownPurpose = errors.New("unknown verification purpose")
)

// CooldownError carries the remaining wait before a resend is accepted.
type CooldownError struct {
	RetryAfter time.Duration
}

func (e *CooldownError) Error() string {
	return fmt.Sprintf("resend cooldown active, retry in %s", e.RetryAfter.Round(time.Second))
}

func (e *CooldownError) Unwrap() error { return ErrCooldownActive }

// MismatchError carries how many attempts remain after a wrong submission.
type MismatchError struct {
	AttemptsRemaining int
}

func (e *MismatchError) Error() string {
	return fmt.Sprintf("verification code mismatch, %d attempts remaining", e.AttemptsRemaining)
}

func (e *MismatchError) Unwrap() error { return ErrMismatch }

// Notifier delivers codes to the user. Delivery transport (email, SMS) is
// outside this package.
type Notifier interface {
	SendCode(ctx context.Context, identity, purpose, code string) error
}

// Verifier issues and validates one-time codes. Safe for concurrent use; the
// attempt counter is incremented atomically in the database before any
// comparison, so concurrent or crashed verifications never gain a free try.
type Verifier struct {
	db       *sql.DB
	notifier Notifier
	logger   logging.Logger
	now      func() time.Time
}

// NewVerifier creates a Verifier.
func NewVerifier(db *sql.DB, notifier Notifier, logger logging.Logger) *Verifier {
	return &Verifier{
		db:       db,
		notifier: notifier,
		logger:   logger,
		now:      time.Now,
	}
}

func validPurpose(purpose string) bool {
	switch purpose {
	case models.PurposePhoneVerification, models.PurposeEmailVerification, models.PurposePasswordReset:
		return true
	}
	return false
}

// generateCode returns a uniformly random 6-digit code, zero padded.
func generateCode() (string, error) {
	max := big.NewInt(1)
	for i := 0; i < CodeDigits; i++ {
		max.Mul(max, big.NewInt(10))
	}
	n, err := rand.Int(rand.Reader, max)
	if err != nil {
		return "", fmt.Errorf("failed to generate code: %w", err)
	}
	return fmt.Sprintf("%0*d", CodeDigits, n), nil
}

// Send issues a fresh code for the pair and hands it to the notifier.
// A code issued within the cooldown window rejects the resend with the
// remaining wait. Older unverified codes for the pair are superseded.
func (v *Verifier) Send(ctx context.Context, identity, purpose string) error {
	if !validPurpose(purpose) {
		return ErrUnknownPurpose
	}

	now := v.now()

	var lastIssued time.Time
	err := v.db.QueryRowContext(ctx, `
		SELECT created_at FROM otp_codes
		WHERE identity = $1 AND purpose = $2
		ORDER BY created_at DESC
		LIMIT 1`, identity, purpose).Scan(&lastIssued)
	if err != nil && !errors.Is(err, sql.ErrNoRows) {
		return fmt.Errorf("failed to check resend cooldown: %w", err)
	}
	if err == nil {
		if elapsed := now.Sub(lastIssued); elapsed < ResendCooldown {
			return &CooldownError{RetryAfter: ResendCooldown - elapsed}
		}
	}

	code, err := generateCode()
	if err != nil {
		return err
	}

	tx, err := v.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to start transaction: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck // rollback is best-effort

	if _, err := tx.Exec(`
		DELETE FROM otp_codes
		WHERE identity = $1 AND purpose = $2 AND verified = false`, identity, purpose); err != nil {
		return fmt.Errorf("failed to supersede old codes: %w", err)
	}

	if _, err := tx.Exec(`
		INSERT INTO otp_codes (id, identity, purpose, code, expires_at)
		VALUES ($1, $2, $3, $4, $5)`,
		uuid.NewString(), identity, purpose, code, now.Add(CodeTTL)); err != nil {
		return fmt.Errorf("failed to store code: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit code issue: %w", err)
	}

	if err := v.notifier.SendCode(ctx, identity, purpose, code); err != nil {
		// The stored code stays valid; the user can retry delivery after the
		// cooldown.
		v.logger.WithError(err).WithFields(logging.Fields{
			"identity": identity,
			"purpose":  purpose,
		}).Error("Failed to deliver verification code")
		return fmt.Errorf("failed to deliver verification code: %w", err)
	}

	v.logger.WithFields(logging.Fields{
		"identity": identity,
		"purpose":  purpose,
	}).Info("Verification code sent")
	return nil
}

// Verify checks a submitted code against the most recent unverified code for
// the pair. The attempt counter is spent before the comparison, never after.
func (v *Verifier) Verify(ctx context.Context, identity, purpose, submittedCode string) error {
	if !validPurpose(purpose) {
		return ErrUnknownPurpose
	}

	now := v.now()

	var (
		id        string
		expiresAt time.Time
		attempts  int
	)
	err := v.db.QueryRowContext(ctx, `
		SELECT id, expires_at, attempts FROM otp_codes
		WHERE identity = $1 AND purpose = $2 AND verified = false
		ORDER BY created_at DESC
		LIMIT 1`, identity, purpose).Scan(&id, &expiresAt, &attempts)
	if errors.Is(err, sql.ErrNoRows) {
		return ErrNotFound
	}
	if err != nil {
		return fmt.Errorf("failed to look up code: %w", err)
	}

	if now.After(expiresAt) {
		return ErrExpired
	}
	if attempts >= MaxAttempts {
		return ErrTooManyAttempts
	}

	// Spend the attempt and read the stored code in one atomic statement.
	var storedCode string
	err = v.db.QueryRowContext(ctx, `
		UPDATE otp_codes
		SET attempts = attempts + 1
		WHERE id = $1 AND verified = false
		RETURNING attempts, code`, id).Scan(&attempts, &storedCode)
	if errors.Is(err, sql.ErrNoRows) {
		// Verified concurrently; the code is gone from the unverified pool.
		return ErrNotFound
	}
	if err != nil {
		return fmt.Errorf("failed to record attempt: %w", err)
	}
	if attempts > MaxAttempts {
		return ErrTooManyAttempts
	}

	if storedCode != submittedCode {
		remaining := MaxAttempts - attempts
		if remaining < 0 {
			remaining = 0
		}
		return &MismatchError{AttemptsRemaining: remaining}
	}

	tx, err := v.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to start transaction: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck // rollback is best-effort

	if _, err := tx.Exec(`
		UPDATE otp_codes
		SET verified = true, verified_at = NOW()
		WHERE id = $1`, id); err != nil {
		return fmt.Errorf("failed to mark code verified: %w", err)
	}
	if _, err := tx.Exec(`
		DELETE FROM otp_codes
		WHERE identity = $1 AND purpose = $2 AND verified = false AND id <> $3`,
		identity, purpose, id); err != nil {
		return fmt.Errorf("failed to clean up superseded codes: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit verification: %w", err)
	}

	v.logger.WithFields(logging.Fields{
		"identity": identity,
		"purpose":  purpose,
	}).Info("Identity verified")
	return nil
}

// HasValidVerification reports whether the pair was verified within the last
// 24 hours.
func (v *Verifier) HasValidVerification(ctx context.Context, identity, purpose string) (bool, error) {
	if !validPurpose(purpose) {
		return false, ErrUnknownPurpose
	}

	var exists bool
	err := v.db.QueryRowContext(ctx, `
		SELECT EXISTS (
			SELECT 1 FROM otp_codes
			WHERE identity = $1 AND purpose = $2
			  AND verified = true AND verified_at > $3
		)`, identity, purpose, v.now().Add(-VerificationValidity)).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("failed to check verification: %w", err)
	}
	return exists, nil
}

// Cleanup deletes expired unverified codes and verified records past the
// 24-hour validity window. Run periodically.
func (v *Verifier) Cleanup(ctx context.Context) (int64, error) {
	now := v.now()
	result, err := v.db.ExecContext(ctx, `
		DELETE FROM otp_codes
		WHERE (verified = false AND expires_at < $1)
		   OR (verified = true AND verified_at < $2)`,
		now, now.Add(-VerificationValidity))
	if err != nil {
		return 0, fmt.Errorf("failed to clean up codes: %w", err)
	}
	removed, err := result.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("failed to count cleaned up codes: %w", err)
	}
	return removed, nil
}
