package handlers

import (
	"errors"
	"net/http"

	"lessonworks/internal/ledger"
	"lessonworks/internal/otp"
	"lessonworks/internal/sessions"
	"lessonworks/pkg/flow"
	"lessonworks/pkg/middleware"
)

// writeError maps domain outcomes to HTTP responses. Internal error detail
// never leaks to the caller; infrastructure faults all collapse to 503.
func writeError(c middleware.Context, err error) {
	var (
		cooldown    *otp.CooldownError
		mismatch    *otp.MismatchError
		unknownStep *flow.ErrUnknownStep
	)

	switch {
	case errors.Is(err, ledger.ErrInsufficientCredits):
		c.JSON(http.StatusPaymentRequired, ErrorResponse{Error: "Insufficient credits, please top up"})

	case errors.Is(err, ledger.ErrBalanceNotFound),
		errors.Is(err, sessions.ErrSessionNotFound),
		errors.Is(err, sessions.ErrSessionTypeNotFound),
		errors.Is(err, otp.ErrNotFound):
		c.JSON(http.StatusNotFound, ErrorResponse{Error: "Not found"})

	case errors.As(err, &cooldown):
		c.JSON(http.StatusTooManyRequests, ErrorResponse{
			Error:             "Code sent recently, please wait before requesting another",
			RetryAfterSeconds: int(cooldown.RetryAfter.Seconds() + 0.5),
		})

	case errors.As(err, &mismatch):
		remaining := mismatch.AttemptsRemaining
		c.JSON(http.StatusBadRequest, ErrorResponse{
			Error:             "Incorrect verification code",
			AttemptsRemaining: &remaining,
		})

	case errors.Is(err, otp.ErrTooManyAttempts):
		c.JSON(http.StatusTooManyRequests, ErrorResponse{Error: "Too many attempts, request a new code"})

	case errors.Is(err, otp.ErrExpired):
		c.JSON(http.StatusGone, ErrorResponse{Error: "Verification code expired, request a new one"})

	case errors.Is(err, sessions.ErrInvalidTransition):
		c.JSON(http.StatusConflict, ErrorResponse{Error: "Session state does not allow this operation"})

	case errors.Is(err, sessions.ErrInvalidEndReason),
		errors.Is(err, sessions.ErrExceedsMaxDuration),
		errors.Is(err, ledger.ErrInvalidAmount),
		errors.Is(err, otp.ErrUnknownPurpose),
		errors.As(err, &unknownStep):
		c.JSON(http.StatusBadRequest, ErrorResponse{Error: err.Error()})

	case errors.Is(err, ledger.ErrOverdraftAttempt):
		// Caller-contract violation; already logged by the ledger as a bug.
		c.JSON(http.StatusInternalServerError, ErrorResponse{Error: "Internal error"})

	case errors.Is(err, ledger.ErrUnavailable):
		c.JSON(http.StatusServiceUnavailable, ErrorResponse{Error: "Service temporarily unavailable, please retry"})

	default:
		logger.WithError(err).Error("Unhandled error in request handler")
		c.JSON(http.StatusInternalServerError, ErrorResponse{Error: "Internal error"})
	}
}
