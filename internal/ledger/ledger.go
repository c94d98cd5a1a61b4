// Package ledger owns per-user credit balances and the append-only
// transaction log behind them. Every balance mutation happens inside a
// database transaction holding a row lock on the user's balance, so
// concurrent operations for one user serialize while different users never
// contend.
package ledger

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/failsafe-go/failsafe-go/retrypolicy"
	"github.com/google/uuid"

	"lessonworks/pkg/clients"
	"lessonworks/pkg/logging"
	"lessonworks/pkg/models"
)

// Domain outcomes. Callers branch on these; they are expected results, not
// infrastructure failures, and are never retried.
var (
	// ErrInsufficientCredits means the available balance cannot cover the
	// requested amount.
	ErrInsufficientCredits = errors.New("insufficient credits")
	// ErrOverdraftAttempt means a settlement tried to use more credits than
	// were reserved. That is a caller bug, not a user-facing outcome.
	ErrOverdraftAttempt = errors.New("settlement exceeds reservation")
	// ErrBalanceNotFound means no balance row exists for the user yet.
	ErrBalanceNotFound = errors.New("credit balance not found")
	// ErrInvalidAmount rejects zero or negative amounts.
	ErrInvalidAmount = errors.New("amount must be positive")
	// ErrUnavailable is the terminal form of an infrastructure fault, after
	// the single in-component retry has been spent.
	ErrUnavailable = errors.New("credit ledger unavailable")
)

// Ledger performs all credit balance mutations. Construct one per process
// and share it; all methods are safe for concurrent use.
type Ledger struct {
	db     *sql.DB
	logger logging.Logger
	retry  retrypolicy.RetryPolicy[any]
}

// New creates a Ledger on the given database handle.
func New(db *sql.DB, logger logging.Logger) *Ledger {
	cfg := clients.DefaultStorageRetryConfig()
	cfg.ShouldRetry = func(err error) bool { return !isDomainError(err) }
	return &Ledger{
		db:     db,
		logger: logger,
		retry:  clients.NewStorageRetryPolicy(cfg),
	}
}

func isDomainError(err error) bool {
	return errors.Is(err, ErrInsufficientCredits) ||
		errors.Is(err, ErrOverdraftAttempt) ||
		errors.Is(err, ErrBalanceNotFound) ||
		errors.Is(err, ErrInvalidAmount)
}

// GetBalance returns the current balance for a user.
func (l *Ledger) GetBalance(ctx context.Context, userID string) (*models.CreditBalance, error) {
	balance := &models.CreditBalance{UserID: userID}
	err := l.db.QueryRowContext(ctx, `
		SELECT total_credits, available_credits, reserved_credits, updated_at
		FROM credit_balances
		WHERE user_id = $1`, userID).
		Scan(&balance.TotalCredits, &balance.AvailableCredits, &balance.ReservedCredits, &balance.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrBalanceNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	return balance, nil
}

// Grant adds credits to a user's total and available buckets, creating the
// balance row on first grant. validityDays is recorded on the transaction for
// audit; expiry enforcement is a purchasing concern, not a ledger one.
func (l *Ledger) Grant(ctx context.Context, userID string, amount int64, reason string, validityDays int) (*models.CreditBalance, error) {
	if amount <= 0 {
		return nil, ErrInvalidAmount
	}

	var expiresAt *time.Time
	if validityDays > 0 {
		t := time.Now().AddDate(0, 0, validityDays)
		expiresAt = &t
	}

	return l.runBalanceTx(ctx, func(tx *sql.Tx) (*models.CreditBalance, error) {
		balance, err := l.lockBalanceTx(tx, userID, true)
		if err != nil {
			return nil, err
		}

		balance.TotalCredits += amount
		balance.AvailableCredits += amount

		if err := l.writeBalanceTx(tx, balance); err != nil {
			return nil, err
		}
		if err := l.appendTransactionTx(tx, balance, models.TxGrant, amount, nil, reason, expiresAt); err != nil {
			return nil, err
		}
		return balance, nil
	})
}

// Reserve moves credits from available to reserved as a hold for the given
// session. The balance row lock guarantees two concurrent reservations can
// never both succeed past availability.
func (l *Ledger) Reserve(ctx context.Context, userID string, amount int64, sessionID string) (*models.CreditBalance, error) {
	return l.runBalanceTx(ctx, func(tx *sql.Tx) (*models.CreditBalance, error) {
		return l.ReserveTx(tx, userID, amount, sessionID)
	})
}

// ReserveTx is Reserve inside a caller-held transaction. The session manager
// uses it so a session row and its reservation commit atomically.
func (l *Ledger) ReserveTx(tx *sql.Tx, userID string, amount int64, sessionID string) (*models.CreditBalance, error) {
	if amount <= 0 {
		return nil, ErrInvalidAmount
	}

	balance, err := l.lockBalanceTx(tx, userID, false)
	if errors.Is(err, ErrBalanceNotFound) {
		// No balance row means zero available credits.
		return nil, ErrInsufficientCredits
	}
	if err != nil {
		return nil, err
	}

	if balance.AvailableCredits < amount {
		return nil, ErrInsufficientCredits
	}

	balance.AvailableCredits -= amount
	balance.ReservedCredits += amount

	if err := l.writeBalanceTx(tx, balance); err != nil {
		return nil, err
	}
	if err := l.appendTransactionTx(tx, balance, models.TxReserve, -amount, &sessionID, "session reservation", nil); err != nil {
		return nil, err
	}
	return balance, nil
}

// Settle converts a reservation into a final charge. usedAmount is deducted
// from the total, the unused remainder returns to available, and the full
// reservedAmount leaves the reserved bucket. usedAmount above reservedAmount
// is rejected; extensions must re-reserve before they can be billed.
func (l *Ledger) Settle(ctx context.Context, userID, sessionID string, reservedAmount, usedAmount int64) (*models.CreditBalance, error) {
	return l.runBalanceTx(ctx, func(tx *sql.Tx) (*models.CreditBalance, error) {
		return l.SettleTx(tx, userID, sessionID, reservedAmount, usedAmount)
	})
}

// SettleTx is Settle inside a caller-held transaction.
func (l *Ledger) SettleTx(tx *sql.Tx, userID, sessionID string, reservedAmount, usedAmount int64) (*models.CreditBalance, error) {
	if reservedAmount < 0 || usedAmount < 0 {
		return nil, ErrInvalidAmount
	}
	if usedAmount > reservedAmount {
		l.logger.WithFields(logging.Fields{
			"user_id":    userID,
			"session_id": sessionID,
			"reserved":   reservedAmount,
			"used":       usedAmount,
		}).Error("Settlement attempted to use more than reserved")
		return nil, ErrOverdraftAttempt
	}

	balance, err := l.lockBalanceTx(tx, userID, false)
	if err != nil {
		return nil, err
	}

	if balance.ReservedCredits < reservedAmount {
		l.logger.WithFields(logging.Fields{
			"user_id":    userID,
			"session_id": sessionID,
			"reserved":   reservedAmount,
			"held":       balance.ReservedCredits,
		}).Error("Settlement exceeds outstanding reservations")
		return nil, ErrOverdraftAttempt
	}

	refund := reservedAmount - usedAmount
	balance.TotalCredits -= usedAmount
	balance.AvailableCredits += refund
	balance.ReservedCredits -= reservedAmount

	if err := l.writeBalanceTx(tx, balance); err != nil {
		return nil, err
	}
	if err := l.appendTransactionTx(tx, balance, models.TxDeduct, -usedAmount, &sessionID, "session settlement", nil); err != nil {
		return nil, err
	}
	if refund > 0 {
		if err := l.appendTransactionTx(tx, balance, models.TxRefund, refund, &sessionID, "unused reservation refund", nil); err != nil {
			return nil, err
		}
	}
	return balance, nil
}

// Deduct removes credits directly from the available balance, outside the
// reservation flow. Used for administrative corrections.
func (l *Ledger) Deduct(ctx context.Context, userID string, amount int64, reason string) (*models.CreditBalance, error) {
	if amount <= 0 {
		return nil, ErrInvalidAmount
	}

	return l.runBalanceTx(ctx, func(tx *sql.Tx) (*models.CreditBalance, error) {
		balance, err := l.lockBalanceTx(tx, userID, false)
		if errors.Is(err, ErrBalanceNotFound) {
			return nil, ErrInsufficientCredits
		}
		if err != nil {
			return nil, err
		}

		if balance.AvailableCredits < amount {
			return nil, ErrInsufficientCredits
		}

		balance.TotalCredits -= amount
		balance.AvailableCredits -= amount

		if err := l.writeBalanceTx(tx, balance); err != nil {
			return nil, err
		}
		if err := l.appendTransactionTx(tx, balance, models.TxDeduct, -amount, nil, reason, nil); err != nil {
			return nil, err
		}
		return balance, nil
	})
}

// ListTransactions returns the most recent transactions for a user, newest
// first.
func (l *Ledger) ListTransactions(ctx context.Context, userID string, limit int) ([]models.CreditTransaction, error) {
	if limit <= 0 || limit > 200 {
		limit = 50
	}

	rows, err := l.db.QueryContext(ctx, `
		SELECT id, user_id, transaction_type, amount,
		       total_after, available_after, reserved_after,
		       session_id, reason, expires_at, created_at
		FROM credit_transactions
		WHERE user_id = $1
		ORDER BY created_at DESC
		LIMIT $2`, userID, limit)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	defer rows.Close()

	return scanTransactions(rows)
}

// SessionTransactions returns the ledger entries referencing one session,
// oldest first, for session detail views.
func (l *Ledger) SessionTransactions(ctx context.Context, sessionID string) ([]models.CreditTransaction, error) {
	rows, err := l.db.QueryContext(ctx, `
		SELECT id, user_id, transaction_type, amount,
		       total_after, available_after, reserved_after,
		       session_id, reason, expires_at, created_at
		FROM credit_transactions
		WHERE session_id = $1
		ORDER BY created_at ASC`, sessionID)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	defer rows.Close()

	return scanTransactions(rows)
}

func scanTransactions(rows *sql.Rows) ([]models.CreditTransaction, error) {
	var transactions []models.CreditTransaction
	for rows.Next() {
		var (
			txn       models.CreditTransaction
			sessionID sql.NullString
			reason    sql.NullString
			expiresAt sql.NullTime
		)
		if err := rows.Scan(&txn.ID, &txn.UserID, &txn.Type, &txn.Amount,
			&txn.TotalAfter, &txn.AvailableAfter, &txn.ReservedAfter,
			&sessionID, &reason, &expiresAt, &txn.CreatedAt); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrUnavailable, err)
		}
		if sessionID.Valid {
			txn.SessionID = &sessionID.String
		}
		if reason.Valid {
			txn.Reason = reason.String
		}
		if expiresAt.Valid {
			txn.ExpiresAt = &expiresAt.Time
		}
		transactions = append(transactions, txn)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	return transactions, nil
}

// runBalanceTx runs fn inside a transaction, retrying infrastructure faults
// once before surfacing them as ErrUnavailable. Domain outcomes pass through
// untouched on the first attempt.
func (l *Ledger) runBalanceTx(ctx context.Context, fn func(tx *sql.Tx) (*models.CreditBalance, error)) (*models.CreditBalance, error) {
	var balance *models.CreditBalance

	err := clients.RunWithRetry(ctx, l.retry, func() error {
		tx, err := l.db.BeginTx(ctx, nil)
		if err != nil {
			return err
		}
		defer tx.Rollback() //nolint:errcheck // rollback is best-effort

		balance, err = fn(tx)
		if err != nil {
			return err
		}
		return tx.Commit()
	})
	if err != nil {
		if isDomainError(err) {
			return nil, err
		}
		return nil, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	return balance, nil
}

// lockBalanceTx locks the user's balance row for the rest of the transaction.
// With create set, a zero row is inserted first so first-time users get a
// lockable row.
func (l *Ledger) lockBalanceTx(tx *sql.Tx, userID string, create bool) (*models.CreditBalance, error) {
	if create {
		if _, err := tx.Exec(`
			INSERT INTO credit_balances (user_id, total_credits, available_credits, reserved_credits)
			VALUES ($1, 0, 0, 0)
			ON CONFLICT (user_id) DO NOTHING`, userID); err != nil {
			return nil, fmt.Errorf("failed to ensure credit balance: %w", err)
		}
	}

	balance := &models.CreditBalance{UserID: userID}
	err := tx.QueryRow(`
		SELECT total_credits, available_credits, reserved_credits
		FROM credit_balances
		WHERE user_id = $1
		FOR UPDATE`, userID).
		Scan(&balance.TotalCredits, &balance.AvailableCredits, &balance.ReservedCredits)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrBalanceNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to lock credit balance: %w", err)
	}
	return balance, nil
}

func (l *Ledger) writeBalanceTx(tx *sql.Tx, balance *models.CreditBalance) error {
	_, err := tx.Exec(`
		UPDATE credit_balances
		SET total_credits = $1, available_credits = $2, reserved_credits = $3, updated_at = NOW()
		WHERE user_id = $4`,
		balance.TotalCredits, balance.AvailableCredits, balance.ReservedCredits, balance.UserID)
	if err != nil {
		return fmt.Errorf("failed to update credit balance: %w", err)
	}
	return nil
}

func (l *Ledger) appendTransactionTx(tx *sql.Tx, balance *models.CreditBalance, txType string, amount int64, sessionID *string, reason string, expiresAt *time.Time) error {
	_, err := tx.Exec(`
		INSERT INTO credit_transactions (
			id, user_id, transaction_type, amount,
			total_after, available_after, reserved_after,
			session_id, reason, expires_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)`,
		uuid.NewString(), balance.UserID, txType, amount,
		balance.TotalCredits, balance.AvailableCredits, balance.ReservedCredits,
		sessionID, reason, expiresAt)
	if err != nil {
		return fmt.Errorf("failed to append credit transaction: %w", err)
	}
	return nil
}
