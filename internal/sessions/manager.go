// Package sessions owns the billable session lifecycle: scheduled sessions
// become active, may pause, resume and extend, and always end in exactly one
// terminal state with the credit ledger settled. All transitions for one
// session serialize on a row lock; different sessions never contend.
package sessions

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"math"
	"time"

	"github.com/google/uuid"

	"lessonworks/internal/ledger"
	"lessonworks/pkg/logging"
	"lessonworks/pkg/models"
	"lessonworks/pkg/pagination"
)

var (
	// ErrSessionNotFound means no session exists with the given id.
	ErrSessionNotFound = errors.New("session not found")
	// ErrInvalidTransition rejects a lifecycle move the current status does
	// not permit, such as pausing a scheduled session.
	ErrInvalidTransition = errors.New("invalid session state transition")
	// ErrInvalidEndReason rejects end reasons outside completed, cancelled
	// and expired.
	ErrInvalidEndReason = errors.New("invalid end reason")
	// ErrExceedsMaxDuration rejects extensions past the session type's
	// maximum duration.
	ErrExceedsMaxDuration = errors.New("extension exceeds maximum session duration")
)

// StaleSessionThreshold is how long a session may stay active past its start
// before the background sweep force-expires it.
const StaleSessionThreshold = 4 * time.Hour

// StartRequest describes a new session.
type StartRequest struct {
	UserID        string
	SessionTypeID string
	BillingMode   string
	// ScheduledAt defers activation. When nil the session activates (and
	// reserves credits) immediately.
	ScheduledAt *time.Time
}

// Manager drives session lifecycle transitions and the ledger effects they
// carry. Safe for concurrent use.
type Manager struct {
	db      *sql.DB
	ledger  *ledger.Ledger
	catalog Catalog
	logger  logging.Logger
	now     func() time.Time
}

// NewManager creates a session manager.
func NewManager(db *sql.DB, creditLedger *ledger.Ledger, catalog Catalog, logger logging.Logger) *Manager {
	return &Manager{
		db:      db,
		ledger:  creditLedger,
		catalog: catalog,
		logger:  logger,
		now:     time.Now,
	}
}

// creditsFor converts elapsed minutes into whole credits, always rounding up.
func creditsFor(minutes, creditsPerMinute float64) int64 {
	if minutes <= 0 || creditsPerMinute <= 0 {
		return 0
	}
	return int64(math.Ceil(minutes * creditsPerMinute))
}

// Start creates a session. Immediate starts reserve the session type's credit
// cost and activate in one transaction; insufficient credits fail the request
// and no session is created. Scheduled starts hold no credits until Activate.
func (m *Manager) Start(ctx context.Context, req StartRequest) (*models.Session, error) {
	billingMode := req.BillingMode
	if billingMode == "" {
		billingMode = models.BillingPrepaid
	}
	switch billingMode {
	case models.BillingPrepaid, models.BillingPostpaid, models.BillingFree:
	default:
		return nil, fmt.Errorf("unknown billing mode %q", billingMode)
	}

	sessionType, err := m.catalog.GetSessionType(ctx, req.SessionTypeID)
	if err != nil {
		return nil, err
	}

	now := m.now()
	session := &models.Session{
		ID:               uuid.NewString(),
		UserID:           req.UserID,
		SessionTypeID:    sessionType.ID,
		BillingMode:      billingMode,
		CreditsPerMinute: sessionType.CreditsPerMinute,
		AllowedMinutes:   sessionType.BaseDurationMinutes,
		CreatedAt:        now,
		UpdatedAt:        now,
	}

	scheduled := req.ScheduledAt != nil && req.ScheduledAt.After(now)
	if scheduled {
		session.Status = models.SessionScheduled
		session.ScheduledAt = req.ScheduledAt
	} else {
		session.Status = models.SessionActive
		session.StartedAt = &now
	}

	tx, err := m.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to start transaction: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck // rollback is best-effort

	if !scheduled && billingMode == models.BillingPrepaid && sessionType.CreditCost > 0 {
		if _, err := m.ledger.ReserveTx(tx, req.UserID, sessionType.CreditCost, session.ID); err != nil {
			return nil, err
		}
		session.CreditsReserved = sessionType.CreditCost
	}

	if _, err := tx.Exec(`
		INSERT INTO sessions (
			id, user_id, session_type_id, status, billing_mode,
			credits_reserved, credits_per_minute, allowed_minutes,
			scheduled_at, started_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)`,
		session.ID, session.UserID, session.SessionTypeID, session.Status, session.BillingMode,
		session.CreditsReserved, session.CreditsPerMinute, session.AllowedMinutes,
		session.ScheduledAt, session.StartedAt); err != nil {
		return nil, fmt.Errorf("failed to create session: %w", err)
	}

	event := "started"
	if scheduled {
		event = "scheduled"
	}
	if err := m.appendActivityTx(tx, session.ID, event, models.JSONB{
		"billing_mode":     billingMode,
		"credits_reserved": session.CreditsReserved,
	}); err != nil {
		return nil, err
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("failed to commit session start: %w", err)
	}

	m.logger.WithFields(logging.Fields{
		"session_id":       session.ID,
		"user_id":          session.UserID,
		"status":           session.Status,
		"credits_reserved": session.CreditsReserved,
	}).Info("Session created")

	return session, nil
}

// Activate moves a scheduled session to active, reserving its credit cost.
// Activating an already-active session is a no-op success so clients can
// safely retry. userID scopes the lookup to the caller's own sessions; empty
// means unscoped (service callers).
func (m *Manager) Activate(ctx context.Context, userID, sessionID string) (*models.Session, error) {
	tx, err := m.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to start transaction: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck // rollback is best-effort

	session, err := m.lockSessionTx(tx, userID, sessionID)
	if err != nil {
		return nil, err
	}

	if session.Status == models.SessionActive {
		return session, tx.Rollback()
	}
	if session.Status != models.SessionScheduled {
		return nil, ErrInvalidTransition
	}

	sessionType, err := m.catalog.GetSessionType(ctx, session.SessionTypeID)
	if err != nil {
		return nil, err
	}

	if session.BillingMode == models.BillingPrepaid && sessionType.CreditCost > 0 {
		if _, err := m.ledger.ReserveTx(tx, session.UserID, sessionType.CreditCost, session.ID); err != nil {
			return nil, err
		}
		session.CreditsReserved = sessionType.CreditCost
	}

	now := m.now()
	session.Status = models.SessionActive
	session.StartedAt = &now

	if _, err := tx.Exec(`
		UPDATE sessions
		SET status = $1, started_at = $2, credits_reserved = $3, updated_at = NOW()
		WHERE id = $4`,
		session.Status, session.StartedAt, session.CreditsReserved, session.ID); err != nil {
		return nil, fmt.Errorf("failed to activate session: %w", err)
	}

	if err := m.appendActivityTx(tx, session.ID, "started", models.JSONB{
		"credits_reserved": session.CreditsReserved,
	}); err != nil {
		return nil, err
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("failed to commit session activation: %w", err)
	}
	return session, nil
}

// Pause suspends an active session. No ledger effect.
func (m *Manager) Pause(ctx context.Context, userID, sessionID string) (*models.Session, error) {
	return m.transition(ctx, userID, sessionID, models.SessionActive, models.SessionPaused, "paused")
}

// Resume reactivates a paused session. No ledger effect.
func (m *Manager) Resume(ctx context.Context, userID, sessionID string) (*models.Session, error) {
	return m.transition(ctx, userID, sessionID, models.SessionPaused, models.SessionActive, "resumed")
}

func (m *Manager) transition(ctx context.Context, userID, sessionID, from, to, event string) (*models.Session, error) {
	tx, err := m.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to start transaction: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck // rollback is best-effort

	session, err := m.lockSessionTx(tx, userID, sessionID)
	if err != nil {
		return nil, err
	}
	if session.Status != from {
		return nil, ErrInvalidTransition
	}

	session.Status = to
	if _, err := tx.Exec(`UPDATE sessions SET status = $1, updated_at = NOW() WHERE id = $2`,
		session.Status, session.ID); err != nil {
		return nil, fmt.Errorf("failed to update session status: %w", err)
	}
	if err := m.appendActivityTx(tx, session.ID, event, nil); err != nil {
		return nil, err
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("failed to commit session transition: %w", err)
	}
	return session, nil
}

// Extend adds minutes to an active or paused session, reserving the extra
// cost first. An insufficient balance rejects only the extension; the session
// keeps running untouched.
func (m *Manager) Extend(ctx context.Context, userID, sessionID string, additionalMinutes int) (*models.Session, error) {
	if additionalMinutes <= 0 {
		return nil, fmt.Errorf("additional minutes must be positive")
	}

	tx, err := m.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to start transaction: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck // rollback is best-effort

	session, err := m.lockSessionTx(tx, userID, sessionID)
	if err != nil {
		return nil, err
	}
	if session.Status != models.SessionActive && session.Status != models.SessionPaused {
		return nil, ErrInvalidTransition
	}

	sessionType, err := m.catalog.GetSessionType(ctx, session.SessionTypeID)
	if err != nil {
		return nil, err
	}
	if session.AllowedMinutes+additionalMinutes > sessionType.MaxDurationMinutes {
		return nil, ErrExceedsMaxDuration
	}

	additionalCost := creditsFor(float64(additionalMinutes), session.CreditsPerMinute)
	if session.BillingMode == models.BillingPrepaid && additionalCost > 0 {
		if _, err := m.ledger.ReserveTx(tx, session.UserID, additionalCost, session.ID); err != nil {
			return nil, err
		}
		session.CreditsReserved += additionalCost
	}
	session.AllowedMinutes += additionalMinutes

	if _, err := tx.Exec(`
		UPDATE sessions
		SET credits_reserved = $1, allowed_minutes = $2, updated_at = NOW()
		WHERE id = $3`,
		session.CreditsReserved, session.AllowedMinutes, session.ID); err != nil {
		return nil, fmt.Errorf("failed to extend session: %w", err)
	}

	if err := m.appendActivityTx(tx, session.ID, "extended", models.JSONB{
		"additional_minutes": additionalMinutes,
		"additional_credits": additionalCost,
	}); err != nil {
		return nil, err
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("failed to commit session extension: %w", err)
	}
	return session, nil
}

// End terminates a session with the given reason and settles the ledger.
// Billable minutes are clamped to the allowed duration, so overruns past the
// purchased time are not charged. Ending an already-terminal session is a
// no-op success returning the terminal state unchanged. userID scopes the
// lookup to the caller's own sessions; empty means unscoped (the sweep and
// service callers).
func (m *Manager) End(ctx context.Context, userID, sessionID, reason string) (*models.Session, error) {
	var status string
	switch reason {
	case models.EndReasonCompleted:
		status = models.SessionCompleted
	case models.EndReasonCancelled:
		status = models.SessionCancelled
	case models.EndReasonExpired:
		status = models.SessionExpired
	default:
		return nil, ErrInvalidEndReason
	}

	tx, err := m.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to start transaction: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck // rollback is best-effort

	session, err := m.lockSessionTx(tx, userID, sessionID)
	if err != nil {
		return nil, err
	}
	if session.IsTerminal() {
		return session, tx.Rollback()
	}

	now := m.now()
	var elapsedMinutes float64
	if session.StartedAt != nil {
		elapsedMinutes = now.Sub(*session.StartedAt).Minutes()
	}
	if elapsedMinutes < 0 {
		elapsedMinutes = 0
	}
	if max := float64(session.AllowedMinutes); elapsedMinutes > max {
		elapsedMinutes = max
	}

	var creditsUsed int64
	switch session.BillingMode {
	case models.BillingPrepaid:
		creditsUsed = creditsFor(elapsedMinutes, session.CreditsPerMinute)
		if creditsUsed > session.CreditsReserved {
			creditsUsed = session.CreditsReserved
		}
	case models.BillingPostpaid:
		// Recorded for external invoicing; the ledger holds nothing to settle.
		creditsUsed = creditsFor(elapsedMinutes, session.CreditsPerMinute)
	case models.BillingFree:
		creditsUsed = 0
	}

	if session.BillingMode == models.BillingPrepaid && session.CreditsReserved > 0 {
		if _, err := m.ledger.SettleTx(tx, session.UserID, session.ID, session.CreditsReserved, creditsUsed); err != nil {
			return nil, err
		}
	}

	session.Status = status
	session.CreditsUsed = creditsUsed
	session.EndedAt = &now
	session.DurationMinutes = int(math.Ceil(elapsedMinutes))
	session.EndReason = &reason

	if _, err := tx.Exec(`
		UPDATE sessions
		SET status = $1, credits_used = $2, ended_at = $3, duration_minutes = $4,
		    end_reason = $5, updated_at = NOW()
		WHERE id = $6`,
		session.Status, session.CreditsUsed, session.EndedAt, session.DurationMinutes,
		reason, session.ID); err != nil {
		return nil, fmt.Errorf("failed to end session: %w", err)
	}

	if err := m.appendActivityTx(tx, session.ID, "ended", models.JSONB{
		"reason":       reason,
		"credits_used": creditsUsed,
	}); err != nil {
		return nil, err
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("failed to commit session end: %w", err)
	}

	m.logger.WithFields(logging.Fields{
		"session_id":   session.ID,
		"user_id":      session.UserID,
		"status":       session.Status,
		"credits_used": creditsUsed,
		"duration_min": session.DurationMinutes,
	}).Info("Session ended")

	return session, nil
}

// SweepStale force-expires sessions left active or paused past the staleness
// threshold, releasing their reserved credits. Returns how many sessions were
// expired.
func (m *Manager) SweepStale(ctx context.Context, olderThan time.Duration) (int, error) {
	cutoff := m.now().Add(-olderThan)

	rows, err := m.db.QueryContext(ctx, `
		SELECT id FROM sessions
		WHERE status IN ('active', 'paused') AND started_at < $1`, cutoff)
	if err != nil {
		return 0, fmt.Errorf("failed to find stale sessions: %w", err)
	}

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			rows.Close()
			return 0, fmt.Errorf("failed to scan stale session: %w", err)
		}
		ids = append(ids, id)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return 0, err
	}

	expired := 0
	for _, id := range ids {
		if _, err := m.End(ctx, "", id, models.EndReasonExpired); err != nil {
			// Keep sweeping; the next run retries whatever failed here.
			m.logger.WithError(err).WithField("session_id", id).Warn("Failed to expire stale session")
			continue
		}
		expired++
	}

	if expired > 0 {
		m.logger.WithFields(logging.Fields{
			"count":  expired,
			"cutoff": cutoff,
		}).Info("Expired stale sessions")
	}
	return expired, nil
}

// lockSessionTx locks one session row for the transaction. A non-empty userID
// scopes the lookup so a caller can never lock another user's session; a miss
// on the scoped lookup reads the same as a missing session.
func (m *Manager) lockSessionTx(tx *sql.Tx, userID, sessionID string) (*models.Session, error) {
	where := `WHERE id = $1`
	args := []interface{}{sessionID}
	if userID != "" {
		where = `WHERE id = $1 AND user_id = $2`
		args = append(args, userID)
	}

	session := &models.Session{}
	var (
		scheduledAt sql.NullTime
		startedAt   sql.NullTime
		endedAt     sql.NullTime
		endReason   sql.NullString
	)
	err := tx.QueryRow(`
		SELECT id, user_id, session_type_id, status, billing_mode,
		       credits_reserved, credits_used, credits_per_minute, allowed_minutes,
		       scheduled_at, started_at, ended_at, duration_minutes, end_reason,
		       created_at, updated_at
		FROM sessions
		`+where+`
		FOR UPDATE`, args...).
		Scan(&session.ID, &session.UserID, &session.SessionTypeID, &session.Status, &session.BillingMode,
			&session.CreditsReserved, &session.CreditsUsed, &session.CreditsPerMinute, &session.AllowedMinutes,
			&scheduledAt, &startedAt, &endedAt, &session.DurationMinutes, &endReason,
			&session.CreatedAt, &session.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrSessionNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to lock session: %w", err)
	}

	if scheduledAt.Valid {
		session.ScheduledAt = &scheduledAt.Time
	}
	if startedAt.Valid {
		session.StartedAt = &startedAt.Time
	}
	if endedAt.Valid {
		session.EndedAt = &endedAt.Time
	}
	if endReason.Valid {
		session.EndReason = &endReason.String
	}
	return session, nil
}

func (m *Manager) appendActivityTx(tx *sql.Tx, sessionID, event string, details models.JSONB) error {
	_, err := tx.Exec(`
		INSERT INTO session_activity (id, session_id, event, details)
		VALUES ($1, $2, $3, $4)`,
		uuid.NewString(), sessionID, event, details)
	if err != nil {
		return fmt.Errorf("failed to append session activity: %w", err)
	}
	return nil
}

// GetSession returns one session by id. A non-empty userID restricts the
// lookup to that user's sessions.
func (m *Manager) GetSession(ctx context.Context, userID, sessionID string) (*models.Session, error) {
	if userID != "" {
		return m.querySession(ctx, `WHERE id = $1 AND user_id = $2`, sessionID, userID)
	}
	return m.querySession(ctx, `WHERE id = $1`, sessionID)
}

func (m *Manager) querySession(ctx context.Context, where string, args ...interface{}) (*models.Session, error) {
	session := &models.Session{}
	var (
		scheduledAt sql.NullTime
		startedAt   sql.NullTime
		endedAt     sql.NullTime
		endReason   sql.NullString
	)
	err := m.db.QueryRowContext(ctx, `
		SELECT id, user_id, session_type_id, status, billing_mode,
		       credits_reserved, credits_used, credits_per_minute, allowed_minutes,
		       scheduled_at, started_at, ended_at, duration_minutes, end_reason,
		       created_at, updated_at
		FROM sessions `+where, args...).
		Scan(&session.ID, &session.UserID, &session.SessionTypeID, &session.Status, &session.BillingMode,
			&session.CreditsReserved, &session.CreditsUsed, &session.CreditsPerMinute, &session.AllowedMinutes,
			&scheduledAt, &startedAt, &endedAt, &session.DurationMinutes, &endReason,
			&session.CreatedAt, &session.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrSessionNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load session: %w", err)
	}

	if scheduledAt.Valid {
		session.ScheduledAt = &scheduledAt.Time
	}
	if startedAt.Valid {
		session.StartedAt = &startedAt.Time
	}
	if endedAt.Valid {
		session.EndedAt = &endedAt.Time
	}
	if endReason.Valid {
		session.EndReason = &endReason.String
	}
	return session, nil
}

// GetDetails returns a session together with its activity log and the ledger
// transactions recorded against it. The session lookup is scoped by userID, so
// the activity and transaction reads below can only run for the caller's own
// session.
func (m *Manager) GetDetails(ctx context.Context, userID, sessionID string) (*models.SessionDetails, error) {
	session, err := m.GetSession(ctx, userID, sessionID)
	if err != nil {
		return nil, err
	}

	rows, err := m.db.QueryContext(ctx, `
		SELECT id, session_id, event, details, created_at
		FROM session_activity
		WHERE session_id = $1
		ORDER BY created_at ASC`, sessionID)
	if err != nil {
		return nil, fmt.Errorf("failed to load session activity: %w", err)
	}
	defer rows.Close()

	var activity []models.SessionActivity
	for rows.Next() {
		var entry models.SessionActivity
		if err := rows.Scan(&entry.ID, &entry.SessionID, &entry.Event, &entry.Details, &entry.CreatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan session activity: %w", err)
		}
		activity = append(activity, entry)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	transactions, err := m.ledger.SessionTransactions(ctx, sessionID)
	if err != nil {
		return nil, err
	}

	return &models.SessionDetails{
		Session:      *session,
		Activity:     activity,
		Transactions: transactions,
	}, nil
}

// ListActiveSessions returns in-flight (active or paused) sessions, optionally
// filtered by user.
func (m *Manager) ListActiveSessions(ctx context.Context, userID string) ([]models.Session, error) {
	query := `
		SELECT id, user_id, session_type_id, status, billing_mode,
		       credits_reserved, credits_used, credits_per_minute, allowed_minutes,
		       scheduled_at, started_at, ended_at, duration_minutes, end_reason,
		       created_at, updated_at
		FROM sessions
		WHERE status IN ('active', 'paused')`
	args := []interface{}{}
	if userID != "" {
		query += ` AND user_id = $1`
		args = append(args, userID)
	}
	query += ` ORDER BY started_at ASC NULLS LAST`

	rows, err := m.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list active sessions: %w", err)
	}
	defer rows.Close()

	return scanSessions(rows)
}

// ListUserSessions returns a user's sessions newest first with cursor
// pagination.
func (m *Manager) ListUserSessions(ctx context.Context, userID string, req *pagination.Request) ([]models.Session, *pagination.PageInfo, error) {
	params, err := pagination.Parse(req)
	if err != nil {
		return nil, nil, err
	}

	var totalCount int32
	if err := m.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM sessions WHERE user_id = $1`, userID).Scan(&totalCount); err != nil {
		return nil, nil, fmt.Errorf("failed to count sessions: %w", err)
	}

	builder := &pagination.KeysetBuilder{TimestampColumn: "created_at", IDColumn: "id"}
	query := `
		SELECT id, user_id, session_type_id, status, billing_mode,
		       credits_reserved, credits_used, credits_per_minute, allowed_minutes,
		       scheduled_at, started_at, ended_at, duration_minutes, end_reason,
		       created_at, updated_at
		FROM sessions
		WHERE user_id = $1`
	args := []interface{}{userID}

	if cond, condArgs := builder.Condition(params, len(args)+1); cond != "" {
		query += ` AND ` + cond
		args = append(args, condArgs...)
	}
	query += ` ` + builder.OrderBy(params)
	query += fmt.Sprintf(` LIMIT $%d`, len(args)+1)
	args = append(args, params.Limit+1)

	rows, err := m.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to list sessions: %w", err)
	}
	defer rows.Close()

	results, err := scanSessions(rows)
	if err != nil {
		return nil, nil, err
	}

	fetched := len(results)
	if fetched > params.Limit {
		results = results[:params.Limit]
	}
	if params.Direction == pagination.Backward {
		for i, j := 0, len(results)-1; i < j; i, j = i+1, j-1 {
			results[i], results[j] = results[j], results[i]
		}
	}

	var startCursor, endCursor string
	if len(results) > 0 {
		startCursor = pagination.EncodeCursor(results[0].CreatedAt, results[0].ID)
		endCursor = pagination.EncodeCursor(results[len(results)-1].CreatedAt, results[len(results)-1].ID)
	}

	pageInfo := pagination.BuildResponse(fetched, params.Limit, params.Direction, totalCount, startCursor, endCursor)
	return results, pageInfo, nil
}

func scanSessions(rows *sql.Rows) ([]models.Session, error) {
	var sessions []models.Session
	for rows.Next() {
		var (
			session     models.Session
			scheduledAt sql.NullTime
			startedAt   sql.NullTime
			endedAt     sql.NullTime
			endReason   sql.NullString
		)
		if err := rows.Scan(&session.ID, &session.UserID, &session.SessionTypeID, &session.Status, &session.BillingMode,
			&session.CreditsReserved, &session.CreditsUsed, &session.CreditsPerMinute, &session.AllowedMinutes,
			&scheduledAt, &startedAt, &endedAt, &session.DurationMinutes, &endReason,
			&session.CreatedAt, &session.UpdatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan session: %w", err)
		}
		if scheduledAt.Valid {
			session.ScheduledAt = &scheduledAt.Time
		}
		if startedAt.Valid {
			session.StartedAt = &startedAt.Time
		}
		if endedAt.Valid {
			session.EndedAt = &endedAt.Time
		}
		if endReason.Valid {
			session.EndReason = &endReason.String
		}
		sessions = append(sessions, session)
	}
	return sessions, rows.Err()
}
