package sessions

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"lessonworks/pkg/cache"
	"lessonworks/pkg/models"
)

// ErrSessionTypeNotFound means the referenced catalog entry does not exist
// or is no longer active.
var ErrSessionTypeNotFound = errors.New("session type not found")

// Catalog resolves session types. The catalog is read-only from the session
// manager's point of view; entries never change during a session's life.
type Catalog interface {
	GetSessionType(ctx context.Context, id string) (*models.SessionType, error)
	ListSessionTypes(ctx context.Context) ([]models.SessionType, error)
}

// DBCatalog reads session types from Postgres with a short stale-while-
// revalidate cache in front, since the catalog changes rarely but is read on
// every session start and extension.
type DBCatalog struct {
	db    *sql.DB
	cache *cache.Cache
}

// NewDBCatalog creates a database-backed session type catalog. The hooks are
// optional and report cache hit/miss/stale counts.
func NewDBCatalog(db *sql.DB, hooks cache.MetricsHooks) *DBCatalog {
	return &DBCatalog{
		db: db,
		cache: cache.New(cache.Options{
			TTL:                  5 * time.Minute,
			StaleWhileRevalidate: time.Minute,
			NegativeTTL:          10 * time.Second,
			MaxEntries:           256,
		}, hooks),
	}
}

// GetSessionType returns one active catalog entry by id.
func (c *DBCatalog) GetSessionType(ctx context.Context, id string) (*models.SessionType, error) {
	val, found, err := c.cache.Get(ctx, "session-type:"+id, func(ctx context.Context, _ string) (interface{}, bool, error) {
		st := &models.SessionType{}
		err := c.db.QueryRowContext(ctx, `
			SELECT id, name, credit_cost, base_duration_minutes, max_duration_minutes,
			       credits_per_minute, capabilities, is_active, created_at
			FROM session_types
			WHERE id = $1 AND is_active = true`, id).
			Scan(&st.ID, &st.Name, &st.CreditCost, &st.BaseDurationMinutes, &st.MaxDurationMinutes,
				&st.CreditsPerMinute, &st.Capabilities, &st.IsActive, &st.CreatedAt)
		if errors.Is(err, sql.ErrNoRows) {
			return nil, false, nil
		}
		if err != nil {
			return nil, false, fmt.Errorf("failed to load session type: %w", err)
		}
		return st, true, nil
	})
	if err != nil {
		return nil, err
	}
	if !found {
		return nil, ErrSessionTypeNotFound
	}
	return val.(*models.SessionType), nil
}

// ListSessionTypes returns all active catalog entries.
func (c *DBCatalog) ListSessionTypes(ctx context.Context) ([]models.SessionType, error) {
	rows, err := c.db.QueryContext(ctx, `
		SELECT id, name, credit_cost, base_duration_minutes, max_duration_minutes,
		       credits_per_minute, capabilities, is_active, created_at
		FROM session_types
		WHERE is_active = true
		ORDER BY name`)
	if err != nil {
		return nil, fmt.Errorf("failed to list session types: %w", err)
	}
	defer rows.Close()

	var types []models.SessionType
	for rows.Next() {
		var st models.SessionType
		if err := rows.Scan(&st.ID, &st.Name, &st.CreditCost, &st.BaseDurationMinutes, &st.MaxDurationMinutes,
			&st.CreditsPerMinute, &st.Capabilities, &st.IsActive, &st.CreatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan session type: %w", err)
		}
		types = append(types, st)
	}
	return types, rows.Err()
}
