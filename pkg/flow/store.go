package flow

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
)

// Store loads and saves per-user flow state. The state itself is a value
// object; implementations only move it in and out of durable storage.
type Store interface {
	Load(ctx context.Context, userID string) (*State, error)
	Save(ctx context.Context, userID string, state *State) error
	Delete(ctx context.Context, userID string) error
}

// PostgresStore persists flow state in the user_flow_states table.
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore creates a Postgres-backed flow store.
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

// Load returns the stored state for a user, or a fresh initial state when
// none exists yet.
func (s *PostgresStore) Load(ctx context.Context, userID string) (*State, error) {
	var (
		state          State
		completedSteps []byte
		userData       []byte
	)

	err := s.db.QueryRowContext(ctx, `
		SELECT current_step, completed_steps, user_data, updated_at
		FROM user_flow_states
		WHERE user_id = $1`, userID).
		Scan(&state.CurrentStep, &completedSteps, &userData, &state.UpdatedAt)
	if err == sql.ErrNoRows {
		return NewState(), nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load flow state: %w", err)
	}

	if err := json.Unmarshal(completedSteps, &state.CompletedSteps); err != nil {
		return nil, fmt.Errorf("failed to decode completed steps: %w", err)
	}
	if err := json.Unmarshal(userData, &state.UserData); err != nil {
		return nil, fmt.Errorf("failed to decode user data: %w", err)
	}
	return &state, nil
}

// Save upserts the state for a user.
func (s *PostgresStore) Save(ctx context.Context, userID string, state *State) error {
	completedSteps, err := json.Marshal(state.CompletedSteps)
	if err != nil {
		return fmt.Errorf("failed to encode completed steps: %w", err)
	}
	userData, err := json.Marshal(state.UserData)
	if err != nil {
		return fmt.Errorf("failed to encode user data: %w", err)
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO user_flow_states (user_id, current_step, completed_steps, user_data, updated_at)
		VALUES ($1, $2, $3, $4, NOW())
		ON CONFLICT (user_id) DO UPDATE SET
			current_step = EXCLUDED.current_step,
			completed_steps = EXCLUDED.completed_steps,
			user_data = EXCLUDED.user_data,
			updated_at = NOW()`,
		userID, state.CurrentStep, completedSteps, userData)
	if err != nil {
		return fmt.Errorf("failed to save flow state: %w", err)
	}
	return nil
}

// Delete removes the stored state for a user. Missing rows are not an error.
func (s *PostgresStore) Delete(ctx context.Context, userID string) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM user_flow_states WHERE user_id = $1`, userID); err != nil {
		return fmt.Errorf("failed to delete flow state: %w", err)
	}
	return nil
}
