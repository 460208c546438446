package database

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"time"

	"github.com/jmoiron/sqlx"
)

// Store defines the interface for database operations. Methods accept a
// context.Context for cancellation and timeouts.
type Store interface {
	// Ping checks the database connection.
	Ping(ctx context.Context) error

	// ListAccounts retrieves all account records.
	ListAccounts(ctx context.Context) ([]AccountRecord, error)

	// SaveAccount inserts or updates an account record.
	SaveAccount(ctx context.Context, account *AccountRecord) error

	// ListArms retrieves all persisted bandit arms.
	ListArms(ctx context.Context) ([]ArmRecord, error)

	// UpsertArm inserts or replaces one bandit arm row.
	UpsertArm(ctx context.Context, arm *ArmRecord) error

	// InsertAttempt inserts a new committed action attempt.
	InsertAttempt(ctx context.Context, attempt *AttemptRecord) error

	// GetAttempt retrieves one attempt by ID. Returns sql.ErrNoRows if
	// the attempt does not exist.
	GetAttempt(ctx context.Context, attemptID string) (*AttemptRecord, error)

	// UpdateAttemptEngagement records the observed engagement for an
	// attempt. Returns sql.ErrNoRows if the attempt does not exist.
	UpdateAttemptEngagement(ctx context.Context, attemptID, engagement string, observedAt time.Time) error

	// ListUnobservedAttempts retrieves resolved attempts created before
	// the given time that have no engagement observation yet.
	ListUnobservedAttempts(ctx context.Context, before time.Time) ([]AttemptRecord, error)

	// RunSQLMaintenance performs database maintenance tasks like VACUUM.
	RunSQLMaintenance(ctx context.Context) error
}

// sqlxStore provides an implementation of the Store interface using sqlx.
type sqlxStore struct {
	db     *sqlx.DB
	logger *slog.Logger
}

// NewStore creates a new Store implementation backed by sqlx.
// It requires a connected sqlx.DB instance and a logger.
func NewStore(db *sqlx.DB, logger *slog.Logger) Store {
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	return &sqlxStore{
		db:     db,
		logger: logger.With("component", "store"),
	}
}

// Ping checks the database connection.
func (s *sqlxStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// ListAccounts retrieves all account records.
func (s *sqlxStore) ListAccounts(ctx context.Context) ([]AccountRecord, error) {
	var accounts []AccountRecord
	if err := s.db.SelectContext(ctx, &accounts, `SELECT * FROM accounts ORDER BY id`); err != nil {
		s.logger.ErrorContext(ctx, "Error listing accounts", "error", err)
		return nil, fmt.Errorf("failed to list accounts: %w", err)
	}
	return accounts, nil
}

// SaveAccount inserts or updates an account record.
func (s *sqlxStore) SaveAccount(ctx context.Context, account *AccountRecord) error {
	if account == nil {
		return fmt.Errorf("cannot save nil account")
	}
	if account.ID == "" {
		return fmt.Errorf("account must have a non-empty id")
	}

	now := time.Now().UTC()
	if account.CreatedAt.IsZero() {
		account.CreatedAt = now
	}
	account.UpdatedAt = now

	query := `
        INSERT INTO accounts (id, created_at, updated_at, phase, phase_started_at, status, cooldown_until, used_today, last_action_at)
        VALUES (:id, :created_at, :updated_at, :phase, :phase_started_at, :status, :cooldown_until, :used_today, :last_action_at)
        ON CONFLICT (id) DO UPDATE SET
            updated_at = excluded.updated_at,
            phase = excluded.phase,
            phase_started_at = excluded.phase_started_at,
            status = excluded.status,
            cooldown_until = excluded.cooldown_until,
            used_today = excluded.used_today,
            last_action_at = excluded.last_action_at;
    `
	if _, err := s.db.NamedExecContext(ctx, query, account); err != nil {
		s.logger.ErrorContext(ctx, "Error saving account", "account_id", account.ID, "error", err)
		return fmt.Errorf("failed to save account %s: %w", account.ID, err)
	}
	return nil
}

// ListArms retrieves all persisted bandit arms.
func (s *sqlxStore) ListArms(ctx context.Context) ([]ArmRecord, error) {
	var arms []ArmRecord
	if err := s.db.SelectContext(ctx, &arms, `SELECT * FROM strategy_arms ORDER BY segment, context, strategy`); err != nil {
		s.logger.ErrorContext(ctx, "Error listing strategy arms", "error", err)
		return nil, fmt.Errorf("failed to list strategy arms: %w", err)
	}
	return arms, nil
}

// UpsertArm inserts or replaces one bandit arm row.
func (s *sqlxStore) UpsertArm(ctx context.Context, arm *ArmRecord) error {
	if arm == nil {
		return fmt.Errorf("cannot save nil arm")
	}
	arm.UpdatedAt = time.Now().UTC()

	query := `
        INSERT INTO strategy_arms (segment, context, strategy, pulls, reward_sum, updated_at)
        VALUES (:segment, :context, :strategy, :pulls, :reward_sum, :updated_at)
        ON CONFLICT (segment, context, strategy) DO UPDATE SET
            pulls = excluded.pulls,
            reward_sum = excluded.reward_sum,
            updated_at = excluded.updated_at;
    `
	if _, err := s.db.NamedExecContext(ctx, query, arm); err != nil {
		s.logger.ErrorContext(ctx, "Error upserting strategy arm",
			"segment", arm.Segment, "context", arm.Context, "strategy", arm.Strategy, "error", err)
		return fmt.Errorf("failed to upsert arm %s/%s/%s: %w", arm.Segment, arm.Context, arm.Strategy, err)
	}
	return nil
}

// InsertAttempt inserts a new committed action attempt.
func (s *sqlxStore) InsertAttempt(ctx context.Context, attempt *AttemptRecord) error {
	if attempt == nil {
		return fmt.Errorf("cannot save nil attempt")
	}
	if attempt.ID == "" {
		return fmt.Errorf("attempt must have a non-empty id")
	}
	if attempt.AccountID == "" {
		return fmt.Errorf("attempt must have a non-empty account_id")
	}
	if attempt.Outcome == "" {
		return fmt.Errorf("attempt must have a non-empty outcome")
	}

	now := time.Now().UTC()
	attempt.CreatedAt = now
	attempt.UpdatedAt = now

	query := `
        INSERT INTO action_attempts (id, created_at, updated_at, account_id, kind, target, segment, context, strategy, payload, outcome, engagement, observed_at)
        VALUES (:id, :created_at, :updated_at, :account_id, :kind, :target, :segment, :context, :strategy, :payload, :outcome, :engagement, :observed_at);
    `
	if _, err := s.db.NamedExecContext(ctx, query, attempt); err != nil {
		s.logger.ErrorContext(ctx, "Error inserting attempt",
			"attempt_id", attempt.ID, "account_id", attempt.AccountID, "error", err)
		return fmt.Errorf("failed to insert attempt %s: %w", attempt.ID, err)
	}
	return nil
}

// GetAttempt retrieves one attempt by ID.
func (s *sqlxStore) GetAttempt(ctx context.Context, attemptID string) (*AttemptRecord, error) {
	if attemptID == "" {
		return nil, fmt.Errorf("attempt id is required")
	}
	var attempt AttemptRecord
	if err := s.db.GetContext(ctx, &attempt, `SELECT * FROM action_attempts WHERE id = ?`, attemptID); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, sql.ErrNoRows
		}
		s.logger.ErrorContext(ctx, "Error fetching attempt", "attempt_id", attemptID, "error", err)
		return nil, fmt.Errorf("failed to fetch attempt %s: %w", attemptID, err)
	}
	return &attempt, nil
}

// UpdateAttemptEngagement records the observed engagement for an attempt.
func (s *sqlxStore) UpdateAttemptEngagement(ctx context.Context, attemptID, engagement string, observedAt time.Time) error {
	if attemptID == "" {
		return fmt.Errorf("attempt id is required")
	}

	query := `
        UPDATE action_attempts
        SET engagement = ?, observed_at = ?, updated_at = ?
        WHERE id = ?;
    `
	result, err := s.db.ExecContext(ctx, query, engagement, observedAt.UTC(), time.Now().UTC(), attemptID)
	if err != nil {
		s.logger.ErrorContext(ctx, "Error updating attempt engagement",
			"attempt_id", attemptID, "engagement", engagement, "error", err)
		return fmt.Errorf("failed to update attempt %s: %w", attemptID, err)
	}

	rows, err := result.RowsAffected()
	if err == nil && rows == 0 {
		return sql.ErrNoRows
	}
	return nil
}

// ListUnobservedAttempts retrieves resolved attempts created before the
// given time with no recorded engagement.
func (s *sqlxStore) ListUnobservedAttempts(ctx context.Context, before time.Time) ([]AttemptRecord, error) {
	var attempts []AttemptRecord
	query := `
        SELECT * FROM action_attempts
        WHERE outcome = 'resolved' AND engagement = '' AND created_at < ?
        ORDER BY created_at;
    `
	if err := s.db.SelectContext(ctx, &attempts, query, before.UTC()); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		s.logger.ErrorContext(ctx, "Error listing unobserved attempts", "error", err)
		return nil, fmt.Errorf("failed to list unobserved attempts: %w", err)
	}
	return attempts, nil
}

// RunSQLMaintenance performs VACUUM and ANALYZE to keep the database
// compact and the query planner statistics current.
func (s *sqlxStore) RunSQLMaintenance(ctx context.Context) error {
	s.logger.InfoContext(ctx, "Running SQL maintenance (VACUUM, ANALYZE)")

	if _, err := s.db.ExecContext(ctx, `VACUUM;`); err != nil {
		return fmt.Errorf("failed to run VACUUM: %w", err)
	}
	if _, err := s.db.ExecContext(ctx, `ANALYZE;`); err != nil {
		return fmt.Errorf("failed to run ANALYZE: %w", err)
	}

	s.logger.InfoContext(ctx, "SQL maintenance completed")
	return nil
}
