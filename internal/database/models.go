package database

import (
	"database/sql"
	"time"
)

// AccountRecord is the persisted form of an automation account:
// warmup phase, status, and the per-kind daily counters and last-action
// timestamps (stored as JSON maps keyed by action kind).
type AccountRecord struct {
	ID        string    `db:"id"`
	CreatedAt time.Time `db:"created_at"`
	UpdatedAt time.Time `db:"updated_at"`

	Phase         int          `db:"phase"`
	PhaseStarted  time.Time    `db:"phase_started_at"`
	Status        string       `db:"status"`
	CooldownUntil sql.NullTime `db:"cooldown_until"`

	UsedToday    string `db:"used_today"`     // JSON map[kind]int
	LastActionAt string `db:"last_action_at"` // JSON map[kind]RFC3339 time
}

// ArmRecord is one persisted bandit arm, keyed by (segment, context,
// strategy). Pulls and RewardSum fully determine the Beta posterior.
type ArmRecord struct {
	Segment   string    `db:"segment"`
	Context   string    `db:"context"`
	Strategy  string    `db:"strategy"`
	Pulls     int64     `db:"pulls"`
	RewardSum float64   `db:"reward_sum"`
	UpdatedAt time.Time `db:"updated_at"`
}

// AttemptRecord is the committed record of one orchestrated action.
// Outcome is one of resolved/rejected_dedup/rejected_quota/failed;
// engagement (none/reaction/reply) arrives asynchronously and updates
// the same row.
type AttemptRecord struct {
	ID        string    `db:"id"`
	CreatedAt time.Time `db:"created_at"`
	UpdatedAt time.Time `db:"updated_at"`

	AccountID string `db:"account_id"`
	Kind      string `db:"kind"`
	Target    string `db:"target"`
	Segment   string `db:"segment"`
	Context   string `db:"context"`
	Strategy  string `db:"strategy"`
	Payload   string `db:"payload"`

	Outcome    string       `db:"outcome"`
	Engagement string       `db:"engagement"`
	ObservedAt sql.NullTime `db:"observed_at"`
}
