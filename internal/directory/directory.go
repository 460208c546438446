// Package directory tracks the pool of automation accounts: warmup
// phases, daily quotas, cooldowns, and bans. It is the exclusive owner
// of account state; other components read snapshots and request
// mutations through its methods.
package directory

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"

	"github.com/1evgeniyonegin1-gif/plamya-traffic/internal/database"
)

// Kind identifies one type of automated action.
type Kind string

// Action kinds known to the engine.
const (
	KindComment Kind = "comment"
	KindInvite  Kind = "invite"
	KindView    Kind = "view"
	KindReact   Kind = "react"
	KindPost    Kind = "post"
)

// Status is the lifecycle state of an account.
type Status string

// Account statuses.
const (
	StatusActive  Status = "active"
	StatusCooling Status = "cooling"
	StatusBanned  Status = "banned"
)

// Sentinel errors returned by Directory operations.
var (
	ErrNoEligibleAccount = errors.New("no eligible account for action kind")
	ErrQuotaExceeded     = errors.New("daily quota exceeded")
	ErrUnknownAccount    = errors.New("unknown account")
)

// Account is a snapshot of one automation identity. Snapshots are
// copies; mutating one has no effect on the pool.
type Account struct {
	ID            string
	CreatedAt     time.Time
	Phase         int
	PhaseStarted  time.Time
	Status        Status
	CooldownUntil time.Time

	Limits     map[Kind]int
	Used       map[Kind]int
	LastAction map[Kind]time.Time
}

// Remaining returns how many actions of the given kind the account may
// still perform today.
func (a *Account) Remaining(kind Kind) int {
	limit := a.Limits[kind]
	used := a.Used[kind]
	if used >= limit {
		return 0
	}
	return limit - used
}

// WarmupPlan is the fixed phase schedule: Limits[i] holds per-kind
// daily limits for phase i+1, DurationDays is the stay in each phase.
type WarmupPlan struct {
	DurationDays int
	Limits       []map[Kind]int
}

// LimitsForPhase returns the limit table for a 1-based phase, clamping
// past the final configured phase.
func (p WarmupPlan) LimitsForPhase(phase int) map[Kind]int {
	if phase < 1 {
		phase = 1
	}
	if phase > len(p.Limits) {
		phase = len(p.Limits)
	}
	return p.Limits[phase-1]
}

// MaxPhase returns the highest configured phase.
func (p WarmupPlan) MaxPhase() int {
	return len(p.Limits)
}

type account struct {
	Account
	reserved bool
}

// Directory is the account pool. All mutations are serialized through
// its mutex, which also gives per-account debit ordering.
type Directory struct {
	mu       sync.Mutex
	accounts map[string]*account

	plan   WarmupPlan
	clock  clockwork.Clock
	store  database.Store
	logger *slog.Logger
}

// NewDirectory creates a Directory, loading any persisted accounts from
// the store so quota counters and phases survive restarts.
func NewDirectory(ctx context.Context, store database.Store, plan WarmupPlan, clock clockwork.Clock, logger *slog.Logger) (*Directory, error) {
	if len(plan.Limits) == 0 {
		return nil, errors.New("warmup plan has no phases")
	}
	if logger == nil {
		logger = slog.Default()
	}

	d := &Directory{
		accounts: make(map[string]*account),
		plan:     plan,
		clock:    clock,
		store:    store,
		logger:   logger.With("component", "directory"),
	}

	if store != nil {
		records, err := store.ListAccounts(ctx)
		if err != nil {
			return nil, fmt.Errorf("failed to load accounts: %w", err)
		}
		for i := range records {
			acc, err := fromRecord(&records[i])
			if err != nil {
				return nil, fmt.Errorf("failed to decode account %s: %w", records[i].ID, err)
			}
			acc.Limits = cloneLimits(plan.LimitsForPhase(acc.Phase))
			d.accounts[acc.ID] = &account{Account: *acc}
		}
		d.logger.Info("Loaded accounts from store", "count", len(d.accounts))
	}

	return d, nil
}

// Register adds a new account in phase 1 with zeroed counters.
// Registering an existing ID is an error.
func (d *Directory) Register(ctx context.Context, id string) (Account, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	if _, exists := d.accounts[id]; exists {
		return Account{}, fmt.Errorf("account %s already registered", id)
	}

	now := d.clock.Now()
	acc := &account{Account: Account{
		ID:           id,
		CreatedAt:    now,
		Phase:        1,
		PhaseStarted: now,
		Status:       StatusActive,
		Limits:       cloneLimits(d.plan.LimitsForPhase(1)),
		Used:         make(map[Kind]int),
		LastAction:   make(map[Kind]time.Time),
	}}
	d.accounts[id] = acc

	if err := d.persistLocked(ctx, acc); err != nil {
		return Account{}, err
	}

	d.logger.Info("Registered account", "account_id", id)
	return acc.snapshot(), nil
}

// PickAccount selects an eligible account for the given action kind:
// active, not in cooldown, not already holding an in-flight action, and
// with remaining quota. Among eligible accounts it prefers the highest
// warmup phase and breaks ties least-recently-used for that kind. The
// returned account is reserved until Release is called, which bounds
// concurrency by pool size with one in-flight action per account.
func (d *Directory) PickAccount(kind Kind, segment string) (Account, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	now := d.clock.Now()
	var eligible []*account
	for _, acc := range d.accounts {
		if !d.eligibleLocked(acc, kind, now) {
			continue
		}
		eligible = append(eligible, acc)
	}
	if len(eligible) == 0 {
		return Account{}, fmt.Errorf("%w: kind=%s segment=%s", ErrNoEligibleAccount, kind, segment)
	}

	sort.Slice(eligible, func(i, j int) bool {
		if eligible[i].Phase != eligible[j].Phase {
			return eligible[i].Phase > eligible[j].Phase
		}
		li := eligible[i].LastAction[kind]
		lj := eligible[j].LastAction[kind]
		if !li.Equal(lj) {
			return li.Before(lj)
		}
		return eligible[i].ID < eligible[j].ID
	})

	chosen := eligible[0]
	chosen.reserved = true
	return chosen.snapshot(), nil
}

// Release frees an account reserved by PickAccount. Safe to call for
// unknown or unreserved accounts.
func (d *Directory) Release(accountID string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if acc, ok := d.accounts[accountID]; ok {
		acc.reserved = false
	}
}

// Debit atomically consumes one unit of today's quota for the kind and
// stamps the last-action time. A debit on an exhausted quota is a
// contract violation: it's refused, logged loudly, and state is left
// untouched.
func (d *Directory) Debit(ctx context.Context, accountID string, kind Kind) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	acc, ok := d.accounts[accountID]
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownAccount, accountID)
	}

	if acc.Used[kind] >= acc.Limits[kind] {
		d.logger.Error("Debit refused: quota already exhausted",
			"account_id", accountID, "kind", kind,
			"used", acc.Used[kind], "limit", acc.Limits[kind])
		return fmt.Errorf("%w: account=%s kind=%s", ErrQuotaExceeded, accountID, kind)
	}

	acc.Used[kind]++
	acc.LastAction[kind] = d.clock.Now()

	return d.persistLocked(ctx, acc)
}

// AdvancePhaseIfDue moves accounts whose phase duration has elapsed to
// the next phase and recomputes their daily limits from the warmup
// plan. Run once per day by the maintenance scheduler.
func (d *Directory) AdvancePhaseIfDue(ctx context.Context) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	now := d.clock.Now()
	phaseDuration := time.Duration(d.plan.DurationDays) * 24 * time.Hour

	var firstErr error
	for _, acc := range d.accounts {
		if acc.Status == StatusBanned || acc.Phase >= d.plan.MaxPhase() {
			continue
		}
		if now.Sub(acc.PhaseStarted) < phaseDuration {
			continue
		}

		acc.Phase++
		acc.PhaseStarted = now
		acc.Limits = cloneLimits(d.plan.LimitsForPhase(acc.Phase))
		d.logger.Info("Advanced account warmup phase",
			"account_id", acc.ID, "phase", acc.Phase)

		if err := d.persistLocked(ctx, acc); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

// ResetDailyCounters zeroes today's per-kind counters for every
// account. This is the process-wide daily rollover, run on a fixed
// local-time boundary by the maintenance scheduler.
func (d *Directory) ResetDailyCounters(ctx context.Context) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	var firstErr error
	for _, acc := range d.accounts {
		if len(acc.Used) == 0 {
			continue
		}
		acc.Used = make(map[Kind]int)
		if err := d.persistLocked(ctx, acc); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	d.logger.Info("Daily quota rollover complete", "accounts", len(d.accounts))
	return firstErr
}

// MarkBanned removes the account from the eligible pool immediately.
// Idempotent; in-flight attempts already past execution are left as-is.
func (d *Directory) MarkBanned(ctx context.Context, accountID, reason string) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	acc, ok := d.accounts[accountID]
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownAccount, accountID)
	}
	if acc.Status == StatusBanned {
		return nil
	}

	acc.Status = StatusBanned
	d.logger.Warn("Account banned", "account_id", accountID, "reason", reason)
	return d.persistLocked(ctx, acc)
}

// SetCooldown puts the account into cooling state until the given time.
func (d *Directory) SetCooldown(ctx context.Context, accountID string, until time.Time) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	acc, ok := d.accounts[accountID]
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownAccount, accountID)
	}

	acc.Status = StatusCooling
	acc.CooldownUntil = until
	d.logger.Info("Account cooling down", "account_id", accountID, "until", until)
	return d.persistLocked(ctx, acc)
}

// Snapshot returns a copy of the account's current state.
func (d *Directory) Snapshot(accountID string) (Account, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	acc, ok := d.accounts[accountID]
	if !ok {
		return Account{}, false
	}
	return acc.snapshot(), true
}

// Size returns the number of accounts in the pool.
func (d *Directory) Size() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.accounts)
}

func (d *Directory) eligibleLocked(acc *account, kind Kind, now time.Time) bool {
	if acc.reserved {
		return false
	}
	switch acc.Status {
	case StatusBanned:
		return false
	case StatusCooling:
		if now.Before(acc.CooldownUntil) {
			return false
		}
		// Cooldown expired, account returns to active.
		acc.Status = StatusActive
		acc.CooldownUntil = time.Time{}
	}
	return acc.Used[kind] < acc.Limits[kind]
}

func (d *Directory) persistLocked(ctx context.Context, acc *account) error {
	if d.store == nil {
		return nil
	}
	rec, err := toRecord(&acc.Account)
	if err != nil {
		return fmt.Errorf("failed to encode account %s: %w", acc.ID, err)
	}
	if err := d.store.SaveAccount(ctx, rec); err != nil {
		return fmt.Errorf("failed to persist account %s: %w", acc.ID, err)
	}
	return nil
}

func (a *account) snapshot() Account {
	snap := a.Account
	snap.Limits = cloneLimits(a.Limits)
	snap.Used = make(map[Kind]int, len(a.Used))
	for k, v := range a.Used {
		snap.Used[k] = v
	}
	snap.LastAction = make(map[Kind]time.Time, len(a.LastAction))
	for k, v := range a.LastAction {
		snap.LastAction[k] = v
	}
	return snap
}

func cloneLimits(limits map[Kind]int) map[Kind]int {
	out := make(map[Kind]int, len(limits))
	for k, v := range limits {
		out[k] = v
	}
	return out
}

func toRecord(a *Account) (*database.AccountRecord, error) {
	used := make(map[string]int, len(a.Used))
	for k, v := range a.Used {
		used[string(k)] = v
	}
	last := make(map[string]string, len(a.LastAction))
	for k, v := range a.LastAction {
		last[string(k)] = v.UTC().Format(time.RFC3339Nano)
	}

	usedJSON, err := json.Marshal(used)
	if err != nil {
		return nil, err
	}
	lastJSON, err := json.Marshal(last)
	if err != nil {
		return nil, err
	}

	rec := &database.AccountRecord{
		ID:           a.ID,
		CreatedAt:    a.CreatedAt,
		Phase:        a.Phase,
		PhaseStarted: a.PhaseStarted,
		Status:       string(a.Status),
		UsedToday:    string(usedJSON),
		LastActionAt: string(lastJSON),
	}
	if !a.CooldownUntil.IsZero() {
		rec.CooldownUntil.Valid = true
		rec.CooldownUntil.Time = a.CooldownUntil
	}
	return rec, nil
}

func fromRecord(rec *database.AccountRecord) (*Account, error) {
	var used map[string]int
	if err := json.Unmarshal([]byte(rec.UsedToday), &used); err != nil {
		return nil, fmt.Errorf("bad used_today: %w", err)
	}
	var last map[string]string
	if err := json.Unmarshal([]byte(rec.LastActionAt), &last); err != nil {
		return nil, fmt.Errorf("bad last_action_at: %w", err)
	}

	acc := &Account{
		ID:           rec.ID,
		CreatedAt:    rec.CreatedAt,
		Phase:        rec.Phase,
		PhaseStarted: rec.PhaseStarted,
		Status:       Status(rec.Status),
		Used:         make(map[Kind]int, len(used)),
		LastAction:   make(map[Kind]time.Time, len(last)),
	}
	if rec.CooldownUntil.Valid {
		acc.CooldownUntil = rec.CooldownUntil.Time
	}
	for k, v := range used {
		acc.Used[Kind(k)] = v
	}
	for k, v := range last {
		t, err := time.Parse(time.RFC3339Nano, v)
		if err != nil {
			return nil, fmt.Errorf("bad last action time for kind %s: %w", k, err)
		}
		acc.LastAction[Kind(k)] = t
	}
	return acc, nil
}
