package engine_test

import (
	"context"
	"database/sql"
	"fmt"
	"math/rand"
	"sync"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"

	"github.com/1evgeniyonegin1-gif/plamya-traffic/internal/bandit"
	"github.com/1evgeniyonegin1-gif/plamya-traffic/internal/config"
	"github.com/1evgeniyonegin1-gif/plamya-traffic/internal/database"
	"github.com/1evgeniyonegin1-gif/plamya-traffic/internal/directory"
	"github.com/1evgeniyonegin1-gif/plamya-traffic/internal/engine"
	"github.com/1evgeniyonegin1-gif/plamya-traffic/internal/rategate"
	"github.com/1evgeniyonegin1-gif/plamya-traffic/internal/similarity"
)

// fakeStore is an in-memory Store for orchestrator tests.
type fakeStore struct {
	mu       sync.Mutex
	clock    clockwork.Clock
	accounts map[string]database.AccountRecord
	arms     map[string]database.ArmRecord
	attempts map[string]database.AttemptRecord
}

func newFakeStore(clock clockwork.Clock) *fakeStore {
	return &fakeStore{
		clock:    clock,
		accounts: make(map[string]database.AccountRecord),
		arms:     make(map[string]database.ArmRecord),
		attempts: make(map[string]database.AttemptRecord),
	}
}

func (f *fakeStore) Ping(context.Context) error { return nil }

func (f *fakeStore) ListAccounts(context.Context) ([]database.AccountRecord, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []database.AccountRecord
	for _, rec := range f.accounts {
		out = append(out, rec)
	}
	return out, nil
}

func (f *fakeStore) SaveAccount(_ context.Context, rec *database.AccountRecord) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.accounts[rec.ID] = *rec
	return nil
}

func (f *fakeStore) ListArms(context.Context) ([]database.ArmRecord, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []database.ArmRecord
	for _, rec := range f.arms {
		out = append(out, rec)
	}
	return out, nil
}

func (f *fakeStore) UpsertArm(_ context.Context, rec *database.ArmRecord) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.arms[rec.Segment+"/"+rec.Context+"/"+rec.Strategy] = *rec
	return nil
}

func (f *fakeStore) InsertAttempt(_ context.Context, rec *database.AttemptRecord) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	saved := *rec
	saved.CreatedAt = f.clock.Now()
	f.attempts[rec.ID] = saved
	return nil
}

func (f *fakeStore) GetAttempt(_ context.Context, attemptID string) (*database.AttemptRecord, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	rec, ok := f.attempts[attemptID]
	if !ok {
		return nil, sql.ErrNoRows
	}
	return &rec, nil
}

func (f *fakeStore) UpdateAttemptEngagement(_ context.Context, attemptID, engagement string, observedAt time.Time) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	rec, ok := f.attempts[attemptID]
	if !ok {
		return sql.ErrNoRows
	}
	rec.Engagement = engagement
	rec.ObservedAt = sql.NullTime{Valid: true, Time: observedAt}
	f.attempts[attemptID] = rec
	return nil
}

func (f *fakeStore) ListUnobservedAttempts(_ context.Context, before time.Time) ([]database.AttemptRecord, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []database.AttemptRecord
	for _, rec := range f.attempts {
		if rec.Outcome == "resolved" && rec.Engagement == "" && rec.CreatedAt.Before(before) {
			out = append(out, rec)
		}
	}
	return out, nil
}

func (f *fakeStore) RunSQLMaintenance(context.Context) error { return nil }

func (f *fakeStore) attemptsFor(target string) []database.AttemptRecord {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []database.AttemptRecord
	for _, rec := range f.attempts {
		if rec.Target == target {
			out = append(out, rec)
		}
	}
	return out
}

type fakeGenerator struct {
	text string
	err  error
	slow bool
}

func (g *fakeGenerator) Generate(ctx context.Context, _ bandit.StrategyID, _ engine.Opportunity) (engine.Payload, error) {
	if g.slow {
		<-ctx.Done()
		return engine.Payload{}, ctx.Err()
	}
	if g.err != nil {
		return engine.Payload{}, g.err
	}
	return engine.NewTextPayload(g.text)
}

type fakeTransport struct {
	mu       sync.Mutex
	err      error
	executed []string
}

func (tr *fakeTransport) Execute(_ context.Context, accountID string, _ engine.Opportunity, payload engine.Payload) error {
	if tr.err != nil {
		return tr.err
	}
	tr.mu.Lock()
	defer tr.mu.Unlock()
	tr.executed = append(tr.executed, accountID+":"+payload.Text())
	return nil
}

type fixture struct {
	clock    *clockwork.FakeClock
	store    *fakeStore
	dir      *directory.Directory
	guard    *similarity.Guard
	selector *bandit.Selector
	gen      *fakeGenerator
	tr       *fakeTransport
	source   *engine.QueueSource
	eng      *engine.Engine
}

func newFixture(t *testing.T) *fixture {
	t.Helper()

	// 10:00 local time, well inside the 09:00-23:00 active window.
	clock := clockwork.NewFakeClockAt(time.Date(2026, 5, 12, 10, 0, 0, 0, time.Local))
	store := newFakeStore(clock)

	plan := directory.WarmupPlan{
		DurationDays: 7,
		Limits: []map[directory.Kind]int{
			{directory.KindComment: 5, directory.KindView: 10},
		},
	}
	dir, err := directory.NewDirectory(context.Background(), store, plan, clock, nil)
	if err != nil {
		t.Fatalf("NewDirectory: %v", err)
	}
	if _, err := dir.Register(context.Background(), "accA"); err != nil {
		t.Fatalf("Register: %v", err)
	}

	hours := config.HoursConfig{Start: 9, End: 23, LunchStart: 13, LunchEnd: 14, LunchFactor: 0.3}
	delays := map[string]config.DelayConfig{"comment": {Base: 15 * time.Minute, JitterPct: 20}}
	gate := rategate.NewGate(hours, delays, 1, clock, nil)

	guard := similarity.NewGuard(0.6, 200, 24*time.Hour, clock, nil)

	selector, err := bandit.NewSelector(context.Background(),
		[]bandit.StrategyID{"casual", "expert"}, rand.New(rand.NewSource(5)), store, nil)
	if err != nil {
		t.Fatalf("NewSelector: %v", err)
	}

	gen := &fakeGenerator{text: "Great post!"}
	tr := &fakeTransport{}
	source := engine.NewQueueSource()

	eng := engine.NewEngine(dir, gate, guard, selector, gen, tr, source, store, clock, engine.Options{
		ScanInterval:       time.Minute,
		OpportunityTimeout: 30 * time.Second,
		ObservationTimeout: 24 * time.Hour,
		MaxConcurrent:      4,
		Kinds:              []directory.Kind{directory.KindComment},
		Rewards:            bandit.RewardMap{None: 0.0, Reaction: 0.5, Reply: 1.0},
	}, nil)

	return &fixture{
		clock: clock, store: store, dir: dir, guard: guard,
		selector: selector, gen: gen, tr: tr, source: source, eng: eng,
	}
}

func commentOpportunity(target string) engine.Opportunity {
	return engine.Opportunity{
		Kind:    directory.KindComment,
		Target:  target,
		Segment: "zozh",
		Context: "channel-1",
	}
}

func TestEndToEndResolvedAttempt(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	ctx := context.Background()

	attempt := f.eng.Process(ctx, commentOpportunity("100/1"))

	if attempt.Outcome != engine.OutcomeResolved {
		t.Fatalf("outcome = %s (err %v), want resolved", attempt.Outcome, attempt.Err)
	}
	if attempt.AccountID != "accA" {
		t.Fatalf("account = %q, want accA", attempt.AccountID)
	}
	if attempt.Strategy == "" {
		t.Fatal("no strategy chosen")
	}
	if attempt.Payload.Text() != "Great post!" {
		t.Fatalf("payload = %q", attempt.Payload.Text())
	}

	// Quota debited exactly once.
	snap, _ := f.dir.Snapshot("accA")
	if got := snap.Used[directory.KindComment]; got != 1 {
		t.Fatalf("used = %d, want 1", got)
	}

	// Executed payload entered the similarity window.
	if !f.guard.IsDuplicate("Great post!") {
		t.Fatal("payload missing from similarity window")
	}

	// One persisted attempt, awaiting engagement.
	records := f.store.attemptsFor("100/1")
	if len(records) != 1 {
		t.Fatalf("attempt count = %d, want 1", len(records))
	}
	if records[0].Outcome != "resolved" || records[0].Engagement != "" {
		t.Fatalf("persisted attempt = %+v", records[0])
	}

	// A later reply observation feeds the bandit: pulls 1, reward 1.0.
	if err := f.eng.ObserveEngagement(ctx, attempt.ID, bandit.EngagementReply); err != nil {
		t.Fatalf("ObserveEngagement: %v", err)
	}
	pulls, rewardSum := f.selector.Stats(attempt.Strategy, "zozh", "channel-1")
	if pulls != 1 || rewardSum != 1.0 {
		t.Fatalf("arm stats = (%d, %v), want (1, 1.0)", pulls, rewardSum)
	}

	// Duplicate observations are ignored.
	if err := f.eng.ObserveEngagement(ctx, attempt.ID, bandit.EngagementReaction); err != nil {
		t.Fatalf("repeat ObserveEngagement: %v", err)
	}
	pulls, rewardSum = f.selector.Stats(attempt.Strategy, "zozh", "channel-1")
	if pulls != 1 || rewardSum != 1.0 {
		t.Fatalf("arm stats after repeat = (%d, %v), want (1, 1.0)", pulls, rewardSum)
	}
}

func TestDuplicateRejectedWithoutDebit(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	f.guard.Record("Great post!")

	attempt := f.eng.Process(context.Background(), commentOpportunity("100/2"))

	if attempt.Outcome != engine.OutcomeRejectedDedup {
		t.Fatalf("outcome = %s, want rejected_dedup", attempt.Outcome)
	}

	snap, _ := f.dir.Snapshot("accA")
	if got := snap.Used[directory.KindComment]; got != 0 {
		t.Fatalf("used = %d after dedup rejection, want 0", got)
	}

	records := f.store.attemptsFor("100/2")
	if len(records) != 1 || records[0].Outcome != "rejected_dedup" {
		t.Fatalf("persisted attempts = %+v", records)
	}
}

func TestGenerationFailureIsFailedAttempt(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	f.gen.err = fmt.Errorf("model unavailable")

	attempt := f.eng.Process(context.Background(), commentOpportunity("100/3"))

	if attempt.Outcome != engine.OutcomeFailed {
		t.Fatalf("outcome = %s, want failed", attempt.Outcome)
	}
	snap, _ := f.dir.Snapshot("accA")
	if got := snap.Used[directory.KindComment]; got != 0 {
		t.Fatalf("used = %d after generation failure, want 0", got)
	}
}

func TestTransportFailureIsFailedWithoutSideEffects(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	f.tr.err = fmt.Errorf("flood wait")

	attempt := f.eng.Process(context.Background(), commentOpportunity("100/4"))

	if attempt.Outcome != engine.OutcomeFailed {
		t.Fatalf("outcome = %s, want failed", attempt.Outcome)
	}

	snap, _ := f.dir.Snapshot("accA")
	if got := snap.Used[directory.KindComment]; got != 0 {
		t.Fatalf("used = %d after transport failure, want 0", got)
	}
	if f.guard.IsDuplicate("Great post!") {
		t.Fatal("failed payload recorded in similarity window")
	}

	// Failed is a committed outcome, distinct from a silent drop.
	records := f.store.attemptsFor("100/4")
	if len(records) != 1 || records[0].Outcome != "failed" {
		t.Fatalf("persisted attempts = %+v", records)
	}
}

func TestGateDeniedDropsSilently(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	// 08:00 the next day, outside the active window.
	f.clock.Advance(22 * time.Hour)

	attempt := f.eng.Process(context.Background(), commentOpportunity("100/5"))

	if attempt.Outcome != engine.OutcomeDropped {
		t.Fatalf("outcome = %s, want dropped", attempt.Outcome)
	}
	if records := f.store.attemptsFor("100/5"); len(records) != 0 {
		t.Fatalf("dropped opportunity committed attempts: %+v", records)
	}
}

func TestOpportunityTimeoutIsFailed(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	f.gen.slow = true

	// The per-opportunity budget runs on the wall clock; cancel from
	// the outside rather than waiting out the fixture's 30s budget.
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	attempt := f.eng.Process(ctx, commentOpportunity("100/6"))
	if attempt.Outcome != engine.OutcomeFailed {
		t.Fatalf("outcome = %s, want failed on timeout", attempt.Outcome)
	}
	snap, _ := f.dir.Snapshot("accA")
	if got := snap.Used[directory.KindComment]; got != 0 {
		t.Fatalf("used = %d after timeout, want 0", got)
	}
}

func TestAtMostOneAttemptPerOpportunity(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	ctx := context.Background()

	outcomes := []engine.Outcome{}
	for i := 0; i < 3; i++ {
		target := fmt.Sprintf("200/%d", i)
		attempt := f.eng.Process(ctx, commentOpportunity(target))
		outcomes = append(outcomes, attempt.Outcome)

		committed := f.store.attemptsFor(target)
		want := 0
		if attempt.Outcome.Committed() {
			want = 1
		}
		if len(committed) != want {
			t.Fatalf("opportunity %s: %d committed attempts, want %d (outcome %s)",
				target, len(committed), want, attempt.Outcome)
		}
	}

	// First processes resolve; later ones in the same window are gated
	// by the minimum delay and drop, never double-committing.
	if outcomes[0] != engine.OutcomeResolved {
		t.Fatalf("first outcome = %s, want resolved", outcomes[0])
	}
}

func TestSweepUnobservedForcesZeroReward(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	ctx := context.Background()

	attempt := f.eng.Process(ctx, commentOpportunity("300/1"))
	if attempt.Outcome != engine.OutcomeResolved {
		t.Fatalf("outcome = %s, want resolved", attempt.Outcome)
	}

	// Within the observation window nothing is swept.
	if err := f.eng.SweepUnobserved(ctx); err != nil {
		t.Fatalf("SweepUnobserved: %v", err)
	}
	if pulls, _ := f.selector.Stats(attempt.Strategy, "zozh", "channel-1"); pulls != 0 {
		t.Fatalf("swept too early: pulls = %d", pulls)
	}

	f.clock.Advance(25 * time.Hour)
	if err := f.eng.SweepUnobserved(ctx); err != nil {
		t.Fatalf("SweepUnobserved: %v", err)
	}

	pulls, rewardSum := f.selector.Stats(attempt.Strategy, "zozh", "channel-1")
	if pulls != 1 || rewardSum != 0.0 {
		t.Fatalf("arm stats after sweep = (%d, %v), want (1, 0.0)", pulls, rewardSum)
	}

	rec, err := f.store.GetAttempt(ctx, attempt.ID)
	if err != nil {
		t.Fatalf("GetAttempt: %v", err)
	}
	if rec.Engagement != string(bandit.EngagementNone) {
		t.Fatalf("engagement = %q, want none", rec.Engagement)
	}
}

func TestRunCycleDrainsQueue(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	ctx := context.Background()

	f.source.Push(commentOpportunity("400/1"))
	f.source.Push(commentOpportunity("400/2"))

	if err := f.eng.RunCycle(ctx); err != nil {
		t.Fatalf("RunCycle: %v", err)
	}

	if pending := f.source.Pending(directory.KindComment); pending != 0 {
		t.Fatalf("queue not drained: %d pending", pending)
	}

	// Pool has one account, so at most one action resolves this cycle;
	// the other is gated by the per-kind delay and drops.
	total := len(f.store.attemptsFor("400/1")) + len(f.store.attemptsFor("400/2"))
	if total != 1 {
		t.Fatalf("committed attempts = %d, want 1", total)
	}
}

func TestBannedAccountExcludedMidStream(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	ctx := context.Background()

	if err := f.dir.MarkBanned(ctx, "accA", "external probe"); err != nil {
		t.Fatalf("MarkBanned: %v", err)
	}

	attempt := f.eng.Process(ctx, commentOpportunity("500/1"))
	if attempt.Outcome != engine.OutcomeDropped {
		t.Fatalf("outcome = %s, want dropped with banned pool", attempt.Outcome)
	}
	if records := f.store.attemptsFor("500/1"); len(records) != 0 {
		t.Fatalf("banned-pool drop committed attempts: %+v", records)
	}
}
