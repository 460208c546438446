// Package engine implements the action orchestrator: the top-level
// loop that turns discovered opportunities into executed actions. Each
// opportunity walks an explicit state machine (permitted, strategy
// chosen, payload generated, deduplicated, executed) and ends Resolved,
// Rejected, Failed, or silently dropped. All per-opportunity errors are
// absorbed here; they never abort the scan cycle.
package engine

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"
	"golang.org/x/sync/errgroup"

	"github.com/1evgeniyonegin1-gif/plamya-traffic/internal/bandit"
	"github.com/1evgeniyonegin1-gif/plamya-traffic/internal/database"
	"github.com/1evgeniyonegin1-gif/plamya-traffic/internal/directory"
	"github.com/1evgeniyonegin1-gif/plamya-traffic/internal/rategate"
	"github.com/1evgeniyonegin1-gif/plamya-traffic/internal/similarity"
)

// Options holds engine tunables.
type Options struct {
	ScanInterval       time.Duration
	OpportunityTimeout time.Duration
	ObservationTimeout time.Duration
	MaxConcurrent      int
	Kinds              []directory.Kind
	Rewards            bandit.RewardMap
}

// Engine wires the directory, gate, guard, and selector together and
// drives the scan loop. It holds one-directional references only: the
// components never call back into the engine.
type Engine struct {
	dir      *directory.Directory
	gate     *rategate.Gate
	guard    *similarity.Guard
	selector *bandit.Selector

	generator Generator
	transport Transport
	source    Source

	store  database.Store
	clock  clockwork.Clock
	opts   Options
	logger *slog.Logger
}

// NewEngine constructs the orchestrator. All collaborators are injected
// once at process start; there is no ambient global state.
func NewEngine(
	dir *directory.Directory,
	gate *rategate.Gate,
	guard *similarity.Guard,
	selector *bandit.Selector,
	generator Generator,
	transport Transport,
	source Source,
	store database.Store,
	clock clockwork.Clock,
	opts Options,
	logger *slog.Logger,
) *Engine {
	if logger == nil {
		logger = slog.Default()
	}
	if opts.MaxConcurrent < 1 {
		opts.MaxConcurrent = 1
	}
	return &Engine{
		dir:       dir,
		gate:      gate,
		guard:     guard,
		selector:  selector,
		generator: generator,
		transport: transport,
		source:    source,
		store:     store,
		clock:     clock,
		opts:      opts,
		logger:    logger.With("component", "engine"),
	}
}

// Run drives periodic scan cycles until the context is cancelled.
func (e *Engine) Run(ctx context.Context) error {
	e.logger.Info("Engine starting", "scan_interval", e.opts.ScanInterval, "kinds", e.opts.Kinds)

	ticker := e.clock.NewTicker(e.opts.ScanInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			e.logger.Info("Engine stopping")
			return ctx.Err()
		case <-ticker.Chan():
			if err := e.RunCycle(ctx); err != nil && !errors.Is(err, context.Canceled) {
				e.logger.Error("Scan cycle finished with error", "error", err)
			}
		}
	}
}

// RunCycle polls the source for every configured kind and processes the
// discovered opportunities concurrently. Concurrency is bounded both by
// MaxConcurrent and, through account reservation, by the pool size:
// each account carries at most one in-flight action.
func (e *Engine) RunCycle(ctx context.Context) error {
	startTime := e.clock.Now()
	var total, resolved int

	g, gCtx := errgroup.WithContext(ctx)
	g.SetLimit(e.opts.MaxConcurrent)

	results := make(chan Outcome)
	done := make(chan struct{})
	go func() {
		for outcome := range results {
			total++
			if outcome == OutcomeResolved {
				resolved++
			}
		}
		close(done)
	}()

	for _, kind := range e.opts.Kinds {
		opps, err := e.source.Poll(gCtx, kind)
		if err != nil {
			e.logger.Error("Failed to poll opportunities", "kind", kind, "error", err)
			continue
		}
		for _, opp := range opps {
			g.Go(func() error {
				attempt := e.Process(gCtx, opp)
				select {
				case results <- attempt.Outcome:
				case <-gCtx.Done():
				}
				return nil
			})
		}
	}

	err := g.Wait()
	close(results)
	<-done

	e.logger.Info("Scan cycle complete",
		"opportunities", total, "resolved", resolved,
		"duration", e.clock.Now().Sub(startTime))
	return err
}

// Process runs one opportunity through the state machine and returns
// the attempt. Exactly one attempt is committed per processed
// opportunity; dropped opportunities commit nothing and will resurface
// from the scanner on its next cycle.
func (e *Engine) Process(ctx context.Context, opp Opportunity) Attempt {
	attempt := Attempt{Opportunity: opp, Outcome: OutcomeDropped}

	acc, err := e.dir.PickAccount(opp.Kind, opp.Segment)
	if err != nil {
		if errors.Is(err, directory.ErrNoEligibleAccount) {
			e.logger.Debug("No eligible account, dropping opportunity",
				"kind", opp.Kind, "segment", opp.Segment)
		} else {
			e.logger.Error("Account selection failed", "kind", opp.Kind, "error", err)
		}
		return attempt
	}
	defer e.dir.Release(acc.ID)
	attempt.AccountID = acc.ID

	now := e.clock.Now()
	if !e.gate.Allowed(acc, opp.Kind, now) {
		e.logger.Debug("Rate gate denied action",
			"account_id", acc.ID, "kind", opp.Kind)
		return attempt
	}

	strategy, err := e.selector.Select(opp.Segment, opp.Context)
	if err != nil {
		e.logger.Error("Strategy selection failed", "error", err)
		return attempt
	}
	attempt.Strategy = strategy

	// Generation and transport share one bounded budget; a timeout in
	// either is a Failed attempt with no account debit.
	opCtx, cancel := context.WithTimeout(ctx, e.opts.OpportunityTimeout)
	defer cancel()

	payload, err := e.generator.Generate(opCtx, strategy, opp)
	if err != nil {
		e.logger.Warn("Payload generation failed",
			"account_id", acc.ID, "kind", opp.Kind, "strategy", strategy, "error", err)
		attempt.Err = fmt.Errorf("generation failed: %w", err)
		return e.commit(ctx, attempt, OutcomeFailed)
	}
	attempt.Payload = payload

	if e.guard.IsDuplicate(payload.Text()) {
		e.logger.Info("Payload rejected as near-duplicate",
			"account_id", acc.ID, "kind", opp.Kind)
		return e.commit(ctx, attempt, OutcomeRejectedDedup)
	}

	if err := e.transport.Execute(opCtx, acc.ID, opp, payload); err != nil {
		e.logger.Warn("Transport execution failed",
			"account_id", acc.ID, "kind", opp.Kind, "error", err)
		attempt.Err = fmt.Errorf("transport failed: %w", err)
		return e.commit(ctx, attempt, OutcomeFailed)
	}

	// The side effect happened: debit quota and record the payload in
	// the similarity window. A debit refusal here means the quota
	// contract was violated upstream; the attempt is committed as a
	// quota rejection and never feeds the bandit, but the payload still
	// enters the window since the content is out there.
	e.guard.Record(payload.Text())
	if err := e.dir.Debit(ctx, acc.ID, opp.Kind); err != nil {
		e.logger.Error("Quota debit failed after execution",
			"account_id", acc.ID, "kind", opp.Kind, "error", err)
		if errors.Is(err, directory.ErrQuotaExceeded) {
			attempt.Err = err
			return e.commit(ctx, attempt, OutcomeRejectedQuota)
		}
	}

	return e.commit(ctx, attempt, OutcomeResolved)
}

// ObserveEngagement records an engagement observation delivered by the
// external reply checker and feeds the mapped reward to the selector.
// A second observation for the same attempt is ignored.
func (e *Engine) ObserveEngagement(ctx context.Context, attemptID string, engagement bandit.Engagement) error {
	if e.store == nil {
		return errors.New("engagement observation requires a store")
	}

	rec, err := e.store.GetAttempt(ctx, attemptID)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return fmt.Errorf("unknown attempt %s", attemptID)
		}
		return err
	}
	if rec.Outcome != string(OutcomeResolved) {
		return fmt.Errorf("attempt %s is %s, not resolved", attemptID, rec.Outcome)
	}
	if rec.Engagement != "" {
		e.logger.Debug("Ignoring repeated engagement observation", "attempt_id", attemptID)
		return nil
	}

	if err := e.store.UpdateAttemptEngagement(ctx, attemptID, string(engagement), e.clock.Now()); err != nil {
		return err
	}

	reward := e.opts.Rewards.For(engagement)
	if err := e.selector.Update(ctx, bandit.StrategyID(rec.Strategy), rec.Segment, rec.Context, reward); err != nil {
		return err
	}

	e.logger.Info("Engagement observed",
		"attempt_id", attemptID, "engagement", engagement, "reward", reward)
	return nil
}

// SweepUnobserved forces a zero-engagement update for resolved attempts
// whose observation window has elapsed, so arm statistics never stay
// pending forever. Run periodically by the maintenance scheduler.
func (e *Engine) SweepUnobserved(ctx context.Context) error {
	if e.store == nil {
		return nil
	}

	cutoff := e.clock.Now().Add(-e.opts.ObservationTimeout)
	attempts, err := e.store.ListUnobservedAttempts(ctx, cutoff)
	if err != nil {
		return err
	}

	for i := range attempts {
		if err := e.ObserveEngagement(ctx, attempts[i].ID, bandit.EngagementNone); err != nil {
			e.logger.Error("Failed to sweep unobserved attempt",
				"attempt_id", attempts[i].ID, "error", err)
		}
	}

	if len(attempts) > 0 {
		e.logger.Info("Swept unobserved attempts", "count", len(attempts))
	}
	return nil
}

// commit finalizes the attempt with the given outcome and persists the
// record. Persistence failures are logged, not propagated: the outcome
// stands either way and the loop must go on.
func (e *Engine) commit(ctx context.Context, attempt Attempt, outcome Outcome) Attempt {
	attempt.Outcome = outcome
	attempt.ID = uuid.NewString()

	if e.store != nil {
		rec := &database.AttemptRecord{
			ID:        attempt.ID,
			AccountID: attempt.AccountID,
			Kind:      string(attempt.Opportunity.Kind),
			Target:    attempt.Opportunity.Target,
			Segment:   attempt.Opportunity.Segment,
			Context:   attempt.Opportunity.Context,
			Strategy:  string(attempt.Strategy),
			Payload:   attempt.Payload.Text(),
			Outcome:   string(outcome),
		}
		if err := e.store.InsertAttempt(ctx, rec); err != nil {
			e.logger.Error("Failed to persist attempt",
				"attempt_id", attempt.ID, "outcome", outcome, "error", err)
		}
	}

	return attempt
}
