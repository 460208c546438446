// Package bandit implements the strategy selector: a Thompson-sampling
// multi-armed bandit that learns which behavioral strategy earns
// engagement for each (segment, context) key. Arms are created lazily
// per key, updated from resolved attempts, and persisted so learned
// state survives restarts.
package bandit

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"math/rand"
	"sort"
	"sync"

	"github.com/1evgeniyonegin1-gif/plamya-traffic/internal/database"
)

// StrategyID names one behavioral strategy (tone/approach).
type StrategyID string

// Engagement is the observed reaction to an executed action.
type Engagement string

// Engagement outcomes reported by the external reply checker.
const (
	EngagementNone     Engagement = "none"
	EngagementReaction Engagement = "reaction"
	EngagementReply    Engagement = "reply"
)

// RewardMap is the discrete engagement-to-reward schedule.
type RewardMap struct {
	None     float64
	Reaction float64
	Reply    float64
}

// For maps an engagement outcome to its reward value.
func (m RewardMap) For(e Engagement) float64 {
	switch e {
	case EngagementReaction:
		return m.Reaction
	case EngagementReply:
		return m.Reply
	default:
		return m.None
	}
}

// ErrNoStrategies is returned by Select when the selector was built
// with an empty strategy list.
var ErrNoStrategies = errors.New("no strategies configured")

// ErrRewardRange is returned by Update for rewards outside [0, 1].
var ErrRewardRange = errors.New("reward must be in [0, 1]")

type arm struct {
	pulls     int64
	rewardSum float64
}

// alpha and beta of the arm's Beta posterior. An unpulled arm is
// Beta(1, 1), the uniform prior.
func (a *arm) posterior() (float64, float64) {
	return 1 + a.rewardSum, 1 + float64(a.pulls) - a.rewardSum
}

type keyArms struct {
	mu   sync.Mutex
	arms map[StrategyID]*arm
}

// Selector owns all StrategyArm state. Selection probability derives
// solely from each arm's posterior; updates are commutative so
// concurrent completions of earlier attempts may report in any order.
type Selector struct {
	mu   sync.Mutex
	keys map[string]*keyArms

	strategies []StrategyID

	rngMu sync.Mutex
	rng   *rand.Rand

	store  database.Store
	logger *slog.Logger
}

// NewSelector creates a Selector over the given strategy set, restoring
// any persisted arm state from the store. The rand source is injected
// so tests can fix it.
func NewSelector(ctx context.Context, strategies []StrategyID, rng *rand.Rand, store database.Store, logger *slog.Logger) (*Selector, error) {
	if len(strategies) == 0 {
		return nil, ErrNoStrategies
	}
	if logger == nil {
		logger = slog.Default()
	}

	sorted := make([]StrategyID, len(strategies))
	copy(sorted, strategies)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i] < sorted[j] })

	s := &Selector{
		keys:       make(map[string]*keyArms),
		strategies: sorted,
		rng:        rng,
		store:      store,
		logger:     logger.With("component", "bandit"),
	}

	if store != nil {
		records, err := store.ListArms(ctx)
		if err != nil {
			return nil, fmt.Errorf("failed to load strategy arms: %w", err)
		}
		for _, rec := range records {
			ka := s.armsFor(rec.Segment, rec.Context)
			ka.mu.Lock()
			ka.arms[StrategyID(rec.Strategy)] = &arm{
				pulls:     rec.Pulls,
				rewardSum: rec.RewardSum,
			}
			ka.mu.Unlock()
		}
		s.logger.Info("Loaded strategy arms from store", "count", len(records))
	}

	return s, nil
}

// Select picks a strategy for the (segment, context) key by sampling
// each arm's Beta posterior and taking the highest sample. Unseen keys
// start every arm at the uniform prior; exact ties resolve to the
// lexicographically smallest strategy id.
func (s *Selector) Select(segment, contextKey string) (StrategyID, error) {
	if len(s.strategies) == 0 {
		return "", ErrNoStrategies
	}

	ka := s.armsFor(segment, contextKey)
	ka.mu.Lock()
	defer ka.mu.Unlock()

	best := s.strategies[0]
	bestSample := math.Inf(-1)
	for _, id := range s.strategies {
		a, ok := ka.arms[id]
		if !ok {
			a = &arm{}
			ka.arms[id] = a
		}
		alpha, beta := a.posterior()
		sample := s.sampleBeta(alpha, beta)
		if sample > bestSample {
			bestSample = sample
			best = id
		}
	}

	return best, nil
}

// Update folds one observed reward into the arm for (segment, context,
// strategy): pulls increments, the reward accumulates. The accumulation
// is commutative, so calls may arrive in any order from concurrent
// attempt completions.
func (s *Selector) Update(ctx context.Context, strategy StrategyID, segment, contextKey string, reward float64) error {
	if reward < 0 || reward > 1 {
		return fmt.Errorf("%w: got %v", ErrRewardRange, reward)
	}

	ka := s.armsFor(segment, contextKey)
	ka.mu.Lock()
	a, ok := ka.arms[strategy]
	if !ok {
		a = &arm{}
		ka.arms[strategy] = a
	}
	a.pulls++
	a.rewardSum += reward
	pulls, rewardSum := a.pulls, a.rewardSum
	ka.mu.Unlock()

	s.logger.Debug("Updated strategy arm",
		"segment", segment, "context", contextKey, "strategy", strategy,
		"reward", reward, "pulls", pulls)

	if s.store != nil {
		rec := &database.ArmRecord{
			Segment:   segment,
			Context:   contextKey,
			Strategy:  string(strategy),
			Pulls:     pulls,
			RewardSum: rewardSum,
		}
		if err := s.store.UpsertArm(ctx, rec); err != nil {
			return fmt.Errorf("failed to persist arm update: %w", err)
		}
	}
	return nil
}

// Stats returns (pulls, reward sum) for one arm, mostly for tests and
// reporting.
func (s *Selector) Stats(strategy StrategyID, segment, contextKey string) (int64, float64) {
	ka := s.armsFor(segment, contextKey)
	ka.mu.Lock()
	defer ka.mu.Unlock()
	a, ok := ka.arms[strategy]
	if !ok {
		return 0, 0
	}
	return a.pulls, a.rewardSum
}

func (s *Selector) armsFor(segment, contextKey string) *keyArms {
	key := segment + "\x00" + contextKey
	s.mu.Lock()
	defer s.mu.Unlock()
	ka, ok := s.keys[key]
	if !ok {
		ka = &keyArms{arms: make(map[StrategyID]*arm, len(s.strategies))}
		s.keys[key] = ka
	}
	return ka
}

// sampleBeta draws from Beta(alpha, beta) via two gamma draws.
func (s *Selector) sampleBeta(alpha, beta float64) float64 {
	s.rngMu.Lock()
	defer s.rngMu.Unlock()
	x := sampleGamma(s.rng, alpha)
	y := sampleGamma(s.rng, beta)
	if x+y == 0 {
		return 0.5
	}
	return x / (x + y)
}

// sampleGamma draws from Gamma(shape, 1) using the Marsaglia-Tsang
// squeeze method, with the standard boost for shape < 1.
func sampleGamma(rng *rand.Rand, shape float64) float64 {
	if shape < 1 {
		u := rng.Float64()
		for u == 0 {
			u = rng.Float64()
		}
		return sampleGamma(rng, shape+1) * math.Pow(u, 1/shape)
	}

	d := shape - 1.0/3.0
	c := 1.0 / math.Sqrt(9.0*d)
	for {
		x := rng.NormFloat64()
		v := 1.0 + c*x
		if v <= 0 {
			continue
		}
		v = v * v * v
		u := rng.Float64()
		if u < 1.0-0.0331*x*x*x*x {
			return d * v
		}
		if u > 0 && math.Log(u) < 0.5*x*x+d*(1.0-v+math.Log(v)) {
			return d * v
		}
	}
}
