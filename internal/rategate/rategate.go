// Package rategate decides whether an account may act right now. It
// simulates human timing: active hours, a lunch slowdown window, and a
// randomized minimum delay between actions of the same kind. The gate
// is read-only; it never mutates account state, so it is safe to call
// speculatively.
package rategate

import (
	"hash/fnv"
	"log/slog"
	"math/rand"
	"time"

	"github.com/jonboulle/clockwork"

	"github.com/1evgeniyonegin1-gif/plamya-traffic/internal/config"
	"github.com/1evgeniyonegin1-gif/plamya-traffic/internal/directory"
)

// Gate gates actions by time-of-day and per-kind pacing. Randomness is
// derived per call from the configured seed and the call inputs, so a
// fixed seed reproduces identical allow/deny decisions for identical
// inputs.
type Gate struct {
	hours  config.HoursConfig
	delays map[directory.Kind]config.DelayConfig
	seed   int64
	logger *slog.Logger
}

// NewGate builds a Gate from the hours and per-kind delay configuration.
// A zero seed is replaced with the current clock reading.
func NewGate(hours config.HoursConfig, delays map[string]config.DelayConfig, seed int64, clock clockwork.Clock, logger *slog.Logger) *Gate {
	if logger == nil {
		logger = slog.Default()
	}
	if seed == 0 {
		seed = clock.Now().UnixNano()
	}

	kindDelays := make(map[directory.Kind]config.DelayConfig, len(delays))
	for kind, d := range delays {
		kindDelays[directory.Kind(kind)] = d
	}

	return &Gate{
		hours:  hours,
		delays: kindDelays,
		seed:   seed,
		logger: logger.With("component", "rategate"),
	}
}

// Allowed reports whether the account may perform an action of the
// given kind at the given time. It checks, in order: remaining quota,
// the active-hours window, the randomized minimum delay since the last
// action of this kind, and the lunch slowdown probability.
func (g *Gate) Allowed(acc directory.Account, kind directory.Kind, now time.Time) bool {
	if acc.Remaining(kind) == 0 {
		return false
	}

	hour := now.Hour()
	if hour < g.hours.Start || hour >= g.hours.End {
		return false
	}

	if delay, ok := g.delays[kind]; ok {
		last := acc.LastAction[kind]
		if !last.IsZero() {
			rng := g.callRand(acc.ID, kind, last.UnixNano())
			jitter := 1.0
			if delay.JitterPct > 0 {
				spread := float64(delay.JitterPct) / 100.0
				jitter = 1.0 + (rng.Float64()*2.0-1.0)*spread
			}
			minDelay := time.Duration(float64(delay.Base) * jitter)
			if now.Sub(last) < minDelay {
				return false
			}
		}
	}

	if hour >= g.hours.LunchStart && hour < g.hours.LunchEnd {
		// Reduced allowance probability, not a hard block.
		rng := g.callRand(acc.ID, kind, now.UnixNano())
		if rng.Float64() >= g.hours.LunchFactor {
			return false
		}
	}

	return true
}

// callRand derives a rand source from the gate seed and the call
// inputs. No global mutable randomness is involved.
func (g *Gate) callRand(accountID string, kind directory.Kind, stamp int64) *rand.Rand {
	h := fnv.New64a()
	var buf [8]byte
	putInt64(buf[:], g.seed)
	h.Write(buf[:])
	h.Write([]byte(accountID))
	h.Write([]byte(kind))
	putInt64(buf[:], stamp)
	h.Write(buf[:])
	return rand.New(rand.NewSource(int64(h.Sum64())))
}

func putInt64(b []byte, v int64) {
	for i := 0; i < 8; i++ {
		b[i] = byte(v >> (8 * i))
	}
}
