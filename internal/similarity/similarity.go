// Package similarity implements the cross-account duplicate-content
// guard. It keeps a rolling window of recently executed payloads from
// every account in the pool and flags candidates whose token overlap
// with any of them crosses a threshold. The window spans all accounts
// on purpose: the threat model is a detector correlating near-identical
// text posted by supposedly unrelated identities.
package similarity

import (
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
)

type entry struct {
	tokens map[string]struct{}
	at     time.Time
}

// Guard holds the shared rolling window. It is the one structure every
// concurrent opportunity touches, so access is serialized by a single
// mutex; entries append at the tail and expire from the head.
type Guard struct {
	mu      sync.Mutex
	window  []entry
	maxSize int
	maxAge  time.Duration

	threshold float64
	clock     clockwork.Clock
	logger    *slog.Logger
}

// NewGuard creates a Guard with the given Jaccard threshold and window
// bounds (max entries kept, max entry age).
func NewGuard(threshold float64, maxSize int, maxAge time.Duration, clock clockwork.Clock, logger *slog.Logger) *Guard {
	if logger == nil {
		logger = slog.Default()
	}
	return &Guard{
		maxSize:   maxSize,
		maxAge:    maxAge,
		threshold: threshold,
		clock:     clock,
		logger:    logger.With("component", "similarity"),
	}
}

// IsDuplicate reports whether the candidate text is a near-duplicate of
// any payload in the rolling window, using Jaccard similarity over
// lowercased word sets.
func (g *Guard) IsDuplicate(text string) bool {
	candidate := tokenize(text)
	if len(candidate) == 0 {
		return false
	}

	g.mu.Lock()
	defer g.mu.Unlock()
	g.pruneLocked()

	for i := range g.window {
		score := jaccard(candidate, g.window[i].tokens)
		if score >= g.threshold {
			g.logger.Debug("Duplicate payload detected", "score", score, "threshold", g.threshold)
			return true
		}
	}
	return false
}

// Record adds an executed payload to the window. Only accepted and
// successfully executed payloads belong here; rejected or failed ones
// must not narrow the space for future candidates.
func (g *Guard) Record(text string) {
	tokens := tokenize(text)
	if len(tokens) == 0 {
		return
	}

	g.mu.Lock()
	defer g.mu.Unlock()
	g.pruneLocked()

	g.window = append(g.window, entry{tokens: tokens, at: g.clock.Now()})
	if len(g.window) > g.maxSize {
		g.window = g.window[len(g.window)-g.maxSize:]
	}
}

// Size returns the current number of entries in the window.
func (g *Guard) Size() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.pruneLocked()
	return len(g.window)
}

func (g *Guard) pruneLocked() {
	if g.maxAge <= 0 || len(g.window) == 0 {
		return
	}
	cutoff := g.clock.Now().Add(-g.maxAge)
	idx := 0
	for idx < len(g.window) && g.window[idx].at.Before(cutoff) {
		idx++
	}
	if idx > 0 {
		g.window = g.window[idx:]
	}
}

// tokenize lowercases the text and splits it into a word set, stripping
// leading and trailing punctuation from each word.
func tokenize(text string) map[string]struct{} {
	fields := strings.Fields(strings.ToLower(text))
	tokens := make(map[string]struct{}, len(fields))
	for _, f := range fields {
		word := strings.TrimFunc(f, func(r rune) bool {
			return !isWordRune(r)
		})
		if word != "" {
			tokens[word] = struct{}{}
		}
	}
	return tokens
}

func isWordRune(r rune) bool {
	switch {
	case r >= 'a' && r <= 'z':
		return true
	case r >= '0' && r <= '9':
		return true
	case r >= 0x80: // keep non-ASCII letters as-is
		return true
	}
	return false
}

// jaccard computes |a ∩ b| / |a ∪ b| over two token sets.
func jaccard(a, b map[string]struct{}) float64 {
	if len(a) == 0 || len(b) == 0 {
		return 0
	}
	small, large := a, b
	if len(small) > len(large) {
		small, large = large, small
	}
	inter := 0
	for tok := range small {
		if _, ok := large[tok]; ok {
			inter++
		}
	}
	union := len(a) + len(b) - inter
	if union == 0 {
		return 0
	}
	return float64(inter) / float64(union)
}
