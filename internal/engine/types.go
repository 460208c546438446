package engine

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/1evgeniyonegin1-gif/plamya-traffic/internal/bandit"
	"github.com/1evgeniyonegin1-gif/plamya-traffic/internal/directory"
)

// Opportunity is a candidate thing-to-do discovered by an external
// scanner: a post to comment on, a user to invite, a story to view.
// Opportunities are transient; they are consumed once per delivery and
// never persisted beyond the attempt record.
type Opportunity struct {
	Kind         directory.Kind
	Target       string
	Segment      string
	Context      string
	DiscoveredAt time.Time
}

// PayloadKind tags the payload variant.
type PayloadKind int

// Payload variants.
const (
	PayloadText PayloadKind = iota
	PayloadTextMedia
)

// Payload is the generated content for one action. It is a tagged
// variant validated at construction; use NewTextPayload or
// NewTextMediaPayload, never a struct literal.
type Payload struct {
	kind     PayloadKind
	text     string
	mediaRef string
}

// ErrEmptyPayload is returned when a generator produces blank content.
var ErrEmptyPayload = errors.New("generated payload is empty")

// NewTextPayload builds a text-only payload. Blank text is rejected.
func NewTextPayload(text string) (Payload, error) {
	if strings.TrimSpace(text) == "" {
		return Payload{}, ErrEmptyPayload
	}
	return Payload{kind: PayloadText, text: text}, nil
}

// NewTextMediaPayload builds a text-plus-media payload. Both the text
// and the media reference are required.
func NewTextMediaPayload(text, mediaRef string) (Payload, error) {
	if strings.TrimSpace(text) == "" {
		return Payload{}, ErrEmptyPayload
	}
	if strings.TrimSpace(mediaRef) == "" {
		return Payload{}, fmt.Errorf("media payload requires a media reference")
	}
	return Payload{kind: PayloadTextMedia, text: text, mediaRef: mediaRef}, nil
}

// Kind returns the payload variant tag.
func (p Payload) Kind() PayloadKind { return p.kind }

// Text returns the payload text.
func (p Payload) Text() string { return p.text }

// MediaRef returns the media reference for PayloadTextMedia payloads.
func (p Payload) MediaRef() string { return p.mediaRef }

// Outcome is the terminal state of one orchestrated attempt.
type Outcome string

// Attempt outcomes. Dropped attempts (gate denied, pool exhausted) are
// never committed; the external scanner will resurface the opportunity
// on its next cycle.
const (
	OutcomeDropped       Outcome = "dropped"
	OutcomeResolved      Outcome = "resolved"
	OutcomeRejectedDedup Outcome = "rejected_dedup"
	OutcomeRejectedQuota Outcome = "rejected_quota"
	OutcomeFailed        Outcome = "failed"
)

// Committed reports whether the outcome produced a persisted attempt
// record.
func (o Outcome) Committed() bool {
	switch o {
	case OutcomeResolved, OutcomeRejectedDedup, OutcomeRejectedQuota, OutcomeFailed:
		return true
	}
	return false
}

// Attempt is the in-memory result of processing one opportunity.
type Attempt struct {
	ID          string
	AccountID   string
	Opportunity Opportunity
	Strategy    bandit.StrategyID
	Payload     Payload
	Outcome     Outcome
	Err         error
}

// Generator produces an action payload for a strategy and opportunity.
// It is an external collaborator and may be slow; implementations must
// honor the context deadline.
type Generator interface {
	Generate(ctx context.Context, strategy bandit.StrategyID, opp Opportunity) (Payload, error)
}

// Transport performs the action through an account. The engine never
// retries a failed Execute; backoff is the transport's own concern.
type Transport interface {
	Execute(ctx context.Context, accountID string, opp Opportunity, payload Payload) error
}

// Source delivers discovered opportunities for one action kind. Each
// opportunity is delivered at most once per discovery; re-delivery
// after a rejected or failed attempt is the scanner's own schedule.
type Source interface {
	Poll(ctx context.Context, kind directory.Kind) ([]Opportunity, error)
}
