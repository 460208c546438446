package engine

import (
	"context"
	"sync"

	"github.com/1evgeniyonegin1-gif/plamya-traffic/internal/directory"
)

// QueueSource is the inbound boundary for external scanners: they Push
// discovered opportunities and the engine drains them per kind on its
// scan cycle. Each pushed opportunity is delivered exactly once;
// redelivery after a rejected or failed attempt is the scanner's call.
type QueueSource struct {
	mu     sync.Mutex
	queues map[directory.Kind][]Opportunity
}

// NewQueueSource creates an empty opportunity queue.
func NewQueueSource() *QueueSource {
	return &QueueSource{queues: make(map[directory.Kind][]Opportunity)}
}

// Push enqueues one discovered opportunity.
func (q *QueueSource) Push(opp Opportunity) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.queues[opp.Kind] = append(q.queues[opp.Kind], opp)
}

// Poll drains and returns all queued opportunities for the kind.
func (q *QueueSource) Poll(_ context.Context, kind directory.Kind) ([]Opportunity, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	opps := q.queues[kind]
	q.queues[kind] = nil
	return opps, nil
}

// Pending returns the number of queued opportunities for the kind.
func (q *QueueSource) Pending(kind directory.Kind) int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.queues[kind])
}
