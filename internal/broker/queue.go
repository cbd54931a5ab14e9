// Package broker implements the session/event orchestration core:
// per-session request queues, event fan-out, and the session manager
// that ties them to the durable store.
package broker

import (
	"fmt"

	"github.com/ashureev/agentsim/internal/domain"
)

// RequestQueue is the ordered set of turn ids in one session whose
// request has no matching decision yet. Only the head is "active" for
// presentation; removal of a non-head turn is allowed so a decision can
// resolve any turn it names.
//
// The queue is not internally synchronized: the session manager owns
// one queue per session and accesses it under the session lock.
type RequestQueue struct {
	order   []string
	present map[string]struct{}
}

// NewRequestQueue creates an empty request queue.
func NewRequestQueue() *RequestQueue {
	return &RequestQueue{present: make(map[string]struct{})}
}

// Enqueue appends a turn id to the tail. A duplicate turn id is rejected.
func (q *RequestQueue) Enqueue(turnID string) error {
	if _, ok := q.present[turnID]; ok {
		return fmt.Errorf("%w: turn %s already queued", domain.ErrInvalidState, turnID)
	}
	q.order = append(q.order, turnID)
	q.present[turnID] = struct{}{}
	return nil
}

// PeekHead returns the oldest unresolved turn id, or false if empty.
func (q *RequestQueue) PeekHead() (string, bool) {
	if len(q.order) == 0 {
		return "", false
	}
	return q.order[0], true
}

// Contains reports whether a turn id is still unresolved.
func (q *RequestQueue) Contains(turnID string) bool {
	_, ok := q.present[turnID]
	return ok
}

// Remove deletes a turn id from the queue, head or not. Returns false
// if the turn id is not queued.
func (q *RequestQueue) Remove(turnID string) bool {
	if _, ok := q.present[turnID]; !ok {
		return false
	}
	delete(q.present, turnID)
	for i, id := range q.order {
		if id == turnID {
			q.order = append(q.order[:i], q.order[i+1:]...)
			break
		}
	}
	return true
}

// IsEmpty reports whether no turns are pending.
func (q *RequestQueue) IsEmpty() bool {
	return len(q.order) == 0
}

// Len returns the number of pending turns.
func (q *RequestQueue) Len() int {
	return len(q.order)
}

// Snapshot returns the pending turn ids in arrival order.
func (q *RequestQueue) Snapshot() []string {
	out := make([]string, len(q.order))
	copy(out, q.order)
	return out
}
