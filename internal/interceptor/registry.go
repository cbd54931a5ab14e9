// Package interceptor runs inside the agent process. It intercepts
// model calls, submits them to the simulator server, and blocks the
// caller until a human decision arrives, surviving reconnects without
// resubmitting resolved turns.
package interceptor

import (
	"context"
	"fmt"
	"sync"

	"github.com/ashureev/agentsim/internal/domain"
)

// outcome is what a blocked caller eventually receives: a decision, or
// an error. final distinguishes a terminal error from a recoverable
// connection-loss notification.
type outcome struct {
	decision *domain.DecisionPayload
	err      error
	final    bool
}

// Waiter is the awaitable handle for one registered turn.
type Waiter struct {
	turnID string
	ch     chan outcome
}

// Wait blocks until the turn resolves, a terminal cancellation arrives,
// or ctx is done. A connection-loss notification is returned as
// (nil, domain.ErrConnectionLost, false terminal): the registration
// stays open and the caller may Wait again — replay after reconnect
// will resolve it.
func (w *Waiter) Wait(ctx context.Context) (*domain.DecisionPayload, bool, error) {
	select {
	case out := <-w.ch:
		return out.decision, out.final, out.err
	case <-ctx.Done():
		return nil, true, ctx.Err()
	}
}

// PendingRegistry maps turn ids to awaitable handles. It lives only in
// the process that issued the requests and is never persisted; after a
// reconnect, pending turns are re-derived from the durable log replay,
// not from this registry.
type PendingRegistry struct {
	mu      sync.Mutex
	waiters map[string]*Waiter
}

// NewPendingRegistry creates an empty registry.
func NewPendingRegistry() *PendingRegistry {
	return &PendingRegistry{waiters: make(map[string]*Waiter)}
}

// Register creates the awaitable for a turn. Registering the same turn
// id twice fails with domain.ErrDuplicateCorrelation.
func (r *PendingRegistry) Register(turnID string) (*Waiter, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.waiters[turnID]; ok {
		return nil, fmt.Errorf("%w: turn %s", domain.ErrDuplicateCorrelation, turnID)
	}
	w := &Waiter{turnID: turnID, ch: make(chan outcome, 1)}
	r.waiters[turnID] = w
	return w, nil
}

// Resolve completes a turn's awaitable with a decision and removes the
// registration. Returns false (not an error) if the turn is unknown —
// the decision may race a late cancel or belong to another subscriber.
func (r *PendingRegistry) Resolve(turnID string, decision *domain.DecisionPayload) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	w, ok := r.waiters[turnID]
	if !ok {
		return false
	}
	delete(r.waiters, turnID)
	w.deliver(outcome{decision: decision, final: true})
	return true
}

// Cancel completes a turn's awaitable with a terminal error and removes
// the registration. Returns false if the turn is unknown.
func (r *PendingRegistry) Cancel(turnID string, err error) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	w, ok := r.waiters[turnID]
	if !ok {
		return false
	}
	delete(r.waiters, turnID)
	w.deliver(outcome{err: err, final: true})
	return true
}

// CancelAll completes every awaitable with a terminal error and clears
// the registry. Used at shutdown so no caller is left hanging.
func (r *PendingRegistry) CancelAll(err error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	for turnID, w := range r.waiters {
		delete(r.waiters, turnID)
		w.deliver(outcome{err: err, final: true})
	}
}

// NotifyAll wakes every waiter with a recoverable error while keeping
// the registrations open. Used on connection loss: the blocked callers
// unblock (never hang on a dead stream) but their turns stay registered
// so the post-reconnect replay can resolve them without resubmission.
func (r *PendingRegistry) NotifyAll(err error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	for _, w := range r.waiters {
		w.deliver(outcome{err: err})
	}
}

// Pending returns the currently registered turn ids.
func (r *PendingRegistry) Pending() []string {
	r.mu.Lock()
	defer r.mu.Unlock()

	ids := make([]string, 0, len(r.waiters))
	for turnID := range r.waiters {
		ids = append(ids, turnID)
	}
	return ids
}

// deliver replaces any unconsumed notification with the new outcome.
// The channel holds one slot; a stale connection-loss notification must
// never shadow a resolution. Callers hold the registry mutex.
func (w *Waiter) deliver(out outcome) {
	select {
	case <-w.ch:
	default:
	}
	w.ch <- out
}
