package broker

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/ashureev/agentsim/internal/domain"
	"github.com/ashureev/agentsim/internal/store"
	"github.com/oklog/ulid/v2"
)

// sessionState is the in-memory half of one activated session. The
// mutex serializes the append+enqueue+publish and append+remove+publish
// sequences so event order within the session is deterministic; the
// durable log write always happens before any in-memory mutation.
type sessionState struct {
	mu          sync.Mutex
	session     *domain.Session
	queue       *RequestQueue
	broadcaster *Broadcaster
	resolved    map[string]struct{}
	lastTS      int64
}

// nextTimestamp assigns a strictly increasing timestamp within the
// session. Caller must hold the state mutex.
func (st *sessionState) nextTimestamp() time.Time {
	ts := time.Now().UTC().UnixNano()
	if ts <= st.lastTS {
		ts = st.lastTS + 1
	}
	st.lastTS = ts
	return time.Unix(0, ts).UTC()
}

// SessionManager owns the session_id -> (queue, broadcaster) registry
// and is the single write path for session and event invariants.
// Operations on different sessions run in parallel; operations within
// one session serialize on that session's lock.
type SessionManager struct {
	repo store.Repository

	mu       sync.RWMutex
	sessions map[string]*sessionState
}

// NewSessionManager creates a session manager backed by the repository.
func NewSessionManager(repo store.Repository) *SessionManager {
	return &SessionManager{
		repo:     repo,
		sessions: make(map[string]*sessionState),
	}
}

// CreateSession generates a unique id, persists a new active session,
// and initializes its empty queue and broadcaster.
func (m *SessionManager) CreateSession(ctx context.Context, description string) (*domain.Session, error) {
	session := &domain.Session{
		ID:          ulid.Make().String(),
		CreatedAt:   time.Now().UTC(),
		Description: description,
		Status:      domain.SessionActive,
	}
	if err := session.Validate(); err != nil {
		return nil, err
	}

	if err := m.repo.PutSession(ctx, session); err != nil {
		return nil, fmt.Errorf("persist session: %w", err)
	}

	st := &sessionState{
		session:     session,
		queue:       NewRequestQueue(),
		broadcaster: NewBroadcaster(),
		resolved:    make(map[string]struct{}),
	}
	m.mu.Lock()
	m.sessions[session.ID] = st
	m.mu.Unlock()

	slog.Info("Session created", "session_id", session.ID)
	return session, nil
}

// GetSession retrieves a session by id, resident or not.
func (m *SessionManager) GetSession(ctx context.Context, sessionID string) (*domain.Session, error) {
	m.mu.RLock()
	st, ok := m.sessions[sessionID]
	m.mu.RUnlock()
	if ok {
		st.mu.Lock()
		defer st.mu.Unlock()
		copied := *st.session
		return &copied, nil
	}

	session, err := m.repo.GetSession(ctx, sessionID)
	if err != nil {
		return nil, fmt.Errorf("get session: %w", err)
	}
	if session == nil {
		return nil, fmt.Errorf("%w: session %s", domain.ErrNotFound, sessionID)
	}
	return session, nil
}

// ListSessions returns sessions ordered by creation time, newest first.
func (m *SessionManager) ListSessions(ctx context.Context, filter store.ListFilter) ([]*domain.Session, error) {
	sessions, err := m.repo.ListSessions(ctx, filter)
	if err != nil {
		return nil, fmt.Errorf("list sessions: %w", err)
	}
	return sessions, nil
}

// CompleteSession transitions a session from active to completed. The
// transition is monotonic: completing a completed session fails.
func (m *SessionManager) CompleteSession(ctx context.Context, sessionID string) (*domain.Session, error) {
	st, err := m.activate(ctx, sessionID)
	if err != nil {
		return nil, err
	}

	st.mu.Lock()
	defer st.mu.Unlock()

	if !st.session.IsActive() {
		return nil, fmt.Errorf("%w: session %s is already %s", domain.ErrInvalidState, sessionID, st.session.Status)
	}

	updated := *st.session
	updated.Status = domain.SessionCompleted
	if err := m.repo.PutSession(ctx, &updated); err != nil {
		return nil, fmt.Errorf("persist session status: %w", err)
	}
	st.session = &updated

	slog.Info("Session completed", "session_id", sessionID)
	copied := updated
	return &copied, nil
}

// SubmitRequest records an intercepted model call. The caller may
// supply its own turn id (the interceptor does, so it can register its
// waiter before submitting); one is generated otherwise. The durable
// append happens before the queue and broadcast mutations, and the
// whole sequence holds the session lock so concurrent submitters
// interleave deterministically.
func (m *SessionManager) SubmitRequest(ctx context.Context, sessionID, agentName, turnID string, payload *domain.RequestPayload) (string, error) {
	if payload == nil {
		return "", fmt.Errorf("%w: request payload is required", domain.ErrValidation)
	}

	st, err := m.activate(ctx, sessionID)
	if err != nil {
		return "", err
	}

	st.mu.Lock()
	defer st.mu.Unlock()

	if !st.session.IsActive() {
		return "", fmt.Errorf("%w: session %s is %s", domain.ErrInvalidState, sessionID, st.session.Status)
	}

	if turnID == "" {
		turnID = ulid.Make().String()
	}
	if st.queue.Contains(turnID) {
		return "", fmt.Errorf("%w: turn %s already submitted", domain.ErrInvalidState, turnID)
	}
	if _, done := st.resolved[turnID]; done {
		return "", fmt.Errorf("%w: turn %s already resolved", domain.ErrInvalidState, turnID)
	}

	event := &domain.Event{
		EventID:   ulid.Make().String(),
		SessionID: sessionID,
		Timestamp: st.nextTimestamp(),
		TurnID:    turnID,
		AgentName: agentName,
		Payload:   domain.Payload{Request: payload},
	}

	if err := m.repo.AppendEvent(ctx, event); err != nil {
		return "", fmt.Errorf("append request event: %w", err)
	}
	if err := st.queue.Enqueue(turnID); err != nil {
		return "", err
	}
	st.broadcaster.Publish(event)

	slog.Info("Request submitted",
		"session_id", sessionID,
		"turn_id", turnID,
		"agent_name", agentName,
		"queue_depth", st.queue.Len())
	return turnID, nil
}

// SubmitDecision records the human decision for a pending turn. A turn
// is resolved exactly once: a decision for an already-resolved turn
// fails with ErrInvalidState, a decision for an unknown turn with
// ErrNotFound. Resolving a non-head turn is accepted; the queue head
// only advances when the head itself resolves.
func (m *SessionManager) SubmitDecision(ctx context.Context, sessionID, turnID string, payload *domain.DecisionPayload) (*domain.Event, error) {
	if payload == nil || len(payload.Candidates) == 0 {
		return nil, fmt.Errorf("%w: decision needs at least one candidate", domain.ErrValidation)
	}

	st, err := m.activate(ctx, sessionID)
	if err != nil {
		return nil, err
	}

	st.mu.Lock()
	defer st.mu.Unlock()

	if !st.session.IsActive() {
		return nil, fmt.Errorf("%w: session %s is %s", domain.ErrInvalidState, sessionID, st.session.Status)
	}
	if _, done := st.resolved[turnID]; done {
		return nil, fmt.Errorf("%w: turn %s is already resolved", domain.ErrInvalidState, turnID)
	}
	if !st.queue.Contains(turnID) {
		return nil, fmt.Errorf("%w: no pending request for turn %s", domain.ErrNotFound, turnID)
	}

	event := &domain.Event{
		EventID:   ulid.Make().String(),
		SessionID: sessionID,
		Timestamp: st.nextTimestamp(),
		TurnID:    turnID,
		Payload:   domain.Payload{Decision: payload},
	}

	if err := m.repo.AppendEvent(ctx, event); err != nil {
		return nil, fmt.Errorf("append decision event: %w", err)
	}
	st.queue.Remove(turnID)
	st.resolved[turnID] = struct{}{}
	st.broadcaster.Publish(event)

	slog.Info("Decision submitted",
		"session_id", sessionID,
		"turn_id", turnID,
		"queue_depth", st.queue.Len())
	return event, nil
}

// Subscribe attaches a new subscriber to a session. It returns the full
// historical replay and a live subscription whose first event is the
// first one published after the replay cursor: both are captured under
// the session lock, so the seam has no gap and no duplicates.
func (m *SessionManager) Subscribe(ctx context.Context, sessionID string) ([]*domain.Event, *Subscription, error) {
	st, err := m.activate(ctx, sessionID)
	if err != nil {
		return nil, nil, err
	}

	st.mu.Lock()
	defer st.mu.Unlock()

	replay, err := m.repo.GetEvents(ctx, sessionID)
	if err != nil {
		return nil, nil, fmt.Errorf("load replay: %w", err)
	}
	sub := st.broadcaster.Subscribe()

	slog.Info("Subscriber attached",
		"session_id", sessionID,
		"replay_events", len(replay),
		"subscribers", st.broadcaster.SubscriberCount())
	return replay, sub, nil
}

// QueueView reports the head-of-line turn and the pending turn ids in
// arrival order, for presentation.
type QueueView struct {
	Head    string   `json:"head_turn_id,omitempty"`
	Pending []string `json:"pending_turn_ids"`
}

// Queue returns the presentation view of a session's pending requests.
func (m *SessionManager) Queue(ctx context.Context, sessionID string) (*QueueView, error) {
	st, err := m.activate(ctx, sessionID)
	if err != nil {
		return nil, err
	}

	st.mu.Lock()
	defer st.mu.Unlock()

	view := &QueueView{Pending: st.queue.Snapshot()}
	if head, ok := st.queue.PeekHead(); ok {
		view.Head = head
	}
	return view, nil
}

// SubscriberCount returns the number of live subscribers for a session,
// zero if the session is not resident.
func (m *SessionManager) SubscriberCount(sessionID string) int {
	m.mu.RLock()
	st, ok := m.sessions[sessionID]
	m.mu.RUnlock()
	if !ok {
		return 0
	}
	return st.broadcaster.SubscriberCount()
}

// activate returns the resident state for a session, rebuilding it from
// the durable log if this process has not seen the session yet. The
// queue is reconstructed as the turn ids with a request but no decision,
// in append order, which makes it a pure function of the log: a restart
// cannot lose or reorder pending work. States are never evicted.
func (m *SessionManager) activate(ctx context.Context, sessionID string) (*sessionState, error) {
	m.mu.RLock()
	st, ok := m.sessions[sessionID]
	m.mu.RUnlock()
	if ok {
		return st, nil
	}

	session, err := m.repo.GetSession(ctx, sessionID)
	if err != nil {
		return nil, fmt.Errorf("get session: %w", err)
	}
	if session == nil {
		return nil, fmt.Errorf("%w: session %s", domain.ErrNotFound, sessionID)
	}

	events, err := m.repo.GetEvents(ctx, sessionID)
	if err != nil {
		return nil, fmt.Errorf("load events: %w", err)
	}

	st = &sessionState{
		session:     session,
		queue:       NewRequestQueue(),
		broadcaster: NewBroadcaster(),
		resolved:    make(map[string]struct{}),
	}
	for _, event := range events {
		if event.Timestamp.UnixNano() > st.lastTS {
			st.lastTS = event.Timestamp.UnixNano()
		}
		kind, err := event.Payload.Kind()
		if err != nil {
			return nil, fmt.Errorf("event %s in durable log: %w", event.EventID, err)
		}
		switch kind {
		case domain.PayloadRequest:
			if err := st.queue.Enqueue(event.TurnID); err != nil {
				return nil, fmt.Errorf("rebuild queue: %w", err)
			}
		case domain.PayloadDecision:
			st.queue.Remove(event.TurnID)
			st.resolved[event.TurnID] = struct{}{}
		}
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if existing, ok := m.sessions[sessionID]; ok {
		// Another goroutine activated the session while we were scanning.
		return existing, nil
	}
	m.sessions[sessionID] = st

	slog.Info("Session activated",
		"session_id", sessionID,
		"events", len(events),
		"pending", st.queue.Len())
	return st, nil
}
