package store

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/ashureev/agentsim/internal/domain"
)

func newTestStore(t *testing.T) Repository {
	t.Helper()
	repo, err := NewSQLite(filepath.Join(t.TempDir(), "test.db"))
	if err != nil {
		t.Fatalf("NewSQLite failed: %v", err)
	}
	t.Cleanup(func() {
		if err := repo.Close(); err != nil {
			t.Errorf("Close failed: %v", err)
		}
	})
	return repo
}

func testSession(id string, createdAt time.Time) *domain.Session {
	return &domain.Session{
		ID:        id,
		CreatedAt: createdAt,
		Status:    domain.SessionActive,
	}
}

func requestEvent(sessionID, turnID string, ts time.Time) *domain.Event {
	return &domain.Event{
		EventID:   "evt-req-" + turnID,
		SessionID: sessionID,
		Timestamp: ts,
		TurnID:    turnID,
		AgentName: "agentA",
		Payload: domain.Payload{
			Request: &domain.RequestPayload{
				Contents: []domain.Content{{Role: "user", Text: "hello"}},
			},
		},
	}
}

func decisionEvent(sessionID, turnID string, ts time.Time) *domain.Event {
	return &domain.Event{
		EventID:   "evt-dec-" + turnID,
		SessionID: sessionID,
		Timestamp: ts,
		TurnID:    turnID,
		Payload: domain.Payload{
			Decision: &domain.DecisionPayload{
				Candidates: []domain.Content{{Role: "model", Text: "ok"}},
			},
		},
	}
}

func TestPutGetSession(t *testing.T) {
	repo := newTestStore(t)
	ctx := context.Background()

	session := testSession("sess-1", time.Now().UTC().Truncate(time.Millisecond))
	session.Description = "a test run"

	if err := repo.PutSession(ctx, session); err != nil {
		t.Fatalf("PutSession failed: %v", err)
	}

	got, err := repo.GetSession(ctx, "sess-1")
	if err != nil {
		t.Fatalf("GetSession failed: %v", err)
	}
	if got == nil {
		t.Fatal("Expected session, got nil")
	}
	if got.ID != session.ID || got.Description != session.Description || got.Status != session.Status {
		t.Errorf("Round-trip mismatch: got %+v, want %+v", got, session)
	}
	if !got.CreatedAt.Equal(session.CreatedAt) {
		t.Errorf("CreatedAt mismatch: got %v, want %v", got.CreatedAt, session.CreatedAt)
	}
}

func TestGetSessionMissing(t *testing.T) {
	repo := newTestStore(t)

	got, err := repo.GetSession(context.Background(), "nope")
	if err != nil {
		t.Fatalf("GetSession failed: %v", err)
	}
	if got != nil {
		t.Errorf("Expected nil for missing session, got %+v", got)
	}
}

func TestPutSessionStatusUpdate(t *testing.T) {
	repo := newTestStore(t)
	ctx := context.Background()

	session := testSession("sess-1", time.Now().UTC())
	if err := repo.PutSession(ctx, session); err != nil {
		t.Fatalf("PutSession failed: %v", err)
	}

	session.Status = domain.SessionCompleted
	if err := repo.PutSession(ctx, session); err != nil {
		t.Fatalf("PutSession update failed: %v", err)
	}

	got, err := repo.GetSession(ctx, "sess-1")
	if err != nil {
		t.Fatalf("GetSession failed: %v", err)
	}
	if got.Status != domain.SessionCompleted {
		t.Errorf("Expected completed status, got %s", got.Status)
	}
}

func TestPutSessionRejectsOversizedDescription(t *testing.T) {
	repo := newTestStore(t)

	session := testSession("sess-1", time.Now().UTC())
	for len(session.Description) <= domain.MaxDescriptionLen {
		session.Description += "xxxxxxxxxx"
	}

	err := repo.PutSession(context.Background(), session)
	if !errors.Is(err, domain.ErrValidation) {
		t.Errorf("Expected ErrValidation, got %v", err)
	}
}

func TestListSessionsOrderAndFilter(t *testing.T) {
	repo := newTestStore(t)
	ctx := context.Background()

	base := time.Now().UTC().Add(-time.Hour)
	first := testSession("sess-1", base)
	second := testSession("sess-2", base.Add(time.Minute))
	third := testSession("sess-3", base.Add(2*time.Minute))
	third.Status = domain.SessionCompleted

	for _, s := range []*domain.Session{first, second, third} {
		if err := repo.PutSession(ctx, s); err != nil {
			t.Fatalf("PutSession(%s) failed: %v", s.ID, err)
		}
	}

	all, err := repo.ListSessions(ctx, ListFilter{})
	if err != nil {
		t.Fatalf("ListSessions failed: %v", err)
	}
	if len(all) != 3 {
		t.Fatalf("Expected 3 sessions, got %d", len(all))
	}
	if all[0].ID != "sess-3" || all[1].ID != "sess-2" || all[2].ID != "sess-1" {
		t.Errorf("Expected newest-first order, got %s, %s, %s", all[0].ID, all[1].ID, all[2].ID)
	}

	active, err := repo.ListSessions(ctx, ListFilter{Status: domain.SessionActive})
	if err != nil {
		t.Fatalf("ListSessions(active) failed: %v", err)
	}
	if len(active) != 2 {
		t.Errorf("Expected 2 active sessions, got %d", len(active))
	}

	paged, err := repo.ListSessions(ctx, ListFilter{Limit: 1, Offset: 1})
	if err != nil {
		t.Fatalf("ListSessions(paged) failed: %v", err)
	}
	if len(paged) != 1 || paged[0].ID != "sess-2" {
		t.Errorf("Expected page [sess-2], got %+v", paged)
	}
}

func TestAppendAndGetEvents(t *testing.T) {
	repo := newTestStore(t)
	ctx := context.Background()

	if err := repo.PutSession(ctx, testSession("sess-1", time.Now().UTC())); err != nil {
		t.Fatalf("PutSession failed: %v", err)
	}

	base := time.Now().UTC()
	events := []*domain.Event{
		requestEvent("sess-1", "turn-1", base),
		requestEvent("sess-1", "turn-2", base.Add(time.Millisecond)),
		decisionEvent("sess-1", "turn-1", base.Add(2*time.Millisecond)),
	}
	for _, e := range events {
		if err := repo.AppendEvent(ctx, e); err != nil {
			t.Fatalf("AppendEvent(%s) failed: %v", e.EventID, err)
		}
	}

	got, err := repo.GetEvents(ctx, "sess-1")
	if err != nil {
		t.Fatalf("GetEvents failed: %v", err)
	}
	if len(got) != 3 {
		t.Fatalf("Expected 3 events, got %d", len(got))
	}
	for i, e := range events {
		if got[i].EventID != e.EventID {
			t.Errorf("Event %d: expected %s, got %s", i, e.EventID, got[i].EventID)
		}
	}
	if got[2].Payload.Decision == nil {
		t.Error("Expected decision payload on third event")
	}
	if got[0].Payload.Request == nil || got[0].Payload.Request.Contents[0].Text != "hello" {
		t.Errorf("Request payload did not round-trip: %+v", got[0].Payload.Request)
	}
}

func TestAppendEventRejectsDuplicateTurnKind(t *testing.T) {
	repo := newTestStore(t)
	ctx := context.Background()

	base := time.Now().UTC()
	if err := repo.AppendEvent(ctx, requestEvent("sess-1", "turn-1", base)); err != nil {
		t.Fatalf("AppendEvent failed: %v", err)
	}

	dup := requestEvent("sess-1", "turn-1", base.Add(time.Millisecond))
	dup.EventID = "evt-req-turn-1-dup"
	if err := repo.AppendEvent(ctx, dup); !errors.Is(err, domain.ErrInvalidState) {
		t.Errorf("Expected ErrInvalidState for duplicate request, got %v", err)
	}

	if err := repo.AppendEvent(ctx, decisionEvent("sess-1", "turn-1", base.Add(2*time.Millisecond))); err != nil {
		t.Fatalf("AppendEvent(decision) failed: %v", err)
	}
	dupDec := decisionEvent("sess-1", "turn-1", base.Add(3*time.Millisecond))
	dupDec.EventID = "evt-dec-turn-1-dup"
	if err := repo.AppendEvent(ctx, dupDec); !errors.Is(err, domain.ErrInvalidState) {
		t.Errorf("Expected ErrInvalidState for duplicate decision, got %v", err)
	}
}

func TestAppendEventRejectsMalformedPayload(t *testing.T) {
	repo := newTestStore(t)

	event := &domain.Event{
		EventID:   "evt-1",
		SessionID: "sess-1",
		Timestamp: time.Now().UTC(),
		TurnID:    "turn-1",
	}
	if err := repo.AppendEvent(context.Background(), event); !errors.Is(err, domain.ErrValidation) {
		t.Errorf("Expected ErrValidation for armless payload, got %v", err)
	}

	event.Payload = domain.Payload{
		Request:  &domain.RequestPayload{},
		Decision: &domain.DecisionPayload{Candidates: []domain.Content{{Text: "x"}}},
	}
	if err := repo.AppendEvent(context.Background(), event); !errors.Is(err, domain.ErrValidation) {
		t.Errorf("Expected ErrValidation for double-armed payload, got %v", err)
	}
}
