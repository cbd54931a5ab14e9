package interceptor

import (
	"context"
	"errors"
	"log/slog"
	"net/http/httptest"
	"path/filepath"
	"testing"
	"time"

	"github.com/ashureev/agentsim/internal/api"
	"github.com/ashureev/agentsim/internal/broker"
	"github.com/ashureev/agentsim/internal/domain"
	"github.com/ashureev/agentsim/internal/store"
	"github.com/go-chi/chi/v5"
	chiMiddleware "github.com/go-chi/chi/v5/middleware"
)

// newTestServer stands up the full protocol surface over a temp SQLite
// store, the way cmd/server wires it.
func newTestServer(t *testing.T) (*httptest.Server, *broker.SessionManager) {
	t.Helper()

	repo, err := store.NewSQLite(filepath.Join(t.TempDir(), "e2e.db"))
	if err != nil {
		t.Fatalf("NewSQLite failed: %v", err)
	}
	t.Cleanup(func() {
		if err := repo.Close(); err != nil {
			t.Errorf("Close failed: %v", err)
		}
	})

	mgr := broker.NewSessionManager(repo)
	base := api.NewHandler(mgr)

	r := chi.NewRouter()
	r.Use(chiMiddleware.Heartbeat("/health"))
	api.NewSessionHandler(base, 0).RegisterRoutes(r)
	r.Get("/ws/sessions/{sessionID}/events", api.NewSubscribeHandler(mgr, "", true).ServeHTTP)

	srv := httptest.NewServer(r)
	t.Cleanup(srv.Close)
	return srv, mgr
}

func newTestInterceptor(t *testing.T, srv *httptest.Server, targets []string) *Interceptor {
	t.Helper()

	logger := slog.New(slog.NewTextHandler(testWriter{t}, &slog.HandlerOptions{Level: slog.LevelWarn}))
	client, err := NewClient(srv.URL, logger)
	if err != nil {
		t.Fatalf("NewClient failed: %v", err)
	}
	return New(client, targets, logger)
}

type testWriter struct{ t *testing.T }

func (w testWriter) Write(p []byte) (int, error) {
	w.t.Log(string(p))
	return len(p), nil
}

func waitForPending(t *testing.T, mgr *broker.SessionManager, sessionID string, want int) *broker.QueueView {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		view, err := mgr.Queue(context.Background(), sessionID)
		if err != nil {
			t.Fatalf("Queue failed: %v", err)
		}
		if len(view.Pending) == want {
			return view
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("Timed out waiting for %d pending turns", want)
	return nil
}

type interceptResult struct {
	decision *domain.DecisionPayload
	err      error
}

func TestInterceptBlocksUntilDecision(t *testing.T) {
	srv, mgr := newTestServer(t)
	ic := newTestInterceptor(t, srv, nil)
	defer ic.Close()

	session, err := ic.Start(context.Background(), "e2e run")
	if err != nil {
		t.Fatalf("Start failed: %v", err)
	}

	results := make(chan interceptResult, 1)
	go func() {
		decision, err := ic.Intercept(context.Background(), "agentA", &domain.RequestPayload{
			Contents: []domain.Content{{Role: "user", Text: "what now?"}},
		})
		results <- interceptResult{decision, err}
	}()

	view := waitForPending(t, mgr, session.ID, 1)

	// The agent must still be blocked while the turn is pending.
	select {
	case res := <-results:
		t.Fatalf("Intercept returned before decision: %+v", res)
	case <-time.After(100 * time.Millisecond):
	}

	want := &domain.DecisionPayload{Candidates: []domain.Content{{Role: "model", Text: "do the thing"}}}
	if _, err := mgr.SubmitDecision(context.Background(), session.ID, view.Head, want); err != nil {
		t.Fatalf("SubmitDecision failed: %v", err)
	}

	select {
	case res := <-results:
		if res.err != nil {
			t.Fatalf("Intercept failed: %v", res.err)
		}
		if res.decision.Candidates[0].Text != "do the thing" {
			t.Errorf("Expected substituted decision, got %+v", res.decision)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("Timed out waiting for Intercept to unblock")
	}
}

func TestInterceptAllowListPassthrough(t *testing.T) {
	srv, _ := newTestServer(t)
	ic := newTestInterceptor(t, srv, []string{"router"})
	defer ic.Close()

	if _, err := ic.Start(context.Background(), ""); err != nil {
		t.Fatalf("Start failed: %v", err)
	}

	decision, err := ic.Intercept(context.Background(), "summarizer", &domain.RequestPayload{})
	if err != nil {
		t.Fatalf("Intercept failed: %v", err)
	}
	if decision != nil {
		t.Errorf("Expected passthrough (nil decision) for unlisted agent, got %+v", decision)
	}

	if !ic.ShouldIntercept("router") {
		t.Error("Expected router to be intercepted")
	}
	if ic.ShouldIntercept("summarizer") {
		t.Error("Expected summarizer to pass through")
	}
}

func TestInterceptResolvesFromReplayAfterReconnect(t *testing.T) {
	srv, mgr := newTestServer(t)
	ic := newTestInterceptor(t, srv, nil)
	defer ic.Close()

	session, err := ic.Start(context.Background(), "reconnect run")
	if err != nil {
		t.Fatalf("Start failed: %v", err)
	}

	results := make(chan interceptResult, 1)
	go func() {
		decision, err := ic.Intercept(context.Background(), "agentA", &domain.RequestPayload{
			Contents: []domain.Content{{Role: "user", Text: "hold on"}},
		})
		results <- interceptResult{decision, err}
	}()

	view := waitForPending(t, mgr, session.ID, 1)

	// Sever every client connection, including the subscribe stream,
	// then decide while the interceptor is disconnected. The reconnect
	// replay must resolve the turn without a resubmission.
	srv.CloseClientConnections()

	want := &domain.DecisionPayload{Candidates: []domain.Content{{Role: "model", Text: "recovered"}}}
	if _, err := mgr.SubmitDecision(context.Background(), session.ID, view.Head, want); err != nil {
		t.Fatalf("SubmitDecision failed: %v", err)
	}

	select {
	case res := <-results:
		if res.err != nil {
			t.Fatalf("Intercept failed after reconnect: %v", res.err)
		}
		if res.decision.Candidates[0].Text != "recovered" {
			t.Errorf("Expected replayed decision, got %+v", res.decision)
		}
	case <-time.After(10 * time.Second):
		t.Fatal("Timed out waiting for replay to resolve the turn")
	}

	finalView, err := mgr.Queue(context.Background(), session.ID)
	if err != nil {
		t.Fatalf("Queue failed: %v", err)
	}
	if len(finalView.Pending) != 0 {
		t.Errorf("Expected no pending turns after resolution, got %v", finalView.Pending)
	}
}

func TestCloseCancelsPendingWaits(t *testing.T) {
	srv, mgr := newTestServer(t)
	ic := newTestInterceptor(t, srv, nil)

	session, err := ic.Start(context.Background(), "")
	if err != nil {
		t.Fatalf("Start failed: %v", err)
	}

	results := make(chan interceptResult, 1)
	go func() {
		decision, err := ic.Intercept(context.Background(), "agentA", &domain.RequestPayload{})
		results <- interceptResult{decision, err}
	}()

	waitForPending(t, mgr, session.ID, 1)
	ic.Close()

	select {
	case res := <-results:
		if !errors.Is(res.err, domain.ErrConnectionLost) {
			t.Errorf("Expected ErrConnectionLost after Close, got %v", res.err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("Intercept hung after Close")
	}
}

func TestResumeRejectsCompletedSession(t *testing.T) {
	srv, mgr := newTestServer(t)
	ic := newTestInterceptor(t, srv, nil)
	defer ic.Close()

	session, err := mgr.CreateSession(context.Background(), "finished run")
	if err != nil {
		t.Fatalf("CreateSession failed: %v", err)
	}
	if _, err := mgr.CompleteSession(context.Background(), session.ID); err != nil {
		t.Fatalf("CompleteSession failed: %v", err)
	}

	if err := ic.Resume(context.Background(), session.ID); !errors.Is(err, domain.ErrInvalidState) {
		t.Errorf("Expected ErrInvalidState resuming completed session, got %v", err)
	}
	if err := ic.Resume(context.Background(), "ghost"); !errors.Is(err, domain.ErrNotFound) {
		t.Errorf("Expected ErrNotFound resuming unknown session, got %v", err)
	}
}
