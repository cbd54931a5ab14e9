package interceptor

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/ashureev/agentsim/internal/domain"
)

func TestRegistryResolve(t *testing.T) {
	r := NewPendingRegistry()

	waiter, err := r.Register("turn-1")
	if err != nil {
		t.Fatalf("Register failed: %v", err)
	}

	decision := &domain.DecisionPayload{Candidates: []domain.Content{{Text: "ok"}}}
	if !r.Resolve("turn-1", decision) {
		t.Fatal("Resolve returned false for registered turn")
	}

	got, final, err := waiter.Wait(context.Background())
	if err != nil {
		t.Fatalf("Wait failed: %v", err)
	}
	if !final {
		t.Error("Expected final outcome")
	}
	if got.Candidates[0].Text != "ok" {
		t.Errorf("Expected decision 'ok', got %+v", got)
	}
}

func TestRegistryDuplicateRegistration(t *testing.T) {
	r := NewPendingRegistry()

	if _, err := r.Register("turn-1"); err != nil {
		t.Fatalf("Register failed: %v", err)
	}
	if _, err := r.Register("turn-1"); !errors.Is(err, domain.ErrDuplicateCorrelation) {
		t.Errorf("Expected ErrDuplicateCorrelation, got %v", err)
	}
}

func TestRegistryResolveUnknownIsNoop(t *testing.T) {
	r := NewPendingRegistry()
	if r.Resolve("ghost", &domain.DecisionPayload{}) {
		t.Error("Expected Resolve of unknown turn to return false")
	}
}

func TestRegistryCancelCompletesWaiter(t *testing.T) {
	r := NewPendingRegistry()
	waiter, _ := r.Register("turn-1")

	cause := errors.New("submit failed")
	if !r.Cancel("turn-1", cause) {
		t.Fatal("Cancel returned false")
	}

	_, final, err := waiter.Wait(context.Background())
	if !final || !errors.Is(err, cause) {
		t.Errorf("Expected terminal cancellation, got final=%v err=%v", final, err)
	}

	// The registration is gone; a second resolve is a no-op.
	if r.Resolve("turn-1", &domain.DecisionPayload{}) {
		t.Error("Expected Resolve after Cancel to return false")
	}
}

func TestRegistryNotifyAllKeepsRegistrations(t *testing.T) {
	r := NewPendingRegistry()
	waiter, _ := r.Register("turn-1")

	r.NotifyAll(domain.ErrConnectionLost)

	_, final, err := waiter.Wait(context.Background())
	if final || !errors.Is(err, domain.ErrConnectionLost) {
		t.Fatalf("Expected recoverable connection-loss, got final=%v err=%v", final, err)
	}
	if len(r.Pending()) != 1 {
		t.Fatal("Expected registration to survive NotifyAll")
	}

	// A resolution after the notification still reaches the waiter.
	decision := &domain.DecisionPayload{Candidates: []domain.Content{{Text: "after"}}}
	if !r.Resolve("turn-1", decision) {
		t.Fatal("Resolve after NotifyAll returned false")
	}
	got, _, err := waiter.Wait(context.Background())
	if err != nil || got.Candidates[0].Text != "after" {
		t.Errorf("Expected decision after reconnect, got %+v err=%v", got, err)
	}
}

func TestRegistryResolveSupersedesStaleNotification(t *testing.T) {
	r := NewPendingRegistry()
	waiter, _ := r.Register("turn-1")

	// The waiter has not consumed the loss notification yet when the
	// decision arrives; the decision must win.
	r.NotifyAll(domain.ErrConnectionLost)
	decision := &domain.DecisionPayload{Candidates: []domain.Content{{Text: "wins"}}}
	r.Resolve("turn-1", decision)

	got, final, err := waiter.Wait(context.Background())
	if err != nil || !final {
		t.Fatalf("Expected resolution, got final=%v err=%v", final, err)
	}
	if got.Candidates[0].Text != "wins" {
		t.Errorf("Expected superseding decision, got %+v", got)
	}
}

func TestRegistryCancelAll(t *testing.T) {
	r := NewPendingRegistry()
	w1, _ := r.Register("turn-1")
	w2, _ := r.Register("turn-2")

	r.CancelAll(domain.ErrConnectionLost)

	for i, w := range []*Waiter{w1, w2} {
		_, final, err := w.Wait(context.Background())
		if !final || !errors.Is(err, domain.ErrConnectionLost) {
			t.Errorf("Waiter %d: expected terminal cancellation, got final=%v err=%v", i, final, err)
		}
	}
	if len(r.Pending()) != 0 {
		t.Errorf("Expected empty registry, got %v", r.Pending())
	}
}

func TestWaiterWaitHonorsContext(t *testing.T) {
	r := NewPendingRegistry()
	waiter, _ := r.Register("turn-1")

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()

	_, final, err := waiter.Wait(ctx)
	if !final || !errors.Is(err, context.DeadlineExceeded) {
		t.Errorf("Expected deadline exceeded, got final=%v err=%v", final, err)
	}
}
