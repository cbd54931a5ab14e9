package interceptor

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/ashureev/agentsim/internal/domain"
	"github.com/oklog/ulid/v2"
)

const (
	reconnectMinDelay = 500 * time.Millisecond
	reconnectMaxDelay = 30 * time.Second
)

// Interceptor routes an agent's model calls through the simulator
// server. Each intercepted call registers a turn with the pending
// registry, submits the request, and blocks until a human decision
// arrives — across reconnects if needed, without ever resubmitting a
// turn that already resolved.
type Interceptor struct {
	client   *Client
	registry *PendingRegistry
	targets  map[string]struct{}
	logger   *slog.Logger

	mu        sync.Mutex
	sessionID string
	cancel    context.CancelFunc
	done      chan struct{}
}

// New creates an interceptor. targets is the agent-name allow-list: if
// empty, every agent is intercepted; otherwise only listed agents are
// and the rest pass straight through.
func New(client *Client, targets []string, logger *slog.Logger) *Interceptor {
	if logger == nil {
		logger = slog.Default()
	}
	set := make(map[string]struct{}, len(targets))
	for _, name := range targets {
		if trimmed := strings.TrimSpace(name); trimmed != "" {
			set[trimmed] = struct{}{}
		}
	}
	return &Interceptor{
		client:   client,
		registry: NewPendingRegistry(),
		targets:  set,
		logger:   logger,
	}
}

// TargetsFromEnv parses the comma-separated AGENTSIM_TARGETS allow-list.
func TargetsFromEnv() []string {
	raw := os.Getenv("AGENTSIM_TARGETS")
	if raw == "" {
		return nil
	}
	var targets []string
	for _, name := range strings.Split(raw, ",") {
		if trimmed := strings.TrimSpace(name); trimmed != "" {
			targets = append(targets, trimmed)
		}
	}
	return targets
}

// Start creates a new session on the server and starts the background
// stream listener. ctx bounds the listener's lifetime.
func (i *Interceptor) Start(ctx context.Context, description string) (*domain.Session, error) {
	session, err := i.client.CreateSession(ctx, description)
	if err != nil {
		return nil, fmt.Errorf("create session: %w", err)
	}
	i.attach(ctx, session.ID)
	return session, nil
}

// Resume attaches to an existing session instead of creating one, for
// an agent process restarting into a run that is already underway.
func (i *Interceptor) Resume(ctx context.Context, sessionID string) error {
	session, err := i.client.GetSession(ctx, sessionID)
	if err != nil {
		return err
	}
	if !session.IsActive() {
		return fmt.Errorf("%w: session %s is %s", domain.ErrInvalidState, sessionID, session.Status)
	}
	i.attach(ctx, session.ID)
	return nil
}

func (i *Interceptor) attach(ctx context.Context, sessionID string) {
	loopCtx, cancel := context.WithCancel(ctx)

	i.mu.Lock()
	i.sessionID = sessionID
	i.cancel = cancel
	i.done = make(chan struct{})
	done := i.done
	i.mu.Unlock()

	go func() {
		defer close(done)
		i.listenLoop(loopCtx, sessionID)
	}()

	i.logger.Info("Interceptor attached", "session_id", sessionID, "targets", len(i.targets))
}

// SessionID returns the attached session id, empty before Start/Resume.
func (i *Interceptor) SessionID() string {
	i.mu.Lock()
	defer i.mu.Unlock()
	return i.sessionID
}

// ShouldIntercept reports whether calls from the named agent are routed
// through the simulator.
func (i *Interceptor) ShouldIntercept(agentName string) bool {
	if len(i.targets) == 0 {
		return true
	}
	_, ok := i.targets[agentName]
	return ok
}

// Intercept handles one model call. For non-targeted agents it returns
// (nil, nil) and the caller proceeds to the real model. For targeted
// agents it blocks until the human decision for this turn arrives; the
// wait is cancellable via ctx and survives connection loss.
//
// The turn id is generated here, before submission, so the waiter is
// already registered when the decision event can first appear.
func (i *Interceptor) Intercept(ctx context.Context, agentName string, payload *domain.RequestPayload) (*domain.DecisionPayload, error) {
	if !i.ShouldIntercept(agentName) {
		return nil, nil
	}

	sessionID := i.SessionID()
	if sessionID == "" {
		return nil, fmt.Errorf("interceptor not started: no session attached")
	}

	turnID := ulid.Make().String()
	waiter, err := i.registry.Register(turnID)
	if err != nil {
		return nil, err
	}

	if _, err := i.client.SubmitRequest(ctx, sessionID, agentName, turnID, payload); err != nil {
		i.registry.Cancel(turnID, err)
		return nil, fmt.Errorf("submit request: %w", err)
	}
	i.logger.Debug("Awaiting decision", "turn_id", turnID, "agent_name", agentName)

	for {
		decision, final, err := waiter.Wait(ctx)
		if err == nil {
			i.logger.Debug("Decision received", "turn_id", turnID)
			return decision, nil
		}
		if !final && errors.Is(err, domain.ErrConnectionLost) {
			// Recoverable: the registration is still open and the
			// post-reconnect replay will resolve it without a resubmit.
			i.logger.Warn("Connection lost while awaiting decision", "turn_id", turnID)
			continue
		}
		i.registry.Cancel(turnID, err)
		return nil, fmt.Errorf("await decision for turn %s: %w", turnID, err)
	}
}

// Close stops the background listener and cancels every pending wait.
func (i *Interceptor) Close() {
	i.mu.Lock()
	cancel := i.cancel
	done := i.done
	i.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	if done != nil {
		<-done
	}
}

// listenLoop consumes the subscribe stream, resolving pending turns as
// decision events arrive, and reconnects with backoff on stream loss.
// Every reconnect replays the full session history, which is what makes
// resolution across a dropped connection safe.
func (i *Interceptor) listenLoop(ctx context.Context, sessionID string) {
	delay := reconnectMinDelay
	for {
		sawEvent := i.consumeStream(ctx, sessionID)

		if ctx.Err() != nil {
			i.registry.CancelAll(fmt.Errorf("%w: interceptor closed", domain.ErrConnectionLost))
			return
		}

		// Wake blocked callers so they never hang on a dead stream; their
		// registrations stay open for the replay after reconnect.
		i.registry.NotifyAll(domain.ErrConnectionLost)

		if sawEvent {
			delay = reconnectMinDelay
		} else if delay < reconnectMaxDelay {
			delay *= 2
			if delay > reconnectMaxDelay {
				delay = reconnectMaxDelay
			}
		}
		i.logger.Warn("Subscribe stream lost, reconnecting",
			"session_id", sessionID,
			"delay", delay,
			"pending", len(i.registry.Pending()))

		select {
		case <-time.After(delay):
		case <-ctx.Done():
			i.registry.CancelAll(fmt.Errorf("%w: interceptor closed", domain.ErrConnectionLost))
			return
		}
	}
}

// consumeStream runs one subscribe stream to completion. Returns true
// if at least one event was received, which resets the backoff.
func (i *Interceptor) consumeStream(ctx context.Context, sessionID string) bool {
	sawEvent := false
	for event, err := range i.client.Subscribe(ctx, sessionID) {
		if err != nil {
			if ctx.Err() == nil {
				i.logger.Warn("Subscribe stream error", "error", err, "session_id", sessionID)
			}
			return sawEvent
		}
		sawEvent = true

		kind, err := event.Payload.Kind()
		if err != nil {
			i.logger.Warn("Malformed event payload", "error", err, "event_id", event.EventID)
			continue
		}
		switch kind {
		case domain.PayloadDecision:
			if i.registry.Resolve(event.TurnID, event.Payload.Decision) {
				i.logger.Debug("Resolved pending turn", "turn_id", event.TurnID, "event_id", event.EventID)
			} else {
				// Already resolved, or another client's turn. Idempotent.
				i.logger.Debug("Ignoring decision for unregistered turn", "turn_id", event.TurnID)
			}
		case domain.PayloadRequest:
			// Our own submissions echoed back; they are for UI display.
			i.logger.Debug("Ignoring request event", "turn_id", event.TurnID)
		}
	}
	return sawEvent
}
