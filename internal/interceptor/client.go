package interceptor

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"iter"
	"log/slog"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/ashureev/agentsim/internal/domain"
	"github.com/coder/websocket"
)

var errServerNotReady = errors.New("simulator server not ready")

// Client talks to the simulator server: plain HTTP for the unary
// operations, a WebSocket for the subscribe stream.
type Client struct {
	baseURL string
	http    *http.Client
	logger  *slog.Logger
}

// ClientConfig holds configuration for the simulator client.
type ClientConfig struct {
	ServerURL      string
	ConnectTimeout time.Duration
	RequestTimeout time.Duration
}

// DefaultClientConfig returns default configuration.
func DefaultClientConfig() ClientConfig {
	return ClientConfig{
		ServerURL:      getEnv("AGENTSIM_SERVER", "http://localhost:8080"),
		ConnectTimeout: 5 * time.Second,
		RequestTimeout: 30 * time.Second,
	}
}

// NewClient creates a client for the simulator server and verifies the
// server is reachable so a bad endpoint fails at startup, not on the
// first intercepted call.
func NewClient(serverURL string, logger *slog.Logger) (*Client, error) {
	if logger == nil {
		logger = slog.Default()
	}

	cfg := DefaultClientConfig()
	if serverURL != "" {
		cfg.ServerURL = serverURL
	}

	c := &Client{
		baseURL: strings.TrimRight(cfg.ServerURL, "/"),
		http:    &http.Client{Timeout: cfg.RequestTimeout},
		logger:  logger,
	}

	connectCtx, cancel := context.WithTimeout(context.Background(), cfg.ConnectTimeout)
	defer cancel()
	if err := c.Health(connectCtx); err != nil {
		return nil, fmt.Errorf("%w at %s: %w", errServerNotReady, cfg.ServerURL, err)
	}

	logger.Info("Connected to simulator server", "address", cfg.ServerURL)
	return c, nil
}

// Health checks if the simulator server is reachable.
func (c *Client) Health(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/health", nil)
	if err != nil {
		return fmt.Errorf("build health request: %w", err)
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("health check failed: %w", err)
	}
	defer c.discard(resp.Body)
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("health check returned status %d", resp.StatusCode)
	}
	return nil
}

// CreateSession creates a new simulation session on the server.
func (c *Client) CreateSession(ctx context.Context, description string) (*domain.Session, error) {
	var session domain.Session
	err := c.postJSON(ctx, "/api/sessions", map[string]string{"description": description}, &session)
	if err != nil {
		return nil, fmt.Errorf("create session: %w", err)
	}
	return &session, nil
}

// GetSession fetches a session by id.
func (c *Client) GetSession(ctx context.Context, sessionID string) (*domain.Session, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/api/sessions/"+sessionID, nil)
	if err != nil {
		return nil, fmt.Errorf("build get session request: %w", err)
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("get session: %w", err)
	}
	defer c.discard(resp.Body)
	if resp.StatusCode != http.StatusOK {
		return nil, c.statusError(resp)
	}
	var session domain.Session
	if err := json.NewDecoder(resp.Body).Decode(&session); err != nil {
		return nil, fmt.Errorf("decode session: %w", err)
	}
	return &session, nil
}

// SubmitRequest submits an intercepted model call for the given turn id
// and returns the turn id the server accepted.
func (c *Client) SubmitRequest(ctx context.Context, sessionID, agentName, turnID string, payload *domain.RequestPayload) (string, error) {
	body := map[string]interface{}{
		"agent_name": agentName,
		"turn_id":    turnID,
		"request":    payload,
	}
	var out struct {
		TurnID string `json:"turn_id"`
	}
	if err := c.postJSON(ctx, "/api/sessions/"+sessionID+"/requests", body, &out); err != nil {
		return "", fmt.Errorf("submit request: %w", err)
	}
	return out.TurnID, nil
}

// SubmitDecision submits a human decision for a pending turn.
func (c *Client) SubmitDecision(ctx context.Context, sessionID, turnID string, payload *domain.DecisionPayload) error {
	body := map[string]interface{}{
		"turn_id":  turnID,
		"decision": payload,
	}
	if err := c.postJSON(ctx, "/api/sessions/"+sessionID+"/decisions", body, nil); err != nil {
		return fmt.Errorf("submit decision: %w", err)
	}
	return nil
}

// Subscribe streams a session's events: full replay first, then live.
// The sequence ends with an error when the connection drops; callers
// reconnect and receive the replay again.
func (c *Client) Subscribe(ctx context.Context, sessionID string) iter.Seq2[*domain.Event, error] {
	return func(yield func(*domain.Event, error) bool) {
		ws, _, err := websocket.Dial(ctx, c.baseURL+"/ws/sessions/"+sessionID+"/events", nil)
		if err != nil {
			yield(nil, fmt.Errorf("dial subscribe stream: %w", err))
			return
		}
		defer func() {
			if closeErr := ws.Close(websocket.StatusNormalClosure, "done"); closeErr != nil {
				c.logger.Debug("Failed to close subscribe stream", "error", closeErr)
			}
		}()
		// The stream is long-lived; only small JSON frames are expected,
		// but request payloads can carry large conversation snapshots.
		ws.SetReadLimit(16 << 20)

		for {
			_, data, err := ws.Read(ctx)
			if err != nil {
				if ctx.Err() != nil {
					yield(nil, ctx.Err())
					return
				}
				yield(nil, fmt.Errorf("%w: %w", domain.ErrConnectionLost, err))
				return
			}

			var event domain.Event
			if err := json.Unmarshal(data, &event); err != nil {
				yield(nil, fmt.Errorf("decode event: %w", err))
				return
			}
			if !yield(&event, nil) {
				return
			}
		}
	}
}

func (c *Client) postJSON(ctx context.Context, path string, body, out interface{}) error {
	data, err := json.Marshal(body)
	if err != nil {
		return fmt.Errorf("marshal request body: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(data))
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("%w: %w", domain.ErrConnectionLost, err)
	}
	defer c.discard(resp.Body)

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return c.statusError(resp)
	}
	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}

// statusError maps an HTTP error response back onto the broker error
// taxonomy so callers can match with errors.Is.
func (c *Client) statusError(resp *http.Response) error {
	var body struct {
		Error string `json:"error"`
	}
	msg := resp.Status
	if err := json.NewDecoder(resp.Body).Decode(&body); err == nil && body.Error != "" {
		msg = body.Error
	}

	switch resp.StatusCode {
	case http.StatusNotFound:
		return fmt.Errorf("%w: %s", domain.ErrNotFound, msg)
	case http.StatusConflict:
		return fmt.Errorf("%w: %s", domain.ErrInvalidState, msg)
	case http.StatusBadRequest:
		return fmt.Errorf("%w: %s", domain.ErrValidation, msg)
	default:
		return fmt.Errorf("server returned %d: %s", resp.StatusCode, msg)
	}
}

func (c *Client) discard(body io.ReadCloser) {
	_, _ = io.Copy(io.Discard, body)
	if err := body.Close(); err != nil {
		c.logger.Debug("Failed to close response body", "error", err)
	}
}

// Helper function.
func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}
