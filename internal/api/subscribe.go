package api

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"

	"github.com/ashureev/agentsim/internal/broker"
	"github.com/ashureev/agentsim/internal/domain"
	"github.com/coder/websocket"
	"github.com/go-chi/chi/v5"
)

// SubscribeHandler streams a session's events over a WebSocket: the
// full historical replay first, then live events, with no gap or
// duplicate at the seam.
type SubscribeHandler struct {
	mgr           *broker.SessionManager
	allowedOrigin string
	isDev         bool
}

// NewSubscribeHandler creates a new subscribe handler.
func NewSubscribeHandler(mgr *broker.SessionManager, allowedOrigin string, isDev bool) *SubscribeHandler {
	return &SubscribeHandler{mgr: mgr, allowedOrigin: allowedOrigin, isDev: isDev}
}

// ServeHTTP implements http.Handler for the WebSocket upgrade.
func (h *SubscribeHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	sessionID := chi.URLParam(r, "sessionID")
	slog.Info("Subscribe request", "session_id", sessionID, "ip", r.RemoteAddr)

	if !h.checkOrigin(r) {
		http.Error(w, "origin not allowed", http.StatusForbidden)
		return
	}

	ws, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		OriginPatterns: []string{"*"},
	})
	if err != nil {
		slog.Error("Failed to accept WebSocket", "error", err, "session_id", sessionID)
		return
	}
	defer func() {
		if closeErr := ws.Close(websocket.StatusNormalClosure, "stream ended"); closeErr != nil {
			slog.Debug("Failed to close websocket", "error", closeErr, "session_id", sessionID)
		}
	}()

	replay, sub, err := h.mgr.Subscribe(r.Context(), sessionID)
	if err != nil {
		status := websocket.StatusInternalError
		if errors.Is(err, domain.ErrNotFound) {
			status = websocket.StatusPolicyViolation
		}
		slog.Warn("Subscribe rejected", "error", err, "session_id", sessionID)
		_ = ws.Close(status, err.Error())
		return
	}
	defer sub.Close()

	// CloseRead pumps incoming frames (answering pings) and cancels the
	// returned context when the client goes away.
	ctx := ws.CloseRead(r.Context())

	for _, event := range replay {
		if err := h.writeEvent(ctx, ws, event); err != nil {
			slog.Debug("Replay write failed", "error", err, "session_id", sessionID)
			return
		}
	}

	for {
		select {
		case event, ok := <-sub.C:
			if !ok {
				return
			}
			if err := h.writeEvent(ctx, ws, event); err != nil {
				slog.Debug("Live write failed", "error", err, "session_id", sessionID)
				return
			}
		case <-ctx.Done():
			slog.Info("Subscriber detached", "session_id", sessionID)
			return
		}
	}
}

func (h *SubscribeHandler) checkOrigin(r *http.Request) bool {
	if h.isDev {
		return true
	}
	origin := r.Header.Get("Origin")
	if origin == "" || h.allowedOrigin == "*" || origin == h.allowedOrigin {
		return true
	}
	slog.Warn("WebSocket origin rejected", "origin", origin, "allowed", h.allowedOrigin)
	return false
}

func (h *SubscribeHandler) writeEvent(ctx context.Context, ws *websocket.Conn, event *domain.Event) error {
	data, err := json.Marshal(event)
	if err != nil {
		return err
	}
	return ws.Write(ctx, websocket.MessageText, data)
}
