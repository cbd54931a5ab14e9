package api

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/ashureev/agentsim/internal/domain"
	"github.com/ashureev/agentsim/internal/store"
	"github.com/go-chi/chi/v5"
)

// SessionHandler handles session lifecycle and turn submission endpoints.
type SessionHandler struct {
	*Handler
	defaultLimit int
}

// NewSessionHandler creates a new session handler. defaultLimit is the
// page size used when a listing request does not name one.
func NewSessionHandler(base *Handler, defaultLimit int) *SessionHandler {
	if defaultLimit <= 0 {
		defaultLimit = store.DefaultListLimit
	}
	return &SessionHandler{Handler: base, defaultLimit: defaultLimit}
}

// RegisterRoutes registers session routes.
func (h *SessionHandler) RegisterRoutes(r chi.Router) {
	r.Route("/api/sessions", func(r chi.Router) {
		r.Post("/", h.CreateSession)
		r.Get("/", h.ListSessions)
		r.Route("/{sessionID}", func(r chi.Router) {
			r.Get("/", h.GetSession)
			r.Post("/complete", h.CompleteSession)
			r.Get("/queue", h.GetQueue)
			r.Post("/requests", h.SubmitRequest)
			r.Post("/decisions", h.SubmitDecision)
		})
	})
}

type createSessionRequest struct {
	Description string `json:"description"`
}

// CreateSession creates a new simulation session.
func (h *SessionHandler) CreateSession(w http.ResponseWriter, r *http.Request) {
	var req createSessionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		Error(w, http.StatusBadRequest, "invalid request body")
		return
	}

	session, err := h.mgr.CreateSession(r.Context(), req.Description)
	if err != nil {
		slog.Error("Failed to create session", "error", err)
		DomainError(w, err)
		return
	}

	JSON(w, http.StatusCreated, session)
}

// ListSessions lists sessions, newest first, optionally filtered by status.
func (h *SessionHandler) ListSessions(w http.ResponseWriter, r *http.Request) {
	status, err := domain.ParseSessionStatus(r.URL.Query().Get("status"))
	if err != nil {
		DomainError(w, err)
		return
	}

	filter := store.ListFilter{Status: status, Limit: h.defaultLimit}
	if v := r.URL.Query().Get("limit"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			filter.Limit = n
		}
	}
	if v := r.URL.Query().Get("offset"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			filter.Offset = n
		}
	}

	sessions, err := h.mgr.ListSessions(r.Context(), filter)
	if err != nil {
		slog.Error("Failed to list sessions", "error", err)
		DomainError(w, err)
		return
	}
	if sessions == nil {
		sessions = []*domain.Session{}
	}

	JSON(w, http.StatusOK, map[string]interface{}{"sessions": sessions})
}

// GetSession returns a single session by id.
func (h *SessionHandler) GetSession(w http.ResponseWriter, r *http.Request) {
	sessionID := chi.URLParam(r, "sessionID")

	session, err := h.mgr.GetSession(r.Context(), sessionID)
	if err != nil {
		DomainError(w, err)
		return
	}

	JSON(w, http.StatusOK, session)
}

// CompleteSession transitions a session to completed.
func (h *SessionHandler) CompleteSession(w http.ResponseWriter, r *http.Request) {
	sessionID := chi.URLParam(r, "sessionID")

	session, err := h.mgr.CompleteSession(r.Context(), sessionID)
	if err != nil {
		DomainError(w, err)
		return
	}

	JSON(w, http.StatusOK, session)
}

// GetQueue returns the head-of-line view of pending turns.
func (h *SessionHandler) GetQueue(w http.ResponseWriter, r *http.Request) {
	sessionID := chi.URLParam(r, "sessionID")

	view, err := h.mgr.Queue(r.Context(), sessionID)
	if err != nil {
		DomainError(w, err)
		return
	}

	JSON(w, http.StatusOK, view)
}

type submitRequestRequest struct {
	AgentName string                 `json:"agent_name"`
	TurnID    string                 `json:"turn_id,omitempty"`
	Request   *domain.RequestPayload `json:"request"`
}

// SubmitRequest records an intercepted model call and queues it for a
// human decision. Returns the turn id the decision must name.
func (h *SessionHandler) SubmitRequest(w http.ResponseWriter, r *http.Request) {
	sessionID := chi.URLParam(r, "sessionID")

	var req submitRequestRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		Error(w, http.StatusBadRequest, "invalid request body")
		return
	}

	turnID, err := h.mgr.SubmitRequest(r.Context(), sessionID, req.AgentName, req.TurnID, req.Request)
	if err != nil {
		DomainError(w, err)
		return
	}

	JSON(w, http.StatusCreated, map[string]string{"turn_id": turnID})
}

type submitDecisionRequest struct {
	TurnID   string                  `json:"turn_id"`
	Decision *domain.DecisionPayload `json:"decision"`
}

// SubmitDecision records the human decision for a pending turn.
func (h *SessionHandler) SubmitDecision(w http.ResponseWriter, r *http.Request) {
	sessionID := chi.URLParam(r, "sessionID")

	var req submitDecisionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		Error(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if req.TurnID == "" {
		Error(w, http.StatusBadRequest, "turn_id is required")
		return
	}

	event, err := h.mgr.SubmitDecision(r.Context(), sessionID, req.TurnID, req.Decision)
	if err != nil {
		DomainError(w, err)
		return
	}

	JSON(w, http.StatusOK, map[string]string{
		"turn_id":  event.TurnID,
		"event_id": event.EventID,
	})
}
