// Package api provides the HTTP protocol surface over the session manager.
package api

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/ashureev/agentsim/internal/broker"
	"github.com/ashureev/agentsim/internal/domain"
)

// Handler provides common handler utilities.
type Handler struct {
	mgr *broker.SessionManager
}

// NewHandler creates a new Handler over the session manager.
func NewHandler(mgr *broker.SessionManager) *Handler {
	return &Handler{mgr: mgr}
}

// JSON writes a JSON response with the given status code.
func JSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		http.Error(w, `{"error": "failed to encode response"}`, http.StatusInternalServerError)
	}
}

// Error writes a JSON error response.
func Error(w http.ResponseWriter, status int, message string) {
	JSON(w, status, map[string]string{"error": message})
}

// DomainError maps a broker error onto an HTTP status and writes the
// JSON error response.
func DomainError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, domain.ErrNotFound):
		Error(w, http.StatusNotFound, err.Error())
	case errors.Is(err, domain.ErrInvalidState):
		Error(w, http.StatusConflict, err.Error())
	case errors.Is(err, domain.ErrValidation):
		Error(w, http.StatusBadRequest, err.Error())
	default:
		Error(w, http.StatusInternalServerError, err.Error())
	}
}
