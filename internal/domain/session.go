// Package domain contains core domain types for the agent simulator.
package domain

import (
	"fmt"
	"time"
)

// SessionStatus is the lifecycle state of a simulation session.
type SessionStatus string

const (
	// SessionActive means the session accepts new requests and decisions.
	SessionActive SessionStatus = "active"
	// SessionCompleted means the session is closed; retained for replay only.
	SessionCompleted SessionStatus = "completed"
)

// MaxDescriptionLen bounds the free-text session description.
const MaxDescriptionLen = 500

// Session represents one simulation run during which intercepted model
// calls are presented for human decision.
type Session struct {
	ID          string        `json:"id"`
	CreatedAt   time.Time     `json:"created_at"`
	Description string        `json:"description,omitempty"`
	Status      SessionStatus `json:"status"`
}

// IsActive returns true if the session still accepts requests.
func (s *Session) IsActive() bool {
	return s.Status == SessionActive
}

// Validate checks session field constraints.
func (s *Session) Validate() error {
	if s.ID == "" {
		return fmt.Errorf("%w: session id is empty", ErrValidation)
	}
	if len(s.Description) > MaxDescriptionLen {
		return fmt.Errorf("%w: description exceeds %d characters", ErrValidation, MaxDescriptionLen)
	}
	switch s.Status {
	case SessionActive, SessionCompleted:
		return nil
	default:
		return fmt.Errorf("%w: unknown session status %q", ErrValidation, s.Status)
	}
}

// ParseSessionStatus converts a string into a SessionStatus.
// An empty string is valid and means "no filter".
func ParseSessionStatus(s string) (SessionStatus, error) {
	switch SessionStatus(s) {
	case "", SessionActive, SessionCompleted:
		return SessionStatus(s), nil
	default:
		return "", fmt.Errorf("%w: unknown session status %q", ErrValidation, s)
	}
}
