package domain

import (
	"encoding/json"
	"fmt"
	"time"
)

// PayloadKind discriminates the event payload union.
type PayloadKind string

const (
	// PayloadRequest marks an intercepted model call awaiting a decision.
	PayloadRequest PayloadKind = "request"
	// PayloadDecision marks the human-supplied substitute response.
	PayloadDecision PayloadKind = "decision"
)

// Event is one immutable entry in a session's durable log. Events are
// totally ordered by Timestamp within a session; the session manager
// assigns timestamps monotonically under the session lock.
type Event struct {
	EventID   string    `json:"event_id"`
	SessionID string    `json:"session_id"`
	Timestamp time.Time `json:"timestamp"`
	TurnID    string    `json:"turn_id"`
	AgentName string    `json:"agent_name,omitempty"`
	Payload   Payload   `json:"payload"`
}

// Payload is a tagged union: exactly one of Request or Decision is set.
// Kind() is the only sanctioned way to read the discriminant; both the
// store and the wire layer reject payloads that don't have exactly one arm.
type Payload struct {
	Request  *RequestPayload  `json:"request,omitempty"`
	Decision *DecisionPayload `json:"decision,omitempty"`
}

// Kind returns the payload discriminant, or ErrValidation if the union
// does not have exactly one arm set.
func (p *Payload) Kind() (PayloadKind, error) {
	switch {
	case p.Request != nil && p.Decision != nil:
		return "", fmt.Errorf("%w: payload has both request and decision arms", ErrValidation)
	case p.Request != nil:
		return PayloadRequest, nil
	case p.Decision != nil:
		return PayloadDecision, nil
	default:
		return "", fmt.Errorf("%w: payload has no arm set", ErrValidation)
	}
}

// Content is one conversation entry: a role plus either plain text or an
// opaque structured parts blob, preserved exactly as the agent sent it.
type Content struct {
	Role  string          `json:"role,omitempty"`
	Text  string          `json:"text,omitempty"`
	Parts json.RawMessage `json:"parts,omitempty"`
}

// ToolDecl declares one tool available to the intercepted agent.
type ToolDecl struct {
	Name        string          `json:"name"`
	Description string          `json:"description,omitempty"`
	Parameters  json.RawMessage `json:"parameters,omitempty"`
}

// RequestPayload is a snapshot of what the agent intended to send to a model.
type RequestPayload struct {
	Model             string     `json:"model,omitempty"`
	SystemInstruction string     `json:"system_instruction,omitempty"`
	Contents          []Content  `json:"contents,omitempty"`
	Tools             []ToolDecl `json:"tools,omitempty"`
}

// DecisionPayload carries the human-supplied candidate responses for a turn.
type DecisionPayload struct {
	Candidates []Content `json:"candidates"`
}

// Validate checks event invariants before the event is persisted or
// put on the wire.
func (e *Event) Validate() error {
	if e.EventID == "" {
		return fmt.Errorf("%w: event id is empty", ErrValidation)
	}
	if e.SessionID == "" {
		return fmt.Errorf("%w: session id is empty", ErrValidation)
	}
	if e.TurnID == "" {
		return fmt.Errorf("%w: turn id is empty", ErrValidation)
	}
	kind, err := e.Payload.Kind()
	if err != nil {
		return err
	}
	if kind == PayloadDecision && len(e.Payload.Decision.Candidates) == 0 {
		return fmt.Errorf("%w: decision has no candidates", ErrValidation)
	}
	return nil
}
