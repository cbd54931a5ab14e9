package domain

import "errors"

// Broker error taxonomy. Callers match with errors.Is; layers add
// context with fmt.Errorf("...: %w", err).
var (
	// ErrNotFound signals an unknown session or turn id.
	ErrNotFound = errors.New("not found")

	// ErrInvalidState signals a forbidden lifecycle transition, such as
	// a decision for an already-resolved turn or a completed session.
	ErrInvalidState = errors.New("invalid state transition")

	// ErrDuplicateCorrelation signals that a turn id was registered twice
	// with the pending-correlation registry.
	ErrDuplicateCorrelation = errors.New("duplicate correlation")

	// ErrConnectionLost cancels pending waits when the subscribe stream
	// drops. It is recoverable: the interceptor reconnects and relies on
	// replay to resolve still-open turns.
	ErrConnectionLost = errors.New("connection lost")

	// ErrValidation signals malformed input (empty decision candidates,
	// oversized description, missing payload arm).
	ErrValidation = errors.New("validation failed")
)
