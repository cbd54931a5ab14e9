// Package store provides data persistence interfaces and implementations.
package store

import (
	"context"

	"github.com/ashureev/agentsim/internal/domain"
)

// ListFilter narrows and pages a session listing. A zero Status means
// no status filter. Results are ordered by creation time, newest first.
type ListFilter struct {
	Status domain.SessionStatus
	Limit  int
	Offset int
}

// DefaultListLimit caps unbounded session listings.
const DefaultListLimit = 50

// Repository defines the interface for persisting sessions and their
// event logs. Each record is stored as a full JSON blob plus a small
// set of promoted columns used only for lookup and ordering, so the
// wire schema can grow without a storage migration.
type Repository interface {
	// PutSession creates or updates a session record. Only the status
	// column (and the blob) may change on update; sessions are never
	// deleted.
	PutSession(ctx context.Context, session *domain.Session) error

	// GetSession retrieves a session by id. Returns (nil, nil) when the
	// session does not exist.
	GetSession(ctx context.Context, id string) (*domain.Session, error)

	// ListSessions returns sessions ordered by created_at descending.
	ListSessions(ctx context.Context, filter ListFilter) ([]*domain.Session, error)

	// AppendEvent durably appends an immutable event. Appending a second
	// request or decision for the same turn fails with
	// domain.ErrInvalidState. Append is the only event mutation.
	AppendEvent(ctx context.Context, event *domain.Event) error

	// GetEvents returns a session's full event log ordered by timestamp.
	GetEvents(ctx context.Context, sessionID string) ([]*domain.Event, error)

	// Ping verifies database connectivity.
	Ping(ctx context.Context) error

	// Close closes the database connection.
	Close() error
}
