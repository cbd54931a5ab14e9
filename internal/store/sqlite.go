package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/ashureev/agentsim/internal/domain"
	"github.com/ashureev/agentsim/internal/shared"
	_ "modernc.org/sqlite"
)

// SQLiteStore implements Repository using SQLite.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLite creates a new SQLite-backed repository.
func NewSQLite(dbPath string) (Repository, error) {
	if err := os.MkdirAll(filepath.Dir(dbPath), 0755); err != nil {
		return nil, fmt.Errorf("create database directory: %w", err)
	}

	// Open database with WAL mode for better concurrency.
	dsn := dbPath + "?_journal=WAL&_sync=NORMAL&_busy_timeout=5000"
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	db.SetMaxOpenConns(25)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(5 * time.Minute)

	if err := db.Ping(); err != nil {
		return nil, fmt.Errorf("ping database: %w", err)
	}

	store := &SQLiteStore{db: db}
	if err := store.initSchema(); err != nil {
		return nil, fmt.Errorf("initialize schema: %w", err)
	}

	return store, nil
}

func (s *SQLiteStore) initSchema() error {
	query := `
	PRAGMA busy_timeout = 5000;
	CREATE TABLE IF NOT EXISTS sessions (
		id TEXT PRIMARY KEY,
		created_at INTEGER NOT NULL,
		status TEXT NOT NULL,
		record_json TEXT NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_sessions_created ON sessions(created_at DESC);
	CREATE INDEX IF NOT EXISTS idx_sessions_status ON sessions(status);

	CREATE TABLE IF NOT EXISTS events (
		event_id TEXT PRIMARY KEY,
		session_id TEXT NOT NULL,
		ts INTEGER NOT NULL,
		turn_id TEXT NOT NULL,
		kind TEXT NOT NULL,
		record_json TEXT NOT NULL,
		UNIQUE(session_id, turn_id, kind)
	);
	CREATE INDEX IF NOT EXISTS idx_events_session_ts ON events(session_id, ts);
	CREATE INDEX IF NOT EXISTS idx_events_turn ON events(turn_id);
	`
	if _, err := s.db.Exec(query); err != nil {
		return fmt.Errorf("create schema: %w", err)
	}
	return nil
}

// Ping verifies database connectivity.
func (s *SQLiteStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// PutSession creates or updates a session record. The full record blob
// is authoritative; id, created_at and status are promoted for lookup.
func (s *SQLiteStore) PutSession(ctx context.Context, session *domain.Session) error {
	if err := session.Validate(); err != nil {
		return err
	}

	blob, err := json.Marshal(session)
	if err != nil {
		return fmt.Errorf("marshal session record: %w", err)
	}

	query := `
	INSERT INTO sessions (id, created_at, status, record_json)
	VALUES (?, ?, ?, ?)
	ON CONFLICT(id) DO UPDATE SET
		status = excluded.status,
		record_json = excluded.record_json`

	_, err = s.db.ExecContext(ctx, query,
		session.ID, session.CreatedAt.UnixNano(), string(session.Status), string(blob),
	)
	if err != nil {
		return fmt.Errorf("put session: %w", err)
	}
	return nil
}

// GetSession retrieves a session by id. Returns (nil, nil) if absent.
func (s *SQLiteStore) GetSession(ctx context.Context, id string) (*domain.Session, error) {
	row := s.db.QueryRowContext(ctx, `SELECT record_json FROM sessions WHERE id = ?`, id)

	var blob string
	err := row.Scan(&blob)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("scan session row: %w", err)
	}

	var session domain.Session
	if err := json.Unmarshal([]byte(blob), &session); err != nil {
		return nil, fmt.Errorf("unmarshal session record: %w", err)
	}
	return &session, nil
}

// ListSessions returns sessions ordered by created_at descending.
func (s *SQLiteStore) ListSessions(ctx context.Context, filter ListFilter) ([]*domain.Session, error) {
	limit := filter.Limit
	if limit <= 0 {
		limit = DefaultListLimit
	}
	offset := filter.Offset
	if offset < 0 {
		offset = 0
	}

	query := `SELECT record_json FROM sessions`
	args := []interface{}{}
	if filter.Status != "" {
		query += ` WHERE status = ?`
		args = append(args, string(filter.Status))
	}
	query += ` ORDER BY created_at DESC, id DESC LIMIT ? OFFSET ?`
	args = append(args, limit, offset)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query sessions: %w", err)
	}
	defer func() {
		if closeErr := rows.Close(); closeErr != nil {
			slog.Warn("failed to close session rows", "error", closeErr)
		}
	}()

	var sessions []*domain.Session
	for rows.Next() {
		var blob string
		if err := rows.Scan(&blob); err != nil {
			return nil, fmt.Errorf("scan session row: %w", err)
		}
		var session domain.Session
		if err := json.Unmarshal([]byte(blob), &session); err != nil {
			return nil, fmt.Errorf("unmarshal session record: %w", err)
		}
		sessions = append(sessions, &session)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate sessions: %w", err)
	}
	return sessions, nil
}

// AppendEvent durably appends an immutable event. Retries on transient
// SQLITE_BUSY with exponential backoff; a UNIQUE violation on
// (session_id, turn_id, kind) reports domain.ErrInvalidState because it
// means a second request or decision for an already-recorded turn.
func (s *SQLiteStore) AppendEvent(ctx context.Context, event *domain.Event) error {
	if err := event.Validate(); err != nil {
		return err
	}
	kind, err := event.Payload.Kind()
	if err != nil {
		return err
	}

	blob, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("marshal event record: %w", err)
	}

	maxRetries := 3
	baseDelay := 100 * time.Millisecond

	for i := 0; i < maxRetries; i++ {
		err = s.appendEventOnce(ctx, event, kind, blob)
		if err == nil {
			return nil
		}
		if shared.IsSQLiteConstraintError(err) {
			return fmt.Errorf("%w: turn %s already has a %s event", domain.ErrInvalidState, event.TurnID, kind)
		}
		if shared.IsSQLiteConflictError(err) && i < maxRetries-1 {
			delay := baseDelay * time.Duration(1<<i)
			slog.Debug("AppendEvent hit SQLITE_BUSY, retrying",
				"event_id", event.EventID,
				"attempt", i+1,
				"delay", delay)
			time.Sleep(delay)
			continue
		}
		break
	}

	return fmt.Errorf("append event %s after retries: %w", event.EventID, err)
}

func (s *SQLiteStore) appendEventOnce(ctx context.Context, event *domain.Event, kind domain.PayloadKind, blob []byte) error {
	query := `
	INSERT INTO events (event_id, session_id, ts, turn_id, kind, record_json)
	VALUES (?, ?, ?, ?, ?, ?)`

	_, err := s.db.ExecContext(ctx, query,
		event.EventID, event.SessionID, event.Timestamp.UnixNano(),
		event.TurnID, string(kind), string(blob),
	)
	if err != nil {
		return fmt.Errorf("insert event: %w", err)
	}
	return nil
}

// GetEvents returns a session's full event log ordered by timestamp.
func (s *SQLiteStore) GetEvents(ctx context.Context, sessionID string) ([]*domain.Event, error) {
	query := `SELECT record_json FROM events WHERE session_id = ? ORDER BY ts ASC`

	rows, err := s.db.QueryContext(ctx, query, sessionID)
	if err != nil {
		return nil, fmt.Errorf("query events: %w", err)
	}
	defer func() {
		if closeErr := rows.Close(); closeErr != nil {
			slog.Warn("failed to close event rows", "error", closeErr)
		}
	}()

	var events []*domain.Event
	for rows.Next() {
		var blob string
		if err := rows.Scan(&blob); err != nil {
			return nil, fmt.Errorf("scan event row: %w", err)
		}
		var event domain.Event
		if err := json.Unmarshal([]byte(blob), &event); err != nil {
			return nil, fmt.Errorf("unmarshal event record: %w", err)
		}
		events = append(events, &event)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate events: %w", err)
	}
	return events, nil
}

// Close closes the database connection.
func (s *SQLiteStore) Close() error {
	if err := s.db.Close(); err != nil {
		return fmt.Errorf("close database: %w", err)
	}
	return nil
}
