package session

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite"
)

// Store persists session records. Implementations must round-trip every
// State field so a session can resume after a process restart.
type Store interface {
	// Save writes the record, replacing any existing row.
	Save(ctx context.Context, state *State) error

	// Load reads a record by ID, returning ErrSessionNotFound if absent.
	Load(ctx context.Context, sessionID string) (*State, error)

	// Delete removes a record. Deleting an absent record is not an error.
	Delete(ctx context.Context, sessionID string) error

	// List returns summaries, optionally filtered by owner. An empty
	// ownerID lists all sessions.
	List(ctx context.Context, ownerID string) ([]Summary, error)

	// Close releases store resources.
	Close() error
}

// SQLiteStore stores session records in a local SQLite database, one row
// per session with the full record as a JSON payload plus indexed
// identity and timestamp columns for listing.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLiteStore opens (creating if needed) the session database at dbPath.
func NewSQLiteStore(dbPath string) (*SQLiteStore, error) {
	if err := os.MkdirAll(filepath.Dir(dbPath), 0o750); err != nil {
		return nil, fmt.Errorf("failed to create store directory: %w", err)
	}

	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("failed to open session database: %w", err)
	}

	s := &SQLiteStore{db: db}
	if err := s.initSchema(); err != nil {
		db.Close()
		return nil, err
	}

	return s, nil
}

func (s *SQLiteStore) initSchema() error {
	schema := `
	CREATE TABLE IF NOT EXISTS sessions (
		session_id    TEXT PRIMARY KEY,
		owner_id      TEXT NOT NULL,
		created_at    INTEGER NOT NULL,
		last_updated  INTEGER NOT NULL,
		cycles        INTEGER NOT NULL DEFAULT 0,
		quality_score REAL NOT NULL DEFAULT 0,
		payload       BLOB NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_sessions_owner ON sessions(owner_id);
	CREATE INDEX IF NOT EXISTS idx_sessions_updated ON sessions(last_updated);
	`
	if _, err := s.db.Exec(schema); err != nil {
		return fmt.Errorf("failed to initialize session schema: %w", err)
	}
	return nil
}

// Save writes the record, replacing any existing row.
func (s *SQLiteStore) Save(ctx context.Context, state *State) error {
	payload, err := json.Marshal(state)
	if err != nil {
		return fmt.Errorf("failed to encode session %s: %w", state.SessionID, err)
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO sessions (session_id, owner_id, created_at, last_updated, cycles, quality_score, payload)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(session_id) DO UPDATE SET
			owner_id = excluded.owner_id,
			last_updated = excluded.last_updated,
			cycles = excluded.cycles,
			quality_score = excluded.quality_score,
			payload = excluded.payload`,
		state.SessionID,
		state.OwnerID,
		state.CreatedAt.UnixNano(),
		state.LastUpdated.UnixNano(),
		state.AnalysisCycles,
		state.CurrentQualityScore,
		payload,
	)
	if err != nil {
		return fmt.Errorf("failed to save session %s: %w", state.SessionID, err)
	}
	return nil
}

// Load reads a record by ID.
func (s *SQLiteStore) Load(ctx context.Context, sessionID string) (*State, error) {
	var payload []byte
	err := s.db.QueryRowContext(ctx,
		`SELECT payload FROM sessions WHERE session_id = ?`, sessionID,
	).Scan(&payload)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("session %s: %w", sessionID, ErrSessionNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load session %s: %w", sessionID, err)
	}

	var state State
	if err := json.Unmarshal(payload, &state); err != nil {
		return nil, fmt.Errorf("failed to decode session %s: %w", sessionID, err)
	}
	return &state, nil
}

// Delete removes a record. Absent rows are not an error.
func (s *SQLiteStore) Delete(ctx context.Context, sessionID string) error {
	if _, err := s.db.ExecContext(ctx,
		`DELETE FROM sessions WHERE session_id = ?`, sessionID,
	); err != nil {
		return fmt.Errorf("failed to delete session %s: %w", sessionID, err)
	}
	return nil
}

// List returns summaries ordered by last update, newest first.
func (s *SQLiteStore) List(ctx context.Context, ownerID string) ([]Summary, error) {
	query := `SELECT session_id, owner_id, created_at, last_updated, cycles, quality_score
		FROM sessions`
	args := []any{}
	if ownerID != "" {
		query += ` WHERE owner_id = ?`
		args = append(args, ownerID)
	}
	query += ` ORDER BY last_updated DESC`

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list sessions: %w", err)
	}
	defer rows.Close()

	var out []Summary
	for rows.Next() {
		var (
			sum                  Summary
			createdNS, updatedNS int64
		)
		if err := rows.Scan(&sum.SessionID, &sum.OwnerID, &createdNS, &updatedNS,
			&sum.AnalysisCycles, &sum.CurrentQualityScore); err != nil {
			return nil, fmt.Errorf("failed to scan session row: %w", err)
		}
		sum.CreatedAt = time.Unix(0, createdNS)
		sum.LastUpdated = time.Unix(0, updatedNS)
		out = append(out, sum)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate session rows: %w", err)
	}
	return out, nil
}

// Close closes the underlying database.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}
