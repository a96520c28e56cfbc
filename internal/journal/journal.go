package journal

import (
	"context"
	"database/sql"
	_ "embed"
	"fmt"
	"sync/atomic"

	_ "github.com/mattn/go-sqlite3"
)

//go:embed schema.sql
var schemaSQL string

// Schema version tracking:
// 1 - Initial gate_events table
const currentSchemaVersion = 1

// Entry kinds.
const (
	KindWriter = "writer"
	KindReader = "reader"
	KindReload = "reload"
)

// Entry is one recorded gate decision.
type Entry struct {
	// Seq orders entries within one journal file, assigned by Append.
	Seq int64 `json:"seq"`

	SessionID string `json:"session_id"`

	// Kind is KindWriter, KindReader or KindReload.
	Kind string `json:"kind"`

	// Tx is the writer's sequence number, or the next seq for a reload.
	Tx uint64 `json:"tx,omitempty"`

	// Resource is the reader's resource key.
	Resource string `json:"resource,omitempty"`

	// Outcome is the coordinator outcome (executed, replayed, dropped, ...).
	Outcome string `json:"outcome"`

	// ErrorCode is the gate error code for rejected requests.
	ErrorCode string `json:"error_code,omitempty"`
}

// Store is the SQLite journal.
type Store struct {
	db *sql.DB

	// lastSeq is the highest seq handed out; Append claims lastSeq+1.
	lastSeq atomic.Int64
}

// Open creates or opens a journal database at path (":memory:" for a
// throwaway journal). Applies pragmas and schema automatically.
func Open(path string) (*Store, error) {
	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open journal: %w", err)
	}

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to connect to journal: %w", err)
	}

	// SQLite only supports one writer at a time; a single connection also
	// keeps ":memory:" databases alive across calls.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	if err := applyPragmas(db); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to apply pragmas: %w", err)
	}

	if err := applySchema(db); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to apply schema: %w", err)
	}

	var last int64
	if err := db.QueryRow("SELECT COALESCE(MAX(seq), 0) FROM gate_events").Scan(&last); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to read journal position: %w", err)
	}

	s := &Store{db: db}
	s.lastSeq.Store(last)
	return s, nil
}

// Close closes the database connection.
func (s *Store) Close() error {
	if s.db == nil {
		return nil
	}
	return s.db.Close()
}

// Append stamps e with the next seq and stores it.
// Returns the stored entry.
func (s *Store) Append(ctx context.Context, e Entry) (Entry, error) {
	e.Seq = s.lastSeq.Add(1)

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO gate_events
		(seq, session_id, kind, tx, resource, outcome, error_code)
		VALUES (?, ?, ?, ?, ?, ?, ?)
	`,
		e.Seq,
		e.SessionID,
		e.Kind,
		int64(e.Tx),
		e.Resource,
		e.Outcome,
		e.ErrorCode,
	)
	if err != nil {
		return Entry{}, fmt.Errorf("append journal entry: %w", err)
	}
	return e, nil
}

// ReadSession returns every entry for a session, ordered by seq.
// Returns an empty slice (not nil) if the session has no entries.
func (s *Store) ReadSession(ctx context.Context, sessionID string) ([]Entry, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT seq, session_id, kind, tx, resource, outcome, error_code
		FROM gate_events
		WHERE session_id = ?
		ORDER BY seq ASC
	`, sessionID)
	if err != nil {
		return nil, fmt.Errorf("query session entries: %w", err)
	}
	defer rows.Close()

	entries := []Entry{}
	for rows.Next() {
		var e Entry
		var tx int64
		if err := rows.Scan(&e.Seq, &e.SessionID, &e.Kind, &tx, &e.Resource, &e.Outcome, &e.ErrorCode); err != nil {
			return nil, fmt.Errorf("scan journal entry: %w", err)
		}
		e.Tx = uint64(tx)
		entries = append(entries, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate journal entries: %w", err)
	}
	return entries, nil
}

// SessionSummary aggregates one session's journal.
type SessionSummary struct {
	SessionID string         `json:"session_id"`
	Entries   int            `json:"entries"`
	Outcomes  map[string]int `json:"outcomes"`
	FirstSeq  int64          `json:"first_seq"`
	LastSeq   int64          `json:"last_seq"`
}

// Sessions summarizes every journaled session, ordered by first appearance.
func (s *Store) Sessions(ctx context.Context) ([]SessionSummary, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT session_id, outcome, COUNT(*), MIN(seq), MAX(seq)
		FROM gate_events
		GROUP BY session_id, outcome
		ORDER BY MIN(seq) ASC, outcome ASC
	`)
	if err != nil {
		return nil, fmt.Errorf("query sessions: %w", err)
	}
	defer rows.Close()

	var order []string
	byID := make(map[string]*SessionSummary)
	for rows.Next() {
		var (
			id, outcome string
			count       int
			first, last int64
		)
		if err := rows.Scan(&id, &outcome, &count, &first, &last); err != nil {
			return nil, fmt.Errorf("scan session summary: %w", err)
		}
		sum, ok := byID[id]
		if !ok {
			sum = &SessionSummary{SessionID: id, Outcomes: make(map[string]int), FirstSeq: first, LastSeq: last}
			byID[id] = sum
			order = append(order, id)
		}
		sum.Entries += count
		sum.Outcomes[outcome] = count
		sum.FirstSeq = min(sum.FirstSeq, first)
		sum.LastSeq = max(sum.LastSeq, last)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate sessions: %w", err)
	}

	summaries := make([]SessionSummary, 0, len(order))
	for _, id := range order {
		summaries = append(summaries, *byID[id])
	}
	return summaries, nil
}

// applyPragmas sets required SQLite configuration.
func applyPragmas(db *sql.DB) error {
	pragmas := []string{
		"PRAGMA journal_mode = WAL",
		"PRAGMA synchronous = NORMAL",
		"PRAGMA busy_timeout = 5000",
	}

	for _, pragma := range pragmas {
		if _, err := db.Exec(pragma); err != nil {
			return fmt.Errorf("failed to execute %q: %w", pragma, err)
		}
	}

	return nil
}

// applySchema creates tables if they don't exist and records the schema
// version. This function is idempotent.
func applySchema(db *sql.DB) error {
	if _, err := db.Exec(schemaSQL); err != nil {
		return fmt.Errorf("failed to execute schema: %w", err)
	}

	var version int
	if err := db.QueryRow("PRAGMA user_version").Scan(&version); err != nil {
		return fmt.Errorf("get user_version: %w", err)
	}
	if version > currentSchemaVersion {
		return fmt.Errorf("journal schema version %d is newer than supported %d", version, currentSchemaVersion)
	}

	if _, err := db.Exec(fmt.Sprintf("PRAGMA user_version = %d", currentSchemaVersion)); err != nil {
		return fmt.Errorf("set user_version: %w", err)
	}
	return nil
}
