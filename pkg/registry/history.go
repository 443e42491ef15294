package registry

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	_ "modernc.org/sqlite"
)

// HistoryEvent is one row of the append-only session-history log: every
// deploy/resume/recover/disconnect transition a host goes through. This is
// supplementary to the registry's one authoritative JSON document — it
// never participates in load/save decisions, only in observability.
type HistoryEvent struct {
	ID         int64
	Host       string
	SessionID  string
	Transition string // "deploy", "resume", "recover", "disconnect"
	Detail     string
	At         time.Time
}

// HistoryStore is a pure-Go SQLite append-only log, mirroring the
// migrate-then-CRUD shape of the teacher's SQLite fleet store.
type HistoryStore struct {
	db *sql.DB
}

// OpenHistoryStore opens (creating if absent) a WAL-mode SQLite database at
// path and ensures its schema exists.
func OpenHistoryStore(path string) (*HistoryStore, error) {
	db, err := sql.Open("sqlite", path+"?_journal_mode=WAL&_busy_timeout=5000&_foreign_keys=on")
	if err != nil {
		return nil, fmt.Errorf("open history store: %w", err)
	}
	hs := &HistoryStore{db: db}
	if err := hs.migrate(context.Background()); err != nil {
		db.Close()
		return nil, err
	}
	return hs, nil
}

func (h *HistoryStore) migrate(ctx context.Context) error {
	_, err := h.db.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS session_history (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			host TEXT NOT NULL,
			session_id TEXT NOT NULL,
			transition TEXT NOT NULL,
			detail TEXT NOT NULL DEFAULT '',
			at TIMESTAMP NOT NULL
		);
		CREATE INDEX IF NOT EXISTS idx_session_history_host ON session_history(host);
	`)
	if err != nil {
		return fmt.Errorf("migrate history store: %w", err)
	}
	return nil
}

// Record appends a transition. Failures are non-fatal to the caller's
// actual operation — history is observability, not the source of truth.
func (h *HistoryStore) Record(ctx context.Context, ev HistoryEvent) error {
	if ev.At.IsZero() {
		ev.At = time.Now()
	}
	_, err := h.db.ExecContext(ctx,
		`INSERT INTO session_history (host, session_id, transition, detail, at) VALUES (?, ?, ?, ?, ?)`,
		ev.Host, ev.SessionID, ev.Transition, ev.Detail, ev.At,
	)
	if err != nil {
		return fmt.Errorf("record history event: %w", err)
	}
	return nil
}

// ForHost returns the most recent events for a host, newest first.
func (h *HistoryStore) ForHost(ctx context.Context, host string, limit int) ([]HistoryEvent, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := h.db.QueryContext(ctx,
		`SELECT id, host, session_id, transition, detail, at FROM session_history WHERE host = ? ORDER BY at DESC LIMIT ?`,
		host, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("query history: %w", err)
	}
	defer rows.Close()

	var out []HistoryEvent
	for rows.Next() {
		var ev HistoryEvent
		if err := rows.Scan(&ev.ID, &ev.Host, &ev.SessionID, &ev.Transition, &ev.Detail, &ev.At); err != nil {
			return nil, fmt.Errorf("scan history row: %w", err)
		}
		out = append(out, ev)
	}
	return out, rows.Err()
}

// Close releases the underlying database handle.
func (h *HistoryStore) Close() error { return h.db.Close() }
