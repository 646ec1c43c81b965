// Package archive retains the provenance the reconciliation steps would
// otherwise discard: losing duplicates, drift records that lost
// arbitration, and reject metadata displaced by the success-wins policy.
//
// The archive is observability, not state of record. Writes are best-effort
// at the call sites: an archive failure is logged and the pipeline moves
// on.
package archive

import (
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	_ "modernc.org/sqlite"
)

// EventKind classifies an archived transition.
type EventKind string

const (
	// KindDuplicateLost is a record discarded by the quality deduplicator.
	KindDuplicateLost EventKind = "/duplicate_lost"
	// KindDriftLost is a drift record that lost cross-file promotion.
	KindDriftLost EventKind = "/drift_lost"
	// KindSuccessDisplaced is a canonical success record replaced by a
	// better drift record during promotion.
	KindSuccessDisplaced EventKind = "/success_displaced"
	// KindRejectSuperseded is rejected-checkpoint metadata removed by the
	// success-wins policy.
	KindRejectSuperseded EventKind = "/reject_superseded"
	// KindRequeued is a transient reject moved back to the retry queue.
	KindRequeued EventKind = "/requeued"
)

// Event is one archived transition for a key.
type Event struct {
	Key    string    `json:"key"`
	Kind   EventKind `json:"kind"`
	Detail string    `json:"detail"` // serialized losing record or displaced metadata
	RunID  string    `json:"run_id"`
	At     time.Time `json:"at"`
}

// Archive is the SQLite-backed provenance store.
type Archive struct {
	db *sql.DB
	mu sync.Mutex
}

// Open initializes the archive database at the given path.
func Open(path string) (*Archive, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return nil, fmt.Errorf("create archive directory: %w", err)
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open archive database: %w", err)
	}

	a := &Archive{db: db}
	if err := a.initialize(); err != nil {
		db.Close()
		return nil, err
	}
	return a, nil
}

// initialize creates the events table.
func (a *Archive) initialize() error {
	schema := `
	CREATE TABLE IF NOT EXISTS provenance_events (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		key TEXT NOT NULL,
		kind TEXT NOT NULL,
		detail TEXT,
		run_id TEXT,
		at DATETIME NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_provenance_key ON provenance_events(key);
	CREATE INDEX IF NOT EXISTS idx_provenance_run ON provenance_events(run_id);
	`
	if _, err := a.db.Exec(schema); err != nil {
		return fmt.Errorf("initialize archive schema: %w", err)
	}
	return nil
}

// Record appends one provenance event.
func (a *Archive) Record(ev Event) error {
	return a.RecordAll([]Event{ev})
}

// RecordAll appends events in a single transaction.
func (a *Archive) RecordAll(events []Event) error {
	if len(events) == 0 {
		return nil
	}
	a.mu.Lock()
	defer a.mu.Unlock()

	tx, err := a.db.Begin()
	if err != nil {
		return fmt.Errorf("begin archive transaction: %w", err)
	}
	stmt, err := tx.Prepare(`INSERT INTO provenance_events (key, kind, detail, run_id, at) VALUES (?, ?, ?, ?, ?)`)
	if err != nil {
		tx.Rollback()
		return fmt.Errorf("prepare archive insert: %w", err)
	}
	defer stmt.Close()

	for _, ev := range events {
		if _, err := stmt.Exec(ev.Key, string(ev.Kind), ev.Detail, ev.RunID, ev.At.UTC()); err != nil {
			tx.Rollback()
			return fmt.Errorf("insert archive event for %q: %w", ev.Key, err)
		}
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit archive transaction: %w", err)
	}
	return nil
}

// History returns all archived events for a key, oldest first.
func (a *Archive) History(key string) ([]Event, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	rows, err := a.db.Query(
		`SELECT key, kind, detail, run_id, at FROM provenance_events WHERE key = ? ORDER BY id ASC`, key)
	if err != nil {
		return nil, fmt.Errorf("query archive history: %w", err)
	}
	defer rows.Close()

	var events []Event
	for rows.Next() {
		var ev Event
		var kind string
		if err := rows.Scan(&ev.Key, &kind, &ev.Detail, &ev.RunID, &ev.At); err != nil {
			return nil, fmt.Errorf("scan archive row: %w", err)
		}
		ev.Kind = EventKind(kind)
		events = append(events, ev)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate archive rows: %w", err)
	}
	return events, nil
}

// Count returns the total number of archived events.
func (a *Archive) Count() (int, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	var n int
	if err := a.db.QueryRow(`SELECT COUNT(*) FROM provenance_events`).Scan(&n); err != nil {
		return 0, fmt.Errorf("count archive events: %w", err)
	}
	return n, nil
}

// Close releases the database handle.
func (a *Archive) Close() error {
	return a.db.Close()
}
