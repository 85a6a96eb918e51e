// Package journal records task lifecycle events in a SQLite database so
// worker behavior can be inspected after the fact.
package journal

import (
	"database/sql"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/fxamacker/cbor/v2"
	"github.com/tliron/commonlog"
	_ "modernc.org/sqlite"

	"github.com/chazu/tether/async"
)

// ErrEventNotFound indicates the requested event doesn't exist.
var ErrEventNotFound = errors.New("journal: event not found")

// Journal is an append-mostly event log backed by SQLite. Event payloads
// are stored as CBOR blobs alongside the indexed columns used for
// queries. It implements async.Recorder.
type Journal struct {
	db     *sql.DB
	dbPath string
	log    commonlog.Logger
	mu     sync.Mutex
}

// Open opens or creates the journal database at dbPath.
func Open(dbPath string) (*Journal, error) {
	j := &Journal{
		dbPath: dbPath,
		log:    commonlog.GetLogger("tether.journal"),
	}

	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("opening journal database: %w", err)
	}
	j.db = db

	// Set busy timeout for concurrent access
	if _, err := db.Exec("PRAGMA busy_timeout = 5000"); err != nil {
		db.Close()
		return nil, fmt.Errorf("setting busy timeout: %w", err)
	}

	if _, err := db.Exec(`CREATE TABLE IF NOT EXISTS events (
		seq INTEGER PRIMARY KEY AUTOINCREMENT,
		task TEXT NOT NULL,
		worker TEXT NOT NULL,
		kind TEXT NOT NULL,
		state TEXT NOT NULL,
		at INTEGER NOT NULL,
		payload BLOB NOT NULL
	)`); err != nil {
		db.Close()
		return nil, fmt.Errorf("creating events table: %w", err)
	}
	if _, err := db.Exec(
		`CREATE INDEX IF NOT EXISTS events_task ON events (task)`,
	); err != nil {
		db.Close()
		return nil, fmt.Errorf("creating task index: %w", err)
	}

	return j, nil
}

// Close closes the database connection.
func (j *Journal) Close() error {
	if j.db != nil {
		return j.db.Close()
	}
	return nil
}

// Record implements async.Recorder. A failed insert is logged rather
// than surfaced: the journal must never take a worker down.
func (j *Journal) Record(ev async.Event) {
	if err := j.append(ev); err != nil {
		j.log.Errorf("dropping event for task %s: %s", ev.Task, err.Error())
	}
}

func (j *Journal) append(ev async.Event) error {
	payload, err := cbor.Marshal(ev)
	if err != nil {
		return fmt.Errorf("encoding event: %w", err)
	}

	j.mu.Lock()
	defer j.mu.Unlock()

	_, err = j.db.Exec(
		"INSERT INTO events (task, worker, kind, state, at, payload) VALUES (?, ?, ?, ?, ?, ?)",
		ev.Task.String(), ev.Worker.String(), ev.Kind, ev.State,
		ev.At.UnixNano(), payload,
	)
	if err != nil {
		return fmt.Errorf("saving event: %w", err)
	}
	return nil
}

// Task returns all events recorded for one task, oldest first.
func (j *Journal) Task(taskID string) ([]async.Event, error) {
	rows, err := j.db.Query(
		"SELECT payload FROM events WHERE task = ? ORDER BY seq", taskID,
	)
	if err != nil {
		return nil, fmt.Errorf("querying task events: %w", err)
	}
	defer rows.Close()
	events, err := decodeRows(rows)
	if err != nil {
		return nil, err
	}
	if len(events) == 0 {
		return nil, ErrEventNotFound
	}
	return events, nil
}

// Recent returns the last n events, newest first.
func (j *Journal) Recent(n int) ([]async.Event, error) {
	rows, err := j.db.Query(
		"SELECT payload FROM events ORDER BY seq DESC LIMIT ?", n,
	)
	if err != nil {
		return nil, fmt.Errorf("querying recent events: %w", err)
	}
	defer rows.Close()
	return decodeRows(rows)
}

func decodeRows(rows *sql.Rows) ([]async.Event, error) {
	var events []async.Event
	for rows.Next() {
		var payload []byte
		if err := rows.Scan(&payload); err != nil {
			return nil, fmt.Errorf("scanning event: %w", err)
		}
		var ev async.Event
		if err := cbor.Unmarshal(payload, &ev); err != nil {
			return nil, fmt.Errorf("decoding event: %w", err)
		}
		events = append(events, ev)
	}
	return events, rows.Err()
}

// Stats summarizes the journal's contents.
type Stats struct {
	Events   int
	Failed   int
	Finished int
}

// Stats counts recorded events by outcome.
func (j *Journal) Stats() (Stats, error) {
	var s Stats
	row := j.db.QueryRow(`SELECT
		COUNT(*),
		COUNT(*) FILTER (WHERE state = 'failed'),
		COUNT(*) FILTER (WHERE state = 'finished')
		FROM events`)
	if err := row.Scan(&s.Events, &s.Failed, &s.Finished); err != nil {
		return Stats{}, fmt.Errorf("counting events: %w", err)
	}
	return s, nil
}

// Sweep deletes events older than the cutoff and reports how many were
// removed.
func (j *Journal) Sweep(olderThan time.Duration) (int64, error) {
	cutoff := time.Now().Add(-olderThan).UnixNano()

	j.mu.Lock()
	defer j.mu.Unlock()

	res, err := j.db.Exec("DELETE FROM events WHERE at < ?", cutoff)
	if err != nil {
		return 0, fmt.Errorf("sweeping events: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, err
	}
	if n > 0 {
		j.log.Infof("swept %d events older than %s", n, olderThan)
	}
	return n, nil
}
