// Package history is an append-only record of conversion runs
// (to-lvm, to-bcache, resize, rotate): a SQLite-over-modernc.org/sqlite
// foundation and migration-table convention repurposed from
// image/snapshot rows to run rows, since this module has no image
// pipeline of its own.
package history

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	_ "modernc.org/sqlite"
)

// DB is an append-only ledger of past runs.
type DB struct {
	db   *sql.DB
	path string
}

// Config holds database configuration.
type Config struct {
	Path string
}

// DefaultConfig points at the conventional state directory.
func DefaultConfig() Config {
	return Config{Path: "/var/lib/blocks/history.db"}
}

// New opens (creating if needed) the history database at cfg.Path.
func New(cfg Config) (*DB, error) {
	db, err := sql.Open("sqlite", cfg.Path)
	if err != nil {
		return nil, fmt.Errorf("history: opening %s: %w", cfg.Path, err)
	}
	db.SetMaxOpenConns(1) // single append-only writer, no contention to pool for

	pragmas := []string{
		"PRAGMA journal_mode = WAL",
		"PRAGMA synchronous = NORMAL",
		"PRAGMA busy_timeout = 5000",
	}
	for _, p := range pragmas {
		if _, err := db.Exec(p); err != nil {
			db.Close()
			return nil, fmt.Errorf("history: setting pragma %q: %w", p, err)
		}
	}

	d := &DB{db: db, path: cfg.Path}
	if err := d.initSchema(); err != nil {
		db.Close()
		return nil, fmt.Errorf("history: initializing schema: %w", err)
	}
	return d, nil
}

// Close closes the underlying database connection.
func (d *DB) Close() error {
	return d.db.Close()
}

// Path returns the database file path.
func (d *DB) Path() string {
	return d.path
}

func (d *DB) initSchema() error {
	const schema = `
CREATE TABLE IF NOT EXISTS runs (
    id INTEGER PRIMARY KEY AUTOINCREMENT,
    command TEXT NOT NULL,
    device TEXT NOT NULL,
    started_at INTEGER NOT NULL,
    finished_at INTEGER,
    outcome TEXT NOT NULL DEFAULT 'running',
    error_kind TEXT,
    error_message TEXT,

    CHECK (outcome IN ('running', 'ok', 'error'))
);

CREATE INDEX IF NOT EXISTS idx_runs_device ON runs(device);
CREATE INDEX IF NOT EXISTS idx_runs_started_at ON runs(started_at);
`
	_, err := d.db.Exec(schema)
	return err
}

// Run is one recorded conversion attempt.
type Run struct {
	ID           int64
	Command      string
	Device       string
	StartedAt    time.Time
	FinishedAt   *time.Time
	Outcome      string // "running", "ok", "error"
	ErrorKind    string
	ErrorMessage string
}

// Begin records the start of a run and returns its ID.
func (d *DB) Begin(ctx context.Context, command, device string) (int64, error) {
	res, err := d.db.ExecContext(ctx,
		`INSERT INTO runs (command, device, started_at, outcome) VALUES (?, ?, ?, 'running')`,
		command, device, time.Now().Unix())
	if err != nil {
		return 0, fmt.Errorf("history: recording start of %s on %s: %w", command, device, err)
	}
	return res.LastInsertId()
}

// Finish records a run's terminal outcome. errorKind is the
// blockserr kind name (empty on success).
func (d *DB) Finish(ctx context.Context, id int64, runErr error, errorKind string) error {
	outcome := "ok"
	msg := ""
	if runErr != nil {
		outcome = "error"
		msg = runErr.Error()
	}
	_, err := d.db.ExecContext(ctx,
		`UPDATE runs SET finished_at = ?, outcome = ?, error_kind = ?, error_message = ? WHERE id = ?`,
		time.Now().Unix(), outcome, errorKind, msg, id)
	if err != nil {
		return fmt.Errorf("history: recording outcome of run %d: %w", id, err)
	}
	return nil
}

// Recent returns the last limit runs for device, most recent first;
// runs started within the same second are ordered newest-inserted first.
func (d *DB) Recent(ctx context.Context, device string, limit int) ([]Run, error) {
	rows, err := d.db.QueryContext(ctx,
		`SELECT id, command, device, started_at, finished_at, outcome, error_kind, error_message
		 FROM runs WHERE device = ? ORDER BY started_at DESC, id DESC LIMIT ?`, device, limit)
	if err != nil {
		return nil, fmt.Errorf("history: querying runs for %s: %w", device, err)
	}
	defer rows.Close()

	var out []Run
	for rows.Next() {
		var r Run
		var started int64
		var finished sql.NullInt64
		var errKind, errMsg sql.NullString
		if err := rows.Scan(&r.ID, &r.Command, &r.Device, &started, &finished, &r.Outcome, &errKind, &errMsg); err != nil {
			return nil, fmt.Errorf("history: scanning run row: %w", err)
		}
		r.StartedAt = time.Unix(started, 0)
		if finished.Valid {
			t := time.Unix(finished.Int64, 0)
			r.FinishedAt = &t
		}
		r.ErrorKind = errKind.String
		r.ErrorMessage = errMsg.String
		out = append(out, r)
	}
	return out, rows.Err()
}
