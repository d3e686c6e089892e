// Package history keeps a SQLite ledger of finished sessions so operators
// can see which accounts ran, where they failed, and how long they took.
package history

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"net/url"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite"

	"github.com/yllada/sessionctl/common"
	"github.com/yllada/sessionctl/session"
)

const schema = `
CREATE TABLE IF NOT EXISTS sessions (
	run_id      TEXT PRIMARY KEY,
	account_id  TEXT    NOT NULL,
	region      TEXT    NOT NULL,
	stage       TEXT    NOT NULL,
	kind        TEXT    NOT NULL,
	error       TEXT    NOT NULL DEFAULT '',
	started_ns  INTEGER NOT NULL,
	finished_ns INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS sessions_account ON sessions (account_id, started_ns);
CREATE INDEX IF NOT EXISTS sessions_started ON sessions (started_ns);
`

// Entry is one recorded session.
type Entry struct {
	RunID     string
	AccountID string
	Region    string
	Stage     string
	Kind      string
	Error     string
	Started   time.Time
	Finished  time.Time
}

// OK reports whether the session succeeded.
func (e Entry) OK() bool { return e.Error == "" }

// Duration is the session's wall-clock time.
func (e Entry) Duration() time.Duration { return e.Finished.Sub(e.Started) }

// Filter narrows List. Zero values match everything.
type Filter struct {
	AccountID  string
	FailedOnly bool
	Since      time.Time
	// Limit caps the number of entries; zero means 50.
	Limit int
}

// Ledger is the session history database. It implements session.Recorder.
type Ledger struct {
	db   *sql.DB
	path string
}

var _ session.Recorder = (*Ledger)(nil)

// Open opens or creates the ledger at path.
func Open(path string) (*Ledger, error) {
	if path == "" {
		return nil, errors.New("history: empty path")
	}
	path = common.ExpandHome(path)
	if err := common.EnsureDir(filepath.Dir(path)); err != nil {
		return nil, fmt.Errorf("history: %w", err)
	}

	q := url.Values{}
	q.Add("_pragma", "busy_timeout(5000)")
	q.Add("_pragma", "journal_mode(WAL)")
	q.Add("_pragma", "synchronous(NORMAL)")
	db, err := sql.Open("sqlite", "file:"+path+"?"+q.Encode())
	if err != nil {
		return nil, fmt.Errorf("history: open %s: %w", path, err)
	}
	// One writer at a time; SQLite serializes them anyway.
	db.SetMaxOpenConns(1)

	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("history: create schema: %w", err)
	}
	return &Ledger{db: db, path: path}, nil
}

// Path returns the database file path.
func (l *Ledger) Path() string { return l.path }

// Close closes the database.
func (l *Ledger) Close() error {
	return l.db.Close()
}

// Record stores a session result. Recording the same run twice keeps the
// latest values.
func (l *Ledger) Record(ctx context.Context, r session.Result) error {
	if r.RunID == "" {
		return errors.New("history: result has no run id")
	}
	errText := ""
	if r.Err != nil {
		errText = r.Err.Error()
	}
	_, err := l.db.ExecContext(ctx, `
		INSERT INTO sessions (run_id, account_id, region, stage, kind, error, started_ns, finished_ns)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (run_id) DO UPDATE SET
			stage = excluded.stage,
			kind = excluded.kind,
			error = excluded.error,
			finished_ns = excluded.finished_ns`,
		r.RunID, r.AccountID, r.Region, r.Stage.String(), r.Kind.String(), errText,
		r.Started.UnixNano(), r.Finished.UnixNano())
	if err != nil {
		return fmt.Errorf("history: record %s: %w", r.RunID, err)
	}
	return nil
}

// List returns matching entries, newest first.
func (l *Ledger) List(ctx context.Context, f Filter) ([]Entry, error) {
	limit := f.Limit
	if limit <= 0 {
		limit = 50
	}

	query := `SELECT run_id, account_id, region, stage, kind, error, started_ns, finished_ns
		FROM sessions WHERE 1=1`
	var args []any
	if f.AccountID != "" {
		query += ` AND account_id = ?`
		args = append(args, f.AccountID)
	}
	if f.FailedOnly {
		query += ` AND error != ''`
	}
	if !f.Since.IsZero() {
		query += ` AND started_ns >= ?`
		args = append(args, f.Since.UnixNano())
	}
	query += ` ORDER BY started_ns DESC LIMIT ?`
	args = append(args, limit)

	rows, err := l.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("history: list: %w", err)
	}
	defer rows.Close()

	var out []Entry
	for rows.Next() {
		var e Entry
		var started, finished int64
		if err := rows.Scan(&e.RunID, &e.AccountID, &e.Region, &e.Stage, &e.Kind, &e.Error, &started, &finished); err != nil {
			return nil, fmt.Errorf("history: scan: %w", err)
		}
		e.Started = time.Unix(0, started)
		e.Finished = time.Unix(0, finished)
		out = append(out, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("history: list: %w", err)
	}
	return out, nil
}

// Prune deletes entries that started before cutoff and returns how many
// were removed.
func (l *Ledger) Prune(ctx context.Context, cutoff time.Time) (int64, error) {
	res, err := l.db.ExecContext(ctx, `DELETE FROM sessions WHERE started_ns < ?`, cutoff.UnixNano())
	if err != nil {
		return 0, fmt.Errorf("history: prune: %w", err)
	}
	return res.RowsAffected()
}
