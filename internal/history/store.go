// Package history keeps a SQLite ledger of completed and failed exports.
package history

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"time"

	_ "github.com/mattn/go-sqlite3"
)

// ErrNotFound is returned when no export with the requested name exists.
var ErrNotFound = errors.New("history: export not found")

// Schema creates the ledger table.
const Schema = `
CREATE TABLE IF NOT EXISTS exports (
	id          INTEGER PRIMARY KEY AUTOINCREMENT,
	name        TEXT    NOT NULL DEFAULT '',
	format      TEXT    NOT NULL,
	query       TEXT    NOT NULL,
	locator     TEXT    NOT NULL DEFAULT '',
	outcome     TEXT    NOT NULL,
	error       TEXT    NOT NULL DEFAULT '',
	num_found   INTEGER NOT NULL DEFAULT 0,
	records     INTEGER NOT NULL DEFAULT 0,
	bytes       INTEGER NOT NULL DEFAULT 0,
	pages       INTEGER NOT NULL DEFAULT 0,
	started_at  INTEGER NOT NULL,
	finished_at INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_exports_name ON exports(name);
CREATE INDEX IF NOT EXISTS idx_exports_finished ON exports(finished_at);
`

// Entry is one ledger row.
type Entry struct {
	ID         int64     `json:"id"`
	Name       string    `json:"fileName"`
	Format     string    `json:"format"`
	Query      string    `json:"query"`
	Locator    string    `json:"url,omitempty"`
	Outcome    string    `json:"outcome"`
	Error      string    `json:"error,omitempty"`
	NumFound   int64     `json:"numFound"`
	Records    int64     `json:"recordCount"`
	Bytes      int64     `json:"byteCount"`
	Pages      int       `json:"pages"`
	StartedAt  time.Time `json:"startedAt"`
	FinishedAt time.Time `json:"finishedAt"`
}

// Config configures the ledger database.
type Config struct {
	// Path is the database file path. ":memory:" keeps the ledger in memory.
	Path string

	// BusyTimeout is how long writers wait on a locked database.
	// Default: 5 seconds.
	BusyTimeout time.Duration
}

// Store is a SQLite-backed ledger. It is safe for concurrent use.
type Store struct {
	db     *sql.DB
	logger *slog.Logger
}

// Open opens (creating if needed) the ledger at cfg.Path.
func Open(cfg Config, logger *slog.Logger) (*Store, error) {
	if cfg.Path == "" {
		return nil, errors.New("history: path is required")
	}
	if cfg.BusyTimeout <= 0 {
		cfg.BusyTimeout = 5 * time.Second
	}
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}

	db, err := sql.Open("sqlite3", cfg.Path)
	if err != nil {
		return nil, fmt.Errorf("history: open: %w", err)
	}
	// One connection keeps ":memory:" databases shared and serializes writers.
	db.SetMaxOpenConns(1)

	s := &Store{db: db, logger: logger.With("component", "history")}
	if err := s.initialize(cfg); err != nil {
		_ = db.Close()
		return nil, err
	}
	s.logger.Info("export history opened", "path", cfg.Path)
	return s, nil
}

func (s *Store) initialize(cfg Config) error {
	if cfg.Path != ":memory:" {
		if _, err := s.db.Exec("PRAGMA journal_mode=WAL;"); err != nil {
			return fmt.Errorf("history: enable wal: %w", err)
		}
	}
	if _, err := s.db.Exec(fmt.Sprintf("PRAGMA busy_timeout=%d;", cfg.BusyTimeout.Milliseconds())); err != nil {
		return fmt.Errorf("history: set busy timeout: %w", err)
	}
	if _, err := s.db.Exec(Schema); err != nil {
		return fmt.Errorf("history: create schema: %w", err)
	}
	return nil
}

// Close closes the database.
func (s *Store) Close() error {
	return s.db.Close()
}

// Record appends e to the ledger and returns its id.
func (s *Store) Record(ctx context.Context, e Entry) (int64, error) {
	res, err := s.db.ExecContext(ctx, `
		INSERT INTO exports (name, format, query, locator, outcome, error,
			num_found, records, bytes, pages, started_at, finished_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		e.Name, e.Format, e.Query, e.Locator, e.Outcome, e.Error,
		e.NumFound, e.Records, e.Bytes, e.Pages,
		e.StartedAt.UnixMilli(), e.FinishedAt.UnixMilli(),
	)
	if err != nil {
		return 0, fmt.Errorf("history: insert: %w", err)
	}
	return res.LastInsertId()
}

const selectColumns = `SELECT id, name, format, query, locator, outcome, error,
	num_found, records, bytes, pages, started_at, finished_at FROM exports`

// Recent returns up to limit entries, newest first.
func (s *Store) Recent(ctx context.Context, limit int) ([]Entry, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.db.QueryContext(ctx, selectColumns+` ORDER BY finished_at DESC, id DESC LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("history: query: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var entries []Entry
	for rows.Next() {
		e, err := scanEntry(rows)
		if err != nil {
			return nil, err
		}
		entries = append(entries, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("history: iterate: %w", err)
	}
	return entries, nil
}

// Get returns the newest entry for an object name.
func (s *Store) Get(ctx context.Context, name string) (Entry, error) {
	row := s.db.QueryRowContext(ctx, selectColumns+` WHERE name = ? ORDER BY id DESC LIMIT 1`, name)
	e, err := scanEntry(row)
	if errors.Is(err, sql.ErrNoRows) {
		return Entry{}, ErrNotFound
	}
	return e, err
}

type scanner interface {
	Scan(dest ...any) error
}

func scanEntry(sc scanner) (Entry, error) {
	var e Entry
	var started, finished int64
	err := sc.Scan(&e.ID, &e.Name, &e.Format, &e.Query, &e.Locator, &e.Outcome, &e.Error,
		&e.NumFound, &e.Records, &e.Bytes, &e.Pages, &started, &finished)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return Entry{}, err
		}
		return Entry{}, fmt.Errorf("history: scan: %w", err)
	}
	e.StartedAt = time.UnixMilli(started).UTC()
	e.FinishedAt = time.UnixMilli(finished).UTC()
	return e, nil
}
