package store

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "github.com/mattn/go-sqlite3"
)

// SQLiteStore is a SQLite-based implementation of the ledger
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLiteStore creates a new SQLite store, creating the parent directory if needed.
func NewSQLiteStore(dbPath string) (*SQLiteStore, error) {
	if err := os.MkdirAll(filepath.Dir(dbPath), 0755); err != nil {
		return nil, fmt.Errorf("failed to create database directory: %w", err)
	}

	// - _journal_mode=WAL: readers do not block the supervisor's writes
	// - _busy_timeout=10000: wait up to 10 seconds when database is locked
	// - _synchronous=NORMAL: balance between safety and performance
	dsn := fmt.Sprintf("%s?_journal_mode=WAL&_busy_timeout=10000&_synchronous=NORMAL", dbPath)

	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	// Single writer
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(30 * time.Minute)

	store := &SQLiteStore{db: db}
	if err := store.initSchema(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}

	return store, nil
}

func (s *SQLiteStore) initSchema() error {
	schema := `
	CREATE TABLE IF NOT EXISTS events (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		run_id TEXT NOT NULL,
		attempt INTEGER NOT NULL,
		kind TEXT NOT NULL,
		exit_code INTEGER NOT NULL DEFAULT 0,
		class TEXT,
		detail TEXT,
		at DATETIME NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_events_run ON events(run_id, id);
	`

	_, err := s.db.Exec(schema)
	return err
}

// Record appends an event
func (s *SQLiteStore) Record(ctx context.Context, ev Event) error {
	ev = stamp(ev)
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO events (run_id, attempt, kind, exit_code, class, detail, at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
	`, ev.RunID, ev.Attempt, string(ev.Kind), ev.ExitCode, ev.Class, ev.Detail, ev.At)
	if err != nil {
		return fmt.Errorf("failed to record %s event: %w", ev.Kind, err)
	}
	return nil
}

// Events returns a run's events in insertion order
func (s *SQLiteStore) Events(ctx context.Context, runID string) ([]Event, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT run_id, attempt, kind, exit_code, class, detail, at
		FROM events WHERE run_id = ? ORDER BY id
	`, runID)
	if err != nil {
		return nil, fmt.Errorf("failed to query events: %w", err)
	}
	defer rows.Close()

	return scanEvents(rows)
}

func (s *SQLiteStore) Prune(ctx context.Context, cutoff time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx, `DELETE FROM events WHERE at < ?`, cutoff.UTC())
	if err != nil {
		return 0, fmt.Errorf("failed to prune events: %w", err)
	}
	return res.RowsAffected()
}

// HealthCheck verifies database connectivity
func (s *SQLiteStore) HealthCheck() error {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return s.db.PingContext(ctx)
}

// Close closes the database
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

func scanEvents(rows *sql.Rows) ([]Event, error) {
	var events []Event
	for rows.Next() {
		var (
			ev            Event
			kind          string
			class, detail sql.NullString
		)
		if err := rows.Scan(&ev.RunID, &ev.Attempt, &kind, &ev.ExitCode, &class, &detail, &ev.At); err != nil {
			return nil, fmt.Errorf("failed to scan event: %w", err)
		}
		ev.Kind = Kind(kind)
		ev.Class = class.String
		ev.Detail = detail.String
		events = append(events, ev)
	}
	return events, rows.Err()
}
