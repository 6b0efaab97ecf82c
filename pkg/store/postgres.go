package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	_ "github.com/lib/pq"
	"github.com/psantana5/warden/pkg/retry"
)

// PostgreSQLStore implements Store using PostgreSQL
type PostgreSQLStore struct {
	db *sql.DB
}

// NewPostgreSQLStore opens the database and retries the first ping with
// config.Connect so a supervisor started alongside its database can wait for it.
func NewPostgreSQLStore(ctx context.Context, config Config) (*PostgreSQLStore, error) {
	dsn := config.DSN
	if dsn == "" {
		return nil, fmt.Errorf("PostgreSQL DSN is required")
	}

	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	if config.MaxOpenConns > 0 {
		db.SetMaxOpenConns(config.MaxOpenConns)
	} else {
		db.SetMaxOpenConns(4)
	}
	if config.MaxIdleConns > 0 {
		db.SetMaxIdleConns(config.MaxIdleConns)
	} else {
		db.SetMaxIdleConns(2)
	}
	if config.ConnMaxLifetime > 0 {
		db.SetConnMaxLifetime(config.ConnMaxLifetime)
	} else {
		db.SetConnMaxLifetime(5 * time.Minute)
	}

	connect := config.Connect
	if connect.Initial == 0 {
		connect = retry.DefaultConfig()
	}
	if err := retry.Do(ctx, connect, func() error { return db.PingContext(ctx) }); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	store := &PostgreSQLStore{db: db}
	if err := store.initSchema(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}

	return store, nil
}

func (s *PostgreSQLStore) initSchema(ctx context.Context) error {
	schema := `
	CREATE TABLE IF NOT EXISTS warden_events (
		id BIGSERIAL PRIMARY KEY,
		run_id TEXT NOT NULL,
		attempt INTEGER NOT NULL,
		kind TEXT NOT NULL,
		exit_code INTEGER NOT NULL DEFAULT 0,
		class TEXT,
		detail TEXT,
		at TIMESTAMPTZ NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_warden_events_run ON warden_events(run_id, id);
	`

	_, err := s.db.ExecContext(ctx, schema)
	return err
}

// Record appends an event
func (s *PostgreSQLStore) Record(ctx context.Context, ev Event) error {
	ev = stamp(ev)
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO warden_events (run_id, attempt, kind, exit_code, class, detail, at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
	`, ev.RunID, ev.Attempt, string(ev.Kind), ev.ExitCode, ev.Class, ev.Detail, ev.At)
	if err != nil {
		return fmt.Errorf("failed to record %s event: %w", ev.Kind, err)
	}
	return nil
}

// Events returns a run's events in insertion order
func (s *PostgreSQLStore) Events(ctx context.Context, runID string) ([]Event, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT run_id, attempt, kind, exit_code, class, detail, at
		FROM warden_events WHERE run_id = $1 ORDER BY id
	`, runID)
	if err != nil {
		return nil, fmt.Errorf("failed to query events: %w", err)
	}
	defer rows.Close()

	return scanEvents(rows)
}

func (s *PostgreSQLStore) Prune(ctx context.Context, cutoff time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx, `DELETE FROM warden_events WHERE at < $1`, cutoff)
	if err != nil {
		return 0, fmt.Errorf("failed to prune events: %w", err)
	}
	return res.RowsAffected()
}

// HealthCheck verifies database connectivity
func (s *PostgreSQLStore) HealthCheck() error {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return s.db.PingContext(ctx)
}

// Close closes the database connection
func (s *PostgreSQLStore) Close() error {
	return s.db.Close()
}
