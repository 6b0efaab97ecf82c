package store

import (
	"context"
	"errors"
	"time"

	"github.com/psantana5/warden/pkg/retry"
)

// Kind names what happened to the worker.
type Kind string

const (
	KindLaunch   Kind = "launch"
	KindExit     Kind = "exit"
	KindCrash    Kind = "crash"
	KindHeal     Kind = "heal"
	KindRollback Kind = "rollback"
	KindPromote  Kind = "promote"
	KindHalt     Kind = "halt"
	KindReap     Kind = "reap"
)

// Event is one row of the crash-history ledger.
type Event struct {
	RunID    string    `json:"run_id"`
	Attempt  int       `json:"attempt"`
	Kind     Kind      `json:"kind"`
	ExitCode int       `json:"exit_code"`
	Class    string    `json:"class,omitempty"`
	Detail   string    `json:"detail,omitempty"`
	At       time.Time `json:"at"`
}

// Store persists supervisor events.
// SQLite, PostgreSQL and in-memory implementations are provided.
type Store interface {
	Record(ctx context.Context, ev Event) error
	Events(ctx context.Context, runID string) ([]Event, error)
	// Prune deletes events recorded before cutoff and reports how many went.
	Prune(ctx context.Context, cutoff time.Time) (int64, error)
	HealthCheck() error
	Close() error
}

// Config holds database configuration
type Config struct {
	Type string // "sqlite", "postgres" or "memory"
	DSN  string // Connection string or SQLite file path

	// PostgreSQL specific
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration

	// Connect governs how long a PostgreSQL store keeps trying to reach the server.
	Connect retry.Config
}

var ErrUnsupportedDatabase = errors.New("unsupported database type")

// NewStore creates a store based on configuration
func NewStore(ctx context.Context, config Config) (Store, error) {
	switch config.Type {
	case "postgres", "postgresql":
		return NewPostgreSQLStore(ctx, config)
	case "sqlite", "sqlite3", "":
		path := config.DSN
		if path == "" {
			path = "history.db"
		}
		return NewSQLiteStore(path)
	case "memory":
		return NewMemoryStore(), nil
	default:
		return nil, ErrUnsupportedDatabase
	}
}

func stamp(ev Event) Event {
	if ev.At.IsZero() {
		ev.At = time.Now().UTC()
	}
	return ev
}
