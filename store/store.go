// Package store owns durable persistence for the fleet controller. Every
// entity of the data model is read and written through it; runtime caches
// elsewhere hold row identifiers only.
//
// The backing database is a single SQLite file accessed through sqlx.
// Writers share one connection pool; transient write-lock contention is
// retried with linear back-off.
package store

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/jmoiron/sqlx"
	_ "modernc.org/sqlite"
)

const (
	writeRetryAttempts = 3
	writeRetryBackoff  = 100 * time.Millisecond
)

// ErrNotFound is returned when a lookup matches no row.
var ErrNotFound = errors.New("store: not found")

// Store wraps the SQLite database.
type Store struct {
	db  *sqlx.DB
	log *slog.Logger
}

// Open opens (creating if necessary) the SQLite database at path and
// bootstraps the schema. Use ":memory:" for an in-process database in tests.
func Open(path string, log *slog.Logger) (*Store, error) {
	dsn := fmt.Sprintf("file:%s?_time_format=sqlite&_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)&_pragma=foreign_keys(1)", path)
	if path == ":memory:" {
		dsn = "file::memory:?cache=shared&_time_format=sqlite&_pragma=foreign_keys(1)"
	}

	db, err := sqlx.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database %s: %w", path, err)
	}

	// SQLite allows one writer at a time; a single connection avoids
	// lock thrash between the scheduler's jobs.
	db.SetMaxOpenConns(1)

	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to apply schema: %w", err)
	}

	if log == nil {
		log = slog.Default()
	}

	return &Store{db: db, log: log}, nil
}

// Close closes the underlying database.
func (s *Store) Close() error {
	return s.db.Close()
}

// isBusy reports whether err looks like transient SQLite lock contention.
func isBusy(err error) bool {
	if err == nil {
		return false
	}
	msg := err.Error()
	return strings.Contains(msg, "database is locked") ||
		strings.Contains(msg, "SQLITE_BUSY") ||
		strings.Contains(msg, "database table is locked")
}

// withRetry runs fn, retrying transient lock errors with linear back-off.
// After the attempts are exhausted the last error is returned; callers log
// it as an error event and end their tick.
func (s *Store) withRetry(fn func() error) error {
	var err error
	for attempt := 1; attempt <= writeRetryAttempts; attempt++ {
		err = fn()
		if err == nil || !isBusy(err) {
			return err
		}
		s.log.Warn("store write contention, retrying",
			"attempt", attempt,
			"error", err)
		time.Sleep(time.Duration(attempt) * writeRetryBackoff)
	}
	return fmt.Errorf("store write failed after %d attempts: %w", writeRetryAttempts, err)
}

// inTx runs fn inside a transaction with busy retry around the whole unit.
func (s *Store) inTx(ctx context.Context, fn func(tx *sqlx.Tx) error) error {
	return s.withRetry(func() error {
		tx, err := s.db.BeginTxx(ctx, nil)
		if err != nil {
			return err
		}
		if err := fn(tx); err != nil {
			tx.Rollback()
			return err
		}
		return tx.Commit()
	})
}

// Optimize reclaims space and refreshes the query planner statistics. Run
// monthly by the scheduler.
func (s *Store) Optimize(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, "VACUUM"); err != nil {
		return fmt.Errorf("vacuum failed: %w", err)
	}
	if _, err := s.db.ExecContext(ctx, "ANALYZE"); err != nil {
		return fmt.Errorf("analyze failed: %w", err)
	}
	return nil
}
