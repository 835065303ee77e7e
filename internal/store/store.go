// Package store implements the persistence layer: a single-writer SQLite
// database opened in WAL mode, embedded schema migrations, and busy-retry
// helpers shared by the queue registry and the lifecycle engine.
package store

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	_ "modernc.org/sqlite" // pure-Go SQLite driver
)

const (
	// readRetryAttempts bounds busy retries for read-only operations.
	// Writes are never retried here; the client owns write retries so
	// idempotency semantics stay with the caller.
	readRetryAttempts = 3
	readRetryBackoff  = 10 * time.Millisecond
)

// Store wraps the SQLite database file. SQLite allows one writer at a
// time; the connection pool is limited to a single connection and write
// transactions additionally serialize through an in-process mutex so a
// busy writer queues instead of burning busy-timeout budget.
type Store struct {
	db *sql.DB
	mu sync.Mutex

	busyEvents atomic.Uint64
}

// Open opens (or creates) the database at path with the recommended
// pragmas and applies embedded migrations.
func Open(path string) (*Store, error) {
	if dir := filepath.Dir(path); dir != "." && dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("create db dir %s: %w", dir, err)
		}
	}

	db, err := openDB(path)
	if err != nil {
		return nil, err
	}

	if err := Migrate(db); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate %s: %w", path, err)
	}

	return &Store{db: db}, nil
}

// openDB opens a SQLite database at path with WAL journal mode,
// synchronous=NORMAL, foreign_keys=ON and busy_timeout=5000.
func openDB(path string) (*sql.DB, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open db %s: %w", path, err)
	}

	// Single-writer: only one connection needed.
	db.SetMaxOpenConns(1)

	pragmas := []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA synchronous=NORMAL",
		"PRAGMA foreign_keys=ON",
		"PRAGMA busy_timeout=5000",
	}
	for _, p := range pragmas {
		if _, err := db.Exec(p); err != nil {
			db.Close()
			return nil, fmt.Errorf("exec %q on %s: %w", p, path, err)
		}
	}

	return db, nil
}

// DB exposes the underlying handle for single-statement reads.
func (s *Store) DB() *sql.DB {
	return s.db
}

// Write runs fn inside a write transaction. The transaction is rolled
// back if fn returns an error or the context is cancelled.
func (s *Store) Write(ctx context.Context, fn func(tx *sql.Tx) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return s.classify(fmt.Errorf("begin tx: %w", err))
	}
	if err := fn(tx); err != nil {
		_ = tx.Rollback()
		return s.classify(err)
	}
	if err := tx.Commit(); err != nil {
		return s.classify(fmt.Errorf("commit tx: %w", err))
	}
	return nil
}

// Read runs fn against the database, retrying on busy-timeout up to
// readRetryAttempts times. fn must be read-only and idempotent.
func (s *Store) Read(ctx context.Context, fn func(db *sql.DB) error) error {
	var err error
	for attempt := 0; attempt < readRetryAttempts; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(time.Duration(attempt) * readRetryBackoff):
			}
		}
		err = s.classify(fn(s.db))
		if err == nil || !IsBusy(err) {
			return err
		}
	}
	return err
}

// BusyEvents returns the cumulative count of busy-timeout errors seen.
// The adapter samples it to detect writer saturation.
func (s *Store) BusyEvents() uint64 {
	return s.busyEvents.Load()
}

// Compact reclaims free pages and truncates the WAL. Advisory; safe to
// run while the store is serving requests.
func (s *Store) Compact(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, err := s.db.ExecContext(ctx, "VACUUM"); err != nil {
		return s.classify(fmt.Errorf("vacuum: %w", err))
	}
	if _, err := s.db.ExecContext(ctx, "PRAGMA wal_checkpoint(TRUNCATE)"); err != nil {
		return s.classify(fmt.Errorf("wal checkpoint: %w", err))
	}
	return nil
}

// Close closes the database handle.
func (s *Store) Close() error {
	return s.db.Close()
}

// classify normalizes driver errors to the package sentinels and counts
// busy events for the overload signal.
func (s *Store) classify(err error) error {
	err = mapError(err)
	if IsBusy(err) {
		s.busyEvents.Add(1)
	}
	return err
}
