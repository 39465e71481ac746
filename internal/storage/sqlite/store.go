// Package sqlite implements the storage gateway over a single SQLite file.
//
// The database opens in WAL mode with foreign keys on, mirroring the
// busy-timeout and synchronous settings used across the platform. Embedded
// migrations are applied at open so callers never coordinate schema state
// themselves.
package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"path/filepath"
	"strings"
	"time"

	"github.com/lorekeep/lorekeep/internal/platform/storage/sqlitemigrate"
	"github.com/lorekeep/lorekeep/internal/platform/timeouts"
	"github.com/lorekeep/lorekeep/internal/storage"
	"github.com/lorekeep/lorekeep/internal/storage/sqlite/migrations"
	_ "modernc.org/sqlite"
)

const (
	retryBackoffInitial = 50 * time.Millisecond
	retryBackoffMax     = 500 * time.Millisecond
)

// toMillis normalizes timestamps into millisecond precision for storage.
func toMillis(value time.Time) int64 {
	return value.UTC().UnixMilli()
}

// fromMillis restores millisecond precision and keeps UTC normalization.
func fromMillis(value int64) time.Time {
	return time.UnixMilli(value).UTC()
}

// dbtx abstracts *sql.DB and *sql.Tx so every query runs unchanged inside
// or outside a transaction.
type dbtx interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// queries binds every entity query to a dbtx. It satisfies storage.Stores
// so the same implementation backs both transactional and auto-committing
// access.
type queries struct {
	db dbtx
}

// Sessions returns the session store bound to this handle.
func (q *queries) Sessions() storage.SessionStore { return q }

// Ledgers returns the ledger store bound to this handle.
func (q *queries) Ledgers() storage.LedgerStore { return q }

// Identities returns the identity store bound to this handle.
func (q *queries) Identities() storage.IdentityStore { return q }

// Parties returns the party store bound to this handle.
func (q *queries) Parties() storage.PartyStore { return q }

// txHandle is the scoped transaction handle handed to units of work.
type txHandle struct {
	*queries
	hooks []func()
}

// OnCommit registers fn to run after a successful commit.
func (t *txHandle) OnCommit(fn func()) {
	if fn != nil {
		t.hooks = append(t.hooks, fn)
	}
}

// Store provides a SQLite-backed storage gateway.
type Store struct {
	sqlDB *sql.DB
}

// Open opens the adventure SQLite store at the provided path and applies
// bundled migrations.
func Open(path string) (*Store, error) {
	if strings.TrimSpace(path) == "" {
		return nil, fmt.Errorf("storage path is required")
	}

	cleanPath := filepath.Clean(path)
	dsn := cleanPath + "?_pragma=journal_mode(WAL)&_pragma=foreign_keys(ON)&_pragma=busy_timeout(5000)&_pragma=synchronous(NORMAL)"
	sqlDB, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite db: %w", err)
	}

	if err := sqlDB.Ping(); err != nil {
		_ = sqlDB.Close()
		return nil, fmt.Errorf("ping sqlite db: %w", err)
	}

	if err := sqlitemigrate.ApplyMigrations(sqlDB, migrations.AdventureFS, "adventure"); err != nil {
		_ = sqlDB.Close()
		return nil, fmt.Errorf("run migrations: %w", err)
	}

	return &Store{sqlDB: sqlDB}, nil
}

// Close closes the underlying SQLite database.
//
// Close is intentionally nil-safe so callers can defer it in all startup paths.
func (s *Store) Close() error {
	if s == nil || s.sqlDB == nil {
		return nil
	}
	return s.sqlDB.Close()
}

// View returns auto-committing stores for reads and single-statement
// operations. Single UPDATE statements are atomic in SQLite, so callers
// that need exactly one guarded write can skip the transaction ceremony.
func (s *Store) View() storage.Stores {
	return &queries{db: s.sqlDB}
}

// Execute runs op inside one transaction and retries transient failures.
//
// Each attempt is bounded: when the incoming context carries no deadline,
// timeouts.StoreCall applies per attempt, and expiry surfaces as
// storage.ErrTimeout so the retry policy treats it like any other transient
// class. Commit hooks registered through the handle run only after a
// successful commit.
func (s *Store) Execute(ctx context.Context, maxAttempts int, op func(ctx context.Context, tx storage.Tx) error) error {
	if s == nil || s.sqlDB == nil {
		return fmt.Errorf("storage is not configured")
	}
	if op == nil {
		return fmt.Errorf("transaction op is required")
	}
	if ctx == nil {
		ctx = context.Background()
	}
	if maxAttempts < 1 {
		maxAttempts = 1
	}

	backoff := retryBackoffInitial
	var lastErr error
	for attempt := 1; attempt <= maxAttempts; attempt++ {
		err := s.executeOnce(ctx, op)
		if err == nil {
			return nil
		}
		lastErr = err
		if !storage.IsTransient(err) || attempt == maxAttempts {
			return err
		}

		select {
		case <-ctx.Done():
			return fmt.Errorf("execute transaction: %w", ctx.Err())
		case <-time.After(backoff):
		}
		if backoff < retryBackoffMax {
			backoff *= 2
			if backoff > retryBackoffMax {
				backoff = retryBackoffMax
			}
		}
	}
	return lastErr
}

// executeOnce performs one bounded attempt: begin, run op, commit or roll
// back, then fire commit hooks.
func (s *Store) executeOnce(ctx context.Context, op func(ctx context.Context, tx storage.Tx) error) error {
	attemptCtx := ctx
	if _, ok := ctx.Deadline(); !ok {
		var cancel context.CancelFunc
		attemptCtx, cancel = context.WithTimeout(ctx, timeouts.StoreCall)
		defer cancel()
	}

	tx, err := s.sqlDB.BeginTx(attemptCtx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", s.classify(ctx, err))
	}
	defer tx.Rollback()

	handle := &txHandle{queries: &queries{db: tx}}
	if err := op(attemptCtx, handle); err != nil {
		return s.classify(ctx, err)
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit: %w", s.classify(ctx, err))
	}

	for _, hook := range handle.hooks {
		hook()
	}
	return nil
}

// classify maps attempt-deadline expiry onto storage.ErrTimeout. The parent
// context is consulted so caller cancellation is never rewritten into a
// retryable error.
func (s *Store) classify(parent context.Context, err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, context.DeadlineExceeded) && parent.Err() == nil {
		return fmt.Errorf("%w: %v", storage.ErrTimeout, err)
	}
	return err
}
