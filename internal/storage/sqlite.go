package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/golang-migrate/migrate/v4"
	migratesqlite "github.com/golang-migrate/migrate/v4/database/sqlite"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	msqlite "modernc.org/sqlite"
	sqlite3lib "modernc.org/sqlite/lib"

	"samuraibot/internal/storage/migrations"
)

var (
	// ErrAccountNotFound is returned by Get for a key that was never referenced.
	ErrAccountNotFound = errors.New("account not found")
	// ErrInsufficientFunds is returned when a delta would leave a negative balance.
	ErrInsufficientFunds = errors.New("insufficient funds")
	// ErrBusy marks a transient write conflict; the operation may be retried.
	ErrBusy = errors.New("storage busy")
	// ErrMissingPrecedent is returned when Delta.AfterOp is not recorded.
	ErrMissingPrecedent = errors.New("preceding ledger operation not recorded")
)

// Options configures Open.
type Options struct {
	Path         string
	BusyTimeout  time.Duration
	MaxOpenConns int
	Defaults     Defaults
	// Now overrides the clock used for timestamps. Defaults to time.Now.
	Now func() time.Time
}

// Store is the SQLite-backed account store. It is safe for concurrent use.
type Store struct {
	db       *sql.DB
	defaults Defaults
	now      func() time.Time
}

func toMillis(value time.Time) int64 {
	return value.UTC().UnixMilli()
}

func fromMillis(value int64) time.Time {
	return time.UnixMilli(value).UTC()
}

// Open opens the database with WAL journaling and immediate write
// transactions, then applies the embedded migrations.
func Open(ctx context.Context, opts Options) (*Store, error) {
	path := strings.TrimSpace(opts.Path)
	if path == "" {
		return nil, fmt.Errorf("storage path is required")
	}
	if opts.BusyTimeout <= 0 {
		opts.BusyTimeout = 5 * time.Second
	}
	if opts.Defaults == (Defaults{}) {
		opts.Defaults = DefaultStartingBalance
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}

	memory := path == ":memory:"
	if !memory {
		abs, err := filepath.Abs(path)
		if err != nil {
			return nil, fmt.Errorf("resolve storage path: %w", err)
		}
		path = abs
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return nil, fmt.Errorf("create storage dir: %w", err)
		}
	}

	dsn := fmt.Sprintf("file:%s?_txlock=immediate&_pragma=busy_timeout(%d)&_pragma=foreign_keys(1)&_pragma=synchronous(NORMAL)",
		path, opts.BusyTimeout.Milliseconds())
	if !memory {
		dsn += "&_pragma=journal_mode(WAL)"
	}

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite db: %w", err)
	}

	// Every pooled connection to ":memory:" would see its own empty database.
	switch {
	case memory:
		db.SetMaxOpenConns(1)
	case opts.MaxOpenConns > 0:
		db.SetMaxOpenConns(opts.MaxOpenConns)
	}

	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping sqlite db: %w", err)
	}

	if err := runMigrations(db); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("run migrations: %w", err)
	}

	return &Store{db: db, defaults: opts.Defaults, now: opts.Now}, nil
}

// runMigrations applies the embedded schema. The migrate instance is not
// closed because closing it would close the shared *sql.DB.
func runMigrations(db *sql.DB) error {
	src, err := iofs.New(migrations.FS, ".")
	if err != nil {
		return fmt.Errorf("load migrations: %w", err)
	}

	drv, err := migratesqlite.WithInstance(db, &migratesqlite.Config{})
	if err != nil {
		return fmt.Errorf("migration driver: %w", err)
	}

	m, err := migrate.NewWithInstance("iofs", src, "sqlite", drv)
	if err != nil {
		return fmt.Errorf("migration instance: %w", err)
	}

	if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return fmt.Errorf("apply: %w", err)
	}

	return nil
}

// Close closes the database handle.
func (s *Store) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

// Defaults returns the starting balance applied to new accounts.
func (s *Store) Defaults() Defaults {
	return s.defaults
}

// withTx runs fn inside an immediate transaction.
// It commits if fn returns nil, otherwise it rolls back.
func (s *Store) withTx(ctx context.Context, fn func(*sql.Tx) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return classify(fmt.Errorf("begin tx: %w", err))
	}

	if err := fn(tx); err != nil {
		if rbErr := tx.Rollback(); rbErr != nil && !errors.Is(rbErr, sql.ErrTxDone) {
			return classify(fmt.Errorf("rollback after fn error: %v (fn err: %w)", rbErr, err))
		}
		return classify(err)
	}

	if err := tx.Commit(); err != nil {
		return classify(fmt.Errorf("commit tx: %w", err))
	}

	return nil
}

// classify tags SQLite lock contention with ErrBusy so callers can retry.
func classify(err error) error {
	if err == nil || errors.Is(err, ErrBusy) || !isBusy(err) {
		return err
	}
	return fmt.Errorf("%w: %w", ErrBusy, err)
}

func isBusy(err error) bool {
	var sqliteErr *msqlite.Error
	if errors.As(err, &sqliteErr) {
		switch sqliteErr.Code() & 0xff {
		case sqlite3lib.SQLITE_BUSY, sqlite3lib.SQLITE_LOCKED:
			return true
		}
		return false
	}
	message := strings.ToLower(err.Error())
	return strings.Contains(message, "database is locked") || strings.Contains(message, "database table is locked")
}

type rowScanner interface {
	Scan(dest ...any) error
}

type queryer interface {
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}
