package store

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/sirupsen/logrus"
	_ "modernc.org/sqlite"
)

// querier is satisfied by both *sql.DB and *sql.Tx
type querier interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// Queries holds every table operation, bound either to the database or to
// a single transaction.
type Queries struct {
	q   querier
	now func() time.Time
}

// Store is the local record store for accounts, folders, messages, assets
// and the event outbox
type Store struct {
	*Queries

	DB  *sql.DB
	log logrus.FieldLogger
	tx  *txExecutor
}

// Option configures a Store
type Option func(*Store)

// WithClock overrides the time source used for record timestamps
func WithClock(now func() time.Time) Option {
	return func(s *Store) {
		s.Queries.now = now
	}
}

// WithTxRetries overrides how often a busy write transaction is retried
func WithTxRetries(n int) Option {
	return func(s *Store) {
		s.tx.numRetries = n
	}
}

// Open opens or creates the record database and applies migrations
func Open(dbPath string, log logrus.FieldLogger, opts ...Option) (*Store, error) {
	dir := filepath.Dir(dbPath)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create directory: %w", err)
	}

	dsn := dbPath + "?_pragma=journal_mode(WAL)" +
		"&_pragma=synchronous(NORMAL)" +
		"&_pragma=busy_timeout(5000)" +
		"&_pragma=foreign_keys(1)" +
		"&_txlock=immediate"

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	db.SetMaxOpenConns(10)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(time.Hour)

	if err := applyMigrations(db, log); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to apply migrations: %w", err)
	}

	s := &Store{
		Queries: &Queries{q: db, now: time.Now},
		DB:      db,
		log:     log,
		tx:      newTxExecutor(db, log),
	}
	for _, opt := range opts {
		opt(s)
	}

	log.WithField("path", dbPath).Info("Record store opened")
	return s, nil
}

// Close closes the database connection
func (s *Store) Close() error {
	return s.DB.Close()
}

// Now returns the store's current time
func (s *Store) Now() time.Time {
	return s.Queries.now()
}

// ExecTx runs fn inside a write transaction. Busy and locked errors are
// retried with backoff; any other error rolls back and is returned.
func (s *Store) ExecTx(ctx context.Context, fn func(q *Queries) error) error {
	return s.tx.exec(ctx, func(tx *sql.Tx) error {
		return fn(&Queries{q: tx, now: s.Queries.now})
	})
}

func toMillis(t *time.Time) sql.NullInt64 {
	if t == nil || t.IsZero() {
		return sql.NullInt64{}
	}
	return sql.NullInt64{Int64: t.UnixMilli(), Valid: true}
}

func fromMillis(v sql.NullInt64) *time.Time {
	if !v.Valid {
		return nil
	}
	t := time.UnixMilli(v.Int64).UTC()
	return &t
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
