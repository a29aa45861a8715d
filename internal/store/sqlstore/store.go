package sqlstore

import (
	"context"
	"database/sql"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"time"

	"github.com/sethvargo/go-retry"

	"github.com/roach88/pairlock/internal/entity"
	"github.com/roach88/pairlock/internal/store"
)

// Compile-time contract assertions.
var (
	_ store.Backend = (*Store)(nil)
	_ store.Tx      = (*Tx)(nil)
)

// Options configures a Store.
type Options struct {
	// LockWaitTimeout bounds row lock waits (postgres lock_timeout, sqlite
	// busy_timeout). Zero uses the dialect default.
	LockWaitTimeout time.Duration

	// PingRetries is the number of connection retries on Open, with
	// Fibonacci backoff starting at PingBackoff.
	PingRetries uint64
	PingBackoff time.Duration

	// MaxOpenConns caps the pool. Zero uses the dialect default.
	MaxOpenConns int

	// Logger receives backend diagnostics. Nil discards.
	Logger *slog.Logger
}

func (o Options) withDefaults() Options {
	if o.PingBackoff <= 0 {
		o.PingBackoff = 200 * time.Millisecond
	}
	if o.Logger == nil {
		o.Logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	return o
}

// Store is a database/sql backed store.Backend.
type Store struct {
	db      *sql.DB
	dialect *dialect
	opts    Options
	logger  *slog.Logger
}

// open wires a *sql.DB to a dialect, waits for the server and applies the schema.
func open(ctx context.Context, d *dialect, dsn string, opts Options) (*Store, error) {
	opts = opts.withDefaults()

	db, err := sql.Open(d.driver, dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	if err := pingWithRetry(ctx, db, opts); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}

	if opts.MaxOpenConns > 0 {
		db.SetMaxOpenConns(opts.MaxOpenConns)
		db.SetMaxIdleConns(opts.MaxOpenConns)
	} else if d.maxOpenConns > 0 {
		db.SetMaxOpenConns(d.maxOpenConns)
		db.SetMaxIdleConns(d.maxOpenConns)
	}

	if err := applySchema(ctx, db, d); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to apply schema: %w", err)
	}

	opts.Logger.Debug("store opened", "dialect", d.name)
	return &Store{db: db, dialect: d, opts: opts, logger: opts.Logger}, nil
}

// pingWithRetry waits for the database to accept connections. Useful when
// the server is still starting (containers, CI services).
func pingWithRetry(ctx context.Context, db *sql.DB, opts Options) error {
	b := retry.WithMaxRetries(opts.PingRetries, retry.NewFibonacci(opts.PingBackoff))
	attempt := 0
	return retry.Do(ctx, b, func(ctx context.Context) error {
		attempt++
		if err := db.PingContext(ctx); err != nil {
			opts.Logger.Debug("ping failed", "attempt", attempt, "error", err)
			return retry.RetryableError(err)
		}
		return nil
	})
}

// applySchema creates the table and its indexes if they don't exist.
// This function is idempotent.
func applySchema(ctx context.Context, db *sql.DB, d *dialect) error {
	for _, stmt := range splitStatements(d.schema) {
		if _, err := db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("failed to execute schema: %w", err)
		}
	}
	return nil
}

// splitStatements splits a schema script on semicolons, dropping blanks.
func splitStatements(script string) []string {
	var out []string
	for _, stmt := range strings.Split(script, ";") {
		if s := strings.TrimSpace(stmt); s != "" {
			out = append(out, s)
		}
	}
	return out
}

// Name implements store.Backend.
func (s *Store) Name() string {
	return s.dialect.name
}

// Close closes the database connection.
func (s *Store) Close() error {
	if s.db == nil {
		return nil
	}
	return s.db.Close()
}

// DB returns the underlying sql.DB for direct queries.
// Use with caution - prefer using Tx methods when available.
func (s *Store) DB() *sql.DB {
	return s.db
}

// Reset removes every row and restarts id generation. Intended for tests and
// scenario setup.
func (s *Store) Reset(ctx context.Context) error {
	for _, stmt := range s.dialect.reset {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("reset: %w", s.dialect.classify(err))
		}
	}
	return nil
}

// Begin implements store.Backend.
func (s *Store) Begin(ctx context.Context, opts store.TxOptions) (store.Tx, error) {
	effective, level, err := s.dialect.isolation(opts.Isolation)
	if err != nil {
		return nil, err
	}

	sqlTx, err := s.db.BeginTx(ctx, &sql.TxOptions{Isolation: level, ReadOnly: opts.ReadOnly && s.dialect.readOnlyTx})
	if err != nil {
		return nil, fmt.Errorf("begin: %w", s.dialect.classify(err))
	}

	if s.dialect.lockTimeout != nil && s.opts.LockWaitTimeout > 0 {
		if _, err := sqlTx.ExecContext(ctx, s.dialect.lockTimeout(s.opts.LockWaitTimeout)); err != nil {
			_ = sqlTx.Rollback()
			return nil, fmt.Errorf("set lock timeout: %w", s.dialect.classify(err))
		}
	}

	if effective != opts.Isolation && opts.Isolation != entity.IsolationDefault {
		s.logger.Debug("isolation level upgraded",
			"dialect", s.dialect.name,
			"requested", opts.Isolation.String(),
			"effective", effective.String(),
		)
	}

	return &Tx{s: s, tx: sqlTx, iso: effective, readOnly: opts.ReadOnly}, nil
}
