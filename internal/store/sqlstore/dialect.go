package sqlstore

import (
	"context"
	"database/sql"
	_ "embed"
	"errors"
	"fmt"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/mattn/go-sqlite3"

	"github.com/roach88/pairlock/internal/entity"
	"github.com/roach88/pairlock/internal/store"
)

//go:embed schema_sqlite.sql
var sqliteSchema string

//go:embed schema_postgres.sql
var postgresSchema string

// dialect captures what differs between SQL engines.
type dialect struct {
	name         string
	driver       string
	schema       string
	reset        []string
	maxOpenConns int
	readOnlyTx   bool

	// numbered rewrites ? placeholders to $n.
	numbered bool

	// lockSuffix is appended to SELECT statements for each lock mode.
	lockSuffix map[entity.LockMode]string

	lockTimeout func(time.Duration) string
	isolation   func(entity.IsolationLevel) (entity.IsolationLevel, sql.IsolationLevel, error)
	classify    func(error) error
}

// rebind rewrites ? placeholders for dialects using numbered parameters.
func (d *dialect) rebind(query string) string {
	if !d.numbered {
		return query
	}
	var b strings.Builder
	n := 0
	for _, r := range query {
		if r == '?' {
			n++
			b.WriteString("$" + strconv.Itoa(n))
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}

var sqliteDialect = &dialect{
	name:   "sqlite",
	driver: "sqlite3",
	schema: sqliteSchema,
	reset: []string{
		"DELETE FROM entities",
		"DELETE FROM sqlite_sequence WHERE name = 'entities'",
	},
	lockSuffix: map[entity.LockMode]string{},
	isolation: func(level entity.IsolationLevel) (entity.IsolationLevel, sql.IsolationLevel, error) {
		// Every SQLite transaction is serializable; the driver ignores the level.
		return entity.IsolationSerializable, sql.LevelDefault, nil
	},
	classify: classifySQLite,
}

var postgresDialect = &dialect{
	name:   "postgres",
	driver: "pgx",
	schema: postgresSchema,
	reset: []string{
		"TRUNCATE entities RESTART IDENTITY",
	},
	readOnlyTx: true,
	numbered:   true,
	lockSuffix: map[entity.LockMode]string{
		entity.LockShared:    " FOR SHARE",
		entity.LockExclusive: " FOR UPDATE",
	},
	lockTimeout: func(d time.Duration) string {
		return fmt.Sprintf("SET LOCAL lock_timeout = '%dms'", d.Milliseconds())
	},
	isolation: postgresIsolation,
	classify:  classifyPostgres,
}

// sqlitePragmas are the connection settings every SQLite connection gets.
// They travel in the DSN so each pooled connection is configured, not just
// the first.
//
//   - WAL mode for concurrent reads during writes
//   - NORMAL synchronous mode (balance durability/performance)
//   - busy timeout for lock contention
//   - Foreign key enforcement
//   - BEGIN IMMEDIATE so writers serialize at BEGIN rather than at first write
func sqliteDSN(path string, busy time.Duration) string {
	if busy <= 0 {
		busy = 5 * time.Second
	}
	q := url.Values{}
	q.Set("_journal_mode", "WAL")
	q.Set("_synchronous", "NORMAL")
	q.Set("_busy_timeout", strconv.FormatInt(busy.Milliseconds(), 10))
	q.Set("_foreign_keys", "on")
	q.Set("_txlock", "immediate")
	return "file:" + path + "?" + q.Encode()
}

// OpenSQLite creates or opens a SQLite database at path.
// Applies required pragmas and migrations automatically.
//
// This function is idempotent - safe to call multiple times.
func OpenSQLite(ctx context.Context, path string, opts Options) (*Store, error) {
	d := *sqliteDialect
	if path == ":memory:" || strings.Contains(path, "mode=memory") {
		// Each connection to :memory: is a separate database.
		d.maxOpenConns = 1
	}
	return open(ctx, &d, sqliteDSN(path, opts.LockWaitTimeout), opts)
}

// OpenPostgres connects to the Postgres server at dsn through pgx.
// The connection is retried with backoff per Options.PingRetries.
func OpenPostgres(ctx context.Context, dsn string, opts Options) (*Store, error) {
	return open(ctx, postgresDialect, dsn, opts)
}

// Open picks the dialect from backend ("sqlite" or "postgres").
func Open(ctx context.Context, backend, dsn string, opts Options) (*Store, error) {
	switch backend {
	case "sqlite", "sqlite3":
		return OpenSQLite(ctx, dsn, opts)
	case "postgres", "postgresql", "pgx":
		return OpenPostgres(ctx, dsn, opts)
	default:
		return nil, fmt.Errorf("unknown sql backend %q", backend)
	}
}

func postgresIsolation(level entity.IsolationLevel) (entity.IsolationLevel, sql.IsolationLevel, error) {
	switch level {
	case entity.IsolationDefault, entity.IsolationReadCommitted:
		return entity.IsolationReadCommitted, sql.LevelReadCommitted, nil
	case entity.IsolationReadUncommitted:
		// Postgres accepts the level but never shows uncommitted rows.
		return entity.IsolationReadCommitted, sql.LevelReadUncommitted, nil
	case entity.IsolationRepeatableRead:
		return entity.IsolationRepeatableRead, sql.LevelRepeatableRead, nil
	case entity.IsolationSerializable:
		return entity.IsolationSerializable, sql.LevelSerializable, nil
	default:
		return 0, 0, fmt.Errorf("%w: %s", store.ErrUnsupportedIsolation, level)
	}
}

// Postgres SQLSTATEs with a store meaning.
const (
	pgSerializationFailure = "40001"
	pgDeadlockDetected     = "40P01"
	pgLockNotAvailable     = "55P03"
)

func classifyPostgres(err error) error {
	if err == nil {
		return nil
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		switch pgErr.Code {
		case pgSerializationFailure, pgDeadlockDetected:
			return fmt.Errorf("%w: %s", store.ErrSerialization, pgErr.Message)
		case pgLockNotAvailable:
			return fmt.Errorf("%w: %s", store.ErrLockTimeout, pgErr.Message)
		}
	}
	return err
}

// classifySQLite maps SQLITE_BUSY and SQLITE_LOCKED to store.ErrLockTimeout.
// The driver returns them once busy_timeout, set from LockWaitTimeout, has
// run out waiting for the database write lock.
func classifySQLite(err error) error {
	if err == nil {
		return nil
	}
	var sqErr sqlite3.Error
	if errors.As(err, &sqErr) {
		switch sqErr.Code {
		case sqlite3.ErrBusy, sqlite3.ErrLocked:
			return fmt.Errorf("%w: %s", store.ErrLockTimeout, sqErr.Error())
		}
	}
	return err
}
