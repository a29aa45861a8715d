// Package sqlstore implements store.Backend over database/sql.
//
// Two dialects are supported:
//
//   - sqlite (github.com/mattn/go-sqlite3): WAL journal, busy_timeout for
//     lock contention, foreign keys on, and BEGIN IMMEDIATE for every
//     transaction. SQLite locks the whole database rather than rows, so
//     every transaction is effectively serializable and lock hints are
//     satisfied by the write lock taken at BEGIN.
//   - postgres (github.com/jackc/pgx/v5/stdlib): row locks through
//     SELECT ... FOR SHARE / FOR UPDATE, per-transaction isolation levels,
//     lock_timeout for bounded lock waits. Postgres runs read_uncommitted as
//     read_committed.
//
// Driver errors are classified into store.ErrLockTimeout and
// store.ErrSerialization so that callers never need to inspect SQLSTATEs or
// SQLite result codes.
//
// # Schema
//
//	entities(id PK generated, name TEXT NOT NULL, partner_id NULL -> entities.id)
//
// The schema, indexes included, is applied on Open and is idempotent.
package sqlstore
