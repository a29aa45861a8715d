package store

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/roach88/pairlock/internal/entity"
)

// Backend-level errors. Business errors live in package entity.
var (
	// ErrTxDone is returned by any operation on a committed or rolled back transaction.
	ErrTxDone = errors.New("transaction already finished")

	// ErrLockTimeout is returned when a row lock could not be acquired in time.
	ErrLockTimeout = errors.New("lock wait timeout exceeded")

	// ErrSerialization is returned when the backend aborts a transaction to
	// preserve its isolation guarantees (serialization failure, deadlock victim).
	ErrSerialization = errors.New("serialization failure")

	// ErrUnsupportedIsolation is returned when a backend cannot honor the
	// requested isolation level.
	ErrUnsupportedIsolation = errors.New("isolation level not supported")

	// ErrReadOnly is returned by writes inside a read-only transaction.
	ErrReadOnly = errors.New("transaction is read-only")

	// ErrClosed is returned by Begin after Close.
	ErrClosed = errors.New("backend closed")
)

// TxOptions configures a transaction.
type TxOptions struct {
	Isolation entity.IsolationLevel
	ReadOnly  bool
}

// Backend opens transactions over the entities relation.
type Backend interface {
	// Begin opens a transaction. The caller must finish it with Commit or Rollback.
	Begin(ctx context.Context, opts TxOptions) (Tx, error)

	// Name identifies the backend in logs and scenario reports.
	Name() string

	// Close releases backend resources.
	Close() error
}

// Tx is a single transaction. A Tx is not safe for concurrent use; each
// worker owns its transaction.
type Tx interface {
	// Create inserts a new unlinked row and returns it with its generated id.
	Create(ctx context.Context, name string) (entity.Entity, error)

	// Fetch reads one row, taking the requested lock. Returns *entity.NotFoundError
	// when no row exists.
	Fetch(ctx context.Context, id entity.ID, mode entity.LockMode) (entity.Entity, error)

	// Save persists the full state of an existing row. An exclusive lock is
	// taken if the transaction does not already hold one.
	Save(ctx context.Context, e entity.Entity) error

	// Delete removes a row. Used by scenarios to provoke phantoms.
	Delete(ctx context.Context, id entity.ID) error

	// Query returns every row matching q ordered by id.
	Query(ctx context.Context, q Query, mode entity.LockMode) ([]entity.Entity, error)

	// Isolation reports the effective isolation level.
	Isolation() entity.IsolationLevel

	Commit() error
	Rollback() error
}

// QueryKind selects the predicate of a Query.
type QueryKind string

const (
	QueryByID       QueryKind = "id"
	QueryNamePrefix QueryKind = "name_prefix"
	QueryAll        QueryKind = "all"
)

// Query is a predicate over the entities relation.
type Query struct {
	Kind   QueryKind `json:"kind" yaml:"kind"`
	ID     entity.ID `json:"id,omitempty" yaml:"id,omitempty"`
	Prefix string    `json:"prefix,omitempty" yaml:"prefix,omitempty"`
}

// ByID selects a single row.
func ByID(id entity.ID) Query { return Query{Kind: QueryByID, ID: id} }

// NamePrefix selects rows whose name starts with prefix.
func NamePrefix(prefix string) Query { return Query{Kind: QueryNamePrefix, Prefix: prefix} }

// All selects every row.
func All() Query { return Query{Kind: QueryAll} }

// Match reports whether e satisfies the predicate.
func (q Query) Match(e entity.Entity) bool {
	switch q.Kind {
	case QueryByID:
		return e.ID == q.ID
	case QueryNamePrefix:
		return strings.HasPrefix(e.Name, q.Prefix)
	case QueryAll:
		return true
	}
	return false
}

// Validate checks the query is well formed.
func (q Query) Validate() error {
	switch q.Kind {
	case QueryByID, QueryAll:
		return nil
	case QueryNamePrefix:
		if q.Prefix == "" {
			return fmt.Errorf("name_prefix query requires a prefix")
		}
		return nil
	}
	return fmt.Errorf("unknown query kind %q", q.Kind)
}

// String renders the query for snapshot labels and logs.
func (q Query) String() string {
	switch q.Kind {
	case QueryByID:
		return fmt.Sprintf("id=%d", q.ID)
	case QueryNamePrefix:
		return fmt.Sprintf("name LIKE '%s%%'", q.Prefix)
	case QueryAll:
		return "all"
	}
	return string(q.Kind)
}
