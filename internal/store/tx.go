package store

import (
	"context"
	"errors"
	"fmt"
)

// RunInTx runs fn inside a transaction opened on b.
//
// The transaction is committed when fn returns nil and rolled back otherwise.
// A panic inside fn rolls back and re-panics. The error returned by fn is
// returned unwrapped so callers can match business errors directly.
func RunInTx(ctx context.Context, b Backend, opts TxOptions, fn func(Tx) error) (err error) {
	tx, err := b.Begin(ctx, opts)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}

	committed := false
	defer func() {
		if committed {
			return
		}
		if p := recover(); p != nil {
			_ = tx.Rollback()
			panic(p)
		}
		if rbErr := tx.Rollback(); rbErr != nil && !errors.Is(rbErr, ErrTxDone) {
			err = errors.Join(err, fmt.Errorf("rollback: %w", rbErr))
		}
	}()

	if err = fn(tx); err != nil {
		return err
	}

	if err = tx.Commit(); err != nil {
		return fmt.Errorf("commit: %w", err)
	}
	committed = true
	return nil
}

// Guard ties a manually managed transaction to a deferred cleanup. Workers
// that keep a transaction open across checkpoints use it so that any early
// return still rolls back.
//
//	g := store.NewGuard(tx)
//	defer g.Release()
//	...
//	return g.Commit()
type Guard struct {
	tx   Tx
	done bool
}

// NewGuard wraps tx.
func NewGuard(tx Tx) *Guard {
	return &Guard{tx: tx}
}

// Tx returns the guarded transaction.
func (g *Guard) Tx() Tx { return g.tx }

// Done reports whether the transaction has been finished.
func (g *Guard) Done() bool { return g.done }

// Commit commits and marks the guard done.
func (g *Guard) Commit() error {
	if g.done {
		return ErrTxDone
	}
	g.done = true
	return g.tx.Commit()
}

// Rollback rolls back and marks the guard done.
func (g *Guard) Rollback() error {
	if g.done {
		return ErrTxDone
	}
	g.done = true
	return g.tx.Rollback()
}

// Release rolls back if the transaction is still open. Safe to defer.
func (g *Guard) Release() {
	if !g.done {
		_ = g.Rollback()
	}
}
