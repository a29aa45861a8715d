// Package store defines the transactional storage capability used by pairlock.
//
// A Backend opens transactions; a Tx is the only handle through which rows
// can be fetched, created, saved, queried or deleted. Because Save is a method
// of the transaction that took the row lock, a write outside the locking
// transaction cannot be expressed.
//
// # Lock Modes
//
//   - LockNone: consistent read, never blocks on row locks
//   - LockShared: compatible with other shared holders, blocks writers
//   - LockExclusive: blocks every other locking reader and writer
//
// Locks live until Commit or Rollback. They are never released early.
//
// # Scoped Transactions
//
// RunInTx opens a transaction, hands it to a callback and guarantees exactly
// one of Commit or Rollback on every exit path, including panics:
//
//	err := store.RunInTx(ctx, backend, store.TxOptions{}, func(tx store.Tx) error {
//	    e, err := tx.Fetch(ctx, id, entity.LockExclusive)
//	    if err != nil {
//	        return err // rolled back
//	    }
//	    e.Name = "Heisenberg"
//	    return tx.Save(ctx, e) // committed when nil
//	})
//
// Implementations live in subpackages:
//   - memstore: in-process row store with a lock table and MVCC versions
//   - sqlstore: database/sql backend with sqlite and postgres dialects
package store
