// Package memstore provides an in-process transactional row store for the
// entities relation.
//
// It exists so that pairing logic and isolation scenarios can run against a
// store whose concurrency behavior is fully specified and deterministic,
// without provisioning a database server.
//
// # Versions
//
// Every committed write appends a version stamped with a monotonic commit
// timestamp. A row also carries at most one pending (uncommitted) write,
// owned by the transaction holding its exclusive lock.
//
// # Isolation Levels
//
//   - read_uncommitted: plain reads see other transactions' pending writes
//   - read_committed: plain reads see the latest committed version at read time
//   - repeatable_read (snapshot mode): plain reads see the snapshot taken at Begin
//   - repeatable_read (row_pinning mode): each row is frozen at its first read,
//     but range queries still see rows committed later (phantoms)
//   - serializable: snapshot reads; locking reads serialize writers
//
// Locking reads (shared or exclusive) always return the latest committed
// version, like InnoDB's locking reads. A transaction always sees its own
// writes.
//
// # Locks
//
// Shared and exclusive row locks are held until Commit or Rollback. Waiters
// block until the holder finishes, their context is cancelled, or the
// configured lock wait timeout elapses. A wait that would close a cycle in
// the wait-for graph fails immediately with store.ErrSerialization.
package memstore
