package memstore

import (
	"context"
	"fmt"

	"github.com/roach88/pairlock/internal/entity"
	"github.com/roach88/pairlock/internal/store"
)

// Tx is a memstore transaction.
type Tx struct {
	s        *Store
	id       int64
	iso      entity.IsolationLevel
	readOnly bool
	startTS  int64
	done     bool

	locks   map[entity.ID]struct{}
	writes  []entity.ID
	pinned  map[entity.ID]entity.Entity
	waitFor []int64
}

// ID returns the transaction's sequence number.
func (t *Tx) ID() int64 { return t.id }

// Isolation implements store.Tx.
func (t *Tx) Isolation() entity.IsolationLevel { return t.iso }

func (t *Tx) snapshotReads() bool {
	switch t.iso {
	case entity.IsolationSerializable:
		return true
	case entity.IsolationRepeatableRead:
		return t.s.opts.RepeatableRead == RepeatableReadSnapshot
	}
	return false
}

func (t *Tx) pinning() bool {
	return t.iso == entity.IsolationRepeatableRead && t.s.opts.RepeatableRead == RepeatableReadRowPinning
}

func (t *Tx) checkLocked(write bool) error {
	if t.done {
		return store.ErrTxDone
	}
	if write && t.readOnly {
		return store.ErrReadOnly
	}
	return nil
}

func (t *Tx) recordWrite(id entity.ID) {
	for _, w := range t.writes {
		if w == id {
			return
		}
	}
	t.writes = append(t.writes, id)
}

// Create implements store.Tx.
func (t *Tx) Create(ctx context.Context, name string) (entity.Entity, error) {
	s := t.s
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := t.checkLocked(true); err != nil {
		return entity.Entity{}, err
	}
	if err := ctx.Err(); err != nil {
		return entity.Entity{}, err
	}

	s.nextID++
	e := entity.Entity{ID: s.nextID, Name: name}
	s.rows[e.ID] = &row{pending: &pendingWrite{owner: t.id, value: e.Clone()}}
	s.grantLocked(t, e.ID, entity.LockExclusive)
	t.recordWrite(e.ID)
	return e, nil
}

// Fetch implements store.Tx.
func (t *Tx) Fetch(ctx context.Context, id entity.ID, mode entity.LockMode) (entity.Entity, error) {
	s := t.s
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := t.checkLocked(false); err != nil {
		return entity.Entity{}, err
	}

	if mode != entity.LockNone {
		if _, ok := s.rows[id]; !ok {
			return entity.Entity{}, entity.NewNotFound(id)
		}
		if err := s.acquireLocked(ctx, t, id, mode); err != nil {
			return entity.Entity{}, fmt.Errorf("fetch %d: %w", id, err)
		}
	}

	e, ok := s.visibleLocked(t, id, mode != entity.LockNone)
	if !ok {
		return entity.Entity{}, entity.NewNotFound(id)
	}
	return e, nil
}

// Save implements store.Tx.
func (t *Tx) Save(ctx context.Context, e entity.Entity) error {
	s := t.s
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := t.checkLocked(true); err != nil {
		return err
	}
	if _, ok := s.rows[e.ID]; !ok {
		return entity.NewNotFound(e.ID)
	}
	if err := s.acquireLocked(ctx, t, e.ID, entity.LockExclusive); err != nil {
		return fmt.Errorf("save %d: %w", e.ID, err)
	}
	if _, ok := s.visibleLocked(t, e.ID, true); !ok {
		return entity.NewNotFound(e.ID)
	}

	s.rows[e.ID].pending = &pendingWrite{owner: t.id, value: e.Clone()}
	t.recordWrite(e.ID)
	return nil
}

// Delete implements store.Tx.
func (t *Tx) Delete(ctx context.Context, id entity.ID) error {
	s := t.s
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := t.checkLocked(true); err != nil {
		return err
	}
	if _, ok := s.rows[id]; !ok {
		return entity.NewNotFound(id)
	}
	if err := s.acquireLocked(ctx, t, id, entity.LockExclusive); err != nil {
		return fmt.Errorf("delete %d: %w", id, err)
	}
	current, ok := s.visibleLocked(t, id, true)
	if !ok {
		return entity.NewNotFound(id)
	}

	s.rows[id].pending = &pendingWrite{owner: t.id, value: current, deleted: true}
	t.recordWrite(id)
	return nil
}

// Query implements store.Tx.
func (t *Tx) Query(ctx context.Context, q store.Query, mode entity.LockMode) ([]entity.Entity, error) {
	if err := q.Validate(); err != nil {
		return nil, err
	}

	s := t.s
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := t.checkLocked(false); err != nil {
		return nil, err
	}

	locking := mode != entity.LockNone
	out := []entity.Entity{}
	for _, id := range s.sortedIDsLocked() {
		if q.Kind == store.QueryByID && id != q.ID {
			continue
		}
		e, ok := s.visibleLocked(t, id, locking)
		if !ok || !q.Match(e) {
			continue
		}
		if locking {
			if err := s.acquireLocked(ctx, t, id, mode); err != nil {
				return nil, fmt.Errorf("query %s: %w", q, err)
			}
			// The row may have changed while we waited.
			e, ok = s.visibleLocked(t, id, true)
			if !ok || !q.Match(e) {
				continue
			}
		}
		out = append(out, e)
	}
	return out, nil
}

// Commit implements store.Tx.
func (t *Tx) Commit() error {
	s := t.s
	s.mu.Lock()
	defer s.mu.Unlock()

	if t.done {
		return store.ErrTxDone
	}
	s.finishLocked(t, true)
	return nil
}

// Rollback implements store.Tx.
func (t *Tx) Rollback() error {
	s := t.s
	s.mu.Lock()
	defer s.mu.Unlock()

	if t.done {
		return store.ErrTxDone
	}
	s.finishLocked(t, false)
	return nil
}
