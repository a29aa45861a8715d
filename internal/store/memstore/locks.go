package memstore

import (
	"context"
	"fmt"
	"time"

	"github.com/roach88/pairlock/internal/entity"
	"github.com/roach88/pairlock/internal/store"
)

// rowLock is the lock state of one row. exclusive is the holder's tx id, or 0.
type rowLock struct {
	shared    map[int64]struct{}
	exclusive int64
}

func (l *rowLock) idle() bool {
	return l.exclusive == 0 && len(l.shared) == 0
}

// blockersLocked returns the transactions preventing t from taking mode on id.
// An empty result means the lock can be granted.
func (s *Store) blockersLocked(t *Tx, id entity.ID, mode entity.LockMode) []int64 {
	l := s.locks[id]
	if l == nil {
		return nil
	}
	if l.exclusive == t.id {
		return nil
	}
	if l.exclusive != 0 {
		return []int64{l.exclusive}
	}
	if mode == entity.LockShared {
		return nil
	}
	var blockers []int64
	for holder := range l.shared {
		if holder != t.id {
			blockers = append(blockers, holder)
		}
	}
	return blockers
}

// grantLocked records the lock. Callers must have checked blockersLocked.
func (s *Store) grantLocked(t *Tx, id entity.ID, mode entity.LockMode) {
	l := s.locks[id]
	if l == nil {
		l = &rowLock{shared: make(map[int64]struct{})}
		s.locks[id] = l
	}
	switch mode {
	case entity.LockShared:
		if l.exclusive != t.id {
			l.shared[t.id] = struct{}{}
		}
	case entity.LockExclusive:
		l.exclusive = t.id
		delete(l.shared, t.id)
	}
	t.locks[id] = struct{}{}
}

// acquireLocked takes mode on id for t, waiting for conflicting holders.
// s.mu is held on entry and on return; it is released while parked.
func (s *Store) acquireLocked(ctx context.Context, t *Tx, id entity.ID, mode entity.LockMode) error {
	if mode == entity.LockNone {
		return nil
	}

	var deadline <-chan time.Time
	if s.opts.LockWaitTimeout > 0 {
		timer := time.NewTimer(s.opts.LockWaitTimeout)
		defer timer.Stop()
		deadline = timer.C
	}

	var start time.Time
	defer func() { t.waitFor = nil }()

	for {
		blockers := s.blockersLocked(t, id, mode)
		if len(blockers) == 0 {
			s.grantLocked(t, id, mode)
			if !start.IsZero() {
				s.logger.Debug("lock granted after wait",
					"tx", t.id,
					"entity_id", id,
					"mode", mode.String(),
					"waited", time.Since(start),
				)
			}
			return nil
		}

		t.waitFor = blockers
		if s.deadlockLocked(t) {
			s.logger.Debug("deadlock detected", "tx", t.id, "entity_id", id, "mode", mode.String())
			return fmt.Errorf("lock %s on %d: deadlock detected: %w", mode, id, store.ErrSerialization)
		}

		if start.IsZero() {
			start = time.Now()
			s.logger.Debug("lock wait",
				"tx", t.id,
				"entity_id", id,
				"mode", mode.String(),
				"blockers", blockers,
			)
		}

		ch := s.changed
		s.mu.Unlock()
		select {
		case <-ch:
			s.mu.Lock()
		case <-ctx.Done():
			s.mu.Lock()
			return fmt.Errorf("lock %s on %d: %w", mode, id, context.Cause(ctx))
		case <-deadline:
			s.mu.Lock()
			return fmt.Errorf("lock %s on %d after %s: %w", mode, id, s.opts.LockWaitTimeout, store.ErrLockTimeout)
		}

		if t.done {
			return store.ErrTxDone
		}
	}
}

// deadlockLocked reports whether t's pending wait closes a cycle in the
// wait-for graph.
func (s *Store) deadlockLocked(t *Tx) bool {
	seen := make(map[int64]bool)
	var reaches func(id int64) bool
	reaches = func(id int64) bool {
		if id == t.id {
			return true
		}
		if seen[id] {
			return false
		}
		seen[id] = true
		other := s.active[id]
		if other == nil {
			return false
		}
		for _, next := range other.waitFor {
			if reaches(next) {
				return true
			}
		}
		return false
	}
	for _, b := range t.waitFor {
		if reaches(b) {
			return true
		}
	}
	return false
}

// releaseLocksLocked drops every lock held by t.
func (s *Store) releaseLocksLocked(t *Tx) {
	for id := range t.locks {
		l := s.locks[id]
		if l == nil {
			continue
		}
		delete(l.shared, t.id)
		if l.exclusive == t.id {
			l.exclusive = 0
		}
		if l.idle() {
			delete(s.locks, id)
		}
	}
	t.locks = make(map[entity.ID]struct{})
}
