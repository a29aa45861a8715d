package memstore

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/roach88/pairlock/internal/entity"
	"github.com/roach88/pairlock/internal/store"
)

// Compile-time contract assertions.
var (
	_ store.Backend = (*Store)(nil)
	_ store.Tx      = (*Tx)(nil)
)

// RepeatableReadMode selects how repeatable_read plain reads behave.
type RepeatableReadMode string

const (
	// RepeatableReadSnapshot reads a transaction-wide snapshot: no
	// non-repeatable reads and no phantoms (InnoDB, Postgres).
	RepeatableReadSnapshot RepeatableReadMode = "snapshot"

	// RepeatableReadRowPinning freezes rows individually: no non-repeatable
	// reads, but newly committed rows show up in range queries (ANSI).
	RepeatableReadRowPinning RepeatableReadMode = "row_pinning"
)

// ParseRepeatableReadMode parses a mode name. Empty means snapshot.
func ParseRepeatableReadMode(s string) (RepeatableReadMode, error) {
	switch RepeatableReadMode(strings.ToLower(strings.TrimSpace(s))) {
	case "", RepeatableReadSnapshot:
		return RepeatableReadSnapshot, nil
	case RepeatableReadRowPinning, "row-pinning":
		return RepeatableReadRowPinning, nil
	}
	return "", fmt.Errorf("unknown repeatable read mode %q", s)
}

// Options configures a Store.
type Options struct {
	// LockWaitTimeout bounds a single lock wait. Zero waits until the
	// caller's context is done.
	LockWaitTimeout time.Duration

	// RepeatableRead selects repeatable_read semantics. Defaults to snapshot.
	RepeatableRead RepeatableReadMode

	// DefaultIsolation is used when a transaction asks for IsolationDefault.
	// Defaults to read_committed.
	DefaultIsolation entity.IsolationLevel

	// Logger receives lock wait diagnostics. Nil discards.
	Logger *slog.Logger
}

// version is one committed state of a row.
type version struct {
	ts      int64
	value   entity.Entity
	deleted bool
}

// pendingWrite is an uncommitted write owned by the exclusive lock holder.
type pendingWrite struct {
	owner   int64
	value   entity.Entity
	deleted bool
}

type row struct {
	versions []version
	pending  *pendingWrite
}

// committedAt returns the newest version with ts <= readTS.
func (r *row) committedAt(readTS int64) (entity.Entity, bool) {
	for i := len(r.versions) - 1; i >= 0; i-- {
		v := r.versions[i]
		if v.ts > readTS {
			continue
		}
		if v.deleted {
			return entity.Entity{}, false
		}
		return v.value.Clone(), true
	}
	return entity.Entity{}, false
}

// Store is an in-process transactional store. All state is guarded by mu;
// lock waiters park on the changed channel, which is closed and replaced on
// every lock release.
type Store struct {
	mu      sync.Mutex
	rows    map[entity.ID]*row
	locks   map[entity.ID]*rowLock
	active  map[int64]*Tx
	changed chan struct{}
	nextID  entity.ID
	clock   int64
	txSeq   int64
	closed  bool

	opts   Options
	logger *slog.Logger
}

// New creates an empty store.
func New(opts Options) *Store {
	if opts.RepeatableRead == "" {
		opts.RepeatableRead = RepeatableReadSnapshot
	}
	if opts.DefaultIsolation == entity.IsolationDefault {
		opts.DefaultIsolation = entity.IsolationReadCommitted
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	return &Store{
		rows:    make(map[entity.ID]*row),
		locks:   make(map[entity.ID]*rowLock),
		active:  make(map[int64]*Tx),
		changed: make(chan struct{}),
		opts:    opts,
		logger:  logger,
	}
}

// Name implements store.Backend.
func (s *Store) Name() string {
	return "memory/" + string(s.opts.RepeatableRead)
}

// Close rejects further transactions. Open transactions may still finish.
func (s *Store) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	return nil
}

// Begin implements store.Backend.
func (s *Store) Begin(ctx context.Context, opts store.TxOptions) (store.Tx, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return nil, store.ErrClosed
	}

	iso := opts.Isolation
	if iso == entity.IsolationDefault {
		iso = s.opts.DefaultIsolation
	}

	s.txSeq++
	t := &Tx{
		s:        s,
		id:       s.txSeq,
		iso:      iso,
		readOnly: opts.ReadOnly,
		startTS:  s.clock,
		locks:    make(map[entity.ID]struct{}),
	}
	if t.pinning() {
		t.pinned = make(map[entity.ID]entity.Entity)
	}
	s.active[t.id] = t
	return t, nil
}

// Len returns the number of committed, non-deleted rows. Intended for tests.
func (s *Store) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, r := range s.rows {
		if _, ok := r.committedAt(s.clock); ok {
			n++
		}
	}
	return n
}

// sortedIDsLocked returns every known row id in ascending order.
func (s *Store) sortedIDsLocked() []entity.ID {
	ids := make([]entity.ID, 0, len(s.rows))
	for id := range s.rows {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids
}

// visibleLocked resolves what t sees of row id.
//
// Resolution order: own pending write, pinned value (row_pinning plain
// reads), dirty pending write (read_uncommitted plain reads), committed
// version at the read timestamp.
func (s *Store) visibleLocked(t *Tx, id entity.ID, locking bool) (entity.Entity, bool) {
	r := s.rows[id]
	if r == nil {
		return entity.Entity{}, false
	}

	if p := r.pending; p != nil && p.owner == t.id {
		if p.deleted {
			return entity.Entity{}, false
		}
		return p.value.Clone(), true
	}

	if !locking && t.pinned != nil {
		if v, ok := t.pinned[id]; ok {
			return v.Clone(), true
		}
	}

	if p := r.pending; p != nil && !locking && t.iso == entity.IsolationReadUncommitted {
		if p.deleted {
			return entity.Entity{}, false
		}
		return p.value.Clone(), true
	}

	readTS := s.clock
	if !locking && t.snapshotReads() {
		readTS = t.startTS
	}
	v, ok := r.committedAt(readTS)
	if ok && t.pinned != nil {
		t.pinned[id] = v.Clone()
	}
	return v, ok
}

// notifyLocked wakes every lock waiter.
func (s *Store) notifyLocked() {
	close(s.changed)
	s.changed = make(chan struct{})
}

// finishLocked applies or discards t's pending writes and releases its locks.
func (s *Store) finishLocked(t *Tx, commit bool) {
	var ts int64
	if commit && len(t.writes) > 0 {
		s.clock++
		ts = s.clock
	}

	for _, id := range t.writes {
		r := s.rows[id]
		if r == nil || r.pending == nil || r.pending.owner != t.id {
			continue
		}
		p := r.pending
		r.pending = nil
		if commit {
			r.versions = append(r.versions, version{ts: ts, value: p.value.Clone(), deleted: p.deleted})
		}
		if len(r.versions) == 0 {
			delete(s.rows, id)
		}
	}

	s.releaseLocksLocked(t)
	delete(s.active, t.id)
	t.done = true
	s.notifyLocked()
}
