// Package observe captures query results inside worker transactions and
// classifies the isolation phenomena they exhibit.
//
// Workers call Capture to run a read in their current transaction. The
// result is frozen into a Snapshot tagged with the worker and a logical
// step. Writes are recorded through NoteWrite / NoteCommit / NoteRollback so
// that Analyze can tell which transaction a changed value came from and
// whether it had committed when it was read. Analysis and assertions work
// only on snapshots and the write journal; they never query the store.
//
// Steps are taken from one shared clock. Across workers they are meaningful
// only where checkpoints separate the operations, which is how scenarios are
// written.
package observe

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"sync"

	"github.com/roach88/pairlock/internal/entity"
	"github.com/roach88/pairlock/internal/interleave"
	"github.com/roach88/pairlock/internal/store"
)

// Descriptor names a logical query. Two snapshots are comparable when they
// share a label.
type Descriptor struct {
	Label string          `yaml:"label" json:"label"`
	Query store.Query     `yaml:"query" json:"query"`
	Lock  entity.LockMode `yaml:"lock" json:"lock"`
}

// Snapshot is an immutable query result. Txn is the ordinal of the
// worker's transaction the query ran in; only snapshots sharing it are
// compared.
type Snapshot struct {
	Worker string
	Step   int64
	Txn    int64
	Label  string
	Query  store.Query
	Lock   entity.LockMode
	rows   []entity.Entity
}

// Rows returns a copy of the captured rows in id order.
func (s Snapshot) Rows() []entity.Entity {
	out := make([]entity.Entity, len(s.rows))
	for i, r := range s.rows {
		out[i] = r.Clone()
	}
	return out
}

// Names returns the captured names in id order.
func (s Snapshot) Names() []string {
	out := make([]string, len(s.rows))
	for i, r := range s.rows {
		out[i] = r.Name
	}
	return out
}

func (s Snapshot) row(id entity.ID) (entity.Entity, bool) {
	for _, r := range s.rows {
		if r.ID == id {
			return r, true
		}
	}
	return entity.Entity{}, false
}

func (s Snapshot) String() string {
	parts := make([]string, len(s.rows))
	for i, r := range s.rows {
		parts[i] = r.String()
	}
	return fmt.Sprintf("%s@%d %s [%s] -> [%s]", s.Worker, s.Step, s.Label, s.Query, strings.Join(parts, " "))
}

// WriteKind classifies a journaled write.
type WriteKind string

const (
	WriteInsert WriteKind = "insert"
	WriteUpdate WriteKind = "update"
	WriteDelete WriteKind = "delete"
)

// TxOutcome is the fate of a journaled write's transaction.
type TxOutcome string

const (
	OutcomePending    TxOutcome = "pending"
	OutcomeCommitted  TxOutcome = "committed"
	OutcomeRolledBack TxOutcome = "rolled_back"
)

// Write is one journaled row change. Before is nil for inserts and After is
// nil for deletes.
type Write struct {
	Worker     string
	Step       int64
	Kind       WriteKind
	Before     *entity.Entity
	After      *entity.Entity
	Outcome    TxOutcome
	ResolvedAt int64
}

// ID returns the id of the written row.
func (w Write) ID() entity.ID {
	if w.After != nil {
		return w.After.ID
	}
	return w.Before.ID
}

// openAt reports whether the write was made before step by a transaction
// that was still open at step.
func (w Write) openAt(step int64) bool {
	return w.Step < step && (w.Outcome == OutcomePending || w.ResolvedAt > step)
}

// committedBetween reports whether the write's transaction committed after
// from and before to.
func (w Write) committedBetween(from, to int64) bool {
	return w.Outcome == OutcomeCommitted && w.ResolvedAt > from && w.ResolvedAt < to
}

// Sequencer hands out strictly increasing steps.
type Sequencer interface {
	Next() int64
}

// Observer holds the snapshots and write journal of one run.
//
// Thread-safety: all methods are safe for concurrent use.
type Observer struct {
	clock  Sequencer
	logger *slog.Logger

	mu        sync.Mutex
	snapshots []Snapshot
	writes    []*Write
	txns      map[string]int64 // current transaction ordinal per worker
	commits   map[string]int64 // step of each worker's last NoteCommit
}

// Option configures an Observer.
type Option func(*Observer)

// WithSequencer sets the step clock. Share it with the coordinator to
// interleave snapshot steps with checkpoint events.
func WithSequencer(s Sequencer) Option {
	return func(o *Observer) {
		if s != nil {
			o.clock = s
		}
	}
}

// WithLogger sets the logger. Nil discards.
func WithLogger(l *slog.Logger) Option {
	return func(o *Observer) {
		if l != nil {
			o.logger = l
		}
	}
}

// New creates an empty Observer.
func New(opts ...Option) *Observer {
	o := &Observer{
		clock:   interleave.NewClock(),
		logger:  slog.New(slog.NewTextHandler(io.Discard, nil)),
		txns:    make(map[string]int64),
		commits: make(map[string]int64),
	}
	for _, opt := range opts {
		opt(o)
	}
	return o
}

// Capture runs d inside tx and records the result for the worker carried by
// ctx.
func (o *Observer) Capture(ctx context.Context, tx store.Tx, d Descriptor) (Snapshot, error) {
	worker, ok := interleave.WorkerFrom(ctx)
	if !ok {
		return Snapshot{}, fmt.Errorf("capture %q: %w", d.Label, interleave.ErrNoWorker)
	}
	if d.Label == "" {
		return Snapshot{}, fmt.Errorf("capture: descriptor label is required")
	}

	rows, err := tx.Query(ctx, d.Query, d.Lock)
	if err != nil {
		return Snapshot{}, fmt.Errorf("capture %q: %w", d.Label, err)
	}

	frozen := make([]entity.Entity, len(rows))
	for i, r := range rows {
		frozen[i] = r.Clone()
	}

	o.mu.Lock()
	snap := Snapshot{
		Worker: worker,
		Step:   o.clock.Next(),
		Txn:    o.txns[worker],
		Label:  d.Label,
		Query:  d.Query,
		Lock:   d.Lock,
		rows:   frozen,
	}
	o.snapshots = append(o.snapshots, snap)
	o.mu.Unlock()

	o.logger.Debug("snapshot captured",
		"worker", worker,
		"step", snap.Step,
		"label", d.Label,
		"rows", len(frozen),
	)
	return snap, nil
}

// NoteWrite journals a row change made by worker in its open transaction.
func (o *Observer) NoteWrite(worker string, kind WriteKind, before, after *entity.Entity) {
	w := &Write{Worker: worker, Kind: kind, Outcome: OutcomePending}
	if before != nil {
		b := before.Clone()
		w.Before = &b
	}
	if after != nil {
		a := after.Clone()
		w.After = &a
	}

	o.mu.Lock()
	defer o.mu.Unlock()
	w.Step = o.clock.Next()
	o.writes = append(o.writes, w)
}

// NoteBegin marks the start of a new transaction for worker. Snapshots
// taken before and after it are never compared with each other.
func (o *Observer) NoteBegin(worker string) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.txns[worker]++
}

// NoteCommit resolves the worker's pending writes as committed.
func (o *Observer) NoteCommit(worker string) { o.resolve(worker, OutcomeCommitted) }

// NoteRollback resolves the worker's pending writes as rolled back.
func (o *Observer) NoteRollback(worker string) { o.resolve(worker, OutcomeRolledBack) }

// NoteCommitFailed turns the writes resolved by the worker's last NoteCommit
// into rolled back writes. Call it when the commit itself returned an error.
func (o *Observer) NoteCommitFailed(worker string) {
	o.mu.Lock()
	defer o.mu.Unlock()
	at, ok := o.commits[worker]
	if !ok {
		return
	}
	delete(o.commits, worker)
	step := o.clock.Next()
	for _, w := range o.writes {
		if w.Worker == worker && w.Outcome == OutcomeCommitted && w.ResolvedAt == at {
			w.Outcome = OutcomeRolledBack
			w.ResolvedAt = step
		}
	}
}

// resolve ends the worker's current transaction.
func (o *Observer) resolve(worker string, outcome TxOutcome) {
	o.mu.Lock()
	defer o.mu.Unlock()
	step := o.clock.Next()
	for _, w := range o.writes {
		if w.Worker == worker && w.Outcome == OutcomePending {
			w.Outcome = outcome
			w.ResolvedAt = step
		}
	}
	if outcome == OutcomeCommitted {
		o.commits[worker] = step
	} else {
		delete(o.commits, worker)
	}
	o.txns[worker]++
}

// Snapshots returns every snapshot in step order.
func (o *Observer) Snapshots() []Snapshot {
	o.mu.Lock()
	defer o.mu.Unlock()
	return append([]Snapshot(nil), o.snapshots...)
}

// Writes returns a copy of the write journal in step order.
func (o *Observer) Writes() []Write {
	o.mu.Lock()
	defer o.mu.Unlock()
	out := make([]Write, len(o.writes))
	for i, w := range o.writes {
		out[i] = *w
	}
	return out
}

// Series returns the snapshots worker took of label, in step order.
func (o *Observer) Series(worker, label string) []Snapshot {
	o.mu.Lock()
	defer o.mu.Unlock()
	var out []Snapshot
	for _, s := range o.snapshots {
		if s.Worker == worker && s.Label == label {
			out = append(out, s)
		}
	}
	return out
}
