package harness

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/roach88/pairlock/internal/entity"
	"github.com/roach88/pairlock/internal/interleave"
	"github.com/roach88/pairlock/internal/observe"
	"github.com/roach88/pairlock/internal/pairing"
	"github.com/roach88/pairlock/internal/store"
	"github.com/roach88/pairlock/internal/store/memstore"
	"github.com/roach88/pairlock/internal/store/sqlstore"
)

// Runner defaults.
const (
	DefaultCheckpointTimeout = 2 * time.Second
	DefaultLockWaitTimeout   = time.Second
	DefaultRunTimeout        = 30 * time.Second
)

// BackendFactory opens a fresh, empty backend for one scenario run. The
// returned cleanup is called after the run.
type BackendFactory func(ctx context.Context, s *Scenario, runID string) (store.Backend, func(), error)

// Runner executes scenarios.
//
// Each run gets a fresh backend, a fresh coordinator and observer sharing
// one step clock, and a pairing service over the backend.
type Runner struct {
	logger            *slog.Logger
	metrics           *pairing.Metrics
	serviceOpts       []pairing.Option
	factory           BackendFactory
	postgresDSN       string
	tempDir           string
	checkpointTimeout time.Duration
	lockWaitTimeout   time.Duration
	runTimeout        time.Duration
}

// Option configures a Runner.
type Option func(*Runner)

// WithLogger sets the logger. Nil discards.
func WithLogger(l *slog.Logger) Option {
	return func(r *Runner) {
		if l != nil {
			r.logger = l
		}
	}
}

// WithMetrics records pairing operations of every run.
func WithMetrics(m *pairing.Metrics) Option {
	return func(r *Runner) { r.metrics = m }
}

// WithServiceOptions configures the pairing service of every run. They are
// applied after the runner's logger and metrics.
func WithServiceOptions(opts ...pairing.Option) Option {
	return func(r *Runner) { r.serviceOpts = append(r.serviceOpts, opts...) }
}

// WithBackendFactory replaces backend construction.
func WithBackendFactory(f BackendFactory) Option {
	return func(r *Runner) { r.factory = f }
}

// WithPostgresDSN sets the database postgres scenarios run against. The
// entities table is reset before each run.
func WithPostgresDSN(dsn string) Option {
	return func(r *Runner) { r.postgresDSN = dsn }
}

// WithTempDir sets where sqlite scenario databases are created.
func WithTempDir(dir string) Option {
	return func(r *Runner) { r.tempDir = dir }
}

// WithTimeouts overrides the defaults used when a scenario leaves a bound
// unset. Zero keeps the current value.
func WithTimeouts(checkpoint, lockWait, run time.Duration) Option {
	return func(r *Runner) {
		if checkpoint > 0 {
			r.checkpointTimeout = checkpoint
		}
		if lockWait > 0 {
			r.lockWaitTimeout = lockWait
		}
		if run > 0 {
			r.runTimeout = run
		}
	}
}

// NewRunner creates a Runner.
func NewRunner(opts ...Option) *Runner {
	r := &Runner{
		logger:            slog.New(slog.NewTextHandler(io.Discard, nil)),
		checkpointTimeout: DefaultCheckpointTimeout,
		lockWaitTimeout:   DefaultLockWaitTimeout,
		runTimeout:        DefaultRunTimeout,
	}
	for _, opt := range opts {
		opt(r)
	}
	if r.factory == nil {
		r.factory = r.openBackend
	}
	return r
}

// Run executes a scenario with a default Runner.
func Run(ctx context.Context, s *Scenario) (*Result, error) {
	return NewRunner().Run(ctx, s)
}

// Run executes a scenario and returns the result.
//
// Execution flow:
// 1. Open a fresh backend and seed it
// 2. Run every worker concurrently under the coordinator
// 3. Classify phenomena from the captured snapshots
// 4. Read the committed final state
// 5. Evaluate assertions
//
// The error is non-nil when the run could not be set up, or when it ended in
// a harness failure (checkpoint or run timeout). In the latter case the
// result is returned too, with HarnessFailure set and no assertions
// evaluated. Assertion failures are reported only through the result.
func (r *Runner) Run(ctx context.Context, s *Scenario) (*Result, error) {
	id, err := uuid.NewV7()
	if err != nil {
		return nil, fmt.Errorf("failed to generate run id: %w", err)
	}
	runID := id.String()
	logger := r.logger.With("scenario", s.Name, "run_id", runID)

	backend, cleanup, err := r.factory(ctx, s, runID)
	if err != nil {
		return nil, fmt.Errorf("failed to open backend: %w", err)
	}
	defer cleanup()

	svcOpts := append([]pairing.Option{pairing.WithLogger(logger), pairing.WithMetrics(r.metrics)}, r.serviceOpts...)
	svc := pairing.New(backend, svcOpts...)
	if err := seed(ctx, backend, svc, s); err != nil {
		return nil, fmt.Errorf("failed to seed: %w", err)
	}

	clock := interleave.NewClock()
	coord := interleave.New(
		interleave.WithCheckpointTimeout(orDefault(s.CheckpointTimeout, r.checkpointTimeout)),
		interleave.WithRunTimeout(orDefault(s.Timeout, r.runTimeout)),
		interleave.WithSequencer(clock),
		interleave.WithLogger(logger),
	)
	for _, cp := range s.Checkpoints {
		arrivals := cp.Arrivals
		if arrivals == 0 {
			arrivals = len(s.Workers)
		}
		if err := coord.Define(cp.Name, arrivals); err != nil {
			return nil, err
		}
	}

	x := &execution{
		backend: backend,
		svc:     svc,
		coord:   coord,
		obs:     observe.New(observe.WithSequencer(clock), observe.WithLogger(logger)),
		logger:  logger,
	}

	workers := make([]interleave.Worker, len(s.Workers))
	for i, spec := range s.Workers {
		workers[i] = x.worker(spec)
	}

	logger.Info("scenario started", "backend", backend.Name(), "workers", len(workers))
	report, failure := coord.Run(ctx, workers...)
	if report == nil {
		return nil, failure
	}

	result := NewResult(s.Name)
	result.RunID = runID
	result.Backend = backend.Name()

	snaps := x.obs.Snapshots()
	findings := x.obs.Analyze()
	result.Trace = buildTrace(report.Events, snaps, x.obs.Writes())
	for _, sn := range snaps {
		result.Snapshots = append(result.Snapshots, snapshotView(sn))
	}
	result.Findings = append(result.Findings, findings...)
	for _, o := range report.Outcomes {
		wr := WorkerResult{Worker: o.Worker, Code: ErrorCode(o.Err), Cancelled: o.Cancelled}
		if o.Err != nil {
			wr.Error = o.Err.Error()
		}
		result.Workers = append(result.Workers, wr)
	}
	for _, msg := range x.failures() {
		result.AddError(msg)
	}

	if failure != nil {
		result.SetHarnessFailure(failure)
		logger.Warn("scenario aborted", "error", failure)
		return result, failure
	}

	state, err := finalState(ctx, backend)
	if err != nil {
		return nil, fmt.Errorf("failed to read final state: %w", err)
	}
	result.State = state

	for _, err := range evaluate(s, result, snaps, findings) {
		result.AddError(err.Error())
	}

	logger.Info("scenario finished", "pass", result.Pass, "findings", len(findings), "errors", len(result.Errors))
	return result, nil
}

// openBackend is the default BackendFactory.
func (r *Runner) openBackend(ctx context.Context, s *Scenario, runID string) (store.Backend, func(), error) {
	lockWait := orDefault(s.LockWaitTimeout, r.lockWaitTimeout)

	switch s.Backend {
	case "", BackendMemory:
		b := memstore.New(memstore.Options{
			LockWaitTimeout: lockWait,
			RepeatableRead:  s.RepeatableRead,
			Logger:          r.logger,
		})
		return b, func() { _ = b.Close() }, nil

	case BackendSQLite:
		dir := r.tempDir
		owned := false
		if dir == "" {
			var err error
			if dir, err = os.MkdirTemp("", "pairlock-"); err != nil {
				return nil, nil, fmt.Errorf("failed to create temp dir: %w", err)
			}
			owned = true
		}
		b, err := sqlstore.OpenSQLite(ctx, filepath.Join(dir, runID+".db"), sqlstore.Options{
			LockWaitTimeout: lockWait,
			Logger:          r.logger,
		})
		if err != nil {
			if owned {
				_ = os.RemoveAll(dir)
			}
			return nil, nil, err
		}
		return b, func() {
			_ = b.Close()
			if owned {
				_ = os.RemoveAll(dir)
			}
		}, nil

	case BackendPostgres:
		if r.postgresDSN == "" {
			return nil, nil, fmt.Errorf("scenario %q needs a postgres DSN", s.Name)
		}
		b, err := sqlstore.OpenPostgres(ctx, r.postgresDSN, sqlstore.Options{
			LockWaitTimeout: lockWait,
			Logger:          r.logger,
		})
		if err != nil {
			return nil, nil, err
		}
		if err := b.Reset(ctx); err != nil {
			_ = b.Close()
			return nil, nil, err
		}
		return b, func() { _ = b.Close() }, nil
	}
	return nil, nil, fmt.Errorf("unknown backend %q", s.Backend)
}

// seed creates the seed rows in one transaction and applies the links.
func seed(ctx context.Context, b store.Backend, svc *pairing.Service, s *Scenario) error {
	err := store.RunInTx(ctx, b, store.TxOptions{}, func(tx store.Tx) error {
		for i, name := range s.Seed {
			e, err := tx.Create(ctx, name)
			if err != nil {
				return err
			}
			if e.ID != entity.ID(i+1) {
				return fmt.Errorf("seed %q got id %d, want %d (backend not empty?)", name, e.ID, i+1)
			}
		}
		return nil
	})
	if err != nil {
		return err
	}
	for _, l := range s.Links {
		if err := svc.Link(ctx, l[0], l[1]); err != nil {
			return fmt.Errorf("link %d %d: %w", l[0], l[1], err)
		}
	}
	return nil
}

// finalState reads every committed row.
func finalState(ctx context.Context, b store.Backend) ([]entity.Entity, error) {
	var rows []entity.Entity
	err := store.RunInTx(ctx, b, store.TxOptions{Isolation: entity.IsolationReadCommitted, ReadOnly: true}, func(tx store.Tx) error {
		var err error
		rows, err = tx.Query(ctx, store.All(), entity.LockNone)
		return err
	})
	if rows == nil {
		rows = []entity.Entity{}
	}
	return rows, err
}

// execution is the per-run state shared by the workers.
type execution struct {
	backend store.Backend
	svc     *pairing.Service
	coord   *interleave.Coordinator
	obs     *observe.Observer
	logger  *slog.Logger

	mu     sync.Mutex
	errors []string
}

func (x *execution) addFailure(msg string) {
	x.mu.Lock()
	defer x.mu.Unlock()
	x.errors = append(x.errors, msg)
}

func (x *execution) failures() []string {
	x.mu.Lock()
	defer x.mu.Unlock()
	return append([]string(nil), x.errors...)
}

// workerState is owned by one worker goroutine.
type workerState struct {
	name  string
	guard *store.Guard
}

func (w *workerState) tx() (store.Tx, error) {
	if w.guard == nil || w.guard.Done() {
		return nil, ErrNoTx
	}
	return w.guard.Tx(), nil
}

func (x *execution) worker(spec WorkerSpec) interleave.Worker {
	return interleave.Worker{Name: spec.Name, Fn: func(ctx context.Context) error {
		w := &workerState{name: spec.Name}
		defer x.abandon(w)

		for i, st := range spec.Steps {
			err := x.step(ctx, w, st)
			if err = x.checkExpected(w, i, st, err); err != nil {
				return &StepError{Worker: w.name, Index: i + 1, Op: st.Op, Err: err}
			}
		}
		return nil
	}}
}

// checkExpected compares a step result with its expect_error. A mismatch is
// an assertion failure and ends the worker.
func (x *execution) checkExpected(w *workerState, i int, st Step, err error) error {
	if st.ExpectError == "" {
		return err
	}
	got := ErrorCode(err)
	if got == st.ExpectError {
		x.logger.Debug("step failed as expected", "worker", w.name, "step", i+1, "code", got)
		return nil
	}
	actual := "success"
	if err != nil {
		actual = fmt.Sprintf("%s (%v)", got, err)
	}
	x.addFailure((&observe.AssertionError{
		Type:     "step",
		Expected: fmt.Sprintf("worker %s step %d (%s) fails with %s", w.name, i+1, st.Op, st.ExpectError),
		Actual:   actual,
	}).Error())
	return &UnexpectedResultError{Expected: st.ExpectError, Actual: actual}
}

// abandon rolls back a transaction the script left open.
func (x *execution) abandon(w *workerState) {
	if w.guard == nil || w.guard.Done() {
		return
	}
	w.guard.Release()
	x.obs.NoteRollback(w.name)
	x.logger.Debug("open transaction rolled back", "worker", w.name)
}

func (x *execution) step(ctx context.Context, w *workerState, st Step) error {
	switch st.Op {
	case OpBegin:
		if w.guard != nil && !w.guard.Done() {
			return ErrTxOpen
		}
		tx, err := x.backend.Begin(ctx, store.TxOptions{Isolation: st.Isolation, ReadOnly: st.ReadOnly})
		if err != nil {
			return err
		}
		w.guard = store.NewGuard(tx)
		x.obs.NoteBegin(w.name)
		return nil

	case OpCommit:
		if _, err := w.tx(); err != nil {
			return err
		}
		// Journaled before the commit so a committed value is never
		// attributed to an open transaction.
		x.obs.NoteCommit(w.name)
		if err := w.guard.Commit(); err != nil {
			x.obs.NoteCommitFailed(w.name)
			return err
		}
		return nil

	case OpRollback:
		if _, err := w.tx(); err != nil {
			return err
		}
		err := w.guard.Rollback()
		x.obs.NoteRollback(w.name)
		return err

	case OpArrive:
		return x.coord.Arrive(ctx, st.Checkpoint)

	case OpCapture:
		tx, err := w.tx()
		if err != nil {
			return err
		}
		_, err = x.obs.Capture(ctx, tx, observe.Descriptor{Label: st.Label, Query: *st.Query, Lock: st.Lock})
		return err

	case OpFetch:
		tx, err := w.tx()
		if err != nil {
			return err
		}
		e, err := tx.Fetch(ctx, st.ID, st.Lock)
		if err != nil {
			return err
		}
		x.logger.Debug("fetched", "worker", w.name, "entity_id", e.ID, "lock", st.Lock)
		return nil

	case OpRename:
		tx, err := w.tx()
		if err != nil {
			return err
		}
		before, err := tx.Fetch(ctx, st.ID, entity.LockExclusive)
		if err != nil {
			return err
		}
		after := before.Clone()
		after.Name = st.Name
		if err := tx.Save(ctx, after); err != nil {
			return err
		}
		x.obs.NoteWrite(w.name, observe.WriteUpdate, &before, &after)
		return nil

	case OpInsert:
		tx, err := w.tx()
		if err != nil {
			return err
		}
		e, err := tx.Create(ctx, st.Name)
		if err != nil {
			return err
		}
		x.obs.NoteWrite(w.name, observe.WriteInsert, nil, &e)
		return nil

	case OpDelete:
		tx, err := w.tx()
		if err != nil {
			return err
		}
		before, err := tx.Fetch(ctx, st.ID, entity.LockExclusive)
		if err != nil {
			return err
		}
		if err := tx.Delete(ctx, st.ID); err != nil {
			return err
		}
		x.obs.NoteWrite(w.name, observe.WriteDelete, &before, nil)
		return nil

	case OpCreate:
		_, err := x.svc.Create(ctx, st.Name)
		return err

	case OpGet:
		_, err := x.svc.Get(ctx, st.ID)
		return err

	case OpLink:
		return x.svc.Link(ctx, st.ID, st.Other)

	case OpUpdate:
		_, err := x.svc.Update(ctx, st.ID, st.Name)
		return err
	}
	return fmt.Errorf("unknown op %q", st.Op)
}

// buildTrace merges checkpoint events, snapshots and the write journal by step.
func buildTrace(events []interleave.Event, snaps []observe.Snapshot, writes []observe.Write) []TraceEvent {
	trace := make([]TraceEvent, 0, len(events)+len(snaps)+len(writes))
	for _, e := range events {
		trace = append(trace, TraceEvent{Seq: e.Seq, Type: string(e.Kind), Worker: e.Worker, Detail: e.Checkpoint})
	}
	for _, s := range snaps {
		trace = append(trace, TraceEvent{
			Seq:    s.Step,
			Type:   "snapshot",
			Worker: s.Worker,
			Detail: fmt.Sprintf("%s [%s] -> [%s]", s.Label, s.Query, strings.Join(s.Names(), ", ")),
		})
	}

	type resolution struct {
		worker string
		step   int64
	}
	resolved := make(map[resolution]bool)
	for _, w := range writes {
		trace = append(trace, TraceEvent{Seq: w.Step, Type: "write", Worker: w.Worker, Detail: describeWrite(w)})
		key := resolution{w.Worker, w.ResolvedAt}
		if w.Outcome == observe.OutcomePending || resolved[key] {
			continue
		}
		resolved[key] = true
		kind := "commit"
		if w.Outcome == observe.OutcomeRolledBack {
			kind = "rollback"
		}
		trace = append(trace, TraceEvent{Seq: w.ResolvedAt, Type: kind, Worker: w.Worker})
	}

	sort.SliceStable(trace, func(i, j int) bool { return trace[i].Seq < trace[j].Seq })
	return trace
}

func describeWrite(w observe.Write) string {
	switch w.Kind {
	case observe.WriteInsert:
		return fmt.Sprintf("insert %s", w.After)
	case observe.WriteDelete:
		return fmt.Sprintf("delete %s", w.Before)
	}
	return fmt.Sprintf("update %s -> %s", w.Before, w.After)
}

func snapshotView(s observe.Snapshot) SnapshotView {
	return SnapshotView{
		Worker: s.Worker,
		Step:   s.Step,
		Label:  s.Label,
		Query:  s.Query.String(),
		Lock:   s.Lock,
		Rows:   s.Rows(),
	}
}

func orDefault(v, def time.Duration) time.Duration {
	if v > 0 {
		return v
	}
	return def
}

// IsHarnessFailure reports whether err returned by Run is a harness failure
// rather than a setup error.
func IsHarnessFailure(err error) bool {
	return err != nil && interleave.IsHarnessFailure(err)
}
