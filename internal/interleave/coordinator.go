package interleave

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"time"
)

// DefaultCheckpointTimeout bounds a single Arrive.
const DefaultCheckpointTimeout = 5 * time.Second

// EventKind classifies coordinator events.
type EventKind string

const (
	EventArrive  EventKind = "arrive"
	EventRelease EventKind = "release"
	EventTimeout EventKind = "timeout"
)

// Event is one entry of the coordinator's log.
type Event struct {
	Seq        int64     `json:"seq"`
	Kind       EventKind `json:"kind"`
	Checkpoint string    `json:"checkpoint"`
	Worker     string    `json:"worker,omitempty"`
}

// CheckpointState summarizes a checkpoint after (or during) a run.
type CheckpointState struct {
	Name     string   `json:"name"`
	Expected int      `json:"expected"`
	Arrived  []string `json:"arrived"`
	Released bool     `json:"released"`
}

type checkpoint struct {
	name     string
	expected int
	arrived  map[string]struct{}
	order    []string
	released bool
	release  chan struct{}
}

// Coordinator drives workers through named rendezvous checkpoints.
//
// A checkpoint releases all of its waiters together once the expected number
// of distinct workers has arrived. Every Arrive is bounded; the first bound
// to elapse raises *CheckpointTimeoutError and cancels the run context, so
// every other blocked worker (in Arrive or in a store lock wait) returns at
// once.
//
// Thread-safety: all methods are safe for concurrent use.
type Coordinator struct {
	timeout    time.Duration
	runTimeout time.Duration
	clock      Sequencer
	logger     *slog.Logger

	mu          sync.Mutex
	checkpoints map[string]*checkpoint
	defined     []string
	events      []Event
	ctx         context.Context
	cancel      context.CancelCauseFunc
	failure     error
	ran         bool
}

// Option configures a Coordinator.
type Option func(*Coordinator)

// WithCheckpointTimeout sets the bound of a single Arrive.
func WithCheckpointTimeout(d time.Duration) Option {
	return func(c *Coordinator) {
		if d > 0 {
			c.timeout = d
		}
	}
}

// WithRunTimeout bounds a whole Run. Zero means unbounded.
func WithRunTimeout(d time.Duration) Option {
	return func(c *Coordinator) { c.runTimeout = d }
}

// WithLogger sets the logger. Nil discards.
func WithLogger(l *slog.Logger) Option {
	return func(c *Coordinator) {
		if l != nil {
			c.logger = l
		}
	}
}

// WithSequencer replaces the event clock.
func WithSequencer(s Sequencer) Option {
	return func(c *Coordinator) {
		if s != nil {
			c.clock = s
		}
	}
}

// New creates a Coordinator with no checkpoints.
func New(opts ...Option) *Coordinator {
	c := &Coordinator{
		timeout:     DefaultCheckpointTimeout,
		clock:       NewClock(),
		logger:      slog.New(slog.NewTextHandler(io.Discard, nil)),
		checkpoints: make(map[string]*checkpoint),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Define registers a checkpoint expecting the given number of arrivals.
// Checkpoints must be defined before workers start.
func (c *Coordinator) Define(name string, expected int) error {
	if name == "" {
		return fmt.Errorf("checkpoint name must not be empty")
	}
	if expected < 1 {
		return fmt.Errorf("checkpoint %q: expected arrivals must be positive, got %d", name, expected)
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if _, ok := c.checkpoints[name]; ok {
		return fmt.Errorf("%w: %q", ErrDuplicateCheckpoint, name)
	}
	c.checkpoints[name] = &checkpoint{
		name:     name,
		expected: expected,
		arrived:  make(map[string]struct{}),
		release:  make(chan struct{}),
	}
	c.defined = append(c.defined, name)
	return nil
}

// Arrive blocks the worker carried by ctx until the checkpoint releases.
//
// Returns nil on release, a usage error for re-entry or late arrival,
// *CheckpointTimeoutError when this checkpoint's bound elapses, or the run's
// cancellation cause when another failure cancelled the run.
func (c *Coordinator) Arrive(ctx context.Context, name string) error {
	worker, ok := WorkerFrom(ctx)
	if !ok {
		return fmt.Errorf("arrive %q: %w", name, ErrNoWorker)
	}

	c.mu.Lock()
	cp := c.checkpoints[name]
	switch {
	case cp == nil:
		c.mu.Unlock()
		return fmt.Errorf("arrive %q: %w", name, ErrUnknownCheckpoint)
	case c.failure != nil:
		err := c.failure
		c.mu.Unlock()
		return fmt.Errorf("arrive %q: %w", name, err)
	case cp.released:
		c.mu.Unlock()
		return fmt.Errorf("arrive %q by %s: %w", name, worker, ErrCheckpointReleased)
	}
	if _, dup := cp.arrived[worker]; dup {
		c.mu.Unlock()
		return fmt.Errorf("arrive %q by %s: %w", name, worker, ErrReentry)
	}

	cp.arrived[worker] = struct{}{}
	cp.order = append(cp.order, worker)
	c.recordLocked(EventArrive, name, worker)

	if len(cp.arrived) == cp.expected {
		cp.released = true
		close(cp.release)
		c.recordLocked(EventRelease, name, "")
		c.logger.Debug("checkpoint released", "checkpoint", name, "workers", cp.order)
		c.mu.Unlock()
		return nil
	}

	var (
		runCtx  context.Context
		runDone <-chan struct{}
	)
	if c.ctx != nil {
		runCtx = c.ctx
		runDone = c.ctx.Done()
	}
	c.logger.Debug("worker waiting",
		"checkpoint", name,
		"worker", worker,
		"arrived", len(cp.arrived),
		"expected", cp.expected,
	)
	c.mu.Unlock()

	timer := time.NewTimer(c.timeout)
	defer timer.Stop()

	select {
	case <-cp.release:
		return nil
	case <-timer.C:
		return c.expire(cp)
	case <-runDone:
		return fmt.Errorf("arrive %q: %w", name, context.Cause(runCtx))
	case <-ctx.Done():
		return fmt.Errorf("arrive %q: %w", name, context.Cause(ctx))
	}
}

// expire raises the timeout for cp unless it released meanwhile. The first
// failure of a run cancels every other worker.
func (c *Coordinator) expire(cp *checkpoint) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if cp.released {
		return nil
	}
	err := &CheckpointTimeoutError{
		Name:     cp.name,
		Arrived:  len(cp.arrived),
		Expected: cp.expected,
		Waiting:  append([]string(nil), cp.order...),
	}
	if c.failure == nil {
		c.failure = err
		c.recordLocked(EventTimeout, cp.name, "")
		c.logger.Warn("checkpoint timed out, cancelling run",
			"checkpoint", cp.name,
			"arrived", err.Arrived,
			"expected", err.Expected,
			"timeout", c.timeout,
		)
		if c.cancel != nil {
			c.cancel(err)
		}
	}
	return err
}

func (c *Coordinator) recordLocked(kind EventKind, checkpoint, worker string) {
	c.events = append(c.events, Event{
		Seq:        c.clock.Next(),
		Kind:       kind,
		Checkpoint: checkpoint,
		Worker:     worker,
	})
}

// Failure returns the harness failure recorded for the run, if any.
func (c *Coordinator) Failure() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.failure
}

// Events returns a copy of the event log in seq order.
func (c *Coordinator) Events() []Event {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]Event(nil), c.events...)
}

// States returns every checkpoint in definition order.
func (c *Coordinator) States() []CheckpointState {
	c.mu.Lock()
	defer c.mu.Unlock()

	out := make([]CheckpointState, 0, len(c.defined))
	for _, name := range c.defined {
		cp := c.checkpoints[name]
		out = append(out, CheckpointState{
			Name:     cp.name,
			Expected: cp.expected,
			Arrived:  append([]string{}, cp.order...),
			Released: cp.released,
		})
	}
	return out
}
