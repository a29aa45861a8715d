package interleave

import (
	"context"
	"fmt"

	"golang.org/x/sync/errgroup"
)

type workerKey struct{}

// WithWorker returns a context carrying the worker identity Arrive uses.
func WithWorker(ctx context.Context, name string) context.Context {
	return context.WithValue(ctx, workerKey{}, name)
}

// WorkerFrom extracts the worker identity from ctx.
func WorkerFrom(ctx context.Context) (string, bool) {
	name, ok := ctx.Value(workerKey{}).(string)
	return name, ok && name != ""
}

// Worker is one independently scheduled script.
type Worker struct {
	Name string
	Fn   func(ctx context.Context) error
}

// Outcome is a worker's terminal state.
type Outcome struct {
	Worker string `json:"worker"`
	Err    error  `json:"-"`
	// Cancelled is set when the worker returned after the run was cancelled.
	Cancelled bool `json:"cancelled,omitempty"`
}

// Report is the result of Run.
type Report struct {
	Outcomes    []Outcome         `json:"outcomes"`
	Events      []Event           `json:"events"`
	Checkpoints []CheckpointState `json:"checkpoints"`
}

// Outcome returns the outcome of the named worker.
func (r *Report) Outcome(worker string) (Outcome, bool) {
	for _, o := range r.Outcomes {
		if o.Worker == worker {
			return o, true
		}
	}
	return Outcome{}, false
}

// Run starts every worker on its own goroutine and waits for all of them.
//
// A worker's error (business failure, rollback) never cancels the others;
// only a checkpoint timeout or the run bound does. The returned error is the
// harness failure, if any; per-worker errors are in the Report.
func (c *Coordinator) Run(ctx context.Context, workers ...Worker) (*Report, error) {
	seen := make(map[string]bool, len(workers))
	for _, w := range workers {
		if w.Name == "" {
			return nil, fmt.Errorf("worker name must not be empty")
		}
		if seen[w.Name] {
			return nil, fmt.Errorf("duplicate worker %q", w.Name)
		}
		seen[w.Name] = true
	}

	c.mu.Lock()
	if c.ran {
		c.mu.Unlock()
		return nil, ErrAlreadyRun
	}
	c.ran = true
	runCtx, cancel := context.WithCancelCause(ctx)
	stop := func() {}
	if c.runTimeout > 0 {
		var stopTimeout context.CancelFunc
		runCtx, stopTimeout = context.WithTimeoutCause(runCtx, c.runTimeout, &HarnessTimeoutError{Bound: c.runTimeout})
		stop = func() { stopTimeout() }
	}
	c.ctx, c.cancel = runCtx, cancel
	c.mu.Unlock()

	defer cancel(nil)
	defer stop()

	c.logger.Debug("run started", "workers", len(workers))

	outcomes := make([]Outcome, len(workers))
	var g errgroup.Group
	for i, w := range workers {
		i, w := i, w
		g.Go(func() error {
			err := w.Fn(WithWorker(runCtx, w.Name))
			outcomes[i] = Outcome{
				Worker:    w.Name,
				Err:       err,
				Cancelled: err != nil && runCtx.Err() != nil,
			}
			if err != nil {
				c.logger.Debug("worker failed", "worker", w.Name, "error", err)
			} else {
				c.logger.Debug("worker finished", "worker", w.Name)
			}
			return nil
		})
	}
	_ = g.Wait()

	c.mu.Lock()
	if c.failure == nil && runCtx.Err() != nil {
		if cause := context.Cause(runCtx); IsHarnessTimeout(cause) {
			c.failure = cause
		} else if ctx.Err() != nil {
			c.failure = fmt.Errorf("run cancelled: %w", context.Cause(ctx))
		}
	}
	failure := c.failure
	c.mu.Unlock()

	return &Report{
		Outcomes:    outcomes,
		Events:      c.Events(),
		Checkpoints: c.States(),
	}, failure
}
