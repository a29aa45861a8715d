package interleave

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/pairlock/internal/testutil"
)

// journal records worker steps in execution order.
type journal struct {
	mu    sync.Mutex
	steps []string
}

func (j *journal) add(step string) {
	j.mu.Lock()
	defer j.mu.Unlock()
	j.steps = append(j.steps, step)
}

func (j *journal) all() []string {
	j.mu.Lock()
	defer j.mu.Unlock()
	return append([]string(nil), j.steps...)
}

func TestDefine(t *testing.T) {
	c := New()
	require.NoError(t, c.Define("cp", 2))

	err := c.Define("cp", 2)
	assert.ErrorIs(t, err, ErrDuplicateCheckpoint)

	assert.Error(t, c.Define("", 1))
	assert.Error(t, c.Define("zero", 0))

	states := c.States()
	require.Len(t, states, 1)
	assert.Equal(t, CheckpointState{Name: "cp", Expected: 2, Arrived: []string{}}, states[0])
}

func TestArrive_UsageErrors(t *testing.T) {
	c := New()
	require.NoError(t, c.Define("solo", 1))

	err := c.Arrive(context.Background(), "solo")
	assert.ErrorIs(t, err, ErrNoWorker)

	a := WithWorker(context.Background(), "a")
	assert.ErrorIs(t, c.Arrive(a, "missing"), ErrUnknownCheckpoint)

	require.NoError(t, c.Arrive(a, "solo"))
	assert.ErrorIs(t, c.Arrive(a, "solo"), ErrCheckpointReleased)

	b := WithWorker(context.Background(), "b")
	assert.ErrorIs(t, c.Arrive(b, "solo"), ErrCheckpointReleased)
}

func TestArrive_ReentryBeforeRelease(t *testing.T) {
	c := New()
	require.NoError(t, c.Define("cp", 2))
	a := WithWorker(context.Background(), "a")

	first := make(chan error, 1)
	go func() { first <- c.Arrive(a, "cp") }()

	require.Eventually(t, func() bool {
		return len(c.States()[0].Arrived) == 1
	}, time.Second, time.Millisecond)

	assert.ErrorIs(t, c.Arrive(a, "cp"), ErrReentry)

	require.NoError(t, c.Arrive(WithWorker(context.Background(), "b"), "cp"))
	require.NoError(t, <-first)
	assert.True(t, c.States()[0].Released)
}

func TestRun_ReleasesTogether(t *testing.T) {
	c := New(WithSequencer(testutil.NewStepClock()))
	require.NoError(t, c.Define("go", 3))

	var (
		mu       sync.Mutex
		released []string
	)
	worker := func(name string, delay time.Duration) Worker {
		return Worker{Name: name, Fn: func(ctx context.Context) error {
			time.Sleep(delay)
			if err := c.Arrive(ctx, "go"); err != nil {
				return err
			}
			mu.Lock()
			released = append(released, name)
			mu.Unlock()
			return nil
		}}
	}

	report, err := c.Run(context.Background(),
		worker("a", 0),
		worker("b", 10*time.Millisecond),
		worker("c", 20*time.Millisecond),
	)
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"a", "b", "c"}, released)

	for _, o := range report.Outcomes {
		assert.NoError(t, o.Err, o.Worker)
		assert.False(t, o.Cancelled)
	}

	require.Len(t, report.Events, 4)
	assert.Equal(t, Event{Seq: 1, Kind: EventArrive, Checkpoint: "go", Worker: "a"}, report.Events[0])
	assert.Equal(t, Event{Seq: 4, Kind: EventRelease, Checkpoint: "go"}, report.Events[3])
	assert.Equal(t, []string{"a", "b", "c"}, report.Checkpoints[0].Arrived)
}

func TestRun_DeterministicInterleaving(t *testing.T) {
	for i := 0; i < 25; i++ {
		c := New()
		require.NoError(t, c.Define("c1", 2))
		require.NoError(t, c.Define("c2", 2))
		j := &journal{}

		_, err := c.Run(context.Background(),
			Worker{Name: "w1", Fn: func(ctx context.Context) error {
				j.add("w1:before")
				if err := c.Arrive(ctx, "c1"); err != nil {
					return err
				}
				if err := c.Arrive(ctx, "c2"); err != nil {
					return err
				}
				j.add("w1:after")
				return nil
			}},
			Worker{Name: "w2", Fn: func(ctx context.Context) error {
				if err := c.Arrive(ctx, "c1"); err != nil {
					return err
				}
				j.add("w2:between")
				return c.Arrive(ctx, "c2")
			}},
		)
		require.NoError(t, err)
		assert.Equal(t, []string{"w1:before", "w2:between", "w1:after"}, j.all(), "iteration %d", i)
	}
}

func TestRun_CheckpointTimeoutCancelsEveryone(t *testing.T) {
	c := New(WithCheckpointTimeout(50 * time.Millisecond))
	require.NoError(t, c.Define("meet", 3))

	arrive := func(ctx context.Context) error { return c.Arrive(ctx, "meet") }
	// blocked stands in for a worker parked in a store lock wait.
	blocked := func(ctx context.Context) error {
		<-ctx.Done()
		return context.Cause(ctx)
	}

	start := time.Now()
	report, err := c.Run(context.Background(),
		Worker{Name: "a", Fn: arrive},
		Worker{Name: "b", Fn: arrive},
		Worker{Name: "c", Fn: blocked},
	)
	assert.Less(t, time.Since(start), 2*time.Second)

	require.Error(t, err)
	assert.True(t, IsHarnessFailure(err))
	var timeout *CheckpointTimeoutError
	require.ErrorAs(t, err, &timeout)
	assert.Equal(t, "meet", timeout.Name)
	assert.Equal(t, 2, timeout.Arrived)
	assert.Equal(t, 3, timeout.Expected)
	assert.ElementsMatch(t, []string{"a", "b"}, timeout.Waiting)

	for _, o := range report.Outcomes {
		require.Error(t, o.Err, o.Worker)
		assert.True(t, IsCheckpointTimeout(o.Err), "%s: %v", o.Worker, o.Err)
	}
	c3, ok := report.Outcome("c")
	require.True(t, ok)
	assert.True(t, c3.Cancelled)

	var timeouts int
	for _, e := range report.Events {
		if e.Kind == EventTimeout {
			timeouts++
		}
	}
	assert.Equal(t, 1, timeouts)

	// The failed run rejects further arrivals.
	assert.True(t, IsCheckpointTimeout(c.Arrive(WithWorker(context.Background(), "late"), "meet")))
}

func TestRun_BusinessFailureDoesNotCancelOthers(t *testing.T) {
	c := New()
	boom := errors.New("ALREADY_PAIRED")

	report, err := c.Run(context.Background(),
		Worker{Name: "loser", Fn: func(ctx context.Context) error { return boom }},
		Worker{Name: "winner", Fn: func(ctx context.Context) error {
			select {
			case <-time.After(30 * time.Millisecond):
				return nil
			case <-ctx.Done():
				return ctx.Err()
			}
		}},
	)
	require.NoError(t, err)

	loser, _ := report.Outcome("loser")
	assert.ErrorIs(t, loser.Err, boom)
	assert.False(t, loser.Cancelled)
	assert.False(t, IsHarnessFailure(loser.Err))

	winner, _ := report.Outcome("winner")
	assert.NoError(t, winner.Err)
}

func TestRun_HarnessTimeout(t *testing.T) {
	c := New(WithRunTimeout(50*time.Millisecond), WithCheckpointTimeout(5*time.Second))
	require.NoError(t, c.Define("never", 2))

	report, err := c.Run(context.Background(), Worker{Name: "alone", Fn: func(ctx context.Context) error {
		return c.Arrive(ctx, "never")
	}})
	require.Error(t, err)
	assert.True(t, IsHarnessTimeout(err))
	assert.True(t, IsHarnessFailure(err))
	assert.False(t, IsCheckpointTimeout(err))

	var ht *HarnessTimeoutError
	require.ErrorAs(t, err, &ht)
	assert.Equal(t, 50*time.Millisecond, ht.Bound)

	alone, _ := report.Outcome("alone")
	assert.True(t, IsHarnessTimeout(alone.Err))
	assert.True(t, alone.Cancelled)
}

func TestRun_Validation(t *testing.T) {
	c := New()
	noop := func(context.Context) error { return nil }

	_, err := c.Run(context.Background(), Worker{Name: "", Fn: noop})
	assert.Error(t, err)

	_, err = c.Run(context.Background(), Worker{Name: "a", Fn: noop}, Worker{Name: "a", Fn: noop})
	assert.ErrorContains(t, err, `duplicate worker "a"`)

	_, err = c.Run(context.Background(), Worker{Name: "a", Fn: noop})
	require.NoError(t, err)

	_, err = c.Run(context.Background(), Worker{Name: "a", Fn: noop})
	assert.ErrorIs(t, err, ErrAlreadyRun)
}

func TestRun_CallerCancellation(t *testing.T) {
	c := New(WithCheckpointTimeout(5 * time.Second))
	require.NoError(t, c.Define("cp", 2))

	ctx, cancel := context.WithCancel(context.Background())
	time.AfterFunc(20*time.Millisecond, cancel)

	_, err := c.Run(ctx, Worker{Name: "a", Fn: func(ctx context.Context) error {
		return c.Arrive(ctx, "cp")
	}})
	require.Error(t, err)
	assert.ErrorIs(t, err, context.Canceled)
	assert.False(t, IsHarnessFailure(err))
}

func TestClock(t *testing.T) {
	c := NewClock()
	assert.Equal(t, int64(0), c.Current())
	assert.Equal(t, int64(1), c.Next())
	assert.Equal(t, int64(2), c.Next())
	assert.Equal(t, int64(2), c.Current())
}
