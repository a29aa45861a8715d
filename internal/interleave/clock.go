package interleave

import "sync/atomic"

// Sequencer hands out strictly increasing step numbers.
// testutil.StepClock satisfies it.
type Sequencer interface {
	Next() int64
}

// Clock is a monotonic logical clock stamping coordinator events.
//
// Events are ordered by seq rather than wall time, so two runs of the same
// scenario produce the same release sequence.
//
// Thread-safety: Clock is safe for concurrent use (atomic operations).
type Clock struct {
	seq atomic.Int64
}

// NewClock creates a new clock starting at 0.
func NewClock() *Clock {
	return &Clock{}
}

// Next returns the next sequence number and increments the clock.
func (c *Clock) Next() int64 {
	return c.seq.Add(1)
}

// Current returns the current sequence number without incrementing.
func (c *Clock) Current() int64 {
	return c.seq.Load()
}
