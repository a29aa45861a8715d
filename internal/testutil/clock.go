package testutil

import "sync"

// StepClock is a resettable step sequencer for tests. It satisfies both
// interleave.Sequencer and observe.Sequencer, so one instance can order
// checkpoint events and captures the way a harness run does.
//
// Every issued step is remembered, letting tests check that two components
// sharing the clock never saw the same step.
type StepClock struct {
	mu     sync.Mutex
	step   int64
	issued []int64
}

// NewStepClock returns a clock whose first step is 1.
func NewStepClock() *StepClock {
	return &StepClock{}
}

// Next advances the clock and returns the new step.
func (c *StepClock) Next() int64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.step++
	c.issued = append(c.issued, c.step)
	return c.step
}

// Current returns the last issued step, or 0 before the first call to Next.
func (c *StepClock) Current() int64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.step
}

// Issued returns a copy of every step handed out since the last Reset.
func (c *StepClock) Issued() []int64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]int64(nil), c.issued...)
}

// Reset rewinds the clock so the same scenario can run again with identical
// steps.
func (c *StepClock) Reset() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.step = 0
	c.issued = nil
}
