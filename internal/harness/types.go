package harness

import (
	"github.com/roach88/pairlock/internal/entity"
	"github.com/roach88/pairlock/internal/observe"
)

// TraceEvent is one entry of the merged run trace: checkpoint events,
// snapshots and journaled writes ordered by the shared step clock.
type TraceEvent struct {
	Seq    int64  `json:"seq"`
	Type   string `json:"type"` // arrive, release, timeout, snapshot, write, commit, rollback
	Worker string `json:"worker,omitempty"`
	Detail string `json:"detail,omitempty"`
}

// SnapshotView is the serializable form of an observe.Snapshot.
type SnapshotView struct {
	Worker string          `json:"worker"`
	Step   int64           `json:"step"`
	Label  string          `json:"label"`
	Query  string          `json:"query"`
	Lock   entity.LockMode `json:"lock"`
	Rows   []entity.Entity `json:"rows"`
}

// WorkerResult is a worker's terminal state.
type WorkerResult struct {
	Worker    string `json:"worker"`
	Code      string `json:"code,omitempty"` // error code, empty on success
	Error     string `json:"error,omitempty"`
	Cancelled bool   `json:"cancelled,omitempty"`
}

// Result is the outcome of a scenario execution.
type Result struct {
	Scenario string `json:"scenario"`
	RunID    string `json:"run_id"`
	Backend  string `json:"backend"`

	// Pass indicates overall success: no harness failure and every
	// assertion held.
	Pass bool `json:"pass"`

	// HarnessFailure is set when the run itself failed (checkpoint or run
	// timeout). Assertions are not evaluated in that case.
	HarnessFailure string `json:"harness_failure,omitempty"`

	// Errors contains assertion failure messages.
	Errors []string `json:"errors,omitempty"`

	Trace     []TraceEvent      `json:"trace"`
	Snapshots []SnapshotView    `json:"snapshots"`
	Findings  []observe.Finding `json:"findings"`
	Workers   []WorkerResult    `json:"workers"`

	// State is every committed row after all workers finished, by id.
	State []entity.Entity `json:"state"`
}

// NewResult creates a new passing result.
func NewResult(scenario string) *Result {
	return &Result{
		Scenario:  scenario,
		Pass:      true,
		Errors:    []string{},
		Trace:     []TraceEvent{},
		Snapshots: []SnapshotView{},
		Findings:  []observe.Finding{},
		Workers:   []WorkerResult{},
		State:     []entity.Entity{},
	}
}

// AddError adds an assertion failure and marks the result as failed.
func (r *Result) AddError(err string) {
	r.Errors = append(r.Errors, err)
	r.Pass = false
}

// SetHarnessFailure records a harness failure and marks the result as failed.
func (r *Result) SetHarnessFailure(err error) {
	r.HarnessFailure = err.Error()
	r.Pass = false
}

// Worker returns the named worker's result.
func (r *Result) Worker(name string) (WorkerResult, bool) {
	for _, w := range r.Workers {
		if w.Worker == name {
			return w, true
		}
	}
	return WorkerResult{}, false
}

// Entity returns the committed row with id.
func (r *Result) Entity(id entity.ID) (entity.Entity, bool) {
	for _, e := range r.State {
		if e.ID == id {
			return e, true
		}
	}
	return entity.Entity{}, false
}
