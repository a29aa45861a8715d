package harness

import (
	"bytes"
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/roach88/pairlock/internal/entity"
	"github.com/roach88/pairlock/internal/observe"
	"github.com/roach88/pairlock/internal/store"
	"github.com/roach88/pairlock/internal/store/memstore"
)

// Scenario defines one interleaving test.
// Workers run concurrently; checkpoints fix the order of their steps, and
// assertions check what the workers observed and the committed end state.
type Scenario struct {
	// Name uniquely identifies this scenario. Golden files are keyed by it.
	Name string `yaml:"name"`

	// Description explains what this scenario validates.
	Description string `yaml:"description"`

	// Backend selects the store: "memory" (default), "sqlite" or "postgres".
	Backend string `yaml:"backend,omitempty"`

	// RepeatableRead selects the memory backend's repeatable_read semantics:
	// "snapshot" (default) or "row_pinning".
	RepeatableRead memstore.RepeatableReadMode `yaml:"repeatable_read,omitempty"`

	// CheckpointTimeout bounds every arrive. Zero uses the runner default.
	CheckpointTimeout time.Duration `yaml:"checkpoint_timeout,omitempty"`

	// LockWaitTimeout bounds a single store lock wait. Zero uses the runner default.
	LockWaitTimeout time.Duration `yaml:"lock_wait_timeout,omitempty"`

	// Timeout bounds the whole run. Zero uses the runner default.
	Timeout time.Duration `yaml:"timeout,omitempty"`

	// Seed lists entity names created before the workers start. The first
	// one gets id 1.
	Seed []string `yaml:"seed,omitempty"`

	// Links pairs seeded entities before the workers start.
	Links [][2]entity.ID `yaml:"links,omitempty"`

	// Checkpoints are the rendezvous points the workers arrive at.
	Checkpoints []CheckpointSpec `yaml:"checkpoints,omitempty"`

	// Workers are the concurrent scripts.
	Workers []WorkerSpec `yaml:"workers"`

	// Assertions validate observations, outcomes and final state.
	Assertions []Assertion `yaml:"assertions"`
}

// CheckpointSpec declares a checkpoint.
type CheckpointSpec struct {
	Name string `yaml:"name"`
	// Arrivals is the number of distinct workers that must arrive before any
	// is released. Zero means every worker.
	Arrivals int `yaml:"arrivals,omitempty"`
}

// WorkerSpec is one worker script.
type WorkerSpec struct {
	Name  string `yaml:"name"`
	Steps []Step `yaml:"steps"`
}

// Step is one worker operation. Op selects which of the other fields apply.
type Step struct {
	// Op is one of the Op* constants.
	Op string `yaml:"op"`

	// Isolation applies to begin and to the pairing operations.
	Isolation entity.IsolationLevel `yaml:"isolation,omitempty"`

	// ReadOnly applies to begin.
	ReadOnly bool `yaml:"read_only,omitempty"`

	// Checkpoint applies to arrive.
	Checkpoint string `yaml:"checkpoint,omitempty"`

	// Label, Query and Lock apply to capture. Lock also applies to fetch.
	Label string          `yaml:"label,omitempty"`
	Query *store.Query    `yaml:"query,omitempty"`
	Lock  entity.LockMode `yaml:"lock,omitempty"`

	// ID is the target of fetch, rename, delete, get, update and link.
	ID entity.ID `yaml:"id,omitempty"`

	// Other is the second entity of link.
	Other entity.ID `yaml:"other,omitempty"`

	// Name applies to rename, insert, create and update.
	Name string `yaml:"name,omitempty"`

	// ExpectError is the error code this step must fail with. The worker
	// continues after a matching failure.
	ExpectError string `yaml:"expect_error,omitempty"`
}

// Step operations. Transaction ops act on the worker's open transaction;
// pairing ops run in their own transaction through the pairing service.
const (
	OpBegin    = "begin"
	OpCommit   = "commit"
	OpRollback = "rollback"
	OpArrive   = "arrive"
	OpCapture  = "capture"
	OpFetch    = "fetch"
	OpRename   = "rename"
	OpInsert   = "insert"
	OpDelete   = "delete"

	OpCreate = "create"
	OpGet    = "get"
	OpLink   = "link"
	OpUpdate = "update"
)

// Assertion validates observations or final state.
type Assertion struct {
	// Type specifies the assertion type:
	// - "phenomenon": a phenomenon is (present: true) or is not observed
	// - "snapshot_rows": a captured snapshot holds exactly the given names
	// - "final_state": a committed row has the given name / partner
	// - "worker_outcome": a worker finished with the given error code ("" = success)
	// - "outcome_count": exactly Count of Workers finished with Error
	// - "pairing_symmetric": every committed partner link is mutual
	Type string `yaml:"type"`

	// Phenomenon, Present (phenomenon), Occurrence, Names (snapshot_rows).
	Phenomenon string   `yaml:"phenomenon,omitempty"`
	Present    bool     `yaml:"present,omitempty"`
	Worker     string   `yaml:"worker,omitempty"`
	Label      string   `yaml:"label,omitempty"`
	Occurrence int      `yaml:"occurrence,omitempty"`
	Names      []string `yaml:"names,omitempty"`

	// ID, Name, Partner, Unlinked, Absent (final_state).
	ID       entity.ID  `yaml:"id,omitempty"`
	Name     *string    `yaml:"name,omitempty"`
	Partner  *entity.ID `yaml:"partner,omitempty"`
	Unlinked bool       `yaml:"unlinked,omitempty"`
	Absent   bool       `yaml:"absent,omitempty"`

	// Workers, Error, Count (worker_outcome, outcome_count).
	Workers []string `yaml:"workers,omitempty"`
	Error   string   `yaml:"error,omitempty"`
	Count   int      `yaml:"count,omitempty"`
}

// Assertion type constants.
const (
	AssertPhenomenon       = "phenomenon"
	AssertSnapshotRows     = "snapshot_rows"
	AssertFinalState       = "final_state"
	AssertWorkerOutcome    = "worker_outcome"
	AssertOutcomeCount     = "outcome_count"
	AssertPairingSymmetric = "pairing_symmetric"
)

// Backend names.
const (
	BackendMemory   = "memory"
	BackendSQLite   = "sqlite"
	BackendPostgres = "postgres"
)

// LoadScenario reads and parses a scenario YAML file.
// Returns an error if the file doesn't exist, is malformed,
// contains unknown fields (typos), or is missing required fields.
func LoadScenario(path string) (*Scenario, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read scenario file: %w", err)
	}
	return ParseScenario(data)
}

// ParseScenario parses and validates scenario YAML.
func ParseScenario(data []byte) (*Scenario, error) {
	// Strict field validation catches typos like "assertion:" vs "assertions:".
	var scenario Scenario
	decoder := yaml.NewDecoder(bytes.NewReader(data))
	decoder.KnownFields(true)
	if err := decoder.Decode(&scenario); err != nil {
		return nil, fmt.Errorf("failed to parse YAML: %w", err)
	}

	if err := validateScenario(&scenario); err != nil {
		return nil, fmt.Errorf("invalid scenario: %w", err)
	}
	return &scenario, nil
}

// validateScenario checks that required fields are present and that every
// reference resolves.
// Deterministic reports whether the scenario's golden report is the same on
// every run. Scenarios that assert outcome_count leave the winner of a race
// open.
func (s *Scenario) Deterministic() bool {
	for _, a := range s.Assertions {
		if a.Type == AssertOutcomeCount {
			return false
		}
	}
	return true
}

func validateScenario(s *Scenario) error {
	if s.Name == "" {
		return fmt.Errorf("name is required")
	}
	if s.Description == "" {
		return fmt.Errorf("description is required")
	}

	switch s.Backend {
	case "", BackendMemory, BackendSQLite, BackendPostgres:
	default:
		return fmt.Errorf("unknown backend %q", s.Backend)
	}
	mode, err := memstore.ParseRepeatableReadMode(string(s.RepeatableRead))
	if err != nil {
		return err
	}
	s.RepeatableRead = mode

	if s.CheckpointTimeout < 0 || s.LockWaitTimeout < 0 || s.Timeout < 0 {
		return fmt.Errorf("timeouts must not be negative")
	}

	for i, name := range s.Seed {
		if name == "" {
			return fmt.Errorf("seed[%d]: name is required", i)
		}
	}
	for i, l := range s.Links {
		for _, id := range l {
			if id < 1 || int(id) > len(s.Seed) {
				return fmt.Errorf("links[%d]: id %d is not a seeded entity", i, id)
			}
		}
		if l[0] == l[1] {
			return fmt.Errorf("links[%d]: cannot link an entity to itself", i)
		}
	}

	if len(s.Workers) == 0 {
		return fmt.Errorf("workers list is required and must be non-empty")
	}
	if len(s.Assertions) == 0 {
		return fmt.Errorf("assertions list is required and must be non-empty")
	}

	checkpoints := make(map[string]bool, len(s.Checkpoints))
	for i, cp := range s.Checkpoints {
		if cp.Name == "" {
			return fmt.Errorf("checkpoints[%d]: name is required", i)
		}
		if checkpoints[cp.Name] {
			return fmt.Errorf("checkpoints[%d]: duplicate checkpoint %q", i, cp.Name)
		}
		if cp.Arrivals < 0 || cp.Arrivals > len(s.Workers) {
			return fmt.Errorf("checkpoints[%d]: arrivals must be between 1 and %d", i, len(s.Workers))
		}
		checkpoints[cp.Name] = true
	}

	workers := make(map[string]bool, len(s.Workers))
	for i, w := range s.Workers {
		if w.Name == "" {
			return fmt.Errorf("workers[%d]: name is required", i)
		}
		if workers[w.Name] {
			return fmt.Errorf("workers[%d]: duplicate worker %q", i, w.Name)
		}
		workers[w.Name] = true
		if len(w.Steps) == 0 {
			return fmt.Errorf("workers[%d]: steps list is required and must be non-empty", i)
		}
		for j, st := range w.Steps {
			if err := validateStep(st, checkpoints); err != nil {
				return fmt.Errorf("workers[%d].steps[%d]: %w", i, j, err)
			}
		}
	}

	for i := range s.Assertions {
		if err := validateAssertion(i, &s.Assertions[i], workers); err != nil {
			return err
		}
	}
	return nil
}

func validateStep(st Step, checkpoints map[string]bool) error {
	switch st.Op {
	case OpBegin, OpCommit, OpRollback:
	case OpArrive:
		if st.Checkpoint == "" {
			return fmt.Errorf("checkpoint is required for arrive")
		}
		if !checkpoints[st.Checkpoint] {
			return fmt.Errorf("unknown checkpoint %q", st.Checkpoint)
		}
	case OpCapture:
		if st.Label == "" {
			return fmt.Errorf("label is required for capture")
		}
		if st.Query == nil {
			return fmt.Errorf("query is required for capture")
		}
		if err := st.Query.Validate(); err != nil {
			return err
		}
	case OpFetch, OpDelete, OpGet:
		if st.ID < 1 {
			return fmt.Errorf("id is required for %s", st.Op)
		}
	case OpRename, OpUpdate:
		if st.ID < 1 {
			return fmt.Errorf("id is required for %s", st.Op)
		}
		if st.Name == "" {
			return fmt.Errorf("name is required for %s", st.Op)
		}
	case OpInsert, OpCreate:
		if st.Name == "" {
			return fmt.Errorf("name is required for %s", st.Op)
		}
	case OpLink:
		if st.ID < 1 || st.Other < 1 {
			return fmt.Errorf("id and other are required for link")
		}
	case "":
		return fmt.Errorf("op is required")
	default:
		return fmt.Errorf("unknown op %q", st.Op)
	}
	return nil
}

// validateAssertion validates a single assertion based on its type.
func validateAssertion(index int, a *Assertion, workers map[string]bool) error {
	if a.Type == "" {
		return fmt.Errorf("assertions[%d]: type is required", index)
	}
	if a.Worker != "" && !workers[a.Worker] {
		return fmt.Errorf("assertions[%d]: unknown worker %q", index, a.Worker)
	}
	for _, w := range a.Workers {
		if !workers[w] {
			return fmt.Errorf("assertions[%d]: unknown worker %q", index, w)
		}
	}

	switch a.Type {
	case AssertPhenomenon:
		if a.Phenomenon == "" {
			return fmt.Errorf("assertions[%d]: phenomenon is required for phenomenon", index)
		}
		if _, err := observe.ParsePhenomenon(a.Phenomenon); err != nil {
			return fmt.Errorf("assertions[%d]: %w", index, err)
		}
	case AssertSnapshotRows:
		if a.Worker == "" || a.Label == "" {
			return fmt.Errorf("assertions[%d]: worker and label are required for snapshot_rows", index)
		}
		if a.Occurrence < 0 {
			return fmt.Errorf("assertions[%d]: occurrence must be non-negative", index)
		}
	case AssertFinalState:
		if a.ID < 1 {
			return fmt.Errorf("assertions[%d]: id is required for final_state", index)
		}
		if a.Name == nil && a.Partner == nil && !a.Unlinked && !a.Absent {
			return fmt.Errorf("assertions[%d]: final_state needs name, partner, unlinked or absent", index)
		}
		if a.Partner != nil && a.Unlinked {
			return fmt.Errorf("assertions[%d]: partner and unlinked are exclusive", index)
		}
	case AssertWorkerOutcome:
		if a.Worker == "" {
			return fmt.Errorf("assertions[%d]: worker is required for worker_outcome", index)
		}
	case AssertOutcomeCount:
		if len(a.Workers) == 0 {
			return fmt.Errorf("assertions[%d]: workers list is required for outcome_count", index)
		}
		if a.Count < 0 || a.Count > len(a.Workers) {
			return fmt.Errorf("assertions[%d]: count must be between 0 and %d", index, len(a.Workers))
		}
	case AssertPairingSymmetric:
	default:
		return fmt.Errorf("assertions[%d]: unknown assertion type %q", index, a.Type)
	}
	return nil
}
