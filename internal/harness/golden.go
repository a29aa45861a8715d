package harness

import (
	"context"
	"encoding/json"
	"sort"
	"testing"

	"github.com/sebdah/goldie/v2"

	"github.com/roach88/pairlock/internal/entity"
	"github.com/roach88/pairlock/internal/observe"
)

// GoldenSnapshot is the step-free form of a snapshot.
type GoldenSnapshot struct {
	Worker string   `json:"worker"`
	Label  string   `json:"label"`
	Names  []string `json:"names"`
}

// GoldenFinding is the step-free form of a finding.
type GoldenFinding struct {
	Phenomenon observe.Phenomenon `json:"phenomenon"`
	Worker     string             `json:"worker"`
	Label      string             `json:"label"`
	EntityID   entity.ID          `json:"entity_id"`
	Before     *entity.Entity     `json:"before,omitempty"`
	After      *entity.Entity     `json:"after,omitempty"`
	CausedBy   string             `json:"caused_by,omitempty"`
}

// GoldenReport is the part of a Result that is identical across runs of the
// same scenario. Steps and run ids are left out: concurrent workers take
// steps in any order between checkpoints.
type GoldenReport struct {
	Scenario  string           `json:"scenario"`
	Backend   string           `json:"backend"`
	Pass      bool             `json:"pass"`
	Errors    []string         `json:"errors,omitempty"`
	Snapshots []GoldenSnapshot `json:"snapshots"`
	Findings  []GoldenFinding  `json:"findings"`
	Workers   []WorkerResult   `json:"workers"`
	State     []entity.Entity  `json:"state"`
}

// NewGoldenReport derives the golden report of a result. Snapshots are
// grouped by worker in capture order; findings are sorted by worker, label,
// phenomenon and entity.
func NewGoldenReport(r *Result) GoldenReport {
	g := GoldenReport{
		Scenario:  r.Scenario,
		Backend:   r.Backend,
		Pass:      r.Pass,
		Errors:    r.Errors,
		Snapshots: make([]GoldenSnapshot, 0, len(r.Snapshots)),
		Findings:  make([]GoldenFinding, 0, len(r.Findings)),
		Workers:   r.Workers,
		State:     r.State,
	}
	if len(g.Errors) == 0 {
		g.Errors = nil
	}

	for _, s := range r.Snapshots {
		names := make([]string, len(s.Rows))
		for i, row := range s.Rows {
			names[i] = row.Name
		}
		g.Snapshots = append(g.Snapshots, GoldenSnapshot{Worker: s.Worker, Label: s.Label, Names: names})
	}
	sort.SliceStable(g.Snapshots, func(i, j int) bool { return g.Snapshots[i].Worker < g.Snapshots[j].Worker })

	for _, f := range r.Findings {
		g.Findings = append(g.Findings, GoldenFinding{
			Phenomenon: f.Phenomenon,
			Worker:     f.Worker,
			Label:      f.Label,
			EntityID:   f.EntityID,
			Before:     f.Before,
			After:      f.After,
			CausedBy:   f.CausedBy,
		})
	}
	sort.SliceStable(g.Findings, func(i, j int) bool {
		a, b := g.Findings[i], g.Findings[j]
		if a.Worker != b.Worker {
			return a.Worker < b.Worker
		}
		if a.Label != b.Label {
			return a.Label < b.Label
		}
		if a.Phenomenon != b.Phenomenon {
			return a.Phenomenon < b.Phenomenon
		}
		return a.EntityID < b.EntityID
	})
	return g
}

// MarshalGolden renders the golden report of r as indented JSON with a
// trailing newline.
func MarshalGolden(r *Result) ([]byte, error) {
	data, err := json.MarshalIndent(NewGoldenReport(r), "", "  ")
	if err != nil {
		return nil, err
	}
	return append(data, '\n'), nil
}

// RunWithGolden executes a scenario and compares its golden report against
// testdata/golden/{scenario.Name}.golden.
//
// To regenerate golden files, run:
//
//	go test ./internal/harness -update
//
// Only scenarios whose outcome does not depend on goroutine scheduling
// belong in golden files; races are covered by outcome_count assertions.
func RunWithGolden(t *testing.T, scenario *Scenario, opts ...Option) (*Result, error) {
	t.Helper()

	result, err := NewRunner(opts...).Run(context.Background(), scenario)
	if err != nil {
		return result, err
	}
	return result, AssertGolden(t, scenario.Name, result)
}

// AssertGolden compares the result's golden report against a golden file.
func AssertGolden(t *testing.T, name string, result *Result) error {
	t.Helper()

	data, err := MarshalGolden(result)
	if err != nil {
		return err
	}

	g := goldie.New(t,
		goldie.WithFixtureDir("testdata/golden"),
		goldie.WithNameSuffix(".golden"),
	)
	g.Assert(t, name, data)
	return nil
}
