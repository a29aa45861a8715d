package observe

import (
	"fmt"
	"slices"
	"strings"
)

// AssertionError is returned when an expectation fails.
// It includes the snapshots involved to help debug the failure.
type AssertionError struct {
	Type     string     // Assertion type for categorization
	Expected string     // Human-readable expected outcome
	Actual   string     // Human-readable actual outcome
	Evidence []Snapshot // Snapshots the assertion was evaluated on
}

// Error implements the error interface.
func (e *AssertionError) Error() string {
	var buf strings.Builder

	fmt.Fprintf(&buf, "Assertion failed: %s\n", e.Type)
	fmt.Fprintf(&buf, "  Expected: %s\n", e.Expected)
	fmt.Fprintf(&buf, "  Actual: %s\n", e.Actual)

	if len(e.Evidence) > 0 {
		fmt.Fprintf(&buf, "\nSnapshots:\n")
		for i, s := range e.Evidence {
			fmt.Fprintf(&buf, "  [%d] %s\n", i+1, s)
		}
	}
	return buf.String()
}

// Expectation declares whether a phenomenon must or must not be observed.
// Which outcome is correct depends on the store and isolation level under
// test, so it is always supplied by the scenario.
type Expectation struct {
	Phenomenon Phenomenon `yaml:"phenomenon" json:"phenomenon"`
	// Worker and Label narrow the match; empty matches any.
	Worker  string `yaml:"worker,omitempty" json:"worker,omitempty"`
	Label   string `yaml:"label,omitempty" json:"label,omitempty"`
	Present bool   `yaml:"present" json:"present"`
}

func (e Expectation) String() string {
	scope := ""
	if e.Worker != "" {
		scope += " by " + e.Worker
	}
	if e.Label != "" {
		scope += " on " + e.Label
	}
	if e.Present {
		return fmt.Sprintf("%s observed%s", e.Phenomenon, scope)
	}
	return fmt.Sprintf("no %s%s", e.Phenomenon, scope)
}

func (e Expectation) matches(f Finding) bool {
	return f.Phenomenon == e.Phenomenon &&
		(e.Worker == "" || f.Worker == e.Worker) &&
		(e.Label == "" || f.Label == e.Label)
}

// RowsExpectation pins the names a snapshot must contain, in id order.
type RowsExpectation struct {
	Worker string `yaml:"worker" json:"worker"`
	Label  string `yaml:"label" json:"label"`
	// Occurrence selects the nth snapshot of the series, 1-based. Zero means
	// the last one.
	Occurrence int      `yaml:"occurrence,omitempty" json:"occurrence,omitempty"`
	Names      []string `yaml:"names" json:"names"`
}

func (r RowsExpectation) String() string {
	which := "last"
	if r.Occurrence > 0 {
		which = fmt.Sprintf("#%d", r.Occurrence)
	}
	return fmt.Sprintf("%s %s snapshot of %s", r.Worker, which, r.Label)
}

// Verify checks expectations against findings. Evidence for each failure is
// the snapshots of the matching series.
func Verify(snaps []Snapshot, findings []Finding, exps []Expectation) []error {
	var errs []error
	for _, exp := range exps {
		var matched []Finding
		for _, f := range findings {
			if exp.matches(f) {
				matched = append(matched, f)
			}
		}

		switch {
		case exp.Present && len(matched) == 0:
			errs = append(errs, &AssertionError{
				Type:     "phenomenon",
				Expected: exp.String(),
				Actual:   "not observed",
				Evidence: evidenceFor(snaps, exp.Worker, exp.Label),
			})
		case !exp.Present && len(matched) > 0:
			descs := make([]string, len(matched))
			for i, f := range matched {
				descs[i] = f.String()
			}
			errs = append(errs, &AssertionError{
				Type:     "phenomenon",
				Expected: exp.String(),
				Actual:   strings.Join(descs, "; "),
				Evidence: evidenceFor(snaps, exp.Worker, exp.Label),
			})
		}
	}
	return errs
}

// VerifyRows checks snapshot contents.
func VerifyRows(snaps []Snapshot, exps []RowsExpectation) []error {
	var errs []error
	for _, exp := range exps {
		series := evidenceFor(snaps, exp.Worker, exp.Label)
		idx := len(series) - 1
		if exp.Occurrence > 0 {
			idx = exp.Occurrence - 1
		}
		if idx < 0 || idx >= len(series) {
			errs = append(errs, &AssertionError{
				Type:     "snapshot_rows",
				Expected: fmt.Sprintf("%s to exist", exp),
				Actual:   fmt.Sprintf("%d snapshots captured", len(series)),
				Evidence: series,
			})
			continue
		}
		got := series[idx].Names()
		want := exp.Names
		if want == nil {
			want = []string{}
		}
		if !slices.Equal(got, want) {
			errs = append(errs, &AssertionError{
				Type:     "snapshot_rows",
				Expected: fmt.Sprintf("%s = %q", exp, want),
				Actual:   fmt.Sprintf("%q", got),
				Evidence: []Snapshot{series[idx]},
			})
		}
	}
	return errs
}

func evidenceFor(snaps []Snapshot, worker, label string) []Snapshot {
	var out []Snapshot
	for _, s := range snaps {
		if (worker == "" || s.Worker == worker) && (label == "" || s.Label == label) {
			out = append(out, s)
		}
	}
	return out
}
