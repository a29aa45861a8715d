package harness

import (
	"fmt"
	"strings"

	"github.com/roach88/pairlock/internal/entity"
	"github.com/roach88/pairlock/internal/observe"
)

// evaluate runs every assertion of s against a finished run.
func evaluate(s *Scenario, result *Result, snaps []observe.Snapshot, findings []observe.Finding) []error {
	var errs []error
	for _, a := range s.Assertions {
		if err := evaluateAssertion(a, result, snaps, findings); err != nil {
			errs = append(errs, err...)
		}
	}
	return errs
}

func evaluateAssertion(a Assertion, result *Result, snaps []observe.Snapshot, findings []observe.Finding) []error {
	switch a.Type {
	case AssertPhenomenon:
		p, err := observe.ParsePhenomenon(a.Phenomenon)
		if err != nil {
			return []error{err}
		}
		return observe.Verify(snaps, findings, []observe.Expectation{{
			Phenomenon: p,
			Worker:     a.Worker,
			Label:      a.Label,
			Present:    a.Present,
		}})

	case AssertSnapshotRows:
		return observe.VerifyRows(snaps, []observe.RowsExpectation{{
			Worker:     a.Worker,
			Label:      a.Label,
			Occurrence: a.Occurrence,
			Names:      a.Names,
		}})

	case AssertFinalState:
		return single(assertFinalState(result.State, a))
	case AssertWorkerOutcome:
		return single(assertWorkerOutcome(result.Workers, a))
	case AssertOutcomeCount:
		return single(assertOutcomeCount(result.Workers, a))
	case AssertPairingSymmetric:
		return single(assertPairingSymmetric(result.State))
	}
	return []error{fmt.Errorf("unknown assertion type %q", a.Type)}
}

func single(err error) []error {
	if err == nil {
		return nil
	}
	return []error{err}
}

// assertFinalState checks one committed row.
func assertFinalState(state []entity.Entity, a Assertion) error {
	var row *entity.Entity
	for i := range state {
		if state[i].ID == a.ID {
			row = &state[i]
			break
		}
	}

	if a.Absent {
		if row != nil {
			return &observe.AssertionError{
				Type:     AssertFinalState,
				Expected: fmt.Sprintf("entity %d absent", a.ID),
				Actual:   row.String(),
			}
		}
		return nil
	}
	if row == nil {
		return &observe.AssertionError{
			Type:     AssertFinalState,
			Expected: fmt.Sprintf("entity %d present", a.ID),
			Actual:   "not found",
		}
	}

	var mismatches []string
	if a.Name != nil && row.Name != *a.Name {
		mismatches = append(mismatches, fmt.Sprintf("name: expected %q, got %q", *a.Name, row.Name))
	}
	if a.Unlinked && row.PartnerID != nil {
		mismatches = append(mismatches, fmt.Sprintf("partner: expected none, got %d", *row.PartnerID))
	}
	if a.Partner != nil {
		switch {
		case row.PartnerID == nil:
			mismatches = append(mismatches, fmt.Sprintf("partner: expected %d, got none", *a.Partner))
		case *row.PartnerID != *a.Partner:
			mismatches = append(mismatches, fmt.Sprintf("partner: expected %d, got %d", *a.Partner, *row.PartnerID))
		}
	}
	if len(mismatches) == 0 {
		return nil
	}
	return &observe.AssertionError{
		Type:     AssertFinalState,
		Expected: fmt.Sprintf("entity %d matches", a.ID),
		Actual:   strings.Join(mismatches, "; ") + " in " + row.String(),
	}
}

func describeCode(code string) string {
	if code == "" {
		return "success"
	}
	return code
}

// assertWorkerOutcome checks how one worker finished.
func assertWorkerOutcome(workers []WorkerResult, a Assertion) error {
	for _, w := range workers {
		if w.Worker != a.Worker {
			continue
		}
		if w.Code == a.Error {
			return nil
		}
		actual := describeCode(w.Code)
		if w.Error != "" {
			actual += " (" + w.Error + ")"
		}
		return &observe.AssertionError{
			Type:     AssertWorkerOutcome,
			Expected: fmt.Sprintf("worker %s finishes with %s", a.Worker, describeCode(a.Error)),
			Actual:   actual,
		}
	}
	return &observe.AssertionError{
		Type:     AssertWorkerOutcome,
		Expected: fmt.Sprintf("worker %s finishes with %s", a.Worker, describeCode(a.Error)),
		Actual:   "worker did not run",
	}
}

// assertOutcomeCount checks how many of a group of workers finished with a
// code. Used for races where the winner is not fixed.
func assertOutcomeCount(workers []WorkerResult, a Assertion) error {
	want := make(map[string]bool, len(a.Workers))
	for _, w := range a.Workers {
		want[w] = true
	}

	n := 0
	var summary []string
	for _, w := range workers {
		if !want[w.Worker] {
			continue
		}
		if w.Code == a.Error {
			n++
		}
		summary = append(summary, fmt.Sprintf("%s=%s", w.Worker, describeCode(w.Code)))
	}
	if n == a.Count {
		return nil
	}
	return &observe.AssertionError{
		Type:     AssertOutcomeCount,
		Expected: fmt.Sprintf("%d of %v finish with %s", a.Count, a.Workers, describeCode(a.Error)),
		Actual:   fmt.Sprintf("%d (%s)", n, strings.Join(summary, ", ")),
	}
}

// assertPairingSymmetric checks that every committed partner link is mutual.
func assertPairingSymmetric(state []entity.Entity) error {
	byID := make(map[entity.ID]entity.Entity, len(state))
	for _, e := range state {
		byID[e.ID] = e
	}

	var broken []string
	for _, e := range state {
		if e.PartnerID == nil {
			continue
		}
		p, ok := byID[*e.PartnerID]
		switch {
		case !ok:
			broken = append(broken, fmt.Sprintf("%d -> %d (missing)", e.ID, *e.PartnerID))
		case p.PartnerID == nil:
			broken = append(broken, fmt.Sprintf("%d -> %d -> none", e.ID, p.ID))
		case *p.PartnerID != e.ID:
			broken = append(broken, fmt.Sprintf("%d -> %d -> %d", e.ID, p.ID, *p.PartnerID))
		}
	}
	if len(broken) == 0 {
		return nil
	}
	return &observe.AssertionError{
		Type:     AssertPairingSymmetric,
		Expected: "every partner link is mutual",
		Actual:   strings.Join(broken, "; "),
	}
}
