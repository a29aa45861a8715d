package harness

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/pairlock/internal/entity"
	"github.com/roach88/pairlock/internal/observe"
)

func strPtr(s string) *string { return &s }

func pairedState() []entity.Entity {
	return []entity.Entity{
		{ID: 1, Name: "Ann", PartnerID: entity.PartnerOf(2)},
		{ID: 2, Name: "Bob", PartnerID: entity.PartnerOf(1)},
		{ID: 3, Name: "Cat"},
	}
}

func requireAssertionError(t *testing.T, err error) *observe.AssertionError {
	t.Helper()
	require.Error(t, err)
	var ae *observe.AssertionError
	require.ErrorAs(t, err, &ae)
	return ae
}

func TestAssertFinalState_Match(t *testing.T) {
	tests := []Assertion{
		{Type: AssertFinalState, ID: 1, Name: strPtr("Ann")},
		{Type: AssertFinalState, ID: 1, Partner: entity.PartnerOf(2)},
		{Type: AssertFinalState, ID: 3, Name: strPtr("Cat"), Unlinked: true},
		{Type: AssertFinalState, ID: 4, Absent: true},
	}
	for _, a := range tests {
		assert.NoError(t, assertFinalState(pairedState(), a))
	}
}

func TestAssertFinalState_Mismatch(t *testing.T) {
	ae := requireAssertionError(t, assertFinalState(pairedState(), Assertion{
		Type:    AssertFinalState,
		ID:      1,
		Name:    strPtr("Anna"),
		Partner: entity.PartnerOf(3),
	}))
	assert.Equal(t, AssertFinalState, ae.Type)
	assert.Equal(t, "entity 1 matches", ae.Expected)
	assert.Contains(t, ae.Actual, `name: expected "Anna", got "Ann"`)
	assert.Contains(t, ae.Actual, "partner: expected 3, got 2")
}

func TestAssertFinalState_Unlinked(t *testing.T) {
	ae := requireAssertionError(t, assertFinalState(pairedState(), Assertion{Type: AssertFinalState, ID: 2, Unlinked: true}))
	assert.Contains(t, ae.Actual, "partner: expected none, got 1")

	ae = requireAssertionError(t, assertFinalState(pairedState(), Assertion{Type: AssertFinalState, ID: 3, Partner: entity.PartnerOf(1)}))
	assert.Contains(t, ae.Actual, "partner: expected 1, got none")
}

func TestAssertFinalState_Presence(t *testing.T) {
	ae := requireAssertionError(t, assertFinalState(pairedState(), Assertion{Type: AssertFinalState, ID: 9, Name: strPtr("x")}))
	assert.Equal(t, "entity 9 present", ae.Expected)
	assert.Equal(t, "not found", ae.Actual)

	ae = requireAssertionError(t, assertFinalState(pairedState(), Assertion{Type: AssertFinalState, ID: 3, Absent: true}))
	assert.Equal(t, "entity 3 absent", ae.Expected)
	assert.Equal(t, `{id=3 name="Cat"}`, ae.Actual)
}

func TestAssertWorkerOutcome(t *testing.T) {
	workers := []WorkerResult{
		{Worker: "ok"},
		{Worker: "loser", Code: "ALREADY_PAIRED", Error: "worker loser step 1 (link): entity 2 is already paired"},
	}

	assert.NoError(t, assertWorkerOutcome(workers, Assertion{Worker: "ok"}))
	assert.NoError(t, assertWorkerOutcome(workers, Assertion{Worker: "loser", Error: "ALREADY_PAIRED"}))

	ae := requireAssertionError(t, assertWorkerOutcome(workers, Assertion{Worker: "loser"}))
	assert.Equal(t, "worker loser finishes with success", ae.Expected)
	assert.Contains(t, ae.Actual, "ALREADY_PAIRED (worker loser step 1 (link)")

	ae = requireAssertionError(t, assertWorkerOutcome(workers, Assertion{Worker: "ok", Error: "NOT_FOUND"}))
	assert.Equal(t, "worker ok finishes with NOT_FOUND", ae.Expected)
	assert.Equal(t, "success", ae.Actual)

	ae = requireAssertionError(t, assertWorkerOutcome(workers, Assertion{Worker: "ghost"}))
	assert.Equal(t, "worker did not run", ae.Actual)
}

func TestAssertOutcomeCount(t *testing.T) {
	workers := []WorkerResult{
		{Worker: "left"},
		{Worker: "right", Code: "ALREADY_PAIRED"},
		{Worker: "other", Code: "ALREADY_PAIRED"},
	}
	group := []string{"left", "right"}

	assert.NoError(t, assertOutcomeCount(workers, Assertion{Workers: group, Count: 1}))
	assert.NoError(t, assertOutcomeCount(workers, Assertion{Workers: group, Error: "ALREADY_PAIRED", Count: 1}))
	assert.NoError(t, assertOutcomeCount(workers, Assertion{Workers: group, Error: "NOT_FOUND", Count: 0}))

	ae := requireAssertionError(t, assertOutcomeCount(workers, Assertion{Workers: group, Error: "ALREADY_PAIRED", Count: 2}))
	assert.Equal(t, "2 of [left right] finish with ALREADY_PAIRED", ae.Expected)
	assert.Equal(t, "1 (left=success, right=ALREADY_PAIRED)", ae.Actual)
}

func TestAssertPairingSymmetric(t *testing.T) {
	assert.NoError(t, assertPairingSymmetric(pairedState()))
	assert.NoError(t, assertPairingSymmetric(nil))

	broken := []entity.Entity{
		{ID: 1, Name: "Ann", PartnerID: entity.PartnerOf(2)},
		{ID: 2, Name: "Bob"},
		{ID: 3, Name: "Cat", PartnerID: entity.PartnerOf(4)},
		{ID: 4, Name: "Dan", PartnerID: entity.PartnerOf(1)},
		{ID: 5, Name: "Eve", PartnerID: entity.PartnerOf(9)},
	}
	ae := requireAssertionError(t, assertPairingSymmetric(broken))
	assert.Equal(t, "every partner link is mutual", ae.Expected)
	assert.Equal(t, "1 -> 2 -> none; 3 -> 4 -> 1; 4 -> 1 -> 2; 5 -> 9 (missing)", ae.Actual)
}

func TestEvaluate_PhenomenonAndRows(t *testing.T) {
	s := &Scenario{Assertions: []Assertion{
		{Type: AssertPhenomenon, Phenomenon: "dirty_read", Worker: "reader", Present: true},
		{Type: AssertPhenomenon, Phenomenon: "phantom", Present: false},
		{Type: AssertSnapshotRows, Worker: "reader", Label: "bill", Names: []string{"Bill"}},
	}}

	// No snapshots and no findings: the dirty read is missing and the rows
	// assertion has nothing to check.
	errs := evaluate(s, NewResult("x"), nil, nil)
	require.Len(t, errs, 2)
	assert.Contains(t, errs[0].Error(), "Expected: dirty_read observed by reader")
	assert.Contains(t, errs[0].Error(), "Actual: not observed")
	assert.Contains(t, errs[1].Error(), "Assertion failed: snapshot_rows")
}

func TestEvaluate_CollectsEveryFailure(t *testing.T) {
	s := &Scenario{Assertions: []Assertion{
		{Type: AssertFinalState, ID: 1, Name: strPtr("Ann")},
		{Type: AssertFinalState, ID: 1, Name: strPtr("Anna")},
		{Type: AssertWorkerOutcome, Worker: "w", Error: "NOT_FOUND"},
		{Type: AssertPairingSymmetric},
		{Type: "trace_order"},
	}}
	result := NewResult("x")
	result.State = pairedState()
	result.Workers = []WorkerResult{{Worker: "w"}}

	errs := evaluate(s, result, nil, nil)
	require.Len(t, errs, 3)
	assert.Contains(t, errs[0].Error(), "Assertion failed: final_state")
	assert.Contains(t, errs[1].Error(), "Assertion failed: worker_outcome")
	assert.EqualError(t, errs[2], `unknown assertion type "trace_order"`)
}
