package harness

import (
	"encoding/json"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/pairlock/internal/entity"
	"github.com/roach88/pairlock/internal/observe"
)

func TestRunWithGolden_Scenarios(t *testing.T) {
	goldens, err := filepath.Glob("testdata/golden/*.golden")
	require.NoError(t, err)
	require.NotEmpty(t, goldens)

	for _, path := range goldens {
		name := strings.TrimSuffix(filepath.Base(path), ".golden")
		t.Run(name, func(t *testing.T) {
			scenario := loadFixture(t, "scenarios", name)

			// First run with -update to create golden files:
			//   go test ./internal/harness -run TestRunWithGolden -update
			result, err := RunWithGolden(t, scenario)
			require.NoError(t, err)
			assert.True(t, result.Pass, "errors: %v", result.Errors)
		})
	}
}

// Every golden file must describe the scenario it is named after.
func TestGoldenFiles_MatchScenarios(t *testing.T) {
	goldens, err := filepath.Glob("testdata/golden/*.golden")
	require.NoError(t, err)

	for _, path := range goldens {
		data, err := os.ReadFile(path)
		require.NoError(t, err)

		var g GoldenReport
		require.NoError(t, json.Unmarshal(data, &g), path)
		assert.Equal(t, strings.TrimSuffix(filepath.Base(path), ".golden"), g.Scenario)
		assert.True(t, g.Pass, path)
		assert.Empty(t, g.Errors, path)
	}
}

func TestNewGoldenReport_Ordering(t *testing.T) {
	bill := entity.Entity{ID: 1, Name: "Bill"}
	result := NewResult("ordering")
	result.Backend = "memory/snapshot"
	result.Snapshots = []SnapshotView{
		{Worker: "zed", Step: 3, Label: "a", Rows: []entity.Entity{bill}},
		{Worker: "amy", Step: 5, Label: "b", Rows: []entity.Entity{}},
		{Worker: "zed", Step: 7, Label: "a", Rows: []entity.Entity{}},
		{Worker: "amy", Step: 9, Label: "a", Rows: []entity.Entity{bill}},
	}
	result.Findings = []observe.Finding{
		{Phenomenon: observe.PhantomRead, Worker: "zed", Label: "a", EntityID: 1, SecondStep: 7},
		{Phenomenon: observe.NonRepeatableRead, Worker: "amy", Label: "b", EntityID: 2, SecondStep: 5},
		{Phenomenon: observe.DirtyRead, Worker: "amy", Label: "b", EntityID: 3, SecondStep: 5},
		{Phenomenon: observe.DirtyRead, Worker: "amy", Label: "b", EntityID: 1, SecondStep: 5},
	}

	g := NewGoldenReport(result)

	var snaps []string
	for _, s := range g.Snapshots {
		snaps = append(snaps, s.Worker+"/"+s.Label+"/"+strings.Join(s.Names, ","))
	}
	assert.Equal(t, []string{"amy/b/", "amy/a/Bill", "zed/a/Bill", "zed/a/"}, snaps)

	var findings []string
	for _, f := range g.Findings {
		findings = append(findings, f.Worker+"/"+f.Label+"/"+f.Phenomenon.String()+"/"+strconv.FormatInt(int64(f.EntityID), 10))
	}
	assert.Equal(t, []string{
		"amy/b/dirty_read/1",
		"amy/b/dirty_read/3",
		"amy/b/non_repeatable_read/2",
		"zed/a/phantom_read/1",
	}, findings)

	assert.Nil(t, g.Errors)
}

func TestMarshalGolden_OmitsRunDetails(t *testing.T) {
	result := NewResult("details")
	result.RunID = "0192f0c0-0000-7000-8000-000000000000"
	result.Backend = "memory/snapshot"
	result.Trace = append(result.Trace, TraceEvent{Seq: 1, Type: "arrive", Worker: "w", Detail: "go"})
	result.State = []entity.Entity{{ID: 1, Name: "Bill", PartnerID: entity.PartnerOf(2)}}

	data, err := MarshalGolden(result)
	require.NoError(t, err)

	out := string(data)
	assert.True(t, strings.HasSuffix(out, "}\n"))
	assert.NotContains(t, out, result.RunID)
	assert.NotContains(t, out, "trace")
	assert.NotContains(t, out, "errors")
	assert.Contains(t, out, `"partner_id": 2`)
}
