package harness

import (
	"testing"

	"github.com/sebdah/goldie/v2"
)

// Snapshot is what a golden file holds: the trace of a scenario and the
// state it left behind. Node identities are left out; which node takes a
// replica depends on the provider seed, not on the scenario.
type Snapshot struct {
	Scenario string       `json:"scenario"`
	Trace    []TraceEvent `json:"trace"`
	State    State        `json:"state"`
}

// SnapshotOf builds the snapshot of a result.
func SnapshotOf(name string, result *Result) Snapshot {
	return Snapshot{Scenario: name, Trace: result.Trace, State: result.State}
}

// RunWithGolden executes a scenario, fails the test on any unmet
// expectation and compares its snapshot with
// testdata/golden/<name>.golden.
//
// To regenerate golden files, run:
//
//	go test ./internal/harness -update
func RunWithGolden(t *testing.T, scenario *Scenario) *Result {
	t.Helper()

	result, err := Run(t, scenario)
	if err != nil {
		t.Fatalf("run %s: %v", scenario.Name, err)
	}
	for _, e := range result.Errors {
		t.Error(e)
	}
	AssertGolden(t, scenario.Name, result)
	return result
}

// AssertGolden compares the snapshot of an existing result with a golden
// file without re-running the scenario.
func AssertGolden(t *testing.T, name string, result *Result) {
	t.Helper()
	g := goldie.New(t,
		goldie.WithFixtureDir("testdata/golden"),
		goldie.WithNameSuffix(".golden"),
	)
	g.AssertJson(t, name, SnapshotOf(name, result))
}
