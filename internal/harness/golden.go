package harness

import (
	"testing"

	"github.com/sebdah/goldie/v2"

	"github.com/roach88/possync/internal/canon"
)

// TraceSnapshot is the golden-file form of a scenario run.
type TraceSnapshot struct {
	ScenarioName string       `json:"scenario_name"`
	Pass         bool         `json:"pass"`
	Trace        []TraceEvent `json:"trace"`
}

// Snapshot returns the canonical JSON snapshot of a run. Scenario args and
// step results must not carry fractional numbers; money is written as
// strings.
func Snapshot(name string, result *Result) ([]byte, error) {
	return canon.Marshal(TraceSnapshot{
		ScenarioName: name,
		Pass:         result.Pass,
		Trace:        result.Trace,
	})
}

// RunWithGolden executes a scenario and compares its snapshot against
// testdata/golden/{scenario.Name}.golden. opts override the fixture
// location.
//
// To regenerate golden files, run:
//
//	go test ./internal/harness -update
func RunWithGolden(t *testing.T, scenario *Scenario, opts ...goldie.Option) (*Result, error) {
	t.Helper()

	result, err := Run(scenario)
	if err != nil {
		return nil, err
	}
	return result, AssertGolden(t, scenario.Name, result, opts...)
}

// AssertGolden compares an existing result's snapshot against its golden
// file without re-running the scenario.
func AssertGolden(t *testing.T, name string, result *Result, opts ...goldie.Option) error {
	t.Helper()

	data, err := Snapshot(name, result)
	if err != nil {
		return err
	}
	newGoldie(t, opts...).Assert(t, name, data)
	return nil
}

func newGoldie(t *testing.T, opts ...goldie.Option) *goldie.Goldie {
	return goldie.New(t, append([]goldie.Option{
		goldie.WithFixtureDir("testdata/golden"),
		goldie.WithNameSuffix(".golden"),
	}, opts...)...)
}
