package harness

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeScenario(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "scenario.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0644))
	return path
}

func TestLoadScenario_ValidFile(t *testing.T) {
	path := writeScenario(t, `
name: test_scenario
description: "Test scenario for validation"
start: "2026-03-01T08:00:00Z"
steps:
  - do: sale
    args:
      id: s1
      customer: c1
    expect:
      entry: s1
  - do: sync
assertions:
  - type: pending
    queue: transactions
    count: 0
`)

	scenario, err := LoadScenario(path)
	require.NoError(t, err)

	assert.Equal(t, "test_scenario", scenario.Name)
	assert.Equal(t, "Test scenario for validation", scenario.Description)
	require.Len(t, scenario.Steps, 2)
	assert.Equal(t, StepSale, scenario.Steps[0].Do)
	assert.Equal(t, "c1", scenario.Steps[0].Args["customer"])
	assert.Equal(t, "s1", scenario.Steps[0].Expect["entry"])
	require.Len(t, scenario.Assertions, 1)
	assert.Equal(t, QueueTransactions, scenario.Assertions[0].Queue)

	start, err := scenario.startTime()
	require.NoError(t, err)
	assert.Equal(t, 8, start.Hour())
}

func TestLoadScenario_DefaultStart(t *testing.T) {
	scenario, err := ParseScenario([]byte("name: a\ndescription: b\nsteps: [{do: sync}]\n"))
	require.NoError(t, err)

	start, err := scenario.startTime()
	require.NoError(t, err)
	assert.Equal(t, DefaultStart, start.Format("2006-01-02T15:04:05Z07:00"))
}

func TestLoadScenario_MissingFile(t *testing.T) {
	_, err := LoadScenario(filepath.Join(t.TempDir(), "nope.yaml"))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "failed to read scenario file")
}

func TestLoadScenario_Invalid(t *testing.T) {
	tests := []struct {
		name    string
		content string
		wantErr string
	}{
		{
			name:    "unknown field",
			content: "name: a\ndescription: b\nstep: []\n",
			wantErr: "failed to parse YAML",
		},
		{
			name:    "missing name",
			content: "description: b\nsteps: [{do: sync}]\n",
			wantErr: "name is required",
		},
		{
			name:    "missing description",
			content: "name: a\nsteps: [{do: sync}]\n",
			wantErr: "description is required",
		},
		{
			name:    "no steps",
			content: "name: a\ndescription: b\n",
			wantErr: "steps list is required",
		},
		{
			name:    "unknown action",
			content: "name: a\ndescription: b\nsteps: [{do: refund}]\n",
			wantErr: `unknown action "refund"`,
		},
		{
			name:    "empty action",
			content: "name: a\ndescription: b\nsteps: [{args: {id: s1}}]\n",
			wantErr: "do is required",
		},
		{
			name:    "bad start",
			content: "name: a\ndescription: b\nstart: yesterday\nsteps: [{do: sync}]\n",
			wantErr: "start",
		},
		{
			name:    "unknown assertion",
			content: "name: a\ndescription: b\nsteps: [{do: sync}]\nassertions: [{type: eventually}]\n",
			wantErr: `unknown assertion type "eventually"`,
		},
		{
			name:    "trace_order needs two actions",
			content: "name: a\ndescription: b\nsteps: [{do: sync}]\nassertions: [{type: trace_order, actions: [sync]}]\n",
			wantErr: "at least two actions",
		},
		{
			name:    "final_state needs where",
			content: "name: a\ndescription: b\nsteps: [{do: sync}]\nassertions: [{type: final_state, table: sales}]\n",
			wantErr: "final_state requires table and where",
		},
		{
			name:    "pending needs known queue",
			content: "name: a\ndescription: b\nsteps: [{do: sync}]\nassertions: [{type: pending, queue: shadows}]\n",
			wantErr: "pending queue must be",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := LoadScenario(writeScenario(t, tt.content))
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.wantErr)
		})
	}
}

func TestLoadScenario_Examples(t *testing.T) {
	paths, err := filepath.Glob("testdata/scenarios/*.yaml")
	require.NoError(t, err)
	require.NotEmpty(t, paths)

	for _, path := range paths {
		_, err := LoadScenario(path)
		assert.NoError(t, err, path)
	}
}
