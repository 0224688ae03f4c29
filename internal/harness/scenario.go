package harness

import (
	"bytes"
	"fmt"
	"os"
	"slices"
	"time"

	"gopkg.in/yaml.v3"
)

// Scenario is a scripted offline/online session: a sequence of steps run
// against a fresh local store and an in-memory remote, followed by
// assertions on the trace and the final state.
type Scenario struct {
	// Name uniquely identifies the scenario and names its golden file.
	Name string `yaml:"name"`

	// Description explains what the scenario demonstrates.
	Description string `yaml:"description"`

	// Start is the fake clock's initial time (RFC 3339). Defaults to
	// DefaultStart.
	Start string `yaml:"start,omitempty"`

	// Steps run in order.
	Steps []Step `yaml:"steps"`

	// Assertions are checked after the last step.
	Assertions []Assertion `yaml:"assertions,omitempty"`
}

// DefaultStart is the fake clock's initial time when a scenario sets none.
const DefaultStart = "2026-01-05T09:00:00Z"

// Step is one scenario action.
type Step struct {
	// Do names the action; see the Step* constants.
	Do string `yaml:"do"`

	// Args are the action's arguments.
	Args map[string]any `yaml:"args,omitempty"`

	// Expect is matched against the step result, subset semantics.
	Expect map[string]any `yaml:"expect,omitempty"`
}

// Step actions.
const (
	StepSale          = "sale"           // id, user, customer
	StepMutate        = "mutate"         // entity, op, id, payload
	StepOffline       = "offline"        // remote rejects every call
	StepOnline        = "online"         // remote reachable again
	StepFailRemote    = "fail_remote"    // op, key, error
	StepClearFailures = "clear_failures" // drop injected faults
	StepSync          = "sync"           // run one cycle
	StepVerify        = "verify"         // walk the transaction chain
	StepPurge         = "purge"          // days
	StepTamperDelete  = "tamper_delete"  // id
	StepTamperPayload = "tamper_payload" // id, total
	StepRemoteEdit    = "remote_edit"    // table, id, fields, after
	StepAdvance       = "advance"        // by
)

var stepActions = []string{
	StepSale, StepMutate, StepOffline, StepOnline, StepFailRemote,
	StepClearFailures, StepSync, StepVerify, StepPurge, StepTamperDelete,
	StepTamperPayload, StepRemoteEdit, StepAdvance,
}

// Assertion validates the trace or the final state.
type Assertion struct {
	// Type is one of the Assert* constants.
	Type string `yaml:"type"`

	// Action is the trace action (trace_contains, trace_count).
	Action string `yaml:"action,omitempty"`

	// Args are matched against the event args (trace_contains), subset
	// semantics.
	Args map[string]any `yaml:"args,omitempty"`

	// Actions is the expected order (trace_order).
	Actions []string `yaml:"actions,omitempty"`

	// Count is the expected occurrence or row count.
	Count int `yaml:"count,omitempty"`

	// Table is a remote table (final_state, remote_count).
	Table string `yaml:"table,omitempty"`

	// Where selects rows (final_state, remote_count).
	Where map[string]any `yaml:"where,omitempty"`

	// Expect holds expected field values (final_state), subset semantics.
	Expect map[string]any `yaml:"expect,omitempty"`

	// Queue is a local queue name (pending).
	Queue string `yaml:"queue,omitempty"`
}

// Assertion types.
const (
	AssertTraceContains = "trace_contains"
	AssertTraceOrder    = "trace_order"
	AssertTraceCount    = "trace_count"
	AssertFinalState    = "final_state"
	AssertRemoteCount   = "remote_count"
	AssertPending       = "pending"
)

// Queue names accepted by pending assertions.
const (
	QueueTransactions = "transactions"
	QueueMutations    = "mutations"
)

// LoadScenario reads and parses a scenario YAML file. Unknown fields and
// missing required fields are errors.
func LoadScenario(path string) (*Scenario, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read scenario file: %w", err)
	}
	return ParseScenario(data)
}

// ParseScenario parses scenario YAML.
func ParseScenario(data []byte) (*Scenario, error) {
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

// startTime returns the scenario's clock start.
func (s *Scenario) startTime() (time.Time, error) {
	start := s.Start
	if start == "" {
		start = DefaultStart
	}
	return time.Parse(time.RFC3339, start)
}

func validateScenario(s *Scenario) error {
	if s.Name == "" {
		return fmt.Errorf("name is required")
	}
	if s.Description == "" {
		return fmt.Errorf("description is required")
	}
	if _, err := s.startTime(); err != nil {
		return fmt.Errorf("start: %w", err)
	}
	if len(s.Steps) == 0 {
		return fmt.Errorf("steps list is required and must be non-empty")
	}

	for i, step := range s.Steps {
		if step.Do == "" {
			return fmt.Errorf("steps[%d]: do is required", i)
		}
		if !slices.Contains(stepActions, step.Do) {
			return fmt.Errorf("steps[%d]: unknown action %q", i, step.Do)
		}
	}

	for i, a := range s.Assertions {
		if err := validateAssertion(a); err != nil {
			return fmt.Errorf("assertions[%d]: %w", i, err)
		}
	}
	return nil
}

func validateAssertion(a Assertion) error {
	switch a.Type {
	case AssertTraceContains, AssertTraceCount:
		if a.Action == "" {
			return fmt.Errorf("%s requires action", a.Type)
		}
	case AssertTraceOrder:
		if len(a.Actions) < 2 {
			return fmt.Errorf("trace_order requires at least two actions")
		}
	case AssertFinalState:
		if a.Table == "" || len(a.Where) == 0 {
			return fmt.Errorf("final_state requires table and where")
		}
	case AssertRemoteCount:
		if a.Table == "" {
			return fmt.Errorf("remote_count requires table")
		}
	case AssertPending:
		if a.Queue != QueueTransactions && a.Queue != QueueMutations {
			return fmt.Errorf("pending queue must be %q or %q", QueueTransactions, QueueMutations)
		}
	case "":
		return fmt.Errorf("type is required")
	default:
		return fmt.Errorf("unknown assertion type %q", a.Type)
	}
	return nil
}
