package harness

import (
	"context"
	"encoding/json"
	"fmt"
	"maps"
	"reflect"
	"slices"
	"strings"

	"github.com/roach88/possync/internal/ledger"
	"github.com/roach88/possync/internal/mutation"
	"github.com/roach88/possync/internal/remote/memstore"
)

// AssertionError is returned when an assertion fails. It carries the trace
// so the failure can be read in context.
type AssertionError struct {
	Type     string
	Expected string
	Actual   string
	Trace    []TraceEvent
}

// Error implements the error interface.
func (e *AssertionError) Error() string {
	var buf strings.Builder

	fmt.Fprintf(&buf, "Assertion failed: %s\n", e.Type)
	fmt.Fprintf(&buf, "  Expected: %s\n", e.Expected)
	fmt.Fprintf(&buf, "  Actual: %s\n", e.Actual)

	if len(e.Trace) > 0 {
		fmt.Fprintf(&buf, "\nFull trace:\n")
		for _, event := range e.Trace {
			fmt.Fprintf(&buf, "  [%d] %s %v", event.Seq, event.Action, event.Args)
			if event.Outcome != "" {
				fmt.Fprintf(&buf, " -> %s", event.Outcome)
			}
			buf.WriteByte('\n')
		}
	}
	return buf.String()
}

// eventFields is what trace assertions match against: the event args plus
// its outcome, when it has one.
func eventFields(event TraceEvent) map[string]any {
	m := maps.Clone(event.Args)
	if m == nil {
		m = map[string]any{}
	}
	if event.Outcome != "" {
		m["outcome"] = event.Outcome
	}
	return m
}

// assertTraceContains checks that some event has the action and matching
// args (subset match).
func assertTraceContains(trace []TraceEvent, assertion Assertion) error {
	for _, event := range trace {
		if event.Action == assertion.Action && matchSubset(eventFields(event), assertion.Args) == "" {
			return nil
		}
	}
	return &AssertionError{
		Type:     AssertTraceContains,
		Expected: fmt.Sprintf("action %s with args %v", assertion.Action, assertion.Args),
		Actual:   "not found in trace",
		Trace:    trace,
	}
}

// assertTraceOrder checks that the first occurrences of the actions appear
// in order. Other events may come between them.
func assertTraceOrder(trace []TraceEvent, assertion Assertion) error {
	positions := make(map[string]int)
	for i, event := range trace {
		if slices.Contains(assertion.Actions, event.Action) && positions[event.Action] == 0 {
			positions[event.Action] = i + 1
		}
	}

	for _, action := range assertion.Actions {
		if positions[action] == 0 {
			return &AssertionError{
				Type:     AssertTraceOrder,
				Expected: fmt.Sprintf("all actions present: %v", assertion.Actions),
				Actual:   fmt.Sprintf("missing action: %s", action),
				Trace:    trace,
			}
		}
	}

	for i := 1; i < len(assertion.Actions); i++ {
		prev, curr := assertion.Actions[i-1], assertion.Actions[i]
		if positions[prev] >= positions[curr] {
			return &AssertionError{
				Type:     AssertTraceOrder,
				Expected: fmt.Sprintf("actions in order: %v", assertion.Actions),
				Actual: fmt.Sprintf("%s (pos %d) should be before %s (pos %d)",
					prev, positions[prev], curr, positions[curr]),
				Trace: trace,
			}
		}
	}
	return nil
}

// assertTraceCount checks that the action, filtered by args, appears
// exactly Count times.
func assertTraceCount(trace []TraceEvent, assertion Assertion) error {
	count := 0
	for _, event := range trace {
		if event.Action == assertion.Action && matchSubset(eventFields(event), assertion.Args) == "" {
			count++
		}
	}
	if count != assertion.Count {
		return &AssertionError{
			Type:     AssertTraceCount,
			Expected: fmt.Sprintf("%d occurrences of %s %v", assertion.Count, assertion.Action, assertion.Args),
			Actual:   fmt.Sprintf("%d occurrences", count),
			Trace:    trace,
		}
	}
	return nil
}

// assertFinalState checks that exactly one remote row matches Where and
// that it carries the Expect values (subset match).
func assertFinalState(rs *memstore.Store, assertion Assertion) error {
	rows, err := remoteRows(rs, assertion.Table, assertion.Where)
	if err != nil {
		return fmt.Errorf("final_state: %w", err)
	}

	where := formatWhere(assertion.Where)
	switch len(rows) {
	case 0:
		return &AssertionError{
			Type:     AssertFinalState,
			Expected: fmt.Sprintf("row in %s where %s", assertion.Table, where),
			Actual:   "row not found",
		}
	case 1:
	default:
		return &AssertionError{
			Type:     AssertFinalState,
			Expected: fmt.Sprintf("exactly one row in %s where %s", assertion.Table, where),
			Actual:   fmt.Sprintf("%d rows matched (assertion is ambiguous)", len(rows)),
		}
	}

	if diff := matchSubset(rows[0], assertion.Expect); diff != "" {
		return &AssertionError{
			Type:     AssertFinalState,
			Expected: fmt.Sprintf("%s where %s to have %v", assertion.Table, where, assertion.Expect),
			Actual:   diff,
		}
	}
	return nil
}

// assertRemoteCount checks how many remote rows match Where.
func assertRemoteCount(rs *memstore.Store, assertion Assertion) error {
	rows, err := remoteRows(rs, assertion.Table, assertion.Where)
	if err != nil {
		return fmt.Errorf("remote_count: %w", err)
	}
	if len(rows) != assertion.Count {
		return &AssertionError{
			Type:     AssertRemoteCount,
			Expected: fmt.Sprintf("%d rows in %s where %s", assertion.Count, assertion.Table, formatWhere(assertion.Where)),
			Actual:   fmt.Sprintf("%d rows", len(rows)),
		}
	}
	return nil
}

// assertPending checks a local queue's pending count.
func assertPending(actx *AssertionContext, assertion Assertion) error {
	var (
		n   int
		err error
	)
	switch assertion.Queue {
	case QueueTransactions:
		n, err = actx.Ledger.PendingCount(actx.Ctx)
	case QueueMutations:
		n, err = actx.Mutations.PendingCount(actx.Ctx)
	default:
		return fmt.Errorf("pending: unknown queue %q", assertion.Queue)
	}
	if err != nil {
		return fmt.Errorf("pending: %w", err)
	}
	if n != assertion.Count {
		return &AssertionError{
			Type:     AssertPending,
			Expected: fmt.Sprintf("%d pending %s", assertion.Count, assertion.Queue),
			Actual:   fmt.Sprintf("%d pending", n),
		}
	}
	return nil
}

func formatWhere(where map[string]any) string {
	if len(where) == 0 {
		return "(no conditions)"
	}
	parts := make([]string, 0, len(where))
	for _, k := range slices.Sorted(maps.Keys(where)) {
		parts = append(parts, fmt.Sprintf("%s=%v", k, where[k]))
	}
	return strings.Join(parts, " AND ")
}

// matchSubset reports the first key of expected that actual lacks or
// holds a different value for, or "" when actual matches. Values are
// compared in their JSON form, so YAML ints match Go int64 and
// decimal.Decimal matches a quoted string.
func matchSubset(actual, expected map[string]any) string {
	if len(expected) == 0 {
		return ""
	}
	a, err := normalize(actual)
	if err != nil {
		return err.Error()
	}
	e, err := normalize(expected)
	if err != nil {
		return err.Error()
	}

	for _, key := range slices.Sorted(maps.Keys(e)) {
		av, ok := a[key]
		if !ok {
			return fmt.Sprintf("field %q missing", key)
		}
		if !reflect.DeepEqual(av, e[key]) {
			return fmt.Sprintf("field %q = %v, want %v", key, av, e[key])
		}
	}
	return ""
}

func normalize(m map[string]any) (map[string]any, error) {
	if m == nil {
		return map[string]any{}, nil
	}
	return toMap(m)
}

// toMap converts v to its JSON object form.
func toMap(v any) (map[string]any, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("encode: %w", err)
	}
	var m map[string]any
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("decode: %w", err)
	}
	return m, nil
}

// AssertionContext gives assertions access to the final state.
type AssertionContext struct {
	Ctx       context.Context
	Remote    *memstore.Store
	Ledger    *ledger.Ledger
	Mutations *mutation.Queue
}

// EvaluateAssertions evaluates every assertion and returns one message per
// failure.
func EvaluateAssertions(result *Result, assertions []Assertion, actx *AssertionContext) []string {
	var errs []string

	for i, assertion := range assertions {
		var err error

		switch assertion.Type {
		case AssertTraceContains:
			err = assertTraceContains(result.Trace, assertion)
		case AssertTraceOrder:
			err = assertTraceOrder(result.Trace, assertion)
		case AssertTraceCount:
			err = assertTraceCount(result.Trace, assertion)
		case AssertFinalState, AssertRemoteCount:
			if actx == nil || actx.Remote == nil {
				err = fmt.Errorf("assertion[%d]: %s requires a remote", i, assertion.Type)
			} else if assertion.Type == AssertFinalState {
				err = assertFinalState(actx.Remote, assertion)
			} else {
				err = assertRemoteCount(actx.Remote, assertion)
			}
		case AssertPending:
			if actx == nil || actx.Ledger == nil || actx.Mutations == nil {
				err = fmt.Errorf("assertion[%d]: pending requires local queues", i)
			} else {
				err = assertPending(actx, assertion)
			}
		default:
			err = fmt.Errorf("assertion[%d]: unknown assertion type %q", i, assertion.Type)
		}

		if err != nil {
			errs = append(errs, err.Error())
		}
	}
	return errs
}
