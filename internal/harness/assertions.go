package harness

import (
	"fmt"
	"sort"
	"strings"

	"github.com/roach88/cartengine/internal/events"
	"github.com/roach88/cartengine/internal/model"
)

// AssertionError is returned when an assertion fails.
type AssertionError struct {
	Type     string
	Expected string
	Actual   string
	Trace    []events.Event
}

// Error implements the error interface.
func (e *AssertionError) Error() string {
	var buf strings.Builder
	fmt.Fprintf(&buf, "Assertion failed: %s\n", e.Type)
	fmt.Fprintf(&buf, "  Expected: %s\n", e.Expected)
	fmt.Fprintf(&buf, "  Actual: %s\n", e.Actual)
	if len(e.Trace) > 0 {
		fmt.Fprintf(&buf, "\nFull trace:\n")
		for _, ev := range e.Trace {
			fmt.Fprintf(&buf, "  %s\n", formatEvent(ev)[0])
		}
	}
	return buf.String()
}

// EvaluateAssertions runs every assertion and returns the failure messages.
func EvaluateAssertions(result *Result, assertions []Assertion) []string {
	var failures []string
	for _, a := range assertions {
		var err error
		switch a.Type {
		case AssertTraceOrder:
			err = assertTraceOrder(result.Trace, a)
		case AssertTraceCount:
			err = assertTraceCount(result.Trace, a)
		case AssertFinalItems:
			err = assertFinalItems(result.Final, a)
		default:
			err = fmt.Errorf("unknown assertion type %q", a.Type)
		}
		if err != nil {
			failures = append(failures, err.Error())
		}
	}
	return failures
}

// assertTraceOrder checks that the kinds appear in the given relative
// order. Each kind matches its next occurrence after the previous match.
func assertTraceOrder(trace []events.Event, a Assertion) error {
	pos := 0
	for _, want := range a.Kinds {
		found := false
		for pos < len(trace) {
			kind := trace[pos].Kind
			pos++
			if string(kind) == want {
				found = true
				break
			}
		}
		if !found {
			return &AssertionError{
				Type:     AssertTraceOrder,
				Expected: fmt.Sprintf("kinds in order: %v", a.Kinds),
				Actual:   fmt.Sprintf("%s not found after earlier kinds", want),
				Trace:    trace,
			}
		}
	}
	return nil
}

// assertTraceCount checks that a kind appears exactly Count times.
func assertTraceCount(trace []events.Event, a Assertion) error {
	count := 0
	for _, ev := range trace {
		if string(ev.Kind) == a.Kind {
			count++
		}
	}
	if count != a.Count {
		return &AssertionError{
			Type:     AssertTraceCount,
			Expected: fmt.Sprintf("%s appears %d times", a.Kind, a.Count),
			Actual:   fmt.Sprintf("appears %d times", count),
			Trace:    trace,
		}
	}
	return nil
}

// assertFinalItems checks the final cart holds exactly the given keys with
// the given quantities. An empty map asserts an empty cart.
func assertFinalItems(final []model.CartItem, a Assertion) error {
	got := make(map[string]int, len(final))
	for _, it := range final {
		got[it.Key()] = it.Quantity
	}
	if equalCounts(got, a.Items) {
		return nil
	}
	return &AssertionError{
		Type:     AssertFinalItems,
		Expected: formatCounts(a.Items),
		Actual:   formatCounts(got),
	}
}

func equalCounts(a, b map[string]int) bool {
	if len(a) != len(b) {
		return false
	}
	for k, v := range a {
		if w, ok := b[k]; !ok || w != v {
			return false
		}
	}
	return true
}

func formatCounts(m map[string]int) string {
	if len(m) == 0 {
		return "empty cart"
	}
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	parts := make([]string, len(keys))
	for i, k := range keys {
		parts[i] = fmt.Sprintf("%s=%d", k, m[k])
	}
	return strings.Join(parts, ", ")
}
