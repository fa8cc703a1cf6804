package harness

import (
	"fmt"
	"strings"
	"testing"

	"github.com/sebdah/goldie/v2"

	"github.com/roach88/cartengine/internal/events"
	"github.com/roach88/cartengine/internal/model"
)

// FormatTrace renders a result as the line-oriented text stored in golden
// files: a header, one line per event (action events are followed by one
// indented line per item), and the final cart.
func FormatTrace(name string, result *Result) []byte {
	var b strings.Builder
	fmt.Fprintf(&b, "scenario: %s\n", name)
	for _, ev := range result.Trace {
		for _, line := range formatEvent(ev) {
			b.WriteString(line)
			b.WriteByte('\n')
		}
	}
	if len(result.Final) == 0 {
		b.WriteString("final: empty\n")
		return []byte(b.String())
	}
	b.WriteString("final:\n")
	for _, it := range result.Final {
		fmt.Fprintf(&b, "  %s qty=%d dates=%s\n", it.Key(), it.Quantity, rangeOrDash(it.DateOverride))
	}
	return []byte(b.String())
}

// formatEvent renders one event. The first line is the event itself. An
// event without its payload renders as the bare sequence and kind.
func formatEvent(ev events.Event) []string {
	head := fmt.Sprintf("%03d %s", ev.Seq, ev.Kind)
	if !ev.HasPayload() {
		return []string{head}
	}
	switch ev.Kind {
	case events.KindItemAdded:
		p := ev.ItemAdded
		return []string{fmt.Sprintf("%s key=%s qty=%d outcome=%s", head, p.Item.Key(), p.Item.Quantity, p.Outcome)}
	case events.KindItemUpdated:
		p := ev.ItemUpdated
		return []string{fmt.Sprintf("%s key=%s qty=%d prev=%d outcome=%s", head, p.Item.Key(), p.Item.Quantity, p.PreviousQuantity, p.Outcome)}
	case events.KindItemRemoved:
		p := ev.ItemRemoved
		return []string{fmt.Sprintf("%s key=%s qty=%d", head, p.Key, p.Item.Quantity)}
	case events.KindItemDatesUpdated:
		p := ev.ItemDatesUpdated
		return []string{fmt.Sprintf("%s key=%s override=%s effective=%s", head, p.Key, rangeOrDash(p.Override), rangeOrDash(p.Effective))}
	case events.KindCleared:
		p := ev.Cleared
		return []string{fmt.Sprintf("%s count=%d reason=%s", head, p.PreviousCount, p.Reason)}
	case events.KindActionCompleted:
		p := ev.ActionCompleted
		lines := []string{fmt.Sprintf("%s action=%s client=%s bookings=%s", head, p.ActionID, p.ClientID, listOrDash(p.BookingIDs))}
		return append(lines, formatItems(p.Items)...)
	case events.KindActionFailed:
		p := ev.ActionFailed
		lines := []string{fmt.Sprintf("%s action=%s client=%s reason=%s cancelled=%t", head, p.ActionID, p.ClientID, p.Reason, p.Cancelled)}
		return append(lines, formatItems(p.Items)...)
	case events.KindPersistError:
		return []string{fmt.Sprintf("%s code=%s", head, ev.PersistError.Code)}
	default:
		return []string{head}
	}
}

func formatItems(items []events.ItemOutcome) []string {
	out := make([]string, len(items))
	for i, it := range items {
		out[i] = fmt.Sprintf("    %s qty=%d availability=%s conflicts=%s booked=%t booking=%s error=%s",
			it.Key, it.Quantity, orDash(it.Availability), listOrDash(it.Conflicts), it.Booked, orDash(it.BookingID), orDash(it.ErrorCode))
	}
	return out
}

func rangeOrDash(r *model.DateRange) string {
	if r == nil {
		return "-"
	}
	return r.String()
}

func listOrDash(s []string) string {
	if len(s) == 0 {
		return "-"
	}
	return strings.Join(s, ",")
}

func orDash(s string) string {
	if s == "" {
		return "-"
	}
	return s
}

// RunWithGolden executes a scenario, fails t on any failed expectation,
// and compares the trace with testdata/golden/{scenario.Name}.golden.
//
// To regenerate golden files, run:
//
//	go test ./internal/harness -update
func RunWithGolden(t *testing.T, scenario *Scenario) (*Result, error) {
	t.Helper()

	result, err := Run(scenario)
	if err != nil {
		return nil, err
	}
	for _, msg := range result.Errors {
		t.Error(msg)
	}
	AssertGolden(t, scenario.Name, result)
	return result, nil
}

// AssertGolden compares an existing result with its golden file.
func AssertGolden(t *testing.T, name string, result *Result) {
	t.Helper()

	g := goldie.New(t,
		goldie.WithFixtureDir("testdata/golden"),
		goldie.WithNameSuffix(".golden"),
	)
	g.Assert(t, name, FormatTrace(name, result))
}
