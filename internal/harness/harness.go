package harness

import (
	"context"
	"fmt"
	"slices"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/roach88/cartengine/internal/booking"
	"github.com/roach88/cartengine/internal/engine"
	"github.com/roach88/cartengine/internal/events"
	"github.com/roach88/cartengine/internal/ledger"
	"github.com/roach88/cartengine/internal/model"
	"github.com/roach88/cartengine/internal/testutil"
)

// ScopeID is the scope every scenario engine runs under.
const ScopeID = "scenario"

// Epoch is the first instant of the scenario clock.
var Epoch = time.Date(2024, 5, 1, 9, 0, 0, 0, time.UTC)

// Harness executes one scenario against its own engine and ledger.
type Harness struct {
	engine *engine.Engine
	ledger *ledger.Ledger

	mu    sync.Mutex
	trace []events.Event
}

// Option configures Run.
type Option func(*options)

type options struct {
	logger *zap.Logger
}

// WithLogger routes engine logs to l. Scenarios are silent by default.
func WithLogger(l *zap.Logger) Option {
	return func(o *options) {
		if l != nil {
			o.logger = l
		}
	}
}

// Run executes a scenario and returns the result.
//
// Execution flow:
//  1. Build a ledger from stock and pre-existing bookings
//  2. Build an engine with a stepping clock and sequential ids
//  3. Execute steps, checking expect clauses
//  4. Evaluate assertions against the trace and final cart
//
// The error is non-nil only when the scenario cannot be set up; failed
// expectations are reported in Result.Errors.
func Run(scenario *Scenario, opts ...Option) (*Result, error) {
	o := options{logger: zap.NewNop()}
	for _, opt := range opts {
		opt(&o)
	}
	ctx := context.Background()

	h, err := newHarness(ctx, scenario, o.logger)
	if err != nil {
		return nil, err
	}

	result := NewResult()
	for i, step := range scenario.Steps {
		h.execute(ctx, i, step, result)
	}

	result.Trace = h.events()
	result.Final = h.engine.Items()
	for _, msg := range EvaluateAssertions(result, scenario.Assertions) {
		result.AddError(msg)
	}
	return result, nil
}

func newHarness(ctx context.Context, s *Scenario, logger *zap.Logger) (*Harness, error) {
	clock := testutil.NewSteppingClock(Epoch, time.Second)

	l := ledger.New(
		ledger.WithStock(s.Stock.Items),
		ledger.WithDefaultStock(s.Stock.Default),
		ledger.WithIDGenerator(testutil.NewSequenceIDs("bk").Generate),
		ledger.WithNow(testutil.NewFixedClock(Epoch).Now),
	)
	if err := seedBookings(ctx, l, s); err != nil {
		return nil, err
	}

	cfg := engine.Config{
		ScopeID:            ScopeID,
		MaxItems:           s.Config.MaxItems,
		MaxQuantityPerItem: s.Config.MaxQuantityPerItem,
	}
	if s.Ambient != nil {
		r := model.DateRange{Start: s.Ambient.Start.UTC(), End: s.Ambient.End.UTC()}
		cfg.AmbientRange = func() (model.DateRange, bool) { return r, true }
	}

	e, err := engine.New(ctx, cfg,
		engine.WithAvailability(l),
		engine.WithBooking(l),
		engine.WithClock(clock),
		engine.WithIDGenerator(testutil.NewSequenceIDs("action")),
		engine.WithLogger(logger),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create engine: %w", err)
	}

	h := &Harness{engine: e, ledger: l}
	e.Bus().SubscribeAll(h.record)
	return h, nil
}

func seedBookings(ctx context.Context, l *ledger.Ledger, s *Scenario) error {
	for i, b := range s.Bookings {
		rng := s.Ambient
		if b.Range != nil {
			rng = b.Range
		}
		qty := b.Quantity
		if qty <= 0 {
			qty = 1
		}
		resp, err := l.SubmitBatch(ctx, []booking.Draft{{
			ClientID:     "other-client",
			CatalogID:    b.CatalogID,
			SerialNumber: b.SerialNumber,
			Quantity:     qty,
			Start:        rng.Start.UTC(),
			End:          rng.End.UTC(),
		}})
		if err != nil {
			return fmt.Errorf("bookings[%d]: %w", i, err)
		}
		if len(resp) != 1 || !resp[0].Success {
			return fmt.Errorf("bookings[%d]: ledger rejected the booking", i)
		}
	}
	return nil
}

func (h *Harness) record(ev events.Event) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.trace = append(h.trace, ev)
}

func (h *Harness) events() []events.Event {
	h.mu.Lock()
	defer h.mu.Unlock()
	return slices.Clone(h.trace)
}

func (h *Harness) execute(ctx context.Context, i int, step Step, result *Result) {
	fail := func(format string, args ...any) {
		result.AddError(fmt.Sprintf("steps[%d] (%s): ", i, step.Op) + fmt.Sprintf(format, args...))
	}
	expect := step.Expect
	if expect == nil {
		expect = &Expect{}
	}
	checkErr := func(err error) {
		got := string(engine.CodeOf(err))
		if err != nil && got == "" {
			got = err.Error()
		}
		if got != expect.Error {
			fail("expected error %q, got %q", expect.Error, got)
		}
	}

	switch step.Op {
	case OpAdd:
		outcome, err := h.engine.AddItem(*step.Item, step.Quantity)
		checkErr(err)
		if expect.Outcome != "" && string(outcome) != expect.Outcome {
			fail("expected outcome %s, got %s", expect.Outcome, outcome)
		}

	case OpRemove:
		removed := h.engine.RemoveItem(step.Key)
		if expect.Removed != nil && removed != *expect.Removed {
			fail("expected removed=%t, got %t", *expect.Removed, removed)
		}

	case OpSetQuantity:
		checkErr(h.engine.UpdateQuantity(step.Key, step.Quantity))

	case OpSetDates:
		checkErr(h.engine.SetItemDateOverride(step.Key, step.Start, step.End))

	case OpClear:
		n := h.engine.Clear()
		if expect.Cleared != nil && n != *expect.Cleared {
			fail("expected %d cleared, got %d", *expect.Cleared, n)
		}

	case OpCheckout:
		res, err := h.engine.ExecuteAction(ctx, engine.ActionRequest{
			ClientID:              step.ClientID,
			SkipAvailabilityCheck: step.SkipCheck,
		})
		checkErr(err)
		if res == nil {
			return
		}
		checkAction(res, expect, fail)

	case OpSetStock:
		h.ledger.SetStock(step.CatalogID, step.Quantity)

	case OpFailBooking:
		h.ledger.FailBookings(step.CatalogID, step.Code)

	case OpFailCheck:
		h.ledger.FailChecks(step.CatalogID, step.Code)
	}
}

func checkAction(res *engine.ActionResult, expect *Expect, fail func(string, ...any)) {
	if expect.Status != "" && string(res.Status) != expect.Status {
		fail("expected status %s, got %s", expect.Status, res.Status)
	}
	if expect.Reason != "" && string(res.Reason) != expect.Reason {
		fail("expected reason %s, got %s", expect.Reason, res.Reason)
	}
	if expect.FailedKeys != nil && !slices.Equal(expect.FailedKeys, res.FailedKeys()) {
		fail("expected failed keys %v, got %v", expect.FailedKeys, res.FailedKeys())
	}
	if expect.Bookings != nil && len(res.BookingIDs) != *expect.Bookings {
		fail("expected %d bookings, got %d", *expect.Bookings, len(res.BookingIDs))
	}
}
