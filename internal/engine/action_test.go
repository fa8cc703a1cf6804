package engine

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/cartengine/internal/availability"
	"github.com/roach88/cartengine/internal/booking"
	"github.com/roach88/cartengine/internal/events"
	"github.com/roach88/cartengine/internal/ledger"
	"github.com/roach88/cartengine/internal/model"
	"github.com/roach88/cartengine/internal/testutil"
)

type availabilityFunc func(context.Context, []availability.Request) ([]availability.Response, error)

func (f availabilityFunc) CheckBatch(ctx context.Context, reqs []availability.Request) ([]availability.Response, error) {
	return f(ctx, reqs)
}

type bookingFunc func(context.Context, []booking.Draft) ([]booking.Response, error)

func (f bookingFunc) SubmitBatch(ctx context.Context, drafts []booking.Draft) ([]booking.Response, error) {
	return f(ctx, drafts)
}

func newLedger(opts ...ledger.Option) *ledger.Ledger {
	ids := testutil.NewSequenceIDs("bk")
	base := []ledger.Option{
		ledger.WithIDGenerator(ids.Generate),
		ledger.WithNow(testutil.NewFixedClock(t0).Now),
	}
	return ledger.New(append(base, opts...)...)
}

func newLedgerEngine(t *testing.T, l *ledger.Ledger, mutate func(*Config), opts ...Option) (*Engine, *recorder) {
	t.Helper()
	base := []Option{WithAvailability(l), WithBooking(l)}
	return newTestEngine(t, mutate, append(base, opts...)...)
}

func preBook(t *testing.T, l *ledger.Ledger, catalogID, serial string, qty int) string {
	t.Helper()
	resp, err := l.SubmitBatch(context.Background(), []booking.Draft{{
		ClientID:     "someone-else",
		CatalogID:    catalogID,
		SerialNumber: serial,
		Quantity:     qty,
		Start:        rentStart,
		End:          rentEnd,
	}})
	require.NoError(t, err)
	require.True(t, resp[0].Success)
	return resp[0].BookingID
}

func TestExecuteAction_ConflictKeepsCart(t *testing.T) {
	l := newLedger(ledger.WithStock(map[string]int{"tripod-1": 4}))
	taken := preBook(t, l, "cam-1", "SN2", 1)
	e, rec := newLedgerEngine(t, l, nil)

	_, _ = e.AddItem(desc("cam-1", "SN1"), 1)
	_, _ = e.AddItem(desc("cam-1", "SN2"), 1)
	_, _ = e.AddItem(desc("tripod-1", ""), 2)
	before := e.Items()
	rec.reset()

	res, err := e.ExecuteAction(context.Background(), ActionRequest{ClientID: "client-7"})
	require.NoError(t, err)

	assert.Equal(t, StatusFailed, res.Status)
	assert.Equal(t, ReasonConflict, res.Reason)
	assert.Equal(t, "action-0001", res.ActionID)
	assert.Equal(t, []string{"cam-1:SN2"}, res.FailedKeys())
	require.Len(t, res.Items, 3)
	assert.Equal(t, availability.StatusUnavailable, res.Items[1].Availability)
	assert.Equal(t, []string{taken}, res.Items[1].Conflicts)
	assert.Equal(t, availability.StatusAvailable, res.Items[0].Availability)
	assert.Empty(t, res.BookingIDs)

	assert.Equal(t, before, e.Items(), "a failed action leaves the cart untouched")
	assert.Len(t, l.Bookings(), 1, "nothing was submitted")
	assert.Equal(t, StateIdle, e.State())

	require.Equal(t, []events.Kind{events.KindActionFailed}, rec.kinds())
	failed := rec.last().ActionFailed
	assert.Equal(t, "Conflict", failed.Reason)
	assert.Equal(t, "client-7", failed.ClientID)
	assert.Equal(t, "unavailable", failed.Items[1].Availability)
}

func TestExecuteAction_SuccessClearsCart(t *testing.T) {
	l := newLedger(ledger.WithDefaultStock(5))
	e, rec := newLedgerEngine(t, l, nil)

	_, _ = e.AddItem(desc("cam-1", "SN1"), 1)
	_, _ = e.AddItem(desc("tripod-1", ""), 3)
	rec.reset()

	res, err := e.ExecuteAction(context.Background(), ActionRequest{ClientID: " client-7 ", Notes: "pickup 9am"})
	require.NoError(t, err)

	assert.Equal(t, StatusCompleted, res.Status)
	assert.Empty(t, res.Reason)
	assert.Equal(t, "client-7", res.ClientID)
	assert.Equal(t, []string{"bk-0001", "bk-0002"}, res.BookingIDs)
	assert.Nil(t, res.FailedKeys())
	assert.Equal(t, 0, e.Len())

	bookings := l.Bookings()
	require.Len(t, bookings, 2)
	assert.Equal(t, "client-7", bookings[0].ClientID)
	assert.Equal(t, model.DateRange{Start: rentStart, End: rentEnd}, bookings[1].Range)
	assert.Equal(t, 3, bookings[1].Quantity)

	require.Equal(t, []events.Kind{events.KindCleared, events.KindActionCompleted}, rec.kinds())
	rec.mu.Lock()
	cleared := rec.events[0].Cleared
	rec.mu.Unlock()
	assert.Equal(t, events.ClearReasonActionCompleted, cleared.Reason)
	assert.Equal(t, 2, cleared.PreviousCount)

	completed := rec.last().ActionCompleted
	assert.Equal(t, "action-0001", completed.ActionID)
	assert.Equal(t, res.BookingIDs, completed.BookingIDs)
	assert.True(t, completed.Items[0].Booked)
}

func TestExecuteAction_ValidationErrors(t *testing.T) {
	l := newLedger(ledger.WithDefaultStock(5))

	t.Run("empty cart", func(t *testing.T) {
		e, rec := newLedgerEngine(t, l, nil)
		res, err := e.ExecuteAction(context.Background(), ActionRequest{ClientID: "c"})
		assert.Nil(t, res)
		assert.True(t, IsCode(err, CodeEmptyCart))
		assert.Empty(t, rec.kinds())
	})

	t.Run("missing client", func(t *testing.T) {
		e, _ := newLedgerEngine(t, l, nil)
		_, _ = e.AddItem(desc("a", ""), 1)
		_, err := e.ExecuteAction(context.Background(), ActionRequest{ClientID: "   "})
		assert.True(t, IsCode(err, CodeMissingClient))
		assert.Equal(t, 1, e.Len())
	})

	t.Run("missing dates", func(t *testing.T) {
		e, _ := newLedgerEngine(t, l, func(c *Config) { c.AmbientRange = nil })
		_, _ = e.AddItem(desc("a", ""), 1)
		_, _ = e.AddItem(desc("b", ""), 1)
		start := rentStart
		end := rentEnd
		require.NoError(t, e.SetItemDateOverride("a", &start, &end))

		_, err := e.ExecuteAction(context.Background(), ActionRequest{ClientID: "c"})
		require.True(t, IsCode(err, CodeMissingDates))
		var ce *CartError
		require.ErrorAs(t, err, &ce)
		assert.Equal(t, "b", ce.Details["keys"])

		require.NoError(t, e.SetItemDateOverride("b", &start, &end))
		res, err := e.ExecuteAction(context.Background(), ActionRequest{ClientID: "c"})
		require.NoError(t, err)
		assert.Equal(t, StatusCompleted, res.Status)
	})

	t.Run("no booking service", func(t *testing.T) {
		e, _ := newTestEngine(t, nil, WithAvailability(l))
		_, _ = e.AddItem(desc("a", ""), 1)
		_, err := e.ExecuteAction(context.Background(), ActionRequest{ClientID: "c"})
		assert.ErrorIs(t, err, ErrNoBookingService)
	})

	t.Run("no availability service", func(t *testing.T) {
		e, _ := newTestEngine(t, nil, WithBooking(l))
		_, _ = e.AddItem(desc("a", ""), 1)
		_, err := e.ExecuteAction(context.Background(), ActionRequest{ClientID: "c"})
		assert.ErrorIs(t, err, ErrNoAvailabilityService)

		res, err := e.ExecuteAction(context.Background(), ActionRequest{ClientID: "c", SkipAvailabilityCheck: true})
		require.NoError(t, err)
		assert.Equal(t, StatusCompleted, res.Status)
	})
}

func TestExecuteAction_SkipCheckDoesNotCallAvailability(t *testing.T) {
	l := newLedger(ledger.WithDefaultStock(5))
	calls := 0
	svc := availabilityFunc(func(context.Context, []availability.Request) ([]availability.Response, error) {
		calls++
		return nil, nil
	})
	e, _ := newTestEngine(t, nil, WithAvailability(svc), WithBooking(l))
	_, _ = e.AddItem(desc("a", ""), 1)

	res, err := e.ExecuteAction(context.Background(), ActionRequest{ClientID: "c", SkipAvailabilityCheck: true})
	require.NoError(t, err)

	assert.Equal(t, StatusCompleted, res.Status)
	assert.Zero(t, calls)
	assert.Empty(t, res.Items[0].Availability)
}

func TestExecuteAction_CheckFailed(t *testing.T) {
	l := newLedger(ledger.WithDefaultStock(5))
	l.FailChecks("b", "catalog offline")
	e, _ := newLedgerEngine(t, l, nil)
	_, _ = e.AddItem(desc("a", ""), 1)
	_, _ = e.AddItem(desc("b", ""), 1)

	res, err := e.ExecuteAction(context.Background(), ActionRequest{ClientID: "c"})
	require.NoError(t, err)

	assert.Equal(t, ReasonCheckFailed, res.Reason)
	assert.Equal(t, availability.StatusCheckFailed, res.Items[1].Availability)
	assert.Equal(t, "catalog offline", res.Items[1].CheckReason)
	assert.Equal(t, []string{"b"}, res.FailedKeys())
	assert.Equal(t, 2, e.Len())
}

func TestExecuteAction_ConflictOutranksCheckFailure(t *testing.T) {
	l := newLedger(ledger.WithStock(map[string]int{"a": 1}))
	preBook(t, l, "a", "", 1)
	l.FailChecks("b", "timeout")
	e, _ := newLedgerEngine(t, l, nil)
	_, _ = e.AddItem(desc("a", ""), 1)
	_, _ = e.AddItem(desc("b", ""), 1)

	res, err := e.ExecuteAction(context.Background(), ActionRequest{ClientID: "c"})
	require.NoError(t, err)
	assert.Equal(t, ReasonConflict, res.Reason)
	assert.ElementsMatch(t, []string{"a", "b"}, res.FailedKeys())
}

func TestExecuteAction_PartialBookingFailureKeepsCart(t *testing.T) {
	l := newLedger(ledger.WithDefaultStock(5))
	l.FailBookings("b", "OVERBOOKED")
	e, rec := newLedgerEngine(t, l, nil)
	_, _ = e.AddItem(desc("a", ""), 1)
	_, _ = e.AddItem(desc("b", ""), 2)
	before := e.Items()

	res, err := e.ExecuteAction(context.Background(), ActionRequest{ClientID: "c"})
	require.NoError(t, err)

	assert.Equal(t, StatusFailed, res.Status)
	assert.Equal(t, ReasonBookingFailed, res.Reason)
	assert.Equal(t, []string{"bk-0001"}, res.BookingIDs, "confirmed bookings are still reported")
	assert.True(t, res.Items[0].Booked)
	assert.Equal(t, "OVERBOOKED", res.Items[1].ErrorCode)
	assert.Equal(t, []string{"b"}, res.FailedKeys())
	assert.Equal(t, before, e.Items())
	assert.Equal(t, events.KindActionFailed, rec.last().Kind)
}

func TestExecuteAction_CancelledDuringSubmission(t *testing.T) {
	l := newLedger(ledger.WithDefaultStock(5))
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	calls := 0
	svc := bookingFunc(func(ctx context.Context, drafts []booking.Draft) ([]booking.Response, error) {
		calls++
		if calls == 2 {
			cancel()
			return nil, ctx.Err()
		}
		return l.SubmitBatch(ctx, drafts)
	})
	e, _ := newTestEngine(t, nil, WithAvailability(l), WithBooking(svc, booking.WithMaxBatch(1)))
	_, _ = e.AddItem(desc("a", ""), 1)
	_, _ = e.AddItem(desc("b", ""), 1)
	_, _ = e.AddItem(desc("c", ""), 1)

	res, err := e.ExecuteAction(ctx, ActionRequest{ClientID: "c"})
	require.NoError(t, err)

	assert.Equal(t, StatusFailed, res.Status)
	assert.Equal(t, ReasonCancelled, res.Reason)
	assert.True(t, res.Cancelled)
	assert.Equal(t, []string{"bk-0001"}, res.BookingIDs)
	assert.Equal(t, booking.CodeCancelled, res.Items[1].ErrorCode)
	assert.Equal(t, booking.CodeCancelled, res.Items[2].ErrorCode)
	assert.Equal(t, 3, e.Len())
	assert.Equal(t, StateIdle, e.State())
}

func TestExecuteAction_CancelledBeforeCheck(t *testing.T) {
	l := newLedger(ledger.WithDefaultStock(5))
	e, _ := newLedgerEngine(t, l, nil)
	_, _ = e.AddItem(desc("a", ""), 1)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	res, err := e.ExecuteAction(ctx, ActionRequest{ClientID: "c"})
	require.NoError(t, err)

	assert.Equal(t, ReasonCancelled, res.Reason)
	assert.True(t, res.Cancelled)
	assert.Empty(t, l.Bookings())
	assert.Equal(t, 1, e.Len())
}

// blockingCheck parks CheckBatch until release is closed.
type blockingCheck struct {
	next    availability.Service
	entered chan struct{}
	release chan struct{}
	once    sync.Once
}

func newBlockingCheck(next availability.Service) *blockingCheck {
	return &blockingCheck{next: next, entered: make(chan struct{}), release: make(chan struct{})}
}

func (b *blockingCheck) CheckBatch(ctx context.Context, reqs []availability.Request) ([]availability.Response, error) {
	b.once.Do(func() { close(b.entered) })
	select {
	case <-b.release:
	case <-ctx.Done():
		return nil, ctx.Err()
	}
	return b.next.CheckBatch(ctx, reqs)
}

func TestExecuteAction_SecondCallWhileInFlight(t *testing.T) {
	l := newLedger(ledger.WithDefaultStock(5))
	gate := newBlockingCheck(l)
	e, _ := newTestEngine(t, nil, WithAvailability(gate), WithBooking(l))
	_, _ = e.AddItem(desc("a", ""), 1)
	_, _ = e.AddItem(desc("b", ""), 1)

	type outcome struct {
		res *ActionResult
		err error
	}
	done := make(chan outcome, 1)
	go func() {
		res, err := e.ExecuteAction(context.Background(), ActionRequest{ClientID: "c"})
		done <- outcome{res, err}
	}()

	select {
	case <-gate.entered:
	case <-time.After(5 * time.Second):
		t.Fatal("first action never reached the availability check")
	}

	_, err := e.ExecuteAction(context.Background(), ActionRequest{ClientID: "c"})
	assert.True(t, IsCode(err, CodeActionInProgress))
	assert.Equal(t, StateCheckingAvailability, e.State())

	// Mutations stay available while the action waits.
	_, err = e.AddItem(desc("late", ""), 1)
	require.NoError(t, err)

	close(gate.release)
	var got outcome
	select {
	case got = <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("first action never finished")
	}

	require.NoError(t, got.err)
	assert.Equal(t, StatusCompleted, got.res.Status)
	assert.Len(t, got.res.Items, 2, "the action works on the snapshot taken at validation")
	assert.Len(t, l.Bookings(), 2)
	assert.Equal(t, 0, e.Len(), "success clears lines added mid-action too")
	assert.Equal(t, StateIdle, e.State())

	_, err = e.ExecuteAction(context.Background(), ActionRequest{ClientID: "c"})
	assert.True(t, IsCode(err, CodeEmptyCart), "a new action may start once the first finished")
}

func TestExecuteAction_IdempotencyKeyIsActionID(t *testing.T) {
	l := newLedger(ledger.WithDefaultStock(5))
	var keys []string
	svc := bookingFunc(func(ctx context.Context, drafts []booking.Draft) ([]booking.Response, error) {
		keys = append(keys, booking.IdempotencyKey(ctx))
		return l.SubmitBatch(ctx, drafts)
	})
	e, _ := newTestEngine(t, nil, WithBooking(svc))

	for i := range 2 {
		_, _ = e.AddItem(desc(fmt.Sprintf("item-%d", i), ""), 1)
		res, err := e.ExecuteAction(context.Background(), ActionRequest{ClientID: "c", SkipAvailabilityCheck: true})
		require.NoError(t, err)
		require.Equal(t, StatusCompleted, res.Status)
	}
	assert.Equal(t, []string{"action-0001", "action-0002"}, keys)
}
