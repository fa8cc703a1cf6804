package engine

import (
	"context"
	"errors"
	"strings"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/roach88/cartengine/internal/availability"
	"github.com/roach88/cartengine/internal/booking"
	"github.com/roach88/cartengine/internal/events"
	"github.com/roach88/cartengine/internal/model"
)

// ActionState is the state of the action state machine.
//
//	Idle -> Validating -> [CheckingAvailability] -> Submitting -> Completed | Failed -> Idle
type ActionState string

const (
	StateIdle                 ActionState = "Idle"
	StateValidating           ActionState = "Validating"
	StateCheckingAvailability ActionState = "CheckingAvailability"
	StateSubmitting           ActionState = "Submitting"
	StateCompleted            ActionState = "Completed"
	StateFailed               ActionState = "Failed"
)

// ActionStatus is the terminal state of an action.
type ActionStatus string

const (
	StatusCompleted ActionStatus = "Completed"
	StatusFailed    ActionStatus = "Failed"
)

// FailureReason says why an action failed.
type FailureReason string

const (
	ReasonConflict      FailureReason = "Conflict"
	ReasonCheckFailed   FailureReason = "CheckFailed"
	ReasonBookingFailed FailureReason = "BookingFailed"
	ReasonCancelled     FailureReason = "Cancelled"
)

// ErrNoBookingService is returned by ExecuteAction when the engine was
// built without WithBooking.
var ErrNoBookingService = errors.New("engine: no booking service configured")

// ErrNoAvailabilityService is returned by ExecuteAction when a check is
// requested but the engine was built without WithAvailability.
var ErrNoAvailabilityService = errors.New("engine: no availability service configured")

// ActionRequest parameterizes ExecuteAction.
type ActionRequest struct {
	ClientID              string
	SkipAvailabilityCheck bool
	Notes                 string
}

// ItemResult is the per-line detail of an action.
type ItemResult struct {
	Key          string
	CatalogID    string
	SerialNumber string
	Quantity     int
	Range        model.DateRange

	// Availability is empty when the check was skipped or not reached.
	Availability availability.Status
	Conflicts    []string
	CheckReason  string

	Booked    bool
	BookingID string
	ErrorCode string
}

// ActionResult is the outcome of an action that got past validation.
type ActionResult struct {
	ActionID   string
	ClientID   string
	Status     ActionStatus
	Reason     FailureReason
	Cancelled  bool
	BookingIDs []string
	Items      []ItemResult
}

// FailedKeys returns the keys of lines that blocked the action: not
// available, or not booked once submission ran. Nil for a completed action.
func (r *ActionResult) FailedKeys() []string {
	if r == nil || r.Status == StatusCompleted {
		return nil
	}
	var keys []string
	for _, it := range r.Items {
		switch {
		case it.Availability != "" && it.Availability != availability.StatusAvailable:
			keys = append(keys, it.Key)
		case it.ErrorCode != "":
			keys = append(keys, it.Key)
		}
	}
	return keys
}

// ExecuteAction converts the cart into bookings.
//
// Validation problems (empty cart, missing client, lines without dates,
// another action running) are returned as *CartError before any service
// is contacted. Otherwise the result is Completed, in which case the cart
// has been cleared, or Failed, in which case the cart is exactly as it
// was. Cancelling ctx stops waiting on the services; bookings the service
// already confirmed are reported but the action is Failed.
func (e *Engine) ExecuteAction(ctx context.Context, req ActionRequest) (*ActionResult, error) {
	if !e.inFlight.CompareAndSwap(false, true) {
		return nil, errActionInProgress()
	}
	defer e.inFlight.Store(false)
	defer e.setState(StateIdle)

	ctx, span := e.tracer.Start(ctx, "cart.ExecuteAction", trace.WithAttributes(
		attribute.String("cart.scope", e.cfg.ScopeID),
		attribute.Bool("cart.skip_availability_check", req.SkipAvailabilityCheck),
	))
	defer span.End()

	e.setState(StateValidating)
	snapshot, ranges, err := e.validateAction(req)
	if err != nil {
		span.SetStatus(codes.Error, err.Error())
		return nil, err
	}

	result := &ActionResult{
		ActionID: e.ids.Generate(),
		ClientID: strings.TrimSpace(req.ClientID),
		Items:    make([]ItemResult, len(snapshot)),
	}
	for i, it := range snapshot {
		result.Items[i] = ItemResult{
			Key:          it.Key(),
			CatalogID:    it.CatalogID,
			SerialNumber: it.SerialNumber,
			Quantity:     it.Quantity,
			Range:        ranges[i],
		}
	}
	span.SetAttributes(
		attribute.String("cart.action_id", result.ActionID),
		attribute.Int("cart.items", len(snapshot)),
	)
	logger := e.logger.With(zap.String("action_id", result.ActionID))
	logger.Info("action started",
		zap.Int("items", len(snapshot)),
		zap.String("client_id", result.ClientID),
		zap.String("notes", req.Notes),
	)

	if !req.SkipAvailabilityCheck {
		e.setState(StateCheckingAvailability)
		if reason, failed := e.checkAvailability(ctx, result); failed {
			return e.fail(span, logger, result, reason), nil
		}
	}

	e.setState(StateSubmitting)
	if reason, failed := e.submit(ctx, result); failed {
		return e.fail(span, logger, result, reason), nil
	}

	return e.complete(span, logger, result), nil
}

// validateAction takes the snapshot and resolves every line's range.
func (e *Engine) validateAction(req ActionRequest) ([]model.CartItem, []model.DateRange, error) {
	if e.executor == nil {
		return nil, nil, ErrNoBookingService
	}
	if !req.SkipAvailabilityCheck && e.validator == nil {
		return nil, nil, ErrNoAvailabilityService
	}

	snapshot := e.Items()
	if len(snapshot) == 0 {
		return nil, nil, newCartError(CodeEmptyCart, "", "cart has no items")
	}
	if strings.TrimSpace(req.ClientID) == "" {
		return nil, nil, newCartError(CodeMissingClient, "", "client id is required")
	}

	ranges := make([]model.DateRange, len(snapshot))
	var missing []string
	for i, it := range snapshot {
		r, ok := it.EffectiveRange(e.cfg.ambient)
		if !ok {
			missing = append(missing, it.Key())
			continue
		}
		ranges[i] = r
	}
	if len(missing) > 0 {
		ce := newCartError(CodeMissingDates, "", "%d item(s) have no rental period", len(missing))
		ce.Details = map[string]string{"keys": strings.Join(missing, ",")}
		return nil, nil, ce
	}
	return snapshot, ranges, nil
}

func (e *Engine) checkAvailability(ctx context.Context, result *ActionResult) (FailureReason, bool) {
	ctx, span := e.tracer.Start(ctx, "cart.CheckAvailability")
	defer span.End()

	reqs := make([]availability.Request, len(result.Items))
	for i, it := range result.Items {
		reqs[i] = availability.Request{
			CatalogID:    it.CatalogID,
			SerialNumber: it.SerialNumber,
			Start:        it.Range.Start,
			End:          it.Range.End,
			Quantity:     it.Quantity,
		}
	}
	check := e.validator.CheckBatch(ctx, reqs)
	for i, c := range check.Items {
		result.Items[i].Availability = c.Status
		result.Items[i].Conflicts = c.Conflicts
		result.Items[i].CheckReason = c.Reason
	}
	span.SetAttributes(
		attribute.Int("cart.unavailable", check.Count(availability.StatusUnavailable)),
		attribute.Int("cart.check_failed", check.Count(availability.StatusCheckFailed)),
	)

	switch {
	case check.Cancelled:
		result.Cancelled = true
		return ReasonCancelled, true
	case check.Count(availability.StatusUnavailable) > 0:
		return ReasonConflict, true
	case check.Count(availability.StatusCheckFailed) > 0:
		return ReasonCheckFailed, true
	}
	return "", false
}

func (e *Engine) submit(ctx context.Context, result *ActionResult) (FailureReason, bool) {
	ctx, span := e.tracer.Start(ctx, "cart.SubmitBookings")
	defer span.End()

	drafts := make([]booking.Draft, len(result.Items))
	for i, it := range result.Items {
		drafts[i] = booking.Draft{
			ClientID:     result.ClientID,
			CatalogID:    it.CatalogID,
			SerialNumber: it.SerialNumber,
			Quantity:     it.Quantity,
			Start:        it.Range.Start,
			End:          it.Range.End,
		}
	}
	res := e.executor.SubmitBatch(booking.WithIdempotencyKey(ctx, result.ActionID), drafts)
	for i, o := range res.Outcomes {
		result.Items[i].Booked = o.Success
		result.Items[i].BookingID = o.BookingID
		result.Items[i].ErrorCode = o.ErrorCode
	}
	result.BookingIDs = res.BookingIDs()
	span.SetAttributes(attribute.Int("cart.booked", len(result.BookingIDs)))

	switch {
	case res.Cancelled:
		result.Cancelled = true
		return ReasonCancelled, true
	case !res.AllSucceeded():
		return ReasonBookingFailed, true
	}
	return "", false
}

func (e *Engine) complete(span trace.Span, logger *zap.Logger, result *ActionResult) *ActionResult {
	result.Status = StatusCompleted
	e.setState(StateCompleted)

	e.mu.Lock()
	n := len(e.items)
	e.items = make(map[string]model.CartItem)
	e.emitLocked(events.Event{
		Kind:    events.KindCleared,
		Cleared: &events.Cleared{PreviousCount: n, Reason: events.ClearReasonActionCompleted},
	})
	e.emitLocked(events.Event{
		Kind: events.KindActionCompleted,
		ActionCompleted: &events.ActionCompleted{
			ActionID:   result.ActionID,
			ClientID:   result.ClientID,
			BookingIDs: append([]string(nil), result.BookingIDs...),
			Items:      itemOutcomes(result.Items),
		},
	})
	e.mu.Unlock()
	e.commit()

	span.SetStatus(codes.Ok, "")
	logger.Info("action completed", zap.Int("bookings", len(result.BookingIDs)))
	return result
}

func (e *Engine) fail(span trace.Span, logger *zap.Logger, result *ActionResult, reason FailureReason) *ActionResult {
	result.Status = StatusFailed
	result.Reason = reason
	e.setState(StateFailed)

	e.mu.Lock()
	e.emitLocked(events.Event{
		Kind: events.KindActionFailed,
		ActionFailed: &events.ActionFailed{
			ActionID:  result.ActionID,
			ClientID:  result.ClientID,
			Reason:    string(reason),
			Cancelled: result.Cancelled,
			Items:     itemOutcomes(result.Items),
		},
	})
	e.mu.Unlock()
	e.publish()

	span.SetStatus(codes.Error, string(reason))
	logger.Warn("action failed",
		zap.String("reason", string(reason)),
		zap.Bool("cancelled", result.Cancelled),
		zap.Strings("failed_keys", result.FailedKeys()),
		zap.Int("bookings", len(result.BookingIDs)),
	)
	return result
}

func itemOutcomes(items []ItemResult) []events.ItemOutcome {
	out := make([]events.ItemOutcome, len(items))
	for i, it := range items {
		out[i] = events.ItemOutcome{
			Key:          it.Key,
			CatalogID:    it.CatalogID,
			SerialNumber: it.SerialNumber,
			Quantity:     it.Quantity,
			Range:        it.Range,
			Availability: string(it.Availability),
			Conflicts:    append([]string(nil), it.Conflicts...),
			Booked:       it.Booked,
			BookingID:    it.BookingID,
			ErrorCode:    it.ErrorCode,
		}
	}
	return out
}
