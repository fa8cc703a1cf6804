package engine

import (
	"errors"
	"strings"
	"time"

	"github.com/roach88/cartengine/internal/events"
	"github.com/roach88/cartengine/internal/model"
)

// AddOutcome describes what AddItem did.
type AddOutcome string

const (
	OutcomeAdded               AddOutcome = "Added"
	OutcomeQuantityIncremented AddOutcome = "QuantityIncremented"
	OutcomeQuantityClamped     AddOutcome = "QuantityClamped"
	OutcomeDuplicateSerial     AddOutcome = "DuplicateSerial"
)

// AddItem adds qty units of desc. A qty of zero or less counts as 1.
//
// A key already in the cart aggregates: non-serialized lines add the
// quantity (clamped to MaxQuantityPerItem); a serialized unit is a no-op
// that returns OutcomeDuplicateSerial with a CodeDuplicateSerial error.
// A new key needs room under MaxItems and is inserted with the clamped
// quantity (always 1 for serialized units).
func (e *Engine) AddItem(desc model.ItemDescriptor, qty int) (AddOutcome, error) {
	if err := desc.Validate(); err != nil {
		ce := newCartError(CodeInvalidItem, "", "item descriptor is incomplete or malformed")
		var fe *model.FieldsError
		if errors.As(err, &fe) {
			ce.Details = map[string]string{"fields": strings.Join(fe.Fields, ",")}
		}
		return "", ce
	}
	desc = desc.Normalized()
	if qty <= 0 {
		qty = 1
	}
	key := desc.Key()

	e.mu.Lock()
	outcome, err := e.addLocked(desc, key, qty)
	e.mu.Unlock()
	if err != nil {
		return outcome, err
	}

	e.logger.Debug("item added", zapKey(key), zapOutcome(outcome))
	e.commit()
	return outcome, nil
}

func (e *Engine) addLocked(desc model.ItemDescriptor, key string, qty int) (AddOutcome, error) {
	if existing, ok := e.items[key]; ok {
		if existing.Serialized() {
			return OutcomeDuplicateSerial, newCartError(CodeDuplicateSerial, key, "serialized unit is already in the cart")
		}
		prev := existing.Quantity
		q, clamped := e.limits.clamp(prev + qty)
		outcome := OutcomeQuantityIncremented
		if clamped {
			outcome = OutcomeQuantityClamped
		}
		existing.Quantity = q
		e.items[key] = existing
		e.emitLocked(events.Event{
			Kind: events.KindItemUpdated,
			ItemUpdated: &events.ItemUpdated{
				Item:             existing.Clone(),
				PreviousQuantity: prev,
				Outcome:          string(outcome),
			},
		})
		return outcome, nil
	}

	if !e.limits.canInsert(len(e.items)) {
		ce := newCartError(CodeCapacityExceeded, key, "cart already holds %d items", len(e.items))
		ce.Details = map[string]string{"maxItems": itoa(e.cfg.MaxItems)}
		return "", ce
	}

	var q int
	var clamped bool
	if desc.SerialNumber != "" {
		q, clamped = 1, qty > 1
	} else {
		q, clamped = e.limits.clamp(qty)
	}
	outcome := OutcomeAdded
	if clamped {
		outcome = OutcomeQuantityClamped
	}

	item := model.CartItem{
		CatalogID:    desc.CatalogID,
		DisplayName:  desc.DisplayName,
		Category:     desc.Category,
		SerialNumber: desc.SerialNumber,
		Quantity:     q,
		AddedAt:      e.nowUTC(),
	}
	e.items[key] = item
	e.emitLocked(events.Event{
		Kind:      events.KindItemAdded,
		ItemAdded: &events.ItemAdded{Item: item.Clone(), Outcome: string(outcome)},
	})
	return outcome, nil
}

// RemoveItem removes the line with key and reports whether it existed.
func (e *Engine) RemoveItem(key string) bool {
	key = model.NormalizeID(key)

	e.mu.Lock()
	removed := e.removeLocked(key)
	e.mu.Unlock()
	if !removed {
		return false
	}

	e.logger.Debug("item removed", zapKey(key))
	e.commit()
	return true
}

func (e *Engine) removeLocked(key string) bool {
	it, ok := e.items[key]
	if !ok {
		return false
	}
	delete(e.items, key)
	e.emitLocked(events.Event{
		Kind:        events.KindItemRemoved,
		ItemRemoved: &events.ItemRemoved{Key: key, Item: it.Clone()},
	})
	return true
}

// UpdateQuantity sets a line's quantity. Zero or less removes the line.
// Quantities above MaxQuantityPerItem, or other than 1 for a serialized
// unit, are rejected with CodeQuantityExceeded and change nothing.
func (e *Engine) UpdateQuantity(key string, qty int) error {
	key = model.NormalizeID(key)

	e.mu.Lock()
	it, ok := e.items[key]
	if !ok {
		e.mu.Unlock()
		return errItemNotFound(key)
	}
	if qty <= 0 {
		e.removeLocked(key)
		e.mu.Unlock()
		e.logger.Debug("item removed by zero quantity", zapKey(key))
		e.commit()
		return nil
	}
	if !e.limits.allowsUpdate(qty, it.Serialized()) {
		e.mu.Unlock()
		ce := newCartError(CodeQuantityExceeded, key, "quantity %d is not allowed", qty)
		if it.Serialized() {
			ce.Details = map[string]string{"serialized": "true"}
		} else {
			ce.Details = map[string]string{"maxQuantityPerItem": itoa(e.cfg.MaxQuantityPerItem)}
		}
		return ce
	}
	if qty == it.Quantity {
		e.mu.Unlock()
		return nil
	}
	prev := it.Quantity
	it.Quantity = qty
	e.items[key] = it
	e.emitLocked(events.Event{
		Kind: events.KindItemUpdated,
		ItemUpdated: &events.ItemUpdated{
			Item:             it.Clone(),
			PreviousQuantity: prev,
			Outcome:          "QuantitySet",
		},
	})
	e.mu.Unlock()

	e.commit()
	return nil
}

// SetItemDateOverride sets or, with both bounds nil, clears a line's
// rental period. A single nil bound or start >= end is rejected with
// CodeInvalidDateRange.
func (e *Engine) SetItemDateOverride(key string, start, end *time.Time) error {
	key = model.NormalizeID(key)

	var override *model.DateRange
	switch {
	case start == nil && end == nil:
	case start == nil || end == nil:
		return newCartError(CodeInvalidDateRange, key, "override needs both start and end")
	default:
		r := model.DateRange{Start: start.UTC(), End: end.UTC()}
		if !r.Valid() {
			return newCartError(CodeInvalidDateRange, key, "start %s is not before end %s",
				r.Start.Format(time.RFC3339), r.End.Format(time.RFC3339))
		}
		override = &r
	}

	// Resolve the ambient range before locking; the callback is user code.
	ambient, hasAmbient := e.cfg.ambient()

	e.mu.Lock()
	it, ok := e.items[key]
	if !ok {
		e.mu.Unlock()
		return errItemNotFound(key)
	}
	it.DateOverride = override
	e.items[key] = it

	payload := &events.ItemDatesUpdated{Key: key}
	if override != nil {
		o := *override
		payload.Override = &o
		eff := *override
		payload.Effective = &eff
	} else if hasAmbient {
		payload.Effective = &ambient
	}
	e.emitLocked(events.Event{Kind: events.KindItemDatesUpdated, ItemDatesUpdated: payload})
	e.mu.Unlock()

	e.commit()
	return nil
}

// Clear empties the cart and returns how many lines it held.
func (e *Engine) Clear() int {
	n := e.clear(events.ClearReasonExplicit)
	e.commit()
	return n
}

func (e *Engine) clear(reason string) int {
	e.mu.Lock()
	defer e.mu.Unlock()
	n := len(e.items)
	e.items = make(map[string]model.CartItem)
	e.emitLocked(events.Event{
		Kind:    events.KindCleared,
		Cleared: &events.Cleared{PreviousCount: n, Reason: reason},
	})
	return n
}
