package events

import (
	"time"

	"github.com/roach88/cartengine/internal/model"
)

// Kind names an event.
type Kind string

const (
	KindItemAdded        Kind = "itemAdded"
	KindItemRemoved      Kind = "itemRemoved"
	KindItemUpdated      Kind = "itemUpdated"
	KindItemDatesUpdated Kind = "itemDatesUpdated"
	KindCleared          Kind = "cleared"
	KindActionCompleted  Kind = "actionCompleted"
	KindActionFailed     Kind = "actionFailed"
	KindPersistError     Kind = "persistError"
)

// AllKinds lists every event kind in a stable order.
var AllKinds = []Kind{
	KindItemAdded,
	KindItemRemoved,
	KindItemUpdated,
	KindItemDatesUpdated,
	KindCleared,
	KindActionCompleted,
	KindActionFailed,
	KindPersistError,
}

// Event is a tagged variant: Kind selects which payload pointer is set.
// Exactly one payload is non-nil for a well-formed event.
type Event struct {
	Kind  Kind
	Scope string
	Seq   int64
	At    time.Time

	ItemAdded        *ItemAdded
	ItemRemoved      *ItemRemoved
	ItemUpdated      *ItemUpdated
	ItemDatesUpdated *ItemDatesUpdated
	Cleared          *Cleared
	ActionCompleted  *ActionCompleted
	ActionFailed     *ActionFailed
	PersistError     *PersistError
}

// Payload returns the payload selected by Kind, or nil.
func (e Event) Payload() any {
	switch e.Kind {
	case KindItemAdded:
		return e.ItemAdded
	case KindItemRemoved:
		return e.ItemRemoved
	case KindItemUpdated:
		return e.ItemUpdated
	case KindItemDatesUpdated:
		return e.ItemDatesUpdated
	case KindCleared:
		return e.Cleared
	case KindActionCompleted:
		return e.ActionCompleted
	case KindActionFailed:
		return e.ActionFailed
	case KindPersistError:
		return e.PersistError
	default:
		return nil
	}
}

// HasPayload reports whether the payload selected by Kind is set.
func (e Event) HasPayload() bool {
	switch e.Kind {
	case KindItemAdded:
		return e.ItemAdded != nil
	case KindItemRemoved:
		return e.ItemRemoved != nil
	case KindItemUpdated:
		return e.ItemUpdated != nil
	case KindItemDatesUpdated:
		return e.ItemDatesUpdated != nil
	case KindCleared:
		return e.Cleared != nil
	case KindActionCompleted:
		return e.ActionCompleted != nil
	case KindActionFailed:
		return e.ActionFailed != nil
	case KindPersistError:
		return e.PersistError != nil
	default:
		return false
	}
}

// ItemAdded is emitted when a new key enters the cart.
type ItemAdded struct {
	Item    model.CartItem
	Outcome string
}

// ItemRemoved is emitted when a key leaves the cart.
type ItemRemoved struct {
	Key  string
	Item model.CartItem
}

// ItemUpdated is emitted when an existing line's quantity changes (or an
// addition was clamped at the ceiling). PreviousQuantity supports UI diffing.
type ItemUpdated struct {
	Item             model.CartItem
	PreviousQuantity int
	Outcome          string
}

// ItemDatesUpdated carries the new override (nil when cleared) and the
// resolved effective range (nil when nothing resolves).
type ItemDatesUpdated struct {
	Key       string
	Override  *model.DateRange
	Effective *model.DateRange
}

// Cleared is emitted when the cart is emptied.
type Cleared struct {
	PreviousCount int
	Reason        string
}

// Clear reasons.
const (
	ClearReasonExplicit        = "explicit"
	ClearReasonActionCompleted = "actionCompleted"
)

// ActionCompleted is emitted after a fully successful action.
type ActionCompleted struct {
	ActionID   string
	ClientID   string
	BookingIDs []string
	Items      []ItemOutcome
}

// ActionFailed is emitted when an action ends in the Failed state.
// The cart is untouched; Items tells the caller what to fix or retry.
type ActionFailed struct {
	ActionID  string
	ClientID  string
	Reason    string
	Cancelled bool
	Items     []ItemOutcome
}

// ItemOutcome is the per-item detail of an action.
type ItemOutcome struct {
	Key          string
	CatalogID    string
	SerialNumber string
	Quantity     int
	Range        model.DateRange

	// Availability is "available", "unavailable", "checkFailed" or empty
	// when the check was skipped or not reached.
	Availability string
	Conflicts    []string

	Booked    bool
	BookingID string
	ErrorCode string
}

// PersistError is emitted when a debounced save fails. The cart keeps
// working in memory.
type PersistError struct {
	Code    string
	Message string
	Err     error
}
