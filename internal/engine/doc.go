// Package engine implements the cart: a keyed collection of rentable items
// for one scope, the mutations on it, and the action that turns it into
// bookings.
//
// ARCHITECTURE:
//
// Mutations (AddItem, RemoveItem, UpdateQuantity, SetItemDateOverride,
// Clear) take the engine lock, change the item map, and queue an event.
// After the lock is released the queued events are published on the bus
// in mutation order, and a debounced save is scheduled when storage is
// configured. A subscriber may call back into the engine.
//
// ExecuteAction runs a small state machine:
//
//	Idle -> Validating -> [CheckingAvailability] -> Submitting -> Completed | Failed -> Idle
//
// Validation snapshots the cart. The availability check and the booking
// submission both work on that snapshot, so mutations made while the
// action waits on a service do not change what is booked. Only one action
// runs at a time; a second call gets CodeActionInProgress.
//
// A completed action clears the cart. A failed action never changes it:
// the result lists which lines blocked the action and any bookings that
// were confirmed before the failure.
//
// CRITICAL PATTERNS:
//
// Keys:
// A serialized unit is keyed by catalog id and serial, anything else by
// catalog id alone. Identifiers are trimmed and NFC-normalized before a
// key is built (see model.Key).
//
// Ceilings:
// MaxItems bounds distinct lines and is only checked when a new line is
// inserted. MaxQuantityPerItem clamps additions and rejects explicit
// updates above it. Serialized lines always hold quantity 1.
//
// Errors:
// Rejected operations return *CartError and leave the cart unchanged.
// Use IsCode or CodeOf to inspect them.
package engine
