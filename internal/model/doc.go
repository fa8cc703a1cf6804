// Package model defines the cart's data types and the pure functions that
// operate on them.
//
// The types here are shared by every other package: the engine owns a map of
// CartItem keyed by Key, the store persists them inside envelopes, and the
// events package carries copies of them to subscribers.
//
// INVARIANTS (enforced by the engine, checked by CartItem.Validate):
//   - keys are unique within a cart
//   - a serialized item always has Quantity == 1
//   - a date override, when present, has Start < End
package model
