// Package events is the cart's typed publish/subscribe channel.
//
// Delivery is synchronous and in-process: Publish returns after every
// matching subscriber has run. Subscribers run in subscription order. A
// subscriber that panics is recovered and logged, and the remaining
// subscribers still receive the event.
//
// Payloads are snapshots. The engine builds them from copies of its items,
// so a subscriber can keep or modify a payload without affecting the cart.
package events
