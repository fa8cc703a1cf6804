package engine

import (
	"sync"

	"github.com/roach88/cartengine/internal/events"
)

// outbox is a FIFO of events waiting to be published.
//
// Events are pushed while the engine lock is held, so queue order is
// mutation order. They are published after the lock is released, so
// subscribers may call back into the engine. Only one goroutine drains at
// a time: a drain that finds another drain in progress returns at once and
// leaves its events to that drainer. This keeps delivery in mutation order
// across goroutines and makes re-entrant mutations from a subscriber safe.
type outbox struct {
	mu       sync.Mutex
	events   []events.Event
	draining bool
}

func newOutbox() *outbox {
	return &outbox{events: make([]events.Event, 0, 8)}
}

// push appends an event to the back of the queue.
func (o *outbox) push(ev events.Event) {
	o.mu.Lock()
	o.events = append(o.events, ev)
	o.mu.Unlock()
}

// tryPop removes and returns the front event.
func (o *outbox) tryPop() (events.Event, bool) {
	if len(o.events) == 0 {
		return events.Event{}, false
	}
	ev := o.events[0]
	// Release payload pointers held by the backing array.
	o.events[0] = events.Event{}
	if len(o.events) == 1 {
		o.events = o.events[:0]
	} else {
		o.events = o.events[1:]
	}
	return ev, true
}

// drain publishes queued events until the queue is empty.
func (o *outbox) drain(publish func(events.Event)) {
	o.mu.Lock()
	if o.draining {
		o.mu.Unlock()
		return
	}
	o.draining = true
	for {
		ev, ok := o.tryPop()
		if !ok {
			break
		}
		o.mu.Unlock()
		publish(ev)
		o.mu.Lock()
	}
	o.draining = false
	o.mu.Unlock()
}

// len returns the number of queued events.
func (o *outbox) len() int {
	o.mu.Lock()
	defer o.mu.Unlock()
	return len(o.events)
}
