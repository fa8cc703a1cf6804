package events

import (
	"fmt"
	"sync"

	"go.uber.org/zap"
)

// Handler receives events.
type Handler func(Event)

type subscription struct {
	id      uint64
	kind    Kind // empty: all kinds
	handler Handler
}

// Bus is a synchronous publish/subscribe channel keyed by Kind.
//
// Thread-safety: Subscribe, unsubscribe and Publish are safe for concurrent
// use. Handlers run on the publishing goroutine, outside the bus lock, so a
// handler may subscribe or unsubscribe without deadlocking.
type Bus struct {
	mu     sync.RWMutex
	subs   []subscription
	nextID uint64
	logger *zap.Logger
}

// BusOption configures a Bus.
type BusOption func(*Bus)

// WithLogger sets the logger used to report recovered handler panics.
func WithLogger(l *zap.Logger) BusOption {
	return func(b *Bus) {
		if l != nil {
			b.logger = l
		}
	}
}

// NewBus creates an empty bus.
func NewBus(opts ...BusOption) *Bus {
	b := &Bus{logger: zap.NewNop()}
	for _, opt := range opts {
		opt(b)
	}
	b.logger = b.logger.With(zap.String("component", "events"))
	return b
}

// Subscribe registers h for one event kind. The returned func removes the
// subscription; calling it more than once is harmless.
func (b *Bus) Subscribe(kind Kind, h Handler) (unsubscribe func()) {
	return b.add(kind, h)
}

// SubscribeAll registers h for every event kind.
func (b *Bus) SubscribeAll(h Handler) (unsubscribe func()) {
	return b.add("", h)
}

func (b *Bus) add(kind Kind, h Handler) func() {
	b.mu.Lock()
	b.nextID++
	id := b.nextID
	b.subs = append(b.subs, subscription{id: id, kind: kind, handler: h})
	b.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() { b.remove(id) })
	}
}

func (b *Bus) remove(id uint64) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for i, s := range b.subs {
		if s.id == id {
			b.subs = append(b.subs[:i:i], b.subs[i+1:]...)
			return
		}
	}
}

// Publish delivers ev to every matching subscriber and returns the number
// of handlers that panicked.
func (b *Bus) Publish(ev Event) (failed int) {
	b.mu.RLock()
	targets := make([]subscription, 0, len(b.subs))
	for _, s := range b.subs {
		if s.kind == "" || s.kind == ev.Kind {
			targets = append(targets, s)
		}
	}
	b.mu.RUnlock()

	for _, s := range targets {
		if err := b.deliver(s, ev); err != nil {
			failed++
			b.logger.Error("event handler panicked",
				zap.String("kind", string(ev.Kind)),
				zap.String("scope", ev.Scope),
				zap.Uint64("subscription", s.id),
				zap.Error(err),
			)
		}
	}
	return failed
}

// Len returns the number of active subscriptions.
func (b *Bus) Len() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs)
}

func (b *Bus) deliver(s subscription, ev Event) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic: %v", r)
		}
	}()
	s.handler(ev)
	return nil
}
