package engine

import (
	"context"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/roach88/cartengine/internal/availability"
	"github.com/roach88/cartengine/internal/booking"
	"github.com/roach88/cartengine/internal/events"
	"github.com/roach88/cartengine/internal/model"
	"github.com/roach88/cartengine/internal/store"
)

const tracerName = "github.com/roach88/cartengine/internal/engine"

// Engine owns one scope's cart.
//
// Thread-safety model:
//   - every method is safe from any goroutine
//   - the item map is guarded by mu; reads return deep copies
//   - events are queued under mu and published after it is released, in
//     mutation order
//   - at most one ExecuteAction runs at a time (inFlight)
//
// INVARIANTS:
//   - keys in items are unique and equal item.Key()
//   - serialized items have quantity 1
//   - overrides satisfy Start < End
type Engine struct {
	cfg    Config
	limits limits

	mu    sync.Mutex
	items map[string]model.CartItem
	state ActionState

	inFlight atomic.Bool

	bus     *events.Bus
	outbox  *outbox
	seq     Sequence
	now     TimeSource
	ids     IDGenerator
	logger  *zap.Logger
	tracer  trace.Tracer
	storage *store.Adapter

	availabilitySvc  availability.Service
	availabilityOpts []availability.Option
	validator        *availability.Validator

	bookingSvc  booking.Service
	bookingOpts []booking.Option
	executor    *booking.Executor

	persister *persister
	loadDiag  store.Diagnostic
}

// Option configures an Engine.
type Option func(*Engine)

// WithStorage enables persistence through adapter. Without it the cart
// lives only in memory.
func WithStorage(adapter *store.Adapter) Option {
	return func(e *Engine) {
		e.storage = adapter
	}
}

// WithAvailability sets the availability service used by ExecuteAction.
func WithAvailability(svc availability.Service, opts ...availability.Option) Option {
	return func(e *Engine) {
		e.availabilitySvc = svc
		e.availabilityOpts = opts
	}
}

// WithBooking sets the booking service used by ExecuteAction.
func WithBooking(svc booking.Service, opts ...booking.Option) Option {
	return func(e *Engine) {
		e.bookingSvc = svc
		e.bookingOpts = opts
	}
}

// WithBus publishes on an existing bus instead of a private one.
func WithBus(bus *events.Bus) Option {
	return func(e *Engine) {
		if bus != nil {
			e.bus = bus
		}
	}
}

// WithLogger sets the engine's logger.
func WithLogger(l *zap.Logger) Option {
	return func(e *Engine) {
		if l != nil {
			e.logger = l
		}
	}
}

// WithClock sets the wall-time source.
func WithClock(ts TimeSource) Option {
	return func(e *Engine) {
		if ts != nil {
			e.now = ts
		}
	}
}

// WithIDGenerator sets the action id source.
func WithIDGenerator(g IDGenerator) Option {
	return func(e *Engine) {
		if g != nil {
			e.ids = g
		}
	}
}

// WithTracer sets the tracer for action spans. Defaults to the global
// provider's tracer.
func WithTracer(t trace.Tracer) Option {
	return func(e *Engine) {
		if t != nil {
			e.tracer = t
		}
	}
}

// New creates the engine for cfg.ScopeID and, when storage is configured,
// loads the scope's saved items. Load problems are logged and the cart
// starts empty; they never fail construction. Invalid configuration does.
func New(ctx context.Context, cfg Config, opts ...Option) (*Engine, error) {
	cfg, err := cfg.normalize()
	if err != nil {
		return nil, err
	}

	e := &Engine{
		cfg:    cfg,
		limits: limits{maxItems: cfg.MaxItems, maxQuantity: cfg.MaxQuantityPerItem},
		items:  make(map[string]model.CartItem),
		state:  StateIdle,
		outbox: newOutbox(),
		now:    systemTime{},
		ids:    UUIDv7Generator{},
		logger: zap.NewNop(),
		tracer: otel.Tracer(tracerName),
	}
	for _, opt := range opts {
		opt(e)
	}
	e.logger = e.logger.With(zap.String("component", "engine"), zap.String("scope", cfg.ScopeID))
	if e.bus == nil {
		e.bus = events.NewBus(events.WithLogger(e.logger))
	}
	if e.availabilitySvc != nil {
		e.validator = availability.NewValidator(e.availabilitySvc,
			append([]availability.Option{availability.WithLogger(e.logger)}, e.availabilityOpts...)...)
	}
	if e.bookingSvc != nil {
		e.executor = booking.NewExecutor(e.bookingSvc,
			append([]booking.Option{booking.WithLogger(e.logger)}, e.bookingOpts...)...)
	}
	e.persister = newPersister(cfg.PersistDebounce, e.save)

	if e.storage != nil {
		e.hydrate(ctx)
	} else {
		e.loadDiag = store.Diagnostic{Status: store.LoadEmpty}
	}
	return e, nil
}

// hydrate loads saved items, enforcing this engine's ceilings on them.
func (e *Engine) hydrate(ctx context.Context) {
	res, err := e.storage.Load(ctx, e.cfg.ScopeID)
	if err != nil {
		e.logger.Warn("failed to load saved cart, starting empty", zap.Error(err))
		e.loadDiag = store.Diagnostic{Status: store.LoadEmpty, Reason: err.Error()}
		return
	}
	e.loadDiag = res.Diagnostic
	if derr := res.Diagnostic.Err(e.cfg.ScopeID); derr != nil {
		e.logger.Warn("saved cart discarded", zap.Error(derr))
	}

	for _, it := range res.Items {
		if !e.limits.canInsert(len(e.items)) {
			e.loadDiag.Dropped++
			continue
		}
		if q, clamped := e.limits.clamp(it.Quantity); clamped {
			it.Quantity = q
		}
		e.items[it.Key()] = it
	}

	if len(e.items) > 0 {
		e.logger.Info("restored saved cart",
			zap.Int("items", len(e.items)),
			zap.String("status", string(e.loadDiag.Status)),
			zap.Int("dropped", e.loadDiag.Dropped),
			zap.Int("merged", e.loadDiag.Merged),
		)
	}
}

// ScopeID returns the engine's scope.
func (e *Engine) ScopeID() string {
	return e.cfg.ScopeID
}

// Config returns the normalized configuration.
func (e *Engine) Config() Config {
	return e.cfg
}

// Bus returns the bus the engine publishes on.
func (e *Engine) Bus() *events.Bus {
	return e.bus
}

// Subscribe is shorthand for Bus().Subscribe.
func (e *Engine) Subscribe(kind events.Kind, h events.Handler) (unsubscribe func()) {
	return e.bus.Subscribe(kind, h)
}

// LoadDiagnostic reports how the saved record was interpreted at
// construction.
func (e *Engine) LoadDiagnostic() store.Diagnostic {
	return e.loadDiag
}

// Items returns a snapshot of the cart ordered by AddedAt, then key.
func (e *Engine) Items() []model.CartItem {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.snapshotLocked()
}

// Snapshot returns the items together with the Seq of the last event they
// reflect. A view seeded from a snapshot applies only events with a
// greater Seq.
func (e *Engine) Snapshot() ([]model.CartItem, int64) {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.snapshotLocked(), e.seq.Last()
}

func (e *Engine) snapshotLocked() []model.CartItem {
	out := make([]model.CartItem, 0, len(e.items))
	for _, it := range e.items {
		out = append(out, it.Clone())
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].AddedAt.Equal(out[j].AddedAt) {
			return out[i].AddedAt.Before(out[j].AddedAt)
		}
		return out[i].Key() < out[j].Key()
	})
	return out
}

// Item returns a copy of the line with the given key.
func (e *Engine) Item(key string) (model.CartItem, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	it, ok := e.items[model.NormalizeID(key)]
	if !ok {
		return model.CartItem{}, false
	}
	return it.Clone(), true
}

// Len returns the number of lines.
func (e *Engine) Len() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.items)
}

// TotalQuantity returns the sum of line quantities.
func (e *Engine) TotalQuantity() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	total := 0
	for _, it := range e.items {
		total += it.Quantity
	}
	return total
}

// EffectiveRange resolves a line's rental period: its override, else the
// ambient range. ok is false for an unknown key or when nothing resolves.
func (e *Engine) EffectiveRange(key string) (model.DateRange, bool) {
	it, found := e.Item(key)
	if !found {
		return model.DateRange{}, false
	}
	return it.EffectiveRange(e.cfg.ambient)
}

// State returns the current action state.
func (e *Engine) State() ActionState {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.state
}

func (e *Engine) setState(s ActionState) {
	e.mu.Lock()
	e.state = s
	e.mu.Unlock()
}

// Flush saves pending changes now.
func (e *Engine) Flush(ctx context.Context) error {
	if e.storage == nil {
		return nil
	}
	return e.persister.flush(ctx)
}

// Close flushes pending changes and stops the debounce timer. The engine
// keeps working in memory afterwards but no longer persists.
func (e *Engine) Close(ctx context.Context) error {
	err := e.Flush(ctx)
	e.persister.stop()
	return err
}

// emitLocked stamps and queues an event. Caller holds e.mu.
func (e *Engine) emitLocked(ev events.Event) {
	ev.Scope = e.cfg.ScopeID
	ev.Seq = e.seq.Next()
	ev.At = e.now.Now()
	e.outbox.push(ev)
}

// commit publishes queued events and schedules persistence. Called after
// a mutation, without e.mu held.
func (e *Engine) commit() {
	e.publish()
	if e.storage == nil {
		return
	}
	e.persister.markDirty()
	if !e.cfg.ManualPersist {
		e.persister.schedule()
	}
}

func (e *Engine) publish() {
	e.outbox.drain(func(ev events.Event) { e.bus.Publish(ev) })
}

// save writes the current snapshot. Runs on the debounce timer goroutine
// or the caller of Flush.
func (e *Engine) save(ctx context.Context) error {
	items := e.Items()
	err := e.storage.Save(ctx, e.cfg.ScopeID, items)
	if err == nil {
		return nil
	}
	e.logger.Error("failed to persist cart", zap.Int("items", len(items)), zap.Error(err))

	e.mu.Lock()
	e.emitLocked(events.Event{
		Kind: events.KindPersistError,
		PersistError: &events.PersistError{
			Code:    string(store.CodeOf(err)),
			Message: err.Error(),
			Err:     err,
		},
	})
	e.mu.Unlock()
	e.publish()
	return err
}

func (e *Engine) nowUTC() time.Time {
	return e.now.Now().UTC()
}
