package engine

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/cartengine/internal/events"
	"github.com/roach88/cartengine/internal/model"
	"github.com/roach88/cartengine/internal/testutil"
)

var (
	t0        = time.Date(2024, 5, 1, 9, 0, 0, 0, time.UTC)
	rentStart = time.Date(2024, 6, 1, 0, 0, 0, 0, time.UTC)
	rentEnd   = time.Date(2024, 6, 3, 0, 0, 0, 0, time.UTC)
)

func ambientRange() (model.DateRange, bool) {
	return model.DateRange{Start: rentStart, End: rentEnd}, true
}

// recorder collects every published event.
type recorder struct {
	mu     sync.Mutex
	events []events.Event
}

func (r *recorder) handle(ev events.Event) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, ev)
}

func (r *recorder) kinds() []events.Kind {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]events.Kind, len(r.events))
	for i, ev := range r.events {
		out[i] = ev.Kind
	}
	return out
}

func (r *recorder) last() events.Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.events[len(r.events)-1]
}

func (r *recorder) reset() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = nil
}

func newTestEngine(t *testing.T, mutate func(*Config), opts ...Option) (*Engine, *recorder) {
	t.Helper()
	cfg := DefaultConfig("global")
	cfg.AmbientRange = ambientRange
	if mutate != nil {
		mutate(&cfg)
	}
	base := []Option{
		WithClock(testutil.NewSteppingClock(t0, time.Second)),
		WithIDGenerator(testutil.NewSequenceIDs("action")),
	}
	e, err := New(context.Background(), cfg, append(base, opts...)...)
	require.NoError(t, err)

	rec := &recorder{}
	e.Bus().SubscribeAll(rec.handle)
	return e, rec
}

func desc(catalogID, serial string) model.ItemDescriptor {
	return model.ItemDescriptor{CatalogID: catalogID, SerialNumber: serial, DisplayName: "Item " + catalogID}
}

func TestNew_ConfigValidation(t *testing.T) {
	ctx := context.Background()

	_, err := New(ctx, Config{ScopeID: "  "})
	assert.Error(t, err)

	_, err = New(ctx, Config{ScopeID: "s", MaxItems: -1})
	assert.Error(t, err)

	_, err = New(ctx, Config{ScopeID: "s", MaxQuantityPerItem: -1})
	assert.Error(t, err)

	_, err = New(ctx, Config{ScopeID: "s", PersistDebounce: -time.Second})
	assert.Error(t, err)

	e, err := New(ctx, Config{ScopeID: " s "})
	require.NoError(t, err)
	assert.Equal(t, "s", e.ScopeID())
	assert.Equal(t, DefaultMaxItems, e.Config().MaxItems)
	assert.Equal(t, DefaultMaxQuantityPerItem, e.Config().MaxQuantityPerItem)
	assert.Equal(t, DefaultPersistDebounce, e.Config().PersistDebounce)
	assert.False(t, e.Config().ManualPersist, "a bare config auto-persists")
	assert.Equal(t, StateIdle, e.State())
}

func TestAddItem_SerializedUnitIsOneLine(t *testing.T) {
	e, rec := newTestEngine(t, nil)

	outcome, err := e.AddItem(desc("cam-1", "SN001"), 1)
	require.NoError(t, err)

	assert.Equal(t, OutcomeAdded, outcome)
	assert.Equal(t, 1, e.Len())
	_, ok := e.Item("cam-1:SN001")
	assert.True(t, ok)
	assert.Equal(t, []events.Kind{events.KindItemAdded}, rec.kinds())
}

func TestAddItem_NonSerializedAggregates(t *testing.T) {
	e, rec := newTestEngine(t, nil)

	_, err := e.AddItem(desc("tripod-1", ""), 2)
	require.NoError(t, err)
	outcome, err := e.AddItem(desc("tripod-1", ""), 3)
	require.NoError(t, err)

	assert.Equal(t, OutcomeQuantityIncremented, outcome)
	require.Equal(t, 1, e.Len())
	it, _ := e.Item("tripod-1")
	assert.Equal(t, 5, it.Quantity)

	updated := rec.last()
	require.Equal(t, events.KindItemUpdated, updated.Kind)
	assert.Equal(t, 2, updated.ItemUpdated.PreviousQuantity)
	assert.Equal(t, 5, updated.ItemUpdated.Item.Quantity)
}

func TestAddItem_ClampsAtCeiling(t *testing.T) {
	e, _ := newTestEngine(t, func(c *Config) { c.MaxQuantityPerItem = 10 })

	_, err := e.AddItem(desc("tripod-1", ""), 7)
	require.NoError(t, err)
	outcome, err := e.AddItem(desc("tripod-1", ""), 7)
	require.NoError(t, err)

	assert.Equal(t, OutcomeQuantityClamped, outcome)
	it, _ := e.Item("tripod-1")
	assert.Equal(t, 10, it.Quantity)
}

func TestAddItem_NewLineClamped(t *testing.T) {
	e, _ := newTestEngine(t, func(c *Config) { c.MaxQuantityPerItem = 4 })

	outcome, err := e.AddItem(desc("tripod-1", ""), 9)
	require.NoError(t, err)
	assert.Equal(t, OutcomeQuantityClamped, outcome)
	it, _ := e.Item("tripod-1")
	assert.Equal(t, 4, it.Quantity)

	outcome, err = e.AddItem(desc("cam-1", "SN1"), 3)
	require.NoError(t, err)
	assert.Equal(t, OutcomeQuantityClamped, outcome)
	it, _ = e.Item("cam-1:SN1")
	assert.Equal(t, 1, it.Quantity, "serialized units are always quantity 1")
}

func TestAddItem_NonPositiveQuantityCountsAsOne(t *testing.T) {
	e, _ := newTestEngine(t, nil)

	_, err := e.AddItem(desc("tripod-1", ""), 0)
	require.NoError(t, err)
	_, err = e.AddItem(desc("tripod-1", ""), -3)
	require.NoError(t, err)

	it, _ := e.Item("tripod-1")
	assert.Equal(t, 2, it.Quantity)
}

func TestAddItem_DuplicateSerialIsNoop(t *testing.T) {
	e, rec := newTestEngine(t, nil)
	_, err := e.AddItem(desc("cam-1", "SN001"), 1)
	require.NoError(t, err)
	rec.reset()

	outcome, err := e.AddItem(desc("cam-1", " SN001 "), 1)

	assert.Equal(t, OutcomeDuplicateSerial, outcome)
	assert.True(t, IsCode(err, CodeDuplicateSerial))
	assert.Equal(t, 1, e.Len())
	assert.Empty(t, rec.kinds(), "no event for a no-op")
}

func TestAddItem_KeysAreNormalized(t *testing.T) {
	e, _ := newTestEngine(t, nil)

	_, err := e.AddItem(desc("caméra", ""), 1)
	require.NoError(t, err)
	_, err = e.AddItem(desc(" caméra", ""), 1)
	require.NoError(t, err)

	assert.Equal(t, 1, e.Len())
	assert.Equal(t, 2, e.TotalQuantity())
}

func TestAddItem_InvalidDescriptor(t *testing.T) {
	e, rec := newTestEngine(t, nil)

	_, err := e.AddItem(model.ItemDescriptor{CatalogID: "x"}, 1)
	require.Error(t, err)
	assert.True(t, IsCode(err, CodeInvalidItem))

	var ce *CartError
	require.ErrorAs(t, err, &ce)
	assert.Equal(t, "displayName", ce.Details["fields"])

	_, err = e.AddItem(model.ItemDescriptor{CatalogID: "  ", DisplayName: "Blank"}, 1)
	assert.True(t, IsCode(err, CodeInvalidItem))
	assert.Equal(t, 0, e.Len())
	assert.Empty(t, rec.kinds())
}

func TestAddItem_SeparatorCannotForgeSerialKey(t *testing.T) {
	e, _ := newTestEngine(t, nil)

	_, err := e.AddItem(model.ItemDescriptor{CatalogID: "cam-1:SN001", DisplayName: "Bulk"}, 2)
	require.Error(t, err)
	assert.True(t, IsCode(err, CodeInvalidItem))
	var ce *CartError
	require.ErrorAs(t, err, &ce)
	assert.Equal(t, "catalogId", ce.Details["fields"])

	out, err := e.AddItem(desc("cam-1", "SN001"), 1)
	require.NoError(t, err)
	assert.Equal(t, OutcomeAdded, out)
	require.Equal(t, 1, e.Len())
	it, ok := e.Item("cam-1:SN001")
	require.True(t, ok)
	assert.Equal(t, "SN001", it.SerialNumber)
	assert.Equal(t, 1, it.Quantity)
}

func TestAddItem_CapacityOnlyForNewKeys(t *testing.T) {
	e, _ := newTestEngine(t, func(c *Config) { c.MaxItems = 2 })

	_, err := e.AddItem(desc("a", ""), 1)
	require.NoError(t, err)
	_, err = e.AddItem(desc("b", ""), 1)
	require.NoError(t, err)

	_, err = e.AddItem(desc("c", ""), 1)
	assert.True(t, IsCode(err, CodeCapacityExceeded))

	outcome, err := e.AddItem(desc("a", ""), 1)
	require.NoError(t, err, "incrementing an existing line ignores MaxItems")
	assert.Equal(t, OutcomeQuantityIncremented, outcome)
	assert.Equal(t, 2, e.Len())
}

func TestKeyUniquenessUnderMixedAdds(t *testing.T) {
	e, _ := newTestEngine(t, nil)
	adds := []model.ItemDescriptor{
		desc("cam-1", "SN1"), desc("cam-1", "SN2"), desc("cam-1", ""),
		desc("cam-1", "SN1"), desc("cam-1", ""), desc("tripod-1", ""),
	}
	for _, d := range adds {
		_, _ = e.AddItem(d, 1)
	}

	seen := map[string]bool{}
	for _, it := range e.Items() {
		require.False(t, seen[it.Key()], "duplicate key %s", it.Key())
		seen[it.Key()] = true
		if it.Serialized() {
			assert.Equal(t, 1, it.Quantity)
		}
	}
	assert.Len(t, seen, 4)
}

func TestRemoveItem(t *testing.T) {
	e, rec := newTestEngine(t, nil)
	_, err := e.AddItem(desc("tripod-1", ""), 2)
	require.NoError(t, err)

	assert.True(t, e.RemoveItem("tripod-1"))
	assert.False(t, e.RemoveItem("tripod-1"))
	assert.Equal(t, 0, e.Len())

	removed := rec.last()
	require.Equal(t, events.KindItemRemoved, removed.Kind)
	assert.Equal(t, "tripod-1", removed.ItemRemoved.Key)
	assert.Equal(t, 2, removed.ItemRemoved.Item.Quantity)
}

func TestUpdateQuantity(t *testing.T) {
	e, rec := newTestEngine(t, func(c *Config) { c.MaxQuantityPerItem = 5 })
	_, err := e.AddItem(desc("tripod-1", ""), 2)
	require.NoError(t, err)
	_, err = e.AddItem(desc("cam-1", "SN1"), 1)
	require.NoError(t, err)

	require.NoError(t, e.UpdateQuantity("tripod-1", 4))
	it, _ := e.Item("tripod-1")
	assert.Equal(t, 4, it.Quantity)
	assert.Equal(t, 2, rec.last().ItemUpdated.PreviousQuantity)

	err = e.UpdateQuantity("tripod-1", 6)
	assert.True(t, IsCode(err, CodeQuantityExceeded))
	it, _ = e.Item("tripod-1")
	assert.Equal(t, 4, it.Quantity, "rejected update changes nothing")

	err = e.UpdateQuantity("cam-1:SN1", 2)
	assert.True(t, IsCode(err, CodeQuantityExceeded))

	err = e.UpdateQuantity("missing", 1)
	assert.True(t, IsCode(err, CodeItemNotFound))

	require.NoError(t, e.UpdateQuantity("tripod-1", 0))
	_, ok := e.Item("tripod-1")
	assert.False(t, ok)
	assert.Equal(t, events.KindItemRemoved, rec.last().Kind)
}

func TestSetItemDateOverride(t *testing.T) {
	e, rec := newTestEngine(t, nil)
	_, err := e.AddItem(desc("tripod-1", ""), 1)
	require.NoError(t, err)

	start := time.Date(2024, 7, 1, 0, 0, 0, 0, time.UTC)
	end := time.Date(2024, 7, 5, 0, 0, 0, 0, time.UTC)
	require.NoError(t, e.SetItemDateOverride("tripod-1", &start, &end))

	r, ok := e.EffectiveRange("tripod-1")
	require.True(t, ok)
	assert.Equal(t, start, r.Start)

	ev := rec.last()
	require.Equal(t, events.KindItemDatesUpdated, ev.Kind)
	require.NotNil(t, ev.ItemDatesUpdated.Override)
	assert.Equal(t, end, ev.ItemDatesUpdated.Effective.End)

	// Clearing the override falls back to the ambient range.
	require.NoError(t, e.SetItemDateOverride("tripod-1", nil, nil))
	r, ok = e.EffectiveRange("tripod-1")
	require.True(t, ok)
	assert.Equal(t, model.DateRange{Start: rentStart, End: rentEnd}, r)
	assert.Nil(t, rec.last().ItemDatesUpdated.Override)
	assert.Equal(t, rentStart, rec.last().ItemDatesUpdated.Effective.Start)
}

func TestSetItemDateOverride_Rejections(t *testing.T) {
	e, _ := newTestEngine(t, nil)
	_, err := e.AddItem(desc("tripod-1", ""), 1)
	require.NoError(t, err)
	start := time.Date(2024, 7, 1, 0, 0, 0, 0, time.UTC)

	err = e.SetItemDateOverride("tripod-1", &start, nil)
	assert.True(t, IsCode(err, CodeInvalidDateRange))

	err = e.SetItemDateOverride("tripod-1", &start, &start)
	assert.True(t, IsCode(err, CodeInvalidDateRange))

	end := start.Add(time.Hour)
	err = e.SetItemDateOverride("missing", &start, &end)
	assert.True(t, IsCode(err, CodeItemNotFound))

	it, _ := e.Item("tripod-1")
	assert.Nil(t, it.DateOverride)
}

func TestClear(t *testing.T) {
	e, rec := newTestEngine(t, nil)
	_, _ = e.AddItem(desc("a", ""), 1)
	_, _ = e.AddItem(desc("b", ""), 1)

	assert.Equal(t, 2, e.Clear())
	assert.Equal(t, 0, e.Len())

	ev := rec.last()
	require.Equal(t, events.KindCleared, ev.Kind)
	assert.Equal(t, 2, ev.Cleared.PreviousCount)
	assert.Equal(t, events.ClearReasonExplicit, ev.Cleared.Reason)
}

func TestSnapshot_CarriesLastEventSeq(t *testing.T) {
	e, rec := newTestEngine(t, nil)

	items, seq := e.Snapshot()
	assert.Empty(t, items)
	assert.Equal(t, int64(0), seq)

	_, err := e.AddItem(desc("tripod-1", ""), 2)
	require.NoError(t, err)
	_, err = e.AddItem(desc("cam-1", "SN1"), 1)
	require.NoError(t, err)

	items, seq = e.Snapshot()
	assert.Len(t, items, 2)
	assert.Equal(t, rec.last().Seq, seq)
}

func TestItems_OrderedByAddedAtThenKey(t *testing.T) {
	e, _ := newTestEngine(t, nil, WithClock(testutil.NewFixedClock(t0)))
	_, _ = e.AddItem(desc("zeta", ""), 1)
	_, _ = e.AddItem(desc("alpha", ""), 1)

	items := e.Items()
	require.Len(t, items, 2)
	assert.Equal(t, "alpha", items[0].Key(), "ties on AddedAt break by key")

	e2, _ := newTestEngine(t, nil)
	_, _ = e2.AddItem(desc("zeta", ""), 1)
	_, _ = e2.AddItem(desc("alpha", ""), 1)
	assert.Equal(t, "zeta", e2.Items()[0].Key())
}

func TestSnapshotsAreIsolated(t *testing.T) {
	e, rec := newTestEngine(t, nil)
	_, _ = e.AddItem(desc("tripod-1", ""), 1)
	start := time.Date(2024, 7, 1, 0, 0, 0, 0, time.UTC)
	end := start.Add(48 * time.Hour)
	require.NoError(t, e.SetItemDateOverride("tripod-1", &start, &end))

	items := e.Items()
	items[0].Quantity = 99
	items[0].DateOverride.End = start
	rec.last().ItemDatesUpdated.Override.End = start

	it, _ := e.Item("tripod-1")
	assert.Equal(t, 1, it.Quantity)
	assert.Equal(t, end, it.DateOverride.End)
}

func TestEvents_SeqIncreasesAndScopeSet(t *testing.T) {
	e, rec := newTestEngine(t, nil)
	_, _ = e.AddItem(desc("a", ""), 1)
	_, _ = e.AddItem(desc("a", ""), 1)
	e.RemoveItem("a")

	rec.mu.Lock()
	defer rec.mu.Unlock()
	require.Len(t, rec.events, 3)
	for i, ev := range rec.events {
		assert.Equal(t, int64(i+1), ev.Seq)
		assert.Equal(t, "global", ev.Scope)
	}
}

func TestSubscriberMayMutateEngine(t *testing.T) {
	e, rec := newTestEngine(t, nil)
	e.Subscribe(events.KindItemAdded, func(ev events.Event) {
		if ev.ItemAdded.Item.CatalogID == "camera" {
			_, _ = e.AddItem(desc("battery", ""), 2)
		}
	})

	_, err := e.AddItem(desc("camera", ""), 1)
	require.NoError(t, err)

	assert.Equal(t, 2, e.Len())
	assert.Equal(t, []events.Kind{events.KindItemAdded, events.KindItemAdded}, rec.kinds())
}

func TestPanickingSubscriberDoesNotBreakEngine(t *testing.T) {
	e, rec := newTestEngine(t, nil)
	e.Subscribe(events.KindItemAdded, func(events.Event) { panic("ui bug") })

	_, err := e.AddItem(desc("a", ""), 1)
	require.NoError(t, err)
	assert.Equal(t, 1, e.Len())
	assert.Equal(t, []events.Kind{events.KindItemAdded}, rec.kinds())
}
