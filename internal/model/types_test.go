package model

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var (
	day1 = time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)
	day2 = time.Date(2026, 3, 2, 9, 0, 0, 0, time.UTC)
	day3 = time.Date(2026, 3, 3, 9, 0, 0, 0, time.UTC)
)

func TestDateRange_Valid(t *testing.T) {
	assert.True(t, DateRange{Start: day1, End: day2}.Valid())
	assert.False(t, DateRange{Start: day2, End: day1}.Valid())
	assert.False(t, DateRange{Start: day1, End: day1}.Valid())
	assert.False(t, DateRange{Start: day1}.Valid())
	assert.False(t, DateRange{}.Valid())
}

func TestDateRange_Overlaps(t *testing.T) {
	a := DateRange{Start: day1, End: day2}
	b := DateRange{Start: day2, End: day3}
	c := DateRange{Start: day1, End: day3}

	assert.False(t, a.Overlaps(b), "touching ranges do not overlap")
	assert.True(t, a.Overlaps(c))
	assert.True(t, c.Overlaps(b))
}

func TestCartItem_Clone_DoesNotShareOverride(t *testing.T) {
	orig := CartItem{CatalogID: "cam-1", Quantity: 1, DateOverride: &DateRange{Start: day1, End: day2}}
	cp := orig.Clone()
	cp.DateOverride.End = day3

	assert.Equal(t, day2, orig.DateOverride.End)
}

func TestCartItem_EffectiveRange(t *testing.T) {
	ambient := func() (DateRange, bool) { return DateRange{Start: day1, End: day3}, true }

	t.Run("override wins", func(t *testing.T) {
		item := CartItem{CatalogID: "cam-1", Quantity: 1, DateOverride: &DateRange{Start: day1, End: day2}}
		r, ok := item.EffectiveRange(ambient)
		require.True(t, ok)
		assert.Equal(t, day2, r.End)
	})

	t.Run("ambient fallback", func(t *testing.T) {
		item := CartItem{CatalogID: "cam-1", Quantity: 1}
		r, ok := item.EffectiveRange(ambient)
		require.True(t, ok)
		assert.Equal(t, day3, r.End)
	})

	t.Run("nothing resolvable", func(t *testing.T) {
		item := CartItem{CatalogID: "cam-1", Quantity: 1}
		_, ok := item.EffectiveRange(nil)
		assert.False(t, ok)

		_, ok = item.EffectiveRange(func() (DateRange, bool) { return DateRange{Start: day2, End: day1}, true })
		assert.False(t, ok, "invalid ambient range is not resolvable")
	})
}

func TestCartItem_Validate(t *testing.T) {
	tests := []struct {
		name    string
		item    CartItem
		wantErr bool
	}{
		{"plain", CartItem{CatalogID: "tripod-1", Quantity: 3}, false},
		{"serialized", CartItem{CatalogID: "cam-1", SerialNumber: "SN1", Quantity: 1}, false},
		{"serialized qty 2", CartItem{CatalogID: "cam-1", SerialNumber: "SN1", Quantity: 2}, true},
		{"zero qty", CartItem{CatalogID: "tripod-1", Quantity: 0}, true},
		{"missing catalog", CartItem{Quantity: 1}, true},
		{"separator in catalog", CartItem{CatalogID: "cam-1:SN001", Quantity: 2}, true},
		{"separator in serial", CartItem{CatalogID: "cam-1", SerialNumber: "SN:1", Quantity: 1}, true},
		{"inverted override", CartItem{CatalogID: "cam-1", Quantity: 1, DateOverride: &DateRange{Start: day2, End: day1}}, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.item.Validate()
			if tt.wantErr {
				assert.Error(t, err)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}

func TestItemDescriptor_Validate(t *testing.T) {
	require.NoError(t, ItemDescriptor{CatalogID: "cam-1", DisplayName: "Camera"}.Validate())

	err := ItemDescriptor{CatalogID: "  ", DisplayName: ""}.Validate()
	require.Error(t, err)

	var fe *FieldsError
	require.ErrorAs(t, err, &fe)
	assert.ElementsMatch(t, []string{"catalogId", "displayName"}, fe.Fields)

	err = ItemDescriptor{CatalogID: "cam-1:SN001", DisplayName: "Camera", SerialNumber: "A:B"}.Validate()
	require.ErrorAs(t, err, &fe)
	assert.ElementsMatch(t, []string{"catalogId", "serialNumber"}, fe.Fields)
}
