package model

import (
	"fmt"
	"strings"
	"time"
)

// DateRange is a half-open rental period [Start, End).
type DateRange struct {
	Start time.Time `json:"start"`
	End   time.Time `json:"end"`
}

// Valid reports whether both bounds are set and Start is before End.
func (r DateRange) Valid() bool {
	return !r.Start.IsZero() && !r.End.IsZero() && r.Start.Before(r.End)
}

// Overlaps reports whether two ranges share any instant.
// Touching ranges (one ends exactly when the other starts) do not overlap.
func (r DateRange) Overlaps(o DateRange) bool {
	return r.Start.Before(o.End) && o.Start.Before(r.End)
}

// String renders the range as "start/end" in RFC 3339.
func (r DateRange) String() string {
	return fmt.Sprintf("%s/%s", r.Start.UTC().Format(time.RFC3339), r.End.UTC().Format(time.RFC3339))
}

// ItemDescriptor is the resolved description of a rentable thing handed to
// the engine by a catalog browser or a barcode scanner.
type ItemDescriptor struct {
	CatalogID    string `json:"catalogId" yaml:"catalogId" validate:"notblank,nokeysep"`
	DisplayName  string `json:"displayName" yaml:"displayName" validate:"notblank"`
	Category     string `json:"category,omitempty" yaml:"category,omitempty"`
	SerialNumber string `json:"serialNumber,omitempty" yaml:"serialNumber,omitempty" validate:"nokeysep"`
}

// Normalized returns a copy with identifiers normalized the same way Key
// normalizes them.
func (d ItemDescriptor) Normalized() ItemDescriptor {
	d.CatalogID = NormalizeID(d.CatalogID)
	d.SerialNumber = NormalizeID(d.SerialNumber)
	return d
}

// Key returns the deduplication key for this descriptor.
func (d ItemDescriptor) Key() string {
	return Key(d.CatalogID, d.SerialNumber)
}

// CartItem is one line in the cart.
type CartItem struct {
	CatalogID    string     `json:"catalogId"`
	DisplayName  string     `json:"displayName"`
	Category     string     `json:"category,omitempty"`
	SerialNumber string     `json:"serialNumber,omitempty"`
	Quantity     int        `json:"quantity"`
	DateOverride *DateRange `json:"dateOverride,omitempty"`
	AddedAt      time.Time  `json:"addedAt"`
}

// Key returns the item's deduplication key.
func (i CartItem) Key() string {
	return Key(i.CatalogID, i.SerialNumber)
}

// Serialized reports whether the item is an individually tracked unit.
func (i CartItem) Serialized() bool {
	return i.SerialNumber != ""
}

// Clone returns a deep copy. The DateOverride pointer is never shared.
func (i CartItem) Clone() CartItem {
	if i.DateOverride != nil {
		r := *i.DateOverride
		i.DateOverride = &r
	}
	return i
}

// EffectiveRange resolves the item's rental period: the override when
// present, otherwise the ambient range. ok is false when neither is usable.
func (i CartItem) EffectiveRange(ambient func() (DateRange, bool)) (DateRange, bool) {
	if i.DateOverride != nil {
		return *i.DateOverride, true
	}
	if ambient == nil {
		return DateRange{}, false
	}
	r, ok := ambient()
	if !ok || !r.Valid() {
		return DateRange{}, false
	}
	return r, true
}

// Validate checks the required identifiers, the serialized quantity and the
// override order.
func (i CartItem) Validate() error {
	if NormalizeID(i.CatalogID) == "" {
		return fmt.Errorf("catalogId is required")
	}
	if strings.Contains(i.CatalogID, KeySeparator) || strings.Contains(i.SerialNumber, KeySeparator) {
		return fmt.Errorf("item %s: identifiers must not contain %q", i.Key(), KeySeparator)
	}
	if i.Quantity <= 0 {
		return fmt.Errorf("item %s: quantity must be positive, got %d", i.Key(), i.Quantity)
	}
	if i.Serialized() && i.Quantity != 1 {
		return fmt.Errorf("item %s: serialized items must have quantity 1, got %d", i.Key(), i.Quantity)
	}
	if i.DateOverride != nil && !i.DateOverride.Valid() {
		return fmt.Errorf("item %s: date override %s is not a valid range", i.Key(), i.DateOverride)
	}
	return nil
}

// CloneItems deep-copies a slice of items.
func CloneItems(items []CartItem) []CartItem {
	if items == nil {
		return nil
	}
	out := make([]CartItem, len(items))
	for idx, it := range items {
		out[idx] = it.Clone()
	}
	return out
}
