package engine

// limits enforces the per-cart ceilings.
//
// Two ceilings, checked at different points:
//   - MaxItems bounds distinct lines and is checked only when a new key
//     would be inserted. Incrementing an existing line never hits it.
//   - MaxQuantityPerItem bounds one line's quantity. Additions clamp to it;
//     explicit updates above it are rejected.
type limits struct {
	maxItems    int
	maxQuantity int
}

// canInsert reports whether a cart holding count lines may take one more.
func (l limits) canInsert(count int) bool {
	return count < l.maxItems
}

// clamp caps a requested quantity at the per-item ceiling and reports
// whether it had to.
func (l limits) clamp(qty int) (int, bool) {
	if qty > l.maxQuantity {
		return l.maxQuantity, true
	}
	return qty, false
}

// allowsUpdate reports whether an explicit quantity is acceptable for a
// line. Serialized lines accept only 1.
func (l limits) allowsUpdate(qty int, serialized bool) bool {
	if serialized {
		return qty == 1
	}
	return qty <= l.maxQuantity
}
