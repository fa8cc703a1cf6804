package model

import (
	"strings"

	"golang.org/x/text/unicode/norm"
)

// KeySeparator joins catalog id and serial number in serialized item keys.
// Identifiers containing it are rejected, so keys never collide.
const KeySeparator = ":"

// NormalizeID trims surrounding whitespace and applies Unicode NFC
// normalization, so the same identifier typed, scanned or pasted from a
// catalog always produces the same key.
func NormalizeID(s string) string {
	return norm.NFC.String(strings.TrimSpace(s))
}

// Key is the item key policy.
//
// Serialized items are keyed by catalogID + ":" + serial, so distinct units
// of the same catalog entry are distinct cart lines. Non-serialized items are
// keyed by catalogID alone, so repeated additions collapse into one line.
func Key(catalogID, serial string) string {
	catalogID = NormalizeID(catalogID)
	serial = NormalizeID(serial)
	if serial == "" {
		return catalogID
	}
	return catalogID + KeySeparator + serial
}
