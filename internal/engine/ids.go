package engine

import (
	"github.com/google/uuid"
)

// IDGenerator produces action ids. An action id is also the idempotency
// key sent with the booking batch, so it must be unique per action.
type IDGenerator interface {
	Generate() string
}

// IDFunc adapts a plain function to IDGenerator.
type IDFunc func() string

// Generate calls f.
func (f IDFunc) Generate() string { return f() }

// UUIDv7Generator is the default IDGenerator. UUIDv7 ids carry their
// creation time, so action ids sort by submission in logs and in the
// booking service's idempotency records.
type UUIDv7Generator struct{}

// Generate returns a hyphenated UUIDv7.
func (UUIDv7Generator) Generate() string {
	return uuid.Must(uuid.NewV7()).String()
}
