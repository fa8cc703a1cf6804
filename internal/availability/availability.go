// Package availability checks cart lines against an AvailabilityService.
//
// The Validator turns a service's raw batch responses into one ItemCheck
// per request, keeping three outcomes apart: available, unavailable (with
// the conflicting reservations) and check failed (the service could not
// answer for that item). A failed check is never reported as unavailable.
package availability

import (
	"context"
	"time"
)

// Request asks whether quantity units of a catalog entry (or one specific
// serialized unit) are free over [Start, End).
type Request struct {
	CatalogID    string    `json:"catalogId"`
	SerialNumber string    `json:"serialNumber,omitempty"`
	Start        time.Time `json:"start"`
	End          time.Time `json:"end"`
	Quantity     int       `json:"quantity"`
}

// Response is one service answer. Error is set when the service could not
// evaluate the request.
type Response struct {
	CatalogID string   `json:"catalogId"`
	Available bool     `json:"available"`
	Conflicts []string `json:"conflicts,omitempty"`
	Error     string   `json:"error,omitempty"`
}

// Service is the consumed availability contract. Responses may come back
// in any order and may omit entries.
type Service interface {
	CheckBatch(ctx context.Context, reqs []Request) ([]Response, error)
}

// Status is the per-item verdict.
type Status string

const (
	StatusAvailable   Status = "available"
	StatusUnavailable Status = "unavailable"
	StatusCheckFailed Status = "checkFailed"
)

// ItemCheck is the verdict for one request.
type ItemCheck struct {
	Index     int
	Request   Request
	Status    Status
	Conflicts []string
	// Reason explains a CheckFailed status.
	Reason string
}

// Result collects one ItemCheck per request, in request order.
type Result struct {
	Items     []ItemCheck
	Cancelled bool
}

// AllAvailable reports whether every item is available.
func (r Result) AllAvailable() bool {
	for _, it := range r.Items {
		if it.Status != StatusAvailable {
			return false
		}
	}
	return true
}

// Count returns how many items have the given status.
func (r Result) Count(s Status) int {
	n := 0
	for _, it := range r.Items {
		if it.Status == s {
			n++
		}
	}
	return n
}
