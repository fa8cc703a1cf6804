// Package booking submits cart lines to a BookingService as drafts and
// interprets the per-draft results.
package booking

import (
	"context"
	"time"
)

// Draft is one booking request derived from a cart line.
type Draft struct {
	ClientID     string    `json:"clientId"`
	CatalogID    string    `json:"catalogId"`
	SerialNumber string    `json:"serialNumber,omitempty"`
	Quantity     int       `json:"quantity"`
	Start        time.Time `json:"start"`
	End          time.Time `json:"end"`
}

// Response is the service's answer for one draft. DraftIndex is relative
// to the batch the service received.
type Response struct {
	DraftIndex int    `json:"draftIndex"`
	Success    bool   `json:"success"`
	BookingID  string `json:"bookingId,omitempty"`
	ErrorCode  string `json:"errorCode,omitempty"`
}

// Service is the consumed booking contract.
type Service interface {
	SubmitBatch(ctx context.Context, drafts []Draft) ([]Response, error)
}

// Error codes assigned by the executor. Service-supplied codes pass
// through unchanged.
const (
	CodeNoResponse       = "NO_RESPONSE"
	CodeServiceError     = "SERVICE_ERROR"
	CodeCancelled        = "CANCELLED"
	CodeMissingBookingID = "MISSING_BOOKING_ID"
	CodeNotSubmitted     = "NOT_SUBMITTED"
	CodeRejected         = "REJECTED"
)

// Outcome is the result for one draft.
type Outcome struct {
	Index     int
	Draft     Draft
	Success   bool
	BookingID string
	ErrorCode string
}

// Result holds one Outcome per draft in draft order.
type Result struct {
	Outcomes  []Outcome
	Cancelled bool
}

// AllSucceeded reports whether every draft was booked.
func (r Result) AllSucceeded() bool {
	if len(r.Outcomes) == 0 {
		return false
	}
	for _, o := range r.Outcomes {
		if !o.Success {
			return false
		}
	}
	return true
}

// BookingIDs returns the ids of successful drafts in draft order.
func (r Result) BookingIDs() []string {
	var ids []string
	for _, o := range r.Outcomes {
		if o.Success {
			ids = append(ids, o.BookingID)
		}
	}
	return ids
}

// Failed returns the outcomes that did not succeed.
func (r Result) Failed() []Outcome {
	var out []Outcome
	for _, o := range r.Outcomes {
		if !o.Success {
			out = append(out, o)
		}
	}
	return out
}
