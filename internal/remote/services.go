package remote

import (
	"context"
	"net/http"

	"github.com/roach88/cartengine/internal/availability"
	"github.com/roach88/cartengine/internal/booking"
)

// AvailabilityClient implements availability.Service over HTTP.
type AvailabilityClient struct {
	client *Client
}

// NewAvailabilityClient creates a client for the availability service at
// baseURL.
func NewAvailabilityClient(baseURL string, httpClient *http.Client) (*AvailabilityClient, error) {
	c, err := NewClient("availability", baseURL, httpClient)
	if err != nil {
		return nil, err
	}
	return &AvailabilityClient{client: c}, nil
}

type checkBatchRequest struct {
	Requests []availability.Request `json:"requests"`
}

type checkBatchResponse struct {
	Results []availability.Response `json:"results"`
}

// CheckBatch implements availability.Service.
func (a *AvailabilityClient) CheckBatch(ctx context.Context, reqs []availability.Request) ([]availability.Response, error) {
	var out checkBatchResponse
	if err := a.client.PostJSON(ctx, "availability/check-batch", checkBatchRequest{Requests: reqs}, &out, nil); err != nil {
		return nil, err
	}
	return out.Results, nil
}

// BookingClient implements booking.Service over HTTP.
type BookingClient struct {
	client *Client
}

// NewBookingClient creates a client for the booking service at baseURL.
func NewBookingClient(baseURL string, httpClient *http.Client) (*BookingClient, error) {
	c, err := NewClient("booking", baseURL, httpClient)
	if err != nil {
		return nil, err
	}
	return &BookingClient{client: c}, nil
}

type submitBatchRequest struct {
	Drafts []booking.Draft `json:"drafts"`
}

type submitBatchResponse struct {
	Results []booking.Response `json:"results"`
}

// SubmitBatch implements booking.Service. The idempotency key from ctx, if
// any, is sent as the Idempotency-Key header.
func (b *BookingClient) SubmitBatch(ctx context.Context, drafts []booking.Draft) ([]booking.Response, error) {
	var header http.Header
	if key := booking.IdempotencyKey(ctx); key != "" {
		header = http.Header{HeaderIdempotencyKey: []string{key}}
	}
	var out submitBatchResponse
	if err := b.client.PostJSON(ctx, "bookings/batch", submitBatchRequest{Drafts: drafts}, &out, header); err != nil {
		return nil, err
	}
	return out.Results, nil
}

var (
	_ availability.Service = (*AvailabilityClient)(nil)
	_ booking.Service      = (*BookingClient)(nil)
)
