package remote

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/cartengine/internal/availability"
	"github.com/roach88/cartengine/internal/booking"
)

var (
	start = time.Date(2024, 6, 1, 0, 0, 0, 0, time.UTC)
	end   = time.Date(2024, 6, 3, 0, 0, 0, 0, time.UTC)
)

func TestAvailabilityClient_CheckBatch(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "/api/availability/check-batch", r.URL.Path)
		assert.Equal(t, "application/json", r.Header.Get("Content-Type"))

		var body map[string][]map[string]any
		require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		require.Len(t, body["requests"], 1)
		assert.Equal(t, "cam-1", body["requests"][0]["catalogId"])
		assert.Equal(t, "SN001", body["requests"][0]["serialNumber"])
		assert.Equal(t, "2024-06-01T00:00:00Z", body["requests"][0]["start"])

		_, _ = w.Write([]byte(`{"results":[{"catalogId":"cam-1","available":false,"conflicts":["bk-9"]}]}`))
	}))
	defer srv.Close()

	c, err := NewAvailabilityClient(srv.URL+"/api", srv.Client())
	require.NoError(t, err)

	resp, err := c.CheckBatch(context.Background(), []availability.Request{
		{CatalogID: "cam-1", SerialNumber: "SN001", Start: start, End: end, Quantity: 1},
	})
	require.NoError(t, err)
	assert.Equal(t, []availability.Response{{CatalogID: "cam-1", Available: false, Conflicts: []string{"bk-9"}}}, resp)
}

func TestBookingClient_SubmitBatchSendsIdempotencyKey(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/bookings/batch", r.URL.Path)
		assert.Equal(t, "action-1", r.Header.Get(HeaderIdempotencyKey))

		var body struct {
			Drafts []booking.Draft `json:"drafts"`
		}
		require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		require.Len(t, body.Drafts, 2)
		assert.Equal(t, "client-7", body.Drafts[0].ClientID)

		_, _ = w.Write([]byte(`{"results":[
			{"draftIndex":0,"success":true,"bookingId":"bk-1"},
			{"draftIndex":1,"success":false,"errorCode":"OVERBOOKED"}]}`))
	}))
	defer srv.Close()

	c, err := NewBookingClient(srv.URL, nil)
	require.NoError(t, err)

	ctx := booking.WithIdempotencyKey(context.Background(), "action-1")
	resp, err := c.SubmitBatch(ctx, []booking.Draft{
		{ClientID: "client-7", CatalogID: "a", Quantity: 1, Start: start, End: end},
		{ClientID: "client-7", CatalogID: "b", Quantity: 2, Start: start, End: end},
	})
	require.NoError(t, err)
	assert.Equal(t, []booking.Response{
		{DraftIndex: 0, Success: true, BookingID: "bk-1"},
		{DraftIndex: 1, ErrorCode: "OVERBOOKED"},
	}, resp)
}

func TestClient_NonSuccessStatusIsError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "maintenance window", http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	c, err := NewBookingClient(srv.URL, srv.Client())
	require.NoError(t, err)

	_, err = c.SubmitBatch(context.Background(), []booking.Draft{{CatalogID: "a", Quantity: 1}})
	require.Error(t, err)

	var se *StatusError
	require.True(t, errors.As(err, &se))
	assert.Equal(t, http.StatusServiceUnavailable, se.StatusCode)
	assert.Equal(t, "maintenance window", se.Body)
	assert.Equal(t, "booking", se.Service)
}

func TestClient_MalformedBody(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"results":`))
	}))
	defer srv.Close()

	c, err := NewAvailabilityClient(srv.URL, srv.Client())
	require.NoError(t, err)

	_, err = c.CheckBatch(context.Background(), nil)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "decode response")
}

func TestClient_HonoursContext(t *testing.T) {
	release := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-r.Context().Done():
		case <-release:
		}
	}))
	defer srv.Close()
	defer close(release)

	c, err := NewAvailabilityClient(srv.URL, srv.Client())
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	_, err = c.CheckBatch(ctx, nil)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestNewClient_RejectsBadURL(t *testing.T) {
	_, err := NewClient("booking", "ftp://example.com", nil)
	assert.Error(t, err)
	_, err = NewClient("booking", "://nope", nil)
	assert.Error(t, err)
}
