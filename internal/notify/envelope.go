package notify

import (
	"fmt"
	"time"

	"github.com/roach88/cartengine/internal/events"
)

// Event names and routing keys published on the exchange.
const (
	ActionCompletedEventName  = "CartActionCompleted"
	ActionFailedEventName     = "CartActionFailed"
	ActionCompletedRoutingKey = "cart.action.completed.v1"
	ActionFailedRoutingKey    = "cart.action.failed.v1"

	eventVersion = 1
)

// Envelope is the message body for every published event.
type Envelope[T any] struct {
	EventName    string    `json:"eventName"`
	EventVersion int       `json:"eventVersion"`
	EventID      string    `json:"eventId"`
	Producer     string    `json:"producer"`
	PartitionKey string    `json:"partitionKey"`
	Sequence     int64     `json:"sequence"`
	OccurredAt   time.Time `json:"occurredAt"`
	Payload      T         `json:"payload"`
}

// Validate checks the envelope identity.
func (e Envelope[T]) Validate(expectedName string, expectedVersion int) error {
	if e.EventName != expectedName {
		return fmt.Errorf("unexpected eventName: %s", e.EventName)
	}
	if e.EventVersion != expectedVersion {
		return fmt.Errorf("unexpected eventVersion: %d", e.EventVersion)
	}
	if e.PartitionKey == "" {
		return fmt.Errorf("missing partitionKey")
	}
	return nil
}

// ActionCompletedPayload is the v1 payload of CartActionCompleted.
type ActionCompletedPayload struct {
	ActionID   string        `json:"actionId"`
	ClientID   string        `json:"clientId"`
	BookingIDs []string      `json:"bookingIds"`
	Items      []ItemPayload `json:"items"`
}

// ActionFailedPayload is the v1 payload of CartActionFailed.
type ActionFailedPayload struct {
	ActionID  string        `json:"actionId"`
	ClientID  string        `json:"clientId"`
	Reason    string        `json:"reason"`
	Cancelled bool          `json:"cancelled,omitempty"`
	Items     []ItemPayload `json:"items"`
}

// ItemPayload is one cart line's outcome.
type ItemPayload struct {
	Key          string    `json:"key"`
	CatalogID    string    `json:"catalogId"`
	SerialNumber string    `json:"serialNumber,omitempty"`
	Quantity     int       `json:"quantity"`
	Start        time.Time `json:"start"`
	End          time.Time `json:"end"`
	Availability string    `json:"availability,omitempty"`
	Conflicts    []string  `json:"conflicts,omitempty"`
	Booked       bool      `json:"booked"`
	BookingID    string    `json:"bookingId,omitempty"`
	ErrorCode    string    `json:"errorCode,omitempty"`
}

func itemPayloads(items []events.ItemOutcome) []ItemPayload {
	out := make([]ItemPayload, 0, len(items))
	for _, it := range items {
		out = append(out, ItemPayload{
			Key:          it.Key,
			CatalogID:    it.CatalogID,
			SerialNumber: it.SerialNumber,
			Quantity:     it.Quantity,
			Start:        it.Range.Start.UTC(),
			End:          it.Range.End.UTC(),
			Availability: it.Availability,
			Conflicts:    it.Conflicts,
			Booked:       it.Booked,
			BookingID:    it.BookingID,
			ErrorCode:    it.ErrorCode,
		})
	}
	return out
}
