package store

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/roach88/cartengine/internal/model"
)

const (
	// KeyPrefix prefixes every cart record key.
	KeyPrefix = "cart:"

	// SchemaVersion is the envelope version written by Save.
	SchemaVersion = "2"

	legacySchemaVersion = "1"
)

// RecordKey returns the backend key for a scope.
func RecordKey(scopeID string) string {
	return KeyPrefix + scopeID
}

var errUnsupportedVersion = errors.New("unsupported schema version")

type envelope struct {
	SchemaVersion string       `json:"schemaVersion"`
	SavedAt       string       `json:"savedAt"`
	ScopeID       string       `json:"scopeId"`
	Items         []storedItem `json:"items"`
}

type storedItem struct {
	CatalogID         string `json:"catalogId"`
	SerialNumber      string `json:"serialNumber,omitempty"`
	DisplayName       string `json:"displayName"`
	Category          string `json:"category,omitempty"`
	Quantity          int    `json:"quantity"`
	DateOverrideStart string `json:"dateOverrideStart,omitempty"`
	DateOverrideEnd   string `json:"dateOverrideEnd,omitempty"`
	AddedAt           string `json:"addedAt"`
}

type legacyEnvelope struct {
	SchemaVersion string       `json:"schemaVersion"`
	SavedAt       int64        `json:"savedAt"`
	ScopeID       string       `json:"scopeId"`
	Items         []legacyItem `json:"items"`
}

type legacyItem struct {
	CatalogID    string `json:"catalogId"`
	SerialNumber string `json:"serialNumber,omitempty"`
	DisplayName  string `json:"displayName"`
	Category     string `json:"category,omitempty"`
	Quantity     int    `json:"quantity"`
	DateOverride *struct {
		Start string `json:"start"`
		End   string `json:"end"`
	} `json:"dateOverride,omitempty"`
	AddedAt int64 `json:"addedAt"`
}

// decoded is an envelope after version handling. Items are not yet
// validated.
type decoded struct {
	Version string
	SavedAt time.Time
	ScopeID string
	Items   []storedItem
}

func encodeEnvelope(scopeID string, savedAt time.Time, items []model.CartItem) ([]byte, error) {
	env := envelope{
		SchemaVersion: SchemaVersion,
		SavedAt:       formatTime(savedAt),
		ScopeID:       scopeID,
		Items:         make([]storedItem, 0, len(items)),
	}
	for _, it := range items {
		si := storedItem{
			CatalogID:    it.CatalogID,
			SerialNumber: it.SerialNumber,
			DisplayName:  it.DisplayName,
			Category:     it.Category,
			Quantity:     it.Quantity,
			AddedAt:      formatTime(it.AddedAt),
		}
		if it.DateOverride != nil {
			si.DateOverrideStart = formatTime(it.DateOverride.Start)
			si.DateOverrideEnd = formatTime(it.DateOverride.End)
		}
		env.Items = append(env.Items, si)
	}
	return json.Marshal(env)
}

// decodeEnvelope parses a stored record of any supported version.
func decodeEnvelope(data []byte) (decoded, error) {
	var header struct {
		SchemaVersion json.RawMessage `json:"schemaVersion"`
	}
	if err := json.Unmarshal(data, &header); err != nil {
		return decoded{}, fmt.Errorf("corrupt envelope: %w", err)
	}
	var version string
	if err := json.Unmarshal(header.SchemaVersion, &version); err != nil {
		return decoded{}, fmt.Errorf("corrupt envelope: schemaVersion is not a string")
	}

	switch version {
	case SchemaVersion:
		var env envelope
		if err := json.Unmarshal(data, &env); err != nil {
			return decoded{}, fmt.Errorf("corrupt envelope: %w", err)
		}
		savedAt, err := parseTime(env.SavedAt)
		if err != nil {
			return decoded{}, fmt.Errorf("corrupt envelope: savedAt: %w", err)
		}
		return decoded{Version: version, SavedAt: savedAt, ScopeID: env.ScopeID, Items: env.Items}, nil

	case legacySchemaVersion:
		var env legacyEnvelope
		if err := json.Unmarshal(data, &env); err != nil {
			return decoded{}, fmt.Errorf("corrupt legacy envelope: %w", err)
		}
		return migrateLegacy(env), nil

	default:
		return decoded{}, fmt.Errorf("%w %q", errUnsupportedVersion, version)
	}
}

func migrateLegacy(env legacyEnvelope) decoded {
	out := decoded{
		Version: legacySchemaVersion,
		SavedAt: time.UnixMilli(env.SavedAt).UTC(),
		ScopeID: env.ScopeID,
		Items:   make([]storedItem, 0, len(env.Items)),
	}
	for _, li := range env.Items {
		si := storedItem{
			CatalogID:    li.CatalogID,
			SerialNumber: li.SerialNumber,
			DisplayName:  li.DisplayName,
			Category:     li.Category,
			Quantity:     li.Quantity,
		}
		if li.AddedAt > 0 {
			si.AddedAt = formatTime(time.UnixMilli(li.AddedAt))
		}
		if li.DateOverride != nil {
			si.DateOverrideStart = li.DateOverride.Start
			si.DateOverrideEnd = li.DateOverride.End
		}
		out.Items = append(out.Items, si)
	}
	return out
}

// toCartItem converts a stored item, rejecting anything that violates the
// item invariants.
func toCartItem(si storedItem, fallbackAddedAt time.Time) (model.CartItem, error) {
	item := model.CartItem{
		CatalogID:    model.NormalizeID(si.CatalogID),
		SerialNumber: model.NormalizeID(si.SerialNumber),
		DisplayName:  si.DisplayName,
		Category:     si.Category,
		Quantity:     si.Quantity,
		AddedAt:      fallbackAddedAt,
	}
	if si.AddedAt != "" {
		at, err := parseTime(si.AddedAt)
		if err != nil {
			return model.CartItem{}, fmt.Errorf("addedAt: %w", err)
		}
		item.AddedAt = at
	}
	if si.DateOverrideStart != "" || si.DateOverrideEnd != "" {
		start, err := parseTime(si.DateOverrideStart)
		if err != nil {
			return model.CartItem{}, fmt.Errorf("dateOverrideStart: %w", err)
		}
		end, err := parseTime(si.DateOverrideEnd)
		if err != nil {
			return model.CartItem{}, fmt.Errorf("dateOverrideEnd: %w", err)
		}
		item.DateOverride = &model.DateRange{Start: start, End: end}
	}
	if err := item.Validate(); err != nil {
		return model.CartItem{}, err
	}
	return item, nil
}

func formatTime(t time.Time) string {
	return t.UTC().Format(time.RFC3339Nano)
}

func parseTime(s string) (time.Time, error) {
	t, err := time.Parse(time.RFC3339Nano, s)
	if err != nil {
		return time.Time{}, err
	}
	return t.UTC(), nil
}
