package harness

import (
	"bytes"
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/roach88/cartengine/internal/model"
)

// Scenario is one scripted cart session.
type Scenario struct {
	// Name uniquely identifies the scenario and names its golden file.
	Name string `yaml:"name"`

	// Description explains what the scenario demonstrates.
	Description string `yaml:"description"`

	// Config overrides engine ceilings. Zero values take engine defaults.
	Config ConfigSpec `yaml:"config,omitempty"`

	// Ambient is the default rental period. Omit it to require overrides.
	Ambient *RangeSpec `yaml:"ambient,omitempty"`

	// Stock seeds the ledger.
	Stock StockSpec `yaml:"stock,omitempty"`

	// Bookings are confirmed in the ledger before the first step, as if
	// another client had booked them.
	Bookings []BookingSpec `yaml:"bookings,omitempty"`

	// Steps are executed in order.
	Steps []Step `yaml:"steps"`

	// Assertions are evaluated after the last step.
	Assertions []Assertion `yaml:"assertions,omitempty"`
}

// ConfigSpec mirrors the engine ceilings.
type ConfigSpec struct {
	MaxItems           int `yaml:"maxItems,omitempty"`
	MaxQuantityPerItem int `yaml:"maxQuantityPerItem,omitempty"`
}

// RangeSpec is a rental period.
type RangeSpec struct {
	Start time.Time `yaml:"start"`
	End   time.Time `yaml:"end"`
}

// StockSpec is the ledger's stock table.
type StockSpec struct {
	Default int            `yaml:"default,omitempty"`
	Items   map[string]int `yaml:"items,omitempty"`
}

// BookingSpec is a pre-existing booking. The range defaults to the
// ambient range and the quantity to 1.
type BookingSpec struct {
	CatalogID    string     `yaml:"catalogId"`
	SerialNumber string     `yaml:"serialNumber,omitempty"`
	Quantity     int        `yaml:"quantity,omitempty"`
	Range        *RangeSpec `yaml:"range,omitempty"`
}

// Step operations.
const (
	OpAdd         = "add"
	OpRemove      = "remove"
	OpSetQuantity = "setQuantity"
	OpSetDates    = "setDates"
	OpClear       = "clear"
	OpCheckout    = "checkout"
	OpSetStock    = "setStock"
	OpFailBooking = "failBookings"
	OpFailCheck   = "failChecks"
)

// Step is one operation on the engine or the ledger.
type Step struct {
	Op string `yaml:"op"`

	// add
	Item     *model.ItemDescriptor `yaml:"item,omitempty"`
	Quantity int                   `yaml:"quantity,omitempty"`

	// remove, setQuantity, setDates
	Key   string     `yaml:"key,omitempty"`
	Start *time.Time `yaml:"start,omitempty"`
	End   *time.Time `yaml:"end,omitempty"`

	// checkout
	ClientID  string `yaml:"clientId,omitempty"`
	SkipCheck bool   `yaml:"skipCheck,omitempty"`

	// setStock, failBookings, failChecks
	CatalogID string `yaml:"catalogId,omitempty"`
	Code      string `yaml:"code,omitempty"`

	Expect *Expect `yaml:"expect,omitempty"`
}

// Expect is checked against a step's return values. Unset fields are not
// checked. A step without expect must not return an error.
type Expect struct {
	// Error is the expected CartError code; empty means success.
	Error string `yaml:"error,omitempty"`

	// Outcome is the AddItem outcome.
	Outcome string `yaml:"outcome,omitempty"`

	// Removed is RemoveItem's return value.
	Removed *bool `yaml:"removed,omitempty"`

	// Cleared is Clear's return value.
	Cleared *int `yaml:"cleared,omitempty"`

	// Status, Reason, FailedKeys and Bookings describe a checkout result.
	Status     string   `yaml:"status,omitempty"`
	Reason     string   `yaml:"reason,omitempty"`
	FailedKeys []string `yaml:"failedKeys,omitempty"`
	Bookings   *int     `yaml:"bookings,omitempty"`
}

// Assertion validates the trace or the final cart.
type Assertion struct {
	// Type is one of the Assert* constants.
	Type string `yaml:"type"`

	// Kinds is the expected relative order of event kinds (trace_order).
	Kinds []string `yaml:"kinds,omitempty"`

	// Kind and Count: the kind must appear exactly Count times (trace_count).
	Kind  string `yaml:"kind,omitempty"`
	Count int    `yaml:"count,omitempty"`

	// Items maps every expected key to its quantity (final_items).
	Items map[string]int `yaml:"items,omitempty"`
}

// Assertion types.
const (
	AssertTraceOrder = "trace_order"
	AssertTraceCount = "trace_count"
	AssertFinalItems = "final_items"
)

// LoadScenario reads and parses a scenario YAML file.
// Unknown fields are rejected so typos do not silently skip checks.
func LoadScenario(path string) (*Scenario, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read scenario file: %w", err)
	}
	return ParseScenario(data)
}

// ParseScenario parses and validates scenario YAML.
func ParseScenario(data []byte) (*Scenario, error) {
	var scenario Scenario
	decoder := yaml.NewDecoder(bytes.NewReader(data))
	decoder.KnownFields(true)
	if err := decoder.Decode(&scenario); err != nil {
		return nil, fmt.Errorf("failed to parse YAML: %w", err)
	}
	if err := validateScenario(&scenario); err != nil {
		return nil, fmt.Errorf("invalid scenario: %w", err)
	}
	return &scenario, nil
}

// validateScenario checks that required fields are present and valid.
func validateScenario(s *Scenario) error {
	if s.Name == "" {
		return fmt.Errorf("name is required")
	}
	if s.Description == "" {
		return fmt.Errorf("description is required")
	}
	if len(s.Steps) == 0 {
		return fmt.Errorf("steps list is required and must be non-empty")
	}
	if s.Ambient != nil && !s.Ambient.Start.Before(s.Ambient.End) {
		return fmt.Errorf("ambient: start must be before end")
	}

	for i, b := range s.Bookings {
		if b.CatalogID == "" {
			return fmt.Errorf("bookings[%d]: catalogId is required", i)
		}
		if b.Range == nil && s.Ambient == nil {
			return fmt.Errorf("bookings[%d]: range is required without an ambient range", i)
		}
	}

	for i, step := range s.Steps {
		if err := validateStep(i, &step); err != nil {
			return err
		}
	}

	for i, a := range s.Assertions {
		if err := validateAssertion(i, &a); err != nil {
			return err
		}
	}
	return nil
}

func validateStep(i int, s *Step) error {
	switch s.Op {
	case OpAdd:
		if s.Item == nil {
			return fmt.Errorf("steps[%d]: item is required for add", i)
		}
	case OpRemove, OpSetQuantity, OpSetDates:
		if s.Key == "" {
			return fmt.Errorf("steps[%d]: key is required for %s", i, s.Op)
		}
	case OpClear, OpCheckout:
	case OpSetStock, OpFailBooking, OpFailCheck:
		if s.CatalogID == "" {
			return fmt.Errorf("steps[%d]: catalogId is required for %s", i, s.Op)
		}
	case "":
		return fmt.Errorf("steps[%d]: op is required", i)
	default:
		return fmt.Errorf("steps[%d]: unknown op %q", i, s.Op)
	}
	return nil
}

// validateAssertion validates a single assertion based on its type.
func validateAssertion(index int, a *Assertion) error {
	switch a.Type {
	case AssertTraceOrder:
		if len(a.Kinds) == 0 {
			return fmt.Errorf("assertions[%d]: kinds list is required for trace_order", index)
		}
	case AssertTraceCount:
		if a.Kind == "" {
			return fmt.Errorf("assertions[%d]: kind is required for trace_count", index)
		}
		if a.Count < 0 {
			return fmt.Errorf("assertions[%d]: count must be non-negative for trace_count", index)
		}
	case AssertFinalItems:
	case "":
		return fmt.Errorf("assertions[%d]: type is required", index)
	default:
		return fmt.Errorf("assertions[%d]: unknown assertion type %q", index, a.Type)
	}
	return nil
}
