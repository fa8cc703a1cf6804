package engine

import (
	"fmt"
	"strings"
	"time"

	"github.com/roach88/cartengine/internal/model"
)

// Defaults applied by DefaultConfig and to zero-valued ceilings in New.
const (
	DefaultMaxItems           = 50
	DefaultMaxQuantityPerItem = 10
	DefaultPersistDebounce    = 120 * time.Millisecond
)

// Config is the engine's construction-time configuration.
type Config struct {
	// ScopeID names the cart and its storage record. Required.
	ScopeID string

	// MaxItems bounds distinct lines. Zero means DefaultMaxItems.
	MaxItems int

	// MaxQuantityPerItem bounds one line's quantity. Zero means
	// DefaultMaxQuantityPerItem.
	MaxQuantityPerItem int

	// ManualPersist turns off the debounced save after every mutation;
	// changes then reach storage only through Flush and Close. The zero
	// value auto-persists.
	ManualPersist bool

	// PersistDebounce is the quiet period before a scheduled save. Zero
	// means DefaultPersistDebounce.
	PersistDebounce time.Duration

	// AmbientRange supplies the default rental period for lines without an
	// override. May be nil. Called without the engine lock held.
	AmbientRange func() (model.DateRange, bool)
}

// DefaultConfig returns the default configuration for a scope.
func DefaultConfig(scopeID string) Config {
	return Config{
		ScopeID:            scopeID,
		MaxItems:           DefaultMaxItems,
		MaxQuantityPerItem: DefaultMaxQuantityPerItem,
		PersistDebounce:    DefaultPersistDebounce,
	}
}

// normalize validates c and fills zero values with defaults.
func (c Config) normalize() (Config, error) {
	c.ScopeID = strings.TrimSpace(c.ScopeID)
	if c.ScopeID == "" {
		return c, fmt.Errorf("engine config: scopeId is required")
	}
	if c.MaxItems < 0 {
		return c, fmt.Errorf("engine config: maxItems must not be negative, got %d", c.MaxItems)
	}
	if c.MaxQuantityPerItem < 0 {
		return c, fmt.Errorf("engine config: maxQuantityPerItem must not be negative, got %d", c.MaxQuantityPerItem)
	}
	if c.PersistDebounce < 0 {
		return c, fmt.Errorf("engine config: persistDebounce must not be negative, got %s", c.PersistDebounce)
	}
	if c.MaxItems == 0 {
		c.MaxItems = DefaultMaxItems
	}
	if c.MaxQuantityPerItem == 0 {
		c.MaxQuantityPerItem = DefaultMaxQuantityPerItem
	}
	if c.PersistDebounce == 0 {
		c.PersistDebounce = DefaultPersistDebounce
	}
	return c, nil
}

// ambient resolves the ambient range, treating an invalid range as absent.
func (c Config) ambient() (model.DateRange, bool) {
	if c.AmbientRange == nil {
		return model.DateRange{}, false
	}
	r, ok := c.AmbientRange()
	if !ok || !r.Valid() {
		return model.DateRange{}, false
	}
	return r, true
}
