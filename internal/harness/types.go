package harness

import (
	"github.com/roach88/cartengine/internal/events"
	"github.com/roach88/cartengine/internal/model"
)

// Result is the outcome of a scenario run.
type Result struct {
	// Pass is true when every expect clause and assertion held.
	Pass bool

	// Trace holds every event the engine published, in order.
	Trace []events.Event

	// Final is the cart after the last step.
	Final []model.CartItem

	// Errors describes each failed expectation.
	Errors []string
}

// NewResult creates a passing result.
func NewResult() *Result {
	return &Result{Pass: true, Trace: []events.Event{}, Errors: []string{}}
}

// AddError records a failure and marks the result as failed.
func (r *Result) AddError(err string) {
	r.Errors = append(r.Errors, err)
	r.Pass = false
}

// Kinds returns the event kinds of the trace in order.
func (r *Result) Kinds() []events.Kind {
	out := make([]events.Kind, len(r.Trace))
	for i, ev := range r.Trace {
		out[i] = ev.Kind
	}
	return out
}
