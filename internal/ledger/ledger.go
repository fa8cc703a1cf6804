// Package ledger is an in-process rental ledger: per-catalog stock plus
// the bookings made against it. It implements both availability.Service
// and booking.Service, so an engine can run end to end without remote
// services (offline CLI mode, scenario harness, tests).
//
// Availability rules:
//   - Serialized requests conflict with any booking of the same unit whose
//     range overlaps.
//   - Other requests are available when stock minus the quantity booked in
//     overlapping ranges covers the requested quantity.
//
// Ranges are half-open, so a booking ending at noon does not conflict with
// one starting at noon.
package ledger

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/roach88/cartengine/internal/availability"
	"github.com/roach88/cartengine/internal/booking"
	"github.com/roach88/cartengine/internal/model"
)

// CodeUnavailable is the booking error code for a draft that no longer fits.
const CodeUnavailable = "UNAVAILABLE"

// Booking is a confirmed reservation.
type Booking struct {
	ID           string          `json:"id"`
	ClientID     string          `json:"clientId"`
	CatalogID    string          `json:"catalogId"`
	SerialNumber string          `json:"serialNumber,omitempty"`
	Quantity     int             `json:"quantity"`
	Range        model.DateRange `json:"range"`
	CreatedAt    time.Time       `json:"createdAt"`
}

// Ledger holds stock and bookings.
//
// Thread-safety: all methods are safe for concurrent use.
type Ledger struct {
	mu           sync.Mutex
	stock        map[string]int
	defaultStock int
	bookings     []Booking
	failBookings map[string]string
	failChecks   map[string]string
	newID        func() string
	now          func() time.Time
}

// Option configures a Ledger.
type Option func(*Ledger)

// WithStock sets initial stock per catalog id.
func WithStock(stock map[string]int) Option {
	return func(l *Ledger) {
		for id, n := range stock {
			l.stock[model.NormalizeID(id)] = n
		}
	}
}

// WithDefaultStock sets the stock assumed for catalog ids without an
// explicit entry. Zero (the default) makes unknown ids a check error.
func WithDefaultStock(n int) Option {
	return func(l *Ledger) {
		l.defaultStock = n
	}
}

// WithIDGenerator sets the booking id source. Defaults to random UUIDs.
func WithIDGenerator(f func() string) Option {
	return func(l *Ledger) {
		if f != nil {
			l.newID = f
		}
	}
}

// WithNow sets the clock used for CreatedAt.
func WithNow(now func() time.Time) Option {
	return func(l *Ledger) {
		if now != nil {
			l.now = now
		}
	}
}

// New creates a ledger.
func New(opts ...Option) *Ledger {
	l := &Ledger{
		stock:        make(map[string]int),
		failBookings: make(map[string]string),
		failChecks:   make(map[string]string),
		newID:        uuid.NewString,
		now:          time.Now,
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

var (
	_ availability.Service = (*Ledger)(nil)
	_ booking.Service      = (*Ledger)(nil)
)

// SetStock sets the stock for one catalog id.
func (l *Ledger) SetStock(catalogID string, units int) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.stock[model.NormalizeID(catalogID)] = units
}

// FailBookings makes every draft for catalogID fail with code.
// An empty code removes the rule.
func (l *Ledger) FailBookings(catalogID, code string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	setRule(l.failBookings, catalogID, code)
}

// FailChecks makes availability checks for catalogID return an error
// entry with msg. An empty msg removes the rule.
func (l *Ledger) FailChecks(catalogID, msg string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	setRule(l.failChecks, catalogID, msg)
}

func setRule(m map[string]string, catalogID, v string) {
	id := model.NormalizeID(catalogID)
	if v == "" {
		delete(m, id)
		return
	}
	m[id] = v
}

// Bookings returns confirmed bookings ordered by id.
func (l *Ledger) Bookings() []Booking {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := append([]Booking(nil), l.bookings...)
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// CheckBatch implements availability.Service.
func (l *Ledger) CheckBatch(ctx context.Context, reqs []availability.Request) ([]availability.Response, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	l.mu.Lock()
	defer l.mu.Unlock()

	out := make([]availability.Response, 0, len(reqs))
	for _, r := range reqs {
		id := model.NormalizeID(r.CatalogID)
		resp := availability.Response{CatalogID: r.CatalogID}
		if msg, ok := l.failChecks[id]; ok {
			resp.Error = msg
			out = append(out, resp)
			continue
		}
		rng := model.DateRange{Start: r.Start, End: r.End}
		conflicts, err := l.conflicts(id, model.NormalizeID(r.SerialNumber), r.Quantity, rng)
		if err != nil {
			resp.Error = err.Error()
		} else {
			resp.Available = len(conflicts) == 0
			resp.Conflicts = conflicts
		}
		out = append(out, resp)
	}
	return out, nil
}

// SubmitBatch implements booking.Service. Drafts are booked in order, so
// a later draft sees the bookings of earlier ones.
func (l *Ledger) SubmitBatch(ctx context.Context, drafts []booking.Draft) ([]booking.Response, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	l.mu.Lock()
	defer l.mu.Unlock()

	out := make([]booking.Response, 0, len(drafts))
	for i, d := range drafts {
		id := model.NormalizeID(d.CatalogID)
		resp := booking.Response{DraftIndex: i}
		if code, ok := l.failBookings[id]; ok {
			resp.ErrorCode = code
			out = append(out, resp)
			continue
		}
		rng := model.DateRange{Start: d.Start, End: d.End}
		serial := model.NormalizeID(d.SerialNumber)
		conflicts, err := l.conflicts(id, serial, d.Quantity, rng)
		if err != nil || len(conflicts) > 0 {
			resp.ErrorCode = CodeUnavailable
			out = append(out, resp)
			continue
		}
		b := Booking{
			ID:           l.newID(),
			ClientID:     d.ClientID,
			CatalogID:    id,
			SerialNumber: serial,
			Quantity:     d.Quantity,
			Range:        rng,
			CreatedAt:    l.now(),
		}
		l.bookings = append(l.bookings, b)
		resp.Success = true
		resp.BookingID = b.ID
		out = append(out, resp)
	}
	return out, nil
}

// conflicts returns the ids of bookings that prevent the request, or an
// error when the request cannot be evaluated. Caller holds l.mu.
func (l *Ledger) conflicts(catalogID, serial string, qty int, rng model.DateRange) ([]string, error) {
	if !rng.Valid() {
		return nil, fmt.Errorf("invalid range %s", rng)
	}

	var overlapping []Booking
	for _, b := range l.bookings {
		if b.CatalogID == catalogID && b.Range.Overlaps(rng) {
			overlapping = append(overlapping, b)
		}
	}

	if serial != "" {
		var ids []string
		for _, b := range overlapping {
			if b.SerialNumber == serial {
				ids = append(ids, b.ID)
			}
		}
		return ids, nil
	}

	stock, ok := l.stock[catalogID]
	if !ok {
		if l.defaultStock <= 0 {
			return nil, fmt.Errorf("unknown catalog item %q", catalogID)
		}
		stock = l.defaultStock
	}
	booked := 0
	for _, b := range overlapping {
		booked += b.Quantity
	}
	if stock-booked >= qty {
		return nil, nil
	}
	ids := make([]string, 0, len(overlapping))
	for _, b := range overlapping {
		ids = append(ids, b.ID)
	}
	if len(ids) == 0 {
		ids = append(ids, fmt.Sprintf("insufficient stock: %d of %d", stock-booked, qty))
	}
	return ids, nil
}
