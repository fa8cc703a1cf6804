package store

import (
	"context"
	"errors"
	"sort"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/roach88/cartengine/internal/model"
)

// LoadStatus summarizes what Load found.
type LoadStatus string

const (
	LoadOK        LoadStatus = "ok"
	LoadEmpty     LoadStatus = "empty"
	LoadMigrated  LoadStatus = "migrated"
	LoadDiscarded LoadStatus = "discarded"
)

// Diagnostic describes how a stored record was interpreted.
type Diagnostic struct {
	Status      LoadStatus
	FromVersion string
	// Dropped counts items rejected for violating item invariants.
	Dropped int
	// Merged counts items folded into an earlier item with the same key.
	Merged int
	Reason string
}

// Err returns a *StorageError for a discarded record, nil otherwise.
func (d Diagnostic) Err(scopeID string) error {
	if d.Status != LoadDiscarded {
		return nil
	}
	return &StorageError{Code: CodeDiscarded, Scope: scopeID, Err: errors.New(d.Reason)}
}

// LoadResult is the outcome of Adapter.Load.
type LoadResult struct {
	Items      []model.CartItem
	SavedAt    time.Time
	Diagnostic Diagnostic
}

// ScopeInfo describes one stored scope.
type ScopeInfo struct {
	ScopeID       string    `json:"scopeId"`
	SchemaVersion string    `json:"schemaVersion,omitempty"`
	SavedAt       time.Time `json:"savedAt"`
	ItemCount     int       `json:"itemCount"`
	Corrupt       bool      `json:"corrupt,omitempty"`
}

// Adapter reads and writes cart envelopes on a Backend.
//
// Thread-safety: safe for concurrent use if the Backend is.
type Adapter struct {
	backend Backend
	logger  *zap.Logger
	now     func() time.Time
}

// AdapterOption configures an Adapter.
type AdapterOption func(*Adapter)

// WithLogger sets the adapter's logger.
func WithLogger(l *zap.Logger) AdapterOption {
	return func(a *Adapter) {
		if l != nil {
			a.logger = l
		}
	}
}

// WithNow sets the time source used for savedAt.
func WithNow(now func() time.Time) AdapterOption {
	return func(a *Adapter) {
		if now != nil {
			a.now = now
		}
	}
}

// NewAdapter wraps a backend.
func NewAdapter(backend Backend, opts ...AdapterOption) *Adapter {
	a := &Adapter{
		backend: backend,
		logger:  zap.NewNop(),
		now:     time.Now,
	}
	for _, opt := range opts {
		opt(a)
	}
	a.logger = a.logger.With(zap.String("component", "store"))
	return a
}

// Save writes items as the scope's record. An empty list deletes the
// record.
//
// When the backend is over quota, other scopes' records are evicted one at
// a time (undecodable records first, then oldest savedAt) and the write is
// retried after each eviction. If nothing is left to evict the result is a
// *StorageError with CodeQuotaExceeded.
func (a *Adapter) Save(ctx context.Context, scopeID string, items []model.CartItem) error {
	key := RecordKey(scopeID)
	if len(items) == 0 {
		if err := a.backend.Delete(ctx, key); err != nil {
			return &StorageError{Code: CodeBackend, Scope: scopeID, Err: err}
		}
		return nil
	}

	data, err := encodeEnvelope(scopeID, a.now(), items)
	if err != nil {
		return &StorageError{Code: CodeBackend, Scope: scopeID, Err: err}
	}

	var candidates []evictionCandidate
	listed := false
	for {
		err := a.backend.Put(ctx, key, data)
		if err == nil {
			return nil
		}
		if !errors.Is(err, ErrQuotaExceeded) {
			return &StorageError{Code: CodeBackend, Scope: scopeID, Err: err}
		}
		if !listed {
			candidates, err = a.evictionCandidates(ctx, key)
			if err != nil {
				return &StorageError{Code: CodeBackend, Scope: scopeID, Err: err}
			}
			listed = true
		}
		if len(candidates) == 0 {
			return &StorageError{Code: CodeQuotaExceeded, Scope: scopeID, Err: ErrQuotaExceeded}
		}
		victim := candidates[0]
		candidates = candidates[1:]
		if err := a.backend.Delete(ctx, victim.key); err != nil {
			return &StorageError{Code: CodeBackend, Scope: scopeID, Err: err}
		}
		a.logger.Warn("evicted cart record to free quota",
			zap.String("scope", scopeID),
			zap.String("evicted", victim.key),
			zap.Bool("corrupt", victim.corrupt),
			zap.Time("saved_at", victim.savedAt),
		)
	}
}

type evictionCandidate struct {
	key     string
	savedAt time.Time
	corrupt bool
}

func (a *Adapter) evictionCandidates(ctx context.Context, keep string) ([]evictionCandidate, error) {
	keys, err := a.backend.Keys(ctx, KeyPrefix)
	if err != nil {
		return nil, err
	}
	out := make([]evictionCandidate, 0, len(keys))
	for _, k := range keys {
		if k == keep {
			continue
		}
		data, ok, err := a.backend.Get(ctx, k)
		if err != nil {
			return nil, err
		}
		if !ok {
			continue
		}
		c := evictionCandidate{key: k}
		if d, err := decodeEnvelope(data); err != nil {
			c.corrupt = true
		} else {
			c.savedAt = d.SavedAt
		}
		out = append(out, c)
	}
	sort.SliceStable(out, func(i, j int) bool {
		if out[i].corrupt != out[j].corrupt {
			return out[i].corrupt
		}
		if !out[i].savedAt.Equal(out[j].savedAt) {
			return out[i].savedAt.Before(out[j].savedAt)
		}
		return out[i].key < out[j].key
	})
	return out, nil
}

// Load reads the scope's record.
//
// A missing record is an empty result. An unreadable or unsupported record
// is deleted and reported through Diagnostic with LoadDiscarded; that is
// not an error. Items that violate item invariants are dropped; items
// sharing a key are merged (quantities summed for non-serialized items,
// first occurrence kept for serialized ones).
func (a *Adapter) Load(ctx context.Context, scopeID string) (LoadResult, error) {
	key := RecordKey(scopeID)
	data, ok, err := a.backend.Get(ctx, key)
	if err != nil {
		return LoadResult{}, &StorageError{Code: CodeBackend, Scope: scopeID, Err: err}
	}
	if !ok {
		return LoadResult{Diagnostic: Diagnostic{Status: LoadEmpty}}, nil
	}

	d, err := decodeEnvelope(data)
	if err != nil {
		a.logger.Warn("discarding unreadable cart record",
			zap.String("scope", scopeID),
			zap.Error(err),
		)
		if delErr := a.backend.Delete(ctx, key); delErr != nil {
			return LoadResult{}, &StorageError{Code: CodeBackend, Scope: scopeID, Err: delErr}
		}
		return LoadResult{Diagnostic: Diagnostic{Status: LoadDiscarded, Reason: err.Error()}}, nil
	}

	result := LoadResult{
		SavedAt:    d.SavedAt,
		Diagnostic: Diagnostic{Status: LoadOK, FromVersion: d.Version},
	}
	if d.Version != SchemaVersion {
		result.Diagnostic.Status = LoadMigrated
	}

	index := make(map[string]int, len(d.Items))
	for _, si := range d.Items {
		item, err := toCartItem(si, d.SavedAt)
		if err != nil {
			result.Diagnostic.Dropped++
			a.logger.Debug("dropping invalid stored item",
				zap.String("scope", scopeID),
				zap.String("catalog_id", si.CatalogID),
				zap.Error(err),
			)
			continue
		}
		k := item.Key()
		if at, dup := index[k]; dup {
			result.Diagnostic.Merged++
			if !item.Serialized() {
				result.Items[at].Quantity += item.Quantity
			}
			continue
		}
		index[k] = len(result.Items)
		result.Items = append(result.Items, item)
	}

	if len(result.Items) == 0 && result.Diagnostic.Status == LoadOK && result.Diagnostic.Dropped == 0 {
		result.Diagnostic.Status = LoadEmpty
	}
	return result, nil
}

// Delete removes the scope's record.
func (a *Adapter) Delete(ctx context.Context, scopeID string) error {
	if err := a.backend.Delete(ctx, RecordKey(scopeID)); err != nil {
		return &StorageError{Code: CodeBackend, Scope: scopeID, Err: err}
	}
	return nil
}

// Scopes lists stored scopes in key order. Unreadable records are listed
// with Corrupt set.
func (a *Adapter) Scopes(ctx context.Context) ([]ScopeInfo, error) {
	keys, err := a.backend.Keys(ctx, KeyPrefix)
	if err != nil {
		return nil, &StorageError{Code: CodeBackend, Err: err}
	}
	out := make([]ScopeInfo, 0, len(keys))
	for _, k := range keys {
		data, ok, err := a.backend.Get(ctx, k)
		if err != nil {
			return nil, &StorageError{Code: CodeBackend, Scope: strings.TrimPrefix(k, KeyPrefix), Err: err}
		}
		if !ok {
			continue
		}
		info := ScopeInfo{ScopeID: strings.TrimPrefix(k, KeyPrefix)}
		if d, err := decodeEnvelope(data); err != nil {
			info.Corrupt = true
		} else {
			info.SchemaVersion = d.Version
			info.SavedAt = d.SavedAt
			info.ItemCount = len(d.Items)
		}
		out = append(out, info)
	}
	return out, nil
}
