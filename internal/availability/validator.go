package availability

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"
)

// Validator batches availability checks.
type Validator struct {
	service  Service
	maxBatch int
	logger   *zap.Logger
}

// Option configures a Validator.
type Option func(*Validator)

// WithMaxBatch caps the number of requests per service call. Zero or
// negative means a single call.
func WithMaxBatch(n int) Option {
	return func(v *Validator) {
		v.maxBatch = n
	}
}

// WithLogger sets the validator's logger.
func WithLogger(l *zap.Logger) Option {
	return func(v *Validator) {
		if l != nil {
			v.logger = l
		}
	}
}

// NewValidator wraps service.
func NewValidator(service Service, opts ...Option) *Validator {
	v := &Validator{service: service, logger: zap.NewNop()}
	for _, opt := range opts {
		opt(v)
	}
	v.logger = v.logger.With(zap.String("component", "availability"))
	return v
}

// CheckBatch checks every request and returns one ItemCheck per request.
//
// Chunks are sent sequentially. A chunk whose call fails marks only its
// own items CheckFailed. When ctx is cancelled the validator stops waiting;
// every item without a verdict is CheckFailed and Cancelled is set.
func (v *Validator) CheckBatch(ctx context.Context, reqs []Request) Result {
	res := Result{Items: make([]ItemCheck, len(reqs))}
	for i, r := range reqs {
		res.Items[i] = ItemCheck{Index: i, Request: r}
	}
	if len(reqs) == 0 {
		return res
	}

	size := v.maxBatch
	if size <= 0 {
		size = len(reqs)
	}

	for start := 0; start < len(reqs); start += size {
		end := min(start+size, len(reqs))

		if ctx.Err() != nil {
			v.cancelFrom(&res, start)
			return res
		}

		responses, err := v.call(ctx, reqs[start:end])
		if err != nil {
			if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
				v.cancelFrom(&res, start)
				return res
			}
			v.logger.Warn("availability chunk failed",
				zap.Int("offset", start),
				zap.Int("size", end-start),
				zap.Error(err),
			)
			for i := start; i < end; i++ {
				res.Items[i].Status = StatusCheckFailed
				res.Items[i].Reason = fmt.Sprintf("service error: %v", err)
			}
			continue
		}

		v.apply(&res, start, reqs[start:end], responses)
	}
	return res
}

// call runs one service call but returns as soon as ctx is done, even if
// the service ignores ctx.
func (v *Validator) call(ctx context.Context, chunk []Request) ([]Response, error) {
	type reply struct {
		resp []Response
		err  error
	}
	done := make(chan reply, 1)
	go func() {
		resp, err := v.service.CheckBatch(ctx, chunk)
		done <- reply{resp, err}
	}()

	select {
	case r := <-done:
		if r.err == nil && ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return r.resp, r.err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// apply matches responses to the chunk's requests. A response at the same
// position with the same catalogId wins; otherwise the first unused
// response with that catalogId is taken.
func (v *Validator) apply(res *Result, offset int, chunk []Request, responses []Response) {
	used := make([]bool, len(responses))
	for i, req := range chunk {
		idx := -1
		if i < len(responses) && !used[i] && responses[i].CatalogID == req.CatalogID {
			idx = i
		} else {
			for j, r := range responses {
				if !used[j] && r.CatalogID == req.CatalogID {
					idx = j
					break
				}
			}
		}

		item := &res.Items[offset+i]
		if idx < 0 {
			item.Status = StatusCheckFailed
			item.Reason = "no response"
			continue
		}
		used[idx] = true
		r := responses[idx]

		switch {
		case r.Error != "":
			item.Status = StatusCheckFailed
			item.Reason = r.Error
		case r.Available:
			item.Status = StatusAvailable
		default:
			item.Status = StatusUnavailable
			item.Conflicts = append([]string(nil), r.Conflicts...)
		}
	}
}

func (v *Validator) cancelFrom(res *Result, start int) {
	res.Cancelled = true
	for i := start; i < len(res.Items); i++ {
		if res.Items[i].Status == "" {
			res.Items[i].Status = StatusCheckFailed
			res.Items[i].Reason = "cancelled"
		}
	}
	v.logger.Info("availability check cancelled", zap.Int("remaining", len(res.Items)-start))
}
