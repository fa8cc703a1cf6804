package booking

import (
	"context"
	"errors"

	"go.uber.org/zap"
)

// Executor submits drafts in chunks.
type Executor struct {
	service  Service
	maxBatch int
	logger   *zap.Logger
}

// Option configures an Executor.
type Option func(*Executor)

// WithMaxBatch caps drafts per service call. Zero or negative means a
// single call.
func WithMaxBatch(n int) Option {
	return func(e *Executor) {
		e.maxBatch = n
	}
}

// WithLogger sets the executor's logger.
func WithLogger(l *zap.Logger) Option {
	return func(e *Executor) {
		if l != nil {
			e.logger = l
		}
	}
}

// NewExecutor wraps service.
func NewExecutor(service Service, opts ...Option) *Executor {
	e := &Executor{service: service, logger: zap.NewNop()}
	for _, opt := range opts {
		opt(e)
	}
	e.logger = e.logger.With(zap.String("component", "booking"))
	return e
}

// SubmitBatch submits every draft and returns one Outcome per draft.
//
// A failed call marks its chunk SERVICE_ERROR and later chunks are still
// submitted. On cancellation the executor stops waiting: drafts already
// confirmed keep their booking ids, everything else is CANCELLED, and
// Cancelled is set.
func (e *Executor) SubmitBatch(ctx context.Context, drafts []Draft) Result {
	res := Result{Outcomes: make([]Outcome, len(drafts))}
	for i, d := range drafts {
		res.Outcomes[i] = Outcome{Index: i, Draft: d, ErrorCode: CodeNotSubmitted}
	}
	if len(drafts) == 0 {
		return res
	}

	size := e.maxBatch
	if size <= 0 {
		size = len(drafts)
	}

	for start := 0; start < len(drafts); start += size {
		end := min(start+size, len(drafts))

		if ctx.Err() != nil {
			e.cancelFrom(&res, start)
			return res
		}

		responses, err := e.call(ctx, drafts[start:end])
		if err != nil {
			if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
				e.cancelFrom(&res, start)
				return res
			}
			e.logger.Warn("booking chunk failed",
				zap.Int("offset", start),
				zap.Int("size", end-start),
				zap.Error(err),
			)
			for i := start; i < end; i++ {
				res.Outcomes[i].ErrorCode = CodeServiceError
			}
			continue
		}

		e.apply(&res, start, end, responses)
	}
	return res
}

func (e *Executor) call(ctx context.Context, chunk []Draft) ([]Response, error) {
	type reply struct {
		resp []Response
		err  error
	}
	done := make(chan reply, 1)
	go func() {
		resp, err := e.service.SubmitBatch(ctx, chunk)
		done <- reply{resp, err}
	}()

	select {
	case r := <-done:
		return r.resp, r.err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// apply records the chunk's responses; drafts without a response are
// NO_RESPONSE. Out-of-range and repeated indexes are ignored.
func (e *Executor) apply(res *Result, start, end int, responses []Response) {
	seen := make(map[int]bool, end-start)
	for _, r := range responses {
		abs := start + r.DraftIndex
		if r.DraftIndex < 0 || abs >= end || seen[abs] {
			e.logger.Warn("ignoring booking response with unexpected draft index",
				zap.Int("draft_index", r.DraftIndex),
				zap.Int("chunk_offset", start),
			)
			continue
		}
		seen[abs] = true

		o := &res.Outcomes[abs]
		switch {
		case r.Success && r.BookingID == "":
			o.ErrorCode = CodeMissingBookingID
		case r.Success:
			o.Success = true
			o.BookingID = r.BookingID
			o.ErrorCode = ""
		case r.ErrorCode != "":
			o.ErrorCode = r.ErrorCode
		default:
			o.ErrorCode = CodeRejected
		}
	}
	for i := start; i < end; i++ {
		if !seen[i] {
			res.Outcomes[i].ErrorCode = CodeNoResponse
		}
	}
}

func (e *Executor) cancelFrom(res *Result, start int) {
	res.Cancelled = true
	for i := start; i < len(res.Outcomes); i++ {
		if !res.Outcomes[i].Success {
			res.Outcomes[i].ErrorCode = CodeCancelled
		}
	}
	e.logger.Info("booking submission cancelled",
		zap.Int("confirmed", len(res.BookingIDs())),
		zap.Int("remaining", len(res.Outcomes)-start),
	)
}
