package engine

import (
	"sync/atomic"
	"time"
)

// Sequence numbers the events of one engine. Numbers start at 1 and are
// taken under the engine lock, so they follow mutation order.
type Sequence struct {
	n atomic.Int64
}

// Next reserves the next number.
func (s *Sequence) Next() int64 {
	return s.n.Add(1)
}

// Last is the most recently reserved number, or 0 before any event.
func (s *Sequence) Last() int64 {
	return s.n.Load()
}

// TimeSource supplies wall time for AddedAt and event timestamps.
type TimeSource interface {
	Now() time.Time
}

type systemTime struct{}

func (systemTime) Now() time.Time { return time.Now() }
