package testutil

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

var t0 = time.Date(2024, 5, 1, 9, 0, 0, 0, time.UTC)

func TestFixedClock_Frozen(t *testing.T) {
	c := NewFixedClock(t0)
	assert.Equal(t, t0, c.Now())
	assert.Equal(t, t0, c.Now())

	c.Advance(time.Hour)
	assert.Equal(t, t0.Add(time.Hour), c.Now())

	c.Set(t0)
	assert.Equal(t, t0, c.Now())
}

func TestSteppingClock(t *testing.T) {
	c := NewSteppingClock(t0, time.Second)
	assert.Equal(t, t0, c.Now())
	assert.Equal(t, t0.Add(time.Second), c.Now())
	assert.Equal(t, t0.Add(2*time.Second), c.Now())
}

func TestSequenceIDs(t *testing.T) {
	ids := NewSequenceIDs("action")
	assert.Equal(t, "action-0001", ids.Generate())
	assert.Equal(t, "action-0002", ids.Generate())

	ids.Reset()
	assert.Equal(t, "action-0001", ids.Generate())
}

func TestSequenceIDs_ConcurrentUnique(t *testing.T) {
	ids := NewSequenceIDs("bk")
	const n = 200

	var mu sync.Mutex
	seen := make(map[string]bool)
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			id := ids.Generate()
			mu.Lock()
			seen[id] = true
			mu.Unlock()
		}()
	}
	wg.Wait()
	assert.Len(t, seen, n)
}
