package engine

import (
	"context"
	"sync"
	"time"
)

// persister debounces saves: every schedule restarts the quiet period, and
// one save runs when it elapses. Saves are serialized, and each save
// snapshots the cart when it starts, so the last save to finish always
// holds the newest state.
type persister struct {
	delay time.Duration
	save  func(context.Context) error

	mu      sync.Mutex
	timer   *time.Timer
	dirty   bool
	stopped bool

	saveMu sync.Mutex
}

func newPersister(delay time.Duration, save func(context.Context) error) *persister {
	return &persister{delay: delay, save: save}
}

// markDirty records that the cart changed since the last save.
func (p *persister) markDirty() {
	p.mu.Lock()
	p.dirty = true
	p.mu.Unlock()
}

// schedule (re)starts the debounce timer.
func (p *persister) schedule() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.stopped {
		return
	}
	if p.timer != nil {
		p.timer.Stop()
	}
	p.timer = time.AfterFunc(p.delay, func() {
		_ = p.flush(context.Background())
	})
}

// flush cancels any pending timer and saves if there are unsaved changes.
// A failed save leaves the cart dirty, so a later flush retries.
func (p *persister) flush(ctx context.Context) error {
	p.mu.Lock()
	if p.timer != nil {
		p.timer.Stop()
		p.timer = nil
	}
	if !p.dirty || p.stopped {
		p.mu.Unlock()
		return nil
	}
	p.dirty = false
	p.mu.Unlock()

	p.saveMu.Lock()
	err := p.save(ctx)
	p.saveMu.Unlock()

	if err != nil {
		p.markDirty()
	}
	return err
}

// pending reports whether a save is scheduled.
func (p *persister) pending() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.timer != nil
}

// stop cancels the timer and disables further saves.
func (p *persister) stop() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.timer != nil {
		p.timer.Stop()
		p.timer = nil
	}
	p.stopped = true
}
