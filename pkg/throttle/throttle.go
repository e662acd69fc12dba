// Package throttle collapses bursts of calls into one trailing call carrying the batch.
package throttle

import (
	"sync"
	"time"
)

// Batcher accumulates values and hands them to its handler at most once per window.
// The first Add after a flush arms the timer; every value added before it fires is
// delivered in the same batch, in call order.
type Batcher[T any] struct {
	handler func([]T)
	window  time.Duration

	mu      sync.Mutex
	pending []T
	timer   *time.Timer
	stopped bool

	// serialises handler calls so batches are never delivered out of order
	flushMu sync.Mutex
}

func New[T any](handler func([]T), window time.Duration) *Batcher[T] {
	return &Batcher[T]{handler: handler, window: window}
}

func (b *Batcher[T]) Add(v T) {
	b.mu.Lock()
	if b.stopped {
		b.mu.Unlock()
		return
	}
	b.pending = append(b.pending, v)
	if b.timer == nil {
		if b.window <= 0 {
			b.mu.Unlock()
			b.Flush()
			return
		}
		b.timer = time.AfterFunc(b.window, b.fire)
	}
	b.mu.Unlock()
}

// Pending returns the number of values waiting for the next flush.
func (b *Batcher[T]) Pending() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.pending)
}

// Flush delivers whatever is pending immediately, on the calling goroutine.
func (b *Batcher[T]) Flush() {
	b.flushMu.Lock()
	defer b.flushMu.Unlock()

	b.mu.Lock()
	if b.timer != nil {
		b.timer.Stop()
		b.timer = nil
	}
	batch := b.pending
	b.pending = nil
	b.mu.Unlock()

	if len(batch) > 0 {
		b.handler(batch)
	}
}

// Stop flushes pending values and drops any later Add.
func (b *Batcher[T]) Stop() {
	b.Flush()
	b.mu.Lock()
	b.stopped = true
	b.mu.Unlock()
}

func (b *Batcher[T]) fire() {
	b.flushMu.Lock()
	defer b.flushMu.Unlock()

	b.mu.Lock()
	b.timer = nil
	batch := b.pending
	b.pending = nil
	b.mu.Unlock()

	if len(batch) > 0 {
		b.handler(batch)
	}
}
