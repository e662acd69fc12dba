package taskqueue

import (
	"context"
	"sync"
)

// Batch tracks the tasks added by one Enqueue call.
type Batch[T any] struct {
	id        int
	mu        sync.Mutex
	results   []T
	remaining int
	err       error
	done      chan struct{}
	closed    bool
}

func newBatch[T any](id, size int) *Batch[T] {
	return &Batch[T]{
		id:        id,
		results:   make([]T, size),
		remaining: size,
		done:      make(chan struct{}),
	}
}

func (b *Batch[T]) ID() int { return b.id }

// Done is closed once the batch has resolved or failed.
func (b *Batch[T]) Done() <-chan struct{} { return b.done }

// Wait blocks until every task in the batch has completed and returns their
// results in the order they were enqueued.
func (b *Batch[T]) Wait(ctx context.Context) ([]T, error) {
	select {
	case <-b.done:
	case <-ctx.Done():
		return nil, ctx.Err()
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.err != nil {
		return nil, b.err
	}
	return b.results, nil
}

func (b *Batch[T]) complete(pos int, value T) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}
	b.results[pos] = value
	b.remaining--
	if b.remaining == 0 {
		b.closeLocked()
	}
}

func (b *Batch[T]) fail(err error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}
	b.err = err
	b.closeLocked()
}

func (b *Batch[T]) resolve() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if !b.closed {
		b.closeLocked()
	}
}

func (b *Batch[T]) closeLocked() {
	b.closed = true
	close(b.done)
}
