// Package taskqueue runs tasks with bounded concurrency and reports completions
// both as they happen and as a contiguous low watermark.
//
// Tasks receive a strictly increasing index when they are dequeued. They may finish
// in any order: OnStep fires for every completion, while OnLowStep fires only once
// every lower index has also completed, so a caller can persist "everything up to N
// is done" without gaps.
package taskqueue

import (
	"container/heap"
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/pkg/errors"
)

var (
	ErrTimeout = errors.New("task timed out")
	ErrFailed  = errors.New("queue failed")
	ErrClosed  = errors.New("queue closed")
)

const (
	DefaultConcurrency = 8
	DefaultTimeout     = 30 * time.Second
)

type Task[T any] func(ctx context.Context) (T, error)

type Event[T any] struct {
	Index int
	Value T
}

type Options[T any] struct {
	// Concurrency is the maximum number of tasks running at once. Defaults to 8.
	Concurrency int
	// Retries is the number of re-attempts after a failed or timed out attempt.
	// When greater than zero each attempt races against Timeout.
	Retries int
	Timeout time.Duration
	// Paused leaves the queue stopped until Start is called.
	Paused bool
	// Expected is the total number of tasks the caller intends to add. When set,
	// OnEnd only fires once that many tasks have completed.
	Expected int

	OnStep    func(Event[T])
	OnLowStep func(Event[T])
	OnEnd     func()

	Logger *slog.Logger
}

type Queue[T any] struct {
	opts   Options[T]
	logger *slog.Logger
	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu        sync.Mutex
	queued    []*job[T]
	running   int
	paused    bool
	closed    bool
	err       error
	nextIndex int
	completed int
	low       int
	reorder   completionHeap[T]
	batches   int

	outbox   []func()
	draining bool
}

type job[T any] struct {
	task  Task[T]
	batch *Batch[T]
	pos   int
}

func New[T any](opts Options[T]) *Queue[T] {
	if opts.Concurrency <= 0 {
		opts.Concurrency = DefaultConcurrency
	}
	if opts.Timeout <= 0 {
		opts.Timeout = DefaultTimeout
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Queue[T]{
		opts:   opts,
		logger: logger,
		ctx:    ctx,
		cancel: cancel,
		paused: opts.Paused,
	}
}

// Enqueue appends tasks to the queue. The returned batch resolves once all of them
// have completed, or with the first error any of them produced.
func (q *Queue[T]) Enqueue(tasks ...Task[T]) *Batch[T] {
	q.mu.Lock()
	q.batches++
	b := newBatch[T](q.batches, len(tasks))
	switch {
	case q.closed:
		b.fail(ErrClosed)
	case q.err != nil:
		b.fail(errors.Wrapf(ErrFailed, "enqueue #%d rejected: %v", b.id, q.err))
	case len(tasks) == 0:
		b.resolve()
	default:
		for i, task := range tasks {
			q.queued = append(q.queued, &job[T]{task: task, batch: b, pos: i})
		}
		q.pumpLocked()
	}
	q.mu.Unlock()
	return b
}

// Pause stops dequeuing. Running tasks are left to finish.
func (q *Queue[T]) Pause() {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.paused = true
}

// Start resumes dequeuing. A failed queue stays stopped.
func (q *Queue[T]) Start() {
	q.mu.Lock()
	q.paused = false
	q.pumpLocked()
	q.mu.Unlock()
}

func (q *Queue[T]) Paused() bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.paused
}

// Len returns the number of tasks waiting to be dequeued.
func (q *Queue[T]) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.queued)
}

func (q *Queue[T]) Running() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.running
}

func (q *Queue[T]) Completed() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.completed
}

// Err returns the error that put the queue into the failed state, if any.
func (q *Queue[T]) Err() error {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.err
}

// Close cancels running tasks, rejects queued ones and waits for workers to exit.
func (q *Queue[T]) Close() {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return
	}
	q.closed = true
	q.paused = true
	for _, j := range q.queued {
		j := j
		q.outbox = append(q.outbox, func() { j.batch.fail(ErrClosed) })
	}
	q.queued = nil
	q.mu.Unlock()
	q.cancel()
	q.wg.Wait()
	q.drain()
}

func (q *Queue[T]) pumpLocked() {
	for !q.paused && q.err == nil && q.running < q.opts.Concurrency && len(q.queued) > 0 {
		j := q.queued[0]
		q.queued[0] = nil
		q.queued = q.queued[1:]
		index := q.nextIndex
		q.nextIndex++
		q.running++
		q.wg.Add(1)
		go q.run(j, index)
	}
}

// rejectQueuedLocked fails every task still waiting to be dequeued once the queue
// has failed, so their callers see the failure instead of waiting forever.
func (q *Queue[T]) rejectQueuedLocked() {
	for _, j := range q.queued {
		err := errors.Wrapf(ErrFailed, "enqueue #%d position %d not run: %v", j.batch.id, j.pos, q.err)
		b := j.batch
		q.outbox = append(q.outbox, func() { b.fail(err) })
	}
	q.queued = nil
}

func (q *Queue[T]) run(j *job[T], index int) {
	defer q.wg.Done()
	value, err := q.attempt(j.task, index)

	q.mu.Lock()
	q.running--
	if err != nil {
		wrapped := errors.Wrapf(err, "task %d (enqueue #%d, position %d)", index, j.batch.id, j.pos)
		q.outbox = append(q.outbox, func() { j.batch.fail(wrapped) })
		if q.err == nil && !q.closed {
			q.err = wrapped
			q.paused = true
			q.logger.Error("task queue failed", "index", index, "batch", j.batch.id, "err", err.Error())
			q.rejectQueuedLocked()
		}
	} else {
		q.completed++
		ev := Event[T]{Index: index, Value: value}
		if q.opts.OnStep != nil {
			q.outbox = append(q.outbox, func() { q.opts.OnStep(ev) })
		}
		heap.Push(&q.reorder, ev)
		for q.reorder.Len() > 0 && q.reorder[0].Index == q.low {
			low := heap.Pop(&q.reorder).(Event[T])
			q.low++
			if q.opts.OnLowStep != nil {
				q.outbox = append(q.outbox, func() { q.opts.OnLowStep(low) })
			}
		}
		b := j.batch
		pos := j.pos
		q.outbox = append(q.outbox, func() { b.complete(pos, value) })
	}
	q.pumpLocked()
	if q.running == 0 && len(q.queued) == 0 && q.err == nil &&
		(q.opts.Expected <= 0 || q.completed >= q.opts.Expected) && q.opts.OnEnd != nil {
		q.outbox = append(q.outbox, q.opts.OnEnd)
	}
	q.mu.Unlock()
	q.drain()
}

func (q *Queue[T]) attempt(task Task[T], index int) (T, error) {
	if q.opts.Retries <= 0 {
		return task(q.ctx)
	}
	var zero T
	var lastErr error
	for attempt := 0; attempt <= q.opts.Retries; attempt++ {
		value, err := q.runWithTimeout(task)
		if err == nil {
			return value, nil
		}
		lastErr = err
		if q.ctx.Err() != nil {
			break
		}
		if attempt < q.opts.Retries {
			q.logger.Warn("retrying task", "index", index, "attempt", attempt+1, "err", err.Error())
		}
	}
	return zero, errors.Wrapf(lastErr, "gave up after %d retries", q.opts.Retries)
}

func (q *Queue[T]) runWithTimeout(task Task[T]) (T, error) {
	type result struct {
		value T
		err   error
	}
	ctx, cancel := context.WithTimeout(q.ctx, q.opts.Timeout)
	defer cancel()
	ch := make(chan result, 1)
	go func() {
		v, err := task(ctx)
		ch <- result{v, err}
	}()
	select {
	case r := <-ch:
		return r.value, r.err
	case <-ctx.Done():
		var zero T
		if q.ctx.Err() != nil {
			return zero, q.ctx.Err()
		}
		return zero, errors.Wrapf(ErrTimeout, "no result within %s", q.opts.Timeout)
	}
}

// drain runs queued callbacks in order on a single goroutine at a time. Callbacks
// run without the queue lock held, so they may call back into the queue.
func (q *Queue[T]) drain() {
	q.mu.Lock()
	if q.draining {
		q.mu.Unlock()
		return
	}
	q.draining = true
	for len(q.outbox) > 0 {
		pending := q.outbox
		q.outbox = nil
		q.mu.Unlock()
		for _, fn := range pending {
			fn()
		}
		q.mu.Lock()
	}
	q.draining = false
	q.mu.Unlock()
}

type completionHeap[T any] []Event[T]

func (h completionHeap[T]) Len() int           { return len(h) }
func (h completionHeap[T]) Less(i, j int) bool { return h[i].Index < h[j].Index }
func (h completionHeap[T]) Swap(i, j int)      { h[i], h[j] = h[j], h[i] }

func (h *completionHeap[T]) Push(x any) {
	*h = append(*h, x.(Event[T]))
}

func (h *completionHeap[T]) Pop() any {
	old := *h
	n := len(old)
	item := old[n-1]
	*h = old[:n-1]
	return item
}
