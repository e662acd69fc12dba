package doclog

import "sync"

// deltaQueue is an unbounded FIFO feeding a channel, so observers never block on
// a slow reader.
type deltaQueue struct {
	mu     sync.Mutex
	items  []Delta
	closed bool
	wake   chan struct{}
	done   chan struct{}
	out    chan Delta
}

func newDeltaQueue() *deltaQueue {
	q := &deltaQueue{
		wake: make(chan struct{}, 1),
		done: make(chan struct{}),
		out:  make(chan Delta),
	}
	go q.run()
	return q
}

func (q *deltaQueue) push(d Delta) {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return
	}
	q.items = append(q.items, d)
	q.mu.Unlock()
	select {
	case q.wake <- struct{}{}:
	default:
	}
}

func (q *deltaQueue) close() {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return
	}
	q.closed = true
	close(q.done)
}

func (q *deltaQueue) run() {
	defer close(q.out)
	for {
		q.mu.Lock()
		if len(q.items) == 0 {
			q.mu.Unlock()
			select {
			case <-q.wake:
				continue
			case <-q.done:
				return
			}
		}
		d := q.items[0]
		q.items = q.items[1:]
		q.mu.Unlock()
		select {
		case q.out <- d:
		case <-q.done:
			return
		}
	}
}
