// Package replication hands every entry appended to a space's doclog to a handler,
// resuming from durable cursors after a restart.
//
// A single dispatcher goroutine consumes observed deltas. For each block and kind it
// slices off what was already observed or replicated, skips echoes of this process's
// own writes, keeps only the last entry per id, and schedules one task per survivor.
// Tasks run concurrently, but the cursor only advances on the queue's low watermark,
// so a persisted cursor never covers an entry whose task has not finished. Entries
// are delivered at least once across crashes; handlers must be idempotent.
package replication

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/cybersemics/thoughtspace/pkg/doclog"
	"github.com/cybersemics/thoughtspace/pkg/kvstore"
	"github.com/cybersemics/thoughtspace/pkg/metrics"
	"github.com/cybersemics/thoughtspace/pkg/taskqueue"
	"github.com/cybersemics/thoughtspace/pkg/throttle"
)

const (
	DefaultCursorFlush = time.Second
	cursorWriteTimeout = 10 * time.Second
)

// AppendLog is the observable log a controller replicates. *doclog.Log implements it.
type AppendLog interface {
	Tsid() string
	Deltas() <-chan doclog.Delta
	Ready() <-chan struct{}
	ActiveBlock() string
	Append(ctx context.Context, thoughts, lexemes []doclog.Entry) error
}

// Item is one entry handed to Next. Index is its position in the block's sequence.
type Item struct {
	Tsid    string
	BlockID string
	Kind    doclog.Kind
	Index   int
	ID      string
	Action  doclog.Action

	// echo items only carry a local write through the queue so the cursor waits
	// behind earlier remote entries
	echo bool
}

type Options struct {
	Log     AppendLog
	// Next replicates one entry. It may be called again for the same entry after
	// a crash.
	Next    func(ctx context.Context, item Item) error
	Storage kvstore.MetaStore

	Concurrency int
	Retries     int
	Timeout     time.Duration
	// Paused leaves replication stopped until Start is called.
	Paused      bool
	// CursorFlush bounds how often cursors are written. Defaults to one second.
	CursorFlush time.Duration
	Logger      *slog.Logger
}

type Controller struct {
	opts    Options
	tsid    string
	logger  *slog.Logger
	queue   *taskqueue.Queue[Item]
	persist *throttle.Batcher[struct{}]
	failed  chan error

	mu       sync.Mutex
	repl     Cursors
	observed map[slot]int
	pending  map[slot]int
}

type slot struct {
	block string
	kind  doclog.Kind
}

func New(opts Options) (*Controller, error) {
	if opts.Log == nil {
		return nil, errors.New("replication: log is required")
	}
	if opts.Next == nil {
		return nil, errors.New("replication: next is required")
	}
	if opts.Storage == nil {
		return nil, errors.New("replication: storage is required")
	}
	if opts.CursorFlush <= 0 {
		opts.CursorFlush = DefaultCursorFlush
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	c := &Controller{
		opts:     opts,
		tsid:     opts.Log.Tsid(),
		logger:   logger.With("tsid", opts.Log.Tsid()),
		failed:   make(chan error, 1),
		repl:     Cursors{},
		observed: map[slot]int{},
		pending:  map[slot]int{},
	}
	c.queue = taskqueue.New(taskqueue.Options[Item]{
		Concurrency: opts.Concurrency,
		Retries:     opts.Retries,
		Timeout:     opts.Timeout,
		Paused:      opts.Paused,
		OnLowStep:   c.lowStep,
		Logger:      c.logger,
	})
	c.persist = throttle.New(c.writeCursors, opts.CursorFlush)
	return c, nil
}

// Run loads the persisted cursors, waits for the first block and then dispatches
// deltas until ctx is done, the log closes or a task fails for good. Pending cursor
// writes are flushed before it returns.
func (c *Controller) Run(ctx context.Context) error {
	cursors, err := LoadCursors(ctx, c.opts.Storage, c.tsid)
	if err != nil {
		return err
	}
	c.mu.Lock()
	for id, cur := range cursors {
		c.repl[id] = cur
	}
	c.mu.Unlock()
	c.logger.Info("loaded replication cursors", "blocks", len(cursors))

	select {
	case <-c.opts.Log.Ready():
	case <-ctx.Done():
		c.shutdown()
		return nil
	}
	c.logger.Info("replicating doclog", "active", c.opts.Log.ActiveBlock())

	deltas := c.opts.Log.Deltas()
	for {
		select {
		case d, ok := <-deltas:
			if !ok {
				c.shutdown()
				return nil
			}
			c.dispatch(d)
		case err := <-c.failed:
			metrics.RecordQueueFailure()
			c.logger.Error("replication stopped", "err", err.Error())
			c.shutdown()
			return fmt.Errorf("replication of %s failed: %w", c.tsid, err)
		case <-ctx.Done():
			c.shutdown()
			return nil
		}
	}
}

// Log appends entries to the doclog as this process. Their echoes are not replicated.
func (c *Controller) Log(ctx context.Context, thoughts, lexemes []doclog.Entry) error {
	return c.opts.Log.Append(ctx, thoughts, lexemes)
}

// Pause stops scheduling new replication tasks. Running tasks still complete.
func (c *Controller) Pause() { c.queue.Pause() }

func (c *Controller) Start() { c.queue.Start() }

// Cursors returns a snapshot of the in-memory replication cursors. They may be ahead
// of what has been persisted.
func (c *Controller) Cursors() Cursors {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.repl.Clone()
}

// Observed returns, per block, the last index scheduled or skipped so far.
func (c *Controller) Observed() Cursors {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := Cursors{}
	for s := range c.observed {
		cur := out.Get(s.block)
		cur.Set(s.kind, c.observedLocked(s.block, s.kind)-1)
		out[s.block] = cur
	}
	return out
}

// Pending returns the number of queued and running tasks.
func (c *Controller) Pending() int {
	return c.queue.Len() + c.queue.Running()
}

// Flush writes the current cursors now.
func (c *Controller) Flush() {
	c.persist.Flush()
}

func (c *Controller) shutdown() {
	c.queue.Close()
	c.persist.Flush()
}

// observedLocked returns the next index not yet seen. A block seen for the first
// time since start starts at its persisted cursor.
func (c *Controller) observedLocked(block string, kind doclog.Kind) int {
	if n, ok := c.observed[slot{block, kind}]; ok {
		return n
	}
	return c.repl.Get(block).Get(kind) + 1
}

func (c *Controller) advanceLocked(block string, kind doclog.Kind, index int) bool {
	cur := c.repl.Get(block)
	if index <= cur.Get(kind) {
		return false
	}
	cur.Set(kind, index)
	c.repl[block] = cur
	return true
}

func (c *Controller) dispatch(d doclog.Delta) {
	s := slot{d.BlockID, d.Kind}

	c.mu.Lock()
	observed := c.observedLocked(d.BlockID, d.Kind)
	from := max(observed, c.repl.Get(d.BlockID).Get(d.Kind)+1)
	skip := min(max(from-d.Start, 0), len(d.Entries))
	if end := d.Start + len(d.Entries); end > observed {
		c.observed[s] = end
	} else {
		c.observed[s] = observed
	}
	slice := d.Entries[skip:]
	base := d.Start + skip
	if len(slice) == 0 {
		c.mu.Unlock()
		return
	}
	last := base + len(slice) - 1

	if d.Local {
		if c.pending[s] == 0 {
			c.advanceLocked(d.BlockID, d.Kind, last)
			c.mu.Unlock()
			c.persist.Add(struct{}{})
			c.logger.Debug("skipped local entries", "block", d.BlockID, "kind", d.Kind, "through", last)
			return
		}
		c.pending[s]++
		c.mu.Unlock()
		c.enqueue([]Item{{Tsid: c.tsid, BlockID: d.BlockID, Kind: d.Kind, Index: last, echo: true}})
		return
	}

	lastPos := make(map[string]int, len(slice))
	for i, e := range slice {
		lastPos[e.ID] = i
	}
	items := make([]Item, 0, len(lastPos))
	for i, e := range slice {
		if lastPos[e.ID] != i {
			continue
		}
		items = append(items, Item{
			Tsid:    c.tsid,
			BlockID: d.BlockID,
			Kind:    d.Kind,
			Index:   base + i,
			ID:      e.ID,
			Action:  e.Action,
		})
	}
	c.pending[s] += len(items)
	c.mu.Unlock()

	c.logger.Debug("scheduling entries", "block", d.BlockID, "kind", d.Kind, "from", base, "count", len(items))
	c.enqueue(items)
}

func (c *Controller) enqueue(items []Item) {
	tasks := make([]taskqueue.Task[Item], len(items))
	for i, item := range items {
		item := item
		tasks[i] = func(ctx context.Context) (Item, error) {
			return item, c.replicate(ctx, item)
		}
	}
	batch := c.queue.Enqueue(tasks...)
	go func() {
		if _, err := batch.Wait(context.Background()); err != nil && !errors.Is(err, taskqueue.ErrClosed) {
			select {
			case c.failed <- err:
			default:
			}
		}
	}()
}

func (c *Controller) replicate(ctx context.Context, item Item) error {
	if item.echo {
		return nil
	}
	if item.Action == "" {
		c.logger.Warn("skipping malformed entry", "block", item.BlockID, "kind", item.Kind, "index", item.Index)
		return nil
	}
	metrics.TaskStarted()
	defer metrics.TaskFinished()
	if err := c.opts.Next(ctx, item); err != nil {
		return fmt.Errorf("failed to replicate %s %s %s: %w", item.Action, item.Kind, item.ID, err)
	}
	return nil
}

func (c *Controller) lowStep(ev taskqueue.Event[Item]) {
	item := ev.Value
	c.mu.Lock()
	c.pending[slot{item.BlockID, item.Kind}]--
	c.advanceLocked(item.BlockID, item.Kind, item.Index)
	c.mu.Unlock()
	if !item.echo && item.Action != "" {
		metrics.RecordReplicated(string(item.Kind), string(item.Action))
	}
	c.persist.Add(struct{}{})
}

func (c *Controller) writeCursors([]struct{}) {
	snapshot := c.Cursors()
	ctx, cancel := context.WithTimeout(context.Background(), cursorWriteTimeout)
	defer cancel()
	err := SaveCursors(ctx, c.opts.Storage, c.tsid, snapshot)
	metrics.RecordCursorWrite(err)
	if err != nil {
		c.logger.Error("failed to persist replication cursors", "err", err)
	}
}
