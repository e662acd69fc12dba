// Package persistence keeps a live CRDT document in step with its stored copy.
package persistence

import (
	"bytes"
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/cybersemics/thoughtspace/pkg/crdt"
	"github.com/cybersemics/thoughtspace/pkg/kvstore"
	"github.com/cybersemics/thoughtspace/pkg/metrics"
	"github.com/cybersemics/thoughtspace/pkg/throttle"
)

const (
	DefaultFlushWindow  = time.Second
	DefaultWriteTimeout = 10 * time.Second
	// Origin tags the update emitted when stored state is merged into a live document.
	Origin = "store"
)

type Options struct {
	// FlushWindow bounds how often updates are written. Defaults to one second.
	FlushWindow time.Duration
	// CompactAfter replaces the stored updates with one snapshot once more than this
	// many are stored. Zero disables compaction.
	CompactAfter int
	WriteTimeout time.Duration
	Logger       *slog.Logger
}

// Binding is a live document subscribed to a store.
type Binding struct {
	store  kvstore.Store
	name   string
	doc    *crdt.Doc
	opts   Options
	logger *slog.Logger

	batcher     *throttle.Batcher[[]byte]
	unsubscribe func()

	mu     sync.Mutex
	stored int
	// set after a dropped write; the next flush writes a full snapshot instead
	lost bool
}

// Bind loads name from store and reconciles it with doc in both directions: anything
// doc holds that the store lacks is written immediately, then the stored state is
// merged into doc. Every later update of doc is written through a throttled batch.
func Bind(ctx context.Context, store kvstore.Store, name string, doc *crdt.Doc, opts Options) (*Binding, error) {
	if opts.FlushWindow == 0 {
		opts.FlushWindow = DefaultFlushWindow
	}
	if opts.WriteTimeout <= 0 {
		opts.WriteTimeout = DefaultWriteTimeout
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With("doc", name)

	chunks, err := store.GetDocument(ctx, name)
	if err != nil {
		return nil, fmt.Errorf("failed to load %s: %w", name, err)
	}
	stored, err := crdt.Load("", chunks...)
	if err != nil {
		return nil, fmt.Errorf("failed to decode %s: %w", name, err)
	}
	b := &Binding{store: store, name: name, doc: doc, opts: opts, logger: logger, stored: len(chunks)}

	diff, err := doc.Diff(stored)
	if err != nil {
		return nil, fmt.Errorf("failed to diff %s: %w", name, err)
	}
	if len(diff) > 0 {
		if err := store.StoreUpdate(ctx, name, diff); err != nil {
			return nil, fmt.Errorf("failed to store initial state of %s: %w", name, err)
		}
		b.stored++
		logger.Debug("stored untracked local state", "bytes", len(diff))
	}
	if len(chunks) > 0 {
		if err := doc.Merge(stored, Origin); err != nil {
			return nil, fmt.Errorf("failed to merge stored %s: %w", name, err)
		}
	}

	b.batcher = throttle.New(b.write, opts.FlushWindow)
	b.unsubscribe = doc.OnUpdate(func(u crdt.Update) {
		b.batcher.Add(u.Data)
	})
	return b, nil
}

func (b *Binding) Name() string { return b.name }

// Flush writes pending updates now.
func (b *Binding) Flush() {
	b.batcher.Flush()
}

// Close flushes pending updates and stops following the document.
func (b *Binding) Close() {
	b.unsubscribe()
	b.batcher.Stop()
}

// write persists one batch. Failures are logged and dropped; the next successful
// write is a full snapshot so nothing dropped stays missing from the store.
func (b *Binding) write(batch [][]byte) {
	ctx, cancel := context.WithTimeout(context.Background(), b.opts.WriteTimeout)
	defer cancel()

	b.mu.Lock()
	lost := b.lost
	compact := b.opts.CompactAfter > 0 && b.stored+1 > b.opts.CompactAfter
	b.mu.Unlock()

	var err error
	if lost || compact {
		err = b.store.ReplaceDocument(ctx, b.name, b.doc.Save())
	} else {
		err = b.store.StoreUpdate(ctx, b.name, bytes.Join(batch, nil))
	}
	metrics.RecordStoreWrite(err)

	b.mu.Lock()
	defer b.mu.Unlock()
	if err != nil {
		b.lost = true
		b.logger.Error("failed to store update", "updates", len(batch), "err", err)
		return
	}
	if lost || compact {
		b.stored = 1
		b.lost = false
		b.logger.Debug("replaced stored updates with snapshot", "recovered", lost)
		return
	}
	b.stored++
}
