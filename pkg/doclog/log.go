// Package doclog is the append-only change log of a space.
//
// The log is split into blocks of bounded size so no single document grows without
// limit. The root document <tsid>/doclog records each block as a root key
// "block:<id>" holding the block's size, which lets a writer find a block with room
// without loading every block. Block ids are ULIDs, so sorting them gives creation
// order. Each block document <tsid>/doclog/<id> holds two lists of encoded entries,
// thoughtLog and lexemeLog.
//
// Entries are only ever appended. Readers consume Deltas, the newly appended tail of
// a sequence tagged with whether this log's own actor wrote it.
package doclog

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"

	"github.com/automerge/automerge-go"
	"github.com/oklog/ulid/v2"

	"github.com/cybersemics/thoughtspace/pkg/crdt"
	"github.com/cybersemics/thoughtspace/pkg/docname"
)

const (
	DefaultBlockSize = 10
	blockKeyPrefix   = "block:"
)

type Options struct {
	// Actor tags this log's own transactions. Defaults to a random actor id.
	Actor     string
	BlockSize int
	Logger    *slog.Logger
}

type Log struct {
	tsid      string
	actor     string
	blockSize int
	loader    Loader
	logger    *slog.Logger
	root      *crdt.Doc

	ctx       context.Context
	cancel    context.CancelFunc
	deltas    *deltaQueue
	ready     chan struct{}
	readyOnce sync.Once
	unsubRoot func()

	watchMu sync.Mutex
	mu      sync.Mutex
	blocks  map[string]*block
	closed  bool

	appendMu sync.Mutex
}

type block struct {
	id   string
	doc  *crdt.Doc
	seen map[Kind]int
	stop func()
}

// Open loads the root document of tsid and starts watching every block it lists.
func Open(ctx context.Context, tsid string, loader Loader, opts Options) (*Log, error) {
	if opts.Actor == "" {
		opts.Actor = crdt.NewActorID()
	}
	if opts.BlockSize <= 0 {
		opts.BlockSize = DefaultBlockSize
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	root, err := loader.Load(ctx, docname.DoclogDoc(tsid))
	if err != nil {
		return nil, fmt.Errorf("failed to load doclog of %s: %w", tsid, err)
	}
	lctx, cancel := context.WithCancel(context.Background())
	l := &Log{
		tsid:      tsid,
		actor:     opts.Actor,
		blockSize: opts.BlockSize,
		loader:    loader,
		logger:    logger.With("tsid", tsid),
		root:      root,
		ctx:       lctx,
		cancel:    cancel,
		deltas:    newDeltaQueue(),
		ready:     make(chan struct{}),
		blocks:    map[string]*block{},
	}
	l.unsubRoot = root.OnUpdate(func(crdt.Update) {
		l.scan(l.ctx)
	})
	for _, b := range l.Blocks() {
		if err := l.watch(ctx, b.ID); err != nil {
			l.Close()
			return nil, err
		}
	}
	return l, nil
}

func (l *Log) Tsid() string  { return l.tsid }
func (l *Log) Actor() string { return l.actor }

// Deltas delivers observed appends in the order they were observed. The channel is
// closed by Close.
func (l *Log) Deltas() <-chan Delta { return l.deltas.out }

// Ready is closed once the first block is being watched.
func (l *Log) Ready() <-chan struct{} { return l.ready }

// Blocks lists the blocks recorded in the root document in creation order.
func (l *Log) Blocks() []BlockInfo {
	var out []BlockInfo
	_ = l.root.Read(func(am *automerge.Doc) error {
		keys, err := am.RootMap().Keys()
		if err != nil {
			return err
		}
		for _, key := range keys {
			id, ok := strings.CutPrefix(key, blockKeyPrefix)
			if !ok {
				continue
			}
			size, _, err := crdt.RootInt(am, key)
			if err != nil {
				l.logger.Warn("ignoring malformed block size", "block", id, "err", err)
			}
			out = append(out, BlockInfo{ID: id, Size: int(size)})
		}
		return nil
	})
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// ActiveBlock is the first block with room left, or the last block when all are
// full. It is empty when nothing has been logged yet. Only Append creates blocks.
func (l *Log) ActiveBlock() string {
	blocks := l.Blocks()
	for _, b := range blocks {
		if b.Size < l.blockSize {
			return b.ID
		}
	}
	if len(blocks) == 0 {
		return ""
	}
	return blocks[len(blocks)-1].ID
}

// Entries returns the whole of one sequence of a block.
func (l *Log) Entries(ctx context.Context, blockID string, kind Kind) ([]Entry, error) {
	doc, err := l.blockDoc(ctx, blockID)
	if err != nil {
		return nil, err
	}
	var raw []string
	if err := doc.Read(func(am *automerge.Doc) error {
		var err error
		raw, err = crdt.StringList(am, kind.listKey())
		return err
	}); err != nil {
		return nil, err
	}
	out := make([]Entry, 0, len(raw))
	for _, r := range raw {
		e, err := ParseEntry(r)
		if err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, nil
}

// AllEntries concatenates one sequence across every block.
func (l *Log) AllEntries(ctx context.Context, kind Kind) ([]Entry, error) {
	var out []Entry
	for _, b := range l.Blocks() {
		entries, err := l.Entries(ctx, b.ID, kind)
		if err != nil {
			return nil, err
		}
		out = append(out, entries...)
	}
	return out, nil
}

// Append adds entries to the log, filling the active block and creating new blocks
// as each fills up. A leading entry identical to the last logged one is dropped.
func (l *Log) Append(ctx context.Context, thoughts, lexemes []Entry) error {
	l.appendMu.Lock()
	defer l.appendMu.Unlock()

	pending := map[Kind][]Entry{Thoughts: thoughts, Lexemes: lexemes}
	if err := l.dropRepeated(ctx, pending); err != nil {
		return err
	}
	for len(pending[Thoughts])+len(pending[Lexemes]) > 0 {
		id, err := l.writableBlock(ctx)
		if err != nil {
			return err
		}
		doc, err := l.blockDoc(ctx, id)
		if err != nil {
			return err
		}
		size := 0
		if err := doc.Transact(l.actor, func(am *automerge.Doc) error {
			for _, kind := range Kinds {
				existing, err := crdt.StringList(am, kind.listKey())
				if err != nil {
					return err
				}
				batch := pending[kind]
				n := min(max(l.blockSize-len(existing), 0), len(batch))
				if n > 0 {
					values := make([]string, n)
					for i, e := range batch[:n] {
						values[i] = e.String()
					}
					if err := crdt.AppendStrings(am, kind.listKey(), values...); err != nil {
						return err
					}
					pending[kind] = batch[n:]
				}
				size = max(size, len(existing)+n)
			}
			return nil
		}); err != nil {
			return fmt.Errorf("failed to append to block %s: %w", id, err)
		}
		if err := l.root.Transact(l.actor, func(am *automerge.Doc) error {
			return am.RootMap().Set(blockKeyPrefix+id, int64(size))
		}); err != nil {
			return fmt.Errorf("failed to record size of block %s: %w", id, err)
		}
	}
	return nil
}

// Close stops watching and closes the Deltas channel.
func (l *Log) Close() {
	l.mu.Lock()
	if l.closed {
		l.mu.Unlock()
		return
	}
	l.closed = true
	blocks := l.blocks
	l.mu.Unlock()

	l.unsubRoot()
	for _, b := range blocks {
		b.stop()
	}
	l.cancel()
	l.deltas.close()
}

func (l *Log) dropRepeated(ctx context.Context, pending map[Kind][]Entry) error {
	blocks := l.Blocks()
	if len(blocks) == 0 {
		return nil
	}
	last := blocks[len(blocks)-1].ID
	for _, kind := range Kinds {
		if len(pending[kind]) == 0 {
			continue
		}
		existing, err := l.Entries(ctx, last, kind)
		if err != nil {
			return err
		}
		if len(existing) > 0 && existing[len(existing)-1] == pending[kind][0] {
			pending[kind] = pending[kind][1:]
		}
	}
	return nil
}

func (l *Log) writableBlock(ctx context.Context) (string, error) {
	for _, b := range l.Blocks() {
		if b.Size < l.blockSize {
			return b.ID, nil
		}
	}
	id := ulid.Make().String()
	doc, err := l.loader.Load(ctx, docname.DoclogBlockDoc(l.tsid, id))
	if err != nil {
		return "", fmt.Errorf("failed to create block %s: %w", id, err)
	}
	if err := doc.Transact(l.actor, func(am *automerge.Doc) error {
		for _, kind := range Kinds {
			if err := am.RootMap().Set(kind.listKey(), automerge.NewList()); err != nil {
				return err
			}
		}
		return nil
	}); err != nil {
		return "", fmt.Errorf("failed to initialise block %s: %w", id, err)
	}
	if err := l.root.Transact(l.actor, func(am *automerge.Doc) error {
		return am.RootMap().Set(blockKeyPrefix+id, int64(0))
	}); err != nil {
		return "", fmt.Errorf("failed to announce block %s: %w", id, err)
	}
	if err := l.watch(ctx, id); err != nil {
		return "", err
	}
	l.logger.Debug("created block", "block", id)
	return id, nil
}

func (l *Log) blockDoc(ctx context.Context, id string) (*crdt.Doc, error) {
	l.mu.Lock()
	b, ok := l.blocks[id]
	l.mu.Unlock()
	if ok {
		return b.doc, nil
	}
	return l.loader.Load(ctx, docname.DoclogBlockDoc(l.tsid, id))
}

func (l *Log) scan(ctx context.Context) {
	for _, b := range l.Blocks() {
		if err := l.watch(ctx, b.ID); err != nil {
			l.logger.Error("failed to watch block", "block", b.ID, "err", err)
		}
	}
}

func (l *Log) watch(ctx context.Context, id string) error {
	l.watchMu.Lock()
	defer l.watchMu.Unlock()
	l.mu.Lock()
	_, known := l.blocks[id]
	closed := l.closed
	l.mu.Unlock()
	if known || closed {
		return nil
	}

	doc, err := l.loader.Load(ctx, docname.DoclogBlockDoc(l.tsid, id))
	if err != nil {
		return fmt.Errorf("failed to load block %s: %w", id, err)
	}
	b := &block{id: id, doc: doc, seen: map[Kind]int{}}
	b.stop = doc.Observe(func(am *automerge.Doc, origin string) {
		l.observe(b, am, origin)
	})
	l.mu.Lock()
	if l.closed {
		l.mu.Unlock()
		b.stop()
		return nil
	}
	l.blocks[id] = b
	l.mu.Unlock()
	l.readyOnce.Do(func() { close(l.ready) })
	return nil
}

// observe runs with the block document locked, so the tail it reports is exactly
// what the change tagged origin appended.
func (l *Log) observe(b *block, am *automerge.Doc, origin string) {
	for _, kind := range Kinds {
		raw, err := crdt.StringList(am, kind.listKey())
		if err != nil {
			l.logger.Error("failed to read block", "block", b.id, "kind", kind, "err", err)
			continue
		}
		start := b.seen[kind]
		if len(raw) <= start {
			continue
		}
		entries := make([]Entry, 0, len(raw)-start)
		for _, r := range raw[start:] {
			e, err := ParseEntry(r)
			if err != nil {
				// keep the slot so indexes stay aligned with the sequence
				l.logger.Error("malformed doclog entry", "block", b.id, "kind", kind, "err", err)
				e = Entry{ID: r}
			}
			entries = append(entries, e)
		}
		b.seen[kind] = len(raw)
		l.deltas.push(Delta{
			BlockID: b.id,
			Kind:    kind,
			Start:   start,
			Entries: entries,
			Local:   origin != "" && origin == l.actor,
		})
	}
}
