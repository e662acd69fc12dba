package server

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync"

	"github.com/cybersemics/thoughtspace/pkg/crdt"
	"github.com/cybersemics/thoughtspace/pkg/kvstore"
	"github.com/cybersemics/thoughtspace/pkg/permissions"
	"github.com/cybersemics/thoughtspace/pkg/persistence"
)

// Registry holds the live copy of every open document. Each document is loaded
// once, bound to the store and handed to the permission authority before anyone
// else sees it.
type Registry struct {
	store  kvstore.Store
	auth   *permissions.Authority
	opts   persistence.Options
	logger *slog.Logger

	mu   sync.Mutex
	docs map[string]*entry
}

type entry struct {
	ready   chan struct{}
	doc     *crdt.Doc
	binding *persistence.Binding
	err     error
}

func NewRegistry(store kvstore.Store, auth *permissions.Authority, opts persistence.Options, logger *slog.Logger) *Registry {
	if logger == nil {
		logger = slog.Default()
	}
	opts.Logger = logger
	return &Registry{
		store:  store,
		auth:   auth,
		opts:   opts,
		logger: logger,
		docs:   map[string]*entry{},
	}
}

// Load opens a document on behalf of the server itself.
func (r *Registry) Load(ctx context.Context, name string) (*crdt.Doc, error) {
	return r.Open(ctx, permissions.Context{}, name)
}

// Open returns the live document for name, loading it on first use. Concurrent
// callers for the same name share one load.
func (r *Registry) Open(ctx context.Context, c permissions.Context, name string) (*crdt.Doc, error) {
	r.mu.Lock()
	e, ok := r.docs[name]
	if !ok {
		e = &entry{ready: make(chan struct{})}
		r.docs[name] = e
	}
	r.mu.Unlock()

	if ok {
		select {
		case <-e.ready:
			return e.doc, e.err
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}

	e.doc, e.binding, e.err = r.load(ctx, c, name)
	if e.err != nil {
		r.mu.Lock()
		if r.docs[name] == e {
			delete(r.docs, name)
		}
		r.mu.Unlock()
	}
	close(e.ready)
	return e.doc, e.err
}

func (r *Registry) load(ctx context.Context, c permissions.Context, name string) (*crdt.Doc, *persistence.Binding, error) {
	doc, err := crdt.New(crdt.NewActorID())
	if err != nil {
		return nil, nil, err
	}
	binding, err := persistence.Bind(ctx, r.store, name, doc, r.opts)
	if err != nil {
		return nil, nil, err
	}
	if err := r.auth.LoadDocument(ctx, c, doc, name); err != nil {
		binding.Close()
		return nil, nil, fmt.Errorf("failed to attach %s: %w", name, err)
	}
	r.logger.Debug("loaded document", "doc", name)
	return doc, binding, nil
}

// Evict flushes and forgets name. The next Open loads it from the store again.
func (r *Registry) Evict(name string) {
	r.mu.Lock()
	e, ok := r.docs[name]
	if ok {
		delete(r.docs, name)
	}
	r.mu.Unlock()
	if !ok {
		return
	}
	<-e.ready
	if e.doc != nil {
		r.auth.Release(e.doc)
	}
	if e.binding != nil {
		e.binding.Close()
	}
	r.logger.Debug("evicted document", "doc", name)
}

// Names lists the open documents.
func (r *Registry) Names() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]string, 0, len(r.docs))
	for name := range r.docs {
		out = append(out, name)
	}
	sort.Strings(out)
	return out
}

// Flush writes pending updates of every open document.
func (r *Registry) Flush() {
	for _, b := range r.bindings() {
		b.Flush()
	}
}

// Close flushes and unbinds every document.
func (r *Registry) Close() {
	bindings := r.bindings()
	r.mu.Lock()
	r.docs = map[string]*entry{}
	r.mu.Unlock()
	for _, b := range bindings {
		b.Close()
	}
}

func (r *Registry) bindings() []*persistence.Binding {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []*persistence.Binding
	for _, e := range r.docs {
		select {
		case <-e.ready:
			if e.binding != nil {
				out = append(out, e.binding)
			}
		default:
		}
	}
	return out
}
