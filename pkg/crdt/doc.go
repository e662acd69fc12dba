// Package crdt wraps an automerge document with locking and origin-tagged update events.
//
// Every mutation goes through the wrapper so that subscribers see exactly one Update per
// transaction, carrying the incremental change bytes and the origin that produced them.
// The origin is what lets observers tell their own writes apart from remote ones.
package crdt

import (
	"fmt"
	"strings"
	"sync"

	"github.com/automerge/automerge-go"
	"github.com/google/uuid"
)

type Update struct {
	Data   []byte
	Origin string
}

type subscriber struct {
	id int
	fn func(Update)
}

type observer struct {
	id int
	fn func(am *automerge.Doc, origin string)
}

type Doc struct {
	mu        sync.Mutex
	am        *automerge.Doc
	actor     string
	subs      []subscriber
	observers []observer
	nextSub   int
	outbox    []Update
	draining  bool
}

// NewActorID returns a random hex actor id suitable for automerge.
func NewActorID() string {
	return strings.ReplaceAll(uuid.NewString(), "-", "")
}

func New(actor string) (*Doc, error) {
	am := automerge.New()
	if actor != "" {
		if err := am.SetActorID(actor); err != nil {
			return nil, fmt.Errorf("failed to set actor: %w", err)
		}
	}
	// start the incremental save point at the empty state
	_ = am.SaveIncremental()
	return &Doc{am: am, actor: am.ActorID()}, nil
}

// Load builds a document from a sequence of saved states or incremental updates.
func Load(actor string, chunks ...[]byte) (*Doc, error) {
	d, err := New(actor)
	if err != nil {
		return nil, err
	}
	for i, chunk := range chunks {
		if len(chunk) == 0 {
			continue
		}
		if err := d.am.LoadIncremental(chunk); err != nil {
			return nil, fmt.Errorf("failed to load chunk %d: %w", i, err)
		}
	}
	_ = d.am.SaveIncremental()
	return d, nil
}

func (d *Doc) Actor() string { return d.actor }

// OnUpdate registers fn for every subsequent update. Callbacks run one at a time, in
// update order, without the document lock held.
func (d *Doc) OnUpdate(fn func(Update)) (unsubscribe func()) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.nextSub++
	id := d.nextSub
	d.subs = append(d.subs, subscriber{id: id, fn: fn})
	return func() {
		d.mu.Lock()
		defer d.mu.Unlock()
		for i, s := range d.subs {
			if s.id == id {
				d.subs = append(d.subs[:i:i], d.subs[i+1:]...)
				return
			}
		}
	}
}

// Observe calls fn once immediately and then after every change, with the document
// locked, so fn sees exactly the state that change produced. The first call has an
// empty origin. fn must not call methods of d.
func (d *Doc) Observe(fn func(am *automerge.Doc, origin string)) (unsubscribe func()) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.nextSub++
	id := d.nextSub
	d.observers = append(d.observers, observer{id: id, fn: fn})
	fn(d.am, "")
	return func() {
		d.mu.Lock()
		defer d.mu.Unlock()
		for i, o := range d.observers {
			if o.id == id {
				d.observers = append(d.observers[:i:i], d.observers[i+1:]...)
				return
			}
		}
	}
}

// Transact runs fn against the underlying document and emits the resulting changes
// as a single update tagged with origin. fn should validate before it mutates: a
// returned error does not roll back mutations already made.
func (d *Doc) Transact(origin string, fn func(*automerge.Doc) error) error {
	d.mu.Lock()
	err := fn(d.am)
	d.queueLocked(origin)
	d.mu.Unlock()
	d.drain()
	return err
}

// Read runs fn against the document without emitting anything.
func (d *Doc) Read(fn func(*automerge.Doc) error) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	return fn(d.am)
}

// ApplyUpdate merges update bytes (a saved state or incremental changes) into the document.
func (d *Doc) ApplyUpdate(data []byte, origin string) error {
	if len(data) == 0 {
		return nil
	}
	d.mu.Lock()
	if err := d.am.LoadIncremental(data); err != nil {
		d.mu.Unlock()
		return fmt.Errorf("failed to apply update: %w", err)
	}
	d.queueLocked(origin)
	d.mu.Unlock()
	d.drain()
	return nil
}

// Merge brings every change in other into d.
func (d *Doc) Merge(other *Doc, origin string) error {
	return d.ApplyUpdate(other.Save(), origin)
}

// Diff returns the changes d holds that base does not, encoded as an update. An empty
// result means base already has everything in d.
func (d *Doc) Diff(base *Doc) ([]byte, error) {
	fork, err := automerge.Load(base.Save())
	if err != nil {
		return nil, fmt.Errorf("failed to fork base: %w", err)
	}
	_ = fork.SaveIncremental()
	d.mu.Lock()
	_, err = fork.Merge(d.am)
	d.mu.Unlock()
	if err != nil {
		return nil, fmt.Errorf("failed to merge into fork: %w", err)
	}
	return fork.SaveIncremental(), nil
}

func (d *Doc) Save() []byte {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.am.Save()
}

func (d *Doc) Heads() []automerge.ChangeHash {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.am.Heads()
}

// Changes exposes the change history, for inspection and rendering.
func (d *Doc) Changes() ([]*automerge.Change, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.am.Changes()
}

// Fork returns an independent copy of the document as it was at heads, or as it is
// now when no heads are given.
func (d *Doc) Fork(heads ...automerge.ChangeHash) (*automerge.Doc, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.am.Fork(heads...)
}

func (d *Doc) queueLocked(origin string) {
	data := d.am.SaveIncremental()
	if len(data) == 0 {
		return
	}
	for _, o := range d.observers {
		o.fn(d.am, origin)
	}
	d.outbox = append(d.outbox, Update{Data: data, Origin: origin})
}

func (d *Doc) drain() {
	d.mu.Lock()
	if d.draining {
		d.mu.Unlock()
		return
	}
	d.draining = true
	for len(d.outbox) > 0 {
		pending := d.outbox
		d.outbox = nil
		subs := append([]subscriber(nil), d.subs...)
		d.mu.Unlock()
		for _, u := range pending {
			for _, s := range subs {
				s.fn(u)
			}
		}
		d.mu.Lock()
	}
	d.draining = false
	d.mu.Unlock()
}
