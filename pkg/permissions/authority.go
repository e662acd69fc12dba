// Package permissions decides which access tokens may open a space and mirrors the
// authoritative share map into each space's permissions document.
//
// The server view (tsid to token to Share) lives in the metadata store. A space with no
// shares is unowned and the first token to connect becomes its owner. Afterwards only
// owner tokens are admitted.
//
// The permissions document is the client view: one JSON encoded Share per token in its
// root map. Both sides can change independently, so the authority copies entries in each
// direction only when they differ, and its own writes are tagged so they are not read
// back as client edits.
package permissions

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"maps"
	"sync"
	"time"

	"github.com/automerge/automerge-go"

	"github.com/cybersemics/thoughtspace/pkg/crdt"
	"github.com/cybersemics/thoughtspace/pkg/docname"
	"github.com/cybersemics/thoughtspace/pkg/kvstore"
	"github.com/cybersemics/thoughtspace/pkg/metrics"
	"github.com/cybersemics/thoughtspace/pkg/throttle"
)

const (
	sharesKey       = "shares"
	lastAccessedKey = "lastAccessed"

	DefaultOrigin          = "permissions"
	DefaultReconcileWindow = 50 * time.Millisecond
)

type Options struct {
	// Origin tags writes the authority makes to permissions documents.
	Origin string
	// ReconcileWindow batches client edits before they are applied to the server view.
	ReconcileWindow time.Duration
	Now             func() time.Time
	Logger          *slog.Logger
}

// Context is the result of a successful authentication.
type Context struct {
	Tsid  string
	Token string
	Doc   docname.Name
	Share Share
}

type Authority struct {
	store  kvstore.MetaStore
	opts   Options
	logger *slog.Logger

	mu     sync.Mutex
	spaces map[string]*space
}

// space is guarded by mu for the whole of each reconcile so that a push to the
// client always lands before the next pull reads it.
type space struct {
	tsid    string
	mu      sync.Mutex
	loaded  bool
	shares  map[string]Share
	clients []*client
}

type client struct {
	doc     *crdt.Doc
	batcher *throttle.Batcher[struct{}]
	unsub   func()
}

func (c *client) detach() {
	c.unsub()
	c.batcher.Stop()
}

func New(store kvstore.MetaStore, opts Options) *Authority {
	if opts.Origin == "" {
		opts.Origin = DefaultOrigin
	}
	if opts.ReconcileWindow <= 0 {
		opts.ReconcileWindow = DefaultReconcileWindow
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Authority{
		store:  store,
		opts:   opts,
		logger: logger,
		spaces: map[string]*space{},
	}
}

// Authenticate admits token to the space that documentName belongs to. A rejected
// token gets an *AuthError, which matches ErrUnauthorized.
func (a *Authority) Authenticate(ctx context.Context, documentName, token string) (Context, error) {
	name, err := docname.ParseStrict(documentName)
	if err != nil {
		a.logger.Error("refusing unrecognised document", "doc", documentName)
		return Context{}, err
	}
	if token == "" {
		metrics.RecordAuthRejection()
		return Context{}, &AuthError{Tsid: name.Tsid, Reason: "missing token"}
	}
	sp, err := a.lockSpace(ctx, name.Tsid)
	if err != nil {
		return Context{}, err
	}
	defer sp.mu.Unlock()

	now := millis(a.opts.Now())
	share, ok := sp.shares[token]
	switch {
	case len(sp.shares) == 0:
		share = Share{Role: RoleOwner, Created: now, Accessed: now}
		a.logger.Info("assigned owner to new space", "tsid", name.Tsid)
	case !ok || share.Role != RoleOwner:
		metrics.RecordAuthRejection()
		a.logger.Warn("rejected token", "tsid", name.Tsid, "known", ok)
		return Context{}, &AuthError{Tsid: name.Tsid, Reason: "token is not an owner"}
	default:
		share.Accessed = now
	}
	shares := maps.Clone(sp.shares)
	shares[token] = share

	if err := a.persistLocked(ctx, sp, shares, now); err != nil {
		return Context{}, err
	}
	a.pushAllLocked(sp)
	return Context{Tsid: name.Tsid, Token: token, Doc: name, Share: share}, nil
}

// LoadDocument attaches a freshly loaded document. Only permissions documents are
// of interest: the server view is copied into it, and later client edits are copied
// back.
func (a *Authority) LoadDocument(ctx context.Context, c Context, doc *crdt.Doc, documentName string) error {
	name := docname.Parse(documentName)
	if name.Kind != docname.Permissions {
		return nil
	}
	sp, err := a.lockSpace(ctx, name.Tsid)
	if err != nil {
		return err
	}
	defer sp.mu.Unlock()

	if err := a.pushToClient(doc, sp.shares); err != nil {
		return fmt.Errorf("failed to reconcile %s: %w", documentName, err)
	}
	for _, existing := range sp.clients {
		if existing.doc == doc {
			return nil
		}
	}
	cl := &client{doc: doc}
	cl.batcher = throttle.New(func([]struct{}) {
		if err := a.pullFromClient(sp, cl); err != nil {
			a.logger.Error("failed to apply client permissions", "tsid", sp.tsid, "err", err)
		}
	}, a.opts.ReconcileWindow)
	cl.unsub = doc.OnUpdate(func(u crdt.Update) {
		if u.Origin == a.opts.Origin {
			return
		}
		cl.batcher.Add(struct{}{})
	})
	sp.clients = append(sp.clients, cl)
	a.logger.Debug("attached permissions document", "tsid", name.Tsid, "owner", c.Share.Role == RoleOwner)
	return nil
}

// Release detaches doc, applying its pending edits first. It is a no-op for documents
// that were never attached.
func (a *Authority) Release(doc *crdt.Doc) {
	var released *client
	a.mu.Lock()
	for _, sp := range a.spaces {
		sp.mu.Lock()
		for i, c := range sp.clients {
			if c.doc == doc {
				released = c
				sp.clients = append(sp.clients[:i:i], sp.clients[i+1:]...)
				break
			}
		}
		sp.mu.Unlock()
		if released != nil {
			break
		}
	}
	a.mu.Unlock()
	if released != nil {
		released.detach()
	}
}

// Close detaches every document after applying its pending edits.
func (a *Authority) Close() {
	a.mu.Lock()
	var clients []*client
	for _, sp := range a.spaces {
		sp.mu.Lock()
		clients = append(clients, sp.clients...)
		sp.clients = nil
		sp.mu.Unlock()
	}
	a.mu.Unlock()
	for _, c := range clients {
		c.detach()
	}
}

// Flush applies pending client edits of every attached document now.
func (a *Authority) Flush() {
	a.mu.Lock()
	var batchers []*throttle.Batcher[struct{}]
	for _, sp := range a.spaces {
		sp.mu.Lock()
		for _, c := range sp.clients {
			batchers = append(batchers, c.batcher)
		}
		sp.mu.Unlock()
	}
	a.mu.Unlock()
	for _, b := range batchers {
		b.Flush()
	}
}

// Shares returns a copy of the server view of a space.
func (a *Authority) Shares(ctx context.Context, tsid string) (map[string]Share, error) {
	sp, err := a.lockSpace(ctx, tsid)
	if err != nil {
		return nil, err
	}
	defer sp.mu.Unlock()
	return maps.Clone(sp.shares), nil
}

// LastAccessed returns when a token last authenticated against tsid.
func (a *Authority) LastAccessed(ctx context.Context, tsid string) (time.Time, bool, error) {
	raw, ok, err := kvstore.LookupMeta(ctx, a.store, docname.PermissionsDoc(tsid), lastAccessedKey)
	if err != nil || !ok {
		return time.Time{}, false, err
	}
	var ms int64
	if err := json.Unmarshal(raw, &ms); err != nil {
		return time.Time{}, false, fmt.Errorf("failed to decode last accessed: %w", err)
	}
	return time.UnixMilli(ms), true, nil
}

// lockSpace returns the space with its lock held, loading it on first use.
func (a *Authority) lockSpace(ctx context.Context, tsid string) (*space, error) {
	a.mu.Lock()
	sp, ok := a.spaces[tsid]
	if !ok {
		sp = &space{tsid: tsid}
		a.spaces[tsid] = sp
	}
	a.mu.Unlock()

	sp.mu.Lock()
	if sp.loaded {
		return sp, nil
	}
	raw, found, err := kvstore.LookupMeta(ctx, a.store, docname.PermissionsDoc(tsid), sharesKey)
	if err != nil {
		sp.mu.Unlock()
		return nil, fmt.Errorf("failed to load shares of %s: %w", tsid, err)
	}
	shares := map[string]Share{}
	if found {
		if err := json.Unmarshal(raw, &shares); err != nil {
			sp.mu.Unlock()
			return nil, fmt.Errorf("failed to decode shares of %s: %w", tsid, err)
		}
	}
	sp.shares = shares
	sp.loaded = true
	return sp, nil
}

// persistLocked stores shares and only then makes them the server view, so a failed
// write leaves the space as it was.
func (a *Authority) persistLocked(ctx context.Context, sp *space, shares map[string]Share, accessed int64) error {
	name := docname.PermissionsDoc(sp.tsid)
	raw, err := json.Marshal(shares)
	if err != nil {
		return err
	}
	if err := a.store.SetMeta(ctx, name, sharesKey, raw); err != nil {
		return fmt.Errorf("failed to store shares of %s: %w", sp.tsid, err)
	}
	sp.shares = shares
	if accessed > 0 {
		raw, _ := json.Marshal(accessed)
		if err := a.store.SetMeta(ctx, name, lastAccessedKey, raw); err != nil {
			return fmt.Errorf("failed to store last accessed of %s: %w", sp.tsid, err)
		}
	}
	return nil
}

func (a *Authority) pushAllLocked(sp *space) {
	for _, c := range sp.clients {
		if err := a.pushToClient(c.doc, sp.shares); err != nil {
			a.logger.Error("failed to update permissions document", "tsid", sp.tsid, "err", err)
		}
	}
}

// pushToClient writes every server entry whose value differs from the client's.
func (a *Authority) pushToClient(doc *crdt.Doc, shares map[string]Share) error {
	return doc.Transact(a.opts.Origin, func(am *automerge.Doc) error {
		current, err := crdt.RootStrings(am)
		if err != nil {
			return err
		}
		for token, share := range shares {
			if existing, ok := current[token]; ok && sameShare(existing, share) {
				continue
			}
			encoded, err := encodeShare(share)
			if err != nil {
				return err
			}
			if err := am.RootMap().Set(token, encoded); err != nil {
				return err
			}
		}
		return nil
	})
}

// pullFromClient applies client edits to the server view: removed tokens are revoked,
// new tokens are granted, and name or role changes are copied when they differ.
func (a *Authority) pullFromClient(sp *space, cl *client) error {
	var current map[string]string
	if err := cl.doc.Read(func(am *automerge.Doc) error {
		var err error
		current, err = crdt.RootStrings(am)
		return err
	}); err != nil {
		return err
	}

	sp.mu.Lock()
	defer sp.mu.Unlock()

	shares := maps.Clone(sp.shares)
	changed := false
	for token, share := range shares {
		if _, ok := current[token]; ok {
			continue
		}
		if share.Role == RoleOwner && owners(shares) == 1 {
			a.logger.Warn("ignoring removal of the last owner", "tsid", sp.tsid)
			continue
		}
		delete(shares, token)
		changed = true
	}
	now := millis(a.opts.Now())
	for token, raw := range current {
		incoming, err := decodeShare(raw)
		if err != nil {
			a.logger.Warn("ignoring malformed share", "tsid", sp.tsid, "err", err)
			continue
		}
		share, ok := shares[token]
		if ok && share.Name == incoming.Name && share.Role == incoming.Role {
			continue
		}
		if ok && share.Role == RoleOwner && incoming.Role != RoleOwner && owners(shares) == 1 {
			a.logger.Warn("ignoring demotion of the last owner", "tsid", sp.tsid)
			continue
		}
		if !ok {
			share = Share{Created: now}
		}
		share.Name = incoming.Name
		share.Role = incoming.Role
		shares[token] = share
		changed = true
	}
	if changed {
		if err := a.persistLocked(context.Background(), sp, shares, 0); err != nil {
			return err
		}
	}
	// restores anything ignored above and fills in the fields the server owns
	a.pushAllLocked(sp)
	return nil
}

func sameShare(raw string, share Share) bool {
	existing, err := decodeShare(raw)
	if err != nil {
		return false
	}
	return existing == share
}

func owners(shares map[string]Share) int {
	n := 0
	for _, s := range shares {
		if s.Role == RoleOwner {
			n++
		}
	}
	return n
}

// IsUnauthorized reports whether err is a refused authentication.
func IsUnauthorized(err error) bool {
	return errors.Is(err, ErrUnauthorized)
}
