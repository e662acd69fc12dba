package permissions

import (
	"context"
	"encoding/json"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/automerge/automerge-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cybersemics/thoughtspace/pkg/crdt"
	"github.com/cybersemics/thoughtspace/pkg/docname"
	"github.com/cybersemics/thoughtspace/pkg/kvstore"
)

var epoch = time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)

type clock struct{ t time.Time }

func (c *clock) now() time.Time { return c.t }

func newAuthority(store kvstore.MetaStore, c *clock) *Authority {
	return New(store, Options{Now: c.now, ReconcileWindow: time.Hour})
}

func clientShares(t *testing.T, doc *crdt.Doc) map[string]Share {
	t.Helper()
	out := map[string]Share{}
	require.NoError(t, doc.Read(func(am *automerge.Doc) error {
		raw, err := crdt.RootStrings(am)
		if err != nil {
			return err
		}
		for token, v := range raw {
			s, err := decodeShare(v)
			if err != nil {
				return err
			}
			out[token] = s
		}
		return nil
	}))
	return out
}

func clientSet(t *testing.T, doc *crdt.Doc, token string, s Share) {
	t.Helper()
	raw, err := encodeShare(s)
	require.NoError(t, err)
	require.NoError(t, doc.Transact("client", func(am *automerge.Doc) error {
		return am.RootMap().Set(token, raw)
	}))
}

func clientDelete(t *testing.T, doc *crdt.Doc, token string) {
	t.Helper()
	require.NoError(t, doc.Transact("client", func(am *automerge.Doc) error {
		return am.RootMap().Delete(token)
	}))
}

func TestFirstTokenBecomesOwner(t *testing.T) {
	store := kvstore.NewMemory()
	c := &clock{t: epoch}
	a := newAuthority(store, c)
	ctx := context.Background()

	got, err := a.Authenticate(ctx, docname.ThoughtDoc("s1", "t1"), "alice")
	require.NoError(t, err)
	assert.Equal(t, "s1", got.Tsid)
	assert.Equal(t, RoleOwner, got.Share.Role)
	assert.Equal(t, epoch.UnixMilli(), got.Share.Created)

	_, err = a.Authenticate(ctx, docname.ThoughtDoc("s1", "t1"), "mallory")
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrUnauthorized)
	var authErr *AuthError
	require.ErrorAs(t, err, &authErr)
	assert.Equal(t, "s1", authErr.Tsid)
	assert.True(t, IsUnauthorized(err))

	shares, err := a.Shares(ctx, "s1")
	require.NoError(t, err)
	assert.Len(t, shares, 1)
	assert.Contains(t, shares, "alice")
}

func TestOwnerKeepsAccessAndCreatedIsStable(t *testing.T) {
	store := kvstore.NewMemory()
	c := &clock{t: epoch}
	a := newAuthority(store, c)
	ctx := context.Background()

	_, err := a.Authenticate(ctx, docname.PermissionsDoc("s1"), "alice")
	require.NoError(t, err)
	c.t = epoch.Add(time.Hour)
	got, err := a.Authenticate(ctx, docname.DoclogDoc("s1"), "alice")
	require.NoError(t, err)
	assert.Equal(t, epoch.UnixMilli(), got.Share.Created)
	assert.Equal(t, c.t.UnixMilli(), got.Share.Accessed)

	last, ok, err := a.LastAccessed(ctx, "s1")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, c.t.UnixMilli(), last.UnixMilli())
}

func TestSharesSurviveRestart(t *testing.T) {
	store := kvstore.NewMemory()
	c := &clock{t: epoch}
	ctx := context.Background()
	_, err := newAuthority(store, c).Authenticate(ctx, docname.DoclogDoc("s1"), "alice")
	require.NoError(t, err)

	restarted := newAuthority(store, c)
	_, err = restarted.Authenticate(ctx, docname.DoclogDoc("s1"), "bob")
	assert.ErrorIs(t, err, ErrUnauthorized)
	_, err = restarted.Authenticate(ctx, docname.DoclogDoc("s1"), "alice")
	assert.NoError(t, err)

	raw, err := store.GetMeta(ctx, docname.PermissionsDoc("s1"), sharesKey)
	require.NoError(t, err)
	var stored map[string]Share
	require.NoError(t, json.Unmarshal(raw, &stored))
	assert.Equal(t, RoleOwner, stored["alice"].Role)
}

func TestSpacesAreIndependent(t *testing.T) {
	a := newAuthority(kvstore.NewMemory(), &clock{t: epoch})
	ctx := context.Background()
	_, err := a.Authenticate(ctx, docname.DoclogDoc("s1"), "alice")
	require.NoError(t, err)
	got, err := a.Authenticate(ctx, docname.DoclogDoc("s2"), "bob")
	require.NoError(t, err)
	assert.Equal(t, RoleOwner, got.Share.Role)
}

func TestRejectsMalformedNameAndMissingToken(t *testing.T) {
	a := newAuthority(kvstore.NewMemory(), &clock{t: epoch})
	ctx := context.Background()
	_, err := a.Authenticate(ctx, "s1/unknown/x", "alice")
	assert.ErrorIs(t, err, docname.ErrMalformed)
	_, err = a.Authenticate(ctx, docname.DoclogDoc("s1"), "")
	assert.ErrorIs(t, err, ErrUnauthorized)
}

func attach(t *testing.T, a *Authority, token string) *crdt.Doc {
	t.Helper()
	ctx := context.Background()
	name := docname.PermissionsDoc("s1")
	c, err := a.Authenticate(ctx, name, token)
	require.NoError(t, err)
	doc, err := crdt.New(crdt.NewActorID())
	require.NoError(t, err)
	require.NoError(t, a.LoadDocument(ctx, c, doc, name))
	return doc
}

func TestLoadDocumentCopiesServerView(t *testing.T) {
	a := newAuthority(kvstore.NewMemory(), &clock{t: epoch})
	doc := attach(t, a, "alice")

	shares := clientShares(t, doc)
	require.Contains(t, shares, "alice")
	assert.Equal(t, RoleOwner, shares["alice"].Role)
}

func TestLoadDocumentIgnoresOtherKinds(t *testing.T) {
	a := newAuthority(kvstore.NewMemory(), &clock{t: epoch})
	doc, err := crdt.New("")
	require.NoError(t, err)
	require.NoError(t, a.LoadDocument(context.Background(), Context{}, doc, docname.ThoughtDoc("s1", "t")))
	assert.Empty(t, clientShares(t, doc))
}

func TestServerWritesAreSkippedWhenEqual(t *testing.T) {
	c := &clock{t: epoch}
	a := newAuthority(kvstore.NewMemory(), c)
	doc := attach(t, a, "alice")

	updates := 0
	doc.OnUpdate(func(crdt.Update) { updates++ })
	a.Flush()
	require.NoError(t, a.pushToClient(doc, mustShares(t, a)))
	assert.Equal(t, 0, updates)

	// a new access time is a real difference
	c.t = epoch.Add(time.Minute)
	_, err := a.Authenticate(context.Background(), docname.PermissionsDoc("s1"), "alice")
	require.NoError(t, err)
	assert.Equal(t, 1, updates)
}

func mustShares(t *testing.T, a *Authority) map[string]Share {
	t.Helper()
	shares, err := a.Shares(context.Background(), "s1")
	require.NoError(t, err)
	return shares
}

func TestClientAddRenameAndDelete(t *testing.T) {
	c := &clock{t: epoch}
	a := newAuthority(kvstore.NewMemory(), c)
	doc := attach(t, a, "alice")

	c.t = epoch.Add(time.Minute)
	clientSet(t, doc, "bob", Share{Role: RoleEditor, Name: "Bob", Created: 1})
	a.Flush()

	shares := mustShares(t, a)
	require.Contains(t, shares, "bob")
	assert.Equal(t, "Bob", shares["bob"].Name)
	assert.Equal(t, RoleEditor, shares["bob"].Role)
	// created is owned by the server
	assert.Equal(t, c.t.UnixMilli(), shares["bob"].Created)
	assert.Equal(t, c.t.UnixMilli(), clientShares(t, doc)["bob"].Created)

	bob := clientShares(t, doc)["bob"]
	bob.Name = "Robert"
	bob.Accessed = 999
	clientSet(t, doc, "bob", bob)
	a.Flush()
	shares = mustShares(t, a)
	assert.Equal(t, "Robert", shares["bob"].Name)
	assert.Zero(t, shares["bob"].Accessed)

	clientDelete(t, doc, "bob")
	a.Flush()
	assert.NotContains(t, mustShares(t, a), "bob")
	assert.NotContains(t, clientShares(t, doc), "bob")
}

func TestLastOwnerCannotBeRemoved(t *testing.T) {
	a := newAuthority(kvstore.NewMemory(), &clock{t: epoch})
	doc := attach(t, a, "alice")

	clientDelete(t, doc, "alice")
	a.Flush()
	assert.Contains(t, mustShares(t, a), "alice")
	assert.Contains(t, clientShares(t, doc), "alice")

	alice := clientShares(t, doc)["alice"]
	alice.Role = RoleEditor
	clientSet(t, doc, "alice", alice)
	a.Flush()
	assert.Equal(t, RoleOwner, mustShares(t, a)["alice"].Role)
	assert.Equal(t, RoleOwner, clientShares(t, doc)["alice"].Role)
}

func TestEditorsAreNotAdmitted(t *testing.T) {
	a := newAuthority(kvstore.NewMemory(), &clock{t: epoch})
	doc := attach(t, a, "alice")
	clientSet(t, doc, "bob", Share{Role: RoleEditor})
	a.Flush()

	_, err := a.Authenticate(context.Background(), docname.ThoughtDoc("s1", "t"), "bob")
	assert.ErrorIs(t, err, ErrUnauthorized)
}

type flakyStore struct {
	*kvstore.Memory
	broken atomic.Bool
}

var errDiskFull = errors.New("disk full")

func (f *flakyStore) SetMeta(ctx context.Context, name, key string, value []byte) error {
	if f.broken.Load() {
		return errDiskFull
	}
	return f.Memory.SetMeta(ctx, name, key, value)
}

func TestFailedShareWriteLeavesSpaceUnowned(t *testing.T) {
	store := &flakyStore{Memory: kvstore.NewMemory()}
	c := &clock{t: epoch}
	a := newAuthority(store, c)
	ctx := context.Background()

	store.broken.Store(true)
	_, err := a.Authenticate(ctx, docname.PermissionsDoc("s1"), "t1")
	assert.ErrorIs(t, err, errDiskFull)
	assert.Empty(t, mustShares(t, a))

	store.broken.Store(false)
	got, err := a.Authenticate(ctx, docname.PermissionsDoc("s1"), "t2")
	require.NoError(t, err)
	assert.Equal(t, RoleOwner, got.Share.Role)

	restarted, err := newAuthority(store, c).Shares(ctx, "s1")
	require.NoError(t, err)
	assert.Equal(t, []string{"t2"}, keys(restarted))
}

func TestFailedClientEditIsNotApplied(t *testing.T) {
	store := &flakyStore{Memory: kvstore.NewMemory()}
	a := newAuthority(store, &clock{t: epoch})
	doc := attach(t, a, "alice")

	store.broken.Store(true)
	clientSet(t, doc, "bob", Share{Role: RoleOwner})
	a.Flush()
	assert.NotContains(t, mustShares(t, a), "bob")

	// the edit is still in the document and lands on the next reconcile
	store.broken.Store(false)
	clientSet(t, doc, "carol", Share{Role: RoleEditor})
	a.Flush()
	shares := mustShares(t, a)
	assert.Contains(t, shares, "bob")
	assert.Contains(t, shares, "carol")
}

func TestReleaseDetachesDocument(t *testing.T) {
	a := newAuthority(kvstore.NewMemory(), &clock{t: epoch})
	doc := attach(t, a, "alice")

	// attaching the same document twice keeps one subscription
	c, err := a.Authenticate(context.Background(), docname.PermissionsDoc("s1"), "alice")
	require.NoError(t, err)
	require.NoError(t, a.LoadDocument(context.Background(), c, doc, docname.PermissionsDoc("s1")))
	assert.Len(t, a.spaces["s1"].clients, 1)

	// pending edits are applied before detaching
	clientSet(t, doc, "bob", Share{Role: RoleEditor})
	a.Release(doc)
	assert.Contains(t, mustShares(t, a), "bob")
	assert.Empty(t, a.spaces["s1"].clients)

	clientSet(t, doc, "carol", Share{Role: RoleEditor})
	a.Flush()
	assert.NotContains(t, mustShares(t, a), "carol")

	// releasing an unknown document does nothing
	other, err := crdt.New("")
	require.NoError(t, err)
	a.Release(other)
}

func TestCloseDetachesEveryDocument(t *testing.T) {
	a := newAuthority(kvstore.NewMemory(), &clock{t: epoch})
	first := attach(t, a, "alice")
	second := attach(t, a, "alice")
	assert.Len(t, a.spaces["s1"].clients, 2)

	clientSet(t, second, "bob", Share{Role: RoleEditor})
	a.Close()
	assert.Contains(t, mustShares(t, a), "bob")
	assert.Empty(t, a.spaces["s1"].clients)

	clientSet(t, first, "carol", Share{Role: RoleEditor})
	a.Flush()
	assert.NotContains(t, mustShares(t, a), "carol")
}

func keys(shares map[string]Share) []string {
	out := make([]string, 0, len(shares))
	for k := range shares {
		out = append(out, k)
	}
	return out
}
