package persistence

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/automerge/automerge-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cybersemics/thoughtspace/pkg/crdt"
	"github.com/cybersemics/thoughtspace/pkg/kvstore"
)

const docName = "s1/thought/t1"

func set(t *testing.T, d *crdt.Doc, key, value string) {
	t.Helper()
	require.NoError(t, d.Transact("local", func(am *automerge.Doc) error {
		return am.RootMap().Set(key, value)
	}))
}

func get(t *testing.T, d *crdt.Doc, key string) string {
	t.Helper()
	var out string
	require.NoError(t, d.Read(func(am *automerge.Doc) error {
		v, err := am.RootMap().Get(key)
		if err != nil {
			return err
		}
		if v.Kind() == automerge.KindStr {
			out = v.Str()
		}
		return nil
	}))
	return out
}

func loadStored(t *testing.T, store kvstore.Store) *crdt.Doc {
	t.Helper()
	chunks, err := store.GetDocument(context.Background(), docName)
	require.NoError(t, err)
	d, err := crdt.Load("", chunks...)
	require.NoError(t, err)
	return d
}

func newDoc(t *testing.T) *crdt.Doc {
	t.Helper()
	d, err := crdt.New(crdt.NewActorID())
	require.NoError(t, err)
	return d
}

func TestBindStoresUntrackedLocalState(t *testing.T) {
	store := kvstore.NewMemory()
	doc := newDoc(t)
	set(t, doc, "value", "imported")

	b, err := Bind(context.Background(), store, docName, doc, Options{FlushWindow: time.Hour})
	require.NoError(t, err)
	defer b.Close()

	assert.Equal(t, 1, store.Writes())
	assert.Equal(t, "imported", get(t, loadStored(t, store), "value"))
}

func TestBindMergesStoredState(t *testing.T) {
	store := kvstore.NewMemory()
	first := newDoc(t)
	b, err := Bind(context.Background(), store, docName, first, Options{FlushWindow: time.Hour})
	require.NoError(t, err)
	set(t, first, "value", "durable")
	b.Close()

	second := newDoc(t)
	var origins []string
	second.OnUpdate(func(u crdt.Update) { origins = append(origins, u.Origin) })
	b2, err := Bind(context.Background(), store, docName, second, Options{FlushWindow: time.Hour})
	require.NoError(t, err)
	defer b2.Close()

	assert.Equal(t, "durable", get(t, second, "value"))
	assert.Equal(t, []string{Origin}, origins)
	// nothing new to write back
	assert.Equal(t, 1, store.Writes())
}

func TestUpdatesAreBatchedPerWindow(t *testing.T) {
	store := kvstore.NewMemory()
	doc := newDoc(t)
	b, err := Bind(context.Background(), store, docName, doc, Options{FlushWindow: 50 * time.Millisecond})
	require.NoError(t, err)
	defer b.Close()

	for _, v := range []string{"a", "b", "c", "d"} {
		set(t, doc, "value", v)
	}
	assert.Equal(t, 0, store.Writes())
	assert.Eventually(t, func() bool { return store.Writes() == 1 }, time.Second, 5*time.Millisecond)
	assert.Equal(t, "d", get(t, loadStored(t, store), "value"))
}

func TestFlushWritesImmediately(t *testing.T) {
	store := kvstore.NewMemory()
	doc := newDoc(t)
	b, err := Bind(context.Background(), store, docName, doc, Options{FlushWindow: time.Hour})
	require.NoError(t, err)
	defer b.Close()

	set(t, doc, "value", "x")
	b.Flush()
	assert.Equal(t, 1, store.Writes())
}

func TestCloseFlushesAndUnsubscribes(t *testing.T) {
	store := kvstore.NewMemory()
	doc := newDoc(t)
	b, err := Bind(context.Background(), store, docName, doc, Options{FlushWindow: time.Hour})
	require.NoError(t, err)

	set(t, doc, "value", "x")
	b.Close()
	assert.Equal(t, 1, store.Writes())

	set(t, doc, "value", "y")
	assert.Equal(t, 1, store.Writes())
}

func TestCompaction(t *testing.T) {
	store := kvstore.NewMemory()
	doc := newDoc(t)
	b, err := Bind(context.Background(), store, docName, doc, Options{FlushWindow: time.Hour, CompactAfter: 3})
	require.NoError(t, err)
	defer b.Close()

	for _, v := range []string{"1", "2", "3", "4"} {
		set(t, doc, "value", v)
		b.Flush()
	}
	chunks, err := store.GetDocument(context.Background(), docName)
	require.NoError(t, err)
	assert.Len(t, chunks, 1)
	assert.Equal(t, "4", get(t, loadStored(t, store), "value"))
}

type flakyStore struct {
	*kvstore.Memory
	mu   sync.Mutex
	fail bool
}

func (s *flakyStore) setFail(v bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.fail = v
}

func (s *flakyStore) StoreUpdate(ctx context.Context, name string, update []byte) error {
	s.mu.Lock()
	fail := s.fail
	s.mu.Unlock()
	if fail {
		return errors.New("disk full")
	}
	return s.Memory.StoreUpdate(ctx, name, update)
}

func TestDroppedWriteIsRecoveredByNextFlush(t *testing.T) {
	store := &flakyStore{Memory: kvstore.NewMemory()}
	doc := newDoc(t)
	b, err := Bind(context.Background(), store, docName, doc, Options{FlushWindow: time.Hour})
	require.NoError(t, err)
	defer b.Close()

	store.setFail(true)
	set(t, doc, "lost", "yes")
	b.Flush()
	assert.Equal(t, 0, store.Writes())

	store.setFail(false)
	set(t, doc, "value", "later")
	b.Flush()

	stored := loadStored(t, store)
	assert.Equal(t, "yes", get(t, stored, "lost"))
	assert.Equal(t, "later", get(t, stored, "value"))
}

func TestBindFailsWhenStoreUnreadable(t *testing.T) {
	doc := newDoc(t)
	_, err := Bind(context.Background(), brokenStore{kvstore.NewMemory()}, docName, doc, Options{})
	assert.ErrorContains(t, err, "failed to load")
}

type brokenStore struct{ *kvstore.Memory }

func (brokenStore) GetDocument(context.Context, string) ([][]byte, error) {
	return nil, errors.New("offline")
}
