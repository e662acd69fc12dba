package provider

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/automerge/automerge-go"
	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cybersemics/thoughtspace/pkg/crdt"
)

const waitFor = 2 * time.Second

var fast = Options{PushInterval: 20 * time.Millisecond, RetryDelay: 10 * time.Millisecond}

type syncServer struct {
	doc      *crdt.Doc
	token    string
	lifetime time.Duration
	conns    atomic.Int32
}

func (s *syncServer) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.Header.Get("Authorization") != "Bearer "+s.token {
		w.WriteHeader(http.StatusUnauthorized)
		return
	}
	upgrader := websocket.Upgrader{ReadBufferSize: 1024, WriteBufferSize: 1024}
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	n := s.conns.Add(1)
	ctx := context.Background()
	// only the first connection is cut short
	if s.lifetime > 0 && n == 1 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, s.lifetime)
		defer cancel()
	}
	_ = Sync(ctx, conn, s.doc.NewSyncSession(), Options{Origin: "client", PushInterval: fast.PushInterval})
}

func newServer(t *testing.T, s *syncServer) string {
	t.Helper()
	srv := httptest.NewServer(s)
	t.Cleanup(srv.Close)
	return "ws" + strings.TrimPrefix(srv.URL, "http")
}

func newDoc(t *testing.T) *crdt.Doc {
	t.Helper()
	d, err := crdt.New(crdt.NewActorID())
	require.NoError(t, err)
	return d
}

func set(t *testing.T, d *crdt.Doc, key, value string) {
	t.Helper()
	require.NoError(t, d.Transact("local", func(am *automerge.Doc) error {
		return am.RootMap().Set(key, value)
	}))
}

func has(d *crdt.Doc, key, value string) bool {
	found := false
	_ = d.Read(func(am *automerge.Doc) error {
		raw, err := crdt.RootStrings(am)
		if err != nil {
			return err
		}
		found = raw[key] == value
		return nil
	})
	return found
}

func dial(t *testing.T, url, token string, doc *crdt.Doc) *Client {
	t.Helper()
	c, err := Dial(context.Background(), url, token, doc, fast)
	require.NoError(t, err)
	t.Cleanup(c.Close)
	return c
}

func TestClientAndServerConverge(t *testing.T) {
	server := &syncServer{doc: newDoc(t), token: "secret"}
	set(t, server.doc, "greeting", "hello")
	url := newServer(t, server)

	doc := newDoc(t)
	set(t, doc, "reply", "hi")
	c := dial(t, url, "secret", doc)

	assert.Eventually(t, func() bool { return has(doc, "greeting", "hello") }, waitFor, 5*time.Millisecond)
	assert.Eventually(t, func() bool { return has(server.doc, "reply", "hi") }, waitFor, 5*time.Millisecond)
	assert.True(t, c.Connected())

	// later edits on either side follow
	set(t, doc, "reply", "bye")
	assert.Eventually(t, func() bool { return has(server.doc, "reply", "bye") }, waitFor, 5*time.Millisecond)
}

func TestReceivedUpdatesCarryOrigin(t *testing.T) {
	server := &syncServer{doc: newDoc(t), token: "secret"}
	url := newServer(t, server)

	var mu sync.Mutex
	var origins []string
	server.doc.OnUpdate(func(u crdt.Update) {
		mu.Lock()
		defer mu.Unlock()
		origins = append(origins, u.Origin)
	})

	doc := newDoc(t)
	dial(t, url, "secret", doc)
	set(t, doc, "k", "v")
	require.Eventually(t, func() bool { return has(server.doc, "k", "v") }, waitFor, 5*time.Millisecond)
	mu.Lock()
	defer mu.Unlock()
	assert.Contains(t, origins, "client")
}

func TestDialRejectsBadToken(t *testing.T) {
	url := newServer(t, &syncServer{doc: newDoc(t), token: "secret"})
	_, err := Dial(context.Background(), url, "wrong", newDoc(t), fast)
	require.Error(t, err)
	var refused *HandshakeError
	require.ErrorAs(t, err, &refused)
	assert.Equal(t, http.StatusUnauthorized, refused.Status)
}

func TestClientReconnects(t *testing.T) {
	server := &syncServer{doc: newDoc(t), token: "secret", lifetime: 50 * time.Millisecond}
	url := newServer(t, server)
	doc := newDoc(t)
	c := dial(t, url, "secret", doc)

	require.Eventually(t, func() bool { return server.conns.Load() >= 2 }, waitFor, 5*time.Millisecond)
	set(t, server.doc, "after", "reconnect")
	assert.Eventually(t, func() bool { return has(doc, "after", "reconnect") }, waitFor, 5*time.Millisecond)
	assert.GreaterOrEqual(t, c.Attempts(), 2)
}

func TestCloseStopsReconnecting(t *testing.T) {
	server := &syncServer{doc: newDoc(t), token: "secret"}
	url := newServer(t, server)
	c, err := Dial(context.Background(), url, "secret", newDoc(t), fast)
	require.NoError(t, err)
	require.Eventually(t, c.Connected, waitFor, 5*time.Millisecond)

	c.Close()
	assert.False(t, c.Connected())
	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, int32(1), server.conns.Load())
}

func TestLoaderCatchesUpBeforeReturning(t *testing.T) {
	server := &syncServer{doc: newDoc(t), token: "secret"}
	set(t, server.doc, "greeting", "hello")
	url := newServer(t, server)

	l := NewLoader(url+"/", "secret", fast)
	l.Quiet = 30 * time.Millisecond
	t.Cleanup(l.Close)

	doc, err := l.Load(context.Background(), "s1/doclog")
	require.NoError(t, err)
	assert.True(t, has(doc, "greeting", "hello"))

	again, err := l.Load(context.Background(), "s1/doclog")
	require.NoError(t, err)
	assert.Same(t, doc, again)
	assert.Equal(t, int32(1), server.conns.Load())
}

func TestDocURL(t *testing.T) {
	assert.Equal(t, "ws://h/spaces/s1/thought/t1", DocURL("ws://h/", "s1/thought/t1"))
}
