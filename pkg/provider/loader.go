package provider

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/cybersemics/thoughtspace/pkg/crdt"
)

const DefaultQuiet = 100 * time.Millisecond

// Loader opens every document over its own sync connection to a thoughtspace server.
// It lets a doclog, and the replication controller on top of it, run in a separate
// process. Load returns once the document has caught up with the server.
type Loader struct {
	base  string
	token string
	opts  Options
	// Quiet is how long a fresh connection must go without messages to count as
	// caught up.
	Quiet time.Duration

	mu      sync.Mutex
	docs    map[string]*crdt.Doc
	clients []*Client
}

// NewLoader connects to the server at base, a ws:// or wss:// url.
func NewLoader(base, token string, opts Options) *Loader {
	return &Loader{
		base:  strings.TrimSuffix(base, "/"),
		token: token,
		opts:  opts,
		Quiet: DefaultQuiet,
		docs:  map[string]*crdt.Doc{},
	}
}

// DocURL is the sync endpoint of a document name.
func DocURL(base, name string) string {
	return strings.TrimSuffix(base, "/") + "/spaces/" + name
}

func (l *Loader) Load(ctx context.Context, name string) (*crdt.Doc, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if d, ok := l.docs[name]; ok {
		return d, nil
	}
	doc, err := crdt.New(crdt.NewActorID())
	if err != nil {
		return nil, err
	}
	c, err := Dial(ctx, DocURL(l.base, name), l.token, doc, l.opts)
	if err != nil {
		return nil, fmt.Errorf("failed to open %s: %w", name, err)
	}
	if err := c.WaitIdle(ctx, l.Quiet); err != nil {
		c.Close()
		return nil, fmt.Errorf("failed to catch up %s: %w", name, err)
	}
	l.docs[name] = doc
	l.clients = append(l.clients, c)
	return doc, nil
}

// Close ends every connection.
func (l *Loader) Close() {
	l.mu.Lock()
	clients := l.clients
	l.clients = nil
	l.docs = map[string]*crdt.Doc{}
	l.mu.Unlock()
	for _, c := range clients {
		c.Close()
	}
}
