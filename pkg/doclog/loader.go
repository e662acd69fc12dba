package doclog

import (
	"context"
	"sync"

	"github.com/cybersemics/thoughtspace/pkg/crdt"
)

// Loader returns the live document for a name, creating an empty one when nothing
// exists yet. Repeated loads of one name must return the same document.
type Loader interface {
	Load(ctx context.Context, name string) (*crdt.Doc, error)
}

// MemoryLoader keeps documents in memory. Logs opened on one MemoryLoader share
// documents, which is how tests stand in for several synced processes.
type MemoryLoader struct {
	mu   sync.Mutex
	docs map[string]*crdt.Doc
}

func NewMemoryLoader() *MemoryLoader {
	return &MemoryLoader{docs: map[string]*crdt.Doc{}}
}

func (m *MemoryLoader) Load(_ context.Context, name string) (*crdt.Doc, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if d, ok := m.docs[name]; ok {
		return d, nil
	}
	d, err := crdt.New(crdt.NewActorID())
	if err != nil {
		return nil, err
	}
	m.docs[name] = d
	return d, nil
}
