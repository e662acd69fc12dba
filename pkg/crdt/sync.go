package crdt

import (
	"fmt"

	"github.com/automerge/automerge-go"
)

// SyncSession runs the automerge sync protocol for one peer of a Doc.
type SyncSession struct {
	doc   *Doc
	state *automerge.SyncState
}

func (d *Doc) NewSyncSession() *SyncSession {
	d.mu.Lock()
	defer d.mu.Unlock()
	return &SyncSession{doc: d, state: automerge.NewSyncState(d.am)}
}

func (s *SyncSession) Doc() *Doc { return s.doc }

// Generate returns the next message for the peer, or false when there is nothing to send.
func (s *SyncSession) Generate() ([]byte, bool) {
	s.doc.mu.Lock()
	defer s.doc.mu.Unlock()
	msg, valid := s.state.GenerateMessage()
	if !valid || msg == nil {
		return nil, false
	}
	return msg.Bytes(), true
}

// Receive applies a message from the peer. Any changes it carries are emitted as an
// update tagged with origin.
func (s *SyncSession) Receive(msg []byte, origin string) error {
	s.doc.mu.Lock()
	if _, err := s.state.ReceiveMessage(msg); err != nil {
		s.doc.mu.Unlock()
		return fmt.Errorf("failed to receive message: %w", err)
	}
	s.doc.queueLocked(origin)
	s.doc.mu.Unlock()
	s.doc.drain()
	return nil
}
