// Package provider syncs CRDT documents between processes over websockets.
package provider

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/gorilla/websocket"
	"golang.org/x/sync/errgroup"

	"github.com/cybersemics/thoughtspace/pkg/crdt"
)

const (
	DefaultPushInterval = time.Second
	DefaultRetryDelay   = time.Second
	writeTimeout        = 10 * time.Second
)

var errPeerClosed = errors.New("peer closed the connection")

type Options struct {
	// Origin tags updates received from the peer. Defaults to "remote".
	Origin string
	// PushInterval is how often pending sync messages are offered even when the
	// document has not changed. Defaults to one second.
	PushInterval time.Duration
	// RetryDelay is the pause between reconnect attempts of a Client.
	RetryDelay time.Duration
	Logger     *slog.Logger

	onReceive func()
}

func (o Options) withDefaults() Options {
	if o.Origin == "" {
		o.Origin = "remote"
	}
	if o.PushInterval <= 0 {
		o.PushInterval = DefaultPushInterval
	}
	if o.RetryDelay <= 0 {
		o.RetryDelay = DefaultRetryDelay
	}
	if o.Logger == nil {
		o.Logger = slog.Default()
	}
	return o
}

func readAndReceiveMessage(conn *websocket.Conn, session *crdt.SyncSession, opts Options) error {
	mt, p, err := conn.ReadMessage()
	if err != nil {
		if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
			return errPeerClosed
		}
		return fmt.Errorf("failed to read message: %w", err)
	}
	switch mt {
	case websocket.BinaryMessage:
		if err := session.Receive(p, opts.Origin); err != nil {
			return err
		}
		if opts.onReceive != nil {
			opts.onReceive()
		}
	default:
	}
	return nil
}

// generateAndWriteMessages writes sync messages until the session has nothing more
// to say.
func generateAndWriteMessages(conn *websocket.Conn, session *crdt.SyncSession) error {
	for {
		msg, ok := session.Generate()
		if !ok {
			return nil
		}
		_ = conn.SetWriteDeadline(time.Now().Add(writeTimeout))
		if err := conn.WriteMessage(websocket.BinaryMessage, msg); err != nil {
			return fmt.Errorf("failed to write message: %w", err)
		}
	}
}

// Sync runs the sync protocol for one session over conn. Messages are pushed whenever
// the document changes, after every received message and on each PushInterval tick.
// It returns nil when ctx is done or the peer closes the connection, and closes conn
// in every case.
func Sync(ctx context.Context, conn *websocket.Conn, session *crdt.SyncSession, opts Options) error {
	opts = opts.withDefaults()

	nudge := make(chan struct{}, 1)
	poke := func() {
		select {
		case nudge <- struct{}{}:
		default:
		}
	}
	unsubscribe := session.Doc().OnUpdate(func(crdt.Update) { poke() })
	defer unsubscribe()
	poke()

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		<-gctx.Done()
		_ = conn.WriteControl(
			websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
			time.Now().Add(time.Second),
		)
		_ = conn.Close()
		return nil
	})
	g.Go(func() error {
		for {
			if err := readAndReceiveMessage(conn, session, opts); err != nil {
				if gctx.Err() != nil {
					return nil
				}
				return err
			}
			poke()
		}
	})
	g.Go(func() error {
		t := time.NewTicker(opts.PushInterval)
		defer t.Stop()
		for {
			select {
			case <-nudge:
			case <-t.C:
			case <-gctx.Done():
				return nil
			}
			if err := generateAndWriteMessages(conn, session); err != nil {
				if gctx.Err() != nil {
					return nil
				}
				return err
			}
		}
	})

	err := g.Wait()
	if errors.Is(err, errPeerClosed) {
		opts.Logger.Debug("peer closed sync connection")
		return nil
	}
	return err
}
