package provider

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/cybersemics/thoughtspace/pkg/crdt"
	"github.com/cybersemics/thoughtspace/pkg/generation"
)

// HandshakeError is returned when the server refuses the websocket upgrade.
type HandshakeError struct {
	URL    string
	Status int
}

func (e *HandshakeError) Error() string {
	return fmt.Sprintf("handshake with %s refused: %d %s", e.URL, e.Status, http.StatusText(e.Status))
}

// Client keeps one document synced with a server, reconnecting when the connection
// drops until Close is called.
type Client struct {
	url    string
	header http.Header
	doc    *crdt.Doc
	opts   Options
	logger *slog.Logger

	gens   generation.Source
	ctx    context.Context
	cancel context.CancelFunc
	done   chan struct{}

	mu        sync.Mutex
	connected bool
	attempts  int
	received  chan struct{}
	lastRecv  time.Time
}

// Dial connects doc to the sync endpoint at url, authenticating with token. The first
// connection is made before Dial returns, so a refused token is reported here.
func Dial(ctx context.Context, url, token string, doc *crdt.Doc, opts Options) (*Client, error) {
	opts = opts.withDefaults()
	header := http.Header{}
	if token != "" {
		header.Set("Authorization", "Bearer "+token)
	}
	cctx, cancel := context.WithCancel(context.Background())
	c := &Client{
		url:      url,
		header:   header,
		doc:      doc,
		opts:     opts,
		logger:   opts.Logger.With("url", url),
		ctx:      cctx,
		cancel:   cancel,
		done:     make(chan struct{}),
		received: make(chan struct{}),
	}
	c.opts.onReceive = c.touch
	tok := c.gens.Next()
	conn, err := c.dial(ctx)
	if err != nil {
		cancel()
		return nil, err
	}
	go c.loop(tok, conn)
	return c, nil
}

// Connected reports whether a sync connection is currently open.
func (c *Client) Connected() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.connected
}

// Attempts returns how many connections have been made, including the first.
func (c *Client) Attempts() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.attempts
}

// WaitIdle blocks until the server has sent something and then nothing more for quiet,
// which is how a fresh client knows it has caught up.
func (c *Client) WaitIdle(ctx context.Context, quiet time.Duration) error {
	select {
	case <-c.received:
	case <-ctx.Done():
		return ctx.Err()
	}
	for {
		c.mu.Lock()
		wait := time.Until(c.lastRecv.Add(quiet))
		c.mu.Unlock()
		if wait <= 0 {
			return nil
		}
		select {
		case <-time.After(wait):
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

// Close ends the current connection and stops reconnecting.
func (c *Client) Close() {
	c.gens.Cancel()
	c.cancel()
	<-c.done
}

func (c *Client) dial(ctx context.Context) (*websocket.Conn, error) {
	conn, resp, err := websocket.DefaultDialer.DialContext(ctx, c.url, c.header)
	if err != nil {
		if errors.Is(err, websocket.ErrBadHandshake) && resp != nil {
			return nil, &HandshakeError{URL: c.url, Status: resp.StatusCode}
		}
		return nil, fmt.Errorf("failed to dial %s: %w", c.url, err)
	}
	c.mu.Lock()
	c.attempts++
	c.mu.Unlock()
	return conn, nil
}

func (c *Client) loop(tok generation.Token, conn *websocket.Conn) {
	defer close(c.done)
	for {
		c.setConnected(true)
		err := Sync(c.ctx, conn, c.doc.NewSyncSession(), c.opts)
		c.setConnected(false)
		if tok.Canceled() {
			return
		}
		if err != nil {
			c.logger.Warn("sync connection lost", "err", err)
		} else {
			c.logger.Info("sync connection closed by server")
		}

		for {
			select {
			case <-time.After(c.opts.RetryDelay):
			case <-c.ctx.Done():
				return
			}
			if tok.Canceled() {
				return
			}
			conn, err = c.dial(c.ctx)
			if err == nil {
				break
			}
			var refused *HandshakeError
			if errors.As(err, &refused) && (refused.Status == http.StatusUnauthorized || refused.Status == http.StatusForbidden) {
				c.logger.Error("giving up on sync", "err", err)
				return
			}
			c.logger.Warn("failed to reconnect", "err", err)
		}
	}
}

func (c *Client) touch() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.lastRecv.IsZero() {
		close(c.received)
	}
	c.lastRecv = time.Now()
}

func (c *Client) setConnected(v bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.connected = v
}
