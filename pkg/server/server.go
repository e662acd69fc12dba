// Package server hosts thoughtspace documents over websocket sync.
//
// Every document a client opens is authenticated against the permission authority,
// loaded once into the registry and bound to the store. The first time a space is
// opened the server also starts replicating its doclog: deleted thoughts and lexemes
// are cleared from the store.
package server

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"golang.org/x/sync/errgroup"

	"github.com/cybersemics/thoughtspace/pkg/config"
	"github.com/cybersemics/thoughtspace/pkg/doclog"
	"github.com/cybersemics/thoughtspace/pkg/docname"
	"github.com/cybersemics/thoughtspace/pkg/kvstore"
	"github.com/cybersemics/thoughtspace/pkg/permissions"
	"github.com/cybersemics/thoughtspace/pkg/persistence"
	"github.com/cybersemics/thoughtspace/pkg/provider"
	"github.com/cybersemics/thoughtspace/pkg/replication"
)

const (
	// ClientOrigin tags updates received from websocket clients.
	ClientOrigin    = "client"
	shutdownTimeout = 5 * time.Second
)

type Server struct {
	cfg      *config.Config
	store    kvstore.Store
	auth     *permissions.Authority
	registry *Registry
	logger   *slog.Logger
	upgrader websocket.Upgrader
	sync     provider.Options

	ctx       context.Context
	cancel    context.CancelFunc
	group     errgroup.Group
	closeOnce sync.Once

	mu     sync.Mutex
	spaces map[string]*space
}

type space struct {
	log        *doclog.Log
	controller *replication.Controller
}

func New(cfg *config.Config, store kvstore.Store, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	auth := permissions.New(store, permissions.Options{Logger: logger})
	ctx, cancel := context.WithCancel(context.Background())
	return &Server{
		cfg:   cfg,
		store: store,
		auth:  auth,
		registry: NewRegistry(store, auth, persistence.Options{
			FlushWindow:  cfg.Persistence.FlushWindow,
			CompactAfter: cfg.Persistence.CompactAfter,
		}, logger),
		logger: logger,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
		},
		sync:   provider.Options{Origin: ClientOrigin, Logger: logger},
		ctx:    ctx,
		cancel: cancel,
		spaces: map[string]*space{},
	}
}

func (s *Server) Registry() *Registry { return s.registry }

func (s *Server) Authority() *permissions.Authority { return s.auth }

// Run serves on the configured address until ctx is done, then shuts down.
func (s *Server) Run(ctx context.Context) error {
	httpServer := &http.Server{
		Addr:              s.cfg.Addr,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		s.logger.Info("listening", "addr", s.cfg.Addr)
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("server listen failed: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		// hijacked sync connections are ended by Close
		err := httpServer.Shutdown(shutdownCtx)
		s.Close()
		return err
	})
	return g.Wait()
}

// Close ends every sync connection, stops replication and flushes everything to the
// store.
func (s *Server) Close() {
	s.closeOnce.Do(func() {
		// under mu so ensureSpace cannot start a controller after the group is waited on
		s.mu.Lock()
		s.cancel()
		s.mu.Unlock()
		if err := s.group.Wait(); err != nil {
			s.logger.Error("replication ended with error", "err", err)
		}
		s.mu.Lock()
		spaces := s.spaces
		s.spaces = map[string]*space{}
		s.mu.Unlock()
		for _, sp := range spaces {
			sp.log.Close()
		}
		s.auth.Close()
		s.registry.Close()
		s.logger.Info("flushed all documents")
	})
}

// Controller returns the replication controller of a space, if it is running.
func (s *Server) Controller(tsid string) (*replication.Controller, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	sp, ok := s.spaces[tsid]
	if !ok {
		return nil, false
	}
	return sp.controller, true
}

// ensureSpace starts replicating the doclog of tsid unless it already is. The log is
// opened without holding s.mu since that loads documents from the store.
func (s *Server) ensureSpace(tsid string) error {
	s.mu.Lock()
	_, running := s.spaces[tsid]
	s.mu.Unlock()
	if running || s.ctx.Err() != nil {
		return nil
	}
	logger := s.logger.With("tsid", tsid)
	l, err := doclog.Open(s.ctx, tsid, s.registry, doclog.Options{
		BlockSize: s.cfg.Doclog.BlockSize,
		Logger:    logger,
	})
	if err != nil {
		return err
	}
	rc := s.cfg.Replication
	controller, err := replication.New(replication.Options{
		Log:         l,
		Next:        s.collect,
		Storage:     s.store,
		Concurrency: rc.Concurrency,
		Retries:     rc.Retries,
		Timeout:     rc.Timeout,
		Paused:      !rc.Start(),
		CursorFlush: rc.CursorFlush,
		Logger:      logger,
	})
	if err != nil {
		l.Close()
		return err
	}

	s.mu.Lock()
	if _, ok := s.spaces[tsid]; ok || s.ctx.Err() != nil {
		// another connection started it first, or the server is closing
		s.mu.Unlock()
		l.Close()
		return nil
	}
	sp := &space{log: l, controller: controller}
	s.spaces[tsid] = sp
	s.group.Go(func() error {
		err := controller.Run(s.ctx)
		if err != nil {
			logger.Error("replication stopped", "err", err.Error())
			// a later connection starts over from the persisted cursors
			s.mu.Lock()
			if s.spaces[tsid] == sp {
				delete(s.spaces, tsid)
			}
			s.mu.Unlock()
			l.Close()
		}
		return nil
	})
	s.mu.Unlock()
	return nil
}

// collect is the replication handler of every space: a deleted thought or lexeme
// has its document cleared from the store.
func (s *Server) collect(ctx context.Context, item replication.Item) error {
	if item.Action != doclog.ActionDelete {
		return nil
	}
	var name string
	switch item.Kind {
	case doclog.Thoughts:
		name = docname.ThoughtDoc(item.Tsid, item.ID)
	case doclog.Lexemes:
		name = docname.LexemeDoc(item.Tsid, item.ID)
	default:
		return nil
	}
	s.registry.Evict(name)
	if err := s.store.ClearDocument(ctx, name); err != nil {
		return fmt.Errorf("failed to clear %s: %w", name, err)
	}
	s.logger.Info("cleared deleted document", "doc", name)
	return nil
}
