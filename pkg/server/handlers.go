package server

import (
	"encoding/json"
	"errors"
	"net/http"
	"strings"

	"github.com/felixge/httpsnoop"
	"github.com/google/uuid"
	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/cybersemics/thoughtspace/pkg/docname"
	"github.com/cybersemics/thoughtspace/pkg/metrics"
	"github.com/cybersemics/thoughtspace/pkg/permissions"
	"github.com/cybersemics/thoughtspace/pkg/provider"
)

// Handler routes:
//
//	GET /healthz
//	GET /metrics
//	GET /spaces/{tsid}/shares           share map of a space, owners only
//	GET /spaces/{tsid}/{kind}[/{id}]    websocket sync of the document <tsid>/<kind>[/<id>]
//
// Tokens are read from an "Authorization: Bearer" header or the token query parameter.
func (s *Server) Handler() http.Handler {
	r := mux.NewRouter()
	r.Use(func(handler http.Handler) http.Handler {
		return http.HandlerFunc(func(writer http.ResponseWriter, request *http.Request) {
			m := httpsnoop.CaptureMetrics(handler, writer, request)
			s.logger.Info("handled", "method", request.Method, "url", request.URL.Path, "duration", m.Duration, "status", m.Code)
		})
	})

	r.Methods(http.MethodGet).Path("/healthz").HandlerFunc(s.healthz)
	r.Methods(http.MethodGet).Path("/metrics").Handler(promhttp.Handler())
	r.Methods(http.MethodGet).Path("/spaces/{tsid}/shares").HandlerFunc(s.getShares)
	r.Methods(http.MethodGet).Path("/spaces/{tsid}/{kind}").HandlerFunc(s.syncDocument)
	r.Methods(http.MethodGet).Path("/spaces/{tsid}/{kind}/{id}").HandlerFunc(s.syncDocument)
	return r
}

func requestToken(request *http.Request) string {
	if v, ok := strings.CutPrefix(request.Header.Get("Authorization"), "Bearer "); ok {
		return strings.TrimSpace(v)
	}
	return request.URL.Query().Get("token")
}

func (s *Server) healthz(writer http.ResponseWriter, _ *http.Request) {
	writer.Header().Set("Content-Type", "text/plain")
	_, _ = writer.Write([]byte("ok\n"))
}

// writeAuthError maps an authentication failure to a status code.
func (s *Server) writeAuthError(writer http.ResponseWriter, err error) {
	switch {
	case permissions.IsUnauthorized(err):
		http.Error(writer, err.Error(), http.StatusUnauthorized)
	case errors.Is(err, docname.ErrMalformed):
		http.Error(writer, err.Error(), http.StatusBadRequest)
	default:
		s.logger.Error("failed to authenticate", "err", err)
		http.Error(writer, "internal error", http.StatusInternalServerError)
	}
}

func (s *Server) getShares(writer http.ResponseWriter, request *http.Request) {
	tsid := mux.Vars(request)["tsid"]
	c, err := s.auth.Authenticate(request.Context(), docname.PermissionsDoc(tsid), requestToken(request))
	if err != nil {
		s.writeAuthError(writer, err)
		return
	}
	shares, err := s.auth.Shares(request.Context(), c.Tsid)
	if err != nil {
		s.logger.Error("failed to read shares", "tsid", tsid, "err", err)
		writer.WriteHeader(http.StatusInternalServerError)
		return
	}
	writer.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(writer).Encode(shares); err != nil {
		s.logger.Error("failed to write out", "err", err)
	}
}

func (s *Server) syncDocument(writer http.ResponseWriter, request *http.Request) {
	vars := mux.Vars(request)
	name := vars["tsid"] + "/" + vars["kind"]
	if id := vars["id"]; id != "" {
		name += "/" + id
	}
	ctx := request.Context()
	c, err := s.auth.Authenticate(ctx, name, requestToken(request))
	if err != nil {
		s.writeAuthError(writer, err)
		return
	}
	doc, err := s.registry.Open(ctx, c, name)
	if err != nil {
		s.logger.Error("failed to open document", "doc", name, "err", err)
		writer.WriteHeader(http.StatusInternalServerError)
		return
	}
	if err := s.ensureSpace(c.Tsid); err != nil {
		s.logger.Error("failed to start replication", "tsid", c.Tsid, "err", err)
	}

	conn, err := s.upgrader.Upgrade(writer, request, nil)
	if err != nil {
		s.logger.Error("failed to upgrade", "err", err)
		return
	}
	id := uuid.NewString()
	logger := s.logger.With("conn", id, "doc", name)
	metrics.ConnectionOpened()
	defer metrics.ConnectionClosed()
	logger.Info("sync connected")

	opts := s.sync
	opts.Logger = logger
	if err := provider.Sync(s.ctx, conn, doc.NewSyncSession(), opts); err != nil {
		logger.Warn("sync ended", "err", err)
		return
	}
	logger.Info("sync disconnected")
}
