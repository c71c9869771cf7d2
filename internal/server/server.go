// Package server hosts the filesync intake endpoint. Go's net/http serves
// every connection on its own goroutine, so a slow upload never holds up
// another one.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"net"
	"net/http"

	"github.com/sirupsen/logrus"

	"github.com/dharsanguruparan/filesync/internal/config"
	"github.com/dharsanguruparan/filesync/internal/queue"
	"github.com/dharsanguruparan/filesync/internal/storage"
)

// Server stitches together configuration, the disk store and the optional
// sync notifier.
type Server struct {
	cfg      *config.Config
	store    *storage.DiskStore
	notifier queue.Notifier
	log      logrus.FieldLogger
}

// New creates a configured server. A nil notifier disables notifications.
func New(cfg *config.Config, store *storage.DiskStore, notifier queue.Notifier, logger logrus.FieldLogger) *Server {
	if notifier == nil {
		notifier = queue.Nop{}
	}
	return &Server{
		cfg:      cfg,
		store:    store,
		notifier: notifier,
		log:      logger,
	}
}

// Handler returns the full middleware-wrapped route table.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/sync", s.handleSync)
	mux.HandleFunc("/healthz", s.handleHealth)

	var handler http.Handler = mux
	handler = loggingMiddleware(s.log, handler)
	handler = requestIDMiddleware(handler)
	return handler
}

// Serve binds the configured address and serves until ctx is cancelled. A
// bind failure is returned immediately.
func (s *Server) Serve(ctx context.Context) error {
	ln, err := net.Listen("tcp", s.cfg.Address)
	if err != nil {
		return err
	}
	return s.ServeListener(ctx, ln)
}

// ServeListener serves on an existing listener until ctx is cancelled, then
// drains in-flight requests within the shutdown timeout.
func (s *Server) ServeListener(ctx context.Context, ln net.Listener) error {
	httpServer := &http.Server{
		Handler:           s.Handler(),
		ReadHeaderTimeout: s.cfg.ReadHeaderTimeout,
	}
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), s.cfg.ShutdownTimeout)
		defer cancel()
		if err := httpServer.Shutdown(shutdownCtx); err != nil {
			s.log.WithError(err).Warn("graceful shutdown incomplete")
		}
	}()
	_, disabled := s.notifier.(queue.Nop)
	s.log.WithFields(logrus.Fields{
		"addr":          ln.Addr().String(),
		"root":          s.store.Root(),
		"notifications": !disabled,
	}).Info("filesync intake listening")
	if err := httpServer.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet && r.Method != http.MethodHead {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	if err := s.store.Healthy(); err != nil {
		s.log.WithError(err).Warn("shared root unavailable")
		respondJSON(w, s.log, http.StatusServiceUnavailable, map[string]string{"status": "unavailable"})
		return
	}
	respondJSON(w, s.log, http.StatusOK, map[string]string{"status": "ok"})
}

func respondJSON(w http.ResponseWriter, logger logrus.FieldLogger, status int, payload interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		logger.WithError(err).Warn("encode response")
	}
}
