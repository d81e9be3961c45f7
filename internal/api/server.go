// Package api provides the HTTP server exposing health, metrics, and the
// live timeline websocket.
package api

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/fossable/fossdb/internal/auth"
	"github.com/fossable/fossdb/internal/notify"
	"github.com/fossable/fossdb/internal/telemetry"
)

// Server exposes the fossdb HTTP surface.
type Server struct {
	httpServer  *http.Server
	broadcaster *notify.Broadcaster
	verifier    auth.Verifier
	upgrader    websocket.Upgrader
	logger      *slog.Logger
	metrics     *telemetry.NotifyMetrics
}

// ServerOption configures the server.
type ServerOption func(*Server)

// WithServerMetrics attaches notification metrics.
func WithServerMetrics(m *telemetry.NotifyMetrics) ServerOption {
	return func(s *Server) {
		s.metrics = m
	}
}

// NewServer creates the HTTP server. registry may be nil, in which case the
// default prometheus registry backs /metrics.
func NewServer(
	addr string,
	broadcaster *notify.Broadcaster,
	verifier auth.Verifier,
	registry *prometheus.Registry,
	logger *slog.Logger,
	opts ...ServerOption,
) *Server {
	if logger == nil {
		logger = slog.Default()
	}

	componentLogger := logger.With("component", "api")
	s := &Server{
		broadcaster: broadcaster,
		verifier:    verifier,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			// The timeline is served to browser frontends on other origins;
			// access control is the token handshake, not the Origin header.
			CheckOrigin: func(r *http.Request) bool {
				componentLogger.Debug("Websocket origin accepted",
					"origin", r.Header.Get("Origin"), "host", r.Host)
				return true
			},
		},
		logger: componentLogger,
	}
	for _, opt := range opts {
		opt(s)
	}

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)

	r.Get("/healthz", healthHandler)
	if registry != nil {
		r.Method(http.MethodGet, "/metrics", promhttp.HandlerFor(registry, promhttp.HandlerOpts{}))
	} else {
		r.Method(http.MethodGet, "/metrics", promhttp.Handler())
	}
	r.Get("/ws/timeline", s.timelineHandler)

	s.httpServer = &http.Server{
		Addr:              addr,
		Handler:           r,
		ReadHeaderTimeout: 10 * time.Second,
	}
	return s
}

// Start serves until the listener fails or Shutdown is called.
func (s *Server) Start() error {
	s.logger.Info("HTTP server listening", "addr", s.httpServer.Addr)
	if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return err
	}
	return nil
}

// Shutdown drains the server gracefully.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.httpServer.Shutdown(ctx)
}

// Handler returns the underlying HTTP handler. Used in tests.
func (s *Server) Handler() http.Handler {
	return s.httpServer.Handler
}

func healthHandler(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte(`{"status":"ok"}`))
}

// timelineHandler upgrades the connection and runs the session pumps. The
// connection starts on the global feed; an authenticate message switches it
// to the user's personal feed.
func (s *Server) timelineHandler(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Error("Failed to upgrade websocket connection", "error", err)
		return
	}

	sub := s.broadcaster.Subscribe()
	session := newTimelineSession(conn, sub, s.verifier, s.logger)
	if s.metrics != nil {
		s.metrics.LiveConnections.Inc()
	}
	s.logger.Info("Timeline session opened", "remote_addr", conn.RemoteAddr().String())

	go session.writePump()
	go session.forwardEvents()
	session.readPump(func() {
		s.broadcaster.Unsubscribe(sub)
		if s.metrics != nil {
			s.metrics.LiveConnections.Dec()
		}
		s.logger.Info("Timeline session closed", "remote_addr", conn.RemoteAddr().String())
	})
}
