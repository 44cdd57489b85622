// Package server exposes streaming transcription over websockets and one-shot
// transcription over HTTP.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/chriscow/streamscribe/internal/metrics"
	"github.com/chriscow/streamscribe/internal/session"
	"github.com/chriscow/streamscribe/pkg/version"
)

// Routes.
const (
	RouteWebSocket  = "/ws"
	RouteTranscribe = "/api/speech/transcribe"
	RouteHealth     = "/healthz"
	RouteSessions   = "/sessions"
)

// Config contains transport settings.
type Config struct {
	Address         string
	Language        string
	MaxUploadBytes  int64
	MaxMessageBytes int64
	PingInterval    time.Duration
	PongWait        time.Duration
	WriteWait       time.Duration
	ShutdownTimeout time.Duration
	MetricsPath     string // empty disables /metrics
}

// DefaultConfig returns transport defaults.
func DefaultConfig() Config {
	return Config{
		Address:         ":8080",
		Language:        "ja",
		MaxUploadBytes:  25 << 20,
		MaxMessageBytes: 8 << 20,
		PingInterval:    30 * time.Second,
		PongWait:        60 * time.Second,
		WriteWait:       10 * time.Second,
		ShutdownTimeout: 10 * time.Second,
		MetricsPath:     "/metrics",
	}
}

// Option configures a Server.
type Option func(*Server)

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(s *Server) { s.logger = l }
}

// WithMetrics sets the metrics sink and enables the metrics route.
func WithMetrics(m *metrics.Metrics) Option {
	return func(s *Server) { s.metrics = m }
}

// WithAuthenticator requires access tokens on every route but health and
// metrics.
func WithAuthenticator(a *Authenticator) Option {
	return func(s *Server) { s.auth = a }
}

// Server is the HTTP front end.
type Server struct {
	cfg         Config
	registry    *session.Registry
	hub         *Hub
	transcriber session.Transcriber
	logger      *slog.Logger
	metrics     *metrics.Metrics
	auth        *Authenticator
	upgrader    websocket.Upgrader
	handler     http.Handler
	startTime   time.Time

	ctx    context.Context
	cancel context.CancelFunc

	// connsMu orders conns.Add against shutdown
	connsMu sync.Mutex
	conns   sync.WaitGroup
}

// New creates a server. registry and hub back the websocket route and may be
// nil to disable streaming; transcriber backs the upload route and may be nil
// when no engine is configured.
func New(cfg Config, registry *session.Registry, hub *Hub, transcriber session.Transcriber, opts ...Option) *Server {
	def := DefaultConfig()
	if cfg.MaxUploadBytes <= 0 {
		cfg.MaxUploadBytes = def.MaxUploadBytes
	}
	if cfg.MaxMessageBytes <= 0 {
		cfg.MaxMessageBytes = def.MaxMessageBytes
	}
	if cfg.PingInterval <= 0 {
		cfg.PingInterval = def.PingInterval
	}
	if cfg.PongWait <= cfg.PingInterval {
		cfg.PongWait = 2 * cfg.PingInterval
	}
	if cfg.WriteWait <= 0 {
		cfg.WriteWait = def.WriteWait
	}
	if cfg.Language == "" {
		cfg.Language = def.Language
	}

	ctx, cancel := context.WithCancel(context.Background())
	s := &Server{
		cfg:         cfg,
		registry:    registry,
		hub:         hub,
		transcriber: transcriber,
		logger:      slog.Default(),
		startTime:   time.Now(),
		ctx:         ctx,
		cancel:      cancel,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			CheckOrigin:     func(*http.Request) bool { return true },
		},
	}
	for _, opt := range opts {
		opt(s)
	}
	s.logger = s.logger.With("component", "server")

	mux := http.NewServeMux()
	s.setupRoutes(mux)
	s.handler = mux
	return s
}

// Handler returns the HTTP handler.
func (s *Server) Handler() http.Handler {
	return s.handler
}

func (s *Server) setupRoutes(mux *http.ServeMux) {
	mux.HandleFunc(RouteHealth, s.withMetrics(RouteHealth, s.handleHealth))
	mux.HandleFunc(RouteSessions, s.withMetrics(RouteSessions, s.withAuth(s.handleSessions)))
	mux.HandleFunc(RouteTranscribe, s.withMetrics(RouteTranscribe, s.withAuth(s.handleTranscribe)))
	mux.HandleFunc(RouteWebSocket, s.withAuth(s.handleWebSocket))

	if s.cfg.MetricsPath != "" && s.metrics != nil {
		mux.Handle(s.cfg.MetricsPath, s.metrics.Handler())
	}
}

// withMetrics wraps an HTTP handler with metrics collection.
func (s *Server) withMetrics(route string, handler http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := &responseWriter{ResponseWriter: w, statusCode: http.StatusOK}

		handler(ww, r)

		s.metrics.ObserveHTTP(route, ww.statusCode, time.Since(start))
	}
}

func (s *Server) withAuth(handler http.HandlerFunc) http.HandlerFunc {
	if s.auth == nil {
		return handler
	}
	return func(w http.ResponseWriter, r *http.Request) {
		identity, err := s.auth.Authenticate(r)
		if err != nil {
			s.logger.Debug("rejected request", slog.String("path", r.URL.Path), slog.String("error", err.Error()))
			writeJSON(w, http.StatusUnauthorized, ErrorData{Error: "unauthorized"})
			return
		}
		if identity != "" {
			s.logger.Debug("authenticated", slog.String("identity", identity), slog.String("path", r.URL.Path))
		}
		handler(w, r)
	}
}

// responseWriter wraps http.ResponseWriter to capture status code.
type responseWriter struct {
	http.ResponseWriter
	statusCode int
}

func (rw *responseWriter) WriteHeader(code int) {
	rw.statusCode = code
	rw.ResponseWriter.WriteHeader(code)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	active := 0
	if s.registry != nil {
		active = s.registry.Len()
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"status":          "ok",
		"version":         version.Get(),
		"uptime":          time.Since(s.startTime).Round(time.Second).String(),
		"active_sessions": active,
		"engine_ready":    s.transcriber != nil,
	})
}

func (s *Server) handleSessions(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	stats := []session.Stats{}
	if s.registry != nil {
		stats = s.registry.Stats()
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"total_sessions": len(stats),
		"sessions":       stats,
	})
}

func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	if s.registry == nil || s.hub == nil {
		writeJSON(w, http.StatusServiceUnavailable, ErrorData{Error: "streaming not available"})
		return
	}

	if !s.track() {
		writeJSON(w, http.StatusServiceUnavailable, ErrorData{Error: "server shutting down"})
		return
	}
	defer s.conns.Done()

	ws, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		// Upgrade has already written the response
		s.logger.Warn("websocket upgrade failed", slog.String("error", err.Error()))
		return
	}

	id := uuid.NewString()
	c := newConn(id, ws, s)

	if _, err := s.registry.Connect(id); err != nil {
		s.logger.Error("failed to create session", slog.String("error", err.Error()))
		_ = ws.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseTryAgainLater, "unavailable"),
			time.Now().Add(s.cfg.WriteWait))
		ws.Close()
		return
	}
	s.hub.register(c)

	hello, _ := newMessage(TypeConnected, Connected{SessionID: id})
	_ = c.send(s.ctx, hello)

	c.logger.Info("websocket connected", slog.String("remote", r.RemoteAddr))

	c.run(s.ctx)
}

// track registers a websocket handler with conns unless shutdown has begun.
func (s *Server) track() bool {
	s.connsMu.Lock()
	defer s.connsMu.Unlock()
	if s.ctx.Err() != nil {
		return false
	}
	s.conns.Add(1)
	return true
}

// closeConns cancels every websocket handler and waits for them to return.
func (s *Server) closeConns() {
	s.connsMu.Lock()
	s.cancel()
	s.connsMu.Unlock()
	s.conns.Wait()
}

// Serve accepts connections on l until ctx ends, then shuts down gracefully.
func (s *Server) Serve(ctx context.Context, l net.Listener) error {
	httpServer := &http.Server{
		Handler:           s.handler,
		ReadHeaderTimeout: 10 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("Starting HTTP server", slog.String("address", l.Addr().String()))
		errCh <- httpServer.Serve(l)
	}()

	select {
	case err := <-errCh:
		s.cancel()
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
	}

	s.logger.Info("Stopping HTTP server...")
	timeout := s.cfg.ShutdownTimeout
	if timeout <= 0 {
		timeout = DefaultConfig().ShutdownTimeout
	}
	shutdownCtx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	err := httpServer.Shutdown(shutdownCtx)
	// hijacked websocket connections are not tracked by Shutdown
	s.closeConns()
	return err
}

// ListenAndServe listens on the configured address and calls Serve.
func (s *Server) ListenAndServe(ctx context.Context) error {
	addr := s.cfg.Address
	if addr == "" {
		addr = DefaultConfig().Address
	}
	l, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", addr, err)
	}
	return s.Serve(ctx, l)
}

// Close disconnects every websocket client.
func (s *Server) Close() {
	s.closeConns()
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
