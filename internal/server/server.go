package server

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"slices"
	"time"

	"github.com/gorilla/websocket"
	mcpserver "github.com/mark3labs/mcp-go/server"

	"github.com/ashita-ai/kansoku/internal/auth"
	"github.com/ashita-ai/kansoku/internal/broadcast"
	"github.com/ashita-ai/kansoku/internal/ratelimit"
	"github.com/ashita-ai/kansoku/internal/telemetry"
)

// Server is the Kansoku HTTP server.
type Server struct {
	httpServer *http.Server
	handler    http.Handler
	logger     *slog.Logger
	cancelBase context.CancelFunc // ends long-lived event streams on Shutdown
}

// Handler returns the root HTTP handler for use in tests.
func (s *Server) Handler() http.Handler {
	return s.handler
}

// ServerConfig holds all dependencies and configuration for creating a Server.
// Optional fields (nil-safe): JWTMgr, Limiter, Broker, MCPServer.
type ServerConfig struct {
	// Required dependencies.
	Pipeline Pipeline
	Hub      *broadcast.Hub
	Logger   *slog.Logger

	// Optional dependencies (nil = disabled).
	JWTMgr    *auth.JWTManager
	Limiter   ratelimit.Limiter
	Broker    *Broker
	MCPServer *mcpserver.MCPServer

	// HTTP server settings.
	Port                int
	ReadTimeout         time.Duration
	WriteTimeout        time.Duration
	Version             string
	MaxRequestBodyBytes int64
	EnableMetrics       bool

	// Stream settings.
	StreamWriteWait    time.Duration // Per-message write deadline. Default: 10s.
	StreamPingInterval time.Duration // Default: 30s.
	AllowedOrigins     []string      // Empty allows any origin.
}

// New creates a new HTTP server with all routes configured.
func New(cfg ServerConfig) *Server {
	if cfg.MaxRequestBodyBytes <= 0 {
		cfg.MaxRequestBodyBytes = 1 << 20
	}
	if cfg.StreamWriteWait <= 0 {
		cfg.StreamWriteWait = 10 * time.Second
	}
	if cfg.StreamPingInterval <= 0 {
		cfg.StreamPingInterval = 30 * time.Second
	}

	h := &Handlers{
		pipeline:            cfg.Pipeline,
		hub:                 cfg.Hub,
		broker:              cfg.Broker,
		logger:              cfg.Logger,
		startedAt:           time.Now(),
		version:             cfg.Version,
		maxRequestBodyBytes: cfg.MaxRequestBodyBytes,
		writeWait:           cfg.StreamWriteWait,
		pingInterval:        cfg.StreamPingInterval,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 4096,
			CheckOrigin:     originChecker(cfg.AllowedOrigins),
		},
	}

	reqIDFunc := func(r *http.Request) string {
		return RequestIDFromContext(r.Context())
	}
	streamRL := ratelimit.Middleware(cfg.Limiter, "stream", ratelimit.IPKeyFunc, reqIDFunc, cfg.Logger)
	controlRL := ratelimit.Middleware(cfg.Limiter, "control", ratelimit.IPKeyFunc, reqIDFunc, cfg.Logger)

	authEnabled := cfg.JWTMgr != nil
	streamScope := requireScope(authEnabled, auth.ScopeStream)
	controlScope := requireScope(authEnabled, auth.ScopeControl)

	mux := http.NewServeMux()

	// Public.
	mux.HandleFunc("GET /health", h.HandleHealth)
	if cfg.EnableMetrics {
		mux.Handle("GET /metrics", telemetry.PrometheusHandler())
	}

	// Observation (stream scope).
	mux.Handle("GET /v1/status", streamScope(http.HandlerFunc(h.HandleStatus)))
	mux.Handle("GET /v1/stream", streamRL(streamScope(http.HandlerFunc(h.HandleStream))))
	mux.Handle("GET /v1/storage/events", streamRL(streamScope(http.HandlerFunc(h.HandleStorageEvents))))

	// Control (control scope, rate limited).
	mux.Handle("POST /v1/basis", controlRL(controlScope(http.HandlerFunc(h.HandleBasis))))

	// MCP StreamableHTTP transport (stream scope; basis tool checks control).
	if cfg.MCPServer != nil {
		mcpHTTP := mcpserver.NewStreamableHTTPServer(cfg.MCPServer)
		mux.Handle("/mcp", controlRL(streamScope(mcpHTTP)))
	}

	// Middleware chain (outermost executes first):
	// request ID → security headers → tracing → logging → auth → recovery → handler.
	var handler http.Handler = mux
	handler = recoveryMiddleware(cfg.Logger, handler)
	handler = authMiddleware(cfg.JWTMgr, handler)
	handler = loggingMiddleware(cfg.Logger, handler)
	handler = tracingMiddleware(handler)
	handler = securityHeadersMiddleware(handler)
	handler = requestIDMiddleware(handler)

	baseCtx, cancelBase := context.WithCancel(context.Background())
	return &Server{
		httpServer: &http.Server{
			Addr:         fmt.Sprintf(":%d", cfg.Port),
			Handler:      handler,
			ReadTimeout:  cfg.ReadTimeout,
			WriteTimeout: cfg.WriteTimeout,
			BaseContext:  func(net.Listener) context.Context { return baseCtx },
		},
		handler:    handler,
		logger:     cfg.Logger,
		cancelBase: cancelBase,
	}
}

// originChecker accepts any origin when allowed is empty.
func originChecker(allowed []string) func(r *http.Request) bool {
	if len(allowed) == 0 {
		return func(*http.Request) bool { return true }
	}
	return func(r *http.Request) bool {
		origin := r.Header.Get("Origin")
		return origin == "" || slices.Contains(allowed, origin)
	}
}

// Start begins serving HTTP requests.
func (s *Server) Start() error {
	s.logger.Info("http server starting", "addr", s.httpServer.Addr)
	return s.httpServer.ListenAndServe()
}

// Shutdown gracefully shuts down the HTTP server. Hijacked stream
// connections are not tracked by net/http; close the hub to end them.
func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info("http server shutting down")
	s.cancelBase()
	return s.httpServer.Shutdown(ctx)
}
