package server

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"

	"github.com/rickgao/tick-relay/internal/api"
	"github.com/rickgao/tick-relay/internal/broadcast"
	"github.com/rickgao/tick-relay/internal/connection"
	"github.com/rickgao/tick-relay/internal/model"
	"github.com/rickgao/tick-relay/internal/registry"
)

// Registry is the subscriber store the server registers connections with.
type Registry interface {
	Add(sender registry.Sender, filter model.Filter) string
	RemoveWithReason(id string, reason registry.Reason)
	Count() int
}

// Pinger checks a backing store.
type Pinger interface {
	Ping(ctx context.Context) error
}

// Config holds server configuration.
type Config struct {
	Addr            string        // Listen address (default: ":8080")
	WriteTimeout    time.Duration // Upper bound on one websocket write (default: 10s)
	PingInterval    time.Duration // Keepalive ping interval (default: 30s)
	PongWait        time.Duration // Max silence from a subscriber (default: 60s)
	MaxMessageBytes int64         // Inbound message limit (default: 4096)
	MaxSubscribers  int           // 0 = unlimited
	Debug           bool          // Gin debug mode
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() Config {
	return Config{
		Addr:            ":8080",
		WriteTimeout:    10 * time.Second,
		PingInterval:    30 * time.Second,
		PongWait:        60 * time.Second,
		MaxMessageBytes: 4096,
	}
}

// Deps are the components the routes read from. Nil fields disable the
// routes or health sections that need them.
type Deps struct {
	Registry Registry
	Upstream *api.Client
	Feeds    func() connection.ManagerStats
	Engine   func() broadcast.Stats
	Journal  Pinger
}

// Server is the downstream HTTP server.
type Server struct {
	cfg    Config
	deps   Deps
	logger *slog.Logger

	engine   *gin.Engine
	upgrader websocket.Upgrader
	http     *http.Server
	listener net.Listener
}

// New creates a Server and registers its routes.
func New(cfg Config, deps Deps, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	def := DefaultConfig()
	if cfg.Addr == "" {
		cfg.Addr = def.Addr
	}
	if cfg.WriteTimeout <= 0 {
		cfg.WriteTimeout = def.WriteTimeout
	}
	if cfg.PingInterval <= 0 {
		cfg.PingInterval = def.PingInterval
	}
	if cfg.PongWait <= cfg.PingInterval {
		cfg.PongWait = 2 * cfg.PingInterval
	}
	if cfg.MaxMessageBytes <= 0 {
		cfg.MaxMessageBytes = def.MaxMessageBytes
	}

	if !cfg.Debug {
		gin.SetMode(gin.ReleaseMode)
	}

	s := &Server{
		cfg:    cfg,
		deps:   deps,
		logger: logger,
		engine: gin.New(),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 4096,
			CheckOrigin:     func(r *http.Request) bool { return true },
		},
	}

	s.engine.Use(gin.Recovery(), s.requestLogger())
	s.setupRoutes()

	return s
}

func (s *Server) setupRoutes() {
	s.engine.GET("/ws", s.handleWebSocket)
	s.engine.GET("/health", s.handleHealth)

	if s.deps.Upstream != nil {
		s.engine.GET("/snapshot/:service", s.handleSnapshot)
		s.engine.GET("/api/*path", s.handlePassthrough)
	}
}

// Handler returns the route handler, for tests and embedding.
func (s *Server) Handler() http.Handler {
	return s.engine
}

// Start begins serving in the background.
func (s *Server) Start(ctx context.Context) error {
	ln, err := net.Listen("tcp", s.cfg.Addr)
	if err != nil {
		return fmt.Errorf("listen %s: %w", s.cfg.Addr, err)
	}
	s.listener = ln

	s.http = &http.Server{
		Handler:           s.engine,
		ReadHeaderTimeout: 10 * time.Second,
		BaseContext:       func(net.Listener) context.Context { return ctx },
	}

	go func() {
		if err := s.http.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.Error("http server error", "error", err)
		}
	}()

	s.logger.Info("http server started", "addr", ln.Addr().String())
	return nil
}

// Addr returns the bound listen address once started.
func (s *Server) Addr() string {
	if s.listener == nil {
		return s.cfg.Addr
	}
	return s.listener.Addr().String()
}

// Stop stops accepting connections. Upgraded websockets are owned by the
// registry and closed there.
func (s *Server) Stop(ctx context.Context) error {
	if s.http == nil {
		return nil
	}
	if err := s.http.Shutdown(ctx); err != nil {
		return fmt.Errorf("shutdown http server: %w", err)
	}
	s.logger.Info("http server stopped")
	return nil
}

// requestLogger logs non-websocket requests at debug level.
func (s *Server) requestLogger() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()

		if c.FullPath() == "/ws" {
			return
		}
		s.logger.Debug("http request",
			"method", c.Request.Method,
			"path", c.Request.URL.Path,
			"status", c.Writer.Status(),
			"duration", time.Since(start),
		)
	}
}
