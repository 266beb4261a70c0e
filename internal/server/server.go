// Package server wires the HTTP surfaces: the Anthropic-compatible caller
// API and the admin API.
package server

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/anthropics/kiro-gateway/internal/dispatch"
	"github.com/anthropics/kiro-gateway/internal/store"
)

// AdminRoutes is implemented by the admin handler set.
type AdminRoutes interface {
	Register(group *gin.RouterGroup)
}

// Options configures a Server.
type Options struct {
	Addr            string
	AdminKey        string
	Dispatcher      *dispatch.Dispatcher
	DB              *store.DB
	Admin           AdminRoutes
	Logger          *slog.Logger
	GracefulTimeout time.Duration
}

// Server is the HTTP front of the gateway.
type Server struct {
	engine     *gin.Engine
	httpServer *http.Server

	adminKey   string
	dispatcher *dispatch.Dispatcher
	db         *store.DB
	limiters   *keyLimiters
	logger     *slog.Logger
}

// New builds the server and its route tree.
func New(opts Options) *Server {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}

	gin.SetMode(gin.ReleaseMode)
	engine := gin.New()
	_ = engine.SetTrustedProxies(nil)
	engine.Use(gin.Recovery(), requestLogger(logger), corsMiddleware())

	s := &Server{
		engine:     engine,
		adminKey:   opts.AdminKey,
		dispatcher: opts.Dispatcher,
		db:         opts.DB,
		limiters:   newKeyLimiters(),
		logger:     logger,
	}

	engine.GET("/health", s.handleHealth)

	v1 := engine.Group("/v1", s.authMiddleware(), s.rateLimitMiddleware())
	v1.POST("/messages", s.handleMessages)
	v1.POST("/messages/count_tokens", s.handleCountTokens)
	v1.GET("/models", s.handleModels)

	if opts.Admin != nil {
		opts.Admin.Register(engine.Group("/admin", s.adminAuthMiddleware()))
	}

	s.httpServer = &http.Server{
		Addr:              opts.Addr,
		Handler:           engine,
		ReadHeaderTimeout: 10 * time.Second,
	}
	return s
}

// Run serves until the listener fails or Shutdown is called.
func (s *Server) Run() error {
	s.logger.Info("listening", "addr", s.httpServer.Addr)
	err := s.httpServer.ListenAndServe()
	if err == http.ErrServerClosed {
		return nil
	}
	return err
}

// Shutdown drains in-flight requests.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.httpServer.Shutdown(ctx)
}

// Handler exposes the route tree, used by tests.
func (s *Server) Handler() http.Handler {
	return s.engine
}
