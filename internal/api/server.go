// Package api exposes a thin, read-mostly admin HTTP surface over the agent
// broker: agent/position/signal/zone inspection and health. Grounded on the
// teacher's internal/api/server.go router-setup shape (gin.New + recovery +
// CORS + grouped routes), trimmed from a multi-tenant SaaS surface down to
// the single-operator surface spec.md's Non-goals leave in scope.
package api

import (
	"context"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog"

	"github.com/reversalpro/broker/internal/auth"
	"github.com/reversalpro/broker/internal/store"
)

// Store is the subset of internal/store.Store the admin API reads from.
type Store interface {
	HealthCheck(ctx context.Context) error
	AllAgents(ctx context.Context) ([]store.Agent, error)
	AgentByID(ctx context.Context, agentID int64) (store.Agent, bool, error)
	AgentPositions(ctx context.Context, agentID int64, limit int) ([]store.AgentPosition, error)
	RecentSignals(ctx context.Context, symbol, timeframe string, limit int) ([]store.Signal, error)
	Zones(ctx context.Context, symbol, timeframe string) ([]store.Zone, error)
	RecentLogs(ctx context.Context, agentID int64, limit int) ([]store.AgentLog, error)
}

// Config controls the HTTP listener and CORS allow-list.
type Config struct {
	Host           string
	Port           int
	AllowedOrigins string // comma-separated, per config.ServerConfig
}

// Server is the read-only admin HTTP API.
type Server struct {
	router     *gin.Engine
	httpServer *http.Server
	store      Store
	cfg        Config
	logger     zerolog.Logger
}

// NewServer builds the router and registers every route. authManager may be
// nil, in which case every route is open -- used for local development only.
func NewServer(cfg Config, s Store, authManager *auth.Manager, logger zerolog.Logger) *Server {
	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(requestLogger(logger))

	corsCfg := cors.DefaultConfig()
	corsCfg.AllowOrigins = strings.Split(cfg.AllowedOrigins, ",")
	corsCfg.AllowMethods = []string{"GET", "OPTIONS"}
	corsCfg.AllowHeaders = []string{"Origin", "Content-Type", "Authorization"}
	router.Use(cors.New(corsCfg))

	srv := &Server{router: router, store: s, cfg: cfg, logger: logger.With().Str("component", "api").Logger()}

	router.GET("/health", srv.handleHealth)

	api := router.Group("/api")
	if authManager != nil {
		api.Use(auth.RequireAuth(authManager))
	}
	{
		api.GET("/agents", srv.handleListAgents)
		api.GET("/agents/:id", srv.handleGetAgent)
		api.GET("/agents/:id/positions", srv.handleAgentPositions)
		api.GET("/agents/:id/logs", srv.handleAgentLogs)
		api.GET("/signals/:symbol/:timeframe", srv.handleRecentSignals)
		api.GET("/zones/:symbol/:timeframe", srv.handleZones)
	}

	return srv
}

func requestLogger(logger zerolog.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		logger.Info().
			Str("method", c.Request.Method).
			Str("path", c.Request.URL.Path).
			Int("status", c.Writer.Status()).
			Dur("duration", time.Since(start)).
			Msg("request")
	}
}

// Start blocks serving HTTP until Shutdown is called.
func (s *Server) Start() error {
	addr := fmt.Sprintf("%s:%d", s.cfg.Host, s.cfg.Port)
	s.httpServer = &http.Server{
		Addr:         addr,
		Handler:      s.router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}
	s.logger.Info().Str("addr", addr).Msg("starting admin API")
	if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("api: listen: %w", err)
	}
	return nil
}

// Shutdown gracefully drains in-flight requests.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.httpServer == nil {
		return nil
	}
	return s.httpServer.Shutdown(ctx)
}
