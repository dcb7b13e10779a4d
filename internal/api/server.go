// Package api exposes the resilience engines over HTTP: error reporting,
// log ingestion and queries, engine reports, alert workflow, live log
// streaming over WebSocket, and authenticated management of strategies and
// configuration.
package api

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	log "github.com/sirupsen/logrus"

	"github.com/ledgerstack/resilience/internal/config"
	"github.com/ledgerstack/resilience/internal/immunity"
	"github.com/ledgerstack/resilience/internal/smartlog"
)

// Server serves the resilience agent's HTTP API.
type Server struct {
	mu       sync.RWMutex
	cfg      *config.Config
	immunity *immunity.Engine
	logs     *smartlog.Engine

	httpServer *http.Server
}

// NewServer creates an API server over the two engines.
func NewServer(cfg *config.Config, imm *immunity.Engine, logs *smartlog.Engine) *Server {
	return &Server{
		cfg:      cfg,
		immunity: imm,
		logs:     logs,
	}
}

// UpdateConfig swaps the server's view of the configuration. Engine configs
// are pushed to the engines by the caller; the server only needs the
// management and binding sections.
func (s *Server) UpdateConfig(cfg *config.Config) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.cfg = cfg
}

func (s *Server) config() *config.Config {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.cfg
}

// Router builds the gin engine with all routes registered.
func (s *Server) Router() *gin.Engine {
	router := gin.New()
	router.Use(gin.Recovery())

	router.GET("/health", s.handleHealth)

	v1 := router.Group("/v1")
	{
		v1.POST("/errors", s.handleReportError)
		v1.GET("/immunity/report", s.handleImmunityReport)
		v1.GET("/immunity/history", s.handleImmunityHistory)
		v1.GET("/immunity/strategies", s.handleListStrategies)

		v1.POST("/logs", s.handleIngestLog)
		v1.GET("/logs", s.handleQueryLogs)
		v1.GET("/logs/report", s.handleLogReport)

		v1.GET("/alerts", s.handleListAlerts)
		v1.POST("/alerts/:id/ack", s.handleAckAlert)
		v1.POST("/alerts/:id/resolve", s.handleResolveAlert)
	}

	mgmt := v1.Group("/management")
	mgmt.Use(s.managementAuth())
	{
		mgmt.POST("/immunity/strategies", s.handleAddStrategy)
		mgmt.DELETE("/immunity/strategies/:id", s.handleRemoveStrategy)
		mgmt.PUT("/config/immunity", s.handleUpdateImmunityConfig)
		mgmt.PUT("/config/smartlog", s.handleUpdateSmartlogConfig)
	}

	router.GET("/ws/logs", s.handleLogStream)

	return router
}

// Run starts the HTTP server and blocks until the context is cancelled,
// then shuts down gracefully.
func (s *Server) Run(ctx context.Context) error {
	cfg := s.config()
	addr := net.JoinHostPort(cfg.Host, fmt.Sprintf("%d", cfg.Port))

	s.httpServer = &http.Server{
		Addr:              addr,
		Handler:           s.Router(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		log.Infof("api server listening on %s", addr)
		if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := s.httpServer.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("api server shutdown failed: %w", err)
	}
	log.Info("api server stopped")
	return nil
}

// managementAuth guards management endpoints. Requests must carry a bearer
// token matching the configured management key; when no key is configured
// only loopback clients are allowed.
func (s *Server) managementAuth() gin.HandlerFunc {
	return func(c *gin.Context) {
		cfg := s.config()

		if cfg.Management.SecretKey == "" {
			if isLoopback(c.Request.RemoteAddr) {
				c.Next()
				return
			}
			c.AbortWithStatusJSON(http.StatusForbidden, gin.H{"error": "management key not configured"})
			return
		}

		if !cfg.Management.AllowRemote && !isLoopback(c.Request.RemoteAddr) {
			c.AbortWithStatusJSON(http.StatusForbidden, gin.H{"error": "remote management disabled"})
			return
		}

		token := strings.TrimPrefix(c.GetHeader("Authorization"), "Bearer ")
		if !cfg.CheckManagementKey(token) {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "invalid management key"})
			return
		}
		c.Next()
	}
}

func isLoopback(remoteAddr string) bool {
	host, _, err := net.SplitHostPort(remoteAddr)
	if err != nil {
		host = remoteAddr
	}
	ip := net.ParseIP(host)
	return ip != nil && ip.IsLoopback()
}
