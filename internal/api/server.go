// Package api is the HTTP façade over the proxy pool and the monitor
// registry.
package api

import (
	"context"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/proxy-pool-manager/internal/config"
	"github.com/proxy-pool-manager/internal/metrics"
	"github.com/proxy-pool-manager/internal/monitors"
	"github.com/proxy-pool-manager/internal/snapshot"
	"github.com/proxy-pool-manager/internal/types"
	log "github.com/sirupsen/logrus"
)

// Pool is the part of the proxy manager exposed over HTTP
type Pool interface {
	GetProxy(ctx context.Context, req types.Requirements) (*types.Proxy, error)
	Lookup(ctx context.Context, id string) (*types.Proxy, error)
	ReportUsage(ctx context.Context, p *types.Proxy, u types.Usage) error
	Provision(ctx context.Context, count int) int
	GetStats(ctx context.Context) (types.Stats, error)
}

// Monitors is the product monitor registry
type Monitors interface {
	Create(ctx context.Context, req monitors.Request) (*monitors.Monitor, error)
	Stop(ctx context.Context, id string) error
	ActiveCount(ctx context.Context) (int64, error)
}

type Server struct {
	config      *config.Config
	pool        Pool
	monitors    Monitors
	snapshot    *snapshot.Manager
	metrics     *metrics.Collector
	router      *gin.Engine
	httpServer  *http.Server
	rateLimiter *RateLimiter
}

func NewServer(cfg *config.Config, pool Pool, registry Monitors, snap *snapshot.Manager,
	metricsCollector *metrics.Collector) *Server {

	if cfg.Logging.Level == "debug" {
		gin.SetMode(gin.DebugMode)
	} else {
		gin.SetMode(gin.ReleaseMode)
	}

	router := gin.New()
	router.Use(gin.Recovery())

	s := &Server{
		config:      cfg,
		pool:        pool,
		monitors:    registry,
		snapshot:    snap,
		metrics:     metricsCollector,
		router:      router,
		rateLimiter: NewRateLimiter(cfg.API.RateLimitPerMinute),
	}

	s.setupRoutes()

	s.httpServer = &http.Server{
		Addr:         cfg.API.Addr,
		Handler:      router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	return s
}

func (s *Server) setupRoutes() {
	s.router.Use(s.loggingMiddleware())
	s.router.Use(s.metricsMiddleware())

	// Public endpoints
	s.router.GET("/health", s.handleHealth)
	if s.config.Metrics.Enabled {
		s.router.GET(s.config.Metrics.Endpoint, gin.WrapH(s.metrics.Handler()))
	}

	protected := s.router.Group("/api")
	if s.config.API.EnableAPIKeyAuth {
		protected.Use(s.authMiddleware())
	}
	if s.config.API.EnableIPRateLimit {
		protected.Use(s.rateLimitMiddleware())
	}

	protected.POST("/proxies/acquire", s.handleAcquire)
	protected.POST("/proxies/:id/usage", s.handleUsage)
	protected.POST("/proxies/provision", s.handleProvision)
	protected.GET("/proxies/stats", s.handleStats)
	protected.GET("/proxies/health", s.handlePoolHealth)

	protected.POST("/monitors", s.handleCreateMonitor)
	protected.DELETE("/monitors/:id", s.handleStopMonitor)
}

// Handler exposes the router, mainly for tests
func (s *Server) Handler() http.Handler {
	return s.router
}

func (s *Server) Start() error {
	log.Infof("Starting API server on %s", s.config.API.Addr)
	return s.httpServer.ListenAndServe()
}

func (s *Server) Shutdown(ctx context.Context) error {
	log.Info("Shutting down API server...")
	return s.httpServer.Shutdown(ctx)
}
