// Package api exposes the control plane over HTTP: REST resources for
// templates, work items, workers, executions, and repositories, a
// server-sent event stream for worker logs, and a websocket feed of
// orchestration events.
package api

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"

	"github.com/zjrosen/gaffer/internal/cachemanager"
	"github.com/zjrosen/gaffer/internal/domain"
	"github.com/zjrosen/gaffer/internal/log"
	"github.com/zjrosen/gaffer/internal/orchestration/hub"
	"github.com/zjrosen/gaffer/internal/orchestration/pool"
	"github.com/zjrosen/gaffer/internal/orchestration/scheduler"
	"github.com/zjrosen/gaffer/internal/registry"
)

// DefaultAddr is the listen address used when none is configured.
const DefaultAddr = ":8080"

// defaultStatsTTL is how long a dashboard stats snapshot stays served
// from cache before it is rebuilt.
const defaultStatsTTL = 5 * time.Second

// Deps are the services the HTTP surface fronts. Repos and Metrics may
// be nil: repository routes then return 404 and /metrics is not mounted.
type Deps struct {
	Registry     *registry.Registry
	Pool         *pool.WorkerPool
	Orchestrator *scheduler.Orchestrator
	Hub          *hub.Hub

	Items      domain.WorkItemRepository
	Workers    domain.WorkerRepository
	Executions domain.ExecutionRepository
	Traces     domain.TraceRepository
	Repos      domain.RepositoryStore

	Metrics http.Handler
}

func (d Deps) validate() error {
	switch {
	case d.Registry == nil:
		return errors.New("api: Registry is required")
	case d.Pool == nil:
		return errors.New("api: Pool is required")
	case d.Orchestrator == nil:
		return errors.New("api: Orchestrator is required")
	case d.Hub == nil:
		return errors.New("api: Hub is required")
	case d.Items == nil:
		return errors.New("api: Items is required")
	case d.Workers == nil:
		return errors.New("api: Workers is required")
	case d.Executions == nil:
		return errors.New("api: Executions is required")
	case d.Traces == nil:
		return errors.New("api: Traces is required")
	}
	return nil
}

// ServerConfig holds the HTTP server settings.
type ServerConfig struct {
	// Addr is the listen address. ":0" picks a free port.
	Addr string

	// ReadTimeout bounds request reads. The write side stays unbounded
	// so SSE and websocket connections can live as long as the client.
	ReadTimeout time.Duration

	// StatsTTL is the dashboard stats cache window.
	StatsTTL time.Duration

	// Debug leaves gin in debug mode instead of release mode.
	Debug bool
}

// Server serves the control plane API over HTTP.
type Server struct {
	deps     Deps
	engine   *gin.Engine
	server   *http.Server
	listener net.Listener
	addr     string
	port     int

	statsTTL time.Duration
	stats    cachemanager.CacheManager[string, *DashboardStats]
}

// NewServer binds the listener and wires all routes. The listener is
// opened here rather than in Start so that an Addr of ":0" resolves to a
// concrete port before the server begins serving.
func NewServer(deps Deps, cfg ServerConfig) (*Server, error) {
	if err := deps.validate(); err != nil {
		return nil, err
	}
	if cfg.Addr == "" {
		cfg.Addr = DefaultAddr
	}
	if cfg.ReadTimeout == 0 {
		cfg.ReadTimeout = 30 * time.Second
	}
	if cfg.StatsTTL == 0 {
		cfg.StatsTTL = defaultStatsTTL
	}

	listener, err := net.Listen("tcp", cfg.Addr)
	if err != nil {
		return nil, fmt.Errorf("listen on %s: %w", cfg.Addr, err)
	}
	port := 0
	if tcpAddr, ok := listener.Addr().(*net.TCPAddr); ok {
		port = tcpAddr.Port
	}

	s := &Server{
		deps:     deps,
		engine:   newEngine(cfg.Debug),
		listener: listener,
		addr:     cfg.Addr,
		port:     port,
		statsTTL: cfg.StatsTTL,
		stats: cachemanager.NewInMemoryCacheManager[string, *DashboardStats](
			"dashboard-stats", cfg.StatsTTL, time.Minute),
	}
	s.routes()

	s.server = &http.Server{
		Handler:           s.engine,
		ReadTimeout:       cfg.ReadTimeout,
		ReadHeaderTimeout: 10 * time.Second,
		// No WriteTimeout: SSE and websocket connections are long-lived.
		WriteTimeout: 0,
	}
	return s, nil
}

func newEngine(debug bool) *gin.Engine {
	if debug {
		gin.SetMode(gin.DebugMode)
	} else {
		gin.SetMode(gin.ReleaseMode)
	}

	engine := gin.New()
	engine.Use(gin.Recovery(), requestLog())

	corsConfig := cors.DefaultConfig()
	corsConfig.AllowAllOrigins = true
	corsConfig.AllowMethods = []string{"GET", "POST", "PUT", "PATCH", "DELETE", "OPTIONS"}
	corsConfig.AllowHeaders = []string{"Origin", "Content-Type", "Authorization", "X-Requested-With"}
	corsConfig.AllowWebSockets = true
	engine.Use(cors.New(corsConfig))

	return engine
}

// requestLog replaces gin's default logger with the category logger so
// API lines land in the same stream as everything else.
func requestLog() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		log.Debug(log.CatAPI, "request",
			"method", c.Request.Method,
			"path", c.Request.URL.Path,
			"status", c.Writer.Status(),
			"durationMs", time.Since(start).Milliseconds(),
		)
	}
}

func (s *Server) routes() {
	s.engine.GET("/health", s.health)
	if s.deps.Metrics != nil {
		s.engine.GET("/metrics", gin.WrapH(s.deps.Metrics))
	}

	api := s.engine.Group("/api")
	{
		api.GET("/health", s.health)
		api.GET("/status", s.getStatus)
		api.GET("/events/ws", s.handleWebSocket)

		templates := api.Group("/templates")
		{
			templates.GET("", s.listTemplates)
			templates.POST("", s.createTemplate)
			templates.GET("/builtin", s.listBuiltInTemplates)
			templates.GET("/user-defined", s.listUserTemplates)
			templates.GET("/by-role", s.listTemplatesByRole)
			templates.GET("/for-work-item-type", s.listTemplatesForType)
			templates.GET("/:id", s.getTemplate)
			templates.PATCH("/:id", s.updateTemplate)
			templates.DELETE("/:id", s.deleteTemplate)
			templates.POST("/:id/clone", s.cloneTemplate)
		}

		items := api.Group("/work-items")
		{
			items.GET("", s.listWorkItems)
			items.POST("", s.createWorkItem)
			items.GET("/:id", s.getWorkItem)
			items.PATCH("/:id/status", s.transitionWorkItem)
		}

		workers := api.Group("/workers")
		{
			workers.GET("", s.listWorkers)
			workers.POST("", s.spawnWorker)
			workers.DELETE("/:id", s.terminateWorker)
			workers.POST("/:id/pause", s.pauseWorker)
			workers.POST("/:id/resume", s.resumeWorker)
		}

		containers := api.Group("/containers")
		{
			containers.GET("/:id/logs", s.getWorkerLogs)
			containers.GET("/:id/logs/stream", s.streamWorkerLogs)
		}

		executions := api.Group("/executions")
		{
			executions.GET("", s.listExecutions)
			executions.GET("/:id", s.getExecution)
			executions.GET("/:id/traces", s.listExecutionTraces)
		}

		repos := api.Group("/repositories")
		{
			repos.GET("", s.listRepositories)
			repos.POST("", s.createRepository)
			repos.GET("/:id", s.getRepository)
			repos.DELETE("/:id", s.deleteRepository)
		}

		api.GET("/dashboard/stats", s.getDashboardStats)
	}
}

// Start begins serving requests. Blocks until the server stops.
func (s *Server) Start() error {
	log.Info(log.CatAPI, "API server listening", "addr", s.listener.Addr().String())
	if err := s.server.Serve(s.listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("serve: %w", err)
	}
	return nil
}

// Stop gracefully shuts the server down, waiting for in-flight requests
// up to the context deadline.
func (s *Server) Stop(ctx context.Context) error {
	log.Info(log.CatAPI, "API server stopping")
	return s.server.Shutdown(ctx)
}

// Port returns the port the server is bound to. Useful when the
// configured address was ":0".
func (s *Server) Port() int {
	return s.port
}

// Addr returns the listener's resolved address.
func (s *Server) Addr() string {
	return s.listener.Addr().String()
}

type healthResponse struct {
	Status string    `json:"status"`
	Time   time.Time `json:"time"`
}

func (s *Server) health(c *gin.Context) {
	c.JSON(http.StatusOK, healthResponse{Status: "ok", Time: time.Now()})
}

func (s *Server) getStatus(c *gin.Context) {
	c.JSON(http.StatusOK, s.deps.Orchestrator.Status())
}
