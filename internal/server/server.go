package server

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/aman-churiwal/event-gate/internal/config"
	"github.com/aman-churiwal/event-gate/internal/gate"
	"github.com/aman-churiwal/event-gate/internal/handler"
	"github.com/aman-churiwal/event-gate/internal/middleware"
	"github.com/aman-churiwal/event-gate/internal/service"
	"github.com/aman-churiwal/event-gate/internal/storage"
)

const Version = "1.0.0"

// Pinger is satisfied by the storage clients
type Pinger interface {
	Ping(ctx context.Context) error
}

// Deps are the collaborators the HTTP surface is wired to. Optional ones may be nil.
type Deps struct {
	Config *config.Config
	Logger *zap.Logger
	Gate   *gate.Gate

	// Optional
	Sink      handler.SinkAdmin
	Decisions *service.DecisionService
	Redis     *storage.RedisClient
	Postgres  *storage.Postgres
}

type Server struct {
	router     *gin.Engine
	config     *config.Config
	logger     *zap.Logger
	gate       *gate.Gate
	checks     map[string]Pinger
	sink       handler.SinkAdmin
	throttle   *middleware.Throttle
	httpServer *http.Server
	startTime  time.Time

	// Stops background work started by Run
	stop context.CancelFunc
	ctx  context.Context

	eventHandler    *handler.EventHandler
	quotaHandler    *handler.QuotaHandler
	decisionHandler *handler.DecisionHandler
	sinkHandler     *handler.SinkHandler
}

func New(deps Deps) *Server {
	if deps.Config.Server.Environment == "production" {
		gin.SetMode(gin.ReleaseMode)
	}

	s := &Server{
		router:       gin.New(),
		config:       deps.Config,
		logger:       deps.Logger,
		gate:         deps.Gate,
		checks:       make(map[string]Pinger),
		sink:         deps.Sink,
		startTime:    time.Now(),
		eventHandler: handler.NewEventHandler(deps.Gate, deps.Config.Server.MaxBodyBytes),
		quotaHandler: handler.NewQuotaHandler(deps.Gate),
		sinkHandler:  handler.NewSinkHandler(deps.Sink),
		throttle:     middleware.NewThrottle(deps.Config.Server.AdminRatePerSecond, deps.Config.Server.AdminBurst),
	}
	s.ctx, s.stop = context.WithCancel(context.Background())

	// Typed nil pointers must not end up in the interface map
	if deps.Redis != nil {
		s.checks["redis"] = deps.Redis
	}
	if deps.Postgres != nil {
		s.checks["database"] = deps.Postgres
	}
	if deps.Decisions != nil {
		s.decisionHandler = handler.NewDecisionHandler(deps.Decisions, deps.Config.Database.RetentionDays)
	}

	s.setupMiddleware()
	s.setupRoutes()

	s.httpServer = &http.Server{
		Addr:         ":" + deps.Config.Server.Port,
		Handler:      s.router,
		ReadTimeout:  deps.Config.Server.ReadTimeout,
		WriteTimeout: deps.Config.Server.WriteTimeout,
		IdleTimeout:  deps.Config.Server.IdleTimeout,
	}

	return s
}

func (s *Server) setupMiddleware() {
	s.router.Use(middleware.Recovery(s.logger))
	s.router.Use(middleware.RequestID())
	s.router.Use(middleware.Logger(s.logger))
	s.router.Use(middleware.Metrics())
}

func (s *Server) setupRoutes() {
	s.router.GET("/health", s.healthCheck)
	s.router.GET("/metrics", gin.WrapH(promhttp.Handler()))

	v1 := s.router.Group("/v1/deployments/:deployment")
	{
		v1.POST("/events", s.eventHandler.IngestBatch)
		v1.POST("/event", s.eventHandler.IngestOne)
		v1.GET("/quota", s.quotaHandler.Usage)
	}

	admin := s.router.Group("/admin", s.throttle.Middleware())
	{
		admin.GET("/status", s.adminStatus)
		admin.DELETE("/deployments/:deployment/quota", s.quotaHandler.Reset)
		admin.GET("/sink", s.sinkHandler.Status)
		admin.POST("/sink/reset", s.sinkHandler.ResetCircuitBreakers)

		if s.decisionHandler != nil {
			admin.GET("/decisions", s.decisionHandler.List)
			admin.GET("/decisions/summary", s.decisionHandler.Summary)
			admin.POST("/decisions/cleanup", s.decisionHandler.Cleanup)
		} else {
			admin.GET("/decisions", auditDisabled)
			admin.GET("/decisions/summary", auditDisabled)
			admin.POST("/decisions/cleanup", auditDisabled)
		}
	}
}

func auditDisabled(c *gin.Context) {
	c.JSON(http.StatusServiceUnavailable, gin.H{
		"error": "Decision audit log is disabled, configure database.dsn to enable it",
	})
}

// Pings every configured store. The map holds one reachability flag per store.
func (s *Server) ping(ctx context.Context) (map[string]bool, bool) {
	ctx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()

	results := make(map[string]bool, len(s.checks))
	healthy := true

	for name, p := range s.checks {
		if err := p.Ping(ctx); err != nil {
			healthy = false
			results[name] = false
			s.logger.Warn("health check failed", zap.String("check", name), zap.Error(err))
			continue
		}
		results[name] = true
	}

	return results, healthy
}

func (s *Server) healthCheck(c *gin.Context) {
	results, healthy := s.ping(c.Request.Context())

	checks := gin.H{}
	for name, ok := range results {
		checks[name] = ok
	}
	if s.sink != nil {
		checks["sink"] = s.sink.Status().Overall.String()
	}

	status := "healthy"
	statusCode := http.StatusOK

	if !healthy {
		status = "degraded"
		statusCode = http.StatusServiceUnavailable
	}

	c.JSON(statusCode, gin.H{
		"status":    status,
		"service":   s.config.Logger.ServiceName,
		"version":   Version,
		"timestamp": time.Now().Unix(),
		"checks":    checks,
	})
}

// Limits come from the tracker so that hot-reloaded values show up
func (s *Server) adminStatus(c *gin.Context) {
	stores, _ := s.ping(c.Request.Context())
	limits := s.gate.Limits()

	c.JSON(http.StatusOK, gin.H{
		"gateway":       "running",
		"version":       Version,
		"quota_backend": s.config.Quota.Backend,
		"sink":          s.config.Sink.Type,
		"audit_log":     s.decisionHandler != nil,
		"stores":        stores,
		"limits": gin.H{
			"max_custom_events": limits.MaxCustomEvents,
			"max_bytes":         limits.MaxBytes,
			"window_seconds":    limits.Window.Seconds(),
			"window_mode":       limits.Mode,
		},
		"uptime":    time.Since(s.startTime).Seconds(),
		"timestamp": time.Now().Unix(),
	})
}

// Run blocks until the server stops. A graceful shutdown is not reported as an error.
func (s *Server) Run() error {
	s.logger.Info("starting event gate",
		zap.String("addr", s.httpServer.Addr),
		zap.String("environment", s.config.Server.Environment),
	)

	go s.throttle.Run(s.ctx, time.Minute)

	if err := s.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info("shutting down server")
	s.stop()
	return s.httpServer.Shutdown(ctx)
}

func (s *Server) Router() *gin.Engine {
	return s.router
}
