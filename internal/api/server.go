package api

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog"

	"AutoInvest/internal/broker"
	"AutoInvest/internal/idempotency"
	"AutoInvest/internal/insight"
	"AutoInvest/internal/model"
	"AutoInvest/internal/schedule"
	"AutoInvest/internal/store"
)

// ServerConfig holds HTTP server settings.
type ServerConfig struct {
	Addr               string
	ProductionMode     bool
	AllowedOrigins     []string
	IdempotencyTTL     time.Duration
	IdempotencyLockTTL time.Duration
	DefaultCurrency    string
}

// Deps are the services the handlers call into. Snapshots may be nil, in
// which case requests must carry the snapshot inline.
type Deps struct {
	Store       store.Store
	Schedules   *schedule.Manager
	Snapshots   broker.SnapshotSource
	Insights    *insight.Generator
	Idempotency idempotency.Store
	Now         func() time.Time
}

// Server is the HTTP API.
type Server struct {
	router     *gin.Engine
	httpServer *http.Server
	config     ServerConfig
	deps       Deps
	log        zerolog.Logger
}

// NewServer creates a new API server
func NewServer(config ServerConfig, deps Deps, log zerolog.Logger) *Server {
	if config.ProductionMode {
		gin.SetMode(gin.ReleaseMode)
	} else {
		gin.SetMode(gin.DebugMode)
	}
	if config.DefaultCurrency == "" {
		config.DefaultCurrency = "USD"
	}
	if deps.Now == nil {
		deps.Now = time.Now
	}

	router := gin.New()
	log = log.With().Str("component", "api").Logger()
	router.Use(requestLogger(log))
	router.Use(gin.Recovery())

	corsConfig := cors.DefaultConfig()
	if len(config.AllowedOrigins) > 0 {
		corsConfig.AllowOrigins = config.AllowedOrigins
	} else {
		corsConfig.AllowAllOrigins = true
	}
	corsConfig.AllowMethods = []string{"GET", "POST", "PUT", "PATCH", "DELETE", "OPTIONS"}
	corsConfig.AllowHeaders = []string{"Origin", "Content-Type", "Authorization", idempotency.Header}
	corsConfig.ExposeHeaders = []string{"Content-Length", idempotency.ReplayedHeader}
	router.Use(cors.New(corsConfig))

	s := &Server{router: router, config: config, deps: deps, log: log}
	s.setupRoutes()
	return s
}

func (s *Server) setupRoutes() {
	v1 := s.router.Group("/api/v1")
	v1.GET("/health", s.handleHealth)

	account := v1.Group("/accounts/:account_id")
	if s.deps.Idempotency != nil {
		account.Use(idempotency.Middleware(s.deps.Idempotency, idempotency.Options{
			TTL:     s.config.IdempotencyTTL,
			LockTTL: s.config.IdempotencyLockTTL,
		}, s.log))
	}

	schedules := account.Group("/schedules")
	{
		schedules.POST("", s.handleCreateSchedule)
		schedules.GET("", s.handleListSchedules)
		schedules.GET("/:id", s.handleGetSchedule)
		schedules.PATCH("/:id", s.handleUpdateSchedule)
		schedules.DELETE("/:id", s.handleCancelSchedule)
		schedules.POST("/:id/pause", s.handlePauseSchedule)
		schedules.POST("/:id/resume", s.handleResumeSchedule)
		schedules.GET("/:id/audit", s.handleScheduleAudit)
		schedules.GET("/:id/executions", s.handleScheduleExecutions)
	}

	ips := account.Group("/ips")
	{
		ips.GET("", s.handleGetPolicy)
		ips.PUT("", s.handlePutPolicy)
		ips.POST("/validate", s.handleValidatePolicy)
	}

	account.POST("/insights", s.handleInsights)
}

// Handler exposes the router, mainly for tests.
func (s *Server) Handler() http.Handler { return s.router }

// Start starts the HTTP server and blocks until it stops.
func (s *Server) Start() error {
	s.httpServer = &http.Server{
		Addr:         s.config.Addr,
		Handler:      s.router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}
	s.log.Info().Str("addr", s.config.Addr).Msg("starting HTTP server")

	if err := s.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("failed to start server: %w", err)
	}
	return nil
}

// Shutdown gracefully shuts down the server
func (s *Server) Shutdown(ctx context.Context) error {
	s.log.Info().Msg("shutting down HTTP server")
	if s.httpServer != nil {
		return s.httpServer.Shutdown(ctx)
	}
	return nil
}

func (s *Server) handleHealth(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"status": "healthy",
		"time":   s.deps.Now().UTC(),
	})
}

func requestLogger(log zerolog.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()

		ev := log.Debug()
		if c.Writer.Status() >= http.StatusInternalServerError {
			ev = log.Warn()
		}
		ev.Str("method", c.Request.Method).
			Str("path", c.FullPath()).
			Int("status", c.Writer.Status()).
			Dur("latency", time.Since(start)).
			Msg("request")
	}
}

// errorResponse is a helper to send error responses
func errorResponse(c *gin.Context, statusCode int, message string) {
	c.JSON(statusCode, gin.H{
		"error":   true,
		"message": message,
	})
}

// successResponse is a helper to send success responses
func successResponse(c *gin.Context, data interface{}) {
	c.JSON(http.StatusOK, gin.H{
		"success": true,
		"data":    data,
	})
}

func createdResponse(c *gin.Context, data interface{}) {
	c.JSON(http.StatusCreated, gin.H{
		"success": true,
		"data":    data,
	})
}

// writeError maps domain errors onto HTTP statuses.
func (s *Server) writeError(c *gin.Context, err error) {
	var ve *model.ValidationError
	switch {
	case errors.As(err, &ve):
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   true,
			"message": ve.Error(),
			"field":   ve.Field,
		})
	case errors.Is(err, model.ErrInvalidTransition), errors.Is(err, model.ErrConcurrentUpdate):
		errorResponse(c, http.StatusConflict, err.Error())
	case errors.Is(err, model.ErrNotFound):
		errorResponse(c, http.StatusNotFound, err.Error())
	case errors.Is(err, model.ErrConsistency):
		errorResponse(c, http.StatusUnprocessableEntity, err.Error())
	case errors.Is(err, model.ErrDownstreamUnavailable):
		errorResponse(c, http.StatusServiceUnavailable, err.Error())
	default:
		s.log.Error().Err(err).Str("path", c.FullPath()).Msg("request failed")
		errorResponse(c, http.StatusInternalServerError, "internal error")
	}
}

// bindJSON decodes the body, reporting malformed input as a validation error.
func (s *Server) bindJSON(c *gin.Context, dst any) bool {
	if err := c.ShouldBindJSON(dst); err != nil {
		var ve *model.ValidationError
		if !errors.As(err, &ve) {
			err = model.Invalid("body", "%v", err)
		}
		s.writeError(c, err)
		return false
	}
	return true
}
