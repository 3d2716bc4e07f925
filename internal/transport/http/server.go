// Package http is the thin adapter translating the inbound HTTP surface
// (spec §6) onto the in-process core API. It owns no domain state of its
// own — every handler is a direct call into registry, health, loadbalancer,
// or discovery.
package http

import (
	"context"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/central-mcp/server/internal/core"
	"github.com/central-mcp/server/internal/discovery"
	"github.com/central-mcp/server/internal/loadbalancer"
	"github.com/central-mcp/server/internal/registry"
	"github.com/central-mcp/server/internal/transport/http/auth"
	"github.com/central-mcp/server/pkg/apierrors"
	"github.com/central-mcp/server/pkg/observability"
)

// Server wraps a gin Engine bound to a Core.
type Server struct {
	engine *gin.Engine
	core   *core.Core
	logger observability.Logger
}

// Config tunes the adapter's listener and auth.
type Config struct {
	JWTSigningKey string
	ReadTimeout   time.Duration
	WriteTimeout  time.Duration
}

// NewServer builds the gin router and registers every route named in
// spec §6's inbound HTTP surface table.
func NewServer(c *core.Core, cfg Config, logger observability.Logger) *Server {
	if logger == nil {
		logger = observability.NewNoopLogger()
	}

	engine := gin.New()
	engine.Use(gin.Recovery())
	engine.Use(tracingMiddleware())
	engine.Use(requestLogger(logger))

	s := &Server{engine: engine, core: c, logger: logger}
	s.registerRoutes(cfg.JWTSigningKey)
	return s
}

// Engine exposes the underlying gin.Engine, e.g. for http.Server wiring.
func (s *Server) Engine() *gin.Engine {
	return s.engine
}

func (s *Server) registerRoutes(jwtSigningKey string) {
	authed := auth.Middleware(jwtSigningKey)

	mcp := s.engine.Group("/mcp/servers")
	{
		mcp.POST("", authed, s.handleRegister)
		mcp.GET("", s.handleAll)
		mcp.GET("/healthy", s.handleHealthy)
		mcp.GET("/capability/:cap", s.handleByCapability)
		mcp.GET("/:id", s.handleGet)
		mcp.DELETE("/:id", authed, s.handleUnregister)
		mcp.POST("/:id/health-check", authed, s.handleHealthCheck)
		mcp.GET("/next/:cap", s.handleNextDefault)
	}

	lbGroup := s.engine.Group("/loadbalancer")
	{
		lbGroup.POST("/next/:cap", s.handleNext)
		lbGroup.POST("/release/:id", s.handleRelease)
	}

	discGroup := s.engine.Group("/discovery")
	{
		discGroup.GET("/services/:cap", s.handleDiscover)
		discGroup.GET("/capabilities", s.handleCapabilities)
		discGroup.POST("/best-server/:cap", s.handleBestServer)
	}

	admin := s.engine.Group("/mcp/admin")
	{
		admin.GET("/stats", s.handleAdminStats)
		admin.GET("/circuit-breakers", s.handleAdminCircuitBreakers)
		admin.GET("/bulkhead", s.handleAdminBulkhead)
	}
}

// handleAdminStats exposes the Registry's aggregate/capability breakdown —
// a diagnostic introspection endpoint named in SPEC_FULL.md's supplemented
// features. It never affects selection or health semantics.
func (s *Server) handleAdminStats(c *gin.Context) {
	c.JSON(http.StatusOK, s.core.Registry.Stats())
}

// handleAdminCircuitBreakers exposes every per-server circuit breaker's
// metrics, per SPEC_FULL.md's supplemented admin introspection endpoints.
func (s *Server) handleAdminCircuitBreakers(c *gin.Context) {
	c.JSON(http.StatusOK, s.core.Prober.BreakerMetrics())
}

// handleAdminBulkhead exposes the health prober's tick-loop bulkhead stats,
// per SPEC_FULL.md's supplemented admin introspection endpoints.
func (s *Server) handleAdminBulkhead(c *gin.Context) {
	c.JSON(http.StatusOK, s.core.Prober.BulkheadStats())
}

// tracingMiddleware opens one span per request, named after the matched
// route, and closes it with the final response status.
func tracingMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		ctx, span := observability.StartSpan(c.Request.Context(), c.Request.Method+" "+c.FullPath())
		defer span.End()
		span.SetAttribute("http.method", c.Request.Method)
		span.SetAttribute("http.target", c.Request.URL.Path)

		c.Request = c.Request.WithContext(ctx)
		c.Next()

		span.SetAttribute("http.status_code", c.Writer.Status())
		if len(c.Errors) > 0 {
			span.SetStatus(2, c.Errors.String())
		}
	}
}

func requestLogger(logger observability.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		logger.Debug("request handled", map[string]interface{}{
			"method":   c.Request.Method,
			"path":     c.Request.URL.Path,
			"status":   c.Writer.Status(),
			"duration": time.Since(start).String(),
		})
	}
}

func writeError(c *gin.Context, err error) {
	if apiErr, ok := err.(*apierrors.Error); ok {
		c.JSON(apiErr.HTTPStatus(), gin.H{"error": apiErr.Message, "details": apiErr.Detail})
		return
	}
	c.JSON(http.StatusInternalServerError, gin.H{"error": "internal error"})
}

type registerRequest struct {
	Name         string                 `json:"name"`
	URL          string                 `json:"url"`
	Description  string                 `json:"description"`
	Capabilities []string               `json:"capabilities"`
	Metadata     map[string]interface{} `json:"metadata"`
}

func (s *Server) handleRegister(c *gin.Context) {
	var req registerRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		writeError(c, apierrors.InvalidInput("malformed request body").WithDetail(err.Error()))
		return
	}
	id, err := s.core.Registry.Register(registry.RegisterInput{
		Name:         req.Name,
		URL:          req.URL,
		Description:  req.Description,
		Capabilities: req.Capabilities,
		Metadata:     req.Metadata,
	})
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusCreated, gin.H{"id": id})
}

func (s *Server) handleAll(c *gin.Context) {
	c.JSON(http.StatusOK, s.core.Registry.All())
}

func (s *Server) handleHealthy(c *gin.Context) {
	c.JSON(http.StatusOK, s.core.Registry.Healthy())
}

func (s *Server) handleByCapability(c *gin.Context) {
	c.JSON(http.StatusOK, s.core.Registry.ByCapability(c.Param("cap")))
}

func (s *Server) handleGet(c *gin.Context) {
	server := s.core.Registry.Get(c.Param("id"))
	if server == nil {
		writeError(c, apierrors.NotFound("server not found"))
		return
	}
	c.JSON(http.StatusOK, server)
}

func (s *Server) handleUnregister(c *gin.Context) {
	removed := s.core.Registry.Unregister(c.Param("id"))
	c.JSON(http.StatusOK, gin.H{"removed": removed})
}

func (s *Server) handleHealthCheck(c *gin.Context) {
	ctx, cancel := contextWithHTTPDeadline(c)
	defer cancel()
	if err := s.core.Prober.ProbeNow(ctx, c.Param("id")); err != nil {
		writeError(c, apierrors.InvalidInput(err.Error()))
		return
	}
	c.JSON(http.StatusOK, gin.H{"probed": true})
}

func (s *Server) handleNextDefault(c *gin.Context) {
	s.selectAndRespond(c, c.Param("cap"), loadbalancer.PolicyRoundRobin, loadbalancer.Options{})
}

type nextRequest struct {
	Strategy string         `json:"strategy"`
	Options  nextReqOptions `json:"options"`
}

type nextReqOptions struct {
	Weights map[string]int `json:"weights"`
}

func (s *Server) handleNext(c *gin.Context) {
	var req nextRequest
	_ = c.ShouldBindJSON(&req)
	policy := loadbalancer.Policy(req.Strategy)
	if policy == "" {
		policy = loadbalancer.PolicyRoundRobin
	}
	s.selectAndRespond(c, c.Param("cap"), policy, loadbalancer.Options{Weights: req.Options.Weights})
}

func (s *Server) selectAndRespond(c *gin.Context, capability string, policy loadbalancer.Policy, opts loadbalancer.Options) {
	server := s.core.LoadBalancer.Next(capability, policy, opts)
	if server == nil {
		writeError(c, apierrors.NoCandidates("no healthy server available for capability").WithDetail(capability))
		return
	}
	c.JSON(http.StatusOK, server)
}

func (s *Server) handleRelease(c *gin.Context) {
	s.core.LoadBalancer.Release(c.Param("id"))
	c.JSON(http.StatusOK, gin.H{"released": true})
}

func (s *Server) handleDiscover(c *gin.Context) {
	c.JSON(http.StatusOK, s.core.Discovery.Discover(c.Param("cap")))
}

func (s *Server) handleCapabilities(c *gin.Context) {
	c.JSON(http.StatusOK, s.core.Discovery.Capabilities())
}

type bestServerRequest struct {
	Metadata     map[string]interface{} `json:"metadata"`
	MinUptimeMs  int64                   `json:"minUptimeMs"`
	Strategy     string                  `json:"strategy"`
}

func (s *Server) handleBestServer(c *gin.Context) {
	var req bestServerRequest
	_ = c.ShouldBindJSON(&req)

	criteria := discovery.Criteria{
		Metadata:  req.Metadata,
		MinUptime: time.Duration(req.MinUptimeMs) * time.Millisecond,
		Strategy:  discovery.Strategy(req.Strategy),
	}
	server := s.core.Discovery.BestServer(c.Param("cap"), criteria)
	if server == nil {
		writeError(c, apierrors.NoCandidates("no server matched criteria").WithDetail(c.Param("cap")))
		return
	}
	c.JSON(http.StatusOK, server)
}

func contextWithHTTPDeadline(c *gin.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(c.Request.Context(), 10*time.Second)
}
