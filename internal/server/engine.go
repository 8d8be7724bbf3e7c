package server

import (
	"strings"

	"copilot2api-go/internal/config"
	mw "copilot2api-go/internal/middleware"
	"github.com/gin-gonic/gin"
)

// Workload paths served by the upstream without a version prefix.
var workloadRoutes = []string{"/chat/completions", "/responses", "/embeddings"}

func (s *Server) buildEngine(cfg *config.Config) *gin.Engine {
	engine := gin.New()
	applyStandardEngineSettings(engine, cfg)

	root := engine.Group(cfg.Server.BasePath)
	root.GET("/healthz", s.healthz)
	root.GET("/metrics", mw.MetricsHandler())

	for _, p := range workloadRoutes {
		root.Any(p, s.proxyTo(p))
	}
	root.GET("/models", s.proxyTo("/models"))
	root.Any("/v1/*path", s.proxyTo(""))

	admin := root.Group("/admin", mw.ManagementAuth(s.cfg))
	s.registerAdminRoutes(admin)
	return engine
}

// applyStandardEngineSettings installs the middleware stack shared by every route.
func applyStandardEngineSettings(engine *gin.Engine, cfg *config.Config) {
	if !cfg.Security.Debug && gin.Mode() != gin.TestMode {
		gin.SetMode(gin.ReleaseMode)
	}
	_ = engine.SetTrustedProxies(nil)

	engine.Use(mw.Recovery(), mw.RequestID(), mw.Metrics(), mw.RequestLogger())
	if cfg.RateLimit.Enabled {
		engine.Use(rateLimitWorkload(cfg.Server.BasePath, mw.RateLimiter(cfg.RateLimit.RPS, cfg.RateLimit.Burst)))
	}
}

// rateLimitWorkload applies limiter to everything except the management and
// health routes.
func rateLimitWorkload(basePath string, limiter gin.HandlerFunc) gin.HandlerFunc {
	exempt := []string{joinBasePath(basePath, "/admin"), joinBasePath(basePath, "/healthz"), joinBasePath(basePath, "/metrics")}
	return func(c *gin.Context) {
		p := c.Request.URL.Path
		for _, prefix := range exempt {
			if strings.HasPrefix(p, prefix) {
				c.Next()
				return
			}
		}
		limiter(c)
	}
}

func joinBasePath(basePath, suffix string) string {
	if basePath == "" {
		return suffix
	}
	return strings.TrimRight(basePath, "/") + suffix
}
