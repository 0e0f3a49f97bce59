// Package router wires the document chat HTTP routes.
package router

import (
	"github.com/gin-gonic/gin"
	"github.com/kart-io/logger"

	"github.com/kart-io/docchat/internal/docchat/handler"
	"github.com/kart-io/docchat/pkg/errors"
	"github.com/kart-io/docchat/pkg/infra/middleware"
	"github.com/kart-io/docchat/pkg/utils/response"
)

// Config controls engine construction.
type Config struct {
	// Mode is the gin mode.
	Mode string
	// MaxBodyBytes limits request bodies; zero disables the limit.
	MaxBodyBytes int64
	// Tracing enables the server span middleware.
	Tracing bool
}

// New builds the gin engine with middlewares and every route registered.
func New(cfg Config, h *handler.Handler) *gin.Engine {
	if cfg.Mode != "" {
		gin.SetMode(cfg.Mode)
	}

	engine := gin.New()
	engine.Use(middleware.Recovery(), middleware.RequestID())
	if cfg.Tracing {
		engine.Use(middleware.Tracing())
	}
	engine.Use(middleware.Logger())
	if cfg.MaxBodyBytes > 0 {
		engine.Use(middleware.BodyLimit(cfg.MaxBodyBytes))
	}

	engine.NoRoute(func(c *gin.Context) {
		response.Fail(c, errors.ErrRouteNotFound.WithMessagef("route %s %s not found", c.Request.Method, c.Request.URL.Path))
	})

	Register(engine, h)
	return engine
}

// Register registers the service routes on r.
func Register(r gin.IRouter, h *handler.Handler) {
	r.GET("/healthz", h.Healthz)
	r.GET("/readyz", h.Readyz)
	r.GET("/metrics", h.Metrics)

	v1 := r.Group("/v1")
	{
		sessions := v1.Group("/sessions")
		{
			sessions.POST("", h.CreateSession)
			sessions.GET("", h.ListSessions)
			sessions.GET("/:id", h.GetSession)
			sessions.DELETE("/:id", h.CloseSession)

			sessions.POST("/:id/messages", h.Submit)
			sessions.GET("/:id/messages", h.History)
			sessions.POST("/:id/messages/stream", h.Stream)
		}

		v1.GET("/index/stats", h.IndexStats)
	}

	logger.Info("HTTP routes registered")
}
