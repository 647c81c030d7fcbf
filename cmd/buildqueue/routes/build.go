package routes

import (
	"github.com/labstack/echo/v4"

	"github.com/lyzr/buildqueue/cmd/buildqueue/container"
	"github.com/lyzr/buildqueue/cmd/buildqueue/handlers"
	"github.com/lyzr/buildqueue/cmd/buildqueue/middleware"
)

// RegisterBuildRoutes registers all build lifecycle routes
func RegisterBuildRoutes(e *echo.Echo, c *container.Container) {
	h := handlers.NewBuildHandler(c)
	throttle := middleware.CreationRateLimit(c.Limiter, c.Components.Config.RateLimit)

	builds := e.Group("/api/v1/builds")
	{
		builds.POST("", h.Add, throttle)             // POST /api/v1/builds
		builds.POST("/batch", h.AddBatch, throttle)  // POST /api/v1/builds/batch
		builds.POST("/heartbeat", h.HeartbeatBatch)  // POST /api/v1/builds/heartbeat
		builds.GET("/:id", h.Get)                    // GET /api/v1/builds/123
		builds.POST("/:id/retry", h.Retry, throttle) // POST /api/v1/builds/123/retry
		builds.POST("/:id/lease", h.Lease)           // POST /api/v1/builds/123/lease
		builds.POST("/:id/reset", h.Reset)           // POST /api/v1/builds/123/reset
		builds.POST("/:id/start", h.Start)           // POST /api/v1/builds/123/start
		builds.POST("/:id/heartbeat", h.Heartbeat)   // POST /api/v1/builds/123/heartbeat
		builds.POST("/:id/succeed", h.Succeed)       // POST /api/v1/builds/123/succeed
		builds.POST("/:id/fail", h.Fail)             // POST /api/v1/builds/123/fail
		builds.POST("/:id/cancel", h.Cancel)         // POST /api/v1/builds/123/cancel
	}
}
