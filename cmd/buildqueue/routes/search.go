package routes

import (
	"github.com/labstack/echo/v4"

	"github.com/lyzr/buildqueue/cmd/buildqueue/container"
	"github.com/lyzr/buildqueue/cmd/buildqueue/handlers"
)

// RegisterSearchRoutes registers listing and peek routes
func RegisterSearchRoutes(e *echo.Echo, c *container.Container) {
	h := handlers.NewSearchHandler(c)

	e.GET("/api/v1/builds", h.Search) // GET /api/v1/builds?bucket=ci&tag=buildset:x
	e.GET("/api/v1/peek", h.Peek)     // GET /api/v1/peek?bucket=ci
}
