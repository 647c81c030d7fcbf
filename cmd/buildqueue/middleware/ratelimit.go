package middleware

import (
	"net/http"

	"github.com/labstack/echo/v4"

	"github.com/lyzr/buildqueue/common/config"
	"github.com/lyzr/buildqueue/common/identity"
	"github.com/lyzr/buildqueue/common/ratelimit"
)

// CreationRateLimit throttles build creation per caller identity. The check
// fails open: when Redis is unreachable, creation proceeds.
func CreationRateLimit(limiter *ratelimit.Limiter, cfg config.RateLimitConfig) echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			if limiter == nil || !cfg.Enabled {
				return next(c)
			}

			id := identity.FromContext(c.Request().Context())
			result, err := limiter.CheckCreator(c.Request().Context(), id, cfg.CreatorLimit, cfg.WindowSeconds)
			if err != nil {
				return next(c)
			}

			if !result.Allowed {
				return c.JSON(http.StatusTooManyRequests, map[string]interface{}{
					"error": "creation rate limit exceeded",
					"details": map[string]interface{}{
						"limit":               result.Limit,
						"current_count":       result.CurrentCount,
						"retry_after_seconds": result.RetryAfterSeconds,
					},
				})
			}

			return next(c)
		}
	}
}
