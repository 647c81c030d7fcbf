package middleware

import (
	"net/http"

	"github.com/labstack/echo/v4"

	"github.com/lyzr/buildqueue/common/identity"
)

// IdentityHeader carries the authenticated caller in "kind:name" form. The
// header is trusted; authentication itself happens upstream (gateway, mTLS).
const IdentityHeader = "X-Identity"

// ExtractIdentity reads the caller identity from the request header and
// attaches it to the request context, where the service layer picks it up.
// Requests without the header run as the anonymous identity.
func ExtractIdentity() echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			raw := c.Request().Header.Get(IdentityHeader)
			if raw == "" {
				return next(c)
			}

			id, err := identity.Parse(raw)
			if err != nil {
				return c.JSON(http.StatusBadRequest, map[string]interface{}{
					"error": err.Error(),
				})
			}

			ctx := identity.WithIdentity(c.Request().Context(), id)
			c.SetRequest(c.Request().WithContext(ctx))
			return next(c)
		}
	}
}
