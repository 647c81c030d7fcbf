package handlers

import (
	"errors"
	"net/http"
	"strconv"

	"github.com/labstack/echo/v4"

	buildqerrors "github.com/lyzr/buildqueue/common/errors"
)

// respondError maps service errors onto HTTP status codes.
func respondError(c echo.Context, err error) error {
	var (
		invalid    *buildqerrors.InvalidInputError
		notFound   *buildqerrors.BuildNotFoundError
		permission *buildqerrors.PermissionError
		expired    *buildqerrors.LeaseExpiredError
		completed  *buildqerrors.BuildIsCompletedError
		throttled  *buildqerrors.TooManyBuildsError
	)

	status := http.StatusInternalServerError
	switch {
	case errors.As(err, &invalid):
		status = http.StatusBadRequest
	case errors.As(err, &notFound):
		status = http.StatusNotFound
	case errors.As(err, &permission):
		status = http.StatusForbidden
	case errors.As(err, &expired), errors.As(err, &completed):
		status = http.StatusConflict
	case errors.As(err, &throttled):
		status = http.StatusTooManyRequests
	}

	return c.JSON(status, map[string]interface{}{
		"error": err.Error(),
	})
}

// pathID parses the :id route parameter.
func pathID(c echo.Context) (int64, error) {
	id, err := strconv.ParseInt(c.Param("id"), 10, 64)
	if err != nil || id <= 0 {
		return 0, buildqerrors.NewInvalidInput("invalid build id %q", c.Param("id"))
	}
	return id, nil
}
