package handlers

import (
	"net/http"
	"strconv"
	"strings"

	"github.com/labstack/echo/v4"

	"github.com/lyzr/buildqueue/cmd/buildqueue/container"
	"github.com/lyzr/buildqueue/cmd/buildqueue/service"
	"github.com/lyzr/buildqueue/common/bootstrap"
	"github.com/lyzr/buildqueue/common/identity"
	"github.com/lyzr/buildqueue/common/models"
)

// SearchHandler handles build listing requests
type SearchHandler struct {
	components *bootstrap.Components
	builds     *service.BuildService
}

// NewSearchHandler creates a new search handler
func NewSearchHandler(c *container.Container) *SearchHandler {
	return &SearchHandler{
		components: c.Components,
		builds:     c.BuildService,
	}
}

// Search lists builds matching query filters, newest first
// GET /api/v1/builds?bucket=a&bucket=b&tag=buildset:x&status=SCHEDULED&limit=25&cursor=...
func (h *SearchHandler) Search(c echo.Context) error {
	ctx := c.Request().Context()

	req := &service.SearchRequest{
		Buckets:           c.QueryParams()["bucket"],
		Tags:              c.QueryParams()["tag"],
		Status:            models.BuildStatus(c.QueryParam("status")),
		Result:            models.BuildResult(c.QueryParam("result")),
		FailureReason:     models.FailureReason(c.QueryParam("failure_reason")),
		CancelationReason: models.CancelationReason(c.QueryParam("cancelation_reason")),
		CreatedBy:         identity.Identity(c.QueryParam("created_by")),
		Cursor:            c.QueryParam("cursor"),
	}
	if v := c.QueryParam("retry_of"); v != "" {
		id, err := strconv.ParseInt(v, 10, 64)
		if err != nil {
			return c.JSON(http.StatusBadRequest, map[string]interface{}{
				"error": "invalid retry_of",
			})
		}
		req.RetryOf = id
	}
	if v := c.QueryParam("limit"); v != "" {
		limit, err := strconv.Atoi(v)
		if err != nil {
			return c.JSON(http.StatusBadRequest, map[string]interface{}{
				"error": "invalid limit",
			})
		}
		req.Limit = limit
	}

	builds, cursor, err := h.builds.Search(ctx, req)
	if err != nil {
		return respondError(c, err)
	}

	return c.JSON(http.StatusOK, map[string]interface{}{
		"builds":      builds,
		"next_cursor": cursor,
	})
}

// Peek returns the oldest scheduled unleased builds of the given buckets
// GET /api/v1/peek?bucket=a,b&limit=10&cursor=...
func (h *SearchHandler) Peek(c echo.Context) error {
	ctx := c.Request().Context()

	var buckets []string
	for _, raw := range c.QueryParams()["bucket"] {
		for _, b := range strings.Split(raw, ",") {
			if b = strings.TrimSpace(b); b != "" {
				buckets = append(buckets, b)
			}
		}
	}

	limit := 0
	if v := c.QueryParam("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return c.JSON(http.StatusBadRequest, map[string]interface{}{
				"error": "invalid limit",
			})
		}
		limit = n
	}

	builds, cursor, err := h.builds.Peek(ctx, buckets, limit, c.QueryParam("cursor"))
	if err != nil {
		return respondError(c, err)
	}

	return c.JSON(http.StatusOK, map[string]interface{}{
		"builds":      builds,
		"next_cursor": cursor,
	})
}
