package handlers

import (
	"net/http"
	"time"

	"github.com/labstack/echo/v4"

	"github.com/lyzr/buildqueue/cmd/buildqueue/container"
	"github.com/lyzr/buildqueue/cmd/buildqueue/service"
	"github.com/lyzr/buildqueue/common/bootstrap"
	"github.com/lyzr/buildqueue/common/models"
)

// BuildHandler handles build lifecycle requests
type BuildHandler struct {
	components *bootstrap.Components
	builds     *service.BuildService
}

// NewBuildHandler creates a new build handler
func NewBuildHandler(c *container.Container) *BuildHandler {
	return &BuildHandler{
		components: c.Components,
		builds:     c.BuildService,
	}
}

// Add creates a new build
// POST /api/v1/builds
func (h *BuildHandler) Add(c echo.Context) error {
	ctx := c.Request().Context()

	var req service.AddRequest
	if err := c.Bind(&req); err != nil {
		return c.JSON(http.StatusBadRequest, map[string]interface{}{
			"error": "invalid request body",
		})
	}

	b, err := h.builds.Add(ctx, &req)
	if err != nil {
		return respondError(c, err)
	}

	return c.JSON(http.StatusCreated, b)
}

// AddBatch creates several builds in one call
// POST /api/v1/builds/batch
func (h *BuildHandler) AddBatch(c echo.Context) error {
	ctx := c.Request().Context()

	var req struct {
		Builds []*service.AddRequest `json:"builds"`
	}
	if err := c.Bind(&req); err != nil {
		return c.JSON(http.StatusBadRequest, map[string]interface{}{
			"error": "invalid request body",
		})
	}

	results, err := h.builds.AddBatch(ctx, req.Builds)
	if err != nil {
		return respondError(c, err)
	}

	out := make([]map[string]interface{}, len(results))
	for i, r := range results {
		item := map[string]interface{}{}
		if r.Build != nil {
			item["build"] = r.Build
		}
		if r.Err != nil {
			item["error"] = r.Err.Error()
		}
		out[i] = item
	}

	return c.JSON(http.StatusOK, map[string]interface{}{
		"results": out,
	})
}

// Get retrieves a build by id
// GET /api/v1/builds/:id
func (h *BuildHandler) Get(c echo.Context) error {
	ctx := c.Request().Context()

	id, err := pathID(c)
	if err != nil {
		return respondError(c, err)
	}

	b, err := h.builds.Get(ctx, id)
	if err != nil {
		return respondError(c, err)
	}

	return c.JSON(http.StatusOK, b)
}

// Retry creates a new build re-running an existing one
// POST /api/v1/builds/:id/retry
func (h *BuildHandler) Retry(c echo.Context) error {
	ctx := c.Request().Context()

	id, err := pathID(c)
	if err != nil {
		return respondError(c, err)
	}

	var req service.RetryRequest
	if err := c.Bind(&req); err != nil {
		return c.JSON(http.StatusBadRequest, map[string]interface{}{
			"error": "invalid request body",
		})
	}
	req.BuildID = id

	b, err := h.builds.Retry(ctx, &req)
	if err != nil {
		return respondError(c, err)
	}

	return c.JSON(http.StatusCreated, b)
}

// Lease attempts to acquire the build for the caller
// POST /api/v1/builds/:id/lease
func (h *BuildHandler) Lease(c echo.Context) error {
	ctx := c.Request().Context()

	id, err := pathID(c)
	if err != nil {
		return respondError(c, err)
	}

	var req struct {
		LeaseExpiration time.Time `json:"lease_expiration"`
	}
	if err := c.Bind(&req); err != nil {
		return c.JSON(http.StatusBadRequest, map[string]interface{}{
			"error": "invalid request body",
		})
	}

	granted, b, err := h.builds.Lease(ctx, id, req.LeaseExpiration)
	if err != nil {
		return respondError(c, err)
	}

	resp := map[string]interface{}{
		"granted": granted,
		"build":   b,
	}
	if granted && b.LeaseKey != nil {
		// The key is returned exactly once, to the holder.
		resp["lease_key"] = *b.LeaseKey
	}
	return c.JSON(http.StatusOK, resp)
}

// Reset forcibly returns an incomplete build to the queue
// POST /api/v1/builds/:id/reset
func (h *BuildHandler) Reset(c echo.Context) error {
	ctx := c.Request().Context()

	id, err := pathID(c)
	if err != nil {
		return respondError(c, err)
	}

	b, err := h.builds.Reset(ctx, id)
	if err != nil {
		return respondError(c, err)
	}

	return c.JSON(http.StatusOK, b)
}

// Start marks a leased build as started
// POST /api/v1/builds/:id/start
func (h *BuildHandler) Start(c echo.Context) error {
	ctx := c.Request().Context()

	id, err := pathID(c)
	if err != nil {
		return respondError(c, err)
	}

	var req struct {
		LeaseKey string  `json:"lease_key"`
		URL      *string `json:"url"`
	}
	if err := c.Bind(&req); err != nil {
		return c.JSON(http.StatusBadRequest, map[string]interface{}{
			"error": "invalid request body",
		})
	}

	b, err := h.builds.Start(ctx, id, req.LeaseKey, req.URL)
	if err != nil {
		return respondError(c, err)
	}

	return c.JSON(http.StatusOK, b)
}

// Heartbeat extends the lease on a held build
// POST /api/v1/builds/:id/heartbeat
func (h *BuildHandler) Heartbeat(c echo.Context) error {
	ctx := c.Request().Context()

	id, err := pathID(c)
	if err != nil {
		return respondError(c, err)
	}

	var req struct {
		LeaseKey        string    `json:"lease_key"`
		LeaseExpiration time.Time `json:"lease_expiration"`
	}
	if err := c.Bind(&req); err != nil {
		return c.JSON(http.StatusBadRequest, map[string]interface{}{
			"error": "invalid request body",
		})
	}

	b, err := h.builds.Heartbeat(ctx, id, req.LeaseKey, req.LeaseExpiration)
	if err != nil {
		return respondError(c, err)
	}

	return c.JSON(http.StatusOK, b)
}

// HeartbeatBatch extends many leases in one call
// POST /api/v1/builds/heartbeat
func (h *BuildHandler) HeartbeatBatch(c echo.Context) error {
	ctx := c.Request().Context()

	var req struct {
		Heartbeats []service.HeartbeatRequest `json:"heartbeats"`
	}
	if err := c.Bind(&req); err != nil {
		return c.JSON(http.StatusBadRequest, map[string]interface{}{
			"error": "invalid request body",
		})
	}

	results, err := h.builds.HeartbeatBatch(ctx, req.Heartbeats)
	if err != nil {
		return respondError(c, err)
	}

	out := make([]map[string]interface{}, len(results))
	for i, r := range results {
		item := map[string]interface{}{
			"build_id": r.BuildID,
		}
		if r.Build != nil {
			item["lease_expiration"] = r.Build.LeaseExpirationDate
		}
		if r.Err != nil {
			item["error"] = r.Err.Error()
		}
		out[i] = item
	}

	return c.JSON(http.StatusOK, map[string]interface{}{
		"results": out,
	})
}

// completionRequest is the shared body of succeed/fail calls.
type completionRequest struct {
	LeaseKey      string         `json:"lease_key"`
	ResultDetails map[string]any `json:"result_details"`
	NewTags       []string       `json:"new_tags"`
	URL           *string        `json:"url"`
}

// Succeed completes a leased build with SUCCESS
// POST /api/v1/builds/:id/succeed
func (h *BuildHandler) Succeed(c echo.Context) error {
	ctx := c.Request().Context()

	id, err := pathID(c)
	if err != nil {
		return respondError(c, err)
	}

	var req completionRequest
	if err := c.Bind(&req); err != nil {
		return c.JSON(http.StatusBadRequest, map[string]interface{}{
			"error": "invalid request body",
		})
	}

	b, err := h.builds.Succeed(ctx, id, req.LeaseKey, req.ResultDetails, req.NewTags, req.URL)
	if err != nil {
		return respondError(c, err)
	}

	return c.JSON(http.StatusOK, b)
}

// Fail completes a leased build with FAILURE
// POST /api/v1/builds/:id/fail
func (h *BuildHandler) Fail(c echo.Context) error {
	ctx := c.Request().Context()

	id, err := pathID(c)
	if err != nil {
		return respondError(c, err)
	}

	var req struct {
		completionRequest
		FailureReason models.FailureReason `json:"failure_reason"`
	}
	if err := c.Bind(&req); err != nil {
		return c.JSON(http.StatusBadRequest, map[string]interface{}{
			"error": "invalid request body",
		})
	}

	b, err := h.builds.Fail(ctx, id, req.LeaseKey, req.FailureReason, req.ResultDetails, req.NewTags, req.URL)
	if err != nil {
		return respondError(c, err)
	}

	return c.JSON(http.StatusOK, b)
}

// Cancel terminates a build from the outside
// POST /api/v1/builds/:id/cancel
func (h *BuildHandler) Cancel(c echo.Context) error {
	ctx := c.Request().Context()

	id, err := pathID(c)
	if err != nil {
		return respondError(c, err)
	}

	var req struct {
		ResultDetails map[string]any `json:"result_details"`
	}
	if err := c.Bind(&req); err != nil {
		return c.JSON(http.StatusBadRequest, map[string]interface{}{
			"error": "invalid request body",
		})
	}

	b, err := h.builds.Cancel(ctx, id, req.ResultDetails)
	if err != nil {
		return respondError(c, err)
	}

	return c.JSON(http.StatusOK, b)
}
