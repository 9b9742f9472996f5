package controller

import (
	"context"
	"encoding/json"
	"strconv"
	"time"

	"workbench/internal/common/storage"
	"workbench/internal/render/dispatcher"
	appErr "workbench/pkg/errors"
	"workbench/pkg/utils/response"

	"github.com/gin-gonic/gin"
)

const healthTimeout = 2 * time.Second

// LockLister reports the workflows this worker is rendering.
type LockLister interface {
	Held() []int64
}

// RenderPublisher queues render requests.
type RenderPublisher interface {
	Publish(ctx context.Context, req dispatcher.Request) error
}

// RenderReader reads stored renders.
type RenderReader interface {
	Fetch(ctx context.Context, workflowID, deltaID int64) ([]byte, error)
	Stat(ctx context.Context, workflowID, deltaID int64) (storage.ObjectStat, error)
}

// HealthCheck probes one dependency.
type HealthCheck struct {
	Name  string
	Check func(ctx context.Context) error
}

// RenderController serves the worker's admin API.
type RenderController struct {
	locks     LockLister
	publisher RenderPublisher
	renders   RenderReader
	checks    []HealthCheck
}

// NewRenderController creates a new controller.
func NewRenderController(locks LockLister, publisher RenderPublisher, renders RenderReader, checks ...HealthCheck) *RenderController {
	return &RenderController{locks: locks, publisher: publisher, renders: renders, checks: checks}
}

// Register mounts the routes on router.
func (h *RenderController) Register(router gin.IRouter) {
	router.GET("/healthz", h.Health)
	api := router.Group("/api/v1/render")
	api.GET("/locks", h.ListLocks)
	api.POST("/workflows/:id/requests", h.Enqueue)
	api.GET("/workflows/:id/deltas/:delta", h.GetRender)
	api.GET("/workflows/:id/deltas/:delta/meta", h.GetRenderMeta)
}

// Health probes every dependency.
func (h *RenderController) Health(c *gin.Context) {
	ctx, cancel := context.WithTimeout(c.Request.Context(), healthTimeout)
	defer cancel()
	status := make(map[string]string, len(h.checks))
	for _, check := range h.checks {
		if err := check.Check(ctx); err != nil {
			response.ServiceUnavailable(c, appErr.Wrapf(err, appErr.ServiceUnavailable, "%s: %v", check.Name, err).
				WithDetail("dependency", check.Name))
			return
		}
		status[check.Name] = "ok"
	}
	response.Success(c, status)
}

// ListLocks returns the workflows being rendered here.
func (h *RenderController) ListLocks(c *gin.Context) {
	response.Success(c, gin.H{"workflow_ids": h.locks.Held()})
}

type enqueueRequest struct {
	DeltaID int64 `json:"delta_id" binding:"required"`
}

// Enqueue queues a render of a workflow delta.
func (h *RenderController) Enqueue(c *gin.Context) {
	workflowID, ok := parseID(c, "id")
	if !ok {
		return
	}
	var body enqueueRequest
	if err := c.ShouldBindJSON(&body); err != nil {
		response.BadRequest(c, "Invalid request body")
		return
	}
	req := dispatcher.Request{WorkflowID: workflowID, DeltaID: body.DeltaID}
	if err := h.publisher.Publish(c.Request.Context(), req); err != nil {
		response.Error(c, err)
		return
	}
	response.SuccessWithMessage(c, "Render queued", req)
}

// GetRender returns a stored render.
func (h *RenderController) GetRender(c *gin.Context) {
	workflowID, ok := parseID(c, "id")
	if !ok {
		return
	}
	deltaID, ok := parseID(c, "delta")
	if !ok {
		return
	}
	data, err := h.renders.Fetch(c.Request.Context(), workflowID, deltaID)
	if err != nil {
		response.Error(c, err)
		return
	}
	response.Success(c, json.RawMessage(data))
}

// GetRenderMeta returns a stored render's object metadata.
func (h *RenderController) GetRenderMeta(c *gin.Context) {
	workflowID, ok := parseID(c, "id")
	if !ok {
		return
	}
	deltaID, ok := parseID(c, "delta")
	if !ok {
		return
	}
	stat, err := h.renders.Stat(c.Request.Context(), workflowID, deltaID)
	if err != nil {
		response.Error(c, err)
		return
	}
	response.Success(c, stat)
}

func parseID(c *gin.Context, param string) (int64, bool) {
	id, err := strconv.ParseInt(c.Param(param), 10, 64)
	if err != nil || id <= 0 {
		response.BadRequest(c, "Invalid "+param)
		return 0, false
	}
	return id, true
}
