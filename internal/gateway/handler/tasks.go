package handler

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/torbolabs/torbo-base/internal/delegation"
	"github.com/torbolabs/torbo-base/internal/tasks"
)

// TasksHandler exposes the local task queue and the outbound delegation
// entry point.
type TasksHandler struct {
	queue  *tasks.Queue
	engine *delegation.Engine
	auth   *AuthHandler
	logger *zap.Logger
}

// NewTasksHandler creates a TasksHandler.
func NewTasksHandler(queue *tasks.Queue, engine *delegation.Engine, auth *AuthHandler, logger *zap.Logger) *TasksHandler {
	return &TasksHandler{queue: queue, engine: engine, auth: auth, logger: logger}
}

// Register registers the task routes on the given group.
func (h *TasksHandler) Register(rg *gin.RouterGroup) {
	g := rg.Group("/tasks")
	{
		g.GET("", h.List)
		g.GET("/:id", h.Get)
		g.POST("/delegate", h.auth.RequireToken(), h.Delegate)
		g.POST("/:id/result", h.auth.RequireToken(), h.CompleteInbound)
	}
}

// List handles GET /tasks.
func (h *TasksHandler) List(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"tasks": h.queue.List()})
}

// Get handles GET /tasks/:id.
func (h *TasksHandler) Get(c *gin.Context) {
	t, err := h.queue.Get(c.Param("id"))
	if err != nil {
		c.JSON(http.StatusNotFound, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, t)
}

// Delegate handles POST /tasks/delegate — hand a task to the best available
// peer node.
func (h *TasksHandler) Delegate(c *gin.Context) {
	var req struct {
		Title               string   `json:"title" binding:"required"`
		Description         string   `json:"description"`
		Priority            int      `json:"priority"`
		RequiredSkillIDs    []string `json:"required_skill_ids"`
		RequiredAccessLevel int      `json:"required_access_level"`
		Context             string   `json:"context"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	taskID, err := h.engine.DelegateTask(c.Request.Context(), req.Title, req.Description, req.Priority,
		req.RequiredSkillIDs, req.RequiredAccessLevel, req.Context)
	if err != nil {
		status := http.StatusBadGateway
		if errors.Is(err, delegation.ErrNoPeerAvailable) {
			status = http.StatusServiceUnavailable
		}
		c.JSON(status, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusAccepted, gin.H{"task_id": taskID})
}

// CompleteInbound handles POST /tasks/:id/result — finish a delegated
// inbound task and push the signed result back to its origin node.
func (h *TasksHandler) CompleteInbound(c *gin.Context) {
	var req struct {
		Status string `json:"status" binding:"required"`
		Result string `json:"result"`
		Error  string `json:"error"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	if req.Status != "completed" && req.Status != "failed" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "status must be completed or failed"})
		return
	}
	id := c.Param("id")
	if err := h.engine.DeliverResult(c.Request.Context(), id, req.Status, req.Result, req.Error); err != nil {
		// The engine has already failed the local task when the origin
		// could not be reached, so it is not retried here.
		status := http.StatusUnprocessableEntity
		if errors.Is(err, delegation.ErrDeliveryFailed) {
			status = http.StatusBadGateway
		}
		c.JSON(status, gin.H{"error": err.Error()})
		return
	}
	if req.Status == "completed" {
		_ = h.queue.Complete(id, req.Result)
	} else {
		_ = h.queue.Fail(id, req.Error)
	}
	c.JSON(http.StatusOK, gin.H{"status": "delivered"})
}
