package handler

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/torbolabs/torbo-base/internal/delegation"
	"github.com/torbolabs/torbo-base/internal/nodeid"
)

// DelegationHandler exposes the cross-node delegation wire protocol and the
// node identity endpoint.
type DelegationHandler struct {
	engine   *delegation.Engine
	identity *nodeid.Identity // nil = identity endpoint returns 503
	logger   *zap.Logger
}

// NewDelegationHandler creates a DelegationHandler.
func NewDelegationHandler(engine *delegation.Engine, identity *nodeid.Identity, logger *zap.Logger) *DelegationHandler {
	return &DelegationHandler{engine: engine, identity: identity, logger: logger}
}

// Register registers the delegation wire routes on the router root. These
// are peer-facing and unauthenticated beyond message signatures.
func (h *DelegationHandler) Register(r *gin.Engine) {
	r.POST("/delegation/submit", h.Submit)
	r.POST("/delegation/result", h.Result)
	r.GET("/delegation/capabilities", h.Capabilities)
	r.POST("/delegation/capabilities", h.Capabilities)
	r.GET("/community/identity", h.Identity)
}

// Submit handles POST /delegation/submit.
func (h *DelegationHandler) Submit(c *gin.Context) {
	var task delegation.Task
	if err := c.ShouldBindJSON(&task); err != nil {
		c.JSON(http.StatusBadRequest, delegation.SubmitResponse{Status: "rejected", Reason: "malformed payload"})
		return
	}
	resp := h.engine.HandleIncomingTask(c.Request.Context(), task, c.ClientIP())
	if resp.Status != "accepted" {
		c.JSON(http.StatusUnprocessableEntity, resp)
		return
	}
	c.JSON(http.StatusOK, resp)
}

// Result handles POST /delegation/result.
func (h *DelegationHandler) Result(c *gin.Context) {
	var res delegation.Result
	if err := c.ShouldBindJSON(&res); err != nil {
		c.JSON(http.StatusBadRequest, delegation.ResultResponse{Status: "error", Reason: "malformed payload"})
		return
	}
	if err := h.engine.HandleTaskResult(c.Request.Context(), res); err != nil {
		h.logger.Warn("result rejected", zap.String("task_id", res.TaskID), zap.Error(err))
		c.JSON(http.StatusUnprocessableEntity, delegation.ResultResponse{Status: "error", Reason: err.Error()})
		return
	}
	c.JSON(http.StatusOK, delegation.ResultResponse{Status: "ok"})
}

// Capabilities handles GET/POST /delegation/capabilities.
func (h *DelegationHandler) Capabilities(c *gin.Context) {
	c.JSON(http.StatusOK, h.engine.Capabilities())
}

// Identity handles GET /community/identity.
func (h *DelegationHandler) Identity(c *gin.Context) {
	if h.identity == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "node identity not initialized"})
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"node_id":      h.identity.NodeID,
		"display_name": h.identity.DisplayName,
		"public_key":   h.identity.PublicKeyBase64(),
	})
}
