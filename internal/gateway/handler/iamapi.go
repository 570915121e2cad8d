package handler

import (
	"errors"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/torbolabs/torbo-base/internal/iam"
)

// IAMHandler exposes the IAM engine's management surface.
type IAMHandler struct {
	engine *iam.Engine
	auth   *AuthHandler
	logger *zap.Logger
}

// NewIAMHandler creates an IAMHandler.
func NewIAMHandler(engine *iam.Engine, auth *AuthHandler, logger *zap.Logger) *IAMHandler {
	return &IAMHandler{engine: engine, auth: auth, logger: logger}
}

// Register registers the IAM routes on the given group.
func (h *IAMHandler) Register(rg *gin.RouterGroup) {
	g := rg.Group("/iam")
	{
		g.POST("/check", h.Check)
		g.POST("/grant", h.auth.RequireToken(), h.Grant)
		g.POST("/revoke", h.auth.RequireToken(), h.Revoke)
		g.GET("/agents", h.ListAgents)
		g.GET("/agents/:id", h.GetAgent)
		g.GET("/agents/:id/risk", h.Risk)
		g.GET("/with-access", h.WithAccess)
		g.GET("/access-log", h.AccessLog)
		g.GET("/anomalies", h.Anomalies)
		g.POST("/prune", h.auth.RequireToken(), h.Prune)
	}
}

// Check handles POST /iam/check — the check-and-log request path.
func (h *IAMHandler) Check(c *gin.Context) {
	var req struct {
		AgentID  string `json:"agent_id" binding:"required"`
		Resource string `json:"resource" binding:"required"`
		Action   string `json:"action" binding:"required"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	allowed := h.engine.CheckAndLog(req.AgentID, req.Resource, req.Action)
	c.JSON(http.StatusOK, gin.H{"allowed": allowed})
}

// Grant handles POST /iam/grant.
func (h *IAMHandler) Grant(c *gin.Context) {
	var req struct {
		AgentID   string   `json:"agent_id" binding:"required"`
		Resource  string   `json:"resource" binding:"required"`
		Actions   []string `json:"actions" binding:"required"`
		GrantedBy string   `json:"granted_by"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	if req.GrantedBy == "" {
		req.GrantedBy = "api"
	}
	if err := h.engine.Grant(req.AgentID, req.Resource, req.Actions, req.GrantedBy); err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "granted"})
}

// Revoke handles POST /iam/revoke. Omitting resource revokes everything the
// agent holds.
func (h *IAMHandler) Revoke(c *gin.Context) {
	var req struct {
		AgentID  string `json:"agent_id" binding:"required"`
		Resource string `json:"resource"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	var err error
	if req.Resource == "" {
		err = h.engine.RevokeAll(req.AgentID)
	} else {
		err = h.engine.Revoke(req.AgentID, req.Resource)
	}
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "revoked"})
}

// ListAgents handles GET /iam/agents with optional ?owner= filter.
func (h *IAMHandler) ListAgents(c *gin.Context) {
	agents, err := h.engine.ListAgents(c.Query("owner"))
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"agents": agents})
}

// GetAgent handles GET /iam/agents/:id — identity plus permissions,
// refreshed from disk.
func (h *IAMHandler) GetAgent(c *gin.Context) {
	ident, perms, err := h.engine.Get(c.Param("id"))
	if err != nil {
		if errors.Is(err, iam.ErrNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": err.Error()})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"identity": ident, "permissions": perms})
}

// Risk handles GET /iam/agents/:id/risk — recomputes and returns the score.
func (h *IAMHandler) Risk(c *gin.Context) {
	score, err := h.engine.CalculateRisk(c.Param("id"))
	if err != nil {
		if errors.Is(err, iam.ErrNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": err.Error()})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"agent_id": c.Param("id"), "risk_score": score})
}

// WithAccess handles GET /iam/with-access?resource=.
func (h *IAMHandler) WithAccess(c *gin.Context) {
	resource := c.Query("resource")
	if resource == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "resource query parameter required"})
		return
	}
	agents, err := h.engine.FindAgentsWithAccess(resource)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	if agents == nil {
		agents = []string{}
	}
	c.JSON(http.StatusOK, gin.H{"resource": resource, "agents": agents})
}

// AccessLog handles GET /iam/access-log with optional agent_id and resource
// filters; resource supports "*" wildcards.
func (h *IAMHandler) AccessLog(c *gin.Context) {
	limit, _ := strconv.Atoi(c.DefaultQuery("limit", "100"))
	offset, _ := strconv.Atoi(c.DefaultQuery("offset", "0"))
	entries, err := h.engine.AccessLog(c.Query("agent_id"), c.Query("resource"), limit, offset)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	if entries == nil {
		entries = []iam.AccessLogEntry{}
	}
	c.JSON(http.StatusOK, gin.H{"entries": entries})
}

// Anomalies handles GET /iam/anomalies — a pull-based detection pass.
func (h *IAMHandler) Anomalies(c *gin.Context) {
	anomalies, err := h.engine.DetectAnomalies()
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	if anomalies == nil {
		anomalies = []iam.Anomaly{}
	}
	c.JSON(http.StatusOK, gin.H{"anomalies": anomalies})
}

// Prune handles POST /iam/prune.
func (h *IAMHandler) Prune(c *gin.Context) {
	var req struct {
		OlderThanDays int `json:"older_than_days" binding:"required"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	n, err := h.engine.Prune(req.OlderThanDays)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"deleted": n})
}
