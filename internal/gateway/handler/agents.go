package handler

import (
	"errors"
	"net/http"
	"strconv"
	"strings"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/torbolabs/torbo-base/internal/agentconfig"
	"github.com/torbolabs/torbo-base/internal/iam"
)

// AgentsHandler exposes the agent config registry over HTTP. Mutations
// require an admin token; new agents are mirrored into IAM with their
// level's default permission bundle.
type AgentsHandler struct {
	store  *agentconfig.Store
	engine *iam.Engine
	auth   *AuthHandler
	logger *zap.Logger
}

// NewAgentsHandler creates an AgentsHandler.
func NewAgentsHandler(store *agentconfig.Store, engine *iam.Engine, auth *AuthHandler, logger *zap.Logger) *AgentsHandler {
	return &AgentsHandler{store: store, engine: engine, auth: auth, logger: logger}
}

// Register registers the agent routes on the given group.
func (h *AgentsHandler) Register(rg *gin.RouterGroup) {
	agents := rg.Group("/agents")
	{
		agents.GET("", h.List)
		agents.POST("", h.auth.RequireToken(), h.Create)
		agents.POST("/import", h.auth.RequireToken(), h.Import)
		agents.GET("/:id", h.Get)
		agents.PATCH("/:id", h.auth.RequireToken(), h.Update)
		agents.DELETE("/:id", h.auth.RequireToken(), h.Delete)
		agents.POST("/:id/reset", h.auth.RequireToken(), h.Reset)
		agents.GET("/:id/export", h.Export)
		agents.GET("/:id/identity-block", h.IdentityBlock)
	}
}

// List handles GET /agents.
func (h *AgentsHandler) List(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"agents": h.store.List()})
}

// Get handles GET /agents/:id.
func (h *AgentsHandler) Get(c *gin.Context) {
	a, err := h.store.Get(c.Param("id"))
	if err != nil {
		c.JSON(http.StatusNotFound, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, a)
}

// Create handles POST /agents. An empty id is derived from the display name.
func (h *AgentsHandler) Create(c *gin.Context) {
	var a agentconfig.Agent
	if err := c.ShouldBindJSON(&a); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	if a.ID == "" {
		a.ID = agentconfig.Slugify(a.Name)
	}
	if err := h.store.Create(&a); err != nil {
		c.JSON(statusForStoreErr(err), gin.H{"error": err.Error()})
		return
	}

	// Mirror into IAM with the default bundle for the agent's level.
	if err := h.engine.Register(a.ID, "", "agent created via API"); err != nil {
		h.logger.Error("IAM registration after create failed", zap.String("agent", a.ID), zap.Error(err))
	} else {
		for _, g := range iam.DefaultGrantsForLevel(a.AccessLevel) {
			if err := h.engine.Grant(a.ID, g.Resource, g.Actions, "api"); err != nil {
				h.logger.Error("default grant failed", zap.String("agent", a.ID), zap.Error(err))
			}
		}
	}

	created, err := h.store.Get(a.ID)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusCreated, created)
}

// Update handles PATCH /agents/:id.
func (h *AgentsHandler) Update(c *gin.Context) {
	var a agentconfig.Agent
	if err := c.ShouldBindJSON(&a); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	a.ID = c.Param("id")
	if err := h.store.Update(&a); err != nil {
		c.JSON(statusForStoreErr(err), gin.H{"error": err.Error()})
		return
	}
	updated, _ := h.store.Get(a.ID)
	c.JSON(http.StatusOK, updated)
}

// Delete handles DELETE /agents/:id. The IAM identity goes with it.
func (h *AgentsHandler) Delete(c *gin.Context) {
	id := c.Param("id")
	if err := h.store.Delete(id); err != nil {
		c.JSON(statusForStoreErr(err), gin.H{"error": err.Error()})
		return
	}
	if err := h.engine.Remove(id); err != nil {
		h.logger.Error("IAM identity removal after delete failed", zap.String("agent", id), zap.Error(err))
	}
	c.JSON(http.StatusOK, gin.H{"status": "deleted"})
}

// Reset handles POST /agents/:id/reset.
func (h *AgentsHandler) Reset(c *gin.Context) {
	a, err := h.store.Reset(c.Param("id"))
	if err != nil {
		c.JSON(statusForStoreErr(err), gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, a)
}

// Export handles GET /agents/:id/export.
func (h *AgentsHandler) Export(c *gin.Context) {
	data, err := h.store.Export(c.Param("id"))
	if err != nil {
		c.JSON(statusForStoreErr(err), gin.H{"error": err.Error()})
		return
	}
	c.Header("Content-Disposition", "attachment; filename="+c.Param("id")+".json")
	c.Data(http.StatusOK, "application/json", data)
}

// Import handles POST /agents/import.
func (h *AgentsHandler) Import(c *gin.Context) {
	data, err := c.GetRawData()
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	overwrite := c.Query("overwrite") == "true"
	a, err := h.store.Import(data, overwrite)
	if err != nil {
		c.JSON(statusForStoreErr(err), gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, a)
}

// IdentityBlock handles GET /agents/:id/identity-block — renders the prompt
// block for the agent at its configured access level.
func (h *AgentsHandler) IdentityBlock(c *gin.Context) {
	a, err := h.store.Get(c.Param("id"))
	if err != nil {
		c.JSON(statusForStoreErr(err), gin.H{"error": err.Error()})
		return
	}
	level := a.AccessLevel
	if s := c.Query("access_level"); s != "" {
		if v, err := strconv.Atoi(s); err == nil {
			level = v
		}
	}
	var tools []string
	if s := c.Query("tools"); s != "" {
		tools = strings.Split(s, ",")
	}
	c.String(http.StatusOK, agentconfig.IdentityBlock(a, level, tools))
}

func statusForStoreErr(err error) int {
	switch {
	case errors.Is(err, agentconfig.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, agentconfig.ErrAlreadyExists):
		return http.StatusConflict
	case errors.Is(err, agentconfig.ErrInvalidID):
		return http.StatusBadRequest
	case errors.Is(err, agentconfig.ErrBuiltIn):
		return http.StatusForbidden
	default:
		return http.StatusInternalServerError
	}
}
