package handler

import (
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/torbolabs/torbo-base/internal/bus"
)

// EventsHandler exposes the event bus over HTTP: recent-event queries, the
// persisted critical log, and a live SSE stream.
type EventsHandler struct {
	bus    *bus.Bus
	audit  *bus.AuditStore // nil = critical endpoint returns 503
	logger *zap.Logger
}

// NewEventsHandler creates an EventsHandler.
func NewEventsHandler(b *bus.Bus, audit *bus.AuditStore, logger *zap.Logger) *EventsHandler {
	return &EventsHandler{bus: b, audit: audit, logger: logger}
}

// Register registers the event routes on the given group.
func (h *EventsHandler) Register(rg *gin.RouterGroup) {
	g := rg.Group("/events")
	{
		g.GET("/recent", h.Recent)
		g.GET("/critical", h.Critical)
		g.GET("/stream", h.Stream)
	}
}

// Recent handles GET /events/recent with optional pattern and limit filters.
func (h *EventsHandler) Recent(c *gin.Context) {
	limit, _ := strconv.Atoi(c.DefaultQuery("limit", "100"))
	events := h.bus.RecentEvents(limit, c.Query("pattern"))
	if events == nil {
		events = []bus.Event{}
	}
	c.JSON(http.StatusOK, gin.H{"events": events})
}

// Critical handles GET /events/critical, reading from the durable audit
// store rather than the in-memory ring.
func (h *EventsHandler) Critical(c *gin.Context) {
	if h.audit == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "audit store disabled"})
		return
	}
	limit, _ := strconv.Atoi(c.DefaultQuery("limit", "100"))
	entries, err := h.audit.CriticalEvents(limit, c.Query("name"))
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	if entries == nil {
		entries = []bus.AuditRecord{}
	}
	c.JSON(http.StatusOK, gin.H{"events": entries})
}

// sseWriter frames each bus write as a server-sent event and flushes it
// immediately so clients see events as they happen.
type sseWriter struct {
	w gin.ResponseWriter
}

func (s sseWriter) Write(p []byte) (int, error) {
	if _, err := s.w.Write([]byte("data: ")); err != nil {
		return 0, err
	}
	if _, err := s.w.Write(p); err != nil {
		return 0, err
	}
	if _, err := s.w.Write([]byte("\n\n")); err != nil {
		return 0, err
	}
	s.w.Flush()
	return len(p), nil
}

// Stream handles GET /events/stream — a server-sent events feed of live bus
// traffic, optionally filtered by ?pattern=. The connection stays open until
// the client disconnects.
func (h *EventsHandler) Stream(c *gin.Context) {
	pattern := c.DefaultQuery("pattern", "*")

	c.Header("Content-Type", "text/event-stream")
	c.Header("Cache-Control", "no-cache")
	c.Header("Connection", "keep-alive")
	c.Writer.WriteHeader(http.StatusOK)
	c.Writer.Flush()

	id := uuid.NewString()
	h.bus.AddStreamingClient(id, pattern, sseWriter{w: c.Writer})
	defer h.bus.RemoveStreamingClient(id)

	h.logger.Debug("stream client connected", zap.String("client", id), zap.String("pattern", pattern))
	<-c.Request.Context().Done()
	h.logger.Debug("stream client disconnected", zap.String("client", id))
}
