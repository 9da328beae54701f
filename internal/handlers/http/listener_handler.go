package http

import (
	"net/http"

	"sinklisten/internal/core/domain"
	"sinklisten/internal/core/ports"
	"sinklisten/internal/infrastructure/monitoring"
	"sinklisten/pkg/validation"

	"github.com/gin-gonic/gin"
)

type ListenerHandler struct {
	listeners ports.ListenerService
	stats     ports.StatsRepository
	health    *monitoring.HealthChecker
	sinks     []domain.SinkID
}

func NewListenerHandler(
	listeners ports.ListenerService,
	stats ports.StatsRepository,
	health *monitoring.HealthChecker,
	sinks []domain.SinkID,
) *ListenerHandler {
	return &ListenerHandler{
		listeners: listeners,
		stats:     stats,
		health:    health,
		sinks:     sinks,
	}
}

func (h *ListenerHandler) SetupRoutes(router *gin.Engine, apiMiddleware ...gin.HandlerFunc) {
	router.GET("/health", h.Health)

	api := router.Group("/api/v1")
	api.Use(apiMiddleware...)
	{
		api.GET("/sinks", h.ListSinks)
		api.POST("/sinks/:id/listen", h.StartListening)
		api.DELETE("/sinks/:id/listen", h.StopListening)
		api.POST("/sinks/:id/toggle", h.ToggleListening)
		api.GET("/sinks/:id/stats", h.GetSinkStats)
		api.GET("/stats", h.ListStats)
	}
}

func (h *ListenerHandler) Health(c *gin.Context) {
	status := h.health.CheckAll(c.Request.Context())

	code := http.StatusOK
	if status.Status != "healthy" {
		code = http.StatusServiceUnavailable
	}
	c.JSON(code, status)
}

func (h *ListenerHandler) ListSinks(c *gin.Context) {
	type sinkStatus struct {
		SinkID    domain.SinkID          `json:"sink_id"`
		State     domain.ConnectionState `json:"state"`
		Listening bool                   `json:"listening"`
	}

	sinks := make([]sinkStatus, 0, len(h.sinks))
	for _, sinkID := range h.sinks {
		sinks = append(sinks, sinkStatus{
			SinkID:    sinkID,
			State:     h.listeners.ConnectionState(sinkID),
			Listening: h.listeners.IsListening(sinkID),
		})
	}

	c.JSON(http.StatusOK, gin.H{
		"sinks": sinks,
	})
}

func (h *ListenerHandler) StartListening(c *gin.Context) {
	sinkID, ok := h.sinkParam(c)
	if !ok {
		return
	}

	if err := h.listeners.StartListening(c.Request.Context(), sinkID); err != nil {
		c.Error(err)
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"sink_id": sinkID,
		"state":   h.listeners.ConnectionState(sinkID),
	})
}

func (h *ListenerHandler) StopListening(c *gin.Context) {
	sinkID, ok := h.sinkParam(c)
	if !ok {
		return
	}

	h.listeners.StopListening(c.Request.Context(), sinkID)

	c.JSON(http.StatusOK, gin.H{
		"sink_id": sinkID,
		"state":   h.listeners.ConnectionState(sinkID),
	})
}

func (h *ListenerHandler) ToggleListening(c *gin.Context) {
	sinkID, ok := h.sinkParam(c)
	if !ok {
		return
	}

	listening, err := h.listeners.ToggleListening(c.Request.Context(), sinkID)
	if err != nil {
		c.Error(err)
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"sink_id":   sinkID,
		"listening": listening,
	})
}

func (h *ListenerHandler) GetSinkStats(c *gin.Context) {
	sinkID, ok := h.sinkParam(c)
	if !ok {
		return
	}

	stats, err := h.listeners.Stats(c.Request.Context(), sinkID)
	if err != nil {
		c.Error(err)
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"stats": stats,
	})
}

func (h *ListenerHandler) ListStats(c *gin.Context) {
	all, err := h.stats.List(c.Request.Context())
	if err != nil {
		c.Error(err)
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"stats": all,
	})
}

func (h *ListenerHandler) sinkParam(c *gin.Context) (domain.SinkID, bool) {
	id := c.Param("id")
	if err := validation.ValidateSinkID(id); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return "", false
	}
	return domain.SinkID(id), true
}
