package handler

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/user/llm-router-go/internal/repository"
	"github.com/user/llm-router-go/internal/service"
	"github.com/user/llm-router-go/internal/version"
)

// StatusHandler exposes operational state: pipeline registry, blocks,
// health stats and recent decisions.
type StatusHandler struct {
	router    *service.CoreRouter
	health    *service.HealthManager
	blacklist *service.BlacklistManager
	events    *service.EventBus
	metrics   *repository.RequestMetricsRepository
}

// NewStatusHandler creates a StatusHandler.
func NewStatusHandler(router *service.CoreRouter, health *service.HealthManager,
	blacklist *service.BlacklistManager, events *service.EventBus,
	metrics *repository.RequestMetricsRepository) *StatusHandler {
	return &StatusHandler{
		router:    router,
		health:    health,
		blacklist: blacklist,
		events:    events,
		metrics:   metrics,
	}
}

// Health handles GET /health.
func (h *StatusHandler) Health(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"status":  "ok",
		"version": version.Version,
	})
}

// Status handles GET /status.
func (h *StatusHandler) Status(c *gin.Context) {
	pipelines := h.router.Pipelines()
	pipelineViews := make([]gin.H, 0, len(pipelines))
	for id, p := range pipelines {
		pipelineViews = append(pipelineViews, gin.H{
			"id":       id,
			"provider": p.Route.Provider,
			"model":    p.Model,
			"keyIndex": p.KeyIndex,
			"blocked":  h.blacklist.IsBlocked(id),
			"healthy":  h.health.IsHealthy(id),
		})
	}

	resp := gin.H{
		"version":       version.Version,
		"pipelines":     pipelineViews,
		"blocked":       h.blacklist.Blocked(),
		"healthStats":   h.health.AllStats(),
		"droppedEvents": h.events.Dropped(),
	}

	if h.metrics != nil {
		if stats, err := h.metrics.GetStats(c.Request.Context(), repository.MetricsFilter{}); err == nil {
			resp["requestStats"] = stats
		}
	}
	c.JSON(http.StatusOK, resp)
}

// History handles GET /status/decisions.
func (h *StatusHandler) History(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"decisions": h.router.History()})
}

// Unblock handles POST /admin/pipelines/:id/unblock.
func (h *StatusHandler) Unblock(c *gin.Context) {
	id := c.Param("id")
	if h.blacklist.IsDestroyed(id) {
		c.JSON(http.StatusConflict, gin.H{"detail": "pipeline was permanently destroyed"})
		return
	}
	if !h.blacklist.Unblock(id) {
		c.JSON(http.StatusNotFound, gin.H{"detail": "pipeline is not blocked"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"unblocked": id})
}
