package controller

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/chenyme/grok2api/common"
	"github.com/chenyme/grok2api/common/config"
	"github.com/chenyme/grok2api/common/graceful"
)

// Health reports 503 while the server drains so load balancers stop routing to it.
func Health(c *gin.Context) {
	if graceful.IsDraining() {
		c.JSON(http.StatusServiceUnavailable, gin.H{"status": "draining"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

func (h *Handlers) GetStatus(c *gin.Context) {
	stats := h.pool.Stats()
	c.JSON(http.StatusOK, gin.H{
		"success": true,
		"message": "",
		"data": gin.H{
			"version":      common.Version,
			"start_time":   common.StartTime,
			"storage_type": h.pool.Storage().Type(),
			"tokens":       stats.Total,
			"in_flight":    graceful.InFlight(),
			"api_key_set":  config.Get().App.APIKey != "",
		},
	})
}
