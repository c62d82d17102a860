package router

import (
	"github.com/gin-gonic/gin"

	"github.com/chenyme/grok2api/common/config"
	"github.com/chenyme/grok2api/controller"
	"github.com/chenyme/grok2api/monitor"
)

// SetRouter registers every route on engine. m may be nil when metrics are disabled.
func SetRouter(engine *gin.Engine, h *controller.Handlers, m *monitor.Metrics) {
	SetRelayRouter(engine, h, m)
	SetAdminRouter(engine, h, m)
	if config.WebDir != "" {
		SetWebRouter(engine, config.WebDir)
	}
}
