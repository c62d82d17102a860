package router

import (
	"github.com/gin-contrib/gzip"
	"github.com/gin-gonic/gin"

	"github.com/chenyme/grok2api/controller"
	"github.com/chenyme/grok2api/middleware"
	"github.com/chenyme/grok2api/monitor"
)

func SetAdminRouter(engine *gin.Engine, h *controller.Handlers, m *monitor.Metrics) {
	if m != nil {
		engine.GET("/metrics", middleware.AdminAuth(), gin.WrapH(m.Handler()))
	}

	adminRouter := engine.Group("/v1/admin")
	adminRouter.Use(gzip.Gzip(gzip.DefaultCompression), middleware.AdminAuth())
	{
		tokenRoute := adminRouter.Group("/tokens")
		{
			tokenRoute.GET("", h.ListTokens)
			tokenRoute.POST("", h.UpdateTokens)
			tokenRoute.DELETE("", h.DeleteTokens)
			tokenRoute.GET("/export", h.ExportTokens)
			tokenRoute.POST("/refresh", h.RefreshTokens)
			tokenRoute.POST("/enable", h.EnableTokens)
			tokenRoute.POST("/prune", h.PruneTokens)
			tokenRoute.POST("/nsfw/enable", h.EnableNSFW)
		}
		adminRouter.GET("/config", h.GetConfig)
		adminRouter.POST("/config", h.UpdateConfig)
		adminRouter.GET("/storage", h.GetStorage)
		adminRouter.GET("/cache", h.GetCache)
		adminRouter.POST("/cache/clear", h.ClearCache)
	}
}
