package router

import (
	"github.com/gin-gonic/gin"

	"github.com/chenyme/grok2api/controller"
	"github.com/chenyme/grok2api/middleware"
	"github.com/chenyme/grok2api/monitor"
)

func SetRelayRouter(engine *gin.Engine, h *controller.Handlers, m *monitor.Metrics) {
	engine.Use(middleware.CORS())
	engine.GET("/health", controller.Health)
	engine.GET("/api/status", h.GetStatus)

	// Cached media links are handed to clients that do not carry the API key.
	engine.GET("/v1/files/:kind/*name", h.ServeFile)

	relayV1Router := engine.Group("/v1")
	relayV1Router.Use(middleware.RelayPanicRecover(), middleware.APIKeyAuth())
	if m != nil {
		relayV1Router.Use(middleware.PrometheusMiddleware(m))
	}
	{
		relayV1Router.GET("/models", controller.ListModels)
		relayV1Router.GET("/models/:model", controller.RetrieveModel)
		relayV1Router.POST("/chat/completions", h.ChatCompletions)
		relayV1Router.POST("/images/generations", h.ImageGenerations)
		relayV1Router.POST("/images/edits", h.ImageEdits)
	}
}
