package middleware

import (
	"time"

	"github.com/gin-gonic/gin"

	"github.com/chenyme/grok2api/common/ctxkey"
	"github.com/chenyme/grok2api/monitor"
)

// PrometheusMiddleware records one sample per relay request, labelled with
// the capability the handler resolved.
func PrometheusMiddleware(m *monitor.Metrics) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		m.ObserveRequest(c.GetString(ctxkey.Capability), c.Writer.Status(), time.Since(start))
	}
}
