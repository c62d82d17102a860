package middleware

import (
	"fmt"
	"net/http"
	"runtime/debug"

	gmw "github.com/Laisky/gin-middlewares/v6"
	"github.com/Laisky/zap"
	"github.com/gin-gonic/gin"

	"github.com/chenyme/grok2api/common/helper"
	relaymodel "github.com/chenyme/grok2api/relay/model"
)

// RelayPanicRecover turns a handler panic into a 500. Once a stream has
// started nothing more can be written, so the panic is only logged.
func RelayPanicRecover() gin.HandlerFunc {
	return func(c *gin.Context) {
		defer func() {
			if err := recover(); err != nil {
				gmw.GetLogger(c).Error("panic detected",
					zap.Any("panic", err),
					zap.String("stacktrace", string(debug.Stack())),
					zap.String("method", c.Request.Method),
					zap.String("path", c.Request.URL.Path))
				if c.Writer.Written() {
					c.Abort()
					return
				}
				c.JSON(http.StatusInternalServerError, relaymodel.ErrorResponse{Error: relaymodel.Error{
					Message: helper.MessageWithRequestId(fmt.Sprintf("Panic detected, error: %v", err),
						c.GetString(helper.RequestIdKey)),
					Type: relaymodel.ErrorTypeGrok2api,
					Code: "panic",
				}})
				c.Abort()
			}
		}()
		c.Next()
	}
}
