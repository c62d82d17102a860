package middleware

import (
	"context"
	"net/http"
	"strings"

	"github.com/Laisky/errors/v2"
	gmw "github.com/Laisky/gin-middlewares/v6"
	"github.com/Laisky/zap"
	"github.com/gin-gonic/gin"

	"github.com/chenyme/grok2api/common/helper"
	relaymodel "github.com/chenyme/grok2api/relay/model"
)

// AbortWithError aborts the request with an internal error.
func AbortWithError(c *gin.Context, statusCode int, err error) {
	AbortWithRelayError(c, relaymodel.ErrorWrapper(err, "internal_error", statusCode))
}

// AbortWithRelayError logs a public error and writes it in the OpenAI shape.
// Client errors are logged at warn level.
func AbortWithRelayError(c *gin.Context, rerr *relaymodel.ErrorWithStatusCode) {
	lg := gmw.GetLogger(c)
	fields := []zap.Field{
		zap.Int("status_code", rerr.StatusCode),
		zap.Any("code", rerr.Code),
		zap.String("message", rerr.Message),
	}
	if rerr.RawError != nil {
		fields = append(fields, zap.Error(rerr.RawError))
	}
	if ignoreServerError(rerr) {
		lg.Warn("server abort", fields...)
	} else {
		lg.Error("server abort", fields...)
	}

	body := rerr.Error
	body.Message = helper.MessageWithRequestId(body.Message, c.GetString(helper.RequestIdKey))
	c.JSON(rerr.StatusCode, relaymodel.ErrorResponse{Error: body})
	c.Abort()
}

func ignoreServerError(rerr *relaymodel.ErrorWithStatusCode) bool {
	switch {
	case rerr.StatusCode < http.StatusInternalServerError:
		return true
	case rerr.RawError != nil && errors.Is(rerr.RawError, context.Canceled):
		return true
	default:
		return false
	}
}

// bearerToken extracts the credential from an Authorization header.
func bearerToken(c *gin.Context) string {
	key := strings.TrimSpace(c.GetHeader("Authorization"))
	if len(key) > 7 && strings.EqualFold(key[:7], "bearer ") {
		return strings.TrimSpace(key[7:])
	}
	return key
}
