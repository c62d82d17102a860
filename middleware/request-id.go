package middleware

import (
	"regexp"

	"github.com/gin-gonic/gin"

	"github.com/chenyme/grok2api/common/helper"
)

// clientRequestId accepts ids a proxy in front of us may already have assigned.
var clientRequestId = regexp.MustCompile(`^[A-Za-z0-9._-]{8,64}$`)

func RequestId() gin.HandlerFunc {
	return func(c *gin.Context) {
		id := c.GetHeader(helper.RequestIdKey)
		if !clientRequestId.MatchString(id) {
			id = helper.GenRequestID()
		}
		c.Set(helper.RequestIdKey, id)
		c.Header(helper.RequestIdKey, id)
		c.Next()
	}
}
