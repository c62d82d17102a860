package meta

import (
	"time"

	"github.com/gin-gonic/gin"

	"github.com/chenyme/grok2api/common/ctxkey"
	"github.com/chenyme/grok2api/common/helper"
	"github.com/chenyme/grok2api/relay/relaymode"
)

// Meta is the per-request relay context shared by the dispatcher, the
// upstream adaptor and the stream translators.
type Meta struct {
	Capability relaymode.Capability
	// OriginModelName is the model name from the raw user request
	OriginModelName string
	Model           *ModelConfig
	IsStream        bool
	// ShowReasoning is false when reasoning_effort is "none".
	ShowReasoning bool
	RequestId     string
	// RetryBudget is the wall time left for retries once the request started.
	RetryBudget time.Duration
	StartTime   time.Time
}

// RetryBudgetLeft subtracts the elapsed time from the configured budget.
func (m *Meta) RetryBudgetLeft(now time.Time) time.Duration {
	left := m.RetryBudget - now.Sub(m.StartTime)
	if left < 0 {
		return 0
	}
	return left
}

func GetByContext(c *gin.Context) *Meta {
	if v, ok := c.Get(ctxkey.Meta); ok {
		return v.(*Meta)
	}

	meta := &Meta{
		Capability:      relaymode.GetByPath(c.Request.URL.Path),
		OriginModelName: c.GetString(ctxkey.RequestModel),
		RequestId:       c.GetString(helper.RequestIdKey),
		StartTime:       time.Now(),
	}
	if cfg, ok := GetModel(meta.OriginModelName); ok {
		meta.Model = cfg
		if meta.Capability == relaymode.Chat || meta.Capability == relaymode.Unknown {
			meta.Capability = cfg.Capability
		}
	}
	Set2Context(c, meta)
	return meta
}

func Set2Context(c *gin.Context, meta *Meta) {
	c.Set(ctxkey.Meta, meta)
	c.Set(ctxkey.Capability, meta.Capability.String())
}
