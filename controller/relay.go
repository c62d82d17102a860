package controller

import (
	"net/http"

	gmw "github.com/Laisky/gin-middlewares/v6"
	"github.com/Laisky/zap"
	"github.com/gin-gonic/gin"

	"github.com/chenyme/grok2api/common/config"
	"github.com/chenyme/grok2api/common/ctxkey"
	"github.com/chenyme/grok2api/middleware"
	"github.com/chenyme/grok2api/relay/asset"
	"github.com/chenyme/grok2api/relay/dispatcher"
	"github.com/chenyme/grok2api/relay/meta"
	relaymodel "github.com/chenyme/grok2api/relay/model"
	"github.com/chenyme/grok2api/relay/pool"
	"github.com/chenyme/grok2api/relay/streaming"
)

// https://platform.openai.com/docs/api-reference/chat

// Handlers serves the public and admin HTTP API.
type Handlers struct {
	pool       *pool.Pool
	dispatcher *dispatcher.Dispatcher
	assets     *asset.Service
}

func New(p *pool.Pool, d *dispatcher.Dispatcher, assets *asset.Service) *Handlers {
	return &Handlers{pool: p, dispatcher: d, assets: assets}
}

// relayFailed answers a failed relay call. Once a stream has started the
// translator already wrote its terminal frame and only logging is left.
func relayFailed(c *gin.Context, sink *streaming.SSESink, err error) {
	if sink != nil && sink.Started() {
		gmw.GetLogger(c).Warn("relay stream ended with error",
			zap.String("model", c.GetString(ctxkey.RequestModel)),
			zap.Error(err))
		return
	}
	middleware.AbortWithRelayError(c, dispatcher.ErrorFor(err))
}

func modelNotFound(model string) *relaymodel.ErrorWithStatusCode {
	return relaymodel.NewError(http.StatusNotFound, relaymodel.ErrorTypeInvalidRequest, "model",
		"model_not_found", "The model `"+model+"` does not exist")
}

func (h *Handlers) ChatCompletions(c *gin.Context) {
	ctx := gmw.Ctx(c)
	lg := gmw.GetLogger(c)

	req := &relaymodel.GeneralOpenAIRequest{}
	if err := c.ShouldBindJSON(req); err != nil {
		middleware.AbortWithRelayError(c, relaymodel.ValidationError("", "invalid_request", err.Error()))
		return
	}
	if len(req.Messages) == 0 {
		middleware.AbortWithRelayError(c, relaymodel.ValidationError("messages", "empty_messages",
			"messages cannot be empty"))
		return
	}

	c.Set(ctxkey.RequestModel, req.Model)
	m := meta.GetByContext(c)
	if m.Model == nil {
		middleware.AbortWithRelayError(c, modelNotFound(req.Model))
		return
	}

	s := config.Get()
	m.IsStream = req.IsStream(s.App.Stream)
	m.ShowReasoning = req.ShowReasoning(s.App.Thinking)
	m.RetryBudget = s.Retry.Budget()
	if req.Temperature != nil || req.TopP != nil {
		lg.Debug("sampling parameters ignored",
			zap.Any("temperature", req.Temperature),
			zap.Any("top_p", req.TopP))
	}
	lg.Debug("incoming chat request",
		zap.String("model", m.OriginModelName),
		zap.String("capability", m.Capability.String()),
		zap.Bool("stream", m.IsStream),
		zap.Bool("show_reasoning", m.ShowReasoning))

	params := dispatcher.ChatParams{
		Model:         m.Model,
		Messages:      req.Messages,
		ShowReasoning: m.ShowReasoning,
		ImageConfig:   req.ImageConfig,
		VideoConfig:   req.VideoConfig,
	}

	if m.IsStream {
		sink := streaming.NewSSESink(c)
		if _, err := h.dispatcher.Chat(ctx, params, sink); err != nil {
			relayFailed(c, sink, err)
		}
		return
	}

	resp, err := h.dispatcher.Chat(ctx, params, nil)
	if err != nil {
		relayFailed(c, nil, err)
		return
	}
	c.JSON(http.StatusOK, resp)
}
