package controller

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/chenyme/grok2api/common"
	"github.com/chenyme/grok2api/middleware"
	"github.com/chenyme/grok2api/relay/meta"
	relaymodel "github.com/chenyme/grok2api/relay/model"
)

// https://platform.openai.com/docs/api-reference/models/list

const modelOwner = "xai"

func modelInfo(cfg *meta.ModelConfig) relaymodel.ModelInfo {
	return relaymodel.ModelInfo{
		Id:          cfg.Id,
		Object:      "model",
		Created:     common.StartTime,
		OwnedBy:     modelOwner,
		DisplayName: cfg.DisplayName,
		Description: cfg.Description,
	}
}

func ListModels(c *gin.Context) {
	cfgs := meta.ListModels()
	data := make([]relaymodel.ModelInfo, 0, len(cfgs))
	for _, cfg := range cfgs {
		data = append(data, modelInfo(cfg))
	}
	c.JSON(http.StatusOK, relaymodel.ModelList{Object: "list", Data: data})
}

func RetrieveModel(c *gin.Context) {
	id := c.Param("model")
	cfg, ok := meta.GetModel(id)
	if !ok {
		middleware.AbortWithRelayError(c, modelNotFound(id))
		return
	}
	c.JSON(http.StatusOK, modelInfo(cfg))
}
