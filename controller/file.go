package controller

import (
	"net/http"
	"strings"

	"github.com/Laisky/errors/v2"
	gmw "github.com/Laisky/gin-middlewares/v6"
	"github.com/Laisky/zap"
	"github.com/gin-gonic/gin"

	"github.com/chenyme/grok2api/middleware"
	"github.com/chenyme/grok2api/relay/asset"
	relaymodel "github.com/chenyme/grok2api/relay/model"
)

// ServeFile streams a cached image or video. Misses are plain 404s.
func (h *Handlers) ServeFile(c *gin.Context) {
	kind := c.Param("kind")
	name := strings.TrimPrefix(c.Param("name"), "/")

	f, entry, err := h.assets.Cache().Get(asset.Key(kind, name))
	switch {
	case errors.Is(err, asset.ErrMiss), errors.Is(err, asset.ErrInvalidKey):
		middleware.AbortWithRelayError(c, relaymodel.NewError(http.StatusNotFound,
			relaymodel.ErrorTypeInvalidRequest, "", "file_not_found", "File not found"))
		return
	case err != nil:
		middleware.AbortWithError(c, http.StatusInternalServerError, err)
		return
	}
	defer func() {
		if err := f.Close(); err != nil {
			gmw.GetLogger(c).Warn("close cached file", zap.String("key", entry.Key), zap.Error(err))
		}
	}()

	c.Header("Cache-Control", "public, max-age=86400")
	http.ServeContent(c.Writer, c.Request, entry.Name(), entry.CreatedAt, f)
}
