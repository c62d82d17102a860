package router

import (
	"net/http"
	"path/filepath"
	"strings"

	"github.com/gin-contrib/gzip"
	"github.com/gin-contrib/static"
	"github.com/gin-gonic/gin"
)

// SetWebRouter serves a prebuilt admin front end from dir. Unknown paths
// outside the API fall back to index.html for client-side routing.
func SetWebRouter(engine *gin.Engine, dir string) {
	engine.Use(gzip.Gzip(gzip.DefaultCompression))
	engine.Use(static.Serve("/", static.LocalFile(dir, true)))
	engine.NoRoute(func(c *gin.Context) {
		if strings.HasPrefix(c.Request.RequestURI, "/v1") || strings.HasPrefix(c.Request.RequestURI, "/api") {
			c.JSON(http.StatusNotFound, gin.H{"success": false, "message": "route not found"})
			return
		}
		c.Header("Cache-Control", "no-cache")
		c.File(filepath.Join(dir, "index.html"))
	})
}
