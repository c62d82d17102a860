package middleware

import (
	"crypto/subtle"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/chenyme/grok2api/common/config"
	"github.com/chenyme/grok2api/common/ctxkey"
	relaymodel "github.com/chenyme/grok2api/relay/model"
)

func keyMatches(got, want string) bool {
	return subtle.ConstantTimeCompare([]byte(got), []byte(want)) == 1
}

// APIKeyAuth protects the public /v1 API with app.api_key. An empty key
// leaves the API open.
func APIKeyAuth() gin.HandlerFunc {
	return func(c *gin.Context) {
		want := config.Get().App.APIKey
		if want == "" || keyMatches(bearerToken(c), want) {
			c.Next()
			return
		}
		AbortWithRelayError(c, relaymodel.NewError(http.StatusUnauthorized,
			relaymodel.ErrorTypeInvalidRequest, "", "invalid_api_key", "Invalid API key"))
	}
}

// AdminAuth protects /v1/admin with app.app_key. Unlike the public key, an
// empty app key locks the admin API.
func AdminAuth() gin.HandlerFunc {
	return func(c *gin.Context) {
		want := config.Get().App.AppKey
		if want == "" {
			AbortWithRelayError(c, relaymodel.NewError(http.StatusForbidden,
				relaymodel.ErrorTypeInvalidRequest, "", "admin_disabled", "app_key is not configured"))
			return
		}
		if !keyMatches(bearerToken(c), want) {
			AbortWithRelayError(c, relaymodel.NewError(http.StatusUnauthorized,
				relaymodel.ErrorTypeInvalidRequest, "", "invalid_app_key", "Invalid app key"))
			return
		}
		c.Set(ctxkey.AdminAuthed, true)
		c.Next()
	}
}
