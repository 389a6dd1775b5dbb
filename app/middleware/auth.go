package middleware

import (
	"crypto/subtle"
	"net/http"
	"strings"

	"loadmesh/pkg/config"
	"loadmesh/pkg/logger"

	"github.com/gin-gonic/gin"
)

// AuthMiddleware guards the run-control API with a static bearer token.
// An empty server.api_key disables the check, the usual setup for local
// and in-cluster deployments.
func AuthMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		apiKey := config.GlobalConfig.Server.APIKey
		if apiKey == "" {
			logger.DebugCtx(c.Request.Context(), "api key not configured, skipping auth")
			c.Next()
			return
		}

		token := strings.TrimPrefix(c.GetHeader("Authorization"), "Bearer ")
		if subtle.ConstantTimeCompare([]byte(token), []byte(apiKey)) != 1 {
			logger.WarnCtx(c.Request.Context(), "unauthorized request, invalid api key")
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
			return
		}

		c.Next()
	}
}
