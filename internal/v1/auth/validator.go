// Package auth gates the admin HTTP surface with a single shared API key,
// the Go analog of the original Rust implementation's Rocket request guard.
package auth

import (
	"context"
	"crypto/subtle"
	"fmt"
	"net/http"
	"os"
	"strings"

	"github.com/apxproxy/apx/internal/v1/logging"
	"github.com/gin-gonic/gin"
)

const apiKeyHeader = "X-Api-Key"

// APIKeyGuard rejects any request whose X-Api-Key header does not match the
// configured admin key, mirroring api.rs's ApiKey request guard.
type APIKeyGuard struct {
	key string
}

func NewAPIKeyGuard(key string) *APIKeyGuard {
	return &APIKeyGuard{key: key}
}

// Middleware returns a gin handler that aborts with 401 on a missing or
// mismatched key.
func (g *APIKeyGuard) Middleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		supplied := c.GetHeader(apiKeyHeader)
		if supplied == "" || !g.Valid(supplied) {
			logging.Warn(c.Request.Context(), "rejected admin request: missing or invalid API key",
			)
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "invalid api key"})
			return
		}
		c.Next()
	}
}

// Valid performs a constant-time comparison against the configured key.
func (g *APIKeyGuard) Valid(supplied string) bool {
	return subtle.ConstantTimeCompare([]byte(supplied), []byte(g.key)) == 1
}

// GetAllowedOriginsFromEnv reads a comma separated list of allowed origins,
// falling back to sensible local-development defaults and logging the fallback.
func GetAllowedOriginsFromEnv(envVarName string, defaultEnvs []string) []string {
	originsStr := os.Getenv(envVarName)
	if originsStr == "" {
		logging.Warn(context.Background(), fmt.Sprintf("%s environment variable not set. Using default development origins:\n%s", envVarName, defaultEnvs))
		return defaultEnvs
	}
	return strings.Split(originsStr, ",")
}
