package api

import (
	"crypto/subtle"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
)

// APIKeyAuth guards the management routes. Keys are accepted as a bearer token
// or in the X-Api-Key header. With no keys configured the API is open, which
// is only sensible behind a trusted reverse proxy.
func APIKeyAuth(keys []string) gin.HandlerFunc {
	trimmed := make([]string, 0, len(keys))
	for _, key := range keys {
		if k := strings.TrimSpace(key); k != "" {
			trimmed = append(trimmed, k)
		}
	}
	return func(c *gin.Context) {
		if len(trimmed) == 0 {
			c.Next()
			return
		}
		presented := extractAPIKey(c)
		if presented != "" {
			for _, key := range trimmed {
				if subtle.ConstantTimeCompare([]byte(presented), []byte(key)) == 1 {
					c.Next()
					return
				}
			}
		}
		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "invalid or missing API key"})
	}
}

func extractAPIKey(c *gin.Context) string {
	if header := strings.TrimSpace(c.GetHeader("Authorization")); header != "" {
		if strings.HasPrefix(strings.ToLower(header), "bearer ") {
			return strings.TrimSpace(header[len("bearer "):])
		}
	}
	return strings.TrimSpace(c.GetHeader("X-Api-Key"))
}
