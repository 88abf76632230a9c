package auth

import (
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
)

const (
	// operatorCtxKey holds the operator name resolved from X-API-Key.
	operatorCtxKey = "operator"
	// partnerCtxKey holds the partner tag resolved from the bearer token.
	partnerCtxKey = "partner_tag"
)

// APIKeyMiddleware guards the operator surface by mapping X-API-Key → operator.
// In production this mapping would typically come from a secret manager.
func APIKeyMiddleware(keys map[string]string) gin.HandlerFunc {
	return func(c *gin.Context) {
		apiKey := strings.TrimSpace(c.GetHeader("X-API-Key"))
		operator, ok := keys[apiKey]
		if !ok {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
			return
		}
		c.Set(operatorCtxKey, operator)
		c.Next()
	}
}

// QueryKeyFallback copies the named query parameter into X-API-Key when the
// header is absent. Browser websocket clients cannot set headers, so the feed
// route runs it ahead of APIKeyMiddleware.
func QueryKeyFallback(param string) gin.HandlerFunc {
	return func(c *gin.Context) {
		if c.GetHeader("X-API-Key") == "" {
			if k := c.Query(param); k != "" {
				c.Request.Header.Set("X-API-Key", k)
			}
		}
		c.Next()
	}
}

// BearerMiddleware guards the partner endpoints. The token is scoped to one
// partner project; the resolved tag is what ingest compares "source" against.
func BearerMiddleware(tokens map[string]string) gin.HandlerFunc {
	return func(c *gin.Context) {
		h := c.GetHeader("Authorization")
		token, found := strings.CutPrefix(h, "Bearer ")
		if !found {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "bearer token required"})
			return
		}
		tag, ok := tokens[strings.TrimSpace(token)]
		if !ok {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
			return
		}
		c.Set(partnerCtxKey, tag)
		c.Next()
	}
}

// Operator returns the authenticated operator name from the request context.
func Operator(c *gin.Context) string {
	return ctxString(c, operatorCtxKey)
}

// Partner returns the authenticated partner tag from the request context.
func Partner(c *gin.Context) string {
	return ctxString(c, partnerCtxKey)
}

func ctxString(c *gin.Context, key string) string {
	v, _ := c.Get(key)
	s, _ := v.(string)
	return s
}
