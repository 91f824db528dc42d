// Package gateway implements component J: the HTTP facade wiring every
// other component into `GET /v1/models`, `POST /v1/chat/completions`,
// the `/api/admin/*` operations tree, and the Prometheus `/metrics`
// endpoint.
//
// Grounded on middleware/request-id.go's request-scoped context pattern
// in the teacher repo, adapted to the two auth schemes this spec defines
// (worker-key bearer for the chat surface, a single admin bearer token
// for the admin tree) in place of the teacher's session-cookie login.
package gateway

import (
	"strings"

	"github.com/gin-gonic/gin"

	"github.com/laiskygw/geminigw/common/ctxkey"
	"github.com/laiskygw/geminigw/common/random"
	"github.com/laiskygw/geminigw/store"
)

// RequestID stamps every request with a short random id, mirroring
// middleware/request-id.go's header+context pattern.
func RequestID() gin.HandlerFunc {
	return func(c *gin.Context) {
		id := random.ShortID(12)
		c.Set(string(ctxkey.RequestID), id)
		c.Header("X-Request-Id", id)
		c.Next()
	}
}

func bearerToken(c *gin.Context) (string, bool) {
	header := c.GetHeader("Authorization")
	const prefix = "Bearer "
	if !strings.HasPrefix(header, prefix) {
		return "", false
	}
	return strings.TrimPrefix(header, prefix), true
}

// WorkerAuth validates the caller's worker key against the Store and
// stamps its safety flag into the request context for the transformer.
func (g *Gateway) WorkerAuth() gin.HandlerFunc {
	return func(c *gin.Context) {
		token, ok := bearerToken(c)
		if !ok || token == "" {
			writeClientError(c, 401, "missing or malformed Authorization header")
			c.Abort()
			return
		}

		var wk store.WorkerKey
		if err := g.st.DB().WithContext(c.Request.Context()).Where("secret = ?", token).First(&wk).Error; err != nil {
			writeClientError(c, 401, "unknown worker key")
			c.Abort()
			return
		}

		c.Set(string(ctxkey.WorkerKey), &wk)
		c.Next()
	}
}

// AdminAuth gates the admin operations tree behind a single bearer
// token, the minimal stand-in §1 calls for in place of the teacher's
// full session/cookie login flow.
func (g *Gateway) AdminAuth() gin.HandlerFunc {
	return func(c *gin.Context) {
		if g.adminToken == "" {
			writeClientError(c, 403, "admin API is disabled (ADMIN_TOKEN not configured)")
			c.Abort()
			return
		}

		token, ok := bearerToken(c)
		if !ok || token != g.adminToken {
			writeClientError(c, 401, "invalid admin token")
			c.Abort()
			return
		}
		c.Next()
	}
}
