package middleware

import (
	"crypto/subtle"
	"net/http"

	"github.com/gin-gonic/gin"
)

// HeaderAPIKey carries the shared admin key.
const HeaderAPIKey = "X-API-Key"

// ClientIDKey is the Gin context key holding the authenticated client id.
const ClientIDKey = "clientID"

// anonymousClient is the identity used when the API key gate is disabled.
const anonymousClient = "anonymous"

// APIKeyAuth gates requests on a shared admin key sent in X-API-Key (or as a
// Bearer token). An empty key disables the gate; every request is then
// attributed to the anonymous client.
//
// On success the client id ("admin") is stored under ClientIDKey so that the
// rate limiter, the idempotency layer and the request logger can key on it.
func APIKeyAuth(key string) gin.HandlerFunc {
	want := []byte(key)
	return func(c *gin.Context) {
		if key == "" {
			setClient(c, anonymousClient)
			c.Next()
			return
		}

		got := c.GetHeader(HeaderAPIKey)
		if got == "" {
			if h := c.GetHeader("Authorization"); len(h) > 7 && h[:7] == "Bearer " {
				got = h[7:]
			}
		}
		if subtle.ConstantTimeCompare([]byte(got), want) != 1 {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{
				"request_id": c.Writer.Header().Get("X-Request-ID"),
				"code":       "unauthorized",
				"message":    "missing or invalid API key",
			})
			return
		}

		setClient(c, "admin")
		c.Next()
	}
}

// setClient records the client id and tags the request-scoped logger with it.
func setClient(c *gin.Context, id string) {
	c.Set(ClientIDKey, id)
	l := LoggerFrom(c).With().Str("client_id", id).Logger()
	c.Set(loggerKey, &l)
}

// ClientID returns the client identity stored by APIKeyAuth, falling back to
// the anonymous client when none is set.
func ClientID(c *gin.Context) string {
	if v, ok := c.Get(ClientIDKey); ok {
		if s, ok := v.(string); ok && s != "" {
			return s
		}
	}
	return anonymousClient
}
