package api

import (
	"context"
	"crypto/subtle"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/redis/go-redis/v9"
)

// RequestIDHeader lets a claim source retry safely: a second request with the
// same id inside the dedup window is refused instead of re-processed.
const RequestIDHeader = "X-Request-ID"

const requestKeyPrefix = "request:"

// retryableStatus are responses after which the recipient's slot is free
// again (or was never taken), so the same request id may be retried.
var retryableStatus = map[int]bool{
	http.StatusInternalServerError: true,
	http.StatusBadGateway:          true,
	http.StatusServiceUnavailable:  true,
}

// BearerAuth checks "Authorization: Bearer <token>". An empty token disables
// the check.
func BearerAuth(token string) gin.HandlerFunc {
	return func(c *gin.Context) {
		if token == "" {
			c.Next()
			return
		}
		got, ok := strings.CutPrefix(c.GetHeader("Authorization"), "Bearer ")
		if !ok || subtle.ConstantTimeCompare([]byte(got), []byte(token)) != 1 {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
			return
		}
		c.Next()
	}
}

// RequestDedup refuses a repeated X-Request-ID within ttl. Requests without
// the header pass through. The id is forgotten again when the response is
// retryable.
func RequestDedup(rdb *redis.Client, ttl time.Duration) gin.HandlerFunc {
	return func(c *gin.Context) {
		id := strings.TrimSpace(c.GetHeader(RequestIDHeader))
		if id == "" {
			c.Next()
			return
		}
		if len(id) > 128 {
			c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": "request id too long"})
			return
		}

		key := requestKeyPrefix + id
		set, err := rdb.SetNX(c.Request.Context(), key, 1, ttl).Result()
		if err != nil {
			c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{"error": "internal error"})
			return
		}
		if !set {
			c.AbortWithStatusJSON(http.StatusConflict, gin.H{"error": "duplicate request"})
			return
		}
		c.Set("request_id", id)
		c.Next()

		if retryableStatus[c.Writer.Status()] {
			rdb.Del(context.WithoutCancel(c.Request.Context()), key) //nolint:errcheck
		}
	}
}
