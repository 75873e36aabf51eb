package middleware

import (
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"

	"donation-sync/internal/observability"
	"donation-sync/internal/telemetry"
)

const (
	UserIDKey    = "userID"
	RequestIDKey = "request_id"
)

// Identity resolves the caller from X-User-ID (or the user_id query parameter,
// for websocket clients that cannot set headers). Authentication happens
// upstream; this service trusts the gateway.
func Identity() gin.HandlerFunc {
	return func(c *gin.Context) {
		userID := strings.TrimSpace(observability.UserIDFromRequest(c.Request))
		if userID == "" {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "missing user id"})
			return
		}

		c.Set(UserIDKey, userID)
		c.Next()
	}
}

// RequestID makes X-Request-Id available to handlers and to audit envelopes
// emitted with the request context.
func RequestID() gin.HandlerFunc {
	return func(c *gin.Context) {
		requestID := observability.RequestIDFromRequest(c.Request)
		c.Set(RequestIDKey, requestID)
		c.Header("X-Request-Id", requestID)
		c.Request = c.Request.WithContext(telemetry.WithRequestID(c.Request.Context(), requestID))
		c.Next()
	}
}

// UserID returns the identity set by Identity.
func UserID(c *gin.Context) string {
	return c.GetString(UserIDKey)
}
