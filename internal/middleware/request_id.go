package middleware

import (
	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
)

const (
	// RequestIDHeader carries the correlation ID on both the inbound
	// request (if the caller already has one) and every response.
	RequestIDHeader = "X-Request-ID"

	// RequestIDKey is the gin context key the ID is stored under.
	RequestIDKey = "request_id"
)

// RequestID assigns a correlation ID to the request, reusing one the
// caller already supplied so a request forwarded from an upstream proxy
// keeps the same ID end to end.
func RequestID() gin.HandlerFunc {
	return func(c *gin.Context) {
		requestID := c.GetHeader(RequestIDHeader)
		if requestID == "" {
			requestID = uuid.New().String()
		}

		c.Set(RequestIDKey, requestID)
		c.Header(RequestIDHeader, requestID)
		c.Next()
	}
}

// GetRequestID returns the current request's correlation ID, or "" if
// RequestID hasn't run.
func GetRequestID(c *gin.Context) string {
	if requestID, exists := c.Get(RequestIDKey); exists {
		if id, ok := requestID.(string); ok {
			return id
		}
	}
	return ""
}
