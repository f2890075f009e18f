package middleware

import (
	"net/http"

	"github.com/gin-gonic/gin"
)

const (
	// defaultMaxBodySize bounds every route not covered by a more
	// specific limiter below.
	defaultMaxBodySize int64 = 10 * 1024 * 1024

	// maxUploadSize bounds the multipart routes that accept a
	// devcontainer.json or a gzip-tar workspace archive.
	maxUploadSize int64 = 50 * 1024 * 1024
)

// RequestSizeLimiter rejects requests whose declared Content-Length
// exceeds maxSize with 413, and wraps the body in a MaxBytesReader so a
// lying or absent Content-Length can't be used to smuggle a larger body
// past the check.
func RequestSizeLimiter(maxSize int64) gin.HandlerFunc {
	return func(c *gin.Context) {
		if c.Request.Method == http.MethodGet || c.Request.Method == http.MethodHead || c.Request.Method == http.MethodOptions {
			c.Next()
			return
		}

		if c.Request.ContentLength > maxSize {
			c.AbortWithStatusJSON(http.StatusRequestEntityTooLarge, gin.H{
				"error":       "request entity too large",
				"message":     "request body exceeds maximum allowed size",
				"max_size_mb": float64(maxSize) / (1024 * 1024),
			})
			return
		}

		c.Request.Body = http.MaxBytesReader(c.Writer, c.Request.Body, maxSize)
		c.Next()
	}
}

// FileUploadLimiter bounds the devcontainer.json / workspace-archive
// upload routes.
func FileUploadLimiter() gin.HandlerFunc {
	return RequestSizeLimiter(maxUploadSize)
}

// DefaultSizeLimiter bounds every other route accepting a body.
func DefaultSizeLimiter() gin.HandlerFunc {
	return RequestSizeLimiter(defaultMaxBodySize)
}
