package middleware

import (
	"context"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
)

// TimeoutWithDuration aborts a request with 408 if it runs longer than
// timeout, replacing the request context with one bounded by it. The
// handler keeps running in its goroutine after abort (Go has no
// preemptive cancellation of a running handler), but the client gets a
// prompt response and any Gateway call still watching ctx.Done() unwinds.
// Background build pipelines are unaffected: the Coordinator detaches
// them onto context.Background() before this deadline ever applies.
func TimeoutWithDuration(timeout time.Duration) gin.HandlerFunc {
	return func(c *gin.Context) {
		ctx, cancel := context.WithTimeout(c.Request.Context(), timeout)
		defer cancel()
		c.Request = c.Request.WithContext(ctx)

		finished := make(chan struct{})
		go func() {
			c.Next()
			close(finished)
		}()

		select {
		case <-finished:
		case <-ctx.Done():
			c.AbortWithStatusJSON(http.StatusRequestTimeout, gin.H{
				"error":   "request timeout",
				"message": "the request took too long to process",
				"timeout": timeout.String(),
			})
		}
	}
}
