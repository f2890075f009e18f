// Package middleware provides HTTP middleware for the instance manager API.
package middleware

import (
	"time"

	"github.com/gin-gonic/gin"

	"github.com/streamspace/vscode-devcontainer-manager/internal/logger"
)

// StructuredLoggerConfig controls what the access logger records.
type StructuredLoggerConfig struct {
	// SkipPaths are paths excluded from access logging entirely.
	SkipPaths []string

	// LogQuery includes the raw query string when true.
	LogQuery bool
}

// DefaultStructuredLoggerConfig returns the default access-log configuration.
func DefaultStructuredLoggerConfig() StructuredLoggerConfig {
	return StructuredLoggerConfig{
		SkipPaths: []string{"/health"},
		LogQuery:  true,
	}
}

// StructuredLoggerWithConfigFunc logs one structured line per request via zerolog,
// tagged with the request ID set by RequestID.
func StructuredLoggerWithConfigFunc(config StructuredLoggerConfig) gin.HandlerFunc {
	skip := make(map[string]bool, len(config.SkipPaths))
	for _, p := range config.SkipPaths {
		skip[p] = true
	}

	return func(c *gin.Context) {
		path := c.Request.URL.Path
		if skip[path] {
			c.Next()
			return
		}

		start := time.Now()
		raw := c.Request.URL.RawQuery
		c.Next()
		duration := time.Since(start)

		status := c.Writer.Status()
		log := logger.HTTP().With().
			Str("request_id", GetRequestID(c)).
			Str("method", c.Request.Method).
			Str("path", path).
			Int("status", status).
			Dur("duration", duration).
			Str("client_ip", c.ClientIP()).
			Logger()

		if config.LogQuery && raw != "" {
			log = log.With().Str("query", raw).Logger()
		}
		if len(c.Errors) > 0 {
			log = log.With().Str("errors", c.Errors.String()).Logger()
		}

		switch {
		case status >= 500:
			log.Error().Msg("request completed")
		case status >= 400:
			log.Warn().Msg("request completed")
		default:
			log.Info().Msg("request completed")
		}
	}
}
