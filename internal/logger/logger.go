package logger

import (
	"os"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// Global logger instance
var (
	Log zerolog.Logger
)

// Initialize sets up the global logger with configuration
func Initialize(level string, pretty bool) {
	// Parse log level
	logLevel, err := zerolog.ParseLevel(level)
	if err != nil {
		logLevel = zerolog.InfoLevel
	}
	zerolog.SetGlobalLevel(logLevel)

	// Configure output format
	if pretty {
		// Pretty console output for development
		log.Logger = log.Output(zerolog.ConsoleWriter{
			Out:        os.Stdout,
			TimeFormat: time.RFC3339,
		})
	} else {
		// JSON output for production
		zerolog.TimeFieldFormat = zerolog.TimeFormatUnix
	}

	// Set global logger
	Log = log.With().
		Str("service", "vscode-devcontainer-manager").
		Logger()

	Log.Info().
		Str("level", logLevel.String()).
		Bool("pretty", pretty).
		Msg("Logger initialized")
}

// GetLogger returns the global logger instance
func GetLogger() *zerolog.Logger {
	return &Log
}

// HTTP creates a logger for HTTP request events
func HTTP() *zerolog.Logger {
	l := Log.With().Str("component", "http").Logger()
	return &l
}

// Gateway creates a logger for orchestrator gateway operations
func Gateway() *zerolog.Logger {
	l := Log.With().Str("component", "gateway").Logger()
	return &l
}

// Builder creates a logger for image build/push operations
func Builder() *zerolog.Logger {
	l := Log.With().Str("component", "builder").Logger()
	return &l
}

// Coordinator creates a logger for instance lifecycle operations
func Coordinator() *zerolog.Logger {
	l := Log.With().Str("component", "coordinator").Logger()
	return &l
}

// Tracker creates a logger for build-tracker operations
func Tracker() *zerolog.Logger {
	l := Log.With().Str("component", "tracker").Logger()
	return &l
}
