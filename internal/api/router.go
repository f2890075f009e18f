// Package api assembles the gin engine: middleware chain plus the route
// table from spec.md §6.
package api

import (
	"time"

	"github.com/gin-gonic/gin"

	apperrors "github.com/streamspace/vscode-devcontainer-manager/internal/errors"
	"github.com/streamspace/vscode-devcontainer-manager/internal/handlers"
	"github.com/streamspace/vscode-devcontainer-manager/internal/middleware"
)

// NewRouter builds the gin engine for the instance manager API.
func NewRouter(h *handlers.Handlers) *gin.Engine {
	router := gin.New()

	router.Use(middleware.RequestID())
	router.Use(apperrors.Recovery())
	router.Use(middleware.StructuredLoggerWithConfigFunc(middleware.DefaultStructuredLoggerConfig()))
	router.Use(middleware.TimeoutWithDuration(60 * time.Second))
	router.Use(apperrors.ErrorHandler())

	router.GET("/", h.Root)
	router.GET("/health", h.Health)

	instances := router.Group("/instances")
	{
		instances.POST("/simple", middleware.DefaultSizeLimiter(), h.CreateSimple)
		instances.POST("/devcontainer", middleware.FileUploadLimiter(), h.CreateDevcontainer)
		instances.POST("/workspace", middleware.FileUploadLimiter(), h.CreateWorkspace)
		instances.GET("", h.ListInstances)
		instances.GET("/:id", h.GetInstance)
		instances.GET("/:id/build-status", h.BuildStatus)
		instances.GET("/:id/build-logs", h.BuildLogs)
		instances.DELETE("/:id", middleware.DefaultSizeLimiter(), h.DeleteInstance)
	}

	return router
}
