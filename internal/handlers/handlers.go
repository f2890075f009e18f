// Package handlers implements the Public API Surface (spec.md §4.7, §6):
// the gin route handlers for the instance-lifecycle HTTP endpoints, plus
// request validation per §4.7 and the error-propagation policy in §7.
package handlers

import (
	"context"
	"errors"
	"io"
	"net/http"

	"github.com/gin-gonic/gin"

	apperrors "github.com/streamspace/vscode-devcontainer-manager/internal/errors"
	k8serrors "github.com/streamspace/vscode-devcontainer-manager/internal/k8s"
	"github.com/streamspace/vscode-devcontainer-manager/internal/model"
	"github.com/streamspace/vscode-devcontainer-manager/internal/naming"
	"github.com/streamspace/vscode-devcontainer-manager/internal/validator"
)

const serviceName = "vscode-devcontainer-manager"
const serviceVersion = "1.0.0"

// Coordinator is the Instance Lifecycle Coordinator surface these handlers
// depend on.
type Coordinator interface {
	CreateSimple(ctx context.Context, params model.CreateParams) (model.InstanceResponse, error)
	CreateWithDevcontainer(ctx context.Context, params model.CreateParams, devcontainer map[string]interface{}) (model.InstanceResponse, error)
	CreateWithWorkspaceArchive(ctx context.Context, params model.CreateParams, archive []byte) (model.InstanceResponse, error)
	Delete(ctx context.Context, instanceID string) (bool, error)
	Status(ctx context.Context, instanceID string) (string, error)
	Get(ctx context.Context, instanceID string) (model.InstanceResponse, error)
	List(ctx context.Context, userID string) ([]model.InstanceResponse, error)
	BuildLogs(ctx context.Context, instanceID string) (string, error)
}

// Tracker is the Build Job Tracker surface these handlers depend on, for
// the build-status and build-logs endpoints.
type Tracker interface {
	Read(ctx context.Context, instanceID string, configExists func(context.Context) (bool, error)) (model.BuildStatusResponse, error)
}

// Handlers wires the Coordinator and Tracker into gin route handlers.
type Handlers struct {
	coordinator Coordinator
	tracker     Tracker
}

// New builds a Handlers instance.
func New(coordinator Coordinator, tracker Tracker) *Handlers {
	return &Handlers{coordinator: coordinator, tracker: tracker}
}

// simpleRequest mirrors VSCodeServerRequest from spec.md §6.
type simpleRequest struct {
	UserID            string `json:"user_id" binding:"required"`
	StorageSize       string `json:"storage_size"`
	SharedStorageSize string `json:"shared_storage_size"`
	MemoryRequest     string `json:"memory_request"`
	MemoryLimit       string `json:"memory_limit"`
	CPURequest        string `json:"cpu_request"`
	CPULimit          string `json:"cpu_limit"`
	BaseImage         string `json:"base_image"`
	VSCodeVersion     string `json:"vscode_version"`
}

func (r simpleRequest) toParams() model.CreateParams {
	baseImage := r.BaseImage
	if baseImage == "" {
		baseImage = model.DefaultBaseImage
	}
	return model.CreateParams{
		UserID:        r.UserID,
		BaseImage:     baseImage,
		EditorVersion: r.VSCodeVersion,
		Resources: model.ResourceSpec{
			StorageSize:       r.StorageSize,
			SharedStorageSize: r.SharedStorageSize,
			MemoryRequest:     r.MemoryRequest,
			MemoryLimit:       r.MemoryLimit,
			CPURequest:        r.CPURequest,
			CPULimit:          r.CPULimit,
		},
	}
}

// Root handles GET /.
func (h *Handlers) Root(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok", "service": serviceName, "version": serviceVersion})
}

// Health handles GET /health.
func (h *Handlers) Health(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok", "service": serviceName})
}

// CreateSimple handles POST /instances/simple.
func (h *Handlers) CreateSimple(c *gin.Context) {
	var req simpleRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		apperrors.AbortWithError(c, apperrors.InvalidRequest("invalid request body: "+err.Error()))
		return
	}

	params := req.toParams()
	if err := validator.BaseImage(params.BaseImage); err != nil {
		apperrors.AbortWithError(c, apperrors.InvalidRequest(err.Error()))
		return
	}

	resp, err := h.coordinator.CreateSimple(c.Request.Context(), params)
	if err != nil {
		handleCoordinatorError(c, err)
		return
	}
	c.JSON(http.StatusCreated, resp)
}

// CreateDevcontainer handles POST /instances/devcontainer.
func (h *Handlers) CreateDevcontainer(c *gin.Context) {
	params, ok := h.multipartParams(c)
	if !ok {
		return
	}

	file, _, err := c.Request.FormFile("devcontainer_json")
	if err != nil {
		apperrors.AbortWithError(c, apperrors.InvalidRequest("missing devcontainer_json file: "+err.Error()))
		return
	}
	defer file.Close()

	raw, err := io.ReadAll(file)
	if err != nil {
		apperrors.AbortWithError(c, apperrors.InvalidRequest("failed to read devcontainer_json: "+err.Error()))
		return
	}

	doc, err := validator.DevcontainerJSON(raw)
	if err != nil {
		apperrors.AbortWithError(c, apperrors.InvalidRequest(err.Error()))
		return
	}

	resp, err := h.coordinator.CreateWithDevcontainer(c.Request.Context(), params, doc)
	if err != nil {
		handleCoordinatorError(c, err)
		return
	}
	c.JSON(http.StatusCreated, resp)
}

// CreateWorkspace handles POST /instances/workspace.
func (h *Handlers) CreateWorkspace(c *gin.Context) {
	params, ok := h.multipartParams(c)
	if !ok {
		return
	}

	file, _, err := c.Request.FormFile("workspace")
	if err != nil {
		apperrors.AbortWithError(c, apperrors.InvalidRequest("missing workspace file: "+err.Error()))
		return
	}
	defer file.Close()

	raw, err := io.ReadAll(file)
	if err != nil {
		apperrors.AbortWithError(c, apperrors.InvalidRequest("failed to read workspace archive: "+err.Error()))
		return
	}

	if err := validator.WorkspaceArchiveContainsDevcontainer(raw); err != nil {
		apperrors.AbortWithError(c, apperrors.InvalidRequest(err.Error()))
		return
	}

	resp, err := h.coordinator.CreateWithWorkspaceArchive(c.Request.Context(), params, raw)
	if err != nil {
		handleCoordinatorError(c, err)
		return
	}
	c.JSON(http.StatusCreated, resp)
}

// multipartParams extracts the shared create-request fields out of a
// multipart form, requiring user_id. base_image is not read from the form.
func (h *Handlers) multipartParams(c *gin.Context) (model.CreateParams, bool) {
	userID := c.Request.FormValue("user_id")
	if userID == "" {
		apperrors.AbortWithError(c, apperrors.InvalidRequest("user_id is required"))
		return model.CreateParams{}, false
	}

	params := model.CreateParams{
		UserID:        userID,
		EditorVersion: c.Request.FormValue("vscode_version"),
		Resources: model.ResourceSpec{
			StorageSize:       c.Request.FormValue("storage_size"),
			SharedStorageSize: c.Request.FormValue("shared_storage_size"),
			MemoryRequest:     c.Request.FormValue("memory_request"),
			MemoryLimit:       c.Request.FormValue("memory_limit"),
			CPURequest:        c.Request.FormValue("cpu_request"),
			CPULimit:          c.Request.FormValue("cpu_limit"),
		},
	}
	return params, true
}

// GetInstance handles GET /instances/{id}.
func (h *Handlers) GetInstance(c *gin.Context) {
	resp, err := h.coordinator.Get(c.Request.Context(), c.Param("id"))
	if err != nil {
		handleCoordinatorError(c, err)
		return
	}
	c.JSON(http.StatusOK, resp)
}

// ListInstances handles the supplemented GET /instances listing endpoint.
func (h *Handlers) ListInstances(c *gin.Context) {
	instances, err := h.coordinator.List(c.Request.Context(), c.Query("user_id"))
	if err != nil {
		handleCoordinatorError(c, err)
		return
	}
	c.JSON(http.StatusOK, model.InstanceListResponse{Instances: instances})
}

// BuildStatus handles GET /instances/{id}/build-status.
func (h *Handlers) BuildStatus(c *gin.Context) {
	instanceID := c.Param("id")
	status, err := h.tracker.Read(c.Request.Context(), instanceID, func(ctx context.Context) (bool, error) {
		_, err := h.coordinator.Get(ctx, instanceID)
		if err == nil {
			return true, nil
		}
		if errors.Is(err, k8serrors.ErrNotFound) {
			return false, nil
		}
		return false, err
	})
	if err != nil {
		handleCoordinatorError(c, err)
		return
	}
	c.JSON(http.StatusOK, status)
}

// BuildLogs handles GET /instances/{id}/build-logs.
func (h *Handlers) BuildLogs(c *gin.Context) {
	instanceID := c.Param("id")
	status, err := h.tracker.Read(c.Request.Context(), instanceID, func(ctx context.Context) (bool, error) {
		_, err := h.coordinator.Get(ctx, instanceID)
		if err == nil {
			return true, nil
		}
		if errors.Is(err, k8serrors.ErrNotFound) {
			return false, nil
		}
		return false, err
	})
	if err != nil {
		handleCoordinatorError(c, err)
		return
	}

	logs, err := h.coordinator.BuildLogs(c.Request.Context(), instanceID)
	if err != nil && !errors.Is(err, k8serrors.ErrNotFound) {
		handleCoordinatorError(c, err)
		return
	}
	c.JSON(http.StatusOK, model.BuildLogsResponse{InstanceID: status.InstanceID, Status: status.Status, Logs: logs})
}

// DeleteInstance handles DELETE /instances/{id}.
func (h *Handlers) DeleteInstance(c *gin.Context) {
	instanceID := c.Param("id")
	deleted, err := h.coordinator.Delete(c.Request.Context(), instanceID)
	if err != nil {
		handleCoordinatorError(c, err)
		return
	}
	if !deleted {
		apperrors.AbortWithError(c, apperrors.NotFound("instance"))
		return
	}
	c.JSON(http.StatusOK, gin.H{"instance_id": instanceID, "status": model.StatusDeleted})
}

// handleCoordinatorError maps the Orchestrator Gateway's sentinel errors
// onto the client-visible error kinds of spec.md §7.
func handleCoordinatorError(c *gin.Context, err error) {
	switch {
	case errors.Is(err, k8serrors.ErrNotFound):
		apperrors.AbortWithError(c, apperrors.NotFound("instance"))
	case errors.As(err, new(*naming.ErrInvalidUserID)):
		apperrors.AbortWithError(c, apperrors.InvalidRequest(err.Error()))
	default:
		apperrors.AbortWithError(c, apperrors.UpstreamTransient(err))
	}
}
