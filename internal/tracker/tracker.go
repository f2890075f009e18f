// Package tracker implements the Build Job Tracker (spec.md §4.5):
// persists build state in the orchestrator-visible `<id>-build-status`
// ConfigMap so the service itself holds no process-local build state.
package tracker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	corev1 "k8s.io/api/core/v1"

	k8serrors "github.com/streamspace/vscode-devcontainer-manager/internal/k8s"
	"github.com/streamspace/vscode-devcontainer-manager/internal/logger"
	"github.com/streamspace/vscode-devcontainer-manager/internal/model"
	"github.com/streamspace/vscode-devcontainer-manager/internal/naming"
)

// Tracker persists build-status records via the Orchestrator Gateway.
// It enforces no transition logic itself — the Coordinator is the single
// writer responsible for calling SetState in the right order.
type Tracker struct {
	gw Gateway
}

// Gateway is the Orchestrator Gateway surface the tracker depends on,
// expressed as an interface so tests can use a fake without constructing
// a full k8s.Gateway.
type Gateway interface {
	EnsureConfigMap(ctx context.Context, name string, data map[string]string, labels map[string]string) (*corev1.ConfigMap, error)
	ReadConfigMap(ctx context.Context, name string) (*corev1.ConfigMap, error)
	PatchConfigMap(ctx context.Context, name string, data map[string]string) error
	DeleteConfigMap(ctx context.Context, name string) error
}

// New builds a Tracker over the given Orchestrator Gateway adapter.
func New(gw Gateway) *Tracker {
	return &Tracker{gw: gw}
}

// Start creates the `<id>-build-status` record in the queued state,
// embedding the full parameter set the background job will need (spec.md
// §4.6 "write build-status := queued, embedding the full parameter set").
func (t *Tracker) Start(ctx context.Context, instanceID string, params interface{}) error {
	encoded, err := json.Marshal(params)
	if err != nil {
		return fmt.Errorf("tracker: encoding build params: %w", err)
	}

	name := naming.ObjectName(naming.KindBuildStatus, instanceID, "")
	data := map[string]string{
		"status": model.BuildStateQueued,
		"config": string(encoded),
	}
	_, err = t.gw.EnsureConfigMap(ctx, name, data, map[string]string{"app": "vscode-server", "instance": instanceID})
	if err != nil {
		return fmt.Errorf("tracker: starting build record for %s: %w", instanceID, err)
	}
	logger.Tracker().Info().Str("instance", instanceID).Msg("build tracker started")
	return nil
}

// SetState transitions the build-status record. errMsg is only persisted
// when state is failed.
func (t *Tracker) SetState(ctx context.Context, instanceID, state string, errMsg string) error {
	name := naming.ObjectName(naming.KindBuildStatus, instanceID, "")
	data := map[string]string{"status": state}
	if state == model.BuildStateFailed {
		data["error"] = errMsg
	}

	if err := t.gw.PatchConfigMap(ctx, name, data); err != nil {
		return fmt.Errorf("tracker: setting state %s for %s: %w", state, instanceID, err)
	}
	logger.Tracker().Debug().Str("instance", instanceID).Str("state", state).Msg("build state transition")
	return nil
}

// Read returns the current build status, synthesizing "completed" when
// the tracker record is gone but the instance's config record still
// exists (spec.md §4.5 "permitting stateless garbage collection").
func (t *Tracker) Read(ctx context.Context, instanceID string, configExists func(context.Context) (bool, error)) (model.BuildStatusResponse, error) {
	name := naming.ObjectName(naming.KindBuildStatus, instanceID, "")
	cm, err := t.gw.ReadConfigMap(ctx, name)
	if err == nil {
		resp := model.BuildStatusResponse{InstanceID: instanceID, Status: cm.Data["status"]}
		if resp.Status == "" {
			resp.Status = "unknown"
		}
		if errMsg, ok := cm.Data["error"]; ok && errMsg != "" {
			resp.Error = &errMsg
		}
		return resp, nil
	}

	if !errors.Is(err, k8serrors.ErrNotFound) {
		return model.BuildStatusResponse{}, fmt.Errorf("tracker: reading build status for %s: %w", instanceID, err)
	}

	exists, existsErr := configExists(ctx)
	if existsErr != nil {
		return model.BuildStatusResponse{}, fmt.Errorf("tracker: checking config record for %s: %w", instanceID, existsErr)
	}
	if !exists {
		return model.BuildStatusResponse{}, k8serrors.ErrNotFound
	}
	return model.BuildStatusResponse{InstanceID: instanceID, Status: model.BuildStateCompleted}, nil
}

// Delete removes the build-status record, tolerating its absence.
func (t *Tracker) Delete(ctx context.Context, instanceID string) error {
	name := naming.ObjectName(naming.KindBuildStatus, instanceID, "")
	err := t.gw.DeleteConfigMap(ctx, name)
	if err != nil && !errors.Is(err, k8serrors.ErrNotFound) {
		return fmt.Errorf("tracker: deleting build status for %s: %w", instanceID, err)
	}
	return nil
}
