// Package coordinator implements the Instance Lifecycle Coordinator
// (spec.md §4.6): the only component that sequences the Orchestrator
// Gateway, Image Builder, Session Template, and Build Job Tracker into
// the create/delete/status/get operations the public API exposes.
package coordinator

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"time"

	appsv1 "k8s.io/api/apps/v1"
	corev1 "k8s.io/api/core/v1"
	networkingv1 "k8s.io/api/networking/v1"
	"k8s.io/apimachinery/pkg/api/resource"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"

	"github.com/streamspace/vscode-devcontainer-manager/internal/builder"
	k8serrors "github.com/streamspace/vscode-devcontainer-manager/internal/k8s"
	"github.com/streamspace/vscode-devcontainer-manager/internal/logger"
	"github.com/streamspace/vscode-devcontainer-manager/internal/model"
	"github.com/streamspace/vscode-devcontainer-manager/internal/naming"
	"github.com/streamspace/vscode-devcontainer-manager/internal/template"
)

// trackerCleanupDelay is how long a completed build record stays readable
// before the Coordinator garbage-collects it, per spec.md §4.5. A failed
// build record is not scheduled for cleanup; Delete removes it.
const trackerCleanupDelay = 300 * time.Second

// buildRunner is the Image Builder surface the Coordinator depends on.
// *builder.Builder satisfies it directly.
type buildRunner interface {
	Build(ctx context.Context, instanceID, workspaceDir string, devcontainerOverride map[string]interface{}) (builder.Result, error)
}

// buildTracker is the Build Job Tracker surface the Coordinator depends
// on. *tracker.Tracker satisfies it directly.
type buildTracker interface {
	Start(ctx context.Context, instanceID string, params interface{}) error
	SetState(ctx context.Context, instanceID, state, errMsg string) error
	Read(ctx context.Context, instanceID string, configExists func(context.Context) (bool, error)) (model.BuildStatusResponse, error)
	Delete(ctx context.Context, instanceID string) error
}

// Coordinator sequences orchestrator object creation/deletion and the
// background build pipeline for every instance.
type Coordinator struct {
	gw          Gateway
	build       buildRunner
	tr          buildTracker
	baseDomain  string
	tlsSecret   string
	pullAddress string
}

// Gateway is the full Orchestrator Gateway surface the Coordinator uses.
// *k8s.Gateway satisfies it directly; defined here (rather than imported
// from internal/k8s) so tests can substitute a narrower fake.
type Gateway interface {
	EnsureConfigMap(ctx context.Context, name string, data map[string]string, labels map[string]string) (*corev1.ConfigMap, error)
	ReadConfigMap(ctx context.Context, name string) (*corev1.ConfigMap, error)
	DeleteConfigMap(ctx context.Context, name string) error

	EnsurePVC(ctx context.Context, name string, pvc *corev1.PersistentVolumeClaim) (*corev1.PersistentVolumeClaim, error)
	DeletePVC(ctx context.Context, name string) error

	EnsureDeployment(ctx context.Context, name string, deployment *appsv1.Deployment) (*appsv1.Deployment, error)
	ReadDeployment(ctx context.Context, name string) (*appsv1.Deployment, error)
	DeleteDeployment(ctx context.Context, name string) error
	ListDeployments(ctx context.Context, labelSelector string) ([]appsv1.Deployment, error)

	EnsureService(ctx context.Context, name string, svc *corev1.Service) (*corev1.Service, error)
	DeleteService(ctx context.Context, name string) error

	EnsureIngress(ctx context.Context, name string, ingress *networkingv1.Ingress) (*networkingv1.Ingress, error)
	DeleteIngress(ctx context.Context, name string) error
}

// New builds a Coordinator over the concrete Gateway, Builder, and Tracker
// the rest of the service constructs at startup. pullAddress is the
// registry address pods will pull build images from (internal/registry's
// resolved Pull address), used only to shape the queued-response preview.
func New(gw Gateway, build buildRunner, tr buildTracker, baseDomain, tlsSecret, pullAddress string) *Coordinator {
	return &Coordinator{gw: gw, build: build, tr: tr, baseDomain: baseDomain, tlsSecret: tlsSecret, pullAddress: pullAddress}
}

// CreateSimple provisions an instance running baseImage directly, with no
// build step (spec.md §4.6 "simple" path).
func (c *Coordinator) CreateSimple(ctx context.Context, params model.CreateParams) (model.InstanceResponse, error) {
	instanceID, err := naming.InstanceID(params.UserID)
	if err != nil {
		return model.InstanceResponse{}, err
	}
	token, err := naming.AccessToken()
	if err != nil {
		return model.InstanceResponse{}, fmt.Errorf("coordinator: generating access token: %w", err)
	}
	resources := params.Resources.WithDefaults()
	editorVersion := params.EditorVersion
	if editorVersion == "" {
		editorVersion = model.DefaultEditorVersion
	}

	logger.Coordinator().Info().Str("instance", instanceID).Str("user", params.UserID).Msg("creating simple instance")

	data, err := configMapData(token, params.BaseImage, "", editorVersion, model.Customization{})
	if err != nil {
		return model.InstanceResponse{}, err
	}
	if err := c.provision(ctx, instanceID, params.UserID, params.BaseImage, resources, editorVersion, data); err != nil {
		return model.InstanceResponse{}, err
	}

	return model.InstanceResponse{
		InstanceID:  instanceID,
		URL:         c.instanceURL(instanceID, token),
		AccessToken: token,
		Status:      model.StatusCreating,
		BaseImage:   params.BaseImage,
	}, nil
}

// CreateWithDevcontainer queues a background build from an inline
// devcontainer.json document and returns immediately with status "queued".
func (c *Coordinator) CreateWithDevcontainer(ctx context.Context, params model.CreateParams, devcontainer map[string]interface{}) (model.InstanceResponse, error) {
	instanceID, token, editorVersion, resources, err := c.prepareBuild(ctx, params)
	if err != nil {
		return model.InstanceResponse{}, err
	}

	go c.runBuildPipeline(context.Background(), instanceID, params.UserID, token, editorVersion, resources,
		func(workspaceDir string) (map[string]interface{}, error) { return devcontainer, nil })

	return c.queuedResponse(instanceID, token), nil
}

// CreateWithWorkspaceArchive queues a background build that first extracts
// a workspace archive to find its devcontainer.json.
func (c *Coordinator) CreateWithWorkspaceArchive(ctx context.Context, params model.CreateParams, archive []byte) (model.InstanceResponse, error) {
	instanceID, token, editorVersion, resources, err := c.prepareBuild(ctx, params)
	if err != nil {
		return model.InstanceResponse{}, err
	}

	go c.runBuildPipeline(context.Background(), instanceID, params.UserID, token, editorVersion, resources,
		func(workspaceDir string) (map[string]interface{}, error) { return extractDevcontainerDoc(archive, workspaceDir) })

	return c.queuedResponse(instanceID, token), nil
}

func extractDevcontainerDoc(archive []byte, workspaceDir string) (map[string]interface{}, error) {
	devcontainerPath, err := extractWorkspaceArchive(archive, workspaceDir)
	if err != nil {
		return nil, err
	}
	raw, err := os.ReadFile(devcontainerPath)
	if err != nil {
		return nil, fmt.Errorf("coordinator: reading extracted devcontainer.json: %w", err)
	}
	var doc map[string]interface{}
	if err := json.Unmarshal(raw, &doc); err != nil {
		return nil, fmt.Errorf("coordinator: parsing extracted devcontainer.json: %w", err)
	}
	return doc, nil
}

// prepareBuild generates identifiers and writes the queued build-status
// record shared by both build-triggering create paths.
func (c *Coordinator) prepareBuild(ctx context.Context, params model.CreateParams) (instanceID, token, editorVersion string, resources model.ResourceSpec, err error) {
	instanceID, err = naming.InstanceID(params.UserID)
	if err != nil {
		return "", "", "", model.ResourceSpec{}, err
	}
	token, err = naming.AccessToken()
	if err != nil {
		return "", "", "", model.ResourceSpec{}, fmt.Errorf("coordinator: generating access token: %w", err)
	}
	editorVersion = params.EditorVersion
	if editorVersion == "" {
		editorVersion = model.DefaultEditorVersion
	}
	resources = params.Resources.WithDefaults()

	buildParams := map[string]string{"user_id": params.UserID, "editor_version": editorVersion}
	if err := c.tr.Start(ctx, instanceID, buildParams); err != nil {
		return "", "", "", model.ResourceSpec{}, err
	}
	return instanceID, token, editorVersion, resources, nil
}

func (c *Coordinator) queuedResponse(instanceID, token string) model.InstanceResponse {
	pullImage := fmt.Sprintf("%s/vscode-devcontainer-%s:latest", c.pullAddress, instanceID)
	buildLogsURL := fmt.Sprintf("https://%s%s/build-logs", c.baseDomain, naming.InstancePath(instanceID))
	return model.InstanceResponse{
		InstanceID:        instanceID,
		URL:               c.instanceURL(instanceID, token),
		AccessToken:       token,
		Status:            model.StatusQueued,
		BaseImage:         model.DefaultBaseImage,
		DevcontainerImage: &pullImage,
		BuildLogsURL:      &buildLogsURL,
	}
}

// runBuildPipeline drives build -> deploy for both build-triggering create
// paths. It carries its own background context (spec.md §5 "Cancellation":
// a client disconnect must not cancel an enqueued build). prepareWorkspace
// materializes whatever the build needs into workspaceDir and returns the
// devcontainer.json document, used both as a write-through override for the
// Builder and as the source of VS Code customizations for the deployed
// config record.
func (c *Coordinator) runBuildPipeline(ctx context.Context, instanceID, userID, token, editorVersion string, resources model.ResourceSpec, prepareWorkspace func(workspaceDir string) (map[string]interface{}, error)) {
	log := logger.Coordinator().With().Str("instance", instanceID).Logger()

	if err := c.tr.SetState(ctx, instanceID, model.BuildStateBuilding, ""); err != nil {
		log.Error().Err(err).Msg("failed to record building state")
	}

	workspaceDir, err := os.MkdirTemp("", "devcontainer-build-*")
	if err != nil {
		c.fail(ctx, instanceID, fmt.Errorf("coordinator: creating build workspace: %w", err))
		return
	}
	defer os.RemoveAll(workspaceDir)

	devcontainer, err := prepareWorkspace(workspaceDir)
	if err != nil {
		c.fail(ctx, instanceID, err)
		return
	}

	result, err := c.build.Build(ctx, instanceID, workspaceDir, devcontainer)
	if logErr := c.persistBuildLogs(ctx, instanceID, result.Logs); logErr != nil {
		log.Warn().Err(logErr).Msg("failed to persist build logs record")
	}
	if err != nil {
		log.Error().Err(err).Str("logs", result.Logs).Msg("devcontainer build failed")
		c.fail(ctx, instanceID, err)
		return
	}

	if err := c.tr.SetState(ctx, instanceID, model.BuildStateDeploying, ""); err != nil {
		log.Error().Err(err).Msg("failed to record deploying state")
	}

	customization := model.CustomizationFromDevcontainer(devcontainer)
	baseImage := model.DefaultBaseImage
	if image, ok := devcontainer["image"].(string); ok && image != "" {
		baseImage = image
	}

	data, err := configMapData(token, baseImage, result.PullImageRef, editorVersion, customization)
	if err != nil {
		c.fail(ctx, instanceID, err)
		return
	}
	if err := c.provision(ctx, instanceID, userID, result.PullImageRef, resources, editorVersion, data); err != nil {
		c.fail(ctx, instanceID, err)
		return
	}

	if err := c.tr.SetState(ctx, instanceID, model.BuildStateCompleted, ""); err != nil {
		log.Error().Err(err).Msg("failed to record completed state")
	}
	log.Info().Msg("build and deploy completed")

	time.AfterFunc(trackerCleanupDelay, func() {
		if err := c.tr.Delete(context.Background(), instanceID); err != nil {
			logger.Coordinator().Warn().Err(err).Str("instance", instanceID).Msg("failed to garbage collect build tracker record")
		}
	})
}

// persistBuildLogs writes the Build Logs Record (spec.md §3 "Build Logs
// Record"), created iff a build was actually attempted. EnsureConfigMap's
// idempotent create is sufficient here: each instance attempts a build
// exactly once, so there is never a second write to race against.
func (c *Coordinator) persistBuildLogs(ctx context.Context, instanceID, logs string) error {
	name := naming.ObjectName(naming.KindBuildLogs, instanceID, "")
	data := map[string]string{
		"logs":       logs,
		"created_at": time.Now().UTC().Format(time.RFC3339),
	}
	labels := map[string]string{"app": template.AppLabel, "instance": instanceID}
	if _, err := c.gw.EnsureConfigMap(ctx, name, data, labels); err != nil {
		return fmt.Errorf("coordinator: persisting build logs record: %w", err)
	}
	return nil
}

func (c *Coordinator) fail(ctx context.Context, instanceID string, cause error) {
	if err := c.tr.SetState(ctx, instanceID, model.BuildStateFailed, cause.Error()); err != nil {
		logger.Coordinator().Error().Err(err).Str("instance", instanceID).Msg("failed to record failed build state")
	}
}

// provision creates the config record, shared claim, workspace claim,
// workload, service, and ingress in that order (spec.md §5 "Ordering
// guarantees"). Ensure* calls are idempotent, so a retry after a partial
// failure is safe.
func (c *Coordinator) provision(ctx context.Context, instanceID, userID, image string, resources model.ResourceSpec, editorVersion string, configData map[string]string) error {
	configName := naming.ObjectName(naming.KindConfig, instanceID, userID)
	if _, err := c.gw.EnsureConfigMap(ctx, configName, configData, map[string]string{"app": template.AppLabel, "instance": instanceID}); err != nil {
		return fmt.Errorf("coordinator: creating config record: %w", err)
	}

	sharedName := naming.ObjectName(naming.KindSharedClaim, instanceID, userID)
	sharedPVC, err := pvcSpec(instanceID, "shared", resources.SharedStorageSize)
	if err != nil {
		return err
	}
	if _, err := c.gw.EnsurePVC(ctx, sharedName, sharedPVC); err != nil {
		return fmt.Errorf("coordinator: creating shared storage claim: %w", err)
	}

	workspaceName := naming.ObjectName(naming.KindWorkspaceClaim, instanceID, userID)
	workspacePVC, err := pvcSpec(instanceID, "workspace", resources.StorageSize)
	if err != nil {
		return err
	}
	if _, err := c.gw.EnsurePVC(ctx, workspaceName, workspacePVC); err != nil {
		return fmt.Errorf("coordinator: creating workspace claim: %w", err)
	}

	deployment, err := template.Render(template.Params{
		InstanceID:    instanceID,
		UserID:        userID,
		InstancePath:  naming.InstancePath(instanceID),
		Image:         image,
		EditorVersion: editorVersion,
		Resources:     resources,
	}, workspaceName, sharedName, configName)
	if err != nil {
		return fmt.Errorf("coordinator: rendering workload: %w", err)
	}
	workloadName := naming.ObjectName(naming.KindWorkload, instanceID, userID)
	if _, err := c.gw.EnsureDeployment(ctx, workloadName, deployment); err != nil {
		return fmt.Errorf("coordinator: creating workload: %w", err)
	}

	serviceName := naming.ObjectName(naming.KindService, instanceID, userID)
	if _, err := c.gw.EnsureService(ctx, serviceName, template.RenderService(instanceID)); err != nil {
		return fmt.Errorf("coordinator: creating service: %w", err)
	}

	ingressName := naming.ObjectName(naming.KindIngress, instanceID, userID)
	ingress := template.RenderIngress(instanceID, serviceName, c.baseDomain, c.tlsSecret, naming.InstancePath(instanceID))
	if _, err := c.gw.EnsureIngress(ctx, ingressName, ingress); err != nil {
		return fmt.Errorf("coordinator: creating ingress: %w", err)
	}

	return nil
}

// Delete tears down every orchestrator object an instance owns except its
// per-user shared storage claim, in the order ingress, service, workload,
// config record, build logs record, build-status record, workspace claim,
// tolerating objects that are already gone. It reports false when the
// instance did not exist.
func (c *Coordinator) Delete(ctx context.Context, instanceID string) (bool, error) {
	status, err := c.Status(ctx, instanceID)
	if err != nil {
		return false, err
	}
	if status == model.StatusNotFound {
		return false, nil
	}

	steps := []func() error{
		func() error { return c.gw.DeleteIngress(ctx, naming.ObjectName(naming.KindIngress, instanceID, "")) },
		func() error { return c.gw.DeleteService(ctx, naming.ObjectName(naming.KindService, instanceID, "")) },
		func() error { return c.gw.DeleteDeployment(ctx, naming.ObjectName(naming.KindWorkload, instanceID, "")) },
		func() error { return c.gw.DeleteConfigMap(ctx, naming.ObjectName(naming.KindConfig, instanceID, "")) },
		func() error { return c.gw.DeleteConfigMap(ctx, naming.ObjectName(naming.KindBuildLogs, instanceID, "")) },
		func() error { return c.tr.Delete(ctx, instanceID) },
		func() error { return c.gw.DeletePVC(ctx, naming.ObjectName(naming.KindWorkspaceClaim, instanceID, "")) },
	}
	for _, step := range steps {
		if err := step(); err != nil && !errors.Is(err, k8serrors.ErrNotFound) {
			return false, fmt.Errorf("coordinator: deleting instance %s: %w", instanceID, err)
		}
	}

	logger.Coordinator().Info().Str("instance", instanceID).Msg("instance deleted")
	return true, nil
}

// Status reports the instance's workload readiness, distinct from its
// build status: a simple-path instance has no build at all.
func (c *Coordinator) Status(ctx context.Context, instanceID string) (string, error) {
	deployment, err := c.gw.ReadDeployment(ctx, naming.ObjectName(naming.KindWorkload, instanceID, ""))
	if err != nil {
		if errors.Is(err, k8serrors.ErrNotFound) {
			return model.StatusNotFound, nil
		}
		return "", err
	}
	if deployment.Status.AvailableReplicas >= 1 {
		return model.StatusRunning, nil
	}
	return model.StatusPending, nil
}

// Get reconstructs an instance's public representation from its config
// record plus its current workload status.
func (c *Coordinator) Get(ctx context.Context, instanceID string) (model.InstanceResponse, error) {
	cm, err := c.gw.ReadConfigMap(ctx, naming.ObjectName(naming.KindConfig, instanceID, ""))
	if err != nil {
		return model.InstanceResponse{}, err
	}

	status, err := c.Status(ctx, instanceID)
	if err != nil {
		return model.InstanceResponse{}, err
	}

	resp := model.InstanceResponse{
		InstanceID:  instanceID,
		URL:         c.instanceURL(instanceID, cm.Data["TOKEN"]),
		AccessToken: cm.Data["TOKEN"],
		Status:      status,
		BaseImage:   cm.Data["BASE_IMAGE"],
	}
	if image := cm.Data["DEVCONTAINER_IMAGE"]; image != "" {
		resp.DevcontainerImage = &image
	}
	return resp, nil
}

// List returns every instance belonging to userID (or every instance, when
// userID is empty) — a capability the original service's single-tenant
// assumption never needed, supplemented here because the label scheme
// already supports it cleanly.
func (c *Coordinator) List(ctx context.Context, userID string) ([]model.InstanceResponse, error) {
	selector := "app=" + template.AppLabel
	if userID != "" {
		selector += ",user=" + userID
	}

	deployments, err := c.gw.ListDeployments(ctx, selector)
	if err != nil {
		return nil, fmt.Errorf("coordinator: listing instances: %w", err)
	}

	instances := make([]model.InstanceResponse, 0, len(deployments))
	for _, deployment := range deployments {
		instanceID := deployment.Labels["instance"]
		resp, err := c.Get(ctx, instanceID)
		if err != nil {
			logger.Coordinator().Warn().Err(err).Str("instance", instanceID).Msg("dropping instance from listing, config record unreadable")
			continue
		}
		instances = append(instances, resp)
	}
	return instances, nil
}

// BuildLogs reads the Build Logs Record for instanceID, returning
// k8serrors.ErrNotFound when no build was ever attempted for it.
func (c *Coordinator) BuildLogs(ctx context.Context, instanceID string) (string, error) {
	cm, err := c.gw.ReadConfigMap(ctx, naming.ObjectName(naming.KindBuildLogs, instanceID, ""))
	if err != nil {
		return "", err
	}
	return cm.Data["logs"], nil
}

func (c *Coordinator) instanceURL(instanceID, token string) string {
	return fmt.Sprintf("https://%s%s?tkn=%s", c.baseDomain, naming.InstancePath(instanceID), token)
}

func parseStorageQuantity(size string) (resource.Quantity, bool) {
	qty, err := resource.ParseQuantity(size)
	if err != nil {
		return resource.Quantity{}, false
	}
	return qty, true
}

func pvcSpec(instanceID, pvcType, size string) (*corev1.PersistentVolumeClaim, error) {
	qty, ok := parseStorageQuantity(size)
	if !ok {
		return nil, fmt.Errorf("coordinator: invalid storage size %q", size)
	}
	return &corev1.PersistentVolumeClaim{
		ObjectMeta: metav1.ObjectMeta{
			Labels: map[string]string{"app": template.AppLabel, "instance": instanceID, "type": pvcType},
		},
		Spec: corev1.PersistentVolumeClaimSpec{
			AccessModes: []corev1.PersistentVolumeAccessMode{corev1.ReadWriteOnce},
			Resources: corev1.VolumeResourceRequirements{
				Requests: corev1.ResourceList{corev1.ResourceStorage: qty},
			},
		},
	}, nil
}
