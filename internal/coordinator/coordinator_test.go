package coordinator

import (
	"archive/tar"
	"bytes"
	"compress/gzip"
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	appsv1 "k8s.io/api/apps/v1"
	corev1 "k8s.io/api/core/v1"
	networkingv1 "k8s.io/api/networking/v1"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"

	"github.com/streamspace/vscode-devcontainer-manager/internal/builder"
	k8serrors "github.com/streamspace/vscode-devcontainer-manager/internal/k8s"
	"github.com/streamspace/vscode-devcontainer-manager/internal/model"
)

// fakeGateway is an in-memory double for the coordinator.Gateway surface,
// recording call order so ordering guarantees can be asserted directly.
type fakeGateway struct {
	mu          sync.Mutex
	configmaps  map[string]*corev1.ConfigMap
	pvcs        map[string]*corev1.PersistentVolumeClaim
	deployments map[string]*appsv1.Deployment
	services    map[string]*corev1.Service
	ingresses   map[string]*networkingv1.Ingress
	calls       []string
}

func newFakeGateway() *fakeGateway {
	return &fakeGateway{
		configmaps:  map[string]*corev1.ConfigMap{},
		pvcs:        map[string]*corev1.PersistentVolumeClaim{},
		deployments: map[string]*appsv1.Deployment{},
		services:    map[string]*corev1.Service{},
		ingresses:   map[string]*networkingv1.Ingress{},
	}
}

func (f *fakeGateway) record(call string) {
	f.calls = append(f.calls, call)
}

func (f *fakeGateway) EnsureConfigMap(ctx context.Context, name string, data map[string]string, labels map[string]string) (*corev1.ConfigMap, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.record("ensure-configmap:" + name)
	cm := &corev1.ConfigMap{ObjectMeta: metav1.ObjectMeta{Name: name, Labels: labels}, Data: data}
	f.configmaps[name] = cm
	return cm, nil
}

func (f *fakeGateway) ReadConfigMap(ctx context.Context, name string) (*corev1.ConfigMap, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	cm, ok := f.configmaps[name]
	if !ok {
		return nil, k8serrors.ErrNotFound
	}
	return cm, nil
}

func (f *fakeGateway) DeleteConfigMap(ctx context.Context, name string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.configmaps[name]; !ok {
		return k8serrors.ErrNotFound
	}
	f.record("delete-configmap:" + name)
	delete(f.configmaps, name)
	return nil
}

func (f *fakeGateway) EnsurePVC(ctx context.Context, name string, pvc *corev1.PersistentVolumeClaim) (*corev1.PersistentVolumeClaim, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.record("ensure-pvc:" + name)
	f.pvcs[name] = pvc
	return pvc, nil
}

func (f *fakeGateway) DeletePVC(ctx context.Context, name string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.pvcs[name]; !ok {
		return k8serrors.ErrNotFound
	}
	f.record("delete-pvc:" + name)
	delete(f.pvcs, name)
	return nil
}

func (f *fakeGateway) EnsureDeployment(ctx context.Context, name string, deployment *appsv1.Deployment) (*appsv1.Deployment, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.record("ensure-deployment:" + name)
	deployment.ObjectMeta.Name = name
	f.deployments[name] = deployment
	return deployment, nil
}

func (f *fakeGateway) ReadDeployment(ctx context.Context, name string) (*appsv1.Deployment, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	d, ok := f.deployments[name]
	if !ok {
		return nil, k8serrors.ErrNotFound
	}
	return d, nil
}

func (f *fakeGateway) DeleteDeployment(ctx context.Context, name string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.deployments[name]; !ok {
		return k8serrors.ErrNotFound
	}
	f.record("delete-deployment:" + name)
	delete(f.deployments, name)
	return nil
}

func (f *fakeGateway) ListDeployments(ctx context.Context, labelSelector string) ([]appsv1.Deployment, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	want := map[string]string{}
	for _, pair := range strings.Split(labelSelector, ",") {
		kv := strings.SplitN(pair, "=", 2)
		if len(kv) == 2 {
			want[kv[0]] = kv[1]
		}
	}

	var out []appsv1.Deployment
	for _, d := range f.deployments {
		matches := true
		for k, v := range want {
			if d.Labels[k] != v {
				matches = false
				break
			}
		}
		if matches {
			out = append(out, *d)
		}
	}
	return out, nil
}

func (f *fakeGateway) EnsureService(ctx context.Context, name string, svc *corev1.Service) (*corev1.Service, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.record("ensure-service:" + name)
	f.services[name] = svc
	return svc, nil
}

func (f *fakeGateway) DeleteService(ctx context.Context, name string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.services[name]; !ok {
		return k8serrors.ErrNotFound
	}
	f.record("delete-service:" + name)
	delete(f.services, name)
	return nil
}

func (f *fakeGateway) EnsureIngress(ctx context.Context, name string, ingress *networkingv1.Ingress) (*networkingv1.Ingress, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.record("ensure-ingress:" + name)
	f.ingresses[name] = ingress
	return ingress, nil
}

func (f *fakeGateway) DeleteIngress(ctx context.Context, name string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.ingresses[name]; !ok {
		return k8serrors.ErrNotFound
	}
	f.record("delete-ingress:" + name)
	delete(f.ingresses, name)
	return nil
}

// fakeBuilder is a buildRunner double returning a fixed result or error.
type fakeBuilder struct {
	result builder.Result
	err    error
}

func (f *fakeBuilder) Build(ctx context.Context, instanceID, workspaceDir string, devcontainerOverride map[string]interface{}) (builder.Result, error) {
	return f.result, f.err
}

// fakeTracker is a buildTracker double that records state transitions and
// signals completion, so tests can wait on the detached build goroutine
// without sleeping.
type fakeTracker struct {
	mu     sync.Mutex
	states []string
	errMsg string
	done   chan struct{}
	once   sync.Once
}

func newFakeTracker() *fakeTracker {
	return &fakeTracker{done: make(chan struct{})}
}

func (f *fakeTracker) Start(ctx context.Context, instanceID string, params interface{}) error {
	return nil
}

func (f *fakeTracker) SetState(ctx context.Context, instanceID, state, errMsg string) error {
	f.mu.Lock()
	f.states = append(f.states, state)
	if errMsg != "" {
		f.errMsg = errMsg
	}
	f.mu.Unlock()

	if state == model.BuildStateCompleted || state == model.BuildStateFailed {
		f.once.Do(func() { close(f.done) })
	}
	return nil
}

func (f *fakeTracker) Read(ctx context.Context, instanceID string, configExists func(context.Context) (bool, error)) (model.BuildStatusResponse, error) {
	return model.BuildStatusResponse{}, nil
}

func (f *fakeTracker) Delete(ctx context.Context, instanceID string) error { return nil }

func (f *fakeTracker) waitDone(t *testing.T) {
	t.Helper()
	select {
	case <-f.done:
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for build pipeline to finish")
	}
}

func buildTarGz(t *testing.T, files map[string]string) []byte {
	t.Helper()
	var buf bytes.Buffer
	gz := gzip.NewWriter(&buf)
	tw := tar.NewWriter(gz)
	for name, content := range files {
		require.NoError(t, tw.WriteHeader(&tar.Header{Name: name, Size: int64(len(content)), Mode: 0o644}))
		_, err := tw.Write([]byte(content))
		require.NoError(t, err)
	}
	require.NoError(t, tw.Close())
	require.NoError(t, gz.Close())
	return buf.Bytes()
}

func TestCreateSimple_ProvisionsObjectsInOrder(t *testing.T) {
	gw := newFakeGateway()
	c := New(gw, &fakeBuilder{}, newFakeTracker(), "vscode.example.com", "vscode-tls", "registry.local:32000")

	resp, err := c.CreateSimple(context.Background(), model.CreateParams{UserID: "alice", BaseImage: "ubuntu:22.04"})

	require.NoError(t, err)
	assert.Equal(t, model.StatusCreating, resp.Status)
	assert.Contains(t, resp.URL, resp.InstanceID)
	assert.Contains(t, resp.URL, resp.AccessToken)

	require.Len(t, gw.calls, 6)
	assert.True(t, strings.HasPrefix(gw.calls[0], "ensure-configmap:"))
	assert.True(t, strings.HasPrefix(gw.calls[1], "ensure-pvc:"))
	assert.True(t, strings.HasPrefix(gw.calls[2], "ensure-pvc:"))
	assert.True(t, strings.HasPrefix(gw.calls[3], "ensure-deployment:"))
	assert.True(t, strings.HasPrefix(gw.calls[4], "ensure-service:"))
	assert.True(t, strings.HasPrefix(gw.calls[5], "ensure-ingress:"))
}

func TestCreateSimple_RejectsInvalidUserID(t *testing.T) {
	c := New(newFakeGateway(), &fakeBuilder{}, newFakeTracker(), "vscode.example.com", "vscode-tls", "registry.local:32000")

	_, err := c.CreateSimple(context.Background(), model.CreateParams{UserID: "Not Valid!", BaseImage: "ubuntu:22.04"})

	assert.Error(t, err)
}

func TestCreateWithDevcontainer_RunsPipelineToCompletion(t *testing.T) {
	gw := newFakeGateway()
	fb := &fakeBuilder{result: builder.Result{PullImageRef: "registry.local:32000/vscode-devcontainer-x:latest", Logs: "built"}}
	ft := newFakeTracker()
	c := New(gw, fb, ft, "vscode.example.com", "vscode-tls", "registry.local:32000")

	resp, err := c.CreateWithDevcontainer(context.Background(), model.CreateParams{UserID: "bob"}, map[string]interface{}{
		"image": "mcr.microsoft.com/devcontainers/go:1",
	})
	require.NoError(t, err)
	assert.Equal(t, model.StatusQueued, resp.Status)
	require.NotNil(t, resp.DevcontainerImage)

	ft.waitDone(t)

	ft.mu.Lock()
	defer ft.mu.Unlock()
	assert.Equal(t, []string{model.BuildStateBuilding, model.BuildStateDeploying, model.BuildStateCompleted}, ft.states)

	logsRecord, ok := gw.configmaps[resp.InstanceID+"-build-logs"]
	require.True(t, ok, "build logs record must be persisted")
	assert.Equal(t, "built", logsRecord.Data["logs"])
	assert.NotEmpty(t, logsRecord.Data["created_at"])
}

func TestCreateWithDevcontainer_BuildFailureMarksTrackerFailed(t *testing.T) {
	gw := newFakeGateway()
	fb := &fakeBuilder{result: builder.Result{Logs: "Step 1/3 : FROM ubuntu:22.04\nbuild failed"}, err: &builder.ErrBuildFailed{ExitCode: 1}}
	ft := newFakeTracker()
	c := New(gw, fb, ft, "vscode.example.com", "vscode-tls", "registry.local:32000")

	resp, err := c.CreateWithDevcontainer(context.Background(), model.CreateParams{UserID: "carol"}, map[string]interface{}{})
	require.NoError(t, err)

	ft.waitDone(t)

	ft.mu.Lock()
	defer ft.mu.Unlock()
	assert.Equal(t, []string{model.BuildStateBuilding, model.BuildStateFailed}, ft.states)
	assert.Contains(t, ft.errMsg, "exit code 1")
	assert.Empty(t, gw.deployments)

	logsRecord, ok := gw.configmaps[resp.InstanceID+"-build-logs"]
	require.True(t, ok, "build logs record must be persisted even when the build fails")
	assert.Contains(t, logsRecord.Data["logs"], "build failed")
}

func TestCreateWithWorkspaceArchive_ExtractsAndDeploys(t *testing.T) {
	archive := buildTarGz(t, map[string]string{
		".devcontainer/devcontainer.json": `{"image":"ubuntu:22.04","customizations":{"vscode":{"extensions":["golang.go"]}}}`,
	})
	gw := newFakeGateway()
	fb := &fakeBuilder{result: builder.Result{PullImageRef: "registry.local:32000/vscode-devcontainer-x:latest"}}
	ft := newFakeTracker()
	c := New(gw, fb, ft, "vscode.example.com", "vscode-tls", "registry.local:32000")

	_, err := c.CreateWithWorkspaceArchive(context.Background(), model.CreateParams{UserID: "dave"}, archive)
	require.NoError(t, err)

	ft.waitDone(t)

	ft.mu.Lock()
	defer ft.mu.Unlock()
	assert.Equal(t, []string{model.BuildStateBuilding, model.BuildStateDeploying, model.BuildStateCompleted}, ft.states)
	assert.NotEmpty(t, gw.deployments)
}

func TestDelete_TearsDownAllObjectsAndKeepsSharedClaim(t *testing.T) {
	gw := newFakeGateway()
	c := New(gw, &fakeBuilder{}, newFakeTracker(), "vscode.example.com", "vscode-tls", "registry.local:32000")

	resp, err := c.CreateSimple(context.Background(), model.CreateParams{UserID: "erin", BaseImage: "ubuntu:22.04"})
	require.NoError(t, err)
	gw.deployments[resp.InstanceID].Status.AvailableReplicas = 1

	deleted, err := c.Delete(context.Background(), resp.InstanceID)
	require.NoError(t, err)
	assert.True(t, deleted)

	assert.Empty(t, gw.ingresses)
	assert.Empty(t, gw.services)
	assert.Empty(t, gw.deployments)
	assert.Empty(t, gw.configmaps)
	assert.Len(t, gw.pvcs, 1, "shared storage claim must survive instance deletion")
}

func TestDelete_RemovesBuildLogsRecordForBuildBackedInstance(t *testing.T) {
	gw := newFakeGateway()
	fb := &fakeBuilder{result: builder.Result{PullImageRef: "registry.local:32000/vscode-devcontainer-x:latest", Logs: "built"}}
	ft := newFakeTracker()
	c := New(gw, fb, ft, "vscode.example.com", "vscode-tls", "registry.local:32000")

	resp, err := c.CreateWithDevcontainer(context.Background(), model.CreateParams{UserID: "heidi"}, map[string]interface{}{
		"image": "mcr.microsoft.com/devcontainers/go:1",
	})
	require.NoError(t, err)
	ft.waitDone(t)
	gw.deployments[resp.InstanceID].Status.AvailableReplicas = 1

	deleted, err := c.Delete(context.Background(), resp.InstanceID)
	require.NoError(t, err)
	assert.True(t, deleted)

	_, stillExists := gw.configmaps[resp.InstanceID+"-build-logs"]
	assert.False(t, stillExists, "build logs record must be deleted along with the instance")
}

func TestDelete_ReturnsFalseWhenInstanceDoesNotExist(t *testing.T) {
	c := New(newFakeGateway(), &fakeBuilder{}, newFakeTracker(), "vscode.example.com", "vscode-tls", "registry.local:32000")

	deleted, err := c.Delete(context.Background(), "nobody-12345678")

	require.NoError(t, err)
	assert.False(t, deleted)
}

func TestStatus_ReflectsAvailableReplicas(t *testing.T) {
	gw := newFakeGateway()
	c := New(gw, &fakeBuilder{}, newFakeTracker(), "vscode.example.com", "vscode-tls", "registry.local:32000")

	resp, err := c.CreateSimple(context.Background(), model.CreateParams{UserID: "frank", BaseImage: "ubuntu:22.04"})
	require.NoError(t, err)

	status, err := c.Status(context.Background(), resp.InstanceID)
	require.NoError(t, err)
	assert.Equal(t, model.StatusPending, status)

	gw.deployments[resp.InstanceID].Status.AvailableReplicas = 1
	status, err = c.Status(context.Background(), resp.InstanceID)
	require.NoError(t, err)
	assert.Equal(t, model.StatusRunning, status)
}

func TestStatus_NotFoundWhenDeploymentAbsent(t *testing.T) {
	c := New(newFakeGateway(), &fakeBuilder{}, newFakeTracker(), "vscode.example.com", "vscode-tls", "registry.local:32000")

	status, err := c.Status(context.Background(), "ghost-12345678")

	require.NoError(t, err)
	assert.Equal(t, model.StatusNotFound, status)
}

func TestGet_ReturnsConfigAndStatus(t *testing.T) {
	gw := newFakeGateway()
	c := New(gw, &fakeBuilder{}, newFakeTracker(), "vscode.example.com", "vscode-tls", "registry.local:32000")

	resp, err := c.CreateSimple(context.Background(), model.CreateParams{UserID: "gina", BaseImage: "ubuntu:22.04"})
	require.NoError(t, err)
	gw.deployments[resp.InstanceID].Status.AvailableReplicas = 1

	got, err := c.Get(context.Background(), resp.InstanceID)
	require.NoError(t, err)
	assert.Equal(t, resp.InstanceID, got.InstanceID)
	assert.Equal(t, resp.AccessToken, got.AccessToken)
	assert.Equal(t, model.StatusRunning, got.Status)
}

func TestGet_PropagatesNotFound(t *testing.T) {
	c := New(newFakeGateway(), &fakeBuilder{}, newFakeTracker(), "vscode.example.com", "vscode-tls", "registry.local:32000")

	_, err := c.Get(context.Background(), "ghost-12345678")

	assert.True(t, errors.Is(err, k8serrors.ErrNotFound))
}

func TestList_FiltersByUser(t *testing.T) {
	gw := newFakeGateway()
	c := New(gw, &fakeBuilder{}, newFakeTracker(), "vscode.example.com", "vscode-tls", "registry.local:32000")

	aliceInstance, err := c.CreateSimple(context.Background(), model.CreateParams{UserID: "alice", BaseImage: "ubuntu:22.04"})
	require.NoError(t, err)
	_, err = c.CreateSimple(context.Background(), model.CreateParams{UserID: "bob", BaseImage: "ubuntu:22.04"})
	require.NoError(t, err)

	instances, err := c.List(context.Background(), "alice")
	require.NoError(t, err)
	require.Len(t, instances, 1)
	assert.Equal(t, aliceInstance.InstanceID, instances[0].InstanceID)

	all, err := c.List(context.Background(), "")
	require.NoError(t, err)
	assert.Len(t, all, 2)
}
