// Package k8s implements the Orchestrator Gateway (spec.md §4.1): a typed
// wrapper over the Kubernetes API that the rest of the service uses for
// every object it manages. It never leaks client-go error types past its
// boundary; callers check errors.Is against ErrNotFound, ErrAlreadyExists,
// ErrTransient, ErrFatal.
package k8s

import (
	"context"
	"fmt"
	"os"
	"path/filepath"

	appsv1 "k8s.io/api/apps/v1"
	corev1 "k8s.io/api/core/v1"
	networkingv1 "k8s.io/api/networking/v1"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/apimachinery/pkg/types"
	"k8s.io/client-go/kubernetes"
	"k8s.io/client-go/rest"
	"k8s.io/client-go/tools/clientcmd"

	"github.com/streamspace/vscode-devcontainer-manager/internal/logger"
)

// Gateway wraps kubernetes.Interface so a fake clientset can substitute in
// tests, exposing Ensure/Read/Delete per object kind the service manages
// (ConfigMap, PersistentVolumeClaim, Deployment, Service, Ingress), plus
// PatchConfigMap and ListDeployments.
type Gateway struct {
	clientset kubernetes.Interface
	namespace string
}

// NewGateway builds a Gateway against the real cluster, auto-detecting
// in-cluster vs kubeconfig credentials.
func NewGateway(namespace string) (*Gateway, error) {
	config, err := getConfig()
	if err != nil {
		return nil, fmt.Errorf("k8s: loading config: %w", err)
	}

	clientset, err := kubernetes.NewForConfig(config)
	if err != nil {
		return nil, fmt.Errorf("k8s: creating clientset: %w", err)
	}

	return NewGatewayWithClientset(clientset, namespace), nil
}

// NewGatewayWithClientset builds a Gateway around an already-constructed
// client, so tests can substitute k8s.io/client-go/kubernetes/fake.
func NewGatewayWithClientset(clientset kubernetes.Interface, namespace string) *Gateway {
	return &Gateway{clientset: clientset, namespace: namespace}
}

func getConfig() (*rest.Config, error) {
	config, err := rest.InClusterConfig()
	if err == nil {
		return config, nil
	}

	kubeconfig := os.Getenv("KUBECONFIG")
	if kubeconfig == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			return nil, fmt.Errorf("resolving home directory: %w", err)
		}
		kubeconfig = filepath.Join(home, ".kube", "config")
	}

	config, err = clientcmd.BuildConfigFromFlags("", kubeconfig)
	if err != nil {
		return nil, fmt.Errorf("building config from kubeconfig %s: %w", kubeconfig, err)
	}
	return config, nil
}

// ListNodeInternalIPs returns the InternalIP of every cluster node, used
// once at startup by the registry dual-address resolver to discover a
// node-internal address the build tool can push through.
func (g *Gateway) ListNodeInternalIPs(ctx context.Context) ([]string, error) {
	nodes, err := g.clientset.CoreV1().Nodes().List(ctx, metav1.ListOptions{})
	if err != nil {
		return nil, classify(err)
	}

	var ips []string
	for _, node := range nodes.Items {
		for _, addr := range node.Status.Addresses {
			if addr.Type == corev1.NodeInternalIP {
				ips = append(ips, addr.Address)
			}
		}
	}
	return ips, nil
}

// --- ConfigMap ---

func (g *Gateway) EnsureConfigMap(ctx context.Context, name string, data map[string]string, labels map[string]string) (*corev1.ConfigMap, error) {
	cm := &corev1.ConfigMap{
		ObjectMeta: metav1.ObjectMeta{Name: name, Namespace: g.namespace, Labels: labels},
		Data:       data,
	}

	created, err := g.clientset.CoreV1().ConfigMaps(g.namespace).Create(ctx, cm, metav1.CreateOptions{})
	if err == nil {
		return created, nil
	}
	if classified := classify(err); errorsIsAlreadyExists(classified) {
		logger.Gateway().Debug().Str("configmap", name).Msg("configmap already exists, reading existing")
		return g.ReadConfigMap(ctx, name)
	}
	return nil, classify(err)
}

func (g *Gateway) ReadConfigMap(ctx context.Context, name string) (*corev1.ConfigMap, error) {
	cm, err := g.clientset.CoreV1().ConfigMaps(g.namespace).Get(ctx, name, metav1.GetOptions{})
	if err != nil {
		return nil, classify(err)
	}
	return cm, nil
}

func (g *Gateway) PatchConfigMap(ctx context.Context, name string, data map[string]string) error {
	patch, err := mergePatch(map[string]interface{}{"data": data})
	if err != nil {
		return fmt.Errorf("k8s: building configmap patch: %w", err)
	}
	_, err = g.clientset.CoreV1().ConfigMaps(g.namespace).Patch(ctx, name, types.MergePatchType, patch, metav1.PatchOptions{})
	return classify(err)
}

func (g *Gateway) DeleteConfigMap(ctx context.Context, name string) error {
	err := g.clientset.CoreV1().ConfigMaps(g.namespace).Delete(ctx, name, metav1.DeleteOptions{})
	return classify(err)
}

// --- PersistentVolumeClaim ---

func (g *Gateway) EnsurePVC(ctx context.Context, name string, pvc *corev1.PersistentVolumeClaim) (*corev1.PersistentVolumeClaim, error) {
	pvc.ObjectMeta.Name = name
	pvc.ObjectMeta.Namespace = g.namespace

	created, err := g.clientset.CoreV1().PersistentVolumeClaims(g.namespace).Create(ctx, pvc, metav1.CreateOptions{})
	if err == nil {
		return created, nil
	}
	if classified := classify(err); errorsIsAlreadyExists(classified) {
		return g.ReadPVC(ctx, name)
	}
	return nil, classify(err)
}

func (g *Gateway) ReadPVC(ctx context.Context, name string) (*corev1.PersistentVolumeClaim, error) {
	pvc, err := g.clientset.CoreV1().PersistentVolumeClaims(g.namespace).Get(ctx, name, metav1.GetOptions{})
	if err != nil {
		return nil, classify(err)
	}
	return pvc, nil
}

func (g *Gateway) DeletePVC(ctx context.Context, name string) error {
	err := g.clientset.CoreV1().PersistentVolumeClaims(g.namespace).Delete(ctx, name, metav1.DeleteOptions{})
	return classify(err)
}

// --- Deployment ---

func (g *Gateway) EnsureDeployment(ctx context.Context, name string, deployment *appsv1.Deployment) (*appsv1.Deployment, error) {
	deployment.ObjectMeta.Name = name
	deployment.ObjectMeta.Namespace = g.namespace

	created, err := g.clientset.AppsV1().Deployments(g.namespace).Create(ctx, deployment, metav1.CreateOptions{})
	if err == nil {
		return created, nil
	}
	if classified := classify(err); errorsIsAlreadyExists(classified) {
		return g.ReadDeployment(ctx, name)
	}
	return nil, classify(err)
}

func (g *Gateway) ReadDeployment(ctx context.Context, name string) (*appsv1.Deployment, error) {
	deployment, err := g.clientset.AppsV1().Deployments(g.namespace).Get(ctx, name, metav1.GetOptions{})
	if err != nil {
		return nil, classify(err)
	}
	return deployment, nil
}

func (g *Gateway) DeleteDeployment(ctx context.Context, name string) error {
	err := g.clientset.AppsV1().Deployments(g.namespace).Delete(ctx, name, metav1.DeleteOptions{})
	return classify(err)
}

// ListDeployments returns every workload Deployment matching labelSelector,
// used by the supplemented GET /instances listing endpoint.
func (g *Gateway) ListDeployments(ctx context.Context, labelSelector string) ([]appsv1.Deployment, error) {
	list, err := g.clientset.AppsV1().Deployments(g.namespace).List(ctx, metav1.ListOptions{LabelSelector: labelSelector})
	if err != nil {
		return nil, classify(err)
	}
	return list.Items, nil
}

// --- Service ---

func (g *Gateway) EnsureService(ctx context.Context, name string, svc *corev1.Service) (*corev1.Service, error) {
	svc.ObjectMeta.Name = name
	svc.ObjectMeta.Namespace = g.namespace

	created, err := g.clientset.CoreV1().Services(g.namespace).Create(ctx, svc, metav1.CreateOptions{})
	if err == nil {
		return created, nil
	}
	if classified := classify(err); errorsIsAlreadyExists(classified) {
		return g.ReadService(ctx, name)
	}
	return nil, classify(err)
}

func (g *Gateway) ReadService(ctx context.Context, name string) (*corev1.Service, error) {
	svc, err := g.clientset.CoreV1().Services(g.namespace).Get(ctx, name, metav1.GetOptions{})
	if err != nil {
		return nil, classify(err)
	}
	return svc, nil
}

func (g *Gateway) DeleteService(ctx context.Context, name string) error {
	err := g.clientset.CoreV1().Services(g.namespace).Delete(ctx, name, metav1.DeleteOptions{})
	return classify(err)
}

// --- Ingress ---

func (g *Gateway) EnsureIngress(ctx context.Context, name string, ingress *networkingv1.Ingress) (*networkingv1.Ingress, error) {
	ingress.ObjectMeta.Name = name
	ingress.ObjectMeta.Namespace = g.namespace

	created, err := g.clientset.NetworkingV1().Ingresses(g.namespace).Create(ctx, ingress, metav1.CreateOptions{})
	if err == nil {
		return created, nil
	}
	if classified := classify(err); errorsIsAlreadyExists(classified) {
		return g.ReadIngress(ctx, name)
	}
	return nil, classify(err)
}

func (g *Gateway) ReadIngress(ctx context.Context, name string) (*networkingv1.Ingress, error) {
	ingress, err := g.clientset.NetworkingV1().Ingresses(g.namespace).Get(ctx, name, metav1.GetOptions{})
	if err != nil {
		return nil, classify(err)
	}
	return ingress, nil
}

func (g *Gateway) DeleteIngress(ctx context.Context, name string) error {
	err := g.clientset.NetworkingV1().Ingresses(g.namespace).Delete(ctx, name, metav1.DeleteOptions{})
	return classify(err)
}
