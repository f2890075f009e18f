// Package template implements the Session Template (spec.md §4.4):
// rendering a pod specification and its launch script from session
// parameters and an optional devcontainer customization.
package template

import (
	"bytes"
	"fmt"
	"text/template"

	appsv1 "k8s.io/api/apps/v1"
	corev1 "k8s.io/api/core/v1"
	networkingv1 "k8s.io/api/networking/v1"
	"k8s.io/apimachinery/pkg/api/resource"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/apimachinery/pkg/util/intstr"

	"github.com/streamspace/vscode-devcontainer-manager/internal/model"
)

// AppLabel is the fixed label value every workload this service creates
// carries, per spec.md §6 "the system owns the label key app=vscode-server".
const AppLabel = "vscode-server"

// ContainerPort is the fixed port the editor listens on inside the pod.
const ContainerPort = 8000

var launchScript = template.Must(template.New("launch").Parse(launchScriptTemplate))

// Params is the full set of inputs needed to render a workload.
type Params struct {
	InstanceID    string
	UserID        string
	InstancePath  string
	Image         string
	EditorVersion string
	Resources     model.ResourceSpec
}

// RenderLaunchScript renders the bootstrap shell script for one instance.
func RenderLaunchScript(params Params) (string, error) {
	var buf bytes.Buffer
	if err := launchScript.Execute(&buf, params); err != nil {
		return "", fmt.Errorf("template: rendering launch script: %w", err)
	}
	return buf.String(), nil
}

// Render builds the Deployment object for one instance: one container
// running Image, command = shell interpreter running the rendered launch
// script, environment sourced from the instance's config ConfigMap, and
// the three volume mounts spec.md §4.4 requires.
func Render(params Params, workspaceClaim, sharedClaim, configMapName string) (*appsv1.Deployment, error) {
	script, err := RenderLaunchScript(params)
	if err != nil {
		return nil, err
	}

	labels := map[string]string{
		"app":      AppLabel,
		"instance": params.InstanceID,
		"user":     params.UserID,
	}
	selectorLabels := map[string]string{
		"app":      AppLabel,
		"instance": params.InstanceID,
	}

	replicas := int32(1)
	runAsUser := int64(0)

	deployment := &appsv1.Deployment{
		ObjectMeta: metav1.ObjectMeta{Labels: labels},
		Spec: appsv1.DeploymentSpec{
			Replicas: &replicas,
			Selector: &metav1.LabelSelector{MatchLabels: selectorLabels},
			Template: corev1.PodTemplateSpec{
				ObjectMeta: metav1.ObjectMeta{Labels: labels},
				Spec: corev1.PodSpec{
					Containers: []corev1.Container{
						{
							Name:            AppLabel,
							Image:           params.Image,
							ImagePullPolicy: corev1.PullAlways,
							Command:         []string{"/bin/bash", "-c"},
							Args:            []string{script},
							Ports: []corev1.ContainerPort{
								{ContainerPort: ContainerPort},
							},
							EnvFrom: []corev1.EnvFromSource{
								{ConfigMapRef: &corev1.ConfigMapEnvSource{
									LocalObjectReference: corev1.LocalObjectReference{Name: configMapName},
								}},
							},
							VolumeMounts: []corev1.VolumeMount{
								{Name: "workspace", MountPath: "/workspace"},
								{Name: "shared", MountPath: "/shared"},
								{Name: "vscode-config", MountPath: "/home/vscode/.vscode"},
							},
							Resources: corev1.ResourceRequirements{
								Requests: resourceList(params.Resources.MemoryRequest, params.Resources.CPURequest),
								Limits:   resourceList(params.Resources.MemoryLimit, params.Resources.CPULimit),
							},
							SecurityContext: &corev1.SecurityContext{
								RunAsUser: &runAsUser,
							},
						},
					},
					Volumes: []corev1.Volume{
						{
							Name: "workspace",
							VolumeSource: corev1.VolumeSource{
								PersistentVolumeClaim: &corev1.PersistentVolumeClaimVolumeSource{ClaimName: workspaceClaim},
							},
						},
						{
							Name: "shared",
							VolumeSource: corev1.VolumeSource{
								PersistentVolumeClaim: &corev1.PersistentVolumeClaimVolumeSource{ClaimName: sharedClaim},
							},
						},
						{
							Name:         "vscode-config",
							VolumeSource: corev1.VolumeSource{EmptyDir: &corev1.EmptyDirVolumeSource{}},
						},
					},
				},
			},
		},
	}

	return deployment, nil
}

// RenderService builds the ClusterIP service fronting the instance's pod.
func RenderService(instanceID string) *corev1.Service {
	selector := map[string]string{"app": AppLabel, "instance": instanceID}
	return &corev1.Service{
		ObjectMeta: metav1.ObjectMeta{Labels: selector},
		Spec: corev1.ServiceSpec{
			Selector: selector,
			Type:     corev1.ServiceTypeClusterIP,
			Ports: []corev1.ServicePort{
				{Port: ContainerPort, TargetPort: intstr.FromInt(ContainerPort)},
			},
		},
	}
}

// pathTypePrefix is the ingress path-match mode every instance rule uses.
var pathTypePrefix = networkingv1.PathTypePrefix

// RenderIngress builds the Ingress rule routing InstancesPathPrefix/<id> to
// the instance's service, matching the nginx-ingress annotations the
// websocket-heavy editor connection needs (long read/send timeouts,
// unbounded body size, forwarded-proto headers).
func RenderIngress(instanceID, serviceName, baseDomain, tlsSecretName, instancePath string) *networkingv1.Ingress {
	return &networkingv1.Ingress{
		ObjectMeta: metav1.ObjectMeta{
			Labels: map[string]string{"app": AppLabel, "instance": instanceID},
			Annotations: map[string]string{
				"nginx.ingress.kubernetes.io/backend-protocol":        "HTTP",
				"nginx.ingress.kubernetes.io/proxy-read-timeout":      "3600",
				"nginx.ingress.kubernetes.io/proxy-send-timeout":      "3600",
				"nginx.ingress.kubernetes.io/proxy-body-size":         "0",
				"nginx.ingress.kubernetes.io/proxy-buffer-size":       "128k",
				"nginx.ingress.kubernetes.io/proxy-http-version":      "1.1",
				"nginx.ingress.kubernetes.io/websocket-services":      serviceName,
				"nginx.ingress.kubernetes.io/upstream-vhost":          baseDomain,
				"nginx.ingress.kubernetes.io/configuration-snippet": "more_set_headers \"X-Forwarded-Host: $host\";\nmore_set_headers \"X-Forwarded-Proto: $scheme\";",
			},
		},
		Spec: networkingv1.IngressSpec{
			TLS: []networkingv1.IngressTLS{
				{Hosts: []string{baseDomain}, SecretName: tlsSecretName},
			},
			Rules: []networkingv1.IngressRule{
				{
					Host: baseDomain,
					IngressRuleValue: networkingv1.IngressRuleValue{
						HTTP: &networkingv1.HTTPIngressRuleValue{
							Paths: []networkingv1.HTTPIngressPath{
								{
									Path:     instancePath,
									PathType: &pathTypePrefix,
									Backend: networkingv1.IngressBackend{
										Service: &networkingv1.IngressServiceBackend{
											Name: serviceName,
											Port: networkingv1.ServiceBackendPort{Number: ContainerPort},
										},
									},
								},
							},
						},
					},
				},
			},
		},
	}
}

func resourceList(memory, cpu string) corev1.ResourceList {
	list := corev1.ResourceList{}
	if qty, ok := parseQuantity(memory); ok {
		list[corev1.ResourceMemory] = qty
	}
	if qty, ok := parseQuantity(cpu); ok {
		list[corev1.ResourceCPU] = qty
	}
	return list
}

// parseQuantity parses an orchestrator quantity string (e.g. "512Mi",
// "200m"), per spec.md §6 "All sizes and CPU values use orchestrator
// quantity syntax". An unparseable value is omitted from the resource list
// rather than rejected; internal/validator does not check quantity syntax.
func parseQuantity(s string) (resource.Quantity, bool) {
	if s == "" {
		return resource.Quantity{}, false
	}
	qty, err := resource.ParseQuantity(s)
	if err != nil {
		return resource.Quantity{}, false
	}
	return qty, true
}
