package orchestrator

import (
	"context"
	"fmt"
	"io"
	"regexp"
	"strings"
	"time"

	appsv1 "k8s.io/api/apps/v1"
	corev1 "k8s.io/api/core/v1"
	"k8s.io/apimachinery/pkg/api/resource"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/apimachinery/pkg/util/intstr"
	"k8s.io/client-go/kubernetes"
	"k8s.io/client-go/rest"

	"github.com/n3n-io/n3n/common"
	"github.com/n3n-io/n3n/config"
)

const defaultNamespace = "n3n-plugins"

// Kubernetes runs plugin workloads as a Deployment plus ClusterIP Service
// per node type. Image pulls are delegated to the kubelet.
type Kubernetes struct {
	clientset kubernetes.Interface
	namespace string
	plugin    config.PluginConfig
	trusted   []string
}

// NewKubernetes wraps a clientset as an orchestrator.
func NewKubernetes(clientset kubernetes.Interface, namespace string, plugin config.PluginConfig, trusted []string) *Kubernetes {
	if namespace == "" {
		namespace = defaultNamespace
	}
	return &Kubernetes{
		clientset: clientset,
		namespace: namespace,
		plugin:    plugin,
		trusted:   trusted,
	}
}

// NewKubernetesFromConfig connects with the in-cluster configuration.
func NewKubernetesFromConfig(cfg *config.Config) (*Kubernetes, error) {
	restCfg, err := rest.InClusterConfig()
	if err != nil {
		return nil, common.TransientError(err, "failed to load in-cluster kubernetes config")
	}
	clientset, err := kubernetes.NewForConfig(restCfg)
	if err != nil {
		return nil, common.TransientError(err, "failed to create kubernetes clientset")
	}
	return NewKubernetes(clientset, cfg.Orchestrator.Namespace, cfg.Plugin, cfg.Docker.TrustedRegistries), nil
}

func (k *Kubernetes) Type() Type { return TypeKubernetes }

func (k *Kubernetes) IsAvailable(ctx context.Context) bool {
	_, err := k.clientset.Discovery().ServerVersion()
	return err == nil
}

func (k *Kubernetes) IsFromTrustedRegistry(img string) bool {
	return trustedRegistry(img, k.trusted)
}

// PullImage is a no-op under Kubernetes: the kubelet pulls on pod start.
// Progress jumps to signal the delegation.
func (k *Kubernetes) PullImage(ctx context.Context, img string, progress PullProgress) error {
	if !k.IsFromTrustedRegistry(img) {
		return common.PermissionDeniedError("image %s is not from a trusted registry", img)
	}
	if progress != nil {
		progress("delegated to kubelet", 0.5)
		progress("complete", 1)
	}
	return nil
}

var dns1123Invalid = regexp.MustCompile(`[^a-z0-9-]+`)

// workloadName normalises a node type into a DNS-1123 label.
func workloadName(nodeType string) string {
	name := strings.ToLower("n3n-plugin-" + nodeType)
	name = dns1123Invalid.ReplaceAllString(name, "-")
	name = strings.Trim(name, "-")
	if len(name) > 63 {
		name = strings.Trim(name[:63], "-")
	}
	return name
}

func (k *Kubernetes) CreateAndStart(ctx context.Context, spec PluginSpec) (string, error) {
	if !k.IsFromTrustedRegistry(spec.Image) {
		return "", common.PermissionDeniedError("image %s is not from a trusted registry", spec.Image)
	}

	name := workloadName(spec.NodeType)
	if err := k.StopAndRemove(ctx, name); err != nil && !common.IsNotFound(err) {
		return "", err
	}

	labels := map[string]string{
		"app":         name,
		labelPlugin:   "true",
		labelNodeType: spec.NodeType,
	}
	port := int32(spec.HTTPPort())

	env := make([]corev1.EnvVar, 0, len(spec.Env))
	for key, value := range spec.Env {
		env = append(env, corev1.EnvVar{Name: key, Value: value})
	}

	replicas := int32(1)
	runAsNonRoot := true
	allowEscalation := false

	deployment := &appsv1.Deployment{
		ObjectMeta: metav1.ObjectMeta{
			Name:      name,
			Namespace: k.namespace,
			Labels:    labels,
		},
		Spec: appsv1.DeploymentSpec{
			Replicas: &replicas,
			Selector: &metav1.LabelSelector{
				MatchLabels: map[string]string{"app": name},
			},
			Template: corev1.PodTemplateSpec{
				ObjectMeta: metav1.ObjectMeta{Labels: labels},
				Spec: corev1.PodSpec{
					Containers: []corev1.Container{
						{
							Name:  "plugin",
							Image: spec.Image,
							Env:   env,
							Ports: []corev1.ContainerPort{
								{Name: "http", ContainerPort: port, Protocol: corev1.ProtocolTCP},
							},
							Resources: corev1.ResourceRequirements{
								Limits: corev1.ResourceList{
									corev1.ResourceCPU:    *resource.NewMilliQuantity(int64(k.plugin.CPULimit*1000), resource.DecimalSI),
									corev1.ResourceMemory: *resource.NewQuantity(k.plugin.MemoryLimit, resource.BinarySI),
								},
							},
							SecurityContext: &corev1.SecurityContext{
								RunAsNonRoot:             &runAsNonRoot,
								AllowPrivilegeEscalation: &allowEscalation,
								Capabilities: &corev1.Capabilities{
									Drop: []corev1.Capability{"ALL"},
								},
							},
							ReadinessProbe: &corev1.Probe{
								ProbeHandler: corev1.ProbeHandler{
									HTTPGet: &corev1.HTTPGetAction{
										Path: "/health",
										Port: intstr.FromInt(int(port)),
									},
								},
								InitialDelaySeconds: 5,
								PeriodSeconds:       5,
							},
						},
					},
				},
			},
		},
	}

	if _, err := k.clientset.AppsV1().Deployments(k.namespace).Create(ctx, deployment, metav1.CreateOptions{}); err != nil {
		return "", common.TransientError(err, "failed to create plugin deployment %s", name)
	}

	service := &corev1.Service{
		ObjectMeta: metav1.ObjectMeta{
			Name:      name,
			Namespace: k.namespace,
			Labels:    labels,
		},
		Spec: corev1.ServiceSpec{
			Type:     corev1.ServiceTypeClusterIP,
			Selector: map[string]string{"app": name},
			Ports: []corev1.ServicePort{
				{Name: "http", Port: port, TargetPort: intstr.FromInt(int(port))},
			},
		},
	}
	if _, err := k.clientset.CoreV1().Services(k.namespace).Create(ctx, service, metav1.CreateOptions{}); err != nil {
		return "", common.TransientError(err, "failed to create plugin service %s", name)
	}

	common.Logger.Infof("started plugin deployment %s in %s", name, k.namespace)
	return name, nil
}

func (k *Kubernetes) WaitForHealthy(ctx context.Context, id string, timeout time.Duration) error {
	deadline := time.Now().Add(timeout)
	for {
		if time.Now().After(deadline) {
			return common.NewError(common.CodeTimedOut, "plugin deployment %s did not become ready within %s", id, timeout)
		}

		deployment, err := k.clientset.AppsV1().Deployments(k.namespace).Get(ctx, id, metav1.GetOptions{})
		if err == nil && deployment.Status.ReadyReplicas >= 1 {
			return nil
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(time.Second):
		}
	}
}

// Stop scales the deployment to zero without deleting it.
func (k *Kubernetes) Stop(ctx context.Context, id string) error {
	deployments := k.clientset.AppsV1().Deployments(k.namespace)
	deployment, err := deployments.Get(ctx, id, metav1.GetOptions{})
	if err != nil {
		return common.NotFoundError("plugin deployment %s not found", id)
	}
	zero := int32(0)
	deployment.Spec.Replicas = &zero
	if _, err := deployments.Update(ctx, deployment, metav1.UpdateOptions{}); err != nil {
		return common.TransientError(err, "failed to scale down plugin deployment %s", id)
	}
	return nil
}

func (k *Kubernetes) StopAndRemove(ctx context.Context, id string) error {
	deployments := k.clientset.AppsV1().Deployments(k.namespace)
	if _, err := deployments.Get(ctx, id, metav1.GetOptions{}); err != nil {
		return common.NotFoundError("plugin deployment %s not found", id)
	}
	if err := deployments.Delete(ctx, id, metav1.DeleteOptions{}); err != nil {
		return common.TransientError(err, "failed to delete plugin deployment %s", id)
	}
	if err := k.clientset.CoreV1().Services(k.namespace).Delete(ctx, id, metav1.DeleteOptions{}); err != nil {
		common.Logger.Warnf("failed to delete plugin service %s: %v", id, err)
	}
	return nil
}

func (k *Kubernetes) GetLogs(ctx context.Context, id string, tail int) (string, error) {
	pods, err := k.clientset.CoreV1().Pods(k.namespace).List(ctx, metav1.ListOptions{
		LabelSelector: "app=" + id,
	})
	if err != nil || len(pods.Items) == 0 {
		return "", common.NotFoundError("no pods found for plugin %s", id)
	}

	tailLines := int64(tail)
	req := k.clientset.CoreV1().Pods(k.namespace).GetLogs(pods.Items[0].Name, &corev1.PodLogOptions{
		TailLines: &tailLines,
	})
	stream, err := req.Stream(ctx)
	if err != nil {
		return "", common.TransientError(err, "failed to stream logs for plugin %s", id)
	}
	defer stream.Close()

	data, err := io.ReadAll(stream)
	if err != nil {
		return "", common.TransientError(err, "failed to read logs for plugin %s", id)
	}
	return string(data), nil
}

func (k *Kubernetes) ListPluginContainers(ctx context.Context) ([]ContainerInfo, error) {
	deployments, err := k.clientset.AppsV1().Deployments(k.namespace).List(ctx, metav1.ListOptions{
		LabelSelector: labelPlugin + "=true",
	})
	if err != nil {
		return nil, common.TransientError(err, "failed to list plugin deployments")
	}

	out := make([]ContainerInfo, 0, len(deployments.Items))
	for _, d := range deployments.Items {
		status := "stopped"
		if d.Status.ReadyReplicas >= 1 {
			status = "running"
		}
		image := ""
		if len(d.Spec.Template.Spec.Containers) > 0 {
			image = d.Spec.Template.Spec.Containers[0].Image
		}
		out = append(out, ContainerInfo{
			ID:       d.Name,
			Name:     d.Name,
			Image:    image,
			NodeType: d.Labels[labelNodeType],
			Status:   status,
		})
	}
	return out, nil
}

// GetServiceEndpoint returns the in-cluster service DNS name.
func (k *Kubernetes) GetServiceEndpoint(ctx context.Context, id string) (string, error) {
	service, err := k.clientset.CoreV1().Services(k.namespace).Get(ctx, id, metav1.GetOptions{})
	if err != nil {
		return "", common.NotFoundError("plugin service %s not found", id)
	}
	if len(service.Spec.Ports) == 0 {
		return "", common.NotFoundError("plugin service %s has no ports", id)
	}
	return fmt.Sprintf("http://%s.%s.svc.cluster.local:%d", id, k.namespace, service.Spec.Ports[0].Port), nil
}
