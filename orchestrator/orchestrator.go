// Package orchestrator runs plugin node containers. Two backends implement
// the same contract: Docker for single-host deployments and Kubernetes for
// clusters. Plugins are sandboxed: resource caps, dropped capabilities,
// and a trusted-registry gate on every image.
package orchestrator

import (
	"context"
	"os"
	"strings"
	"time"

	"github.com/n3n-io/n3n/common"
	"github.com/n3n-io/n3n/config"
)

// Type identifies the orchestrator backend.
type Type string

const (
	TypeDocker     Type = "docker"
	TypeKubernetes Type = "kubernetes"
)

// serviceAccountTokenPath exists inside any Kubernetes pod.
const serviceAccountTokenPath = "/var/run/secrets/kubernetes.io/serviceaccount/token"

// PluginSpec describes one plugin container to run.
type PluginSpec struct {
	// NodeType is the node type the plugin serves; it names the container
	// and labels it for discovery.
	NodeType string

	// Image is the container image reference.
	Image string

	// Port is the HTTP port the plugin listens on. Zero means 8080.
	Port int

	// Env is extra environment for the container.
	Env map[string]string
}

// HTTPPort returns the effective plugin port.
func (s PluginSpec) HTTPPort() int {
	if s.Port > 0 {
		return s.Port
	}
	return 8080
}

// ContainerInfo describes one running plugin workload.
type ContainerInfo struct {
	ID       string `json:"id"`
	Name     string `json:"name"`
	Image    string `json:"image"`
	NodeType string `json:"nodeType"`
	Status   string `json:"status"`
}

// PullProgress reports image pull progress: a human-readable stage label
// plus a completion fraction in [0,1].
type PullProgress func(stage string, fraction float64)

// Orchestrator is the uniform plugin container contract.
type Orchestrator interface {
	Type() Type

	// IsAvailable probes the backend.
	IsAvailable(ctx context.Context) bool

	// IsFromTrustedRegistry gates images before any pull happens.
	IsFromTrustedRegistry(image string) bool

	PullImage(ctx context.Context, image string, progress PullProgress) error

	// CreateAndStart replaces any previous workload for the same node type
	// before starting the new one, and returns the workload id.
	CreateAndStart(ctx context.Context, spec PluginSpec) (string, error)

	WaitForHealthy(ctx context.Context, id string, timeout time.Duration) error

	Stop(ctx context.Context, id string) error
	StopAndRemove(ctx context.Context, id string) error

	GetLogs(ctx context.Context, id string, tail int) (string, error)
	ListPluginContainers(ctx context.Context) ([]ContainerInfo, error)

	// GetServiceEndpoint returns the base URL the engine uses to reach the
	// plugin.
	GetServiceEndpoint(ctx context.Context, id string) (string, error)
}

// Select builds the orchestrator named by the config. Type "auto" detects
// Kubernetes through the downward environment and falls back to Docker.
func Select(cfg *config.Config) (Orchestrator, error) {
	switch cfg.Orchestrator.Type {
	case "docker":
		return NewDockerFromConfig(cfg)
	case "kubernetes":
		return NewKubernetesFromConfig(cfg)
	case "", "auto":
		if runningInKubernetes() {
			return NewKubernetesFromConfig(cfg)
		}
		return NewDockerFromConfig(cfg)
	}
	return nil, common.ValidationError("unknown orchestrator type: %s", cfg.Orchestrator.Type)
}

func runningInKubernetes() bool {
	if os.Getenv("KUBERNETES_SERVICE_HOST") != "" {
		return true
	}
	_, err := os.Stat(serviceAccountTokenPath)
	return err == nil
}

// registryOf extracts the registry host from an image reference. Bare
// references and single-level names resolve to Docker Hub.
func registryOf(image string) string {
	parts := strings.SplitN(image, "/", 2)
	if len(parts) == 1 {
		return "docker.io"
	}
	host := parts[0]
	if !strings.ContainsAny(host, ".:") && host != "localhost" {
		return "docker.io"
	}
	return host
}

// trustedRegistry checks an image against the allow list. The docker.io
// grant covers official images only; namespaced Docker Hub repositories
// need their own entry or registry.
func trustedRegistry(image string, trusted []string) bool {
	registry := registryOf(image)
	for _, allowed := range trusted {
		if registry != allowed && !strings.HasSuffix(registry, "."+allowed) {
			continue
		}
		if registry == "docker.io" {
			return officialImage(image)
		}
		return true
	}
	return false
}

// officialImage reports whether a Docker Hub reference names an official
// image: a bare repository or the explicit library/ namespace.
func officialImage(image string) bool {
	ref := strings.TrimPrefix(image, "docker.io/")
	parts := strings.Split(ref, "/")
	switch len(parts) {
	case 1:
		return true
	case 2:
		return parts[0] == "library"
	default:
		return false
	}
}
