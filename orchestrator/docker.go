package orchestrator

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	containertypes "github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/filters"
	"github.com/docker/docker/api/types/image"
	"github.com/docker/docker/client"
	"github.com/docker/go-connections/nat"

	"github.com/n3n-io/n3n/common"
	"github.com/n3n-io/n3n/config"
)

const (
	labelPlugin   = "n3n.plugin"
	labelNodeType = "n3n.node-type"

	containerNamePrefix = "n3n-plugin-"
)

// Docker runs plugin containers against a single Docker daemon. Containers
// are locked down: hard resource caps, all capabilities dropped, no
// privilege escalation, and published only on the loopback interface.
type Docker struct {
	client       DockerClient
	plugin       config.PluginConfig
	trusted      []string
	contentTrust bool
	http         *http.Client
}

// NewDocker wraps a Docker client as an orchestrator.
func NewDocker(cli DockerClient, plugin config.PluginConfig, docker config.DockerConfig) *Docker {
	return &Docker{
		client:       cli,
		plugin:       plugin,
		trusted:      docker.TrustedRegistries,
		contentTrust: docker.ContentTrust,
		http:         &http.Client{Timeout: 5 * time.Second},
	}
}

// NewDockerFromConfig connects to the configured Docker daemon.
func NewDockerFromConfig(cfg *config.Config) (*Docker, error) {
	opts := []client.Opt{client.FromEnv, client.WithAPIVersionNegotiation()}
	if cfg.Orchestrator.DockerSocket != "" {
		opts = append(opts, client.WithHost(cfg.Orchestrator.DockerSocket))
	}
	cli, err := client.NewClientWithOpts(opts...)
	if err != nil {
		return nil, common.TransientError(err, "failed to create docker client")
	}
	return NewDocker(cli, cfg.Plugin, cfg.Docker), nil
}

func (d *Docker) Type() Type { return TypeDocker }

func (d *Docker) IsAvailable(ctx context.Context) bool {
	_, err := d.client.Ping(ctx)
	return err == nil
}

func (d *Docker) IsFromTrustedRegistry(img string) bool {
	return trustedRegistry(img, d.trusted)
}

func (d *Docker) PullImage(ctx context.Context, img string, progress PullProgress) error {
	if !d.IsFromTrustedRegistry(img) {
		return common.PermissionDeniedError("image %s is not from a trusted registry", img)
	}
	// Under content trust only digest-pinned references are pulled, so the
	// daemon cannot be handed a mutable tag.
	if d.contentTrust && !strings.Contains(img, "@sha256:") {
		return common.PermissionDeniedError("content trust requires a digest-pinned reference, got %s", img)
	}
	if progress != nil {
		progress("resolving", 0)
	}

	reader, err := d.client.ImagePull(ctx, img, image.PullOptions{})
	if err != nil {
		return common.TransientError(err, "failed to pull image %s", img)
	}
	defer reader.Close()

	// The pull stream must be drained for the pull to complete; the
	// daemon's status lines double as the progress stages.
	dec := json.NewDecoder(reader)
	seen := map[string]bool{}
	for {
		var msg struct {
			Status string `json:"status"`
			Error  string `json:"error"`
		}
		if err := dec.Decode(&msg); err != nil {
			if errors.Is(err, io.EOF) {
				break
			}
			return common.TransientError(err, "image pull interrupted for %s", img)
		}
		if msg.Error != "" {
			return common.TransientError(fmt.Errorf("%s", msg.Error), "image pull failed for %s", img)
		}
		if progress != nil && msg.Status != "" && !seen[msg.Status] {
			seen[msg.Status] = true
			progress(msg.Status, 0.5)
		}
	}
	if progress != nil {
		progress("complete", 1)
	}
	return nil
}

func pluginContainerName(nodeType string) string {
	return containerNamePrefix + nodeType
}

// CreateAndStart starts the plugin container, removing any previous
// container for the same node type first so reinstalls never collide on
// the name.
func (d *Docker) CreateAndStart(ctx context.Context, spec PluginSpec) (string, error) {
	if !d.IsFromTrustedRegistry(spec.Image) {
		return "", common.PermissionDeniedError("image %s is not from a trusted registry", spec.Image)
	}

	name := pluginContainerName(spec.NodeType)
	if err := d.removeExisting(ctx, name); err != nil {
		return "", err
	}

	port := nat.Port(fmt.Sprintf("%d/tcp", spec.HTTPPort()))
	env := make([]string, 0, len(spec.Env))
	for k, v := range spec.Env {
		env = append(env, k+"="+v)
	}

	containerConfig := &containertypes.Config{
		Image: spec.Image,
		Env:   env,
		Labels: map[string]string{
			labelPlugin:   "true",
			labelNodeType: spec.NodeType,
		},
		ExposedPorts: nat.PortSet{port: struct{}{}},
	}

	pids := d.plugin.PidsLimit
	hostConfig := &containertypes.HostConfig{
		Resources: containertypes.Resources{
			NanoCPUs: int64(d.plugin.CPULimit * 1e9),
			Memory:   d.plugin.MemoryLimit,
			// Swap equals memory so plugins cannot page their way past the cap.
			MemorySwap: d.plugin.MemoryLimit,
			PidsLimit:  &pids,
		},
		CapDrop:     []string{"ALL"},
		SecurityOpt: []string{"no-new-privileges"},
		RestartPolicy: containertypes.RestartPolicy{
			Name: "unless-stopped",
		},
		PortBindings: nat.PortMap{
			port: []nat.PortBinding{{HostIP: "127.0.0.1", HostPort: ""}},
		},
	}

	created, err := d.client.ContainerCreate(ctx, containerConfig, hostConfig, nil, nil, name)
	if err != nil {
		return "", common.TransientError(err, "failed to create plugin container %s", name)
	}
	if err := d.client.ContainerStart(ctx, created.ID, containertypes.StartOptions{}); err != nil {
		return "", common.TransientError(err, "failed to start plugin container %s", name)
	}

	common.Logger.Infof("started plugin container %s (%s)", name, created.ID[:12])
	return created.ID, nil
}

// removeExisting stops and removes any container already holding the
// plugin name.
func (d *Docker) removeExisting(ctx context.Context, name string) error {
	args := filters.NewArgs(filters.Arg("name", name))
	existing, err := d.client.ContainerList(ctx, containertypes.ListOptions{All: true, Filters: args})
	if err != nil {
		return common.TransientError(err, "failed to list plugin containers")
	}
	for _, c := range existing {
		if err := d.StopAndRemove(ctx, c.ID); err != nil {
			return err
		}
	}
	return nil
}

// WaitForHealthy polls the container until Docker reports it healthy or,
// for images without a HEALTHCHECK, until the plugin's /health endpoint
// answers.
func (d *Docker) WaitForHealthy(ctx context.Context, id string, timeout time.Duration) error {
	deadline := time.Now().Add(timeout)
	for {
		if time.Now().After(deadline) {
			return common.NewError(common.CodeTimedOut, "plugin container %s did not become healthy within %s", id, timeout)
		}

		inspect, err := d.client.ContainerInspect(ctx, id)
		if err == nil && inspect.State != nil {
			if inspect.State.Health != nil {
				if inspect.State.Health.Status == containertypes.Healthy {
					return nil
				}
			} else if inspect.State.Running {
				if endpoint, err := d.GetServiceEndpoint(ctx, id); err == nil && d.probeHealth(ctx, endpoint) {
					return nil
				}
			}
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(time.Second):
		}
	}
}

func (d *Docker) probeHealth(ctx context.Context, endpoint string) bool {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint+"/health", nil)
	if err != nil {
		return false
	}
	resp, err := d.http.Do(req)
	if err != nil {
		return false
	}
	defer resp.Body.Close()
	return resp.StatusCode >= 200 && resp.StatusCode < 300
}

func (d *Docker) Stop(ctx context.Context, id string) error {
	timeout := 10
	if err := d.client.ContainerStop(ctx, id, containertypes.StopOptions{Timeout: &timeout}); err != nil {
		return common.TransientError(err, "failed to stop container %s", id)
	}
	return nil
}

func (d *Docker) StopAndRemove(ctx context.Context, id string) error {
	timeout := 10
	if err := d.client.ContainerStop(ctx, id, containertypes.StopOptions{Timeout: &timeout}); err != nil {
		common.Logger.Warnf("failed to stop container %s before removal: %v", id, err)
	}
	if err := d.client.ContainerRemove(ctx, id, containertypes.RemoveOptions{Force: true}); err != nil {
		return common.TransientError(err, "failed to remove container %s", id)
	}
	return nil
}

func (d *Docker) GetLogs(ctx context.Context, id string, tail int) (string, error) {
	reader, err := d.client.ContainerLogs(ctx, id, containertypes.LogsOptions{
		ShowStdout: true,
		ShowStderr: true,
		Tail:       strconv.Itoa(tail),
	})
	if err != nil {
		return "", common.TransientError(err, "failed to read container logs for %s", id)
	}
	defer reader.Close()

	data, err := io.ReadAll(reader)
	if err != nil {
		return "", common.TransientError(err, "failed to read container logs for %s", id)
	}
	return string(data), nil
}

func (d *Docker) ListPluginContainers(ctx context.Context) ([]ContainerInfo, error) {
	args := filters.NewArgs(filters.Arg("label", labelPlugin+"=true"))
	containers, err := d.client.ContainerList(ctx, containertypes.ListOptions{All: true, Filters: args})
	if err != nil {
		return nil, common.TransientError(err, "failed to list plugin containers")
	}

	out := make([]ContainerInfo, 0, len(containers))
	for _, c := range containers {
		name := ""
		if len(c.Names) > 0 {
			name = c.Names[0]
		}
		out = append(out, ContainerInfo{
			ID:       c.ID,
			Name:     name,
			Image:    c.Image,
			NodeType: c.Labels[labelNodeType],
			Status:   c.Status,
		})
	}
	return out, nil
}

// GetServiceEndpoint resolves the loopback address the daemon published
// the plugin port on.
func (d *Docker) GetServiceEndpoint(ctx context.Context, id string) (string, error) {
	inspect, err := d.client.ContainerInspect(ctx, id)
	if err != nil {
		return "", common.TransientError(err, "failed to inspect container %s", id)
	}
	if inspect.NetworkSettings == nil {
		return "", common.NotFoundError("container %s has no network settings", id)
	}
	for _, bindings := range inspect.NetworkSettings.Ports {
		if len(bindings) > 0 && bindings[0].HostPort != "" {
			return "http://127.0.0.1:" + bindings[0].HostPort, nil
		}
	}
	return "", common.NotFoundError("container %s has no published port", id)
}
