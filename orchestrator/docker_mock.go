package orchestrator

import (
	"context"
	"io"
	"strings"

	"github.com/docker/docker/api/types"
	containertypes "github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/image"
	networktypes "github.com/docker/docker/api/types/network"
	ocispec "github.com/opencontainers/image-spec/specs-go/v1"
)

// MockDockerClient is an in-memory DockerClient for tests. It records the
// call order and the last create parameters so tests can assert on the
// sandbox configuration.
type MockDockerClient struct {
	// Containers is returned from ContainerList.
	Containers []containertypes.Summary

	// InspectResponse is returned from ContainerInspect.
	InspectResponse containertypes.InspectResponse

	// Logs is returned from ContainerLogs.
	Logs string

	// Err makes every operation fail.
	Err error

	// Calls records operation names in invocation order.
	Calls []string

	LastContainerID   string
	LastContainerName string
	LastImageRef      string
	LastConfig        *containertypes.Config
	LastHostConfig    *containertypes.HostConfig
}

// NewMockDockerClient creates an empty mock.
func NewMockDockerClient() *MockDockerClient {
	return &MockDockerClient{}
}

func (m *MockDockerClient) record(call string) { m.Calls = append(m.Calls, call) }

// Called reports whether the named operation was invoked.
func (m *MockDockerClient) Called(call string) bool {
	for _, c := range m.Calls {
		if c == call {
			return true
		}
	}
	return false
}

func (m *MockDockerClient) ContainerList(ctx context.Context, options containertypes.ListOptions) ([]containertypes.Summary, error) {
	m.record("ContainerList")
	if m.Err != nil {
		return nil, m.Err
	}
	return m.Containers, nil
}

func (m *MockDockerClient) ContainerCreate(
	ctx context.Context,
	config *containertypes.Config,
	hostConfig *containertypes.HostConfig,
	networkingConfig *networktypes.NetworkingConfig,
	platform *ocispec.Platform,
	containerName string,
) (containertypes.CreateResponse, error) {
	m.record("ContainerCreate")
	m.LastContainerName = containerName
	m.LastConfig = config
	m.LastHostConfig = hostConfig
	if m.Err != nil {
		return containertypes.CreateResponse{}, m.Err
	}
	return containertypes.CreateResponse{ID: "mock-container-id-" + containerName}, nil
}

func (m *MockDockerClient) ContainerStart(ctx context.Context, containerID string, options containertypes.StartOptions) error {
	m.record("ContainerStart")
	m.LastContainerID = containerID
	return m.Err
}

func (m *MockDockerClient) ContainerStop(ctx context.Context, containerID string, options containertypes.StopOptions) error {
	m.record("ContainerStop")
	m.LastContainerID = containerID
	return m.Err
}

func (m *MockDockerClient) ContainerRemove(ctx context.Context, containerID string, options containertypes.RemoveOptions) error {
	m.record("ContainerRemove")
	m.LastContainerID = containerID
	return m.Err
}

func (m *MockDockerClient) ContainerInspect(ctx context.Context, containerID string) (containertypes.InspectResponse, error) {
	m.record("ContainerInspect")
	m.LastContainerID = containerID
	if m.Err != nil {
		return containertypes.InspectResponse{}, m.Err
	}
	return m.InspectResponse, nil
}

func (m *MockDockerClient) ContainerLogs(ctx context.Context, containerID string, options containertypes.LogsOptions) (io.ReadCloser, error) {
	m.record("ContainerLogs")
	m.LastContainerID = containerID
	if m.Err != nil {
		return nil, m.Err
	}
	return io.NopCloser(strings.NewReader(m.Logs)), nil
}

func (m *MockDockerClient) ImagePull(ctx context.Context, refStr string, options image.PullOptions) (io.ReadCloser, error) {
	m.record("ImagePull")
	m.LastImageRef = refStr
	if m.Err != nil {
		return nil, m.Err
	}
	return io.NopCloser(strings.NewReader(`{"status":"Pull complete"}`)), nil
}

func (m *MockDockerClient) Ping(ctx context.Context) (types.Ping, error) {
	m.record("Ping")
	return types.Ping{}, m.Err
}

func (m *MockDockerClient) Close() error { return nil }
