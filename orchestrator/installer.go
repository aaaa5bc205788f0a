package orchestrator

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/n3n-io/n3n/common"
	"github.com/n3n-io/n3n/node"
)

// InstallState is one step of the plugin install lifecycle.
type InstallState string

const (
	InstallPending     InstallState = "PENDING"
	InstallPulling     InstallState = "PULLING"
	InstallStarting    InstallState = "STARTING"
	InstallRegistering InstallState = "REGISTERING"
	InstallCompleted   InstallState = "COMPLETED"
	InstallFailed      InstallState = "FAILED"
	InstallCancelled   InstallState = "CANCELLED"
)

// InstallTask tracks one plugin installation.
type InstallTask struct {
	ID       string       `json:"id"`
	NodeType string       `json:"nodeType"`
	Image    string       `json:"image"`
	State    InstallState `json:"state"`

	// Progress runs 0..100 across the lifecycle; Stage names the step
	// within the current state.
	Progress float64 `json:"progress"`
	Stage    string  `json:"stage,omitempty"`

	ContainerID string `json:"containerId,omitempty"`
	Error       string `json:"error,omitempty"`

	StartedAt time.Time  `json:"startedAt"`
	EndedAt   *time.Time `json:"endedAt,omitempty"`
}

const (
	definitionsPath   = "/n3n/node-definitions"
	definitionRetries = 3
	definitionDelay   = 2 * time.Second
	definitionTimeout = 10 * time.Second
	defaultHealthWait = 60 * time.Second
)

// Installer drives plugin installation end to end: trust check, pull,
// start, health wait, node-definition fetch, and handler registration.
type Installer struct {
	orchestrator Orchestrator
	registry     *node.Registry
	httpClient   *http.Client
	healthWait   time.Duration

	mu    sync.RWMutex
	tasks map[string]*InstallTask

	// delay between definition fetch retries; shortened in tests.
	retryDelay time.Duration
}

// NewInstaller creates an installer binding the orchestrator to the
// handler registry.
func NewInstaller(orch Orchestrator, registry *node.Registry) *Installer {
	return &Installer{
		orchestrator: orch,
		registry:     registry,
		httpClient:   &http.Client{Timeout: definitionTimeout},
		healthWait:   defaultHealthWait,
		tasks:        map[string]*InstallTask{},
		retryDelay:   definitionDelay,
	}
}

// Task returns a snapshot of the task, or nil.
func (i *Installer) Task(id string) *InstallTask {
	i.mu.RLock()
	defer i.mu.RUnlock()
	if t, ok := i.tasks[id]; ok {
		copied := *t
		return &copied
	}
	return nil
}

// Tasks returns snapshots of all tracked tasks.
func (i *Installer) Tasks() []*InstallTask {
	i.mu.RLock()
	defer i.mu.RUnlock()
	out := make([]*InstallTask, 0, len(i.tasks))
	for _, t := range i.tasks {
		copied := *t
		out = append(out, &copied)
	}
	return out
}

func (i *Installer) update(task *InstallTask, state InstallState, stage string, progress float64) {
	i.mu.Lock()
	defer i.mu.Unlock()
	task.State = state
	if stage != "" {
		task.Stage = stage
	}
	if progress > task.Progress {
		task.Progress = progress
	}
	common.Logger.Infof("plugin install %s (%s): %s %.0f%% %s", task.ID, task.NodeType, state, task.Progress, task.Stage)
}

func (i *Installer) fail(task *InstallTask, err error) error {
	now := time.Now()
	i.mu.Lock()
	task.State = InstallFailed
	task.Error = err.Error()
	task.EndedAt = &now
	i.mu.Unlock()
	return err
}

// Install runs a plugin installation to completion. The returned task is
// tracked and can be polled concurrently while Install runs.
func (i *Installer) Install(ctx context.Context, spec PluginSpec) (*InstallTask, error) {
	task := &InstallTask{
		ID:        uuid.NewString(),
		NodeType:  spec.NodeType,
		Image:     spec.Image,
		State:     InstallPending,
		StartedAt: time.Now(),
	}
	i.mu.Lock()
	i.tasks[task.ID] = task
	i.mu.Unlock()

	if !i.orchestrator.IsFromTrustedRegistry(spec.Image) {
		return task, i.fail(task, common.PermissionDeniedError("image %s is not from a trusted registry", spec.Image))
	}

	i.update(task, InstallPulling, "pulling image", 20)
	err := i.orchestrator.PullImage(ctx, spec.Image, func(stage string, fraction float64) {
		i.update(task, InstallPulling, stage, 20+40*fraction)
	})
	if err != nil {
		return task, i.fail(task, err)
	}

	i.update(task, InstallStarting, "starting container", 65)
	containerID, err := i.orchestrator.CreateAndStart(ctx, spec)
	if err != nil {
		return task, i.fail(task, err)
	}
	i.mu.Lock()
	task.ContainerID = containerID
	i.mu.Unlock()

	if err := i.orchestrator.WaitForHealthy(ctx, containerID, i.healthWait); err != nil {
		return task, i.fail(task, err)
	}
	i.update(task, InstallStarting, "container healthy", 75)

	i.update(task, InstallRegistering, "fetching node definitions", 85)
	endpoint, err := i.orchestrator.GetServiceEndpoint(ctx, containerID)
	if err != nil {
		return task, i.fail(task, err)
	}

	definitions := i.fetchDefinitions(ctx, endpoint)
	if len(definitions) == 0 {
		// The plugin runs but does not advertise its catalogue; register a
		// minimal definition so the node type is usable.
		common.Logger.Warnf("plugin %s exposes no node definitions, using fallback", spec.NodeType)
		definitions = []NodeDefinition{fallbackDefinition(spec)}
	}

	for _, def := range definitions {
		handler := NewProxyHandler(def, endpoint, i.httpClient)
		if err := i.registry.Register(handler); err != nil {
			common.Logger.Warnf("plugin node type %s already registered, skipping", def.Type)
		}
	}
	i.update(task, InstallRegistering, "handlers registered", 95)

	now := time.Now()
	i.mu.Lock()
	task.State = InstallCompleted
	task.Progress = 100
	task.EndedAt = &now
	i.mu.Unlock()
	return task, nil
}

// Uninstall removes the plugin workload. Registered handler types remain
// in the registry but their container is gone; re-install replaces them.
func (i *Installer) Uninstall(ctx context.Context, containerID string) error {
	return i.orchestrator.StopAndRemove(ctx, containerID)
}

// fetchDefinitions asks the plugin for its node catalogue, retrying a few
// times while the container finishes booting.
func (i *Installer) fetchDefinitions(ctx context.Context, endpoint string) []NodeDefinition {
	for attempt := 1; attempt <= definitionRetries; attempt++ {
		definitions, err := i.fetchDefinitionsOnce(ctx, endpoint)
		if err == nil {
			return definitions
		}
		common.Logger.Warnf("node definition fetch attempt %d/%d failed: %v", attempt, definitionRetries, err)
		if attempt < definitionRetries {
			select {
			case <-ctx.Done():
				return nil
			case <-time.After(i.retryDelay):
			}
		}
	}
	return nil
}

func (i *Installer) fetchDefinitionsOnce(ctx context.Context, endpoint string) ([]NodeDefinition, error) {
	reqCtx, cancel := context.WithTimeout(ctx, definitionTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(reqCtx, http.MethodGet, endpoint+definitionsPath, nil)
	if err != nil {
		return nil, err
	}
	resp, err := i.httpClient.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode >= 400 {
		return nil, fmt.Errorf("status %d from %s", resp.StatusCode, definitionsPath)
	}

	// Plugins answer either a bare array or {"nodes": [...]}.
	var list []NodeDefinition
	if err := json.Unmarshal(body, &list); err == nil {
		return list, nil
	}
	var wrapped struct {
		Nodes []NodeDefinition `json:"nodes"`
	}
	if err := json.Unmarshal(body, &wrapped); err != nil {
		return nil, fmt.Errorf("unparseable node definitions: %w", err)
	}
	return wrapped.Nodes, nil
}

func fallbackDefinition(spec PluginSpec) NodeDefinition {
	return NodeDefinition{
		Type:        spec.NodeType,
		DisplayName: spec.NodeType,
		Description: "Containerised plugin node",
		Category:    string(node.CategoryIntegrations),
	}
}
