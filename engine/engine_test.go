package engine

import (
	"context"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/n3n-io/n3n/common"
	"github.com/n3n-io/n3n/flow"
	"github.com/n3n-io/n3n/node"
)

type stubVersions struct {
	version *flow.Version
}

func (s *stubVersions) GetVersion(ctx context.Context, flowID, version string) (*flow.Version, error) {
	if s.version == nil {
		return nil, common.NotFoundError("flow %s not found", flowID)
	}
	return s.version, nil
}

type funcHandler struct {
	nodeType string
	fn       func(ctx context.Context, nctx *node.ExecutionContext) (*node.ExecutionResult, error)
}

func (h *funcHandler) Type() string { return h.nodeType }
func (h *funcHandler) Info() node.HandlerInfo {
	return node.HandlerInfo{Type: h.nodeType, DisplayName: h.nodeType, Category: node.CategoryTools}
}
func (h *funcHandler) Execute(ctx context.Context, nctx *node.ExecutionContext) (*node.ExecutionResult, error) {
	return h.fn(ctx, nctx)
}
func (h *funcHandler) ValidateConfig(config map[string]interface{}) node.ValidationResult {
	return node.ValidationResult{Valid: true}
}

func emitHandler(nodeType string, output map[string]interface{}) *funcHandler {
	return &funcHandler{nodeType: nodeType, fn: func(ctx context.Context, nctx *node.ExecutionContext) (*node.ExecutionResult, error) {
		return node.Success(output), nil
	}}
}

type testRig struct {
	engine   *Engine
	store    *MemoryStore
	bus      *MemoryBus
	versions *stubVersions
}

func newTestRig(t *testing.T, registry *node.Registry, version *flow.Version) *testRig {
	t.Helper()
	store := NewMemoryStore()
	bus := NewMemoryBus()
	versions := &stubVersions{version: version}
	e := New(Config{
		Registry:    registry,
		Versions:    versions,
		Store:       store,
		Bus:         bus,
		Concurrency: 4,
	})
	return &testRig{engine: e, store: store, bus: bus, versions: versions}
}

func (r *testRig) runToEnd(t *testing.T, req ExecuteRequest) (string, *Execution, []Event) {
	t.Helper()
	events, stop := r.bus.SubscribeAll()
	defer stop()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	id, err := r.engine.Execute(ctx, req)
	require.NoError(t, err)
	require.NoError(t, r.engine.Wait(ctx, id))

	execution, err := r.store.GetExecution(ctx, id)
	require.NoError(t, err)
	return id, execution, drainEvents(events)
}

func drainEvents(ch <-chan Event) []Event {
	var out []Event
	for {
		select {
		case e := <-ch:
			out = append(out, e)
		case <-time.After(100 * time.Millisecond):
			return out
		}
	}
}

func eventsOfType(events []Event, et EventType) []Event {
	var out []Event
	for _, e := range events {
		if e.Type == et {
			out = append(out, e)
		}
	}
	return out
}

func nodeIDs(events []Event) []string {
	var out []string
	for _, e := range events {
		out = append(out, e.NodeID)
	}
	return out
}

func linearVersion() *flow.Version {
	return &flow.Version{
		FlowID:  "flow-1",
		Version: "1",
		Definition: &flow.Definition{
			Nodes: []flow.Node{
				{ID: "a", Type: "a"},
				{ID: "b", Type: "b"},
				{ID: "c", Type: "c"},
			},
			Edges: []flow.Edge{
				{ID: "e1", Source: "a", Target: "b"},
				{ID: "e2", Source: "b", Target: "c"},
			},
		},
	}
}

func TestExecuteLinearFlow(t *testing.T) {
	registry := node.NewRegistry()
	registry.MustRegister(emitHandler("a", map[string]interface{}{"x": 1}))
	registry.MustRegister(&funcHandler{nodeType: "b", fn: func(ctx context.Context, nctx *node.ExecutionContext) (*node.ExecutionResult, error) {
		// Input is the upstream output.
		return node.Success(map[string]interface{}{"x": nctx.Input["x"], "y": 2}), nil
	}})
	registry.MustRegister(&funcHandler{nodeType: "c", fn: func(ctx context.Context, nctx *node.ExecutionContext) (*node.ExecutionResult, error) {
		return node.Success(nctx.Input), nil
	}})

	rig := newTestRig(t, registry, linearVersion())
	id, execution, events := rig.runToEnd(t, ExecuteRequest{FlowID: "flow-1", UserID: "u1"})

	assert.Equal(t, StatusCompleted, execution.Status)
	assert.Equal(t, []string{"a", "b", "c"}, nodeIDs(eventsOfType(events, EventNodeStarted)))
	assert.Equal(t, []string{"a", "b", "c"}, nodeIDs(eventsOfType(events, EventNodeCompleted)))

	started := eventsOfType(events, EventExecutionStarted)
	require.Len(t, started, 1)
	assert.Equal(t, id, started[0].ExecutionID)
	require.Len(t, eventsOfType(events, EventExecutionCompleted), 1)

	// Exit node output is the execution output.
	out, ok := execution.Output["c"].(map[string]interface{})
	require.True(t, ok)
	assert.Equal(t, 1, out["x"])
	assert.Equal(t, 2, out["y"])
}

func TestExecuteDiamondJoinRunsOnce(t *testing.T) {
	var joinRuns int32
	registry := node.NewRegistry()
	registry.MustRegister(emitHandler("a", map[string]interface{}{"seed": true}))
	registry.MustRegister(emitHandler("b", map[string]interface{}{"fromB": "b"}))
	registry.MustRegister(emitHandler("c", map[string]interface{}{"fromC": "c"}))
	registry.MustRegister(&funcHandler{nodeType: "join", fn: func(ctx context.Context, nctx *node.ExecutionContext) (*node.ExecutionResult, error) {
		atomic.AddInt32(&joinRuns, 1)
		return node.Success(nctx.Input), nil
	}})

	version := &flow.Version{
		FlowID:  "flow-1",
		Version: "1",
		Definition: &flow.Definition{
			Nodes: []flow.Node{
				{ID: "a", Type: "a"},
				{ID: "b", Type: "b"},
				{ID: "c", Type: "c"},
				{ID: "j", Type: "join"},
			},
			Edges: []flow.Edge{
				{ID: "e1", Source: "a", Target: "b"},
				{ID: "e2", Source: "a", Target: "c"},
				{ID: "e3", Source: "b", Target: "j"},
				{ID: "e4", Source: "c", Target: "j"},
			},
		},
	}

	rig := newTestRig(t, registry, version)
	_, execution, events := rig.runToEnd(t, ExecuteRequest{FlowID: "flow-1", UserID: "u1"})

	assert.Equal(t, StatusCompleted, execution.Status)
	assert.Equal(t, int32(1), atomic.LoadInt32(&joinRuns))

	// The join starts exactly once, and only after both parents completed.
	joinStarts := 0
	parentsDone := 0
	for _, e := range events {
		if e.Type == EventNodeCompleted && (e.NodeID == "b" || e.NodeID == "c") {
			parentsDone++
		}
		if e.Type == EventNodeStarted && e.NodeID == "j" {
			joinStarts++
			assert.Equal(t, 2, parentsDone)
		}
	}
	assert.Equal(t, 1, joinStarts)

	// The join input merges both parents.
	out := execution.Output["j"].(map[string]interface{})
	assert.Equal(t, "b", out["fromB"])
	assert.Equal(t, "c", out["fromC"])
}

func TestExecuteRejectsCyclicFlow(t *testing.T) {
	registry := node.NewRegistry()
	registry.MustRegister(emitHandler("a", nil))
	registry.MustRegister(emitHandler("b", nil))

	version := &flow.Version{
		FlowID:  "flow-1",
		Version: "1",
		Definition: &flow.Definition{
			Nodes: []flow.Node{{ID: "a", Type: "a"}, {ID: "b", Type: "b"}},
			Edges: []flow.Edge{
				{ID: "e1", Source: "a", Target: "b"},
				{ID: "e2", Source: "b", Target: "a"},
			},
		},
	}

	rig := newTestRig(t, registry, version)
	_, err := rig.engine.Execute(context.Background(), ExecuteRequest{FlowID: "flow-1"})
	require.Error(t, err)
	assert.True(t, common.IsValidation(err))
	assert.Contains(t, err.Error(), "Cycle detected")
}

func TestPauseAndResume(t *testing.T) {
	registry := node.NewRegistry()
	registry.MustRegister(emitHandler("a", map[string]interface{}{"v": 1}))
	registry.MustRegister(&funcHandler{nodeType: "approval", fn: func(ctx context.Context, nctx *node.ExecutionContext) (*node.ExecutionResult, error) {
		return &node.ExecutionResult{
			PauseRequested:  true,
			PauseReason:     "waiting for approval",
			ResumeCondition: map[string]interface{}{"type": "approval", "approvalId": "appr-1"},
			PartialOutput:   nctx.Input,
		}, nil
	}})
	registry.MustRegister(&funcHandler{nodeType: "after", fn: func(ctx context.Context, nctx *node.ExecutionContext) (*node.ExecutionResult, error) {
		return node.Success(nctx.Input), nil
	}})

	version := &flow.Version{
		FlowID:  "flow-1",
		Version: "1",
		Definition: &flow.Definition{
			Nodes: []flow.Node{
				{ID: "a", Type: "a"},
				{ID: "wait", Type: "approval"},
				{ID: "after", Type: "after"},
			},
			Edges: []flow.Edge{
				{ID: "e1", Source: "a", Target: "wait"},
				{ID: "e2", Source: "wait", Target: "after"},
			},
		},
	}

	rig := newTestRig(t, registry, version)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	id, err := rig.engine.Execute(ctx, ExecuteRequest{FlowID: "flow-1", UserID: "u1"})
	require.NoError(t, err)
	require.NoError(t, rig.engine.Wait(ctx, id))

	execution, err := rig.store.GetExecution(ctx, id)
	require.NoError(t, err)
	require.Equal(t, StatusWaiting, execution.Status)
	require.Equal(t, NodePaused, execution.NodeStates["wait"].Status)
	assert.Equal(t, NodePending, execution.NodeStates["after"].Status)

	t.Run("wrong token is rejected", func(t *testing.T) {
		err := rig.engine.Resume(ctx, id, "nope", nil)
		require.Error(t, err)
		assert.True(t, common.IsPermissionDenied(err))
	})

	t.Run("matching token continues downstream", func(t *testing.T) {
		err := rig.engine.Resume(ctx, id, "appr-1", map[string]interface{}{"approved": true})
		require.NoError(t, err)
		require.NoError(t, rig.engine.Wait(ctx, id))

		execution, err := rig.store.GetExecution(ctx, id)
		require.NoError(t, err)
		assert.Equal(t, StatusCompleted, execution.Status)
		assert.Equal(t, NodeCompleted, execution.NodeStates["wait"].Status)
		assert.Equal(t, NodeCompleted, execution.NodeStates["after"].Status)

		out := execution.Output["after"].(map[string]interface{})
		assert.Equal(t, true, out["approved"])
	})

	t.Run("resume after completion is rejected", func(t *testing.T) {
		err := rig.engine.Resume(ctx, id, "appr-1", nil)
		require.Error(t, err)
		assert.True(t, common.IsInvalidState(err))
	})
}

func TestPinnedDataSkipsHandler(t *testing.T) {
	var ran int32
	registry := node.NewRegistry()
	registry.MustRegister(&funcHandler{nodeType: "a", fn: func(ctx context.Context, nctx *node.ExecutionContext) (*node.ExecutionResult, error) {
		atomic.AddInt32(&ran, 1)
		return node.Success(map[string]interface{}{"live": true}), nil
	}})
	registry.MustRegister(&funcHandler{nodeType: "b", fn: func(ctx context.Context, nctx *node.ExecutionContext) (*node.ExecutionResult, error) {
		return node.Success(nctx.Input), nil
	}})

	version := &flow.Version{
		FlowID:  "flow-1",
		Version: "1",
		Definition: &flow.Definition{
			Nodes: []flow.Node{{ID: "a", Type: "a"}, {ID: "b", Type: "b"}},
			Edges: []flow.Edge{{ID: "e1", Source: "a", Target: "b"}},
		},
		PinnedData: map[string]map[string]interface{}{
			"a": {"pinned": "value"},
		},
	}

	rig := newTestRig(t, registry, version)
	_, execution, events := rig.runToEnd(t, ExecuteRequest{FlowID: "flow-1"})

	assert.Equal(t, StatusCompleted, execution.Status)
	assert.Equal(t, int32(0), atomic.LoadInt32(&ran))
	assert.Equal(t, NodeCompleted, execution.NodeStates["a"].Status)

	// Pinned nodes emit NODE_COMPLETED but never NODE_STARTED.
	assert.Equal(t, []string{"b"}, nodeIDs(eventsOfType(events, EventNodeStarted)))

	out := execution.Output["b"].(map[string]interface{})
	assert.Equal(t, "value", out["pinned"])
}

func TestBranchSelectionSkipsUnselectedSubtree(t *testing.T) {
	registry := node.NewRegistry()
	registry.MustRegister(&funcHandler{nodeType: "cond", fn: func(ctx context.Context, nctx *node.ExecutionContext) (*node.ExecutionResult, error) {
		r := node.Success(map[string]interface{}{"checked": true})
		r.BranchesToFollow = []string{"true"}
		return r, nil
	}})
	registry.MustRegister(emitHandler("t", map[string]interface{}{"branch": "true"}))
	registry.MustRegister(emitHandler("f", map[string]interface{}{"branch": "false"}))
	registry.MustRegister(&funcHandler{nodeType: "after", fn: func(ctx context.Context, nctx *node.ExecutionContext) (*node.ExecutionResult, error) {
		return node.Success(nctx.Input), nil
	}})

	version := &flow.Version{
		FlowID:  "flow-1",
		Version: "1",
		Definition: &flow.Definition{
			Nodes: []flow.Node{
				{ID: "cond", Type: "cond"},
				{ID: "t", Type: "t"},
				{ID: "f", Type: "f"},
				{ID: "afterF", Type: "after"},
			},
			Edges: []flow.Edge{
				{ID: "e1", Source: "cond", Target: "t", SourceHandle: "true"},
				{ID: "e2", Source: "cond", Target: "f", SourceHandle: "false"},
				{ID: "e3", Source: "f", Target: "afterF"},
			},
		},
	}

	rig := newTestRig(t, registry, version)
	_, execution, events := rig.runToEnd(t, ExecuteRequest{FlowID: "flow-1"})

	assert.Equal(t, StatusCompleted, execution.Status)
	assert.Equal(t, NodeCompleted, execution.NodeStates["t"].Status)
	assert.Equal(t, NodeSkipped, execution.NodeStates["f"].Status)
	// The skip is transitive through the dead branch.
	assert.Equal(t, NodeSkipped, execution.NodeStates["afterF"].Status)

	skipped := nodeIDs(eventsOfType(events, EventNodeSkipped))
	assert.ElementsMatch(t, []string{"f", "afterF"}, skipped)
}

func TestNodeFailureFailsExecution(t *testing.T) {
	registry := node.NewRegistry()
	registry.MustRegister(&funcHandler{nodeType: "boom", fn: func(ctx context.Context, nctx *node.ExecutionContext) (*node.ExecutionResult, error) {
		return node.Failure("upstream unavailable"), nil
	}})
	registry.MustRegister(emitHandler("b", nil))

	version := &flow.Version{
		FlowID:  "flow-1",
		Version: "1",
		Definition: &flow.Definition{
			Nodes: []flow.Node{{ID: "a", Type: "boom"}, {ID: "b", Type: "b"}},
			Edges: []flow.Edge{{ID: "e1", Source: "a", Target: "b"}},
		},
	}

	rig := newTestRig(t, registry, version)
	_, execution, events := rig.runToEnd(t, ExecuteRequest{FlowID: "flow-1"})

	assert.Equal(t, StatusFailed, execution.Status)
	assert.Equal(t, NodeFailed, execution.NodeStates["a"].Status)
	assert.Equal(t, NodePending, execution.NodeStates["b"].Status)
	assert.Contains(t, execution.Error, "upstream unavailable")
	require.Len(t, eventsOfType(events, EventExecutionFailed), 1)
}

func TestContinueOnErrorSkipsDownstreamOnly(t *testing.T) {
	registry := node.NewRegistry()
	registry.MustRegister(emitHandler("a", map[string]interface{}{"ok": true}))
	registry.MustRegister(&funcHandler{nodeType: "boom", fn: func(ctx context.Context, nctx *node.ExecutionContext) (*node.ExecutionResult, error) {
		return node.Failure("boom"), nil
	}})
	registry.MustRegister(emitHandler("side", map[string]interface{}{"side": true}))
	registry.MustRegister(emitHandler("after", nil))

	version := &flow.Version{
		FlowID:  "flow-1",
		Version: "1",
		Definition: &flow.Definition{
			Nodes: []flow.Node{
				{ID: "a", Type: "a"},
				{ID: "bad", Type: "boom"},
				{ID: "afterBad", Type: "after"},
				{ID: "side", Type: "side"},
			},
			Edges: []flow.Edge{
				{ID: "e1", Source: "a", Target: "bad"},
				{ID: "e2", Source: "bad", Target: "afterBad"},
				{ID: "e3", Source: "a", Target: "side"},
			},
		},
		Settings: map[string]interface{}{flow.SettingContinueOnError: true},
	}

	rig := newTestRig(t, registry, version)
	_, execution, _ := rig.runToEnd(t, ExecuteRequest{FlowID: "flow-1"})

	assert.Equal(t, StatusFailed, execution.Status)
	assert.Equal(t, NodeFailed, execution.NodeStates["bad"].Status)
	assert.Equal(t, NodeSkipped, execution.NodeStates["afterBad"].Status)
	// The independent branch still ran.
	assert.Equal(t, NodeCompleted, execution.NodeStates["side"].Status)
}

func TestContinueOnErrorStillDispatchesJoinNodes(t *testing.T) {
	registry := node.NewRegistry()
	registry.MustRegister(emitHandler("a", map[string]interface{}{"seed": 1}))
	registry.MustRegister(emitHandler("good", map[string]interface{}{"good": true}))
	registry.MustRegister(&funcHandler{nodeType: "boom", fn: func(ctx context.Context, nctx *node.ExecutionContext) (*node.ExecutionResult, error) {
		return node.Failure("boom"), nil
	}})
	registry.MustRegister(&funcHandler{nodeType: "join", fn: func(ctx context.Context, nctx *node.ExecutionContext) (*node.ExecutionResult, error) {
		return node.Success(nctx.Input), nil
	}})

	// The join's last inbound edge settles when bad fails, so it only
	// runs if the failure path dispatches newly ready nodes.
	version := &flow.Version{
		FlowID:  "flow-1",
		Version: "1",
		Definition: &flow.Definition{
			Nodes: []flow.Node{
				{ID: "a", Type: "a"},
				{ID: "good", Type: "good"},
				{ID: "bad", Type: "boom"},
				{ID: "join", Type: "join"},
			},
			Edges: []flow.Edge{
				{ID: "e1", Source: "a", Target: "good"},
				{ID: "e2", Source: "good", Target: "bad"},
				{ID: "e3", Source: "good", Target: "join"},
				{ID: "e4", Source: "bad", Target: "join"},
			},
		},
		Settings: map[string]interface{}{flow.SettingContinueOnError: true},
	}

	rig := newTestRig(t, registry, version)
	_, execution, _ := rig.runToEnd(t, ExecuteRequest{FlowID: "flow-1"})

	assert.Equal(t, StatusFailed, execution.Status)
	assert.Equal(t, NodeFailed, execution.NodeStates["bad"].Status)
	assert.Equal(t, NodeCompleted, execution.NodeStates["join"].Status)

	// Only the live branch contributes to the join's input.
	out, ok := execution.NodeStates["join"].Output["good"]
	require.True(t, ok)
	assert.Equal(t, true, out)
}

func TestCancelStopsRunningExecution(t *testing.T) {
	release := make(chan struct{})
	registry := node.NewRegistry()
	registry.MustRegister(&funcHandler{nodeType: "slow", fn: func(ctx context.Context, nctx *node.ExecutionContext) (*node.ExecutionResult, error) {
		select {
		case <-ctx.Done():
			return node.Failure("interrupted"), nil
		case <-release:
			return node.Success(nil), nil
		}
	}})

	version := &flow.Version{
		FlowID:  "flow-1",
		Version: "1",
		Definition: &flow.Definition{
			Nodes: []flow.Node{{ID: "a", Type: "slow"}},
		},
	}

	rig := newTestRig(t, registry, version)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	id, err := rig.engine.Execute(ctx, ExecuteRequest{FlowID: "flow-1"})
	require.NoError(t, err)

	require.NoError(t, rig.engine.Cancel(ctx, id))
	require.NoError(t, rig.engine.Wait(ctx, id))
	close(release)

	execution, err := rig.store.GetExecution(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, StatusCancelled, execution.Status)
}

func TestNodeTimeoutFailsNode(t *testing.T) {
	registry := node.NewRegistry()
	registry.MustRegister(&funcHandler{nodeType: "slow", fn: func(ctx context.Context, nctx *node.ExecutionContext) (*node.ExecutionResult, error) {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(2 * time.Second):
			return node.Success(nil), nil
		}
	}})

	version := &flow.Version{
		FlowID:  "flow-1",
		Version: "1",
		Definition: &flow.Definition{
			Nodes: []flow.Node{{
				ID:   "a",
				Type: "slow",
				Data: flow.NodeData{Config: map[string]interface{}{"timeoutMs": float64(30)}},
			}},
		},
	}

	rig := newTestRig(t, registry, version)
	_, execution, _ := rig.runToEnd(t, ExecuteRequest{FlowID: "flow-1"})

	assert.Equal(t, StatusFailed, execution.Status)
	require.Equal(t, NodeFailed, execution.NodeStates["a"].Status)
	assert.True(t, strings.HasPrefix(execution.NodeStates["a"].Error, common.CodeTimedOut))
}

func TestExpressionsResolveAgainstNodeOutputs(t *testing.T) {
	registry := node.NewRegistry()
	registry.MustRegister(emitHandler("a", map[string]interface{}{"name": "n3n"}))
	registry.MustRegister(&funcHandler{nodeType: "echo", fn: func(ctx context.Context, nctx *node.ExecutionContext) (*node.ExecutionResult, error) {
		return node.Success(map[string]interface{}{"greeting": nctx.Config["greeting"]}), nil
	}})

	version := &flow.Version{
		FlowID:  "flow-1",
		Version: "1",
		Definition: &flow.Definition{
			Nodes: []flow.Node{
				{ID: "a", Type: "a"},
				{ID: "b", Type: "echo", Data: flow.NodeData{Config: map[string]interface{}{
					"greeting": `hello {{ $node["a"].json.name }}`,
				}}},
			},
			Edges: []flow.Edge{{ID: "e1", Source: "a", Target: "b"}},
		},
	}

	rig := newTestRig(t, registry, version)
	_, execution, _ := rig.runToEnd(t, ExecuteRequest{FlowID: "flow-1"})

	assert.Equal(t, StatusCompleted, execution.Status)
	out := execution.Output["b"].(map[string]interface{})
	assert.Equal(t, "hello n3n", out["greeting"])
}

func TestMemoryBusDropsOldestWhenFull(t *testing.T) {
	bus := NewMemoryBus()
	ch, stop := bus.Subscribe("x")
	defer stop()

	for i := 0; i < subscriberBuffer+10; i++ {
		bus.Publish(Event{Type: EventNodeCompleted, ExecutionID: "x", NodeID: "n"})
	}
	// The newest events survive; the channel never blocks the publisher.
	assert.Len(t, drainEvents(ch), subscriberBuffer)
}
