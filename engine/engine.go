package engine

import (
	"context"
	"fmt"
	"runtime"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/n3n-io/n3n/common"
	"github.com/n3n-io/n3n/expression"
	"github.com/n3n-io/n3n/flow"
	"github.com/n3n-io/n3n/node"
)

// Config wires the engine's collaborators.
type Config struct {
	Registry    *node.Registry
	Evaluator   *expression.Evaluator
	Credentials node.CredentialResolver // optional
	Versions    VersionSource
	Store       Store
	Bus         Bus

	// Concurrency caps parallel node execution per flow run. Zero means
	// the number of logical cores.
	Concurrency int
}

// Engine executes flow versions. One Engine serves many concurrent
// executions; within a single execution, independent branches run in
// parallel up to the configured cap while dependency order is enforced by
// the ready-set discipline.
type Engine struct {
	registry    *node.Registry
	evaluator   *expression.Evaluator
	credentials node.CredentialResolver
	versions    VersionSource
	store       Store
	bus         Bus
	concurrency int

	mu      sync.Mutex
	running map[string]*runningExecution
}

type runningExecution struct {
	cancel    context.CancelFunc
	done      chan struct{}
	cancelled bool
}

// New creates an execution engine.
func New(cfg Config) *Engine {
	concurrency := cfg.Concurrency
	if concurrency <= 0 {
		concurrency = runtime.NumCPU()
	}
	evaluator := cfg.Evaluator
	if evaluator == nil {
		evaluator = expression.NewEvaluator()
	}
	bus := cfg.Bus
	if bus == nil {
		bus = NewMemoryBus()
	}
	return &Engine{
		registry:    cfg.Registry,
		evaluator:   evaluator,
		credentials: cfg.Credentials,
		versions:    cfg.Versions,
		store:       cfg.Store,
		bus:         bus,
		concurrency: concurrency,
		running:     map[string]*runningExecution{},
	}
}

// Bus exposes the event bus for subscribers.
func (e *Engine) Bus() Bus { return e.bus }

// ExecuteRequest is a trigger delivery: which flow version to run, the
// payload, and the calling user.
type ExecuteRequest struct {
	FlowID  string
	Version string // empty selects the published version
	Payload map[string]interface{}
	UserID  string
}

// Execute validates the flow, creates the execution record, and starts
// scheduling asynchronously. The returned id can be used to subscribe to
// the event stream, wait, resume, or cancel.
func (e *Engine) Execute(ctx context.Context, req ExecuteRequest) (string, error) {
	version, err := e.versions.GetVersion(ctx, req.FlowID, req.Version)
	if err != nil {
		return "", err
	}

	parse := flow.Parse(version.Definition, e.registry)
	if !parse.Valid {
		return "", common.ValidationError("invalid flow definition: %s", strings.Join(parse.Errors, "; "))
	}

	execution := &Execution{
		ID:             uuid.NewString(),
		FlowID:         req.FlowID,
		FlowVersion:    version.Version,
		UserID:         req.UserID,
		Status:         StatusRunning,
		NodeStates:     map[string]*NodeState{},
		TriggerPayload: req.Payload,
		StartedAt:      time.Now(),
	}
	for _, n := range version.Definition.Nodes {
		execution.NodeStates[n.ID] = &NodeState{NodeID: n.ID, Status: NodePending}
	}

	if err := e.store.SaveExecution(ctx, execution); err != nil {
		return "", err
	}

	s := newScheduler(e, execution, version, parse)
	e.start(s, nil)
	return execution.ID, nil
}

// start launches the scheduling loop for an execution. resumeNode, when
// non-empty, marks the node whose output was just synthesised by Resume.
func (e *Engine) start(s *scheduler, ready []string) {
	runCtx, cancel := context.WithCancel(context.Background())
	run := &runningExecution{cancel: cancel, done: make(chan struct{})}

	e.mu.Lock()
	e.running[s.exec.ID] = run
	e.mu.Unlock()

	go func() {
		defer close(run.done)
		defer func() {
			e.mu.Lock()
			delete(e.running, s.exec.ID)
			e.mu.Unlock()
			cancel()
		}()
		s.run(runCtx, run, ready)
	}()
}

// Wait blocks until the execution's scheduling loop returns or the context
// is done. A paused execution counts as returned.
func (e *Engine) Wait(ctx context.Context, executionID string) error {
	e.mu.Lock()
	run, ok := e.running[executionID]
	e.mu.Unlock()
	if !ok {
		return nil
	}
	select {
	case <-run.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Cancel transitions a non-terminal execution to cancelled and signals
// in-flight handlers through their contexts.
func (e *Engine) Cancel(ctx context.Context, executionID string) error {
	e.mu.Lock()
	run, isRunning := e.running[executionID]
	if isRunning {
		run.cancelled = true
		run.cancel()
	}
	e.mu.Unlock()

	if isRunning {
		return nil
	}

	// Not in-flight: a waiting (paused) execution can still be cancelled.
	execution, err := e.store.GetExecution(ctx, executionID)
	if err != nil {
		return err
	}
	if execution.Status.Terminal() {
		return common.InvalidStateError("execution %s is already %s", executionID, execution.Status)
	}
	now := time.Now()
	execution.Status = StatusCancelled
	execution.EndedAt = &now
	if err := e.store.SaveExecution(ctx, execution); err != nil {
		return err
	}
	e.bus.Publish(Event{Type: EventExecutionCancelled, ExecutionID: executionID, Timestamp: now})
	return nil
}

// Resume continues a waiting execution. The resume token must match the
// paused node's stored resume condition; the node's final output is
// synthesised from the resume payload.
func (e *Engine) Resume(ctx context.Context, executionID, resumeToken string, payload map[string]interface{}) error {
	execution, err := e.store.GetExecution(ctx, executionID)
	if err != nil {
		return err
	}
	if execution.Status.Terminal() {
		return common.InvalidStateError("execution %s is already %s", executionID, execution.Status)
	}
	if execution.Status != StatusWaiting {
		return common.InvalidStateError("execution %s is not waiting", executionID)
	}

	var paused *NodeState
	for _, ns := range execution.NodeStates {
		if ns.Status == NodePaused {
			paused = ns
			break
		}
	}
	if paused == nil {
		return common.InvalidStateError("execution %s has no paused node", executionID)
	}

	if approvalID, ok := paused.ResumeCondition["approvalId"].(string); ok && approvalID != "" {
		if resumeToken != approvalID {
			return common.PermissionDeniedError("resume token does not match the stored resume condition")
		}
	}

	version, err := e.versions.GetVersion(ctx, execution.FlowID, execution.FlowVersion)
	if err != nil {
		return err
	}
	parse := flow.Parse(version.Definition, e.registry)
	if !parse.Valid {
		return common.ValidationError("invalid flow definition: %s", strings.Join(parse.Errors, "; "))
	}

	s := newScheduler(e, execution, version, parse)
	ready := s.rebuild()

	now := time.Now()
	execution.Status = StatusRunning
	e.bus.Publish(Event{Type: EventExecutionResumed, ExecutionID: executionID, NodeID: paused.NodeID, Timestamp: now})

	output := payload
	if output == nil {
		output = map[string]interface{}{}
	}
	ready = mergeSorted(ready, s.completeNode(paused.NodeID, output, nil))
	_ = e.store.SaveExecution(ctx, execution)

	e.start(s, ready)
	return nil
}

// nodeResult carries one handler outcome back to the scheduling loop.
type nodeResult struct {
	nodeID string
	result *node.ExecutionResult
}

// scheduler owns the per-execution state: edge resolution, node outputs,
// and the ready set. Its run loop is single-threaded; handler goroutines
// only communicate through the results channel.
type scheduler struct {
	engine  *Engine
	exec    *Execution
	version *flow.Version
	parse   *flow.ParseResult
	def     *flow.Definition

	// pending counts unresolved inbound edges per node; live marks nodes
	// with at least one completed, branch-selected inbound edge.
	pending map[string]int
	live    map[string]bool

	// contributors lists the live completed predecessors feeding each node.
	contributors map[string][]string

	outputs map[string]map[string]interface{}

	// replay suppresses events and state writes for nodes that already
	// reached a terminal state before a resume.
	replay bool
}

func newScheduler(e *Engine, execution *Execution, version *flow.Version, parse *flow.ParseResult) *scheduler {
	s := &scheduler{
		engine:       e,
		exec:         execution,
		version:      version,
		parse:        parse,
		def:          version.Definition,
		pending:      map[string]int{},
		live:         map[string]bool{},
		contributors: map[string][]string{},
		outputs:      map[string]map[string]interface{}{},
	}
	for _, n := range s.def.Nodes {
		s.pending[n.ID] = 0
	}
	for _, edge := range s.def.Edges {
		s.pending[edge.Target]++
	}
	for _, id := range parse.EntryPoints {
		s.live[id] = true
	}
	return s
}

// rebuild replays recorded terminal node states so a resumed execution
// continues from where it paused. It returns nodes that were already ready
// when the pause drained, so they are dispatched alongside the resumed
// node's successors.
func (s *scheduler) rebuild() []string {
	s.replay = true
	defer func() { s.replay = false }()

	var ready []string
	for _, id := range s.parse.ExecutionOrder {
		ns := s.exec.NodeStates[id]
		switch ns.Status {
		case NodeCompleted:
			s.outputs[id] = ns.Output
			ready = append(ready, s.resolveOutbound(id, ns.BranchesToFollow, true)...)
		case NodeFailed, NodeSkipped:
			ready = append(ready, s.resolveOutbound(id, nil, false)...)
		}
	}
	sort.Strings(ready)
	return ready
}

// run is the scheduling loop. ready seeds the first dispatch wave; nil
// means start from the entry points.
func (s *scheduler) run(ctx context.Context, run *runningExecution, ready []string) {
	e := s.engine
	if ready == nil {
		ready = append([]string(nil), s.parse.EntryPoints...)
		e.bus.Publish(Event{
			Type:        EventExecutionStarted,
			ExecutionID: s.exec.ID,
			Timestamp:   time.Now(),
			Data:        map[string]interface{}{"flowId": s.exec.FlowID, "version": s.exec.FlowVersion},
		})
	}
	sort.Strings(ready)

	results := make(chan nodeResult)
	inflight := 0
	paused := false
	failed := false

	dispatch := func() {
		for !paused && !failed && len(ready) > 0 && inflight < e.concurrency {
			id := ready[0]
			ready = ready[1:]

			// Pinned data short-circuits the handler entirely.
			if pinned, ok := s.version.PinnedData[id]; ok {
				more := s.completeNode(id, pinned, nil)
				ready = mergeSorted(ready, more)
				continue
			}

			s.setNodeRunning(id)
			inflight++
			go func(nodeID string) {
				results <- nodeResult{nodeID: nodeID, result: s.executeNode(ctx, nodeID)}
			}(id)
		}
	}

	dispatch()
	for inflight > 0 || (!paused && !failed && len(ready) > 0) {
		if inflight == 0 {
			dispatch()
			continue
		}
		res := <-results
		inflight--

		switch {
		case res.result.PauseRequested:
			s.setNodePaused(res.nodeID, res.result)
			paused = true

		case res.result.Success:
			more := s.completeNode(res.nodeID, res.result.Output, res.result.BranchesToFollow)
			ready = mergeSorted(ready, more)

		default:
			s.setNodeFailed(res.nodeID, res.result.Error)
			if s.version.ContinueOnError() {
				// Downstream joins may become ready once this node's
				// outbound edges are settled; dispatch them like any
				// other wave.
				more := s.resolveOutbound(res.nodeID, nil, false)
				ready = mergeSorted(ready, more)
			} else {
				failed = true
				run.cancel()
			}
		}

		_ = e.store.SaveExecution(context.Background(), s.exec)
		dispatch()
	}

	s.finish(run, paused, failed)
}

// finish records the execution-level outcome once the loop drains.
func (s *scheduler) finish(run *runningExecution, paused, failed bool) {
	e := s.engine
	now := time.Now()

	e.mu.Lock()
	cancelled := run.cancelled
	e.mu.Unlock()

	switch {
	case cancelled:
		s.exec.Status = StatusCancelled
		s.exec.EndedAt = &now
		e.bus.Publish(Event{Type: EventExecutionCancelled, ExecutionID: s.exec.ID, Timestamp: now})

	case paused:
		s.exec.Status = StatusWaiting
		e.bus.Publish(Event{Type: EventExecutionPaused, ExecutionID: s.exec.ID, Timestamp: now})

	default:
		if !failed {
			for _, ns := range s.exec.NodeStates {
				if ns.Status == NodeFailed {
					failed = true
					break
				}
			}
		}
		if failed {
			s.exec.Status = StatusFailed
			s.exec.EndedAt = &now
			e.bus.Publish(Event{Type: EventExecutionFailed, ExecutionID: s.exec.ID, Timestamp: now,
				Data: map[string]interface{}{"error": s.exec.Error}})
		} else {
			s.exec.Status = StatusCompleted
			s.exec.EndedAt = &now
			s.exec.Output = map[string]interface{}{}
			for _, id := range s.parse.ExitPoints {
				if out, ok := s.outputs[id]; ok {
					s.exec.Output[id] = out
				}
			}
			e.bus.Publish(Event{Type: EventExecutionCompleted, ExecutionID: s.exec.ID, Timestamp: now,
				Data: map[string]interface{}{"output": s.exec.Output}})
		}
	}

	_ = e.store.SaveExecution(context.Background(), s.exec)
}

// executeNode materialises config and credentials, assembles the node
// context, and invokes the handler. All failure modes are mapped onto a
// failed ExecutionResult; this function never panics the loop.
func (s *scheduler) executeNode(ctx context.Context, nodeID string) *node.ExecutionResult {
	e := s.engine
	n := s.def.NodeByID(nodeID)

	handler := e.registry.FindHandler(n.Type)
	if handler == nil {
		return node.Failure(fmt.Sprintf("no handler registered for node type: %s", n.Type))
	}

	input := s.nodeInput(nodeID)
	exprCtx := &expression.Context{
		Input:       input,
		NodeOutputs: s.outputs,
		ExecutionID: s.exec.ID,
		WorkflowID:  s.exec.FlowID,
	}
	config := e.evaluator.EvaluateConfig(n.Data.Config, exprCtx)

	nctx := &node.ExecutionContext{
		ExecutionID:  s.exec.ID,
		NodeID:       nodeID,
		FlowID:       s.exec.FlowID,
		FlowVersion:  s.exec.FlowVersion,
		UserID:       s.exec.UserID,
		Config:       config,
		Input:        input,
		Global:       map[string]interface{}{"trigger": s.exec.TriggerPayload},
		NodeOutputs:  s.outputs,
		Credentials:  e.credentials,
		Evaluator:    e.evaluator,
		CredentialID: n.Data.CredentialID,
	}

	if n.Data.CredentialID != "" && e.credentials != nil {
		resolved, err := e.credentials.Resolve(ctx, n.Data.CredentialID, s.exec.UserID)
		if err != nil {
			return node.Failure(fmt.Sprintf("credential resolution failed: %v", err))
		}
		nctx.ResolvedCredential = resolved
	}

	execCtx := ctx
	var cancel context.CancelFunc
	timedOut := false
	if ms, ok := asNumber(config["timeoutMs"]); ok && ms > 0 {
		execCtx, cancel = context.WithTimeout(ctx, time.Duration(ms)*time.Millisecond)
		defer cancel()
	}

	start := time.Now()
	result, err := handler.Execute(execCtx, nctx)
	duration := time.Since(start)

	if execCtx.Err() == context.DeadlineExceeded {
		timedOut = true
	}
	switch {
	case timedOut:
		result = node.Failure(fmt.Sprintf("%s: node %s exceeded its timeout", common.CodeTimedOut, nodeID))
	case err != nil:
		result = node.Failure(err.Error())
	case result == nil:
		result = node.Failure("handler returned no result")
	}
	result.Duration = duration
	return result
}

// nodeInput merges the outputs of the node's live completed predecessors.
// Entry points receive the trigger payload.
func (s *scheduler) nodeInput(nodeID string) map[string]interface{} {
	sources := append([]string(nil), s.contributors[nodeID]...)
	if len(sources) == 0 {
		if s.exec.TriggerPayload != nil {
			return s.exec.TriggerPayload
		}
		return map[string]interface{}{}
	}
	sort.Strings(sources)

	input := map[string]interface{}{}
	for _, src := range sources {
		for k, v := range s.outputs[src] {
			input[k] = v
		}
	}
	return input
}

// completeNode records a node success and resolves its outbound edges,
// returning any newly ready nodes.
func (s *scheduler) completeNode(nodeID string, output map[string]interface{}, branches []string) []string {
	now := time.Now()
	ns := s.exec.NodeStates[nodeID]
	ns.Status = NodeCompleted
	ns.Output = output
	ns.BranchesToFollow = branches
	ns.EndedAt = &now
	ns.PauseReason = ""
	ns.ResumeCondition = nil

	s.outputs[nodeID] = output
	s.engine.bus.Publish(Event{
		Type:        EventNodeCompleted,
		ExecutionID: s.exec.ID,
		NodeID:      nodeID,
		Timestamp:   now,
		Data:        map[string]interface{}{"output": output},
	})
	return s.resolveOutbound(nodeID, branches, true)
}

// resolveOutbound settles every edge leaving a node. completed=false marks
// all edges dead (failed or skipped source); otherwise an edge is live when
// no branch filter applies or its source handle was selected. Targets whose
// last inbound edge resolves either become ready or are transitively
// skipped.
func (s *scheduler) resolveOutbound(nodeID string, branches []string, completed bool) []string {
	var ready []string
	for _, edge := range s.def.Edges {
		if edge.Source != nodeID {
			continue
		}
		liveEdge := completed && (branches == nil || containsString(branches, edge.SourceHandle))
		if liveEdge {
			s.live[edge.Target] = true
			s.contributors[edge.Target] = append(s.contributors[edge.Target], nodeID)
		}
		s.pending[edge.Target]--
		if s.pending[edge.Target] > 0 {
			continue
		}
		if s.live[edge.Target] {
			if s.exec.NodeStates[edge.Target].Status == NodePending {
				ready = append(ready, edge.Target)
			}
		} else {
			s.skipNode(edge.Target)
			ready = append(ready, s.resolveOutbound(edge.Target, nil, false)...)
		}
	}
	sort.Strings(ready)
	return ready
}

func (s *scheduler) skipNode(nodeID string) {
	ns := s.exec.NodeStates[nodeID]
	if ns.Status != NodePending {
		return
	}
	ns.Status = NodeSkipped
	if s.replay {
		return
	}
	s.engine.bus.Publish(Event{
		Type:        EventNodeSkipped,
		ExecutionID: s.exec.ID,
		NodeID:      nodeID,
		Timestamp:   time.Now(),
	})
}

func (s *scheduler) setNodeRunning(nodeID string) {
	now := time.Now()
	ns := s.exec.NodeStates[nodeID]
	ns.Status = NodeRunning
	ns.StartedAt = &now
	s.engine.bus.Publish(Event{
		Type:        EventNodeStarted,
		ExecutionID: s.exec.ID,
		NodeID:      nodeID,
		Timestamp:   now,
	})
}

func (s *scheduler) setNodeFailed(nodeID, message string) {
	now := time.Now()
	ns := s.exec.NodeStates[nodeID]
	ns.Status = NodeFailed
	ns.Error = message
	ns.EndedAt = &now
	if s.exec.Error == "" {
		s.exec.Error = fmt.Sprintf("node %s failed: %s", nodeID, message)
	}
	s.engine.bus.Publish(Event{
		Type:        EventNodeFailed,
		ExecutionID: s.exec.ID,
		NodeID:      nodeID,
		Timestamp:   now,
		Data:        map[string]interface{}{"error": message},
	})
}

func (s *scheduler) setNodePaused(nodeID string, result *node.ExecutionResult) {
	ns := s.exec.NodeStates[nodeID]
	ns.Status = NodePaused
	ns.PauseReason = result.PauseReason
	ns.ResumeCondition = result.ResumeCondition
	ns.PartialOutput = result.PartialOutput
}

func mergeSorted(a, b []string) []string {
	out := append(a, b...)
	sort.Strings(out)
	return out
}

func containsString(list []string, s string) bool {
	for _, item := range list {
		if item == s {
			return true
		}
	}
	return false
}

func asNumber(v interface{}) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case int:
		return float64(n), true
	case int64:
		return float64(n), true
	}
	return 0, false
}
