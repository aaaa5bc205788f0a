package engine

import (
	"context"
	"sync"
	"time"

	"github.com/n3n-io/n3n/common"
	"github.com/n3n-io/n3n/flow"
)

// Status is the execution lifecycle state.
type Status string

const (
	StatusPending   Status = "pending"
	StatusRunning   Status = "running"
	StatusWaiting   Status = "waiting"
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
	StatusCancelled Status = "cancelled"
)

// Terminal reports whether the status admits no further transitions.
func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusFailed || s == StatusCancelled
}

// NodeStatus is the per-node state within an execution.
type NodeStatus string

const (
	NodePending   NodeStatus = "pending"
	NodeRunning   NodeStatus = "running"
	NodeCompleted NodeStatus = "completed"
	NodeFailed    NodeStatus = "failed"
	NodeSkipped   NodeStatus = "skipped"
	NodePaused    NodeStatus = "paused"
)

// NodeState records the outcome of one node within an execution.
type NodeState struct {
	NodeID string     `json:"nodeId"`
	Status NodeStatus `json:"status"`

	Output map[string]interface{} `json:"output,omitempty"`
	Error  string                 `json:"error,omitempty"`

	// BranchesToFollow is persisted so resume can rebuild edge liveness.
	BranchesToFollow []string `json:"branchesToFollow,omitempty"`

	PauseReason     string                 `json:"pauseReason,omitempty"`
	ResumeCondition map[string]interface{} `json:"resumeCondition,omitempty"`
	PartialOutput   map[string]interface{} `json:"partialOutput,omitempty"`

	StartedAt *time.Time `json:"startedAt,omitempty"`
	EndedAt   *time.Time `json:"endedAt,omitempty"`
}

// Execution is one run of a flow version.
type Execution struct {
	ID          string `json:"id"`
	FlowID      string `json:"flowId"`
	FlowVersion string `json:"flowVersion"`
	UserID      string `json:"userId"`

	Status     Status                `json:"status"`
	NodeStates map[string]*NodeState `json:"nodeStates"`

	TriggerPayload map[string]interface{} `json:"triggerPayload,omitempty"`

	// Output maps exit-point node ids to their outputs.
	Output map[string]interface{} `json:"output,omitempty"`
	Error  string                 `json:"error,omitempty"`

	StartedAt time.Time  `json:"startedAt"`
	EndedAt   *time.Time `json:"endedAt,omitempty"`
}

// Store persists execution records. SaveExecution is an upsert of the whole
// record; the engine persists at every state transition so a crash loses at
// most the in-flight node.
type Store interface {
	SaveExecution(ctx context.Context, execution *Execution) error
	GetExecution(ctx context.Context, id string) (*Execution, error)
}

// VersionSource resolves a flow version for execution. An empty version
// string selects the currently published version.
type VersionSource interface {
	GetVersion(ctx context.Context, flowID, version string) (*flow.Version, error)
}

// MemoryStore is the in-process Store used by tests and ephemeral
// deployments.
type MemoryStore struct {
	mu         sync.RWMutex
	executions map[string]*Execution
}

// NewMemoryStore creates an empty in-memory execution store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{executions: map[string]*Execution{}}
}

func (s *MemoryStore) SaveExecution(ctx context.Context, execution *Execution) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.executions[execution.ID] = cloneExecution(execution)
	return nil
}

func (s *MemoryStore) GetExecution(ctx context.Context, id string) (*Execution, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if e, ok := s.executions[id]; ok {
		return cloneExecution(e), nil
	}
	return nil, common.NotFoundError("execution %s not found", id)
}

func cloneExecution(e *Execution) *Execution {
	out := *e
	out.NodeStates = make(map[string]*NodeState, len(e.NodeStates))
	for id, ns := range e.NodeStates {
		copied := *ns
		out.NodeStates[id] = &copied
	}
	return &out
}
