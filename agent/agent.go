package agent

import (
	"context"
	"sort"
	"sync"

	"github.com/n3n-io/n3n/common"
	"github.com/n3n-io/n3n/flow"
	"github.com/n3n-io/n3n/llm"
)

// Context carries the shared state of one AI turn. Agents mutate it
// serially; the supervisor never fans out to parallel agents for the same
// draft.
type Context struct {
	ConversationID string
	UserID         string
	FlowID         string

	// Utterance is the raw user message for this turn.
	Utterance string

	Intent *Intent
	Draft  *Draft

	// History is the conversation so far, summary included.
	History []llm.Message

	// Memory is the cross-agent scratch space for this turn.
	Memory map[string]interface{}

	ToolResults []ToolResult

	// TokensUsed accumulates provider token usage across the turn's LLM
	// calls, reconciled against the rate limiter's reservation afterwards.
	TokensUsed int

	// Visited, Iteration, and MaxIterations bound the supervisor loop.
	// MaxIterations is filled from the supervisor's cap when zero.
	Visited       map[string]bool
	Iteration     int
	MaxIterations int

	// CurrentNodes and CurrentEdges snapshot the flow being edited.
	CurrentNodes []flow.Node
	CurrentEdges []flow.Edge

	PendingChanges []*PendingChange
}

// NewContext creates a turn context for a user utterance.
func NewContext(conversationID, userID, flowID, utterance string) *Context {
	return &Context{
		ConversationID: conversationID,
		UserID:         userID,
		FlowID:         flowID,
		Utterance:      utterance,
		Memory:         map[string]interface{}{},
		Visited:        map[string]bool{},
	}
}

// Result is what a sub-agent hands back to the supervisor.
type Result struct {
	Success bool
	Message string

	// NextAction names the agent the sub-agent wants invoked next, or is
	// empty when the chain should finalise.
	NextAction string

	Data map[string]interface{}
}

// Agent is one specialist in the builder chain.
type Agent interface {
	ID() string
	Name() string
	Description() string
	Capabilities() []string
	Tools() []Tool

	Execute(ctx context.Context, actx *Context) (*Result, error)

	// ExecuteStream runs the agent while emitting progress on the stream.
	// The agent must not call Done; the supervisor owns stream lifecycle.
	ExecuteStream(ctx context.Context, actx *Context, stream *Stream) (*Result, error)
}

// Registry is the process-wide agent catalogue. Registration happens at
// startup; lookups are concurrent-safe.
type Registry struct {
	mu     sync.RWMutex
	agents map[string]Agent
}

// NewRegistry creates an empty agent registry.
func NewRegistry() *Registry {
	return &Registry{agents: map[string]Agent{}}
}

// Register adds an agent. Duplicate ids are a wiring bug.
func (r *Registry) Register(a Agent) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.agents[a.ID()]; exists {
		return common.FatalError("agent already registered: %s", a.ID())
	}
	r.agents[a.ID()] = a
	return nil
}

// MustRegister registers or panics. Used for the static catalogue at
// startup.
func (r *Registry) MustRegister(a Agent) {
	if err := r.Register(a); err != nil {
		panic(err)
	}
}

// FindAgent returns the agent with the given id, or nil.
func (r *Registry) FindAgent(id string) Agent {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.agents[id]
}

// ListAgents returns all agents sorted by id.
func (r *Registry) ListAgents() []Agent {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]Agent, 0, len(r.agents))
	for _, a := range r.agents {
		out = append(out, a)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID() < out[j].ID() })
	return out
}

// FindAgentsByCapability returns agents advertising the capability, sorted
// by id.
func (r *Registry) FindAgentsByCapability(capability string) []Agent {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var out []Agent
	for _, a := range r.agents {
		for _, c := range a.Capabilities() {
			if c == capability {
				out = append(out, a)
				break
			}
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID() < out[j].ID() })
	return out
}
