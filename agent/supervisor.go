package agent

import (
	"context"
	"fmt"

	"github.com/n3n-io/n3n/common"
	"github.com/n3n-io/n3n/llm"
	"github.com/n3n-io/n3n/node"
)

// DefaultMaxIterations bounds the supervisor loop per turn.
const DefaultMaxIterations = 10

// Supervisor is the single entry point for an AI turn. It analyses the
// intent, seeds the draft for builder intents, routes through the
// sub-agents, and finalises the stream with the resulting draft.
type Supervisor struct {
	registry      *Registry
	analyzer      *IntentAnalyzer
	router        *Router
	maxIterations int
}

// NewSupervisor wires the supervisor. maxIterations <= 0 selects the
// default cap.
func NewSupervisor(registry *Registry, analyzer *IntentAnalyzer, maxIterations int) *Supervisor {
	if maxIterations <= 0 {
		maxIterations = DefaultMaxIterations
	}
	return &Supervisor{
		registry:      registry,
		analyzer:      analyzer,
		router:        NewRouter(),
		maxIterations: maxIterations,
	}
}

// NewDefaultSupervisor builds a supervisor with the standard agent
// catalogue registered: discovery, builder, validator.
func NewDefaultSupervisor(provider llm.Provider, handlers *node.Registry, maxIterations int) *Supervisor {
	registry := NewRegistry()
	registry.MustRegister(NewDiscoveryAgent(provider, handlers))
	registry.MustRegister(NewBuilderAgent())
	registry.MustRegister(NewValidatorAgent(handlers))
	return NewSupervisor(registry, NewIntentAnalyzer(provider), maxIterations)
}

// Execute runs one AI turn, emitting progress on the stream. The stream is
// always closed with a done event; when the draft is non-empty the final
// definition is emitted as a structured update_flow event first.
func (s *Supervisor) Execute(ctx context.Context, actx *Context, stream *Stream) (*Result, error) {
	defer stream.Done()

	if actx.MaxIterations <= 0 {
		actx.MaxIterations = s.maxIterations
	}
	if actx.Visited == nil {
		actx.Visited = map[string]bool{}
	}
	if actx.Memory == nil {
		actx.Memory = map[string]interface{}{}
	}

	intent := s.analyzer.Analyze(ctx, actx)
	actx.Intent = intent
	stream.Thinking(fmt.Sprintf("intent: %s (confidence %.2f)", intent.Type, intent.Confidence))

	if intent.Builder() && actx.Draft == nil {
		actx.Draft = DraftFromSnapshot(actx.CurrentNodes, actx.CurrentEdges)
	}

	var last *Result
	agentID := s.router.Route(intent, actx)
	for agentID != "" && actx.Iteration < actx.MaxIterations {
		a := s.registry.FindAgent(agentID)
		if a == nil {
			stream.Error("no agent registered for: " + agentID)
			break
		}

		actx.Visited[agentID] = true
		actx.Iteration++
		common.Logger.Debugf("supervisor iteration %d: %s", actx.Iteration, agentID)

		result, err := a.ExecuteStream(ctx, actx, stream)
		if err != nil {
			stream.Error(err.Error())
			break
		}
		last = result

		if !s.router.ShouldContinue(result, actx) {
			break
		}
		agentID = result.NextAction
	}

	s.finalise(actx, stream, last)
	return last, nil
}

// finalise emits the turn's closing events: the updated draft for builder
// turns, or a plain reply when no agent handled the intent.
func (s *Supervisor) finalise(actx *Context, stream *Stream, last *Result) {
	if actx.Draft != nil && !actx.Draft.Empty() {
		changes := make([]interface{}, 0, len(actx.PendingChanges))
		for _, c := range actx.PendingChanges {
			changes = append(changes, c)
		}
		stream.Structured(map[string]interface{}{
			"action":         "update_flow",
			"flowDefinition": actx.Draft.Definition(),
			"pendingChanges": changes,
		})
		return
	}
	if last != nil {
		return
	}

	switch actx.Intent.Type {
	case IntentChitchat:
		stream.Text("Hello! Describe the flow you want and I will draft it.")
	default:
		stream.Text("I could not map that request to a flow action. Try describing the flow you want to build.")
	}
}
