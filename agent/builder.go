package agent

import (
	"context"
	"sort"
	"strings"

	"github.com/n3n-io/n3n/common"
)

// defaultConfigByType seeds freshly added nodes with a runnable baseline
// where one exists. Everything else is left for configure_node.
var defaultConfigByType = map[string]map[string]interface{}{
	"scheduleTrigger": {"cronExpression": "0 9 * * *"},
}

// BuilderAgent mutates the working draft through the mutating tools. Every
// mutation lands as a pending change for user approval.
type BuilderAgent struct {
	addNode       Tool
	removeNode    Tool
	connectNodes  Tool
	configureNode Tool
}

// NewBuilderAgent creates the builder specialist with its tool set.
func NewBuilderAgent() *BuilderAgent {
	return &BuilderAgent{
		addNode:       &AddNodeTool{},
		removeNode:    &RemoveNodeTool{},
		connectNodes:  &ConnectNodesTool{},
		configureNode: &ConfigureNodeTool{},
	}
}

func (a *BuilderAgent) ID() string   { return "builder" }
func (a *BuilderAgent) Name() string { return "Builder Agent" }
func (a *BuilderAgent) Description() string {
	return "Mutates the working flow draft via tools, producing pending changes"
}
func (a *BuilderAgent) Capabilities() []string { return []string{"build", "edit"} }
func (a *BuilderAgent) Tools() []Tool {
	return []Tool{a.addNode, a.removeNode, a.connectNodes, a.configureNode}
}

func (a *BuilderAgent) Execute(ctx context.Context, actx *Context) (*Result, error) {
	return a.ExecuteStream(ctx, actx, NewStream())
}

func (a *BuilderAgent) ExecuteStream(ctx context.Context, actx *Context, stream *Stream) (*Result, error) {
	intent := actx.Intent
	if intent == nil {
		return nil, common.InvalidStateError("builder invoked without an analysed intent")
	}
	if actx.Draft == nil {
		actx.Draft = NewDraft()
	}

	switch intent.Type {
	case IntentCreateFlow:
		return a.buildFromDiscovery(ctx, actx, stream)
	case IntentAddNode:
		return a.runEntityTool(ctx, actx, stream, a.addNode,
			map[string]string{"nodeType": "nodeType", "label": "label"})
	case IntentRemoveNode:
		return a.runEntityTool(ctx, actx, stream, a.removeNode,
			map[string]string{"nodeId": "nodeId", "nodeLabel": "nodeLabel"})
	case IntentConnectNodes:
		return a.runEntityTool(ctx, actx, stream, a.connectNodes,
			map[string]string{"source": "source", "target": "target", "sourceHandle": "sourceHandle"})
	case IntentConfigureNode:
		return a.configure(ctx, actx, stream)
	case IntentModifyFlow, IntentOptimizeFlow:
		stream.Text("reviewing the current draft")
		return &Result{Success: true, Message: "draft reviewed", NextAction: "validator"}, nil
	default:
		return &Result{Success: false, Message: "builder cannot handle intent " + string(intent.Type)}, nil
	}
}

// buildFromDiscovery turns the discovery nominations into a linear draft:
// trigger first, then the action nodes in nomination order, connected as a
// chain.
func (a *BuilderAgent) buildFromDiscovery(ctx context.Context, actx *Context, stream *Stream) (*Result, error) {
	nodeTypes := nominatedTypes(actx.Memory["discoveryResults"])
	if len(nodeTypes) == 0 {
		return &Result{
			Success:    false,
			Message:    "no node recommendations available",
			NextAction: "discovery",
		}, nil
	}

	// Triggers first, stably.
	sort.SliceStable(nodeTypes, func(i, j int) bool {
		return strings.Contains(nodeTypes[i], "Trigger") && !strings.Contains(nodeTypes[j], "Trigger")
	})

	stream.Thinking("assembling the flow draft")
	var previousID string
	for _, nodeType := range nodeTypes {
		result, err := a.addNode.Execute(ctx, map[string]interface{}{
			"nodeType": nodeType,
			"config":   defaultConfigByType[nodeType],
		}, actx)
		if err != nil {
			return nil, err
		}
		nodeID, _ := result.Data["nodeId"].(string)
		if previousID != "" && nodeID != "" {
			if _, err := a.connectNodes.Execute(ctx, map[string]interface{}{
				"source": previousID,
				"target": nodeID,
			}, actx); err != nil {
				return nil, err
			}
		}
		previousID = nodeID
	}

	message := "drafted a flow with " + strings.Join(nodeTypes, ", ")
	stream.Text(message)
	return &Result{Success: true, Message: message, NextAction: "validator"}, nil
}

// runEntityTool copies the named intent entities into tool parameters and
// runs the tool once.
func (a *BuilderAgent) runEntityTool(ctx context.Context, actx *Context, stream *Stream, tool Tool, mapping map[string]string) (*Result, error) {
	params := map[string]interface{}{}
	for entity, param := range mapping {
		if v, ok := actx.Intent.Entities[entity]; ok {
			params[param] = v
		}
	}

	result, err := tool.Execute(ctx, params, actx)
	if err != nil {
		return nil, err
	}
	stream.Text(result.Message)
	if !result.Success {
		return &Result{Success: false, Message: result.Message}, nil
	}
	return &Result{Success: true, Message: result.Message, NextAction: "validator", Data: result.Data}, nil
}

func (a *BuilderAgent) configure(ctx context.Context, actx *Context, stream *Stream) (*Result, error) {
	params := map[string]interface{}{}
	if v, ok := actx.Intent.Entities["nodeId"]; ok {
		params["nodeId"] = v
	}
	if v, ok := actx.Intent.Entities["config"]; ok {
		params["config"] = v
	}

	result, err := a.configureNode.Execute(ctx, params, actx)
	if err != nil {
		return nil, err
	}
	stream.Text(result.Message)
	return &Result{Success: result.Success, Message: result.Message, NextAction: "validator"}, nil
}

// nominatedTypes normalises the working-memory entry, which is []string
// when written in-process and []interface{} after a JSON round trip.
func nominatedTypes(v interface{}) []string {
	switch list := v.(type) {
	case []string:
		return append([]string(nil), list...)
	case []interface{}:
		var out []string
		for _, item := range list {
			if s, ok := item.(string); ok {
				out = append(out, s)
			}
		}
		return out
	}
	return nil
}
