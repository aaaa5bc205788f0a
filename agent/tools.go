package agent

import (
	"context"
	"fmt"
	"strings"

	"github.com/n3n-io/n3n/flow"
	"github.com/n3n-io/n3n/node"
)

// Tool is one callable capability exposed to agents. Mutating tools set
// RequiresConfirmation so their effects surface as pending changes the
// user approves in the frontend.
type Tool interface {
	Name() string
	Description() string
	ParameterSchema() map[string]interface{}
	RequiresConfirmation() bool
	Execute(ctx context.Context, params map[string]interface{}, actx *Context) (*ToolResult, error)
}

// ToolResult is the outcome of one tool call.
type ToolResult struct {
	Tool    string                 `json:"tool"`
	Success bool                   `json:"success"`
	Message string                 `json:"message,omitempty"`
	Data    map[string]interface{} `json:"data,omitempty"`
}

func recordToolResult(actx *Context, r *ToolResult) *ToolResult {
	actx.ToolResults = append(actx.ToolResults, *r)
	return r
}

func paramString(params map[string]interface{}, key string) string {
	s, _ := params[key].(string)
	return s
}

// AddNodeTool appends a node of a given type to the draft.
type AddNodeTool struct{}

func (t *AddNodeTool) Name() string               { return "add_node" }
func (t *AddNodeTool) Description() string        { return "Add a node of a given type to the flow draft" }
func (t *AddNodeTool) RequiresConfirmation() bool { return true }

func (t *AddNodeTool) ParameterSchema() map[string]interface{} {
	return map[string]interface{}{
		"type": "object",
		"properties": map[string]interface{}{
			"nodeType": map[string]interface{}{"type": "string"},
			"label":    map[string]interface{}{"type": "string"},
			"config":   map[string]interface{}{"type": "object"},
		},
		"required": []string{"nodeType"},
	}
}

func (t *AddNodeTool) Execute(ctx context.Context, params map[string]interface{}, actx *Context) (*ToolResult, error) {
	nodeType := paramString(params, "nodeType")
	if nodeType == "" {
		return recordToolResult(actx, &ToolResult{Tool: t.Name(), Message: "nodeType is required"}), nil
	}
	if actx.Draft == nil {
		actx.Draft = NewDraft()
	}
	config, _ := params["config"].(map[string]interface{})
	added := actx.Draft.AddNode(nodeType, paramString(params, "label"), config)

	actx.PendingChanges = append(actx.PendingChanges, NewPendingChange("add_node",
		fmt.Sprintf("Add %s node %q", nodeType, added.Data.Label),
		map[string]interface{}{"nodeId": added.ID, "nodeType": nodeType}))

	return recordToolResult(actx, &ToolResult{
		Tool:    t.Name(),
		Success: true,
		Message: fmt.Sprintf("added node %s", added.ID),
		Data:    map[string]interface{}{"nodeId": added.ID},
	}), nil
}

// RemoveNodeTool deletes a node by id or label, with its incident edges.
type RemoveNodeTool struct{}

func (t *RemoveNodeTool) Name() string { return "remove_node" }
func (t *RemoveNodeTool) Description() string {
	return "Remove a node (by id or label) and its incident edges from the flow draft"
}
func (t *RemoveNodeTool) RequiresConfirmation() bool { return true }

func (t *RemoveNodeTool) ParameterSchema() map[string]interface{} {
	return map[string]interface{}{
		"type": "object",
		"properties": map[string]interface{}{
			"nodeId":    map[string]interface{}{"type": "string"},
			"nodeLabel": map[string]interface{}{"type": "string"},
		},
	}
}

func (t *RemoveNodeTool) Execute(ctx context.Context, params map[string]interface{}, actx *Context) (*ToolResult, error) {
	if actx.Draft == nil {
		return recordToolResult(actx, &ToolResult{Tool: t.Name(), Message: "no draft to edit"}), nil
	}

	var target *flow.Node
	if id := paramString(params, "nodeId"); id != "" {
		target = actx.Draft.NodeByID(id)
	} else if label := paramString(params, "nodeLabel"); label != "" {
		target = actx.Draft.NodeByLabel(label)
	}
	if target == nil {
		return recordToolResult(actx, &ToolResult{Tool: t.Name(), Message: "node not found"}), nil
	}

	removedID := target.ID
	actx.Draft.RemoveNode(removedID)
	actx.PendingChanges = append(actx.PendingChanges, NewPendingChange("remove_node",
		fmt.Sprintf("Remove node %q", removedID),
		map[string]interface{}{"nodeId": removedID}))

	return recordToolResult(actx, &ToolResult{
		Tool:    t.Name(),
		Success: true,
		Message: fmt.Sprintf("removed node %s", removedID),
		Data:    map[string]interface{}{"nodeId": removedID},
	}), nil
}

// ConnectNodesTool adds an edge between two draft nodes.
type ConnectNodesTool struct{}

func (t *ConnectNodesTool) Name() string               { return "connect_nodes" }
func (t *ConnectNodesTool) Description() string        { return "Connect two nodes in the flow draft" }
func (t *ConnectNodesTool) RequiresConfirmation() bool { return true }

func (t *ConnectNodesTool) ParameterSchema() map[string]interface{} {
	return map[string]interface{}{
		"type": "object",
		"properties": map[string]interface{}{
			"source":       map[string]interface{}{"type": "string"},
			"target":       map[string]interface{}{"type": "string"},
			"sourceHandle": map[string]interface{}{"type": "string"},
		},
		"required": []string{"source", "target"},
	}
}

func (t *ConnectNodesTool) Execute(ctx context.Context, params map[string]interface{}, actx *Context) (*ToolResult, error) {
	if actx.Draft == nil {
		return recordToolResult(actx, &ToolResult{Tool: t.Name(), Message: "no draft to edit"}), nil
	}
	edge, err := actx.Draft.Connect(
		paramString(params, "source"),
		paramString(params, "target"),
		paramString(params, "sourceHandle"))
	if err != nil {
		return recordToolResult(actx, &ToolResult{Tool: t.Name(), Message: err.Error()}), nil
	}

	actx.PendingChanges = append(actx.PendingChanges, NewPendingChange("connect_nodes",
		fmt.Sprintf("Connect %s to %s", edge.Source, edge.Target),
		map[string]interface{}{"edgeId": edge.ID}))

	return recordToolResult(actx, &ToolResult{
		Tool:    t.Name(),
		Success: true,
		Message: fmt.Sprintf("connected %s to %s", edge.Source, edge.Target),
		Data:    map[string]interface{}{"edgeId": edge.ID},
	}), nil
}

// ConfigureNodeTool merges configuration into an existing draft node.
type ConfigureNodeTool struct{}

func (t *ConfigureNodeTool) Name() string               { return "configure_node" }
func (t *ConfigureNodeTool) Description() string        { return "Set configuration values on a draft node" }
func (t *ConfigureNodeTool) RequiresConfirmation() bool { return true }

func (t *ConfigureNodeTool) ParameterSchema() map[string]interface{} {
	return map[string]interface{}{
		"type": "object",
		"properties": map[string]interface{}{
			"nodeId": map[string]interface{}{"type": "string"},
			"config": map[string]interface{}{"type": "object"},
		},
		"required": []string{"nodeId", "config"},
	}
}

func (t *ConfigureNodeTool) Execute(ctx context.Context, params map[string]interface{}, actx *Context) (*ToolResult, error) {
	if actx.Draft == nil {
		return recordToolResult(actx, &ToolResult{Tool: t.Name(), Message: "no draft to edit"}), nil
	}
	target := actx.Draft.NodeByID(paramString(params, "nodeId"))
	if target == nil {
		return recordToolResult(actx, &ToolResult{Tool: t.Name(), Message: "node not found"}), nil
	}
	config, _ := params["config"].(map[string]interface{})
	if target.Data.Config == nil {
		target.Data.Config = map[string]interface{}{}
	}
	for k, v := range config {
		target.Data.Config[k] = v
	}

	actx.PendingChanges = append(actx.PendingChanges, NewPendingChange("configure_node",
		fmt.Sprintf("Configure node %q", target.ID),
		map[string]interface{}{"nodeId": target.ID, "config": config}))

	return recordToolResult(actx, &ToolResult{
		Tool:    t.Name(),
		Success: true,
		Message: fmt.Sprintf("configured node %s", target.ID),
	}), nil
}

// requiredConfigByType lists per-type config fields a runnable flow needs.
var requiredConfigByType = map[string][]string{
	"httpRequest":     {"url"},
	"scheduleTrigger": {"cronExpression"},
}

// ValidateFlowTool runs the static checks on the draft: node types known
// to the handler registry, presence of a trigger, connectivity, cycles,
// and per-type required configuration.
type ValidateFlowTool struct {
	Registry *node.Registry
}

func (t *ValidateFlowTool) Name() string               { return "validate_flow" }
func (t *ValidateFlowTool) Description() string        { return "Validate the flow draft" }
func (t *ValidateFlowTool) RequiresConfirmation() bool { return false }

func (t *ValidateFlowTool) ParameterSchema() map[string]interface{} {
	return map[string]interface{}{"type": "object", "properties": map[string]interface{}{}}
}

func (t *ValidateFlowTool) Execute(ctx context.Context, params map[string]interface{}, actx *Context) (*ToolResult, error) {
	if actx.Draft == nil || actx.Draft.Empty() {
		return recordToolResult(actx, &ToolResult{Tool: t.Name(), Message: "no draft to validate"}), nil
	}

	def := actx.Draft.Definition()
	parse := flow.Parse(def, t.Registry)
	issues := append([]string(nil), parse.Errors...)
	issues = append(issues, parse.Warnings...)

	issues = append(issues, t.checkTrigger(def)...)
	issues = append(issues, checkOrphans(def)...)
	issues = append(issues, checkRequiredConfig(def)...)

	result := &ToolResult{
		Tool:    t.Name(),
		Success: len(issues) == 0,
		Data: map[string]interface{}{
			"valid":  len(issues) == 0,
			"issues": issues,
		},
	}
	if len(issues) > 0 {
		result.Message = strings.Join(issues, "; ")
	} else {
		result.Message = "flow is valid"
	}
	return recordToolResult(actx, result), nil
}

func (t *ValidateFlowTool) checkTrigger(def *flow.Definition) []string {
	for _, n := range def.Nodes {
		if t.Registry != nil {
			if h := t.Registry.FindHandler(n.Type); h != nil && h.Info().IsTrigger {
				return nil
			}
		}
		// Unregistered plugin triggers are recognised by naming convention.
		if strings.Contains(n.Type, "Trigger") {
			return nil
		}
	}
	return []string{"flow has no trigger node"}
}

func checkOrphans(def *flow.Definition) []string {
	if len(def.Nodes) <= 1 {
		return nil
	}
	connected := map[string]bool{}
	for _, e := range def.Edges {
		connected[e.Source] = true
		connected[e.Target] = true
	}
	var issues []string
	for _, n := range def.Nodes {
		if !connected[n.ID] {
			issues = append(issues, fmt.Sprintf("node %s is not connected", n.ID))
		}
	}
	return issues
}

func checkRequiredConfig(def *flow.Definition) []string {
	var issues []string
	for _, n := range def.Nodes {
		for _, key := range requiredConfigByType[n.Type] {
			v, ok := n.Data.Config[key]
			if !ok || v == nil || v == "" {
				issues = append(issues, fmt.Sprintf("node %s is missing required config %q", n.ID, key))
			}
		}
	}
	return issues
}
