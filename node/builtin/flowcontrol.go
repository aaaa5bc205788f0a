package builtin

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/n3n-io/n3n/node"
)

// Condition evaluates a comparison and routes the flow down the "true" or
// "false" branch via BranchesToFollow. The left and right operands arrive
// already expression-resolved in the config.
type Condition struct{ base }

func NewCondition() *Condition {
	return &Condition{base{node.HandlerInfo{
		Type:        "condition",
		DisplayName: "Condition",
		Description: "Routes the flow based on a comparison",
		Category:    node.CategoryFlowControl,
		Icon:        "git-branch",
		ConfigSchema: map[string]interface{}{
			"type": "object",
			"properties": map[string]interface{}{
				"left":     map[string]interface{}{},
				"operator": map[string]interface{}{"type": "string"},
				"right":    map[string]interface{}{},
			},
			"required": []interface{}{"operator"},
		},
		InterfaceDefinition: &node.InterfaceDefinition{
			Outputs: []node.PortDefinition{{Name: "true"}, {Name: "false"}},
		},
	}}}
}

func (h *Condition) ValidateConfig(config map[string]interface{}) node.ValidationResult {
	return node.RequireConfigKeys(config, "operator")
}

func (h *Condition) Execute(ctx context.Context, nctx *node.ExecutionContext) (*node.ExecutionResult, error) {
	operator, _ := nctx.Config["operator"].(string)
	matched := compare(nctx.Config["left"], operator, nctx.Config["right"])

	branch := "false"
	if matched {
		branch = "true"
	}

	result := node.Success(map[string]interface{}{"matched": matched})
	result.BranchesToFollow = []string{branch}
	return result, nil
}

func compare(left interface{}, operator string, right interface{}) bool {
	switch operator {
	case "equals", "":
		return stringify(left) == stringify(right)
	case "notEquals":
		return stringify(left) != stringify(right)
	case "contains":
		return strings.Contains(stringify(left), stringify(right))
	case "greaterThan":
		l, lok := toFloat(left)
		r, rok := toFloat(right)
		return lok && rok && l > r
	case "lessThan":
		l, lok := toFloat(left)
		r, rok := toFloat(right)
		return lok && rok && l < r
	case "isTrue":
		b, ok := left.(bool)
		return ok && b
	case "isFalse":
		b, ok := left.(bool)
		return ok && !b
	case "isEmpty":
		return stringify(left) == ""
	case "isNotEmpty":
		return stringify(left) != ""
	}
	return false
}

func stringify(v interface{}) string {
	if v == nil {
		return ""
	}
	if s, ok := v.(string); ok {
		return s
	}
	return fmt.Sprintf("%v", v)
}

func toFloat(v interface{}) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case int:
		return float64(n), true
	case int64:
		return float64(n), true
	}
	return 0, false
}

// Switch matches a resolved value against configured cases and routes the
// flow down the matching branch, or "default" when nothing matches.
type Switch struct{ base }

func NewSwitch() *Switch {
	return &Switch{base{node.HandlerInfo{
		Type:        "switch",
		DisplayName: "Switch",
		Description: "Routes the flow to the branch matching a value",
		Category:    node.CategoryFlowControl,
		Icon:        "list",
		ConfigSchema: map[string]interface{}{
			"type": "object",
			"properties": map[string]interface{}{
				"value": map[string]interface{}{},
				"cases": map[string]interface{}{"type": "array"},
			},
			"required": []interface{}{"cases"},
		},
	}}}
}

func (h *Switch) ValidateConfig(config map[string]interface{}) node.ValidationResult {
	return node.RequireConfigKeys(config, "cases")
}

func (h *Switch) Execute(ctx context.Context, nctx *node.ExecutionContext) (*node.ExecutionResult, error) {
	value := stringify(nctx.Config["value"])

	branch := "default"
	if cases, ok := nctx.Config["cases"].([]interface{}); ok {
		for _, c := range cases {
			if stringify(c) == value {
				branch = stringify(c)
				break
			}
		}
	}

	result := node.Success(map[string]interface{}{"branch": branch})
	result.BranchesToFollow = []string{branch}
	return result, nil
}

// Delay waits for a configured number of milliseconds. The wait is
// context-aware so execution cancellation interrupts it.
type Delay struct{ base }

func NewDelay() *Delay {
	return &Delay{base{node.HandlerInfo{
		Type:        "delay",
		DisplayName: "Delay",
		Description: "Pauses the branch for a fixed duration",
		Category:    node.CategoryFlowControl,
		Icon:        "pause",
		ConfigSchema: map[string]interface{}{
			"type": "object",
			"properties": map[string]interface{}{
				"milliseconds": map[string]interface{}{"type": "number"},
			},
			"required": []interface{}{"milliseconds"},
		},
	}}}
}

func (h *Delay) ValidateConfig(config map[string]interface{}) node.ValidationResult {
	return node.RequireConfigKeys(config, "milliseconds")
}

func (h *Delay) Execute(ctx context.Context, nctx *node.ExecutionContext) (*node.ExecutionResult, error) {
	ms, _ := toFloat(nctx.Config["milliseconds"])

	select {
	case <-time.After(time.Duration(ms) * time.Millisecond):
	case <-ctx.Done():
		return node.Failure("delay cancelled"), nil
	}
	return passthrough(nctx), nil
}

// Wait suspends the execution durably until a matching resume arrives. The
// resume condition is taken from the config; the engine persists it with the
// paused node state.
type Wait struct{ base }

func NewWait() *Wait {
	return &Wait{base{node.HandlerInfo{
		Type:          "wait",
		DisplayName:   "Wait",
		Description:   "Suspends the flow until an external approval or event",
		Category:      node.CategoryFlowControl,
		Icon:          "hourglass",
		SupportsAsync: true,
		ConfigSchema: map[string]interface{}{
			"type": "object",
			"properties": map[string]interface{}{
				"resumeType": map[string]interface{}{"type": "string"},
				"approvalId": map[string]interface{}{"type": "string"},
			},
		},
	}}}
}

func (h *Wait) Execute(ctx context.Context, nctx *node.ExecutionContext) (*node.ExecutionResult, error) {
	resumeCondition := map[string]interface{}{"type": "approval"}
	if t, ok := nctx.Config["resumeType"].(string); ok && t != "" {
		resumeCondition["type"] = t
	}
	if id, ok := nctx.Config["approvalId"].(string); ok && id != "" {
		resumeCondition["approvalId"] = id
	}

	return &node.ExecutionResult{
		Success:         true,
		PauseRequested:  true,
		PauseReason:     "waiting for external approval",
		ResumeCondition: resumeCondition,
		PartialOutput:   nctx.Input,
	}, nil
}
