package agent

import (
	"context"

	"github.com/n3n-io/n3n/node"
)

// ValidatorAgent runs the static flow checks over the draft and reports
// the findings. It never requests a follow-up, so every builder chain
// terminates here.
type ValidatorAgent struct {
	validate Tool
}

// NewValidatorAgent creates the validator specialist bound to the handler
// registry.
func NewValidatorAgent(registry *node.Registry) *ValidatorAgent {
	return &ValidatorAgent{validate: &ValidateFlowTool{Registry: registry}}
}

func (a *ValidatorAgent) ID() string   { return "validator" }
func (a *ValidatorAgent) Name() string { return "Validator Agent" }
func (a *ValidatorAgent) Description() string {
	return "Validates the working flow draft: node types, trigger, connectivity, cycles, required config"
}
func (a *ValidatorAgent) Capabilities() []string { return []string{"validate"} }
func (a *ValidatorAgent) Tools() []Tool          { return []Tool{a.validate} }

func (a *ValidatorAgent) Execute(ctx context.Context, actx *Context) (*Result, error) {
	return a.ExecuteStream(ctx, actx, NewStream())
}

func (a *ValidatorAgent) ExecuteStream(ctx context.Context, actx *Context, stream *Stream) (*Result, error) {
	result, err := a.validate.Execute(ctx, nil, actx)
	if err != nil {
		return nil, err
	}

	stream.Structured(map[string]interface{}{
		"action": "validation_result",
		"valid":  result.Data["valid"],
		"issues": result.Data["issues"],
	})
	return &Result{Success: result.Success, Message: result.Message, Data: result.Data}, nil
}
