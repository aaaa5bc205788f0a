// Package builtin ships the standard node handlers bundled with the platform:
// triggers, data transforms, HTTP, and the flow control nodes the execution
// engine's branching and pause semantics depend on.
package builtin

import (
	"context"

	"github.com/n3n-io/n3n/node"
)

// RegisterAll registers every built-in handler on the registry. Duplicate
// registration is a startup configuration error and panics.
func RegisterAll(reg *node.Registry) {
	reg.MustRegister(NewManualTrigger())
	reg.MustRegister(NewWebhookTrigger())
	reg.MustRegister(NewScheduleTrigger())
	reg.MustRegister(NewNoop())
	reg.MustRegister(NewSetData())
	reg.MustRegister(NewHTTPRequest())
	reg.MustRegister(NewCondition())
	reg.MustRegister(NewSwitch())
	reg.MustRegister(NewDelay())
	reg.MustRegister(NewWait())
	reg.MustRegister(NewMerge())
}

// base carries the static metadata shared by the simple handlers.
type base struct {
	info node.HandlerInfo
}

func (b *base) Type() string           { return b.info.Type }
func (b *base) Info() node.HandlerInfo { return b.info }

func (b *base) ValidateConfig(config map[string]interface{}) node.ValidationResult {
	return node.ValidationResult{Valid: true}
}

// passthrough returns the node input unchanged. Triggers use it so the
// trigger payload flows into the graph.
func passthrough(nctx *node.ExecutionContext) *node.ExecutionResult {
	return node.Success(nctx.Input)
}

// ManualTrigger starts an execution from an explicit user action.
type ManualTrigger struct{ base }

func NewManualTrigger() *ManualTrigger {
	return &ManualTrigger{base{node.HandlerInfo{
		Type:        "manualTrigger",
		DisplayName: "Manual Trigger",
		Description: "Starts the flow when triggered manually",
		Category:    node.CategoryTriggers,
		Icon:        "play",
		IsTrigger:   true,
	}}}
}

func (h *ManualTrigger) Execute(ctx context.Context, nctx *node.ExecutionContext) (*node.ExecutionResult, error) {
	return passthrough(nctx), nil
}

// WebhookTrigger starts an execution from an incoming webhook payload.
type WebhookTrigger struct{ base }

func NewWebhookTrigger() *WebhookTrigger {
	return &WebhookTrigger{base{node.HandlerInfo{
		Type:          "webhookTrigger",
		DisplayName:   "Webhook Trigger",
		Description:   "Starts the flow when a webhook is received",
		Category:      node.CategoryTriggers,
		Icon:          "webhook",
		IsTrigger:     true,
		SupportsAsync: true,
	}}}
}

func (h *WebhookTrigger) Execute(ctx context.Context, nctx *node.ExecutionContext) (*node.ExecutionResult, error) {
	return passthrough(nctx), nil
}

// ScheduleTrigger starts an execution on a cron schedule. The scheduler
// itself lives outside the engine; the handler passes the tick payload
// through.
type ScheduleTrigger struct{ base }

func NewScheduleTrigger() *ScheduleTrigger {
	return &ScheduleTrigger{base{node.HandlerInfo{
		Type:        "scheduleTrigger",
		DisplayName: "Schedule Trigger",
		Description: "Starts the flow on a cron schedule",
		Category:    node.CategoryTriggers,
		Icon:        "clock",
		IsTrigger:   true,
		ConfigSchema: map[string]interface{}{
			"type": "object",
			"properties": map[string]interface{}{
				"cronExpression": map[string]interface{}{"type": "string"},
			},
			"required": []interface{}{"cronExpression"},
		},
	}}}
}

func (h *ScheduleTrigger) Execute(ctx context.Context, nctx *node.ExecutionContext) (*node.ExecutionResult, error) {
	return passthrough(nctx), nil
}

func (h *ScheduleTrigger) ValidateConfig(config map[string]interface{}) node.ValidationResult {
	return node.RequireConfigKeys(config, "cronExpression")
}

// Noop passes its input through unchanged.
type Noop struct{ base }

func NewNoop() *Noop {
	return &Noop{base{node.HandlerInfo{
		Type:        "noop",
		DisplayName: "No Operation",
		Description: "Passes data through unchanged",
		Category:    node.CategoryTools,
		Icon:        "arrow-right",
	}}}
}

func (h *Noop) Execute(ctx context.Context, nctx *node.ExecutionContext) (*node.ExecutionResult, error) {
	return passthrough(nctx), nil
}

// SetData merges configured values over the node input.
type SetData struct{ base }

func NewSetData() *SetData {
	return &SetData{base{node.HandlerInfo{
		Type:        "setData",
		DisplayName: "Set Data",
		Description: "Sets or overrides fields on the data flowing through",
		Category:    node.CategoryDataTransform,
		Icon:        "edit",
		ConfigSchema: map[string]interface{}{
			"type": "object",
			"properties": map[string]interface{}{
				"values": map[string]interface{}{"type": "object"},
			},
		},
	}}}
}

func (h *SetData) Execute(ctx context.Context, nctx *node.ExecutionContext) (*node.ExecutionResult, error) {
	output := map[string]interface{}{}
	for k, v := range nctx.Input {
		output[k] = v
	}
	if values, ok := nctx.Config["values"].(map[string]interface{}); ok {
		for k, v := range values {
			output[k] = v
		}
	}
	return node.Success(output), nil
}

// Merge combines the outputs of all upstream nodes into one object. Later
// inputs win on key collisions; the input map already contains the combined
// view assembled by the engine.
type Merge struct{ base }

func NewMerge() *Merge {
	return &Merge{base{node.HandlerInfo{
		Type:        "merge",
		DisplayName: "Merge",
		Description: "Combines data from multiple branches",
		Category:    node.CategoryFlowControl,
		Icon:        "git-merge",
	}}}
}

func (h *Merge) Execute(ctx context.Context, nctx *node.ExecutionContext) (*node.ExecutionResult, error) {
	return passthrough(nctx), nil
}
