// Package node defines the node handler contract and the process-wide handler
// registry. A handler is the executable logic bound to one node type; the
// execution engine invokes handlers uniformly through this interface whether
// they are built-in or proxied to plugin containers.
package node

import (
	"context"
	"time"

	"github.com/n3n-io/n3n/expression"
)

// Category is the closed set of node palette categories.
type Category string

const (
	CategoryFlowControl   Category = "Flow Control"
	CategoryTriggers      Category = "Triggers"
	CategoryDataTransform Category = "Data Transform"
	CategoryAI            Category = "AI"
	CategoryCommunication Category = "Communication"
	CategoryMessaging     Category = "Messaging"
	CategoryDatabase      Category = "Database"
	CategoryStorage       Category = "Storage"
	CategoryFiles         Category = "Files"
	CategoryNetwork       Category = "Network"
	CategoryTools         Category = "Tools"
	CategoryOutput        Category = "Output"
	CategorySocialMedia   Category = "Social Media"
	CategoryIntegrations  Category = "Integrations"
	CategoryAutomation    Category = "Automation"
	CategoryAgent         Category = "Agent"
	CategoryActions       Category = "Actions"
	CategorySystem        Category = "System"
)

// PortDefinition describes one input or output port of a node type.
type PortDefinition struct {
	Name        string `json:"name"`
	Type        string `json:"type,omitempty"`
	Description string `json:"description,omitempty"`
}

// InterfaceDefinition is the port contract of a node type.
type InterfaceDefinition struct {
	Inputs  []PortDefinition `json:"inputs,omitempty"`
	Outputs []PortDefinition `json:"outputs,omitempty"`
}

// HandlerInfo is the per-type metadata exposed to editors and the AI builder.
type HandlerInfo struct {
	Type                string                 `json:"type"`
	DisplayName         string                 `json:"displayName"`
	Description         string                 `json:"description,omitempty"`
	Category            Category               `json:"category"`
	Icon                string                 `json:"icon,omitempty"`
	IsTrigger           bool                   `json:"isTrigger"`
	SupportsAsync       bool                   `json:"supportsAsync"`
	ConfigSchema        map[string]interface{} `json:"configSchema,omitempty"`
	InterfaceDefinition *InterfaceDefinition   `json:"interfaceDefinition,omitempty"`
}

// ValidationResult is the outcome of a static config check.
type ValidationResult struct {
	Valid  bool     `json:"valid"`
	Errors []string `json:"errors,omitempty"`
}

// CredentialResolver decrypts credentials on demand. Resolution fails when
// the credential does not belong to the calling user or has been revoked.
type CredentialResolver interface {
	Resolve(ctx context.Context, credentialID, userID string) (map[string]interface{}, error)
}

// ExecutionContext carries the inputs to one node invocation. Config arrives
// with expressions already materialised; the evaluator and resolver handles
// are available for handlers that need late resolution.
type ExecutionContext struct {
	ExecutionID string
	NodeID      string
	FlowID      string
	FlowVersion string
	UserID      string

	// Config is the node configuration with expressions resolved.
	Config map[string]interface{}

	// Input maps input port names to values.
	Input map[string]interface{}

	// Global holds the trigger payload and ambient values.
	Global map[string]interface{}

	// NodeOutputs holds the outputs of previously completed nodes.
	NodeOutputs map[string]map[string]interface{}

	Credentials CredentialResolver
	Evaluator   *expression.Evaluator

	// CredentialID is the credential attached to this node, if any.
	CredentialID string

	// ResolvedCredential is the decrypted credential payload when the
	// engine resolved it ahead of execution.
	ResolvedCredential map[string]interface{}
}

// ExpressionContext builds the expression context matching this invocation.
func (c *ExecutionContext) ExpressionContext() *expression.Context {
	return &expression.Context{
		Input:       c.Input,
		NodeOutputs: c.NodeOutputs,
		ExecutionID: c.ExecutionID,
		WorkflowID:  c.FlowID,
	}
}

// ExecutionResult is the outcome of one node invocation.
type ExecutionResult struct {
	Success bool                   `json:"success"`
	Output  map[string]interface{} `json:"output,omitempty"`

	Error      string `json:"error,omitempty"`
	ErrorStack string `json:"errorStack,omitempty"`

	// BranchesToFollow names the source handles whose edges propagate after
	// a condition or switch node.
	BranchesToFollow []string `json:"branchesToFollow,omitempty"`

	Duration time.Duration `json:"duration,omitempty"`

	// PauseRequested suspends the execution until a matching resume
	// arrives; PartialOutput is persisted with the paused state.
	PauseRequested  bool                   `json:"pauseRequested,omitempty"`
	PauseReason     string                 `json:"pauseReason,omitempty"`
	ResumeCondition map[string]interface{} `json:"resumeCondition,omitempty"`
	PartialOutput   map[string]interface{} `json:"partialOutput,omitempty"`
}

// Handler is the uniform contract for all node types.
type Handler interface {
	Type() string
	Info() HandlerInfo
	Execute(ctx context.Context, nctx *ExecutionContext) (*ExecutionResult, error)
	ValidateConfig(config map[string]interface{}) ValidationResult
}

// Success builds a successful result with the given output.
func Success(output map[string]interface{}) *ExecutionResult {
	if output == nil {
		output = map[string]interface{}{}
	}
	return &ExecutionResult{Success: true, Output: output}
}

// Failure builds a failed result with the given error message.
func Failure(message string) *ExecutionResult {
	return &ExecutionResult{Success: false, Error: message}
}

// RequireConfigKeys is a shared validation helper: every listed key must be
// present and non-empty in the config.
func RequireConfigKeys(config map[string]interface{}, keys ...string) ValidationResult {
	result := ValidationResult{Valid: true}
	for _, key := range keys {
		v, ok := config[key]
		if !ok || v == nil || v == "" {
			result.Valid = false
			result.Errors = append(result.Errors, "missing required config field: "+key)
		}
	}
	return result
}
