package orchestrator

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"

	"github.com/n3n-io/n3n/node"
)

// NodeDefinition is what a plugin container advertises for each node type
// it serves.
type NodeDefinition struct {
	Type         string                 `json:"type"`
	DisplayName  string                 `json:"displayName"`
	Description  string                 `json:"description,omitempty"`
	Category     string                 `json:"category,omitempty"`
	Icon         string                 `json:"icon,omitempty"`
	IsTrigger    bool                   `json:"isTrigger,omitempty"`
	ConfigSchema map[string]interface{} `json:"configSchema,omitempty"`
	Required     []string               `json:"requiredConfig,omitempty"`
}

// executeRequest is the wire shape of a proxied node invocation.
type executeRequest struct {
	Config          map[string]interface{}            `json:"config"`
	InputData       map[string]interface{}            `json:"inputData"`
	PreviousOutputs map[string]map[string]interface{} `json:"previousOutputs"`
	GlobalContext   map[string]interface{}            `json:"globalContext"`
}

// executeResponse is the wire shape of a plugin's answer.
type executeResponse struct {
	Success          bool                   `json:"success"`
	Output           map[string]interface{} `json:"output,omitempty"`
	Error            string                 `json:"error,omitempty"`
	BranchesToFollow []string               `json:"branchesToFollow,omitempty"`
}

// ProxyHandler is the node handler for a containerised node type: it
// forwards invocations to the plugin's /execute endpoint.
type ProxyHandler struct {
	definition NodeDefinition
	endpoint   string
	client     *http.Client
}

// NewProxyHandler binds a plugin node definition to its endpoint.
func NewProxyHandler(definition NodeDefinition, endpoint string, client *http.Client) *ProxyHandler {
	if client == nil {
		client = http.DefaultClient
	}
	return &ProxyHandler{definition: definition, endpoint: endpoint, client: client}
}

func (h *ProxyHandler) Type() string { return h.definition.Type }

func (h *ProxyHandler) Info() node.HandlerInfo {
	category := node.Category(h.definition.Category)
	if category == "" {
		category = node.CategoryIntegrations
	}
	return node.HandlerInfo{
		Type:          h.definition.Type,
		DisplayName:   h.definition.DisplayName,
		Description:   h.definition.Description,
		Category:      category,
		Icon:          h.definition.Icon,
		IsTrigger:     h.definition.IsTrigger,
		SupportsAsync: true,
		ConfigSchema:  h.definition.ConfigSchema,
	}
}

func (h *ProxyHandler) ValidateConfig(config map[string]interface{}) node.ValidationResult {
	return node.RequireConfigKeys(config, h.definition.Required...)
}

func (h *ProxyHandler) Execute(ctx context.Context, nctx *node.ExecutionContext) (*node.ExecutionResult, error) {
	payload, err := json.Marshal(executeRequest{
		Config:          nctx.Config,
		InputData:       nctx.Input,
		PreviousOutputs: nctx.NodeOutputs,
		GlobalContext:   nctx.Global,
	})
	if err != nil {
		return node.Failure(fmt.Sprintf("failed to encode plugin request: %v", err)), nil
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, h.endpoint+"/execute", bytes.NewReader(payload))
	if err != nil {
		return node.Failure(fmt.Sprintf("failed to build plugin request: %v", err)), nil
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := h.client.Do(req)
	if err != nil {
		return node.Failure(fmt.Sprintf("plugin unreachable: %v", err)), nil
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return node.Failure(fmt.Sprintf("failed to read plugin response: %v", err)), nil
	}
	if resp.StatusCode >= 400 {
		return node.Failure(fmt.Sprintf("plugin returned status %d: %s", resp.StatusCode, string(body))), nil
	}

	var answer executeResponse
	if err := json.Unmarshal(body, &answer); err != nil {
		return node.Failure(fmt.Sprintf("unparseable plugin response: %v", err)), nil
	}
	if !answer.Success {
		return node.Failure(answer.Error), nil
	}
	result := node.Success(answer.Output)
	result.BranchesToFollow = answer.BranchesToFollow
	return result, nil
}
