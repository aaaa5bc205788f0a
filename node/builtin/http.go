package builtin

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/n3n-io/n3n/node"
)

// HTTPRequest performs an HTTP call with the configured method, URL, headers
// and body. Responses with a JSON content type are decoded into the output;
// anything else is returned as a raw body string.
type HTTPRequest struct {
	base
	client *http.Client
}

func NewHTTPRequest() *HTTPRequest {
	return &HTTPRequest{
		base: base{node.HandlerInfo{
			Type:          "httpRequest",
			DisplayName:   "HTTP Request",
			Description:   "Calls an HTTP endpoint and returns the response",
			Category:      node.CategoryNetwork,
			Icon:          "globe",
			SupportsAsync: true,
			ConfigSchema: map[string]interface{}{
				"type": "object",
				"properties": map[string]interface{}{
					"url":     map[string]interface{}{"type": "string"},
					"method":  map[string]interface{}{"type": "string"},
					"headers": map[string]interface{}{"type": "object"},
					"body":    map[string]interface{}{},
				},
				"required": []interface{}{"url"},
			},
		}},
		client: &http.Client{Timeout: 30 * time.Second},
	}
}

func (h *HTTPRequest) ValidateConfig(config map[string]interface{}) node.ValidationResult {
	return node.RequireConfigKeys(config, "url")
}

func (h *HTTPRequest) Execute(ctx context.Context, nctx *node.ExecutionContext) (*node.ExecutionResult, error) {
	url, _ := nctx.Config["url"].(string)
	if url == "" {
		return node.Failure("httpRequest: url is required"), nil
	}

	method, _ := nctx.Config["method"].(string)
	if method == "" {
		method = http.MethodGet
	}
	method = strings.ToUpper(method)

	var body io.Reader
	switch b := nctx.Config["body"].(type) {
	case nil:
	case string:
		if b != "" {
			body = strings.NewReader(b)
		}
	default:
		encoded, err := json.Marshal(b)
		if err != nil {
			return node.Failure(fmt.Sprintf("httpRequest: failed to encode body: %v", err)), nil
		}
		body = strings.NewReader(string(encoded))
	}

	req, err := http.NewRequestWithContext(ctx, method, url, body)
	if err != nil {
		return node.Failure(fmt.Sprintf("httpRequest: %v", err)), nil
	}

	if headers, ok := nctx.Config["headers"].(map[string]interface{}); ok {
		for k, v := range headers {
			if s, ok := v.(string); ok {
				req.Header.Set(k, s)
			}
		}
	}
	if body != nil && req.Header.Get("Content-Type") == "" {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := h.client.Do(req)
	if err != nil {
		return node.Failure(fmt.Sprintf("httpRequest: %v", err)), nil
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return node.Failure(fmt.Sprintf("httpRequest: failed to read response: %v", err)), nil
	}

	output := map[string]interface{}{
		"statusCode": resp.StatusCode,
	}
	if strings.Contains(resp.Header.Get("Content-Type"), "application/json") {
		var decoded interface{}
		if err := json.Unmarshal(raw, &decoded); err == nil {
			output["body"] = decoded
		} else {
			output["body"] = string(raw)
		}
	} else {
		output["body"] = string(raw)
	}

	if resp.StatusCode >= 400 {
		result := node.Failure(fmt.Sprintf("httpRequest: server returned %d", resp.StatusCode))
		result.Output = output
		return result, nil
	}
	return node.Success(output), nil
}
