package builtin

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/n3n-io/n3n/node"
)

func TestRegisterAll(t *testing.T) {
	reg := node.NewRegistry()
	RegisterAll(reg)

	for _, typ := range []string{
		"manualTrigger", "webhookTrigger", "scheduleTrigger",
		"noop", "setData", "httpRequest", "condition", "switch",
		"delay", "wait", "merge",
	} {
		assert.True(t, reg.HasHandler(typ), typ)
	}
	assert.Len(t, reg.GetTriggerHandlers(), 3)
}

func TestTriggerPassthrough(t *testing.T) {
	h := NewManualTrigger()
	result, err := h.Execute(context.Background(), &node.ExecutionContext{
		Input: map[string]interface{}{"x": 1},
	})
	require.NoError(t, err)
	assert.True(t, result.Success)
	assert.Equal(t, map[string]interface{}{"x": 1}, result.Output)
}

func TestSetData(t *testing.T) {
	h := NewSetData()
	result, err := h.Execute(context.Background(), &node.ExecutionContext{
		Input: map[string]interface{}{"a": 1, "b": 2},
		Config: map[string]interface{}{
			"values": map[string]interface{}{"b": 20, "c": 30},
		},
	})
	require.NoError(t, err)
	assert.Equal(t, map[string]interface{}{"a": 1, "b": 20, "c": 30}, result.Output)
}

func TestCondition(t *testing.T) {
	h := NewCondition()

	cases := []struct {
		name   string
		config map[string]interface{}
		branch string
	}{
		{"equals true", map[string]interface{}{"left": "a", "operator": "equals", "right": "a"}, "true"},
		{"equals false", map[string]interface{}{"left": "a", "operator": "equals", "right": "b"}, "false"},
		{"greaterThan", map[string]interface{}{"left": float64(5), "operator": "greaterThan", "right": float64(3)}, "true"},
		{"lessThan", map[string]interface{}{"left": float64(5), "operator": "lessThan", "right": float64(3)}, "false"},
		{"contains", map[string]interface{}{"left": "hello world", "operator": "contains", "right": "world"}, "true"},
		{"isTrue", map[string]interface{}{"left": true, "operator": "isTrue"}, "true"},
		{"isEmpty", map[string]interface{}{"left": "", "operator": "isEmpty"}, "true"},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			result, err := h.Execute(context.Background(), &node.ExecutionContext{Config: tc.config})
			require.NoError(t, err)
			assert.Equal(t, []string{tc.branch}, result.BranchesToFollow)
		})
	}
}

func TestSwitch(t *testing.T) {
	h := NewSwitch()

	t.Run("matching case", func(t *testing.T) {
		result, err := h.Execute(context.Background(), &node.ExecutionContext{
			Config: map[string]interface{}{
				"value": "green",
				"cases": []interface{}{"red", "green", "blue"},
			},
		})
		require.NoError(t, err)
		assert.Equal(t, []string{"green"}, result.BranchesToFollow)
	})

	t.Run("no match falls to default", func(t *testing.T) {
		result, err := h.Execute(context.Background(), &node.ExecutionContext{
			Config: map[string]interface{}{
				"value": "purple",
				"cases": []interface{}{"red", "green"},
			},
		})
		require.NoError(t, err)
		assert.Equal(t, []string{"default"}, result.BranchesToFollow)
	})
}

func TestWaitRequestsPause(t *testing.T) {
	h := NewWait()
	result, err := h.Execute(context.Background(), &node.ExecutionContext{
		Input:  map[string]interface{}{"pending": true},
		Config: map[string]interface{}{"approvalId": "x"},
	})
	require.NoError(t, err)
	assert.True(t, result.PauseRequested)
	assert.Equal(t, "approval", result.ResumeCondition["type"])
	assert.Equal(t, "x", result.ResumeCondition["approvalId"])
	assert.Equal(t, map[string]interface{}{"pending": true}, result.PartialOutput)
}

func TestDelayCancellation(t *testing.T) {
	h := NewDelay()
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	result, err := h.Execute(ctx, &node.ExecutionContext{
		Config: map[string]interface{}{"milliseconds": float64(60000)},
	})
	require.NoError(t, err)
	assert.False(t, result.Success)
}

func TestHTTPRequest(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/json":
			w.Header().Set("Content-Type", "application/json")
			json.NewEncoder(w).Encode(map[string]interface{}{"ok": true})
		case "/fail":
			w.WriteHeader(http.StatusInternalServerError)
		default:
			w.Write([]byte("plain"))
		}
	}))
	defer server.Close()

	h := NewHTTPRequest()

	t.Run("json response", func(t *testing.T) {
		result, err := h.Execute(context.Background(), &node.ExecutionContext{
			Config: map[string]interface{}{"url": server.URL + "/json"},
		})
		require.NoError(t, err)
		require.True(t, result.Success)
		assert.Equal(t, http.StatusOK, result.Output["statusCode"])
		body := result.Output["body"].(map[string]interface{})
		assert.Equal(t, true, body["ok"])
	})

	t.Run("plain response", func(t *testing.T) {
		result, err := h.Execute(context.Background(), &node.ExecutionContext{
			Config: map[string]interface{}{"url": server.URL + "/text"},
		})
		require.NoError(t, err)
		require.True(t, result.Success)
		assert.Equal(t, "plain", result.Output["body"])
	})

	t.Run("server error is a handler failure", func(t *testing.T) {
		result, err := h.Execute(context.Background(), &node.ExecutionContext{
			Config: map[string]interface{}{"url": server.URL + "/fail"},
		})
		require.NoError(t, err)
		assert.False(t, result.Success)
		assert.Contains(t, result.Error, "500")
	})

	t.Run("missing url fails validation", func(t *testing.T) {
		assert.False(t, h.ValidateConfig(map[string]interface{}{}).Valid)
	})
}
