package expression

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func testContext() *Context {
	return &Context{
		Input: map[string]interface{}{
			"x": float64(1),
			"user": map[string]interface{}{
				"name": "alice",
			},
		},
		NodeOutputs: map[string]map[string]interface{}{
			"fetch": {"status": float64(200), "body": map[string]interface{}{"ok": true}},
		},
		ExecutionID: "exec-1",
		WorkflowID:  "flow-1",
		Env:         map[string]string{"API_HOST": "api.internal"},
	}
}

func TestEvaluate(t *testing.T) {
	e := NewEvaluator()
	ctx := testContext()

	t.Run("json root", func(t *testing.T) {
		assert.Equal(t, ctx.Input, e.Evaluate("{{ $json }}", ctx))
	})

	t.Run("json path", func(t *testing.T) {
		assert.Equal(t, "alice", e.Evaluate("{{ $json.user.name }}", ctx))
	})

	t.Run("node output", func(t *testing.T) {
		assert.Equal(t, ctx.NodeOutputs["fetch"], e.Evaluate(`{{ $node["fetch"].json }}`, ctx))
		assert.Equal(t, float64(200), e.Evaluate(`{{ $node["fetch"].json.status }}`, ctx))
		assert.Equal(t, true, e.Evaluate(`{{ $node["fetch"].json.body.ok }}`, ctx))
	})

	t.Run("env", func(t *testing.T) {
		assert.Equal(t, "api.internal", e.Evaluate("{{ $env.API_HOST }}", ctx))
	})

	t.Run("ambient values", func(t *testing.T) {
		assert.Equal(t, "exec-1", e.Evaluate("{{ $execution.id }}", ctx))
		assert.Equal(t, "flow-1", e.Evaluate("{{ $workflow.id }}", ctx))
		assert.NotEmpty(t, e.Evaluate("{{ $now }}", ctx))
	})

	t.Run("missing lookups yield nil", func(t *testing.T) {
		assert.Nil(t, e.Evaluate("{{ $json.nope.deeper }}", ctx))
		assert.Nil(t, e.Evaluate(`{{ $node["ghost"].json }}`, ctx))
		assert.Nil(t, e.Evaluate("{{ $env.UNSET_VARIABLE }}", ctx))
	})
}

func TestEvaluateTemplate(t *testing.T) {
	e := NewEvaluator()
	ctx := testContext()

	t.Run("plain text is idempotent", func(t *testing.T) {
		for _, s := range []string{"", "hello", "no braces here", "a } b { c"} {
			assert.Equal(t, s, e.EvaluateTemplate(s, ctx))
		}
	})

	t.Run("substitution", func(t *testing.T) {
		out := e.EvaluateTemplate("user={{ $json.user.name }} host={{ $env.API_HOST }}", ctx)
		assert.Equal(t, "user=alice host=api.internal", out)
	})

	t.Run("non-string values are JSON encoded", func(t *testing.T) {
		out := e.EvaluateTemplate(`status={{ $node["fetch"].json.status }}`, ctx)
		assert.Equal(t, "status=200", out)

		out = e.EvaluateTemplate(`body={{ $node["fetch"].json.body }}`, ctx)
		assert.Equal(t, `body={"ok":true}`, out)
	})

	t.Run("missing lookup becomes empty string", func(t *testing.T) {
		assert.Equal(t, "value=", e.EvaluateTemplate("value={{ $json.missing }}", ctx))
	})
}

func TestEvaluateConfig(t *testing.T) {
	e := NewEvaluator()
	ctx := testContext()

	config := map[string]interface{}{
		"url":     "https://{{ $env.API_HOST }}/v1",
		"status":  `{{ $node["fetch"].json.status }}`,
		"retries": float64(3),
		"enabled": true,
		"nothing": nil,
		"nested": map[string]interface{}{
			"name": "{{ $json.user.name }}",
		},
		"list": []interface{}{"{{ $json.user.name }}", float64(7)},
	}

	out := e.EvaluateConfig(config, ctx)

	assert.Equal(t, "https://api.internal/v1", out["url"])
	// Single-expression strings keep the raw value type.
	assert.Equal(t, float64(200), out["status"])
	assert.Equal(t, float64(3), out["retries"])
	assert.Equal(t, true, out["enabled"])
	assert.Nil(t, out["nothing"])
	assert.Equal(t, "alice", out["nested"].(map[string]interface{})["name"])
	assert.Equal(t, "alice", out["list"].([]interface{})[0])
	assert.Equal(t, float64(7), out["list"].([]interface{})[1])
}

func TestContainsExpression(t *testing.T) {
	e := NewEvaluator()
	assert.True(t, e.ContainsExpression("{{ $json }}"))
	assert.True(t, e.ContainsExpression("a {{ $now }} b"))
	assert.False(t, e.ContainsExpression("plain"))
	assert.False(t, e.ContainsExpression("{ not an expression }"))
}

func TestValidateExpression(t *testing.T) {
	e := NewEvaluator()

	valid := []string{
		"{{ $json }}",
		"{{ $json.a.b }}",
		`{{ $node["x"].json.path }}`,
		"{{ $env.HOME }}",
		"{{ $execution.id }}",
		"{{ $workflow.id }}",
		"{{ $now }}",
		"text around {{ $now }} is fine",
		"no expression at all",
	}
	for _, expr := range valid {
		assert.True(t, e.ValidateExpression(expr).Valid, expr)
	}

	invalid := []string{
		"{{ $bogus }}",
		"{{ $json. }}",
		"{{ 1 + 1 }}",
		"{{ unbalanced",
	}
	for _, expr := range invalid {
		assert.False(t, e.ValidateExpression(expr).Valid, expr)
	}
}
