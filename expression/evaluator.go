// Package expression implements the {{ ... }} template language used in node
// configurations. The language is value extraction only, no arithmetic and no
// conditionals. Supported forms:
//
//	{{ $json }}                     current node input
//	{{ $json.field.path }}          dotted path into the input
//	{{ $node["id"].json }}          previous node output
//	{{ $node["id"].json.path }}     dotted path into a previous output
//	{{ $env.NAME }}                 environment variable
//	{{ $execution.id }}             ambient execution id
//	{{ $workflow.id }}              ambient workflow id
//	{{ $now }}                      current time, RFC 3339
//
// Missing lookups never raise: they yield nil in single-expression mode and
// the empty string in template mode.
package expression

import (
	"encoding/json"
	"fmt"
	"os"
	"regexp"
	"strings"
	"time"
)

// Context carries the runtime values expressions resolve against.
type Context struct {
	// Input is the current node input ($json).
	Input map[string]interface{}

	// NodeOutputs maps node id to that node's output ($node["id"].json).
	NodeOutputs map[string]map[string]interface{}

	// ExecutionID resolves $execution.id.
	ExecutionID string

	// WorkflowID resolves $workflow.id.
	WorkflowID string

	// Env overrides process environment lookup for $env.NAME. Nil falls
	// back to os.Getenv.
	Env map[string]string
}

// ValidationResult is the outcome of a lexical expression check.
type ValidationResult struct {
	Valid  bool     `json:"valid"`
	Errors []string `json:"errors,omitempty"`
}

var (
	templateRe = regexp.MustCompile(`\{\{\s*(.*?)\s*\}\}`)
	nodeRefRe  = regexp.MustCompile(`^\$node\["([^"]+)"\]\.json(?:\.(.+))?$`)
)

// Evaluator resolves expressions and templates against a Context. The zero
// value is ready to use.
type Evaluator struct{}

// NewEvaluator returns an Evaluator.
func NewEvaluator() *Evaluator { return &Evaluator{} }

// ContainsExpression reports whether s contains at least one {{ ... }}
// fragment.
func (e *Evaluator) ContainsExpression(s string) bool {
	return templateRe.MatchString(s)
}

// Evaluate resolves a single expression body (without the surrounding
// braces, whitespace tolerated) and returns the raw value. Unknown lookups
// return nil.
func (e *Evaluator) Evaluate(expr string, ctx *Context) interface{} {
	expr = strings.TrimSpace(expr)
	expr = strings.TrimPrefix(expr, "{{")
	expr = strings.TrimSuffix(expr, "}}")
	expr = strings.TrimSpace(expr)

	switch {
	case expr == "$json":
		if ctx.Input == nil {
			return nil
		}
		return ctx.Input

	case strings.HasPrefix(expr, "$json."):
		return lookupPath(ctx.Input, strings.TrimPrefix(expr, "$json."))

	case strings.HasPrefix(expr, "$node["):
		m := nodeRefRe.FindStringSubmatch(expr)
		if m == nil {
			return nil
		}
		output, ok := ctx.NodeOutputs[m[1]]
		if !ok {
			return nil
		}
		if m[2] == "" {
			return output
		}
		return lookupPath(output, m[2])

	case strings.HasPrefix(expr, "$env."):
		name := strings.TrimPrefix(expr, "$env.")
		if ctx.Env != nil {
			if v, ok := ctx.Env[name]; ok {
				return v
			}
			return nil
		}
		if v, ok := os.LookupEnv(name); ok {
			return v
		}
		return nil

	case expr == "$execution.id":
		return ctx.ExecutionID

	case expr == "$workflow.id":
		return ctx.WorkflowID

	case expr == "$now":
		return time.Now().Format(time.RFC3339)
	}

	return nil
}

// EvaluateTemplate substitutes every {{ ... }} fragment in place. Non-string
// results are JSON-encoded; missing lookups become the empty string. Strings
// without expressions are returned unchanged.
func (e *Evaluator) EvaluateTemplate(template string, ctx *Context) string {
	if !e.ContainsExpression(template) {
		return template
	}
	return templateRe.ReplaceAllStringFunc(template, func(match string) string {
		value := e.Evaluate(match, ctx)
		if value == nil {
			return ""
		}
		if s, ok := value.(string); ok {
			return s
		}
		encoded, err := json.Marshal(value)
		if err != nil {
			return ""
		}
		return string(encoded)
	})
}

// EvaluateConfig walks a config structure and substitutes expressions in
// every string leaf. Maps and slices are recursed into; numbers, booleans
// and nulls pass through untouched. A string that is exactly one expression
// resolves to the raw value so configs can carry non-string results.
func (e *Evaluator) EvaluateConfig(config map[string]interface{}, ctx *Context) map[string]interface{} {
	if config == nil {
		return nil
	}
	out := make(map[string]interface{}, len(config))
	for k, v := range config {
		out[k] = e.evaluateValue(v, ctx)
	}
	return out
}

func (e *Evaluator) evaluateValue(v interface{}, ctx *Context) interface{} {
	switch val := v.(type) {
	case string:
		if !e.ContainsExpression(val) {
			return val
		}
		if isSingleExpression(val) {
			return e.Evaluate(val, ctx)
		}
		return e.EvaluateTemplate(val, ctx)
	case map[string]interface{}:
		return e.EvaluateConfig(val, ctx)
	case []interface{}:
		out := make([]interface{}, len(val))
		for i, item := range val {
			out[i] = e.evaluateValue(item, ctx)
		}
		return out
	default:
		return v
	}
}

// ValidateExpression checks an expression lexically. It does not fail on
// values missing at runtime, only on fragments that can never resolve.
func (e *Evaluator) ValidateExpression(expr string) ValidationResult {
	result := ValidationResult{Valid: true}

	matches := templateRe.FindAllStringSubmatch(expr, -1)
	if len(matches) == 0 {
		if strings.Contains(expr, "{{") || strings.Contains(expr, "}}") {
			result.Valid = false
			result.Errors = append(result.Errors, "unbalanced expression braces")
		}
		return result
	}

	for _, m := range matches {
		body := strings.TrimSpace(m[1])
		if !validExpressionBody(body) {
			result.Valid = false
			result.Errors = append(result.Errors, fmt.Sprintf("unsupported expression: %s", body))
		}
	}
	return result
}

func validExpressionBody(body string) bool {
	switch {
	case body == "$json", body == "$now", body == "$execution.id", body == "$workflow.id":
		return true
	case strings.HasPrefix(body, "$json."):
		return len(body) > len("$json.")
	case strings.HasPrefix(body, "$env."):
		return len(body) > len("$env.")
	case strings.HasPrefix(body, "$node["):
		return nodeRefRe.MatchString(body)
	}
	return false
}

// isSingleExpression reports whether s is exactly one {{ ... }} fragment.
func isSingleExpression(s string) bool {
	m := templateRe.FindStringIndex(s)
	return m != nil && m[0] == 0 && m[1] == len(s)
}

// lookupPath walks a dotted path through nested maps. Any missing segment
// returns nil.
func lookupPath(data map[string]interface{}, path string) interface{} {
	var current interface{} = data
	for _, segment := range strings.Split(path, ".") {
		m, ok := current.(map[string]interface{})
		if !ok {
			return nil
		}
		current, ok = m[segment]
		if !ok {
			return nil
		}
	}
	return current
}
