package flow

import (
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type stubChecker struct{ known map[string]bool }

func (s stubChecker) HasHandler(t string) bool { return s.known[t] }

func linearDefinition() *Definition {
	return &Definition{
		Nodes: []Node{
			{ID: "a", Type: "manualTrigger"},
			{ID: "b", Type: "noop"},
		},
		Edges: []Edge{{ID: "e1", Source: "a", Target: "b"}},
	}
}

func TestParse(t *testing.T) {
	checker := stubChecker{known: map[string]bool{"manualTrigger": true, "noop": true}}

	t.Run("nil definition", func(t *testing.T) {
		result := Parse(nil, checker)
		assert.False(t, result.Valid)
		assert.Contains(t, result.Errors, "Flow definition is null")
	})

	t.Run("no nodes", func(t *testing.T) {
		result := Parse(&Definition{}, checker)
		assert.False(t, result.Valid)
		assert.Contains(t, result.Errors, "Flow has no nodes")
	})

	t.Run("linear flow", func(t *testing.T) {
		result := Parse(linearDefinition(), checker)
		require.True(t, result.Valid, "errors: %v", result.Errors)
		assert.Equal(t, []string{"a", "b"}, result.ExecutionOrder)
		assert.Equal(t, []string{"a"}, result.EntryPoints)
		assert.Equal(t, []string{"b"}, result.ExitPoints)
		assert.Equal(t, []string{"a"}, result.Dependencies["b"])
		assert.Empty(t, result.Dependencies["a"])
	})

	t.Run("unknown edge endpoints", func(t *testing.T) {
		def := linearDefinition()
		def.Edges = append(def.Edges, Edge{ID: "e2", Source: "a", Target: "ghost"})
		result := Parse(def, checker)
		assert.False(t, result.Valid)
		assert.Contains(t, result.Errors[0], "ghost")
	})

	t.Run("self loop", func(t *testing.T) {
		def := linearDefinition()
		def.Edges = append(def.Edges, Edge{ID: "e2", Source: "b", Target: "b"})
		result := Parse(def, checker)
		assert.False(t, result.Valid)
		assert.Contains(t, result.Errors[0], "Self-loop")
	})

	t.Run("cycle rejection", func(t *testing.T) {
		def := &Definition{
			Nodes: []Node{{ID: "a", Type: "noop"}, {ID: "b", Type: "noop"}},
			Edges: []Edge{
				{ID: "e1", Source: "a", Target: "b"},
				{ID: "e2", Source: "b", Target: "a"},
			},
		}
		result := Parse(def, checker)
		assert.False(t, result.Valid)
		require.Len(t, result.Errors, 1)
		assert.Contains(t, result.Errors[0], "Cycle detected")
	})

	t.Run("unknown type is a warning", func(t *testing.T) {
		def := linearDefinition()
		def.Nodes[1].Type = "notInstalledPlugin"
		result := Parse(def, checker)
		assert.True(t, result.Valid)
		require.Len(t, result.Warnings, 1)
		assert.Contains(t, result.Warnings[0], "notInstalledPlugin")
	})

	t.Run("missing type is a warning", func(t *testing.T) {
		def := linearDefinition()
		def.Nodes[1].Type = ""
		result := Parse(def, checker)
		assert.True(t, result.Valid)
		require.Len(t, result.Warnings, 1)
		assert.Contains(t, result.Warnings[0], "has no type")
	})

	t.Run("duplicate node id", func(t *testing.T) {
		def := linearDefinition()
		def.Nodes = append(def.Nodes, Node{ID: "a", Type: "noop"})
		result := Parse(def, checker)
		assert.False(t, result.Valid)
		assert.Contains(t, result.Errors[0], "Duplicate node id")
	})
}

func TestParseDiamond(t *testing.T) {
	def := &Definition{
		Nodes: []Node{
			{ID: "s", Type: "manualTrigger"},
			{ID: "l", Type: "noop"},
			{ID: "r", Type: "noop"},
			{ID: "j", Type: "noop"},
		},
		Edges: []Edge{
			{ID: "e1", Source: "s", Target: "l"},
			{ID: "e2", Source: "s", Target: "r"},
			{ID: "e3", Source: "l", Target: "j"},
			{ID: "e4", Source: "r", Target: "j"},
		},
	}

	result := Parse(def, nil)
	require.True(t, result.Valid)
	assert.Equal(t, []string{"s", "l", "r", "j"}, result.ExecutionOrder)
	assert.Equal(t, []string{"s"}, result.EntryPoints)
	assert.Equal(t, []string{"j"}, result.ExitPoints)
	assert.Equal(t, []string{"l", "r"}, result.Dependencies["j"])
}

// Execution order must respect every edge: position(u) < position(v).
func TestParseOrderRespectsEdges(t *testing.T) {
	var nodes []Node
	var edges []Edge
	for i := 0; i < 8; i++ {
		nodes = append(nodes, Node{ID: fmt.Sprintf("n%d", i), Type: "noop"})
	}
	// Layered graph with cross links.
	links := [][2]int{{0, 1}, {0, 2}, {1, 3}, {2, 3}, {3, 4}, {2, 5}, {5, 6}, {4, 7}, {6, 7}}
	for i, l := range links {
		edges = append(edges, Edge{
			ID:     fmt.Sprintf("e%d", i),
			Source: fmt.Sprintf("n%d", l[0]),
			Target: fmt.Sprintf("n%d", l[1]),
		})
	}

	result := Parse(&Definition{Nodes: nodes, Edges: edges}, nil)
	require.True(t, result.Valid)
	require.Len(t, result.ExecutionOrder, len(nodes))

	position := map[string]int{}
	for i, id := range result.ExecutionOrder {
		position[id] = i
	}
	for _, e := range edges {
		assert.Less(t, position[e.Source], position[e.Target],
			"edge %s->%s out of order", e.Source, e.Target)
	}
}

func TestParseDeterministicTieBreak(t *testing.T) {
	def := &Definition{
		Nodes: []Node{
			{ID: "z", Type: "noop"},
			{ID: "m", Type: "noop"},
			{ID: "a", Type: "noop"},
		},
	}
	for i := 0; i < 5; i++ {
		result := Parse(def, nil)
		require.True(t, result.Valid)
		assert.Equal(t, []string{"a", "m", "z"}, result.ExecutionOrder)
	}
}
