package flow

import (
	"fmt"
	"sort"
)

// ParseResult is the outcome of validating a flow definition. ExecutionOrder
// is a deterministic topological order; Dependencies maps each node to its
// direct predecessors.
type ParseResult struct {
	Valid          bool                `json:"valid"`
	Errors         []string            `json:"errors,omitempty"`
	Warnings       []string            `json:"warnings,omitempty"`
	EntryPoints    []string            `json:"entryPoints,omitempty"`
	ExitPoints     []string            `json:"exitPoints,omitempty"`
	ExecutionOrder []string            `json:"executionOrder,omitempty"`
	Dependencies   map[string][]string `json:"dependencies,omitempty"`
}

// TypeChecker reports whether a node type is known. The parser treats unknown
// types as warnings only, tolerating plugins that are not installed yet.
type TypeChecker interface {
	HasHandler(nodeType string) bool
}

// Parse validates a flow definition and derives the execution order.
//
// Errors (definition cannot run): nil definition, empty graph, edges that
// reference unknown node ids, self-loops, cycles. Warnings (definition can
// still run): nodes without a type, nodes whose type has no registered
// handler. checker may be nil to skip the handler lookup.
func Parse(def *Definition, checker TypeChecker) *ParseResult {
	result := &ParseResult{Dependencies: map[string][]string{}}

	if def == nil {
		result.Errors = append(result.Errors, "Flow definition is null")
		return result
	}
	if len(def.Nodes) == 0 {
		result.Errors = append(result.Errors, "Flow has no nodes")
		return result
	}

	nodeIDs := make(map[string]bool, len(def.Nodes))
	for _, n := range def.Nodes {
		if nodeIDs[n.ID] {
			result.Errors = append(result.Errors, fmt.Sprintf("Duplicate node id: %s", n.ID))
			continue
		}
		nodeIDs[n.ID] = true

		if n.Type == "" {
			result.Warnings = append(result.Warnings, fmt.Sprintf("Node %s has no type", n.ID))
		} else if checker != nil && !checker.HasHandler(n.Type) {
			result.Warnings = append(result.Warnings, fmt.Sprintf("Node %s has unknown type: %s", n.ID, n.Type))
		}
	}

	adjacency := make(map[string][]string, len(def.Nodes))
	indegree := make(map[string]int, len(def.Nodes))
	for id := range nodeIDs {
		indegree[id] = 0
		result.Dependencies[id] = []string{}
	}

	for _, e := range def.Edges {
		if !nodeIDs[e.Source] {
			result.Errors = append(result.Errors, fmt.Sprintf("Edge %s references unknown source node: %s", e.ID, e.Source))
			continue
		}
		if !nodeIDs[e.Target] {
			result.Errors = append(result.Errors, fmt.Sprintf("Edge %s references unknown target node: %s", e.ID, e.Target))
			continue
		}
		if e.Source == e.Target {
			result.Errors = append(result.Errors, fmt.Sprintf("Self-loop detected on node: %s", e.Source))
			continue
		}
		adjacency[e.Source] = append(adjacency[e.Source], e.Target)
		indegree[e.Target]++
		result.Dependencies[e.Target] = append(result.Dependencies[e.Target], e.Source)
	}

	if len(result.Errors) > 0 {
		return result
	}

	if cycle := findCycle(nodeIDs, adjacency); cycle != "" {
		result.Errors = append(result.Errors, "Cycle detected involving node: "+cycle)
		return result
	}

	for id := range nodeIDs {
		if indegree[id] == 0 {
			result.EntryPoints = append(result.EntryPoints, id)
		}
		if len(adjacency[id]) == 0 {
			result.ExitPoints = append(result.ExitPoints, id)
		}
	}
	sort.Strings(result.EntryPoints)
	sort.Strings(result.ExitPoints)

	result.ExecutionOrder = topologicalOrder(nodeIDs, adjacency, indegree)
	for id := range result.Dependencies {
		sort.Strings(result.Dependencies[id])
	}

	result.Valid = true
	return result
}

// dfsColor values for cycle detection: white = unvisited, gray = on the
// current path, black = fully explored.
type dfsColor int

const (
	white dfsColor = iota
	gray
	black
)

// findCycle runs a colouring DFS and returns a node involved in a cycle,
// or "" when the graph is acyclic. Roots are visited in sorted order so the
// reported node is deterministic.
func findCycle(nodes map[string]bool, adjacency map[string][]string) string {
	colors := make(map[string]dfsColor, len(nodes))

	ids := make([]string, 0, len(nodes))
	for id := range nodes {
		ids = append(ids, id)
	}
	sort.Strings(ids)

	var visit func(id string) string
	visit = func(id string) string {
		colors[id] = gray
		next := append([]string(nil), adjacency[id]...)
		sort.Strings(next)
		for _, t := range next {
			switch colors[t] {
			case gray:
				return t
			case white:
				if c := visit(t); c != "" {
					return c
				}
			}
		}
		colors[id] = black
		return ""
	}

	for _, id := range ids {
		if colors[id] == white {
			if c := visit(id); c != "" {
				return c
			}
		}
	}
	return ""
}

// topologicalOrder implements Kahn's algorithm. Ties among equally-ready
// nodes break by node id ascending so the order is deterministic.
func topologicalOrder(nodes map[string]bool, adjacency map[string][]string, indegree map[string]int) []string {
	remaining := make(map[string]int, len(indegree))
	for id, d := range indegree {
		remaining[id] = d
	}

	var ready []string
	for id := range nodes {
		if remaining[id] == 0 {
			ready = append(ready, id)
		}
	}
	sort.Strings(ready)

	order := make([]string, 0, len(nodes))
	for len(ready) > 0 {
		id := ready[0]
		ready = ready[1:]
		order = append(order, id)

		for _, t := range adjacency[id] {
			remaining[t]--
			if remaining[t] == 0 {
				ready = append(ready, t)
			}
		}
		sort.Strings(ready)
	}
	return order
}
