package agent

import (
	"fmt"
	"strings"

	"github.com/google/uuid"

	"github.com/n3n-io/n3n/common"
	"github.com/n3n-io/n3n/flow"
)

// Draft is the working flow under construction for one conversation. It
// has the same shape as a flow definition plus a monotonic counter used to
// generate node ids.
type Draft struct {
	Nodes []flow.Node `json:"nodes"`
	Edges []flow.Edge `json:"edges"`

	counter int
}

// NewDraft creates an empty draft.
func NewDraft() *Draft { return &Draft{} }

// DraftFromSnapshot seeds a draft from the current flow graph. The id
// counter starts past any existing generated ids so new nodes never
// collide.
func DraftFromSnapshot(nodes []flow.Node, edges []flow.Edge) *Draft {
	d := &Draft{
		Nodes: append([]flow.Node(nil), nodes...),
		Edges: append([]flow.Edge(nil), edges...),
	}
	for _, n := range nodes {
		var i int
		if _, err := fmt.Sscanf(n.ID, "node_%d", &i); err == nil && i > d.counter {
			d.counter = i
		}
	}
	return d
}

// Empty reports whether the draft has no nodes.
func (d *Draft) Empty() bool { return len(d.Nodes) == 0 }

// NextNodeID generates the next node_N id.
func (d *Draft) NextNodeID() string {
	d.counter++
	return fmt.Sprintf("node_%d", d.counter)
}

// AddNode appends a node of the given type, generating its id and a simple
// left-to-right canvas position.
func (d *Draft) AddNode(nodeType, label string, config map[string]interface{}) *flow.Node {
	if label == "" {
		label = nodeType
	}
	n := flow.Node{
		ID:       d.NextNodeID(),
		Type:     nodeType,
		Position: flow.Position{X: float64(250 * len(d.Nodes)), Y: 300},
		Data:     flow.NodeData{Label: label, Config: config},
	}
	d.Nodes = append(d.Nodes, n)
	return &d.Nodes[len(d.Nodes)-1]
}

// NodeByID returns the draft node with the given id, or nil.
func (d *Draft) NodeByID(id string) *flow.Node {
	for i := range d.Nodes {
		if d.Nodes[i].ID == id {
			return &d.Nodes[i]
		}
	}
	return nil
}

// NodeByLabel resolves a node by label: exact case-insensitive match
// first, substring match second.
func (d *Draft) NodeByLabel(label string) *flow.Node {
	for i := range d.Nodes {
		if strings.EqualFold(d.Nodes[i].Data.Label, label) {
			return &d.Nodes[i]
		}
	}
	lower := strings.ToLower(label)
	for i := range d.Nodes {
		if strings.Contains(strings.ToLower(d.Nodes[i].Data.Label), lower) {
			return &d.Nodes[i]
		}
	}
	return nil
}

// RemoveNode deletes a node and every edge touching it.
func (d *Draft) RemoveNode(id string) bool {
	idx := -1
	for i := range d.Nodes {
		if d.Nodes[i].ID == id {
			idx = i
			break
		}
	}
	if idx < 0 {
		return false
	}
	d.Nodes = append(d.Nodes[:idx], d.Nodes[idx+1:]...)

	kept := d.Edges[:0]
	for _, e := range d.Edges {
		if e.Source != id && e.Target != id {
			kept = append(kept, e)
		}
	}
	d.Edges = kept
	return true
}

// Connect adds an edge between two existing nodes.
func (d *Draft) Connect(source, target, sourceHandle string) (*flow.Edge, error) {
	if d.NodeByID(source) == nil {
		return nil, common.ValidationError("unknown source node: %s", source)
	}
	if d.NodeByID(target) == nil {
		return nil, common.ValidationError("unknown target node: %s", target)
	}
	edge := flow.Edge{
		ID:           "edge_" + uuid.NewString()[:8],
		Source:       source,
		Target:       target,
		SourceHandle: sourceHandle,
	}
	d.Edges = append(d.Edges, edge)
	return &d.Edges[len(d.Edges)-1], nil
}

// Definition materialises the draft as a flow definition.
func (d *Draft) Definition() *flow.Definition {
	return &flow.Definition{
		Nodes: append([]flow.Node(nil), d.Nodes...),
		Edges: append([]flow.Edge(nil), d.Edges...),
	}
}

// PendingChange is a draft mutation awaiting user approval. Mutating tools
// record one per call; the frontend applies or discards them.
type PendingChange struct {
	ID          string                 `json:"id"`
	Type        string                 `json:"type"`
	Description string                 `json:"description"`
	Payload     map[string]interface{} `json:"payload,omitempty"`
}

// NewPendingChange creates a change record with a fresh id.
func NewPendingChange(changeType, description string, payload map[string]interface{}) *PendingChange {
	return &PendingChange{
		ID:          uuid.NewString(),
		Type:        changeType,
		Description: description,
		Payload:     payload,
	}
}
