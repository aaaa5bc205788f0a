// Package flow defines the workflow data model and the DAG parser/validator.
// A flow is a directed acyclic graph of typed nodes; versions snapshot the
// graph so published definitions stay immutable while drafts evolve.
package flow

import (
	"time"
)

// Visibility controls who can see a flow.
type Visibility string

const (
	VisibilityPrivate Visibility = "private"
	VisibilityShared  Visibility = "shared"
	VisibilityPublic  Visibility = "public"
)

// VersionStatus is the lifecycle state of a flow version.
type VersionStatus string

const (
	VersionDraft      VersionStatus = "draft"
	VersionPublished  VersionStatus = "published"
	VersionDeprecated VersionStatus = "deprecated"
)

// Flow is the logical identity of a workflow. Names are unique among
// non-deleted flows (case-sensitive).
type Flow struct {
	ID          string     `json:"id"`
	Name        string     `json:"name"`
	Description string     `json:"description,omitempty"`
	OwnerID     string     `json:"ownerId"`
	Visibility  Visibility `json:"visibility"`
	Deleted     bool       `json:"deleted"`
	CreatedAt   time.Time  `json:"createdAt"`
	UpdatedAt   time.Time  `json:"updatedAt"`
}

// Version is a snapshot of a flow definition. Draft versions are mutable;
// published versions are immutable; at most one version per flow is published
// at any time.
type Version struct {
	ID         string                            `json:"id"`
	FlowID     string                            `json:"flowId"`
	Version    string                            `json:"version"`
	Status     VersionStatus                     `json:"status"`
	Definition *Definition                       `json:"definition"`
	Settings   map[string]interface{}            `json:"settings,omitempty"`
	PinnedData map[string]map[string]interface{} `json:"pinnedData,omitempty"`
	CreatedAt  time.Time                         `json:"createdAt"`
	UpdatedAt  time.Time                         `json:"updatedAt"`
}

// Position is the canvas placement of a node. The engine ignores it; it is
// carried so definitions round-trip through the editor unchanged.
type Position struct {
	X float64 `json:"x"`
	Y float64 `json:"y"`
}

// NodeData carries the node label and type-specific configuration.
type NodeData struct {
	Label        string                 `json:"label,omitempty"`
	Config       map[string]interface{} `json:"config,omitempty"`
	CredentialID string                 `json:"credentialId,omitempty"`
}

// Node is a single typed step in a flow graph.
type Node struct {
	ID       string   `json:"id"`
	Type     string   `json:"type"`
	Position Position `json:"position"`
	Data     NodeData `json:"data"`
}

// Edge connects the output of one node to the input of another. SourceHandle
// names the output port on branching nodes (condition, switch).
type Edge struct {
	ID           string `json:"id"`
	Source       string `json:"source"`
	Target       string `json:"target"`
	SourceHandle string `json:"sourceHandle,omitempty"`
	TargetHandle string `json:"targetHandle,omitempty"`
}

// Definition is the graph itself: the nodes and the edges between them.
type Definition struct {
	Nodes []Node `json:"nodes"`
	Edges []Edge `json:"edges"`
}

// NodeByID returns the node with the given id, or nil.
func (d *Definition) NodeByID(id string) *Node {
	for i := range d.Nodes {
		if d.Nodes[i].ID == id {
			return &d.Nodes[i]
		}
	}
	return nil
}

// FlowSettings keys recognised by the execution engine.
const (
	// SettingContinueOnError lets a failing node skip its downstream nodes
	// instead of failing the whole execution.
	SettingContinueOnError = "continueOnError"
)

// ContinueOnError reports whether the version settings enable the
// continue-on-error policy.
func (v *Version) ContinueOnError() bool {
	if v == nil || v.Settings == nil {
		return false
	}
	b, ok := v.Settings[SettingContinueOnError].(bool)
	return ok && b
}
