// Package models defines the core data structures shared across the
// automation pipeline.
//
// This file holds the flow graph primitives. Graphs arrive from the visual
// editor with a polymorphic node payload (either a decoded object or a raw
// JSON-encoded string); decoding normalizes both forms into one canonical
// in-memory representation before any traversal logic sees them.
package models

import (
	"encoding/json"
)

// Edge connects two nodes. SourceHandle carries the optional named branch
// handle ("true", "false", "complete"); empty means the default output.
type Edge struct {
	SourceID     string `json:"source"`
	TargetID     string `json:"target"`
	SourceHandle string `json:"sourceHandle,omitempty"`
}

// Node is one vertex of a flow graph. Data is always a decoded map after
// unmarshalling, regardless of the wire form.
type Node struct {
	ID   string         `json:"id"`
	Type string         `json:"type"`
	Data map[string]any `json:"data,omitempty"`
}

// UnmarshalJSON accepts node data either as a JSON object or as a string
// containing encoded JSON, and normalizes both into a map. Anything else
// (null, malformed) yields a nil map rather than an error.
func (n *Node) UnmarshalJSON(b []byte) error {
	var aux struct {
		ID   string          `json:"id"`
		Type string          `json:"type"`
		Data json.RawMessage `json:"data"`
	}
	if err := json.Unmarshal(b, &aux); err != nil {
		return err
	}
	n.ID = aux.ID
	n.Type = aux.Type
	n.Data = NormalizeNodeData(aux.Data)
	return nil
}

// NormalizeNodeData decodes a polymorphic node payload into a map.
// Returns nil for empty, null, or undecodable input.
func NormalizeNodeData(raw json.RawMessage) map[string]any {
	if len(raw) == 0 {
		return nil
	}
	var m map[string]any
	if err := json.Unmarshal(raw, &m); err == nil {
		return m
	}
	// Legacy rows store data as a JSON string holding encoded JSON.
	var s string
	if err := json.Unmarshal(raw, &s); err == nil && s != "" {
		if err := json.Unmarshal([]byte(s), &m); err == nil {
			return m
		}
	}
	return nil
}

// FlowGraph is the authored node/edge automation script. It is an immutable
// input to compilation.
type FlowGraph struct {
	Nodes []Node `json:"nodes"`
	Edges []Edge `json:"edges"`
}

// ParseFlowGraph decodes a stored or submitted graph document, applying node
// data normalization. A decode failure returns an empty graph.
func ParseFlowGraph(raw []byte) FlowGraph {
	var g FlowGraph
	if len(raw) == 0 {
		return g
	}
	if err := json.Unmarshal(raw, &g); err != nil {
		return FlowGraph{}
	}
	return g
}
