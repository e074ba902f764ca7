// Package compiler turns an authored flow graph into a linear, parameterized
// action script.
//
// Compile is a pure function of (graph, context): identical inputs always
// yield an identical action list, including loop-expanded ids. It never
// fails; malformed graphs yield a partial or empty result.
package compiler

import (
	"log/slog"

	"github.com/trihai306/agentphone/internal/models"
)

// maxTraversalSteps bounds the linear walk so pathological or cyclic graphs
// always terminate.
const maxTraversalSteps = 1000

// adjacency indexes a graph's edges by source node for O(1) branch lookup.
type adjacency struct {
	byHandle map[string]map[string]string // sourceID -> handle -> targetID
	outgoing map[string][]models.Edge     // sourceID -> edges in authored order
	incoming map[string]int               // targetID -> in-degree
}

func buildAdjacency(edges []models.Edge) *adjacency {
	adj := &adjacency{
		byHandle: make(map[string]map[string]string),
		outgoing: make(map[string][]models.Edge),
		incoming: make(map[string]int),
	}
	for _, e := range edges {
		if e.SourceID == "" || e.TargetID == "" {
			continue
		}
		handles := adj.byHandle[e.SourceID]
		if handles == nil {
			handles = make(map[string]string)
			adj.byHandle[e.SourceID] = handles
		}
		if _, exists := handles[e.SourceHandle]; !exists {
			handles[e.SourceHandle] = e.TargetID
		}
		adj.outgoing[e.SourceID] = append(adj.outgoing[e.SourceID], e)
		adj.incoming[e.TargetID]++
	}
	return adj
}

// target returns the edge target for a named handle, or "" if absent.
func (a *adjacency) target(sourceID, handle string) string {
	if handles, ok := a.byHandle[sourceID]; ok {
		return handles[handle]
	}
	return ""
}

// next resolves the linear successor of a node: true, then default (named or
// unnamed), then complete, then the first available edge that is not the
// error branch.
func (a *adjacency) next(sourceID string) string {
	for _, handle := range []string{"true", "default", "", "complete"} {
		if target := a.target(sourceID, handle); target != "" {
			return target
		}
	}
	for _, e := range a.outgoing[sourceID] {
		if e.SourceHandle != "false" {
			return e.TargetID
		}
	}
	return ""
}

// Compile traverses the graph from its start node and produces the linear
// action list, interpolating {{var}} tokens against vars. Loop nodes expand
// in place; nodes mapping to no action are skipped.
func Compile(graph models.FlowGraph, vars map[string]any) []models.CompiledAction {
	if len(graph.Nodes) == 0 {
		return nil
	}
	nodesByID := make(map[string]models.Node, len(graph.Nodes))
	for _, n := range graph.Nodes {
		nodesByID[n.ID] = n
	}
	adj := buildAdjacency(graph.Edges)

	current := findStart(graph.Nodes, adj)
	if current == "" {
		slog.Debug("Compile: no resolvable start node", "nodes", len(graph.Nodes))
		return nil
	}

	var actions []models.CompiledAction
	visited := make(map[string]bool, len(graph.Nodes))
	for steps := 0; current != "" && steps < maxTraversalSteps; steps++ {
		node, ok := nodesByID[current]
		if !ok || visited[current] {
			break
		}
		visited[current] = true

		if isLoopType(node.Type) {
			actions = append(actions, expandLoop(node, vars)...)
			current = nextAfterLoop(adj, node.ID)
			continue
		}
		if kind, ok := KindForNodeType(node.Type); ok {
			actions = append(actions, buildAction(node, kind, adj, vars))
		}
		current = adj.next(node.ID)
	}
	return actions
}

// findStart locates the traversal entry point: an explicit start node, else
// the unique node with outgoing but no incoming edges, else the first
// non-structural node.
func findStart(nodes []models.Node, adj *adjacency) string {
	for _, n := range nodes {
		if n.Type == "start" {
			return n.ID
		}
	}
	var root string
	for _, n := range nodes {
		if len(adj.outgoing[n.ID]) > 0 && adj.incoming[n.ID] == 0 {
			if root != "" {
				root = ""
				break
			}
			root = n.ID
		}
	}
	if root != "" {
		return root
	}
	for _, n := range nodes {
		if _, ok := KindForNodeType(n.Type); ok || isLoopType(n.Type) {
			return n.ID
		}
	}
	return ""
}

// buildAction assembles one CompiledAction from a node, recording an error
// branch when the node has an edge on handle "false". The branch target is
// carried for the executing agent but never traversed linearly.
func buildAction(node models.Node, kind models.ActionKind, adj *adjacency, vars map[string]any) models.CompiledAction {
	params := extractParams(kind, node.Data)
	action := models.CompiledAction{
		ID:            node.ID,
		Type:          kind,
		Params:        InterpolateValue(params, vars).(map[string]any),
		WaitAfter:     intField(node.Data, 0, "wait_after", "waitAfter", "delay_after"),
		OnError:       stringField(node.Data, "stop", "on_error", "onError"),
		RetryAttempts: intField(node.Data, 0, "retry_attempts", "retries"),
	}
	if target := adj.target(node.ID, "false"); target != "" {
		action.HasErrorBranch = true
		action.ErrorBranchTarget = target
	}
	return action
}

// nextAfterLoop continues past a loop node via its complete/true edge.
func nextAfterLoop(adj *adjacency, nodeID string) string {
	for _, handle := range []string{"complete", "true", "default", ""} {
		if target := adj.target(nodeID, handle); target != "" {
			return target
		}
	}
	return ""
}
