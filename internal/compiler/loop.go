// Package compiler turns an authored flow graph into a linear action script.
//
// This file expands loop nodes: a loop carries a nested sub-graph template
// and a data source mode, and unrolls into one cloned action set per
// iteration.
package compiler

import (
	"encoding/json"
	"fmt"

	"github.com/trihai306/agentphone/internal/models"
)

const (
	defaultItemVariable  = "item"
	defaultIndexVariable = "index"
)

// expandLoop unrolls a loop node. The iteration source is either a fixed
// count or the records already resolved into vars["records"]; zero available
// records yields zero actions. Every cloned action id is suffixed
// "_iter_<index>" so identical inputs produce identical expansions.
func expandLoop(node models.Node, vars map[string]any) []models.CompiledAction {
	template := loopTemplate(node.Data)
	if len(template.Nodes) == 0 {
		return nil
	}
	itemVar := stringField(node.Data, defaultItemVariable, "item_variable", "item_var", "item_name")
	indexVar := stringField(node.Data, defaultIndexVariable, "index_variable", "index_var")

	items := loopItems(node.Data, vars)
	if len(items) == 0 {
		return nil
	}

	adj := buildAdjacency(template.Edges)
	var actions []models.CompiledAction
	for i, item := range items {
		iterVars := make(map[string]any, len(vars)+2)
		for k, v := range vars {
			iterVars[k] = v
		}
		iterVars[itemVar] = item
		iterVars[indexVar] = i
		for _, tmpl := range template.Nodes {
			kind, ok := KindForNodeType(tmpl.Type)
			if !ok {
				continue
			}
			action := buildAction(tmpl, kind, adj, iterVars)
			action.ID = fmt.Sprintf("%s_iter_%d", tmpl.ID, i)
			actions = append(actions, action)
		}
	}
	return actions
}

// loopTemplate extracts the nested sub-graph from the loop node's data.
// The template arrives as nested maps; a JSON round trip reuses the same
// normalization as top-level graphs.
func loopTemplate(data map[string]any) models.FlowGraph {
	for _, key := range []string{"template", "sub_graph", "subGraph", "body"} {
		raw, ok := data[key]
		if !ok {
			continue
		}
		encoded, err := json.Marshal(raw)
		if err != nil {
			continue
		}
		if g := models.ParseFlowGraph(encoded); len(g.Nodes) > 0 {
			return g
		}
	}
	return models.FlowGraph{}
}

// loopItems resolves the iteration source. Fixed mode yields the iteration
// number itself as the item; data/collection modes consume the records the
// caller resolved into the context.
func loopItems(data map[string]any, vars map[string]any) []any {
	mode := stringField(data, "fixed", "mode", "loop_type", "data_source")
	switch mode {
	case "data", "collection":
		return contextRecords(vars)
	default:
		count := intField(data, 0, "count", "iterations")
		if count <= 0 {
			return nil
		}
		items := make([]any, count)
		for i := range items {
			items[i] = i
		}
		return items
	}
}

// contextRecords reads vars["records"] in either decoded-slice or typed form.
func contextRecords(vars map[string]any) []any {
	switch records := vars["records"].(type) {
	case []any:
		return records
	case []map[string]any:
		items := make([]any, len(records))
		for i, r := range records {
			items[i] = r
		}
		return items
	case []models.DataRecord:
		items := make([]any, len(records))
		for i, r := range records {
			items[i] = r.Fields
		}
		return items
	default:
		return nil
	}
}
