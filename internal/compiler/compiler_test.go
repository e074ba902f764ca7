package compiler

import (
	"fmt"
	"testing"

	"github.com/trihai306/agentphone/internal/models"
)

func node(id, nodeType string, data map[string]any) models.Node {
	return models.Node{ID: id, Type: nodeType, Data: data}
}

func edge(source, target, handle string) models.Edge {
	return models.Edge{SourceID: source, TargetID: target, SourceHandle: handle}
}

func TestCompileLinearGraph(t *testing.T) {
	graph := models.FlowGraph{
		Nodes: []models.Node{
			node("start", "start", nil),
			node("n1", "tap", map[string]any{"x": float64(10), "y": float64(20)}),
			node("n2", "wait", map[string]any{"duration_ms": float64(250)}),
			node("n3", "text_input", map[string]any{"text": "hello"}),
			node("end", "end", nil),
		},
		Edges: []models.Edge{
			edge("start", "n1", ""),
			edge("n1", "n2", ""),
			edge("n2", "n3", ""),
			edge("n3", "end", ""),
		},
	}
	actions := Compile(graph, nil)
	if len(actions) != 3 {
		t.Fatalf("expected 3 actions, got %d", len(actions))
	}
	if actions[0].Type != models.ActionTap || actions[1].Type != models.ActionWait || actions[2].Type != models.ActionTextInput {
		t.Errorf("unexpected action order: %v %v %v", actions[0].Type, actions[1].Type, actions[2].Type)
	}
	if actions[1].Params["duration_ms"] != 250 {
		t.Errorf("wait duration = %v, want 250", actions[1].Params["duration_ms"])
	}
}

func TestCompileDeterministic(t *testing.T) {
	graph := models.FlowGraph{
		Nodes: []models.Node{
			node("start", "start", nil),
			node("n1", "tap", map[string]any{"x": float64(1)}),
			node("n2", "back", nil),
		},
		Edges: []models.Edge{edge("start", "n1", ""), edge("n1", "n2", "")},
	}
	vars := map[string]any{"name": "a"}
	first := Compile(graph, vars)
	second := Compile(graph, vars)
	if len(first) != len(second) {
		t.Fatalf("non-deterministic length: %d vs %d", len(first), len(second))
	}
	for i := range first {
		if first[i].ID != second[i].ID || first[i].Type != second[i].Type {
			t.Errorf("action %d differs between runs", i)
		}
	}
}

func TestCompileEmptyGraph(t *testing.T) {
	if actions := Compile(models.FlowGraph{}, nil); actions != nil {
		t.Errorf("expected nil for empty graph, got %v", actions)
	}
}

func TestCompileCycleTerminates(t *testing.T) {
	graph := models.FlowGraph{
		Nodes: []models.Node{
			node("a", "tap", nil),
			node("b", "tap", nil),
		},
		Edges: []models.Edge{edge("a", "b", ""), edge("b", "a", "")},
	}
	actions := Compile(graph, nil)
	// Visited tracking stops the walk after each node is emitted once.
	if len(actions) != 2 {
		t.Errorf("cyclic graph produced %d actions, want 2", len(actions))
	}
}

func TestCompileLongChainCapped(t *testing.T) {
	var nodes []models.Node
	var edges []models.Edge
	total := maxTraversalSteps + 50
	for i := 0; i < total; i++ {
		id := fmt.Sprintf("n%d", i)
		nodes = append(nodes, node(id, "tap", nil))
		if i > 0 {
			edges = append(edges, edge(fmt.Sprintf("n%d", i-1), id, ""))
		}
	}
	actions := Compile(models.FlowGraph{Nodes: nodes, Edges: edges}, nil)
	if len(actions) > maxTraversalSteps {
		t.Errorf("traversal exceeded step cap: %d actions", len(actions))
	}
}

func TestFindStartFallbacks(t *testing.T) {
	t.Run("explicit start node", func(t *testing.T) {
		graph := models.FlowGraph{
			Nodes: []models.Node{node("a", "tap", nil), node("s", "start", nil)},
			Edges: []models.Edge{edge("s", "a", "")},
		}
		actions := Compile(graph, nil)
		if len(actions) != 1 || actions[0].ID != "a" {
			t.Errorf("expected walk from explicit start, got %v", actions)
		}
	})

	t.Run("unique root without start node", func(t *testing.T) {
		graph := models.FlowGraph{
			Nodes: []models.Node{node("b", "wait", nil), node("a", "tap", nil)},
			Edges: []models.Edge{edge("a", "b", "")},
		}
		actions := Compile(graph, nil)
		if len(actions) != 2 || actions[0].ID != "a" {
			t.Errorf("expected root-first walk, got %v", actions)
		}
	})

	t.Run("no edges falls back to first actionable node", func(t *testing.T) {
		graph := models.FlowGraph{
			Nodes: []models.Node{node("note", "note", nil), node("a", "tap", nil)},
		}
		actions := Compile(graph, nil)
		if len(actions) != 1 || actions[0].ID != "a" {
			t.Errorf("expected first actionable node, got %v", actions)
		}
	})
}

func TestCompileConditionFollowsTrueBranch(t *testing.T) {
	graph := models.FlowGraph{
		Nodes: []models.Node{
			node("start", "start", nil),
			node("cond", "condition", nil),
			node("yes", "tap", nil),
			node("no", "back", nil),
		},
		Edges: []models.Edge{
			edge("start", "cond", ""),
			edge("cond", "yes", "true"),
			edge("cond", "no", "false"),
		},
	}
	actions := Compile(graph, nil)
	if len(actions) != 1 || actions[0].ID != "yes" {
		t.Fatalf("expected true branch only, got %v", actions)
	}
}

func TestCompileErrorBranchRecorded(t *testing.T) {
	graph := models.FlowGraph{
		Nodes: []models.Node{
			node("start", "start", nil),
			node("n1", "tap", map[string]any{"on_error": "continue", "retry_attempts": float64(2)}),
			node("recover", "screenshot", nil),
		},
		Edges: []models.Edge{
			edge("start", "n1", ""),
			edge("n1", "recover", "false"),
		},
	}
	actions := Compile(graph, nil)
	if len(actions) != 1 {
		t.Fatalf("expected 1 action, got %d", len(actions))
	}
	a := actions[0]
	if !a.HasErrorBranch || a.ErrorBranchTarget != "recover" {
		t.Errorf("error branch not recorded: %+v", a)
	}
	if a.OnError != "continue" || a.RetryAttempts != 2 {
		t.Errorf("error policy not carried: on_error=%q retries=%d", a.OnError, a.RetryAttempts)
	}
}

func TestCompileUnknownTypeBecomesCustom(t *testing.T) {
	graph := models.FlowGraph{
		Nodes: []models.Node{node("x", "shake_device", map[string]any{"intensity": "high"})},
	}
	actions := Compile(graph, nil)
	if len(actions) != 1 || actions[0].Type != models.ActionCustom {
		t.Fatalf("expected custom action, got %v", actions)
	}
	if actions[0].Params["intensity"] != "high" {
		t.Errorf("custom params not passed through: %v", actions[0].Params)
	}
}

func TestCompileStructuralNodesSkipped(t *testing.T) {
	graph := models.FlowGraph{
		Nodes: []models.Node{
			node("start", "start", nil),
			node("v", "variable", map[string]any{"name": "x"}),
			node("n1", "home", nil),
			node("end", "end", nil),
		},
		Edges: []models.Edge{
			edge("start", "v", ""),
			edge("v", "n1", ""),
			edge("n1", "end", ""),
		},
	}
	actions := Compile(graph, nil)
	if len(actions) != 1 || actions[0].Type != models.ActionHome {
		t.Errorf("structural nodes leaked into output: %v", actions)
	}
}

func TestCompileLegacyDirectionAlias(t *testing.T) {
	graph := models.FlowGraph{
		Nodes: []models.Node{node("s", "scroll", map[string]any{"event_type": "scroll_up"})},
	}
	actions := Compile(graph, nil)
	if len(actions) != 1 {
		t.Fatalf("expected 1 action, got %d", len(actions))
	}
	if actions[0].Params["direction"] != "up" {
		t.Errorf("legacy direction = %v, want up", actions[0].Params["direction"])
	}
	if actions[0].Params["distance"] != 300 {
		t.Errorf("default distance = %v, want 300", actions[0].Params["distance"])
	}
}

func TestCompileWaitAfter(t *testing.T) {
	graph := models.FlowGraph{
		Nodes: []models.Node{node("n", "tap", map[string]any{"wait_after": float64(1500)})},
	}
	actions := Compile(graph, nil)
	if len(actions) != 1 || actions[0].WaitAfter != 1500 {
		t.Errorf("wait_after not carried: %v", actions)
	}
}

func TestExpandLoopFixedCount(t *testing.T) {
	template := map[string]any{
		"nodes": []any{
			map[string]any{"id": "t1", "type": "tap", "data": map[string]any{"x": float64(5)}},
			map[string]any{"id": "t2", "type": "wait", "data": map[string]any{"duration_ms": float64(100)}},
		},
	}
	graph := models.FlowGraph{
		Nodes: []models.Node{
			node("start", "start", nil),
			node("loop", "loop", map[string]any{"mode": "fixed", "count": float64(3), "template": template}),
			node("after", "back", nil),
		},
		Edges: []models.Edge{
			edge("start", "loop", ""),
			edge("loop", "after", "complete"),
		},
	}
	actions := Compile(graph, nil)
	// 3 iterations x 2 template nodes, plus the node after the loop.
	if len(actions) != 7 {
		t.Fatalf("expected 7 actions, got %d", len(actions))
	}
	if actions[0].ID != "t1_iter_0" || actions[2].ID != "t1_iter_1" || actions[5].ID != "t2_iter_2" {
		t.Errorf("iteration ids wrong: %s %s %s", actions[0].ID, actions[2].ID, actions[5].ID)
	}
	if actions[6].Type != models.ActionBack {
		t.Errorf("traversal did not continue past loop: %v", actions[6].Type)
	}
}

func TestExpandLoopOverRecords(t *testing.T) {
	template := map[string]any{
		"nodes": []any{
			map[string]any{"id": "t1", "type": "text_input", "data": map[string]any{"text": "{{item.username}} #{{index}}"}},
		},
	}
	graph := models.FlowGraph{
		Nodes: []models.Node{
			node("loop", "for_each", map[string]any{"mode": "data", "template": template}),
		},
	}
	vars := map[string]any{
		"records": []any{
			map[string]any{"username": "alice"},
			map[string]any{"username": "bob"},
		},
	}
	actions := Compile(graph, vars)
	if len(actions) != 2 {
		t.Fatalf("expected 2 actions, got %d", len(actions))
	}
	if actions[0].Params["text"] != "alice #0" || actions[1].Params["text"] != "bob #1" {
		t.Errorf("per-iteration variables wrong: %v, %v", actions[0].Params["text"], actions[1].Params["text"])
	}
}

func TestExpandLoopZeroRecords(t *testing.T) {
	template := map[string]any{
		"nodes": []any{map[string]any{"id": "t1", "type": "tap"}},
	}
	graph := models.FlowGraph{
		Nodes: []models.Node{
			node("loop", "loop", map[string]any{"mode": "data", "template": template}),
		},
	}
	actions := Compile(graph, map[string]any{"records": []any{}})
	if len(actions) != 0 {
		t.Errorf("expected no actions for empty record set, got %d", len(actions))
	}
}

func TestExpandLoopTypedRecords(t *testing.T) {
	template := map[string]any{
		"nodes": []any{
			map[string]any{"id": "t1", "type": "text_input", "data": map[string]any{"text": "{{item.email}}"}},
		},
	}
	graph := models.FlowGraph{
		Nodes: []models.Node{
			node("loop", "loop", map[string]any{"mode": "collection", "sub_graph": template}),
		},
	}
	vars := map[string]any{
		"records": []models.DataRecord{
			{ID: "r1", Fields: map[string]any{"email": "a@b.c"}},
		},
	}
	actions := Compile(graph, vars)
	if len(actions) != 1 || actions[0].Params["text"] != "a@b.c" {
		t.Errorf("typed records not consumed: %v", actions)
	}
}

func TestCompileNeverPanicsOnMalformedData(t *testing.T) {
	graph := models.FlowGraph{
		Nodes: []models.Node{
			node("loop", "loop", map[string]any{"template": "not a graph", "count": "three"}),
			node("n", "tap", map[string]any{"x": "ten", "wait_after": "soon"}),
		},
		Edges: []models.Edge{edge("loop", "n", "")},
	}
	actions := Compile(graph, nil)
	if len(actions) != 1 {
		t.Fatalf("expected malformed loop skipped, tap kept; got %d actions", len(actions))
	}
}
