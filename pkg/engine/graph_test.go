package engine

import (
	"strings"
	"testing"
)

// arena builds a node map from "key -> dep1,dep2" style edges.
func arena(t *testing.T, edges map[string][]string) map[string]*DependencyNode {
	t.Helper()
	nodes := make(map[string]*DependencyNode, len(edges))
	for key, deps := range edges {
		id, ver, ok := strings.Cut(key, "@")
		if !ok {
			t.Fatalf("bad key %q", key)
		}
		nodes[key] = &DependencyNode{
			PluginID:           id,
			ResolvedVersion:    ver,
			DirectDependencies: deps,
			Constraints:        make(map[string]string),
		}
	}
	return nodes
}

func assertDependencyFirst(t *testing.T, nodes map[string]*DependencyNode, order []string) {
	t.Helper()
	if len(order) != len(nodes) {
		t.Fatalf("Expected %d keys in order, got %d: %v", len(nodes), len(order), order)
	}
	pos := make(map[string]int, len(order))
	for i, key := range order {
		if _, dup := pos[key]; dup {
			t.Fatalf("Duplicate key %s in order %v", key, order)
		}
		pos[key] = i
	}
	for key, node := range nodes {
		for _, dep := range node.DirectDependencies {
			if pos[dep] >= pos[key] {
				t.Errorf("Dependency %s must come before %s in %v", dep, key, order)
			}
		}
	}
}

func TestInstallOrder_Empty(t *testing.T) {
	order, err := installOrder(map[string]*DependencyNode{})
	if err != nil {
		t.Fatalf("Expected no error, got: %v", err)
	}
	if len(order) != 0 {
		t.Errorf("Expected empty order, got %v", order)
	}
}

func TestInstallOrder_Linear(t *testing.T) {
	nodes := arena(t, map[string][]string{
		"c@1.0.0": {"b@1.0.0"},
		"b@1.0.0": {"a@1.0.0"},
		"a@1.0.0": nil,
	})

	order, err := installOrder(nodes)
	if err != nil {
		t.Fatalf("Expected no error, got: %v", err)
	}
	want := []string{"a@1.0.0", "b@1.0.0", "c@1.0.0"}
	if strings.Join(order, ",") != strings.Join(want, ",") {
		t.Errorf("Expected %v, got %v", want, order)
	}
}

func TestInstallOrder_Diamond(t *testing.T) {
	nodes := arena(t, map[string][]string{
		"app@1.0.0":    {"left@1.0.0", "right@1.0.0"},
		"left@1.0.0":   {"shared@2.0.0"},
		"right@1.0.0":  {"shared@2.0.0"},
		"shared@2.0.0": nil,
	})

	order, err := installOrder(nodes)
	if err != nil {
		t.Fatalf("Expected no error, got: %v", err)
	}
	assertDependencyFirst(t, nodes, order)

	// Ties are broken lexicographically.
	want := []string{"shared@2.0.0", "left@1.0.0", "right@1.0.0", "app@1.0.0"}
	if strings.Join(order, ",") != strings.Join(want, ",") {
		t.Errorf("Expected %v, got %v", want, order)
	}
}

func TestInstallOrder_WideGraph(t *testing.T) {
	edges := map[string][]string{
		"root@1.0.0": {"a@1.0.0", "b@1.0.0", "c@1.0.0", "d@1.0.0"},
		"a@1.0.0":    {"e@1.0.0"},
		"b@1.0.0":    {"e@1.0.0", "f@1.0.0"},
		"c@1.0.0":    {"f@1.0.0"},
		"d@1.0.0":    {"a@1.0.0", "c@1.0.0"},
		"e@1.0.0":    nil,
		"f@1.0.0":    {"e@1.0.0"},
	}
	nodes := arena(t, edges)

	for i := 0; i < 5; i++ {
		order, err := installOrder(nodes)
		if err != nil {
			t.Fatalf("Expected no error, got: %v", err)
		}
		assertDependencyFirst(t, nodes, order)
	}
}

func TestInstallOrder_ResidualCycleIsInternalError(t *testing.T) {
	nodes := arena(t, map[string][]string{
		"a@1.0.0": {"b@1.0.0"},
		"b@1.0.0": {"a@1.0.0"},
	})

	_, err := installOrder(nodes)
	if err == nil {
		t.Fatal("Expected error for cyclic arena")
	}
	var engErr *EngineError
	if !asEngineError(err, &engErr) || engErr.Code != ErrCodeInternal {
		t.Errorf("Expected internal error, got: %v", err)
	}
}

func TestDetectCycles_ThreeNodeCycle(t *testing.T) {
	nodes := arena(t, map[string][]string{
		"a@1.0.0": {"b@1.0.0"},
		"b@1.0.0": {"c@1.0.0"},
		"c@1.0.0": {"a@1.0.0"},
	})

	err := detectCycles(nodes)
	if err == nil {
		t.Fatal("Expected cycle detection error")
	}
	if !IsCircularDependencyError(err) {
		t.Errorf("Expected circular dependency error, got: %v", err)
	}
	if !strings.Contains(err.Error(), "a@1.0.0 -> b@1.0.0 -> c@1.0.0 -> a@1.0.0") {
		t.Errorf("Expected cycle path in error, got: %v", err)
	}
}

func TestDetectCycles_SelfLoop(t *testing.T) {
	nodes := arena(t, map[string][]string{
		"a@1.0.0": {"a@1.0.0"},
	})
	if err := detectCycles(nodes); !IsCircularDependencyError(err) {
		t.Errorf("Expected circular dependency error for self loop, got: %v", err)
	}
}

func TestDetectCycles_DiamondIsNotACycle(t *testing.T) {
	nodes := arena(t, map[string][]string{
		"app@1.0.0":    {"left@1.0.0", "right@1.0.0"},
		"left@1.0.0":   {"shared@1.0.0"},
		"right@1.0.0":  {"shared@1.0.0"},
		"shared@1.0.0": nil,
	})
	if err := detectCycles(nodes); err != nil {
		t.Errorf("Expected no cycle, got: %v", err)
	}
}

func TestDetectCycles_UnknownEdge(t *testing.T) {
	nodes := arena(t, map[string][]string{
		"a@1.0.0": {"ghost@1.0.0"},
	})
	err := detectCycles(nodes)
	if err == nil {
		t.Fatal("Expected error for dangling edge")
	}
	if IsCircularDependencyError(err) {
		t.Errorf("Dangling edge must not be reported as a cycle: %v", err)
	}
}

func TestDependencyChain_ToDOT(t *testing.T) {
	nodes := arena(t, map[string][]string{
		"app@1.0.0":   {"cache@2.0.0"},
		"cache@2.0.0": nil,
	})
	nodes["app@1.0.0"].Constraints["cache@2.0.0"] = ">=2.0.0"
	chain := &DependencyChain{
		RootID:       "app",
		RootVersion:  "1.0.0",
		RootKey:      "app@1.0.0",
		AllNodes:     nodes,
		InstallOrder: []string{"cache@2.0.0", "app@1.0.0"},
	}

	dot := chain.ToDOT()
	if !strings.HasPrefix(dot, "digraph DependencyChain {") {
		t.Errorf("Expected digraph header, got: %s", dot)
	}
	if !strings.Contains(dot, `"app@1.0.0" -> "cache@2.0.0" [label=">=2.0.0"]`) {
		t.Errorf("Expected labelled edge, got: %s", dot)
	}
	if !strings.Contains(dot, "lightblue") {
		t.Errorf("Expected root to be highlighted, got: %s", dot)
	}
}

func asEngineError(err error, target **EngineError) bool {
	e, ok := err.(*EngineError)
	if ok {
		*target = e
	}
	return ok
}
