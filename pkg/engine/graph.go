package engine

import (
	"fmt"
	"sort"
	"strings"
)

type colour int

const (
	white colour = iota
	grey
	black
)

// detectCycles runs a three-colour depth-first search over the arena and
// returns a CircularDependencyError for the first back-edge it finds.
// Keys are visited in sorted order so the reported cycle is deterministic.
func detectCycles(nodes map[string]*DependencyNode) error {
	colours := make(map[string]colour, len(nodes))
	path := make([]string, 0, len(nodes))

	for _, key := range sortedKeys(nodes) {
		if colours[key] != white {
			continue
		}
		if cycle, err := visit(nodes, key, colours, path); err != nil {
			return err
		} else if cycle != nil {
			return NewCircularDependencyError(cycle)
		}
	}
	return nil
}

// visit colours key grey, descends into its dependencies, and colours it
// black on the way out. A grey dependency closes a cycle.
func visit(
	nodes map[string]*DependencyNode,
	key string,
	colours map[string]colour,
	path []string,
) ([]string, error) {
	colours[key] = grey
	path = append(path, key)

	for _, dep := range nodes[key].DirectDependencies {
		if _, ok := nodes[dep]; !ok {
			return nil, NewPermanentError(
				fmt.Sprintf("node %s depends on unknown node %s", key, dep), nil,
			).WithCode(ErrCodeInternal).WithResource(key)
		}
		switch colours[dep] {
		case grey:
			start := indexOf(path, dep)
			cycle := append(append([]string{}, path[start:]...), dep)
			return cycle, nil
		case white:
			if cycle, err := visit(nodes, dep, colours, path); cycle != nil || err != nil {
				return cycle, err
			}
		}
	}

	colours[key] = black
	return nil, nil
}

// installOrder computes a dependency-first order with Kahn's algorithm.
// A node's in-degree is the number of its unplaced dependencies; ties
// among ready nodes are broken lexicographically.
func installOrder(nodes map[string]*DependencyNode) ([]string, error) {
	pending := make(map[string]int, len(nodes))
	dependents := make(map[string][]string, len(nodes))

	for key, node := range nodes {
		seen := make(map[string]bool, len(node.DirectDependencies))
		for _, dep := range node.DirectDependencies {
			if seen[dep] {
				continue
			}
			seen[dep] = true
			pending[key]++
			dependents[dep] = append(dependents[dep], key)
		}
	}

	ready := make([]string, 0)
	for key := range nodes {
		if pending[key] == 0 {
			ready = append(ready, key)
		}
	}
	sort.Strings(ready)

	order := make([]string, 0, len(nodes))
	for len(ready) > 0 {
		key := ready[0]
		ready = ready[1:]
		order = append(order, key)

		released := false
		for _, dependent := range dependents[key] {
			pending[dependent]--
			if pending[dependent] == 0 {
				ready = append(ready, dependent)
				released = true
			}
		}
		if released {
			sort.Strings(ready)
		}
	}

	// Cycle detection runs first, so a short order means the arena is corrupt.
	if len(order) != len(nodes) {
		return nil, NewPermanentError(
			fmt.Sprintf("install order covers %d of %d nodes - possible cycle", len(order), len(nodes)), nil,
		).WithCode(ErrCodeInternal)
	}
	return order, nil
}

// ToDOT renders the chain in Graphviz DOT format. Edges point from a
// node to its dependency.
func (c *DependencyChain) ToDOT() string {
	var sb strings.Builder

	sb.WriteString("digraph DependencyChain {\n")
	sb.WriteString("  rankdir=BT;\n")
	sb.WriteString("  node [shape=box, style=rounded];\n\n")

	for i, key := range c.InstallOrder {
		node := c.AllNodes[key]
		color := "white"
		if key == c.RootKey {
			color = "lightblue"
		}
		sb.WriteString(fmt.Sprintf("  \"%s\" [label=\"%d. %s\\n%s\", fillcolor=\"%s\", style=\"filled,rounded\"];\n",
			key, i+1, node.PluginID, node.ResolvedVersion, color))
	}
	sb.WriteString("\n")

	for _, key := range c.InstallOrder {
		node := c.AllNodes[key]
		for _, dep := range node.DirectDependencies {
			label := node.Constraints[dep]
			if label == "" {
				label = "*"
			}
			sb.WriteString(fmt.Sprintf("  \"%s\" -> \"%s\" [label=\"%s\"];\n", key, dep, label))
		}
	}

	sb.WriteString("}\n")
	return sb.String()
}

func sortedKeys(nodes map[string]*DependencyNode) []string {
	keys := make([]string, 0, len(nodes))
	for key := range nodes {
		keys = append(keys, key)
	}
	sort.Strings(keys)
	return keys
}

func indexOf(items []string, target string) int {
	for i, item := range items {
		if item == target {
			return i
		}
	}
	return 0
}
