package engine

import (
	"fmt"
	"sort"
	"strings"
)

// DAGBuilder builds a directed acyclic graph over string node IDs.
// It detects cycles and assigns topological levels with Kahn's algorithm.
// An edge from A to B means A must come before B.
type DAGBuilder struct {
	// nodes holds every node ID in insertion order
	nodes []string

	// index marks known node IDs
	index map[string]bool

	// adjacencyList maps node IDs to the nodes that come after them
	adjacencyList map[string][]string

	// reverseAdjacencyList maps node IDs to the nodes they come after
	reverseAdjacencyList map[string][]string

	// inDegree tracks the number of incoming edges for each node
	inDegree map[string]int

	// levels holds node IDs per topological level
	levels [][]string
}

// NewDAGBuilder creates a new DAG builder.
func NewDAGBuilder() *DAGBuilder {
	return &DAGBuilder{
		index:                make(map[string]bool),
		adjacencyList:        make(map[string][]string),
		reverseAdjacencyList: make(map[string][]string),
		inDegree:             make(map[string]int),
	}
}

// AddNode adds a node. Adding an existing node is a no-op.
func (b *DAGBuilder) AddNode(id string) {
	if b.index[id] {
		return
	}
	b.index[id] = true
	b.nodes = append(b.nodes, id)
	b.inDegree[id] = 0
}

// AddEdge records that from must come before to. Both nodes are added if
// missing and duplicate edges are ignored.
func (b *DAGBuilder) AddEdge(from, to string) {
	b.AddNode(from)
	b.AddNode(to)
	for _, existing := range b.adjacencyList[from] {
		if existing == to {
			return
		}
	}
	b.adjacencyList[from] = append(b.adjacencyList[from], to)
	b.reverseAdjacencyList[to] = append(b.reverseAdjacencyList[to], from)
	b.inDegree[to]++
}

// Build validates the graph and computes levels.
func (b *DAGBuilder) Build() error {
	b.levels = nil
	if len(b.nodes) == 0 {
		return nil
	}

	if err := b.detectCycles(); err != nil {
		return err
	}

	return b.computeLevels()
}

// detectCycles uses depth-first search to detect circular dependencies.
func (b *DAGBuilder) detectCycles() error {
	visited := make(map[string]bool)
	recStack := make(map[string]bool)

	for _, id := range b.sortedNodes() {
		if !visited[id] {
			if cycle := b.detectCyclesUtil(id, visited, recStack, nil); cycle != nil {
				return NewPermanentError(
					fmt.Sprintf("circular dependency detected: %s", formatCycle(cycle)),
					nil,
				).WithCode(ErrCodeValidation)
			}
		}
	}

	return nil
}

// detectCyclesUtil performs DFS and returns the cycle path if one is found.
func (b *DAGBuilder) detectCyclesUtil(
	nodeID string,
	visited map[string]bool,
	recStack map[string]bool,
	path []string,
) []string {
	visited[nodeID] = true
	recStack[nodeID] = true
	path = append(path, nodeID)

	for _, next := range b.adjacencyList[nodeID] {
		if !visited[next] {
			if cycle := b.detectCyclesUtil(next, visited, recStack, path); cycle != nil {
				return cycle
			}
		} else if recStack[next] {
			for i, id := range path {
				if id == next {
					return append(append([]string(nil), path[i:]...), next)
				}
			}
		}
	}

	recStack[nodeID] = false
	return nil
}

// computeLevels assigns topological levels. Nodes within a level are sorted
// by ID so the result does not depend on insertion order.
func (b *DAGBuilder) computeLevels() error {
	inDegreeCopy := make(map[string]int, len(b.inDegree))
	for id, degree := range b.inDegree {
		inDegreeCopy[id] = degree
	}

	currentLevel := make([]string, 0)
	for _, id := range b.nodes {
		if inDegreeCopy[id] == 0 {
			currentLevel = append(currentLevel, id)
		}
	}

	processedCount := 0
	for len(currentLevel) > 0 {
		sort.Strings(currentLevel)
		b.levels = append(b.levels, currentLevel)
		processedCount += len(currentLevel)

		nextLevel := make([]string, 0)
		for _, nodeID := range currentLevel {
			for _, next := range b.adjacencyList[nodeID] {
				inDegreeCopy[next]--
				if inDegreeCopy[next] == 0 {
					nextLevel = append(nextLevel, next)
				}
			}
		}

		currentLevel = nextLevel
	}

	if processedCount != len(b.nodes) {
		return NewInternalError("failed to process all nodes - possible cycle", nil)
	}

	return nil
}

// Levels returns the computed levels. Every node of a level only depends on
// nodes of earlier levels.
func (b *DAGBuilder) Levels() [][]string {
	return b.levels
}

// Predecessors returns the nodes that must come before id.
func (b *DAGBuilder) Predecessors(id string) []string {
	return append([]string(nil), b.reverseAdjacencyList[id]...)
}

// ToDOT generates a DOT format representation of the graph for visualization.
// The output can be rendered with Graphviz tools.
func (b *DAGBuilder) ToDOT(name string) string {
	var sb strings.Builder

	sb.WriteString(fmt.Sprintf("digraph %q {\n", name))
	sb.WriteString("  rankdir=LR;\n")
	sb.WriteString("  node [shape=box, style=rounded];\n\n")

	for level, ids := range b.levels {
		sb.WriteString(fmt.Sprintf("  subgraph cluster_level_%d {\n", level))
		sb.WriteString(fmt.Sprintf("    label=\"Step %d\";\n", level+1))
		sb.WriteString("    style=dashed;\n")
		for _, id := range ids {
			sb.WriteString(fmt.Sprintf("    %q;\n", id))
		}
		sb.WriteString("  }\n\n")
	}

	for _, from := range b.sortedNodes() {
		for _, to := range b.adjacencyList[from] {
			sb.WriteString(fmt.Sprintf("  %q -> %q;\n", from, to))
		}
	}

	sb.WriteString("}\n")
	return sb.String()
}

func (b *DAGBuilder) sortedNodes() []string {
	ids := append([]string(nil), b.nodes...)
	sort.Strings(ids)
	return ids
}

// formatCycle formats a cycle path for error messages.
func formatCycle(cycle []string) string {
	if len(cycle) == 0 {
		return ""
	}
	return strings.Join(cycle, " -> ")
}
