package engine

import (
	"strings"
	"testing"
)

func TestDAGBuilder_Build_Empty(t *testing.T) {
	builder := NewDAGBuilder()
	if err := builder.Build(); err != nil {
		t.Fatalf("Expected no error for empty graph, got: %v", err)
	}
	if len(builder.Levels()) != 0 {
		t.Errorf("Expected 0 levels, got %d", len(builder.Levels()))
	}
}

func TestDAGBuilder_Build_Levels(t *testing.T) {
	builder := NewDAGBuilder()
	builder.AddEdge("libc", "openssl")
	builder.AddEdge("libc", "zlib")
	builder.AddEdge("openssl", "curl")
	builder.AddEdge("zlib", "curl")
	builder.AddNode("standalone")

	if err := builder.Build(); err != nil {
		t.Fatalf("Expected no error, got: %v", err)
	}

	levels := builder.Levels()
	if len(levels) != 3 {
		t.Fatalf("Expected 3 levels, got %d: %v", len(levels), levels)
	}

	want := [][]string{
		{"libc", "standalone"},
		{"openssl", "zlib"},
		{"curl"},
	}
	for i := range want {
		if strings.Join(levels[i], ",") != strings.Join(want[i], ",") {
			t.Errorf("Level %d: expected %v, got %v", i, want[i], levels[i])
		}
	}

	preds := builder.Predecessors("curl")
	if len(preds) != 2 {
		t.Errorf("Expected 2 predecessors of curl, got %v", preds)
	}
}

func TestDAGBuilder_Build_DuplicateEdges(t *testing.T) {
	builder := NewDAGBuilder()
	builder.AddEdge("a", "b")
	builder.AddEdge("a", "b")

	if err := builder.Build(); err != nil {
		t.Fatalf("Expected no error, got: %v", err)
	}
	if len(builder.Levels()) != 2 {
		t.Errorf("Expected 2 levels, got %d", len(builder.Levels()))
	}
}

func TestDAGBuilder_Build_Cycle(t *testing.T) {
	builder := NewDAGBuilder()
	builder.AddEdge("a", "b")
	builder.AddEdge("b", "c")
	builder.AddEdge("c", "a")

	err := builder.Build()
	if err == nil {
		t.Fatal("Expected error for circular dependency, got nil")
	}
	if !strings.Contains(err.Error(), "circular dependency") {
		t.Errorf("Expected circular dependency error, got: %v", err)
	}
	if !strings.Contains(err.Error(), "a -> b -> c -> a") {
		t.Errorf("Expected cycle path in error, got: %v", err)
	}
}

func TestDAGBuilder_ToDOT(t *testing.T) {
	builder := NewDAGBuilder()
	builder.AddEdge("deb", "archive")
	if err := builder.Build(); err != nil {
		t.Fatalf("Expected no error, got: %v", err)
	}

	dot := builder.ToDOT("partitions")
	for _, want := range []string{`digraph "partitions"`, `"deb" -> "archive"`, "Step 1", "Step 2"} {
		if !strings.Contains(dot, want) {
			t.Errorf("Expected DOT output to contain %q, got:\n%s", want, dot)
		}
	}
}
