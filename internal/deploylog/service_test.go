package deploylog

import (
	"path/filepath"
	"testing"
)

func TestDeployLogLifecycle(t *testing.T) {
	svc := New(filepath.Join(t.TempDir(), "deploys"))

	graph := map[string]any{
		"nodes": []any{map[string]any{"id": "node_1", "label": "Sales Phase"}},
		"edges": []any{},
	}

	first, err := svc.Record(graph, "Avery", "Deploy workflow graph")
	if err != nil {
		t.Fatalf("Record() error = %v", err)
	}
	if first.Hash == "" || first.Author != "Avery" {
		t.Fatalf("unexpected commit info: %+v", first)
	}

	graph["edges"] = []any{map[string]any{"from": "node_1", "to": "node_2"}}
	second, err := svc.Record(graph, "Avery", "Deploy workflow graph")
	if err != nil {
		t.Fatalf("Record() second error = %v", err)
	}

	history, err := svc.History(10)
	if err != nil {
		t.Fatalf("History() error = %v", err)
	}
	if len(history) != 2 {
		t.Fatalf("expected 2 deployments, got %d", len(history))
	}
	if history[0].Hash != second.Hash {
		t.Fatalf("expected newest first, got %+v", history)
	}

	snapshot, err := svc.GraphAt(first.Hash)
	if err != nil {
		t.Fatalf("GraphAt() error = %v", err)
	}
	edges, ok := snapshot["edges"].([]any)
	if !ok || len(edges) != 0 {
		t.Fatalf("expected first snapshot without edges, got %+v", snapshot)
	}
}

func TestHistoryBeforeFirstDeploy(t *testing.T) {
	svc := New(filepath.Join(t.TempDir(), "deploys"))

	history, err := svc.History(5)
	if err != nil {
		t.Fatalf("History() error = %v", err)
	}
	if len(history) != 0 {
		t.Fatalf("expected empty history, got %+v", history)
	}
}

func TestIdenticalGraphStillRecords(t *testing.T) {
	svc := New(filepath.Join(t.TempDir(), "deploys"))

	graph := map[string]any{"nodes": []any{}, "edges": []any{}}
	if _, err := svc.Record(graph, "Avery", "Deploy workflow graph"); err != nil {
		t.Fatalf("Record() error = %v", err)
	}
	if _, err := svc.Record(graph, "Avery", "Deploy workflow graph"); err != nil {
		t.Fatalf("Record() identical error = %v", err)
	}

	history, err := svc.History(0)
	if err != nil {
		t.Fatalf("History() error = %v", err)
	}
	if len(history) != 2 {
		t.Fatalf("expected both deployments recorded, got %d", len(history))
	}
}
