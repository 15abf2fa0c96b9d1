package graph

import (
	"errors"
	"path/filepath"
	"testing"
)

func TestBuildSnapshotBackendFromDSNMemory(t *testing.T) {
	backend, err := BuildSnapshotBackendFromDSN("memory://")
	if err != nil {
		t.Fatalf("build snapshot backend failed: %v", err)
	}
	if backend == nil {
		t.Fatalf("expected non-nil memory snapshot backend")
	}
	if err := backend.Save(&Snapshot{Nodes: []Node{{ID: "n1", Label: "File"}}}); err != nil {
		t.Fatalf("memory backend save failed: %v", err)
	}
	snapshot, err := backend.Load()
	if err != nil {
		t.Fatalf("memory backend load failed: %v", err)
	}
	if snapshot == nil || len(snapshot.Nodes) != 1 || snapshot.Nodes[0].ID != "n1" {
		t.Fatalf("expected one node n1, got %+v", snapshot)
	}
}

func TestBuildSnapshotBackendFromDSNFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "graph.json")
	backend, err := BuildSnapshotBackendFromDSN("file://" + path)
	if err != nil {
		t.Fatalf("build file snapshot backend failed: %v", err)
	}
	snapshot, err := backend.Load()
	if err != nil || snapshot != nil {
		t.Fatalf("expected empty load before first save, got %+v err=%v", snapshot, err)
	}
	if err := backend.Save(&Snapshot{Edges: []Edge{{ID: "e1", Type: "CONTAINS"}}}); err != nil {
		t.Fatalf("file backend save failed: %v", err)
	}
	snapshot, err = backend.Load()
	if err != nil {
		t.Fatalf("file backend load failed: %v", err)
	}
	if snapshot == nil || len(snapshot.Edges) != 1 || snapshot.Edges[0].Type != "CONTAINS" {
		t.Fatalf("expected CONTAINS edge, got %+v", snapshot)
	}
}

func TestBuildSnapshotBackendFromDSNSQLite(t *testing.T) {
	path := filepath.Join(t.TempDir(), "graph.db")
	backend, err := BuildSnapshotBackendFromDSN("sqlite://" + path)
	if err != nil {
		t.Fatalf("build sqlite snapshot backend failed: %v", err)
	}
	defer CloseSnapshotBackend(backend)
	for _, id := range []string{"a", "b"} {
		if err := backend.Save(&Snapshot{Nodes: []Node{{ID: id, Label: "Folder"}}}); err != nil {
			t.Fatalf("sqlite backend save failed: %v", err)
		}
	}
	snapshot, err := backend.Load()
	if err != nil {
		t.Fatalf("sqlite backend load failed: %v", err)
	}
	if snapshot == nil || len(snapshot.Nodes) != 1 || snapshot.Nodes[0].ID != "b" {
		t.Fatalf("expected latest snapshot with node b, got %+v", snapshot)
	}
}

func TestBuildSnapshotBackendFromDSNUnsupported(t *testing.T) {
	backend, err := BuildSnapshotBackendFromDSN("postgres://localhost/relaygraph?sslmode=disable")
	if err != nil {
		t.Fatalf("expected postgres snapshot backend to be available, got %v", err)
	}
	if backend == nil {
		t.Fatalf("expected non-nil postgres snapshot backend")
	}
	if _, err := BuildSnapshotBackendFromDSN("mysql://localhost/relaygraph"); !errors.Is(err, ErrNotImplemented) {
		t.Fatalf("expected not implemented error for mysql, got %v", err)
	}
	if _, err := BuildSnapshotBackendFromDSN("carrier-pigeon://x"); err == nil {
		t.Fatalf("expected error for unknown scheme")
	}
	if backend, err := BuildSnapshotBackendFromDSN("  "); err != nil || backend != nil {
		t.Fatalf("expected nil backend for empty dsn, got %v err=%v", backend, err)
	}
}

func TestRegisterSnapshotBackendFactory(t *testing.T) {
	scheme := "snapshottestcustom"
	RegisterSnapshotBackendFactory(scheme, func(dsn string) (SnapshotBackend, error) {
		return NewInMemorySnapshotBackend(), nil
	})
	backend, err := BuildSnapshotBackendFromDSN(scheme + "://example")
	if err != nil {
		t.Fatalf("build snapshot backend via registered factory failed: %v", err)
	}
	if _, ok := backend.(*InMemorySnapshotBackend); !ok {
		t.Fatalf("expected in-memory backend from registered factory, got %T", backend)
	}
}
