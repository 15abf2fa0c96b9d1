package graph

import (
	"context"
	"errors"
	"sync"
	"testing"
)

func TestMergeNodeReturnsExistingNode(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()

	first, created, err := store.MergeNode(ctx, "File", map[string]any{"org_id": "o1", "path": "/a.pdf"}, map[string]any{"size": 10})
	if err != nil || !created {
		t.Fatalf("expected first merge to create, created=%v err=%v", created, err)
	}
	second, created, err := store.MergeNode(ctx, "File", map[string]any{"path": "/a.pdf", "org_id": "o1"}, map[string]any{"size": 99})
	if err != nil {
		t.Fatalf("second merge failed: %v", err)
	}
	if created {
		t.Fatalf("expected second merge to match existing node")
	}
	if second.ID != first.ID || second.Int64("size") != 10 {
		t.Fatalf("expected original node back, got %+v", second)
	}
}

func TestMergeNodeConcurrentCallersSeeOneNode(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()
	var wg sync.WaitGroup
	ids := make(chan string, 16)
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			node, _, err := store.MergeNode(ctx, "Cluster", map[string]any{"org_id": "o1", "file_id": "f1"}, nil)
			if err != nil {
				t.Errorf("merge failed: %v", err)
				return
			}
			ids <- node.ID
		}()
	}
	wg.Wait()
	close(ids)
	seen := map[string]bool{}
	for id := range ids {
		seen[id] = true
	}
	if len(seen) != 1 {
		t.Fatalf("expected exactly one cluster node, got %d", len(seen))
	}
}

func TestFindNodesMatchesPropsAndLimit(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()
	for i := 0; i < 5; i++ {
		if _, err := store.CreateNode(ctx, "Scene", map[string]any{"org_id": "o1", "number": i}); err != nil {
			t.Fatalf("create scene failed: %v", err)
		}
	}
	if _, err := store.CreateNode(ctx, "Scene", map[string]any{"org_id": "o2"}); err != nil {
		t.Fatalf("create scene failed: %v", err)
	}
	nodes, err := store.FindNodes(ctx, "Scene", map[string]any{"org_id": "o1"}, 3)
	if err != nil {
		t.Fatalf("find nodes failed: %v", err)
	}
	if len(nodes) != 3 {
		t.Fatalf("expected limit of 3 nodes, got %d", len(nodes))
	}
	nodes, _ = store.FindNodes(ctx, "Scene", map[string]any{"number": 4.0}, 0)
	if len(nodes) != 1 {
		t.Fatalf("expected numeric match across int and float, got %d", len(nodes))
	}
}

func TestMergeEdgeIsIdempotentAndDirectional(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()
	a, _ := store.CreateNode(ctx, "Folder", map[string]any{"path": "/a"})
	b, _ := store.CreateNode(ctx, "Folder", map[string]any{"path": "/a/b"})

	if _, created, err := store.MergeEdge(ctx, "CONTAINS", a.ID, b.ID, nil); err != nil || !created {
		t.Fatalf("expected edge creation, created=%v err=%v", created, err)
	}
	if _, created, err := store.MergeEdge(ctx, "CONTAINS", a.ID, b.ID, nil); err != nil || created {
		t.Fatalf("expected duplicate merge to be a no-op, created=%v err=%v", created, err)
	}
	out, _ := store.Edges(ctx, a.ID, "CONTAINS", Outgoing)
	in, _ := store.Edges(ctx, a.ID, "CONTAINS", Incoming)
	if len(out) != 1 || len(in) != 0 {
		t.Fatalf("expected one outgoing and no incoming edge, got out=%d in=%d", len(out), len(in))
	}
	if _, err := store.CreateEdge(ctx, "CONTAINS", a.ID, "missing", nil); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected not found for dangling edge, got %v", err)
	}
}

func TestSetPropsRemovesNilValues(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()
	node, _ := store.CreateNode(ctx, "File", map[string]any{"deleted_at": "x", "current": false})
	updated, err := store.SetProps(ctx, node.ID, map[string]any{"deleted_at": nil, "current": true})
	if err != nil {
		t.Fatalf("set props failed: %v", err)
	}
	if _, ok := updated.Props["deleted_at"]; ok || !updated.Bool("current") {
		t.Fatalf("unexpected props after update: %+v", updated.Props)
	}
	if _, err := store.SetProps(ctx, "nope", nil); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected not found, got %v", err)
	}
}

func TestMemoryStoreRestoresFromSnapshot(t *testing.T) {
	ctx := context.Background()
	backend := NewInMemorySnapshotBackend()
	store, err := NewMemoryStoreWithOptions(MemoryStoreOptions{Backend: backend})
	if err != nil {
		t.Fatalf("new store failed: %v", err)
	}
	file, _, _ := store.MergeNode(ctx, "File", map[string]any{"org_id": "o1", "path": "/x"}, map[string]any{"size": 42})
	folder, _, _ := store.MergeNode(ctx, "Folder", map[string]any{"org_id": "o1", "path": "/"}, nil)
	if _, _, err := store.MergeEdge(ctx, "CONTAINS", folder.ID, file.ID, nil); err != nil {
		t.Fatalf("merge edge failed: %v", err)
	}

	reloaded, err := NewMemoryStoreWithOptions(MemoryStoreOptions{Backend: backend})
	if err != nil {
		t.Fatalf("reload failed: %v", err)
	}
	again, created, err := reloaded.MergeNode(ctx, "File", map[string]any{"org_id": "o1", "path": "/x"}, nil)
	if err != nil || created {
		t.Fatalf("expected merge to find restored node, created=%v err=%v", created, err)
	}
	if again.ID != file.ID || again.Int64("size") != 42 {
		t.Fatalf("unexpected restored node %+v", again)
	}
	if _, created, _ := reloaded.MergeEdge(ctx, "CONTAINS", folder.ID, file.ID, nil); created {
		t.Fatalf("expected restored edge to be merged")
	}
}

func TestMergeKeyIgnoresKeyOrder(t *testing.T) {
	a := mergeKeyFor("Version", map[string]any{"org_id": "o", "entity_id": "e", "content_hash": "h"})
	b := mergeKeyFor("Version", map[string]any{"content_hash": "h", "org_id": "o", "entity_id": "e"})
	if a != b {
		t.Fatalf("expected stable merge key, got %q vs %q", a, b)
	}
	if c := mergeKeyFor("Version", map[string]any{"n": 1}); c != `"Version"|"n"="1"` {
		t.Fatalf("unexpected numeric merge key %q", c)
	}
}

func TestMergeKeySeparatesValuesContainingDelimiters(t *testing.T) {
	a := mergeKeyFor("File", map[string]any{"org_id": "o1", "path": "/a|source_id=s2"})
	b := mergeKeyFor("File", map[string]any{"org_id": "o1", "path": "/a", "source_id": "s2"})
	if a == b {
		t.Fatalf("expected distinct merge keys, both were %q", a)
	}
}

// flakyBackend fails the next save once failNext is set.
type flakyBackend struct {
	mu       sync.Mutex
	failNext bool
	saved    *Snapshot
}

func (b *flakyBackend) Load() (*Snapshot, error) { return nil, nil }

func (b *flakyBackend) Save(snapshot *Snapshot) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.failNext {
		b.failNext = false
		return errors.New("transient store outage")
	}
	b.saved = snapshot
	return nil
}

func (b *flakyBackend) failOnce() {
	b.mu.Lock()
	b.failNext = true
	b.mu.Unlock()
}

func TestFailedSaveRollsBackMutations(t *testing.T) {
	ctx := context.Background()
	backend := &flakyBackend{}
	store, err := NewMemoryStoreWithOptions(MemoryStoreOptions{Backend: backend})
	if err != nil {
		t.Fatalf("new store: %v", err)
	}
	key := map[string]any{"org_id": "o1", "file_id": "f1"}

	backend.failOnce()
	if _, _, err := store.MergeNode(ctx, "Cluster", key, nil); err == nil {
		t.Fatalf("expected merge to surface the save failure")
	}
	if nodes, _ := store.FindNodes(ctx, "Cluster", nil, 0); len(nodes) != 0 {
		t.Fatalf("expected failed merge to leave no node, got %d", len(nodes))
	}
	cluster, created, err := store.MergeNode(ctx, "Cluster", key, nil)
	if err != nil || !created {
		t.Fatalf("expected retry to create the node, created=%v err=%v", created, err)
	}
	file, err := store.CreateNode(ctx, "File", map[string]any{"org_id": "o1"})
	if err != nil {
		t.Fatalf("create file: %v", err)
	}

	backend.failOnce()
	if _, _, err := store.MergeEdge(ctx, "HAS_CLUSTER", file.ID, cluster.ID, nil); err == nil {
		t.Fatalf("expected edge merge to surface the save failure")
	}
	if edges, _ := store.Edges(ctx, file.ID, "HAS_CLUSTER", Outgoing); len(edges) != 0 {
		t.Fatalf("expected failed edge merge to leave no edge, got %d", len(edges))
	}
	if _, created, err := store.MergeEdge(ctx, "HAS_CLUSTER", file.ID, cluster.ID, nil); err != nil || !created {
		t.Fatalf("expected retry to create the edge, created=%v err=%v", created, err)
	}

	backend.failOnce()
	if _, err := store.SetProps(ctx, cluster.ID, map[string]any{"status": "staged"}); err == nil {
		t.Fatalf("expected set props to surface the save failure")
	}
	if got, _ := store.GetNode(ctx, cluster.ID); got.String("status") != "" {
		t.Fatalf("expected failed set props to be undone, got %+v", got.Props)
	}
	if len(backend.saved.Nodes) != 2 || len(backend.saved.Edges) != 1 {
		t.Fatalf("unexpected persisted snapshot: %d nodes %d edges", len(backend.saved.Nodes), len(backend.saved.Edges))
	}
}
