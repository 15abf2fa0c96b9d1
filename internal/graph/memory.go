package graph

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/agentworkforce/relaygraph/internal/clock"
)

type MemoryStoreOptions struct {
	Backend SnapshotBackend
	Clock   clock.Clock
	IDs     clock.IDGenerator
}

// MemoryStore serializes every operation behind one mutex, which makes the
// merge operations atomic. When a backend is configured the full graph is
// saved after each mutation.
type MemoryStore struct {
	mu      sync.Mutex
	nodes   map[string]*Node
	edges   map[string]*Edge
	order   []string
	merged  map[string]string
	edgeKey map[string]string
	out     map[string][]string
	in      map[string][]string

	backend SnapshotBackend
	clock   clock.Clock
	ids     clock.IDGenerator
}

func NewMemoryStore() *MemoryStore {
	store, _ := NewMemoryStoreWithOptions(MemoryStoreOptions{})
	return store
}

func NewMemoryStoreWithOptions(opts MemoryStoreOptions) (*MemoryStore, error) {
	c := opts.Clock
	if c == nil {
		c = clock.RealClock{}
	}
	ids := opts.IDs
	if ids == nil {
		ids = clock.UUIDGenerator{}
	}
	s := &MemoryStore{
		nodes:   map[string]*Node{},
		edges:   map[string]*Edge{},
		merged:  map[string]string{},
		edgeKey: map[string]string{},
		out:     map[string][]string{},
		in:      map[string][]string{},
		backend: opts.Backend,
		clock:   c,
		ids:     ids,
	}
	if s.backend != nil {
		snapshot, err := s.backend.Load()
		if err != nil {
			return nil, fmt.Errorf("load graph snapshot: %w", err)
		}
		if snapshot != nil {
			s.restore(snapshot)
		}
	}
	return s, nil
}

func (s *MemoryStore) Close() error {
	return CloseSnapshotBackend(s.backend)
}

func (s *MemoryStore) MergeNode(_ context.Context, label string, key, props map[string]any) (Node, bool, error) {
	if strings.TrimSpace(label) == "" || len(key) == 0 {
		return Node{}, false, ErrInvalidInput
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	mergeKey := mergeKeyFor(label, key)
	if id, ok := s.merged[mergeKey]; ok {
		return cloneNode(s.nodes[id]), false, nil
	}
	all := copyProps(props)
	for k, v := range key {
		all[k] = v
	}
	node := s.insertNodeLocked(label, all)
	node.MergeKey = mergeKey
	s.merged[mergeKey] = node.ID
	if err := s.saveLocked(); err != nil {
		delete(s.merged, mergeKey)
		s.removeNodeLocked(node.ID)
		return Node{}, false, err
	}
	return cloneNode(node), true, nil
}

func (s *MemoryStore) CreateNode(_ context.Context, label string, props map[string]any) (Node, error) {
	if strings.TrimSpace(label) == "" {
		return Node{}, ErrInvalidInput
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	node := s.insertNodeLocked(label, copyProps(props))
	if err := s.saveLocked(); err != nil {
		s.removeNodeLocked(node.ID)
		return Node{}, err
	}
	return cloneNode(node), nil
}

func (s *MemoryStore) GetNode(_ context.Context, id string) (Node, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	node, ok := s.nodes[id]
	if !ok {
		return Node{}, ErrNotFound
	}
	return cloneNode(node), nil
}

func (s *MemoryStore) FindNodes(_ context.Context, label string, match map[string]any, limit int) ([]Node, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Node, 0)
	for _, id := range s.order {
		node := s.nodes[id]
		if node == nil || (label != "" && node.Label != label) {
			continue
		}
		if !matches(node.Props, match) {
			continue
		}
		out = append(out, cloneNode(node))
		if limit > 0 && len(out) >= limit {
			break
		}
	}
	return out, nil
}

func (s *MemoryStore) SetProps(_ context.Context, id string, props map[string]any) (Node, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	node, ok := s.nodes[id]
	if !ok {
		return Node{}, ErrNotFound
	}
	previousProps, previousUpdated := copyProps(node.Props), node.UpdatedAt
	for k, v := range props {
		if v == nil {
			delete(node.Props, k)
			continue
		}
		node.Props[k] = v
	}
	node.UpdatedAt = s.clock.Now()
	if err := s.saveLocked(); err != nil {
		node.Props, node.UpdatedAt = previousProps, previousUpdated
		return Node{}, err
	}
	return cloneNode(node), nil
}

func (s *MemoryStore) CreateEdge(_ context.Context, edgeType, from, to string, props map[string]any) (Edge, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.checkEndpointsLocked(edgeType, from, to); err != nil {
		return Edge{}, err
	}
	edge := s.insertEdgeLocked(edgeType, from, to, props)
	if err := s.saveLocked(); err != nil {
		s.removeEdgeLocked(edge.ID)
		return Edge{}, err
	}
	return cloneEdge(edge), nil
}

func (s *MemoryStore) MergeEdge(_ context.Context, edgeType, from, to string, props map[string]any) (Edge, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.checkEndpointsLocked(edgeType, from, to); err != nil {
		return Edge{}, false, err
	}
	key := edgeType + "|" + from + "|" + to
	if id, ok := s.edgeKey[key]; ok {
		return cloneEdge(s.edges[id]), false, nil
	}
	edge := s.insertEdgeLocked(edgeType, from, to, props)
	edge.MergeKey = key
	s.edgeKey[key] = edge.ID
	if err := s.saveLocked(); err != nil {
		delete(s.edgeKey, key)
		s.removeEdgeLocked(edge.ID)
		return Edge{}, false, err
	}
	return cloneEdge(edge), true, nil
}

func (s *MemoryStore) UpdateEdge(_ context.Context, id string, props map[string]any) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	edge, ok := s.edges[id]
	if !ok {
		return ErrNotFound
	}
	previous := copyProps(edge.Props)
	if edge.Props == nil {
		edge.Props = map[string]any{}
	}
	for k, v := range props {
		edge.Props[k] = v
	}
	if err := s.saveLocked(); err != nil {
		edge.Props = previous
		return err
	}
	return nil
}

func (s *MemoryStore) Edges(_ context.Context, nodeID, edgeType string, dir Direction) ([]Edge, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var ids []string
	switch dir {
	case Outgoing:
		ids = s.out[nodeID]
	case Incoming:
		ids = s.in[nodeID]
	default:
		ids = append(append([]string{}, s.out[nodeID]...), s.in[nodeID]...)
	}
	out := make([]Edge, 0, len(ids))
	for _, id := range ids {
		edge := s.edges[id]
		if edge == nil || (edgeType != "" && edge.Type != edgeType) {
			continue
		}
		out = append(out, cloneEdge(edge))
	}
	return out, nil
}

func (s *MemoryStore) checkEndpointsLocked(edgeType, from, to string) error {
	if strings.TrimSpace(edgeType) == "" || from == "" || to == "" {
		return ErrInvalidInput
	}
	if _, ok := s.nodes[from]; !ok {
		return fmt.Errorf("%w: node %s", ErrNotFound, from)
	}
	if _, ok := s.nodes[to]; !ok {
		return fmt.Errorf("%w: node %s", ErrNotFound, to)
	}
	return nil
}

func (s *MemoryStore) insertNodeLocked(label string, props map[string]any) *Node {
	now := s.clock.Now()
	node := &Node{
		ID:        s.ids.New(),
		Label:     label,
		Props:     props,
		CreatedAt: now,
		UpdatedAt: now,
	}
	s.nodes[node.ID] = node
	s.order = append(s.order, node.ID)
	return node
}

func (s *MemoryStore) insertEdgeLocked(edgeType, from, to string, props map[string]any) *Edge {
	edge := &Edge{
		ID:        s.ids.New(),
		Type:      edgeType,
		From:      from,
		To:        to,
		Props:     copyProps(props),
		CreatedAt: s.clock.Now(),
	}
	s.edges[edge.ID] = edge
	s.out[from] = append(s.out[from], edge.ID)
	s.in[to] = append(s.in[to], edge.ID)
	return edge
}

// removeNodeLocked undoes insertNodeLocked for a node that has no edges yet.
func (s *MemoryStore) removeNodeLocked(id string) {
	delete(s.nodes, id)
	for i := len(s.order) - 1; i >= 0; i-- {
		if s.order[i] == id {
			s.order = append(s.order[:i], s.order[i+1:]...)
			break
		}
	}
}

func (s *MemoryStore) removeEdgeLocked(id string) {
	edge, ok := s.edges[id]
	if !ok {
		return
	}
	delete(s.edges, id)
	s.out[edge.From] = removeID(s.out[edge.From], id)
	s.in[edge.To] = removeID(s.in[edge.To], id)
}

func removeID(ids []string, id string) []string {
	for i := len(ids) - 1; i >= 0; i-- {
		if ids[i] == id {
			return append(ids[:i], ids[i+1:]...)
		}
	}
	return ids
}

func (s *MemoryStore) saveLocked() error {
	if s.backend == nil {
		return nil
	}
	snapshot := &Snapshot{
		Nodes: make([]Node, 0, len(s.order)),
		Edges: make([]Edge, 0, len(s.edges)),
	}
	for _, id := range s.order {
		snapshot.Nodes = append(snapshot.Nodes, *s.nodes[id])
	}
	for _, node := range snapshot.Nodes {
		for _, edgeID := range s.out[node.ID] {
			snapshot.Edges = append(snapshot.Edges, *s.edges[edgeID])
		}
	}
	if err := s.backend.Save(snapshot); err != nil {
		return fmt.Errorf("save graph snapshot: %w", err)
	}
	return nil
}

func (s *MemoryStore) restore(snapshot *Snapshot) {
	for i := range snapshot.Nodes {
		node := snapshot.Nodes[i]
		if node.Props == nil {
			node.Props = map[string]any{}
		}
		s.nodes[node.ID] = &node
		s.order = append(s.order, node.ID)
		if node.MergeKey != "" {
			s.merged[node.MergeKey] = node.ID
		}
	}
	for i := range snapshot.Edges {
		edge := snapshot.Edges[i]
		s.edges[edge.ID] = &edge
		s.out[edge.From] = append(s.out[edge.From], edge.ID)
		s.in[edge.To] = append(s.in[edge.To], edge.ID)
		if edge.MergeKey != "" {
			s.edgeKey[edge.MergeKey] = edge.ID
		}
	}
}

func cloneNode(node *Node) Node {
	if node == nil {
		return Node{}
	}
	clone := *node
	clone.Props = copyProps(node.Props)
	return clone
}

func cloneEdge(edge *Edge) Edge {
	if edge == nil {
		return Edge{}
	}
	clone := *edge
	clone.Props = copyProps(edge.Props)
	return clone
}

var _ Store = (*MemoryStore)(nil)

// TimeValue renders times the way they are stored in properties.
func TimeValue(t time.Time) string {
	if t.IsZero() {
		return ""
	}
	return t.UTC().Format(time.RFC3339Nano)
}
