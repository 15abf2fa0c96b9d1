package relaygraph

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"github.com/agentworkforce/relaygraph/internal/clock"
	"github.com/agentworkforce/relaygraph/internal/graph"
)

const (
	ClusterStatusEmpty      = "empty"
	ClusterStatusExtracting = "extracting"
	ClusterStatusStaged     = "staged"
	ClusterStatusPromoted   = "promoted"
)

type Cluster struct {
	ID          string `json:"id"`
	OrgID       string `json:"orgId"`
	FileID      string `json:"fileId"`
	ProjectID   string `json:"projectId,omitempty"`
	Status      string `json:"status"`
	EntityCount int64  `json:"entityCount"`
	LinkCount   int64  `json:"linkCount"`
}

// ClusterManager owns the one ContentCluster per File. The graph node is
// written first; the relational mirror goes through the outbox.
type ClusterManager struct {
	graph  graph.Store
	outbox *MirrorOutbox
	clock  clock.Clock
	logger *slog.Logger
}

func NewClusterManager(g graph.Store, outbox *MirrorOutbox, c clock.Clock, logger *slog.Logger) *ClusterManager {
	if c == nil {
		c = clock.RealClock{}
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &ClusterManager{graph: g, outbox: outbox, clock: c, logger: logger}
}

// CreateContentCluster returns the file's cluster, creating it on first
// call. A mirror failure leaves the graph node in place and returns an
// error wrapping ErrMirrorPending; the mirror row is retried on Flush.
func (m *ClusterManager) CreateContentCluster(ctx context.Context, orgID, fileID string) (string, error) {
	orgID = strings.TrimSpace(orgID)
	if orgID == "" {
		return "", ErrMissingOrg
	}
	file, err := m.graph.GetNode(ctx, fileID)
	if err != nil {
		if isGraphNotFound(err) {
			return "", fmt.Errorf("%w: file %s", ErrNotFound, fileID)
		}
		return "", err
	}
	if file.Label != LabelFile || file.String("org_id") != orgID {
		return "", fmt.Errorf("%w: file %s does not belong to org %s", ErrInvalidInput, fileID, orgID)
	}
	now := m.clock.Now()
	projectID := file.String("project_id")
	node, created, err := m.graph.MergeNode(ctx, LabelCluster,
		map[string]any{"org_id": orgID, "file_id": fileID},
		map[string]any{
			"status":       ClusterStatusEmpty,
			"project_id":   projectID,
			"entity_count": int64(0),
			"link_count":   int64(0),
			"created_at":   graph.TimeValue(now),
		})
	if err != nil {
		return "", fmt.Errorf("merge cluster for file %s: %w", fileID, err)
	}
	if _, _, err := m.graph.MergeEdge(ctx, EdgeHasCluster, fileID, node.ID, nil); err != nil {
		return "", fmt.Errorf("link cluster %s: %w", node.ID, err)
	}
	if created {
		m.logger.Info("content cluster created", "org_id", orgID, "file_id", fileID, "cluster_id", node.ID)
	}
	if m.outbox == nil {
		return node.ID, nil
	}
	rec := ClusterRecord{
		ID:        node.ID,
		OrgID:     orgID,
		FileID:    fileID,
		ProjectID: node.String("project_id"),
		Status:    node.String("status"),
		CreatedAt: now,
		UpdatedAt: now,
	}
	if err := m.outbox.InsertCluster(ctx, rec); err != nil {
		return node.ID, err
	}
	return node.ID, nil
}

// ClusterForFile returns the file's cluster id, or "" when it has none.
func (m *ClusterManager) ClusterForFile(ctx context.Context, orgID, fileID string) (string, error) {
	nodes, err := m.graph.FindNodes(ctx, LabelCluster, map[string]any{"org_id": orgID, "file_id": fileID}, 1)
	if err != nil {
		return "", err
	}
	if len(nodes) == 0 {
		return "", nil
	}
	return nodes[0].ID, nil
}

func (m *ClusterManager) GetCluster(ctx context.Context, clusterID string) (Cluster, error) {
	node, err := m.graph.GetNode(ctx, clusterID)
	if err != nil {
		if isGraphNotFound(err) {
			return Cluster{}, fmt.Errorf("%w: cluster %s", ErrNotFound, clusterID)
		}
		return Cluster{}, err
	}
	if node.Label != LabelCluster {
		return Cluster{}, fmt.Errorf("%w: node %s is a %s", ErrInvalidInput, clusterID, node.Label)
	}
	return Cluster{
		ID:          node.ID,
		OrgID:       node.String("org_id"),
		FileID:      node.String("file_id"),
		ProjectID:   node.String("project_id"),
		Status:      node.String("status"),
		EntityCount: node.Int64("entity_count"),
		LinkCount:   node.Int64("link_count"),
	}, nil
}

func (m *ClusterManager) SetStatus(ctx context.Context, clusterID, status string) error {
	switch status {
	case ClusterStatusEmpty, ClusterStatusExtracting, ClusterStatusStaged, ClusterStatusPromoted:
	default:
		return fmt.Errorf("%w: cluster status %q", ErrInvalidInput, status)
	}
	now := m.clock.Now()
	node, err := m.graph.SetProps(ctx, clusterID, map[string]any{
		"status":     status,
		"updated_at": graph.TimeValue(now),
	})
	if err != nil {
		if isGraphNotFound(err) {
			return fmt.Errorf("%w: cluster %s", ErrNotFound, clusterID)
		}
		return err
	}
	if m.outbox == nil {
		return nil
	}
	return m.outbox.SetClusterStatus(ctx, ClusterRecord{
		ID:        node.ID,
		OrgID:     node.String("org_id"),
		FileID:    node.String("file_id"),
		ProjectID: node.String("project_id"),
		Status:    status,
		UpdatedAt: now,
	})
}

// AddLinks bumps the cluster's link counter.
func (m *ClusterManager) AddLinks(ctx context.Context, clusterID string, n int) error {
	if n == 0 {
		return nil
	}
	cluster, err := m.GetCluster(ctx, clusterID)
	if err != nil {
		return err
	}
	_, err = m.graph.SetProps(ctx, clusterID, map[string]any{
		"link_count": cluster.LinkCount + int64(n),
		"updated_at": graph.TimeValue(m.clock.Now()),
	})
	return err
}

// FlushMirror re-applies pending mirror writes.
func (m *ClusterManager) FlushMirror(ctx context.Context) (int, error) {
	if m.outbox == nil {
		return 0, nil
	}
	return m.outbox.Flush(ctx)
}

func (m *ClusterManager) PendingMirror() int {
	if m.outbox == nil {
		return 0
	}
	return m.outbox.Pending()
}
