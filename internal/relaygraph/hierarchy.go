package relaygraph

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"path"
	"strings"
	"time"

	"github.com/agentworkforce/relaygraph/internal/clock"
	"github.com/agentworkforce/relaygraph/internal/graph"
)

type FileIdentity struct {
	OrgID    string `json:"orgId"`
	SourceID string `json:"sourceId"`
	Path     string `json:"path"`
}

func (id FileIdentity) key() map[string]any {
	return map[string]any{"org_id": id.OrgID, "source_id": id.SourceID, "path": id.Path}
}

type File struct {
	ID string `json:"id"`
	FileIdentity
	Name       string         `json:"name"`
	Size       int64          `json:"size"`
	MimeType   string         `json:"mimeType"`
	Checksum   string         `json:"checksum,omitempty"`
	Modified   time.Time      `json:"modified"`
	ProjectID  string         `json:"projectId,omitempty"`
	Provider   string         `json:"provider,omitempty"`
	ExternalID string         `json:"externalId,omitempty"`
	Metadata   map[string]any `json:"metadata,omitempty"`
	Current    bool           `json:"current"`
	Deleted    bool           `json:"deleted"`
	DeletedAt  time.Time      `json:"deletedAt,omitempty"`
	Props      map[string]any `json:"-"`
}

// FileMetadata reconstructs the normalized metadata stored on the node.
func (f *File) FileMetadata() FileMetadata {
	return FileMetadata{
		Name:       f.Name,
		Size:       f.Size,
		MimeType:   f.MimeType,
		Checksum:   f.Checksum,
		Modified:   f.Modified,
		ExternalID: f.ExternalID,
		Provider:   f.Provider,
		ProjectID:  f.ProjectID,
		Extra:      f.Metadata,
	}
}

// Hierarchy owns File and Folder nodes. Both are keyed by (org, source,
// path), so every write is an idempotent merge.
type Hierarchy struct {
	graph  graph.Store
	clock  clock.Clock
	logger *slog.Logger
}

func NewHierarchy(g graph.Store, c clock.Clock, logger *slog.Logger) *Hierarchy {
	if c == nil {
		c = clock.RealClock{}
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Hierarchy{graph: g, clock: c, logger: logger}
}

func (h *Hierarchy) UpsertFile(ctx context.Context, id FileIdentity, meta FileMetadata) (string, error) {
	id, err := validIdentity(id)
	if err != nil {
		return "", err
	}
	props, err := fileProps(meta)
	if err != nil {
		return "", err
	}
	node, created, err := h.graph.MergeNode(ctx, LabelFile, id.key(), props)
	if err != nil {
		return "", fmt.Errorf("merge file %s: %w", id.Path, err)
	}
	if !created {
		if _, err := h.graph.SetProps(ctx, node.ID, props); err != nil {
			return "", fmt.Errorf("update file %s: %w", id.Path, err)
		}
	}
	return node.ID, nil
}

// GetFile returns nil, nil when no file is known under the identity.
func (h *Hierarchy) GetFile(ctx context.Context, id FileIdentity) (*File, error) {
	id, err := validIdentity(id)
	if err != nil {
		return nil, err
	}
	nodes, err := h.graph.FindNodes(ctx, LabelFile, id.key(), 1)
	if err != nil {
		return nil, err
	}
	if len(nodes) == 0 {
		return nil, nil
	}
	return fileFromNode(nodes[0]), nil
}

func (h *Hierarchy) GetFileByID(ctx context.Context, fileID string) (*File, error) {
	node, err := h.graph.GetNode(ctx, fileID)
	if err != nil {
		if isGraphNotFound(err) {
			return nil, fmt.Errorf("%w: file %s", ErrNotFound, fileID)
		}
		return nil, err
	}
	if node.Label != LabelFile {
		return nil, fmt.Errorf("%w: node %s is a %s", ErrInvalidInput, fileID, node.Label)
	}
	return fileFromNode(node), nil
}

func (h *Hierarchy) UpdateFile(ctx context.Context, fileID string, meta FileMetadata) error {
	props, err := fileProps(meta)
	if err != nil {
		return err
	}
	if _, err := h.graph.SetProps(ctx, fileID, props); err != nil {
		if isGraphNotFound(err) {
			return fmt.Errorf("%w: file %s", ErrNotFound, fileID)
		}
		return err
	}
	return nil
}

// SoftDeleteFile flags the node as deleted and records when. The node is
// never removed.
func (h *Hierarchy) SoftDeleteFile(ctx context.Context, fileID string) error {
	_, err := h.graph.SetProps(ctx, fileID, map[string]any{
		"deleted":    true,
		"current":    false,
		"deleted_at": graph.TimeValue(h.clock.Now()),
	})
	if isGraphNotFound(err) {
		return fmt.Errorf("%w: file %s", ErrNotFound, fileID)
	}
	return err
}

func (h *Hierarchy) UpsertFolder(ctx context.Context, id FileIdentity, name string) (string, error) {
	id, err := validIdentity(id)
	if err != nil {
		return "", err
	}
	if name == "" {
		name = path.Base(id.Path)
	}
	node, _, err := h.graph.MergeNode(ctx, LabelFolder, id.key(), map[string]any{"name": name})
	if err != nil {
		return "", fmt.Errorf("merge folder %s: %w", id.Path, err)
	}
	return node.ID, nil
}

// EnsureFolderHierarchy upserts every ancestor folder of p top-down, linking
// each to its parent with CONTAINS. When includeSelf is set p itself is
// treated as a folder. It returns the id of the deepest folder, or "" when p
// sits at the root.
func (h *Hierarchy) EnsureFolderHierarchy(ctx context.Context, orgID, sourceID, p string, includeSelf bool) (string, error) {
	p = NormalizePath(p)
	segments := strings.Split(strings.Trim(p, "/"), "/")
	if !includeSelf {
		segments = segments[:len(segments)-1]
	}
	parentID := ""
	current := ""
	for _, segment := range segments {
		if segment == "" {
			continue
		}
		current += "/" + segment
		folderID, err := h.UpsertFolder(ctx, FileIdentity{OrgID: orgID, SourceID: sourceID, Path: current}, segment)
		if err != nil {
			return "", err
		}
		if parentID != "" {
			if _, _, err := h.graph.MergeEdge(ctx, EdgeContains, parentID, folderID, nil); err != nil {
				return "", fmt.Errorf("link folder %s: %w", current, err)
			}
		}
		parentID = folderID
	}
	return parentID, nil
}

// PlaceFile builds the folder chain above a file and links the file into it.
func (h *Hierarchy) PlaceFile(ctx context.Context, id FileIdentity, fileID string) error {
	folderID, err := h.EnsureFolderHierarchy(ctx, id.OrgID, id.SourceID, id.Path, false)
	if err != nil {
		return err
	}
	if folderID == "" {
		return nil
	}
	if _, _, err := h.graph.MergeEdge(ctx, EdgeContains, folderID, fileID, nil); err != nil {
		return fmt.Errorf("link file %s: %w", id.Path, err)
	}
	return nil
}

func validIdentity(id FileIdentity) (FileIdentity, error) {
	id.OrgID = strings.TrimSpace(id.OrgID)
	if id.OrgID == "" {
		return id, ErrMissingOrg
	}
	id.SourceID = strings.TrimSpace(id.SourceID)
	id.Path = NormalizePath(id.Path)
	return id, nil
}

func fileProps(meta FileMetadata) (map[string]any, error) {
	extra := ""
	if len(meta.Extra) > 0 {
		data, err := json.Marshal(meta.Extra)
		if err != nil {
			return nil, fmt.Errorf("%w: metadata: %v", ErrInvalidInput, err)
		}
		extra = string(data)
	}
	return map[string]any{
		"name":        meta.Name,
		"size":        meta.Size,
		"mime_type":   meta.MimeType,
		"checksum":    meta.Checksum,
		"modified":    graph.TimeValue(meta.Modified),
		"project_id":  meta.ProjectID,
		"provider":    meta.Provider,
		"external_id": meta.ExternalID,
		"metadata":    extra,
		"current":     true,
		"deleted":     false,
		"deleted_at":  nil,
	}, nil
}

func fileFromNode(node graph.Node) *File {
	f := &File{
		ID: node.ID,
		FileIdentity: FileIdentity{
			OrgID:    node.String("org_id"),
			SourceID: node.String("source_id"),
			Path:     node.String("path"),
		},
		Name:       node.String("name"),
		Size:       node.Int64("size"),
		MimeType:   node.String("mime_type"),
		Checksum:   node.String("checksum"),
		ProjectID:  node.String("project_id"),
		Provider:   node.String("provider"),
		ExternalID: node.String("external_id"),
		Current:    node.Bool("current"),
		Deleted:    node.Bool("deleted"),
		Props:      node.Props,
	}
	f.Modified, _ = time.Parse(time.RFC3339Nano, node.String("modified"))
	f.DeletedAt, _ = time.Parse(time.RFC3339Nano, node.String("deleted_at"))
	if raw := node.String("metadata"); raw != "" {
		_ = json.Unmarshal([]byte(raw), &f.Metadata)
	}
	return f
}

func isGraphNotFound(err error) bool {
	return err != nil && errors.Is(err, graph.ErrNotFound)
}
