// Package provenance records every logical change as a signed commit and
// keeps content-addressed snapshots of entity properties.
package provenance

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/agentworkforce/relaygraph/internal/clock"
	"github.com/agentworkforce/relaygraph/internal/graph"
)

const (
	DefaultBranch = "main"

	labelCommit  = "Commit"
	labelBranch  = "Branch"
	labelVersion = "Version"

	EdgeParentOf    = "PARENT_OF"
	EdgeHasVersion  = "HAS_VERSION"
	EdgeVersionedIn = "VERSIONED_IN"
	EdgeCommittedIn = "COMMITTED_IN"
)

var (
	ErrNotFound          = errors.New("not found")
	ErrInvalidInput      = errors.New("invalid input")
	ErrSignatureMismatch = errors.New("commit signature mismatch")
)

type Commit struct {
	ID             string         `json:"id"`
	OrgID          string         `json:"orgId"`
	Message        string         `json:"message"`
	Author         string         `json:"author"`
	AuthorType     string         `json:"authorType"`
	CreatedAt      time.Time      `json:"createdAt"`
	ParentCommitID string         `json:"parentCommitId,omitempty"`
	BranchName     string         `json:"branchName"`
	Metadata       map[string]any `json:"metadata,omitempty"`
	Signature      string         `json:"signature"`
}

type CommitInput struct {
	OrgID          string
	Message        string
	Author         string
	AuthorType     string
	ParentCommitID string
	BranchName     string
	Metadata       map[string]any
	// FromHead makes the store pick the branch head as parent. The head is
	// read and advanced under one lock, so concurrent callers in this process
	// build a linear chain.
	FromHead bool
}

type Version struct {
	ID          string         `json:"id"`
	OrgID       string         `json:"orgId"`
	EntityID    string         `json:"entityId"`
	EntityType  string         `json:"entityType"`
	ContentHash string         `json:"contentHash"`
	CommitID    string         `json:"commitId,omitempty"`
	Properties  map[string]any `json:"properties"`
	CreatedAt   time.Time      `json:"createdAt"`
}

type VersionInput struct {
	OrgID      string
	EntityID   string
	EntityType string
	Properties map[string]any
	CommitID   string
}

// canonicalCommit fixes field order for signing. Metadata is carried as the
// exact JSON text that was stored.
type canonicalCommit struct {
	ID             string          `json:"id"`
	OrgID          string          `json:"orgId"`
	Message        string          `json:"message"`
	Author         string          `json:"author"`
	AuthorType     string          `json:"authorType"`
	CreatedAt      string          `json:"createdAt"`
	ParentCommitID *string         `json:"parentCommitId"`
	BranchName     string          `json:"branchName"`
	Metadata       json.RawMessage `json:"metadata"`
}

type StoreOptions struct {
	Signer *Signer
	Clock  clock.Clock
	IDs    clock.IDGenerator
	Logger *slog.Logger
}

type Store struct {
	graph  graph.Store
	signer *Signer
	clock  clock.Clock
	ids    clock.IDGenerator
	logger *slog.Logger

	headMu sync.Mutex
}

func NewStore(g graph.Store, opts StoreOptions) *Store {
	signer := opts.Signer
	if signer == nil {
		signer = NewSigner("", nil)
	}
	c := opts.Clock
	if c == nil {
		c = clock.RealClock{}
	}
	ids := opts.IDs
	if ids == nil {
		ids = clock.UUIDGenerator{}
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Store{graph: g, signer: signer, clock: c, ids: ids, logger: logger}
}

func (s *Store) CreateCommit(ctx context.Context, in CommitInput) (Commit, error) {
	in.OrgID = strings.TrimSpace(in.OrgID)
	if in.OrgID == "" {
		return Commit{}, fmt.Errorf("%w: commit requires org", ErrInvalidInput)
	}
	branch := strings.TrimSpace(in.BranchName)
	if branch == "" {
		branch = DefaultBranch
	}
	metadataJSON, err := canonicalMetadata(in.Metadata)
	if err != nil {
		return Commit{}, fmt.Errorf("%w: metadata: %v", ErrInvalidInput, err)
	}

	s.headMu.Lock()
	defer s.headMu.Unlock()

	parentID := strings.TrimSpace(in.ParentCommitID)
	if parentID == "" && in.FromHead {
		head, ok, err := s.headLocked(ctx, in.OrgID, branch)
		if err != nil {
			return Commit{}, err
		}
		if ok {
			parentID = head.ID
		}
	}
	var parentNode graph.Node
	if parentID != "" {
		parentNode, err = s.commitNode(ctx, parentID)
		if err != nil {
			return Commit{}, fmt.Errorf("parent commit %s: %w", parentID, err)
		}
		if parentNode.String("org_id") != in.OrgID {
			return Commit{}, fmt.Errorf("%w: parent commit %s belongs to another org", ErrInvalidInput, parentID)
		}
	}

	commit := Commit{
		ID:             s.ids.New(),
		OrgID:          in.OrgID,
		Message:        in.Message,
		Author:         in.Author,
		AuthorType:     in.AuthorType,
		CreatedAt:      s.clock.Now().UTC(),
		ParentCommitID: parentID,
		BranchName:     branch,
		Metadata:       in.Metadata,
	}
	payload, err := canonicalPayload(commit, metadataJSON)
	if err != nil {
		return Commit{}, err
	}
	commit.Signature = s.signer.Sign(commit.OrgID, payload)

	node, err := s.graph.CreateNode(ctx, labelCommit, map[string]any{
		"commit_id":        commit.ID,
		"org_id":           commit.OrgID,
		"message":          commit.Message,
		"author":           commit.Author,
		"author_type":      commit.AuthorType,
		"created_at":       commit.CreatedAt.Format(time.RFC3339Nano),
		"parent_commit_id": commit.ParentCommitID,
		"branch_name":      commit.BranchName,
		"metadata":         metadataJSON,
		"signature":        commit.Signature,
	})
	if err != nil {
		return Commit{}, fmt.Errorf("persist commit: %w", err)
	}
	if parentID != "" {
		if _, err := s.graph.CreateEdge(ctx, EdgeParentOf, parentNode.ID, node.ID, nil); err != nil {
			return Commit{}, fmt.Errorf("link parent commit: %w", err)
		}
	}
	if err := s.advanceHeadLocked(ctx, commit); err != nil {
		return Commit{}, err
	}
	s.logger.Debug("commit created", "org_id", commit.OrgID, "commit_id", commit.ID, "branch", branch, "parent_commit_id", parentID)
	return commit, nil
}

// ValidateCommit re-derives the canonical payload from storage and checks
// the stored signature against it.
func (s *Store) ValidateCommit(ctx context.Context, commitID string) (bool, error) {
	node, err := s.commitNode(ctx, commitID)
	if err != nil {
		return false, err
	}
	commit, metadataJSON, err := commitFromNode(node)
	if err != nil {
		return false, nil
	}
	payload, err := canonicalPayload(commit, metadataJSON)
	if err != nil {
		return false, nil
	}
	return s.signer.Verify(commit.OrgID, payload, commit.Signature), nil
}

// VerifyCommit is ValidateCommit expressed as an error.
func (s *Store) VerifyCommit(ctx context.Context, commitID string) error {
	ok, err := s.ValidateCommit(ctx, commitID)
	if err != nil {
		return err
	}
	if !ok {
		return fmt.Errorf("%w: %s", ErrSignatureMismatch, commitID)
	}
	return nil
}

func (s *Store) GetCommit(ctx context.Context, commitID string) (Commit, error) {
	node, err := s.commitNode(ctx, commitID)
	if err != nil {
		return Commit{}, err
	}
	commit, _, err := commitFromNode(node)
	return commit, err
}

// Head returns the latest commit recorded on a branch.
func (s *Store) Head(ctx context.Context, orgID, branch string) (Commit, bool, error) {
	if strings.TrimSpace(branch) == "" {
		branch = DefaultBranch
	}
	s.headMu.Lock()
	defer s.headMu.Unlock()
	return s.headLocked(ctx, orgID, branch)
}

func (s *Store) headLocked(ctx context.Context, orgID, branch string) (Commit, bool, error) {
	nodes, err := s.graph.FindNodes(ctx, labelBranch, map[string]any{"org_id": orgID, "name": branch}, 1)
	if err != nil {
		return Commit{}, false, err
	}
	if len(nodes) == 0 || nodes[0].String("head_commit_id") == "" {
		return Commit{}, false, nil
	}
	commit, err := s.GetCommit(ctx, nodes[0].String("head_commit_id"))
	if err != nil {
		return Commit{}, false, err
	}
	return commit, true, nil
}

func (s *Store) advanceHeadLocked(ctx context.Context, commit Commit) error {
	branch, _, err := s.graph.MergeNode(ctx, labelBranch, map[string]any{"org_id": commit.OrgID, "name": commit.BranchName}, nil)
	if err != nil {
		return fmt.Errorf("merge branch: %w", err)
	}
	if _, err := s.graph.SetProps(ctx, branch.ID, map[string]any{"head_commit_id": commit.ID}); err != nil {
		return fmt.Errorf("advance branch head: %w", err)
	}
	return nil
}

// Attribute records that entityID was changed by the commit.
func (s *Store) Attribute(ctx context.Context, commitID, entityID string) error {
	node, err := s.commitNode(ctx, commitID)
	if err != nil {
		return err
	}
	if _, _, err := s.graph.MergeEdge(ctx, EdgeCommittedIn, entityID, node.ID, nil); err != nil {
		return fmt.Errorf("attribute %s to commit %s: %w", entityID, commitID, err)
	}
	return nil
}

func (s *Store) commitNode(ctx context.Context, commitID string) (graph.Node, error) {
	if strings.TrimSpace(commitID) == "" {
		return graph.Node{}, ErrInvalidInput
	}
	nodes, err := s.graph.FindNodes(ctx, labelCommit, map[string]any{"commit_id": commitID}, 1)
	if err != nil {
		return graph.Node{}, err
	}
	if len(nodes) == 0 {
		return graph.Node{}, fmt.Errorf("%w: commit %s", ErrNotFound, commitID)
	}
	return nodes[0], nil
}

// CreateVersion stores a snapshot of an entity's properties. A snapshot whose
// content hash already exists for the entity returns the existing version id
// without storing a second snapshot.
func (s *Store) CreateVersion(ctx context.Context, in VersionInput) (string, error) {
	if strings.TrimSpace(in.OrgID) == "" || strings.TrimSpace(in.EntityID) == "" {
		return "", ErrInvalidInput
	}
	hash, propsJSON, err := ContentHash(in.Properties)
	if err != nil {
		return "", fmt.Errorf("%w: properties: %v", ErrInvalidInput, err)
	}
	key := map[string]any{"org_id": in.OrgID, "entity_id": in.EntityID, "content_hash": hash}
	node, _, err := s.graph.MergeNode(ctx, labelVersion, key, map[string]any{
		"entity_type": in.EntityType,
		"commit_id":   in.CommitID,
		"properties":  propsJSON,
		"created_at":  s.clock.Now().UTC().Format(time.RFC3339Nano),
	})
	if err != nil {
		return "", fmt.Errorf("persist version: %w", err)
	}
	// Links are merged on every call so a retry after a partial failure
	// still attaches an existing version to its entity and commit.
	if _, err := s.graph.GetNode(ctx, in.EntityID); err == nil {
		if _, _, err := s.graph.MergeEdge(ctx, EdgeHasVersion, in.EntityID, node.ID, nil); err != nil {
			return "", fmt.Errorf("link version: %w", err)
		}
	} else if !errors.Is(err, graph.ErrNotFound) {
		return "", err
	}
	if commitID := node.String("commit_id"); commitID != "" {
		commitNode, err := s.commitNode(ctx, commitID)
		if err != nil {
			s.logger.Warn("version commit missing", "org_id", in.OrgID, "commit_id", commitID, "error", err)
		} else if _, _, err := s.graph.MergeEdge(ctx, EdgeVersionedIn, node.ID, commitNode.ID, nil); err != nil {
			return "", fmt.Errorf("link version commit: %w", err)
		}
	}
	return node.ID, nil
}

func (s *Store) ListVersions(ctx context.Context, orgID, entityID string) ([]Version, error) {
	nodes, err := s.graph.FindNodes(ctx, labelVersion, map[string]any{"org_id": orgID, "entity_id": entityID}, 0)
	if err != nil {
		return nil, err
	}
	out := make([]Version, 0, len(nodes))
	for _, node := range nodes {
		v := Version{
			ID:          node.ID,
			OrgID:       node.String("org_id"),
			EntityID:    node.String("entity_id"),
			EntityType:  node.String("entity_type"),
			ContentHash: node.String("content_hash"),
			CommitID:    node.String("commit_id"),
		}
		if raw := node.String("properties"); raw != "" {
			_ = json.Unmarshal([]byte(raw), &v.Properties)
		}
		v.CreatedAt, _ = time.Parse(time.RFC3339Nano, node.String("created_at"))
		out = append(out, v)
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

// ContentHash returns the sha256 of the canonical JSON encoding of props,
// along with that encoding. Map keys are sorted at every depth.
func ContentHash(props map[string]any) (string, string, error) {
	if props == nil {
		props = map[string]any{}
	}
	data, err := json.Marshal(props)
	if err != nil {
		return "", "", err
	}
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:]), string(data), nil
}

func canonicalMetadata(metadata map[string]any) (string, error) {
	if len(metadata) == 0 {
		return "{}", nil
	}
	data, err := json.Marshal(metadata)
	if err != nil {
		return "", err
	}
	return string(data), nil
}

func canonicalPayload(commit Commit, metadataJSON string) ([]byte, error) {
	var parent *string
	if commit.ParentCommitID != "" {
		p := commit.ParentCommitID
		parent = &p
	}
	if metadataJSON == "" {
		metadataJSON = "{}"
	}
	return json.Marshal(canonicalCommit{
		ID:             commit.ID,
		OrgID:          commit.OrgID,
		Message:        commit.Message,
		Author:         commit.Author,
		AuthorType:     commit.AuthorType,
		CreatedAt:      commit.CreatedAt.UTC().Format(time.RFC3339Nano),
		ParentCommitID: parent,
		BranchName:     commit.BranchName,
		Metadata:       json.RawMessage(metadataJSON),
	})
}

func commitFromNode(node graph.Node) (Commit, string, error) {
	createdAt, err := time.Parse(time.RFC3339Nano, node.String("created_at"))
	if err != nil {
		return Commit{}, "", fmt.Errorf("commit %s created_at: %w", node.String("commit_id"), err)
	}
	metadataJSON := node.String("metadata")
	commit := Commit{
		ID:             node.String("commit_id"),
		OrgID:          node.String("org_id"),
		Message:        node.String("message"),
		Author:         node.String("author"),
		AuthorType:     node.String("author_type"),
		CreatedAt:      createdAt,
		ParentCommitID: node.String("parent_commit_id"),
		BranchName:     node.String("branch_name"),
		Signature:      node.String("signature"),
	}
	if metadataJSON != "" && metadataJSON != "{}" {
		if err := json.Unmarshal([]byte(metadataJSON), &commit.Metadata); err != nil {
			return Commit{}, "", fmt.Errorf("commit %s metadata: %w", commit.ID, err)
		}
	}
	return commit, metadataJSON, nil
}
