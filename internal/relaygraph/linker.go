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
	LinkMethodAutomatic = "automatic"
	LinkMethodManual    = "manual"
	LinkMethodInferred  = "inferred"

	defaultLinkLimit = 100
)

// LinkPolicy links files filling Slot to the project's TargetLabel nodes
// with an EdgeType edge.
type LinkPolicy struct {
	Slot        string
	TargetLabel string
	EdgeType    string
}

func DefaultLinkPolicies() []LinkPolicy {
	return []LinkPolicy{
		{Slot: "SCRIPT_PRIMARY", TargetLabel: "Scene", EdgeType: "SCRIPT_FOR"},
		{Slot: "BUDGET_MASTER", TargetLabel: "PurchaseOrder", EdgeType: "BUDGET_FOR"},
	}
}

type LinkerOptions struct {
	Policies []LinkPolicy
	Limit    int
	Actor    string
	Clock    clock.Clock
	Logger   *slog.Logger
}

type Linker struct {
	graph    graph.Store
	policies map[string]LinkPolicy
	limit    int
	actor    string
	clock    clock.Clock
	logger   *slog.Logger
}

func NewLinker(g graph.Store, opts LinkerOptions) *Linker {
	policies := opts.Policies
	if policies == nil {
		policies = DefaultLinkPolicies()
	}
	bySlot := make(map[string]LinkPolicy, len(policies))
	for _, p := range policies {
		bySlot[p.Slot] = p
	}
	limit := opts.Limit
	if limit <= 0 {
		limit = defaultLinkLimit
	}
	actor := strings.TrimSpace(opts.Actor)
	if actor == "" {
		actor = "relaygraph-agent"
	}
	c := opts.Clock
	if c == nil {
		c = clock.RealClock{}
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Linker{graph: g, policies: bySlot, limit: limit, actor: actor, clock: c, logger: logger}
}

// CreateInitialCrossLayerLinks links the file to the domain entities of its
// project for every slot with a link policy, and returns how many new
// edges were created. Edges are merged on (type, file, entity), so a
// repeated pass adds nothing.
func (l *Linker) CreateInitialCrossLayerLinks(ctx context.Context, orgID, fileID string, slots []Classification) (int, error) {
	if strings.TrimSpace(orgID) == "" {
		return 0, ErrMissingOrg
	}
	file, err := l.graph.GetNode(ctx, fileID)
	if err != nil {
		if isGraphNotFound(err) {
			return 0, fmt.Errorf("%w: file %s", ErrNotFound, fileID)
		}
		return 0, err
	}
	projectID := file.String("project_id")
	if projectID == "" {
		l.logger.Debug("file has no project, skipping cross-layer links", "org_id", orgID, "file_id", fileID)
		return 0, nil
	}
	now := graph.TimeValue(l.clock.Now())
	created := 0
	for _, slot := range slots {
		policy, ok := l.policies[slot.SlotKey]
		if !ok {
			continue
		}
		targets, err := l.graph.FindNodes(ctx, policy.TargetLabel, map[string]any{"org_id": orgID, "project_id": projectID}, l.limit)
		if err != nil {
			return created, fmt.Errorf("find %s for project %s: %w", policy.TargetLabel, projectID, err)
		}
		for _, target := range targets {
			_, isNew, err := l.graph.MergeEdge(ctx, policy.EdgeType, fileID, target.ID, map[string]any{
				"method":     LinkMethodAutomatic,
				"confidence": slot.Confidence,
				"slot":       slot.SlotKey,
				"created_by": l.actor,
				"created_at": now,
			})
			if err != nil {
				return created, fmt.Errorf("link %s to %s: %w", fileID, target.ID, err)
			}
			if isNew {
				created++
			}
		}
		if len(targets) == l.limit {
			l.logger.Warn("cross-layer link lookup hit limit", "org_id", orgID, "file_id", fileID, "label", policy.TargetLabel, "limit", l.limit)
		}
	}
	return created, nil
}
