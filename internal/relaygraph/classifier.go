package relaygraph

import (
	"context"
	"fmt"
	"hash/fnv"
	"log/slog"
	"path"
	"regexp"
	"sort"
	"strings"
	"sync"

	"github.com/bmatcuk/doublestar/v4"

	"github.com/agentworkforce/relaygraph/internal/clock"
	"github.com/agentworkforce/relaygraph/internal/graph"
)

const (
	MethodRule     = "rule"
	MethodModel    = "model"
	MethodFallback = "fallback"

	SlotUnclassified = "UNCLASSIFIED"

	ruleBaseConfidence     = 0.8
	rulePriorityPenalty    = 0.01
	ruleMinConfidence      = 0.5
	multiSlotBase          = 0.7
	multiSlotMimeBonus     = 0.2
	multiSlotHeuristicCap  = 0.15
	defaultAcceptThreshold = 0.5
)

type Classification struct {
	SlotKey    string  `json:"slotKey"`
	Confidence float64 `json:"confidence"`
	Method     string  `json:"method"`
	RuleID     string  `json:"ruleId,omitempty"`
	Reasoning  string  `json:"reasoning,omitempty"`
}

// SlotHeuristic adds a small confidence bonus in multi-slot classification
// when a file looks like it belongs to the slot.
type SlotHeuristic struct {
	NameHints  []string
	Extensions []string
	MinSize    int64
	MaxSize    int64
}

func DefaultSlotHeuristics() map[string]SlotHeuristic {
	return map[string]SlotHeuristic{
		"SCRIPT_PRIMARY": {
			NameHints:  []string{"script", "draft", "screenplay", "teleplay"},
			Extensions: []string{".fdx", ".fountain", ".pdf"},
			MinSize:    10 << 10,
			MaxSize:    20 << 20,
		},
		"BUDGET_MASTER": {
			NameHints:  []string{"budget", "topsheet", "cost report"},
			Extensions: []string{".xlsx", ".xls", ".csv"},
			MaxSize:    50 << 20,
		},
		"CALLSHEET": {
			NameHints:  []string{"call sheet", "callsheet", "call_sheet"},
			Extensions: []string{".pdf"},
			MaxSize:    10 << 20,
		},
	}
}

func (h SlotHeuristic) bonus(file *File) float64 {
	name := strings.ToLower(file.Name)
	total := 0.0
	for _, hint := range h.NameHints {
		if strings.Contains(name, hint) {
			total += 0.08
			break
		}
	}
	ext := strings.ToLower(path.Ext(name))
	for _, e := range h.Extensions {
		if ext == e {
			total += 0.04
			break
		}
	}
	if (h.MinSize > 0 || h.MaxSize > 0) && file.Size >= h.MinSize && (h.MaxSize == 0 || file.Size <= h.MaxSize) {
		total += 0.03
	}
	if total > multiSlotHeuristicCap {
		total = multiSlotHeuristicCap
	}
	return total
}

// mimeFallbackSlot returns the general slot for a MIME type, or
// UNCLASSIFIED when the type has no general bucket.
func mimeFallbackSlot(mimeType string) string {
	mimeType = strings.ToLower(strings.TrimSpace(mimeType))
	switch {
	case mimeType == "application/pdf",
		mimeType == "application/msword",
		mimeType == "application/rtf",
		strings.Contains(mimeType, "wordprocessingml"),
		mimeType == "text/plain",
		mimeType == "text/markdown",
		mimeType == "application/x-final-draft",
		mimeType == "text/x-fountain":
		return "DOCUMENT_GENERAL"
	case mimeType == "application/vnd.ms-excel",
		strings.Contains(mimeType, "spreadsheetml"),
		mimeType == "text/csv":
		return "SPREADSHEET_GENERAL"
	case strings.HasPrefix(mimeType, "image/"):
		return "IMAGE_GENERAL"
	case strings.HasPrefix(mimeType, "video/"):
		return "VIDEO_GENERAL"
	case strings.HasPrefix(mimeType, "audio/"):
		return "AUDIO_GENERAL"
	default:
		return SlotUnclassified
	}
}

type ClassifierOptions struct {
	Model           ModelClassifier
	Heuristics      map[string]SlotHeuristic
	AcceptThreshold float64
	Clock           clock.Clock
	Logger          *slog.Logger
}

type Classifier struct {
	catalog    *Catalog
	graph      graph.Store
	model      ModelClassifier
	heuristics map[string]SlotHeuristic
	threshold  float64
	clock      clock.Clock
	logger     *slog.Logger

	patternMu sync.Mutex
	patterns  map[string]patternMatcher

	// slotLocks serialize RecordSlots per file.
	slotLocks [32]sync.Mutex
}

type patternMatcher struct {
	match func(s string) bool
	err   error
}

func NewClassifier(catalog *Catalog, g graph.Store, opts ClassifierOptions) *Classifier {
	heuristics := opts.Heuristics
	if heuristics == nil {
		heuristics = DefaultSlotHeuristics()
	}
	threshold := opts.AcceptThreshold
	if threshold <= 0 {
		threshold = defaultAcceptThreshold
	}
	c := opts.Clock
	if c == nil {
		c = clock.RealClock{}
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Classifier{
		catalog:    catalog,
		graph:      g,
		model:      opts.Model,
		heuristics: heuristics,
		threshold:  threshold,
		clock:      c,
		logger:     logger,
		patterns:   map[string]patternMatcher{},
	}
}

// Classify scans the org's enabled rules in priority order and returns the
// first match. Without a match it asks the model, if one is configured,
// and otherwise falls back to a MIME-based general slot with confidence 0.
func (c *Classifier) Classify(ctx context.Context, orgID string, file *File) (Classification, error) {
	if strings.TrimSpace(orgID) == "" {
		return Classification{}, ErrMissingOrg
	}
	rules, err := c.catalog.Rules(ctx, orgID)
	if err != nil {
		return Classification{}, fmt.Errorf("load taxonomy rules: %w", err)
	}
	for _, rule := range rules {
		if !c.ruleMatches(rule, file) {
			continue
		}
		return Classification{
			SlotKey:    rule.SlotKey,
			Confidence: ruleConfidence(rule.Priority),
			Method:     MethodRule,
			RuleID:     rule.ID,
		}, nil
	}
	if c.model != nil {
		result, err := c.model.Classify(ctx, ModelRequest{
			OrgID:    orgID,
			Path:     file.Path,
			Name:     file.Name,
			MimeType: file.MimeType,
			Size:     file.Size,
		})
		if err == nil && strings.TrimSpace(result.Slot) != "" {
			return Classification{
				SlotKey:    strings.TrimSpace(result.Slot),
				Confidence: clamp(result.Confidence, 0, 1),
				Method:     MethodModel,
				Reasoning:  result.Reasoning,
			}, nil
		}
		if err != nil {
			c.logger.Warn("model classification failed", "org_id", orgID, "path", file.Path, "error", err)
		}
	}
	return Classification{
		SlotKey:    mimeFallbackSlot(file.MimeType),
		Confidence: 0,
		Method:     MethodFallback,
	}, nil
}

// ClassifyMultiSlot scores every matching rule and returns each slot whose
// best score reaches the accept threshold, highest confidence first. When no
// rule is accepted the single-slot result is returned instead.
func (c *Classifier) ClassifyMultiSlot(ctx context.Context, orgID string, file *File) ([]Classification, error) {
	if strings.TrimSpace(orgID) == "" {
		return nil, ErrMissingOrg
	}
	rules, err := c.catalog.Rules(ctx, orgID)
	if err != nil {
		return nil, fmt.Errorf("load taxonomy rules: %w", err)
	}
	best := map[string]Classification{}
	for _, rule := range rules {
		if !c.ruleMatches(rule, file) {
			continue
		}
		score := multiSlotBase
		if rule.MimeType != "" && strings.EqualFold(rule.MimeType, file.MimeType) {
			score += multiSlotMimeBonus
		}
		if h, ok := c.heuristics[rule.SlotKey]; ok {
			score += h.bonus(file)
		}
		score = clamp(score, 0, 1)
		if score < c.threshold {
			continue
		}
		if prev, ok := best[rule.SlotKey]; ok && prev.Confidence >= score {
			continue
		}
		best[rule.SlotKey] = Classification{SlotKey: rule.SlotKey, Confidence: score, Method: MethodRule, RuleID: rule.ID}
	}
	if len(best) == 0 {
		single, err := c.Classify(ctx, orgID, file)
		if err != nil {
			return nil, err
		}
		return []Classification{single}, nil
	}
	out := make([]Classification, 0, len(best))
	for _, result := range best {
		out = append(out, result)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Confidence != out[j].Confidence {
			return out[i].Confidence > out[j].Confidence
		}
		return out[i].SlotKey < out[j].SlotKey
	})
	return out, nil
}

// PerformMultiSlotClassification classifies a file and records the result
// as FILLS_SLOT facts.
func (c *Classifier) PerformMultiSlotClassification(ctx context.Context, orgID string, file *File, commitID string) ([]Classification, error) {
	results, err := c.ClassifyMultiSlot(ctx, orgID, file)
	if err != nil {
		return nil, err
	}
	if err := c.RecordSlots(ctx, orgID, file.ID, results, commitID); err != nil {
		return nil, err
	}
	return results, nil
}

// RecordSlots makes results the set of open FILLS_SLOT edges for the file.
// Open edges are closed by setting valid_to; an edge whose slot and
// confidence are unchanged stays open.
func (c *Classifier) RecordSlots(ctx context.Context, orgID, fileID string, results []Classification, commitID string) error {
	lock := c.slotLock(fileID)
	lock.Lock()
	defer lock.Unlock()

	now := graph.TimeValue(c.clock.Now())
	existing, err := c.graph.Edges(ctx, fileID, EdgeFillsSlot, graph.Outgoing)
	if err != nil {
		return err
	}
	open := map[string][]graph.Edge{}
	for _, edge := range existing {
		if graph.StringProp(edge.Props, "valid_to") == "" {
			open[edge.To] = append(open[edge.To], edge)
		}
	}
	keep := map[string]bool{}
	for _, result := range results {
		if result.SlotKey == "" || result.SlotKey == SlotUnclassified {
			continue
		}
		slot, _, err := c.graph.MergeNode(ctx, LabelSlot, map[string]any{"org_id": orgID, "key": result.SlotKey}, nil)
		if err != nil {
			return fmt.Errorf("merge slot %s: %w", result.SlotKey, err)
		}
		if edges := open[slot.ID]; len(edges) > 0 {
			edge := edges[0]
			if graph.FloatProp(edge.Props, "confidence") == result.Confidence && graph.StringProp(edge.Props, "method") == result.Method {
				keep[edge.ID] = true
				continue
			}
		}
		if _, err := c.graph.CreateEdge(ctx, EdgeFillsSlot, fileID, slot.ID, map[string]any{
			"confidence": result.Confidence,
			"method":     result.Method,
			"rule_id":    result.RuleID,
			"commit_id":  commitID,
			"valid_from": now,
			"valid_to":   "",
		}); err != nil {
			return fmt.Errorf("record slot %s: %w", result.SlotKey, err)
		}
	}
	for _, edges := range open {
		for _, edge := range edges {
			if keep[edge.ID] {
				continue
			}
			if err := c.graph.UpdateEdge(ctx, edge.ID, map[string]any{"valid_to": now}); err != nil {
				return fmt.Errorf("close slot edge: %w", err)
			}
		}
	}
	return nil
}

func (c *Classifier) slotLock(fileID string) *sync.Mutex {
	h := fnv.New32a()
	_, _ = h.Write([]byte(fileID))
	return &c.slotLocks[h.Sum32()%uint32(len(c.slotLocks))]
}

// CurrentSlots returns the slots a file fills right now, ordered by key.
func (c *Classifier) CurrentSlots(ctx context.Context, fileID string) ([]Classification, error) {
	edges, err := c.graph.Edges(ctx, fileID, EdgeFillsSlot, graph.Outgoing)
	if err != nil {
		return nil, err
	}
	var out []Classification
	for _, edge := range edges {
		if graph.StringProp(edge.Props, "valid_to") != "" {
			continue
		}
		slot, err := c.graph.GetNode(ctx, edge.To)
		if err != nil {
			return nil, err
		}
		out = append(out, Classification{
			SlotKey:    slot.String("key"),
			Confidence: graph.FloatProp(edge.Props, "confidence"),
			Method:     graph.StringProp(edge.Props, "method"),
			RuleID:     graph.StringProp(edge.Props, "rule_id"),
		})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].SlotKey < out[j].SlotKey })
	return out, nil
}

func (c *Classifier) ruleMatches(rule TaxonomyRule, file *File) bool {
	m := c.matcher(rule)
	if m.err != nil {
		c.logger.Warn("skipping malformed taxonomy rule", "org_id", rule.OrgID, "rule_id", rule.ID, "pattern", rule.Pattern, "error", m.err)
		return false
	}
	p := strings.ToLower(file.Path)
	name := strings.ToLower(file.Name)
	return m.match(p) || m.match(name)
}

func (c *Classifier) matcher(rule TaxonomyRule) patternMatcher {
	kind := rule.PatternKind
	if kind == "" {
		kind = PatternRegex
	}
	key := string(kind) + "\x00" + rule.Pattern
	c.patternMu.Lock()
	defer c.patternMu.Unlock()
	if m, ok := c.patterns[key]; ok {
		return m
	}
	var m patternMatcher
	switch kind {
	case PatternGlob:
		pattern := strings.ToLower(rule.Pattern)
		if !doublestar.ValidatePattern(pattern) {
			m.err = fmt.Errorf("%w: bad glob pattern", ErrInvalidInput)
			break
		}
		m.match = func(s string) bool {
			ok, _ := doublestar.Match(pattern, strings.TrimPrefix(s, "/"))
			return ok
		}
	case PatternRegex:
		re, err := regexp.Compile("(?i)" + rule.Pattern)
		if err != nil {
			m.err = err
			break
		}
		m.match = re.MatchString
	default:
		m.err = fmt.Errorf("%w: unknown pattern kind %q", ErrInvalidInput, kind)
	}
	c.patterns[key] = m
	return m
}

func ruleConfidence(priority int) float64 {
	return clamp(ruleBaseConfidence-rulePriorityPenalty*float64(priority), ruleMinConfidence, ruleBaseConfidence)
}

func clamp(v, lo, hi float64) float64 {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}
