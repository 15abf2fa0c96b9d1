package relaygraph

import (
	"context"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"
)

type PatternKind string

const (
	PatternRegex PatternKind = "regex"
	PatternGlob  PatternKind = "glob"
)

// TaxonomyRule maps a path/name pattern to a slot. Lower priority wins.
type TaxonomyRule struct {
	ID          string      `json:"id" yaml:"id"`
	OrgID       string      `json:"orgId" yaml:"org_id"`
	Pattern     string      `json:"pattern" yaml:"pattern"`
	PatternKind PatternKind `json:"patternKind,omitempty" yaml:"kind,omitempty"`
	SlotKey     string      `json:"slotKey" yaml:"slot"`
	Priority    int         `json:"priority" yaml:"priority"`
	MimeType    string      `json:"mimeType,omitempty" yaml:"mime_type,omitempty"`
	Enabled     bool        `json:"enabled" yaml:"-"`
}

// ParserEntry registers a parser for a slot and MIME type. MimeType "*"
// matches any file type.
type ParserEntry struct {
	ID            string  `json:"id" yaml:"id"`
	OrgID         string  `json:"orgId" yaml:"org_id"`
	Slot          string  `json:"slot" yaml:"slot"`
	MimeType      string  `json:"mimeType" yaml:"mime_type"`
	ParserName    string  `json:"parserName" yaml:"parser"`
	ParserVersion string  `json:"parserVersion" yaml:"version"`
	MinConfidence float64 `json:"minConfidence" yaml:"min_confidence"`
	Enabled       bool    `json:"enabled" yaml:"-"`
}

const WildcardMimeType = "*"

type JobStatus string

const (
	JobQueued     JobStatus = "queued"
	JobProcessing JobStatus = "processing"
	JobCompleted  JobStatus = "completed"
	JobFailed     JobStatus = "failed"
)

type ExtractionJob struct {
	ID            string    `json:"id"`
	DedupeKey     string    `json:"dedupeKey"`
	OrgID         string    `json:"orgId"`
	FileID        string    `json:"fileId"`
	Slot          string    `json:"slot"`
	ParserName    string    `json:"parserName"`
	ParserVersion string    `json:"parserVersion"`
	Checksum      string    `json:"checksum,omitempty"`
	Status        JobStatus `json:"status"`
	Error         string    `json:"error,omitempty"`
	CreatedAt     time.Time `json:"createdAt"`
	UpdatedAt     time.Time `json:"updatedAt"`
}

// ClusterRecord mirrors a ContentCluster node in the relational store.
type ClusterRecord struct {
	ID          string    `json:"id"`
	OrgID       string    `json:"orgId"`
	FileID      string    `json:"fileId"`
	ProjectID   string    `json:"projectId,omitempty"`
	Status      string    `json:"status"`
	EntityCount int       `json:"entityCount"`
	LinkCount   int       `json:"linkCount"`
	CreatedAt   time.Time `json:"createdAt"`
	UpdatedAt   time.Time `json:"updatedAt"`
}

// RecordStore is the relational side of the pipeline: the rule and parser
// catalogs, extraction jobs and the cluster mirror.
type RecordStore interface {
	ListTaxonomyRules(ctx context.Context, orgID string) ([]TaxonomyRule, error)
	ListParserEntries(ctx context.Context, orgID, slot, mimeType string) ([]ParserEntry, error)
	PutTaxonomyRule(ctx context.Context, rule TaxonomyRule) error
	PutParserEntry(ctx context.Context, entry ParserEntry) error
	// UpsertExtractionJob inserts job unless its dedupe key already exists,
	// in which case the stored row is returned with created=false.
	UpsertExtractionJob(ctx context.Context, job ExtractionJob) (ExtractionJob, bool, error)
	UpdateExtractionJobStatus(ctx context.Context, jobID string, status JobStatus, errMsg string) error
	GetExtractionJob(ctx context.Context, jobID string) (ExtractionJob, error)
	InsertClusterRecord(ctx context.Context, rec ClusterRecord) error
	UpdateClusterRecordStatus(ctx context.Context, clusterID, status string) error
	GetClusterRecord(ctx context.Context, clusterID string) (ClusterRecord, error)
	Close() error
}

type MemoryRecordStore struct {
	mu       sync.Mutex
	rules    map[string]TaxonomyRule
	parsers  map[string]ParserEntry
	jobs     map[string]ExtractionJob
	jobByKey map[string]string
	clusters map[string]ClusterRecord
	now      func() time.Time
}

func NewMemoryRecordStore() *MemoryRecordStore {
	return &MemoryRecordStore{
		rules:    map[string]TaxonomyRule{},
		parsers:  map[string]ParserEntry{},
		jobs:     map[string]ExtractionJob{},
		jobByKey: map[string]string{},
		clusters: map[string]ClusterRecord{},
		now:      func() time.Time { return time.Now().UTC() },
	}
}

func (s *MemoryRecordStore) ListTaxonomyRules(_ context.Context, orgID string) ([]TaxonomyRule, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]TaxonomyRule, 0)
	for _, rule := range s.rules {
		if rule.OrgID == orgID && rule.Enabled {
			out = append(out, rule)
		}
	}
	SortRules(out)
	return out, nil
}

func (s *MemoryRecordStore) ListParserEntries(_ context.Context, orgID, slot, mimeType string) ([]ParserEntry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]ParserEntry, 0)
	for _, entry := range s.parsers {
		if entry.OrgID != orgID || !entry.Enabled || entry.Slot != slot {
			continue
		}
		if entry.MimeType != WildcardMimeType && !strings.EqualFold(entry.MimeType, mimeType) {
			continue
		}
		out = append(out, entry)
	}
	SortParsers(out)
	return out, nil
}

func (s *MemoryRecordStore) PutTaxonomyRule(_ context.Context, rule TaxonomyRule) error {
	if strings.TrimSpace(rule.ID) == "" || strings.TrimSpace(rule.OrgID) == "" {
		return ErrInvalidInput
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.rules[rule.ID] = rule
	return nil
}

func (s *MemoryRecordStore) PutParserEntry(_ context.Context, entry ParserEntry) error {
	if strings.TrimSpace(entry.ID) == "" || strings.TrimSpace(entry.OrgID) == "" {
		return ErrInvalidInput
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.parsers[entry.ID] = entry
	return nil
}

func (s *MemoryRecordStore) UpsertExtractionJob(_ context.Context, job ExtractionJob) (ExtractionJob, bool, error) {
	if strings.TrimSpace(job.ID) == "" || strings.TrimSpace(job.DedupeKey) == "" {
		return ExtractionJob{}, false, ErrInvalidInput
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if id, ok := s.jobByKey[job.DedupeKey]; ok {
		return s.jobs[id], false, nil
	}
	now := s.now()
	if job.Status == "" {
		job.Status = JobQueued
	}
	job.CreatedAt = now
	job.UpdatedAt = now
	s.jobs[job.ID] = job
	s.jobByKey[job.DedupeKey] = job.ID
	return job, true, nil
}

func (s *MemoryRecordStore) UpdateExtractionJobStatus(_ context.Context, jobID string, status JobStatus, errMsg string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	job, ok := s.jobs[jobID]
	if !ok {
		return fmt.Errorf("%w: extraction job %s", ErrNotFound, jobID)
	}
	job.Status = status
	job.Error = errMsg
	job.UpdatedAt = s.now()
	s.jobs[jobID] = job
	return nil
}

func (s *MemoryRecordStore) GetExtractionJob(_ context.Context, jobID string) (ExtractionJob, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	job, ok := s.jobs[jobID]
	if !ok {
		return ExtractionJob{}, fmt.Errorf("%w: extraction job %s", ErrNotFound, jobID)
	}
	return job, nil
}

func (s *MemoryRecordStore) InsertClusterRecord(_ context.Context, rec ClusterRecord) error {
	if strings.TrimSpace(rec.ID) == "" {
		return ErrInvalidInput
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.clusters[rec.ID]; ok {
		return nil
	}
	now := s.now()
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = now
	}
	rec.UpdatedAt = now
	s.clusters[rec.ID] = rec
	return nil
}

func (s *MemoryRecordStore) UpdateClusterRecordStatus(_ context.Context, clusterID, status string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.clusters[clusterID]
	if !ok {
		return fmt.Errorf("%w: cluster %s", ErrNotFound, clusterID)
	}
	rec.Status = status
	rec.UpdatedAt = s.now()
	s.clusters[clusterID] = rec
	return nil
}

func (s *MemoryRecordStore) GetClusterRecord(_ context.Context, clusterID string) (ClusterRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.clusters[clusterID]
	if !ok {
		return ClusterRecord{}, fmt.Errorf("%w: cluster %s", ErrNotFound, clusterID)
	}
	return rec, nil
}

func (s *MemoryRecordStore) Close() error { return nil }

// SortRules orders rules by ascending priority, then id.
func SortRules(rules []TaxonomyRule) {
	sort.SliceStable(rules, func(i, j int) bool {
		if rules[i].Priority != rules[j].Priority {
			return rules[i].Priority < rules[j].Priority
		}
		return rules[i].ID < rules[j].ID
	})
}

// SortParsers orders entries newest version first.
func SortParsers(entries []ParserEntry) {
	sort.SliceStable(entries, func(i, j int) bool {
		if c := CompareVersions(entries[i].ParserVersion, entries[j].ParserVersion); c != 0 {
			return c > 0
		}
		if entries[i].ParserName != entries[j].ParserName {
			return entries[i].ParserName < entries[j].ParserName
		}
		return entries[i].ID < entries[j].ID
	})
}

// CompareVersions compares dotted versions segment by segment, numerically
// where both segments are numbers. A leading "v" is ignored.
func CompareVersions(a, b string) int {
	as := strings.Split(strings.TrimPrefix(strings.TrimSpace(a), "v"), ".")
	bs := strings.Split(strings.TrimPrefix(strings.TrimSpace(b), "v"), ".")
	for i := 0; i < len(as) || i < len(bs); i++ {
		var x, y string
		if i < len(as) {
			x = as[i]
		}
		if i < len(bs) {
			y = bs[i]
		}
		xn, xerr := strconv.Atoi(x)
		yn, yerr := strconv.Atoi(y)
		switch {
		case x == y:
			continue
		case x == "":
			xn, xerr = 0, nil
		case y == "":
			yn, yerr = 0, nil
		}
		if xerr == nil && yerr == nil {
			if xn != yn {
				if xn < yn {
					return -1
				}
				return 1
			}
			continue
		}
		if x < y {
			return -1
		}
		return 1
	}
	return 0
}

var _ RecordStore = (*MemoryRecordStore)(nil)
