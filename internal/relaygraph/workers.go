package relaygraph

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"

	"github.com/agentworkforce/relaygraph/internal/clock"
	"github.com/agentworkforce/relaygraph/internal/graph"
	"github.com/agentworkforce/relaygraph/internal/jobs"
)

const (
	JobNameClassify           = "classify"
	JobNameScheduleExtraction = "schedule-extraction"
)

// Extractor turns a file into text and structured metadata. Parsing itself
// lives outside this service.
type Extractor interface {
	Extract(ctx context.Context, req ExtractRequest) (ExtractResult, error)
}

type ExtractRequest struct {
	OrgID         string `json:"orgId"`
	FileID        string `json:"fileId"`
	Path          string `json:"path"`
	MimeType      string `json:"mimeType"`
	Parser        string `json:"parser"`
	ParserVersion string `json:"parserVersion"`
}

type ExtractResult struct {
	Text     string         `json:"text"`
	Metadata map[string]any `json:"metadata,omitempty"`
}

// MetadataExtractor is the built-in Extractor. It extracts no text and
// reports the request as metadata.
type MetadataExtractor struct{}

func (MetadataExtractor) Extract(_ context.Context, req ExtractRequest) (ExtractResult, error) {
	return ExtractResult{Metadata: map[string]any{
		"path":      req.Path,
		"mime_type": req.MimeType,
		"parser":    req.Parser,
	}}, nil
}

type WorkerOptions struct {
	Hierarchy  *Hierarchy
	Classifier *Classifier
	Clusters   *ClusterManager
	Scheduler  *ExtractionScheduler
	Records    RecordStore
	Extractor  Extractor
	Publisher  Publisher
	Graph      graph.Store
	Clock      clock.Clock
	Logger     *slog.Logger
}

// Workers holds the classic-mode handlers for the classification and
// extraction queues.
type Workers struct {
	hierarchy  *Hierarchy
	classifier *Classifier
	clusters   *ClusterManager
	scheduler  *ExtractionScheduler
	records    RecordStore
	extractor  Extractor
	publisher  Publisher
	graph      graph.Store
	clock      clock.Clock
	logger     *slog.Logger
}

func NewWorkers(opts WorkerOptions) *Workers {
	extractor := opts.Extractor
	if extractor == nil {
		extractor = MetadataExtractor{}
	}
	c := opts.Clock
	if c == nil {
		c = clock.RealClock{}
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Workers{
		hierarchy:  opts.Hierarchy,
		classifier: opts.Classifier,
		clusters:   opts.Clusters,
		scheduler:  opts.Scheduler,
		records:    opts.Records,
		extractor:  extractor,
		publisher:  opts.Publisher,
		graph:      opts.Graph,
		clock:      c,
		logger:     logger,
	}
}

func decodeWorkItem(job Job) (WorkItem, error) {
	var item WorkItem
	if err := json.Unmarshal(job.Payload, &item); err != nil {
		return WorkItem{}, jobs.Permanent(fmt.Errorf("%w: %s payload: %v", ErrInvalidInput, job.Name, err))
	}
	if item.OrgID == "" {
		return WorkItem{}, jobs.Permanent(ErrMissingOrg)
	}
	return item, nil
}

// permanentIfMissing stops retries for references that will never resolve.
func permanentIfMissing(err error) error {
	if errors.Is(err, ErrNotFound) || errors.Is(err, ErrInvalidInput) {
		return jobs.Permanent(err)
	}
	return err
}

// Classify runs single-slot classification and records the slot as the
// file's current FILLS_SLOT fact.
func (w *Workers) Classify(ctx context.Context, job Job) error {
	item, err := decodeWorkItem(job)
	if err != nil {
		return err
	}
	file, err := w.hierarchy.GetFileByID(ctx, item.FileID)
	if err != nil {
		return permanentIfMissing(err)
	}
	if file.Deleted {
		w.logger.Info("skipping classification of deleted file", "org_id", item.OrgID, "file_id", item.FileID)
		return nil
	}
	result, err := w.classifier.Classify(ctx, item.OrgID, file)
	if err != nil {
		return err
	}
	if err := w.classifier.RecordSlots(ctx, item.OrgID, file.ID, []Classification{result}, item.CommitID); err != nil {
		return err
	}
	w.logger.Info("file classified", "org_id", item.OrgID, "file_id", file.ID, "path", file.Path,
		"slot", result.SlotKey, "confidence", result.Confidence, "method", result.Method)
	if w.publisher == nil {
		return nil
	}
	return w.publisher.Publish(ctx, DomainEvent{
		Type:      DomainEventFileProcessed,
		OrgID:     item.OrgID,
		FileID:    file.ID,
		CommitID:  item.CommitID,
		Slots:     []string{result.SlotKey},
		Timestamp: graph.TimeValue(w.clock.Now()),
	})
}

// Extract handles both extraction job kinds: a schedule request fans out
// into one job per matching parser, and a parser job runs the Extractor.
func (w *Workers) Extract(ctx context.Context, job Job) error {
	item, err := decodeWorkItem(job)
	if err != nil {
		return err
	}
	if job.Name == JobNameScheduleExtraction || item.JobID == "" {
		return w.scheduleExtraction(ctx, item)
	}
	return w.runExtraction(ctx, item)
}

func (w *Workers) scheduleExtraction(ctx context.Context, item WorkItem) error {
	file, err := w.hierarchy.GetFileByID(ctx, item.FileID)
	if err != nil {
		return permanentIfMissing(err)
	}
	if file.Deleted {
		return nil
	}
	slots, err := w.classifier.CurrentSlots(ctx, file.ID)
	if err != nil {
		return err
	}
	if len(slots) == 0 {
		result, err := w.classifier.Classify(ctx, item.OrgID, file)
		if err != nil {
			return err
		}
		slots = []Classification{result}
	}
	item.Metadata = file.FileMetadata()
	queued, err := w.scheduler.QueueExtractionJobs(ctx, item, slots)
	if err != nil {
		return err
	}
	w.logger.Debug("extraction scheduled", "org_id", item.OrgID, "file_id", file.ID, "jobs", queued)
	return nil
}

func (w *Workers) runExtraction(ctx context.Context, item WorkItem) error {
	stored, err := w.records.GetExtractionJob(ctx, item.JobID)
	if err != nil {
		return permanentIfMissing(err)
	}
	if stored.Status == JobCompleted {
		return nil
	}
	if err := w.records.UpdateExtractionJobStatus(ctx, stored.ID, JobProcessing, ""); err != nil {
		return err
	}
	result, err := w.extractor.Extract(ctx, ExtractRequest{
		OrgID:         item.OrgID,
		FileID:        item.FileID,
		Path:          item.FilePath,
		MimeType:      item.Metadata.MimeType,
		Parser:        item.Parser,
		ParserVersion: item.ParserVersion,
	})
	if err != nil {
		if updateErr := w.records.UpdateExtractionJobStatus(ctx, stored.ID, JobFailed, err.Error()); updateErr != nil {
			w.logger.Warn("failed to record extraction failure", "job_id", stored.ID, "error", updateErr)
		}
		return fmt.Errorf("extract %s with %s: %w", item.FilePath, item.Parser, err)
	}
	if err := w.storeExtraction(ctx, item, result); err != nil {
		return err
	}
	if err := w.records.UpdateExtractionJobStatus(ctx, stored.ID, JobCompleted, ""); err != nil {
		return err
	}
	if w.clusters == nil {
		return nil
	}
	clusterID, err := w.clusters.ClusterForFile(ctx, item.OrgID, item.FileID)
	if err != nil || clusterID == "" {
		return err
	}
	return w.clusters.SetStatus(ctx, clusterID, ClusterStatusStaged)
}

func (w *Workers) storeExtraction(ctx context.Context, item WorkItem, result ExtractResult) error {
	metadata := ""
	if len(result.Metadata) > 0 {
		data, err := json.Marshal(result.Metadata)
		if err != nil {
			return jobs.Permanent(fmt.Errorf("%w: extraction metadata: %v", ErrInvalidInput, err))
		}
		metadata = string(data)
	}
	node, created, err := w.graph.MergeNode(ctx, LabelExtraction,
		map[string]any{"org_id": item.OrgID, "dedupe_key": item.DedupeKey},
		map[string]any{
			"file_id":        item.FileID,
			"slot":           item.Slot,
			"parser":         item.Parser,
			"parser_version": item.ParserVersion,
			"text":           result.Text,
			"metadata":       metadata,
			"extracted_at":   graph.TimeValue(w.clock.Now()),
		})
	if err != nil {
		return fmt.Errorf("store extraction: %w", err)
	}
	if !created {
		return nil
	}
	_, _, err = w.graph.MergeEdge(ctx, EdgeHasExtraction, item.FileID, node.ID, nil)
	return err
}
