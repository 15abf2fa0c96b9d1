package relaygraph

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"log/slog"
	"strconv"
	"strings"

	"github.com/agentworkforce/relaygraph/internal/clock"
)

const JobNameExtract = "extract"

// JobAdder enqueues a named job with a JSON-encodable payload and returns
// the job id.
type JobAdder interface {
	AddJob(ctx context.Context, queue, jobName string, payload any) (string, error)
}

// ExtractionDedupeKey identifies one parser run over one revision of a
// file. Without a checksum the revision is approximated by size and
// modification time.
func ExtractionDedupeKey(fileID, parserName, parserVersion string, meta FileMetadata) string {
	revision := strings.TrimSpace(meta.Checksum)
	if revision == "" {
		revision = "size:" + strconv.FormatInt(meta.Size, 10) + ":modified:" + strconv.FormatInt(meta.Modified.UnixNano(), 10)
		if meta.Modified.IsZero() {
			revision = "size:" + strconv.FormatInt(meta.Size, 10)
		}
	}
	sum := sha256.Sum256([]byte(strings.Join([]string{fileID, parserName, parserVersion, revision}, "|")))
	return hex.EncodeToString(sum[:])
}

type ExtractionScheduler struct {
	catalog *Catalog
	records RecordStore
	jobs    JobAdder
	ids     clock.IDGenerator
	clock   clock.Clock
	logger  *slog.Logger
}

func NewExtractionScheduler(catalog *Catalog, records RecordStore, jobs JobAdder, ids clock.IDGenerator, c clock.Clock, logger *slog.Logger) *ExtractionScheduler {
	if ids == nil {
		ids = clock.UUIDGenerator{}
	}
	if c == nil {
		c = clock.RealClock{}
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &ExtractionScheduler{catalog: catalog, records: records, jobs: jobs, ids: ids, clock: c, logger: logger}
}

// QueueExtractionJobs records an extraction job for every enabled parser
// that matches each slot and the file's MIME type, newest parser version
// first, and returns how many were enqueued. The job row is keyed by its
// dedupe key; a row that already completed or is being processed is not
// enqueued again.
func (s *ExtractionScheduler) QueueExtractionJobs(ctx context.Context, item WorkItem, slots []Classification) (int, error) {
	if strings.TrimSpace(item.OrgID) == "" {
		return 0, ErrMissingOrg
	}
	if item.FileID == "" {
		return 0, fmt.Errorf("%w: file id is required", ErrInvalidInput)
	}
	queued := 0
	for _, slot := range slots {
		if slot.SlotKey == "" || slot.SlotKey == SlotUnclassified {
			continue
		}
		entries, err := s.catalog.Parsers(ctx, item.OrgID, slot.SlotKey, item.Metadata.MimeType)
		if err != nil {
			return queued, fmt.Errorf("resolve parsers for %s: %w", slot.SlotKey, err)
		}
		for _, entry := range entries {
			if entry.MinConfidence > slot.Confidence {
				s.logger.Debug("parser below confidence floor", "org_id", item.OrgID, "file_id", item.FileID,
					"slot", slot.SlotKey, "parser", entry.ParserName, "min_confidence", entry.MinConfidence, "confidence", slot.Confidence)
				continue
			}
			ok, err := s.queueOne(ctx, item, slot.SlotKey, entry)
			if err != nil {
				return queued, err
			}
			if ok {
				queued++
			}
		}
	}
	return queued, nil
}

func (s *ExtractionScheduler) queueOne(ctx context.Context, item WorkItem, slot string, entry ParserEntry) (bool, error) {
	now := s.clock.Now()
	dedupeKey := ExtractionDedupeKey(item.FileID, entry.ParserName, entry.ParserVersion, item.Metadata)
	stored, created, err := s.records.UpsertExtractionJob(ctx, ExtractionJob{
		ID:            s.ids.New(),
		DedupeKey:     dedupeKey,
		OrgID:         item.OrgID,
		FileID:        item.FileID,
		Slot:          slot,
		ParserName:    entry.ParserName,
		ParserVersion: entry.ParserVersion,
		Checksum:      item.Metadata.Checksum,
		Status:        JobQueued,
		CreatedAt:     now,
		UpdatedAt:     now,
	})
	if err != nil {
		return false, fmt.Errorf("record extraction job: %w", err)
	}
	if !created && (stored.Status == JobProcessing || stored.Status == JobCompleted) {
		s.logger.Debug("extraction job already handled", "job_id", stored.ID, "status", stored.Status, "dedupe_key", dedupeKey)
		return false, nil
	}
	payload := item
	payload.JobID = stored.ID
	payload.DedupeKey = dedupeKey
	payload.Slot = slot
	payload.Parser = entry.ParserName
	payload.ParserVersion = entry.ParserVersion
	if _, err := s.jobs.AddJob(ctx, QueueExtraction, JobNameExtract, payload); err != nil {
		return false, fmt.Errorf("enqueue extraction job %s: %w", stored.ID, err)
	}
	s.logger.Info("extraction job queued", "org_id", item.OrgID, "file_id", item.FileID, "job_id", stored.ID,
		"slot", slot, "parser", entry.ParserName, "parser_version", entry.ParserVersion, "created", created)
	return true, nil
}
