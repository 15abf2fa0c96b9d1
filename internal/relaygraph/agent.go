package relaygraph

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/agentworkforce/relaygraph/internal/clock"
	"github.com/agentworkforce/relaygraph/internal/graph"
	"github.com/agentworkforce/relaygraph/internal/jobs"
	"github.com/agentworkforce/relaygraph/internal/provenance"
)

type Mode string

const (
	ModeClassic Mode = "classic"
	ModeCluster Mode = "cluster"
)

const (
	JobNameSync = "sync"

	significantSizeDelta   = 0.10
	significantRecentAfter = time.Hour
	defaultTickInterval    = 10 * time.Second
)

func DefaultClassifiableMimeTypes() []string {
	return []string{
		"application/pdf",
		"application/msword",
		"application/vnd.openxmlformats-officedocument.wordprocessingml.document",
		"application/vnd.ms-excel",
		"application/vnd.openxmlformats-officedocument.spreadsheetml.sheet",
		"application/rtf",
		"application/x-final-draft",
		"text/x-fountain",
		"text/plain",
		"text/markdown",
		"text/csv",
	}
}

func DefaultExtractableMimeTypes() []string {
	return []string{
		"application/pdf",
		"application/msword",
		"application/vnd.openxmlformats-officedocument.wordprocessingml.document",
		"application/vnd.ms-excel",
		"application/vnd.openxmlformats-officedocument.spreadsheetml.sheet",
		"application/x-final-draft",
		"text/x-fountain",
		"text/plain",
		"text/csv",
	}
}

type AgentOptions struct {
	Mode         Mode
	Hierarchy    *Hierarchy
	Classifier   *Classifier
	Clusters     *ClusterManager
	Scheduler    *ExtractionScheduler
	Linker       *Linker
	Provenance   *provenance.Store
	Jobs         JobAdder
	Publisher    Publisher
	Runner       *jobs.Runner
	Classifiable []string
	Extractable  []string
	Branch       string
	Author       string
	TickInterval time.Duration
	Clock        clock.Clock
	Logger       *slog.Logger
}

// Agent turns sync events into graph mutations. Every event opens one
// commit before it touches the graph, and every side effect of the event is
// attributed to that commit.
type Agent struct {
	mode         Mode
	hierarchy    *Hierarchy
	classifier   *Classifier
	clusters     *ClusterManager
	scheduler    *ExtractionScheduler
	linker       *Linker
	provenance   *provenance.Store
	jobs         JobAdder
	publisher    Publisher
	runner       *jobs.Runner
	classifiable map[string]bool
	extractable  map[string]bool
	branch       string
	author       string
	tickInterval time.Duration
	clock        clock.Clock
	logger       *slog.Logger

	mu       sync.Mutex
	stopTick chan struct{}
	tickDone chan struct{}
}

func NewAgent(opts AgentOptions) (*Agent, error) {
	mode := opts.Mode
	if mode == "" {
		mode = ModeClassic
	}
	if mode != ModeClassic && mode != ModeCluster {
		return nil, fmt.Errorf("%w: mode %q", ErrInvalidInput, mode)
	}
	if opts.Hierarchy == nil || opts.Classifier == nil || opts.Provenance == nil || opts.Runner == nil {
		return nil, fmt.Errorf("%w: hierarchy, classifier, provenance and runner are required", ErrInvalidInput)
	}
	if mode == ModeClassic && opts.Jobs == nil {
		return nil, fmt.Errorf("%w: classic mode requires a job queue", ErrInvalidInput)
	}
	if mode == ModeCluster && (opts.Clusters == nil || opts.Scheduler == nil || opts.Linker == nil) {
		return nil, fmt.Errorf("%w: cluster mode requires clusters, scheduler and linker", ErrInvalidInput)
	}
	classifiable := opts.Classifiable
	if classifiable == nil {
		classifiable = DefaultClassifiableMimeTypes()
	}
	extractable := opts.Extractable
	if extractable == nil {
		extractable = DefaultExtractableMimeTypes()
	}
	branch := strings.TrimSpace(opts.Branch)
	if branch == "" {
		branch = provenance.DefaultBranch
	}
	author := strings.TrimSpace(opts.Author)
	if author == "" {
		author = "relaygraph-agent"
	}
	tick := opts.TickInterval
	if tick <= 0 {
		tick = defaultTickInterval
	}
	c := opts.Clock
	if c == nil {
		c = clock.RealClock{}
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Agent{
		mode:         mode,
		hierarchy:    opts.Hierarchy,
		classifier:   opts.Classifier,
		clusters:     opts.Clusters,
		scheduler:    opts.Scheduler,
		linker:       opts.Linker,
		provenance:   opts.Provenance,
		jobs:         opts.Jobs,
		publisher:    opts.Publisher,
		runner:       opts.Runner,
		classifiable: mimeSet(classifiable),
		extractable:  mimeSet(extractable),
		branch:       branch,
		author:       author,
		tickInterval: tick,
		clock:        c,
		logger:       logger,
	}, nil
}

func mimeSet(types []string) map[string]bool {
	out := make(map[string]bool, len(types))
	for _, t := range types {
		out[strings.ToLower(strings.TrimSpace(t))] = true
	}
	return out
}

func (a *Agent) Mode() Mode { return a.mode }

// Start starts the runner and the periodic tick that re-applies pending
// cluster mirror writes.
func (a *Agent) Start(ctx context.Context) {
	a.runner.Start()
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.stopTick != nil {
		return
	}
	a.stopTick = make(chan struct{})
	a.tickDone = make(chan struct{})
	go a.tickLoop(ctx, a.stopTick, a.tickDone)
}

// Stop clears the timers. In-flight handlers are not interrupted.
func (a *Agent) Stop() {
	a.mu.Lock()
	stop, done := a.stopTick, a.tickDone
	a.stopTick, a.tickDone = nil, nil
	a.mu.Unlock()
	if stop != nil {
		close(stop)
		<-done
	}
	a.runner.Stop()
}

func (a *Agent) Pause()  { a.runner.Pause() }
func (a *Agent) Resume() { a.runner.Resume() }

func (a *Agent) Health() jobs.Health { return a.runner.CheckHealth() }

func (a *Agent) tickLoop(ctx context.Context, stop <-chan struct{}, done chan<- struct{}) {
	defer close(done)
	ticker := time.NewTicker(a.tickInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-stop:
			return
		case <-ticker.C:
			a.Tick(ctx)
		}
	}
}

// Tick flushes the cluster mirror outbox.
func (a *Agent) Tick(ctx context.Context) {
	if a.clusters == nil || a.clusters.PendingMirror() == 0 {
		return
	}
	applied, err := a.clusters.FlushMirror(ctx)
	if err != nil {
		a.logger.Warn("cluster mirror still pending", "applied", applied, "pending", a.clusters.PendingMirror(), "error", err)
		return
	}
	a.logger.Info("cluster mirror caught up", "applied", applied)
}

// Process runs one event inside the runner's retry wrapper.
func (a *Agent) Process(ctx context.Context, event SyncEvent) error {
	return a.runner.Run(ctx, JobNameSync+"."+string(event.EventType), func(ctx context.Context) error {
		return a.HandleSyncEvent(ctx, event)
	})
}

// HandleSyncJob is the sync queue handler.
func (a *Agent) HandleSyncJob(ctx context.Context, job Job) error {
	var event SyncEvent
	if err := json.Unmarshal(job.Payload, &event); err != nil {
		return jobs.Permanent(fmt.Errorf("%w: sync payload: %v", ErrInvalidInput, err))
	}
	return a.HandleSyncEvent(ctx, event)
}

// HandleSyncEvent applies one event. Invariant violations come back marked
// permanent so the runner does not retry them.
func (a *Agent) HandleSyncEvent(ctx context.Context, event SyncEvent) error {
	event.OrgID = strings.TrimSpace(event.OrgID)
	p := NormalizePath(event.ResourcePath)
	logger := a.logger.With("org_id", event.OrgID, "source_id", event.SourceID, "event_type", event.EventType, "path", p)
	if event.CorrelationID != "" {
		logger = logger.With("correlation_id", event.CorrelationID)
	}
	if event.OrgID == "" {
		logger.Error("sync event rejected", "error", ErrMissingOrg)
		return jobs.Permanent(fmt.Errorf("%w: event for %s", ErrMissingOrg, p))
	}
	if !event.EventType.Valid() {
		logger.Error("sync event rejected", "error", "unknown event type")
		return jobs.Permanent(fmt.Errorf("%w: event type %q", ErrInvalidInput, event.EventType))
	}

	commit, err := a.provenance.CreateCommit(ctx, provenance.CommitInput{
		OrgID:      event.OrgID,
		Message:    fmt.Sprintf("%s %s", event.EventType, p),
		Author:     a.author,
		AuthorType: "system",
		BranchName: a.branch,
		FromHead:   true,
		Metadata: map[string]any{
			"event_type":     string(event.EventType),
			"source_id":      event.SourceID,
			"path":           p,
			"provider":       event.Provider,
			"correlation_id": event.CorrelationID,
		},
	})
	if err != nil {
		logger.Error("open commit failed", "error", err)
		if errors.Is(err, provenance.ErrInvalidInput) {
			return jobs.Permanent(err)
		}
		return fmt.Errorf("open commit: %w", err)
	}
	logger = logger.With("commit_id", commit.ID)
	id := FileIdentity{OrgID: event.OrgID, SourceID: event.SourceID, Path: p}

	switch event.EventType {
	case EventFileCreated:
		err = a.fileCreated(ctx, logger, event, id, commit.ID)
	case EventFileUpdated:
		err = a.fileUpdated(ctx, logger, event, id, commit.ID)
	case EventFileDeleted:
		err = a.fileDeleted(ctx, logger, id, commit.ID)
	case EventFolderCreated, EventFolderUpdated:
		err = a.folderUpserted(ctx, id, commit.ID)
	case EventFolderDeleted:
		logger.Info("folder delete recorded, cleanup is external")
	}
	if err != nil {
		logger.Error("sync event failed", "error", err)
		return err
	}
	return nil
}

func (a *Agent) fileCreated(ctx context.Context, logger *slog.Logger, event SyncEvent, id FileIdentity, commitID string) error {
	meta := NormalizeEvent(event)
	fileID, err := a.hierarchy.UpsertFile(ctx, id, meta)
	if err != nil {
		return err
	}
	if err := a.hierarchy.PlaceFile(ctx, id, fileID); err != nil {
		return err
	}
	if err := a.provenance.Attribute(ctx, commitID, fileID); err != nil {
		return err
	}
	item := WorkItem{
		OrgID:    id.OrgID,
		FileID:   fileID,
		FilePath: id.Path,
		SourceID: id.SourceID,
		CommitID: commitID,
		Metadata: meta,
	}
	logger.Info("file upserted", "file_id", fileID, "mime_type", meta.MimeType, "size", meta.Size)
	if a.mode == ModeCluster {
		return a.processCluster(ctx, logger, item)
	}
	return a.fanOut(ctx, logger, item, true)
}

// fanOut enqueues classic-mode follow-up work based on the MIME allow-lists.
func (a *Agent) fanOut(ctx context.Context, logger *slog.Logger, item WorkItem, extract bool) error {
	mimeType := strings.ToLower(item.Metadata.MimeType)
	if a.classifiable[mimeType] {
		jobID, err := a.jobs.AddJob(ctx, QueueClassification, JobNameClassify, item)
		if err != nil {
			return err
		}
		logger.Debug("classification job queued", "file_id", item.FileID, "job_id", jobID)
	}
	if extract && a.extractable[mimeType] {
		jobID, err := a.jobs.AddJob(ctx, QueueExtraction, JobNameScheduleExtraction, item)
		if err != nil {
			return err
		}
		logger.Debug("extraction job queued", "file_id", item.FileID, "job_id", jobID)
	}
	return nil
}

// processCluster is the synchronous cluster-mode pipeline.
func (a *Agent) processCluster(ctx context.Context, logger *slog.Logger, item WorkItem) error {
	clusterID, err := a.clusters.CreateContentCluster(ctx, item.OrgID, item.FileID)
	if err != nil {
		if !errors.Is(err, ErrMirrorPending) || clusterID == "" {
			return err
		}
		logger.Warn("cluster mirror deferred", "file_id", item.FileID, "cluster_id", clusterID, "error", err)
	}
	file, err := a.hierarchy.GetFileByID(ctx, item.FileID)
	if err != nil {
		return err
	}
	slots, err := a.classifier.PerformMultiSlotClassification(ctx, item.OrgID, file, item.CommitID)
	if err != nil {
		return err
	}
	queued, err := a.scheduler.QueueExtractionJobs(ctx, item, slots)
	if err != nil {
		return err
	}
	if queued > 0 {
		if err := a.clusters.SetStatus(ctx, clusterID, ClusterStatusExtracting); err != nil {
			if !errors.Is(err, ErrMirrorPending) {
				return err
			}
			logger.Warn("cluster mirror deferred", "cluster_id", clusterID, "error", err)
		}
	}
	links, err := a.linker.CreateInitialCrossLayerLinks(ctx, item.OrgID, item.FileID, slots)
	if err != nil {
		return err
	}
	if err := a.clusters.AddLinks(ctx, clusterID, links); err != nil {
		return err
	}
	keys := make([]string, 0, len(slots))
	for _, slot := range slots {
		keys = append(keys, slot.SlotKey)
	}
	logger.Info("cluster processed", "file_id", item.FileID, "cluster_id", clusterID, "slots", keys, "extraction_jobs", queued, "links", links)
	if a.publisher == nil {
		return nil
	}
	if err := a.publisher.Publish(ctx, DomainEvent{
		Type:      DomainEventFileClusterProcessed,
		OrgID:     item.OrgID,
		FileID:    item.FileID,
		ClusterID: clusterID,
		CommitID:  item.CommitID,
		Slots:     keys,
		Counts:    map[string]int{"slots": len(slots), "extractionJobs": queued, "links": links},
		Timestamp: graph.TimeValue(a.clock.Now()),
	}); err != nil {
		logger.Warn("publish cluster event failed", "file_id", item.FileID, "error", err)
	}
	return nil
}

func (a *Agent) fileUpdated(ctx context.Context, logger *slog.Logger, event SyncEvent, id FileIdentity, commitID string) error {
	existing, err := a.hierarchy.GetFile(ctx, id)
	if err != nil {
		return err
	}
	if existing == nil {
		logger.Info("update for unknown file, treating as create")
		return a.fileCreated(ctx, logger, event, id, commitID)
	}
	if err := a.snapshot(ctx, existing, commitID); err != nil {
		return err
	}
	meta := NormalizeEvent(event)
	significant := IsSignificantChange(existing, meta, a.clock.Now())
	if err := a.hierarchy.UpdateFile(ctx, existing.ID, meta); err != nil {
		return err
	}
	if err := a.provenance.Attribute(ctx, commitID, existing.ID); err != nil {
		return err
	}
	logger.Info("file updated", "file_id", existing.ID, "significant", significant)
	if !significant {
		return nil
	}
	item := WorkItem{
		OrgID:    id.OrgID,
		FileID:   existing.ID,
		FilePath: id.Path,
		SourceID: id.SourceID,
		CommitID: commitID,
		Metadata: meta,
	}
	if a.mode == ModeCluster {
		return a.processCluster(ctx, logger, item)
	}
	return a.fanOut(ctx, logger, item, false)
}

func (a *Agent) fileDeleted(ctx context.Context, logger *slog.Logger, id FileIdentity, commitID string) error {
	existing, err := a.hierarchy.GetFile(ctx, id)
	if err != nil {
		return err
	}
	if existing == nil {
		logger.Warn("delete for unknown file ignored")
		return nil
	}
	if err := a.snapshot(ctx, existing, commitID); err != nil {
		return err
	}
	if err := a.hierarchy.SoftDeleteFile(ctx, existing.ID); err != nil {
		return err
	}
	if err := a.provenance.Attribute(ctx, commitID, existing.ID); err != nil {
		return err
	}
	logger.Info("file soft-deleted", "file_id", existing.ID)
	return nil
}

func (a *Agent) folderUpserted(ctx context.Context, id FileIdentity, commitID string) error {
	folderID, err := a.hierarchy.EnsureFolderHierarchy(ctx, id.OrgID, id.SourceID, id.Path, true)
	if err != nil {
		return err
	}
	if folderID == "" {
		return nil
	}
	return a.provenance.Attribute(ctx, commitID, folderID)
}

func (a *Agent) snapshot(ctx context.Context, file *File, commitID string) error {
	_, err := a.provenance.CreateVersion(ctx, provenance.VersionInput{
		OrgID:      file.OrgID,
		EntityID:   file.ID,
		EntityType: LabelFile,
		Properties: file.Props,
		CommitID:   commitID,
	})
	if err != nil {
		return fmt.Errorf("snapshot file %s: %w", file.ID, err)
	}
	return nil
}

// IsSignificantChange reports whether an update warrants reclassification:
// the name changed, the size moved by more than 10%, or the file was
// modified within the last hour.
func IsSignificantChange(old *File, meta FileMetadata, now time.Time) bool {
	if old.Name != meta.Name {
		return true
	}
	if old.Size == 0 {
		if meta.Size != 0 {
			return true
		}
	} else {
		delta := float64(meta.Size-old.Size) / float64(old.Size)
		if delta < 0 {
			delta = -delta
		}
		if delta > significantSizeDelta {
			return true
		}
	}
	return !meta.Modified.IsZero() && now.Sub(meta.Modified) < significantRecentAfter
}
