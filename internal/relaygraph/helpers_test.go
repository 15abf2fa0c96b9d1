package relaygraph

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/agentworkforce/relaygraph/internal/clock"
	"github.com/agentworkforce/relaygraph/internal/graph"
	"github.com/agentworkforce/relaygraph/internal/jobs"
	"github.com/agentworkforce/relaygraph/internal/provenance"
)

var testNow = time.Date(2026, 3, 14, 12, 0, 0, 0, time.UTC)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

type seqIDs struct {
	mu     sync.Mutex
	prefix string
	n      int
}

func (g *seqIDs) New() string {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.n++
	return fmt.Sprintf("%s-%d", g.prefix, g.n)
}

type recordedJob struct {
	ID    string
	Queue string
	Name  string
	Item  WorkItem
}

// recordingJobs is a JobAdder that keeps every job in memory.
type recordingJobs struct {
	mu   sync.Mutex
	n    int
	jobs []recordedJob
	err  error
}

func (r *recordingJobs) AddJob(_ context.Context, queue, jobName string, payload any) (string, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.err != nil {
		return "", r.err
	}
	item, _ := payload.(WorkItem)
	r.n++
	id := fmt.Sprintf("queued-%d", r.n)
	r.jobs = append(r.jobs, recordedJob{ID: id, Queue: queue, Name: jobName, Item: item})
	return id, nil
}

func (r *recordingJobs) onQueue(queue string) []recordedJob {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []recordedJob
	for _, job := range r.jobs {
		if job.Queue == queue {
			out = append(out, job)
		}
	}
	return out
}

func (r *recordingJobs) reset() {
	r.mu.Lock()
	r.jobs = nil
	r.mu.Unlock()
}

func (j recordedJob) asJob(t *testing.T) Job {
	t.Helper()
	payload, err := json.Marshal(j.Item)
	if err != nil {
		t.Fatalf("encode job payload: %v", err)
	}
	return Job{ID: j.ID, Queue: j.Queue, Name: j.Name, Payload: payload}
}

type testEnv struct {
	graph      *graph.MemoryStore
	records    *MemoryRecordStore
	catalog    *Catalog
	clock      *clock.ManualClock
	hierarchy  *Hierarchy
	classifier *Classifier
	clusters   *ClusterManager
	scheduler  *ExtractionScheduler
	linker     *Linker
	prov       *provenance.Store
	queued     *recordingJobs
	hub        *Hub
	runner     *jobs.Runner
	agent      *Agent
	workers    *Workers
}

func newTestEnv(t *testing.T, mode Mode) *testEnv {
	t.Helper()
	logger := discardLogger()
	c := clock.NewManualClock(testNow)
	g, err := graph.NewMemoryStoreWithOptions(graph.MemoryStoreOptions{Clock: c, IDs: &seqIDs{prefix: "node"}})
	if err != nil {
		t.Fatalf("new graph store: %v", err)
	}
	records := NewMemoryRecordStore()
	catalog := NewCatalog(records)
	env := &testEnv{
		graph:   g,
		records: records,
		catalog: catalog,
		clock:   c,
		queued:  &recordingJobs{},
		hub:     NewHub(),
	}
	env.hierarchy = NewHierarchy(g, c, logger)
	env.classifier = NewClassifier(catalog, g, ClassifierOptions{Clock: c, Logger: logger})
	env.clusters = NewClusterManager(g, NewMirrorOutbox(records, logger), c, logger)
	env.scheduler = NewExtractionScheduler(catalog, records, env.queued, &seqIDs{prefix: "job"}, c, logger)
	env.linker = NewLinker(g, LinkerOptions{Clock: c, Logger: logger})
	env.prov = provenance.NewStore(g, provenance.StoreOptions{
		Signer: provenance.NewSigner("test-secret", nil),
		Clock:  c,
		IDs:    &seqIDs{prefix: "commit"},
		Logger: logger,
	})
	env.runner = jobs.NewRunner(jobs.Options{Name: "test", MaxRetries: 3, RetryDelay: -1, Clock: c, Logger: logger})
	env.agent, err = NewAgent(AgentOptions{
		Mode:       mode,
		Hierarchy:  env.hierarchy,
		Classifier: env.classifier,
		Clusters:   env.clusters,
		Scheduler:  env.scheduler,
		Linker:     env.linker,
		Provenance: env.prov,
		Jobs:       env.queued,
		Publisher:  env.hub,
		Runner:     env.runner,
		Clock:      c,
		Logger:     logger,
	})
	if err != nil {
		t.Fatalf("new agent: %v", err)
	}
	env.workers = NewWorkers(WorkerOptions{
		Hierarchy:  env.hierarchy,
		Classifier: env.classifier,
		Clusters:   env.clusters,
		Scheduler:  env.scheduler,
		Records:    records,
		Publisher:  env.hub,
		Graph:      g,
		Clock:      c,
		Logger:     logger,
	})
	return env
}

func (e *testEnv) putRule(t *testing.T, rule TaxonomyRule) {
	t.Helper()
	rule.Enabled = true
	if err := e.records.PutTaxonomyRule(context.Background(), rule); err != nil {
		t.Fatalf("put rule %s: %v", rule.ID, err)
	}
	e.catalog.InvalidateAll()
}

func (e *testEnv) putParser(t *testing.T, entry ParserEntry) {
	t.Helper()
	entry.Enabled = true
	if err := e.records.PutParserEntry(context.Background(), entry); err != nil {
		t.Fatalf("put parser %s: %v", entry.ID, err)
	}
	e.catalog.InvalidateAll()
}

func fileEvent(t *testing.T, eventType EventType, p string, data map[string]any) SyncEvent {
	t.Helper()
	raw, err := json.Marshal(data)
	if err != nil {
		t.Fatalf("encode event data: %v", err)
	}
	return SyncEvent{OrgID: "org_1", SourceID: "src_1", EventType: eventType, ResourcePath: p, EventData: raw}
}

func (e *testEnv) mustFile(t *testing.T, p string) *File {
	t.Helper()
	file, err := e.hierarchy.GetFile(context.Background(), FileIdentity{OrgID: "org_1", SourceID: "src_1", Path: p})
	if err != nil {
		t.Fatalf("get file %s: %v", p, err)
	}
	if file == nil {
		t.Fatalf("expected file %s to exist", p)
	}
	return file
}
