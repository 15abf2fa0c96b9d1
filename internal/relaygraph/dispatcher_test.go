package relaygraph

import (
	"context"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/agentworkforce/relaygraph/internal/jobs"
)

func newTestDispatcher(t *testing.T, capacity int) (*Dispatcher, *jobs.Runner) {
	t.Helper()
	runner := jobs.NewRunner(jobs.Options{Name: "dispatch-test", MaxRetries: 3, RetryDelay: -1, Logger: discardLogger()})
	d := NewDispatcher(runner, DispatcherOptions{IDs: &seqIDs{prefix: "job"}, Logger: discardLogger()})
	d.AddQueue(QueueClassification, NewMemoryWorkQueue(capacity))
	return d, runner
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func TestDispatcherAddJobEncodesPayload(t *testing.T) {
	d, _ := newTestDispatcher(t, 4)
	id, err := d.AddJob(context.Background(), QueueClassification, JobNameClassify, WorkItem{OrgID: "org_1", FileID: "file_1"})
	if err != nil {
		t.Fatalf("add job: %v", err)
	}
	if id != "job-1" {
		t.Fatalf("expected job-1, got %q", id)
	}
	q, _ := d.Queue(QueueClassification)
	job, ok := q.Dequeue(context.Background())
	if !ok || job.Name != JobNameClassify || job.Queue != QueueClassification {
		t.Fatalf("unexpected job %+v", job)
	}
	var item WorkItem
	if err := json.Unmarshal(job.Payload, &item); err != nil || item.FileID != "file_1" {
		t.Fatalf("expected work item payload, got %s err=%v", job.Payload, err)
	}
}

func TestDispatcherAddJobReportsFullQueue(t *testing.T) {
	d, _ := newTestDispatcher(t, 1)
	ctx := context.Background()
	if _, err := d.AddJob(ctx, QueueClassification, JobNameClassify, WorkItem{OrgID: "org_1"}); err != nil {
		t.Fatalf("first add: %v", err)
	}
	if _, err := d.AddJob(ctx, QueueClassification, JobNameClassify, WorkItem{OrgID: "org_1"}); !errors.Is(err, ErrQueueFull) {
		t.Fatalf("expected ErrQueueFull, got %v", err)
	}
	if _, err := d.AddJob(ctx, "missing", JobNameClassify, nil); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected unknown queue to fail, got %v", err)
	}
	if depths := d.Depths(); depths[QueueClassification] != 1 {
		t.Fatalf("expected depth 1, got %v", depths)
	}
}

func TestDispatcherAddJobSurfacesBackendFailure(t *testing.T) {
	d, _ := newTestDispatcher(t, 4)
	dir := filepath.Join(t.TempDir(), "queues")
	if err := os.MkdirAll(dir, 0o755); err != nil {
		t.Fatalf("mkdir: %v", err)
	}
	queue, err := NewFileWorkQueue(filepath.Join(dir, "sync.json"), 4)
	if err != nil {
		t.Fatalf("new file queue: %v", err)
	}
	d.AddQueue(QueueSync, queue)
	if err := os.RemoveAll(dir); err != nil {
		t.Fatalf("remove queue dir: %v", err)
	}

	_, err = d.AddJob(context.Background(), QueueSync, JobNameSync, SyncEvent{OrgID: "org_1"})
	if err == nil || errors.Is(err, ErrQueueFull) {
		t.Fatalf("expected a backend error distinct from ErrQueueFull, got %v", err)
	}
	if queue.Depth() != 0 {
		t.Fatalf("expected failed enqueue to leave the queue empty, got %d", queue.Depth())
	}
}

func TestDispatcherRetriesTransientFailures(t *testing.T) {
	d, runner := newTestDispatcher(t, 4)
	var attempts, permanent atomic.Int32
	err := d.RegisterWorker(QueueClassification, 1, func(_ context.Context, job Job) error {
		if job.Name == "bad" {
			permanent.Add(1)
			return jobs.Permanent(ErrInvalidInput)
		}
		if attempts.Add(1) < 2 {
			return errors.New("transient")
		}
		return nil
	})
	if err != nil {
		t.Fatalf("register worker: %v", err)
	}
	runner.Start()
	defer runner.Stop()
	d.Start(context.Background())
	defer d.Stop()

	if _, err := d.AddJob(context.Background(), QueueClassification, "bad", WorkItem{}); err != nil {
		t.Fatalf("add bad job: %v", err)
	}
	if _, err := d.AddJob(context.Background(), QueueClassification, JobNameClassify, WorkItem{}); err != nil {
		t.Fatalf("add job: %v", err)
	}
	waitFor(t, "retried job to succeed", func() bool { return attempts.Load() == 2 })
	if permanent.Load() != 1 {
		t.Fatalf("expected permanent failure not to be retried, got %d attempts", permanent.Load())
	}
	if err := d.RegisterWorker(QueueClassification, 1, func(context.Context, Job) error { return nil }); !errors.Is(err, ErrInvalidState) {
		t.Fatalf("expected registration after start to fail, got %v", err)
	}
}

func TestDispatcherHoldsJobsWhilePaused(t *testing.T) {
	d, runner := newTestDispatcher(t, 4)
	var handled atomic.Int32
	if err := d.RegisterWorker(QueueClassification, 2, func(context.Context, Job) error {
		handled.Add(1)
		return nil
	}); err != nil {
		t.Fatalf("register worker: %v", err)
	}
	runner.Start()
	runner.Pause()
	defer runner.Stop()
	d.Start(context.Background())
	defer d.Stop()

	if _, err := d.AddJob(context.Background(), QueueClassification, JobNameClassify, WorkItem{}); err != nil {
		t.Fatalf("add job: %v", err)
	}
	time.Sleep(50 * time.Millisecond)
	if handled.Load() != 0 {
		t.Fatalf("expected no jobs handled while paused")
	}
	runner.Resume()
	waitFor(t, "job after resume", func() bool { return handled.Load() == 1 })
}

func TestDispatcherRegistersQueueGauges(t *testing.T) {
	d, _ := newTestDispatcher(t, 5)
	if _, err := d.AddJob(context.Background(), QueueClassification, JobNameClassify, WorkItem{}); err != nil {
		t.Fatalf("add job: %v", err)
	}
	reg := prometheus.NewRegistry()
	if err := d.RegisterQueueMetrics(reg); err != nil {
		t.Fatalf("register metrics: %v", err)
	}
	families, err := reg.Gather()
	if err != nil {
		t.Fatalf("gather: %v", err)
	}
	values := map[string]float64{}
	for _, family := range families {
		for _, metric := range family.GetMetric() {
			values[family.GetName()] = metric.GetGauge().GetValue()
		}
	}
	if values["relaygraph_queue_depth"] != 1 || values["relaygraph_queue_capacity"] != 5 {
		t.Fatalf("unexpected gauge values %v", values)
	}
}
