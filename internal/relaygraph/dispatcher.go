package relaygraph

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/agentworkforce/relaygraph/internal/clock"
	"github.com/agentworkforce/relaygraph/internal/jobs"
)

type Handler func(ctx context.Context, job Job) error

type DispatcherOptions struct {
	IDs    clock.IDGenerator
	Clock  clock.Clock
	Logger *slog.Logger
}

type workerPool struct {
	queue       string
	concurrency int
	handler     Handler
}

// Dispatcher owns the named work queues and a worker pool per queue. Each
// handler call runs inside the runner's retry wrapper, and workers stop
// taking new jobs while the runner is paused.
type Dispatcher struct {
	runner *jobs.Runner
	ids    clock.IDGenerator
	clock  clock.Clock
	logger *slog.Logger

	mu      sync.Mutex
	queues  map[string]WorkQueue
	pools   []workerPool
	cancel  context.CancelFunc
	wg      sync.WaitGroup
	started bool
}

func NewDispatcher(runner *jobs.Runner, opts DispatcherOptions) *Dispatcher {
	ids := opts.IDs
	if ids == nil {
		ids = clock.UUIDGenerator{}
	}
	c := opts.Clock
	if c == nil {
		c = clock.RealClock{}
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Dispatcher{
		runner: runner,
		ids:    ids,
		clock:  c,
		logger: logger,
		queues: map[string]WorkQueue{},
	}
}

func (d *Dispatcher) AddQueue(name string, q WorkQueue) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.queues[name] = q
}

func (d *Dispatcher) Queue(name string) (WorkQueue, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	q, ok := d.queues[name]
	return q, ok
}

// AddJob enqueues without blocking. A full queue returns ErrQueueFull so
// the caller's retry policy decides what happens next; backend failures are
// returned wrapped.
func (d *Dispatcher) AddJob(ctx context.Context, queue, jobName string, payload any) (string, error) {
	q, ok := d.Queue(queue)
	if !ok {
		return "", fmt.Errorf("%w: queue %s", ErrNotFound, queue)
	}
	data, err := json.Marshal(payload)
	if err != nil {
		return "", fmt.Errorf("%w: encode %s payload: %v", ErrInvalidInput, jobName, err)
	}
	job := Job{
		ID:         d.ids.New(),
		Queue:      queue,
		Name:       jobName,
		Payload:    data,
		EnqueuedAt: d.clock.Now(),
	}
	if err := ctx.Err(); err != nil {
		return "", err
	}
	if err := q.TryEnqueue(job); err != nil {
		if errors.Is(err, ErrQueueFull) {
			return "", fmt.Errorf("%w: %s (depth %d/%d)", ErrQueueFull, queue, q.Depth(), q.Capacity())
		}
		return "", fmt.Errorf("enqueue %s on %s: %w", jobName, queue, err)
	}
	return job.ID, nil
}

func (d *Dispatcher) RegisterWorker(queue string, concurrency int, handler Handler) error {
	if handler == nil {
		return fmt.Errorf("%w: handler is required", ErrInvalidInput)
	}
	if concurrency <= 0 {
		concurrency = 1
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	if _, ok := d.queues[queue]; !ok {
		return fmt.Errorf("%w: queue %s", ErrNotFound, queue)
	}
	if d.started {
		return fmt.Errorf("%w: dispatcher already started", ErrInvalidState)
	}
	d.pools = append(d.pools, workerPool{queue: queue, concurrency: concurrency, handler: handler})
	return nil
}

func (d *Dispatcher) Start(ctx context.Context) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.started {
		return
	}
	d.started = true
	ctx, d.cancel = context.WithCancel(ctx)
	for _, pool := range d.pools {
		q := d.queues[pool.queue]
		for i := 0; i < pool.concurrency; i++ {
			d.wg.Add(1)
			go d.work(ctx, q, pool)
		}
	}
}

// Stop stops taking new jobs and waits for in-flight handlers.
func (d *Dispatcher) Stop() {
	d.mu.Lock()
	cancel := d.cancel
	d.mu.Unlock()
	if cancel != nil {
		cancel()
	}
	d.wg.Wait()
}

func (d *Dispatcher) work(ctx context.Context, q WorkQueue, pool workerPool) {
	defer d.wg.Done()
	for {
		if err := d.runner.WaitRunning(ctx); err != nil {
			return
		}
		job, ok := q.Dequeue(ctx)
		if !ok {
			return
		}
		// In-flight jobs finish even if ctx is cancelled meanwhile.
		runCtx := context.WithoutCancel(ctx)
		err := d.runner.Run(runCtx, job.Name, func(ctx context.Context) error {
			return pool.handler(ctx, job)
		})
		if err != nil {
			d.logger.Error("job failed", "queue", pool.queue, "job", job.Name, "job_id", job.ID, "error", err)
		}
	}
}

// Depths reports the current depth of every queue.
func (d *Dispatcher) Depths() map[string]int {
	d.mu.Lock()
	names := make([]string, 0, len(d.queues))
	for name := range d.queues {
		names = append(names, name)
	}
	d.mu.Unlock()
	sort.Strings(names)
	out := make(map[string]int, len(names))
	for _, name := range names {
		q, _ := d.Queue(name)
		out[name] = q.Depth()
	}
	return out
}

// RegisterQueueMetrics exports depth and capacity gauges for every queue
// added so far.
func (d *Dispatcher) RegisterQueueMetrics(reg prometheus.Registerer) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	for name, q := range d.queues {
		labels := prometheus.Labels{"queue": name}
		depth := prometheus.NewGaugeFunc(prometheus.GaugeOpts{
			Namespace:   "relaygraph",
			Name:        "queue_depth",
			Help:        "Jobs waiting in a work queue.",
			ConstLabels: labels,
		}, func() float64 { return float64(q.Depth()) })
		capacity := prometheus.NewGaugeFunc(prometheus.GaugeOpts{
			Namespace:   "relaygraph",
			Name:        "queue_capacity",
			Help:        "Capacity of a work queue.",
			ConstLabels: labels,
		}, func() float64 { return float64(q.Capacity()) })
		if err := reg.Register(depth); err != nil {
			return err
		}
		if err := reg.Register(capacity); err != nil {
			return err
		}
	}
	return nil
}

func (d *Dispatcher) Close() error {
	d.Stop()
	d.mu.Lock()
	defer d.mu.Unlock()
	var firstErr error
	for _, q := range d.queues {
		if err := q.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}
