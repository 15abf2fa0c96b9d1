package relaygraph

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/agentworkforce/relaygraph/internal/graph"
)

const defaultQueueCapacity = 1024

// Job is one unit of queued work. Payload is the JSON-encoded handler input.
type Job struct {
	ID         string          `json:"id"`
	Queue      string          `json:"queue"`
	Name       string          `json:"name"`
	Payload    json.RawMessage `json:"payload"`
	EnqueuedAt time.Time       `json:"enqueuedAt"`
}

// WorkQueue is a bounded FIFO of jobs. TryEnqueue never blocks and returns
// ErrQueueFull when the queue is at capacity; any other error comes from the
// backend. Enqueue and Dequeue block until they succeed or ctx is done.
// Delivery is at-least-once across restarts for durable backends.
type WorkQueue interface {
	TryEnqueue(job Job) error
	Enqueue(ctx context.Context, job Job) bool
	Dequeue(ctx context.Context) (Job, bool)
	Depth() int
	Capacity() int
	Close() error
}

type WorkQueueFactory func(dsn, queueName string, capacity int) (WorkQueue, error)

var workQueueFactories = struct {
	mu        sync.RWMutex
	factories map[string]WorkQueueFactory
}{factories: map[string]WorkQueueFactory{}}

func RegisterWorkQueueFactory(scheme string, factory WorkQueueFactory) {
	scheme = graph.NormalizeScheme(scheme)
	if scheme == "" || factory == nil {
		return
	}
	workQueueFactories.mu.Lock()
	defer workQueueFactories.mu.Unlock()
	workQueueFactories.factories[scheme] = factory
}

func lookupWorkQueueFactory(scheme string) (WorkQueueFactory, bool) {
	scheme = graph.NormalizeScheme(scheme)
	workQueueFactories.mu.RLock()
	defer workQueueFactories.mu.RUnlock()
	factory, ok := workQueueFactories.factories[scheme]
	return factory, ok
}

// BuildWorkQueueFromDSN builds the named queue. An empty DSN gives an
// in-memory queue.
func BuildWorkQueueFromDSN(dsn, queueName string, capacity int) (WorkQueue, error) {
	dsn = strings.TrimSpace(dsn)
	queueName = strings.TrimSpace(queueName)
	if queueName == "" {
		return nil, fmt.Errorf("%w: queue name is required", ErrInvalidInput)
	}
	if dsn == "" {
		return NewMemoryWorkQueue(capacity), nil
	}
	parsed, err := url.Parse(dsn)
	if err != nil {
		return nil, err
	}
	scheme := graph.NormalizeScheme(parsed.Scheme)
	if factory, ok := lookupWorkQueueFactory(scheme); ok {
		return factory(dsn, queueName, capacity)
	}
	switch scheme {
	case "", "file":
		path, pathErr := graph.DSNPath(parsed, dsn)
		if pathErr != nil {
			return nil, pathErr
		}
		return NewFileWorkQueue(path, capacity)
	case "memory", "mem", "inmem":
		return NewMemoryWorkQueue(capacity), nil
	case "postgres", "postgresql":
		q, err := NewPostgresWorkQueue(dsn, queueName, capacity)
		if err != nil {
			return nil, err
		}
		return q, nil
	case "nats":
		return NewNATSWorkQueueFromDSN(parsed, queueName, capacity)
	case "redis", "rediss", "sqs", "kafka":
		return nil, fmt.Errorf("%w: work queue backend %s", ErrNotImplemented, scheme)
	default:
		return nil, fmt.Errorf("unsupported work queue scheme: %s", scheme)
	}
}

type memoryWorkQueue struct {
	ch chan Job
}

func NewMemoryWorkQueue(capacity int) WorkQueue {
	if capacity <= 0 {
		capacity = defaultQueueCapacity
	}
	return &memoryWorkQueue{ch: make(chan Job, capacity)}
}

func (q *memoryWorkQueue) TryEnqueue(job Job) error {
	if q == nil || job.ID == "" {
		return ErrInvalidInput
	}
	select {
	case q.ch <- job:
		return nil
	default:
		return ErrQueueFull
	}
}

// enqueueWithRetry retries TryEnqueue every interval until it succeeds, the
// job is rejected as invalid, or ctx is done.
func enqueueWithRetry(ctx context.Context, q WorkQueue, job Job, interval time.Duration) bool {
	for {
		err := q.TryEnqueue(job)
		if err == nil {
			return true
		}
		if errors.Is(err, ErrInvalidInput) {
			return false
		}
		select {
		case <-ctx.Done():
			return false
		case <-time.After(interval):
		}
	}
}

func (q *memoryWorkQueue) Enqueue(ctx context.Context, job Job) bool {
	if q == nil || job.ID == "" {
		return false
	}
	select {
	case q.ch <- job:
		return true
	case <-ctx.Done():
		return false
	}
}

func (q *memoryWorkQueue) Dequeue(ctx context.Context) (Job, bool) {
	if q == nil {
		return Job{}, false
	}
	select {
	case job := <-q.ch:
		return job, true
	case <-ctx.Done():
		return Job{}, false
	}
}

func (q *memoryWorkQueue) Depth() int {
	if q == nil {
		return 0
	}
	return len(q.ch)
}

func (q *memoryWorkQueue) Capacity() int {
	if q == nil {
		return 0
	}
	return cap(q.ch)
}

func (q *memoryWorkQueue) Close() error {
	return nil
}
