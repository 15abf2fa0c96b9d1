package relaygraph

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"
)

type fileWorkQueue struct {
	path         string
	capacity     int
	pollInterval time.Duration
	mu           sync.Mutex
	items        []Job
}

type fileWorkQueueState struct {
	Items []Job `json:"items"`
}

// NewFileWorkQueue persists the queue as a JSON document, rewritten
// atomically on every change.
func NewFileWorkQueue(path string, capacity int) (WorkQueue, error) {
	path = strings.TrimSpace(path)
	if path == "" {
		return nil, ErrInvalidInput
	}
	if capacity <= 0 {
		capacity = defaultQueueCapacity
	}
	q := &fileWorkQueue{
		path:         path,
		capacity:     capacity,
		pollInterval: 10 * time.Millisecond,
		items:        []Job{},
	}
	if err := q.load(); err != nil {
		return nil, err
	}
	return q, nil
}

func (q *fileWorkQueue) TryEnqueue(job Job) error {
	if strings.TrimSpace(job.ID) == "" {
		return ErrInvalidInput
	}
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.items) >= q.capacity {
		return ErrQueueFull
	}
	q.items = append(q.items, job)
	if err := q.saveLocked(); err != nil {
		q.items = q.items[:len(q.items)-1]
		return fmt.Errorf("persist queue: %w", err)
	}
	return nil
}

func (q *fileWorkQueue) Enqueue(ctx context.Context, job Job) bool {
	return enqueueWithRetry(ctx, q, job, q.pollInterval)
}

func (q *fileWorkQueue) Dequeue(ctx context.Context) (Job, bool) {
	for {
		q.mu.Lock()
		if len(q.items) > 0 {
			item := q.items[0]
			q.items = q.items[1:]
			if err := q.saveLocked(); err != nil {
				q.items = append([]Job{item}, q.items...)
				q.mu.Unlock()
				select {
				case <-ctx.Done():
					return Job{}, false
				case <-time.After(q.pollInterval):
					continue
				}
			}
			q.mu.Unlock()
			return item, true
		}
		q.mu.Unlock()
		select {
		case <-ctx.Done():
			return Job{}, false
		case <-time.After(q.pollInterval):
		}
	}
}

func (q *fileWorkQueue) Depth() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}

func (q *fileWorkQueue) Capacity() int {
	return q.capacity
}

func (q *fileWorkQueue) Close() error {
	return nil
}

func (q *fileWorkQueue) load() error {
	q.mu.Lock()
	defer q.mu.Unlock()
	data, err := os.ReadFile(q.path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil
		}
		return err
	}
	var state fileWorkQueueState
	if err := json.Unmarshal(data, &state); err != nil {
		return err
	}
	if len(state.Items) > q.capacity {
		q.items = append([]Job(nil), state.Items[len(state.Items)-q.capacity:]...)
		return q.saveLocked()
	}
	q.items = append([]Job(nil), state.Items...)
	return nil
}

func (q *fileWorkQueue) saveLocked() error {
	data, err := json.Marshal(fileWorkQueueState{Items: q.items})
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(q.path), 0o755); err != nil {
		return err
	}
	tmp := q.path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return err
	}
	return os.Rename(tmp, q.path)
}
