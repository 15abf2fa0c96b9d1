package relaygraph

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"hash/fnv"
	"strings"
	"sync"
	"time"

	"github.com/agentworkforce/relaygraph/internal/graph"
)

const (
	postgresWorkQueueTableName = "relaygraph_work_queue"
	postgresQueuePollInterval  = 10 * time.Millisecond
)

// PostgresWorkQueue stores every named queue in one table keyed by
// queue_key. Enqueue takes a transaction-scoped advisory lock so the
// capacity check and insert are atomic; dequeue uses SKIP LOCKED so
// workers on separate processes never receive the same row.
type PostgresWorkQueue struct {
	dsn          string
	tableName    string
	queueKey     string
	capacity     int
	pollInterval time.Duration
	openDB       sqlOpenFunc

	initOnce sync.Once
	initErr  error
	db       *sql.DB
}

func NewPostgresWorkQueue(dsn, queueName string, capacity int) (*PostgresWorkQueue, error) {
	dsn = strings.TrimSpace(dsn)
	if dsn == "" || strings.TrimSpace(queueName) == "" {
		return nil, ErrInvalidInput
	}
	if capacity <= 0 {
		capacity = defaultQueueCapacity
	}
	return &PostgresWorkQueue{
		dsn:          dsn,
		tableName:    postgresWorkQueueTableName,
		queueKey:     queueName,
		capacity:     capacity,
		pollInterval: postgresQueuePollInterval,
		openDB:       sql.Open,
	}, nil
}

func (q *PostgresWorkQueue) ensureReady() error {
	q.initOnce.Do(func() {
		db, err := q.openDB("postgres", q.dsn)
		if err != nil {
			q.initErr = err
			return
		}
		ctx, cancel := context.WithTimeout(context.Background(), recordOperationTimeout)
		defer cancel()

		createTableQuery := fmt.Sprintf(`
			CREATE TABLE IF NOT EXISTS %s (
				id BIGSERIAL PRIMARY KEY,
				queue_key TEXT NOT NULL,
				payload TEXT NOT NULL,
				created_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
			)`, graph.QuoteIdentifier(q.tableName))
		if _, err := db.ExecContext(ctx, createTableQuery); err != nil {
			_ = db.Close()
			q.initErr = err
			return
		}
		createIndexQuery := fmt.Sprintf(
			"CREATE INDEX IF NOT EXISTS %s ON %s (queue_key, id)",
			graph.QuoteIdentifier(q.tableName+"_queue_key_id_idx"),
			graph.QuoteIdentifier(q.tableName),
		)
		if _, err := db.ExecContext(ctx, createIndexQuery); err != nil {
			_ = db.Close()
			q.initErr = err
			return
		}
		q.db = db
	})
	return q.initErr
}

func (q *PostgresWorkQueue) TryEnqueue(job Job) error {
	if q == nil || strings.TrimSpace(job.ID) == "" {
		return ErrInvalidInput
	}
	payload, err := json.Marshal(job)
	if err != nil {
		return fmt.Errorf("%w: encode job: %v", ErrInvalidInput, err)
	}
	if err := q.ensureReady(); err != nil {
		return fmt.Errorf("postgres queue %s: %w", q.queueKey, err)
	}
	ctx, cancel := context.WithTimeout(context.Background(), recordOperationTimeout)
	defer cancel()

	tx, err := q.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("postgres queue %s: begin: %w", q.queueKey, err)
	}
	committed := false
	defer func() {
		if !committed {
			_ = tx.Rollback()
		}
	}()

	if _, err := tx.ExecContext(ctx, "SELECT pg_advisory_xact_lock($1)", queueLockKey(q.tableName, q.queueKey)); err != nil {
		return fmt.Errorf("postgres queue %s: lock: %w", q.queueKey, err)
	}
	var depth int
	countQuery := fmt.Sprintf("SELECT COUNT(*) FROM %s WHERE queue_key = $1", graph.QuoteIdentifier(q.tableName))
	if err := tx.QueryRowContext(ctx, countQuery, q.queueKey).Scan(&depth); err != nil {
		return fmt.Errorf("postgres queue %s: depth: %w", q.queueKey, err)
	}
	if depth >= q.capacity {
		return ErrQueueFull
	}
	insertQuery := fmt.Sprintf("INSERT INTO %s (queue_key, payload, created_at) VALUES ($1, $2, NOW())", graph.QuoteIdentifier(q.tableName))
	if _, err := tx.ExecContext(ctx, insertQuery, q.queueKey, string(payload)); err != nil {
		return fmt.Errorf("postgres queue %s: insert: %w", q.queueKey, err)
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("postgres queue %s: commit: %w", q.queueKey, err)
	}
	committed = true
	return nil
}

func (q *PostgresWorkQueue) Enqueue(ctx context.Context, job Job) bool {
	return enqueueWithRetry(ctx, q, job, q.pollInterval)
}

func (q *PostgresWorkQueue) Dequeue(ctx context.Context) (Job, bool) {
	for {
		if job, ok := q.tryDequeue(ctx); ok {
			return job, true
		}
		select {
		case <-ctx.Done():
			return Job{}, false
		case <-time.After(q.pollInterval):
		}
	}
}

func (q *PostgresWorkQueue) tryDequeue(ctx context.Context) (Job, bool) {
	if err := q.ensureReady(); err != nil {
		return Job{}, false
	}
	tx, err := q.db.BeginTx(ctx, nil)
	if err != nil {
		return Job{}, false
	}
	committed := false
	defer func() {
		if !committed {
			_ = tx.Rollback()
		}
	}()

	query := fmt.Sprintf(`
		SELECT id, payload
		FROM %s
		WHERE queue_key = $1
		ORDER BY id ASC
		LIMIT 1
		FOR UPDATE SKIP LOCKED`, graph.QuoteIdentifier(q.tableName))
	var id int64
	var payload string
	err = tx.QueryRowContext(ctx, query, q.queueKey).Scan(&id, &payload)
	if errors.Is(err, sql.ErrNoRows) || err != nil {
		return Job{}, false
	}
	deleteQuery := fmt.Sprintf("DELETE FROM %s WHERE id = $1", graph.QuoteIdentifier(q.tableName))
	if _, err := tx.ExecContext(ctx, deleteQuery, id); err != nil {
		return Job{}, false
	}
	if err := tx.Commit(); err != nil {
		return Job{}, false
	}
	committed = true
	var job Job
	if err := json.Unmarshal([]byte(payload), &job); err != nil {
		return Job{}, false
	}
	return job, true
}

func (q *PostgresWorkQueue) Depth() int {
	if err := q.ensureReady(); err != nil {
		return 0
	}
	ctx, cancel := context.WithTimeout(context.Background(), recordOperationTimeout)
	defer cancel()
	var depth int
	query := fmt.Sprintf("SELECT COUNT(*) FROM %s WHERE queue_key = $1", graph.QuoteIdentifier(q.tableName))
	if err := q.db.QueryRowContext(ctx, query, q.queueKey).Scan(&depth); err != nil {
		return 0
	}
	return depth
}

func (q *PostgresWorkQueue) Capacity() int {
	return q.capacity
}

func (q *PostgresWorkQueue) Close() error {
	if q == nil || q.db == nil {
		return nil
	}
	return q.db.Close()
}

func queueLockKey(tableName, queueKey string) int64 {
	hasher := fnv.New64a()
	_, _ = hasher.Write([]byte(strings.TrimSpace(tableName)))
	_, _ = hasher.Write([]byte{0})
	_, _ = hasher.Write([]byte(strings.TrimSpace(queueKey)))
	return int64(hasher.Sum64())
}
