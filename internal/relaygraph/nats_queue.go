package relaygraph

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"
)

const (
	DefaultNATSStream        = "RELAYGRAPH_WORK"
	DefaultNATSSubjectPrefix = "relaygraph"

	natsOperationTimeout = 5 * time.Second
	natsFetchWait        = time.Second
	natsEnqueueRetry     = 100 * time.Millisecond
)

type NATSWorkQueueOptions struct {
	URL           string
	Stream        string
	SubjectPrefix string
	Queue         string
	Capacity      int
	AckWait       time.Duration
}

// NATSWorkQueue is a JetStream work-queue stream with one durable pull
// consumer per queue. Messages are acked when dequeued.
type NATSWorkQueue struct {
	conn     *nats.Conn
	js       jetstream.JetStream
	consumer jetstream.Consumer
	subject  string
	capacity int
}

// NewNATSWorkQueueFromDSN reads the stream and subject prefix from the
// "stream" and "prefix" query parameters.
func NewNATSWorkQueueFromDSN(parsed *url.URL, queueName string, capacity int) (WorkQueue, error) {
	query := parsed.Query()
	server := *parsed
	server.RawQuery = ""
	q, err := NewNATSWorkQueue(context.Background(), NATSWorkQueueOptions{
		URL:           server.String(),
		Stream:        query.Get("stream"),
		SubjectPrefix: query.Get("prefix"),
		Queue:         queueName,
		Capacity:      capacity,
	})
	if err != nil {
		return nil, err
	}
	return q, nil
}

func NewNATSWorkQueue(ctx context.Context, opts NATSWorkQueueOptions) (*NATSWorkQueue, error) {
	if strings.TrimSpace(opts.URL) == "" || strings.TrimSpace(opts.Queue) == "" {
		return nil, ErrInvalidInput
	}
	stream := strings.TrimSpace(opts.Stream)
	if stream == "" {
		stream = DefaultNATSStream
	}
	prefix := strings.TrimSpace(opts.SubjectPrefix)
	if prefix == "" {
		prefix = DefaultNATSSubjectPrefix
	}
	capacity := opts.Capacity
	if capacity <= 0 {
		capacity = defaultQueueCapacity
	}
	ackWait := opts.AckWait
	if ackWait <= 0 {
		ackWait = 30 * time.Second
	}

	conn, err := nats.Connect(opts.URL, nats.Name("relaygraph-"+opts.Queue))
	if err != nil {
		return nil, fmt.Errorf("connect nats: %w", err)
	}
	js, err := jetstream.New(conn)
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("get jetstream: %w", err)
	}
	setupCtx, cancel := context.WithTimeout(ctx, natsOperationTimeout)
	defer cancel()
	s, err := js.CreateOrUpdateStream(setupCtx, jetstream.StreamConfig{
		Name:      stream,
		Subjects:  []string{prefix + ".work.>"},
		Retention: jetstream.WorkQueuePolicy,
	})
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("create stream %s: %w", stream, err)
	}
	subject := prefix + ".work." + opts.Queue
	consumer, err := s.CreateOrUpdateConsumer(setupCtx, jetstream.ConsumerConfig{
		Durable:       "relaygraph-" + opts.Queue,
		FilterSubject: subject,
		AckPolicy:     jetstream.AckExplicitPolicy,
		AckWait:       ackWait,
	})
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("create consumer: %w", err)
	}
	return &NATSWorkQueue{
		conn:     conn,
		js:       js,
		consumer: consumer,
		subject:  subject,
		capacity: capacity,
	}, nil
}

func (q *NATSWorkQueue) TryEnqueue(job Job) error {
	if q == nil || strings.TrimSpace(job.ID) == "" {
		return ErrInvalidInput
	}
	if q.Depth() >= q.capacity {
		return ErrQueueFull
	}
	data, err := json.Marshal(job)
	if err != nil {
		return fmt.Errorf("%w: encode job: %v", ErrInvalidInput, err)
	}
	ctx, cancel := context.WithTimeout(context.Background(), natsOperationTimeout)
	defer cancel()
	if _, err := q.js.Publish(ctx, q.subject, data, jetstream.WithMsgID(job.ID)); err != nil {
		return fmt.Errorf("publish to %s: %w", q.subject, err)
	}
	return nil
}

func (q *NATSWorkQueue) Enqueue(ctx context.Context, job Job) bool {
	return enqueueWithRetry(ctx, q, job, natsEnqueueRetry)
}

func (q *NATSWorkQueue) Dequeue(ctx context.Context) (Job, bool) {
	for {
		if ctx.Err() != nil {
			return Job{}, false
		}
		batch, err := q.consumer.Fetch(1, jetstream.FetchMaxWait(natsFetchWait))
		if err != nil {
			if errors.Is(err, nats.ErrConnectionClosed) {
				return Job{}, false
			}
			continue
		}
		for msg := range batch.Messages() {
			var job Job
			if err := json.Unmarshal(msg.Data(), &job); err != nil {
				_ = msg.Term()
				continue
			}
			if err := msg.Ack(); err != nil {
				continue
			}
			return job, true
		}
	}
}

func (q *NATSWorkQueue) Depth() int {
	ctx, cancel := context.WithTimeout(context.Background(), natsOperationTimeout)
	defer cancel()
	info, err := q.consumer.Info(ctx)
	if err != nil {
		return 0
	}
	return int(info.NumPending) + info.NumAckPending
}

func (q *NATSWorkQueue) Capacity() int {
	return q.capacity
}

func (q *NATSWorkQueue) Close() error {
	if q == nil || q.conn == nil {
		return nil
	}
	return q.conn.Drain()
}
