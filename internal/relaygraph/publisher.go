package relaygraph

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/nats-io/nats.go"
)

// Publisher delivers domain events to external subscribers.
type Publisher interface {
	Publish(ctx context.Context, event DomainEvent) error
}

// Hub fans events out to in-process subscribers, filtered by org. A
// subscriber that falls behind loses events rather than blocking the
// publisher.
type Hub struct {
	mu      sync.RWMutex
	nextID  int
	subs    map[int]hubSubscriber
	dropped atomic.Int64
}

type hubSubscriber struct {
	orgID string
	ch    chan DomainEvent
}

func NewHub() *Hub {
	return &Hub{subs: map[int]hubSubscriber{}}
}

// Subscribe returns a channel of events for orgID ("" receives every org)
// and a cancel func that closes it.
func (h *Hub) Subscribe(orgID string, buffer int) (<-chan DomainEvent, func()) {
	if buffer <= 0 {
		buffer = 64
	}
	ch := make(chan DomainEvent, buffer)
	h.mu.Lock()
	id := h.nextID
	h.nextID++
	h.subs[id] = hubSubscriber{orgID: orgID, ch: ch}
	h.mu.Unlock()

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			h.mu.Lock()
			delete(h.subs, id)
			h.mu.Unlock()
			close(ch)
		})
	}
}

func (h *Hub) Publish(_ context.Context, event DomainEvent) error {
	h.mu.RLock()
	defer h.mu.RUnlock()
	for _, sub := range h.subs {
		if sub.orgID != "" && sub.orgID != event.OrgID {
			continue
		}
		select {
		case sub.ch <- event:
		default:
			h.dropped.Add(1)
		}
	}
	return nil
}

func (h *Hub) Subscribers() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.subs)
}

func (h *Hub) Dropped() int64 {
	return h.dropped.Load()
}

// NATSPublisher publishes each event on "<prefix>.<event type>".
type NATSPublisher struct {
	conn   *nats.Conn
	prefix string
	owned  bool
}

func NewNATSPublisher(conn *nats.Conn, prefix string) *NATSPublisher {
	prefix = strings.TrimSpace(prefix)
	if prefix == "" {
		prefix = DefaultNATSSubjectPrefix
	}
	return &NATSPublisher{conn: conn, prefix: prefix}
}

func DialNATSPublisher(url, prefix string) (*NATSPublisher, error) {
	conn, err := nats.Connect(url, nats.Name("relaygraph-events"))
	if err != nil {
		return nil, fmt.Errorf("connect nats: %w", err)
	}
	p := NewNATSPublisher(conn, prefix)
	p.owned = true
	return p, nil
}

func (p *NATSPublisher) Subject(eventType string) string {
	return p.prefix + "." + eventType
}

func (p *NATSPublisher) Publish(_ context.Context, event DomainEvent) error {
	data, err := json.Marshal(event)
	if err != nil {
		return err
	}
	return p.conn.Publish(p.Subject(event.Type), data)
}

func (p *NATSPublisher) Close() error {
	if p == nil || p.conn == nil || !p.owned {
		return nil
	}
	return p.conn.Drain()
}

// MultiPublisher publishes to every publisher and joins their errors.
type MultiPublisher []Publisher

func (m MultiPublisher) Publish(ctx context.Context, event DomainEvent) error {
	var errs []error
	for _, p := range m {
		if p == nil {
			continue
		}
		if err := p.Publish(ctx, event); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
