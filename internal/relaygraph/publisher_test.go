package relaygraph

import (
	"context"
	"errors"
	"testing"
)

func TestHubFiltersByOrg(t *testing.T) {
	hub := NewHub()
	org1, cancel1 := hub.Subscribe("org_1", 2)
	defer cancel1()
	all, cancelAll := hub.Subscribe("", 2)
	defer cancelAll()

	ctx := context.Background()
	_ = hub.Publish(ctx, DomainEvent{Type: DomainEventFileProcessed, OrgID: "org_2", FileID: "f2"})
	_ = hub.Publish(ctx, DomainEvent{Type: DomainEventFileProcessed, OrgID: "org_1", FileID: "f1"})

	if got := <-org1; got.FileID != "f1" {
		t.Fatalf("expected org_1 subscriber to see only f1, got %+v", got)
	}
	if len(org1) != 0 {
		t.Fatalf("expected no further events for org_1")
	}
	if first, second := <-all, <-all; first.FileID != "f2" || second.FileID != "f1" {
		t.Fatalf("expected wildcard subscriber to see both, got %s and %s", first.FileID, second.FileID)
	}
}

func TestHubDropsForSlowSubscribers(t *testing.T) {
	hub := NewHub()
	_, cancel := hub.Subscribe("org_1", 1)
	ctx := context.Background()
	for i := 0; i < 3; i++ {
		if err := hub.Publish(ctx, DomainEvent{OrgID: "org_1"}); err != nil {
			t.Fatalf("publish: %v", err)
		}
	}
	if hub.Dropped() != 2 {
		t.Fatalf("expected two dropped events, got %d", hub.Dropped())
	}
	cancel()
	cancel()
	if hub.Subscribers() != 0 {
		t.Fatalf("expected cancel to unsubscribe, got %d", hub.Subscribers())
	}
}

type errPublisher struct{ err error }

func (p errPublisher) Publish(context.Context, DomainEvent) error { return p.err }

func TestMultiPublisherJoinsErrors(t *testing.T) {
	hub := NewHub()
	events, cancel := hub.Subscribe("", 1)
	defer cancel()
	boom := errors.New("boom")
	multi := MultiPublisher{errPublisher{err: boom}, nil, hub}
	err := multi.Publish(context.Background(), DomainEvent{OrgID: "org_1"})
	if !errors.Is(err, boom) {
		t.Fatalf("expected joined error, got %v", err)
	}
	if len(events) != 1 {
		t.Fatalf("expected later publishers to still receive the event")
	}
}

func TestNATSPublisherSubject(t *testing.T) {
	p := NewNATSPublisher(nil, "")
	if got := p.Subject(DomainEventFileClusterProcessed); got != "relaygraph.file.cluster.processed" {
		t.Fatalf("unexpected subject %q", got)
	}
	if err := p.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}
}
