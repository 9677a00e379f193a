//go:build integration

// Integration tests against a real NATS server with JetStream enabled.
// Run with: NATS_URL=nats://localhost:4222 go test -tags=integration ./internal/adapter/nats/...
package nats_test

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/google/uuid"

	mcnats "github.com/scouthq/missioncore/internal/adapter/nats"
	"github.com/scouthq/missioncore/internal/port/delivery"
	"github.com/scouthq/missioncore/internal/port/eventstream"
)

func connect(t *testing.T) *mcnats.Conn {
	t.Helper()
	url := os.Getenv("NATS_URL")
	if url == "" {
		t.Skip("NATS_URL not set")
	}
	conn, err := mcnats.Connect(url)
	if err != nil {
		t.Fatalf("connect: %v", err)
	}
	t.Cleanup(func() { _ = conn.Close() })
	return conn
}

func TestDelivery_RoundTrip(t *testing.T) {
	conn := connect(t)
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	q, err := mcnats.NewDelivery(ctx, conn, 30*time.Second)
	if err != nil {
		t.Fatalf("new delivery: %v", err)
	}

	missionID := "it-" + uuid.NewString()
	group := "it-group-" + uuid.NewString()[:8]
	msg := delivery.Message{
		MissionID: missionID,
		TaskID:    missionID + ":instance_run:i1",
		TaskType:  "instance_run",
		Attempt:   1,
	}
	if _, err := q.Publish(ctx, msg); err != nil {
		t.Fatalf("publish: %v", err)
	}

	// The task stream is shared across runs, so drain until our entry shows up.
	var got *delivery.Delivery
	for got == nil {
		d, err := q.Consume(ctx, group, "c1")
		if err != nil {
			t.Fatalf("consume: %v", err)
		}
		if d.Message.TaskID == msg.TaskID {
			got = d
			break
		}
		if err := q.Ack(ctx, group, d.ID); err != nil {
			t.Fatalf("ack stale entry: %v", err)
		}
	}
	if got.Message.Attempt != 1 {
		t.Fatalf("expected attempt 1, got %d", got.Message.Attempt)
	}
	if err := q.Ack(ctx, group, got.ID); err != nil {
		t.Fatalf("ack: %v", err)
	}
	if err := q.Ack(ctx, group, got.ID); err != nil {
		t.Fatalf("second ack must be a no-op, got %v", err)
	}
}

func TestEventStream_CursorResume(t *testing.T) {
	conn := connect(t)
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	s, err := mcnats.NewEventStream(ctx, conn, 10_000, time.Hour)
	if err != nil {
		t.Fatalf("new event stream: %v", err)
	}

	addr := eventstream.SchedulingAddress("it-" + uuid.NewString())
	var ids []string
	for i := 1; i <= 3; i++ {
		id, err := s.Publish(ctx, addr, eventstream.TypeTaskStarted,
			eventstream.TaskLifecyclePayload{MissionID: addr.Key, TaskID: "t1", Attempt: i}, nil)
		if err != nil {
			t.Fatalf("publish: %v", err)
		}
		ids = append(ids, id)
	}

	events, err := s.Read(ctx, addr, eventstream.CursorStart, 10, 2*time.Second)
	if err != nil {
		t.Fatalf("read from start: %v", err)
	}
	if len(events) != 3 {
		t.Fatalf("expected 3 events, got %d", len(events))
	}

	rest, err := s.Read(ctx, addr, ids[0], 10, 2*time.Second)
	if err != nil {
		t.Fatalf("read from cursor: %v", err)
	}
	if len(rest) != 2 || rest[0].DeliveryID != ids[1] {
		t.Fatalf("expected resume after first entry, got %+v", rest)
	}
}
