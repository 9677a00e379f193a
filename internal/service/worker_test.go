package service_test

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/scouthq/missioncore/internal/adapter/memory"
	"github.com/scouthq/missioncore/internal/port/delivery"
	"github.com/scouthq/missioncore/internal/port/eventstream"
	"github.com/scouthq/missioncore/internal/service"
)

func readTypes(t *testing.T, s *memory.Stream, missionID string, want int) []eventstream.Event {
	t.Helper()
	addr := eventstream.SchedulingAddress(missionID)
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		events, err := s.Read(context.Background(), addr, eventstream.CursorStart, 100, 50*time.Millisecond)
		if err != nil {
			t.Fatalf("read: %v", err)
		}
		if len(events) >= want {
			return events
		}
	}
	t.Fatalf("did not observe %d events in time", want)
	return nil
}

func TestWorker_SuccessPublishesAndAcks(t *testing.T) {
	q := memory.NewDelivery(10 * time.Second)
	s := memory.NewStream(0, 0)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	w := service.NewWorker(q, s, newCountingRunner(nil),
		service.WorkerConfig{Group: "g1", Concurrency: 1}, nil)
	go func() { _ = w.Run(ctx) }()

	msg := delivery.Message{MissionID: "m1", TaskID: "m1:instance_run:i1", TaskType: "instance_run", Attempt: 1}
	if _, err := q.Publish(ctx, msg); err != nil {
		t.Fatalf("publish: %v", err)
	}

	events := readTypes(t, s, "m1", 3)
	seen := map[string]int{}
	for _, ev := range events {
		seen[ev.Type]++
	}
	if seen[eventstream.TypeTaskStarted] != 1 ||
		seen[eventstream.TypeTaskSucceeded] != 1 ||
		seen[eventstream.TypeTaskAcked] != 1 {
		t.Fatalf("expected started/succeeded/acked once each, got %v", seen)
	}
	if seen[eventstream.TypeTaskFailed] != 0 {
		t.Fatalf("unexpected failure event: %v", seen)
	}
}

func TestWorker_FailureLeavesDeliveryUnacked(t *testing.T) {
	// Short visibility so the un-acked failure redelivers within the test.
	q := memory.NewDelivery(50 * time.Millisecond)
	s := memory.NewStream(0, 0)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	runner := newCountingRunner(map[string]int{"m2:instance_run:i1": 1})
	w := service.NewWorker(q, s, runner,
		service.WorkerConfig{Group: "g1", Concurrency: 1}, nil)
	go func() { _ = w.Run(ctx) }()

	msg := delivery.Message{MissionID: "m2", TaskID: "m2:instance_run:i1", TaskType: "instance_run", Attempt: 1}
	if _, err := q.Publish(ctx, msg); err != nil {
		t.Fatalf("publish: %v", err)
	}

	// First delivery fails without an ack, the redelivery succeeds with a
	// bumped attempt.
	events := readTypes(t, s, "m2", 5) // started, failed, started, succeeded, acked
	var failed, succeeded *eventstream.Event
	for i := range events {
		switch events[i].Type {
		case eventstream.TypeTaskFailed:
			failed = &events[i]
		case eventstream.TypeTaskSucceeded:
			succeeded = &events[i]
		}
	}
	if failed == nil || succeeded == nil {
		t.Fatalf("expected both a failure and a redelivered success")
	}

	var fp, sp eventstream.TaskLifecyclePayload
	if err := json.Unmarshal(failed.Data, &fp); err != nil {
		t.Fatalf("decode failed payload: %v", err)
	}
	if err := json.Unmarshal(succeeded.Data, &sp); err != nil {
		t.Fatalf("decode succeeded payload: %v", err)
	}
	if fp.Attempt != 1 {
		t.Fatalf("expected first attempt to fail, got attempt %d", fp.Attempt)
	}
	if sp.Attempt <= fp.Attempt {
		t.Fatalf("expected redelivery with bumped attempt, got %d after %d", sp.Attempt, fp.Attempt)
	}
	if fp.Error == "" {
		t.Fatalf("expected failure payload to carry the error")
	}
}

func TestWorker_ConcurrencyCap(t *testing.T) {
	q := memory.NewDelivery(10 * time.Second)
	s := memory.NewStream(0, 0)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var mu sync.Mutex
	running, peak := 0, 0
	release := make(chan struct{})
	runner := service.RunnerFunc(func(_ context.Context, _ delivery.Message) error {
		mu.Lock()
		running++
		if running > peak {
			peak = running
		}
		mu.Unlock()
		<-release
		mu.Lock()
		running--
		mu.Unlock()
		return nil
	})

	w := service.NewWorker(q, s, runner,
		service.WorkerConfig{Group: "g1", Concurrency: 2}, nil)
	go func() { _ = w.Run(ctx) }()

	for i := 0; i < 4; i++ {
		msg := delivery.Message{MissionID: "m3", TaskID: "t" + string(rune('a'+i)), Attempt: 1}
		if _, err := q.Publish(ctx, msg); err != nil {
			t.Fatalf("publish: %v", err)
		}
	}

	// Two task bodies should saturate the semaphore.
	waitFor(t, 5*time.Second, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return running == 2
	})
	time.Sleep(50 * time.Millisecond)
	mu.Lock()
	if peak > 2 {
		mu.Unlock()
		t.Fatalf("concurrency cap exceeded: peak %d", peak)
	}
	mu.Unlock()

	close(release)
	readTypes(t, s, "m3", 12) // 4 x started/succeeded/acked
}

func TestWorker_StopsOnClosedChannel(t *testing.T) {
	q := memory.NewDelivery(time.Second)
	s := memory.NewStream(0, 0)

	w := service.NewWorker(q, s, newCountingRunner(nil),
		service.WorkerConfig{Group: "g1", Concurrency: 1}, nil)

	done := make(chan error, 1)
	go func() { done <- w.Run(context.Background()) }()

	_ = q.Close()
	select {
	case err := <-done:
		if err != nil && !errors.Is(err, delivery.ErrClosed) {
			t.Fatalf("expected clean stop, got %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatalf("worker did not stop after channel close")
	}
}
