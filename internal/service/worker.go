package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/semaphore"

	"github.com/scouthq/missioncore/internal/logger"
	"github.com/scouthq/missioncore/internal/port/delivery"
	"github.com/scouthq/missioncore/internal/port/eventstream"
)

// Runner executes the body of one task delivery. Implementations must be
// idempotent: at-least-once delivery means the same task can run twice.
type Runner interface {
	Run(ctx context.Context, msg delivery.Message) error
}

// RunnerFunc adapts a function to the Runner interface.
type RunnerFunc func(ctx context.Context, msg delivery.Message) error

// Run calls f.
func (f RunnerFunc) Run(ctx context.Context, msg delivery.Message) error { return f(ctx, msg) }

// WorkerConfig holds worker pool tuning.
type WorkerConfig struct {
	Group       string
	Consumer    string // defaults to a random id
	Concurrency int64
}

// Worker consumes task deliveries, runs them through a Runner and publishes
// lifecycle events. It acks only after the success event is durably on the
// stream; a crash anywhere before the ack redelivers the task.
type Worker struct {
	delivery delivery.Channel
	stream   eventstream.Stream
	runner   Runner
	cfg      WorkerConfig
	log      *slog.Logger
	sem      *semaphore.Weighted
	wg       sync.WaitGroup
}

// NewWorker creates a worker. Concurrency <= 0 means one task at a time.
func NewWorker(deliveryCh delivery.Channel, stream eventstream.Stream, runner Runner, cfg WorkerConfig, log *slog.Logger) *Worker {
	if cfg.Consumer == "" {
		cfg.Consumer = "worker-" + uuid.NewString()[:8]
	}
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = 1
	}
	if log == nil {
		log = slog.Default()
	}
	return &Worker{
		delivery: deliveryCh,
		stream:   stream,
		runner:   runner,
		cfg:      cfg,
		log:      log.With("group", cfg.Group, "consumer", cfg.Consumer),
		sem:      semaphore.NewWeighted(cfg.Concurrency),
	}
}

// Run consumes deliveries until ctx is done or the channel closes, then
// waits for in-flight tasks to finish.
func (w *Worker) Run(ctx context.Context) error {
	defer w.wg.Wait()
	w.log.Info("worker started", "concurrency", w.cfg.Concurrency)

	for {
		if err := w.sem.Acquire(ctx, 1); err != nil {
			return ctx.Err()
		}

		d, err := w.delivery.Consume(ctx, w.cfg.Group, w.cfg.Consumer)
		if err != nil {
			w.sem.Release(1)
			switch {
			case ctx.Err() != nil:
				return ctx.Err()
			case errors.Is(err, delivery.ErrClosed):
				w.log.Info("delivery channel closed, worker stopping")
				return nil
			case errors.Is(err, delivery.ErrUnavailable):
				w.log.Warn("delivery channel unavailable", "error", err)
				select {
				case <-time.After(time.Second):
				case <-ctx.Done():
					return ctx.Err()
				}
				continue
			default:
				w.log.Error("consume delivery", "error", err)
				continue
			}
		}

		w.wg.Add(1)
		go func() {
			defer w.wg.Done()
			defer w.sem.Release(1)
			w.handle(ctx, d)
		}()
	}
}

// handle runs one delivery end to end: started event, runner, then either a
// failed event (leaving the delivery un-acked for redelivery) or a succeeded
// event followed by the ack.
func (w *Worker) handle(ctx context.Context, d *delivery.Delivery) {
	msg := d.Message
	log := w.log.With("mission_id", msg.MissionID, "task_id", msg.TaskID, "attempt", msg.Attempt)
	addr := eventstream.SchedulingAddress(msg.MissionID)
	payload := eventstream.TaskLifecyclePayload{
		MissionID: msg.MissionID,
		TaskID:    msg.TaskID,
		Attempt:   msg.Attempt,
		TaskKey:   msg.TaskKey,
		Worker:    w.cfg.Consumer,
	}

	if _, err := w.stream.Publish(ctx, addr, eventstream.TypeTaskStarted, payload, nil); err != nil {
		log.Error("publish task.started", "error", err)
	}

	runCtx := logger.WithMissionID(ctx, msg.MissionID)
	if err := w.runner.Run(runCtx, msg); err != nil {
		log.Warn("task run failed", "error", err)
		failed := payload
		failed.Error = err.Error()
		// No ack: the delivery stays pending and redelivers after the
		// visibility window unless the coordinator republishes first.
		if _, perr := w.stream.Publish(ctx, addr, eventstream.TypeTaskFailed, failed, nil); perr != nil {
			log.Error("publish task.failed", "error", perr)
		}
		return
	}

	// Success must be on the stream before the ack. If the publish fails we
	// leave the delivery un-acked and let redelivery drive another attempt;
	// the coordinator's dedup absorbs the duplicate completion.
	if _, err := w.stream.Publish(ctx, addr, eventstream.TypeTaskSucceeded, payload, nil); err != nil {
		log.Error("publish task.succeeded, leaving delivery un-acked", "error", err)
		return
	}

	if err := w.delivery.Ack(ctx, w.cfg.Group, d.ID); err != nil {
		log.Error("ack delivery", "error", err)
		return
	}
	if _, err := w.stream.Publish(ctx, addr, eventstream.TypeTaskAcked, payload, nil); err != nil {
		log.Error("publish task.acked", "error", err)
	}
	log.Debug("task completed")
}

// String identifies the worker in logs.
func (w *Worker) String() string {
	return fmt.Sprintf("%s/%s", w.cfg.Group, w.cfg.Consumer)
}
