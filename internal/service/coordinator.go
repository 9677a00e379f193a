// Package service contains the scheduling services: the per-mission
// coordinator loop and the worker harness.
package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	retrylib "github.com/sethvargo/go-retry"

	"github.com/scouthq/missioncore/internal/domain/graph"
	"github.com/scouthq/missioncore/internal/domain/mission"
	"github.com/scouthq/missioncore/internal/domain/task"
	"github.com/scouthq/missioncore/internal/port/delivery"
	"github.com/scouthq/missioncore/internal/port/eventstream"
	"github.com/scouthq/missioncore/internal/port/repository"
	"github.com/scouthq/missioncore/internal/resilience"
)

// MissionState is the coordinator's lifecycle state for one mission.
type MissionState string

const (
	MissionInitializing MissionState = "initializing"
	MissionRunning      MissionState = "running"
	MissionCompleted    MissionState = "completed"
	MissionDeadlocked   MissionState = "deadlocked"
	MissionAborted      MissionState = "aborted"
)

// ErrDeadlocked is reported when pending tasks remain but nothing can run.
var ErrDeadlocked = errors.New("mission deadlocked")

// CoordinatorConfig holds scheduler loop tuning.
type CoordinatorConfig struct {
	ReadBatch    int
	BlockTimeout time.Duration
	// FailFast stops publishing new tasks after the first terminal task
	// failure, draining in-flight work and surfacing the blocked descendants
	// as a deadlock.
	FailFast bool
}

// Coordinator drives one mission: it compiles the plan, publishes runnable
// tasks to the delivery channel, consumes lifecycle events and advances the
// task graph. All graph mutation is serialized; workers never touch the graph.
type Coordinator struct {
	plan     *mission.Plan
	delivery delivery.Channel
	stream   eventstream.Stream
	repo     repository.Repository
	retry    RetryPolicy
	breaker  *resilience.Breaker
	metrics  Metrics
	cfg      CoordinatorConfig
	log      *slog.Logger

	mu             sync.Mutex // serializes graph mutation and state
	g              *graph.TaskGraph
	state          MissionState
	cursor         string
	attempts       map[string]int
	retryAt        map[string]time.Time // Ready tasks waiting out a retry delay
	failedSeen     map[string]int       // highest failure attempt handled per task
	stopPublishing bool
}

// NewCoordinator creates a coordinator for the given plan. Nil retry policy,
// breaker and metrics fall back to a single-attempt policy, a default
// breaker and nop metrics.
func NewCoordinator(
	plan *mission.Plan,
	deliveryCh delivery.Channel,
	stream eventstream.Stream,
	repo repository.Repository,
	retry RetryPolicy,
	breaker *resilience.Breaker,
	metrics Metrics,
	cfg CoordinatorConfig,
	log *slog.Logger,
) *Coordinator {
	if retry == nil {
		retry = NoRetryPolicy{}
	}
	if breaker == nil {
		breaker = resilience.NewBreaker(5, 30*time.Second)
	}
	if metrics == nil {
		metrics = NopMetrics{}
	}
	if log == nil {
		log = slog.Default()
	}
	if cfg.ReadBatch <= 0 {
		cfg.ReadBatch = 64
	}
	if cfg.BlockTimeout <= 0 {
		cfg.BlockTimeout = 2 * time.Second
	}
	return &Coordinator{
		plan:       plan,
		delivery:   deliveryCh,
		stream:     stream,
		repo:       repo,
		retry:      retry,
		breaker:    breaker,
		metrics:    metrics,
		cfg:        cfg,
		log:        log.With("mission_id", plan.MissionID),
		state:      MissionInitializing,
		attempts:   make(map[string]int),
		retryAt:    make(map[string]time.Time),
		failedSeen: make(map[string]int),
	}
}

// State returns the mission lifecycle state.
func (c *Coordinator) State() MissionState {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Graph returns a point-in-time copy of the task graph for inspection.
func (c *Coordinator) Graph() *graph.TaskGraph {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.g == nil {
		return nil
	}
	snap, err := c.g.Snapshot()
	if err != nil {
		return nil
	}
	g, err := graph.Restore(snap)
	if err != nil {
		return nil
	}
	return g
}

// Start compiles the plan, persists the initial snapshot and publishes the
// runnable frontier. If a snapshot already exists for the mission, the
// coordinator resumes from it instead: un-acked deliveries redeliver on
// their own and already-applied events sit behind the persisted cursor.
func (c *Coordinator) Start(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if snap, err := c.repo.LoadSnapshot(ctx, c.plan.MissionID); err == nil {
		g, err := graph.Restore(snap)
		if err != nil {
			return fmt.Errorf("restore snapshot: %w", err)
		}
		cursor, err := c.repo.LoadCursor(ctx, c.plan.MissionID)
		if err != nil && !errors.Is(err, repository.ErrNotFound) {
			return fmt.Errorf("load cursor: %w", err)
		}
		c.g = g
		c.cursor = cursor
		c.state = MissionRunning
		// Tasks restored in Ready were unlocked but never made it onto the
		// queue before the previous process stopped; only Enqueued tasks
		// recover through queue redelivery.
		c.publishReady(ctx)
		c.log.Info("mission resumed", "cursor", cursor)
		return nil
	} else if !errors.Is(err, repository.ErrNotFound) {
		return fmt.Errorf("load snapshot: %w", err)
	}

	g, err := graph.Compile(c.plan)
	if err != nil {
		return err
	}
	c.g = g
	c.cursor = eventstream.CursorStart

	for _, taskID := range g.InitialReady {
		if err := c.publishTask(ctx, taskID); err != nil {
			return fmt.Errorf("publish initial frontier: %w", err)
		}
	}

	if err := c.saveSnapshot(ctx); err != nil {
		return err
	}
	if err := c.repo.SaveCursor(ctx, c.plan.MissionID, c.cursor); err != nil {
		return fmt.Errorf("save cursor: %w", err)
	}

	c.emitMission(ctx, eventstream.TypeMissionStarted, string(MissionRunning), nil)
	c.state = MissionRunning
	c.log.Info("mission started", "tasks", len(g.Tasks), "initial_ready", len(g.InitialReady))
	return nil
}

// Run consumes the event stream until the mission reaches a terminal state
// or ctx is done. Runtime errors are absorbed and logged; they never stop
// the loop.
func (c *Coordinator) Run(ctx context.Context) error {
	for {
		if c.State() != MissionRunning {
			return nil
		}
		if err := ctx.Err(); err != nil {
			return err
		}

		addr := eventstream.SchedulingAddress(c.plan.MissionID)
		events, err := c.stream.Read(ctx, addr, c.cursor, c.cfg.ReadBatch, c.cfg.BlockTimeout)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			c.log.Error("read event stream", "error", err)
			select {
			case <-time.After(time.Second):
			case <-ctx.Done():
				return ctx.Err()
			}
			continue
		}

		c.mu.Lock()
		for i := range events {
			c.handleEvent(ctx, &events[i])
			c.cursor = events[i].DeliveryID
		}
		if len(events) > 0 {
			if err := c.repo.SaveCursor(ctx, c.plan.MissionID, c.cursor); err != nil {
				c.log.Error("save cursor", "error", err)
			}
			if err := c.saveSnapshot(ctx); err != nil {
				c.log.Error("save snapshot", "error", err)
			}
		}
		c.publishReady(ctx)
		c.checkTerminal(ctx)
		c.mu.Unlock()
	}
}

// Abort halts publication, cancels all non-terminal tasks and ends the
// mission. In-flight workers are not forcibly killed; their late completion
// events are accepted but mutate nothing.
func (c *Coordinator) Abort(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	switch c.state {
	case MissionCompleted, MissionDeadlocked, MissionAborted:
		return nil
	}

	c.stopPublishing = true
	canceled := c.g.CancelNonTerminal()
	c.state = MissionAborted
	c.emitMission(ctx, eventstream.TypeMissionAborted, string(MissionAborted), nil)
	c.metrics.MissionEnded(ctx, string(MissionAborted))
	if err := c.saveSnapshot(ctx); err != nil {
		c.log.Error("save snapshot", "error", err)
	}
	c.log.Info("mission aborted", "canceled_tasks", len(canceled))
	return nil
}

// handleEvent must be called with c.mu held.
func (c *Coordinator) handleEvent(ctx context.Context, ev *eventstream.Event) {
	switch ev.Type {
	case eventstream.TypeTaskStarted, eventstream.TypeTaskSucceeded, eventstream.TypeTaskFailed:
	default:
		return // mission.* echoes, task.acked and unknown types need no graph mutation
	}

	var payload eventstream.TaskLifecyclePayload
	if err := json.Unmarshal(ev.Data, &payload); err != nil {
		c.log.Error("decode lifecycle event", "type", ev.Type, "error", err)
		return
	}
	if _, known := c.g.Tasks[payload.TaskID]; !known {
		c.log.Warn("event for unknown task", "task_id", payload.TaskID)
		return
	}
	if c.g.Status[payload.TaskID] == task.StatusCanceled {
		c.log.Debug("late event for canceled task discarded", "task_id", payload.TaskID, "type", ev.Type)
		return
	}

	switch ev.Type {
	case eventstream.TypeTaskStarted:
		c.g.MarkRunning(payload.TaskID)

	case eventstream.TypeTaskSucceeded:
		newlyReady, applied := c.g.ApplySucceeded(payload.TaskID)
		if !applied {
			c.log.Debug("duplicate event ignored",
				"task_id", payload.TaskID, "attempt", payload.Attempt)
			return
		}
		c.metrics.TaskSucceeded(ctx)
		c.log.Info("task succeeded", "task_id", payload.TaskID,
			"attempt", payload.Attempt, "unlocked", len(newlyReady))
		for _, childID := range newlyReady {
			if c.stopPublishing {
				break
			}
			if err := c.publishTask(ctx, childID); err != nil {
				c.log.Error("publish unlocked task", "task_id", childID, "error", err)
			}
		}

	case eventstream.TypeTaskFailed:
		c.handleTaskFailed(ctx, &payload)
	}
}

// handleTaskFailed must be called with c.mu held. Failures are deduplicated
// per (taskID, attempt) the same way successes are, so a redelivered failure
// event neither burns an extra retry nor double-counts.
func (c *Coordinator) handleTaskFailed(ctx context.Context, payload *eventstream.TaskLifecyclePayload) {
	taskID := payload.TaskID
	if c.g.Applied[taskID] || payload.Attempt <= c.failedSeen[taskID] {
		c.log.Debug("duplicate event ignored", "task_id", taskID, "attempt", payload.Attempt)
		return
	}
	c.failedSeen[taskID] = payload.Attempt

	attempt := c.attempts[taskID]
	if payload.Attempt > attempt {
		attempt = payload.Attempt
	}
	decision := c.retry.Decide(taskID, attempt)

	c.g.MarkFailed(taskID)
	if decision.Retry && !c.stopPublishing {
		c.g.MarkReadyForRetry(taskID)
		c.retryAt[taskID] = time.Now().Add(decision.Delay)
		c.log.Warn("task failed, retry scheduled", "task_id", taskID,
			"attempt", attempt, "delay", decision.Delay, "error", payload.Error)
		return
	}

	c.metrics.TaskFailed(ctx)
	c.log.Error("task terminally failed", "task_id", taskID,
		"attempt", attempt, "error", payload.Error)
	if c.cfg.FailFast {
		c.stopPublishing = true
	}
}

// publishReady publishes every task sitting in Ready whose retry delay, if
// any, has elapsed. A task stays Ready when an earlier publish exhausted its
// backoff budget or when a retry is waiting out its delay; sweeping here on
// every loop iteration means neither is ever dropped. Must be called with
// c.mu held.
func (c *Coordinator) publishReady(ctx context.Context) {
	if c.stopPublishing {
		return
	}
	now := time.Now()
	var due []string
	for id, st := range c.g.Status {
		if st != task.StatusReady {
			continue
		}
		if at, ok := c.retryAt[id]; ok && now.Before(at) {
			continue
		}
		due = append(due, id)
	}
	sort.Strings(due)
	for _, id := range due {
		if err := c.publishTask(ctx, id); err != nil {
			c.log.Error("publish ready task", "task_id", id, "error", err)
			continue
		}
		delete(c.retryAt, id)
	}
}

// publishTask hands a ready task to the delivery channel, guarded by the
// breaker and retried with backoff on transient broker errors.
// Must be called with c.mu held.
func (c *Coordinator) publishTask(ctx context.Context, taskID string) error {
	def, ok := c.g.Tasks[taskID]
	if !ok {
		return fmt.Errorf("unknown task %s", taskID)
	}
	attempt := c.attempts[taskID] + 1
	msg := delivery.Message{
		MissionID: c.plan.MissionID,
		TaskID:    def.ID,
		TaskType:  string(def.Type),
		TaskKey:   def.Key,
		Inputs:    def.Inputs,
		Attempt:   attempt,
	}

	err := c.breaker.Execute(func() error {
		backoff := retrylib.WithMaxRetries(4, retrylib.NewExponential(100*time.Millisecond))
		return retrylib.Do(ctx, backoff, func(ctx context.Context) error {
			_, err := c.delivery.Publish(ctx, msg)
			if errors.Is(err, delivery.ErrUnavailable) {
				return retrylib.RetryableError(err)
			}
			return err
		})
	})
	if err != nil {
		return fmt.Errorf("publish task %s: %w", taskID, err)
	}

	c.attempts[taskID] = attempt
	c.g.MarkEnqueued(taskID)
	c.metrics.TaskPublished(ctx)
	c.log.Debug("task enqueued", "task_id", taskID, "attempt", attempt)
	return nil
}

// checkTerminal must be called with c.mu held.
func (c *Coordinator) checkTerminal(ctx context.Context) {
	if c.state != MissionRunning {
		return
	}

	if c.g.AllTerminal() {
		c.state = MissionCompleted
		c.emitMission(ctx, eventstream.TypeMissionCompleted, string(MissionCompleted), nil)
		c.metrics.MissionEnded(ctx, string(MissionCompleted))
		if err := c.saveSnapshot(ctx); err != nil {
			c.log.Error("save snapshot", "error", err)
		}
		c.log.Info("mission completed", "tasks", len(c.g.Tasks))
		return
	}

	if blocked := c.g.Blocked(); len(blocked) > 0 {
		c.state = MissionDeadlocked
		c.emitMission(ctx, eventstream.TypeMissionDeadlocked, string(MissionDeadlocked), blocked)
		c.metrics.MissionEnded(ctx, string(MissionDeadlocked))
		if err := c.saveSnapshot(ctx); err != nil {
			c.log.Error("save snapshot", "error", err)
		}
		c.log.Error("mission deadlocked", "blocked_tasks", blocked)
	}
}

// emitMission publishes a mission.* event. Failures are logged, never fatal.
// Must be called with c.mu held.
func (c *Coordinator) emitMission(ctx context.Context, eventType, status string, blocked []string) {
	payload := eventstream.MissionStatusPayload{
		MissionID: c.plan.MissionID,
		Status:    status,
		Blocked:   blocked,
	}
	if c.g != nil {
		payload.TaskCount = len(c.g.Tasks)
	}
	addr := eventstream.SchedulingAddress(c.plan.MissionID)
	if _, err := c.stream.Publish(ctx, addr, eventType, payload, nil); err != nil {
		c.log.Error("publish mission event", "type", eventType, "error", err)
	}
}

// saveSnapshot must be called with c.mu held.
func (c *Coordinator) saveSnapshot(ctx context.Context) error {
	snap, err := c.g.Snapshot()
	if err != nil {
		return fmt.Errorf("snapshot graph: %w", err)
	}
	if err := c.repo.SaveSnapshot(ctx, c.plan.MissionID, snap); err != nil {
		return fmt.Errorf("save snapshot: %w", err)
	}
	return nil
}
