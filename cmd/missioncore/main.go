// Command missioncore runs one mission end to end: it compiles the plan
// into a task graph, starts the coordinator loop and a local worker pool,
// and exits once the mission reaches a terminal state.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/scouthq/missioncore/internal/adapter/memory"
	mcnats "github.com/scouthq/missioncore/internal/adapter/nats"
	mcotel "github.com/scouthq/missioncore/internal/adapter/otel"
	"github.com/scouthq/missioncore/internal/adapter/postgres"
	"github.com/scouthq/missioncore/internal/config"
	"github.com/scouthq/missioncore/internal/domain/mission"
	"github.com/scouthq/missioncore/internal/logger"
	"github.com/scouthq/missioncore/internal/port/delivery"
	"github.com/scouthq/missioncore/internal/port/eventstream"
	"github.com/scouthq/missioncore/internal/port/repository"
	"github.com/scouthq/missioncore/internal/resilience"
	"github.com/scouthq/missioncore/internal/service"
)

func main() {
	planPath := flag.String("plan", "", "path to the mission plan YAML file")
	inMemory := flag.Bool("memory", false, "use in-process channels and state instead of NATS/Postgres")
	flag.Parse()

	if *planPath == "" {
		fmt.Fprintln(os.Stderr, "usage: missioncore -plan <plan.yaml> [-memory]")
		os.Exit(2)
	}

	if err := run(*planPath, *inMemory); err != nil {
		slog.Error("fatal", "error", err)
		os.Exit(1)
	}
}

func run(planPath string, inMemory bool) error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("config: %w", err)
	}

	log := logger.New(cfg.Logging)
	slog.SetDefault(log)

	plan, err := loadPlan(planPath)
	if err != nil {
		return fmt.Errorf("plan: %w", err)
	}
	log.Info("plan loaded", "mission_id", plan.MissionID, "stages", len(plan.Stages))

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if cfg.Telemetry.Enabled {
		shutdown, err := mcotel.InitMetrics(ctx, cfg.Logging.Service, cfg.Telemetry.Endpoint)
		if err != nil {
			return fmt.Errorf("telemetry: %w", err)
		}
		defer func() {
			sctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			_ = shutdown(sctx)
		}()
	}

	var (
		deliveryCh delivery.Channel
		stream     eventstream.Stream
		repo       repository.Repository
	)

	if inMemory {
		deliveryCh = memory.NewDelivery(cfg.Worker.Visibility)
		stream = memory.NewStream(int(cfg.NATS.EventMaxEntries), cfg.NATS.EventMaxAge)
		repo = memory.NewRepo()
		log.Info("using in-memory channels")
	} else {
		pool, err := postgres.NewPool(ctx, cfg.Postgres)
		if err != nil {
			return fmt.Errorf("postgres: %w", err)
		}
		defer pool.Close()

		if err := postgres.RunMigrations(ctx, cfg.Postgres.DSN); err != nil {
			return fmt.Errorf("migrations: %w", err)
		}
		log.Info("migrations applied")

		conn, err := mcnats.Connect(cfg.NATS.URL)
		if err != nil {
			return fmt.Errorf("nats: %w", err)
		}
		defer func() { _ = conn.Close() }()

		nd, err := mcnats.NewDelivery(ctx, conn, cfg.Worker.Visibility)
		if err != nil {
			return fmt.Errorf("delivery channel: %w", err)
		}
		ns, err := mcnats.NewEventStream(ctx, conn, cfg.NATS.EventMaxEntries, cfg.NATS.EventMaxAge)
		if err != nil {
			return fmt.Errorf("event stream: %w", err)
		}
		deliveryCh = nd
		stream = ns
		repo = postgres.NewRepo(pool)
	}

	var metrics service.Metrics
	if cfg.Telemetry.Enabled {
		m, err := mcotel.NewMetrics()
		if err != nil {
			return fmt.Errorf("metrics: %w", err)
		}
		metrics = m
	}

	coord := service.NewCoordinator(
		plan,
		deliveryCh,
		stream,
		repo,
		service.MaxAttemptsPolicy{MaxAttempts: cfg.Retry.MaxAttempts, BaseDelay: cfg.Retry.BaseDelay},
		resilience.NewBreaker(cfg.Breaker.MaxFailures, cfg.Breaker.Timeout),
		metrics,
		service.CoordinatorConfig{
			ReadBatch:    cfg.Coordinator.ReadBatch,
			BlockTimeout: cfg.Coordinator.BlockTimeout,
			FailFast:     cfg.Coordinator.FailFast,
		},
		log,
	)

	worker := service.NewWorker(deliveryCh, stream, echoRunner(log), service.WorkerConfig{
		Group:       cfg.Worker.Group,
		Concurrency: int64(cfg.Worker.Concurrency),
	}, log)

	workerCtx, stopWorker := context.WithCancel(context.Background())
	workerDone := make(chan struct{})
	go func() {
		defer close(workerDone)
		if err := worker.Run(workerCtx); err != nil && !errors.Is(err, context.Canceled) {
			log.Error("worker stopped", "error", err)
		}
	}()

	if err := coord.Start(ctx); err != nil {
		stopWorker()
		<-workerDone
		return fmt.Errorf("start mission: %w", err)
	}

	runErr := coord.Run(ctx)
	if errors.Is(runErr, context.Canceled) {
		// Signal-driven shutdown: cancel everything still outstanding so the
		// snapshot records a clean aborted state.
		actx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := coord.Abort(actx); err != nil {
			log.Error("abort mission", "error", err)
		}
	} else if runErr != nil {
		log.Error("coordinator loop", "error", runErr)
	}

	stopWorker()
	<-workerDone

	state := coord.State()
	log.Info("mission finished", "state", string(state))
	switch state {
	case service.MissionCompleted:
		return nil
	case service.MissionDeadlocked:
		return fmt.Errorf("%w: blocked tasks %v", service.ErrDeadlocked, coord.Graph().Blocked())
	default:
		return fmt.Errorf("mission ended %s", state)
	}
}

// loadPlan reads and validates a mission plan from a YAML file.
func loadPlan(path string) (*mission.Plan, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var plan mission.Plan
	if err := yaml.Unmarshal(data, &plan); err != nil {
		return nil, fmt.Errorf("parse %s: %w", path, err)
	}
	if err := plan.Validate(); err != nil {
		return nil, err
	}
	return &plan, nil
}

// echoRunner is the reference task body: it logs the task and succeeds.
// Real deployments supply their own Runner.
func echoRunner(log *slog.Logger) service.Runner {
	return service.RunnerFunc(func(_ context.Context, msg delivery.Message) error {
		log.Info("running task",
			"task_id", msg.TaskID,
			"task_type", msg.TaskType,
			"task_key", msg.TaskKey,
			"attempt", msg.Attempt,
		)
		return nil
	})
}
