package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/ethereum/go-ethereum/crypto"

	"github.com/AgentZ2077/game/internal/agent"
	"github.com/AgentZ2077/game/internal/api"
	"github.com/AgentZ2077/game/internal/config"
	"github.com/AgentZ2077/game/internal/game"
	"github.com/AgentZ2077/game/internal/memory"
	"github.com/AgentZ2077/game/internal/observability/metrics"
	"github.com/AgentZ2077/game/internal/orchestrator"
	"github.com/AgentZ2077/game/internal/proofs"
	"github.com/AgentZ2077/game/internal/skill"
	"github.com/AgentZ2077/game/internal/storage/mysql"
	"github.com/AgentZ2077/game/internal/storage/redis"
	"github.com/AgentZ2077/game/internal/task"
	"github.com/AgentZ2077/game/pkg/logger"
)

// main is the entry point of the game daemon.
func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx); err != nil {
		logger.L().Error("gamed exited", slog.Any("error", err))
		_ = logger.Sync()
		os.Exit(1)
	}
	_ = logger.Sync()
}

func run(ctx context.Context) error {
	cfg, err := config.Load(config.PathFromEnv())
	if err != nil {
		return err
	}
	if err := logger.Init(cfg.Logging); err != nil {
		return err
	}
	log := logger.Named("gamed")

	if err := os.MkdirAll(cfg.Runtime.DataDir, 0o755); err != nil {
		return err
	}

	snapshotter, closeSnapshotter, err := openSnapshotter(ctx, cfg.Memory)
	if err != nil {
		return err
	}
	defer closeSnapshotter()

	var memOpts []memory.Option
	if snapshotter != nil {
		memOpts = append(memOpts, memory.WithSnapshotter(snapshotter))
	}
	store, status := memory.Open(ctx, memOpts...)
	log.Info("memory restored",
		slog.String("driver", cfg.Memory.Driver),
		slog.String("status", string(status)),
		slog.Int("entries", store.Len()))

	roster, err := config.LoadRoster(cfg.Runtime.Roster)
	if err != nil {
		return err
	}
	skills, err := skill.DefaultRegistry().Build(roster.Skills)
	if err != nil {
		return err
	}
	runtime, err := agent.New(roster, skills)
	if err != nil {
		return err
	}

	m := metrics.Default()
	m.TrackMemoryEntries(store.Len)

	agents, deps := runtime.Agents()
	orch, err := orchestrator.New(agents, deps, runtime,
		orchestrator.WithMaxConcurrency(cfg.Runtime.MaxConcurrency),
		orchestrator.WithObserver(m.ObserveAgentRun),
	)
	if err != nil {
		// The orchestrator stays usable for health reporting.
		log.Error("agent graph rejected", slog.Any("error", err))
	}

	var ledgerOpts []proofs.Option
	if key := strings.TrimSpace(cfg.Runtime.LedgerKey); key != "" {
		priv, err := crypto.HexToECDSA(strings.TrimPrefix(key, "0x"))
		if err != nil {
			return fmt.Errorf("parse ledger key: %w", err)
		}
		ledgerOpts = append(ledgerOpts, proofs.WithSigningKey(priv))
	}

	driver, err := game.NewDriver(orch, runtime, store,
		game.WithLedger(proofs.NewLedger(ledgerOpts...)),
		game.WithJournal(logger.Journal()),
		game.WithSimulationDefaults(cfg.Runtime.DefaultTopic, cfg.Runtime.SimulationRounds),
	)
	if err != nil {
		return err
	}
	defer func() {
		persistCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := store.Persist(persistCtx); err != nil {
			log.Error("persist memory", slog.Any("error", err))
		}
	}()

	queue, err := openQueue(ctx, cfg.Queue)
	if err != nil {
		return err
	}
	defer func() {
		if err := queue.Close(); err != nil {
			log.Warn("close run queue", slog.Any("error", err))
		}
	}()

	tasks := task.NewMemoryStore()
	defer tasks.Close()

	service := task.NewService(tasks, queue, cfg.Queue.MaxRetries)
	processor := task.NewProcessor(driver, tasks, queue, queue,
		task.WithWorkerCount(cfg.Queue.Workers),
		task.WithProcessorLogger(logger.Named("runs")),
	)

	processorCtx, processorCancel := context.WithCancel(ctx)
	defer processorCancel()
	go func() {
		if err := processor.Start(processorCtx); err != nil && !errors.Is(err, context.Canceled) {
			log.Error("run processor stopped", slog.Any("error", err))
		}
	}()

	if cfg.Metrics.Address != "" {
		go func() {
			if err := metrics.StartServer(ctx, cfg.Metrics.Address, m); err != nil {
				log.Error("metrics server stopped", slog.Any("error", err))
			}
		}()
	}

	serverOpts := []api.Option{
		api.WithTaskService(service),
		api.WithMetrics(m),
		api.WithAllowedOrigins(cfg.Server.AllowedOrigins...),
	}
	if cfg.Logging.Journal.Enabled {
		serverOpts = append(serverOpts, api.WithJournalPath(cfg.Logging.Journal.Path))
	}
	server := api.NewServer(cfg.Server.Address, driver, serverOpts...)

	log.Info("gamed listening",
		slog.String("address", cfg.Server.Address),
		slog.Any("agents", orch.Order()),
		slog.String("queue", cfg.Queue.Driver))
	if err := server.Start(ctx); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	return nil
}

func openSnapshotter(ctx context.Context, cfg config.MemoryConfig) (memory.Snapshotter, func(), error) {
	noop := func() {}
	switch cfg.Driver {
	case "none":
		return nil, noop, nil
	case "file":
		snap, err := memory.NewFileSnapshotter(cfg.File.Path)
		if err != nil {
			return nil, noop, err
		}
		return snap, noop, nil
	case "redis":
		snap, err := redis.NewSnapshotStore(ctx, redis.Config{
			Address:  cfg.Redis.Address,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
			Key:      cfg.Redis.Key,
		})
		if err != nil {
			return nil, noop, err
		}
		return snap, func() { _ = snap.Close() }, nil
	case "mysql":
		snap, err := mysql.NewSnapshotStore(ctx, mysql.Config{
			DSN:             cfg.MySQL.DSN,
			MaxOpenConns:    4,
			MaxIdleConns:    2,
			ConnMaxLifetime: time.Hour,
		}, cfg.MySQL.SnapshotName)
		if err != nil {
			return nil, noop, err
		}
		return snap, func() { _ = snap.Close() }, nil
	default:
		return nil, noop, fmt.Errorf("unknown memory driver %q", cfg.Driver)
	}
}

func openQueue(ctx context.Context, cfg config.QueueConfig) (task.Queue, error) {
	switch cfg.Driver {
	case "memory":
		return task.NewMemoryQueue(cfg.Buffer), nil
	case "redis":
		return task.NewRedisQueue(ctx, task.RedisQueueConfig{
			Address:  cfg.Redis.Address,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
			Queue:    cfg.Redis.Key,
		})
	case "rabbitmq":
		return task.NewRabbitMQQueue(task.RabbitMQConfig{
			URL:      cfg.RabbitMQ.URL,
			Queue:    cfg.RabbitMQ.Queue,
			Prefetch: cfg.RabbitMQ.Prefetch,
			Durable:  true,
		})
	default:
		return nil, fmt.Errorf("unknown queue driver %q", cfg.Driver)
	}
}
