package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/nidhogg/converge/internal/api"
	"github.com/nidhogg/converge/internal/artifact"
	"github.com/nidhogg/converge/internal/checkpoint"
	"github.com/nidhogg/converge/internal/config"
	"github.com/nidhogg/converge/internal/contract"
	"github.com/nidhogg/converge/internal/eventbus"
	"github.com/nidhogg/converge/internal/execution"
	"github.com/nidhogg/converge/internal/metrics"
	"github.com/nidhogg/converge/internal/planner"
	"github.com/nidhogg/converge/internal/proposal"
	"github.com/nidhogg/converge/internal/queue"
	"github.com/nidhogg/converge/internal/repoinspect"
	"github.com/nidhogg/converge/internal/sqlitestore"
	pgstore "github.com/nidhogg/converge/internal/store"
	"github.com/nidhogg/converge/internal/worker"
	"github.com/nidhogg/converge/internal/workflow"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

func main() {
	_ = godotenv.Load()

	cfgPath := os.Getenv("CONFIG_PATH")
	if cfgPath == "" {
		cfgPath = "configs/converge.json"
	}
	cfg, err := config.Load(cfgPath)
	if errors.Is(err, os.ErrNotExist) {
		cfg, err = config.Default(), nil
	}
	if err != nil {
		fmt.Fprintf(os.Stderr, "load config: %v\n", err)
		os.Exit(1)
	}

	logger := newLogger(cfg.Server.LogLevel)
	defer logger.Sync()
	logger.Info("Starting converge...", zap.String("config", cfgPath))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Task store and checkpoint store
	var (
		taskStore   queue.Store
		checkpoints checkpoint.Store
		closers     []func()
	)
	switch cfg.Database.Backend {
	case "postgres":
		ps, err := pgstore.New(ctx, cfg.Database.Postgres.DSN, logger)
		if err != nil {
			logger.Fatal("PostgreSQL unavailable", zap.Error(err))
		}
		if err := ps.Migrate(ctx); err != nil {
			logger.Fatal("migration failed", zap.Error(err))
		}
		taskStore, checkpoints = ps, ps.Checkpoints()
		closers = append(closers, ps.Close)
	case "sqlite":
		ss, err := sqlitestore.Open(ctx, cfg.Database.SQLite.Path, logger)
		if err != nil {
			logger.Fatal("SQLite unavailable", zap.Error(err))
		}
		taskStore, checkpoints = ss, ss.Checkpoints()
		closers = append(closers, func() { _ = ss.Close() })
	default:
		logger.Warn("running with in-memory task store, tasks are lost on restart")
		taskStore, checkpoints = queue.NewMemoryStore(), checkpoint.NewMemoryStore()
	}

	switch cfg.Workflow.CheckpointBackend {
	case "redis":
		rs, err := checkpoint.NewRedisStore(cfg.Database.Redis.URL, cfg.Workflow.CheckpointTTL.Duration, logger)
		if err != nil {
			logger.Fatal("Redis checkpoint store unavailable", zap.Error(err))
		}
		checkpoints = rs
		closers = append(closers, func() { _ = rs.Close() })
	case "memory":
		checkpoints = checkpoint.NewMemoryStore()
	}

	// Lifecycle events go to a Redis stream when Redis is configured.
	var notifier queue.Notifier
	if cfg.Database.Redis.URL != "" {
		bus, err := eventbus.New(cfg.Database.Redis.URL, logger)
		if err != nil {
			logger.Warn("Redis unavailable, running without task events", zap.Error(err))
		} else {
			notifier = bus
			closers = append(closers, func() { _ = bus.Close() })
		}
	}

	m := metrics.Default()
	q := queue.New(taskStore, queue.Options{
		MaxAttempts: cfg.Queue.MaxAttempts,
		Notifier:    notifier,
		Metrics:     m,
	}, logger)
	if _, err := q.DefaultProject(ctx); err != nil {
		logger.Fatal("default project", zap.Error(err))
	}

	// Workflow collaborators
	policy := cfg.ExecutionPolicy()
	runner := execution.NewExecRunner(policy, cfg.Execution.CommandTimeout.Duration, logger)
	runs := artifact.NewWriter(cfg.Workflow.OutputDir, logger)
	deps := workflow.Deps{
		Inspector:   repoinspect.New(runner, logger),
		Planners:    planner.NewResolver(logger),
		Contracts:   contract.NewAnalyzer(logger),
		Artifacts:   runs,
		Checkpoints: checkpoints,
	}
	if gen := newProposalGenerator(cfg.Proposal, logger); gen != nil {
		deps.Proposals = gen
	}
	engine, err := workflow.NewEngine(workflow.Config{
		Mode:            workflow.Mode(cfg.Workflow.HITLMode),
		StrictResume:    cfg.Workflow.StrictResume,
		DefaultProvider: cfg.Workflow.AgentProvider,
	}, deps, logger)
	if err != nil {
		logger.Fatal("workflow engine", zap.Error(err))
	}
	logger.Info("Workflow engine ready",
		zap.String("hitl_mode", string(engine.Mode())),
		zap.String("execution_mode", string(policy.Mode)),
		zap.String("output_dir", cfg.Workflow.OutputDir))

	// Worker
	stop := make(chan struct{})
	workerDone := make(chan struct{})
	if cfg.WorkerEnabled() {
		w := worker.New(q, engine, worker.Config{
			BatchSize:    cfg.Worker.BatchSize,
			PollInterval: cfg.Worker.PollInterval.Duration,
			ClaimTimeout: cfg.Worker.ClaimTimeout.Duration,
		}, m, logger)
		go func() {
			defer close(workerDone)
			if err := w.RunForever(ctx, stop); err != nil && !errors.Is(err, context.Canceled) {
				logger.Error("worker exited", zap.Error(err))
			}
		}()
	} else {
		close(workerDone)
	}

	// Management API
	var srv *http.Server
	if cfg.ServerEnabled() {
		handler := api.NewHandler(q, runs, promhttp.Handler(), logger)
		srv = &http.Server{
			Addr:              fmt.Sprintf(":%d", cfg.Server.Port),
			Handler:           handler.Router(),
			ReadHeaderTimeout: 10 * time.Second,
		}
		go func() {
			logger.Info("converge listening", zap.Int("port", cfg.Server.Port))
			if err := srv.ListenAndServe(); err != http.ErrServerClosed {
				logger.Fatal("server error", zap.Error(err))
			}
		}()
	}

	// Graceful shutdown
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logger.Info("Shutting down converge...")
	close(stop)
	if srv != nil {
		shutdownCtx, done := context.WithTimeout(context.Background(), 10*time.Second)
		_ = srv.Shutdown(shutdownCtx)
		done()
	}
	select {
	case <-workerDone:
	case <-quit:
		logger.Warn("second signal, abandoning in-flight task")
	}
	cancel()
	for i := len(closers) - 1; i >= 0; i-- {
		closers[i]()
	}
}

func newLogger(level string) *zap.Logger {
	cfg := zap.NewDevelopmentConfig()
	if lvl, err := zapcore.ParseLevel(level); err == nil {
		cfg.Level = zap.NewAtomicLevelAt(lvl)
	}
	logger, err := cfg.Build()
	if err != nil {
		logger, _ = zap.NewDevelopment()
	}
	return logger
}

// newProposalGenerator returns the LLM generator, or nil to keep the
// built-in heuristic split.
func newProposalGenerator(pc config.ProposalConfig, logger *zap.Logger) workflow.ProposalGenerator {
	apiKey := pc.APIKey
	if apiKey == "" {
		apiKey = os.Getenv("OPENAI_API_KEY")
	}
	if apiKey == "" {
		return nil
	}
	gen, err := proposal.New(proposal.Config{
		Endpoint: pc.Endpoint,
		APIKey:   apiKey,
		Model:    pc.Model,
		Timeout:  pc.Timeout.Duration,
	}, logger)
	if err != nil {
		logger.Warn("LLM proposals disabled", zap.Error(err))
		return nil
	}
	logger.Info("LLM proposals enabled", zap.String("model", pc.Model))
	return gen
}
