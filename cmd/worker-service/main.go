package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"golang.org/x/sync/errgroup"

	"github.com/cuongbtq/genjob/internal/bootstrap"
	"github.com/cuongbtq/genjob/internal/config"
	"github.com/cuongbtq/genjob/internal/dispatcher"
	"github.com/cuongbtq/genjob/internal/reconciler"
	"github.com/cuongbtq/genjob/internal/worker"
)

func main() {
	if err := run(); err != nil {
		log.Fatal(err)
	}
}

func run() error {
	// Load .env file if it exists
	if err := godotenv.Load(); err != nil {
		log.Println("No .env file found, using environment variables or flags")
	}

	defaultConfigPath := os.Getenv("WORKER_SERVICE_CONFIG_PATH")
	if defaultConfigPath == "" {
		defaultConfigPath = "configs/worker-service/config.yaml"
	}
	configPath := flag.String("config", defaultConfigPath, "Path to configuration file")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	if err := cfg.ValidateWorkerConfig(); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}

	appLogger, err := bootstrap.InitLogger(&cfg.Logging)
	if err != nil {
		return fmt.Errorf("failed to initialize logger: %w", err)
	}
	defer appLogger.Close()

	workerID := cfg.Worker.ID
	if workerID == "" {
		hostname, _ := os.Hostname()
		workerID = fmt.Sprintf("%s-%d", hostname, os.Getpid())
	}

	appLogger.Info("Starting worker service",
		slog.String("app", cfg.App.Name),
		slog.String("version", cfg.App.Version),
		slog.String("environment", cfg.App.Environment),
		slog.String("worker_id", workerID),
		slog.Bool("reconciler", cfg.Reconciler.Enabled),
	)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	infra, err := bootstrap.Connect(ctx, cfg, appLogger.Logger)
	if err != nil {
		return err
	}
	defer infra.Close()

	notifier := bootstrap.NewNotifier(cfg, infra, appLogger.Component("status"))
	store := bootstrap.NewStore(infra, notifier, appLogger.Component("jobstore"))

	queue, err := bootstrap.NewQueue(cfg, infra, workerID, appLogger.Component("queue"))
	if err != nil {
		return err
	}
	disp := dispatcher.New(store, queue, workerID, appLogger.Component("dispatcher"))

	adapter, err := bootstrap.NewAdapter(&cfg.Backend, store, appLogger.Component("executor"))
	if err != nil {
		return err
	}
	defer adapter.Wait()

	workerInstance := worker.NewWorker(&worker.Config{
		Logger:            appLogger.Component("worker"),
		Dispatcher:        disp,
		Executor:          adapter,
		Store:             store,
		WorkerID:          workerID,
		Concurrency:       cfg.Worker.Concurrency,
		JobTimeout:        cfg.Worker.JobTimeout,
		PollInterval:      cfg.Backend.PollInterval,
		HeartbeatInterval: cfg.Worker.HeartbeatInterval,
		MaxPollFailures:   cfg.Worker.MaxPollFailures,
	})

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return workerInstance.Start(gctx)
	})

	if cfg.Reconciler.Enabled {
		rec := reconciler.New(store, disp, adapter, bootstrap.ReconcilerConfig(&cfg.Reconciler), appLogger.Component("reconciler"))
		g.Go(func() error {
			return rec.Run(gctx)
		})
	}

	appLogger.Info("Worker service started successfully")

	done := make(chan error, 1)
	go func() { done <- g.Wait() }()

	select {
	case err := <-done:
		if err != nil {
			appLogger.Error("Worker error", slog.String("error", err.Error()))
			return err
		}
		return nil
	case <-ctx.Done():
		appLogger.Info("Received signal, shutting down gracefully")
	}

	// Give in-flight jobs time to settle
	select {
	case err := <-done:
		if err != nil {
			return err
		}
		appLogger.Info("Worker stopped gracefully")
	case <-time.After(cfg.Worker.ShutdownTimeout):
		appLogger.Warn("Worker shutdown timeout exceeded, forcing exit")
	}
	return nil
}
