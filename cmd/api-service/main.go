package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/gin-gonic/gin"
	"github.com/joho/godotenv"

	"github.com/cuongbtq/genjob/internal/api/handler"
	"github.com/cuongbtq/genjob/internal/api/router"
	"github.com/cuongbtq/genjob/internal/bootstrap"
	"github.com/cuongbtq/genjob/internal/config"
	"github.com/cuongbtq/genjob/internal/dispatcher"
	"github.com/cuongbtq/genjob/internal/orchestrator"
	"github.com/cuongbtq/genjob/internal/policy"
	"github.com/cuongbtq/genjob/internal/status"
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

	defaultConfigPath := os.Getenv("API_SERVICE_CONFIG_PATH")
	if defaultConfigPath == "" {
		defaultConfigPath = "configs/api-service/config.yaml"
	}
	configPath := flag.String("config", defaultConfigPath, "Path to configuration file")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	if err := cfg.ValidateAPIConfig(); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}

	appLogger, err := bootstrap.InitLogger(&cfg.Logging)
	if err != nil {
		return fmt.Errorf("failed to initialize logger: %w", err)
	}
	defer appLogger.Close()

	appLogger.Info("Starting API service",
		slog.String("app", cfg.App.Name),
		slog.String("version", cfg.App.Version),
		slog.String("environment", cfg.App.Environment),
		slog.String("queue_backend", cfg.Dispatch.QueueBackend),
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

	queue, err := bootstrap.NewQueue(cfg, infra, "", appLogger.Component("queue"))
	if err != nil {
		return err
	}
	hostname, _ := os.Hostname()
	disp := dispatcher.New(store, queue, "api-"+hostname, appLogger.Component("dispatcher"))

	adapter, err := bootstrap.NewAdapter(&cfg.Backend, store, appLogger.Component("executor"))
	if err != nil {
		return err
	}
	defer adapter.Wait()

	gate, err := policy.NewGate(bootstrap.GateConfig(cfg), store, appLogger.Component("policy"))
	if err != nil {
		return fmt.Errorf("failed to build policy gate: %w", err)
	}

	svc := orchestrator.New(gate, store, disp, adapter, appLogger.Component("orchestrator"))
	broadcaster := status.NewBroadcaster(store, notifier, 0, appLogger.Component("status"))

	r := initRouter(cfg, appLogger.Logger, svc, broadcaster, infra)

	addr := fmt.Sprintf(":%d", cfg.Server.Port)
	srv := &http.Server{
		Addr:         addr,
		Handler:      r,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		IdleTimeout:  cfg.Server.IdleTimeout,
	}

	appLogger.Info("Starting HTTP server",
		slog.String("address", addr),
		slog.Duration("read_timeout", cfg.Server.ReadTimeout),
		slog.Duration("write_timeout", cfg.Server.WriteTimeout),
	)

	serverErr := make(chan error, 1)
	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serverErr <- err
		}
	}()

	select {
	case <-ctx.Done():
		appLogger.Info("Shutting down server...")
	case err := <-serverErr:
		appLogger.Error("Server failed", slog.String("error", err.Error()))
		return err
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		appLogger.Error("Server forced to shutdown", slog.String("error", err.Error()))
		return err
	}

	appLogger.Info("Server shutdown complete")
	return nil
}

// initRouter initializes the Gin router with all routes and middleware
func initRouter(cfg *config.Config, logger *slog.Logger, svc *orchestrator.Service, broadcaster *status.Broadcaster, infra *bootstrap.Infra) *gin.Engine {
	if cfg.App.Environment == "production" {
		gin.SetMode(gin.ReleaseMode)
	} else {
		gin.SetMode(gin.DebugMode)
	}

	return router.SetupRouter(&handler.Dependencies{
		Logger:          logger,
		Jobs:            svc,
		Status:          broadcaster,
		DefaultPriority: cfg.Dispatch.Priority(),
		MaxPageSize:     cfg.Server.MaxPageSize,
	}, infra.DB)
}
