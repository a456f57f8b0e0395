// Command diaflow-server runs the diagram execution engine behind HTTP:
// REST for control, websocket for event streaming, prometheus metrics.
package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	openai "github.com/sashabaranov/go-openai"
	"github.com/redis/go-redis/v9"

	"github.com/diaflow/diaflow/internal/config"
	"github.com/diaflow/diaflow/internal/infrastructure/logger"
	"github.com/diaflow/diaflow/internal/infrastructure/storage"
	"github.com/diaflow/diaflow/internal/server"
	"github.com/diaflow/diaflow/pkg/engine"
	"github.com/diaflow/diaflow/pkg/events"
	"github.com/diaflow/diaflow/pkg/handler"
	"github.com/diaflow/diaflow/pkg/handler/builtin"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		logger.Error("failed to load configuration", "error", err)
		os.Exit(1)
	}

	log := logger.New(cfg.Logging)
	logger.SetDefault(log)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	store, err := openStore(ctx, cfg.Database)
	if err != nil {
		log.Error("failed to open state store", "error", err)
		os.Exit(1)
	}
	defer store.Close()

	janitor := storage.NewJanitor(store, cfg.Database.CleanupCron, cfg.Database.RetentionDays, log)
	if err := janitor.Start(); err != nil {
		log.Error("failed to start state janitor", "error", err)
		os.Exit(1)
	}
	defer janitor.Stop()

	router := events.NewRouter(
		events.WithMaxQueueSize(cfg.Router.MaxQueueSize),
		events.WithFailureThreshold(cfg.Router.FailureThreshold),
		events.WithSendTimeout(cfg.Router.SendTimeout),
		events.WithRouterLogger(log),
	)
	defer router.Close()

	bus, err := openBus(cfg, router, log)
	if err != nil {
		log.Error("failed to open event bus", "error", err)
		os.Exit(1)
	}
	defer bus.Close()

	registry := handler.NewRegistry()
	if err := builtin.RegisterAll(registry, nil); err != nil {
		log.Error("failed to register handlers", "error", err)
		os.Exit(1)
	}

	services := handler.Services{
		handler.ServiceHTTP:  &http.Client{Timeout: 30 * time.Second},
		handler.ServiceFiles: dataDir(),
	}
	if apiKey := os.Getenv("OPENAI_API_KEY"); apiKey != "" {
		services[handler.ServiceLLM] = openai.NewClient(apiKey)
	}

	eng := engine.New(registry, store, bus,
		engine.WithServices(services),
		engine.WithDefaults(engine.Defaults{
			NodeTimeout:         cfg.Engine.NodeTimeout,
			MaxIterationsGlobal: cfg.Engine.MaxIterationsGlobal,
			WorkerPoolSize:      cfg.Engine.WorkerPoolSize,
		}),
		engine.WithLogger(log),
	)

	srv := server.New(eng, router, cfg.Server, log)
	if err := srv.Run(ctx); err != nil {
		log.Error("server stopped with error", "error", err)
		os.Exit(1)
	}
}

func openStore(ctx context.Context, cfg config.DatabaseConfig) (storage.Store, error) {
	switch cfg.Driver {
	case "postgres":
		return storage.NewPostgresStore(ctx, cfg.URL)
	case "memory":
		return storage.NewMemoryStore(), nil
	default:
		return storage.NewSQLiteStore(cfg.SQLitePath)
	}
}

func openBus(cfg *config.Config, router *events.Router, log *logger.Logger) (events.Bus, error) {
	if cfg.Redis.Enabled {
		redisOpts, err := redis.ParseURL(cfg.Redis.URL)
		if err != nil {
			return nil, err
		}
		if cfg.Redis.Password != "" {
			redisOpts.Password = cfg.Redis.Password
		}
		redisOpts.DB = cfg.Redis.DB

		inner := events.NewRedisBus(redis.NewClient(redisOpts),
			events.WithRedisLastEventTTL(cfg.Events.LastEventTTL),
			events.WithRedisBusLogger(log),
		)
		return events.NewRouterBus(inner, router), nil
	}

	inner := events.NewMemoryBus(
		events.WithLastEventTTL(cfg.Events.LastEventTTL),
		events.WithBusLogger(log),
	)
	return events.NewRouterBus(inner, router), nil
}

func dataDir() string {
	if dir := os.Getenv("DIAFLOW_DATA_DIR"); dir != "" {
		return dir
	}
	return "./data"
}
