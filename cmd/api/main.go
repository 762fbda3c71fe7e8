package main

import (
	"context"
	"log"
	"os"
	"os/signal"
	"syscall"

	"github.com/gofiber/fiber/v2"
	"go.uber.org/zap"

	httptransport "github.com/spec-kit/redmine-bridge/internal/api/http"
	"github.com/spec-kit/redmine-bridge/internal/api/http/handlers"
	"github.com/spec-kit/redmine-bridge/internal/auth"
	"github.com/spec-kit/redmine-bridge/internal/config"
	"github.com/spec-kit/redmine-bridge/internal/events"
	"github.com/spec-kit/redmine-bridge/internal/observability"
	"github.com/spec-kit/redmine-bridge/internal/persistence"
	"github.com/spec-kit/redmine-bridge/internal/redmine"
	"github.com/spec-kit/redmine-bridge/internal/repository"
	"github.com/spec-kit/redmine-bridge/internal/service"
	"github.com/spec-kit/redmine-bridge/internal/worker"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("failed to load config: %v", err)
	}

	logger, err := observability.NewLogger(cfg.Logger)
	if err != nil {
		log.Fatalf("failed to init logger: %v", err)
	}
	defer logger.Sync() //nolint:errcheck

	if err := cfg.Redmine.Validate(); err != nil {
		logger.Fatal("invalid redmine configuration", zap.Error(err))
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	metrics := observability.NewMetrics()
	client := redmine.NewClient(cfg.Redmine, logger, metrics)

	var checks []handlers.DependencyCheck

	var catalogCache repository.CustomFieldCache
	if redis := persistence.NewRedis(ctx, cfg.Redis, logger); redis != nil {
		defer redis.Close()
		catalogCache = repository.NewRedisCustomFieldCache(redis.Client, cfg.Redmine.CatalogCacheTTL())
		checks = append(checks, handlers.DependencyCheck{Name: "redis", Ping: redis.Ping})
	}

	store, err := persistence.OpenIdempotencyStore(ctx, cfg, logger)
	if err != nil {
		logger.Fatal("failed to open idempotency store", zap.Error(err))
	}
	defer store.Close()
	if store.Postgres != nil {
		checks = append(checks, handlers.DependencyCheck{Name: "postgres", Ping: store.Postgres.Ping})
	}

	dispatcher := events.NewInMemoryDispatcher()
	var sink service.EventSink
	if len(cfg.Events.KafkaBrokers) > 0 {
		publisher, err := events.NewKafkaPublisher(cfg.Events.KafkaBrokers, cfg.Events.KafkaTopic)
		if err != nil {
			logger.Fatal("failed to init kafka publisher", zap.Error(err))
		}
		defer publisher.Close() //nolint:errcheck
		sink = publisher
	}
	service.NewNotificationService(dispatcher, logger, sink).RegisterHandlers()

	catalog := service.NewCustomFieldCatalog(client, catalogCache, logger)
	tickets := service.NewTicketService(service.TicketDependencies{
		Transport:  client,
		Catalog:    catalog,
		Users:      service.NewUserResolver(client, cfg.Redmine, dispatcher, logger),
		Config:     cfg.Redmine,
		Dispatcher: dispatcher,
		Logger:     logger,
	})
	resolver := service.NewContactResolver(cfg.Redmine, client, logger)
	bridge := service.NewBridge(service.BridgeDependencies{
		Tickets:          tickets,
		Clientes:         service.NewClienteService(resolver, client, cfg.Redmine.ContactsPath, dispatcher, logger),
		Contacts:         service.NewContactService(client, cfg.Redmine.ContactsPath, logger),
		Idempotency:      store.Repository,
		DefaultProjectID: cfg.Redmine.ProjectID,
		DefaultTrackerID: cfg.Redmine.TrackerID,
		Logger:           logger,
	})

	if cfg.Maintenance.Enabled {
		maintenance := worker.NewMaintenanceWorker(worker.MaintenanceConfig{
			CatalogRefreshSchedule:   cfg.Maintenance.CatalogRefreshSchedule,
			IdempotencyPruneSchedule: cfg.Maintenance.IdempotencyPruneSchedule,
			Retention:                cfg.Idempotency.Retention(),
		}, catalog, store.Repository, logger)
		if err := maintenance.Start(ctx); err != nil {
			logger.Fatal("failed to start maintenance worker", zap.Error(err))
		}
		defer maintenance.Stop()
	}

	tokens := auth.NewTokenManager(cfg.Auth.JWTSecret, cfg.Auth.AccessTokenTTLMinutes)

	app := fiber.New(fiber.Config{AppName: cfg.App.Name})
	httptransport.RegisterMiddlewares(app, logger, metrics, cfg.App.RequestTimeout())
	httptransport.RegisterRoutes(app, httptransport.RouteConfig{
		Health:         handlers.NewHealthHandler(cfg.App.Name, cfg.App.Version, checks...),
		Tickets:        handlers.NewTicketsHandler(bridge),
		Clientes:       handlers.NewClientesHandler(bridge),
		AuthMiddleware: auth.NewAuthMiddleware(tokens, cfg.Auth.Required),
		Metrics:        metrics,
	})

	go func() {
		if err := app.Listen(cfg.App.Addr()); err != nil {
			logger.Fatal("fiber listen", zap.Error(err))
		}
	}()

	waitForShutdown(logger)

	_ = app.Shutdown()
}

func waitForShutdown(logger *zap.Logger) {
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	sig := <-sigCh
	logger.Info("shutting down", zap.String("signal", sig.String()))
}
