package main

import (
	"context"
	"errors"
	"log"
	"os/signal"
	"syscall"
	"time"

	"github.com/gofiber/fiber/v2"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	httptransport "github.com/spec-kit/relay-access/internal/api/http"
	"github.com/spec-kit/relay-access/internal/api/http/handlers"
	"github.com/spec-kit/relay-access/internal/auth"
	"github.com/spec-kit/relay-access/internal/config"
	"github.com/spec-kit/relay-access/internal/events"
	"github.com/spec-kit/relay-access/internal/identity"
	"github.com/spec-kit/relay-access/internal/nostrauth"
	"github.com/spec-kit/relay-access/internal/observability"
	"github.com/spec-kit/relay-access/internal/payment"
	"github.com/spec-kit/relay-access/internal/persistence"
	"github.com/spec-kit/relay-access/internal/relay"
	"github.com/spec-kit/relay-access/internal/repository"
	"github.com/spec-kit/relay-access/internal/service"
	"github.com/spec-kit/relay-access/internal/session"
	"github.com/spec-kit/relay-access/internal/status"
	"github.com/spec-kit/relay-access/internal/wallet"
	"github.com/spec-kit/relay-access/internal/worker"
	"github.com/spec-kit/relay-access/migrations"
)

const shutdownTimeout = 10 * time.Second

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("failed to load config: %v", err)
	}

	logger, err := observability.NewLogger(cfg.Logger, cfg.App)
	if err != nil {
		log.Fatalf("failed to init logger: %v", err)
	}
	defer logger.Sync() //nolint:errcheck

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	metrics := observability.NewMetrics()

	pg, err := persistence.NewPostgres(ctx, cfg.Postgres, logger)
	if err != nil {
		logger.Fatal("failed to connect postgres", zap.Error(err))
	}
	defer pg.Close()

	var ledgerDB repository.DB
	if pool := pg.PoolHandle(); pool != nil {
		ledgerDB = pool
		if cfg.Postgres.RunMigrations {
			if err := persistence.RunMigrations(ctx, pool, migrations.Files, logger); err != nil {
				logger.Fatal("failed to run migrations", zap.Error(err))
			}
		}
	}

	redis := persistence.NewRedis(ctx, cfg.Redis, logger)
	defer redis.Close()

	var challengeStore nostrauth.Store = nostrauth.NewMemoryStore()
	var statusCache status.Cache = status.NewMemoryCache()
	if redis.Enabled() {
		challengeStore = nostrauth.NewRedisStore(redis.Client)
		statusCache = status.NewRedisCache(redis.Client)
	}

	dispatcher := events.NewInMemoryDispatcher()
	notifications := service.NewNotificationService(dispatcher, logger, cfg.Notification)

	relayClient := relay.NewClient(cfg.Relay.APIURL, cfg.Relay.APIKey, cfg.Relay.HTTPTimeout, logger, metrics)
	walletClient := wallet.NewClient(cfg.Wallet.URL, cfg.Wallet.APIKey, cfg.Wallet.HTTPTimeout)

	payments := payment.NewController(payment.Options{
		AmountSats:   cfg.Wallet.AmountSats,
		Unit:         cfg.Wallet.Unit,
		MemoPrefix:   cfg.Wallet.MemoPrefix,
		WebhookURL:   cfg.Wallet.WebhookURL,
		PollInterval: cfg.Wallet.PollInterval,
		SuccessDelay: cfg.Wallet.SuccessDisplayDelay,
		Demo:         cfg.App.DemoMode,
	}, payment.Dependencies{
		Invoices:   walletClient,
		Ledger:     repository.NewInvoiceRepository(ledgerDB),
		Dispatcher: dispatcher,
		Logger:     logger,
		Metrics:    metrics,
	})

	sessions := session.NewRegistry(cfg.Auth.MaxSessions, cfg.Auth.SessionIdleTTL(), func(id string) {
		payments.Leave(id)
	})
	tokens := auth.NewTokenManager(cfg.Auth.JWTSecret, cfg.Auth.SessionTokenTTL())

	access := service.NewAccessService(service.AccessOptions{
		RelayURL: cfg.Relay.RelayURL,
		Demo:     cfg.App.DemoMode,
	}, service.AccessDependencies{
		Sessions: sessions,
		Tokens:   tokens,
		Bridge: identity.NewBridge(identity.Options{
			WaitAttempts: cfg.Signer.WaitAttempts,
			WaitInterval: cfg.Signer.WaitInterval,
		}, logger, metrics),
		Challenges: nostrauth.NewService(challengeStore, cfg.Signer.ChallengeTTL),
		Authorizer: relayClient,
		Whitelist:  relayClient,
		Payments:   payments,
		Dispatcher: dispatcher,
		Logger:     logger,
	})

	var uptime status.UptimeSource
	if cfg.Status.UptimeKumaURL != "" {
		uptime = status.NewUptimeClient(cfg.Status.UptimeKumaURL, cfg.Status.UptimeKumaID, cfg.Relay.HTTPTimeout)
	}
	statusService := status.NewService(uptime, relayClient, statusCache, status.Options{
		UptimeRefresh:     cfg.Status.UptimeRefresh,
		RegisteredRefresh: cfg.Status.RegisteredRefresh,
		Demo:              cfg.App.DemoMode,
	}, logger)

	app := fiber.New(fiber.Config{
		AppName:               cfg.App.Name,
		DisableStartupMessage: true,
	})
	httptransport.RegisterMiddlewares(app, logger, metrics, cfg.App.RequestTimeout())
	httptransport.RegisterRoutes(app, httptransport.RouteConfig{
		Health: handlers.NewHealthHandler(cfg.App.Name, cfg.App.Version, map[string]handlers.Pinger{
			"postgres": pg,
			"redis":    redis,
			"wallet": handlers.PingFunc(func(ctx context.Context) error {
				_, err := walletClient.Info(ctx)
				return err
			}),
		}),
		Sessions: handlers.NewSessionHandler(access),
		Payments: handlers.NewPaymentHandler(payments),
		Status:   handlers.NewStatusHandler(statusService),
		Session:  auth.NewSessionMiddleware(tokens, sessions),
		Admin:    auth.NewAPIKeyVerifier(cfg.Auth.AdminAPIKeyHash),
		Metrics:  metrics.Registry,
	})

	// handlers subscribe here, before any request can publish
	tasks := []worker.Task{
		worker.NotificationWorker(notifications),
		worker.StatusRefresher(statusService),
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return worker.Run(gctx, logger, tasks...)
	})
	g.Go(func() error {
		logger.Info("listening", zap.String("addr", cfg.App.Addr()), zap.Bool("demo", cfg.App.DemoMode))
		return app.Listen(cfg.App.Addr())
	})
	g.Go(func() error {
		<-gctx.Done()
		logger.Info("shutting down")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err := payments.Shutdown(shutdownCtx); err != nil {
			logger.Warn("payment views did not stop in time", zap.Error(err))
		}
		return app.ShutdownWithContext(shutdownCtx)
	})

	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		logger.Error("server stopped", zap.Error(err))
	}
}
