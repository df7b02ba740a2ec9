// Package main запускает HTTP-сервер и фоновые задачи сервиса boostmart.
package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"
	"go.opentelemetry.io/otel"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/mmeshcher/boostmart/internal/activity"
	"github.com/mmeshcher/boostmart/internal/catalog"
	"github.com/mmeshcher/boostmart/internal/config"
	"github.com/mmeshcher/boostmart/internal/events"
	"github.com/mmeshcher/boostmart/internal/handler"
	"github.com/mmeshcher/boostmart/internal/lock"
	"github.com/mmeshcher/boostmart/internal/middleware"
	"github.com/mmeshcher/boostmart/internal/monitor"
	"github.com/mmeshcher/boostmart/internal/order"
	"github.com/mmeshcher/boostmart/internal/payment"
	"github.com/mmeshcher/boostmart/internal/provider"
	"github.com/mmeshcher/boostmart/internal/reconcile"
	"github.com/mmeshcher/boostmart/internal/repository"
	"github.com/mmeshcher/boostmart/internal/telemetry"
	"github.com/mmeshcher/boostmart/internal/wallet"
)

func main() {
	logger, _ := zap.NewProduction()
	defer logger.Sync()

	sugar := logger.Sugar()

	cfg, err := config.Parse()
	if err != nil {
		sugar.Fatalw("configuration error", "error", err.Error())
	}

	repo, err := repository.NewPostgresRepository(cfg.DatabaseURI)
	if err != nil {
		sugar.Fatalw("database initialization error", "error", err.Error())
	}
	defer repo.Close()

	if cfg.MetricsInterval > 0 {
		metrics, err := telemetry.NewMetrics("boostmart", os.Stdout, cfg.MetricsInterval)
		if err != nil {
			sugar.Fatalw("metrics initialization error", "error", err.Error())
		}
		defer func() {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			if err := metrics.Shutdown(shutdownCtx); err != nil {
				sugar.Warnw("metrics shutdown error", "error", err.Error())
			}
		}()
	}

	var locker lock.Locker = lock.NewLocalLocker()
	if cfg.RedisAddr != "" {
		rdb := redis.NewClient(&redis.Options{Addr: cfg.RedisAddr})
		defer rdb.Close()
		locker = lock.NewRedisLocker(rdb, "boostmart:lock:")
	}

	var publisher events.Publisher
	if len(cfg.KafkaBrokers) > 0 {
		publisher = events.NewKafkaPublisher(cfg.KafkaBrokers)
	} else {
		publisher = events.NewLogPublisher(logger)
	}
	defer publisher.Close()

	providerClient := provider.NewClient(cfg.ProviderAPIURL, cfg.ProviderAPIKey, cfg.ProviderTimeout,
		provider.WithRateLimit(cfg.ProviderRateLimit),
	)

	ledger := wallet.NewLedger(repo, logger)

	reconciler := reconcile.New(repo, providerClient, ledger, logger, reconcile.Config{
		Interval:    cfg.ReconcileInterval,
		Concurrency: cfg.ReconcileConcurrency,
		Topic:       cfg.KafkaTopic,
		Locker:      locker,
		Meter:       otel.Meter("github.com/mmeshcher/boostmart/reconcile"),
	})

	orders := order.NewService(order.Dependencies{
		Catalog:  catalog.New(repo),
		Ledger:   ledger,
		Provider: providerClient,
		Store:    repo,
		Tracker:  reconciler,
		Activity: activity.NewRecorder(repo),
		Topic:    cfg.KafkaTopic,
	}, logger)

	recovery := order.NewRecovery(repo, reconciler, logger, cfg.KafkaTopic,
		cfg.RecoveryInterval, cfg.RecoveryGrace, cfg.IntentStaleAfter)
	syncer := catalog.NewSyncer(repo, providerClient, locker, logger, cfg.ServiceMarkup, cfg.CatalogSyncInterval)
	relay := events.NewRelay(repo, publisher, logger, cfg.OutboxInterval)
	balanceMonitor := monitor.NewBalanceMonitor(providerClient, logger, cfg.BalanceAlertThreshold, cfg.BalanceCheckInterval)

	var payments handler.PaymentVerifier
	if cfg.PaystackSecretKey != "" {
		payments = payment.NewPaystack(cfg.PaystackAPIURL, cfg.PaystackSecretKey, cfg.ProviderTimeout)
	}

	authMiddleware := middleware.NewAuthMiddleware(cfg.AuthSecret)
	h := handler.NewHandler(orders, ledger, payments, repo, logger, authMiddleware)

	server := &http.Server{
		Addr:              cfg.RunAddress,
		Handler:           h.SetupRouter(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	g, ctx := errgroup.WithContext(ctx)

	jobs := []func(context.Context){
		reconciler.Run,
		recovery.Run,
		syncer.Run,
		relay.Run,
		balanceMonitor.Run,
	}
	for _, run := range jobs {
		g.Go(func() error {
			run(ctx)
			return nil
		})
	}

	g.Go(func() error {
		sugar.Infow("starting boostmart server", "addr", cfg.RunAddress)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			return fmt.Errorf("server error: %w", err)
		}
		return nil
	})

	// Graceful shutdown при отмене контекста (сигнал или ошибка в другой горутине)
	g.Go(func() error {
		<-ctx.Done()
		sugar.Info("shutting down server...")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()

		if err := server.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("server shutdown error: %w", err)
		}
		sugar.Info("server stopped gracefully")
		return nil
	})

	if err := g.Wait(); err != nil {
		sugar.Fatalw("application terminated with error", "error", err)
	}
}
