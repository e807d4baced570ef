package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	alerthandler "quickex/internal/alerts/handler"
	alertmetrics "quickex/internal/alerts/metrics"
	"quickex/internal/alerts/scoring"
	alertservice "quickex/internal/alerts/service"
	"quickex/internal/alerts/signals"
	alertstore "quickex/internal/alerts/store"
	"quickex/internal/gateway"
	gatewayhandler "quickex/internal/gateway/handler"
	"quickex/internal/platform/config"
	"quickex/internal/platform/httpserver"
	"quickex/internal/platform/kafka/producer"
	"quickex/internal/platform/logger"
	"quickex/internal/platform/metrics"
	"quickex/internal/platform/postgres"
	"quickex/internal/platform/redis"
	"quickex/internal/platform/tracing"
	"quickex/internal/ratelimit/limiter"
	rlmetrics "quickex/internal/ratelimit/metrics"
	"quickex/internal/ratelimit/store/bucket"
	registryhandler "quickex/internal/registry/handler"
	registrymetrics "quickex/internal/registry/metrics"
	"quickex/internal/registry/secrets"
	registryservice "quickex/internal/registry/service"
	registrystore "quickex/internal/registry/store"
	"quickex/internal/registry/sweeper"
	"quickex/internal/storage"
	httptransport "quickex/internal/transport/http"
)

// main wires high-level dependencies, exposes the HTTP router, and keeps the
// server lifecycle small. Business logic lives in internal services packages.
func main() {
	if err := config.LoadDotEnv(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
	cfg, err := config.FromEnv()
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
	log := logger.New(cfg.Server.LogLevel)
	slog.SetDefault(log)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, log); err != nil {
		log.Error("quickex stopped", "error", err)
		os.Exit(1)
	}
}

type closer func(ctx context.Context)

func run(ctx context.Context, cfg config.Config, log *slog.Logger) error {
	var closers []closer
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
		defer cancel()
		for i := len(closers) - 1; i >= 0; i-- {
			closers[i](shutdownCtx)
		}
	}()
	health := map[string]httptransport.HealthCheck{}

	shutdownTracing, err := tracing.Init(ctx, "quickex", cfg.Tracing.Endpoint, cfg.Tracing.Insecure)
	if err != nil {
		return err
	}
	closers = append(closers, func(ctx context.Context) {
		if err := shutdownTracing(ctx); err != nil {
			log.Warn("tracer shutdown failed", "error", err)
		}
	})

	rc, err := redis.New(ctx, cfg.Redis)
	if err != nil {
		return err
	}
	if rc != nil {
		closers = append(closers, func(context.Context) { _ = rc.Close() })
		health["redis"] = rc.Health
	}

	kv, err := openStorage(ctx, cfg, rc, log, health, &closers)
	if err != nil {
		return err
	}

	registry := registryservice.New(
		registrystore.New(kv),
		secrets.NewHasher(cfg.Registry.BcryptCost),
		registryservice.WithLogger(log),
		registryservice.WithMetrics(registrymetrics.New()),
		registryservice.WithReleaseCooldown(cfg.Registry.ReleaseCooldown),
		registryservice.WithTransferTimeout(cfg.Registry.TransferTimeout),
	)

	sweep, err := sweeper.New(registry, cfg.Registry.SweepInterval, sweeper.WithLogger(log))
	if err != nil {
		return err
	}
	sweep.Start()
	closers = append(closers, func(context.Context) {
		if err := sweep.Shutdown(); err != nil {
			log.Warn("transfer sweeper shutdown failed", "error", err)
		}
	})

	policy := scoring.DefaultPolicy()
	if cfg.Alerts.PolicyFile != "" {
		if policy, err = scoring.LoadPolicy(cfg.Alerts.PolicyFile); err != nil {
			return err
		}
		log.Info("loaded scoring policy", "path", cfg.Alerts.PolicyFile)
	}

	alertOpts := []alertservice.Option{
		alertservice.WithPolicy(policy),
		alertservice.WithLogger(log),
		alertservice.WithMetrics(alertmetrics.New()),
	}
	if cfg.Alerts.ReporterLimit > 0 {
		alertOpts = append(alertOpts, alertservice.WithLimiter(newReporterLimiter(cfg, rc, log)))
	}
	if len(cfg.Kafka.Brokers) > 0 {
		p, err := producer.New(producer.Config{
			Brokers:        cfg.Kafka.Brokers,
			ClientID:       cfg.Kafka.ClientID,
			Topic:          cfg.Kafka.Topic,
			ProduceTimeout: cfg.Kafka.ProduceTimeout,
		}, log)
		if err != nil {
			return err
		}
		closers = append(closers, p.Close)
		if err := p.EnsureTopic(ctx); err != nil {
			return err
		}
		health["kafka"] = p.Ping
		alertOpts = append(alertOpts, alertservice.WithPublisher(signals.NewKafka(p)))
	}
	alerts := alertservice.New(alertstore.New(kv), alertOpts...)

	router := httptransport.NewRouter(httptransport.RouterConfig{
		Logger:         log,
		Metrics:        metrics.New(),
		RequestTimeout: cfg.Server.RequestTimeout,
		HealthChecks:   health,
	},
		registryhandler.New(registry, log),
		alerthandler.New(alerts, log),
		gatewayhandler.New(gateway.New(registry, alerts), log),
	)
	srv := httpserver.New(cfg.Server.Addr, router)

	errCh := make(chan error, 1)
	go func() {
		log.Info("starting quickex", "addr", cfg.Server.Addr, "storage", cfg.Storage.Backend)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	log.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("graceful shutdown failed: %w", err)
	}
	return nil
}

func openStorage(ctx context.Context, cfg config.Config, rc *redis.Client, log *slog.Logger,
	health map[string]httptransport.HealthCheck, closers *[]closer) (storage.Store, error) {
	switch cfg.Storage.Backend {
	case config.StoragePostgres:
		db, err := postgres.Open(ctx, cfg.Storage.PostgresDSN)
		if err != nil {
			return nil, err
		}
		*closers = append(*closers, func(context.Context) { _ = db.Close() })
		health["postgres"] = db.PingContext
		pg := storage.NewPostgres(db)
		if err := pg.Migrate(ctx); err != nil {
			return nil, err
		}
		return pg, nil
	case config.StorageRedis:
		return storage.NewRedis(rc.Client), nil
	default:
		log.Warn("using in-memory storage; state is lost on restart")
		return storage.NewInMemory(), nil
	}
}

// newReporterLimiter keeps sliding windows in Redis when configured, with an
// in-process fallback while the Redis circuit is open.
func newReporterLimiter(cfg config.Config, rc *redis.Client, log *slog.Logger) *limiter.Limiter {
	m := rlmetrics.New()
	if rc == nil {
		return limiter.New(bucket.New(), cfg.Alerts.ReporterLimit, cfg.Alerts.ReporterWindow,
			limiter.WithLogger(log), limiter.WithMetrics(m))
	}
	return limiter.New(bucket.NewRedis(rc.Client), cfg.Alerts.ReporterLimit, cfg.Alerts.ReporterWindow,
		limiter.WithFallback(bucket.New()),
		limiter.WithLogger(log),
		limiter.WithMetrics(m),
	)
}
