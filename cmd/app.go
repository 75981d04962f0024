package main

import (
	"context"
	"fmt"
	"log/slog"
	"net/url"

	"github.com/go-redis/redis/v8"
	"golang.org/x/sync/errgroup"

	"github.com/angeloszaimis/payment-router/config"
	"github.com/angeloszaimis/payment-router/internal/circuitbreaker"
	"github.com/angeloszaimis/payment-router/internal/handler"
	"github.com/angeloszaimis/payment-router/internal/healthcheck"
	"github.com/angeloszaimis/payment-router/internal/httpserver"
	"github.com/angeloszaimis/payment-router/internal/ledger"
	"github.com/angeloszaimis/payment-router/internal/metrics"
	"github.com/angeloszaimis/payment-router/internal/payment"
	"github.com/angeloszaimis/payment-router/internal/processor"
	"github.com/angeloszaimis/payment-router/internal/queue"
	"github.com/angeloszaimis/payment-router/internal/router"
	"github.com/angeloszaimis/payment-router/internal/stats"
	"github.com/angeloszaimis/payment-router/internal/storage"
	"github.com/angeloszaimis/payment-router/pkg/logger"
)

// app holds every component of one process. Which of them run depends on
// the mode.
type app struct {
	cfg    *config.Config
	logger *slog.Logger

	redis      *redis.Client
	queue      *queue.RedisQueue
	stats      *stats.Persister
	store      *circuitbreaker.RedisStore
	breaker    *circuitbreaker.Engine
	processors processor.Pair
	collector  *metrics.Collector
	ledger     *ledger.Ledger

	server   *httpserver.Server
	consumer *queue.Consumer
}

func newApp(ctx context.Context, cfg *config.Config, log *slog.Logger) (*app, error) {
	a := &app{cfg: cfg, logger: log}

	client, err := storage.Connect(ctx, cfg.Redis, logger.Component(log, "storage"))
	if err != nil {
		return nil, err
	}
	a.redis = client

	a.processors, err = processorClients(cfg)
	if err != nil {
		a.redis.Close()
		return nil, err
	}

	a.collector = metrics.NewCollector(cfg.Metrics.BufferSize, logger.Component(log, "metrics"))
	a.collector.AddSource(a.observe)
	a.queue = queue.NewRedisQueue(client, cfg.Redis.KeyPrefix)
	a.stats = stats.NewPersister(client, cfg.Redis.KeyPrefix, cfg.Redis.QueryTimeout, logger.Component(log, "stats"))
	a.store = circuitbreaker.NewRedisStore(client, cfg.Redis.KeyPrefix)

	prober := healthcheck.NewProber(a.processors.Default.URL(), a.processors.Fallback.URL(), cfg.Breaker.HealthTimeout, logger.Component(log, "healthcheck"))
	a.breaker = circuitbreaker.NewEngine(prober, a.store, breakerSettings(cfg), logger.Component(log, "circuitbreaker"), a.collector)

	if servesAPI(cfg.Server.Mode) {
		h := handler.NewPaymentHandler(logger.Component(log, "handler"), a.queue, a.stats,
			[]handler.Purger{a.processors.Default, a.processors.Fallback}, a.breaker)

		a.server, err = httpserver.New(cfg.Server.Address, setupRouter(h, a.collector, log), serverTimeouts(cfg))
		if err != nil {
			a.close()
			return nil, fmt.Errorf("failed to create server: %w", err)
		}
	}

	if consumes(cfg.Server.Mode) {
		if cfg.Ledger.Enabled() {
			a.ledger, err = ledger.Open(ctx, cfg.Ledger.DSN, ledger.Options{
				BatchSize:     cfg.Ledger.BatchSize,
				FlushInterval: cfg.Ledger.FlushInterval,
			}, logger.Component(log, "ledger"))
			if err != nil {
				a.close()
				return nil, err
			}
		}

		rt := router.NewRouter(a.breaker, a.processors.Default, a.processors.Fallback,
			a.queue, a.stats, a.ledger, a.collector, logger.Component(log, "router"))

		a.consumer = queue.NewConsumer(a.queue, func(ctx context.Context, p payment.Payment) {
			rt.Handle(ctx, p)
		}, queue.ConsumerOptions{
			BatchSize:    cfg.Queue.BatchSize,
			Concurrency:  cfg.Worker.Concurrency,
			PoolCapacity: cfg.Worker.PoolCapacity,
			ErrorDelay:   cfg.Queue.ErrorDelay,
			Backoff:      queue.NewBackoff(cfg.Queue.BackoffMin, cfg.Queue.BackoffMax, cfg.Queue.BackoffFactor),
		}, logger.Component(log, "consumer"))
	}

	return a, nil
}

// run blocks until ctx is done or a component fails, then releases
// everything.
func (a *app) run(ctx context.Context) error {
	defer a.close()

	runCtx, stop := context.WithCancel(ctx)
	defer stop()

	a.collector.Start(runCtx)

	g, gctx := errgroup.WithContext(runCtx)

	g.Go(func() error {
		if err := a.store.Subscribe(gctx, a.breaker.Observe, a.logger); err != nil {
			a.logger.Warn("Breaker updates unavailable, falling back to polling", slog.Any("err", err))
		}
		return nil
	})

	if a.server != nil {
		g.Go(func() error {
			a.logger.Info("Listening", slog.String("addr", a.server.Addr()))
			if err := a.server.Run(gctx); err != nil {
				return fmt.Errorf("http server: %w", err)
			}
			return nil
		})
	}

	if a.consumer != nil {
		g.Go(func() error {
			return a.consumer.Run(gctx)
		})
	}

	a.logger.Info("Payment router started", slog.String("mode", a.cfg.Server.Mode))
	err := g.Wait()
	stop()
	<-a.collector.Done()

	if err != nil {
		a.logger.Error("Payment router stopped", slog.Any("err", err))
		return err
	}
	a.logger.Info("Shutting down gracefully...")
	return nil
}

// reload applies the settings that can change without a restart.
func (a *app) reload(next *config.Config) {
	a.breaker.UpdateSettings(breakerSettings(next))
}

func (a *app) close() {
	if a.breaker != nil {
		a.breaker.Close()
	}
	a.ledger.Close()
	if a.redis != nil {
		if err := a.redis.Close(); err != nil {
			a.logger.Warn("Failed to close Redis client", slog.Any("err", err))
		}
	}
}

// observe adds the live per-processor EWMA and the ledger drop count to a
// metrics snapshot.
func (a *app) observe(s *metrics.Snapshot) {
	for _, p := range processor.All {
		pm := s.Processors[p.String()]
		pm.EWMAResponse = a.processors.Get(p).EWMATime()
		s.Processors[p.String()] = pm
	}
	s.LedgerDropped = a.ledger.Dropped()
}

func processorClients(cfg *config.Config) (processor.Pair, error) {
	defaultURL, err := url.Parse(cfg.Processors.DefaultURL)
	if err != nil {
		return processor.Pair{}, fmt.Errorf("default processor url: %w", err)
	}
	fallbackURL, err := url.Parse(cfg.Processors.FallbackURL)
	if err != nil {
		return processor.Pair{}, fmt.Errorf("fallback processor url: %w", err)
	}

	return processor.Pair{
		Default:  processor.NewClient(processor.Default, defaultURL, cfg.Dispatch.Timeout, cfg.Processors.AdminToken),
		Fallback: processor.NewClient(processor.Fallback, fallbackURL, cfg.Dispatch.Timeout, cfg.Processors.AdminToken),
	}, nil
}

func breakerSettings(cfg *config.Config) circuitbreaker.Settings {
	return circuitbreaker.Settings{
		DebounceTTL:      cfg.Breaker.DebounceTTL,
		HealthTimeout:    cfg.Breaker.HealthTimeout,
		RecoveryInterval: cfg.Breaker.HealthInterval,
		LatencyThreshold: cfg.Breaker.LatencyThreshold,
	}
}

func serverTimeouts(cfg *config.Config) httpserver.Timeouts {
	return httpserver.Timeouts{
		Read:  cfg.Server.ReadTimeout,
		Write: cfg.Server.WriteTimeout,
		Idle:  cfg.Server.IdleTimeout,
	}
}

func servesAPI(mode string) bool {
	return mode == config.ModeAPI || mode == config.ModeAll
}

func consumes(mode string) bool {
	return mode == config.ModeWorker || mode == config.ModeAll
}
