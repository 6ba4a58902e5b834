package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"telemetry-relay/internal/alarm"
	"telemetry-relay/internal/api"
	"telemetry-relay/internal/auth"
	"telemetry-relay/internal/cache"
	"telemetry-relay/internal/config"
	"telemetry-relay/internal/db"
	"telemetry-relay/internal/jobqueue"
	"telemetry-relay/internal/notify"
	"telemetry-relay/internal/processors/ingest"
	"telemetry-relay/internal/processors/mirror"
	"telemetry-relay/internal/ratelimit"
	"telemetry-relay/internal/registry"
	"telemetry-relay/internal/router"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"
)

const shutdownTimeout = 10 * time.Second

func newServeCmd(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the relay: sockets, ingest, alarm pipeline and job workers",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			slog.InfoContext(ctx, "Starting service...")
			cfg, store, err := opts.openDB(ctx)
			if err != nil {
				return err
			}
			defer store.Close()
			return serve(ctx, cfg, store)
		},
	}
}

func serve(ctx context.Context, cfg config.Config, store *db.DB) error {
	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))

	rt := router.New(router.Config{
		Verifier:         auth.New(auth.Config{Secret: cfg.Auth.JWTSecret}),
		Bindings:         store,
		SweepInterval:    cfg.Router.SweepInterval,
		HeartbeatTimeout: cfg.Router.HeartbeatTimeout,
		Registry:         reg,
	})
	agents := registry.New(registry.Config{
		Metadata:    store,
		IdleTimeout: cfg.Registry.IdleTimeout,
	})
	limiter := ratelimit.New(ratelimit.Config{
		Cooldowns:      cfg.RateLimit.Cooldowns,
		SweepThreshold: cfg.RateLimit.SweepThreshold,
		Horizon:        cfg.RateLimit.Horizon,
	})

	queue := jobqueue.New(jobqueue.Config{
		Store:              store,
		PollInterval:       cfg.Queue.PollInterval,
		MaxConcurrency:     cfg.Queue.MaxConcurrency,
		DefaultMaxAttempts: cfg.Queue.DefaultMaxAttempts,
		JobTimeout:         cfg.Queue.JobTimeout,
		Registry:           reg,
	})
	senders := notify.Senders{
		notify.ChannelIM:    notify.NewIMSender(cfg.Notify.IMWebhookURL, nil),
		notify.ChannelSMS:   notify.NewSMSSender(cfg.Notify.SMSWebhookURL, nil),
		notify.ChannelEmail: notify.NewEmailSender(notify.SMTPConfig(cfg.Notify.SMTP)),
	}
	pipeline := alarm.New(alarm.Config{
		Router:      rt,
		Queue:       queue,
		Recipients:  store,
		Log:         store,
		QueueName:   cfg.Alarm.Queue,
		DedupWindow: cfg.Alarm.DedupWindow,
		Registry:    reg,
	})
	handler := alarm.NewHandler(alarm.HandlerConfig{
		Senders:      senders,
		Log:          store,
		Reservations: pipeline,
		DedupWindow:  cfg.Alarm.DedupWindow,
	})
	queue.RegisterWorker(cfg.Alarm.Queue, handler.Handle)

	ingestCfg := ingest.Config{Sink: pipeline}
	var states *cache.StateCache
	if cfg.Kafka.Enabled() {
		states = cache.New(cache.Config{Brokers: cfg.Kafka.Brokers, ConsumerTopic: cfg.Kafka.LatestTopic})
		states.Hydrate(ctx)
		slog.InfoContext(ctx, "Cache hydrated with initial data", "instruments", states.Len())
		states.Dump(ctx)

		m := mirror.New(mirror.Config{
			Brokers:      cfg.Kafka.Brokers,
			HistoryTopic: cfg.Kafka.HistoryTopic,
			LatestTopic:  cfg.Kafka.LatestTopic,
		})
		defer m.Close(context.WithoutCancel(ctx))
		ingestCfg.Mirror = m
		ingestCfg.Brokers = cfg.Kafka.Brokers
		ingestCfg.ConsumerGroupID = cfg.Kafka.ConsumerGroup
		ingestCfg.ConsumerTopic = cfg.Kafka.TelemetryTopic
	} else {
		states = cache.NewMemory()
		slog.InfoContext(ctx, "Kafka disabled, accepting telemetry from agent sockets only")
	}
	ingestCfg.Cache = states
	in := ingest.New(ingestCfg)

	srv := &http.Server{
		Addr: cfg.HTTP.Addr,
		Handler: api.New(api.Config{
			Router:   rt,
			Registry: agents,
			Limiter:  limiter,
			Ingest:   in,
			Queue:    queue,
			DB:       store,
			Gatherer: reg,
		}).Routes(),
		ReadHeaderTimeout: 5 * time.Second,
	}

	// Shutdown does not close hijacked websockets.
	srv.RegisterOnShutdown(func() {
		shutdownCtx := context.WithoutCancel(ctx)
		agents.DeregisterAll(shutdownCtx)
		sessions := rt.DisconnectAll()
		slog.InfoContext(shutdownCtx, "Closed browser sessions", "count", sessions)
	})

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		slog.InfoContext(gctx, "HTTP server listening", "addr", srv.Addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(gctx), shutdownTimeout)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})
	g.Go(func() error {
		queue.Run(gctx)
		return nil
	})
	g.Go(func() error {
		runCleanup(gctx, queue, cfg)
		return nil
	})
	g.Go(func() error {
		rt.RunSweeper(gctx)
		return nil
	})
	g.Go(func() error {
		agents.RunIdleSweeper(gctx)
		return nil
	})
	g.Go(func() error {
		in.Run(gctx)
		return nil
	})

	err := g.Wait()
	in.Close(context.WithoutCancel(ctx))
	queue.Wait()
	pipeline.Wait()
	slog.InfoContext(ctx, "Service stopped")
	return err
}

// runCleanup purges terminal jobs in every queue past retention on a fixed interval.
func runCleanup(ctx context.Context, queue *jobqueue.Queue, cfg config.Config) {
	if cfg.Queue.CleanupInterval <= 0 || cfg.Queue.RetentionDays <= 0 {
		return
	}
	ticker := time.NewTicker(cfg.Queue.CleanupInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			deleted, err := queue.Cleanup(ctx, "", cfg.Queue.RetentionDays)
			if err != nil {
				slog.ErrorContext(ctx, "Error cleaning up jobs", "error", err)
				continue
			}
			slog.InfoContext(ctx, "Cleaned up jobs", "deleted", deleted)
		}
	}
}
