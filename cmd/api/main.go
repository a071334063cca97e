package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/google/uuid"

	"github.com/your-org/aurum-score/internal/api"
	"github.com/your-org/aurum-score/internal/api/handlers"
	"github.com/your-org/aurum-score/internal/api/ws"
	"github.com/your-org/aurum-score/internal/app"
	"github.com/your-org/aurum-score/internal/batch"
	"github.com/your-org/aurum-score/internal/config"
	"github.com/your-org/aurum-score/internal/health"
	"github.com/your-org/aurum-score/internal/jobs"
	"github.com/your-org/aurum-score/internal/models"
	"github.com/your-org/aurum-score/internal/observability"
	"github.com/your-org/aurum-score/internal/queue"
)

func main() {
	configPath := flag.String("config", "configs/config.yaml", "path to config file")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "load config: %v\n", err)
		os.Exit(1)
	}

	observability.SetupLogger(cfg.Logging.Level, cfg.Logging.Format)

	slog.Info("starting Aurum scoring API", "port", cfg.Server.Port, "store", cfg.Jobs.Store)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	engine, stages, err := app.BuildEngine(cfg)
	if err != nil {
		slog.Error("build scoring engine", "error", err)
		os.Exit(1)
	}
	defer stages.Close()

	store, closeStore, err := app.OpenStore(ctx, cfg)
	if err != nil {
		slog.Error("open job store", "backend", cfg.Jobs.Store, "error", err)
		os.Exit(1)
	}
	defer closeStore()

	blobs, err := app.OpenBlobStore(ctx, cfg)
	if err != nil {
		slog.Error("connect to minio", "error", err)
		os.Exit(1)
	}

	hub := ws.NewHub()
	go hub.Run(ctx)

	// Embedded workers feed the hub directly unless the event stream does.
	var brokerEvents atomic.Bool
	opts := app.ManagerOptions(cfg)
	opts = append(opts, jobs.WithEventHook(func(ev models.JobEvent) {
		if !brokerEvents.Load() {
			hub.BroadcastJobEvent(ev)
		}
	}))
	if blobs != nil {
		opts = append(opts, jobs.WithBlobStore(blobs))
	}

	// The broker is probed once at startup; the answer is cached for every
	// later submission.
	var producer *queue.Producer
	var consumer *queue.Consumer
	producer, err = queue.NewProducer(cfg.NATS)
	if err != nil {
		slog.Warn("nats unavailable, serving in direct mode", "error", err)
	} else {
		defer producer.Close()
		available := producer.EnsureStreams(ctx, cfg.NATS.ProbeAttempts) == nil
		if !available {
			slog.Warn("nats streams unavailable, serving in direct mode",
				"attempts", cfg.NATS.ProbeAttempts, "reconnect_interval", cfg.NATS.ReconnectInterval)
		}
		opts = append(opts, jobs.WithBroker(producer), jobs.WithAvailability(jobs.NewAvailability(available)))

		consumer, err = queue.NewConsumer(cfg.NATS)
		if err != nil {
			slog.Warn("create nats consumer", "error", err)
		} else {
			defer consumer.Close()
		}
	}

	mgr := jobs.NewManager(engine, store, opts...)
	go mgr.Watch(ctx)
	go sweep(ctx, mgr)

	if consumer != nil && mgr.Available() {
		brokerEvents.Store(startConsumers(ctx, cfg, consumer, mgr, hub))
	}

	orch := batch.New(mgr,
		batch.WithMaxItems(cfg.Batch.MaxItems),
		batch.WithMaxErrors(cfg.Batch.MaxErrors),
		batch.WithMaxImageBytes(cfg.Server.MaxImageBytes),
	)

	sources := health.Sources{
		Models:    stages.Status,
		Queue:     mgr.Available,
		Jobs:      mgr.Counters,
		Batch:     orch.ItemCounts,
		Reconnect: cfg.NATS.ReconnectInterval,
	}
	if producer != nil {
		sources.Depth = producer.QueueDepth
	}

	checks := []handlers.Check{{Name: "store", Ping: store.Ping}}
	if blobs != nil {
		checks = append(checks, handlers.Check{Name: "minio", Ping: blobs.Ping})
	}

	router := api.NewRouter(api.RouterConfig{
		APIKey:        cfg.Server.APIKey,
		MaxImageBytes: cfg.Server.MaxImageBytes,
		Manager:       mgr,
		Batch:         orch,
		Health:        health.NewReporter(sources),
		Hub:           hub,
		Checks:        checks,
	})

	// Batch requests may legitimately run for a full job timeout.
	srv := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Server.Port),
		Handler:      router,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: cfg.Jobs.Timeout + 30*time.Second,
		IdleTimeout:  60 * time.Second,
	}

	go func() {
		slog.Info("API server listening", "addr", srv.Addr, "mode", modeOf(mgr))
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			slog.Error("server error", "error", err)
			os.Exit(1)
		}
	}()

	// Graceful shutdown
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	slog.Info("shutting down API server...")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		slog.Error("server shutdown error", "error", err)
	}
	cancel()
	if consumer != nil {
		consumer.Wait()
	}

	slog.Info("API server stopped")
}

// startConsumers forwards job events to WebSocket clients and, when
// configured, runs workers in this process. It reports whether the event
// consumer is running.
func startConsumers(ctx context.Context, cfg *config.Config, consumer *queue.Consumer, mgr *jobs.Manager, hub *ws.Hub) bool {
	// Ephemeral per-instance consumer so every API replica sees every event.
	name := "api-events-" + uuid.NewString()[:8]
	err := consumer.ConsumeEvents(ctx, name, func(_ context.Context, ev models.JobEvent) error {
		hub.BroadcastJobEvent(ev)
		return nil
	})
	eventsOK := err == nil
	if err != nil {
		slog.Warn("start event consumer", "error", err)
	}

	if !cfg.Worker.Embedded {
		return eventsOK
	}
	err = consumer.ConsumeJobs(ctx, "scoring-workers", mgr.RunJob, cfg.Worker.Concurrency, 2*cfg.Jobs.Timeout)
	if err != nil {
		slog.Warn("start embedded workers", "error", err)
		return eventsOK
	}
	slog.Info("embedded workers started", "concurrency", cfg.Worker.Concurrency)
	return eventsOK
}

// sweep expires abandoned jobs and drops results past their TTL.
func sweep(ctx context.Context, mgr *jobs.Manager) {
	ticker := time.NewTicker(time.Minute)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := mgr.ExpireStale(ctx); err != nil {
				slog.Warn("expire stale jobs", "error", err)
			}
			if n, err := mgr.Prune(ctx); err != nil {
				slog.Warn("prune jobs", "error", err)
			} else if n > 0 {
				slog.Debug("pruned expired jobs", "count", n)
			}
		}
	}
}

func modeOf(mgr *jobs.Manager) jobs.Mode {
	if mgr.Available() {
		return jobs.ModeQueued
	}
	return jobs.ModeDirect
}
