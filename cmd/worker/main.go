package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"runtime"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/your-org/aurum-score/internal/app"
	"github.com/your-org/aurum-score/internal/config"
	"github.com/your-org/aurum-score/internal/jobs"
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

	slog.Info("starting Aurum scoring worker",
		"workers", cfg.Worker.Concurrency,
		"cpu_cores", runtime.NumCPU(),
		"store", cfg.Jobs.Store,
	)
	if cfg.Jobs.Store == config.StoreMemory {
		slog.Error("worker needs a shared job store (postgres or redis)")
		os.Exit(1)
	}

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
		slog.Error("open job store", "error", err)
		os.Exit(1)
	}
	defer closeStore()

	blobs, err := app.OpenBlobStore(ctx, cfg)
	if err != nil {
		slog.Error("connect to minio", "error", err)
		os.Exit(1)
	}

	producer, err := queue.NewProducer(cfg.NATS)
	if err != nil {
		slog.Error("connect to nats producer", "error", err)
		os.Exit(1)
	}
	defer producer.Close()

	// Workers cannot do anything without the broker, so unlike the API they
	// fail hard here.
	if err := producer.EnsureStreams(ctx, cfg.NATS.ProbeAttempts); err != nil {
		slog.Error("ensure nats streams", "error", err)
		os.Exit(1)
	}

	opts := append(app.ManagerOptions(cfg), jobs.WithBroker(producer))
	if blobs != nil {
		opts = append(opts, jobs.WithBlobStore(blobs))
	}
	mgr := jobs.NewManager(engine, store, opts...)

	consumer, err := queue.NewConsumer(cfg.NATS)
	if err != nil {
		slog.Error("create consumer", "error", err)
		os.Exit(1)
	}
	defer consumer.Close()

	// AckWait must outlive the job timeout or slow jobs get redelivered.
	ackWait := 2 * cfg.Jobs.Timeout
	if err := consumer.ConsumeJobs(ctx, "scoring-workers", mgr.RunJob, cfg.Worker.Concurrency, ackWait); err != nil {
		slog.Error("start job consumer", "error", err)
		os.Exit(1)
	}

	// Metrics endpoint
	go func() {
		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.Handler())
		mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
			if err := producer.Ping(r.Context()); err != nil {
				w.WriteHeader(http.StatusServiceUnavailable)
				_, _ = w.Write([]byte(`{"status":"broker unavailable"}`))
				return
			}
			w.WriteHeader(http.StatusOK)
			_, _ = w.Write([]byte(`{"status":"ok"}`))
		})
		addr := fmt.Sprintf(":%d", cfg.Worker.MetricsPort)
		slog.Info("worker metrics listening", "addr", addr)
		if err := http.ListenAndServe(addr, mux); err != nil {
			slog.Error("metrics server error", "error", err)
		}
	}()

	go maintain(ctx, mgr, producer)

	slog.Info("worker running, waiting for jobs...")

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	slog.Info("shutting down worker...")
	cancel()
	consumer.Wait()
	slog.Info("worker stopped")
}

// maintain reports queue depth, fails jobs abandoned by crashed workers and
// prunes expired results.
func maintain(ctx context.Context, mgr *jobs.Manager, producer *queue.Producer) {
	depth := time.NewTicker(10 * time.Second)
	defer depth.Stop()
	sweep := time.NewTicker(time.Minute)
	defer sweep.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-depth.C:
			if d, err := producer.QueueDepth(ctx); err == nil {
				observability.QueueDepth.Set(float64(d))
			}
		case <-sweep.C:
			if n, err := mgr.ExpireStale(ctx); err != nil {
				slog.Warn("expire stale jobs", "error", err)
			} else if n > 0 {
				slog.Info("expired stale jobs", "count", n)
			}
			if n, err := mgr.Prune(ctx); err != nil {
				slog.Warn("prune jobs", "error", err)
			} else if n > 0 {
				slog.Info("pruned expired jobs", "count", n)
			}
		}
	}
}
