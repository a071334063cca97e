// Package app wires configuration into the components shared by the
// service binaries.
package app

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/your-org/aurum-score/internal/config"
	"github.com/your-org/aurum-score/internal/jobs"
	"github.com/your-org/aurum-score/internal/storage"
	"github.com/your-org/aurum-score/internal/vibe"
	"github.com/your-org/aurum-score/internal/vision"
)

// BuildEngine loads the inference stages and assembles the scoring engine.
// Stages without a usable model fall back to their simulated versions.
func BuildEngine(cfg *config.Config) (*vision.Engine, *vision.Models, error) {
	deriver, err := vibe.New(cfg.Vibe)
	if err != nil {
		return nil, nil, fmt.Errorf("vibe deriver: %w", err)
	}
	m := vision.LoadModels(cfg.Vision)
	pre := vision.NewPreprocessor(cfg.Vision.InputSize, cfg.Vision.MaxPixels)
	return vision.NewEngine(pre, m, deriver, cfg.Vision.EmbeddingDim), m, nil
}

// OpenStore connects the configured job store. The returned close func is
// never nil.
func OpenStore(ctx context.Context, cfg *config.Config) (jobs.Store, func(), error) {
	switch cfg.Jobs.Store {
	case config.StorePostgres:
		s, err := storage.NewPostgresStore(ctx, cfg.Database.DSN(), cfg.Database.MaxConns, cfg.Vision.EmbeddingDim)
		if err != nil {
			return nil, nil, err
		}
		if err := s.EnsureSchema(ctx); err != nil {
			s.Close()
			return nil, nil, fmt.Errorf("ensure schema: %w", err)
		}
		slog.Info("job store ready", "backend", "postgres", "db", cfg.Database.Name)
		return s, s.Close, nil

	case config.StoreRedis:
		s, err := storage.NewRedisStore(ctx, cfg.Redis, cfg.Jobs.ResultTTL)
		if err != nil {
			return nil, nil, err
		}
		slog.Info("job store ready", "backend", "redis", "addr", cfg.Redis.Addr)
		return s, func() { _ = s.Close() }, nil

	default:
		slog.Warn("using in-memory job store; job state is lost on restart and not shared with external workers")
		return jobs.NewMemoryStore(), func() {}, nil
	}
}

// OpenBlobStore returns nil when MinIO is disabled; queued tasks then carry
// the image inline.
func OpenBlobStore(ctx context.Context, cfg *config.Config) (*storage.MinIOStore, error) {
	if !cfg.MinIO.Enabled {
		return nil, nil
	}
	s, err := storage.NewMinIOStore(cfg.MinIO, cfg.Server.MaxImageBytes)
	if err != nil {
		return nil, err
	}
	if err := s.EnsureBucket(ctx); err != nil {
		return nil, fmt.Errorf("ensure bucket: %w", err)
	}
	return s, nil
}

// ManagerOptions translates config into job manager options.
func ManagerOptions(cfg *config.Config) []jobs.Option {
	return []jobs.Option{
		jobs.WithTimeout(cfg.Jobs.Timeout),
		jobs.WithResultTTL(cfg.Jobs.ResultTTL),
		jobs.WithQueueTTL(cfg.Jobs.QueueTTL),
		jobs.WithMaxImageBytes(cfg.Server.MaxImageBytes),
		jobs.WithPublishTimeout(cfg.NATS.PublishTimeout),
		jobs.WithReconnectInterval(cfg.NATS.ReconnectInterval),
	}
}
