//go:build integration

package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/docker/go-connections/nat"
	tc "github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"

	"github.com/your-org/aurum-score/internal/config"
	"github.com/your-org/aurum-score/internal/jobs"
	"github.com/your-org/aurum-score/internal/models"
)

func startContainer(t *testing.T, req tc.ContainerRequest, port string) (host string, mapped string) {
	t.Helper()

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Minute)
	t.Cleanup(cancel)

	c, err := tc.GenericContainer(ctx, tc.GenericContainerRequest{
		ContainerRequest: req,
		Started:          true,
	})
	if err != nil {
		t.Fatalf("start %s: %v", req.Image, err)
	}
	t.Cleanup(func() { _ = c.Terminate(context.Background()) })

	host, err = c.Host(ctx)
	if err != nil {
		t.Fatalf("container host: %v", err)
	}
	p, err := c.MappedPort(ctx, nat.Port(port))
	if err != nil {
		t.Fatalf("mapped port: %v", err)
	}
	return host, p.Port()
}

func startPostgres(t *testing.T) *PostgresStore {
	t.Helper()
	host, port := startContainer(t, tc.ContainerRequest{
		Image:        "pgvector/pgvector:pg16",
		ExposedPorts: []string{"5432/tcp"},
		Env: map[string]string{
			"POSTGRES_USER":     "postgres",
			"POSTGRES_PASSWORD": "postgres",
			"POSTGRES_DB":       "aurum",
		},
		WaitingFor: wait.ForAll(
			wait.ForListeningPort("5432/tcp"),
			wait.ForLog("database system is ready to accept connections").WithOccurrence(2),
		).WithDeadline(2 * time.Minute),
	}, "5432/tcp")

	ctx := context.Background()
	dsn := fmt.Sprintf("postgres://postgres:postgres@%s:%s/aurum?sslmode=disable", host, port)
	s, err := NewPostgresStore(ctx, dsn, 4, 4)
	if err != nil {
		t.Fatalf("NewPostgresStore: %v", err)
	}
	t.Cleanup(s.Close)
	if err := s.EnsureSchema(ctx); err != nil {
		t.Fatalf("EnsureSchema: %v", err)
	}
	return s
}

func startRedis(t *testing.T) *RedisStore {
	t.Helper()
	host, port := startContainer(t, tc.ContainerRequest{
		Image:        "redis:7-alpine",
		ExposedPorts: []string{"6379/tcp"},
		WaitingFor:   wait.ForLog("Ready to accept connections").WithStartupTimeout(time.Minute),
	}, "6379/tcp")

	s, err := NewRedisStore(context.Background(), config.RedisConfig{Addr: host + ":" + port}, time.Hour)
	if err != nil {
		t.Fatalf("NewRedisStore: %v", err)
	}
	t.Cleanup(func() { _ = s.Close() })
	return s
}

// exerciseStore runs the lifecycle every jobs.Store must support.
func exerciseStore(t *testing.T, s jobs.Store) {
	ctx := context.Background()
	now := time.Now().UTC().Truncate(time.Millisecond)

	job := &models.Job{ID: "job-1", ImageSize: 42, Session: "s", State: models.JobQueued, CreatedAt: now}
	if err := s.Create(ctx, job); err != nil {
		t.Fatalf("Create: %v", err)
	}
	if _, err := s.Get(ctx, "missing"); !errors.Is(err, jobs.ErrNotFound) {
		t.Fatalf("Get missing: %v", err)
	}

	active, err := s.MarkActive(ctx, job.ID, now)
	if err != nil || active.State != models.JobActive || active.StartedAt == nil {
		t.Fatalf("MarkActive = %+v, %v", active, err)
	}
	if _, err := s.MarkActive(ctx, job.ID, now); !errors.Is(err, jobs.ErrInvalidTransition) {
		t.Fatalf("second MarkActive: %v", err)
	}

	res := &models.ScoringResult{Score: 71.5, Confidence: 0.5, Percentile: 91, Tags: []string{"Radiant"},
		Embedding: []float32{0.1, 0.2, 0.3, 0.4}, FaceDetected: true, FaceCount: 1, CreatedAt: now}
	if err := s.Complete(ctx, job.ID, res, now); err != nil {
		t.Fatalf("Complete: %v", err)
	}

	a, err := s.Get(ctx, job.ID)
	if err != nil {
		t.Fatal(err)
	}
	b, _ := s.Get(ctx, job.ID)
	ja, _ := json.Marshal(a.Result)
	jb, _ := json.Marshal(b.Result)
	if a.State != models.JobCompleted || string(ja) != string(jb) || a.Result.Score != 71.5 {
		t.Fatalf("completed job = %+v", a)
	}

	stale := &models.Job{ID: "job-2", State: models.JobQueued, CreatedAt: now}
	_ = s.Create(ctx, stale)
	_, _ = s.MarkActive(ctx, stale.ID, now.Add(-time.Hour))
	expired, err := s.ExpireActive(ctx, now.Add(-time.Minute), &models.JobError{Kind: "timeout_error", Message: "abandoned"}, now)
	if err != nil || len(expired) != 1 || expired[0].ID != stale.ID {
		t.Fatalf("ExpireActive = %+v, %v", expired, err)
	}

	lost := &models.Job{ID: "job-3", State: models.JobQueued, CreatedAt: now.Add(-2 * time.Hour)}
	claimed := &models.Job{ID: "job-4", State: models.JobQueued, CreatedAt: now.Add(-2 * time.Hour)}
	_ = s.Create(ctx, lost)
	_ = s.Create(ctx, claimed)
	_, _ = s.MarkActive(ctx, claimed.ID, now)
	expired, err = s.ExpireQueued(ctx, now.Add(-time.Hour), &models.JobError{Kind: "timeout_error", Message: "unclaimed"}, now)
	if err != nil || len(expired) != 1 || expired[0].ID != lost.ID || expired[0].State != models.JobFailed {
		t.Fatalf("ExpireQueued = %+v, %v", expired, err)
	}
	if j, _ := s.Get(ctx, claimed.ID); j.State != models.JobActive {
		t.Fatalf("claimed job state = %s", j.State)
	}
}

func TestPostgresStoreLifecycle(t *testing.T) {
	s := startPostgres(t)
	exerciseStore(t, s)

	n, err := s.Prune(context.Background(), time.Now().Add(time.Hour))
	if err != nil || n != 3 {
		t.Fatalf("Prune = %d, %v", n, err)
	}
}

func TestRedisStoreLifecycle(t *testing.T) {
	exerciseStore(t, startRedis(t))
}
