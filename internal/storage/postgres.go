package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/pgvector/pgvector-go"

	"github.com/your-org/aurum-score/internal/jobs"
	"github.com/your-org/aurum-score/internal/models"
)

// PostgresStore persists scoring jobs. It satisfies jobs.Store; the result
// embedding is mirrored into a pgvector column.
type PostgresStore struct {
	pool *pgxpool.Pool
	dim  int
}

func NewPostgresStore(ctx context.Context, dsn string, maxConns, embeddingDim int) (*PostgresStore, error) {
	poolCfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("parse dsn: %w", err)
	}
	if maxConns > 0 {
		poolCfg.MaxConns = int32(maxConns)
	}

	pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("connect to postgres: %w", err)
	}

	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping postgres: %w", err)
	}

	return &PostgresStore{pool: pool, dim: embeddingDim}, nil
}

func (s *PostgresStore) Close() {
	s.pool.Close()
}

func (s *PostgresStore) Ping(ctx context.Context) error {
	return s.pool.Ping(ctx)
}

// EnsureSchema creates the jobs table and its indexes.
func (s *PostgresStore) EnsureSchema(ctx context.Context) error {
	stmts := []string{
		`CREATE EXTENSION IF NOT EXISTS vector`,
		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS scoring_jobs (
			id          TEXT PRIMARY KEY,
			image_ref   TEXT NOT NULL DEFAULT '',
			image_size  INTEGER NOT NULL DEFAULT 0,
			session     TEXT NOT NULL DEFAULT '',
			state       TEXT NOT NULL,
			created_at  TIMESTAMPTZ NOT NULL,
			started_at  TIMESTAMPTZ,
			finished_at TIMESTAMPTZ,
			error       JSONB,
			result      JSONB,
			score       DOUBLE PRECISION,
			embedding   vector(%d)
		)`, s.dim),
		`CREATE INDEX IF NOT EXISTS scoring_jobs_state_started_idx ON scoring_jobs (state, started_at)`,
		`CREATE INDEX IF NOT EXISTS scoring_jobs_queued_idx ON scoring_jobs (created_at) WHERE state = 'queued'`,
		`CREATE INDEX IF NOT EXISTS scoring_jobs_finished_idx ON scoring_jobs (finished_at) WHERE finished_at IS NOT NULL`,
	}
	for _, stmt := range stmts {
		if _, err := s.pool.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("ensure schema: %w", err)
		}
	}
	return nil
}

const jobColumns = `id, image_ref, image_size, session, state, created_at, started_at, finished_at, error, result`

func (s *PostgresStore) Create(ctx context.Context, job *models.Job) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO scoring_jobs (id, image_ref, image_size, session, state, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6)`,
		job.ID, job.ImageRef, job.ImageSize, job.Session, string(job.State), job.CreatedAt)
	if err != nil {
		return fmt.Errorf("create job: %w", err)
	}
	return nil
}

func (s *PostgresStore) Get(ctx context.Context, id string) (*models.Job, error) {
	row := s.pool.QueryRow(ctx, `SELECT `+jobColumns+` FROM scoring_jobs WHERE id = $1`, id)
	job, err := scanJob(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, jobs.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get job: %w", err)
	}
	return job, nil
}

func (s *PostgresStore) Delete(ctx context.Context, id string) error {
	if _, err := s.pool.Exec(ctx, `DELETE FROM scoring_jobs WHERE id = $1`, id); err != nil {
		return fmt.Errorf("delete job: %w", err)
	}
	return nil
}

func (s *PostgresStore) MarkActive(ctx context.Context, id string, at time.Time) (*models.Job, error) {
	row := s.pool.QueryRow(ctx,
		`UPDATE scoring_jobs SET state = $2, started_at = $3
		 WHERE id = $1 AND state = $4
		 RETURNING `+jobColumns,
		id, string(models.JobActive), at, string(models.JobQueued))
	job, err := scanJob(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, s.missOrConflict(ctx, id)
	}
	if err != nil {
		return nil, fmt.Errorf("mark job active: %w", err)
	}
	return job, nil
}

func (s *PostgresStore) Complete(ctx context.Context, id string, result *models.ScoringResult, at time.Time) error {
	payload, err := json.Marshal(result)
	if err != nil {
		return fmt.Errorf("marshal result: %w", err)
	}
	var vec *pgvector.Vector
	if len(result.Embedding) == s.dim {
		v := pgvector.NewVector(result.Embedding)
		vec = &v
	}

	tag, err := s.pool.Exec(ctx,
		`UPDATE scoring_jobs SET state = $2, finished_at = $3, result = $4, score = $5, embedding = $6
		 WHERE id = $1 AND state = $7`,
		id, string(models.JobCompleted), at, payload, result.Score, vec, string(models.JobActive))
	if err != nil {
		return fmt.Errorf("complete job: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return s.missOrConflict(ctx, id)
	}
	return nil
}

func (s *PostgresStore) Fail(ctx context.Context, id string, jobErr *models.JobError, at time.Time) error {
	payload, err := json.Marshal(jobErr)
	if err != nil {
		return fmt.Errorf("marshal job error: %w", err)
	}
	tag, err := s.pool.Exec(ctx,
		`UPDATE scoring_jobs SET state = $2, finished_at = $3, error = $4
		 WHERE id = $1 AND state IN ($5, $6)`,
		id, string(models.JobFailed), at, payload, string(models.JobQueued), string(models.JobActive))
	if err != nil {
		return fmt.Errorf("fail job: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return s.missOrConflict(ctx, id)
	}
	return nil
}

func (s *PostgresStore) ExpireActive(ctx context.Context, cutoff time.Time, jobErr *models.JobError, at time.Time) ([]*models.Job, error) {
	return s.expire(ctx, models.JobActive, "started_at", cutoff, jobErr, at)
}

func (s *PostgresStore) ExpireQueued(ctx context.Context, cutoff time.Time, jobErr *models.JobError, at time.Time) ([]*models.Job, error) {
	return s.expire(ctx, models.JobQueued, "created_at", cutoff, jobErr, at)
}

// expire fails every job in state whose since column is older than cutoff.
// since must be a column name constant.
func (s *PostgresStore) expire(ctx context.Context, state models.JobState, since string, cutoff time.Time, jobErr *models.JobError, at time.Time) ([]*models.Job, error) {
	payload, err := json.Marshal(jobErr)
	if err != nil {
		return nil, fmt.Errorf("marshal job error: %w", err)
	}
	rows, err := s.pool.Query(ctx,
		`UPDATE scoring_jobs SET state = $1, finished_at = $2, error = $3
		 WHERE state = $4 AND `+since+` < $5
		 RETURNING `+jobColumns,
		string(models.JobFailed), at, payload, string(state), cutoff)
	if err != nil {
		return nil, fmt.Errorf("expire %s jobs: %w", state, err)
	}
	defer rows.Close()

	var expired []*models.Job
	for rows.Next() {
		job, err := scanJob(rows)
		if err != nil {
			return nil, fmt.Errorf("scan expired job: %w", err)
		}
		expired = append(expired, job)
	}
	return expired, rows.Err()
}

func (s *PostgresStore) Prune(ctx context.Context, cutoff time.Time) (int, error) {
	tag, err := s.pool.Exec(ctx,
		`DELETE FROM scoring_jobs WHERE state IN ($1, $2) AND finished_at < $3`,
		string(models.JobCompleted), string(models.JobFailed), cutoff)
	if err != nil {
		return 0, fmt.Errorf("prune jobs: %w", err)
	}
	return int(tag.RowsAffected()), nil
}

// missOrConflict explains why a conditional update touched no row.
func (s *PostgresStore) missOrConflict(ctx context.Context, id string) error {
	var exists bool
	if err := s.pool.QueryRow(ctx, `SELECT EXISTS (SELECT 1 FROM scoring_jobs WHERE id = $1)`, id).Scan(&exists); err != nil {
		return fmt.Errorf("check job: %w", err)
	}
	if !exists {
		return jobs.ErrNotFound
	}
	return jobs.ErrInvalidTransition
}

func scanJob(row pgx.Row) (*models.Job, error) {
	var (
		job       models.Job
		state     string
		errJSON   []byte
		resultRaw []byte
	)
	if err := row.Scan(&job.ID, &job.ImageRef, &job.ImageSize, &job.Session, &state,
		&job.CreatedAt, &job.StartedAt, &job.FinishedAt, &errJSON, &resultRaw); err != nil {
		return nil, err
	}
	job.State = models.JobState(state)
	if len(errJSON) > 0 {
		job.Error = &models.JobError{}
		if err := json.Unmarshal(errJSON, job.Error); err != nil {
			return nil, fmt.Errorf("decode job error: %w", err)
		}
	}
	if len(resultRaw) > 0 {
		job.Result = &models.ScoringResult{}
		if err := json.Unmarshal(resultRaw, job.Result); err != nil {
			return nil, fmt.Errorf("decode job result: %w", err)
		}
	}
	return &job, nil
}
