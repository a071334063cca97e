package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/your-org/aurum-score/internal/config"
	"github.com/your-org/aurum-score/internal/jobs"
	"github.com/your-org/aurum-score/internal/models"
)

const (
	redisJobPrefix = "aurum:job:"
	redisActiveSet = "aurum:jobs:active"
	redisQueuedSet = "aurum:jobs:queued"
	redisTxRetries = 5
)

// RedisStore keeps jobs as JSON documents with a TTL. State changes run in
// WATCH/MULTI transactions so concurrent workers cannot both claim a job.
type RedisStore struct {
	client *redis.Client
	ttl    time.Duration
}

func NewRedisStore(ctx context.Context, cfg config.RedisConfig, ttl time.Duration) (*RedisStore, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("ping redis: %w", err)
	}
	return NewRedisStoreFromClient(client, ttl), nil
}

func NewRedisStoreFromClient(client *redis.Client, ttl time.Duration) *RedisStore {
	return &RedisStore{client: client, ttl: ttl}
}

func (s *RedisStore) Close() error {
	return s.client.Close()
}

func (s *RedisStore) Ping(ctx context.Context) error {
	return s.client.Ping(ctx).Err()
}

func (s *RedisStore) Create(ctx context.Context, job *models.Job) error {
	data, err := json.Marshal(job)
	if err != nil {
		return fmt.Errorf("marshal job: %w", err)
	}
	ok, err := s.client.SetNX(ctx, redisJobPrefix+job.ID, data, s.ttl).Result()
	if err != nil {
		return fmt.Errorf("create job: %w", err)
	}
	if !ok {
		return fmt.Errorf("job %s already exists", job.ID)
	}
	if job.State == models.JobQueued {
		z := redis.Z{Score: float64(job.CreatedAt.UnixMilli()), Member: job.ID}
		if err := s.client.ZAdd(ctx, redisQueuedSet, z).Err(); err != nil {
			s.client.Del(ctx, redisJobPrefix+job.ID)
			return fmt.Errorf("index queued job: %w", err)
		}
	}
	return nil
}

func (s *RedisStore) Get(ctx context.Context, id string) (*models.Job, error) {
	data, err := s.client.Get(ctx, redisJobPrefix+id).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, jobs.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get job: %w", err)
	}
	var job models.Job
	if err := json.Unmarshal(data, &job); err != nil {
		return nil, fmt.Errorf("decode job: %w", err)
	}
	return &job, nil
}

func (s *RedisStore) Delete(ctx context.Context, id string) error {
	pipe := s.client.TxPipeline()
	pipe.Del(ctx, redisJobPrefix+id)
	pipe.ZRem(ctx, redisActiveSet, id)
	pipe.ZRem(ctx, redisQueuedSet, id)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("delete job: %w", err)
	}
	return nil
}

func (s *RedisStore) MarkActive(ctx context.Context, id string, at time.Time) (*models.Job, error) {
	var out *models.Job
	err := s.update(ctx, id, models.JobActive, func(j *models.Job) {
		j.StartedAt = &at
		out = j
	}, func(pipe redis.Pipeliner) {
		pipe.ZRem(ctx, redisQueuedSet, id)
		pipe.ZAdd(ctx, redisActiveSet, redis.Z{Score: float64(at.UnixMilli()), Member: id})
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

func (s *RedisStore) Complete(ctx context.Context, id string, result *models.ScoringResult, at time.Time) error {
	return s.update(ctx, id, models.JobCompleted, func(j *models.Job) {
		j.Result = result
		j.FinishedAt = &at
	}, func(pipe redis.Pipeliner) {
		pipe.ZRem(ctx, redisActiveSet, id)
	})
}

func (s *RedisStore) Fail(ctx context.Context, id string, jobErr *models.JobError, at time.Time) error {
	return s.update(ctx, id, models.JobFailed, func(j *models.Job) {
		j.Error = jobErr
		j.FinishedAt = &at
	}, func(pipe redis.Pipeliner) {
		pipe.ZRem(ctx, redisActiveSet, id)
		pipe.ZRem(ctx, redisQueuedSet, id)
	})
}

// ExpireActive walks the active index for jobs started before cutoff.
func (s *RedisStore) ExpireActive(ctx context.Context, cutoff time.Time, jobErr *models.JobError, at time.Time) ([]*models.Job, error) {
	return s.expire(ctx, redisActiveSet, cutoff, jobErr, at)
}

// ExpireQueued walks the queued index for jobs created before cutoff.
func (s *RedisStore) ExpireQueued(ctx context.Context, cutoff time.Time, jobErr *models.JobError, at time.Time) ([]*models.Job, error) {
	return s.expire(ctx, redisQueuedSet, cutoff, jobErr, at)
}

func (s *RedisStore) expire(ctx context.Context, index string, cutoff time.Time, jobErr *models.JobError, at time.Time) ([]*models.Job, error) {
	ids, err := s.client.ZRangeByScore(ctx, index, &redis.ZRangeBy{
		Min: "-inf",
		Max: fmt.Sprintf("(%d", cutoff.UnixMilli()),
	}).Result()
	if err != nil {
		return nil, fmt.Errorf("list jobs in %s: %w", index, err)
	}

	var expired []*models.Job
	for _, id := range ids {
		e := *jobErr
		err := s.expireOne(ctx, id, index, &e, at)
		switch {
		case err == nil:
			job, gerr := s.Get(ctx, id)
			if gerr == nil {
				expired = append(expired, job)
			}
		case errors.Is(err, jobs.ErrNotFound), errors.Is(err, jobs.ErrInvalidTransition):
			// Document expired or the job moved on meanwhile.
			s.client.ZRem(ctx, index, id)
		default:
			return expired, err
		}
	}
	return expired, nil
}

// expireOne fails a job only while it is still in the state index stands for,
// so a job claimed by a worker after the index scan is left alone.
func (s *RedisStore) expireOne(ctx context.Context, id, index string, jobErr *models.JobError, at time.Time) error {
	want := models.JobActive
	if index == redisQueuedSet {
		want = models.JobQueued
	}
	return s.updateIf(ctx, id, models.JobFailed, func(j *models.Job) bool { return j.State == want }, func(j *models.Job) {
		j.Error = jobErr
		j.FinishedAt = &at
	}, func(pipe redis.Pipeliner) {
		pipe.ZRem(ctx, redisActiveSet, id)
		pipe.ZRem(ctx, redisQueuedSet, id)
	})
}

// Prune is a no-op: every job document carries the result TTL.
func (s *RedisStore) Prune(context.Context, time.Time) (int, error) {
	return 0, nil
}

// update applies a state transition under WATCH, retrying on contention.
func (s *RedisStore) update(ctx context.Context, id string, to models.JobState, mutate func(*models.Job), extra func(redis.Pipeliner)) error {
	return s.updateIf(ctx, id, to, nil, mutate, extra)
}

// updateIf is update with an extra precondition; a failed guard reports
// jobs.ErrInvalidTransition.
func (s *RedisStore) updateIf(ctx context.Context, id string, to models.JobState, guard func(*models.Job) bool, mutate func(*models.Job), extra func(redis.Pipeliner)) error {
	key := redisJobPrefix + id

	txf := func(tx *redis.Tx) error {
		data, err := tx.Get(ctx, key).Bytes()
		if errors.Is(err, redis.Nil) {
			return jobs.ErrNotFound
		}
		if err != nil {
			return err
		}
		var job models.Job
		if err := json.Unmarshal(data, &job); err != nil {
			return fmt.Errorf("decode job: %w", err)
		}
		if !job.State.CanTransition(to) || (guard != nil && !guard(&job)) {
			return jobs.ErrInvalidTransition
		}
		job.State = to
		mutate(&job)

		updated, err := json.Marshal(&job)
		if err != nil {
			return fmt.Errorf("marshal job: %w", err)
		}
		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.Set(ctx, key, updated, s.ttl)
			if extra != nil {
				extra(pipe)
			}
			return nil
		})
		return err
	}

	for i := 0; i < redisTxRetries; i++ {
		err := s.client.Watch(ctx, txf, key)
		if errors.Is(err, redis.TxFailedErr) {
			continue
		}
		if err != nil && !errors.Is(err, jobs.ErrNotFound) && !errors.Is(err, jobs.ErrInvalidTransition) {
			return fmt.Errorf("update job %s: %w", id, err)
		}
		return err
	}
	return fmt.Errorf("update job %s: too much contention", id)
}
