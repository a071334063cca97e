package jobs

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/your-org/aurum-score/internal/models"
)

var (
	ErrNotFound          = errors.New("job not found")
	ErrInvalidTransition = errors.New("invalid job state transition")
)

// Store persists jobs. Transition methods must be atomic: a job moves from
// one state to the next exactly once even with concurrent workers.
type Store interface {
	Create(ctx context.Context, job *models.Job) error
	Get(ctx context.Context, id string) (*models.Job, error)
	Delete(ctx context.Context, id string) error
	MarkActive(ctx context.Context, id string, at time.Time) (*models.Job, error)
	Complete(ctx context.Context, id string, result *models.ScoringResult, at time.Time) error
	Fail(ctx context.Context, id string, jobErr *models.JobError, at time.Time) error
	// ExpireActive fails active jobs started before cutoff and returns them.
	ExpireActive(ctx context.Context, cutoff time.Time, jobErr *models.JobError, at time.Time) ([]*models.Job, error)
	// ExpireQueued fails queued jobs created before cutoff and returns them.
	ExpireQueued(ctx context.Context, cutoff time.Time, jobErr *models.JobError, at time.Time) ([]*models.Job, error)
	// Prune removes terminal jobs finished before cutoff.
	Prune(ctx context.Context, cutoff time.Time) (int, error)
	Ping(ctx context.Context) error
}

// MemoryStore keeps jobs in process memory.
type MemoryStore struct {
	mu   sync.RWMutex
	jobs map[string]*models.Job
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{jobs: make(map[string]*models.Job)}
}

func (s *MemoryStore) Create(_ context.Context, job *models.Job) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.jobs[job.ID]; ok {
		return errors.New("job already exists: " + job.ID)
	}
	s.jobs[job.ID] = job.Clone()
	return nil
}

func (s *MemoryStore) Get(_ context.Context, id string) (*models.Job, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	j, ok := s.jobs[id]
	if !ok {
		return nil, ErrNotFound
	}
	return j.Clone(), nil
}

func (s *MemoryStore) Delete(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.jobs, id)
	return nil
}

func (s *MemoryStore) MarkActive(_ context.Context, id string, at time.Time) (*models.Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	j, err := s.transition(id, models.JobActive)
	if err != nil {
		return nil, err
	}
	j.StartedAt = &at
	return j.Clone(), nil
}

func (s *MemoryStore) Complete(_ context.Context, id string, result *models.ScoringResult, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	j, err := s.transition(id, models.JobCompleted)
	if err != nil {
		return err
	}
	j.Result = result
	j.FinishedAt = &at
	return nil
}

func (s *MemoryStore) Fail(_ context.Context, id string, jobErr *models.JobError, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	j, err := s.transition(id, models.JobFailed)
	if err != nil {
		return err
	}
	j.Error = jobErr
	j.FinishedAt = &at
	return nil
}

func (s *MemoryStore) ExpireActive(_ context.Context, cutoff time.Time, jobErr *models.JobError, at time.Time) ([]*models.Job, error) {
	return s.expire(models.JobActive, func(j *models.Job) *time.Time { return j.StartedAt }, cutoff, jobErr, at), nil
}

func (s *MemoryStore) ExpireQueued(_ context.Context, cutoff time.Time, jobErr *models.JobError, at time.Time) ([]*models.Job, error) {
	return s.expire(models.JobQueued, func(j *models.Job) *time.Time { return &j.CreatedAt }, cutoff, jobErr, at), nil
}

func (s *MemoryStore) expire(state models.JobState, since func(*models.Job) *time.Time, cutoff time.Time, jobErr *models.JobError, at time.Time) []*models.Job {
	s.mu.Lock()
	defer s.mu.Unlock()
	var expired []*models.Job
	for _, j := range s.jobs {
		if j.State != state {
			continue
		}
		if t := since(j); t == nil || !t.Before(cutoff) {
			continue
		}
		e := *jobErr
		finished := at
		j.State = models.JobFailed
		j.Error = &e
		j.FinishedAt = &finished
		expired = append(expired, j.Clone())
	}
	return expired
}

func (s *MemoryStore) Prune(_ context.Context, cutoff time.Time) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for id, j := range s.jobs {
		if j.State.Terminal() && j.FinishedAt != nil && j.FinishedAt.Before(cutoff) {
			delete(s.jobs, id)
			n++
		}
	}
	return n, nil
}

func (s *MemoryStore) Ping(context.Context) error { return nil }

// transition must be called with mu held.
func (s *MemoryStore) transition(id string, to models.JobState) (*models.Job, error) {
	j, ok := s.jobs[id]
	if !ok {
		return nil, ErrNotFound
	}
	if !j.State.CanTransition(to) {
		return nil, ErrInvalidTransition
	}
	j.State = to
	return j, nil
}
