// Package jobs owns the lifecycle of scoring jobs: submission through the
// broker, the degraded synchronous path, worker execution and result reads.
package jobs

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/your-org/aurum-score/internal/apperr"
	"github.com/your-org/aurum-score/internal/models"
	"github.com/your-org/aurum-score/internal/observability"
)

type Mode string

const (
	ModeQueued Mode = "queued"
	ModeDirect Mode = "direct"
)

// Engine scores one encoded image.
type Engine interface {
	Score(ctx context.Context, data []byte) (*models.ScoringResult, error)
	Validate(data []byte) error
}

// Broker carries scoring tasks to workers and job events back.
type Broker interface {
	PublishJob(ctx context.Context, task models.ScoringTask) error
	PublishEvent(ctx context.Context, event models.JobEvent) error
	Ping(ctx context.Context) error
}

// UploadPrefix is the object key prefix of staged images.
const UploadPrefix = "uploads/"

// ErrBlobNotFound is wrapped by BlobStore.GetObject when the key is gone.
var ErrBlobNotFound = errors.New("staged image not found")

// BlobStore stages uploaded images for queued jobs.
type BlobStore interface {
	PutObject(ctx context.Context, key string, data []byte, contentType string) error
	GetObject(ctx context.Context, key string) ([]byte, error)
	DeleteObject(ctx context.Context, key string) error
}

type SubmitRequest struct {
	Image   []byte
	Session string
}

// Submission is either a queued job id or an inline result.
type Submission struct {
	Mode   Mode                  `json:"mode"`
	JobID  string                `json:"job_id,omitempty"`
	Result *models.ScoringResult `json:"result,omitempty"`
}

// ResultView answers a result query. Completed is false while the job is in flight.
type ResultView struct {
	Job       *models.Job
	Result    *models.ScoringResult
	Completed bool
}

// Counters is a snapshot of lifetime job statistics.
type Counters struct {
	Submitted uint64 `json:"jobs_submitted"`
	Queued    uint64 `json:"jobs_queued"`
	Direct    uint64 `json:"jobs_direct"`
	Completed uint64 `json:"jobs_completed"`
	Failed    uint64 `json:"jobs_failed"`
}

type Manager struct {
	engine Engine
	store  Store
	broker Broker
	blobs  BlobStore
	avail  *Availability

	timeout           time.Duration
	publishTimeout    time.Duration
	maxImageBytes     int64
	resultTTL         time.Duration
	queueTTL          time.Duration
	reconnectInterval time.Duration
	onEvent           func(models.JobEvent)
	now               func() time.Time

	submitted atomic.Uint64
	queued    atomic.Uint64
	direct    atomic.Uint64
	completed atomic.Uint64
	failed    atomic.Uint64
}

type Option func(*Manager)

// WithBroker enables the queued path. Without a broker every submission runs direct.
func WithBroker(b Broker) Option {
	return func(m *Manager) { m.broker = b }
}

// WithBlobStore stages images in object storage instead of inlining them in tasks.
func WithBlobStore(b BlobStore) Option {
	return func(m *Manager) { m.blobs = b }
}

func WithAvailability(a *Availability) Option {
	return func(m *Manager) {
		if a != nil {
			m.avail = a
		}
	}
}

func WithTimeout(d time.Duration) Option {
	return func(m *Manager) {
		if d > 0 {
			m.timeout = d
		}
	}
}

func WithPublishTimeout(d time.Duration) Option {
	return func(m *Manager) {
		if d > 0 {
			m.publishTimeout = d
		}
	}
}

func WithMaxImageBytes(n int64) Option {
	return func(m *Manager) {
		if n > 0 {
			m.maxImageBytes = n
		}
	}
}

func WithResultTTL(d time.Duration) Option {
	return func(m *Manager) {
		if d > 0 {
			m.resultTTL = d
		}
	}
}

// WithQueueTTL bounds how long a job may wait for a worker before it fails
// with a timeout. Values below the job timeout are raised to it.
func WithQueueTTL(d time.Duration) Option {
	return func(m *Manager) {
		if d > 0 {
			m.queueTTL = d
		}
	}
}

// WithReconnectInterval makes Watch re-probe a degraded broker. Zero keeps
// the service degraded until restart.
func WithReconnectInterval(d time.Duration) Option {
	return func(m *Manager) { m.reconnectInterval = d }
}

// WithEventHook is called for every terminal job event, in addition to the broker.
func WithEventHook(fn func(models.JobEvent)) Option {
	return func(m *Manager) { m.onEvent = fn }
}

func NewManager(engine Engine, store Store, opts ...Option) *Manager {
	m := &Manager{
		engine:         engine,
		store:          store,
		timeout:        30 * time.Second,
		publishTimeout: 2 * time.Second,
		maxImageBytes:  10 * 1024 * 1024,
		resultTTL:      24 * time.Hour,
		queueTTL:       time.Hour,
		now:            time.Now,
	}
	for _, o := range opts {
		o(m)
	}
	if m.queueTTL < m.timeout {
		m.queueTTL = m.timeout
	}
	if m.avail == nil {
		m.avail = NewAvailability(m.broker != nil)
	}
	return m
}

func (m *Manager) Available() bool { return m.avail.Available() }

func (m *Manager) Timeout() time.Duration { return m.timeout }

func (m *Manager) ReconnectInterval() time.Duration { return m.reconnectInterval }

func (m *Manager) Counters() Counters {
	return Counters{
		Submitted: m.submitted.Load(),
		Queued:    m.queued.Load(),
		Direct:    m.direct.Load(),
		Completed: m.completed.Load(),
		Failed:    m.failed.Load(),
	}
}

// Probe checks the broker once and caches the answer as the process-wide
// availability. It is meant for startup.
func (m *Manager) Probe(ctx context.Context) bool {
	if m.broker == nil {
		m.avail.set(false)
		return false
	}
	ctx, cancel := context.WithTimeout(ctx, m.publishTimeout)
	defer cancel()
	if err := m.broker.Ping(ctx); err != nil {
		m.degrade(apperr.Network("broker probe failed", err))
		return false
	}
	m.avail.set(true)
	slog.Info("broker available, submissions will be queued")
	return true
}

// Submit queues the image when the broker is usable and otherwise scores it
// inline. Broker failures never surface to the caller.
func (m *Manager) Submit(ctx context.Context, req SubmitRequest) (*Submission, error) {
	if err := m.ValidateImage(req.Image); err != nil {
		return nil, err
	}
	m.submitted.Add(1)

	if m.broker != nil && m.avail.Available() {
		sub, err := m.enqueue(ctx, req)
		if err == nil {
			return sub, nil
		}
		if apperr.Is(err, apperr.KindNetwork) {
			m.degrade(err)
		} else {
			slog.Warn("enqueue failed, scoring inline", "error", err)
		}
	}

	return m.runDirect(ctx, req)
}

// ValidateImage applies the size limit and a header check.
func (m *Manager) ValidateImage(image []byte) error {
	if len(image) == 0 {
		return apperr.ValidationField(apperr.CodeMissingInput, "image", "empty image data")
	}
	if int64(len(image)) > m.maxImageBytes {
		return apperr.PayloadTooLarge(int64(len(image)), m.maxImageBytes)
	}
	return m.engine.Validate(image)
}

func (m *Manager) enqueue(ctx context.Context, req SubmitRequest) (*Submission, error) {
	now := m.now().UTC()
	job := &models.Job{
		ID:        uuid.NewString(),
		ImageSize: len(req.Image),
		Session:   req.Session,
		State:     models.JobQueued,
		CreatedAt: now,
	}
	task := models.ScoringTask{JobID: job.ID, Session: req.Session, SubmittedAt: now}

	opCtx, cancel := context.WithTimeout(ctx, m.publishTimeout)
	defer cancel()

	if m.blobs != nil {
		key := UploadPrefix + job.ID
		if err := m.blobs.PutObject(opCtx, key, req.Image, "application/octet-stream"); err != nil {
			return nil, apperr.Network("stage image", err)
		}
		job.ImageRef = key
		task.ImageRef = key
	} else {
		task.Image = req.Image
	}

	if err := m.store.Create(ctx, job); err != nil {
		m.dropBlob(job.ImageRef)
		return nil, apperr.Internal("create job", err)
	}

	if err := m.broker.PublishJob(opCtx, task); err != nil {
		if derr := m.store.Delete(context.WithoutCancel(ctx), job.ID); derr != nil {
			slog.Error("delete unpublished job", "job_id", job.ID, "error", derr)
		}
		m.dropBlob(job.ImageRef)
		return nil, apperr.Network("publish job", err)
	}

	m.queued.Add(1)
	observability.ScoringRequests.WithLabelValues(string(ModeQueued)).Inc()
	observability.JobsTotal.WithLabelValues(string(models.JobQueued)).Inc()
	slog.Debug("job queued", "job_id", job.ID, "bytes", job.ImageSize)
	return &Submission{Mode: ModeQueued, JobID: job.ID}, nil
}

func (m *Manager) runDirect(ctx context.Context, req SubmitRequest) (*Submission, error) {
	m.direct.Add(1)
	observability.ScoringRequests.WithLabelValues(string(ModeDirect)).Inc()

	res, err := m.execute(ctx, req.Image)
	if err != nil {
		m.failed.Add(1)
		observability.JobsTotal.WithLabelValues(string(models.JobFailed)).Inc()
		return nil, err
	}
	m.completed.Add(1)
	observability.JobsTotal.WithLabelValues(string(models.JobCompleted)).Inc()
	return &Submission{Mode: ModeDirect, Result: res}, nil
}

// Execute runs the engine under the job timeout. It returns when the engine
// finishes or the budget expires, whichever comes first.
func (m *Manager) Execute(ctx context.Context, image []byte) (*models.ScoringResult, error) {
	return m.execute(ctx, image)
}

func (m *Manager) execute(ctx context.Context, image []byte) (*models.ScoringResult, error) {
	ctx, cancel := context.WithTimeout(ctx, m.timeout)
	defer cancel()

	type outcome struct {
		res *models.ScoringResult
		err error
	}
	ch := make(chan outcome, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				ch <- outcome{err: apperr.Internal(fmt.Sprintf("scoring panicked: %v", r), nil)}
			}
		}()
		res, err := m.engine.Score(ctx, image)
		ch <- outcome{res: res, err: err}
	}()

	select {
	case o := <-ch:
		return o.res, o.err
	case <-ctx.Done():
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return nil, apperr.Timeout(fmt.Sprintf("scoring exceeded %s", m.timeout), ctx.Err())
		}
		return nil, ctx.Err()
	}
}

func (m *Manager) GetStatus(ctx context.Context, id string) (*models.Job, error) {
	job, err := m.store.Get(ctx, id)
	if errors.Is(err, ErrNotFound) {
		return nil, apperr.NotFound("job %s not found", id)
	}
	if err != nil {
		return nil, apperr.Internal("load job", err)
	}
	return job, nil
}

// GetResult returns the stored result of a completed job, a not-completed
// view for jobs in flight and the recorded error for failed jobs.
func (m *Manager) GetResult(ctx context.Context, id string) (*ResultView, error) {
	job, err := m.GetStatus(ctx, id)
	if err != nil {
		return nil, err
	}
	view := &ResultView{Job: job}
	switch job.State {
	case models.JobCompleted:
		view.Result = job.Result
		view.Completed = true
		return view, nil
	case models.JobFailed:
		return view, jobError(job.Error)
	default:
		return view, nil
	}
}

// RunJob executes a task pulled from the broker. A nil return acks the
// message; an error asks for redelivery.
func (m *Manager) RunJob(ctx context.Context, task models.ScoringTask) error {
	job, err := m.store.MarkActive(ctx, task.JobID, m.now().UTC())
	switch {
	case errors.Is(err, ErrNotFound):
		slog.Warn("task for unknown job dropped", "job_id", task.JobID)
		return nil
	case errors.Is(err, ErrInvalidTransition):
		slog.Info("task already handled, skipping redelivery", "job_id", task.JobID)
		return nil
	case err != nil:
		return fmt.Errorf("mark job %s active: %w", task.JobID, err)
	}
	observability.JobsTotal.WithLabelValues(string(models.JobActive)).Inc()
	defer m.dropBlob(task.ImageRef)

	image := task.Image
	if task.ImageRef != "" {
		if m.blobs == nil {
			return m.finishFailed(ctx, job, apperr.Processing("load", nil, "no blob store configured for %s", task.ImageRef))
		}
		data, err := m.blobs.GetObject(ctx, task.ImageRef)
		if errors.Is(err, ErrBlobNotFound) {
			return m.finishFailed(ctx, job, apperr.Processing("load", err, "staged image %s is gone", task.ImageRef))
		}
		if err != nil {
			return m.finishFailed(ctx, job, apperr.Processing("load", err, "fetch staged image"))
		}
		image = data
	}

	res, err := m.execute(ctx, image)
	if err != nil {
		if ctx.Err() != nil && !apperr.Is(err, apperr.KindTimeout) {
			// Shutdown mid-job; leave it active for ExpireStale.
			return ctx.Err()
		}
		return m.finishFailed(ctx, job, err)
	}

	at := m.now().UTC()
	if err := m.store.Complete(ctx, job.ID, res, at); err != nil {
		return fmt.Errorf("complete job %s: %w", job.ID, err)
	}
	m.completed.Add(1)
	observability.JobsTotal.WithLabelValues(string(models.JobCompleted)).Inc()
	slog.Info("job completed", "job_id", job.ID, "score", res.Score, "face_detected", res.FaceDetected,
		"ms", res.ProcessingTimeMS)

	score := res.Score
	m.emit(ctx, models.JobEvent{JobID: job.ID, State: models.JobCompleted, Session: job.Session, Score: &score, At: at})
	return nil
}

func (m *Manager) finishFailed(ctx context.Context, job *models.Job, cause error) error {
	je := toJobError(cause)
	at := m.now().UTC()
	if err := m.store.Fail(ctx, job.ID, je, at); err != nil {
		return fmt.Errorf("fail job %s: %w", job.ID, err)
	}
	m.failed.Add(1)
	observability.JobsTotal.WithLabelValues(string(models.JobFailed)).Inc()
	slog.Warn("job failed", "job_id", job.ID, "kind", je.Kind, "stage", je.Stage, "error", cause)

	m.emit(ctx, models.JobEvent{JobID: job.ID, State: models.JobFailed, Session: job.Session, Error: je, At: at})
	return nil
}

// ExpireStale fails jobs that can no longer finish on their own: active jobs
// older than twice the job timeout, left behind by a worker that died, and
// queued jobs older than the queue TTL, whose task was lost or never consumed.
func (m *Manager) ExpireStale(ctx context.Context) (int, error) {
	now := m.now().UTC()
	abandoned, err := m.store.ExpireActive(ctx, now.Add(-2*m.timeout), &models.JobError{
		Kind:    string(apperr.KindTimeout),
		Message: "job abandoned by worker",
	}, now)
	if err != nil {
		return 0, fmt.Errorf("expire active jobs: %w", err)
	}
	unclaimed, qerr := m.store.ExpireQueued(ctx, now.Add(-m.queueTTL), &models.JobError{
		Kind:    string(apperr.KindTimeout),
		Message: fmt.Sprintf("job not picked up by a worker within %s", m.queueTTL),
	}, now)
	if qerr != nil {
		qerr = fmt.Errorf("expire queued jobs: %w", qerr)
	}

	expired := append(abandoned, unclaimed...)
	for _, j := range expired {
		m.failed.Add(1)
		observability.JobsTotal.WithLabelValues(string(models.JobFailed)).Inc()
		slog.Warn("expired stale job", "job_id", j.ID, "reason", j.Error.Message)
		m.dropBlob(j.ImageRef)
		m.emit(ctx, models.JobEvent{JobID: j.ID, State: models.JobFailed, Session: j.Session, Error: j.Error, At: now})
	}
	return len(expired), qerr
}

// Prune drops terminal jobs older than the result TTL.
func (m *Manager) Prune(ctx context.Context) (int, error) {
	return m.store.Prune(ctx, m.now().UTC().Add(-m.resultTTL))
}

// Watch re-probes a degraded broker every reconnect interval until ctx ends.
// It returns immediately when reconnection is disabled.
func (m *Manager) Watch(ctx context.Context) {
	if m.reconnectInterval <= 0 || m.broker == nil {
		return
	}
	ticker := time.NewTicker(m.reconnectInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if m.avail.Available() {
				continue
			}
			pingCtx, cancel := context.WithTimeout(ctx, m.publishTimeout)
			err := m.broker.Ping(pingCtx)
			cancel()
			if err == nil {
				m.avail.set(true)
				slog.Info("broker reachable again, leaving direct mode")
			}
		}
	}
}

func (m *Manager) degrade(err error) {
	if prev := m.avail.set(false); prev {
		slog.Warn("broker unavailable, switching to direct mode", "error", err,
			"reconnect_interval", m.reconnectInterval)
	}
}

func (m *Manager) emit(ctx context.Context, ev models.JobEvent) {
	if m.onEvent != nil {
		m.onEvent(ev)
	}
	if m.broker == nil {
		return
	}
	pubCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), m.publishTimeout)
	defer cancel()
	if err := m.broker.PublishEvent(pubCtx, ev); err != nil {
		slog.Warn("publish job event", "job_id", ev.JobID, "error", err)
	}
}

func (m *Manager) dropBlob(key string) {
	if key == "" || m.blobs == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), m.publishTimeout)
	defer cancel()
	if err := m.blobs.DeleteObject(ctx, key); err != nil {
		slog.Warn("delete staged image", "key", key, "error", err)
	}
}

func toJobError(err error) *models.JobError {
	if e, ok := apperr.As(err); ok {
		return &models.JobError{Kind: string(e.Kind), Message: e.Message, Stage: e.Stage}
	}
	kind := apperr.KindOf(err)
	return &models.JobError{Kind: string(kind), Message: apperr.PublicMessage(err)}
}

func jobError(je *models.JobError) error {
	if je == nil {
		return apperr.Internal("job failed without a recorded error", nil)
	}
	return &apperr.Error{Kind: apperr.Kind(je.Kind), Message: je.Message, Stage: je.Stage}
}
