package models

import "time"

type JobState string

const (
	JobQueued    JobState = "queued"
	JobActive    JobState = "active"
	JobCompleted JobState = "completed"
	JobFailed    JobState = "failed"
)

// Terminal reports whether no further transition is allowed.
func (s JobState) Terminal() bool {
	return s == JobCompleted || s == JobFailed
}

// CanTransition enforces queued -> active -> {completed, failed}.
// A queued job may also fail directly (expired before pickup).
func (s JobState) CanTransition(to JobState) bool {
	switch s {
	case JobQueued:
		return to == JobActive || to == JobFailed
	case JobActive:
		return to == JobCompleted || to == JobFailed
	default:
		return false
	}
}

func (s JobState) Valid() bool {
	switch s {
	case JobQueued, JobActive, JobCompleted, JobFailed:
		return true
	}
	return false
}

// JobError is the persisted, client-safe description of a failed job.
type JobError struct {
	Kind    string `json:"kind"`
	Message string `json:"message"`
	Stage   string `json:"stage,omitempty"`
}

type Job struct {
	ID         string         `json:"id"`
	ImageRef   string         `json:"image_ref,omitempty"` // blob key, empty when the image travels inline
	ImageSize  int            `json:"image_size"`
	Session    string         `json:"session,omitempty"`
	State      JobState       `json:"state"`
	CreatedAt  time.Time      `json:"created_at"`
	StartedAt  *time.Time     `json:"started_at,omitempty"`
	FinishedAt *time.Time     `json:"finished_at,omitempty"`
	Error      *JobError      `json:"error,omitempty"`
	Result     *ScoringResult `json:"result,omitempty"`
}

// Clone returns a copy that callers may read without racing the store.
func (j *Job) Clone() *Job {
	if j == nil {
		return nil
	}
	c := *j
	if j.StartedAt != nil {
		t := *j.StartedAt
		c.StartedAt = &t
	}
	if j.FinishedAt != nil {
		t := *j.FinishedAt
		c.FinishedAt = &t
	}
	if j.Error != nil {
		e := *j.Error
		c.Error = &e
	}
	return &c
}

// ScoringTask is the message published to NATS for worker processing.
type ScoringTask struct {
	JobID       string    `json:"job_id"`
	ImageRef    string    `json:"image_ref,omitempty"` // MinIO object key
	Image       []byte    `json:"image,omitempty"`     // set when no blob store is configured
	Session     string    `json:"session,omitempty"`
	SubmittedAt time.Time `json:"submitted_at"`
}

// JobEvent is published when a job reaches a terminal state.
type JobEvent struct {
	JobID   string    `json:"job_id"`
	State   JobState  `json:"state"`
	Session string    `json:"session,omitempty"`
	Score   *float64  `json:"score,omitempty"`
	Error   *JobError `json:"error,omitempty"`
	At      time.Time `json:"at"`
}
