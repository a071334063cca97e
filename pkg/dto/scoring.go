package dto

import "github.com/your-org/aurum-score/internal/models"

// SubmitResponse is returned by POST /v1/score.
type SubmitResponse struct {
	Mode   string                `json:"mode"`
	JobID  string                `json:"job_id,omitempty"`
	Result *models.ScoringResult `json:"result,omitempty"`
}

type JobStatusResponse struct {
	JobID      string           `json:"job_id"`
	State      string           `json:"state"`
	Session    string           `json:"session,omitempty"`
	CreatedAt  string           `json:"created_at"`
	StartedAt  string           `json:"started_at,omitempty"`
	FinishedAt string           `json:"finished_at,omitempty"`
	Error      *models.JobError `json:"error,omitempty"`
}

// JobResultResponse is the payload of GET /v1/jobs/:id/result.
type JobResultResponse struct {
	JobID     string                `json:"job_id"`
	State     string                `json:"state"`
	Completed bool                  `json:"completed"`
	Result    *models.ScoringResult `json:"result,omitempty"`
}

// LegacyScoreRequest is the body of POST /v1/legacy/score.
type LegacyScoreRequest struct {
	ImageBase64 string `json:"image_base64" binding:"required"`
	Session     string `json:"session,omitempty"`
}

// LegacyScoreResponse is the flat envelope older clients parse.
type LegacyScoreResponse struct {
	Success          bool     `json:"success"`
	Message          string   `json:"message"`
	Mode             string   `json:"mode,omitempty"`
	JobID            string   `json:"job_id,omitempty"`
	Score            float64  `json:"score"`
	Percentile       float64  `json:"percentile"`
	Confidence       float64  `json:"confidence"`
	Vibe             string   `json:"vibe,omitempty"`
	Tags             []string `json:"tags"`
	FaceDetected     bool     `json:"face_detected"`
	FaceCount        int      `json:"face_count"`
	ProcessingTimeMS int64    `json:"processing_time_ms"`
	ErrorKind        string   `json:"error_kind,omitempty"`
}

// WSEvent is a WebSocket message for job lifecycle notifications.
type WSEvent struct {
	Type string          `json:"type"` // job_completed, job_failed
	Data models.JobEvent `json:"data"`
}
