package models

import "time"

// QualityMetrics are per-image diagnostics, each in [0,1].
type QualityMetrics struct {
	FaceQuality float64 `json:"face_quality"`
	Frontality  float64 `json:"frontality"`
	Symmetry    float64 `json:"symmetry"`
	Resolution  float64 `json:"resolution"`
}

// ScoringResult is immutable once produced.
type ScoringResult struct {
	Score            float64        `json:"score"` // 0-100
	Confidence       float64        `json:"confidence"`
	Percentile       float64        `json:"percentile"`
	Tags             []string       `json:"tags"`
	Embedding        []float32      `json:"embedding"`
	Quality          QualityMetrics `json:"quality"`
	FaceDetected     bool           `json:"face_detected"`
	FaceCount        int            `json:"face_count"`
	ProcessingTimeMS int64          `json:"processing_time_ms"`
	CreatedAt        time.Time      `json:"created_at"`
	SimulatedStages  []string       `json:"simulated_stages,omitempty"`
}

// BatchSummary satisfies SuccessfulImages + FailedImages == TotalImages.
type BatchSummary struct {
	TotalImages         int      `json:"total_images"`
	SuccessfulImages    int      `json:"successful_images"`
	FailedImages        int      `json:"failed_images"`
	TotalProcessingMS   int64    `json:"total_processing_ms"`
	AverageProcessingMS float64  `json:"average_processing_ms"`
	Errors              []string `json:"errors"`
}
