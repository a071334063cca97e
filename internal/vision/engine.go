package vision

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/your-org/aurum-score/internal/apperr"
	"github.com/your-org/aurum-score/internal/models"
	"github.com/your-org/aurum-score/internal/observability"
	"github.com/your-org/aurum-score/internal/vibe"
)

// Engine runs preprocess -> detect -> embed -> score -> vibe for one image.
// It is safe for concurrent use.
type Engine struct {
	pre     *Preprocessor
	models  *Models
	deriver *vibe.Deriver
	dim     int
	now     func() time.Time
}

func NewEngine(pre *Preprocessor, m *Models, deriver *vibe.Deriver, embeddingDim int) *Engine {
	return &Engine{
		pre:     pre,
		models:  m,
		deriver: deriver,
		dim:     embeddingDim,
		now:     time.Now,
	}
}

func (e *Engine) Models() *Models { return e.models }

// Validate rejects undecodable input without running inference.
func (e *Engine) Validate(data []byte) error {
	_, err := e.pre.Check(data)
	return err
}

// Score produces a complete result for one encoded image. An image without a
// face is a successful result with FaceDetected=false.
func (e *Engine) Score(ctx context.Context, data []byte) (*models.ScoringResult, error) {
	start := e.now()

	tensor, err := e.pre.Preprocess(data)
	if err != nil {
		return nil, err
	}

	stageStart := time.Now()
	det, err := e.models.Detector.Detect(ctx, tensor)
	if err != nil {
		return nil, stageError(ctx, StageDetect, len(data), err)
	}
	observe(StageDetect, stageStart)

	primary, ok := det.Primary()
	if !det.Detected || !ok {
		return &models.ScoringResult{
			Tags:             []string{},
			Embedding:        []float32{},
			FaceDetected:     false,
			FaceCount:        0,
			ProcessingTimeMS: e.now().Sub(start).Milliseconds(),
			CreatedAt:        e.now().UTC(),
			SimulatedStages:  e.models.Simulated(),
		}, nil
	}

	face, err := tensor.Crop(primary)
	if err != nil {
		return nil, apperr.Processing(StageDetect, err, "crop face from %d-byte input", len(data))
	}

	stageStart = time.Now()
	embedding, err := e.models.Embedder.Embed(ctx, face)
	if err != nil {
		return nil, stageError(ctx, StageEmbed, len(data), err)
	}
	if len(embedding) != e.dim {
		return nil, apperr.Processing(StageEmbed, nil,
			"embedding length %d, expected %d", len(embedding), e.dim)
	}
	observe(StageEmbed, stageStart)

	stageStart = time.Now()
	pred, err := e.models.Scorer.Score(ctx, embedding)
	if err != nil {
		return nil, stageError(ctx, StageScore, len(data), err)
	}
	observe(StageScore, stageStart)

	percentile, tags := e.deriver.Derive(pred.Score, embedding)

	return &models.ScoringResult{
		Score:            pred.Score,
		Confidence:       pred.Confidence,
		Percentile:       percentile,
		Tags:             tags,
		Embedding:        embedding,
		Quality:          Quality(face, primary.Confidence),
		FaceDetected:     true,
		FaceCount:        det.Count,
		ProcessingTimeMS: e.now().Sub(start).Milliseconds(),
		CreatedAt:        e.now().UTC(),
		SimulatedStages:  e.models.Simulated(),
	}, nil
}

func stageError(ctx context.Context, stage string, size int, err error) error {
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(ctx.Err(), context.DeadlineExceeded) {
		return apperr.Timeout(fmt.Sprintf("%s stage exceeded processing budget", stage), err)
	}
	return apperr.Processing(stage, err, "%s failed on %d-byte input", stage, size)
}

func observe(stage string, start time.Time) {
	observability.InferenceDuration.WithLabelValues(stage).Observe(time.Since(start).Seconds())
}
