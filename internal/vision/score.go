package vision

import (
	"context"
	"fmt"
	"math"
	"sync"

	ort "github.com/yalue/onnxruntime_go"
)

// Prediction holds a score on the 0-100 scale and a confidence in [0,1].
type Prediction struct {
	Score      float64
	Confidence float64
}

type Scorer interface {
	Score(ctx context.Context, embedding []float32) (Prediction, error)
}

// ONNXScorer regresses (score, confidence) from an embedding; both outputs
// are in [0,1].
type ONNXScorer struct {
	mu           sync.Mutex
	session      *ort.AdvancedSession
	inputTensor  *ort.Tensor[float32]
	outputTensor *ort.Tensor[float32]
	dim          int
}

func NewONNXScorer(modelPath, inputName, outputName string, dim int) (*ONNXScorer, error) {
	inputTensor, err := ort.NewEmptyTensor[float32](ort.NewShape(1, int64(dim)))
	if err != nil {
		return nil, fmt.Errorf("create input tensor: %w", err)
	}

	outputTensor, err := ort.NewEmptyTensor[float32](ort.NewShape(1, 2))
	if err != nil {
		inputTensor.Destroy()
		return nil, fmt.Errorf("create output tensor: %w", err)
	}

	session, err := ort.NewAdvancedSession(modelPath,
		[]string{inputName},
		[]string{outputName},
		[]ort.Value{inputTensor},
		[]ort.Value{outputTensor},
		nil,
	)
	if err != nil {
		inputTensor.Destroy()
		outputTensor.Destroy()
		return nil, fmt.Errorf("create scorer session: %w", err)
	}

	return &ONNXScorer{
		session:      session,
		inputTensor:  inputTensor,
		outputTensor: outputTensor,
		dim:          dim,
	}, nil
}

func (s *ONNXScorer) Score(ctx context.Context, embedding []float32) (Prediction, error) {
	if err := ctx.Err(); err != nil {
		return Prediction{}, err
	}
	if len(embedding) != s.dim {
		return Prediction{}, fmt.Errorf("embedding length %d, model expects %d", len(embedding), s.dim)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	copy(s.inputTensor.GetData(), embedding)
	if err := s.session.Run(); err != nil {
		return Prediction{}, fmt.Errorf("run scorer: %w", err)
	}

	out := s.outputTensor.GetData()
	return Prediction{
		Score:      100 * clamp01(float64(out[0])),
		Confidence: clamp01(float64(out[1])),
	}, nil
}

func (s *ONNXScorer) Close() {
	if s.session != nil {
		s.session.Destroy()
	}
	if s.inputTensor != nil {
		s.inputTensor.Destroy()
	}
	if s.outputTensor != nil {
		s.outputTensor.Destroy()
	}
}

// HeuristicScorer derives a score from embedding magnitude:
// 100 * tanh(2.5 * rms(embedding)), confidence fixed at 0.5.
type HeuristicScorer struct{}

func (HeuristicScorer) Score(ctx context.Context, embedding []float32) (Prediction, error) {
	if err := ctx.Err(); err != nil {
		return Prediction{}, err
	}
	if len(embedding) == 0 {
		return Prediction{}, fmt.Errorf("empty embedding")
	}
	var sum float64
	for _, x := range embedding {
		sum += float64(x) * float64(x)
	}
	rms := math.Sqrt(sum / float64(len(embedding)))
	return Prediction{Score: 100 * math.Tanh(2.5*rms), Confidence: 0.5}, nil
}

func clamp01(v float64) float64 {
	if math.IsNaN(v) || v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}
