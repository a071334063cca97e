package vision

import (
	"context"
	"encoding/binary"
	"fmt"
	"hash/fnv"
	"math"
	"math/rand/v2"
	"sync"

	ort "github.com/yalue/onnxruntime_go"
)

// Embedder maps a face tensor to a fixed-length vector.
type Embedder interface {
	Embed(ctx context.Context, t *Tensor) ([]float32, error)
}

// ONNXEmbedder extracts ArcFace-style embeddings.
type ONNXEmbedder struct {
	mu           sync.Mutex
	session      *ort.AdvancedSession
	inputTensor  *ort.Tensor[float32]
	outputTensor *ort.Tensor[float32]
	size         int
	dim          int
}

func NewONNXEmbedder(modelPath, inputName, outputName string, size, dim int) (*ONNXEmbedder, error) {
	inputTensor, err := ort.NewEmptyTensor[float32](ort.NewShape(1, 3, int64(size), int64(size)))
	if err != nil {
		return nil, fmt.Errorf("create input tensor: %w", err)
	}

	outputTensor, err := ort.NewEmptyTensor[float32](ort.NewShape(1, int64(dim)))
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
		return nil, fmt.Errorf("create embedder session: %w", err)
	}

	return &ONNXEmbedder{
		session:      session,
		inputTensor:  inputTensor,
		outputTensor: outputTensor,
		size:         size,
		dim:          dim,
	}, nil
}

// Embed returns an L2-normalized embedding of the face crop.
func (e *ONNXEmbedder) Embed(ctx context.Context, t *Tensor) ([]float32, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	input := t.Resize(e.size, e.size).Normalized(127.5, 127.5)

	e.mu.Lock()
	defer e.mu.Unlock()

	copy(e.inputTensor.GetData(), input)
	if err := e.session.Run(); err != nil {
		return nil, fmt.Errorf("run embedding: %w", err)
	}

	embedding := make([]float32, e.dim)
	copy(embedding, e.outputTensor.GetData())
	normalize(embedding)
	return embedding, nil
}

func (e *ONNXEmbedder) Close() {
	if e.session != nil {
		e.session.Destroy()
	}
	if e.inputTensor != nil {
		e.inputTensor.Destroy()
	}
	if e.outputTensor != nil {
		e.outputTensor.Destroy()
	}
}

// SimulatedEmbedder produces a pseudo-random vector seeded from the tensor
// content, so the same image always maps to the same vector.
type SimulatedEmbedder struct {
	Dim int
}

func (s SimulatedEmbedder) Embed(ctx context.Context, t *Tensor) ([]float32, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	seed := tensorSeed(t)
	rng := rand.New(rand.NewPCG(seed, seed^0x9e3779b97f4a7c15))

	amplitude := 0.2 + 0.8*rng.Float64()
	v := make([]float32, s.Dim)
	for i := range v {
		v[i] = float32((2*rng.Float64() - 1) * amplitude)
	}
	return v, nil
}

func tensorSeed(t *Tensor) uint64 {
	h := fnv.New64a()
	var buf [4]byte
	for _, x := range t.Data {
		binary.LittleEndian.PutUint32(buf[:], math.Float32bits(x))
		_, _ = h.Write(buf[:])
	}
	return h.Sum64()
}

// normalize performs L2 normalization in-place.
func normalize(v []float32) {
	var sum float64
	for _, x := range v {
		sum += float64(x) * float64(x)
	}
	norm := float32(math.Sqrt(sum))
	if norm > 0 {
		for i := range v {
			v[i] /= norm
		}
	}
}
