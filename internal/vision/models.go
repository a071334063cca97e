package vision

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"runtime"

	ort "github.com/yalue/onnxruntime_go"

	"github.com/your-org/aurum-score/internal/config"
	"github.com/your-org/aurum-score/internal/observability"
)

type Backend string

const (
	BackendONNX      Backend = "onnx"
	BackendSimulated Backend = "simulated"
)

const (
	StageDetect = "detect"
	StageEmbed  = "embed"
	StageScore  = "score"
)

// StageStatus describes which backend a stage ended up with.
type StageStatus struct {
	Stage   string  `json:"stage"`
	Backend Backend `json:"backend"`
	Path    string  `json:"path,omitempty"`
	Error   string  `json:"error,omitempty"`
}

// Models holds the three inference stages. Selection happens once in
// LoadModels and is never revisited.
type Models struct {
	Detector FaceDetector
	Embedder Embedder
	Scorer   Scorer

	status  []StageStatus
	closers []func()
	ortInit bool
}

// LoadModels initializes ONNX Runtime and loads each stage independently.
// A stage whose model cannot be loaded runs its simulated implementation.
func LoadModels(cfg config.VisionConfig) *Models {
	m := SimulatedModels(cfg)
	if cfg.ForceSimulated {
		for i := range m.status {
			m.status[i].Error = "forced by configuration"
		}
		m.publish()
		return m
	}

	ort.SetSharedLibraryPath(onnxLibPath(cfg.ONNXLibrary))
	if err := ort.InitializeEnvironment(); err != nil {
		slog.Warn("onnx runtime unavailable, all stages simulated", "error", err)
		for i := range m.status {
			m.status[i].Error = "onnx runtime: " + err.Error()
		}
		m.publish()
		return m
	}
	m.ortInit = true

	detPath := filepath.Join(cfg.ModelsDir, cfg.Detector.File)
	if err := modelExists(detPath); err != nil {
		m.fallback(0, detPath, err)
	} else if det, err := NewONNXDetector(detPath, cfg.Detector.InputName, cfg.Detector.OutputName,
		cfg.InputSize, cfg.MaxDetections, float32(cfg.DetectionThreshold), float32(cfg.NMSThreshold)); err != nil {
		m.fallback(0, detPath, err)
	} else {
		m.Detector = det
		m.closers = append(m.closers, det.Close)
		m.status[0] = StageStatus{Stage: StageDetect, Backend: BackendONNX, Path: detPath}
	}

	embPath := filepath.Join(cfg.ModelsDir, cfg.Embedder.File)
	if err := modelExists(embPath); err != nil {
		m.fallback(1, embPath, err)
	} else if emb, err := NewONNXEmbedder(embPath, cfg.Embedder.InputName, cfg.Embedder.OutputName,
		cfg.EmbedInputSize, cfg.EmbeddingDim); err != nil {
		m.fallback(1, embPath, err)
	} else {
		m.Embedder = emb
		m.closers = append(m.closers, emb.Close)
		m.status[1] = StageStatus{Stage: StageEmbed, Backend: BackendONNX, Path: embPath}
	}

	scorePath := filepath.Join(cfg.ModelsDir, cfg.Scorer.File)
	if err := modelExists(scorePath); err != nil {
		m.fallback(2, scorePath, err)
	} else if sc, err := NewONNXScorer(scorePath, cfg.Scorer.InputName, cfg.Scorer.OutputName,
		cfg.EmbeddingDim); err != nil {
		m.fallback(2, scorePath, err)
	} else {
		m.Scorer = sc
		m.closers = append(m.closers, sc.Close)
		m.status[2] = StageStatus{Stage: StageScore, Backend: BackendONNX, Path: scorePath}
	}

	m.publish()
	return m
}

// SimulatedModels returns a set where every stage is simulated.
func SimulatedModels(cfg config.VisionConfig) *Models {
	return &Models{
		Detector: SimulatedDetector{},
		Embedder: SimulatedEmbedder{Dim: cfg.EmbeddingDim},
		Scorer:   HeuristicScorer{},
		status: []StageStatus{
			{Stage: StageDetect, Backend: BackendSimulated},
			{Stage: StageEmbed, Backend: BackendSimulated},
			{Stage: StageScore, Backend: BackendSimulated},
		},
	}
}

func (m *Models) fallback(i int, path string, err error) {
	m.status[i].Path = path
	m.status[i].Error = err.Error()
	slog.Warn("model unavailable, using simulated backend",
		"stage", m.status[i].Stage, "path", path, "error", err)
}

func (m *Models) publish() {
	for _, s := range m.status {
		observability.StageSimulated.WithLabelValues(s.Stage).Set(observability.BoolGauge(s.Backend == BackendSimulated))
		slog.Info("inference stage ready", "stage", s.Stage, "backend", s.Backend)
	}
}

// Status returns a copy of the per-stage backend selection.
func (m *Models) Status() []StageStatus {
	out := make([]StageStatus, len(m.status))
	copy(out, m.status)
	return out
}

// Simulated lists the stages running without a real model.
func (m *Models) Simulated() []string {
	var out []string
	for _, s := range m.status {
		if s.Backend == BackendSimulated {
			out = append(out, s.Stage)
		}
	}
	return out
}

// Close releases all ONNX sessions.
func (m *Models) Close() {
	for _, c := range m.closers {
		c()
	}
	m.closers = nil
	if m.ortInit {
		_ = ort.DestroyEnvironment()
		m.ortInit = false
	}
}

func modelExists(path string) error {
	if _, err := os.Stat(path); err != nil {
		return fmt.Errorf("model file: %w", err)
	}
	return nil
}

// onnxLibPath returns the ONNX Runtime shared library path, falling back to
// the platform default name.
func onnxLibPath(configured string) string {
	if configured != "" {
		return configured
	}
	switch runtime.GOOS {
	case "windows":
		return "onnxruntime.dll"
	case "darwin":
		return "libonnxruntime.dylib"
	default:
		return "libonnxruntime.so"
	}
}
