package vision

import (
	"context"
	"fmt"
	"math"
	"sort"
	"sync"

	ort "github.com/yalue/onnxruntime_go"
)

// Box is a detected face; coordinates are normalized to [0,1].
type Box struct {
	X1         float32 `json:"x1"`
	Y1         float32 `json:"y1"`
	X2         float32 `json:"x2"`
	Y2         float32 `json:"y2"`
	Confidence float32 `json:"confidence"`
}

func (b Box) Width() float32  { return b.X2 - b.X1 }
func (b Box) Height() float32 { return b.Y2 - b.Y1 }
func (b Box) Area() float32   { return b.Width() * b.Height() }

type DetectionResult struct {
	Detected bool  `json:"detected"`
	Count    int   `json:"count"`
	Boxes    []Box `json:"boxes"`
}

// Primary returns the highest-confidence box.
func (r *DetectionResult) Primary() (Box, bool) {
	if r == nil || len(r.Boxes) == 0 {
		return Box{}, false
	}
	best := r.Boxes[0]
	for _, b := range r.Boxes[1:] {
		if b.Confidence > best.Confidence {
			best = b
		}
	}
	return best, true
}

// FaceDetector finds faces in a preprocessed tensor. "No face" is a valid
// result, never an error.
type FaceDetector interface {
	Detect(ctx context.Context, t *Tensor) (*DetectionResult, error)
}

// ONNXDetector runs a single-output face detector. The model takes
// [1,3,S,S] and returns [1,N,5] rows of x1,y1,x2,y2,score in input pixels.
type ONNXDetector struct {
	mu           sync.Mutex
	session      *ort.AdvancedSession
	inputTensor  *ort.Tensor[float32]
	outputTensor *ort.Tensor[float32]
	size         int
	maxDet       int
	threshold    float32
	nmsThreshold float32
}

func NewONNXDetector(modelPath, inputName, outputName string, size, maxDet int, threshold, nmsThreshold float32) (*ONNXDetector, error) {
	inputTensor, err := ort.NewEmptyTensor[float32](ort.NewShape(1, 3, int64(size), int64(size)))
	if err != nil {
		return nil, fmt.Errorf("create input tensor: %w", err)
	}

	outputTensor, err := ort.NewEmptyTensor[float32](ort.NewShape(1, int64(maxDet), 5))
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
		return nil, fmt.Errorf("create detector session: %w", err)
	}

	return &ONNXDetector{
		session:      session,
		inputTensor:  inputTensor,
		outputTensor: outputTensor,
		size:         size,
		maxDet:       maxDet,
		threshold:    threshold,
		nmsThreshold: nmsThreshold,
	}, nil
}

func (d *ONNXDetector) Detect(ctx context.Context, t *Tensor) (*DetectionResult, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	input := t.Resize(d.size, d.size).Normalized(127.5, 128)

	d.mu.Lock()
	defer d.mu.Unlock()

	copy(d.inputTensor.GetData(), input)
	if err := d.session.Run(); err != nil {
		return nil, fmt.Errorf("run detection: %w", err)
	}

	out := d.outputTensor.GetData()
	scale := float32(d.size)
	boxes := make([]Box, 0, 4)
	for i := 0; i < d.maxDet; i++ {
		row := out[i*5 : i*5+5]
		if row[4] < d.threshold {
			continue
		}
		boxes = append(boxes, Box{
			X1:         clampF(row[0]/scale, 0, 1),
			Y1:         clampF(row[1]/scale, 0, 1),
			X2:         clampF(row[2]/scale, 0, 1),
			Y2:         clampF(row[3]/scale, 0, 1),
			Confidence: row[4],
		})
	}

	return finalizeDetections(boxes, d.threshold, d.nmsThreshold), nil
}

func (d *ONNXDetector) Close() {
	if d.session != nil {
		d.session.Destroy()
	}
	if d.inputTensor != nil {
		d.inputTensor.Destroy()
	}
	if d.outputTensor != nil {
		d.outputTensor.Destroy()
	}
}

// SimulatedDetector reports one full-frame face with confidence 1.
type SimulatedDetector struct{}

func (SimulatedDetector) Detect(ctx context.Context, t *Tensor) (*DetectionResult, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return &DetectionResult{
		Detected: true,
		Count:    1,
		Boxes:    []Box{{X1: 0, Y1: 0, X2: 1, Y2: 1, Confidence: 1}},
	}, nil
}

// finalizeDetections drops low-confidence and degenerate boxes, then applies NMS.
func finalizeDetections(boxes []Box, threshold, iouThreshold float32) *DetectionResult {
	kept := boxes[:0]
	for _, b := range boxes {
		if b.Confidence >= threshold && b.Width() > 0 && b.Height() > 0 {
			kept = append(kept, b)
		}
	}
	kept = nms(kept, iouThreshold)
	return &DetectionResult{Detected: len(kept) > 0, Count: len(kept), Boxes: kept}
}

// nms performs Non-Maximum Suppression on detections.
func nms(boxes []Box, iouThreshold float32) []Box {
	if len(boxes) == 0 {
		return boxes
	}

	sort.Slice(boxes, func(i, j int) bool {
		return boxes[i].Confidence > boxes[j].Confidence
	})

	keep := make([]bool, len(boxes))
	for i := range keep {
		keep[i] = true
	}

	for i := 0; i < len(boxes); i++ {
		if !keep[i] {
			continue
		}
		for j := i + 1; j < len(boxes); j++ {
			if keep[j] && iou(boxes[i], boxes[j]) > iouThreshold {
				keep[j] = false
			}
		}
	}

	result := make([]Box, 0, len(boxes))
	for i, b := range boxes {
		if keep[i] {
			result = append(result, b)
		}
	}
	return result
}

func iou(a, b Box) float32 {
	x1 := math.Max(float64(a.X1), float64(b.X1))
	y1 := math.Max(float64(a.Y1), float64(b.Y1))
	x2 := math.Min(float64(a.X2), float64(b.X2))
	y2 := math.Min(float64(a.Y2), float64(b.Y2))

	intersection := float32(math.Max(0, x2-x1) * math.Max(0, y2-y1))
	union := a.Area() + b.Area() - intersection
	if union <= 0 {
		return 0
	}
	return intersection / union
}
