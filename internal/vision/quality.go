package vision

import (
	"math"

	"github.com/your-org/aurum-score/internal/models"
)

const (
	// Portrait face boxes are typically taller than wide.
	frontalAspect = 0.75
	// Faces at or above this many source pixels on the short side score full resolution.
	fullResolutionPixels = 256
)

// Quality computes per-face diagnostics from the face crop. All values are in [0,1].
func Quality(face *Tensor, confidence float32) models.QualityMetrics {
	if face == nil || face.Width == 0 || face.Height == 0 {
		return models.QualityMetrics{}
	}
	sharp := sharpness(face)
	exp := exposure(face)
	return models.QualityMetrics{
		FaceQuality: clamp01(0.4*float64(confidence) + 0.3*sharp + 0.3*exp),
		Frontality:  frontality(face.SourceWidth, face.SourceHeight),
		Symmetry:    symmetry(face),
		Resolution:  resolution(face.SourceWidth, face.SourceHeight),
	}
}

// symmetry is 1 minus the mean luminance difference between mirrored columns.
func symmetry(t *Tensor) float64 {
	half := t.Width / 2
	if half == 0 {
		return 1
	}
	var diff float64
	for y := 0; y < t.Height; y++ {
		for x := 0; x < half; x++ {
			diff += math.Abs(float64(t.Luma(x, y) - t.Luma(t.Width-1-x, y)))
		}
	}
	return clamp01(1 - diff/float64(half*t.Height))
}

func frontality(w, h int) float64 {
	if w <= 0 || h <= 0 {
		return 0
	}
	aspect := float64(w) / float64(h)
	return clamp01(1 - math.Min(1, math.Abs(math.Log(aspect/frontalAspect))))
}

func resolution(w, h int) float64 {
	short := min(w, h)
	return clamp01(float64(short) / fullResolutionPixels)
}

// sharpness is the mean absolute horizontal+vertical luma gradient, scaled so
// that typical in-focus faces approach 1.
func sharpness(t *Tensor) float64 {
	if t.Width < 2 || t.Height < 2 {
		return 0
	}
	var sum float64
	for y := 0; y < t.Height-1; y++ {
		for x := 0; x < t.Width-1; x++ {
			l := t.Luma(x, y)
			sum += math.Abs(float64(t.Luma(x+1, y)-l)) + math.Abs(float64(t.Luma(x, y+1)-l))
		}
	}
	mean := sum / float64((t.Width-1)*(t.Height-1))
	return clamp01(mean * 8)
}

// exposure peaks at mid-grey and falls to 0 for all-black or all-white crops.
func exposure(t *Tensor) float64 {
	var sum float64
	for y := 0; y < t.Height; y++ {
		for x := 0; x < t.Width; x++ {
			sum += float64(t.Luma(x, y))
		}
	}
	mean := sum / float64(t.Width*t.Height)
	return clamp01(1 - 2*math.Abs(mean-0.5))
}
