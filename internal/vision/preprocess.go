package vision

import (
	"bytes"
	"errors"
	"fmt"
	"image"
	_ "image/gif"
	_ "image/jpeg"
	_ "image/png"
	"time"

	_ "golang.org/x/image/webp"

	"github.com/your-org/aurum-score/internal/apperr"
	"github.com/your-org/aurum-score/internal/observability"
)

// ErrInvalidImage is wrapped by every decode/resize failure.
var ErrInvalidImage = errors.New("invalid image")

// Tensor is a CHW float32 image with values in [0,1].
type Tensor struct {
	Data         []float32
	Channels     int
	Height       int
	Width        int
	SourceWidth  int
	SourceHeight int
}

func (t *Tensor) at(c, y, x int) float32 {
	return t.Data[c*t.Height*t.Width+y*t.Width+x]
}

// Luma returns Rec.601 luminance at (x, y).
func (t *Tensor) Luma(x, y int) float32 {
	if t.Channels < 3 {
		return t.at(0, y, x)
	}
	return 0.299*t.at(0, y, x) + 0.587*t.at(1, y, x) + 0.114*t.at(2, y, x)
}

// Resize performs nearest-neighbour resize (fast, good enough for ML input).
func (t *Tensor) Resize(w, h int) *Tensor {
	if w == t.Width && h == t.Height {
		return t
	}
	out := &Tensor{
		Data:         make([]float32, t.Channels*h*w),
		Channels:     t.Channels,
		Height:       h,
		Width:        w,
		SourceWidth:  t.SourceWidth,
		SourceHeight: t.SourceHeight,
	}
	for c := 0; c < t.Channels; c++ {
		for y := 0; y < h; y++ {
			sy := y * t.Height / h
			for x := 0; x < w; x++ {
				sx := x * t.Width / w
				out.Data[c*h*w+y*w+x] = t.at(c, sy, sx)
			}
		}
	}
	return out
}

// Crop extracts the region covered by a normalized box. The result keeps the
// source dimensions of the crop so resolution can be judged later.
func (t *Tensor) Crop(b Box) (*Tensor, error) {
	x1 := int(clampF(b.X1, 0, 1) * float32(t.Width))
	y1 := int(clampF(b.Y1, 0, 1) * float32(t.Height))
	x2 := int(clampF(b.X2, 0, 1) * float32(t.Width))
	y2 := int(clampF(b.Y2, 0, 1) * float32(t.Height))

	w, h := x2-x1, y2-y1
	if w <= 0 || h <= 0 {
		return nil, fmt.Errorf("empty crop %v", b)
	}

	out := &Tensor{
		Data:         make([]float32, t.Channels*h*w),
		Channels:     t.Channels,
		Height:       h,
		Width:        w,
		SourceWidth:  int(b.Width() * float32(t.SourceWidth)),
		SourceHeight: int(b.Height() * float32(t.SourceHeight)),
	}
	for c := 0; c < t.Channels; c++ {
		for y := 0; y < h; y++ {
			src := c*t.Height*t.Width + (y1+y)*t.Width + x1
			copy(out.Data[c*h*w+y*w:c*h*w+(y+1)*w], t.Data[src:src+w])
		}
	}
	return out, nil
}

// Normalized returns a copy scaled to 0-255 then shifted as (v - mean) / std,
// the layout most face models expect.
func (t *Tensor) Normalized(mean, std float32) []float32 {
	out := make([]float32, len(t.Data))
	for i, v := range t.Data {
		out[i] = (v*255 - mean) / std
	}
	return out
}

// Preprocessor turns encoded image bytes into a fixed-size tensor.
type Preprocessor struct {
	size      int
	maxPixels int
}

func NewPreprocessor(size, maxPixels int) *Preprocessor {
	return &Preprocessor{size: size, maxPixels: maxPixels}
}

func (p *Preprocessor) Size() int { return p.size }

// Check reads only the image header: format, dimensions and pixel budget.
func (p *Preprocessor) Check(data []byte) (string, error) {
	if len(data) == 0 {
		return "", invalidImage("empty image data", nil)
	}
	cfg, format, err := image.DecodeConfig(bytes.NewReader(data))
	if err != nil {
		return "", invalidImage("unsupported or corrupt image", err)
	}
	if cfg.Width <= 0 || cfg.Height <= 0 {
		return "", invalidImage("image has no pixels", nil)
	}
	if p.maxPixels > 0 && cfg.Width*cfg.Height > p.maxPixels {
		return "", invalidImage(fmt.Sprintf("image %dx%d exceeds %d pixels", cfg.Width, cfg.Height, p.maxPixels), nil)
	}
	return format, nil
}

// Preprocess decodes JPEG, PNG, GIF or WebP data into a 3xSxS tensor.
func (p *Preprocessor) Preprocess(data []byte) (*Tensor, error) {
	start := time.Now()
	defer func() {
		observability.InferenceDuration.WithLabelValues("preprocess").Observe(time.Since(start).Seconds())
	}()

	format, err := p.Check(data)
	if err != nil {
		return nil, err
	}

	img, _, err := image.Decode(bytes.NewReader(data))
	if err != nil {
		return nil, invalidImage("decode "+format, err)
	}

	return imageToTensor(img, p.size, p.size), nil
}

func invalidImage(msg string, cause error) error {
	if cause == nil {
		cause = ErrInvalidImage
	} else {
		cause = fmt.Errorf("%w: %v", ErrInvalidImage, cause)
	}
	return &apperr.Error{
		Kind:    apperr.KindValidation,
		Code:    apperr.CodeInvalidImage,
		Field:   "image",
		Message: msg,
		Cause:   cause,
	}
}

// imageToTensor samples img into CHW layout, nearest-neighbour.
func imageToTensor(img image.Image, targetW, targetH int) *Tensor {
	bounds := img.Bounds()
	srcW := bounds.Dx()
	srcH := bounds.Dy()

	t := &Tensor{
		Data:         make([]float32, 3*targetH*targetW),
		Channels:     3,
		Height:       targetH,
		Width:        targetW,
		SourceWidth:  srcW,
		SourceHeight: srcH,
	}
	plane := targetH * targetW

	for y := 0; y < targetH; y++ {
		srcY := bounds.Min.Y + y*srcH/targetH
		for x := 0; x < targetW; x++ {
			srcX := bounds.Min.X + x*srcW/targetW
			r, g, b, _ := img.At(srcX, srcY).RGBA()

			idx := y*targetW + x
			t.Data[idx] = float32(r>>8) / 255
			t.Data[plane+idx] = float32(g>>8) / 255
			t.Data[2*plane+idx] = float32(b>>8) / 255
		}
	}
	return t
}

func clampF(v, min, max float32) float32 {
	if v < min {
		return min
	}
	if v > max {
		return max
	}
	return v
}
