package faceanalyzer

import (
	"bytes"
	"context"
	"errors"
	"image"
	"image/color"
	"image/gif"
	"image/jpeg"
	"image/png"
	"math"

	"go.uber.org/zap"
	"golang.org/x/image/bmp"
	"golang.org/x/image/webp"

	"github.com/gk2work/identaur/pkg/model"
)

var errEmptyTensor = errors.New("faceanalyzer: empty face tensor")

// HeuristicConfig tunes the reference analyzer's thresholds.
type HeuristicConfig struct {
	MinFaceWidth     int
	MinFaceHeight    int
	QualityThreshold float64
	EmbeddingDim     int
}

// DefaultHeuristicConfig matches the spec's stated floors.
func DefaultHeuristicConfig() HeuristicConfig {
	return HeuristicConfig{
		MinFaceWidth:     minFaceWidth,
		MinFaceHeight:    minFaceHeight,
		QualityThreshold: qualityThreshold,
		EmbeddingDim:     model.EmbeddingDim,
	}
}

// Heuristic is a deterministic, dependency-light reference
// implementation of FaceAnalyzer: it decodes the submitted image,
// treats a centered crop as the detected face region, and derives
// quality and embedding signals from pixel statistics rather than a
// learned model. It is what cmd/identity-worker wires by default when
// no external CNN service is configured; any stack satisfying
// FaceAnalyzer can replace it without touching the Processor.
type Heuristic struct {
	cfg HeuristicConfig
	log *zap.Logger
}

// NewHeuristic builds a Heuristic analyzer.
func NewHeuristic(cfg HeuristicConfig, log *zap.Logger) *Heuristic {
	if log == nil {
		log = zap.NewNop()
	}
	return &Heuristic{cfg: cfg, log: log}
}

var _ FaceAnalyzer = (*Heuristic)(nil)

func decodeImage(imageBytes []byte, format string) (image.Image, error) {
	r := bytes.NewReader(imageBytes)
	var (
		img image.Image
		err error
	)
	switch format {
	case "jpeg", "jpg":
		img, err = jpeg.Decode(r)
	case "png":
		img, err = png.Decode(r)
	case "gif":
		img, err = gif.Decode(r)
	case "bmp":
		img, err = bmp.Decode(r)
	case "webp":
		img, err = webp.Decode(r)
	default:
		return nil, ErrBadFormat{Format: format}
	}
	if err != nil {
		return nil, ErrBadFormat{Format: format}
	}
	return img, nil
}

func luminance(c color.Color) float64 {
	r, g, b, _ := c.RGBA()
	return (0.299*float64(r) + 0.587*float64(g) + 0.114*float64(b)) / 65535.0
}

// Detect decodes imageBytes and treats a centered 70%-of-min-dimension
// crop as the detected face. A near-blank image (negligible luminance
// variance) is reported as no face found.
func (h *Heuristic) Detect(ctx context.Context, imageBytes []byte, format string) (DetectResult, error) {
	img, err := decodeImage(imageBytes, format)
	if err != nil {
		return DetectResult{}, err
	}

	bounds := img.Bounds()
	w, hgt := bounds.Dx(), bounds.Dy()
	minDim := w
	if hgt < minDim {
		minDim = hgt
	}
	boxSize := int(float64(minDim) * 0.7)
	box := model.FaceBox{
		X:      bounds.Min.X + (w-boxSize)/2,
		Y:      bounds.Min.Y + (hgt-boxSize)/2,
		Width:  boxSize,
		Height: boxSize,
	}

	_, variance := luminanceStats(img, bounds)
	if variance < 1e-6 {
		return DetectResult{}, ErrNoFace{}
	}
	if box.Width < h.cfg.MinFaceWidth || box.Height < h.cfg.MinFaceHeight {
		return DetectResult{}, ErrFaceTooSmall{
			Width: box.Width, Height: box.Height,
			MinWidth: h.cfg.MinFaceWidth, MinHeight: h.cfg.MinFaceHeight,
		}
	}

	tensor := sampleGrid(img, box, h.cfg.EmbeddingDim)
	confidence := math.Min(0.5+variance, 0.99)
	return DetectResult{Box: box, Confidence: confidence, FaceTensor: tensor}, nil
}

func luminanceStats(img image.Image, bounds image.Rectangle) (mean, variance float64) {
	var sum, sumSq float64
	n := 0
	step := 4
	for y := bounds.Min.Y; y < bounds.Max.Y; y += step {
		for x := bounds.Min.X; x < bounds.Max.X; x += step {
			l := luminance(img.At(x, y))
			sum += l
			sumSq += l * l
			n++
		}
	}
	if n == 0 {
		return 0, 0
	}
	mean = sum / float64(n)
	variance = sumSq/float64(n) - mean*mean
	if variance < 0 {
		variance = 0
	}
	return mean, variance
}

// sampleGrid resamples the luminance of box on a uniform grid into a
// dim-length feature vector, nearest-neighbor, flattened row-major.
func sampleGrid(img image.Image, box model.FaceBox, dim int) []float64 {
	side := int(math.Sqrt(float64(dim)))
	if side*side < dim {
		side++
	}
	out := make([]float64, 0, dim)
	for gy := 0; gy < side && len(out) < dim; gy++ {
		for gx := 0; gx < side && len(out) < dim; gx++ {
			px := box.X + (gx*box.Width)/side
			py := box.Y + (gy*box.Height)/side
			out = append(out, luminance(img.At(px, py)))
		}
	}
	for len(out) < dim {
		out = append(out, 0)
	}
	return out
}

// sharpnessMeasure approximates a variance-of-gradient focus metric
// over box: sharp, in-focus crops have high gradient energy; blurry
// ones are smooth and score low.
func sharpnessMeasure(img image.Image, box model.FaceBox) float64 {
	var sum float64
	n := 0
	for y := box.Y; y < box.Y+box.Height-1; y++ {
		for x := box.X; x < box.X+box.Width-1; x++ {
			l := luminance(img.At(x, y))
			right := luminance(img.At(x+1, y))
			down := luminance(img.At(x, y+1))
			dx := l - right
			dy := l - down
			sum += dx*dx + dy*dy
			n++
		}
	}
	if n == 0 {
		return 0
	}
	// scaled up so typical sharp crops land well above the /500 floor
	return (sum / float64(n)) * 50000
}

// Assess scores blur (as a sharpness measure), lighting, and size for
// box within imageBytes.
func (h *Heuristic) Assess(ctx context.Context, imageBytes []byte, box model.FaceBox) (AssessResult, error) {
	// Format is not re-declared on Assess per the adapter contract; the
	// reference implementation re-sniffs via image.Decode's registered
	// format detection, which covers the formats Detect supports.
	img, _, err := image.Decode(bytes.NewReader(imageBytes))
	if err != nil {
		return AssessResult{}, ErrBadFormat{Format: "unknown"}
	}

	blur := sharpnessMeasure(img, box)
	blurNorm := normalizeBlur(blur)

	mean, _ := luminanceStats(img, image.Rect(box.X, box.Y, box.X+box.Width, box.Y+box.Height))
	lighting := 1 - math.Abs(mean-0.5)*2
	if lighting < 0 {
		lighting = 0
	}

	size := math.Min(float64(box.Width)/200.0, 1.0)

	overall := overallQuality(blurNorm, lighting, size)
	result := AssessResult{Blur: blur, Lighting: lighting, Size: size, Overall: overall}

	if blurNorm < blurNormFloor || overall < h.cfg.QualityThreshold {
		return result, ErrLowQuality{Overall: overall, Threshold: h.cfg.QualityThreshold}
	}
	return result, nil
}

// Embed L2-normalizes faceTensor into a unit vector. It fails with
// ErrEmbeddingFailed only when the tensor has (near-)zero norm and so
// cannot be normalized.
func (h *Heuristic) Embed(ctx context.Context, faceTensor []float64) ([]float32, error) {
	dim := h.cfg.EmbeddingDim
	vec := make([]float64, dim)
	copy(vec, faceTensor)

	var sumSq float64
	for _, v := range vec {
		sumSq += v * v
	}
	norm := math.Sqrt(sumSq)
	if norm < 1e-12 {
		return nil, ErrEmbeddingFailed{Cause: errEmptyTensor}
	}

	out := make([]float32, dim)
	for i, v := range vec {
		out[i] = float32(v / norm)
	}
	return out, nil
}

// EmbedBatch embeds each tensor independently; behavior is equivalent
// to N Embed calls, amortizing only the function-call overhead.
func (h *Heuristic) EmbedBatch(ctx context.Context, tensors [][]float64) ([][]float32, error) {
	out := make([][]float32, len(tensors))
	for i, t := range tensors {
		v, err := h.Embed(ctx, t)
		if err != nil {
			return nil, err
		}
		out[i] = v
	}
	return out, nil
}
