// Package faceanalyzer defines the uniform adapter surface (C7) behind
// which any face-detection/quality/embedding stack can sit, plus a
// deterministic reference implementation usable in tests and local
// development without a real CNN runtime wired in.
package faceanalyzer

import (
	"context"
	"fmt"

	"github.com/gk2work/identaur/pkg/model"
)

const (
	minFaceWidth     = 80
	minFaceHeight    = 80
	qualityThreshold = 0.7
	blurNormFloor    = 100.0 / 500.0
)

// ErrNoFace indicates detect found nothing resembling a face.
type ErrNoFace struct{}

func (ErrNoFace) Error() string { return "faceanalyzer: no face detected" }

// ErrMultipleFaces indicates detect found more than one face.
type ErrMultipleFaces struct{ Count int }

func (e ErrMultipleFaces) Error() string {
	return fmt.Sprintf("faceanalyzer: %d faces detected, expected exactly one", e.Count)
}

// ErrBadFormat indicates the declared image format could not be
// decoded.
type ErrBadFormat struct{ Format string }

func (e ErrBadFormat) Error() string {
	return fmt.Sprintf("faceanalyzer: unsupported or corrupt format %q", e.Format)
}

// ErrFaceTooSmall indicates the detected box falls below the size
// floor.
type ErrFaceTooSmall struct {
	Width, Height, MinWidth, MinHeight int
}

func (e ErrFaceTooSmall) Error() string {
	return fmt.Sprintf("faceanalyzer: face %dx%d below minimum %dx%d", e.Width, e.Height, e.MinWidth, e.MinHeight)
}

// ErrLowQuality indicates the composite quality score fell below the
// configured threshold.
type ErrLowQuality struct {
	Overall, Threshold float64
}

func (e ErrLowQuality) Error() string {
	return fmt.Sprintf("faceanalyzer: overall quality %.3f below threshold %.3f", e.Overall, e.Threshold)
}

// ErrEmbeddingFailed wraps an underlying embedding-model failure.
type ErrEmbeddingFailed struct{ Cause error }

func (e ErrEmbeddingFailed) Error() string {
	return fmt.Sprintf("faceanalyzer: embedding failed: %v", e.Cause)
}
func (e ErrEmbeddingFailed) Unwrap() error { return e.Cause }

// DetectResult is the outcome of Detect.
type DetectResult struct {
	Box        model.FaceBox
	Confidence float64
	FaceTensor []float64
}

// AssessResult is the outcome of Assess. All fields lie in [0,1]
// except Blur, which is the raw unbounded blur metric.
type AssessResult struct {
	Blur     float64
	Lighting float64
	Size     float64
	Overall  float64
}

// FaceAnalyzer is the uniform adapter any CNN stack implements.
type FaceAnalyzer interface {
	Detect(ctx context.Context, imageBytes []byte, format string) (DetectResult, error)
	Assess(ctx context.Context, imageBytes []byte, box model.FaceBox) (AssessResult, error)
	Embed(ctx context.Context, faceTensor []float64) ([]float32, error)
	EmbedBatch(ctx context.Context, tensors [][]float64) ([][]float32, error)
}

// normalizeBlur maps a raw blur metric onto [0,1] per
// min(blur/500, 1).
func normalizeBlur(blur float64) float64 {
	n := blur / 500.0
	if n > 1 {
		n = 1
	}
	if n < 0 {
		n = 0
	}
	return n
}

// overallQuality combines the three quality signals with the fixed
// 0.5/0.3/0.2 weighting.
func overallQuality(blurNorm, lighting, size float64) float64 {
	return 0.5*blurNorm + 0.3*lighting + 0.2*size
}
