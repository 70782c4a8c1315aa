package faceanalyzer

import (
	"context"
	"sync"

	"github.com/gk2work/identaur/pkg/model"
)

// Fake is a scriptable FaceAnalyzer for exercising callers without a
// real (or even heuristic) decode path — set the exported fields or
// errors before use, then read CallCounts afterward.
type Fake struct {
	mu sync.Mutex

	DetectResult DetectResult
	DetectErr    error
	AssessResult AssessResult
	AssessErr    error
	EmbedVector  []float32
	EmbedErr     error

	DetectCalls int
	AssessCalls int
	EmbedCalls  int
}

var _ FaceAnalyzer = (*Fake)(nil)

// NewFake returns a Fake that succeeds with a plausible default
// result unless overridden.
func NewFake() *Fake {
	vec := make([]float32, model.EmbeddingDim)
	vec[0] = 1.0
	return &Fake{
		DetectResult: DetectResult{
			Box:        model.FaceBox{X: 10, Y: 10, Width: 120, Height: 120},
			Confidence: 0.95,
			FaceTensor: make([]float64, model.EmbeddingDim),
		},
		AssessResult: AssessResult{Blur: 400, Lighting: 0.8, Size: 0.9, Overall: 0.85},
		EmbedVector:  vec,
	}
}

func (f *Fake) Detect(ctx context.Context, imageBytes []byte, format string) (DetectResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.DetectCalls++
	if f.DetectErr != nil {
		return DetectResult{}, f.DetectErr
	}
	return f.DetectResult, nil
}

func (f *Fake) Assess(ctx context.Context, imageBytes []byte, box model.FaceBox) (AssessResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.AssessCalls++
	if f.AssessErr != nil {
		return AssessResult{}, f.AssessErr
	}
	return f.AssessResult, nil
}

func (f *Fake) Embed(ctx context.Context, faceTensor []float64) ([]float32, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.EmbedCalls++
	if f.EmbedErr != nil {
		return nil, f.EmbedErr
	}
	return f.EmbedVector, nil
}

func (f *Fake) EmbedBatch(ctx context.Context, tensors [][]float64) ([][]float32, error) {
	out := make([][]float32, len(tensors))
	for i, t := range tensors {
		v, err := f.Embed(ctx, t)
		if err != nil {
			return nil, err
		}
		out[i] = v
	}
	return out, nil
}
