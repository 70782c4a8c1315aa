// Package dedup implements the Deduplicator (C8): given a query
// embedding, it searches the vector index and classifies the result
// into a confidence band, flagging ambiguous cases for manual review.
package dedup

import (
	"context"
	"fmt"
	"math"

	"go.uber.org/zap"

	"github.com/gk2work/identaur/pkg/vectorindex"
)

// Band is the confidence classification of a duplicate check.
type Band string

const (
	BandUnique Band = "UNIQUE"
	BandHigh   Band = "HIGH"
	BandMedium Band = "MEDIUM"
	BandLow    Band = "LOW"
)

// ReviewReason names which rule triggered manual review.
type ReviewReason string

const (
	ReviewReasonNone       ReviewReason = ""
	ReviewReasonBorderline ReviewReason = "borderline"
	ReviewReasonAmbiguous  ReviewReason = "ambiguous"
)

// Config holds the Deduplicator's thresholds (spec.md §4.7 defaults).
type Config struct {
	VerificationThreshold float64 // τ
	HighBand              float64 // h
	BorderlineMargin      float64 // δ
	TopK                  int
}

// DefaultConfig matches the spec's stated defaults.
func DefaultConfig() Config {
	return Config{
		VerificationThreshold: 0.85,
		HighBand:              0.95,
		BorderlineMargin:      0.02,
		TopK:                  10,
	}
}

// Match is one candidate surviving the threshold filter.
type Match struct {
	ApplicationID string
	Similarity    float64
}

// Verdict is the outcome of a duplicate check.
type Verdict struct {
	IsDuplicate          bool
	Band                 Band
	Matches              []Match
	RequiresManualReview bool
	ReviewReason         ReviewReason
}

// searcher is the subset of vectorindex.Index the Deduplicator needs;
// an interface so tests can substitute an in-memory double.
type searcher interface {
	Search(vector []float32, k int, threshold *float64) ([]vectorindex.SearchResult, error)
}

// Deduplicator classifies a query embedding against the vector index.
type Deduplicator struct {
	cfg   Config
	index searcher
	log   *zap.Logger
}

// New builds a Deduplicator over index.
func New(cfg Config, index searcher, log *zap.Logger) *Deduplicator {
	if log == nil {
		log = zap.NewNop()
	}
	return &Deduplicator{cfg: cfg, index: index, log: log}
}

// Check runs the duplicate-detection algorithm for vector
// (spec.md §4.7). applicationID is used only for logging/audit
// linkage, never as a search filter.
func (d *Deduplicator) Check(ctx context.Context, applicationID string, vector []float32) (Verdict, error) {
	results, err := d.index.Search(vector, d.cfg.TopK, nil)
	if err != nil {
		return Verdict{}, fmt.Errorf("deduplicator: search failed: %w", err)
	}

	candidates := make([]Match, 0, len(results))
	for _, r := range results {
		if r.Similarity >= d.cfg.VerificationThreshold {
			candidates = append(candidates, Match{ApplicationID: r.ApplicationID, Similarity: r.Similarity})
		}
	}

	if len(candidates) == 0 {
		d.log.Debug("no duplicate candidates above threshold",
			zap.String("application_id", applicationID), zap.Int("searched", len(results)))
		return Verdict{Band: BandUnique}, nil
	}

	best := candidates[0]
	band := BandMedium
	if best.Similarity >= d.cfg.HighBand {
		band = BandHigh
	}

	reason := ReviewReason("")
	requiresReview := false
	if math.Abs(best.Similarity-d.cfg.VerificationThreshold) <= d.cfg.BorderlineMargin {
		requiresReview = true
		reason = ReviewReasonBorderline
	}
	highCount := 0
	for _, c := range candidates {
		if c.Similarity >= d.cfg.HighBand {
			highCount++
		}
	}
	if highCount >= 2 {
		requiresReview = true
		reason = ReviewReasonAmbiguous
	}

	d.log.Info("duplicate detected",
		zap.String("application_id", applicationID),
		zap.String("matched_application_id", best.ApplicationID),
		zap.Float64("score", best.Similarity),
		zap.String("band", string(band)),
		zap.Bool("requires_manual_review", requiresReview))

	return Verdict{
		IsDuplicate:          true,
		Band:                 band,
		Matches:              candidates,
		RequiresManualReview: requiresReview,
		ReviewReason:         reason,
	}, nil
}
