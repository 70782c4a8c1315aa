package metrics_test

import (
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"

	"github.com/gk2work/identaur/pkg/metrics"
)

func TestRecordSubmissionIncrementsCounter(t *testing.T) {
	before := testutil.ToFloat64(metrics.ApplicationsSubmittedTotal)
	metrics.RecordSubmission()
	assert.Equal(t, before+1, testutil.ToFloat64(metrics.ApplicationsSubmittedTotal))
}

func TestRecordProcessedLabelsByStatus(t *testing.T) {
	before := testutil.ToFloat64(metrics.ApplicationsProcessedTotal.WithLabelValues("verified"))
	metrics.RecordProcessed("verified")
	assert.Equal(t, before+1, testutil.ToFloat64(metrics.ApplicationsProcessedTotal.WithLabelValues("verified")))
}

func TestRecordFaceAnalysisObservesDurationAndRejection(t *testing.T) {
	before := testutil.ToFloat64(metrics.FaceAnalysisRejectionsTotal.WithLabelValues("E001"))
	metrics.RecordFaceAnalysis(50*time.Millisecond, "E001")
	assert.Equal(t, before+1, testutil.ToFloat64(metrics.FaceAnalysisRejectionsTotal.WithLabelValues("E001")))
}

func TestRecordFaceAnalysisSkipsRejectionCounterOnSuccess(t *testing.T) {
	before := testutil.ToFloat64(metrics.FaceAnalysisRejectionsTotal.WithLabelValues("E999-unused"))
	metrics.RecordFaceAnalysis(10*time.Millisecond, "")
	assert.Equal(t, before, testutil.ToFloat64(metrics.FaceAnalysisRejectionsTotal.WithLabelValues("E999-unused")))
}

func TestRecordDedupSearchTracksDuplicatesAndReviews(t *testing.T) {
	dupBefore := testutil.ToFloat64(metrics.DuplicatesDetectedTotal)
	reviewBefore := testutil.ToFloat64(metrics.ManualReviewsQueuedTotal)

	metrics.RecordDedupSearch(5*time.Millisecond, true, true)

	assert.Equal(t, dupBefore+1, testutil.ToFloat64(metrics.DuplicatesDetectedTotal))
	assert.Equal(t, reviewBefore+1, testutil.ToFloat64(metrics.ManualReviewsQueuedTotal))
}

func TestSetQueueDepthSetsBothGauges(t *testing.T) {
	metrics.SetQueueDepth(7, 3)
	assert.Equal(t, float64(7), testutil.ToFloat64(metrics.QueueDepth.WithLabelValues("waiting")))
	assert.Equal(t, float64(3), testutil.ToFloat64(metrics.QueueDepth.WithLabelValues("in_flight")))
}

func TestSetCircuitBreakerStateMapsNames(t *testing.T) {
	metrics.SetCircuitBreakerState("face-analyzer", "open")
	assert.Equal(t, float64(2), testutil.ToFloat64(metrics.CircuitBreakerState.WithLabelValues("face-analyzer")))

	metrics.SetCircuitBreakerState("face-analyzer", "half-open")
	assert.Equal(t, float64(1), testutil.ToFloat64(metrics.CircuitBreakerState.WithLabelValues("face-analyzer")))

	metrics.SetCircuitBreakerState("face-analyzer", "closed")
	assert.Equal(t, float64(0), testutil.ToFloat64(metrics.CircuitBreakerState.WithLabelValues("face-analyzer")))
}

func TestRecordDeadLetteredIncrementsBySinkName(t *testing.T) {
	before := testutil.ToFloat64(metrics.DeadLetteredTotal.WithLabelValues("processor"))
	metrics.RecordDeadLettered("processor")
	assert.Equal(t, before+1, testutil.ToFloat64(metrics.DeadLetteredTotal.WithLabelValues("processor")))
}
