// Package metrics exposes the pipeline's Prometheus instrumentation
// (SPEC_FULL.md's AMBIENT STACK "Metrics" section): one counter or
// histogram per pipeline stage, plus the queue/breaker gauges an
// operator dashboards against. Grounded on the teacher's
// pkg/infrastructure/metrics package — the metric names below replace
// its alert/action/SLM vocabulary with this pipeline's own (ingest,
// face analysis, dedup, identity assignment).
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// ApplicationsSubmittedTotal counts C1 intake accepted by the
	// queue.
	ApplicationsSubmittedTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "applications_submitted_total",
		Help: "Total applications accepted onto the processing queue.",
	})

	// ApplicationsProcessedTotal counts applications that reached a
	// terminal status, labeled by the result.
	ApplicationsProcessedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "applications_processed_total",
		Help: "Total applications reaching a terminal status, by result.",
	}, []string{"status"})

	// FaceAnalysisDuration measures Detect+Assess+Embed wall time.
	FaceAnalysisDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "face_analysis_duration_seconds",
		Help:    "Time spent in face detection, quality assessment, and embedding.",
		Buckets: prometheus.DefBuckets,
	})

	// FaceAnalysisRejectionsTotal counts ANALYZE-stage rejections by
	// apperr kind (E001-E007).
	FaceAnalysisRejectionsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "face_analysis_rejections_total",
		Help: "Face analysis rejections, by error kind.",
	}, []string{"kind"})

	// DedupSearchDuration measures one ANN search against the vector
	// index.
	DedupSearchDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "dedup_search_duration_seconds",
		Help:    "Time spent searching the vector index for candidate duplicates.",
		Buckets: prometheus.DefBuckets,
	})

	// DuplicatesDetectedTotal counts applications flagged as
	// duplicates of an existing identity.
	DuplicatesDetectedTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "duplicates_detected_total",
		Help: "Total applications matched to an existing identity above the auto-link threshold.",
	})

	// ManualReviewsQueuedTotal counts applications routed to manual
	// review instead of an automatic decision.
	ManualReviewsQueuedTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "manual_reviews_queued_total",
		Help: "Total applications routed to manual review.",
	})

	// IdentitiesIssuedTotal counts brand-new identities minted by
	// AssignUnique.
	IdentitiesIssuedTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "identities_issued_total",
		Help: "Total new identities issued.",
	})

	// QueueDepth reports the queue's current waiting/in-flight
	// occupancy, labeled by state.
	QueueDepth = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "queue_depth",
		Help: "Current queue occupancy, by state (waiting, in_flight).",
	}, []string{"state"})

	// CircuitBreakerState reports a breaker's current state as 0
	// (closed), 1 (half-open), or 2 (open), labeled by breaker name.
	CircuitBreakerState = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "circuit_breaker_state",
		Help: "Current circuit breaker state: 0=closed, 1=half-open, 2=open.",
	}, []string{"breaker"})

	// DeadLetteredTotal counts submissions or calls deposited into a
	// dead-letter sink after exhausting retries.
	DeadLetteredTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "dead_lettered_total",
		Help: "Total items deposited into a dead-letter sink, by sink name.",
	}, []string{"sink"})
)

// RecordSubmission increments the submitted counter.
func RecordSubmission() {
	ApplicationsSubmittedTotal.Inc()
}

// RecordProcessed increments the processed counter for the given
// terminal status.
func RecordProcessed(status string) {
	ApplicationsProcessedTotal.WithLabelValues(status).Inc()
}

// RecordFaceAnalysis observes analysis duration and, on rejection,
// increments the rejections counter for kind.
func RecordFaceAnalysis(duration time.Duration, rejectedKind string) {
	FaceAnalysisDuration.Observe(duration.Seconds())
	if rejectedKind != "" {
		FaceAnalysisRejectionsTotal.WithLabelValues(rejectedKind).Inc()
	}
}

// RecordDedupSearch observes one vector-index search and, when the
// verdict produced a duplicate or a manual-review outcome, increments
// the matching counter.
func RecordDedupSearch(duration time.Duration, isDuplicate, requiresReview bool) {
	DedupSearchDuration.Observe(duration.Seconds())
	if isDuplicate {
		DuplicatesDetectedTotal.Inc()
	}
	if requiresReview {
		ManualReviewsQueuedTotal.Inc()
	}
}

// RecordIdentityIssued increments the identities-issued counter.
func RecordIdentityIssued() {
	IdentitiesIssuedTotal.Inc()
}

// SetQueueDepth sets the waiting/in-flight gauges from a queue
// occupancy snapshot.
func SetQueueDepth(waiting, inFlight int) {
	QueueDepth.WithLabelValues("waiting").Set(float64(waiting))
	QueueDepth.WithLabelValues("in_flight").Set(float64(inFlight))
}

// breakerStateValue maps gobreaker's string states to the convention
// documented on CircuitBreakerState.
func breakerStateValue(state string) float64 {
	switch state {
	case "half-open":
		return 1
	case "open":
		return 2
	default:
		return 0
	}
}

// SetCircuitBreakerState records a breaker's current state, as
// reported by (*resilience.CircuitBreaker).State().
func SetCircuitBreakerState(breaker, state string) {
	CircuitBreakerState.WithLabelValues(breaker).Set(breakerStateValue(state))
}

// RecordDeadLettered increments the dead-letter counter for sink.
func RecordDeadLettered(sink string) {
	DeadLetteredTotal.WithLabelValues(sink).Inc()
}
