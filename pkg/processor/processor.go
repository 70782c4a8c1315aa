// Package processor implements the Processor (C11), the pipeline
// driver wiring every other component together into the
// INGEST → ANALYZE → DEDUP → ASSIGN → DONE state machine
// (SPEC_FULL.md §4.11).
package processor

import (
	"context"
	"errors"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/gk2work/identaur/pkg/cache"
	"github.com/gk2work/identaur/pkg/clock"
	"github.com/gk2work/identaur/pkg/dedup"
	"github.com/gk2work/identaur/pkg/faceanalyzer"
	"github.com/gk2work/identaur/pkg/identity"
	"github.com/gk2work/identaur/pkg/model"
	"github.com/gk2work/identaur/pkg/queue"
	"github.com/gk2work/identaur/pkg/resilience"
)

// applicationRepo is the narrow slice of pkg/store's
// ApplicationRepository this package needs.
type applicationRepo interface {
	Get(ctx context.Context, applicationID string) (*model.Application, error)
	Update(ctx context.Context, app *model.Application) error
}

// auditSink is the narrow slice of pkg/audit's Journal this package
// needs.
type auditSink interface {
	Append(ctx context.Context, event model.AuditEvent) (string, error)
}

// pusher is the narrow slice of pkg/notifier's Hub this package
// needs.
type pusher interface {
	ProcessingUpdate(applicationID, stage, status string, progress int, message string)
	ProcessingComplete(applicationID string, result interface{})
	ProcessingError(applicationID, kind, message string)
}

// webhookSender is the narrow slice of pkg/notifier's WebhookSink
// this package needs.
type webhookSender interface {
	Send(ctx context.Context, url, event string, data interface{}, now time.Time) error
}

// blobPutter is the narrow slice of pkg/blobstore's FileStore this
// package needs.
type blobPutter interface {
	Put(applicationID, format string, data []byte) (string, error)
}

// Config holds the Processor's tunables (SPEC_FULL.md §6's
// environment-variable table, minus the parts that belong to other
// components).
type Config struct {
	Workers       int
	CacheTTL      time.Duration
	MaxRetries    int
	ShutdownGrace time.Duration
	WebhookURL    string
}

// DefaultConfig matches the spec's stated defaults.
func DefaultConfig() Config {
	return Config{
		Workers:       4,
		CacheTTL:      3600 * time.Second,
		MaxRetries:    3,
		ShutdownGrace: 30 * time.Second,
	}
}

// Processor drives queued submissions through the pipeline with a
// pool of cooperative workers.
type Processor struct {
	cfg Config

	queue          *queue.Queue
	apps           applicationRepo
	cache          cache.Cache
	analyzer       faceanalyzer.FaceAnalyzer
	dedup          *dedup.Deduplicator
	identity       *identity.Manager
	audit          auditSink
	push           pusher
	webhook        webhookSender
	blobs          blobPutter
	faceCall       *resilience.ResilientCall
	indexCall      *resilience.ResilientCall
	deadLetterSink *resilience.DeadLetterSink
	clk            clock.Clock
	log            *zap.Logger

	stopping chan struct{}
	stopOnce sync.Once
	eg       errgroup.Group
}

// New builds a Processor. push, webhook, and blobs may be nil to
// disable their respective side effects (useful in tests).
func New(
	cfg Config,
	q *queue.Queue,
	apps applicationRepo,
	ch cache.Cache,
	analyzer faceanalyzer.FaceAnalyzer,
	dd *dedup.Deduplicator,
	im *identity.Manager,
	audit auditSink,
	push pusher,
	webhook webhookSender,
	blobs blobPutter,
	faceCall, indexCall *resilience.ResilientCall,
	deadLetterSink *resilience.DeadLetterSink,
	clk clock.Clock,
	log *zap.Logger,
) *Processor {
	if clk == nil {
		clk = clock.New()
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &Processor{
		cfg: cfg, queue: q, apps: apps, cache: ch, analyzer: analyzer, dedup: dd, identity: im,
		audit: audit, push: push, webhook: webhook, blobs: blobs,
		faceCall: faceCall, indexCall: indexCall, deadLetterSink: deadLetterSink,
		clk: clk, log: log,
		stopping: make(chan struct{}),
	}
}

// Run starts cfg.Workers cooperative workers and blocks until ctx is
// cancelled or Stop is called.
func (p *Processor) Run(ctx context.Context) {
	workers := p.cfg.Workers
	if workers <= 0 {
		workers = 1
	}
	for i := 0; i < workers; i++ {
		p.eg.Go(func() error {
			p.workerLoop(ctx)
			return nil
		})
	}
	p.eg.Wait() //nolint:errcheck // workerLoop never returns a non-nil error
}

func (p *Processor) workerLoop(ctx context.Context) {
	idle := time.NewTicker(50 * time.Millisecond)
	defer idle.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-p.stopping:
			return
		default:
		}

		sub, ok := p.queue.Dequeue()
		if !ok {
			select {
			case <-ctx.Done():
				return
			case <-p.stopping:
				return
			case <-idle.C:
			}
			continue
		}

		p.handle(ctx, sub)
	}
}

// Stop halts new dequeues, waits up to cfg.ShutdownGrace for in-flight
// workers to finish, then re-enqueues anything still outstanding for
// the next startup.
func (p *Processor) Stop() {
	p.stopOnce.Do(func() { close(p.stopping) })

	done := make(chan struct{})
	go func() {
		p.eg.Wait() //nolint:errcheck // workerLoop never returns a non-nil error
		close(done)
	}()

	grace := p.cfg.ShutdownGrace
	if grace <= 0 {
		grace = 30 * time.Second
	}
	select {
	case <-done:
	case <-time.After(grace):
		p.log.Warn("shutdown grace period elapsed with workers still running")
	}
	p.queue.DrainInFlight()
}

// handle runs one submission through every stage, applying the retry
// or dead-letter policy on failure.
func (p *Processor) handle(ctx context.Context, sub queue.Submission) {
	outcome := p.runStages(ctx, sub)
	if outcome == nil {
		p.queue.MarkComplete(sub.ApplicationID, true)
		return
	}

	if !outcome.retryable {
		p.queue.MarkComplete(sub.ApplicationID, false)
		return
	}

	if err := p.queue.Requeue(sub.ApplicationID, p.cfg.MaxRetries); err != nil {
		var exhausted queue.ErrExhaustedRetries
		if errors.As(err, &exhausted) {
			p.deadLetter(ctx, sub, outcome)
			return
		}
		p.log.Error("unexpected requeue failure", zap.String("application_id", sub.ApplicationID), zap.Error(err))
	}
}

func (p *Processor) deadLetter(ctx context.Context, sub queue.Submission, outcome *stageFailure) {
	app, err := p.apps.Get(ctx, sub.ApplicationID)
	if err != nil {
		p.log.Error("dead-letter: application lookup failed", zap.String("application_id", sub.ApplicationID), zap.Error(err))
		return
	}
	now := p.clk.Now()
	app.Processing.Status = model.StatusFailed
	app.Processing.ErrorKind = "E999"
	app.Processing.ErrorMessage = outcome.err.Error()
	app.Processing.CompletedAt = &now
	app.Result.Status = model.StatusFailed
	app.UpdatedAt = now
	if err := p.apps.Update(ctx, app); err != nil {
		p.log.Error("dead-letter: application update failed", zap.String("application_id", sub.ApplicationID), zap.Error(err))
	}
	if p.deadLetterSink != nil {
		p.deadLetterSink.Deposit(resilience.DeadLetterItem{
			Name:      "processor:" + sub.ApplicationID,
			Error:     outcome.err,
			Attempts:  p.cfg.MaxRetries,
			Timestamp: now,
		})
	}
	p.emitAudit(ctx, model.EventApplicationRejected, sub.ApplicationID, false, outcome.err.Error())
	p.pushError(sub.ApplicationID, "E999", "retries exhausted")
}
