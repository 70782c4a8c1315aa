package processor

import (
	"context"
	"errors"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/gk2work/identaur/pkg/apperr"
	"github.com/gk2work/identaur/pkg/dedup"
	"github.com/gk2work/identaur/pkg/faceanalyzer"
	"github.com/gk2work/identaur/pkg/model"
	"github.com/gk2work/identaur/pkg/queue"
)

// tracer emits one span per pipeline stage (SPEC_FULL.md's ambient
// tracing entry), matching the teacher's repo-wide adoption of OTel.
var tracer = otel.Tracer("github.com/gk2work/identaur/pkg/processor")

// traceStage starts a span for a pipeline stage and records outcome
// against it once failure (possibly nil) is known.
func traceStage(ctx context.Context, applicationID, stage string) (context.Context, func(failure *stageFailure)) {
	ctx, span := tracer.Start(ctx, "processor."+stage, trace.WithAttributes(
		attribute.String("application_id", applicationID),
	))
	return ctx, func(failure *stageFailure) {
		if failure != nil {
			span.SetStatus(codes.Error, failure.err.Error())
			span.RecordError(failure.err)
		}
		span.End()
	}
}

// stageFailure carries a stage's outcome when a submission did not
// reach DONE. retryable distinguishes a whole-submission retry
// (transient) from a terminal rejection or hard failure.
type stageFailure struct {
	err       error
	retryable bool
}

func terminal(err error) *stageFailure  { return &stageFailure{err: err, retryable: false} }
func transient(err error) *stageFailure { return &stageFailure{err: err, retryable: true} }

func ptrTime(t time.Time) *time.Time { return &t }

// runStages drives one submission through
// INGEST -> ANALYZE -> DEDUP -> ASSIGN -> DONE, returning nil once the
// application has reached a terminal result.
func (p *Processor) runStages(ctx context.Context, sub queue.Submission) *stageFailure {
	ctx, endSubmission := traceStage(ctx, sub.ApplicationID, "submission")
	var outcome *stageFailure
	defer func() { endSubmission(outcome) }()

	ingestCtx, endIngest := traceStage(ctx, sub.ApplicationID, "ingest")
	app, failure := p.ingest(ingestCtx, sub)
	endIngest(failure)
	if failure != nil {
		outcome = failure
		return failure
	}

	analyzeCtx, endAnalyze := traceStage(ctx, sub.ApplicationID, "analyze")
	vector, quality, box, failure := p.analyze(analyzeCtx, app, sub)
	endAnalyze(failure)
	if failure != nil {
		outcome = failure
		return failure
	}

	dedupCtx, endDedup := traceStage(ctx, sub.ApplicationID, "dedup")
	verdict, failure := p.dedupCheck(dedupCtx, app, vector)
	endDedup(failure)
	if failure != nil {
		outcome = failure
		return failure
	}

	assignCtx, endAssign := traceStage(ctx, sub.ApplicationID, "assign")
	failure = p.assign(assignCtx, app, vector, quality, box, verdict)
	endAssign(failure)
	if failure != nil {
		outcome = failure
		return failure
	}

	p.finish(ctx, app)
	return nil
}

// ingest persists the photo bytes and marks the application
// PROCESSING. A blob write failure is terminal: it is an operator
// concern, not something a retry fixes.
func (p *Processor) ingest(ctx context.Context, sub queue.Submission) (*model.Application, *stageFailure) {
	app, err := p.apps.Get(ctx, sub.ApplicationID)
	if err != nil {
		return nil, terminal(err)
	}

	if p.blobs != nil {
		if _, err := p.blobs.Put(sub.ApplicationID, sub.Format, sub.PhotoBytes); err != nil {
			now := p.clk.Now()
			app.Processing.Status = model.StatusFailed
			app.Processing.ErrorKind = string(apperr.KindProcessingFailed)
			app.Processing.ErrorMessage = err.Error()
			app.Processing.CompletedAt = &now
			app.Result.Status = model.StatusFailed
			app.UpdatedAt = now
			if uerr := p.apps.Update(ctx, app); uerr != nil {
				p.log.Error("ingest: application update failed", zap.String("application_id", sub.ApplicationID), zap.Error(uerr))
			}
			p.emitAudit(ctx, model.EventApplicationRejected, sub.ApplicationID, false, err.Error())
			p.pushError(sub.ApplicationID, string(apperr.KindProcessingFailed), err.Error())
			return nil, terminal(err)
		}
	}
	p.pushProgress(sub.ApplicationID, model.StageIngest, 10, "photo persisted")

	now := p.clk.Now()
	app.Processing.Stage = model.StageIngest
	app.Processing.Status = model.StatusProcessing
	app.Processing.StartedAt = &now
	app.UpdatedAt = now
	if err := p.apps.Update(ctx, app); err != nil {
		return nil, terminal(err)
	}
	p.pushProgress(sub.ApplicationID, model.StageIngest, 20, "application marked processing")

	return app, nil
}

// analyze reuses a cached embedding when present, otherwise runs
// detect -> assess -> embed under the face-analyzer resilient_call and
// maps a typed failure onto the applicant-facing rejection codes or a
// retryable processing failure.
func (p *Processor) analyze(ctx context.Context, app *model.Application, sub queue.Submission) ([]float32, float64, model.FaceBox, *stageFailure) {
	app.Processing.Stage = model.StageAnalyze

	if p.cache != nil {
		if vector, ok := p.cache.Get(ctx, sub.ApplicationID); ok {
			app.Processing.FaceDetected = true
			app.Processing.EmbeddingGenerated = true
			app.Processing.QualityScore = 1.0
			p.pushProgress(sub.ApplicationID, model.StageAnalyze, 50, "embedding reused from cache")
			return vector, 1.0, model.FaceBox{}, nil
		}
	}

	p.pushProgress(sub.ApplicationID, model.StageAnalyze, 30, "running face analysis")

	var (
		box    model.FaceBox
		tensor []float64
		assess faceanalyzer.AssessResult
		vector []float32
	)
	runErr := p.faceCall.Do(ctx, func(ctx context.Context) error {
		detect, err := p.analyzer.Detect(ctx, sub.PhotoBytes, sub.Format)
		if err != nil {
			return err
		}
		box, tensor = detect.Box, detect.FaceTensor

		a, err := p.analyzer.Assess(ctx, sub.PhotoBytes, box)
		if err != nil {
			return err
		}
		assess = a

		v, err := p.analyzer.Embed(ctx, tensor)
		if err != nil {
			return err
		}
		vector = v
		return nil
	}, nil)

	if runErr != nil {
		return nil, 0, model.FaceBox{}, p.rejectAnalysis(ctx, app, runErr)
	}

	if p.cache != nil {
		p.cache.Set(ctx, sub.ApplicationID, vector, p.cfg.CacheTTL)
	}
	app.Processing.FaceDetected = true
	app.Processing.EmbeddingGenerated = true
	app.Processing.QualityScore = assess.Overall
	p.pushProgress(sub.ApplicationID, model.StageAnalyze, 50, "embedding generated")
	p.emitAudit(ctx, model.EventEmbeddingGenerated, app.ApplicationID, true, "")

	return vector, assess.Overall, box, nil
}

// rejectAnalysis classifies a face-analysis failure, persists the
// outcome, and reports the applicant-facing error code.
func (p *Processor) rejectAnalysis(ctx context.Context, app *model.Application, err error) *stageFailure {
	kind, retryable := classifyFaceError(err)

	now := p.clk.Now()
	app.Processing.ErrorKind = string(kind)
	app.Processing.ErrorMessage = err.Error()
	if !retryable {
		app.Processing.CompletedAt = &now
		app.Processing.Status = model.StatusRejected
		app.Result.Status = model.StatusRejected
	}
	app.UpdatedAt = now
	if uerr := p.apps.Update(ctx, app); uerr != nil {
		p.log.Error("analyze: application update failed", zap.String("application_id", app.ApplicationID), zap.Error(uerr))
	}

	p.emitAudit(ctx, model.EventApplicationRejected, app.ApplicationID, false, err.Error())
	p.pushError(app.ApplicationID, string(kind), err.Error())

	if retryable {
		return transient(err)
	}
	return terminal(err)
}

// classifyFaceError maps a FaceAnalyzer typed error onto its error
// code and whether the whole submission should be retried.
// The typed photograph errors are terminal rejections;
// ErrEmbeddingFailed and any untyped error are attributed to the
// system and retried.
func classifyFaceError(err error) (apperr.Kind, bool) {
	var (
		noFace    faceanalyzer.ErrNoFace
		multiple  faceanalyzer.ErrMultipleFaces
		lowQual   faceanalyzer.ErrLowQuality
		tooSmall  faceanalyzer.ErrFaceTooSmall
		badFormat faceanalyzer.ErrBadFormat
		embedFail faceanalyzer.ErrEmbeddingFailed
	)
	switch {
	case errors.As(err, &noFace):
		return apperr.KindNoFace, false
	case errors.As(err, &multiple):
		return apperr.KindMultipleFaces, false
	case errors.As(err, &lowQual):
		return apperr.KindLowQuality, false
	case errors.As(err, &tooSmall):
		return apperr.KindFaceTooSmall, false
	case errors.As(err, &badFormat):
		return apperr.KindBadFormat, false
	case errors.As(err, &embedFail):
		return apperr.KindEmbeddingFailed, true
	default:
		return apperr.KindProcessingFailed, true
	}
}

// dedupCheck runs the duplicate search under the vector-index
// resilient_call.
func (p *Processor) dedupCheck(ctx context.Context, app *model.Application, vector []float32) (dedup.Verdict, *stageFailure) {
	app.Processing.Stage = model.StageDedup
	p.pushProgress(app.ApplicationID, model.StageDedup, 60, "searching vector index")

	var verdict dedup.Verdict
	runErr := p.indexCall.Do(ctx, func(ctx context.Context) error {
		v, err := p.dedup.Check(ctx, app.ApplicationID, vector)
		if err != nil {
			return err
		}
		verdict = v
		return nil
	}, nil)

	if runErr != nil {
		now := p.clk.Now()
		app.Processing.ErrorKind = string(apperr.KindProcessingFailed)
		app.Processing.ErrorMessage = runErr.Error()
		app.UpdatedAt = now
		if uerr := p.apps.Update(ctx, app); uerr != nil {
			p.log.Error("dedup: application update failed", zap.String("application_id", app.ApplicationID), zap.Error(uerr))
		}
		p.pushError(app.ApplicationID, string(apperr.KindProcessingFailed), runErr.Error())
		return dedup.Verdict{}, transient(runErr)
	}

	app.Processing.DuplicateCheckDone = true
	p.pushProgress(app.ApplicationID, model.StageDedup, 70, "duplicate check complete")
	if verdict.IsDuplicate {
		p.emitAudit(ctx, model.EventDuplicateDetected, app.ApplicationID, true, "")
	}
	return verdict, nil
}

// assign executes the Identity Manager's unique or duplicate branch
// per the Deduplicator's verdict.
func (p *Processor) assign(ctx context.Context, app *model.Application, vector []float32, quality float64, box model.FaceBox, verdict dedup.Verdict) *stageFailure {
	app.Processing.Stage = model.StageAssign
	p.pushProgress(app.ApplicationID, model.StageAssign, 80, "assigning identity")

	var err error
	if verdict.IsDuplicate {
		best := verdict.Matches[0]
		matches := make([]model.Match, 0, len(verdict.Matches))
		for _, m := range verdict.Matches {
			matches = append(matches, model.Match{ApplicationID: m.ApplicationID, Score: m.Similarity})
		}
		_, err = p.identity.AssignDuplicate(ctx, app, best.ApplicationID, matches, verdict.RequiresManualReview, string(verdict.ReviewReason), vector, quality, box)
	} else {
		_, err = p.identity.AssignUnique(ctx, app, vector, quality, box)
	}
	if err == nil {
		return nil
	}

	now := p.clk.Now()
	app.Processing.Status = model.StatusFailed
	app.Processing.ErrorKind = string(apperr.KindProcessingFailed)
	app.Processing.ErrorMessage = err.Error()
	app.Processing.CompletedAt = &now
	app.UpdatedAt = now
	if uerr := p.apps.Update(ctx, app); uerr != nil {
		p.log.Error("assign: application update failed", zap.String("application_id", app.ApplicationID), zap.Error(uerr))
	}
	p.pushError(app.ApplicationID, string(apperr.KindProcessingFailed), err.Error())
	return transient(err)
}

// finish marks the application DONE, pushes the completion event, and
// fires the configured webhook for the final result.
func (p *Processor) finish(ctx context.Context, app *model.Application) {
	app.Processing.Stage = model.StageDone
	app.Processing.CompletedAt = ptrTime(p.clk.Now())
	app.UpdatedAt = *app.Processing.CompletedAt
	if err := p.apps.Update(ctx, app); err != nil {
		p.log.Error("finish: application update failed", zap.String("application_id", app.ApplicationID), zap.Error(err))
	}

	p.pushProgress(app.ApplicationID, model.StageDone, 100, "processing complete")
	p.pushComplete(app.ApplicationID, app.Result)

	if event := webhookEventForStatus(app.Result.Status); event != "" && p.webhook != nil && p.cfg.WebhookURL != "" {
		if err := p.webhook.Send(ctx, p.cfg.WebhookURL, event, app.Result, p.clk.Now()); err != nil {
			p.log.Warn("webhook delivery failed",
				zap.String("application_id", app.ApplicationID), zap.String("event", event), zap.Error(err))
		}
	}
}

// webhookEventForStatus names the outbound webhook event for a final
// application status, or "" for statuses that don't notify.
func webhookEventForStatus(status model.Status) string {
	switch status {
	case model.StatusVerified:
		return "application.approved"
	case model.StatusDuplicate:
		return "application.duplicate"
	case model.StatusPendingReview:
		return "application.pending_review"
	case model.StatusRejected:
		return "application.rejected"
	default:
		return ""
	}
}

// emitAudit is a best-effort audit append; failures are logged, never
// propagated, since an audit outage must not stall the pipeline.
func (p *Processor) emitAudit(ctx context.Context, kind model.AuditEventKind, resourceID string, success bool, errMsg string) {
	if p.audit == nil {
		return
	}
	event := model.AuditEvent{
		EventKind:    kind,
		ActorID:      "system",
		ActorKind:    model.ActorSystem,
		ResourceID:   resourceID,
		ResourceKind: "application",
		Action:       string(kind),
		Success:      success,
		Error:        errMsg,
	}
	if _, err := p.audit.Append(ctx, event); err != nil {
		p.log.Warn("audit append failed", zap.String("resource_id", resourceID), zap.Error(err))
	}
}

func (p *Processor) pushProgress(applicationID string, stage model.Stage, progress int, message string) {
	if p.push == nil {
		return
	}
	p.push.ProcessingUpdate(applicationID, string(stage), string(model.StatusProcessing), progress, message)
}

func (p *Processor) pushComplete(applicationID string, result model.Result) {
	if p.push == nil {
		return
	}
	p.push.ProcessingComplete(applicationID, result)
}

func (p *Processor) pushError(applicationID, errorCode, message string) {
	if p.push == nil {
		return
	}
	p.push.ProcessingError(applicationID, errorCode, message)
}
