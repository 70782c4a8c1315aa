// Package service implements the ingress contracts of SPEC_FULL.md §6:
// a Go surface, not a transport — every external interface (submit,
// status, review, override, merge, audit query, face utilities) as a
// plain method, ready for an HTTP/gRPC layer to wrap but carrying no
// transport or auth concern itself (both explicitly out of scope).
package service

import (
	"context"
	"errors"
	"fmt"
	"math"
	"time"

	"github.com/go-playground/validator/v10"
	"go.uber.org/zap"

	"github.com/gk2work/identaur/pkg/apperr"
	"github.com/gk2work/identaur/pkg/audit"
	"github.com/gk2work/identaur/pkg/clock"
	"github.com/gk2work/identaur/pkg/dedup"
	"github.com/gk2work/identaur/pkg/faceanalyzer"
	"github.com/gk2work/identaur/pkg/identity"
	"github.com/gk2work/identaur/pkg/model"
	"github.com/gk2work/identaur/pkg/notifier"
	"github.com/gk2work/identaur/pkg/queue"
	"github.com/gk2work/identaur/pkg/store"
)

// MaxBatchSize bounds submit_batch and status_batch (spec.md §6).
const MaxBatchSize = 100

// ErrBatchTooLarge is returned when a batch call exceeds MaxBatchSize.
var ErrBatchTooLarge = errors.New("service: batch exceeds maximum of 100")

// applicationStore is the narrow slice of pkg/store's
// ApplicationRepository the service needs.
type applicationStore interface {
	Create(ctx context.Context, app *model.Application) error
	Get(ctx context.Context, applicationID string) (*model.Application, error)
	ListByIdentity(ctx context.Context, identityID string) ([]*model.Application, error)
	ListByStatus(ctx context.Context, status model.Status, page, size int) ([]*model.Application, int, error)
}

// identityStore is the narrow slice of pkg/store's IdentityRepository
// the service needs.
type identityStore interface {
	Get(ctx context.Context, identityID string) (*model.Identity, error)
	ListByStatus(ctx context.Context, status model.IdentityStatus, page, size int) ([]*model.Identity, error)
}

// auditJournal is the narrow slice of pkg/audit's Journal the service
// needs.
type auditJournal interface {
	Query(ctx context.Context, filter audit.Filter, page, size int) ([]model.AuditEvent, int, error)
	ExportCSV(ctx context.Context, filter audit.Filter) ([]byte, error)
}

// overrider is the narrow slice of pkg/identity's Manager the service
// needs for the review workflow.
type overrider interface {
	ApplyOverride(ctx context.Context, applicationID string, decision identity.OverrideDecision, justification, reviewerID string) (*identity.OverrideResult, error)
	Merge(ctx context.Context, sourceID, targetID, reason string) error
}

// enqueuer is the narrow slice of pkg/queue's Queue the service needs.
type enqueuer interface {
	Enqueue(sub queue.Submission) error
}

// Service wires the surface described by spec.md §6 over the core
// pipeline components. It never touches HTTP, auth, or the review
// console — those are deliberately out of scope (spec.md §1).
type Service struct {
	apps       applicationStore
	identities identityStore
	auditLog   auditJournal
	override   overrider
	queue      enqueuer
	analyzer   faceanalyzer.FaceAnalyzer
	push       *notifier.Hub
	validate   *validator.Validate
	clk        clock.Clock
	log        *zap.Logger
}

// New builds a Service over its collaborators. push may be nil if the
// deployment has no live push channel wired.
func New(
	apps applicationStore,
	identities identityStore,
	auditLog auditJournal,
	override overrider,
	q enqueuer,
	analyzer faceanalyzer.FaceAnalyzer,
	push *notifier.Hub,
	clk clock.Clock,
	log *zap.Logger,
) *Service {
	if clk == nil {
		clk = clock.New()
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &Service{
		apps: apps, identities: identities, auditLog: auditLog, override: override, queue: q,
		analyzer: analyzer, push: push, validate: validator.New(), clk: clk, log: log,
	}
}

// SubmitResult is the outcome of Submit/SubmitBatch (spec.md §6).
type SubmitResult struct {
	ApplicationID string
	Status        model.Status
	CreatedAt     time.Time
}

func applicationExists(ctx context.Context, apps applicationStore) clock.Exists {
	return func(id string) (bool, error) {
		_, err := apps.Get(ctx, id)
		if err == nil {
			return true, nil
		}
		if errors.Is(err, store.ErrNotFound) {
			return false, nil
		}
		return false, err
	}
}

// Submit accepts one application: validates the applicant payload,
// mints an application id, persists a PENDING record, and enqueues it
// for the Processor to pick up.
func (s *Service) Submit(ctx context.Context, applicant model.Applicant, photoBytes []byte, format string) (SubmitResult, error) {
	if err := s.validate.Struct(applicant); err != nil {
		return SubmitResult{}, apperr.Wrap(apperr.KindValidation, "invalid applicant payload", err)
	}

	id, err := clock.NewID(applicationExists(ctx, s.apps))
	if err != nil {
		return SubmitResult{}, fmt.Errorf("service: generate application id: %w", err)
	}

	now := s.clk.Now()
	app := &model.Application{
		ApplicationID: id,
		Applicant:     applicant,
		PhotoRef: model.PhotoRef{
			DeclaredFormat:  format,
			ByteSize:        int64(len(photoBytes)),
			IngestTimestamp: now,
		},
		Processing: model.Processing{Status: model.StatusPending},
		Result:     model.Result{Status: model.StatusPending},
		CreatedAt:  now,
		UpdatedAt:  now,
	}
	if err := s.apps.Create(ctx, app); err != nil {
		return SubmitResult{}, fmt.Errorf("service: create application: %w", err)
	}

	if err := s.queue.Enqueue(queue.Submission{
		ApplicationID: id,
		PhotoBytes:    photoBytes,
		Format:        format,
		EnqueuedAt:    now,
	}); err != nil {
		return SubmitResult{}, err
	}

	return SubmitResult{ApplicationID: id, Status: model.StatusPending, CreatedAt: now}, nil
}

// SubmitRequest is one item of a SubmitBatch call.
type SubmitRequest struct {
	Applicant  model.Applicant
	PhotoBytes []byte
	Format     string
}

// SubmitBatch submits up to MaxBatchSize applications. A failure on
// one item does not prevent the rest from being attempted; callers
// inspect each result's Status/error independently via the returned
// slice and errs (same index correspondence, errs[i] nil on success).
func (s *Service) SubmitBatch(ctx context.Context, batch []SubmitRequest) ([]SubmitResult, []error) {
	if len(batch) > MaxBatchSize {
		return nil, []error{ErrBatchTooLarge}
	}
	results := make([]SubmitResult, len(batch))
	errs := make([]error, len(batch))
	for i, req := range batch {
		results[i], errs[i] = s.Submit(ctx, req.Applicant, req.PhotoBytes, req.Format)
	}
	return results, errs
}

// StatusResult is the outcome of Status/StatusBatch (spec.md §6).
type StatusResult struct {
	ApplicationID string
	Status        model.Status
	IsDuplicate   bool
	IdentityID    string
	ErrorKind     string
	CreatedAt     time.Time
	UpdatedAt     time.Time
}

func toStatusResult(app *model.Application) StatusResult {
	return StatusResult{
		ApplicationID: app.ApplicationID,
		Status:        app.Processing.Status,
		IsDuplicate:   app.Result.IsDuplicate,
		IdentityID:    app.Result.IdentityID,
		ErrorKind:     app.Processing.ErrorKind,
		CreatedAt:     app.CreatedAt,
		UpdatedAt:     app.UpdatedAt,
	}
}

// Status reports the current lifecycle state of one application.
func (s *Service) Status(ctx context.Context, applicationID string) (StatusResult, error) {
	app, err := s.apps.Get(ctx, applicationID)
	if err != nil {
		return StatusResult{}, err
	}
	return toStatusResult(app), nil
}

// StatusBatch reports status for up to MaxBatchSize applications.
func (s *Service) StatusBatch(ctx context.Context, applicationIDs []string) ([]StatusResult, error) {
	if len(applicationIDs) > MaxBatchSize {
		return nil, ErrBatchTooLarge
	}
	out := make([]StatusResult, 0, len(applicationIDs))
	for _, id := range applicationIDs {
		app, err := s.apps.Get(ctx, id)
		if err != nil {
			return nil, err
		}
		out = append(out, toStatusResult(app))
	}
	return out, nil
}

// List returns a page of applications in status. When status is nil,
// only PENDING applications are listed; there is no unfiltered listing.
func (s *Service) List(ctx context.Context, page, size int, status *model.Status) ([]*model.Application, int, error) {
	st := model.StatusPending
	if status != nil {
		st = *status
	}
	return s.apps.ListByStatus(ctx, st, page, size)
}

// GetApplication returns one application by id.
func (s *Service) GetApplication(ctx context.Context, applicationID string) (*model.Application, error) {
	return s.apps.Get(ctx, applicationID)
}

// ListIdentities returns a page of identities by status.
func (s *Service) ListIdentities(ctx context.Context, status model.IdentityStatus, page, size int) ([]*model.Identity, error) {
	return s.identities.ListByStatus(ctx, status, page, size)
}

// IdentityDetail is an identity plus the applications bound to it
// (spec.md §6 "get_identity ... with associated applications").
type IdentityDetail struct {
	Identity     *model.Identity
	Applications []*model.Application
}

// GetIdentity returns one identity with its associated applications.
func (s *Service) GetIdentity(ctx context.Context, identityID string) (*IdentityDetail, error) {
	id, err := s.identities.Get(ctx, identityID)
	if err != nil {
		return nil, err
	}
	apps, err := s.apps.ListByIdentity(ctx, identityID)
	if err != nil {
		return nil, err
	}
	return &IdentityDetail{Identity: id, Applications: apps}, nil
}

// ListPending returns a page of applications flagged PENDING_REVIEW.
func (s *Service) ListPending(ctx context.Context, page, size int) ([]*model.Application, int, error) {
	return s.apps.ListByStatus(ctx, model.StatusPendingReview, page, size)
}

// ReviewCase is the full context a reviewer needs for one flagged
// application (spec.md §6 "get_review_case"): both applicant payloads
// for the top match, plus computed confidence indicators.
type ReviewCase struct {
	Application  *model.Application
	BestMatch    *model.Application
	Confidence   float64
	Band         dedup.Band
	ColorHint    dedup.ColorHint
	Borderline   bool
	FieldMatches dedup.FieldMatchFlags
}

// GetReviewCase assembles a ReviewCase for applicationID. It returns
// an error if the application has no recorded matches to compare
// against (nothing to review).
func (s *Service) GetReviewCase(ctx context.Context, applicationID string) (*ReviewCase, error) {
	app, err := s.apps.Get(ctx, applicationID)
	if err != nil {
		return nil, err
	}
	if len(app.Result.Matches) == 0 {
		return nil, fmt.Errorf("service: application %q has no candidate matches to review", applicationID)
	}
	best := app.Result.Matches[0]
	matched, err := s.apps.Get(ctx, best.ApplicationID)
	if err != nil {
		return nil, fmt.Errorf("service: look up matched application %q: %w", best.ApplicationID, err)
	}

	band := dedup.BandMedium
	if best.Score >= dedup.DefaultConfig().HighBand {
		band = dedup.BandHigh
	}
	borderline := math.Abs(best.Score-dedup.DefaultConfig().VerificationThreshold) <= dedup.DefaultConfig().BorderlineMargin

	return &ReviewCase{
		Application: app,
		BestMatch:   matched,
		Confidence:  best.Score,
		Band:        band,
		ColorHint:   dedup.BandColorHint(band),
		Borderline:  borderline,
		FieldMatches: dedup.CompareFields(
			app.Applicant.Name, app.Applicant.DateOfBirth, app.Applicant.Email, app.Applicant.Phone,
			matched.Applicant.Name, matched.Applicant.DateOfBirth, matched.Applicant.Email, matched.Applicant.Phone,
		),
	}, nil
}

var validDecisions = map[identity.OverrideDecision]bool{
	identity.ApproveDuplicate: true,
	identity.RejectDuplicate:  true,
	identity.FlagForReview:    true,
}

// Override resolves one flagged application per a reviewer's decision.
func (s *Service) Override(ctx context.Context, applicationID string, decision identity.OverrideDecision, justification, reviewerID string) (*identity.OverrideResult, error) {
	if !validDecisions[decision] {
		return nil, apperr.New(apperr.KindValidation, fmt.Sprintf("unknown override decision %q", decision))
	}
	return s.override.ApplyOverride(ctx, applicationID, decision, justification, reviewerID)
}

// BulkOverrideResult pairs one application id with its Override
// outcome.
type BulkOverrideResult struct {
	ApplicationID string
	Result        *identity.OverrideResult
	Err           error
}

// BulkOverride applies the same decision/justification to many
// applications. One failure does not stop the rest.
func (s *Service) BulkOverride(ctx context.Context, applicationIDs []string, decision identity.OverrideDecision, justification, reviewerID string) []BulkOverrideResult {
	out := make([]BulkOverrideResult, len(applicationIDs))
	for i, id := range applicationIDs {
		res, err := s.Override(ctx, id, decision, justification, reviewerID)
		out[i] = BulkOverrideResult{ApplicationID: id, Result: res, Err: err}
	}
	return out
}

// MergeIdentities folds sourceID into targetID.
func (s *Service) MergeIdentities(ctx context.Context, sourceID, targetID, reason string) error {
	return s.override.Merge(ctx, sourceID, targetID, reason)
}

// AuditQuery returns a page of audit events matching filter.
func (s *Service) AuditQuery(ctx context.Context, filter audit.Filter, page, size int) ([]model.AuditEvent, int, error) {
	return s.auditLog.Query(ctx, filter, page, size)
}

// AuditExportCSV exports every audit event matching filter as CSV.
func (s *Service) AuditExportCSV(ctx context.Context, filter audit.Filter) ([]byte, error) {
	return s.auditLog.ExportCSV(ctx, filter)
}

// PushStats answers the push channel's get_stats command (spec.md
// §6). Returns the zero value if no push hub is wired.
func (s *Service) PushStats() notifier.HubStats {
	if s.push == nil {
		return notifier.HubStats{}
	}
	return s.push.Stats()
}

// Detect is a thin convenience wrapper over the FaceAnalyzer's Detect
// (spec.md §6 "Face utilities").
func (s *Service) Detect(ctx context.Context, imageBytes []byte, format string) (faceanalyzer.DetectResult, error) {
	return s.analyzer.Detect(ctx, imageBytes, format)
}

// Embed detects the face in imageBytes, then embeds it in one call.
func (s *Service) Embed(ctx context.Context, imageBytes []byte, format string) ([]float32, error) {
	detect, err := s.analyzer.Detect(ctx, imageBytes, format)
	if err != nil {
		return nil, err
	}
	return s.analyzer.Embed(ctx, detect.FaceTensor)
}

// Compare returns the cosine similarity between two already-extracted
// 512-dim unit vectors.
func (s *Service) Compare(v1, v2 []float32) (float64, error) {
	if len(v1) != len(v2) {
		return 0, fmt.Errorf("service: compare: vector length mismatch (%d vs %d)", len(v1), len(v2))
	}
	var dot, normA, normB float64
	for i := range v1 {
		a, b := float64(v1[i]), float64(v2[i])
		dot += a * b
		normA += a * a
		normB += b * b
	}
	if normA == 0 || normB == 0 {
		return 0, nil
	}
	return dot / (math.Sqrt(normA) * math.Sqrt(normB)), nil
}

// CompareImages embeds two raw images and compares the resulting
// vectors.
func (s *Service) CompareImages(ctx context.Context, img1 []byte, format1 string, img2 []byte, format2 string) (float64, error) {
	v1, err := s.Embed(ctx, img1, format1)
	if err != nil {
		return 0, err
	}
	v2, err := s.Embed(ctx, img2, format2)
	if err != nil {
		return 0, err
	}
	return s.Compare(v1, v2)
}
