// Package identity translates a Deduplicator verdict into durable
// identity state: assigning a fresh identity on the unique path,
// linking an application to an existing one on the duplicate path,
// and applying reviewer overrides and identity merges (SPEC_FULL.md
// §4.8).
package identity

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"go.uber.org/zap"

	"github.com/gk2work/identaur/pkg/clock"
	"github.com/gk2work/identaur/pkg/model"
	"github.com/gk2work/identaur/pkg/store"
	"github.com/gk2work/identaur/pkg/vectorindex"
)

// OverrideDecision is a reviewer's resolution of a flagged duplicate.
type OverrideDecision string

const (
	ApproveDuplicate OverrideDecision = "approve_duplicate"
	RejectDuplicate  OverrideDecision = "reject_duplicate"
	FlagForReview    OverrideDecision = "flag_for_review"
)

// ErrInvalidJustification is returned when a reviewer-supplied
// justification is too short to audit meaningfully.
var ErrInvalidJustification = errors.New("identity: justification must contain at least 10 non-whitespace characters")

const minJustificationChars = 10

func validJustification(s string) bool {
	return len(strings.Join(strings.Fields(s), "")) >= minJustificationChars
}

// auditSink is the narrow slice of the Audit Journal this package
// needs; keeping it local avoids a hard dependency on pkg/audit's
// concrete type.
type auditSink interface {
	Append(ctx context.Context, event model.AuditEvent) (string, error)
}

// applicationRepo and identityRepo narrow pkg/store's repositories to
// the methods this package actually calls.
type applicationRepo interface {
	Get(ctx context.Context, applicationID string) (*model.Application, error)
	Update(ctx context.Context, app *model.Application) error
}

type identityRepo interface {
	Create(ctx context.Context, id *model.Identity) error
	Get(ctx context.Context, identityID string) (*model.Identity, error)
	AppendApplication(ctx context.Context, identityID, applicationID string) error
	RemoveApplication(ctx context.Context, identityID, applicationID string) error
	UpdateStatus(ctx context.Context, identityID string, status model.IdentityStatus, metadataPatch map[string]interface{}) error
}

type embeddingRepo interface {
	Create(ctx context.Context, emb *model.Embedding) error
	Exists(ctx context.Context, applicationID string) (bool, error)
	GetByApplication(ctx context.Context, applicationID string) (*model.Embedding, error)
}

// vectorIndex is the narrow slice of pkg/vectorindex this package
// calls; a repeated Add is tolerated by treating
// vectorindex.ErrAlreadyIndexed as success.
type vectorIndex interface {
	Add(applicationID string, vector []float32) (int, error)
}

// Manager implements the Identity Manager (C9).
type Manager struct {
	apps       applicationRepo
	identities identityRepo
	embeddings embeddingRepo
	index      vectorIndex
	audit      auditSink
	clk        clock.Clock
	log        *zap.Logger
}

// New builds a Manager. audit may be nil, in which case no audit events
// are recorded for override and merge decisions.
func New(apps applicationRepo, identities identityRepo, embeddings embeddingRepo, index vectorIndex, audit auditSink, clk clock.Clock, log *zap.Logger) *Manager {
	if clk == nil {
		clk = clock.New()
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &Manager{apps: apps, identities: identities, embeddings: embeddings, index: index, audit: audit, clk: clk, log: log}
}

func (m *Manager) emit(ctx context.Context, kind model.AuditEventKind, actorID string, actorKind model.ActorKind, resourceID string, details map[string]interface{}) {
	if m.audit == nil {
		return
	}
	event := model.AuditEvent{
		EventKind:    kind,
		ActorID:      actorID,
		ActorKind:    actorKind,
		ResourceID:   resourceID,
		ResourceKind: "identity",
		Details:      details,
		Success:      true,
	}
	if _, err := m.audit.Append(ctx, event); err != nil {
		m.log.Warn("failed to append audit event", zap.String("event_kind", string(kind)), zap.Error(err))
	}
}

func newID(ctx context.Context, identities identityRepo) (string, error) {
	return clock.NewID(func(id string) (bool, error) {
		_, err := identities.Get(ctx, id)
		if errors.Is(err, store.ErrNotFound) {
			return false, nil
		}
		if err != nil {
			return false, err
		}
		return true, nil
	})
}

// storeEmbedding persists the face embedding and inserts its vector
// into the index, tolerating either half already being present (the
// ASSIGN-stage idempotent-recovery case in SPEC_FULL.md §4.11).
func (m *Manager) storeEmbedding(ctx context.Context, applicationID, identityID string, vector []float32, quality float64, box model.FaceBox) error {
	exists, err := m.embeddings.Exists(ctx, applicationID)
	if err != nil {
		return fmt.Errorf("identity: check embedding existence: %w", err)
	}
	if !exists {
		emb := &model.Embedding{
			ApplicationID: applicationID,
			IdentityID:    identityID,
			Vector:        vector,
			ModelVersion:  "heuristic-v1",
			QualityScore:  quality,
			FaceBox:       box,
			CreatedAt:     m.clk.Now(),
		}
		if err := m.embeddings.Create(ctx, emb); err != nil && !errors.Is(err, store.ErrAlreadyExists) {
			return fmt.Errorf("identity: store embedding: %w", err)
		}
	}
	if _, err := m.index.Add(applicationID, vector); err != nil && !errors.Is(err, vectorindex.ErrAlreadyIndexed) {
		return fmt.Errorf("identity: insert vector: %w", err)
	}
	return nil
}

// AssignUnique implements the unique path: a fresh identity is
// created with app as its anchor.
func (m *Manager) AssignUnique(ctx context.Context, app *model.Application, vector []float32, quality float64, box model.FaceBox) (*model.Identity, error) {
	identityID, err := newID(ctx, m.identities)
	if err != nil {
		return nil, fmt.Errorf("identity: generate id: %w", err)
	}

	now := m.clk.Now()
	id := &model.Identity{
		IdentityID:     identityID,
		Status:         model.IdentityActive,
		ApplicationIDs: []string{app.ApplicationID},
		CreatedAt:      now,
		UpdatedAt:      now,
	}
	if err := m.identities.Create(ctx, id); err != nil {
		return nil, fmt.Errorf("identity: create identity: %w", err)
	}
	if err := m.storeEmbedding(ctx, app.ApplicationID, identityID, vector, quality, box); err != nil {
		return nil, err
	}

	app.Result.IdentityID = identityID
	app.Result.IsDuplicate = false
	app.Result.Status = model.StatusVerified
	app.Processing.Status = model.StatusVerified
	app.UpdatedAt = now
	if err := m.apps.Update(ctx, app); err != nil {
		return nil, fmt.Errorf("identity: update application: %w", err)
	}

	m.emit(ctx, model.EventIdentityIssued, "system", model.ActorSystem, identityID,
		map[string]interface{}{"application_id": app.ApplicationID})
	return id, nil
}

// AssignDuplicate implements the duplicate path. matchedApplicationID
// is the top-scoring candidate returned by the Deduplicator.
func (m *Manager) AssignDuplicate(ctx context.Context, app *model.Application, matchedApplicationID string, matches []model.Match, requiresReview bool, reviewReason string, vector []float32, quality float64, box model.FaceBox) (*model.Identity, error) {
	matched, err := m.apps.Get(ctx, matchedApplicationID)
	if err != nil {
		return nil, fmt.Errorf("identity: look up matched application: %w", err)
	}

	targetIdentityID := matched.Result.IdentityID
	if targetIdentityID == "" {
		// Defensive recovery: the matched application has no identity,
		// which should never happen under the unique/duplicate
		// invariants. Anchor a fresh identity on matched using matched's
		// own stored embedding, never the current applicant's vector —
		// reusing the query vector here would overwrite the matched
		// application's embedding and index entry with the wrong face.
		matchedEmb, err := m.embeddings.GetByApplication(ctx, matched.ApplicationID)
		if err != nil {
			return nil, fmt.Errorf("identity: load matched application's embedding for recovery: %w", err)
		}
		recovered, err := m.AssignUnique(ctx, matched, matchedEmb.Vector, matchedEmb.QualityScore, matchedEmb.FaceBox)
		if err != nil {
			return nil, fmt.Errorf("identity: recover missing identity on matched application: %w", err)
		}
		targetIdentityID = recovered.IdentityID
	}

	if err := m.identities.AppendApplication(ctx, targetIdentityID, app.ApplicationID); err != nil {
		return nil, fmt.Errorf("identity: link application to identity: %w", err)
	}
	if err := m.storeEmbedding(ctx, app.ApplicationID, targetIdentityID, vector, quality, box); err != nil {
		return nil, err
	}

	status := model.StatusDuplicate
	if requiresReview {
		status = model.StatusPendingReview
	}

	now := m.clk.Now()
	app.Result.IdentityID = targetIdentityID
	app.Result.IsDuplicate = true
	app.Result.Matches = matches
	app.Result.Status = status
	app.Result.RequiresReview = requiresReview
	app.Result.ReviewReason = reviewReason
	app.Processing.Status = status
	app.UpdatedAt = now
	if err := m.apps.Update(ctx, app); err != nil {
		return nil, fmt.Errorf("identity: update application: %w", err)
	}

	m.emit(ctx, model.EventDuplicateDetected, "system", model.ActorSystem, targetIdentityID,
		map[string]interface{}{"application_id": app.ApplicationID, "requires_manual_review": requiresReview})
	return m.identities.Get(ctx, targetIdentityID)
}

// OverrideResult reports the before/after status of an override.
type OverrideResult struct {
	ApplicationID string
	Before        model.Status
	After         model.Status
}

// ApplyOverride resolves a flagged-for-review (or previously decided)
// application according to a reviewer's decision.
func (m *Manager) ApplyOverride(ctx context.Context, applicationID string, decision OverrideDecision, justification, reviewerID string) (*OverrideResult, error) {
	if !validJustification(justification) {
		return nil, ErrInvalidJustification
	}

	app, err := m.apps.Get(ctx, applicationID)
	if err != nil {
		return nil, fmt.Errorf("identity: look up application: %w", err)
	}
	before := app.Processing.Status
	now := m.clk.Now()

	switch decision {
	case ApproveDuplicate:
		app.Result.Status = model.StatusDuplicate
		app.Processing.Status = model.StatusDuplicate
		app.Result.RequiresReview = false

	case RejectDuplicate:
		previousIdentity := app.Result.IdentityID
		if before == model.StatusDuplicate && previousIdentity != "" {
			if err := m.identities.RemoveApplication(ctx, previousIdentity, applicationID); err != nil {
				return nil, fmt.Errorf("identity: unlink from previous identity: %w", err)
			}
		}
		identityID, err := newID(ctx, m.identities)
		if err != nil {
			return nil, fmt.Errorf("identity: generate id: %w", err)
		}
		id := &model.Identity{
			IdentityID:     identityID,
			Status:         model.IdentityActive,
			ApplicationIDs: []string{applicationID},
			CreatedAt:      now,
			UpdatedAt:      now,
		}
		if err := m.identities.Create(ctx, id); err != nil {
			return nil, fmt.Errorf("identity: create identity: %w", err)
		}
		m.emit(ctx, model.EventIdentityIssued, "system", model.ActorSystem, identityID,
			map[string]interface{}{"application_id": applicationID, "reason": "override_reject_duplicate"})

		app.Result.IdentityID = identityID
		app.Result.IsDuplicate = false
		app.Result.Status = model.StatusVerified
		app.Processing.Status = model.StatusVerified
		app.Result.RequiresReview = false

	case FlagForReview:
		app.Result.RequiresReview = true
		app.Result.ReviewerNotes = justification

	default:
		return nil, fmt.Errorf("identity: unknown override decision %q", decision)
	}

	app.Result.ReviewerID = reviewerID
	app.Result.ReviewerNotes = justification
	app.Result.ReviewedAt = &now
	app.UpdatedAt = now
	if err := m.apps.Update(ctx, app); err != nil {
		return nil, fmt.Errorf("identity: update application: %w", err)
	}

	after := app.Processing.Status
	m.emit(ctx, model.EventOverrideDecision, reviewerID, model.ActorReviewer, applicationID,
		map[string]interface{}{
			"decision":      string(decision),
			"justification": justification,
			"before_status": string(before),
			"after_status":  string(after),
		})
	return &OverrideResult{ApplicationID: applicationID, Before: before, After: after}, nil
}

// Merge moves every application from source to target, marks source
// MERGED, and records provenance in both identities' metadata. Vector
// index entries are left untouched — lookups resolve identity through
// the application's result.identity_id, not the index's internal id.
func (m *Manager) Merge(ctx context.Context, sourceID, targetID, reason string) error {
	if sourceID == targetID {
		return fmt.Errorf("identity: cannot merge identity %q into itself", sourceID)
	}

	source, err := m.identities.Get(ctx, sourceID)
	if err != nil {
		return fmt.Errorf("identity: look up source identity: %w", err)
	}
	if _, err := m.identities.Get(ctx, targetID); err != nil {
		return fmt.Errorf("identity: look up target identity: %w", err)
	}

	now := m.clk.Now()
	for _, applicationID := range source.ApplicationIDs {
		app, err := m.apps.Get(ctx, applicationID)
		if err != nil {
			return fmt.Errorf("identity: look up application %s: %w", applicationID, err)
		}
		if err := m.identities.AppendApplication(ctx, targetID, applicationID); err != nil {
			return fmt.Errorf("identity: link application %s to target: %w", applicationID, err)
		}
		app.Result.IdentityID = targetID
		app.UpdatedAt = now
		if err := m.apps.Update(ctx, app); err != nil {
			return fmt.Errorf("identity: rebind application %s: %w", applicationID, err)
		}
	}

	if err := m.identities.UpdateStatus(ctx, sourceID, model.IdentityMerged, map[string]interface{}{
		"merged_into":  targetID,
		"merge_reason": reason,
		"merged_at":    now,
	}); err != nil {
		return fmt.Errorf("identity: mark source merged: %w", err)
	}
	if err := m.identities.UpdateStatus(ctx, targetID, model.IdentityActive, map[string]interface{}{
		"merged_from":  sourceID,
		"merge_reason": reason,
		"merged_at":    now,
	}); err != nil {
		return fmt.Errorf("identity: record merge provenance on target: %w", err)
	}

	m.emit(ctx, model.EventMerge, "system", model.ActorSystem, targetID,
		map[string]interface{}{"source_id": sourceID, "reason": reason})
	return nil
}
