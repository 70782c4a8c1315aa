package identity_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/gk2work/identaur/pkg/clock"
	"github.com/gk2work/identaur/pkg/identity"
	"github.com/gk2work/identaur/pkg/model"
	"github.com/gk2work/identaur/pkg/store"
)

type fakeApps struct {
	byID map[string]*model.Application
}

func newFakeApps(apps ...*model.Application) *fakeApps {
	f := &fakeApps{byID: make(map[string]*model.Application)}
	for _, a := range apps {
		f.byID[a.ApplicationID] = a
	}
	return f
}

func (f *fakeApps) Get(_ context.Context, applicationID string) (*model.Application, error) {
	app, ok := f.byID[applicationID]
	if !ok {
		return nil, store.ErrNotFound
	}
	return app, nil
}

func (f *fakeApps) Update(_ context.Context, app *model.Application) error {
	if _, ok := f.byID[app.ApplicationID]; !ok {
		return store.ErrNotFound
	}
	f.byID[app.ApplicationID] = app
	return nil
}

type fakeIdentities struct {
	byID map[string]*model.Identity
}

func newFakeIdentities() *fakeIdentities {
	return &fakeIdentities{byID: make(map[string]*model.Identity)}
}

func (f *fakeIdentities) Create(_ context.Context, id *model.Identity) error {
	f.byID[id.IdentityID] = id
	return nil
}

func (f *fakeIdentities) Get(_ context.Context, identityID string) (*model.Identity, error) {
	id, ok := f.byID[identityID]
	if !ok {
		return nil, store.ErrNotFound
	}
	return id, nil
}

func (f *fakeIdentities) AppendApplication(_ context.Context, identityID, applicationID string) error {
	id, ok := f.byID[identityID]
	if !ok {
		return store.ErrNotFound
	}
	for _, existing := range id.ApplicationIDs {
		if existing == applicationID {
			return nil
		}
	}
	id.ApplicationIDs = append(id.ApplicationIDs, applicationID)
	return nil
}

func (f *fakeIdentities) RemoveApplication(_ context.Context, identityID, applicationID string) error {
	id, ok := f.byID[identityID]
	if !ok {
		return store.ErrNotFound
	}
	kept := id.ApplicationIDs[:0]
	for _, existing := range id.ApplicationIDs {
		if existing != applicationID {
			kept = append(kept, existing)
		}
	}
	id.ApplicationIDs = kept
	return nil
}

func (f *fakeIdentities) UpdateStatus(_ context.Context, identityID string, status model.IdentityStatus, patch map[string]interface{}) error {
	id, ok := f.byID[identityID]
	if !ok {
		return store.ErrNotFound
	}
	id.Status = status
	if id.Metadata == nil {
		id.Metadata = make(map[string]interface{})
	}
	for k, v := range patch {
		id.Metadata[k] = v
	}
	return nil
}

type fakeEmbeddings struct {
	created map[string]bool
	byApp   map[string]*model.Embedding
}

func newFakeEmbeddings() *fakeEmbeddings {
	return &fakeEmbeddings{created: make(map[string]bool), byApp: make(map[string]*model.Embedding)}
}

func (f *fakeEmbeddings) Create(_ context.Context, emb *model.Embedding) error {
	f.created[emb.ApplicationID] = true
	f.byApp[emb.ApplicationID] = emb
	return nil
}

func (f *fakeEmbeddings) Exists(_ context.Context, applicationID string) (bool, error) {
	return f.created[applicationID], nil
}

func (f *fakeEmbeddings) GetByApplication(_ context.Context, applicationID string) (*model.Embedding, error) {
	emb, ok := f.byApp[applicationID]
	if !ok {
		return nil, store.ErrNotFound
	}
	return emb, nil
}

type fakeAudit struct {
	events []model.AuditEvent
}

func (f *fakeAudit) Append(_ context.Context, event model.AuditEvent) (string, error) {
	f.events = append(f.events, event)
	return "evt-" + string(rune(len(f.events))), nil
}

type fakeIndex struct {
	added map[string][]float32
}

func newFakeIndex() *fakeIndex {
	return &fakeIndex{added: make(map[string][]float32)}
}

func (f *fakeIndex) Add(applicationID string, vector []float32) (int, error) {
	f.added[applicationID] = vector
	return len(f.added), nil
}

func newApplication(id string, status model.Status) *model.Application {
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	return &model.Application{
		ApplicationID: id,
		Processing:    model.Processing{Status: status},
		Result:        model.Result{Status: status},
		CreatedAt:     now,
		UpdatedAt:     now,
	}
}

func vec() []float32 { return make([]float32, model.EmbeddingDim) }

func newManagerForTest(apps *fakeApps, ids *fakeIdentities, embs *fakeEmbeddings, idx *fakeIndex) *identity.Manager {
	return identity.New(apps, ids, embs, idx, nil, clock.NewFake(time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)), nil)
}

func newManagerForTestWithAudit(apps *fakeApps, ids *fakeIdentities, embs *fakeEmbeddings, idx *fakeIndex, audit *fakeAudit) *identity.Manager {
	return identity.New(apps, ids, embs, idx, audit, clock.NewFake(time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)), nil)
}

func TestAssignUniqueCreatesIdentity(t *testing.T) {
	apps := newFakeApps(newApplication("app-1", model.StatusProcessing))
	ids := newFakeIdentities()
	embs := newFakeEmbeddings()
	idx := newFakeIndex()
	m := newManagerForTest(apps, ids, embs, idx)

	app, _ := apps.Get(context.Background(), "app-1")
	id, err := m.AssignUnique(context.Background(), app, vec(), 0.9, model.FaceBox{})
	require.NoError(t, err)
	assert.Equal(t, []string{"app-1"}, id.ApplicationIDs)
	assert.Equal(t, model.StatusVerified, app.Processing.Status)
	assert.True(t, embs.created["app-1"])
	assert.NotNil(t, idx.added["app-1"])
}

func TestAssignDuplicateLinksToExistingIdentity(t *testing.T) {
	matched := newApplication("app-1", model.StatusVerified)
	matched.Result.IdentityID = "id-1"
	current := newApplication("app-2", model.StatusProcessing)
	apps := newFakeApps(matched, current)
	ids := newFakeIdentities()
	ids.byID["id-1"] = &model.Identity{IdentityID: "id-1", Status: model.IdentityActive, ApplicationIDs: []string{"app-1"}}
	embs := newFakeEmbeddings()
	idx := newFakeIndex()
	m := newManagerForTest(apps, ids, embs, idx)

	matches := []model.Match{{ApplicationID: "app-1", Score: 0.97, IdentityID: "id-1"}}
	id, err := m.AssignDuplicate(context.Background(), current, "app-1", matches, false, "", vec(), 0.9, model.FaceBox{})
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"app-1", "app-2"}, id.ApplicationIDs)
	assert.Equal(t, model.StatusDuplicate, current.Processing.Status)
	assert.True(t, current.Result.IsDuplicate)
}

func TestAssignDuplicateWithManualReviewSetsPendingReview(t *testing.T) {
	matched := newApplication("app-1", model.StatusVerified)
	matched.Result.IdentityID = "id-1"
	current := newApplication("app-2", model.StatusProcessing)
	apps := newFakeApps(matched, current)
	ids := newFakeIdentities()
	ids.byID["id-1"] = &model.Identity{IdentityID: "id-1", Status: model.IdentityActive, ApplicationIDs: []string{"app-1"}}
	m := newManagerForTest(apps, ids, newFakeEmbeddings(), newFakeIndex())

	_, err := m.AssignDuplicate(context.Background(), current, "app-1", nil, true, "ambiguous", vec(), 0.9, model.FaceBox{})
	require.NoError(t, err)
	assert.Equal(t, model.StatusPendingReview, current.Processing.Status)
	assert.True(t, current.Result.RequiresReview)
}

func TestAssignDuplicateRecoversMissingIdentityUsingMatchedOwnEmbedding(t *testing.T) {
	matchedVec := vec()
	matchedVec[0] = 1
	currentVec := vec()
	currentVec[0] = -1

	matched := newApplication("app-1", model.StatusVerified)
	current := newApplication("app-2", model.StatusProcessing)
	apps := newFakeApps(matched, current)
	ids := newFakeIdentities()
	embs := newFakeEmbeddings()
	require.NoError(t, embs.Create(context.Background(), &model.Embedding{
		ApplicationID: "app-1",
		Vector:        matchedVec,
		QualityScore:  0.8,
		FaceBox:       model.FaceBox{X: 1, Y: 2, Width: 3, Height: 4},
	}))
	idx := newFakeIndex()
	m := newManagerForTest(apps, ids, embs, idx)

	matches := []model.Match{{ApplicationID: "app-1", Score: 0.97, IdentityID: ""}}
	_, err := m.AssignDuplicate(context.Background(), current, "app-1", matches, false, "", currentVec, 0.95, model.FaceBox{X: 9, Y: 9, Width: 9, Height: 9})
	require.NoError(t, err)

	recoveredID := matched.Result.IdentityID
	require.NotEmpty(t, recoveredID)
	assert.Equal(t, matchedVec, idx.added["app-1"])
	assert.NotEqual(t, currentVec, idx.added["app-1"])
}

func TestApplyOverrideRejectsShortJustification(t *testing.T) {
	m := newManagerForTest(newFakeApps(), newFakeIdentities(), newFakeEmbeddings(), newFakeIndex())
	_, err := m.ApplyOverride(context.Background(), "app-1", identity.ApproveDuplicate, "short", "reviewer-1")
	assert.ErrorIs(t, err, identity.ErrInvalidJustification)
}

func TestApplyOverrideRejectDuplicateCreatesFreshIdentity(t *testing.T) {
	app := newApplication("app-1", model.StatusDuplicate)
	app.Result.IdentityID = "id-1"
	apps := newFakeApps(app)
	ids := newFakeIdentities()
	ids.byID["id-1"] = &model.Identity{IdentityID: "id-1", Status: model.IdentityActive, ApplicationIDs: []string{"app-1"}}
	audit := &fakeAudit{}
	m := newManagerForTestWithAudit(apps, ids, newFakeEmbeddings(), newFakeIndex(), audit)

	result, err := m.ApplyOverride(context.Background(), "app-1", identity.RejectDuplicate, "reviewer confirmed not a match", "reviewer-1")
	require.NoError(t, err)
	assert.Equal(t, model.StatusDuplicate, result.Before)
	assert.Equal(t, model.StatusVerified, result.After)
	assert.NotEqual(t, "id-1", app.Result.IdentityID)
	assert.Empty(t, ids.byID["id-1"].ApplicationIDs)

	var kinds []model.AuditEventKind
	for _, e := range audit.events {
		kinds = append(kinds, e.EventKind)
	}
	assert.Contains(t, kinds, model.EventOverrideDecision)
	assert.Contains(t, kinds, model.EventIdentityIssued)
}

func TestApplyOverrideFlagForReviewKeepsStatus(t *testing.T) {
	app := newApplication("app-1", model.StatusPendingReview)
	apps := newFakeApps(app)
	m := newManagerForTest(apps, newFakeIdentities(), newFakeEmbeddings(), newFakeIndex())

	result, err := m.ApplyOverride(context.Background(), "app-1", identity.FlagForReview, "needs a second look", "reviewer-1")
	require.NoError(t, err)
	assert.Equal(t, model.StatusPendingReview, result.Before)
	assert.Equal(t, model.StatusPendingReview, result.After)
	assert.True(t, app.Result.RequiresReview)
}

func TestMergeRebindsApplicationsAndMarksSourceMerged(t *testing.T) {
	app1 := newApplication("app-1", model.StatusVerified)
	app1.Result.IdentityID = "id-source"
	apps := newFakeApps(app1)
	ids := newFakeIdentities()
	ids.byID["id-source"] = &model.Identity{IdentityID: "id-source", Status: model.IdentityActive, ApplicationIDs: []string{"app-1"}}
	ids.byID["id-target"] = &model.Identity{IdentityID: "id-target", Status: model.IdentityActive, ApplicationIDs: []string{"app-9"}}
	m := newManagerForTest(apps, ids, newFakeEmbeddings(), newFakeIndex())

	err := m.Merge(context.Background(), "id-source", "id-target", "same applicant, confirmed by reviewer")
	require.NoError(t, err)
	assert.Equal(t, model.IdentityMerged, ids.byID["id-source"].Status)
	assert.Equal(t, "id-target", app1.Result.IdentityID)
	assert.Contains(t, ids.byID["id-target"].ApplicationIDs, "app-1")
}

func TestMergeRejectsSelfMerge(t *testing.T) {
	m := newManagerForTest(newFakeApps(), newFakeIdentities(), newFakeEmbeddings(), newFakeIndex())
	err := m.Merge(context.Background(), "id-1", "id-1", "noop")
	assert.Error(t, err)
}
