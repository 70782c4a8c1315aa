package processor_test

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/gk2work/identaur/pkg/cache"
	"github.com/gk2work/identaur/pkg/clock"
	"github.com/gk2work/identaur/pkg/dedup"
	"github.com/gk2work/identaur/pkg/faceanalyzer"
	"github.com/gk2work/identaur/pkg/identity"
	"github.com/gk2work/identaur/pkg/model"
	"github.com/gk2work/identaur/pkg/processor"
	"github.com/gk2work/identaur/pkg/queue"
	"github.com/gk2work/identaur/pkg/resilience"
	"github.com/gk2work/identaur/pkg/store"
	"github.com/gk2work/identaur/pkg/vectorindex"
)

type fakeApps struct {
	mu   sync.Mutex
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
	f.mu.Lock()
	defer f.mu.Unlock()
	a, ok := f.byID[applicationID]
	if !ok {
		return nil, store.ErrNotFound
	}
	return a, nil
}

func (f *fakeApps) Update(_ context.Context, app *model.Application) error {
	f.mu.Lock()
	defer f.mu.Unlock()
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
	for _, a := range id.ApplicationIDs {
		if a == applicationID {
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
	for _, a := range id.ApplicationIDs {
		if a != applicationID {
			kept = append(kept, a)
		}
	}
	id.ApplicationIDs = kept
	return nil
}

func (f *fakeIdentities) UpdateStatus(_ context.Context, identityID string, status model.IdentityStatus, metadataPatch map[string]interface{}) error {
	id, ok := f.byID[identityID]
	if !ok {
		return store.ErrNotFound
	}
	id.Status = status
	if id.Metadata == nil {
		id.Metadata = map[string]interface{}{}
	}
	for k, v := range metadataPatch {
		id.Metadata[k] = v
	}
	return nil
}

type fakeEmbeddings struct {
	created map[string]bool
}

func newFakeEmbeddings() *fakeEmbeddings { return &fakeEmbeddings{created: make(map[string]bool)} }

func (f *fakeEmbeddings) Create(_ context.Context, emb *model.Embedding) error {
	f.created[emb.ApplicationID] = true
	return nil
}

func (f *fakeEmbeddings) Exists(_ context.Context, applicationID string) (bool, error) {
	return f.created[applicationID], nil
}

type fakeIndex struct {
	added map[string][]float32
}

func newFakeIndex() *fakeIndex { return &fakeIndex{added: make(map[string][]float32)} }

func (f *fakeIndex) Add(applicationID string, vector []float32) (int, error) {
	f.added[applicationID] = vector
	return len(f.added), nil
}

// fakeSearcher returns no matches for its first call (modeling an
// empty index) and results thereafter, so a harness processing two
// submissions in sequence doesn't match the first one against itself.
type fakeSearcher struct {
	mu      sync.Mutex
	calls   int
	results []vectorindex.SearchResult
}

func (f *fakeSearcher) Search(_ []float32, _ int, _ *float64) ([]vectorindex.SearchResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	if f.calls == 1 {
		return nil, nil
	}
	return f.results, nil
}

type fakeAudit struct {
	mu     sync.Mutex
	events []model.AuditEvent
}

func (f *fakeAudit) Append(_ context.Context, event model.AuditEvent) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.events = append(f.events, event)
	return "event-1", nil
}

type fakePusher struct {
	mu       sync.Mutex
	updates  []string
	complete int
	errors   []string
}

func (f *fakePusher) ProcessingUpdate(applicationID, stage, status string, progress int, message string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.updates = append(f.updates, stage)
}

func (f *fakePusher) ProcessingComplete(applicationID string, result interface{}) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.complete++
}

func (f *fakePusher) ProcessingError(applicationID, kind, message string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.errors = append(f.errors, kind)
}

type fakeWebhook struct {
	mu    sync.Mutex
	sends []string
}

func (f *fakeWebhook) Send(_ context.Context, _ string, event string, _ interface{}, _ time.Time) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sends = append(f.sends, event)
	return nil
}

type fakeBlobs struct {
	mu  sync.Mutex
	put map[string][]byte
	err error
}

func newFakeBlobs() *fakeBlobs { return &fakeBlobs{put: make(map[string][]byte)} }

func (f *fakeBlobs) Put(applicationID, _ string, data []byte) (string, error) {
	if f.err != nil {
		return "", f.err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.put[applicationID] = data
	return applicationID, nil
}

func newApplication(id string) *model.Application {
	return &model.Application{
		ApplicationID: id,
		Applicant:     model.Applicant{Name: "Jane Doe", DateOfBirth: "1990-01-01"},
		PhotoRef:      model.PhotoRef{DeclaredFormat: "jpeg"},
		Processing:    model.Processing{Stage: model.StageIngest, Status: model.StatusPending},
		Result:        model.Result{Status: model.StatusPending},
	}
}

// harness bundles everything runStages needs, all backed by in-memory
// fakes so the pipeline can run end to end without a database.
type harness struct {
	apps       *fakeApps
	analyzer   *faceanalyzer.Fake
	audit      *fakeAudit
	push       *fakePusher
	webhook    *fakeWebhook
	blobs      *fakeBlobs
	q          *queue.Queue
	proc       *processor.Processor
	deadLetter *resilience.DeadLetterSink
}

func newHarness(t *testing.T, searchResults []vectorindex.SearchResult, apps2 ...*model.Application) *harness {
	t.Helper()

	apps := newFakeApps(apps2...)
	identities := newFakeIdentities()
	embeddings := newFakeEmbeddings()
	index := newFakeIndex()
	audit := &fakeAudit{}
	clk := clock.NewFake(time.Now())

	im := identity.New(apps, identities, embeddings, index, audit, clk, nil)
	dd := dedup.New(dedup.DefaultConfig(), &fakeSearcher{results: searchResults}, zap.NewNop())

	breaker := resilience.NewCircuitBreaker(resilience.BreakerConfig{Name: "test", FailureThreshold: 100, OpenTimeout: time.Second, SuccessThreshold: 1}, nil)
	retrier := resilience.NewRetrier(resilience.RetryConfig{MaxAttempts: 1, InitialDelay: time.Millisecond, MaxDelay: time.Millisecond, Base: 1}, nil, nil)
	faceCall := resilience.NewResilientCall("face-analyzer", breaker, retrier, nil)
	indexCall := resilience.NewResilientCall("vector-index", breaker, retrier, nil)

	q := queue.New(10, nil)
	push := &fakePusher{}
	webhook := &fakeWebhook{}
	blobs := newFakeBlobs()
	deadLetter := resilience.NewDeadLetterSink(10)
	analyzer := faceanalyzer.NewFake()

	cfg := processor.DefaultConfig()
	cfg.Workers = 1
	cfg.WebhookURL = "https://example.test/hook"

	proc := processor.New(cfg, q, apps, cache.NewMemory(time.Hour), analyzer, dd, im, audit, push, webhook, blobs,
		faceCall, indexCall, deadLetter, clk, nil)

	return &harness{
		apps: apps, analyzer: analyzer, audit: audit,
		push: push, webhook: webhook, blobs: blobs, q: q, proc: proc, deadLetter: deadLetter,
	}
}

// runAll enqueues every submission (processed FIFO by the harness's
// single worker) and blocks until the queue drains.
func (h *harness) runAll(t *testing.T, subs ...queue.Submission) {
	t.Helper()
	for _, sub := range subs {
		require.NoError(t, h.q.Enqueue(sub))
	}
	go h.proc.Run(context.Background())
	waitUntil(t, func() bool { return h.q.Stats().Waiting == 0 && h.q.Stats().InFlight == 0 })
	h.proc.Stop()
}

func waitUntil(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(time.Millisecond)
	}
	t.Fatal("condition never became true")
}

func TestRunStagesAssignsUniqueIdentityOnNoMatch(t *testing.T) {
	app := newApplication("app-1")
	h := newHarness(t, nil, app)

	h.runAll(t, queue.Submission{ApplicationID: "app-1", PhotoBytes: []byte("photo"), Format: "jpeg"})

	got, err := h.apps.Get(context.Background(), "app-1")
	require.NoError(t, err)
	assert.Equal(t, model.StatusVerified, got.Result.Status)
	assert.NotEmpty(t, got.Result.IdentityID)
	assert.Equal(t, 1, h.push.complete)
}

func TestRunStagesLinksDuplicateOnMatch(t *testing.T) {
	matched := newApplication("app-matched")
	app := newApplication("app-2")
	// app-matched is processed first (unique path, minting a real
	// identity), then app-2 is matched against it by the fixed
	// fakeSearcher result below.
	h := newHarness(t, []vectorindex.SearchResult{{ApplicationID: "app-matched", Similarity: 0.97}}, matched, app)

	h.runAll(t,
		queue.Submission{ApplicationID: "app-matched", PhotoBytes: []byte("photo"), Format: "jpeg"},
		queue.Submission{ApplicationID: "app-2", PhotoBytes: []byte("photo"), Format: "jpeg"},
	)

	matchedGot, err := h.apps.Get(context.Background(), "app-matched")
	require.NoError(t, err)
	require.NotEmpty(t, matchedGot.Result.IdentityID)

	got, err := h.apps.Get(context.Background(), "app-2")
	require.NoError(t, err)
	assert.True(t, got.Result.IsDuplicate)
	assert.Equal(t, matchedGot.Result.IdentityID, got.Result.IdentityID)
}

func TestRunStagesRejectsOnNoFace(t *testing.T) {
	app := newApplication("app-3")
	h := newHarness(t, nil, app)
	h.analyzer.DetectErr = faceanalyzer.ErrNoFace{}

	h.runAll(t, queue.Submission{ApplicationID: "app-3", PhotoBytes: []byte("photo"), Format: "jpeg"})

	got, err := h.apps.Get(context.Background(), "app-3")
	require.NoError(t, err)
	assert.Equal(t, model.StatusRejected, got.Result.Status)
	assert.Equal(t, "E001", got.Processing.ErrorKind)
	require.Len(t, h.push.errors, 1)
	assert.Equal(t, "E001", h.push.errors[0])
}

func TestRunStagesDeadLettersAfterRetriesExhausted(t *testing.T) {
	// Built directly (not via newHarness) so MaxRetries can be set to 0,
	// exhausting on the very first failure.
	app := newApplication("app-4")
	apps := newFakeApps(app)
	identities := newFakeIdentities()
	embeddings := newFakeEmbeddings()
	index := newFakeIndex()
	audit := &fakeAudit{}
	clk := clock.NewFake(time.Now())
	im := identity.New(apps, identities, embeddings, index, audit, clk, nil)
	dd := dedup.New(dedup.DefaultConfig(), &fakeSearcher{}, zap.NewNop())
	breaker := resilience.NewCircuitBreaker(resilience.BreakerConfig{Name: "t2", FailureThreshold: 100, OpenTimeout: time.Second, SuccessThreshold: 1}, nil)
	retrier := resilience.NewRetrier(resilience.RetryConfig{MaxAttempts: 1, InitialDelay: time.Millisecond, MaxDelay: time.Millisecond, Base: 1}, nil, nil)
	faceCall := resilience.NewResilientCall("face-analyzer", breaker, retrier, nil)
	indexCall := resilience.NewResilientCall("vector-index", breaker, retrier, nil)
	q := queue.New(10, nil)
	deadLetter := resilience.NewDeadLetterSink(10)
	analyzer := faceanalyzer.NewFake()
	analyzer.EmbedErr = errors.New("model unavailable")

	cfg := processor.DefaultConfig()
	cfg.Workers = 1
	cfg.MaxRetries = 0

	proc := processor.New(cfg, q, apps, cache.NewMemory(time.Hour), analyzer, dd, im, audit, nil, nil, nil,
		faceCall, indexCall, deadLetter, clk, nil)

	require.NoError(t, q.Enqueue(queue.Submission{ApplicationID: "app-4", PhotoBytes: []byte("photo"), Format: "jpeg"}))
	go proc.Run(context.Background())
	waitUntil(t, func() bool { return q.Stats().Waiting == 0 && q.Stats().InFlight == 0 })
	proc.Stop()

	got, err := apps.Get(context.Background(), "app-4")
	require.NoError(t, err)
	assert.Equal(t, model.StatusFailed, got.Result.Status)
	assert.Equal(t, 1, deadLetter.Stats().Size)
}

func TestStopDrainsInFlightWithinGrace(t *testing.T) {
	q := queue.New(5, nil)
	apps := newFakeApps()
	cfg := processor.DefaultConfig()
	cfg.Workers = 0
	cfg.ShutdownGrace = 10 * time.Millisecond
	proc := processor.New(cfg, q, apps, cache.NewMemory(time.Hour), faceanalyzer.NewFake(),
		dedup.New(dedup.DefaultConfig(), &fakeSearcher{}, nil),
		identity.New(apps, newFakeIdentities(), newFakeEmbeddings(), newFakeIndex(), nil, clock.NewFake(time.Now()), nil),
		nil, nil, nil, nil, nil, nil, nil, clock.NewFake(time.Now()), nil)

	require.NoError(t, q.Enqueue(queue.Submission{ApplicationID: "orphan", Format: "jpeg"}))
	_, ok := q.Dequeue()
	require.True(t, ok)

	proc.Stop()
	assert.Equal(t, 1, q.Stats().Waiting)
	assert.Equal(t, 0, q.Stats().InFlight)
}
