package vectorindex

import (
	"context"
	"math"
	"sort"
	"sync"

	"go.uber.org/zap"
	"gonum.org/v1/gonum/floats"
)

type record struct {
	applicationID string
	vector        []float64
	tombstoned    bool
}

// Index is a persistent, concurrency-safe ANN index over unit-norm
// 512-dim vectors. Readers (Search, Reconstruct, Snapshot) take an
// RLock; mutators (Add, AddBatch, train, Restore) take the write lock, as
// required by SPEC_FULL.md §5.
type Index struct {
	mu  sync.RWMutex
	cfg Config
	log *zap.Logger

	records      map[int]*record
	idToInternal map[string]int
	nextInternal int

	trained   bool
	centroids [][]float64
	lists     map[int][]int // clusterID -> internal ids
}

// New builds an empty Index per cfg. Use Restore to load persisted
// state instead of starting empty.
func New(cfg Config, log *zap.Logger) *Index {
	if log == nil {
		log = zap.NewNop()
	}
	return &Index{
		cfg:          cfg,
		log:          log,
		records:      make(map[int]*record),
		idToInternal: make(map[string]int),
		lists:        make(map[int][]int),
	}
}

func toFloat64(v []float32) []float64 {
	out := make([]float64, len(v))
	for i, f := range v {
		out[i] = float64(f)
	}
	return out
}

func toFloat32(v []float64) []float32 {
	out := make([]float32, len(v))
	for i, f := range v {
		out[i] = float32(f)
	}
	return out
}

// cosineSimilarity computes cosine similarity between two unit-norm
// vectors, clamped to [0,1] as SPEC_FULL.md §4.3 requires (negative
// cosines are clamped up, matching "similarity in [0,1]").
func cosineSimilarity(a, b []float64) float64 {
	sim := floats.Dot(a, b)
	if sim < 0 {
		sim = 0
	}
	if sim > 1 {
		sim = 1
	}
	return sim
}

// similarityToDistance derives the L2 distance implied by a cosine
// similarity between unit vectors: ||a-b||^2 = 2 - 2*cos, so
// cos = 1 - dist^2/2 (SPEC_FULL.md §4.3).
func similarityToDistance(sim float64) float64 {
	d2 := 2 - 2*sim
	if d2 < 0 {
		d2 = 0
	}
	return math.Sqrt(d2)
}

// Add inserts vector under applicationID, returning its internal id.
func (idx *Index) Add(applicationID string, vector []float32) (int, error) {
	if len(vector) != Dim {
		return 0, ErrDimension
	}

	idx.mu.Lock()
	defer idx.mu.Unlock()

	if _, exists := idx.idToInternal[applicationID]; exists {
		return 0, ErrAlreadyIndexed
	}

	internalID := idx.nextInternal
	idx.nextInternal++

	rec := &record{applicationID: applicationID, vector: toFloat64(vector)}
	idx.records[internalID] = rec
	idx.idToInternal[applicationID] = internalID

	if idx.trained {
		idx.assignToCluster(internalID, rec.vector)
	}
	idx.maybeTrainLocked()

	return internalID, nil
}

// VectorPair is one (application_id, vector) input to AddBatch.
type VectorPair struct {
	ApplicationID string
	Vector        []float32
}

// AddBatch inserts multiple pairs, skipping (with a logged warning)
// any applicationID already present. Order of successful inserts is
// preserved in the returned slice.
func (idx *Index) AddBatch(pairs []VectorPair) ([]int, error) {
	ids := make([]int, 0, len(pairs))
	for _, p := range pairs {
		id, err := idx.Add(p.ApplicationID, p.Vector)
		if err != nil {
			if err == ErrAlreadyIndexed {
				idx.log.Warn("skipping duplicate application in batch add", zap.String("application_id", p.ApplicationID))
				continue
			}
			return ids, err
		}
		ids = append(ids, id)
	}
	return ids, nil
}

// Search returns up to k matches for vector in descending similarity
// order, filtered by threshold if non-nil. An empty index returns an
// empty slice.
func (idx *Index) Search(vector []float32, k int, threshold *float64) ([]SearchResult, error) {
	if len(vector) != Dim {
		return nil, ErrDimension
	}
	q := toFloat64(vector)

	idx.mu.RLock()
	defer idx.mu.RUnlock()

	candidates := idx.candidateInternalIDsLocked(q)

	results := make([]SearchResult, 0, len(candidates))
	for _, id := range candidates {
		rec := idx.records[id]
		if rec == nil || rec.tombstoned {
			continue
		}
		sim := cosineSimilarity(q, rec.vector)
		if threshold != nil && sim < *threshold {
			continue
		}
		results = append(results, SearchResult{
			ApplicationID: rec.applicationID,
			Similarity:    sim,
			Distance:      similarityToDistance(sim),
		})
	}

	sort.Slice(results, func(i, j int) bool { return results[i].Similarity > results[j].Similarity })
	if len(results) > k {
		results = results[:k]
	}
	return results, nil
}

// SearchByID searches using the vector already stored for
// applicationID, excluding the self-match.
func (idx *Index) SearchByID(applicationID string, k int, threshold *float64) ([]SearchResult, error) {
	vec, err := idx.Reconstruct(applicationID)
	if err != nil {
		return nil, err
	}
	results, err := idx.Search(vec, k+1, threshold)
	if err != nil {
		return nil, err
	}
	out := results[:0]
	for _, r := range results {
		if r.ApplicationID == applicationID {
			continue
		}
		out = append(out, r)
	}
	if len(out) > k {
		out = out[:k]
	}
	return out, nil
}

// Reconstruct returns the stored vector for applicationID.
func (idx *Index) Reconstruct(applicationID string) ([]float32, error) {
	idx.mu.RLock()
	defer idx.mu.RUnlock()

	internalID, ok := idx.idToInternal[applicationID]
	if !ok {
		return nil, ErrNotFound
	}
	rec := idx.records[internalID]
	if rec == nil || rec.tombstoned {
		return nil, ErrNotFound
	}
	return toFloat32(rec.vector), nil
}

// Remove logically tombstones applicationID; Compact performs the
// physical cleanup.
func (idx *Index) Remove(applicationID string) error {
	idx.mu.Lock()
	defer idx.mu.Unlock()

	internalID, ok := idx.idToInternal[applicationID]
	if !ok {
		return ErrNotFound
	}
	idx.records[internalID].tombstoned = true
	return nil
}

// Size returns the number of live (non-tombstoned) entries.
func (idx *Index) Size() int {
	idx.mu.RLock()
	defer idx.mu.RUnlock()
	return idx.liveCountLocked()
}

func (idx *Index) liveCountLocked() int {
	n := 0
	for _, r := range idx.records {
		if !r.tombstoned {
			n++
		}
	}
	return n
}

// Stats reports occupancy and training state.
func (idx *Index) Stats() Stats {
	idx.mu.RLock()
	defer idx.mu.RUnlock()

	tombstones := 0
	for _, r := range idx.records {
		if r.tombstoned {
			tombstones++
		}
	}
	return Stats{
		Size:       idx.liveCountLocked(),
		Trained:    idx.trained,
		NLists:     idx.cfg.NList,
		NProbe:     idx.cfg.NProbe,
		Tombstones: tombstones,
	}
}

// Compact is the background maintenance pass SPEC_FULL.md's Open
// Question decisions call for: it physically drops tombstoned records
// and retrains cluster assignments over what remains. It is never run
// inline with request handling.
func (idx *Index) Compact(ctx context.Context) error {
	idx.mu.Lock()
	defer idx.mu.Unlock()

	if err := ctx.Err(); err != nil {
		return err
	}

	newRecords := make(map[int]*record)
	newIDToInternal := make(map[string]int)
	for id, rec := range idx.records {
		if rec.tombstoned {
			continue
		}
		newRecords[id] = rec
		newIDToInternal[rec.applicationID] = id
	}
	idx.records = newRecords
	idx.idToInternal = newIDToInternal
	idx.trained = false
	idx.centroids = nil
	idx.lists = make(map[int][]int)
	idx.maybeTrainLocked()

	idx.log.Info("vector index compaction complete", zap.Int("live_records", len(idx.records)))
	return nil
}
