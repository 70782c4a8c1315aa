package vectorindex

import (
	"math/rand"

	"go.uber.org/zap"
	"gonum.org/v1/gonum/floats"
)

// kmeansIterations bounds the Lloyd's-algorithm refinement used to
// train IVF clusters. The training set is small relative to a full
// k-means workload (SPEC_FULL.md §4.3's un-trained pool), so a fixed,
// small iteration count is sufficient.
const kmeansIterations = 12

// candidateInternalIDsLocked returns the internal ids to score for a
// query vector. Below the training threshold, or before training has
// happened, every live record is a candidate (exact search). Once
// trained, only the NProbe nearest clusters' members are candidates
// (approximate search) — this is IVF's accuracy/latency trade-off.
func (idx *Index) candidateInternalIDsLocked(query []float64) []int {
	if !idx.trained {
		ids := make([]int, 0, len(idx.records))
		for id := range idx.records {
			ids = append(ids, id)
		}
		return ids
	}

	nprobe := idx.cfg.NProbe
	if nprobe > len(idx.centroids) {
		nprobe = len(idx.centroids)
	}
	probed := nearestCentroids(query, idx.centroids, nprobe)

	var ids []int
	for _, c := range probed {
		ids = append(ids, idx.lists[c]...)
	}
	return ids
}

// maybeTrainLocked trains the IVF index once the live population
// reaches cfg.TrainingThreshold, per SPEC_FULL.md §4.3 ("below a
// configurable training threshold, search is exact"). Training still
// needs at least NList vectors to seed that many clusters, so a
// threshold set below NList simply defers to NList instead of
// training on too few points. Call sites hold idx.mu for writing.
func (idx *Index) maybeTrainLocked() {
	if idx.trained || idx.cfg.NList <= 0 {
		return
	}
	threshold := idx.cfg.TrainingThreshold
	if threshold < idx.cfg.NList {
		threshold = idx.cfg.NList
	}
	if idx.liveCountLocked() < threshold {
		return
	}

	vectors := make([][]float64, 0, len(idx.records))
	ids := make([]int, 0, len(idx.records))
	for id, rec := range idx.records {
		if rec.tombstoned {
			continue
		}
		vectors = append(vectors, rec.vector)
		ids = append(ids, id)
	}
	if len(vectors) < idx.cfg.NList {
		return
	}

	idx.centroids = trainKMeans(vectors, idx.cfg.NList)
	idx.lists = make(map[int][]int)
	idx.trained = true

	for i, id := range ids {
		idx.assignToClusterLocked(id, vectors[i])
	}

	idx.log.Info("vector index trained", zap.Int("nlist", idx.cfg.NList), zap.Int("vectors", len(vectors)))
}

func (idx *Index) assignToCluster(internalID int, vector []float64) {
	idx.assignToClusterLocked(internalID, vector)
}

func (idx *Index) assignToClusterLocked(internalID int, vector []float64) {
	cluster := nearestCentroids(vector, idx.centroids, 1)
	if len(cluster) == 0 {
		return
	}
	idx.lists[cluster[0]] = append(idx.lists[cluster[0]], internalID)
}

// nearestCentroids returns the indices of the n centroids closest to
// query by L2 distance, nearest first.
func nearestCentroids(query []float64, centroids [][]float64, n int) []int {
	type scored struct {
		idx  int
		dist float64
	}
	scores := make([]scored, len(centroids))
	for i, c := range centroids {
		scores[i] = scored{idx: i, dist: floats.Distance(query, c, 2)}
	}
	// small n and small centroid counts: partial selection sort is
	// simpler than a full sort and avoids pulling in sort.Slice twice.
	for i := 0; i < n && i < len(scores); i++ {
		min := i
		for j := i + 1; j < len(scores); j++ {
			if scores[j].dist < scores[min].dist {
				min = j
			}
		}
		scores[i], scores[min] = scores[min], scores[i]
	}
	if n > len(scores) {
		n = len(scores)
	}
	out := make([]int, n)
	for i := 0; i < n; i++ {
		out[i] = scores[i].idx
	}
	return out
}

// trainKMeans runs Lloyd's algorithm to produce nlist centroids over
// vectors, seeded from an evenly-spaced sample of the input. The
// result is not reproducible across runs: callers pass vectors in map
// iteration order, and an empty cluster is reseeded from a random
// vector.
func trainKMeans(vectors [][]float64, nlist int) [][]float64 {
	dim := len(vectors[0])
	centroids := make([][]float64, nlist)
	step := len(vectors) / nlist
	if step == 0 {
		step = 1
	}
	for i := 0; i < nlist; i++ {
		src := vectors[(i*step)%len(vectors)]
		c := make([]float64, dim)
		copy(c, src)
		centroids[i] = c
	}

	assignment := make([]int, len(vectors))
	for iter := 0; iter < kmeansIterations; iter++ {
		changed := false
		for vi, v := range vectors {
			nearest := nearestCentroids(v, centroids, 1)[0]
			if assignment[vi] != nearest {
				assignment[vi] = nearest
				changed = true
			}
		}

		sums := make([][]float64, nlist)
		counts := make([]int, nlist)
		for i := range sums {
			sums[i] = make([]float64, dim)
		}
		for vi, v := range vectors {
			c := assignment[vi]
			floats.Add(sums[c], v)
			counts[c]++
		}
		for i := range centroids {
			if counts[i] == 0 {
				// Empty cluster: reseed from a random vector to avoid a
				// dead centroid that never attracts members again.
				centroids[i] = append([]float64(nil), vectors[rand.Intn(len(vectors))]...)
				continue
			}
			floats.Scale(1/float64(counts[i]), sums[i])
			centroids[i] = sums[i]
		}

		if !changed && iter > 0 {
			break
		}
	}
	return centroids
}
