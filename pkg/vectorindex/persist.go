package vectorindex

import (
	"encoding/json"
	"os"
	"path/filepath"

	"go.uber.org/zap"

	ierrors "github.com/gk2work/identaur/internal/errors"
)

const (
	indexFileName = "index.snapshot.json"
	idMapFileName = "id_map.json"
)

type persistedRecord struct {
	InternalID    int       `json:"internal_id"`
	ApplicationID string    `json:"application_id"`
	Vector        []float64 `json:"vector"`
	Tombstoned    bool      `json:"tombstoned"`
}

type persistedIndex struct {
	NextInternal int               `json:"next_internal"`
	Trained      bool              `json:"trained"`
	Centroids    [][]float64       `json:"centroids,omitempty"`
	Records      []persistedRecord `json:"records"`
}

// writeAtomic writes data to path by writing to a temp file in the
// same directory and renaming over the destination, so a crash never
// leaves a partially-written file in place (SPEC_FULL.md §4.3).
func writeAtomic(path string, data []byte) error {
	dir := filepath.Dir(path)
	tmp, err := os.CreateTemp(dir, ".tmp-*")
	if err != nil {
		return err
	}
	tmpPath := tmp.Name()
	defer os.Remove(tmpPath)

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	return os.Rename(tmpPath, path)
}

// Snapshot persists the index to cfg.PersistDir atomically. The index
// file and the id-mapping file are written as two separate atomic
// renames, matching SPEC_FULL.md §6's persisted-state layout.
func (idx *Index) Snapshot() error {
	idx.mu.RLock()
	defer idx.mu.RUnlock()

	if idx.cfg.PersistDir == "" {
		return nil
	}
	if err := os.MkdirAll(idx.cfg.PersistDir, 0o700); err != nil {
		return ierrors.FailedToWithDetails("create index directory", "vectorindex", idx.cfg.PersistDir, err)
	}

	state := persistedIndex{
		NextInternal: idx.nextInternal,
		Trained:      idx.trained,
		Centroids:    idx.centroids,
	}
	idMap := make(map[string]int, len(idx.idToInternal))
	for appID, internalID := range idx.idToInternal {
		idMap[appID] = internalID
	}
	for id, rec := range idx.records {
		state.Records = append(state.Records, persistedRecord{
			InternalID:    id,
			ApplicationID: rec.applicationID,
			Vector:        rec.vector,
			Tombstoned:    rec.tombstoned,
		})
	}

	indexBytes, err := json.Marshal(state)
	if err != nil {
		return ierrors.FailedTo("marshal vector index snapshot", err)
	}
	mapBytes, err := json.Marshal(idMap)
	if err != nil {
		return ierrors.FailedTo("marshal vector index id map", err)
	}

	if err := writeAtomic(filepath.Join(idx.cfg.PersistDir, indexFileName), indexBytes); err != nil {
		return ierrors.FailedToWithDetails("write vector index snapshot", "vectorindex", idx.cfg.PersistDir, err)
	}
	if err := writeAtomic(filepath.Join(idx.cfg.PersistDir, idMapFileName), mapBytes); err != nil {
		return ierrors.FailedToWithDetails("write vector index id map", "vectorindex", idx.cfg.PersistDir, err)
	}
	return nil
}

// Restore loads persisted state from cfg.PersistDir. If either file is
// absent, Restore is a no-op (the index starts fresh), matching
// SPEC_FULL.md §4.3's "otherwise a fresh one is created".
func (idx *Index) Restore() error {
	if idx.cfg.PersistDir == "" {
		return nil
	}
	indexPath := filepath.Join(idx.cfg.PersistDir, indexFileName)
	mapPath := filepath.Join(idx.cfg.PersistDir, idMapFileName)

	indexBytes, err := os.ReadFile(indexPath)
	if os.IsNotExist(err) {
		return nil
	}
	if err != nil {
		return ierrors.FailedToWithDetails("read vector index snapshot", "vectorindex", indexPath, err)
	}
	mapBytes, err := os.ReadFile(mapPath)
	if os.IsNotExist(err) {
		return nil
	}
	if err != nil {
		return ierrors.FailedToWithDetails("read vector index id map", "vectorindex", mapPath, err)
	}

	var state persistedIndex
	if err := json.Unmarshal(indexBytes, &state); err != nil {
		idx.log.Warn("vector index snapshot did not parse, starting fresh", zap.Error(err))
		return nil
	}
	var idMap map[string]int
	if err := json.Unmarshal(mapBytes, &idMap); err != nil {
		idx.log.Warn("vector index id map did not parse, starting fresh", zap.Error(err))
		return nil
	}

	idx.mu.Lock()
	defer idx.mu.Unlock()

	idx.nextInternal = state.NextInternal
	idx.centroids = state.Centroids
	idx.trained = state.Trained
	idx.records = make(map[int]*record, len(state.Records))
	idx.idToInternal = idMap
	idx.lists = make(map[int][]int)

	for _, pr := range state.Records {
		idx.records[pr.InternalID] = &record{
			applicationID: pr.ApplicationID,
			vector:        pr.Vector,
			tombstoned:    pr.Tombstoned,
		}
		if idx.trained && !pr.Tombstoned {
			idx.assignToClusterLocked(pr.InternalID, pr.Vector)
		}
	}

	idx.log.Info("vector index restored", zap.Int("records", len(idx.records)), zap.Bool("trained", idx.trained))
	return nil
}
