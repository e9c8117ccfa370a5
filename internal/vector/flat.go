package vector

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/marek/upcycle/internal/logger"
)

// mappingEntry ties a record ID to a position in the vector store. Entries
// are append-only; deletion flips removed instead of compacting positions,
// so persisted positions stay stable across restarts.
type mappingEntry struct {
	ID      string `json:"id"`
	Index   int    `json:"index"`
	Removed bool   `json:"removed"`
}

// FlatIndex is an exact squared-L2 index held in memory and persisted as a
// binary vector blob plus a JSON mapping sidecar. Every search scans all
// live entries, which is the right trade at cache-of-generations scale.
type FlatIndex struct {
	mu          sync.RWMutex
	dim         int
	indexPath   string
	mappingPath string
	vectors     [][]float32
	mapping     []mappingEntry
	dirty       bool
}

// NewFlatIndex creates a FlatIndex for vectors of the given dimensionality.
// Call Initialize to load persisted state before use.
func NewFlatIndex(dim int, indexPath, mappingPath string) *FlatIndex {
	return &FlatIndex{
		dim:         dim,
		indexPath:   indexPath,
		mappingPath: mappingPath,
	}
}

// Initialize loads the persisted vector blob and mapping sidecar. Absent
// files mean a fresh index. A mapping that references more positions than
// the blob holds fails loudly rather than searching partial state.
func (f *FlatIndex) Initialize(ctx context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	vectors, mapping, err := loadFlatFiles(f.indexPath, f.mappingPath, f.dim)
	if err != nil {
		return err
	}
	f.vectors = vectors
	f.mapping = mapping
	f.dirty = false

	live := 0
	for _, m := range f.mapping {
		if !m.Removed {
			live++
		}
	}
	logger.CtxInfo(ctx, "flat index loaded: %d entries, %d live", len(f.mapping), live)
	return nil
}

// Add appends vec under id. A prior live entry for the same id is
// soft-deleted first so re-embedding a record replaces its hit.
func (f *FlatIndex) Add(ctx context.Context, id string, vec []float32) error {
	if len(vec) != f.dim {
		return fmt.Errorf("vector has dimension %d, expected %d", len(vec), f.dim)
	}

	f.mu.Lock()
	defer f.mu.Unlock()

	for i := range f.mapping {
		if f.mapping[i].ID == id && !f.mapping[i].Removed {
			f.mapping[i].Removed = true
		}
	}

	stored := make([]float32, f.dim)
	copy(stored, vec)
	f.vectors = append(f.vectors, stored)
	f.mapping = append(f.mapping, mappingEntry{
		ID:      id,
		Index:   len(f.vectors) - 1,
		Removed: false,
	})
	f.dirty = true
	return nil
}

// Search scans all live entries and returns up to k nearest by squared L2
// distance, mapped to similarity scores, best first. Entries whose stored
// vector has the wrong dimensionality are skipped rather than failing the
// whole search.
func (f *FlatIndex) Search(ctx context.Context, vec []float32, k int) ([]Hit, error) {
	if len(vec) != f.dim {
		return nil, fmt.Errorf("query vector has dimension %d, expected %d", len(vec), f.dim)
	}
	if k <= 0 {
		return nil, nil
	}

	f.mu.RLock()
	defer f.mu.RUnlock()

	hits := make([]Hit, 0, len(f.mapping))
	skipped := 0
	for _, m := range f.mapping {
		if m.Removed {
			continue
		}
		if m.Index < 0 || m.Index >= len(f.vectors) {
			skipped++
			continue
		}
		stored := f.vectors[m.Index]
		if len(stored) != f.dim {
			skipped++
			continue
		}
		hits = append(hits, Hit{ID: m.ID, Score: distanceToScore(squaredL2(vec, stored))})
	}
	if skipped > 0 {
		logger.CtxWarn(ctx, "flat index search skipped %d invalid entries", skipped)
	}

	sort.SliceStable(hits, func(i, j int) bool { return hits[i].Score > hits[j].Score })
	if len(hits) > k {
		hits = hits[:k]
	}
	return hits, nil
}

// Remove soft-deletes all live entries for id. Missing IDs are a no-op.
func (f *FlatIndex) Remove(ctx context.Context, id string) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	for i := range f.mapping {
		if f.mapping[i].ID == id && !f.mapping[i].Removed {
			f.mapping[i].Removed = true
			f.dirty = true
		}
	}
	return nil
}

// Count reports the number of live entries.
func (f *FlatIndex) Count(ctx context.Context) (int, error) {
	f.mu.RLock()
	defer f.mu.RUnlock()

	live := 0
	for _, m := range f.mapping {
		if !m.Removed {
			live++
		}
	}
	return live, nil
}

// Save persists the blob and mapping atomically. A clean index is a no-op.
func (f *FlatIndex) Save(ctx context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	if !f.dirty {
		return nil
	}
	if err := saveFlatFiles(f.indexPath, f.mappingPath, f.dim, f.vectors, f.mapping); err != nil {
		return err
	}
	f.dirty = false
	return nil
}

// Close is a no-op for the in-process index. Callers Save explicitly.
func (f *FlatIndex) Close() error {
	return nil
}

// squaredL2 computes the squared Euclidean distance between two vectors of
// equal length.
func squaredL2(a, b []float32) float32 {
	var sum float32
	for i := range a {
		d := a[i] - b[i]
		sum += d * d
	}
	return sum
}

// distanceToScore maps a squared L2 distance between unit vectors to a
// similarity in [0, 1]. Unit vectors keep the distance within [0, 4];
// clamping absorbs drift from non-normalized embeddings.
func distanceToScore(dist float32) float32 {
	score := 1 - dist/2
	if score < 0 {
		return 0
	}
	if score > 1 {
		return 1
	}
	return score
}
