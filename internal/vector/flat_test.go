package vector

import (
	"context"
	"math"
	"path/filepath"
	"testing"
)

func unitVector(dim, axis int) []float32 {
	v := make([]float32, dim)
	v[axis] = 1
	return v
}

func newTestIndex(t *testing.T, dim int) *FlatIndex {
	t.Helper()
	dir := t.TempDir()
	idx := NewFlatIndex(dim, filepath.Join(dir, "vectors.bin"), filepath.Join(dir, "mapping.json"))
	if err := idx.Initialize(context.Background()); err != nil {
		t.Fatalf("Initialize failed: %v", err)
	}
	return idx
}

// TestFlatIndexSelfSimilarity verifies that searching for a stored vector
// returns that vector with a near-perfect score.
func TestFlatIndexSelfSimilarity(t *testing.T) {
	ctx := context.Background()
	idx := newTestIndex(t, 4)

	vec := []float32{0.5, 0.5, 0.5, 0.5}
	if err := idx.Add(ctx, "a", vec); err != nil {
		t.Fatalf("Add failed: %v", err)
	}

	hits, err := idx.Search(ctx, vec, 5)
	if err != nil {
		t.Fatalf("Search failed: %v", err)
	}
	if len(hits) != 1 {
		t.Fatalf("got %d hits, want 1", len(hits))
	}
	if hits[0].ID != "a" {
		t.Errorf("got ID %s, want a", hits[0].ID)
	}
	if hits[0].Score < 0.99 {
		t.Errorf("self similarity score = %f, want >= 0.99", hits[0].Score)
	}
}

// TestFlatIndexOrdering verifies that closer vectors score higher and come
// first.
func TestFlatIndexOrdering(t *testing.T) {
	ctx := context.Background()
	idx := newTestIndex(t, 3)

	if err := idx.Add(ctx, "near", []float32{1, 0, 0}); err != nil {
		t.Fatalf("Add failed: %v", err)
	}
	if err := idx.Add(ctx, "far", []float32{0, 1, 0}); err != nil {
		t.Fatalf("Add failed: %v", err)
	}

	hits, err := idx.Search(ctx, []float32{1, 0, 0}, 10)
	if err != nil {
		t.Fatalf("Search failed: %v", err)
	}
	if len(hits) != 2 {
		t.Fatalf("got %d hits, want 2", len(hits))
	}
	if hits[0].ID != "near" || hits[1].ID != "far" {
		t.Errorf("got order [%s, %s], want [near, far]", hits[0].ID, hits[1].ID)
	}
	if hits[0].Score <= hits[1].Score {
		t.Errorf("scores not descending: %f <= %f", hits[0].Score, hits[1].Score)
	}
	// Orthogonal unit vectors: squared distance 2, similarity 0
	if hits[1].Score != 0 {
		t.Errorf("orthogonal score = %f, want 0", hits[1].Score)
	}
}

// TestFlatIndexSoftDelete verifies that removed entries no longer appear in
// results but positions are preserved.
func TestFlatIndexSoftDelete(t *testing.T) {
	ctx := context.Background()
	idx := newTestIndex(t, 3)

	for i, id := range []string{"a", "b", "c"} {
		if err := idx.Add(ctx, id, unitVector(3, i)); err != nil {
			t.Fatalf("Add %s failed: %v", id, err)
		}
	}

	if err := idx.Remove(ctx, "b"); err != nil {
		t.Fatalf("Remove failed: %v", err)
	}

	count, err := idx.Count(ctx)
	if err != nil {
		t.Fatalf("Count failed: %v", err)
	}
	if count != 2 {
		t.Errorf("Count = %d, want 2", count)
	}

	hits, err := idx.Search(ctx, unitVector(3, 1), 10)
	if err != nil {
		t.Fatalf("Search failed: %v", err)
	}
	for _, h := range hits {
		if h.ID == "b" {
			t.Errorf("removed entry b appeared in results")
		}
	}
}

// TestFlatIndexRemoveMissing verifies that removing an absent ID is a no-op.
func TestFlatIndexRemoveMissing(t *testing.T) {
	ctx := context.Background()
	idx := newTestIndex(t, 3)

	if err := idx.Add(ctx, "a", unitVector(3, 0)); err != nil {
		t.Fatalf("Add failed: %v", err)
	}
	if err := idx.Remove(ctx, "ghost"); err != nil {
		t.Errorf("Remove of missing ID returned error: %v", err)
	}
	count, _ := idx.Count(ctx)
	if count != 1 {
		t.Errorf("Count = %d, want 1", count)
	}
}

// TestFlatIndexReAdd verifies that re-adding an ID replaces its previous
// entry rather than duplicating it.
func TestFlatIndexReAdd(t *testing.T) {
	ctx := context.Background()
	idx := newTestIndex(t, 3)

	if err := idx.Add(ctx, "a", unitVector(3, 0)); err != nil {
		t.Fatalf("Add failed: %v", err)
	}
	if err := idx.Add(ctx, "a", unitVector(3, 1)); err != nil {
		t.Fatalf("re-Add failed: %v", err)
	}

	count, _ := idx.Count(ctx)
	if count != 1 {
		t.Errorf("Count after re-add = %d, want 1", count)
	}

	hits, err := idx.Search(ctx, unitVector(3, 1), 10)
	if err != nil {
		t.Fatalf("Search failed: %v", err)
	}
	if hits[0].ID != "a" || hits[0].Score < 0.99 {
		t.Errorf("re-added vector not found at top: ID=%s score=%f", hits[0].ID, hits[0].Score)
	}
}

// TestFlatIndexEmptySearch verifies searching an empty or fully removed
// index yields no hits and no error.
func TestFlatIndexEmptySearch(t *testing.T) {
	ctx := context.Background()
	idx := newTestIndex(t, 3)

	hits, err := idx.Search(ctx, unitVector(3, 0), 10)
	if err != nil {
		t.Fatalf("Search on empty index failed: %v", err)
	}
	if len(hits) != 0 {
		t.Errorf("empty index returned %d hits, want 0", len(hits))
	}

	if err := idx.Add(ctx, "a", unitVector(3, 0)); err != nil {
		t.Fatalf("Add failed: %v", err)
	}
	if err := idx.Remove(ctx, "a"); err != nil {
		t.Fatalf("Remove failed: %v", err)
	}
	hits, err = idx.Search(ctx, unitVector(3, 0), 10)
	if err != nil {
		t.Fatalf("Search after removing all entries failed: %v", err)
	}
	if len(hits) != 0 {
		t.Errorf("fully removed index returned %d hits, want 0", len(hits))
	}
}

// TestFlatIndexDimensionMismatch verifies that adds and searches with the
// wrong dimensionality are rejected.
func TestFlatIndexDimensionMismatch(t *testing.T) {
	ctx := context.Background()
	idx := newTestIndex(t, 3)

	if err := idx.Add(ctx, "a", []float32{1, 0}); err == nil {
		t.Errorf("Add with wrong dimension succeeded")
	}
	if err := idx.Add(ctx, "a", unitVector(3, 0)); err != nil {
		t.Fatalf("Add failed: %v", err)
	}
	if _, err := idx.Search(ctx, []float32{1, 0}, 10); err == nil {
		t.Errorf("Search with wrong dimension succeeded")
	}
}

// TestFlatIndexPersistence verifies that save/load round-trips vectors and
// mapping order, and that removed entries do not survive a save.
func TestFlatIndexPersistence(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()
	indexPath := filepath.Join(dir, "vectors.bin")
	mappingPath := filepath.Join(dir, "mapping.json")

	idx := NewFlatIndex(3, indexPath, mappingPath)
	if err := idx.Initialize(ctx); err != nil {
		t.Fatalf("Initialize failed: %v", err)
	}
	for i, id := range []string{"a", "b", "c"} {
		if err := idx.Add(ctx, id, unitVector(3, i)); err != nil {
			t.Fatalf("Add %s failed: %v", id, err)
		}
	}
	if err := idx.Remove(ctx, "c"); err != nil {
		t.Fatalf("Remove failed: %v", err)
	}
	if err := idx.Save(ctx); err != nil {
		t.Fatalf("Save failed: %v", err)
	}

	reloaded := NewFlatIndex(3, indexPath, mappingPath)
	if err := reloaded.Initialize(ctx); err != nil {
		t.Fatalf("reload Initialize failed: %v", err)
	}

	count, err := reloaded.Count(ctx)
	if err != nil {
		t.Fatalf("Count failed: %v", err)
	}
	if count != 2 {
		t.Errorf("reloaded Count = %d, want 2", count)
	}

	hits, err := reloaded.Search(ctx, unitVector(3, 0), 10)
	if err != nil {
		t.Fatalf("reloaded Search failed: %v", err)
	}
	if hits[0].ID != "a" || hits[0].Score < 0.99 {
		t.Errorf("reloaded search top hit: ID=%s score=%f", hits[0].ID, hits[0].Score)
	}
	for _, h := range hits {
		if h.ID == "c" {
			t.Errorf("soft-deleted entry c survived reload")
		}
	}

	// The sidecar holds only live entries; tombstones are a runtime detail.
	persisted, err := readMapping(mappingPath)
	if err != nil {
		t.Fatalf("readMapping failed: %v", err)
	}
	if len(persisted) != 2 {
		t.Errorf("persisted mapping has %d entries, want 2 live", len(persisted))
	}
	for _, m := range persisted {
		if m.Removed {
			t.Errorf("persisted mapping contains tombstoned entry %s", m.ID)
		}
	}
}

// TestDistanceToScore verifies the distance-to-similarity mapping.
func TestDistanceToScore(t *testing.T) {
	testCases := []struct {
		name string
		dist float32
		want float32
	}{
		{name: "identical", dist: 0, want: 1},
		{name: "orthogonal", dist: 2, want: 0},
		{name: "half", dist: 1, want: 0.5},
		{name: "beyond orthogonal clamps", dist: 4, want: 0},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			got := distanceToScore(tc.dist)
			if math.Abs(float64(got-tc.want)) > 1e-6 {
				t.Errorf("distanceToScore(%f) = %f, want %f", tc.dist, got, tc.want)
			}
		})
	}
}
