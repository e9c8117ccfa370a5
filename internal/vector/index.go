package vector

import (
	"context"
	"fmt"

	"github.com/marek/upcycle/internal/config"
)

// Hit is a single similarity search result.
type Hit struct {
	ID    string  // record ID the vector belongs to
	Score float32 // similarity in [0, 1], higher is closer
}

// Index is a vector similarity index keyed by record ID.
//
// Implementations map squared L2 distance to a similarity score via
// score = 1 - dist/2, clamped to [0, 1], so callers can compare hits
// against a single threshold regardless of backend.
type Index interface {
	// Initialize prepares the index for use, loading any persisted state.
	Initialize(ctx context.Context) error

	// Add inserts a vector under the given record ID. Re-adding an ID
	// soft-deletes the previous entry and appends the new one.
	Add(ctx context.Context, id string, vec []float32) error

	// Search returns up to k live entries nearest to vec, best first. An
	// empty or fully tombstoned index yields an empty result, not an error.
	Search(ctx context.Context, vec []float32, k int) ([]Hit, error)

	// Remove soft-deletes all entries for the given record ID. Removing
	// an absent ID is a no-op.
	Remove(ctx context.Context, id string) error

	// Count reports the number of live entries.
	Count(ctx context.Context) (int, error)

	// Save persists the current index state.
	Save(ctx context.Context) error

	// Close releases resources. Save is not implied.
	Close() error
}

// New creates an Index based on the configured backend.
// Parameters:
//   - cfg: index configuration including backend selection and paths.
// Returns:
//   - Index: initialized index implementation (Initialize not yet called).
//   - error: non-nil if the backend is unknown or cannot be constructed.
func New(cfg *config.IndexConfig) (Index, error) {
	switch cfg.Backend {
	case "", "flat":
		return NewFlatIndex(cfg.Dimensions, cfg.IndexPath, cfg.MappingPath), nil
	case "qdrant":
		return NewQdrantIndex(&cfg.Qdrant, cfg.Dimensions)
	default:
		return nil, fmt.Errorf("unknown index backend: %s", cfg.Backend)
	}
}
