package repository

import (
	"context"
	"time"

	"github.com/marek/upcycle/internal/domain"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// PromptCacheRepository handles prompt-to-results cache data operations.
type PromptCacheRepository struct {
	db *gorm.DB
}

// NewPromptCacheRepository creates a new PromptCacheRepository.
func NewPromptCacheRepository(db *gorm.DB) *PromptCacheRepository {
	return &PromptCacheRepository{db: db}
}

// Get looks up a cache entry by exact prompt and bumps its recency stamp.
// Returns gorm.ErrRecordNotFound when there is no entry.
func (r *PromptCacheRepository) Get(ctx context.Context, prompt string) (*domain.PromptCacheEntry, error) {
	var entry domain.PromptCacheEntry
	if err := r.db.WithContext(ctx).First(&entry, "prompt = ?", prompt).Error; err != nil {
		return nil, err
	}

	entry.LastAccessedAt = time.Now()
	if err := r.db.WithContext(ctx).Model(&domain.PromptCacheEntry{}).
		Where("id = ?", entry.ID).
		Update("last_accessed_at", entry.LastAccessedAt).Error; err != nil {
		return nil, err
	}
	return &entry, nil
}

// Put upserts a cache entry keyed by prompt. An existing entry for the same
// prompt has its result set, embedding and recency stamp replaced.
func (r *PromptCacheRepository) Put(ctx context.Context, entry *domain.PromptCacheEntry) error {
	entry.LastAccessedAt = time.Now()
	return r.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns: []clause.Column{{Name: "prompt"}},
		DoUpdates: clause.AssignmentColumns([]string{
			"result_project_ids", "embedding", "last_accessed_at", "updated_at",
		}),
	}).Create(entry).Error
}
