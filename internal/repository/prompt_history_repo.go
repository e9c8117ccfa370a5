package repository

import (
	"context"
	"time"

	"github.com/marek/upcycle/internal/domain"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// PromptHistoryRepository handles per-user prompt history data operations.
type PromptHistoryRepository struct {
	db *gorm.DB
}

// NewPromptHistoryRepository creates a new PromptHistoryRepository.
func NewPromptHistoryRepository(db *gorm.DB) *PromptHistoryRepository {
	return &PromptHistoryRepository{db: db}
}

// Record upserts a history entry for (userID, prompt). Repeating a prompt
// bumps its recency instead of creating a duplicate row.
func (r *PromptHistoryRepository) Record(ctx context.Context, entry *domain.PromptHistoryEntry) error {
	entry.UpdatedAt = time.Now()
	return r.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "user_id"}, {Name: "prompt"}},
		DoUpdates: clause.AssignmentColumns([]string{"updated_at"}),
	}).Create(entry).Error
}

// ListRecent returns the user's most recently used prompts, newest first.
func (r *PromptHistoryRepository) ListRecent(ctx context.Context, userID string, limit int) ([]domain.PromptHistoryEntry, error) {
	var entries []domain.PromptHistoryEntry
	if err := r.db.WithContext(ctx).
		Where("user_id = ?", userID).
		Order("updated_at DESC").
		Limit(limit).
		Find(&entries).Error; err != nil {
		return nil, err
	}
	return entries, nil
}

// Delete removes a history entry if it belongs to the given user.
func (r *PromptHistoryRepository) Delete(ctx context.Context, userID, entryID string) error {
	res := r.db.WithContext(ctx).
		Where("id = ? AND user_id = ?", entryID, userID).
		Delete(&domain.PromptHistoryEntry{})
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return gorm.ErrRecordNotFound
	}
	return nil
}
