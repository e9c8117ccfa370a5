package repository

import (
	"context"
	"fmt"
	"time"

	"github.com/marek/upcycle/internal/domain"
	"gorm.io/gorm"
)

// ProjectRepository handles project record data operations.
type ProjectRepository struct {
	db *gorm.DB
}

// NewProjectRepository creates a new ProjectRepository.
// Parameters:
//   - db: GORM database handle used for queries.
// Returns:
//   - *ProjectRepository: repository instance bound to db.
func NewProjectRepository(db *gorm.DB) *ProjectRepository {
	return &ProjectRepository{db: db}
}

// Create inserts a new project record.
func (r *ProjectRepository) Create(ctx context.Context, project *domain.Project) error {
	return r.db.WithContext(ctx).Create(project).Error
}

// Update saves all fields of an existing project record.
func (r *ProjectRepository) Update(ctx context.Context, project *domain.Project) error {
	return r.db.WithContext(ctx).Save(project).Error
}

// GetByID retrieves a project by its ID.
// Parameters:
//   - ctx: context for cancellation and deadlines.
//   - id: project ID.
// Returns:
//   - *domain.Project: project record if found.
//   - error: gorm.ErrRecordNotFound if missing, other errors on failure.
func (r *ProjectRepository) GetByID(ctx context.Context, id string) (*domain.Project, error) {
	var project domain.Project
	if err := r.db.WithContext(ctx).First(&project, "id = ?", id).Error; err != nil {
		return nil, err
	}
	return &project, nil
}

// GetByIDs retrieves multiple projects by their IDs.
func (r *ProjectRepository) GetByIDs(ctx context.Context, ids []string) ([]domain.Project, error) {
	if len(ids) == 0 {
		return nil, nil
	}
	var projects []domain.Project
	if err := r.db.WithContext(ctx).Where("id IN ?", ids).Find(&projects).Error; err != nil {
		return nil, err
	}
	return projects, nil
}

// GetByNameAndPrompt retrieves a project by its name and originating prompt.
// Used to resume a record created by the names-only pass.
func (r *ProjectRepository) GetByNameAndPrompt(ctx context.Context, name, prompt string) (*domain.Project, error) {
	var project domain.Project
	if err := r.db.WithContext(ctx).
		First(&project, "project_name = ? AND input_prompt = ?", name, prompt).Error; err != nil {
		return nil, err
	}
	return &project, nil
}

// ListByStatus returns projects with the given status, most recently updated
// first, paginated.
func (r *ProjectRepository) ListByStatus(ctx context.Context, status domain.ProjectStatus, offset, limit int) ([]domain.Project, int64, error) {
	var total int64
	q := r.db.WithContext(ctx).Model(&domain.Project{}).Where("status = ?", status)
	if err := q.Count(&total).Error; err != nil {
		return nil, 0, err
	}

	var projects []domain.Project
	if err := q.Order("updated_at DESC").Offset(offset).Limit(limit).Find(&projects).Error; err != nil {
		return nil, 0, err
	}
	return projects, total, nil
}

// AcquireGenerationLock attempts to take the per-record generation lock with
// a single conditional update. The WHERE clause carries the compare half of
// the compare-and-set, so two workers racing on the same record resolve at
// the storage layer: exactly one sees RowsAffected == 1.
// Parameters:
//   - ctx: context for cancellation and deadlines.
//   - id: project ID to lock.
//   - owner: identifier of the acquiring worker ("background", "stream", ...).
// Returns:
//   - bool: true if the lock was acquired by this call.
//   - error: non-nil on storage failure.
func (r *ProjectRepository) AcquireGenerationLock(ctx context.Context, id, owner string) (bool, error) {
	now := time.Now()
	res := r.db.WithContext(ctx).Model(&domain.Project{}).
		Where("id = ? AND generation_lock = ?", id, false).
		Updates(map[string]interface{}{
			"generation_lock":       true,
			"generation_by":         owner,
			"generation_started_at": now,
		})
	if res.Error != nil {
		return false, fmt.Errorf("failed to acquire generation lock: %w", res.Error)
	}
	return res.RowsAffected == 1, nil
}

// ReleaseGenerationLock clears the generation lock unconditionally.
// Callers defer this so the lock is released on every exit path.
func (r *ProjectRepository) ReleaseGenerationLock(ctx context.Context, id string) error {
	return r.db.WithContext(ctx).Model(&domain.Project{}).
		Where("id = ?", id).
		Updates(map[string]interface{}{
			"generation_lock":       false,
			"generation_by":         "",
			"generation_started_at": nil,
		}).Error
}

// SetStatus updates only the status column of a project.
func (r *ProjectRepository) SetStatus(ctx context.Context, id string, status domain.ProjectStatus) error {
	return r.db.WithContext(ctx).Model(&domain.Project{}).
		Where("id = ?", id).
		Update("status", status).Error
}

// MarkFailed sets status=failed together with a diagnostic description.
func (r *ProjectRepository) MarkFailed(ctx context.Context, id, reason string) error {
	return r.db.WithContext(ctx).Model(&domain.Project{}).
		Where("id = ?", id).
		Updates(map[string]interface{}{
			"status":      domain.ProjectStatusFailed,
			"description": reason,
		}).Error
}

// SaveGenerated writes the generated content fields and marks the record
// completed in one update.
func (r *ProjectRepository) SaveGenerated(ctx context.Context, project *domain.Project) error {
	return r.db.WithContext(ctx).Model(&domain.Project{}).
		Where("id = ?", project.ID).
		Updates(map[string]interface{}{
			"project_name":    project.ProjectName,
			"description":     project.Description,
			"materials":       project.Materials,
			"steps":           project.Steps,
			"reference_video": project.ReferenceVideo,
			"status":          domain.ProjectStatusCompleted,
		}).Error
}

// SubmitRankVote records a user's vote, replacing any prior vote by the same
// user, and recomputes the mean rank score. Last write wins per user.
func (r *ProjectRepository) SubmitRankVote(ctx context.Context, id, userID string, value float64) (*domain.Project, error) {
	var project domain.Project
	err := r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.First(&project, "id = ?", id).Error; err != nil {
			return err
		}

		replaced := false
		for i := range project.Ranks {
			if project.Ranks[i].UserID == userID {
				project.Ranks[i].Value = value
				replaced = true
				break
			}
		}
		if !replaced {
			project.Ranks = append(project.Ranks, domain.RankVote{UserID: userID, Value: value})
		}
		project.RecomputeRankScore()
		// The scoring input tracks the community mean, not whoever voted
		// last.
		project.UserRating = project.RankScore

		return tx.Model(&domain.Project{}).Where("id = ?", id).
			Updates(map[string]interface{}{
				"ranks":       project.Ranks,
				"rank_score":  project.RankScore,
				"user_rating": project.UserRating,
			}).Error
	})
	if err != nil {
		return nil, err
	}
	return &project, nil
}

// Delete removes a project record. The caller is responsible for the
// matching vector-index soft-delete.
func (r *ProjectRepository) Delete(ctx context.Context, id string) error {
	res := r.db.WithContext(ctx).Delete(&domain.Project{}, "id = ?", id)
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return gorm.ErrRecordNotFound
	}
	return nil
}

// ListCompletedWithEmbedding streams completed projects that carry an
// embedding, in batches. Used by index rebuilds.
func (r *ProjectRepository) ListCompletedWithEmbedding(ctx context.Context, batchSize int, fn func([]domain.Project) error) error {
	var batch []domain.Project
	return r.db.WithContext(ctx).
		Where("status = ?", domain.ProjectStatusCompleted).
		Where("embedding IS NOT NULL AND embedding != '' AND embedding != '[]'").
		FindInBatches(&batch, batchSize, func(tx *gorm.DB, _ int) error {
			return fn(batch)
		}).Error
}
