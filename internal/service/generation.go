package service

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/marek/upcycle/internal/config"
	"github.com/marek/upcycle/internal/domain"
	"github.com/marek/upcycle/internal/logger"
	"github.com/marek/upcycle/internal/materials"
	"github.com/marek/upcycle/internal/repository"
	"github.com/marek/upcycle/internal/vector"
	"gorm.io/gorm"
)

// ProjectGenerator is the LLM surface the orchestrator depends on.
type ProjectGenerator interface {
	GenerateNames(ctx context.Context, userPrompt string) ([]string, error)
	GenerateDetails(ctx context.Context, projectName, userPrompt string) (*ProjectPayload, error)
	StreamDetails(ctx context.Context, projectName, userPrompt string, onDelta func(fragment string, accumulated int)) (*ProjectPayload, error)
}

// GenerationService orchestrates the request pipeline: prompt cache lookup,
// materials normalization, embedding, vector search, and lock-guarded
// background generation against the LLM backend.
type GenerationService struct {
	cfg      *config.GenerateConfig
	llmCfg   *config.LLMConfig
	projects *repository.ProjectRepository
	cache    *repository.PromptCacheRepository
	history  *repository.PromptHistoryRepository
	embedder Embedder
	llm      ProjectGenerator
	index    vector.Index
}

// NewGenerationService creates a new generation orchestrator.
func NewGenerationService(
	cfg *config.GenerateConfig,
	llmCfg *config.LLMConfig,
	projects *repository.ProjectRepository,
	cache *repository.PromptCacheRepository,
	history *repository.PromptHistoryRepository,
	embedder Embedder,
	llm ProjectGenerator,
	index vector.Index,
) *GenerationService {
	return &GenerationService{
		cfg:      cfg,
		llmCfg:   llmCfg,
		projects: projects,
		cache:    cache,
		history:  history,
		embedder: embedder,
		llm:      llm,
		index:    index,
	}
}

// GenerateResult is the immediate response to a generation request. When
// Cached is false and records carry status generating, full details arrive
// via the stream or status endpoints later.
type GenerateResult struct {
	Projects []domain.Project
	Cached   bool
}

// Generate handles one materials prompt end to end. It returns quickly:
// cached or similar-enough existing projects when available, otherwise
// placeholder records whose details are filled in by a background worker.
// Parameters:
//   - ctx: request context.
//   - userPrompt: raw materials text.
//   - userID: optional authenticated user for prompt history, "" to skip.
// Returns:
//   - *GenerateResult: projects plus cache provenance.
//   - error: ErrBadInput for unusable prompts, upstream or storage errors.
func (s *GenerationService) Generate(ctx context.Context, userPrompt, userID string) (*GenerateResult, error) {
	prompt := strings.TrimSpace(userPrompt)
	if prompt == "" {
		return nil, fmt.Errorf("%w: empty materials prompt", ErrBadInput)
	}

	s.recordHistory(ctx, userID, prompt)

	// Exact-text cache first. Semantically identical prompts phrased
	// differently miss here and are caught by the vector search below.
	if cached, err := s.cache.Get(ctx, prompt); err == nil && len(cached.ResultProjectIDs) > 0 {
		projects, err := s.projects.GetByIDs(ctx, cached.ResultProjectIDs)
		if err == nil && len(projects) > 0 {
			logger.With(logger.Fields{logger.FieldCount: len(projects)}).
				Info(ctx, "serving cached prompt result")
			return &GenerateResult{Projects: projects, Cached: true}, nil
		}
	}

	keywords := materials.Normalize(prompt)
	if len(keywords) == 0 {
		return nil, fmt.Errorf("%w: could not extract materials from input", ErrBadInput)
	}

	embedding, err := s.embedder.EmbedMaterials(ctx, keywords)
	if err != nil {
		return nil, fmt.Errorf("failed to embed materials: %w", err)
	}

	matches, err := s.searchSimilar(ctx, embedding)
	if err != nil {
		return nil, err
	}

	if len(matches) >= s.cfg.MinMatches && matches[0].SimilarityScore >= s.cfg.SimilarityThreshold {
		projects := make([]domain.Project, len(matches))
		ids := make([]string, len(matches))
		for i, m := range matches {
			projects[i] = m.Project
			ids[i] = m.Project.ID
		}
		s.upsertCache(ctx, prompt, ids, embedding)
		return &GenerateResult{Projects: projects, Cached: false}, nil
	}

	// Not enough confident matches: fast names-only pass, then background
	// detail generation.
	names, err := s.llm.GenerateNames(ctx, prompt)
	if err != nil {
		return nil, err
	}

	created := make([]domain.Project, 0, len(names))
	ids := make([]string, 0, len(names))
	var pending []domain.Project
	for _, name := range names {
		// A previous request for the same prompt may already have a record
		// under this name; reuse it instead of creating a duplicate. A
		// reused failed record goes back to generating before it is queued,
		// so neither the response nor a watching stream sees a terminal
		// status while the worker is on it.
		if existing, err := s.projects.GetByNameAndPrompt(ctx, name, prompt); err == nil {
			if existing.Status != domain.ProjectStatusCompleted {
				if existing.Status != domain.ProjectStatusGenerating {
					if err := s.projects.SetStatus(ctx, existing.ID, domain.ProjectStatusGenerating); err != nil {
						return nil, fmt.Errorf("failed to requeue existing project: %w", err)
					}
					existing.Status = domain.ProjectStatusGenerating
				}
				pending = append(pending, *existing)
			}
			created = append(created, *existing)
			ids = append(ids, existing.ID)
			continue
		}

		project := domain.Project{
			ID:                  uuid.NewString(),
			ProjectName:         name,
			NormalizedMaterials: keywords,
			Embedding:           embedding,
			InputPrompt:         prompt,
			Status:              domain.ProjectStatusGenerating,
		}
		if err := s.projects.Create(ctx, &project); err != nil {
			return nil, fmt.Errorf("failed to create project record: %w", err)
		}
		created = append(created, project)
		ids = append(ids, project.ID)
		pending = append(pending, project)
	}
	s.upsertCache(ctx, prompt, ids, embedding)

	if len(pending) > 0 {
		go s.generateSequentially(pending, prompt)
	}

	return &GenerateResult{Projects: created, Cached: false}, nil
}

// searchSimilar queries the vector index and ranks completed projects above
// the similarity threshold by combined similarity and rating.
func (s *GenerationService) searchSimilar(ctx context.Context, embedding []float32) ([]domain.ProjectSearchResult, error) {
	hits, err := s.index.Search(ctx, embedding, s.cfg.SearchK)
	if err != nil {
		return nil, fmt.Errorf("vector search failed: %w", err)
	}
	if len(hits) == 0 {
		return nil, nil
	}

	ids := make([]string, len(hits))
	for i, h := range hits {
		ids[i] = h.ID
	}
	projects, err := s.projects.GetByIDs(ctx, ids)
	if err != nil {
		return nil, fmt.Errorf("failed to load candidate projects: %w", err)
	}

	byID := make(map[string]*domain.Project, len(projects))
	for i := range projects {
		byID[projects[i].ID] = &projects[i]
	}

	var results []domain.ProjectSearchResult
	for _, h := range hits {
		project, ok := byID[h.ID]
		if !ok || project.Status != domain.ProjectStatusCompleted {
			continue
		}
		if h.Score < s.cfg.SimilarityThreshold {
			continue
		}
		results = append(results, domain.ProjectSearchResult{
			Project:         *project,
			SimilarityScore: h.Score,
			FinalScore:      FinalScore(h.Score, project.UserRating),
		})
	}

	sort.SliceStable(results, func(i, j int) bool {
		return results[i].FinalScore > results[j].FinalScore
	})
	if len(results) > s.cfg.MaxResults {
		results = results[:s.cfg.MaxResults]
	}
	return results, nil
}

// generateSequentially runs detail generation for freshly created records
// one at a time, so a single slow local model is never hit concurrently.
// A failed record does not stop the rest.
func (s *GenerationService) generateSequentially(projects []domain.Project, prompt string) {
	ctx := logger.SetComponent(context.Background(), "generation-worker")

	for i := range projects {
		project := &projects[i]
		ctx := logger.SetRecordID(ctx, project.ID)

		acquired, err := s.projects.AcquireGenerationLock(ctx, project.ID, "background")
		if err != nil {
			logger.CtxError(ctx, "lock acquisition failed: %v", err)
			continue
		}
		if !acquired {
			logger.CtxInfo(ctx, "skipping %s, lock held by another worker", project.ProjectName)
			continue
		}

		if err := s.generateWithRetry(ctx, project, prompt); err != nil {
			logger.CtxError(ctx, "generation failed for %s: %v", project.ProjectName, err)
		}
	}
}

// generateWithRetry runs the full-detail LLM pass with bounded retries and
// linear backoff. The generation lock must be held; it is released on every
// exit path. On terminal failure the record is marked failed with the
// diagnostic message.
func (s *GenerationService) generateWithRetry(ctx context.Context, project *domain.Project, prompt string) error {
	defer func() {
		if err := s.projects.ReleaseGenerationLock(ctx, project.ID); err != nil {
			logger.CtxError(ctx, "failed to release generation lock: %v", err)
		}
	}()

	var lastErr error
	for attempt := 0; attempt <= s.llmCfg.MaxRetries; attempt++ {
		if attempt > 0 {
			wait := s.llmCfg.RetryBackoff * time.Duration(attempt)
			logger.With(logger.Fields{logger.FieldAttempt: attempt + 1}).
				Info(ctx, "retrying generation for %s in %s", project.ProjectName, wait)
			select {
			case <-time.After(wait):
			case <-ctx.Done():
				lastErr = ctx.Err()
				return s.markFailed(ctx, project, lastErr)
			}
		}

		attemptCtx, cancel := context.WithTimeout(ctx, s.llmCfg.Timeout)
		payload, err := s.llm.GenerateDetails(attemptCtx, project.ProjectName, prompt)
		cancel()
		if err == nil {
			return s.completeProject(ctx, project, payload)
		}
		lastErr = err

		var ue *UpstreamError
		if errors.As(err, &ue) && !ue.Retryable() {
			break
		}
	}
	return s.markFailed(ctx, project, lastErr)
}

// completeProject persists generated content and adds the record's
// embedding to the vector index so future similar prompts find it.
func (s *GenerationService) completeProject(ctx context.Context, project *domain.Project, payload *ProjectPayload) error {
	if payload.ProjectName != "" {
		project.ProjectName = payload.ProjectName
	}
	project.Description = payload.Description
	project.Materials = payload.Materials
	project.Steps = payload.Steps
	project.ReferenceVideo = payload.ReferenceVideo
	project.Status = domain.ProjectStatusCompleted

	if err := s.projects.SaveGenerated(ctx, project); err != nil {
		return fmt.Errorf("failed to save generated project: %w", err)
	}

	if len(project.Embedding) > 0 {
		if err := s.index.Add(ctx, project.ID, project.Embedding); err != nil {
			logger.CtxError(ctx, "failed to index completed project: %v", err)
		} else if err := s.index.Save(ctx); err != nil {
			logger.CtxError(ctx, "failed to persist vector index: %v", err)
		}
	}

	logger.CtxInfo(ctx, "completed generation for %s", project.ProjectName)
	return nil
}

func (s *GenerationService) markFailed(ctx context.Context, project *domain.Project, cause error) error {
	reason := "generation failed"
	if cause != nil {
		reason = "Generation failed: " + cause.Error()
	}
	if err := s.projects.MarkFailed(ctx, project.ID, reason); err != nil {
		logger.CtxError(ctx, "failed to mark project failed: %v", err)
	}
	if cause == nil {
		cause = errors.New(reason)
	}
	return cause
}

func (s *GenerationService) upsertCache(ctx context.Context, prompt string, ids []string, embedding []float32) {
	err := s.cache.Put(ctx, &domain.PromptCacheEntry{
		ID:               uuid.NewString(),
		Prompt:           prompt,
		ResultProjectIDs: ids,
		Embedding:        embedding,
	})
	if err != nil {
		logger.CtxError(ctx, "failed to upsert prompt cache: %v", err)
	}
}

// recordHistory saves the prompt to the user's history. Best effort, never
// blocks or fails the main flow.
func (s *GenerationService) recordHistory(ctx context.Context, userID, prompt string) {
	if userID == "" {
		return
	}
	err := s.history.Record(ctx, &domain.PromptHistoryEntry{
		ID:     uuid.NewString(),
		UserID: userID,
		Prompt: prompt,
	})
	if err != nil {
		logger.CtxWarn(ctx, "failed to record prompt history: %v", err)
	}
}

// Retry re-runs detail generation for an existing record, recomputing
// materials and embedding when the record predates them. When wait is true
// the call blocks until generation finishes; otherwise it runs in the
// background and the caller polls.
func (s *GenerationService) Retry(ctx context.Context, projectID string, wait bool) (*domain.Project, error) {
	project, err := s.projects.GetByID(ctx, projectID)
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	if project.ProjectName == "" {
		return nil, fmt.Errorf("%w: project has no name to regenerate", ErrBadInput)
	}

	keywords := project.NormalizedMaterials
	if len(keywords) == 0 {
		keywords = materials.Normalize(project.InputPrompt)
	}
	if len(keywords) == 0 {
		return nil, fmt.Errorf("%w: no materials available to regenerate this project", ErrBadInput)
	}

	embedding := []float32(project.Embedding)
	if len(embedding) == 0 {
		embedding, err = s.embedder.EmbedMaterials(ctx, keywords)
		if err != nil {
			return nil, fmt.Errorf("failed to compute embedding for retry: %w", err)
		}
	}

	project.NormalizedMaterials = keywords
	project.Embedding = embedding
	project.Status = domain.ProjectStatusGenerating
	if err := s.projects.Update(ctx, project); err != nil {
		return nil, err
	}

	// Acquire the lock before deciding sync or async, so a concurrently
	// generating record is reported as a conflict either way.
	acquired, err := s.projects.AcquireGenerationLock(ctx, project.ID, "retry")
	if err != nil {
		return nil, err
	}
	if !acquired {
		return nil, ErrLockHeld
	}

	if wait {
		if err := s.generateWithRetry(ctx, project, project.InputPrompt); err != nil {
			return nil, err
		}
		return s.projects.GetByID(ctx, project.ID)
	}

	go func() {
		bgCtx := logger.SetRecordID(logger.SetComponent(context.Background(), "retry-worker"), project.ID)
		if err := s.generateWithRetry(bgCtx, project, project.InputPrompt); err != nil {
			logger.CtxError(bgCtx, "background regeneration failed: %v", err)
		}
	}()
	return project, nil
}
