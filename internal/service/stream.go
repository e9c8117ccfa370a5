package service

import (
	"context"
	"errors"
	"time"

	"github.com/marek/upcycle/internal/domain"
	"github.com/marek/upcycle/internal/logger"
	"gorm.io/gorm"
)

// Stream event names emitted while a client watches generation.
const (
	EventStatus   = "status"
	EventProgress = "progress"
	EventComplete = "complete"
	EventError    = "error"
)

// EmitFunc delivers one server-sent event to the client. A non-nil error
// means the client is gone and streaming should stop.
type EmitFunc func(event string, data interface{}) error

// StatusEvent is the payload for status keepalives.
type StatusEvent struct {
	Status  string `json:"status"`
	Message string `json:"message"`
}

// ProgressEvent is the payload for incremental model output.
type ProgressEvent struct {
	Content     string `json:"content"`
	Accumulated int    `json:"accumulated"`
}

// CompleteEvent carries the finished record.
type CompleteEvent struct {
	Project *domain.Project `json:"project"`
}

// ErrorEvent carries a terminal failure message.
type ErrorEvent struct {
	Message string `json:"message"`
}

// AttachStream watches generation of one record and emits SSE events until
// it finishes. If no worker holds the generation lock, this call acquires
// it and streams the LLM response itself, emitting progress fragments as
// they arrive. If another worker is generating, it polls the record until
// completion, failure, or timeout.
func (s *GenerationService) AttachStream(ctx context.Context, projectID string, emit EmitFunc) {
	ctx = logger.SetRecordID(logger.SetComponent(ctx, "stream"), projectID)

	project, err := s.projects.GetByID(ctx, projectID)
	if errors.Is(err, gorm.ErrRecordNotFound) {
		emit(EventError, ErrorEvent{Message: "Project not found"})
		return
	}
	if err != nil {
		emit(EventError, ErrorEvent{Message: err.Error()})
		return
	}

	if project.Status == domain.ProjectStatusCompleted {
		emit(EventComplete, CompleteEvent{Project: project})
		return
	}

	if err := emit(EventStatus, StatusEvent{
		Status:  string(domain.ProjectStatusGenerating),
		Message: "Generating details for " + project.ProjectName + "...",
	}); err != nil {
		return
	}

	// A worker already on it: watch from the outside.
	if project.Status == domain.ProjectStatusGenerating && project.GenerationLock {
		s.pollUntilDone(ctx, projectID, emit)
		return
	}

	acquired, err := s.projects.AcquireGenerationLock(ctx, projectID, "stream")
	if err != nil {
		emit(EventError, ErrorEvent{Message: err.Error()})
		return
	}
	if !acquired {
		// Lost the race; the winner clears the lock when done.
		emit(EventStatus, StatusEvent{
			Status:  string(domain.ProjectStatusGenerating),
			Message: "Another worker is generating details; waiting...",
		})
		s.pollUntilDone(ctx, projectID, emit)
		return
	}

	s.streamOwnGeneration(ctx, project, emit)
}

// streamOwnGeneration runs the LLM streaming call while holding the
// generation lock, relaying fragments to the client.
func (s *GenerationService) streamOwnGeneration(ctx context.Context, project *domain.Project, emit EmitFunc) {
	defer func() {
		// Release with a fresh context: the request context is cancelled
		// when the client disconnects, and the lock must clear regardless.
		releaseCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := s.projects.ReleaseGenerationLock(releaseCtx, project.ID); err != nil {
			logger.CtxError(ctx, "failed to release generation lock after stream: %v", err)
		}
	}()

	if err := s.projects.SetStatus(ctx, project.ID, domain.ProjectStatusGenerating); err != nil {
		emit(EventError, ErrorEvent{Message: err.Error()})
		return
	}

	llmCtx, cancel := context.WithTimeout(ctx, s.llmCfg.Timeout)
	defer cancel()

	payload, err := s.llm.StreamDetails(llmCtx, project.ProjectName, project.InputPrompt, func(fragment string, accumulated int) {
		emit(EventProgress, ProgressEvent{Content: fragment, Accumulated: accumulated})
	})
	if err != nil {
		logger.CtxError(ctx, "streamed generation failed: %v", err)
		failCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if markErr := s.projects.MarkFailed(failCtx, project.ID, "Stream error: "+err.Error()); markErr != nil {
			logger.CtxError(ctx, "failed to mark project failed after stream error: %v", markErr)
		}
		emit(EventError, ErrorEvent{Message: err.Error()})
		return
	}

	if err := s.completeProject(ctx, project, payload); err != nil {
		emit(EventError, ErrorEvent{Message: err.Error()})
		return
	}

	updated, err := s.projects.GetByID(ctx, project.ID)
	if err != nil {
		updated = project
	}
	emit(EventComplete, CompleteEvent{Project: updated})
}

// pollUntilDone watches the record at the configured interval and emits the
// terminal event, bounded by the generation timeout.
func (s *GenerationService) pollUntilDone(ctx context.Context, projectID string, emit EmitFunc) {
	deadline := time.Now().Add(s.llmCfg.Timeout)
	ticker := time.NewTicker(s.cfg.PollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}

		current, err := s.projects.GetByID(ctx, projectID)
		if errors.Is(err, gorm.ErrRecordNotFound) {
			emit(EventError, ErrorEvent{Message: "Project disappeared"})
			return
		}
		if err != nil {
			emit(EventError, ErrorEvent{Message: "Error polling project status"})
			return
		}

		switch current.Status {
		case domain.ProjectStatusCompleted:
			emit(EventComplete, CompleteEvent{Project: current})
			return
		case domain.ProjectStatusFailed:
			emit(EventError, ErrorEvent{Message: "Project generation failed"})
			return
		}

		if time.Now().After(deadline) {
			emit(EventError, ErrorEvent{Message: "Timed out waiting for generation"})
			return
		}

		if err := emit(EventStatus, StatusEvent{
			Status:  string(domain.ProjectStatusGenerating),
			Message: "Waiting for background generation to finish...",
		}); err != nil {
			return
		}
	}
}
