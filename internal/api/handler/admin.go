package handler

import (
	"errors"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
	"github.com/marek/upcycle/internal/domain"
	"github.com/marek/upcycle/internal/logger"
	"github.com/marek/upcycle/internal/repository"
	"github.com/marek/upcycle/internal/service"
	"github.com/marek/upcycle/internal/vector"
	"gorm.io/gorm"
)

// AdminHandler handles operator endpoints: regeneration, failure triage and
// record deletion.
type AdminHandler struct {
	svc      *service.GenerationService
	projects *repository.ProjectRepository
	index    vector.Index
}

// NewAdminHandler creates a new admin handler.
func NewAdminHandler(svc *service.GenerationService, projects *repository.ProjectRepository, index vector.Index) *AdminHandler {
	return &AdminHandler{svc: svc, projects: projects, index: index}
}

// Retry handles POST /api/v1/admin/generate/retry/:id. With ?wait=true the
// request blocks until generation finishes; otherwise it returns 202 and
// runs in the background.
func (h *AdminHandler) Retry(c *gin.Context) {
	wait := c.Query("wait") == "true"

	project, err := h.svc.Retry(c.Request.Context(), c.Param("id"), wait)
	if err != nil {
		if errors.Is(err, service.ErrLockHeld) {
			c.JSON(http.StatusConflict, gin.H{"error": "Generation already in progress for this project"})
			return
		}
		writeServiceError(c, err)
		return
	}

	if wait {
		c.JSON(http.StatusOK, gin.H{"project": project})
		return
	}
	c.JSON(http.StatusAccepted, gin.H{
		"id":     project.ID,
		"status": domain.ProjectStatusGenerating,
	})
}

// ListFailed handles GET /api/v1/admin/generate/failed with pagination.
func (h *AdminHandler) ListFailed(c *gin.Context) {
	page, err := strconv.Atoi(c.DefaultQuery("page", "1"))
	if err != nil || page < 1 {
		page = 1
	}
	limit, err := strconv.Atoi(c.DefaultQuery("limit", "20"))
	if err != nil || limit < 1 {
		limit = 20
	}
	if limit > 100 {
		limit = 100
	}

	projects, total, err := h.projects.ListByStatus(c.Request.Context(), domain.ProjectStatusFailed, (page-1)*limit, limit)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}

	items := make([]gin.H, len(projects))
	for i, p := range projects {
		items[i] = gin.H{
			"id":          p.ID,
			"projectName": p.ProjectName,
			"description": p.Description,
			"inputPrompt": p.InputPrompt,
			"status":      p.Status,
			"createdAt":   p.CreatedAt,
			"updatedAt":   p.UpdatedAt,
		}
	}

	c.JSON(http.StatusOK, gin.H{
		"page":     page,
		"limit":    limit,
		"total":    total,
		"projects": items,
	})
}

// Delete handles DELETE /api/v1/admin/projects/:id. Removing a record also
// soft-deletes its vectors so stale hits cannot surface.
func (h *AdminHandler) Delete(c *gin.Context) {
	ctx := c.Request.Context()
	id := c.Param("id")

	err := h.projects.Delete(ctx, id)
	if errors.Is(err, gorm.ErrRecordNotFound) {
		c.JSON(http.StatusNotFound, gin.H{"error": "Project not found"})
		return
	}
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}

	if err := h.index.Remove(ctx, id); err != nil {
		logger.CtxError(ctx, "failed to remove project from index: %v", err)
	} else if err := h.index.Save(ctx); err != nil {
		logger.CtxError(ctx, "failed to persist vector index after delete: %v", err)
	}

	c.JSON(http.StatusOK, gin.H{"success": true})
}
