package handler

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/marek/upcycle/internal/domain"
	"github.com/marek/upcycle/internal/repository"
	"gorm.io/gorm"
)

// ProjectHandler handles project record endpoints.
type ProjectHandler struct {
	projects *repository.ProjectRepository
}

// NewProjectHandler creates a new project handler.
func NewProjectHandler(projects *repository.ProjectRepository) *ProjectHandler {
	return &ProjectHandler{projects: projects}
}

// Get handles GET /api/v1/projects/:id. While the record is still
// generating only a partial view is returned; a failed record surfaces as
// an error so clients retry rather than render garbage.
func (h *ProjectHandler) Get(c *gin.Context) {
	project, err := h.projects.GetByID(c.Request.Context(), c.Param("id"))
	if errors.Is(err, gorm.ErrRecordNotFound) {
		c.JSON(http.StatusNotFound, gin.H{"error": "Project not found"})
		return
	}
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}

	if project.Status == domain.ProjectStatusGenerating {
		c.JSON(http.StatusOK, gin.H{
			"project": gin.H{
				"id":          project.ID,
				"projectName": project.ProjectName,
				"status":      project.Status,
			},
			"message": "Project is still being generated. Please check status endpoint.",
		})
		return
	}

	if project.Status == domain.ProjectStatusFailed {
		c.JSON(http.StatusInternalServerError, gin.H{
			"error": "Project generation failed. Please try again.",
		})
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"project": gin.H{
			"id":             project.ID,
			"projectName":    project.ProjectName,
			"description":    project.Description,
			"materials":      project.Materials,
			"steps":          project.Steps,
			"referenceVideo": project.ReferenceVideo,
			"status":         project.Status,
			"userRating":     project.UserRating,
			"rankScore":      project.RankScore,
			"createdAt":      project.CreatedAt,
		},
	})
}

// Status handles GET /api/v1/projects/:id/status, a lightweight poll target.
func (h *ProjectHandler) Status(c *gin.Context) {
	project, err := h.projects.GetByID(c.Request.Context(), c.Param("id"))
	if errors.Is(err, gorm.ErrRecordNotFound) {
		c.JSON(http.StatusNotFound, gin.H{"error": "Project not found"})
		return
	}
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"id":          project.ID,
		"projectName": project.ProjectName,
		"status":      project.Status,
	})
}

type rankRequest struct {
	Value float64 `json:"value"`
}

// Rank handles POST /api/v1/projects/:id/rank. One vote per user, last
// write wins.
func (h *ProjectHandler) Rank(c *gin.Context) {
	userID := c.GetHeader("X-User-ID")
	if userID == "" {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "X-User-ID header is required"})
		return
	}

	var req rankRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid request: " + err.Error()})
		return
	}
	if req.Value < 0 || req.Value > 5 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Rank value must be between 0 and 5"})
		return
	}

	project, err := h.projects.SubmitRankVote(c.Request.Context(), c.Param("id"), userID, req.Value)
	if errors.Is(err, gorm.ErrRecordNotFound) {
		c.JSON(http.StatusNotFound, gin.H{"error": "Project not found"})
		return
	}
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"id":        project.ID,
		"rankScore": project.RankScore,
		"votes":     len(project.Ranks),
	})
}
