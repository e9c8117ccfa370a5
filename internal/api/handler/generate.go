package handler

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/marek/upcycle/internal/domain"
	"github.com/marek/upcycle/internal/repository"
	"github.com/marek/upcycle/internal/service"
	"gorm.io/gorm"
)

// GenerateHandler handles generation requests and prompt history.
type GenerateHandler struct {
	svc     *service.GenerationService
	history *repository.PromptHistoryRepository
}

// NewGenerateHandler creates a new generate handler.
func NewGenerateHandler(svc *service.GenerationService, history *repository.PromptHistoryRepository) *GenerateHandler {
	return &GenerateHandler{svc: svc, history: history}
}

type generateRequest struct {
	Materials string `json:"materials"`
}

type projectSummary struct {
	ID             string               `json:"id"`
	ProjectName    string               `json:"projectName"`
	Description    string               `json:"description"`
	Materials      domain.MaterialList  `json:"materials"`
	Steps          domain.StepList      `json:"steps"`
	ReferenceVideo string               `json:"referenceVideo"`
	Status         domain.ProjectStatus `json:"status"`
}

func summarize(projects []domain.Project) []projectSummary {
	out := make([]projectSummary, len(projects))
	for i, p := range projects {
		out[i] = projectSummary{
			ID:             p.ID,
			ProjectName:    p.ProjectName,
			Description:    p.Description,
			Materials:      p.Materials,
			Steps:          p.Steps,
			ReferenceVideo: p.ReferenceVideo,
			Status:         p.Status,
		}
		if out[i].Materials == nil {
			out[i].Materials = domain.MaterialList{}
		}
		if out[i].Steps == nil {
			out[i].Steps = domain.StepList{}
		}
	}
	return out
}

// Generate handles POST /api/v1/generate.
// Parameters:
//   - c: Gin request context carrying {"materials": "..."} and an optional
//     X-User-ID header for prompt history.
// Returns: none (writes JSON response).
func (h *GenerateHandler) Generate(c *gin.Context) {
	var req generateRequest
	if err := c.ShouldBindJSON(&req); err != nil || req.Materials == "" {
		c.JSON(http.StatusBadRequest, gin.H{
			"error": "Please provide a materials string in the request body",
		})
		return
	}

	userID := c.GetHeader("X-User-ID")
	result, err := h.svc.Generate(c.Request.Context(), req.Materials, userID)
	if err != nil {
		writeServiceError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"projects": summarize(result.Projects),
		"cached":   result.Cached,
	})
}

// History handles GET /api/v1/generate/history, returning the caller's most
// recent prompts.
func (h *GenerateHandler) History(c *gin.Context) {
	userID := c.GetHeader("X-User-ID")
	if userID == "" {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "X-User-ID header is required"})
		return
	}

	entries, err := h.history.ListRecent(c.Request.Context(), userID, 5)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to fetch prompt history"})
		return
	}

	prompts := make([]gin.H, len(entries))
	for i, e := range entries {
		prompts[i] = gin.H{
			"id":        e.ID,
			"prompt":    e.Prompt,
			"updatedAt": e.UpdatedAt,
		}
	}
	c.JSON(http.StatusOK, gin.H{"prompts": prompts})
}

// DeleteHistory handles DELETE /api/v1/generate/history/:id.
func (h *GenerateHandler) DeleteHistory(c *gin.Context) {
	userID := c.GetHeader("X-User-ID")
	if userID == "" {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "X-User-ID header is required"})
		return
	}

	err := h.history.Delete(c.Request.Context(), userID, c.Param("id"))
	if errors.Is(err, gorm.ErrRecordNotFound) {
		c.JSON(http.StatusNotFound, gin.H{"error": "Prompt not found"})
		return
	}
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to delete prompt entry"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"success": true})
}

// writeServiceError maps service failures onto the response envelope:
// unusable input is the caller's fault, missing records are 404, upstream
// model failures are a bad gateway, everything else is internal.
func writeServiceError(c *gin.Context, err error) {
	switch {
	case errors.Is(err, service.ErrBadInput):
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
	case errors.Is(err, service.ErrNotFound):
		c.JSON(http.StatusNotFound, gin.H{"error": "Project not found"})
	default:
		var ue *service.UpstreamError
		if errors.As(err, &ue) {
			c.JSON(http.StatusBadGateway, gin.H{"error": ue.Error()})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
	}
}
