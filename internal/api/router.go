package api

import (
	"github.com/gin-gonic/gin"
	"github.com/marek/upcycle/internal/api/handler"
	"github.com/marek/upcycle/internal/api/middleware"
	"github.com/marek/upcycle/internal/config"
	"github.com/marek/upcycle/internal/logger"
	"github.com/marek/upcycle/internal/repository"
	"github.com/marek/upcycle/internal/service"
	"github.com/marek/upcycle/internal/vector"
)

// SetupRouter configures the Gin router with all routes
func SetupRouter(
	cfg *config.Config,
	log *logger.Logger,
	genService *service.GenerationService,
	projects *repository.ProjectRepository,
	history *repository.PromptHistoryRepository,
	index vector.Index,
) *gin.Engine {
	switch cfg.Server.Mode {
	case "release":
		gin.SetMode(gin.ReleaseMode)
	case "test":
		gin.SetMode(gin.TestMode)
	default:
		gin.SetMode(gin.DebugMode)
	}

	r := gin.New()

	r.Use(gin.Recovery())
	r.Use(middleware.LoggerMiddleware(log))
	r.Use(middleware.CORS(middleware.CORSConfig{
		AllowedOrigins:  cfg.Server.CORS.AllowedOrigins,
		AllowAllOrigins: cfg.Server.CORS.AllowAllOrigins,
	}))

	healthHandler := handler.NewHealthHandler()
	generateHandler := handler.NewGenerateHandler(genService, history)
	projectHandler := handler.NewProjectHandler(projects)
	streamHandler := handler.NewStreamHandler(genService)
	adminHandler := handler.NewAdminHandler(genService, projects, index)

	r.GET("/health", healthHandler.Health)

	v1 := r.Group("/api/v1")
	{
		// Generation
		v1.POST("/generate", generateHandler.Generate)
		v1.GET("/generate/stream/:id", streamHandler.Stream)

		// Prompt history
		v1.GET("/generate/history", generateHandler.History)
		v1.DELETE("/generate/history/:id", generateHandler.DeleteHistory)

		// Project records
		v1.GET("/projects/:id", projectHandler.Get)
		v1.GET("/projects/:id/status", projectHandler.Status)
		v1.POST("/projects/:id/rank", projectHandler.Rank)

		// Admin surface
		admin := v1.Group("/admin", middleware.AdminAuth(cfg.Admin.Token))
		{
			admin.POST("/generate/retry/:id", adminHandler.Retry)
			admin.GET("/generate/failed", adminHandler.ListFailed)
			admin.DELETE("/projects/:id", adminHandler.Delete)
		}
	}

	return r
}
