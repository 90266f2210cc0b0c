package app

import (
	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"

	"krapi.io/krapi/internal/api/handlers"
	"krapi.io/krapi/internal/api/middleware"
	"krapi.io/krapi/internal/auth"
	"krapi.io/krapi/internal/config"
	"krapi.io/krapi/internal/metric"
)

// Routes that do NOT require a credential.
var publicPrefixes = []string{
	"/health",
	"/metrics",
	"/auth/token",
}

func newRouter(cfg *config.Config, server *handlers.Server, metrics *metric.Metrics, keys *auth.Keys) *gin.Engine {
	router := gin.New()
	router.Use(
		gin.Recovery(),
		middleware.RequestID(),
		middleware.Metrics(metrics),
		middleware.ErrorHandler(),
	)
	router.Use(cors.New(cors.Config{
		AllowOrigins:     cfg.Server.CORSOrigins,
		AllowMethods:     []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
		AllowHeaders:     []string{"Origin", "Content-Type", "Authorization", "X-API-Key", middleware.ActorHeader},
		AllowCredentials: true,
	}))
	if cfg.RateLimit.RPS > 0 {
		router.Use(middleware.NewRateLimiter(cfg.RateLimit.RPS, cfg.RateLimit.Burst).Middleware())
	}

	authenticator := middleware.NewAuthenticator([]byte(cfg.Auth.SessionSecret), keys)
	router.Use(authenticator.Middleware(publicPrefixes))
	router.Use(middleware.MustContractValidator())

	registerRoutes(router, server, metrics)
	return router
}

func registerRoutes(router *gin.Engine, server *handlers.Server, metrics *metric.Metrics) {
	router.GET("/health", server.Health)
	router.GET("/metrics", gin.WrapH(metrics.Handler()))
	router.POST("/auth/token", server.IssueToken)

	router.GET("/projects", server.ListProjects)
	router.POST("/projects", server.CreateProject)
	router.GET("/projects/:projectId", server.GetProject)
	router.DELETE("/projects/:projectId", server.DeleteProject)

	router.GET("/projects/:projectId/api-keys", server.ListAPIKeys)
	router.POST("/projects/:projectId/api-keys", server.IssueAPIKey)
	router.DELETE("/projects/:projectId/api-keys/:id", server.RevokeAPIKey)

	router.GET("/projects/:projectId/collections", server.ListCollections)
	router.POST("/projects/:projectId/collections", server.CreateCollection)
	router.GET("/projects/:projectId/collections/:name", server.GetCollection)
	router.PUT("/projects/:projectId/collections/:name", server.UpdateCollection)
	router.DELETE("/projects/:projectId/collections/:name", server.DeleteCollection)
	router.POST("/projects/:projectId/collections/:name/validate-schema", server.ValidateSchema)

	router.GET("/projects/:projectId/collections/:name/documents", server.ListDocuments)
	router.POST("/projects/:projectId/collections/:name/documents", server.CreateDocument)
	router.POST("/projects/:projectId/collections/:name/documents/bulk", server.BulkCreate)
	router.PUT("/projects/:projectId/collections/:name/documents/bulk", server.BulkUpdate)
	router.POST("/projects/:projectId/collections/:name/documents/bulk-delete", server.BulkDelete)
	router.GET("/projects/:projectId/collections/:name/documents/:id", server.GetDocument)
	router.PUT("/projects/:projectId/collections/:name/documents/:id", server.UpdateDocument)
	router.DELETE("/projects/:projectId/collections/:name/documents/:id", server.DeleteDocument)

	router.POST("/projects/:projectId/collections/:name/search", server.Search)
	router.POST("/projects/:projectId/collections/:name/aggregate", server.Aggregate)

	router.GET("/projects/:projectId/realtime", server.Realtime)
}
