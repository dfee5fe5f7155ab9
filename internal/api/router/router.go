package router

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/lexatlas/contentgen/internal/api/handler"
)

// SetupRouter configures and returns the Gin router with all routes
func SetupRouter(deps *handler.Dependencies) *gin.Engine {
	r := gin.New()

	// Middleware
	r.Use(gin.Recovery())
	r.Use(LoggerMiddleware(deps.Logger))
	r.Use(CORSMiddleware())

	// Health check endpoint
	r.GET("/health", func(c *gin.Context) {
		if deps.DBHealth != nil {
			if err := deps.DBHealth.HealthCheck(c.Request.Context()); err != nil {
				c.JSON(http.StatusServiceUnavailable, gin.H{
					"status": "unhealthy",
					"error":  err.Error(),
				})
				return
			}
		}
		c.JSON(http.StatusOK, gin.H{
			"status":  "healthy",
			"service": "contentgen-api-service",
		})
	})

	topicHandler := handler.NewTopicHandler(deps)

	// API v1 routes
	v1 := r.Group("/api/v1")
	{
		topics := v1.Group("/topics")
		{
			// POST /api/v1/topics - Register a topic for generation
			topics.POST("", topicHandler.CreateTopic)

			// GET /api/v1/topics - List topic jobs with filtering
			topics.GET("", topicHandler.ListTopics)

			// GET /api/v1/topics/:job_id - Get job state and payload
			topics.GET("/:job_id", topicHandler.GetTopic)

			// POST /api/v1/topics/:job_id/generate - Start or queue generation
			topics.POST("/:job_id/generate", topicHandler.GenerateTopic)
		}
	}

	return r
}
