package router

import (
	"loadmesh/app/handler"
	"loadmesh/app/middleware"

	"github.com/gin-gonic/gin"
)

// Router Router
type Router struct {
	runHandler *handler.RunHandler
}

// NewRouter creates a new Router
func NewRouter(runHandler *handler.RunHandler) *Router {
	return &Router{runHandler: runHandler}
}

// Setup sets up routes
func (r *Router) Setup(engine *gin.Engine) {
	engine.Use(middleware.Recovery())
	engine.Use(middleware.Logger())

	api := engine.Group("/api/v1")
	api.Use(middleware.AuthMiddleware())
	{
		runs := api.Group("/runs")
		{
			runs.POST("", r.runHandler.Create)
			runs.GET("", r.runHandler.List)
			runs.GET("/:run_id", r.runHandler.Get)
			runs.GET("/:run_id/config", r.runHandler.GetConfig)
			runs.POST("/:run_id/start", r.runHandler.Start)
			runs.POST("/:run_id/stop", r.runHandler.Stop)
			runs.POST("/:run_id/phase", r.runHandler.SetPhase)
			runs.POST("/:run_id/scale", r.runHandler.ScaleTo)
			runs.GET("/:run_id/workers", r.runHandler.GetWorkers)
			runs.GET("/:run_id/workers/:worker_id/steps", r.runHandler.GetSteps)
			runs.GET("/:run_id/result", r.runHandler.GetResult)
			runs.GET("/:run_id/live", r.runHandler.Live)
		}
	}

	// Health check
	engine.GET("/health", func(c *gin.Context) {
		c.JSON(200, gin.H{"status": "ok"})
	})
}
