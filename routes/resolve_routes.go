package routes

import (
	"labdrive/controllers"
	"labdrive/middleware"

	"github.com/gin-gonic/gin"
)

func RegisterResolveRoutes(rg *gin.RouterGroup, container *ServiceContainer) {
	resolveController := controllers.NewResolveController(container.ResolverService)

	resolve := rg.Group("")
	resolve.Use(middleware.AuthMiddleware(container.JWTSecret))
	{
		resolve.POST("/resolve", resolveController.Resolve)
		resolve.POST("/lookup", resolveController.Lookup)
	}
}
