package routes

import (
	"labdrive/controllers"
	"labdrive/middleware"

	"github.com/gin-gonic/gin"
)

func RegisterGearRoutes(rg *gin.RouterGroup, container *ServiceContainer) {
	gearController := controllers.NewGearController(container.GearService)

	gears := rg.Group("/gears")
	gears.Use(middleware.AuthMiddleware(container.JWTSecret))
	{
		gears.GET("", gearController.ListGears)
		gears.GET("/:id", gearController.GetGear)
		gears.GET("/name/:name/versions", gearController.GetGearVersions)
		gears.POST("", middleware.RequireRoot(), gearController.RegisterGear)
	}
}
