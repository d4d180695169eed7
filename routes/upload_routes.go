package routes

import (
	"labdrive/controllers"
	"labdrive/middleware"

	"github.com/gin-gonic/gin"
)

func RegisterUploadRoutes(rg *gin.RouterGroup, container *ServiceContainer) {
	uploadController := controllers.NewUploadController(
		container.HierarchyService,
		container.VersionService,
		container.BlobService,
		container.ContainerService,
		container.PermissionService,
	)

	upload := rg.Group("")
	upload.Use(middleware.AuthMiddleware(container.JWTSecret))
	{
		upload.POST("/upload/:strategy", uploadController.Upload)
		upload.PUT("/hierarchy/:level/:id", uploadController.UpdateHierarchy)
	}
}
