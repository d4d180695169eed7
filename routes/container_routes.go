package routes

import (
	"labdrive/controllers"
	"labdrive/middleware"

	"github.com/gin-gonic/gin"
)

func RegisterContainerRoutes(rg *gin.RouterGroup, container *ServiceContainer) {
	containerController := controllers.NewContainerController(
		container.ContainerService,
		container.PermissionService,
		container.BlobService,
		container.VersionService,
		container.Features.SubjectContainers,
	)

	containers := rg.Group("/containers")
	containers.Use(middleware.AuthMiddleware(container.JWTSecret))
	{
		containers.GET("/:level", containerController.ListContainers)
		containers.GET("/:level/:id", containerController.GetContainer)
		containers.PUT("/:level/:id", containerController.UpdateContainer)
		containers.DELETE("/:level/:id", containerController.DeleteContainer)

		containers.POST("/:level/:id/info", containerController.ModifyInfo)
		containers.GET("/:level/:id/children", containerController.GetChildren)
		containers.GET("/:level/:id/ancestors", containerController.GetAncestors)

		containers.GET("/:level/:id/files/:name/download", containerController.DownloadFile)
		containers.POST("/:level/:id/files/:name/info", containerController.ModifyFileInfo)
		containers.DELETE("/:level/:id/files/:name", containerController.DeleteFile)

		// Group creation is root-only, checked in the controller; everything
		// else needs admin on the parent.
		containers.POST("/:level", containerController.CreateContainer)
	}
}
