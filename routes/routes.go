package routes

import (
	"context"

	"labdrive/services"

	"github.com/gin-gonic/gin"
	"go.mongodb.org/mongo-driver/mongo"
)

// B2Config holds the blob storage configuration.
type B2Config struct {
	KeyID          string
	ApplicationKey string
	BucketName     string
}

// FeatureFlags carries the toggles routing and services need.
type FeatureFlags struct {
	SubjectContainers bool
	Multiproject      bool
}

// ServiceContainer holds all services and dependencies.
type ServiceContainer struct {
	DB        *mongo.Database
	JWTSecret string
	Features  FeatureFlags

	ContainerService  *services.ContainerService
	PermissionService *services.PermissionService
	TemplateService   *services.TemplateService
	HierarchyService  *services.HierarchyService
	VersionService    *services.FileVersionService
	ResolverService   *services.ResolverService
	GearService       *services.GearService
	BlobService       *services.BlobService
}

// NewServiceContainer wires every service against the shared database and
// blob bucket.
func NewServiceContainer(ctx context.Context, db *mongo.Database, jwtSecret string, b2Config B2Config, features FeatureFlags) (*ServiceContainer, error) {
	blobService, err := services.NewBlobService(ctx, b2Config.KeyID, b2Config.ApplicationKey, b2Config.BucketName)
	if err != nil {
		return nil, err
	}

	containerService := services.NewContainerService(db)
	permissionService := services.NewPermissionService()
	templateService := services.NewTemplateService(db)
	hierarchyService := services.NewHierarchyService(db, containerService, permissionService, templateService, features.Multiproject)
	versionService := services.NewFileVersionService(containerService)
	gearService := services.NewGearService(db)
	resolverService := services.NewResolverService(containerService, gearService, features.SubjectContainers)

	return &ServiceContainer{
		DB:                db,
		JWTSecret:         jwtSecret,
		Features:          features,
		ContainerService:  containerService,
		PermissionService: permissionService,
		TemplateService:   templateService,
		HierarchyService:  hierarchyService,
		VersionService:    versionService,
		ResolverService:   resolverService,
		GearService:       gearService,
		BlobService:       blobService,
	}, nil
}

// SetupRoutesWithContainer configures all API routes using a service
// container.
func SetupRoutesWithContainer(api *gin.RouterGroup, container *ServiceContainer) {
	RegisterContainerRoutes(api, container)
	RegisterResolveRoutes(api, container)
	RegisterUploadRoutes(api, container)
	RegisterGearRoutes(api, container)
}
