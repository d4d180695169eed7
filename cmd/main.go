package main

import (
	"log"
	"net/http"
	"os"
	"path/filepath"
	"time"

	"labdrive/config"
	"labdrive/jobs"
	"labdrive/routes"
	"labdrive/utils"

	"github.com/gin-gonic/gin"
	"github.com/joho/godotenv"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
)

func main() {
	// Load .env before config so its values are visible to LoadConfig.
	loadEnvFile()

	utils.InitLogger()
	config.LoadConfig()
	cfg := config.AppConfig

	ctx, cancel := config.CreateContext(10 * time.Second)
	defer cancel()

	mongoClient, err := mongo.Connect(ctx, options.Client().ApplyURI(cfg.MongoURI))
	if err != nil {
		utils.LogFatal("Failed to connect to MongoDB", err)
	}

	defer func() {
		disconnectCtx, disconnectCancel := config.CreateContext(5 * time.Second)
		defer disconnectCancel()
		if err = mongoClient.Disconnect(disconnectCtx); err != nil {
			utils.LogError("Failed to disconnect MongoDB", err)
		}
	}()

	if err = mongoClient.Ping(ctx, nil); err != nil {
		utils.LogFatal("Failed to ping MongoDB", err)
	}

	utils.LogInfo("Connected to MongoDB successfully")

	db := mongoClient.Database(cfg.DatabaseName)
	config.DB = db

	serviceContainer, err := routes.NewServiceContainer(ctx, db, cfg.JWTSecret,
		routes.B2Config{
			KeyID:          cfg.B2ApplicationKeyID,
			ApplicationKey: cfg.B2ApplicationKey,
			BucketName:     cfg.B2BucketName,
		},
		routes.FeatureFlags{
			SubjectContainers: cfg.SubjectContainers,
			Multiproject:      cfg.Multiproject,
		})
	if err != nil {
		utils.LogFatal("Failed to initialize services", err)
	}

	router := gin.Default()
	router.Use(corsMiddleware(cfg.AllowedOrigins))

	api := router.Group("/api")
	routes.SetupRoutesWithContainer(api, serviceContainer)

	router.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{
			"status": "ok",
			"time":   time.Now().UTC(),
		})
	})

	if cfg.FilePurgeInterval > 0 {
		purger := jobs.NewFilePurger(db, serviceContainer.BlobService, cfg.FileRetention)
		go purger.Start(cfg.FilePurgeInterval)
		utils.LogInfo("Started file purge job running every %v", cfg.FilePurgeInterval)
	}

	utils.LogInfo("Starting labdrive server on port %s", cfg.Port)
	if err := router.Run(":" + cfg.Port); err != nil {
		utils.LogFatal("Failed to start server", err)
	}
}

// loadEnvFile handles loading .env from the usual locations.
func loadEnvFile() {
	pwd, err := os.Getwd()
	if err != nil {
		log.Printf("Could not get working directory: %v", err)
		return
	}

	envPaths := []string{
		".env",
		"../.env",
		filepath.Join(pwd, ".env"),
		filepath.Join(filepath.Dir(pwd), ".env"),
	}

	for _, envPath := range envPaths {
		if _, err := os.Stat(envPath); err == nil {
			if err := godotenv.Load(envPath); err == nil {
				log.Printf("Loaded environment variables from: %s", envPath)
				return
			}
		}
	}

	log.Println("No .env file found, using system environment variables")
}

func corsMiddleware(allowedOrigins []string) gin.HandlerFunc {
	return func(c *gin.Context) {
		requestOrigin := c.Request.Header.Get("Origin")

		allowOrigin := ""
		if len(allowedOrigins) == 0 {
			allowOrigin = "*"
		} else {
			for _, allowedOrigin := range allowedOrigins {
				if allowedOrigin == "*" || allowedOrigin == requestOrigin {
					allowOrigin = allowedOrigin
					break
				}
			}
			if allowOrigin == "" && requestOrigin == "" {
				allowOrigin = allowedOrigins[0]
			}
		}

		if allowOrigin != "" {
			c.Writer.Header().Set("Access-Control-Allow-Origin", allowOrigin)
			c.Writer.Header().Set("Access-Control-Allow-Credentials", "true")
			c.Writer.Header().Set("Access-Control-Allow-Headers", "Content-Type, Content-Length, Accept-Encoding, X-CSRF-Token, Authorization, accept, origin, Cache-Control, X-Requested-With")
			c.Writer.Header().Set("Access-Control-Allow-Methods", "POST, OPTIONS, GET, PUT, PATCH, DELETE")
			c.Writer.Header().Set("Access-Control-Max-Age", "86400")
		}

		if c.Request.Method == http.MethodOptions {
			c.AbortWithStatus(http.StatusNoContent)
			return
		}

		c.Next()
	}
}
