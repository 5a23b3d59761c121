package routes

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"

	"mpcrelay/internal/handler"
	"mpcrelay/internal/storage"
)

// Config holds the configuration for routes
type Config struct {
	Dispatcher handler.Dispatcher
	Storage    storage.Backend
	Logger     *logrus.Logger
}

// SetupRoutes configures all the routes for the application
func SetupRoutes(router *gin.Engine, config *Config) {
	logger := config.Logger
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	if config.Storage == nil || config.Dispatcher == nil {
		logger.Fatal("Storage and dispatcher must be configured")
	}

	operationHandler := handler.NewOperationHandler(config.Dispatcher, logger)
	artifactHandler := handler.NewArtifactHandler(config.Storage, logger)

	router.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{
			"status":   "ok",
			"provider": config.Storage.Provider(),
			"target":   config.Storage.Target(),
		})
	})

	// The root path accepts operation requests as well
	router.POST("/", operationHandler.Run)

	v1 := router.Group("/v1")
	operationHandler.RegisterOperationRoutes(v1)
	artifactHandler.RegisterArtifactRoutes(v1)

	router.NoRoute(func(c *gin.Context) {
		c.JSON(http.StatusNotFound, gin.H{
			"error": "Not Found",
		})
	})
}
