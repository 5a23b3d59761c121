package handler

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"

	"mpcrelay/internal/fault"
	"mpcrelay/internal/storage"
)

// ArtifactHandler serves and purges stored artifacts of a user
type ArtifactHandler struct {
	backend storage.Backend
	logger  *logrus.Logger
}

// NewArtifactHandler creates a new ArtifactHandler
func NewArtifactHandler(backend storage.Backend, logger *logrus.Logger) *ArtifactHandler {
	return &ArtifactHandler{
		backend: backend,
		logger:  logger,
	}
}

// GetArtifact handles GET requests for a single artifact of a user
func (h *ArtifactHandler) GetArtifact(c *gin.Context) {
	user, key := c.Param("user"), c.Param("key")

	session, err := storage.NewSession(h.backend, user)
	if err != nil {
		h.fail(c, err)
		return
	}

	content, err := session.Get(c.Request.Context(), key)
	if err != nil {
		h.logger.WithFields(logrus.Fields{
			"user": user,
			"key":  key,
		}).WithError(err).Warn("Failed to read artifact")
		h.fail(c, err)
		return
	}

	c.Data(http.StatusOK, "application/octet-stream", content)
}

// DeleteArtifacts handles DELETE requests that purge a user's namespace
func (h *ArtifactHandler) DeleteArtifacts(c *gin.Context) {
	user := c.Param("user")

	session, err := storage.NewSession(h.backend, user)
	if err != nil {
		h.fail(c, err)
		return
	}

	h.logger.WithFields(logrus.Fields{
		"user":   user,
		"prefix": storage.UserPrefix(user),
	}).Info("Deleting artifacts by prefix")

	count, err := session.Purge(c.Request.Context())
	if err != nil {
		h.logger.WithError(err).Error("Failed to delete artifacts")
		h.fail(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"message": "Artifacts deleted",
		"deleted": count,
	})
}

// RegisterArtifactRoutes registers artifact routes on router
func (h *ArtifactHandler) RegisterArtifactRoutes(router *gin.RouterGroup) {
	router.GET("/artifacts/:user/:key", h.GetArtifact)
	router.DELETE("/artifacts/:user", h.DeleteArtifacts)
}

func (h *ArtifactHandler) fail(c *gin.Context, err error) {
	kind := fault.KindOf(err)
	c.JSON(fault.HTTPStatus(kind), gin.H{
		"error": err.Error(),
		"kind":  kind,
	})
}
