package handler

import (
	"context"
	"fmt"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"

	"mpcrelay/internal/dispatch"
	"mpcrelay/internal/fault"
	"mpcrelay/internal/middleware"
)

// MaxRequestBytes bounds an operation request body. Inputs travel as
// storage references, so bodies stay small.
const MaxRequestBytes = 1 << 20

// Dispatcher processes operation requests
type Dispatcher interface {
	Dispatch(ctx context.Context, req dispatch.Request) *dispatch.Result
}

// OperationHandler exposes the dispatcher over HTTP
type OperationHandler struct {
	dispatcher Dispatcher
	logger     *logrus.Logger
}

// NewOperationHandler creates a new OperationHandler
func NewOperationHandler(dispatcher Dispatcher, logger *logrus.Logger) *OperationHandler {
	return &OperationHandler{
		dispatcher: dispatcher,
		logger:     logger,
	}
}

// Run handles POST requests carrying an operation request. The HTTP status
// mirrors the result status.
func (h *OperationHandler) Run(c *gin.Context) {
	c.Request.Body = http.MaxBytesReader(c.Writer, c.Request.Body, MaxRequestBytes)

	var req dispatch.Request
	if err := c.ShouldBindJSON(&req); err != nil {
		h.logger.WithError(err).WithField("request_id", middleware.RequestID(c)).Debug("Malformed operation request")
		kind := fault.KindBadRequest
		c.JSON(fault.HTTPStatus(kind), &dispatch.Result{
			Status: fault.HTTPStatus(kind),
			Error:  fmt.Sprintf("%v: %v", fault.ErrBadRequest, err),
			Kind:   kind,
		})
		return
	}
	req.RequestID = middleware.RequestID(c)

	res := h.dispatcher.Dispatch(c.Request.Context(), req)
	c.JSON(res.Status, res)
}

// RegisterOperationRoutes registers operation routes on router
func (h *OperationHandler) RegisterOperationRoutes(router *gin.RouterGroup) {
	router.POST("/operations", h.Run)
}
