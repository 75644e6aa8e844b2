package http

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	apperrors "github.com/agentdock/agentdock/internal/common/errors"
	"github.com/agentdock/agentdock/internal/common/logger"
)

// respondError maps a service error onto an HTTP response. AppErrors carry
// their own status and a client-safe message; anything else is logged and
// reported as an opaque 500.
func respondError(c *gin.Context, log *logger.Logger, err error) {
	var appErr *apperrors.AppError
	if errors.As(err, &appErr) {
		if appErr.HTTPStatus >= http.StatusInternalServerError {
			log.Error("Request failed",
				zap.String("path", c.Request.URL.Path),
				zap.Error(err),
			)
		}
		c.JSON(appErr.HTTPStatus, gin.H{"error": appErr.Message, "code": appErr.Code})
		return
	}

	log.Error("Request failed",
		zap.String("path", c.Request.URL.Path),
		zap.Error(err),
	)
	c.JSON(http.StatusInternalServerError, gin.H{"error": "request failed"})
}

// respondBadRequest reports a request binding failure.
func respondBadRequest(c *gin.Context, err error) {
	c.JSON(http.StatusBadRequest, gin.H{"error": err.Error(), "code": apperrors.ErrCodeBadRequest})
}
