// Package httpmw carries the gin middleware shared by the gateway's
// HTTP surfaces.
package httpmw

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/agentdock/agentdock/internal/common/logger"
)

// RequestLogger emits one structured line per request once the handler
// chain finishes. Server errors log at error level so they surface in
// production; everything else stays at debug.
func RequestLogger(log *logger.Logger, serverName string) gin.HandlerFunc {
	access := log.WithFields(zap.String("server", serverName))

	return func(c *gin.Context) {
		start := time.Now()
		c.Next()

		route := c.FullPath()
		if route == "" {
			route = c.Request.URL.Path
		}
		status := c.Writer.Status()

		fields := []zap.Field{
			zap.String("method", c.Request.Method),
			zap.String("path", route),
			zap.Int("status", status),
			zap.Int64("duration_ms", time.Since(start).Milliseconds()),
			zap.Int("bytes", max(c.Writer.Size(), 0)),
		}
		if len(c.Errors) > 0 {
			fields = append(fields, zap.String("errors", c.Errors.String()))
		}

		if status >= http.StatusInternalServerError {
			access.Error("http", fields...)
			return
		}
		access.Debug("http", fields...)
	}
}
