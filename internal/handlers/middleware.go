package handlers

import (
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/example/faceshape-relay/internal/auth"
	"github.com/example/faceshape-relay/internal/logging"
)

// AccessLog logs one structured line per request, including the authenticated subject
// and the relay step that failed when a handler recorded an error.
func AccessLog(logger *zap.Logger) gin.HandlerFunc {
	logger = logger.Named("access")
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()

		fields := []zap.Field{
			zap.String("method", c.Request.Method),
			zap.String("path", c.FullPath()),
			zap.Int("status", c.Writer.Status()),
			zap.Duration("latency", time.Since(start)),
			zap.String("client_ip", c.ClientIP()),
		}
		if requestID := c.Writer.Header().Get("X-Request-ID"); requestID != "" {
			fields = append(fields, zap.String("request_id", requestID))
		}
		if subject, ok := auth.Subject(c.Request.Context()); ok {
			fields = append(fields, zap.String("subject", subject))
		}
		if last := c.Errors.Last(); last != nil {
			if op := logging.OperationOf(last.Err); op != "" {
				fields = append(fields, zap.String("failed_operation", op))
			}
		}
		switch status := c.Writer.Status(); {
		case status >= 500:
			logger.Error("request completed", fields...)
		case status >= 400:
			logger.Warn("request completed", fields...)
		default:
			logger.Info("request completed", fields...)
		}
	}
}
