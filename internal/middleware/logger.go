package middleware

import (
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

func Logger(logger *zap.Logger) gin.HandlerFunc {
	logger = logger.Named("http")

	return func(c *gin.Context) {
		start := time.Now()
		path := c.Request.URL.Path
		method := c.Request.Method

		c.Next()

		latency := time.Since(start)
		statusCode := c.Writer.Status()

		fields := []zap.Field{
			zap.String("request_id", c.GetString(RequestIDKey)),
			zap.String("method", method),
			zap.String("path", path),
			zap.Int("status", statusCode),
			zap.Duration("latency", latency),
			zap.String("client_ip", c.ClientIP()),
		}
		if deployment := c.Param("deployment"); deployment != "" {
			fields = append(fields, zap.String("deployment_id", deployment))
		}

		switch {
		case statusCode >= 500:
			logger.Error("request", fields...)
		case statusCode == 429:
			// Expected backpressure, keep it out of info logs
			logger.Debug("request", fields...)
		default:
			logger.Info("request", fields...)
		}
	}
}
