// internal/middleware/logging_middleware.go
package middleware

import (
	"time"

	"github.com/gin-gonic/gin"

	"picoammeter-service/internal/observability"
	"picoammeter-service/internal/utils"
)

// LoggingMiddleware logs every request and counts it by matched route
func LoggingMiddleware(logger *utils.ServiceLogger, metrics *observability.Metrics) gin.HandlerFunc {
	return func(c *gin.Context) {
		startTime := time.Now()
		c.Next()
		duration := time.Since(startTime)

		logger.LogAPIRequest(
			c.Request.Method,
			c.Request.URL.Path,
			c.Request.UserAgent(),
			c.ClientIP(),
			c.Writer.Status(),
			duration,
		)

		if metrics != nil {
			route := c.FullPath()
			if route == "" {
				route = "unmatched"
			}
			metrics.ObserveRequest(c.Request.Method, route, c.Writer.Status())
		}
	}
}
