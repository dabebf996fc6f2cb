// README: Request logging on the shared zap logger.
package middleware

import (
	"time"

	"github.com/gin-gonic/gin"

	"fleetfare/internal/logger"
)

func Logging(log logger.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()

		fields := []logger.Field{
			logger.String("method", c.Request.Method),
			logger.String("path", c.FullPath()),
			logger.Int("status", c.Writer.Status()),
			logger.Int64("duration_ms", time.Since(start).Milliseconds()),
		}
		if tenant := c.GetString(ContextTenantID); tenant != "" {
			fields = append(fields, logger.String("tenant_id", tenant))
		}
		if len(c.Errors) > 0 {
			fields = append(fields, logger.String("errors", c.Errors.String()))
		}

		if c.Writer.Status() >= 500 {
			log.Error("request", fields...)
			return
		}
		log.Info("request", fields...)
	}
}
