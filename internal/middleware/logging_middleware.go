package middleware

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

// RequestLogger returns a gin.HandlerFunc (middleware) that logs every request
// with zap after the handler chain has run. The entry carries the method,
// path, status code, latency and client IP, plus the query string, the
// authenticated user and any gin errors when present.
func RequestLogger(logger *zap.Logger) gin.HandlerFunc {
	if logger == nil {
		// A request log is required in every deployment.
		panic("RequestLogger requires a non-nil zap.Logger instance")
	}
	return func(c *gin.Context) {
		start := time.Now()

		// Copy path and query before later handlers get a chance to rewrite the request.
		path := c.Request.URL.Path
		query := c.Request.URL.RawQuery

		// Status code and latency are only known once the chain returns.
		c.Next()

		statusCode := c.Writer.Status()
		fields := []zap.Field{
			zap.String("method", c.Request.Method),
			zap.String("path", path),
			zap.Int("status_code", statusCode),
			zap.Duration("latency", time.Since(start)),
			zap.String("client_ip", c.ClientIP()),
		}
		if query != "" {
			fields = append(fields, zap.String("query", query))
		}
		// Set by VerifyToken on authenticated routes.
		if userID := c.GetString("userID"); userID != "" {
			fields = append(fields, zap.String("userID", userID))
		}
		if len(c.Errors) > 0 {
			fields = append(fields, zap.String("gin_errors", c.Errors.String()))
		}

		// Log level follows the status class.
		switch {
		case statusCode >= http.StatusInternalServerError: // 500 and above
			logger.Error("Incoming Request", fields...)
		case statusCode >= http.StatusBadRequest: // 400 to 499
			logger.Warn("Incoming Request", fields...)
		default:
			logger.Info("Incoming Request", fields...)
		}
	}
}
