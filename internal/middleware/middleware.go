package middleware

import (
	"time"

	"github.com/gin-gonic/gin"
	"github.com/lizcirble/shakabackend/internal/logging"
	"github.com/lizcirble/shakabackend/internal/metrics"
)

// Logger returns a Gin middleware that logs request details and records
// the HTTP metrics.
func Logger(logger logging.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		path := c.Request.URL.Path

		c.Next()

		latency := time.Since(start)
		status := c.Writer.Status()

		endpoint := c.FullPath()
		if endpoint == "" {
			endpoint = "unmatched"
		}
		metrics.HTTPRequestsTotal.WithLabelValues(c.Request.Method, endpoint, statusText(status)).Inc()
		metrics.HTTPRequestDuration.WithLabelValues(c.Request.Method, endpoint).Observe(latency.Seconds())

		kv := []any{
			"method", c.Request.Method,
			"path", path,
			"status", status,
			"client_ip", c.ClientIP(),
			"latency", latency.String(),
		}
		if len(c.Errors) > 0 {
			kv = append(kv, "errors", c.Errors.String())
		}
		switch {
		case status >= 500:
			logger.Error("request", kv...)
		case status >= 400:
			logger.Warn("request", kv...)
		default:
			logger.Info("request", kv...)
		}
	}
}

func statusText(code int) string {
	switch {
	case code >= 500:
		return "5xx"
	case code >= 400:
		return "4xx"
	case code >= 300:
		return "3xx"
	default:
		return "2xx"
	}
}
