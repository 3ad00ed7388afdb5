package api

import (
	"log/slog"
	"time"

	"github.com/gin-gonic/gin"
)

// requestLogger logs one line per request. The stream endpoint is skipped
// because a WebSocket request stays open for the lifetime of the client.
func requestLogger() gin.HandlerFunc {
	return func(c *gin.Context) {
		if c.FullPath() == "/ws" {
			c.Next()
			return
		}

		start := time.Now()
		c.Next()

		slog.Info("HTTP request",
			"method", c.Request.Method,
			"path", c.Request.URL.Path,
			"status", c.Writer.Status(),
			"duration_ms", time.Since(start).Milliseconds())
	}
}
