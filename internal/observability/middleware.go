package observability

import (
	"time"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog"
)

// observeRequests logs each admin request under node and records it in
// the http metrics. Successful /health and /metrics hits log at debug so
// scrapers do not flood the log.
func observeRequests(logger zerolog.Logger, node string) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		elapsed := time.Since(start)

		route := c.FullPath()
		if route == "" {
			route = "unmatched"
		}
		status := c.Writer.Status()
		RecordHTTPRequest(node, c.Request.Method, route, status, elapsed)

		requestEvent(logger, route, status).
			Str("node", node).
			Str("method", c.Request.Method).
			Str("route", route).
			Str("path", c.Request.URL.Path).
			Int("status", status).
			Dur("elapsed", elapsed).
			Str("remote", c.ClientIP()).
			Msg("observability.Admin request")
	}
}

func requestEvent(logger zerolog.Logger, route string, status int) *zerolog.Event {
	switch {
	case status >= 500:
		return logger.Error()
	case status >= 400:
		return logger.Warn()
	case route == "/health" || route == "/metrics":
		return logger.Debug()
	default:
		return logger.Info()
	}
}
