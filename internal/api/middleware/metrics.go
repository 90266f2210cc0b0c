package middleware

import (
	"time"

	"github.com/gin-gonic/gin"

	"krapi.io/krapi/internal/metric"
)

// Metrics records request counts and latency per route template, so path
// parameters do not explode the label space.
func Metrics(m *metric.Metrics) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		route := c.FullPath()
		if route == "" {
			route = "unmatched"
		}
		m.ObserveRequest(c.Request.Method, route, c.Writer.Status(), time.Since(start))
	}
}
