package handlers

import (
	"net/http"

	"github.com/gin-gonic/gin"
)

// Health handles GET /health.
func (s *Server) Health(c *gin.Context) {
	body := gin.H{"status": "ok"}
	if s.pools != nil {
		body["workers"] = s.pools.Metrics()
	}
	if s.hub != nil {
		body["realtime_clients"] = s.hub.ClientCount()
	}
	c.JSON(http.StatusOK, body)
}
