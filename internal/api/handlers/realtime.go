package handlers

import (
	"github.com/gin-gonic/gin"

	"krapi.io/krapi/internal/realtime"
	"krapi.io/krapi/pkg/socket"
)

// Realtime handles GET /projects/:projectId/realtime, upgrading to a
// websocket subscription for the project's change events. An optional
// ?collection= narrows the subscription.
func (s *Server) Realtime(c *gin.Context) {
	if s.hub == nil {
		fail(c, socket.Newf(socket.KindValidation, "realtime is disabled"))
		return
	}
	projectID := c.Param("projectId")
	if _, err := s.sock.GetProject(c.Request.Context(), projectID); err != nil {
		fail(c, err)
		return
	}
	sub := realtime.Subscription{
		ProjectID:  projectID,
		Collection: c.Query("collection"),
	}
	if err := s.hub.Serve(c.Writer, c.Request, sub); err != nil {
		fail(c, socket.Wrap(err, socket.KindInternal, "websocket upgrade failed"))
		return
	}
}
