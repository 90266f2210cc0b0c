package handlers

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"krapi.io/krapi/pkg/socket"
)

// CreateCollection handles POST /projects/:projectId/collections.
func (s *Server) CreateCollection(c *gin.Context) {
	var spec socket.CollectionSpec
	if err := decodeJSON(c, &spec); err != nil {
		fail(c, err)
		return
	}
	coll, err := s.sock.CreateCollection(c.Request.Context(), c.Param("projectId"), spec)
	if err != nil {
		fail(c, err)
		return
	}
	c.JSON(http.StatusCreated, coll)
}

// GetCollection handles GET /projects/:projectId/collections/:name.
func (s *Server) GetCollection(c *gin.Context) {
	coll, err := s.sock.GetCollection(c.Request.Context(), c.Param("projectId"), c.Param("name"))
	if err != nil {
		fail(c, err)
		return
	}
	c.JSON(http.StatusOK, coll)
}

// ListCollections handles GET /projects/:projectId/collections.
func (s *Server) ListCollections(c *gin.Context) {
	out, err := s.sock.ListCollections(c.Request.Context(), c.Param("projectId"))
	if err != nil {
		fail(c, err)
		return
	}
	c.JSON(http.StatusOK, out)
}

// UpdateCollection handles PUT /projects/:projectId/collections/:name with an
// additive-only schema update.
func (s *Server) UpdateCollection(c *gin.Context) {
	var update socket.CollectionUpdate
	if err := decodeJSON(c, &update); err != nil {
		fail(c, err)
		return
	}
	coll, err := s.sock.UpdateCollection(c.Request.Context(), c.Param("projectId"), c.Param("name"), update)
	if err != nil {
		fail(c, err)
		return
	}
	c.JSON(http.StatusOK, coll)
}

// DeleteCollection handles DELETE /projects/:projectId/collections/:name.
// Refuses a non-empty collection unless ?cascade=true.
func (s *Server) DeleteCollection(c *gin.Context) {
	cascade := c.Query("cascade") == "true"
	err := s.sock.DeleteCollection(c.Request.Context(), c.Param("projectId"), c.Param("name"), cascade)
	if err != nil {
		fail(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

// ValidateSchema handles POST /projects/:projectId/collections/:name/validate-schema.
func (s *Server) ValidateSchema(c *gin.Context) {
	report, err := s.sock.ValidateSchema(c.Request.Context(), c.Param("projectId"), c.Param("name"))
	if err != nil {
		fail(c, err)
		return
	}
	c.JSON(http.StatusOK, report)
}
