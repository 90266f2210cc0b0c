package handlers

import (
	"net/http"

	"github.com/gin-gonic/gin"
)

type projectRequest struct {
	Name string `json:"name"`
}

// CreateProject handles POST /projects.
func (s *Server) CreateProject(c *gin.Context) {
	var req projectRequest
	if err := decodeJSON(c, &req); err != nil {
		fail(c, err)
		return
	}
	p, err := s.sock.CreateProject(c.Request.Context(), req.Name)
	if err != nil {
		fail(c, err)
		return
	}
	c.JSON(http.StatusCreated, p)
}

// GetProject handles GET /projects/:projectId.
func (s *Server) GetProject(c *gin.Context) {
	p, err := s.sock.GetProject(c.Request.Context(), c.Param("projectId"))
	if err != nil {
		fail(c, err)
		return
	}
	c.JSON(http.StatusOK, p)
}

// ListProjects handles GET /projects.
func (s *Server) ListProjects(c *gin.Context) {
	out, err := s.sock.ListProjects(c.Request.Context())
	if err != nil {
		fail(c, err)
		return
	}
	c.JSON(http.StatusOK, out)
}

// DeleteProject handles DELETE /projects/:projectId. Cascades to every
// collection and document in the project.
func (s *Server) DeleteProject(c *gin.Context) {
	if err := s.sock.DeleteProject(c.Request.Context(), c.Param("projectId")); err != nil {
		fail(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

type apiKeyRequest struct {
	Name string `json:"name"`
}

// IssueAPIKey handles POST /projects/:projectId/api-keys. The key material is
// in the response exactly once; only its hash is stored.
func (s *Server) IssueAPIKey(c *gin.Context) {
	var req apiKeyRequest
	if err := decodeJSON(c, &req); err != nil {
		fail(c, err)
		return
	}
	key, secret, err := s.keys.Issue(c.Request.Context(), c.Param("projectId"), req.Name)
	if err != nil {
		fail(c, err)
		return
	}
	c.JSON(http.StatusCreated, gin.H{"key": key, "api_key": secret})
}

// ListAPIKeys handles GET /projects/:projectId/api-keys.
func (s *Server) ListAPIKeys(c *gin.Context) {
	out, err := s.keys.List(c.Request.Context(), c.Param("projectId"))
	if err != nil {
		fail(c, err)
		return
	}
	c.JSON(http.StatusOK, out)
}

// RevokeAPIKey handles DELETE /projects/:projectId/api-keys/:id.
func (s *Server) RevokeAPIKey(c *gin.Context) {
	if err := s.keys.Revoke(c.Request.Context(), c.Param("id")); err != nil {
		fail(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}
