package handlers

import (
	"encoding/json"
	"net/http"
	"strconv"
	"strings"

	"github.com/gin-gonic/gin"

	"krapi.io/krapi/pkg/socket"
)

// CreateDocument handles POST .../documents.
func (s *Server) CreateDocument(c *gin.Context) {
	var data map[string]any
	if err := decodeJSON(c, &data); err != nil {
		fail(c, err)
		return
	}
	doc, err := s.sock.CreateDocument(c.Request.Context(), c.Param("projectId"), c.Param("name"), data)
	if err != nil {
		fail(c, err)
		return
	}
	c.JSON(http.StatusCreated, doc)
}

// GetDocument handles GET .../documents/:id.
func (s *Server) GetDocument(c *gin.Context) {
	doc, err := s.sock.GetDocument(c.Request.Context(), c.Param("projectId"), c.Param("name"), c.Param("id"))
	if err != nil {
		fail(c, err)
		return
	}
	c.JSON(http.StatusOK, doc)
}

// UpdateDocument handles PUT .../documents/:id with a partial payload.
func (s *Server) UpdateDocument(c *gin.Context) {
	var data map[string]any
	if err := decodeJSON(c, &data); err != nil {
		fail(c, err)
		return
	}
	doc, err := s.sock.UpdateDocument(c.Request.Context(), c.Param("projectId"), c.Param("name"), c.Param("id"), data)
	if err != nil {
		fail(c, err)
		return
	}
	c.JSON(http.StatusOK, doc)
}

// DeleteDocument handles DELETE .../documents/:id.
func (s *Server) DeleteDocument(c *gin.Context) {
	opts := socket.DeleteOptions{DeletedBy: c.Query("deleted_by")}
	err := s.sock.DeleteDocument(c.Request.Context(), c.Param("projectId"), c.Param("name"), c.Param("id"), opts)
	if err != nil {
		fail(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

// ListDocuments handles GET .../documents. An explicit limit of zero returns
// the count envelope with no page, which is how remote CountDocuments rides
// this route.
func (s *Server) ListDocuments(c *gin.Context) {
	ctx := c.Request.Context()
	projectID, name := c.Param("projectId"), c.Param("name")

	opts := socket.ListOptions{
		OrderBy:        c.Query("order_by"),
		OrderDirection: socket.OrderDirection(c.Query("order_direction")),
	}
	limitGiven := false
	if v := c.Query("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			fail(c, socket.Validationf("limit", "limit must be an integer"))
			return
		}
		opts.Limit = n
		limitGiven = true
	}
	if v := c.Query("offset"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			fail(c, socket.Validationf("offset", "offset must be an integer"))
			return
		}
		opts.Offset = n
	}
	if v := c.Query("filter"); v != "" {
		var f socket.Filter
		dec := json.NewDecoder(strings.NewReader(v))
		dec.UseNumber()
		if err := dec.Decode(&f); err != nil {
			fail(c, socket.Validationf("filter", "filter is not valid JSON: %v", err))
			return
		}
		opts.Filter = &f
	}

	if limitGiven && opts.Limit == 0 {
		total, err := s.sock.CountDocuments(ctx, projectID, name, opts.Filter)
		if err != nil {
			fail(c, err)
			return
		}
		c.JSON(http.StatusOK, socket.DocumentPage{
			Documents: []socket.Document{},
			Total:     total,
			Offset:    opts.Offset,
		})
		return
	}

	page, err := s.sock.ListDocuments(ctx, projectID, name, opts)
	if err != nil {
		fail(c, err)
		return
	}
	c.JSON(http.StatusOK, page)
}

type bulkCreateRequest struct {
	Items []map[string]any `json:"items"`
}

type bulkUpdateRequest struct {
	Items []socket.BulkUpdateItem `json:"items"`
}

type bulkDeleteRequest struct {
	IDs       []string `json:"ids"`
	DeletedBy string   `json:"deleted_by"`
}

// BulkCreate handles POST .../documents/bulk. Per-item atomicity: the
// response enumerates created documents and per-index errors.
func (s *Server) BulkCreate(c *gin.Context) {
	var req bulkCreateRequest
	if err := decodeJSON(c, &req); err != nil {
		fail(c, err)
		return
	}
	res, err := s.sock.BulkCreate(c.Request.Context(), c.Param("projectId"), c.Param("name"), req.Items)
	if err != nil {
		fail(c, err)
		return
	}
	c.JSON(http.StatusOK, res)
}

// BulkUpdate handles PUT .../documents/bulk.
func (s *Server) BulkUpdate(c *gin.Context) {
	var req bulkUpdateRequest
	if err := decodeJSON(c, &req); err != nil {
		fail(c, err)
		return
	}
	res, err := s.sock.BulkUpdate(c.Request.Context(), c.Param("projectId"), c.Param("name"), req.Items)
	if err != nil {
		fail(c, err)
		return
	}
	c.JSON(http.StatusOK, res)
}

// BulkDelete handles POST .../documents/bulk-delete.
func (s *Server) BulkDelete(c *gin.Context) {
	var req bulkDeleteRequest
	if err := decodeJSON(c, &req); err != nil {
		fail(c, err)
		return
	}
	opts := socket.DeleteOptions{DeletedBy: req.DeletedBy}
	res, err := s.sock.BulkDelete(c.Request.Context(), c.Param("projectId"), c.Param("name"), req.IDs, opts)
	if err != nil {
		fail(c, err)
		return
	}
	c.JSON(http.StatusOK, res)
}

// Search handles POST .../search.
func (s *Server) Search(c *gin.Context) {
	var req socket.SearchRequest
	if err := decodeJSON(c, &req); err != nil {
		fail(c, err)
		return
	}
	docs, err := s.sock.Search(c.Request.Context(), c.Param("projectId"), c.Param("name"), req.Text, req.Fields)
	if err != nil {
		fail(c, err)
		return
	}
	c.JSON(http.StatusOK, docs)
}

// Aggregate handles POST .../aggregate.
func (s *Server) Aggregate(c *gin.Context) {
	var req socket.AggregateRequest
	if err := decodeJSON(c, &req); err != nil {
		fail(c, err)
		return
	}
	res, err := s.sock.Aggregate(c.Request.Context(), c.Param("projectId"), c.Param("name"), req)
	if err != nil {
		fail(c, err)
		return
	}
	c.JSON(http.StatusOK, res)
}
