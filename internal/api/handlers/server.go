// Package handlers implements the HTTP surface of the Krapi server. Every
// handler is a thin shim over the local socket adapter: decode, call, encode.
// Error mapping lives in the middleware chain, which is why handlers record
// errors with c.Error instead of writing responses themselves.
package handlers

import (
	"encoding/json"

	"github.com/gin-gonic/gin"

	"krapi.io/krapi/internal/auth"
	"krapi.io/krapi/internal/pkg/worker"
	"krapi.io/krapi/internal/realtime"
	"krapi.io/krapi/pkg/socket"
)

// ServerDeps wires the handler dependencies.
type ServerDeps struct {
	Socket        socket.Socket
	Keys          *auth.Keys
	Tokens        auth.TokenConfig
	Hub           *realtime.Hub
	Pools         *worker.Pools
	SessionSecret string
}

// Server holds all route handlers.
type Server struct {
	sock          socket.Socket
	keys          *auth.Keys
	tokens        auth.TokenConfig
	hub           *realtime.Hub
	pools         *worker.Pools
	sessionSecret string
}

// NewServer creates the handler set.
func NewServer(deps ServerDeps) *Server {
	return &Server{
		sock:          deps.Socket,
		keys:          deps.Keys,
		tokens:        deps.Tokens,
		hub:           deps.Hub,
		pools:         deps.Pools,
		sessionSecret: deps.SessionSecret,
	}
}

// decodeJSON reads a request body preserving number precision, so values
// reach the engine in the same canonical form the local adapter produces.
func decodeJSON(c *gin.Context, out any) error {
	dec := json.NewDecoder(c.Request.Body)
	dec.UseNumber()
	if err := dec.Decode(out); err != nil {
		return socket.Validationf("", "invalid request body: %v", err)
	}
	return nil
}

// fail records an error for the error-handling middleware and aborts.
func fail(c *gin.Context, err error) {
	_ = c.Error(err)
	c.Abort()
}
