package handlers

import (
	"crypto/subtle"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"krapi.io/krapi/internal/auth"
	"krapi.io/krapi/pkg/socket"
)

type tokenRequest struct {
	Subject string `json:"subject"`
	Secret  string `json:"secret"`
}

type tokenResponse struct {
	Token     string    `json:"token"`
	ExpiresAt time.Time `json:"expires_at"`
}

// IssueToken handles POST /auth/token. Token minting is guarded by the
// server's session secret; there is no user directory in this system, so the
// secret is the sole operator credential.
func (s *Server) IssueToken(c *gin.Context) {
	var req tokenRequest
	if err := decodeJSON(c, &req); err != nil {
		fail(c, err)
		return
	}
	if req.Subject == "" {
		fail(c, socket.Validationf("subject", "subject must not be empty"))
		return
	}
	if subtle.ConstantTimeCompare([]byte(req.Secret), []byte(s.sessionSecret)) != 1 {
		fail(c, socket.Newf(socket.KindUnauthorized, "invalid session secret"))
		return
	}
	token, expiresAt, err := auth.IssueToken(s.tokens, req.Subject)
	if err != nil {
		fail(c, socket.Wrap(err, socket.KindInternal, "issue token"))
		return
	}
	c.JSON(http.StatusOK, tokenResponse{Token: token, ExpiresAt: expiresAt})
}
