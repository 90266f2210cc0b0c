package middleware

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"krapi.io/krapi/internal/pkg/logger"
	"krapi.io/krapi/pkg/socket"
)

// ErrorHandler is a Gin middleware that provides centralized error handling.
// It captures errors added via c.Error() and emits the structured error
// envelope the remote adapter decodes: the error kind decides the status, and
// the body carries the kind so the client maps it back without guessing from
// the status code.
func ErrorHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Next()

		if len(c.Errors) == 0 {
			return
		}

		err := c.Errors.Last().Err

		var sockErr *socket.Error
		if errors.As(err, &sockErr) {
			status := sockErr.Kind.HTTPStatus()
			if status >= 500 {
				logger.Error("Request failed",
					zap.String("kind", string(sockErr.Kind)),
					zap.String("request_id", GetRequestID(c.Request.Context())),
					zap.Error(err),
				)
			} else {
				logger.Debug("Request error",
					zap.String("kind", string(sockErr.Kind)),
					zap.Int("status", status),
					zap.String("message", sockErr.Message),
				)
			}
			writeError(c, status, sockErr)
			return
		}

		logger.Error("Unhandled request error",
			zap.String("request_id", GetRequestID(c.Request.Context())),
			zap.Error(err),
		)
		writeError(c, http.StatusInternalServerError, socket.Internalf("an internal error occurred"))
	}
}

// writeError emits the error envelope. Exposed to other middleware so aborts
// before the handler chain produce the same body shape.
func writeError(c *gin.Context, status int, err *socket.Error) {
	c.AbortWithStatusJSON(status, gin.H{"error": err})
}

// AbortWithError records a structured error and stops the chain.
func AbortWithError(c *gin.Context, err *socket.Error) {
	writeError(c, err.Kind.HTTPStatus(), err)
}
