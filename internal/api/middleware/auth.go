package middleware

import (
	"context"
	"strings"

	"github.com/gin-gonic/gin"

	"krapi.io/krapi/internal/auth"
	"krapi.io/krapi/pkg/socket"
)

// ActorHeader lets a caller name the acting principal for audit fields. The
// remote adapter sets it from the caller's context; when absent, the
// authenticated subject is used.
const ActorHeader = "X-Krapi-Actor"

const ctxKeyPrincipal contextKey = "principal"

// Authenticator verifies the two accepted credential kinds: bearer session
// tokens and project-scoped API keys. Presenting both at once is refused.
type Authenticator struct {
	signingKey []byte
	keys       *auth.Keys
}

// NewAuthenticator creates the credential verifier.
func NewAuthenticator(signingKey []byte, keys *auth.Keys) *Authenticator {
	return &Authenticator{signingKey: signingKey, keys: keys}
}

// Middleware authenticates every request. Routes matching a public prefix
// pass through without a credential; everything else requires exactly one of
// Authorization: Bearer or X-API-Key.
func (a *Authenticator) Middleware(publicPrefixes []string) gin.HandlerFunc {
	return func(c *gin.Context) {
		for _, prefix := range publicPrefixes {
			if strings.HasPrefix(c.Request.URL.Path, prefix) {
				c.Next()
				return
			}
		}

		authHeader := c.GetHeader("Authorization")
		apiKey := c.GetHeader("X-API-Key")

		if authHeader != "" && apiKey != "" {
			AbortWithError(c, socket.Newf(socket.KindUnauthorized,
				"bearer token and api key are mutually exclusive"))
			return
		}

		var principal *auth.Principal
		var err error
		switch {
		case authHeader != "":
			parts := strings.SplitN(authHeader, " ", 2)
			if len(parts) != 2 || !strings.EqualFold(parts[0], "Bearer") {
				AbortWithError(c, socket.Newf(socket.KindUnauthorized,
					"invalid authorization header format"))
				return
			}
			principal, err = auth.VerifyToken(a.signingKey, parts[1])
		case apiKey != "":
			principal, err = a.keys.Verify(c.Request.Context(), apiKey)
		default:
			AbortWithError(c, socket.Newf(socket.KindUnauthorized, "missing credentials"))
			return
		}
		if err != nil {
			kind := socket.KindOf(err)
			if kind != socket.KindUnauthorized && kind != socket.KindInternal {
				kind = socket.KindUnauthorized
			}
			AbortWithError(c, &socket.Error{Kind: kind, Message: "authentication failed", Err: err})
			return
		}

		// API keys are scoped to one project; refuse access to any other
		// project's routes and to the unscoped project listing.
		if principal.Method == auth.MethodAPIKey {
			projectID := c.Param("projectId")
			if projectID == "" || projectID != principal.ProjectID {
				AbortWithError(c, socket.Newf(socket.KindForbidden,
					"api key is not valid for this project"))
				return
			}
		}

		actor := c.GetHeader(ActorHeader)
		if actor == "" {
			actor = principal.Subject
		}
		ctx := context.WithValue(c.Request.Context(), ctxKeyPrincipal, principal)
		ctx = socket.WithActor(ctx, actor)
		c.Request = c.Request.WithContext(ctx)
		c.Next()
	}
}

// PrincipalFrom extracts the verified principal from the context, if any.
func PrincipalFrom(ctx context.Context) *auth.Principal {
	if p, ok := ctx.Value(ctxKeyPrincipal).(*auth.Principal); ok {
		return p
	}
	return nil
}
