package middleware

import (
	"context"
	"errors"
	"fmt"

	"github.com/getkin/kin-openapi/openapi3filter"
	"github.com/getkin/kin-openapi/routers"
	"github.com/getkin/kin-openapi/routers/gorillamux"
	"github.com/gin-gonic/gin"

	"krapi.io/krapi/internal/api/contract"
	"krapi.io/krapi/pkg/socket"
)

// MustContractValidator creates the contract validator and panics on setup
// failure. The embedded spec is part of the build; failing to load it is a
// programming error, not a runtime condition.
func MustContractValidator() gin.HandlerFunc {
	mw, err := NewContractValidator()
	if err != nil {
		panic(fmt.Sprintf("init contract validator: %v", err))
	}
	return mw
}

// NewContractValidator validates request shapes against the embedded OpenAPI
// document before they reach a handler. Routes outside the document (health,
// metrics) pass through. Response validation is deliberately absent: the
// document's response schemas are permissive and the parity suite pins the
// actual body shapes.
func NewContractValidator() (gin.HandlerFunc, error) {
	doc, err := contract.Load()
	if err != nil {
		return nil, err
	}
	router, err := gorillamux.NewRouter(doc)
	if err != nil {
		return nil, fmt.Errorf("create contract router: %w", err)
	}

	return func(c *gin.Context) {
		route, pathParams, err := router.FindRoute(c.Request)
		if err != nil {
			if errors.Is(err, routers.ErrPathNotFound) || errors.Is(err, routers.ErrMethodNotAllowed) {
				c.Next()
				return
			}
			AbortWithError(c, socket.Validationf("", "request does not match api contract: %v", err))
			return
		}

		input := &openapi3filter.RequestValidationInput{
			Request:    c.Request,
			PathParams: pathParams,
			Route:      route,
			Options: &openapi3filter.Options{
				// Credentials are checked by the auth middleware.
				AuthenticationFunc: func(context.Context, *openapi3filter.AuthenticationInput) error {
					return nil
				},
			},
		}
		if err := openapi3filter.ValidateRequest(c.Request.Context(), input); err != nil {
			var reqErr *openapi3filter.RequestError
			if errors.As(err, &reqErr) {
				AbortWithError(c, socket.Validationf("", "invalid request: %v", reqErr))
				return
			}
			AbortWithError(c, socket.Validationf("", "invalid request: %v", err))
			return
		}
		c.Next()
	}, nil
}
