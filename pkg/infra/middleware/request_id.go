// Package middleware holds the gin middleware chain shared by docchat routes.
package middleware

import (
	"context"

	"github.com/gin-gonic/gin"

	"github.com/kart-io/docchat/pkg/id"
	"github.com/kart-io/docchat/pkg/utils/response"
)

// HeaderXRequestID is the header carrying the request id.
const HeaderXRequestID = response.HeaderRequestID

type requestIDKey struct{}

// RequestIDConfig defines the config for RequestID middleware.
type RequestIDConfig struct {
	// Header is the header name to use for request ID.
	Header string

	// Generator is the function to generate request IDs.
	Generator func() string
}

// RequestID returns a middleware that adds a unique request ID to each request.
func RequestID() gin.HandlerFunc {
	return RequestIDWithConfig(RequestIDConfig{})
}

// RequestIDWithConfig returns a RequestID middleware with custom config.
// An incoming header value is reused as is.
func RequestIDWithConfig(config RequestIDConfig) gin.HandlerFunc {
	if config.Header == "" {
		config.Header = HeaderXRequestID
	}
	if config.Generator == nil {
		config.Generator = id.New
	}

	return func(c *gin.Context) {
		rid := c.GetHeader(config.Header)
		if rid == "" {
			rid = config.Generator()
		}
		c.Header(config.Header, rid)
		c.Request = c.Request.WithContext(WithRequestID(c.Request.Context(), rid))
		c.Next()
	}
}

// WithRequestID stores the request ID in the context.
func WithRequestID(ctx context.Context, rid string) context.Context {
	return context.WithValue(ctx, requestIDKey{}, rid)
}

// GetRequestID returns the request ID from the context, or "".
func GetRequestID(ctx context.Context) string {
	if v, ok := ctx.Value(requestIDKey{}).(string); ok {
		return v
	}
	return ""
}
