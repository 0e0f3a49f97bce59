package middleware

import (
	"fmt"
	"runtime/debug"

	"github.com/gin-gonic/gin"
	"github.com/kart-io/logger"

	"github.com/kart-io/docchat/pkg/errors"
	"github.com/kart-io/docchat/pkg/utils/response"
)

// RecoveryConfig defines the config for Recovery middleware.
type RecoveryConfig struct {
	// EnableStackTrace includes the stack in the log entry.
	EnableStackTrace bool

	// OnPanic is called when a panic occurs.
	OnPanic func(c *gin.Context, err interface{}, stack []byte)
}

// Recovery returns a middleware that recovers from panics.
func Recovery() gin.HandlerFunc {
	return RecoveryWithConfig(RecoveryConfig{})
}

// RecoveryWithConfig converts panics into an ErrPanic envelope.
func RecoveryWithConfig(config RecoveryConfig) gin.HandlerFunc {
	return func(c *gin.Context) {
		defer func() {
			r := recover()
			if r == nil {
				return
			}
			stack := debug.Stack()
			if config.OnPanic != nil {
				config.OnPanic(c, r, stack)
			}

			fields := []interface{}{
				"panic", r,
				"path", c.Request.URL.Path,
				"request_id", GetRequestID(c.Request.Context()),
			}
			if config.EnableStackTrace {
				fields = append(fields, "stack", string(stack))
			}
			logger.Errorw("panic recovered", fields...)

			response.Fail(c, errors.ErrPanic.WithCause(fmt.Errorf("%v", r)))
		}()
		c.Next()
	}
}
