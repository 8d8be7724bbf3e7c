package middleware

import (
	"fmt"
	"net/http"
	"runtime/debug"

	apperrors "copilot2api-go/internal/errors"
	"copilot2api-go/internal/logging"
	"github.com/gin-gonic/gin"
	log "github.com/sirupsen/logrus"
)

// Recovery turns handler panics into a 500 error envelope.
func Recovery() gin.HandlerFunc {
	return RecoveryWithWriter(nil)
}

// RecoveryWithWriter is Recovery with a hook invoked before the response is written.
func RecoveryWithWriter(hook gin.RecoveryFunc) gin.HandlerFunc {
	return func(c *gin.Context) {
		defer func() {
			err := recover()
			if err == nil {
				return
			}
			logging.WithReq(c, log.Fields{
				"error":      err,
				"stack":      string(debug.Stack()),
				"user_agent": c.Request.UserAgent(),
			}).Error("panic recovered")
			if hook != nil {
				hook(c, err)
			}
			if c.Writer.Written() {
				c.Abort()
				return
			}
			apperrors.New(http.StatusInternalServerError, "panic_recovered", "internal_error", "Internal server error").Write(c.Writer)
			c.Abort()
		}()
		c.Next()
	}
}

// SafeGo runs fn on a new goroutine, logging instead of crashing on panic.
func SafeGo(name string, fn func()) {
	go func() {
		defer func() {
			if r := recover(); r != nil {
				log.WithFields(log.Fields{
					"goroutine": name,
					"error":     r,
					"stack":     string(debug.Stack()),
				}).Error("goroutine panic recovered")
			}
		}()
		fn()
	}()
}

// SafeCall invokes fn and converts a panic into an error.
func SafeCall(fn func() error) (err error) {
	defer func() {
		if r := recover(); r != nil {
			log.WithFields(log.Fields{
				"error": r,
				"stack": string(debug.Stack()),
			}).Error("panic in SafeCall")
			err = fmt.Errorf("panic: %v", r)
		}
	}()
	return fn()
}
