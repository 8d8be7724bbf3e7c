package middleware

import (
	"time"

	"copilot2api-go/internal/logging"
	"github.com/gin-gonic/gin"
	log "github.com/sirupsen/logrus"
)

// Context keys set by handlers and picked up by RequestLogger.
const (
	CredentialKey = "credential"
	AttemptsKey   = "attempts"
)

// RequestLogger logs one line per request after the handler chain ran.
func RequestLogger() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()

		status := c.Writer.Status()
		fields := log.Fields{
			"status":     status,
			"latency_ms": logging.DurationMS(time.Since(start)),
			"user_agent": c.Request.UserAgent(),
			"kind":       logging.ErrorKind(status, len(c.Errors) > 0),
		}
		if v, ok := c.Get(CredentialKey); ok {
			fields["credential"] = v
		}
		if v, ok := c.Get(AttemptsKey); ok {
			fields["attempts"] = v
		}
		if len(c.Errors) > 0 {
			fields["error"] = c.Errors.String()
		}
		entry := logging.WithReq(c, fields)
		switch {
		case status >= 500:
			entry.Warn("http_request")
		default:
			entry.Info("http_request")
		}
	}
}
