package logging

import (
	"time"

	"copilot2api-go/internal/credential"
	"github.com/gin-gonic/gin"
	log "github.com/sirupsen/logrus"
)

// RequestIDKey is the gin context key holding the request id.
const RequestIDKey = "request_id"

// WithReq builds a log entry with request_id, method, path and ip.
// Extras win on key conflicts.
func WithReq(c *gin.Context, extras log.Fields) *log.Entry {
	if c == nil {
		return log.WithFields(extras)
	}
	path := c.FullPath()
	if path == "" && c.Request != nil && c.Request.URL != nil {
		path = c.Request.URL.Path
	}
	rid, _ := c.Get(RequestIDKey)
	fields := log.Fields{
		"request_id": rid,
		"method":     c.Request.Method,
		"path":       path,
		"ip":         c.ClientIP(),
	}
	for k, v := range extras {
		fields[k] = v
	}
	return log.WithFields(fields)
}

// DurationMS converts a duration to integer milliseconds for logging.
func DurationMS(d time.Duration) int64 { return d.Milliseconds() }

// WithCredential tags an entry with a credential id and its masked secret.
func WithCredential(entry *log.Entry, id, secret string) *log.Entry {
	return entry.WithFields(log.Fields{"credential": id, "token": credential.Mask(secret)})
}
