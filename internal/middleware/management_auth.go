package middleware

import (
	"net/http"
	"strings"

	"copilot2api-go/internal/config"
	apperrors "copilot2api-go/internal/errors"
	"copilot2api-go/internal/logging"
	"copilot2api-go/internal/monitoring"
	"github.com/gin-gonic/gin"
	log "github.com/sirupsen/logrus"
)

// ManagementAuth guards the admin routes. The key is read from
// "Authorization: Bearer", X-Management-Key, or the key query parameter
// (for websocket clients that cannot set headers). With no key configured
// the admin API is closed.
func ManagementAuth(current func() *config.Config) gin.HandlerFunc {
	return func(c *gin.Context) {
		route := c.FullPath()
		cfg := current()
		if cfg == nil || !cfg.Security.HasManagementKey() {
			monitoring.ManagementAccessTotal.WithLabelValues(route, "disabled").Inc()
			deny(c, http.StatusForbidden, "management_disabled", "management API is disabled: no management key configured")
			return
		}
		candidate := managementKey(c)
		if candidate == "" {
			monitoring.ManagementAccessTotal.WithLabelValues(route, "missing").Inc()
			deny(c, http.StatusUnauthorized, "missing_management_key", "management key not provided")
			return
		}
		if !config.CheckManagementKey(cfg, candidate) {
			monitoring.ManagementAccessTotal.WithLabelValues(route, "denied").Inc()
			logging.WithReq(c, nil).Warn("management key rejected")
			deny(c, http.StatusUnauthorized, "invalid_management_key", "invalid management key")
			return
		}
		monitoring.ManagementAccessTotal.WithLabelValues(route, "allowed").Inc()
		c.Next()
	}
}

func managementKey(c *gin.Context) string {
	auth := strings.TrimSpace(c.GetHeader("Authorization"))
	if len(auth) > 7 && strings.EqualFold(auth[:7], "bearer ") {
		return strings.TrimSpace(auth[7:])
	}
	if v := strings.TrimSpace(c.GetHeader("X-Management-Key")); v != "" {
		return v
	}
	return strings.TrimSpace(c.Query("key"))
}

func deny(c *gin.Context, status int, code, msg string) {
	log.WithFields(log.Fields{"path": c.Request.URL.Path, "code": code}).Debug("management access denied")
	apperrors.New(status, code, "authentication_error", msg).Write(c.Writer)
	c.Abort()
}
