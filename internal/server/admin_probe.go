package server

import (
	"net/http"
	"strconv"
	"time"

	apperrors "copilot2api-go/internal/errors"
	"copilot2api-go/internal/logging"
	"copilot2api-go/internal/probe"
	"github.com/gin-gonic/gin"
	log "github.com/sirupsen/logrus"
)

func (s *Server) probeAll(c *gin.Context) {
	if s.deps.Prober == nil {
		probeDisabled(c)
		return
	}
	if r := s.probeLimit.Reserve(); r.Delay() > 0 {
		wait := r.Delay()
		r.Cancel()
		secs := int((wait + time.Second - 1) / time.Second)
		c.Header("Retry-After", strconv.Itoa(secs))
		apperrors.New(http.StatusTooManyRequests, "probe_throttled", "rate_limit_error", "a full probe ran recently").
			WithDetails(map[string]any{"retry_after_sec": secs}).
			Write(c.Writer)
		return
	}
	start := time.Now()
	results := s.deps.Prober.ProbeAll(c.Request.Context(), s.deps.Accounts.List())
	summary := probe.RecordRun("manual", results, time.Since(start))
	logging.WithReq(c, log.Fields{"component": "admin", "outcome": summary.Outcome}).Info(summary.String())
	c.JSON(http.StatusOK, gin.H{"summary": summary, "results": results})
}

func (s *Server) probeOne(c *gin.Context) {
	if s.deps.Prober == nil {
		probeDisabled(c)
		return
	}
	cred, ok := s.deps.Accounts.Get(c.Param("id"))
	if !ok {
		apperrors.New(http.StatusNotFound, "account_not_found", "invalid_request_error", "credential not found").Write(c.Writer)
		return
	}
	c.JSON(http.StatusOK, s.deps.Prober.Probe(c.Request.Context(), cred))
}

func (s *Server) probeHistory(c *gin.Context) {
	if s.deps.Prober == nil {
		c.JSON(http.StatusOK, gin.H{"results": []probe.Result{}})
		return
	}
	c.JSON(http.StatusOK, gin.H{"results": s.deps.Prober.History(queryLimit(c))})
}

func probeDisabled(c *gin.Context) {
	apperrors.New(http.StatusServiceUnavailable, "probe_disabled", "server_error", "prober is not configured").Write(c.Writer)
}

// healthz reports liveness plus whether the pool can serve right now.
func (s *Server) healthz(c *gin.Context) {
	size := s.deps.Accounts.Len()
	resp := gin.H{
		"status":         "ok",
		"accounts":       size,
		"pool_exhausted": size == 0,
	}
	if earliest, ok := s.deps.Selector.AllRateLimited(c.Request.Context()); ok {
		resp["pool_exhausted"] = true
		resp["earliest_recovery"] = earliest.UTC()
	}
	c.JSON(http.StatusOK, resp)
}
