package server

import (
	"errors"
	"io"
	"net/http"
	"strings"

	apperrors "copilot2api-go/internal/errors"
	"copilot2api-go/internal/logging"
	mw "copilot2api-go/internal/middleware"
	"copilot2api-go/internal/upstream"
	"github.com/gin-gonic/gin"
	log "github.com/sirupsen/logrus"
)

const maxRequestBody = 32 << 20

// Response headers owned by the hop between us and the caller.
var hopHeaders = map[string]struct{}{
	"Connection":          {},
	"Keep-Alive":          {},
	"Proxy-Authenticate":  {},
	"Proxy-Authorization": {},
	"Te":                  {},
	"Trailer":             {},
	"Transfer-Encoding":   {},
	"Upgrade":             {},
}

// proxyTo forwards the request to path upstream. An empty path takes the
// remainder captured by the /v1/*path route.
func (s *Server) proxyTo(path string) gin.HandlerFunc {
	return func(c *gin.Context) {
		target := path
		if target == "" {
			target = c.Param("path")
		}
		s.proxy(c, target)
	}
}

func (s *Server) proxy(c *gin.Context, path string) {
	body, err := io.ReadAll(io.LimitReader(c.Request.Body, maxRequestBody+1))
	if err != nil {
		apperrors.New(http.StatusBadRequest, "invalid_body", "invalid_request_error", "read request body: "+err.Error()).Write(c.Writer)
		return
	}
	if len(body) > maxRequestBody {
		apperrors.New(http.StatusRequestEntityTooLarge, "body_too_large", "invalid_request_error", "request body exceeds 32 MiB").Write(c.Writer)
		return
	}

	ctx, outcome := upstream.WithOutcome(c.Request.Context())
	resp, err := s.deps.Dispatcher.Do(ctx, upstream.Request{
		Method:   c.Request.Method,
		Path:     path,
		RawQuery: c.Request.URL.RawQuery,
		Header:   c.Request.Header,
		Body:     body,
	})
	if outcome.CredentialID != "" {
		c.Set(mw.CredentialKey, outcome.CredentialID)
	}
	c.Set(mw.AttemptsKey, outcome.Attempts)
	if err != nil {
		_ = c.Error(err)
		proxyError(err).Write(c.Writer)
		return
	}
	if resp.Header.Get(upstream.HeaderPoolExhausted) != "" {
		_ = c.Error(errPoolExhausted)
	}
	writeUpstream(c, resp)
}

var errPoolExhausted = errors.New("credential pool exhausted")

func proxyError(err error) *apperrors.APIError {
	if upstream.IsTokenError(err) {
		return apperrors.New(http.StatusBadGateway, "token_exchange_failed", "server_error", err.Error())
	}
	var attempt *upstream.AttemptError
	if errors.As(err, &attempt) {
		return apperrors.MapNetworkError(attempt.Err)
	}
	return apperrors.MapNetworkError(err)
}

// writeUpstream copies resp to the caller as-is, flushing after every read
// when the body is an event stream.
func writeUpstream(c *gin.Context, resp *http.Response) {
	defer resp.Body.Close()

	h := c.Writer.Header()
	for k, vs := range resp.Header {
		if _, hop := hopHeaders[http.CanonicalHeaderKey(k)]; hop {
			continue
		}
		for _, v := range vs {
			h.Add(k, v)
		}
	}
	c.Writer.WriteHeader(resp.StatusCode)

	streaming := strings.HasPrefix(resp.Header.Get("Content-Type"), "text/event-stream")
	buf := make([]byte, 32<<10)
	for {
		n, err := resp.Body.Read(buf)
		if n > 0 {
			if _, werr := c.Writer.Write(buf[:n]); werr != nil {
				logging.WithReq(c, log.Fields{"component": "proxy"}).WithError(werr).Debug("caller went away")
				return
			}
			if streaming {
				c.Writer.Flush()
			}
		}
		if err != nil {
			if !errors.Is(err, io.EOF) {
				_ = c.Error(err)
				logging.WithReq(c, log.Fields{"component": "proxy"}).WithError(err).Warn("upstream body interrupted")
			}
			return
		}
	}
}
