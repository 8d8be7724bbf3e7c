package server

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"

	"copilot2api-go/internal/credential"
	apperrors "copilot2api-go/internal/errors"
	"copilot2api-go/internal/health"
	"copilot2api-go/internal/logging"
	"github.com/gin-gonic/gin"
	log "github.com/sirupsen/logrus"
	"github.com/tidwall/sjson"
)

func (s *Server) registerAdminRoutes(g *gin.RouterGroup) {
	g.GET("/accounts", s.listAccounts)
	g.POST("/accounts", s.addAccount)
	g.PUT("/accounts/order", s.reorderAccounts)
	g.PUT("/accounts/:id", s.updateAccount)
	g.DELETE("/accounts/:id", s.removeAccount)

	g.GET("/health", s.listHealth)
	g.DELETE("/health/:id", s.resetHealth)

	g.POST("/probe", s.probeAll)
	g.POST("/probe/:id", s.probeOne)
	g.GET("/probe/history", s.probeHistory)

	g.GET("/picks", s.listPicks)
	g.GET("/tasks", s.listTasks)
	g.GET("/config", s.showConfig)
	g.GET("/events", s.stream.Serve)
}

// accountView is a credential summary joined with its health record.
type accountView struct {
	credential.Summary
	Health *health.Record `json:"health,omitempty"`
}

type accountInput struct {
	ID     string `json:"id"`
	Label  string `json:"label"`
	Domain string `json:"domain"`
	Token  string `json:"token"`
}

func (s *Server) listAccounts(c *gin.Context) {
	creds := s.deps.Accounts.List()
	out := make([]accountView, 0, len(creds))
	for _, cred := range creds {
		v := accountView{Summary: cred.Summarize()}
		if rec, ok := s.deps.Registry.Get(cred.ID); ok {
			v.Health = &rec
		}
		out = append(out, v)
	}
	c.JSON(http.StatusOK, gin.H{"accounts": out, "backend": s.deps.Accounts.StoreName()})
}

func (s *Server) addAccount(c *gin.Context) {
	var in accountInput
	if err := c.ShouldBindJSON(&in); err != nil {
		badRequest(c, err.Error())
		return
	}
	added, err := s.deps.Accounts.Add(c.Request.Context(), credential.Credential{
		ID:     in.ID,
		Label:  in.Label,
		Domain: in.Domain,
		Token:  in.Token,
	})
	if err != nil {
		accountError(c, err)
		return
	}
	logging.WithCredential(logging.WithReq(c, log.Fields{"component": "admin"}), added.ID, added.Token).Info("account added")
	c.JSON(http.StatusCreated, added.Summarize())
}

func (s *Server) updateAccount(c *gin.Context) {
	var in accountInput
	if err := c.ShouldBindJSON(&in); err != nil {
		badRequest(c, err.Error())
		return
	}
	updated, err := s.deps.Accounts.Update(c.Request.Context(), credential.Credential{
		ID:     c.Param("id"),
		Label:  in.Label,
		Domain: in.Domain,
		Token:  in.Token,
	})
	if err != nil {
		accountError(c, err)
		return
	}
	c.JSON(http.StatusOK, updated.Summarize())
}

func (s *Server) removeAccount(c *gin.Context) {
	id := c.Param("id")
	if err := s.deps.Accounts.Remove(c.Request.Context(), id); err != nil {
		accountError(c, err)
		return
	}
	logging.WithReq(c, log.Fields{"component": "admin", "credential": id}).Info("account removed")
	c.Status(http.StatusNoContent)
}

func (s *Server) reorderAccounts(c *gin.Context) {
	var in struct {
		IDs []string `json:"ids" binding:"required"`
	}
	if err := c.ShouldBindJSON(&in); err != nil {
		badRequest(c, err.Error())
		return
	}
	if err := s.deps.Accounts.Reorder(c.Request.Context(), in.IDs); err != nil {
		accountError(c, err)
		return
	}
	s.listAccounts(c)
}

func (s *Server) listHealth(c *gin.Context) {
	def, max := s.deps.Registry.Bounds()
	resp := gin.H{
		"records":          s.deps.Registry.Snapshot(),
		"default_retry_ms": def.Milliseconds(),
		"max_retry_ms":     max.Milliseconds(),
		"all_rate_limited": false,
	}
	if earliest, ok := s.deps.Selector.AllRateLimited(c.Request.Context()); ok {
		resp["all_rate_limited"] = true
		resp["earliest_recovery"] = earliest.UTC()
	}
	c.JSON(http.StatusOK, resp)
}

func (s *Server) resetHealth(c *gin.Context) {
	s.deps.Registry.Reset(c.Param("id"))
	c.Status(http.StatusNoContent)
}

func (s *Server) listPicks(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"picks": s.deps.Selector.Picks(queryLimit(c))})
}

func (s *Server) listTasks(c *gin.Context) {
	if s.deps.Tasks == nil {
		c.JSON(http.StatusOK, gin.H{"tasks": []any{}})
		return
	}
	c.JSON(http.StatusOK, gin.H{"tasks": s.deps.Tasks.ListTasks(), "stats": s.deps.Tasks.GetStats()})
}

// showConfig returns the redacted live config plus the effective store backend,
// which may differ from the configured one after a fallback.
func (s *Server) showConfig(c *gin.Context) {
	raw, err := json.Marshal(s.cfg().Redacted())
	if err != nil {
		apperrors.New(http.StatusInternalServerError, "encode_failed", "server_error", err.Error()).Write(c.Writer)
		return
	}
	if s.deps.Accounts != nil {
		raw, _ = sjson.SetBytes(raw, "storage.effective_backend", s.deps.Accounts.StoreName())
	}
	c.Data(http.StatusOK, "application/json", raw)
}

func queryLimit(c *gin.Context) int {
	n, err := strconv.Atoi(c.Query("limit"))
	if err != nil || n < 0 {
		return 0
	}
	return n
}

func badRequest(c *gin.Context, msg string) {
	apperrors.New(http.StatusBadRequest, "invalid_request", "invalid_request_error", msg).Write(c.Writer)
}

func accountError(c *gin.Context, err error) {
	_ = c.Error(err)
	if errors.Is(err, credential.ErrNotFound) {
		apperrors.New(http.StatusNotFound, "account_not_found", "invalid_request_error", err.Error()).Write(c.Writer)
		return
	}
	if errors.Is(err, credential.ErrExists) {
		apperrors.New(http.StatusConflict, "account_exists", "invalid_request_error", err.Error()).Write(c.Writer)
		return
	}
	if errors.Is(err, credential.ErrInvalid) {
		badRequest(c, err.Error())
		return
	}
	apperrors.New(http.StatusInternalServerError, "account_store_error", "server_error", err.Error()).Write(c.Writer)
}
