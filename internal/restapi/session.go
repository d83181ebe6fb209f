package restapi

import (
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"github.com/kandev/chatproxy/internal/apperr"
)

const (
	defaultMessageLimit = 50
	maxMessageLimit     = 500
)

// createSessionRequest is the body of POST /gateways/{id}/sessions.
type createSessionRequest struct {
	SessionKey string `json:"session_key,omitempty"`
	Title      string `json:"title,omitempty"`
	AgentID    string `json:"agent_id,omitempty"`
	Model      string `json:"model,omitempty"`
}

func (s *Server) gatewayExists(c *gin.Context, id string) bool {
	if _, err := s.mgr.Get(id); err != nil {
		writeError(c, apperr.NotFound("gateway %q not found", id))
		return false
	}
	return true
}

func (s *Server) handleListSessions(c *gin.Context) {
	id := c.Param("id")
	if !s.gatewayExists(c, id) {
		return
	}
	sessions, err := s.store.ListSessions(c.Request.Context(), id)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, sessions)
}

func (s *Server) handleCreateSession(c *gin.Context) {
	id := c.Param("id")
	if !s.gatewayExists(c, id) {
		return
	}

	var req createSessionRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		writeError(c, apperr.Validation("invalid request body: %v", err))
		return
	}
	sessionKey := req.SessionKey
	if sessionKey == "" {
		sessionKey = uuid.New().String()
	}

	session, err := s.store.UpsertSession(c.Request.Context(), id, sessionKey, req.AgentID, req.Model, req.Title)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusCreated, session)
}

func (s *Server) handleGetSession(c *gin.Context) {
	id := c.Param("id")
	key := c.Param("key")
	if !s.gatewayExists(c, id) {
		return
	}
	session, err := s.store.GetSession(c.Request.Context(), id, key)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, session)
}

func (s *Server) handleDeleteSession(c *gin.Context) {
	id := c.Param("id")
	key := c.Param("key")
	if !s.gatewayExists(c, id) {
		return
	}
	if err := s.store.DeleteSession(c.Request.Context(), id, key); err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"ok": true})
}

func (s *Server) handleListMessages(c *gin.Context) {
	id := c.Param("id")
	key := c.Param("key")
	if !s.gatewayExists(c, id) {
		return
	}

	limit := defaultMessageLimit
	if raw := c.Query("limit"); raw != "" {
		parsed, err := strconv.Atoi(raw)
		if err != nil {
			parsed = defaultMessageLimit
		}
		limit = parsed
	}
	if limit < 0 {
		limit = defaultMessageLimit
	}
	if limit > maxMessageLimit {
		limit = maxMessageLimit
	}

	messages, err := s.store.ListMessages(c.Request.Context(), id, key, limit, c.Query("before"))
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, messages)
}
