package restapi

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/kandev/chatproxy/internal/apperr"
	"github.com/kandev/chatproxy/internal/store"
)

// createFederatedSessionRequest is the body of POST /federated-sessions.
type createFederatedSessionRequest struct {
	Title    string                  `json:"title,omitempty"`
	Gateways []store.FederatedTarget `json:"gateways"`
}

func (s *Server) handleCreateFederatedSession(c *gin.Context) {
	var req createFederatedSessionRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		writeError(c, apperr.Validation("invalid request body: %v", err))
		return
	}

	session, err := s.store.CreateFederatedSession(c.Request.Context(), req.Title, req.Gateways)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusCreated, session)
}

func (s *Server) handleListFederatedSessions(c *gin.Context) {
	sessions, err := s.store.ListFederatedSessions(c.Request.Context())
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, sessions)
}

func (s *Server) handleGetFederatedSession(c *gin.Context) {
	session, err := s.store.GetFederatedSession(c.Request.Context(), c.Param("id"))
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, session)
}

func (s *Server) handleDeleteFederatedSession(c *gin.Context) {
	if err := s.store.DeleteFederatedSession(c.Request.Context(), c.Param("id")); err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"ok": true})
}
