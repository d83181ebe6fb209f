package restapi

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/kandev/chatproxy/internal/apperr"
)

// createGatewayRequest is the body of POST /gateways.
type createGatewayRequest struct {
	ID       string `json:"id" binding:"required"`
	Name     string `json:"name" binding:"required"`
	URL      string `json:"url" binding:"required"`
	Token    string `json:"token,omitempty"`
	Password string `json:"password,omitempty"`
}

func (s *Server) handleListGateways(c *gin.Context) {
	views, err := s.mgr.List(c.Request.Context())
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, views)
}

func (s *Server) handleCreateGateway(c *gin.Context) {
	var req createGatewayRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		writeError(c, apperr.Validation("invalid request body: %v", err))
		return
	}

	gw, err := s.mgr.Register(c.Request.Context(), req.ID, req.Name, req.URL, req.Token, req.Password)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusCreated, gw)
}

func (s *Server) handleDeleteGateway(c *gin.Context) {
	id := c.Param("id")
	if err := s.mgr.Unregister(c.Request.Context(), id); err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"ok": true})
}

func (s *Server) handleGatewayStatus(c *gin.Context) {
	id := c.Param("id")
	status, err := s.mgr.Status(id)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, status)
}
