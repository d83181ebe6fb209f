// Package restapi implements the REST surface: CRUD over gateways, sessions,
// messages, and federated sessions, backed by the store and gateway manager.
package restapi

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/kandev/chatproxy/internal/apperr"
	"github.com/kandev/chatproxy/internal/common/config"
	"github.com/kandev/chatproxy/internal/common/httpmw"
	"github.com/kandev/chatproxy/internal/common/logger"
	"github.com/kandev/chatproxy/internal/gatewaymgr"
	"github.com/kandev/chatproxy/internal/store"
)

// Server is the HTTP REST API for the chat proxy.
type Server struct {
	mgr    *gatewaymgr.Manager
	store  store.Store
	log    *logger.Logger
	router *gin.Engine
}

// NewServer builds the REST surface and wires its routes, but registers no
// WebSocket endpoints — those are mounted separately onto Router().
func NewServer(mgr *gatewaymgr.Manager, st store.Store, cfg *config.ServerConfig, log *logger.Logger) *Server {
	gin.SetMode(gin.ReleaseMode)

	s := &Server{
		mgr:    mgr,
		store:  st,
		log:    log.WithFields(zap.String("component", "restapi")),
		router: gin.New(),
	}

	s.router.Use(gin.Recovery())
	s.router.Use(httpmw.RequestID())
	s.router.Use(httpmw.RequestLogger(s.log, "chatproxy"))
	s.router.Use(httpmw.OtelTracing("chatproxy"))
	s.router.Use(httpmw.CORS(cfg.CORSOriginList()))

	s.setupRoutes()
	return s
}

// Router returns the underlying gin engine so a caller can mount additional
// (e.g. WebSocket) routes on it before starting the HTTP server.
func (s *Server) Router() *gin.Engine {
	return s.router
}

func (s *Server) setupRoutes() {
	s.router.GET("/healthz", s.handleHealth)

	gateways := s.router.Group("/gateways")
	{
		gateways.GET("", s.handleListGateways)
		gateways.POST("", s.handleCreateGateway)
		gateways.DELETE("/:id", s.handleDeleteGateway)
		gateways.GET("/:id/status", s.handleGatewayStatus)
		gateways.GET("/:id/sessions", s.handleListSessions)
		gateways.POST("/:id/sessions", s.handleCreateSession)
		gateways.GET("/:id/sessions/:key", s.handleGetSession)
		gateways.DELETE("/:id/sessions/:key", s.handleDeleteSession)
		gateways.GET("/:id/sessions/:key/messages", s.handleListMessages)
	}

	federated := s.router.Group("/federated-sessions")
	{
		federated.POST("", s.handleCreateFederatedSession)
		federated.GET("", s.handleListFederatedSessions)
		federated.GET("/:id", s.handleGetFederatedSession)
		federated.DELETE("/:id", s.handleDeleteFederatedSession)
	}
}

func (s *Server) handleHealth(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

// writeError maps an apperr.Kind (or any other error) to an HTTP status and
// a JSON body, the single place the REST surface translates the shared
// error taxonomy into wire responses.
func writeError(c *gin.Context, err error) {
	status := http.StatusInternalServerError
	switch apperr.KindOf(err) {
	case apperr.KindNotFound:
		status = http.StatusNotFound
	case apperr.KindAlreadyExists, apperr.KindValidation:
		status = http.StatusBadRequest
	case apperr.KindNotConnected, apperr.KindConnectionLost:
		status = http.StatusServiceUnavailable
	case apperr.KindTimeout:
		status = http.StatusGatewayTimeout
	case apperr.KindUpstreamError:
		status = http.StatusBadGateway
	}
	c.JSON(status, gin.H{"detail": err.Error()})
}
