// Package api is the HTTP edge of the platform: bearer authentication,
// per-principal rate limiting, the REST route table, and the SSE streams for
// chat replies and ingestion progress.
package api

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"

	"rag.evalgo.org/auth"
	"rag.evalgo.org/catalog"
	"rag.evalgo.org/chat"
	"rag.evalgo.org/common"
	"rag.evalgo.org/config"
	"rag.evalgo.org/db/repository"
	qredis "rag.evalgo.org/queue/redis"
	"rag.evalgo.org/retrieve"
	"rag.evalgo.org/tools"
)

const serviceName = "rag-gateway"

// Deps carries everything the gateway routes to. Progress may be nil
// (document status streams then report only the stored snapshot); Engine may
// be nil (search is disabled).
type Deps struct {
	Auth     *auth.Service
	Catalog  *catalog.Service
	Chat     *chat.Orchestrator
	Engine   *retrieve.Engine
	Tools    *tools.Registry
	Repos    *repository.Repositories
	Settings *config.Settings
	Progress *qredis.Broadcast

	// Probes are the readiness checks, keyed by dependency name.
	Probes map[string]Probe
}

// Server is the API gateway.
type Server struct {
	echo   *echo.Echo
	cfg    config.ServerConfig
	deps   Deps
	limits *rateLimiter
	health *healthChecker
}

// NewServer builds the echo instance with the standard middleware stack and
// the full route table.
func NewServer(cfg *config.Config, deps Deps) *Server {
	e := echo.New()
	e.HideBanner = true
	e.HidePort = true
	e.Debug = cfg.Server.Debug
	e.HTTPErrorHandler = HTTPErrorHandler

	e.Use(middleware.RequestID())
	e.Use(middleware.Recover())
	e.Use(requestLogger())
	if cfg.Server.BodyLimit != "" {
		e.Use(middleware.BodyLimit(cfg.Server.BodyLimit))
	}
	if len(cfg.Server.AllowedOrigins) > 0 {
		e.Use(middleware.CORSWithConfig(middleware.CORSConfig{
			AllowOrigins: cfg.Server.AllowedOrigins,
			AllowMethods: []string{
				http.MethodGet,
				http.MethodPost,
				http.MethodPut,
				http.MethodDelete,
				http.MethodPatch,
				http.MethodOptions,
			},
			AllowHeaders: []string{
				echo.HeaderOrigin,
				echo.HeaderContentType,
				echo.HeaderAccept,
				echo.HeaderAuthorization,
			},
		}))
	}

	s := &Server{
		echo:   e,
		cfg:    cfg.Server,
		deps:   deps,
		limits: newRateLimiter(cfg.RateLimits),
		health: newHealthChecker(deps.Probes, defaultReadinessGrace),
	}
	s.routes()
	return s
}

func (s *Server) routes() {
	e := s.echo

	e.GET("/healthz", s.handleLiveness)
	e.GET("/readyz", s.handleReadiness)

	api := e.Group("/api")

	// Public auth endpoints, rate-limited per client IP.
	authGroup := api.Group("/auth")
	authGroup.POST("/login", s.handleLogin, s.limits.RateLimit(classStandard))
	authGroup.POST("/refresh", s.handleRefresh, s.limits.RateLimit(classStandard))
	authGroup.POST("/oidc", s.handleOIDCLogin, s.limits.RateLimit(classStandard))

	// Everything below requires a bearer token.
	bearer := BearerAuth(s.deps.Auth)
	authGroup.POST("/logout", s.handleLogout, bearer, s.limits.RateLimit(classStandard))

	chatGroup := api.Group("/chat", bearer)
	chatGroup.GET("/conversations", s.handleListConversations, s.limits.RateLimit(classStandard))
	chatGroup.POST("/conversations", s.handleCreateConversation, s.limits.RateLimit(classStandard))
	chatGroup.GET("/conversations/:id", s.handleGetConversation, s.limits.RateLimit(classStandard))
	chatGroup.PATCH("/conversations/:id", s.handleUpdateConversation, s.limits.RateLimit(classStandard))
	chatGroup.DELETE("/conversations/:id", s.handleDeleteConversation, s.limits.RateLimit(classStandard))
	chatGroup.GET("/conversations/:id/messages", s.handleListMessages, s.limits.RateLimit(classStandard))
	chatGroup.POST("/conversations/:id/messages", s.handleSendMessage, s.limits.RateLimit(classChat))

	ragGroup := api.Group("/rag", bearer)
	ragGroup.GET("/collections", s.handleListCollections, s.limits.RateLimit(classStandard))
	ragGroup.POST("/collections", s.handleCreateCollection, s.limits.RateLimit(classStandard))
	ragGroup.GET("/collections/:id", s.handleGetCollection, s.limits.RateLimit(classStandard))
	ragGroup.PATCH("/collections/:id", s.handleUpdateCollection, s.limits.RateLimit(classStandard))
	ragGroup.DELETE("/collections/:id", s.handleDeleteCollection, s.limits.RateLimit(classStandard))
	ragGroup.POST("/documents/upload", s.handleUpload, s.limits.RateLimit(classUpload))
	ragGroup.POST("/documents", s.handleBindUpload, s.limits.RateLimit(classUpload))
	ragGroup.GET("/documents", s.handleListDocuments, s.limits.RateLimit(classStandard))
	ragGroup.GET("/documents/:id", s.handleGetDocument, s.limits.RateLimit(classStandard))
	ragGroup.DELETE("/documents/:id", s.handleDeleteDocument, s.limits.RateLimit(classStandard))
	ragGroup.GET("/documents/:id/status", s.handleDocumentStatus, s.limits.RateLimit(classStandard))
	ragGroup.POST("/search", s.handleSearch, s.limits.RateLimit(classStandard))

	api.GET("/tools", s.handleListTools, bearer, s.limits.RateLimit(classStandard))

	adminGroup := api.Group("/admin", bearer, RequireRole(auth.RoleAdmin), s.limits.RateLimit(classAdmin))
	adminGroup.GET("/users", s.handleListUsers)
	adminGroup.POST("/users", s.handleCreateUser)
	adminGroup.PATCH("/users/:id", s.handleUpdateUser)
	adminGroup.GET("/settings", s.handleGetSettings)
	adminGroup.PUT("/settings", s.handlePutSettings)
}

// Start serves until the listener fails or Shutdown is called.
func (s *Server) Start() error {
	srv := &http.Server{
		Addr:        fmt.Sprintf("%s:%d", s.cfg.Host, s.cfg.Port),
		ReadTimeout: s.cfg.ReadTimeout,
		// WriteTimeout stays zero: SSE responses are open-ended.
		WriteTimeout: s.cfg.WriteTimeout,
	}
	common.Logger.WithField("addr", srv.Addr).Info("starting API gateway")
	if err := s.echo.StartServer(srv); err != nil && err != http.ErrServerClosed {
		return err
	}
	return nil
}

// Shutdown drains in-flight requests within the configured timeout.
func (s *Server) Shutdown(ctx context.Context) error {
	timeout := s.cfg.ShutdownTimeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	shutdownCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	return s.echo.Shutdown(shutdownCtx)
}

// Handler exposes the routing tree for tests.
func (s *Server) Handler() http.Handler { return s.echo }

func requestLogger() echo.MiddlewareFunc {
	return middleware.RequestLoggerWithConfig(middleware.RequestLoggerConfig{
		LogStatus:    true,
		LogMethod:    true,
		LogURI:       true,
		LogLatency:   true,
		LogRequestID: true,
		LogValuesFunc: func(c echo.Context, v middleware.RequestLoggerValues) error {
			common.Logger.WithFields(map[string]interface{}{
				"status":     v.Status,
				"method":     v.Method,
				"uri":        v.URI,
				"latency":    v.Latency.String(),
				"request_id": v.RequestID,
			}).Info("request")
			return nil
		},
	})
}
