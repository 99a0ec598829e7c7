// Package api assembles the inbound HTTP surface of the router.
package api

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/user/llm-router-go/internal/api/handler"
	"github.com/user/llm-router-go/internal/api/middleware"
	"github.com/user/llm-router-go/internal/config"
	"github.com/user/llm-router-go/internal/repository"
	"github.com/user/llm-router-go/internal/service"
	"go.uber.org/zap"
)

// Server wraps the HTTP server and dependencies.
type Server struct {
	router *gin.Engine
	logger *zap.Logger
}

// ServerDeps holds all dependencies for the API server. Metrics is optional.
type ServerDeps struct {
	Config       *config.Config
	Orchestrator *service.Orchestrator
	CoreRouter   *service.CoreRouter
	Health       *service.HealthManager
	Blacklist    *service.BlacklistManager
	Events       *service.EventBus
	Metrics      *repository.RequestMetricsRepository
	Logger       *zap.Logger
}

// NewServer creates the API server with all routes configured.
func NewServer(deps ServerDeps) *Server {
	logger := deps.Logger

	gin.SetMode(gin.ReleaseMode)
	r := gin.New()

	r.Use(gin.Recovery())
	r.Use(middleware.Logger(logger))
	r.Use(middleware.SecurityHeaders())
	maxBody := deps.Config.Server.MaxBodyBytes
	if maxBody <= 0 {
		maxBody = 10 << 20
	}
	r.Use(middleware.BodyLimit(maxBody))

	bridgeHandler := handler.NewBridgeHandler(deps.Orchestrator, deps.Metrics, logger)
	v1 := r.Group("/v1")
	{
		v1.POST("/messages", bridgeHandler.Messages)
		v1.POST("/chat/completions", bridgeHandler.ChatCompletions)
	}

	statusHandler := handler.NewStatusHandler(deps.CoreRouter, deps.Health, deps.Blacklist, deps.Events, deps.Metrics)
	r.GET("/health", statusHandler.Health)
	r.GET("/status", statusHandler.Status)
	r.GET("/status/decisions", statusHandler.History)
	r.POST("/admin/pipelines/:id/unblock", statusHandler.Unblock)

	return &Server{
		router: r,
		logger: logger,
	}
}

// ServeHTTP implements http.Handler.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.router.ServeHTTP(w, r)
}

// Run starts the HTTP server.
func (s *Server) Run(addr string) error {
	s.logger.Info("starting server", zap.String("addr", addr))
	return s.router.Run(addr)
}
