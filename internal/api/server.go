// Package api exposes the run lifecycle and publication callbacks over HTTP.
package api

import (
	"context"
	"errors"
	"fmt"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/ksanyok/promopilot-sub004/internal/config"
	"github.com/ksanyok/promopilot-sub004/internal/logger"
)

// Server is the HTTP server with lifecycle management.
type Server struct {
	router *gin.Engine
	server *http.Server
	cfg    config.ServerConfig
	log    logger.Logger
}

// NewServer builds a server with the standard middleware; setupRoutes adds
// the service routes.
func NewServer(cfg config.ServerConfig, debug bool, log logger.Logger, setupRoutes func(*gin.Engine)) *Server {
	router := NewEngine(debug, log)
	if setupRoutes != nil {
		setupRoutes(router)
	}

	return &Server{
		router: router,
		server: &http.Server{
			Addr:         cfg.Address(),
			Handler:      router,
			ReadTimeout:  cfg.ReadTimeout,
			WriteTimeout: cfg.WriteTimeout,
		},
		cfg: cfg,
		log: log,
	}
}

// NewEngine returns a gin engine with recovery, request id and request
// logging middleware applied in that order.
func NewEngine(debug bool, log logger.Logger) *gin.Engine {
	if debug {
		gin.SetMode(gin.DebugMode)
	} else {
		gin.SetMode(gin.ReleaseMode)
	}

	router := gin.New()
	router.Use(RecoveryMiddleware(log))
	router.Use(RequestIDMiddleware())
	router.Use(LoggerMiddleware(log))
	return router
}

// Router returns the underlying engine.
func (s *Server) Router() *gin.Engine {
	return s.router
}

// Start serves until Shutdown is called.
func (s *Server) Start() error {
	s.log.Info("Starting HTTP server",
		logger.String("address", s.server.Addr),
		logger.Duration("read_timeout", s.server.ReadTimeout),
		logger.Duration("write_timeout", s.server.WriteTimeout))

	if err := s.server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("server error: %w", err)
	}
	return nil
}

// Shutdown stops the server, waiting up to the configured timeout for
// in-flight requests. Inline worker slices running inside a request are
// allowed to finish within that window.
func (s *Server) Shutdown(ctx context.Context) error {
	s.log.Info("Shutting down HTTP server", logger.Duration("timeout", s.cfg.ShutdownTimeout))

	shutdownCtx, cancel := context.WithTimeout(ctx, s.cfg.ShutdownTimeout)
	defer cancel()

	if err := s.server.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("server shutdown error: %w", err)
	}
	s.log.Info("HTTP server stopped gracefully")
	return nil
}
