/*
Copyright 2024 The Agent Operator Authors.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

package server

import (
	"context"
	"errors"
	"net"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/go-logr/logr"
)

// shutdownTimeout bounds graceful shutdown of a listener
const shutdownTimeout = 5 * time.Second

// Server runs one gin engine on one address
type Server struct {
	name   string
	addr   string
	engine *gin.Engine
	logger logr.Logger
}

// NewServer creates a server with panic recovery. Request logging is left to
// the handlers' structured loggers.
func NewServer(name, addr string, logger logr.Logger) *Server {
	gin.SetMode(gin.ReleaseMode)
	engine := gin.New()
	engine.Use(gin.Recovery())

	return &Server{
		name:   name,
		addr:   addr,
		engine: engine,
		logger: logger.WithName("http").WithValues("server", name, "address", addr),
	}
}

// Engine returns the gin engine for route registration
func (s *Server) Engine() *gin.Engine {
	return s.engine
}

// RegisterHealthRoutes adds /healthz, /readyz and /status
func (s *Server) RegisterHealthRoutes(checker *HealthChecker) {
	s.engine.GET("/healthz", checker.HealthzHandler)
	s.engine.GET("/readyz", checker.ReadyzHandler)
	s.engine.GET("/status", checker.StatusHandler)
}

// RegisterMetricsRoutes adds /metrics and /metrics/health
func (s *Server) RegisterMetricsRoutes(ms *MetricsServer) {
	s.engine.GET("/metrics", ms.MetricsHandler)
	s.engine.GET("/metrics/health", ms.HealthMetricsHandler)
}

// Start listens until ctx is done, then shuts down gracefully
func (s *Server) Start(ctx context.Context) error {
	listener, err := net.Listen("tcp", s.addr)
	if err != nil {
		return err
	}
	return s.Serve(ctx, listener)
}

// Serve is Start on an existing listener
func (s *Server) Serve(ctx context.Context, listener net.Listener) error {
	srv := &http.Server{
		Handler:           s.engine,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("Starting HTTP server", "listen", listener.Addr().String())
		errCh <- srv.Serve(listener)
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	s.logger.Info("Stopping HTTP server")
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return err
	}
	return nil
}
