/*
Copyright 2024 The Depmgr Authors.

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
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/go-logr/logr"
)

// Server is the inspection HTTP server
type Server struct {
	addr    string
	log     logr.Logger
	engine  *gin.Engine
	health  *HealthChecker
	metrics *MetricsServer
	inspect *InspectHandler

	mu       sync.Mutex
	listener net.Listener
}

// NewServer builds the gin engine and its routes. metrics and inspect may be
// nil to leave their routes out.
func NewServer(addr string, log logr.Logger, health *HealthChecker, metrics *MetricsServer, inspect *InspectHandler) *Server {
	// Always use release mode to avoid debug messages
	gin.SetMode(gin.ReleaseMode)
	engine := gin.New()
	engine.Use(gin.Recovery())

	s := &Server{
		addr:    addr,
		log:     log,
		engine:  engine,
		health:  health,
		metrics: metrics,
		inspect: inspect,
	}
	s.setupRoutes()
	return s
}

func (s *Server) setupRoutes() {
	s.engine.GET("/healthz", s.health.HealthzHandler)
	s.engine.GET("/readyz", s.health.ReadyzHandler)

	if s.metrics != nil {
		s.engine.GET("/metrics", s.metrics.MetricsHandler)
		s.engine.GET("/metrics/health", s.metrics.HealthMetricsHandler)
	}

	if s.inspect != nil {
		s.inspect.SetupRoutes(s.engine)
	}
}

// Engine returns the gin engine
func (s *Server) Engine() *gin.Engine {
	return s.engine
}

// Addr returns the bound address once the server listens, the configured
// address before
func (s *Server) Addr() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.listener != nil {
		return s.listener.Addr().String()
	}
	return s.addr
}

// Start serves until ctx is done, then shuts the server down gracefully
func (s *Server) Start(ctx context.Context) error {
	ln, err := net.Listen("tcp", s.addr)
	if err != nil {
		return err
	}
	s.mu.Lock()
	s.listener = ln
	s.mu.Unlock()

	srv := &http.Server{
		Handler:           s.engine,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.Serve(ln)
	}()
	s.log.Info("Inspection server started", "address", ln.Addr().String())

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return err
	}
	s.log.Info("Inspection server stopped")
	return nil
}
