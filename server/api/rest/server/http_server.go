package server

import (
	"context"
	"net/http"

	"github.com/jobserv/jobserv/common/logger"
)

type HTTPServerConfig struct {
	Address string
}

// HTTPServer serves the jobserv API.
type HTTPServer struct {
	httpServer *http.Server
	config     HTTPServerConfig
	log        logger.Log
}

func NewHTTPServer(handler http.Handler, config HTTPServerConfig, log logger.Log) *HTTPServer {
	return &HTTPServer{
		httpServer: &http.Server{
			Addr:    config.Address,
			Handler: handler,
		},
		config: config,
		log:    log,
	}
}

// Start begins listening on the configured address. ListenAndServe is called
// on a goroutine so this function returns immediately.
func (s *HTTPServer) Start() {
	go func() {
		s.log.Infof("HTTP listening on %s", s.httpServer.Addr)
		err := s.httpServer.ListenAndServe()
		if err != nil && err != http.ErrServerClosed {
			s.log.Fatalf("Error starting server: %s", err)
		}
	}()
}

// Stop shuts the server down gracefully, allowing in-flight requests to
// complete until the supplied context is cancelled.
func (s *HTTPServer) Stop(ctx context.Context) error {
	s.log.Infof("HTTP server shutting down")
	return s.httpServer.Shutdown(ctx)
}

func (s *HTTPServer) GetHTTPServer() *http.Server {
	return s.httpServer
}
