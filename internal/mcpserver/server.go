// Package mcpserver exposes taskdeck's task operations as MCP tools, proxying
// the local HTTP API. Both the SSE transport (/sse) and the streamable HTTP
// transport (/mcp) are served on one port, so Claude Desktop-style clients
// and Codex-style clients connect to the same server.
package mcpserver

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"sync"

	"github.com/mark3labs/mcp-go/server"
	"go.uber.org/zap"

	"github.com/taskdeck/taskdeck/internal/common/logger"
)

// Config holds the MCP server configuration.
type Config struct {
	// Port to listen on. 0 picks a free port.
	Port int
	// APIURL is the taskdeck server base URL, e.g. http://localhost:8080.
	APIURL string
	// AuthToken is sent as a bearer token on every proxied API call when the
	// taskdeck server has auth enabled. Optional.
	AuthToken string
}

// DefaultConfig returns the default configuration.
func DefaultConfig() Config {
	return Config{
		Port:   9090,
		APIURL: "http://localhost:8080",
	}
}

// Server wraps the SSE and streamable HTTP transports with lifecycle
// management.
type Server struct {
	cfg        Config
	sse        *server.SSEServer
	streamable *server.StreamableHTTPServer
	httpServer *http.Server
	logger     *logger.Logger

	mu      sync.Mutex
	running bool
}

// New creates an MCP server.
func New(cfg Config, log *logger.Logger) *Server {
	return &Server{cfg: cfg, logger: log.WithFields(zap.String("component", "mcp-server"))}
}

// Start binds the listener and serves both transports in a goroutine. It
// returns once the server is listening.
func (s *Server) Start(ctx context.Context) error {
	s.mu.Lock()
	if s.running {
		s.mu.Unlock()
		return fmt.Errorf("server already running")
	}
	s.mu.Unlock()

	mcpServer := server.NewMCPServer(
		"taskdeck-mcp",
		"1.0.0",
		server.WithToolCapabilities(true),
	)
	registerTools(mcpServer, s.cfg, s.logger)

	s.sse = server.NewSSEServer(mcpServer)
	s.streamable = server.NewStreamableHTTPServer(mcpServer,
		server.WithEndpointPath("/mcp"),
	)

	mux := http.NewServeMux()
	mux.Handle("/sse", s.sse.SSEHandler())
	mux.Handle("/message", s.sse.MessageHandler())
	mux.Handle("/mcp", s.streamable)

	listener, err := net.Listen("tcp", fmt.Sprintf(":%d", s.cfg.Port))
	if err != nil {
		return fmt.Errorf("listen on port %d: %w", s.cfg.Port, err)
	}
	if tcpAddr, ok := listener.Addr().(*net.TCPAddr); ok {
		s.cfg.Port = tcpAddr.Port
	}

	s.httpServer = &http.Server{Handler: mux}

	ready := make(chan struct{})
	go func() {
		s.mu.Lock()
		s.running = true
		s.mu.Unlock()
		close(ready)

		s.logger.Info("MCP server listening",
			zap.Int("port", s.cfg.Port),
			zap.String("api_url", s.cfg.APIURL))

		if err := s.httpServer.Serve(listener); err != nil && err != http.ErrServerClosed {
			s.logger.Error("MCP server error", zap.Error(err))
		}

		s.mu.Lock()
		s.running = false
		s.mu.Unlock()
	}()

	select {
	case <-ready:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Stop gracefully shuts the server and both transports down.
func (s *Server) Stop(ctx context.Context) error {
	s.mu.Lock()
	running := s.running
	s.mu.Unlock()
	if !running {
		return nil
	}

	if s.httpServer != nil {
		if err := s.httpServer.Shutdown(ctx); err != nil {
			return fmt.Errorf("shutdown HTTP server: %w", err)
		}
	}
	if s.sse != nil {
		if err := s.sse.Shutdown(ctx); err != nil {
			s.logger.Warn("SSE transport shutdown failed", zap.Error(err))
		}
	}
	if s.streamable != nil {
		if err := s.streamable.Shutdown(ctx); err != nil {
			s.logger.Warn("streamable HTTP transport shutdown failed", zap.Error(err))
		}
	}
	return nil
}

// SSEEndpoint returns the SSE transport URL for client configuration.
func (s *Server) SSEEndpoint() string {
	return fmt.Sprintf("http://localhost:%d/sse", s.cfg.Port)
}

// StreamableHTTPEndpoint returns the streamable HTTP transport URL.
func (s *Server) StreamableHTTPEndpoint() string {
	return fmt.Sprintf("http://localhost:%d/mcp", s.cfg.Port)
}
