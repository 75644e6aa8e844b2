// Package mcpserver embeds the MCP tool server through which in-container
// agents drive the gateway: spawning child sessions, exchanging prompts and
// results with them, and escalating questions to a human. Both MCP
// transports share one port: SSE (/sse) for clients that speak the older
// protocol, streamable HTTP (/mcp) for the rest. Workers point their
// agents here via the .mcp.json the wrapper writes into the workspace.
package mcpserver

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"sync"

	"github.com/mark3labs/mcp-go/server"
	"go.uber.org/zap"

	"github.com/agentdock/agentdock/internal/common/logger"
)

const (
	serverName    = "agentdock-gateway"
	serverVersion = "1.0.0"
)

// Server wraps the SSE and streamable HTTP transports with lifecycle
// management.
type Server struct {
	port  int
	tools *Toolset

	sseServer        *server.SSEServer
	streamableServer *server.StreamableHTTPServer
	httpServer       *http.Server

	mu      sync.Mutex
	running bool
	logger  *logger.Logger
}

// New creates an MCP server that will listen on the given port.
func New(port int, tools *Toolset, log *logger.Logger) *Server {
	return &Server{
		port:   port,
		tools:  tools,
		logger: log.WithFields(zap.String("component", "mcp-server")),
	}
}

// Start begins serving both transports in a goroutine and returns once the
// listener is accepting, or when ctx is cancelled first.
func (s *Server) Start(ctx context.Context) error {
	s.mu.Lock()
	if s.running {
		s.mu.Unlock()
		return fmt.Errorf("mcp server already running")
	}
	s.mu.Unlock()

	mcpServer := server.NewMCPServer(serverName, serverVersion,
		server.WithToolCapabilities(true),
	)
	s.tools.register(mcpServer)

	s.sseServer = server.NewSSEServer(mcpServer)
	s.streamableServer = server.NewStreamableHTTPServer(mcpServer,
		server.WithEndpointPath("/mcp"),
	)

	mux := http.NewServeMux()
	mux.Handle("/sse", s.sseServer.SSEHandler())
	mux.Handle("/message", s.sseServer.MessageHandler())
	mux.Handle("/mcp", s.streamableServer)

	addr := fmt.Sprintf(":%d", s.port)
	listener, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", addr, err)
	}
	// Port 0 asks the kernel for a free port; record what we got.
	if tcpAddr, ok := listener.Addr().(*net.TCPAddr); ok {
		s.port = tcpAddr.Port
	}
	s.httpServer = &http.Server{Handler: mux}

	ready := make(chan struct{})
	go func() {
		s.mu.Lock()
		s.running = true
		s.mu.Unlock()
		close(ready)

		s.logger.Info("MCP server listening",
			zap.Int("port", s.port),
			zap.String("sse_endpoint", "/sse"),
			zap.String("streamable_http_endpoint", "/mcp"))

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

// Stop drains both transports and shuts the listener down.
func (s *Server) Stop(ctx context.Context) error {
	s.mu.Lock()
	running := s.running
	s.mu.Unlock()
	if !running {
		return nil
	}

	if s.httpServer != nil {
		if err := s.httpServer.Shutdown(ctx); err != nil {
			return fmt.Errorf("failed to shutdown MCP http server: %w", err)
		}
	}
	if s.sseServer != nil {
		if err := s.sseServer.Shutdown(ctx); err != nil {
			s.logger.Warn("Failed to shutdown SSE transport", zap.Error(err))
		}
	}
	if s.streamableServer != nil {
		if err := s.streamableServer.Shutdown(ctx); err != nil {
			s.logger.Warn("Failed to shutdown streamable HTTP transport", zap.Error(err))
		}
	}
	return nil
}

// Port returns the bound port. It differs from the configured one when
// the server was started on port 0.
func (s *Server) Port() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.port
}
