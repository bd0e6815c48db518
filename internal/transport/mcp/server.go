package mcp

import (
	"context"
	"log/slog"
	"net/http"

	mcpserver "github.com/mark3labs/mcp-go/server"

	runsvc "github.com/alanyang/promptlab/internal/service/run"
)

// Server wraps the mark3labs/mcp-go MCPServer and its StreamableHTTPServer.
// [SRP] HTTP server lifecycle only (start, stop, session close).
//
//	Tools are registered in tools.go, prompts in prompts.go, session state in registry.go.
type Server struct {
	httpSrv *mcpserver.StreamableHTTPServer
	mcpSrv  *mcpserver.MCPServer
	reg     *SessionRegistry
}

func New(reg *SessionRegistry, svc *runsvc.Service, version string) *Server {
	s := &Server{reg: reg}

	hooks := &mcpserver.Hooks{}
	hooks.OnUnregisterSession = append(hooks.OnUnregisterSession, s.onSessionClose)

	mcpSrv := mcpserver.NewMCPServer(
		"promptlab",
		version,
		mcpserver.WithToolCapabilities(true),
		mcpserver.WithPromptCapabilities(true),
		mcpserver.WithLogging(),
		mcpserver.WithHooks(hooks),
	)
	reg.SetMCPServer(mcpSrv)

	RegisterTools(mcpSrv, reg, svc)
	RegisterPrompts(mcpSrv, svc)

	s.mcpSrv = mcpSrv
	s.httpSrv = mcpserver.NewStreamableHTTPServer(mcpSrv)
	return s
}

// Handler returns an http.Handler that serves the MCP endpoint.
func (s *Server) Handler() http.Handler {
	return s.httpSrv
}

func (s *Server) MCPServer() *mcpserver.MCPServer {
	return s.mcpSrv
}

func (s *Server) Registry() *SessionRegistry {
	return s.reg
}

func (s *Server) Shutdown(ctx context.Context) error {
	return s.httpSrv.Shutdown(ctx)
}

func (s *Server) onSessionClose(ctx context.Context, session mcpserver.ClientSession) {
	n := s.reg.UnregisterSession(session.SessionID())
	if n > 0 {
		slog.InfoContext(ctx, "mcp: session closed, dropped progress subscriptions",
			"session_id", session.SessionID(), "count", n)
	}
}
