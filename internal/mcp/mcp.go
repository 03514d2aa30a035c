// Package mcp implements the Model Context Protocol server for Kagami.
//
// The MCP server exposes the twin chat pipeline and the escalation review
// queue as MCP tools, so MCP-compatible clients can talk to a twin and work
// its escalations without going through the HTTP API. It mounts behind the
// HTTP server's auth middleware; every tool call carries owner claims.
package mcp

import (
	"log/slog"

	mcpserver "github.com/mark3labs/mcp-go/server"

	"github.com/ashita-ai/kagami/internal/service/embedding"
	"github.com/ashita-ai/kagami/internal/service/turn"
	"github.com/ashita-ai/kagami/internal/storage"
)

// Server wraps the MCP server with Kagami's service layer.
type Server struct {
	mcpServer *mcpserver.MCPServer
	db        *storage.DB
	turnSvc   *turn.Service
	embedder  embedding.Provider
	logger    *slog.Logger
}

// New creates and configures a new MCP server with all tools.
func New(db *storage.DB, turnSvc *turn.Service, embedder embedding.Provider, logger *slog.Logger) *Server {
	s := &Server{
		db:       db,
		turnSvc:  turnSvc,
		embedder: embedder,
		logger:   logger,
	}

	s.mcpServer = mcpserver.NewMCPServer(
		"kagami",
		"0.1.0",
		mcpserver.WithToolCapabilities(true),
	)

	s.registerTools()

	return s
}

// MCPServer returns the underlying mcp-go server for transport setup.
func (s *Server) MCPServer() *mcpserver.MCPServer {
	return s.mcpServer
}
