// Package mcpserver exposes the daemon to MCP clients: assistants can
// inspect tabs, windows and rules, preview and run rules, and read the
// run log and snooze queue over the SSE transport mounted at /mcp.
package mcpserver

import (
	"net/http"

	"github.com/modelcontextprotocol/go-sdk/mcp"
	"go.uber.org/zap"

	"github.com/marcus-qen/tabwarden/internal/driver"
	"github.com/marcus-qen/tabwarden/internal/engine"
	"github.com/marcus-qen/tabwarden/internal/rules"
	"github.com/marcus-qen/tabwarden/internal/snooze"
)

// Version is injected from the daemon build metadata.
var Version = "dev"

// MCPServer wires daemon components into MCP tools and resources.
type MCPServer struct {
	server  *mcp.Server
	handler http.Handler
	rules   *rules.Store
	engine  *engine.Engine
	drv     driver.Driver
	snoozes *snooze.Queue
	logger  *zap.Logger
}

// New creates and wires the MCP surface.
func New(rulesStore *rules.Store, eng *engine.Engine, drv driver.Driver, snoozes *snooze.Queue, logger *zap.Logger) *MCPServer {
	if logger == nil {
		logger = zap.NewNop()
	}

	implVersion := Version
	if implVersion == "" {
		implVersion = "dev"
	}

	srv := mcp.NewServer(&mcp.Implementation{
		Name:    "tabwarden",
		Version: implVersion,
	}, nil)

	s := &MCPServer{
		server:  srv,
		rules:   rulesStore,
		engine:  eng,
		drv:     drv,
		snoozes: snoozes,
		logger:  logger.Named("mcp"),
	}

	s.registerTools()
	s.registerResources()
	s.handler = mcp.NewSSEHandler(func(_ *http.Request) *mcp.Server {
		return s.server
	}, nil)

	return s
}

// Handler returns the HTTP SSE transport handler mounted at /mcp.
func (s *MCPServer) Handler() http.Handler {
	if s == nil {
		return http.NotFoundHandler()
	}
	return s.handler
}
