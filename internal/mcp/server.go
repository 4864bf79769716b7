// Package mcp exposes the task client as Model Context Protocol tools.
package mcp

import (
	"context"
	"net/http"

	"github.com/modelcontextprotocol/go-sdk/mcp"

	"github.com/HyphaGroup/agentbridge/internal/agent"
	"github.com/HyphaGroup/agentbridge/internal/correlate"
	"github.com/HyphaGroup/agentbridge/internal/history"
	"github.com/HyphaGroup/agentbridge/internal/schedule"
	"github.com/HyphaGroup/agentbridge/internal/taskclient"
)

// TaskService is the part of the task client the tools drive
type TaskService interface {
	Submit(ctx context.Context, description string, opts agent.TaskOptions) (*correlate.Future, error)
	ExecuteTask(ctx context.Context, description string, opts agent.TaskOptions) (*agent.Result, error)
	Cancel(ctx context.Context, taskID string) error
	Snapshot() taskclient.Snapshot
	Events(since int) ([]*taskclient.BufferedEvent, error)
	EventStats() taskclient.BufferStats
}

var _ TaskService = (*taskclient.Client)(nil)

// ServerConfig holds the optional collaborators
type ServerConfig struct {
	History   *history.Store
	Schedules *schedule.Runner
	Version   string
}

// Server wraps the MCP server with the task client
type Server struct {
	tasks     TaskService
	history   *history.Store   // nil when history is disabled
	schedules *schedule.Runner // nil without schedules
	registry  *Registry
	mcpServer *mcp.Server
}

// NewServer creates a new MCP server instance
func NewServer(tasks TaskService, cfg *ServerConfig) *Server {
	if cfg == nil {
		cfg = &ServerConfig{}
	}
	version := cfg.Version
	if version == "" {
		version = "dev"
	}

	s := &Server{
		tasks:     tasks,
		history:   cfg.History,
		schedules: cfg.Schedules,
		registry:  NewRegistry(),
	}
	s.registerAllTools(s.registry)

	s.mcpServer = mcp.NewServer(&mcp.Implementation{
		Name:    "agentbridge",
		Version: version,
	}, nil)
	s.registry.RegisterWithMCPServer(s.mcpServer)
	return s
}

// Handler returns the streamable HTTP transport. Authentication is the
// caller's job; tools read the auth context from the request.
func (s *Server) Handler() http.Handler {
	return mcp.NewStreamableHTTPHandler(func(*http.Request) *mcp.Server {
		return s.mcpServer
	}, &mcp.StreamableHTTPOptions{
		EventStore: mcp.NewMemoryEventStore(nil),
	})
}

// GetRegistry returns the tool registry
func (s *Server) GetRegistry() *Registry {
	return s.registry
}
