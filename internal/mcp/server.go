package mcp

import (
	"context"
	"fmt"
	"runtime/debug"
	"time"

	"github.com/modelcontextprotocol/go-sdk/mcp"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/learnd/internal/app"
	"github.com/fyrsmithlabs/learnd/internal/coord"
)

// Server is an MCP server over a learnd App.
type Server struct {
	mcp     *mcp.Server
	app     *app.App
	metrics *Metrics
	logger  *zap.Logger
}

// Config configures the MCP server.
type Config struct {
	// Name is the server implementation name (default: "learnd")
	Name string

	// Version is the server version (default: "dev")
	Version string

	// Logger for structured logging
	Logger *zap.Logger
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() *Config {
	return &Config{
		Name:    "learnd",
		Version: "dev",
		Logger:  zap.NewNop(),
	}
}

// NewServer creates an MCP server and registers every tool.
func NewServer(cfg *Config, a *app.App) (*Server, error) {
	if cfg == nil {
		cfg = DefaultConfig()
	}
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop()
	}
	if a == nil {
		return nil, fmt.Errorf("app is required")
	}

	s := &Server{
		mcp: mcp.NewServer(&mcp.Implementation{
			Name:    cfg.Name,
			Version: cfg.Version,
		}, nil),
		app:     a,
		metrics: NewMetrics(cfg.Logger),
		logger:  cfg.Logger,
	}
	s.registerTools()
	return s, nil
}

// Run serves MCP on the stdio transport until ctx is done or the client
// disconnects.
func (s *Server) Run(ctx context.Context) error {
	s.logger.Info("starting MCP server on stdio transport")
	if err := s.mcp.Run(ctx, &mcp.StdioTransport{}); err != nil {
		return fmt.Errorf("server run failed: %w", err)
	}
	return nil
}

// session returns the process session with any non-empty override applied.
func (s *Server) session(sessionID, project string) coord.SessionContext {
	sc := s.app.Session
	if sessionID != "" {
		sc.SessionID = sessionID
	}
	if project != "" {
		sc.Project = project
	}
	return sc
}

// instrument records metrics for h and turns a panic into a tool error.
func instrument[In, Out any](s *Server, name string, h mcp.ToolHandlerFor[In, Out]) mcp.ToolHandlerFor[In, Out] {
	return func(ctx context.Context, req *mcp.CallToolRequest, in In) (res *mcp.CallToolResult, out Out, err error) {
		start := time.Now()
		end := s.metrics.Begin(ctx, name)
		defer func() {
			if r := recover(); r != nil {
				s.logger.Error("mcp tool panicked",
					zap.String("tool", name),
					zap.Any("panic", r),
					zap.ByteString("stack", debug.Stack()))
				res, err = nil, fmt.Errorf("%s: internal error", name)
			}
			end()
			s.metrics.RecordCall(ctx, name, time.Since(start), outcome(out, err))
		}()
		return h(ctx, req, in)
	}
}

func text(format string, args ...any) *mcp.CallToolResult {
	return &mcp.CallToolResult{
		Content: []mcp.Content{&mcp.TextContent{Text: fmt.Sprintf(format, args...)}},
	}
}
