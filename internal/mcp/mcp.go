// Package mcp exposes pattern inspection and operations as Model Context
// Protocol tools, so operators can drive patternd from MCP-capable clients.
package mcp

import (
	"context"
	"encoding/json"
	"log/slog"
	"time"

	"github.com/google/uuid"
	mcplib "github.com/mark3labs/mcp-go/mcp"
	mcpserver "github.com/mark3labs/mcp-go/server"

	"github.com/ashita-ai/patternd/internal/jobs"
	"github.com/ashita-ai/patternd/internal/model"
)

// PatternReader is the inspection side of the pattern store.
type PatternReader interface {
	GetPattern(ctx context.Context, tenantID uuid.UUID, t model.PatternType) (*model.ConversionPattern, error)
	ListPatterns(ctx context.Context, tenantID uuid.UUID) ([]model.PatternSummary, error)
	PatternHistory(ctx context.Context, tenantID uuid.UUID, t model.PatternType, limit int) ([]model.PatternHistoryEntry, error)
}

// Operations runs backfills and health sweeps.
type Operations interface {
	Backfill(ctx context.Context, tenantID uuid.UUID, w model.Window) (jobs.TenantReport, error)
	RunHealth(ctx context.Context, horizon time.Duration) (jobs.HealthReport, error)
}

// Server wraps the MCP server with the pattern store and job runner.
type Server struct {
	mcpServer *mcpserver.MCPServer
	patterns  PatternReader
	ops       Operations
	logger    *slog.Logger
}

// New creates and configures a new MCP server with all resources and tools.
func New(patterns PatternReader, ops Operations, logger *slog.Logger, version string) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	s := &Server{patterns: patterns, ops: ops, logger: logger}

	s.mcpServer = mcpserver.NewMCPServer(
		"patternd",
		version,
		mcpserver.WithResourceCapabilities(false, true),
		mcpserver.WithToolCapabilities(true),
		mcpserver.WithRecovery(),
	)

	s.registerResources()
	s.registerTools()
	return s
}

// MCPServer returns the underlying mcp-go server for transport setup.
func (s *Server) MCPServer() *mcpserver.MCPServer {
	return s.mcpServer
}

func jsonResult(v any) *mcplib.CallToolResult {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return errorResult("encode result: " + err.Error())
	}
	return &mcplib.CallToolResult{
		Content: []mcplib.Content{
			mcplib.TextContent{Type: "text", Text: string(data)},
		},
	}
}

func errorResult(msg string) *mcplib.CallToolResult {
	return &mcplib.CallToolResult{
		Content: []mcplib.Content{
			mcplib.TextContent{Type: "text", Text: msg},
		},
		IsError: true,
	}
}
