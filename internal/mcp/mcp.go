// Package mcp exposes the running pipeline over the Model Context Protocol.
//
// The MCP server offers a subset of the HTTP control surface as MCP tools and
// resources so MCP-compatible agents can watch pipeline health and request a
// basis resync.
package mcp

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	mcplib "github.com/mark3labs/mcp-go/mcp"
	mcpserver "github.com/mark3labs/mcp-go/server"

	"github.com/ashita-ai/kansoku/internal/auth"
	"github.com/ashita-ai/kansoku/internal/model"
	"github.com/ashita-ai/kansoku/internal/server"
)

const (
	healthURI = "kansoku://health"
	statusURI = "kansoku://status"
)

// Server wraps the mcp-go server with the pipeline it reports on.
type Server struct {
	mcpServer *mcpserver.MCPServer
	pipeline  server.Pipeline
	logger    *slog.Logger
	version   string
	startedAt time.Time
}

// New creates an MCP server with all resources and tools registered.
func New(pipeline server.Pipeline, logger *slog.Logger, version string) *Server {
	s := &Server{
		pipeline:  pipeline,
		logger:    logger,
		version:   version,
		startedAt: time.Now(),
	}

	s.mcpServer = mcpserver.NewMCPServer(
		"kansoku",
		version,
		mcpserver.WithResourceCapabilities(false, false),
		mcpserver.WithToolCapabilities(false),
	)

	s.registerResources()
	s.registerTools()

	return s
}

// MCPServer returns the underlying mcp-go server for transport setup.
func (s *Server) MCPServer() *mcpserver.MCPServer {
	return s.mcpServer
}

func (s *Server) registerResources() {
	s.mcpServer.AddResource(
		mcplib.NewResource(
			healthURI,
			"Pipeline Health",
			mcplib.WithResourceDescription("Health state of the pipeline and the conditions keeping it from healthy"),
			mcplib.WithMIMEType("application/json"),
		),
		s.handleHealthResource,
	)
	s.mcpServer.AddResource(
		mcplib.NewResource(
			statusURI,
			"Pipeline Status",
			mcplib.WithResourceDescription("Point-in-time counters for the coordinator, worker pools, output driver, stream and sinks"),
			mcplib.WithMIMEType("application/json"),
		),
		s.handleStatusResource,
	)
}

func (s *Server) registerTools() {
	s.mcpServer.AddTool(
		mcplib.NewTool("kansoku_status",
			mcplib.WithDescription(`Report the pipeline's health and counters.

Returns the health state (healthy, degraded, draining, stalled or drained),
the conditions behind it, and the full status snapshot: frames in flight,
the output flush cursor, per-pool and per-stage counters, subscriber
count and sink state.`),
			mcplib.WithReadOnlyHintAnnotation(true),
		),
		s.handleStatus,
	)

	s.mcpServer.AddTool(
		mcplib.NewTool("kansoku_request_basis",
			mcplib.WithDescription(`Request a full basis record.

Without a frame number the next frame to be emitted is flagged. A frame
that was already emitted cannot be flagged. Requires the control scope
when authentication is enabled.`),
			mcplib.WithNumber("frame",
				mcplib.Description("Frame number to flag. Omit to flag the next unemitted frame."),
				mcplib.Min(0),
			),
		),
		s.handleRequestBasis,
	)
}

// snapshot is the body of the status tool and resources.
type snapshot struct {
	Health  string   `json:"health"`
	Gaps    []string `json:"gaps,omitempty"`
	Version string   `json:"version"`
	Uptime  int64    `json:"uptime_seconds"`
	server.Status
}

func (s *Server) snapshot(ctx context.Context) snapshot {
	st := s.pipeline.Status(ctx)
	health, gaps := server.Evaluate(st)
	return snapshot{
		Health:  health,
		Gaps:    gaps,
		Version: s.version,
		Uptime:  int64(time.Since(s.startedAt).Seconds()),
		Status:  st,
	}
}

func (s *Server) handleHealthResource(ctx context.Context, request mcplib.ReadResourceRequest) ([]mcplib.ResourceContents, error) {
	st := s.pipeline.Status(ctx)
	health, gaps := server.Evaluate(st)
	return jsonResource(request.Params.URI, server.HealthResponse{
		Status:      health,
		Version:     s.version,
		Uptime:      int64(time.Since(s.startedAt).Seconds()),
		InFlight:    st.Frames.InFlight,
		FlushCursor: st.Output.FlushCursor,
		Subscribers: st.Stream.Subscribers,
		Gaps:        gaps,
	})
}

func (s *Server) handleStatusResource(ctx context.Context, request mcplib.ReadResourceRequest) ([]mcplib.ResourceContents, error) {
	return jsonResource(request.Params.URI, s.snapshot(ctx))
}

func (s *Server) handleStatus(ctx context.Context, _ mcplib.CallToolRequest) (*mcplib.CallToolResult, error) {
	return jsonResult(s.snapshot(ctx))
}

func (s *Server) handleRequestBasis(ctx context.Context, request mcplib.CallToolRequest) (*mcplib.CallToolResult, error) {
	// Without authentication there are no claims and the tool is open.
	if claims := server.ClaimsFromContext(ctx); claims != nil && !claims.Has(auth.ScopeControl) {
		return errorResult(fmt.Sprintf("scope %q required", auth.ScopeControl)), nil
	}

	var frame *model.FrameNumber
	if _, ok := request.GetArguments()["frame"]; ok {
		n := request.GetInt("frame", -1)
		if n < 0 {
			return errorResult("frame must be a non-negative integer"), nil
		}
		f := model.FrameNumber(n)
		frame = &f
	}

	n, err := s.pipeline.RequestBasis(frame)
	switch {
	case errors.Is(err, model.ErrUsage), errors.Is(err, model.ErrClosed), errors.Is(err, model.ErrDraining):
		return errorResult(err.Error()), nil
	case err != nil:
		s.logger.Error("mcp: basis request failed", "error", err)
		return errorResult("basis request failed"), nil
	}

	s.logger.Info("mcp: basis requested", "frame", n)
	return jsonResult(model.BasisResponse{FrameNumber: n})
}

func jsonResource(uri string, v any) ([]mcplib.ResourceContents, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("mcp: marshal %s: %w", uri, err)
	}
	return []mcplib.ResourceContents{
		mcplib.TextResourceContents{
			URI:      uri,
			MIMEType: "application/json",
			Text:     string(data),
		},
	}, nil
}

func jsonResult(v any) (*mcplib.CallToolResult, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("mcp: marshal result: %w", err)
	}
	return &mcplib.CallToolResult{
		Content: []mcplib.Content{
			mcplib.TextContent{Type: "text", Text: string(data)},
		},
	}, nil
}

func errorResult(msg string) *mcplib.CallToolResult {
	return &mcplib.CallToolResult{
		Content: []mcplib.Content{
			mcplib.TextContent{Type: "text", Text: msg},
		},
		IsError: true,
	}
}
