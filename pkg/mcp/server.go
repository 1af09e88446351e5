package mcp

import (
	"context"
	"log/slog"
	"os"
	"sync"
	"time"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"github.com/renna-labs/stitch/internal/engine"
	"github.com/renna-labs/stitch/internal/secrets"
	"github.com/renna-labs/stitch/internal/store"
	"github.com/renna-labs/stitch/internal/streaming"
)

// StitchServerDeps holds the dependencies for creating a StitchServer.
type StitchServerDeps struct {
	Executor engine.Executor
	Store    store.Store
	Vault    secrets.Vault
	Hub      streaming.EventHub
	Logger   *slog.Logger

	// Debounce overrides the preview debounce interval; zero keeps the default.
	Debounce time.Duration
	// AbortGrace overrides the stop grace window; zero keeps the default.
	AbortGrace time.Duration
}

// StitchServer wraps an MCP server with pipeline coordination tool handlers.
// Each loaded tool gets its own coordinator (workspace), created lazily.
type StitchServer struct {
	executor engine.Executor
	store    store.Store
	vault    secrets.Vault
	hub      streaming.EventHub
	logger   *slog.Logger

	debounce   time.Duration
	abortGrace time.Duration

	wsMu       sync.Mutex
	workspaces map[string]*workspace

	mcpServer *server.MCPServer
}

// NewStitchServer creates a new StitchServer with all tools registered.
func NewStitchServer(deps StitchServerDeps) *StitchServer {
	logger := deps.Logger
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelInfo}))
	}

	s := &StitchServer{
		executor:   deps.Executor,
		store:      deps.Store,
		vault:      deps.Vault,
		hub:        deps.Hub,
		logger:     logger,
		debounce:   deps.Debounce,
		abortGrace: deps.AbortGrace,
		workspaces: make(map[string]*workspace),
	}

	mcpSrv := server.NewMCPServer(
		"stitch",
		"1.0.0",
		server.WithToolCapabilities(false),
		server.WithRecovery(),
		server.WithInstructions("Stitch coordinates tool pipelines of ordered API-call steps plus a final transform. Use stitch.load to open a tool, stitch.run to execute the whole pipeline, stitch.run_step for a single step, stitch.transform for the final transform, stitch.preview for live selector previews, stitch.status/stitch.summary to inspect run state, stitch.stop to cancel, and stitch.runs for run history."),
	)

	mcpSrv.AddTools(s.tools()...)
	s.mcpServer = mcpSrv
	return s
}

// Serve starts the stdio transport and blocks until ctx is cancelled or stdin closes.
func (s *StitchServer) Serve(ctx context.Context) error {
	stdio := server.NewStdioServer(s.mcpServer)
	return stdio.Listen(ctx, os.Stdin, os.Stdout)
}

// MCPServer returns the underlying MCPServer for testing or custom transports.
func (s *StitchServer) MCPServer() *server.MCPServer {
	return s.mcpServer
}

// tools returns the registered MCP tools as ServerTool entries.
func (s *StitchServer) tools() []server.ServerTool {
	return []server.ServerTool{
		{Tool: loadTool(), Handler: s.handleLoad},
		{Tool: runTool(), Handler: s.handleRun},
		{Tool: runStepTool(), Handler: s.handleRunStep},
		{Tool: transformTool(), Handler: s.handleTransform},
		{Tool: stopTool(), Handler: s.handleStop},
		{Tool: statusTool(), Handler: s.handleStatus},
		{Tool: summaryTool(), Handler: s.handleSummary},
		{Tool: previewTool(), Handler: s.handlePreview},
		{Tool: runsTool(), Handler: s.handleRuns},
	}
}

// --- Tool definitions ---

func loadTool() mcp.Tool {
	return mcp.NewTool("stitch.load",
		mcp.WithDescription("Load (or replace) a tool pipeline definition and open a workspace for it"),
		mcp.WithObject("definition", mcp.Required(), mcp.Description("Full tool definition: id, steps, inputSchema, outputSchema, outputTransform")),
		mcp.WithBoolean("persist", mcp.Description("Also save the definition to the store (default true)")),
	)
}

func runTool() mcp.Tool {
	return mcp.NewTool("stitch.run",
		mcp.WithDescription("Execute the whole pipeline for a loaded tool, in step order, then the final transform"),
		mcp.WithString("tool_id", mcp.Required(), mcp.Description("ID of the loaded tool")),
		mcp.WithObject("payload", mcp.Description("Manual payload for the run")),
	)
}

func runStepTool() mcp.Tool {
	return mcp.NewTool("stitch.run_step",
		mcp.WithDescription("Execute a single step; every preceding step must already be completed"),
		mcp.WithString("tool_id", mcp.Required(), mcp.Description("ID of the loaded tool")),
		mcp.WithNumber("index", mcp.Required(), mcp.Description("Zero-based step index")),
	)
}

func transformTool() mcp.Tool {
	return mcp.NewTool("stitch.transform",
		mcp.WithDescription("Execute the final output transform; every step must be completed"),
		mcp.WithString("tool_id", mcp.Required(), mcp.Description("ID of the loaded tool")),
	)
}

func stopTool() mcp.Tool {
	return mcp.NewTool("stitch.stop",
		mcp.WithDescription("Request cooperative cancellation of the in-flight run"),
		mcp.WithString("tool_id", mcp.Required(), mcp.Description("ID of the loaded tool")),
	)
}

func statusTool() mcp.Tool {
	return mcp.NewTool("stitch.status",
		mcp.WithDescription("Get structured per-step and transform run state"),
		mcp.WithString("tool_id", mcp.Required(), mcp.Description("ID of the loaded tool")),
	)
}

func summaryTool() mcp.Tool {
	return mcp.NewTool("stitch.summary",
		mcp.WithDescription("Get a plain-text step-by-step execution summary with truncated errors"),
		mcp.WithString("tool_id", mcp.Required(), mcp.Description("ID of the loaded tool")),
	)
}

func previewTool() mcp.Tool {
	return mcp.NewTool("stitch.preview",
		mcp.WithDescription("Arm the debounced data-selector preview for a step and return the current cached result plus composed source data"),
		mcp.WithString("tool_id", mcp.Required(), mcp.Description("ID of the loaded tool")),
		mcp.WithNumber("index", mcp.Required(), mcp.Description("Zero-based step index")),
	)
}

func runsTool() mcp.Tool {
	return mcp.NewTool("stitch.runs",
		mcp.WithDescription("List recorded runs, most recent first"),
		mcp.WithString("tool_id", mcp.Description("Filter by tool ID")),
		mcp.WithString("status", mcp.Description("Filter by run status"), mcp.Enum("running", "success", "failed", "aborted")),
		mcp.WithNumber("limit", mcp.Description("Maximum number of runs to return (default 20)")),
	)
}
