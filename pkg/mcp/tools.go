package mcp

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/mark3labs/mcp-go/mcp"

	"github.com/renna-labs/stitch/internal/config"
	"github.com/renna-labs/stitch/internal/engine"
	"github.com/renna-labs/stitch/internal/evalcache"
	"github.com/renna-labs/stitch/internal/store"
	"github.com/renna-labs/stitch/pkg/schema"
)

// workspace binds one loaded tool to its config store and coordinator.
type workspace struct {
	cfg   *config.Store
	coord *engine.Coordinator
}

// getWorkspace returns the workspace for toolID, loading the tool from the
// store on first access.
func (s *StitchServer) getWorkspace(ctx context.Context, toolID string) (*workspace, error) {
	s.wsMu.Lock()
	if ws, ok := s.workspaces[toolID]; ok {
		s.wsMu.Unlock()
		return ws, nil
	}
	s.wsMu.Unlock()

	stored, err := s.store.GetTool(ctx, toolID)
	if err != nil {
		return nil, err
	}
	return s.openWorkspace(&stored.Definition)
}

// openWorkspace creates (or replaces) the workspace for a tool definition.
func (s *StitchServer) openWorkspace(tool *schema.Tool) (*workspace, error) {
	cfg := config.NewStore()
	if err := cfg.LoadTool(tool); err != nil {
		return nil, err
	}

	var cacheOpts []evalcache.Option
	if s.debounce > 0 {
		cacheOpts = append(cacheOpts, evalcache.WithDebounce(s.debounce))
	}
	engineOpts := []engine.Option{
		engine.WithLogger(s.logger),
		engine.WithHub(s.hub),
		engine.WithRecorder(s.store),
		engine.WithVault(s.vault),
		engine.WithToolID(tool.ID),
	}
	if s.abortGrace > 0 {
		engineOpts = append(engineOpts, engine.WithAbortGrace(s.abortGrace))
	}
	coord, err := engine.New(cfg, s.executor, cacheOpts, engineOpts...)
	if err != nil {
		return nil, err
	}
	ws := &workspace{cfg: cfg, coord: coord}

	s.wsMu.Lock()
	s.workspaces[tool.ID] = ws
	s.wsMu.Unlock()
	return ws, nil
}

// RunScheduled satisfies scheduler.PipelineRunner: it runs the whole
// pipeline for a stored tool with the given payload.
func (s *StitchServer) RunScheduled(ctx context.Context, toolID string, payload map[string]any) error {
	ws, err := s.getWorkspace(ctx, toolID)
	if err != nil {
		return err
	}
	ws.coord.SetPayload(payload, nil)
	return ws.coord.RunPipeline(ctx)
}

// --- Handlers ---

func (s *StitchServer) handleLoad(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	defRaw := mcp.ParseStringMap(req, "definition", nil)
	if defRaw == nil {
		return mcp.NewToolResultError("definition is required"), nil
	}

	raw, err := json.Marshal(defRaw)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("invalid definition: %v", err)), nil
	}
	var tool schema.Tool
	if err := json.Unmarshal(raw, &tool); err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("invalid definition: %v", err)), nil
	}
	if tool.ID == "" {
		return mcp.NewToolResultError("definition.id is required"), nil
	}

	if _, err := s.openWorkspace(&tool); err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("failed to open workspace: %v", err)), nil
	}

	if req.GetBool("persist", true) {
		stored := &store.StoredTool{ID: tool.ID, Definition: tool, CreatedAt: time.Now().UTC()}
		if err := s.store.SaveTool(ctx, stored); err != nil {
			return mcp.NewToolResultError(fmt.Sprintf("failed to persist tool: %v", err)), nil
		}
	}

	return marshalResult(map[string]any{
		"ok":      true,
		"tool_id": tool.ID,
		"steps":   len(tool.Steps),
	})
}

func (s *StitchServer) handleRun(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	toolID, err := req.RequireString("tool_id")
	if err != nil {
		return mcp.NewToolResultError("tool_id is required"), nil
	}
	payload := mcp.ParseStringMap(req, "payload", nil)

	ws, wsErr := s.getWorkspace(ctx, toolID)
	if wsErr != nil {
		return mcp.NewToolResultError(fmt.Sprintf("tool lookup failed: %v", wsErr)), nil
	}

	if payload != nil {
		ws.coord.SetPayload(payload, nil)
	}
	if runErr := ws.coord.RunPipeline(ctx); runErr != nil {
		return mcp.NewToolResultError(fmt.Sprintf("pipeline run failed: %v", runErr)), nil
	}
	return marshalResult(ws.coord.StatusReport())
}

func (s *StitchServer) handleRunStep(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	toolID, err := req.RequireString("tool_id")
	if err != nil {
		return mcp.NewToolResultError("tool_id is required"), nil
	}
	index := req.GetInt("index", -1)
	if index < 0 {
		return mcp.NewToolResultError("index is required"), nil
	}

	ws, wsErr := s.getWorkspace(ctx, toolID)
	if wsErr != nil {
		return mcp.NewToolResultError(fmt.Sprintf("tool lookup failed: %v", wsErr)), nil
	}

	if runErr := ws.coord.RunStep(ctx, index); runErr != nil {
		return mcp.NewToolResultError(fmt.Sprintf("step run failed: %v", runErr)), nil
	}
	st, _ := ws.coord.StepState(index)
	return marshalResult(map[string]any{
		"index":  index,
		"status": string(st.Status),
		"result": st.Result,
		"error":  st.Error,
	})
}

func (s *StitchServer) handleTransform(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	toolID, err := req.RequireString("tool_id")
	if err != nil {
		return mcp.NewToolResultError("tool_id is required"), nil
	}

	ws, wsErr := s.getWorkspace(ctx, toolID)
	if wsErr != nil {
		return mcp.NewToolResultError(fmt.Sprintf("tool lookup failed: %v", wsErr)), nil
	}

	if runErr := ws.coord.RunTransform(ctx); runErr != nil {
		return mcp.NewToolResultError(fmt.Sprintf("transform run failed: %v", runErr)), nil
	}
	ts := ws.coord.TransformState()
	return marshalResult(map[string]any{
		"status": string(ts.Status),
		"result": ts.Result,
		"error":  ts.Error,
	})
}

func (s *StitchServer) handleStop(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	toolID, err := req.RequireString("tool_id")
	if err != nil {
		return mcp.NewToolResultError("tool_id is required"), nil
	}

	ws, wsErr := s.getWorkspace(ctx, toolID)
	if wsErr != nil {
		return mcp.NewToolResultError(fmt.Sprintf("tool lookup failed: %v", wsErr)), nil
	}

	ws.coord.Stop(ctx)
	return marshalResult(map[string]any{
		"ok":    true,
		"phase": string(ws.coord.Phase()),
	})
}

func (s *StitchServer) handleStatus(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	toolID, err := req.RequireString("tool_id")
	if err != nil {
		return mcp.NewToolResultError("tool_id is required"), nil
	}

	ws, wsErr := s.getWorkspace(ctx, toolID)
	if wsErr != nil {
		return mcp.NewToolResultError(fmt.Sprintf("tool lookup failed: %v", wsErr)), nil
	}
	return marshalResult(ws.coord.StatusReport())
}

func (s *StitchServer) handleSummary(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	toolID, err := req.RequireString("tool_id")
	if err != nil {
		return mcp.NewToolResultError("tool_id is required"), nil
	}

	ws, wsErr := s.getWorkspace(ctx, toolID)
	if wsErr != nil {
		return mcp.NewToolResultError(fmt.Sprintf("tool lookup failed: %v", wsErr)), nil
	}
	return mcp.NewToolResultText(ws.coord.Summary()), nil
}

func (s *StitchServer) handlePreview(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	toolID, err := req.RequireString("tool_id")
	if err != nil {
		return mcp.NewToolResultError("tool_id is required"), nil
	}
	index := req.GetInt("index", -1)
	if index < 0 {
		return mcp.NewToolResultError("index is required"), nil
	}

	ws, wsErr := s.getWorkspace(ctx, toolID)
	if wsErr != nil {
		return mcp.NewToolResultError(fmt.Sprintf("tool lookup failed: %v", wsErr)), nil
	}

	if schedErr := ws.coord.SchedulePreview(ctx, index); schedErr != nil {
		return mcp.NewToolResultError(fmt.Sprintf("preview failed: %v", schedErr)), nil
	}

	sourceData, srcErr := ws.coord.SourceData(ctx, index)
	if srcErr != nil {
		return mcp.NewToolResultError(fmt.Sprintf("source composition failed: %v", srcErr)), nil
	}

	entry, state := ws.coord.SelectorResult(index)
	out := map[string]any{
		"state":       previewStateName(state),
		"source_data": sourceData,
		"epoch":       ws.coord.Epoch(),
	}
	if state == evalcache.StateReady {
		out["value"] = entry.Value
		if entry.Err != nil {
			out["error"] = entry.Err.Error()
		}
	}
	return marshalResult(out)
}

func (s *StitchServer) handleRuns(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	filter := store.RunFilter{
		ToolID: req.GetString("tool_id", ""),
		Status: schema.RunStatus(req.GetString("status", "")),
		Limit:  req.GetInt("limit", 20),
	}

	runs, err := s.store.ListRuns(ctx, filter)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("run query failed: %v", err)), nil
	}
	return marshalResult(map[string]any{"runs": runs, "count": len(runs)})
}

func previewStateName(state evalcache.State) string {
	switch state {
	case evalcache.StateReady:
		return "ready"
	case evalcache.StatePending:
		return "pending"
	default:
		return "none"
	}
}

func marshalResult(v any) (*mcp.CallToolResult, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("failed to marshal result: %v", err)), nil
	}
	return mcp.NewToolResultJSON(json.RawMessage(data))
}
