package logging

import (
	"bytes"
	"context"
	"encoding/json"
	"log/slog"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestContextIDs(t *testing.T) {
	ctx := context.Background()
	assert.Equal(t, "", ToolID(ctx))
	assert.Equal(t, "", StepID(ctx))
	assert.Equal(t, "", RunID(ctx))

	ctx = WithIDs(ctx, "tool-1", "fetch", "run-9")
	assert.Equal(t, "tool-1", ToolID(ctx))
	assert.Equal(t, "fetch", StepID(ctx))
	assert.Equal(t, "run-9", RunID(ctx))

	ctx = WithStepID(ctx, "enrich")
	assert.Equal(t, "enrich", StepID(ctx))
	assert.Equal(t, "tool-1", ToolID(ctx), "other IDs unchanged")
}

func TestCorrelationHandler_InjectsIDs(t *testing.T) {
	var buf bytes.Buffer
	logger := slog.New(NewCorrelationHandler(slog.NewJSONHandler(&buf, nil)))

	ctx := WithIDs(context.Background(), "tool-1", "fetch", "run-9")
	logger.InfoContext(ctx, "step started", "index", 0)

	var entry map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &entry))
	assert.Equal(t, "tool-1", entry["tool_id"])
	assert.Equal(t, "fetch", entry["step_id"])
	assert.Equal(t, "run-9", entry["run_id"])
	assert.Equal(t, "step started", entry["msg"])
}

func TestCorrelationHandler_NoIDsNoAttrs(t *testing.T) {
	var buf bytes.Buffer
	logger := slog.New(NewCorrelationHandler(slog.NewJSONHandler(&buf, nil)))

	logger.InfoContext(context.Background(), "plain")

	var entry map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &entry))
	assert.NotContains(t, entry, "tool_id")
	assert.NotContains(t, entry, "run_id")
}

func TestCorrelationHandler_WithAttrsKeepsInjection(t *testing.T) {
	var buf bytes.Buffer
	logger := slog.New(NewCorrelationHandler(slog.NewJSONHandler(&buf, nil))).With("component", "engine")

	logger.InfoContext(WithRunID(context.Background(), "run-1"), "hello")

	var entry map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &entry))
	assert.Equal(t, "engine", entry["component"])
	assert.Equal(t, "run-1", entry["run_id"])
}
