package remote

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/renna-labs/stitch/pkg/schema"
)

func TestExecutor_ExecuteStep(t *testing.T) {
	var gotPath string
	var gotBody stepRequest
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path
		require.NoError(t, json.NewDecoder(r.Body).Decode(&gotBody))
		json.NewEncoder(w).Encode(stepResponse{Success: true, Data: map[string]any{"rows": 3.0}})
	}))
	defer srv.Close()

	e := NewExecutor(srv.URL)
	step := schema.ToolStep{ID: "fetch", URL: "https://api.example.com/x", Method: schema.MethodGet}
	outcome, err := e.ExecuteStep(context.Background(), step, map[string]any{"q": "golang"}, map[string]any{"prior": "r"})
	require.NoError(t, err)

	assert.Equal(t, "/execute-step", gotPath)
	assert.Equal(t, "fetch", gotBody.Step.ID)
	assert.Equal(t, "golang", gotBody.Input["q"])
	assert.Equal(t, "r", gotBody.PreviousResults["prior"])
	assert.True(t, outcome.Success)
	assert.Equal(t, map[string]any{"rows": 3.0}, outcome.Data)
}

func TestExecutor_ExecuteStepFailureOutcome(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(stepResponse{Success: false, Error: "upstream 500"})
	}))
	defer srv.Close()

	outcome, err := NewExecutor(srv.URL).ExecuteStep(context.Background(), schema.ToolStep{ID: "fetch"}, nil, nil)
	require.NoError(t, err, "a failed step is a settled outcome, not a transport error")
	assert.False(t, outcome.Success)
	assert.Equal(t, "upstream 500", outcome.Error)
}

func TestExecutor_ExecuteTransform(t *testing.T) {
	var gotBody transformRequest
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/execute-transform", r.URL.Path)
		require.NoError(t, json.NewDecoder(r.Body).Decode(&gotBody))
		json.NewEncoder(w).Encode(transformResponse{Success: false, Error: "no such key", UpdatedTransform: "(d) => d.a"})
	}))
	defer srv.Close()

	outcome, err := NewExecutor(srv.URL).ExecuteTransform(context.Background(),
		"(d) => d.broken", json.RawMessage(`{"type":"object"}`),
		map[string]any{"q": 1}, map[string]any{"a": "r"})
	require.NoError(t, err)

	assert.Equal(t, "(d) => d.broken", gotBody.Transform)
	assert.Equal(t, map[string]any{"a": "r"}, gotBody.StepData)
	assert.False(t, outcome.Success)
	assert.Equal(t, "(d) => d.a", outcome.UpdatedTransform)
}

func TestExecutor_Abort(t *testing.T) {
	var gotRunID string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/abort", r.URL.Path)
		var body map[string]string
		require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		gotRunID = body["runId"]
		json.NewEncoder(w).Encode(map[string]bool{"success": true})
	}))
	defer srv.Close()

	ok, err := NewExecutor(srv.URL).Abort(context.Background(), "run-123")
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, "run-123", gotRunID)
}

func TestExecutor_NonSuccessStatus(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "backend exploded", http.StatusBadGateway)
	}))
	defer srv.Close()

	_, err := NewExecutor(srv.URL).ExecuteStep(context.Background(), schema.ToolStep{ID: "fetch"}, nil, nil)
	require.Error(t, err)
	assert.Equal(t, schema.ErrCodeExecution, schema.CodeOf(err))
}

func TestExecutor_CancelledContext(t *testing.T) {
	block := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		<-block
	}))
	defer srv.Close()
	defer close(block)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := NewExecutor(srv.URL).ExecuteStep(ctx, schema.ToolStep{ID: "fetch"}, nil, nil)
	require.Error(t, err)
	assert.True(t, schema.IsCancelled(err), "context cancellation maps to the abort convention")
}

func TestExecutor_UnreachableBackend(t *testing.T) {
	_, err := NewExecutor("http://127.0.0.1:1").ExecuteStep(context.Background(), schema.ToolStep{ID: "fetch"}, nil, nil)
	require.Error(t, err)
	assert.Equal(t, schema.ErrCodeExecution, schema.CodeOf(err))
}
