package remote

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/renna-labs/stitch/internal/engine"
	"github.com/renna-labs/stitch/pkg/schema"
)

// Executor bridges the coordinator's collaborator contract to an external
// execution backend over HTTP. The backend owns all remote-call semantics
// (protocol detection, pagination, retries); this side only ships the step
// definition plus its composed input and reads back the settlement.
type Executor struct {
	base   string
	client *http.Client
	logger *slog.Logger
}

// Option configures an Executor.
type Option func(*Executor)

// WithHTTPClient overrides the default HTTP client.
func WithHTTPClient(c *http.Client) Option {
	return func(e *Executor) { e.client = c }
}

// WithLogger sets the structured logger.
func WithLogger(l *slog.Logger) Option {
	return func(e *Executor) { e.logger = l }
}

// NewExecutor creates an Executor talking to the backend at baseURL.
func NewExecutor(baseURL string, opts ...Option) *Executor {
	e := &Executor{
		base:   baseURL,
		client: &http.Client{Timeout: 5 * time.Minute},
		logger: slog.Default(),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

type stepRequest struct {
	Step            schema.ToolStep `json:"step"`
	Input           map[string]any  `json:"input"`
	PreviousResults map[string]any  `json:"previousResults,omitempty"`
}

type stepResponse struct {
	Success     bool             `json:"success"`
	Data        any              `json:"data,omitempty"`
	Error       string           `json:"error,omitempty"`
	UpdatedStep *schema.ToolStep `json:"updatedStep,omitempty"`
}

// ExecuteStep performs one step call through the backend.
func (e *Executor) ExecuteStep(ctx context.Context, step schema.ToolStep, input map[string]any, previousResults map[string]any) (*engine.StepOutcome, error) {
	var resp stepResponse
	if err := e.post(ctx, "/execute-step", stepRequest{
		Step:            step,
		Input:           input,
		PreviousResults: previousResults,
	}, &resp); err != nil {
		return nil, err
	}
	return &engine.StepOutcome{
		Success:     resp.Success,
		Data:        resp.Data,
		Error:       resp.Error,
		UpdatedStep: resp.UpdatedStep,
	}, nil
}

type transformRequest struct {
	Transform    string          `json:"transform"`
	OutputSchema json.RawMessage `json:"outputSchema,omitempty"`
	Payload      map[string]any  `json:"payload,omitempty"`
	StepData     map[string]any  `json:"stepData"`
}

type transformResponse struct {
	Success          bool   `json:"success"`
	Data             any    `json:"data,omitempty"`
	Error            string `json:"error,omitempty"`
	UpdatedTransform string `json:"updatedTransform,omitempty"`
}

// ExecuteTransform performs the final transform call through the backend.
func (e *Executor) ExecuteTransform(ctx context.Context, transformText string, outputSchema json.RawMessage, payload map[string]any, stepData map[string]any) (*engine.TransformOutcome, error) {
	var resp transformResponse
	if err := e.post(ctx, "/execute-transform", transformRequest{
		Transform:    transformText,
		OutputSchema: outputSchema,
		Payload:      payload,
		StepData:     stepData,
	}, &resp); err != nil {
		return nil, err
	}
	return &engine.TransformOutcome{
		Success:          resp.Success,
		Data:             resp.Data,
		Error:            resp.Error,
		UpdatedTransform: resp.UpdatedTransform,
	}, nil
}

// Abort signals best-effort cancellation of a run.
func (e *Executor) Abort(ctx context.Context, runID string) (bool, error) {
	var resp struct {
		Success bool `json:"success"`
	}
	if err := e.post(ctx, "/abort", map[string]string{"runId": runID}, &resp); err != nil {
		return false, err
	}
	return resp.Success, nil
}

func (e *Executor) post(ctx context.Context, path string, body any, out any) error {
	raw, err := json.Marshal(body)
	if err != nil {
		return schema.NewError(schema.ErrCodeExecution, "encode request").WithCause(err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, e.base+path, bytes.NewReader(raw))
	if err != nil {
		return schema.NewError(schema.ErrCodeExecution, "build request").WithCause(err)
	}
	req.Header.Set("Content-Type", "application/json")

	res, err := e.client.Do(req)
	if err != nil {
		if errors.Is(err, context.Canceled) || ctx.Err() != nil {
			return schema.NewError(schema.ErrCodeCancelled, "execution cancelled").WithCause(err)
		}
		e.logger.Warn("execution backend unreachable", "path", path, "error", err)
		return schema.NewError(schema.ErrCodeExecution, "execution backend unreachable").WithCause(err)
	}
	defer res.Body.Close()

	if res.StatusCode < 200 || res.StatusCode > 299 {
		return schema.NewErrorf(schema.ErrCodeExecution, "execution backend returned %s", res.Status)
	}
	if err := json.NewDecoder(res.Body).Decode(out); err != nil {
		return schema.NewError(schema.ErrCodeExecution, fmt.Sprintf("decode %s response", path)).WithCause(err)
	}
	return nil
}

var _ engine.Executor = (*Executor)(nil)
