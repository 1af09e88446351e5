package schema

import "encoding/json"

// Tool is a user-authored, ordered pipeline of API-call steps plus a final
// output transform. The coordinator treats the call configuration of each
// step as opaque; only identity, order, selectors and policies matter here.
type Tool struct {
	ID              string          `json:"id"`
	Name            string          `json:"name,omitempty"`
	Version         string          `json:"version,omitempty"`
	Instruction     string          `json:"instruction,omitempty"`
	Steps           []ToolStep      `json:"steps"`
	InputSchema     json.RawMessage `json:"inputSchema,omitempty"`
	OutputSchema    json.RawMessage `json:"outputSchema,omitempty"`
	OutputTransform string          `json:"outputTransform,omitempty"`
}

// ToolStep is one ordered unit of a pipeline, typically one external API
// call. Protocol is detected from the URL scheme by the execution backend.
// Query params, headers and body support template expressions with
// <<(sourceData) => ...>> syntax.
type ToolStep struct {
	ID              string            `json:"id"`
	URL             string            `json:"url"`
	Method          Method            `json:"method"`
	SystemID        string            `json:"systemId"`
	QueryParams     map[string]string `json:"queryParams,omitempty"`
	Headers         map[string]string `json:"headers,omitempty"`
	Body            string            `json:"body,omitempty"`
	Pagination      *Pagination       `json:"pagination,omitempty"`
	Instruction     string            `json:"instruction,omitempty"`
	Modify          bool              `json:"modify,omitempty"`
	DataSelector    string            `json:"dataSelector,omitempty"`
	FailureBehavior FailureBehavior   `json:"failureBehavior,omitempty"`
}

// ExecutionMode reports whether the step runs once or loops over the
// collection produced by its data selector.
func (s *ToolStep) ExecutionMode() ExecutionMode {
	if s.DataSelector != "" {
		return ModeLoop
	}
	return ModeDirect
}

// ExecutionMode distinguishes single-call steps from selector-driven loops.
type ExecutionMode string

const (
	ModeDirect ExecutionMode = "DIRECT"
	ModeLoop   ExecutionMode = "LOOP"
)

// Method is the HTTP method of a step. Non-HTTP protocols use POST.
type Method string

const (
	MethodGet     Method = "GET"
	MethodPost    Method = "POST"
	MethodPut     Method = "PUT"
	MethodPatch   Method = "PATCH"
	MethodDelete  Method = "DELETE"
	MethodHead    Method = "HEAD"
	MethodOptions Method = "OPTIONS"
)

// FailureBehavior controls how a pipeline run reacts to a failed step.
type FailureBehavior string

const (
	// FailureStop halts the run at the failed step; later steps stay pending.
	FailureStop FailureBehavior = "fail"
	// FailureContinue records the failure and proceeds to the next step.
	FailureContinue FailureBehavior = "continue"
)

// Pagination configures HTTP pagination for a step.
type Pagination struct {
	Type          PaginationType `json:"type"`
	PageSize      int            `json:"pageSize,omitempty"`
	CursorPath    string         `json:"cursorPath,omitempty"`
	StopCondition string         `json:"stopCondition,omitempty"`
}

// PaginationType enumerates the supported pagination strategies.
type PaginationType string

const (
	PaginationDisabled PaginationType = "disabled"
	PaginationOffset   PaginationType = "offsetBased"
	PaginationPage     PaginationType = "pageBased"
	PaginationCursor   PaginationType = "cursorBased"
)
