package source

import (
	"encoding/json"

	"github.com/renna-labs/stitch/pkg/schema"
)

// Inputs carries everything the composer may draw from. The composer is
// pure given these inputs: no I/O, identical output for identical inputs.
// Credential extraction happens before composition (the coordinator
// resolves the vault and passes the materialized map).
type Inputs struct {
	Steps     []schema.ToolStep
	StepIndex int

	ManualPayload map[string]any
	FilePayloads  map[string]any
	// StepResults maps step ID to the last recorded result payload.
	StepResults map[string]any
	// Credentials maps system ID to that system's decrypted credentials.
	Credentials map[string]map[string]string
	// CurrentItem is the step's data-selector result; nil means absent.
	CurrentItem any
}

// Pagination placeholder defaults, used before any real page is fetched so
// expressions can reference the keys without guarding.
const (
	defaultPage     = 1
	defaultOffset   = 0
	defaultPageSize = 50
)

// Compose builds the single input object visible to the step at
// in.StepIndex. Precedence, lowest to highest: file payloads, the manual
// payload, namespaced credentials, prior step results, currentItem,
// pagination parameters. All values are frozen by deep copy so a cached
// evaluation can never observe later mutation.
func Compose(in Inputs) (map[string]any, error) {
	if in.StepIndex < 0 || in.StepIndex >= len(in.Steps) {
		return nil, schema.NewErrorf(schema.ErrCodeValidation, "step index %d out of range", in.StepIndex)
	}
	step := &in.Steps[in.StepIndex]

	data := make(map[string]any)
	for k, v := range in.FilePayloads {
		data[k] = deepCopyAny(v)
	}
	for k, v := range in.ManualPayload {
		data[k] = deepCopyAny(v)
	}

	// Credentials for the step's bound system, namespaced by system ID so
	// two integrations' keys cannot collide.
	creds := make(map[string]any)
	if sys, ok := in.Credentials[step.SystemID]; ok {
		for name, value := range sys {
			creds[name] = value
			creds[step.SystemID+"_"+name] = value
		}
	}
	data["credentials"] = creds

	// Results of steps strictly before this one, keyed by step ID.
	for i := 0; i < in.StepIndex; i++ {
		prior := in.Steps[i].ID
		if result, ok := in.StepResults[prior]; ok {
			data[prior] = deepCopyAny(result)
		}
	}

	if in.CurrentItem != nil {
		data["currentItem"] = deepCopyAny(in.CurrentItem)
	}

	for k, v := range paginationParams(step) {
		data[k] = v
	}

	return data, nil
}

// paginationParams derives placeholder pagination values from the step's
// call configuration. The keys are always present, even for steps without
// pagination, so selector text never has to guard against missing keys.
func paginationParams(step *schema.ToolStep) map[string]any {
	pageSize := defaultPageSize
	if step.Pagination != nil && step.Pagination.PageSize > 0 {
		pageSize = step.Pagination.PageSize
	}
	return map[string]any{
		"page":     defaultPage,
		"offset":   defaultOffset,
		"cursor":   nil,
		"limit":    pageSize,
		"pageSize": pageSize,
	}
}

// --- Deep copy utilities ---

func deepCopyMap(m map[string]any) map[string]any {
	if m == nil {
		return nil
	}
	cp := make(map[string]any, len(m))
	for k, v := range m {
		cp[k] = deepCopyAny(v)
	}
	return cp
}

func deepCopyAny(v any) any {
	switch val := v.(type) {
	case map[string]any:
		return deepCopyMap(val)
	case []any:
		cp := make([]any, len(val))
		for i, item := range val {
			cp[i] = deepCopyAny(item)
		}
		return cp
	case json.RawMessage:
		if val == nil {
			return nil
		}
		cp := make(json.RawMessage, len(val))
		copy(cp, val)
		return cp
	default:
		// Primitives are value types.
		return v
	}
}
