package expressions

import (
	"context"
	"encoding/json"
	"strings"

	"github.com/renna-labs/stitch/pkg/schema"
)

// Renderer resolves <<(sourceData) => ...>> template expressions embedded in
// a step's call configuration (URL, query params, headers, body). The
// coordinator uses it for previews and hands rendered copies to the
// execution collaborator; the call configuration is otherwise opaque.
type Renderer struct {
	selector *Selector
}

// NewRenderer creates a Renderer backed by the given selector evaluator.
func NewRenderer(selector *Selector) *Renderer {
	return &Renderer{selector: selector}
}

// Render resolves every <<...>> token in input against sourceData.
// String results are spliced verbatim; other values are spliced as JSON.
func (r *Renderer) Render(ctx context.Context, input string, sourceData map[string]any) (string, error) {
	if !strings.Contains(input, "<<") {
		return input, nil
	}

	var result strings.Builder
	result.Grow(len(input))

	i := 0
	for i < len(input) {
		idx := strings.Index(input[i:], "<<")
		if idx == -1 {
			result.WriteString(input[i:])
			break
		}

		result.WriteString(input[i : i+idx])
		start := i + idx + 2 // skip "<<"

		end := strings.Index(input[start:], ">>")
		if end == -1 {
			return "", schema.NewError(schema.ErrCodeValidation, "unclosed << template expression")
		}
		end += start

		exprText := strings.TrimSpace(input[start:end])
		if exprText == "" {
			return "", schema.NewError(schema.ErrCodeValidation, "empty template expression: << >>")
		}
		if strings.Contains(exprText, "<<") {
			return "", schema.NewError(schema.ErrCodeValidation,
				"nested template expressions are not allowed")
		}

		val, err := r.selector.Evaluate(ctx, exprText, sourceData)
		if err != nil {
			return "", err
		}
		result.WriteString(marshalInline(val))

		i = end + 2 // skip ">>"
	}

	return result.String(), nil
}

// RenderStep returns a copy of step with every templated call-configuration
// field resolved against sourceData.
func (r *Renderer) RenderStep(ctx context.Context, step schema.ToolStep, sourceData map[string]any) (schema.ToolStep, error) {
	var err error
	if step.URL, err = r.Render(ctx, step.URL, sourceData); err != nil {
		return step, err
	}
	if step.Body, err = r.Render(ctx, step.Body, sourceData); err != nil {
		return step, err
	}
	if len(step.QueryParams) > 0 {
		rendered := make(map[string]string, len(step.QueryParams))
		for k, v := range step.QueryParams {
			if rendered[k], err = r.Render(ctx, v, sourceData); err != nil {
				return step, err
			}
		}
		step.QueryParams = rendered
	}
	if len(step.Headers) > 0 {
		rendered := make(map[string]string, len(step.Headers))
		for k, v := range step.Headers {
			if rendered[k], err = r.Render(ctx, v, sourceData); err != nil {
				return step, err
			}
		}
		step.Headers = rendered
	}
	return step, nil
}

// marshalInline embeds a resolved value into surrounding text. Strings are
// spliced raw so templates inside larger strings compose; everything else is
// JSON-encoded.
func marshalInline(v any) string {
	switch val := v.(type) {
	case nil:
		return "null"
	case string:
		return val
	default:
		b, err := json.Marshal(val)
		if err != nil {
			return ""
		}
		return string(b)
	}
}
