package expressions

import (
	"context"
	"errors"
	"reflect"
	"regexp"
	"strings"

	"github.com/renna-labs/stitch/pkg/schema"
)

// ErrFunctionValued is the typed cause attached when a selector evaluates to
// a callable instead of a value, the common mistake of returning a function
// without invoking it. Check with errors.Is.
var ErrFunctionValued = errors.New("selector returned a function value")

// Dialect prefixes. Text without a prefix is the arrow form
// "(sourceData) => expression", the only form the original grammar requires.
const (
	dialectJQ  = "jq:"
	dialectCEL = "cel:"
)

// arrowRe matches a single-argument arrow function expression:
// "(ident) => body" or "ident => body".
var arrowRe = regexp.MustCompile(`^\(?\s*([A-Za-z_$][A-Za-z0-9_$]*)\s*\)?\s*=>\s*([\s\S]+)$`)

// Selector evaluates item-selector and transform expressions against
// composed source data. The arrow body runs on the Expr engine, whose
// builtin library (map, filter, keys, values, toJSON, flatten, ...) stands
// in for the usual array/object/string helpers; jq: and cel: prefixes route
// to the GoJQ and CEL engines. All three are sandboxed: the expression sees
// only the provided source data.
type Selector struct {
	expr *ExprEngine
	jq   *GoJQEngine
	cel  *CELEngine
}

// NewSelector creates a Selector with all three engines ready.
func NewSelector() (*Selector, error) {
	celEngine, err := NewCELEngine()
	if err != nil {
		return nil, err
	}
	return &Selector{
		expr: NewExprEngine(),
		jq:   NewGoJQEngine(),
		cel:  celEngine,
	}, nil
}

// Validate checks the syntactic shape of a selector without evaluating it.
// For the arrow form this means a single-argument function expression with a
// non-empty body.
func Validate(text string) error {
	trimmed := strings.TrimSpace(text)
	if trimmed == "" {
		return schema.NewError(schema.ErrCodeValidation, "empty selector")
	}
	if strings.HasPrefix(trimmed, dialectJQ) || strings.HasPrefix(trimmed, dialectCEL) {
		return nil
	}
	if _, _, err := parseArrow(trimmed); err != nil {
		return err
	}
	return nil
}

// Evaluate validates, then evaluates the selector text against sourceData.
// A callable result is rejected with ErrFunctionValued as the cause; a
// missing value normalizes to nil.
func (s *Selector) Evaluate(ctx context.Context, text string, sourceData map[string]any) (any, error) {
	trimmed := strings.TrimSpace(text)
	if trimmed == "" {
		return nil, schema.NewError(schema.ErrCodeValidation, "empty selector")
	}

	var out any
	var err error
	switch {
	case strings.HasPrefix(trimmed, dialectJQ):
		out, err = s.jq.Evaluate(ctx, strings.TrimSpace(strings.TrimPrefix(trimmed, dialectJQ)), sourceData)
	case strings.HasPrefix(trimmed, dialectCEL):
		out, err = s.cel.Evaluate(ctx, strings.TrimSpace(strings.TrimPrefix(trimmed, dialectCEL)), sourceData)
	default:
		out, err = s.evaluateArrow(ctx, trimmed, sourceData)
	}
	if err != nil {
		return nil, err
	}

	if out != nil && reflect.ValueOf(out).Kind() == reflect.Func {
		return nil, schema.NewError(schema.ErrCodeValidation,
			"selector returned a function; invoke it instead of returning it").
			WithCause(ErrFunctionValued).
			WithDetails(map[string]any{"selector": text})
	}

	return out, nil
}

// evaluateArrow parses "(param) => body" and evaluates the body with the
// parameter bound to the source data.
func (s *Selector) evaluateArrow(ctx context.Context, text string, sourceData map[string]any) (any, error) {
	param, body, err := parseArrow(text)
	if err != nil {
		return nil, err
	}
	if sourceData == nil {
		sourceData = map[string]any{}
	}
	return s.expr.Evaluate(ctx, body, map[string]any{param: sourceData})
}

// parseArrow splits a single-argument arrow function expression into its
// parameter name and body. Block bodies are accepted when they reduce to a
// single return statement.
func parseArrow(text string) (param, body string, err error) {
	m := arrowRe.FindStringSubmatch(text)
	if m == nil {
		return "", "", schema.NewErrorf(schema.ErrCodeValidation,
			"selector must be a single-argument function expression, e.g. (sourceData) => sourceData.items; got %q", truncate(text, 80))
	}
	param = m[1]
	body = strings.TrimSpace(m[2])

	if strings.HasPrefix(body, "{") {
		inner := strings.TrimSpace(strings.TrimSuffix(strings.TrimPrefix(body, "{"), "}"))
		inner = strings.TrimSuffix(strings.TrimSpace(inner), ";")
		if !strings.HasPrefix(inner, "return ") {
			return "", "", schema.NewError(schema.ErrCodeValidation,
				"selector block body must be a single return statement")
		}
		body = strings.TrimSpace(strings.TrimPrefix(inner, "return "))
	}

	if body == "" {
		return "", "", schema.NewError(schema.ErrCodeValidation, "selector body is empty")
	}
	return param, body, nil
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
