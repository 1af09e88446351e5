package expressions

import "context"

// Engine evaluates a user-authored expression against composed source data.
// Three implementations: Expr (arrow-selector bodies), GoJQ (jq: dialect),
// CEL (cel: dialect).
type Engine interface {
	Name() string
	Evaluate(ctx context.Context, expression string, data map[string]any) (any, error)
}
