package expressions

import "context"

// Engine evaluates expressions during flow execution.
// Three implementations: CEL (skip_if guards), GoJQ (extract rules),
// Expr (assertion expressions).
type Engine interface {
	Name() string
	Evaluate(ctx context.Context, expression string, data map[string]any) (any, error)
}
