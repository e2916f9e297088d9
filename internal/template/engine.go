package template

import (
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"strconv"

	"github.com/rendis/testpilot/pkg/schema"
)

// Issue is one unresolved expression found during a render pass, tagged with
// its structural location within the rendered value.
type Issue struct {
	Location   string `json:"location"` // e.g. "steps[2].body.userId"; "" for a bare string root
	Code       string `json:"code"`
	Expression string `json:"expression"`
	Message    string `json:"message"`
}

// Engine resolves every {{...}} expression inside a JSON-like value. It is
// stateless and performs no I/O: independent Render calls may run
// concurrently as long as each receives its own context snapshot.
type Engine struct{}

// NewEngine creates a template engine.
func NewEngine() *Engine {
	return &Engine{}
}

// Render recursively visits every node of value, substituting expressions
// using the context. Objects and arrays are rebuilt bottom-up
// (structure-preserving map, no mutation of the input), so rendering an
// already-resolved value is the identity function.
//
// Per-expression failures are collected, not thrown: the walk always
// completes, and the full list of unresolved expressions is surfaced in one
// aggregate error. The partially resolved value is returned alongside the
// error so callers can report every broken expression next to the fields
// that contain them.
func (e *Engine) Render(value any, ctx *Context) (any, error) {
	if ctx == nil {
		ctx = &Context{}
	}

	var issues []Issue
	out := e.renderValue(value, ctx, "", &issues)
	if len(issues) > 0 {
		return out, schema.NewErrorf(schema.ErrCodeTemplateResolution,
			"template resolution failed: %d unresolved expression(s)", len(issues)).
			WithDetails(map[string]any{"issues": issues})
	}
	return out, nil
}

// RenderJSON renders a raw JSON document and re-marshals the result.
func (e *Engine) RenderJSON(raw json.RawMessage, ctx *Context) (json.RawMessage, error) {
	if len(raw) == 0 {
		return raw, nil
	}
	var parsed any
	if err := json.Unmarshal(raw, &parsed); err != nil {
		return nil, schema.NewErrorf(schema.ErrCodeValidation,
			"invalid JSON template: %s", err.Error()).WithCause(err)
	}
	resolved, renderErr := e.Render(parsed, ctx)
	out, err := json.Marshal(resolved)
	if err != nil {
		return nil, schema.NewErrorf(schema.ErrCodeExecution,
			"marshal rendered template: %s", err.Error()).WithCause(err)
	}
	return out, renderErr
}

func (e *Engine) renderValue(value any, ctx *Context, loc string, issues *[]Issue) any {
	switch v := value.(type) {
	case string:
		return e.renderString(v, ctx, loc, issues)
	case map[string]any:
		out := make(map[string]any, len(v))
		for key, child := range v {
			out[key] = e.renderValue(child, ctx, childLoc(loc, key), issues)
		}
		return out
	case []any:
		out := make([]any, len(v))
		for i, child := range v {
			out[i] = e.renderValue(child, ctx, fmt.Sprintf("%s[%d]", loc, i), issues)
		}
		return out
	default:
		// Numbers, booleans, nil pass through untouched.
		return value
	}
}

// renderString resolves one template string. A string that is exactly one
// preserve-type expression yields the raw typed value; any other combination
// of literals and expressions concatenates with string coercion, left to
// right. Expressions never observe each other's resolved values.
func (e *Engine) renderString(s string, ctx *Context, loc string, issues *[]Issue) any {
	if !HasExpressions(s) {
		return s
	}

	segments, err := Parse(s)
	if err != nil {
		*issues = append(*issues, issueFrom(err, loc, s))
		return s
	}

	// Whole-string preserve-type substitution.
	if len(segments) == 1 && segments[0].Expr != nil && segments[0].Expr.PreserveType {
		val, err := Resolve(segments[0].Expr, ctx)
		if err != nil {
			*issues = append(*issues, issueFrom(err, loc, segments[0].Expr.Raw))
			return nil
		}
		return val
	}

	var b []byte
	for _, seg := range segments {
		if seg.Expr == nil {
			b = append(b, seg.Literal...)
			continue
		}
		val, err := Resolve(seg.Expr, ctx)
		if err != nil {
			*issues = append(*issues, issueFrom(err, loc, seg.Expr.Raw))
			continue
		}
		b = append(b, Stringify(val)...)
	}
	return string(b)
}

// Stringify coerces a resolved value for string interpolation. Null resolves
// to the empty string; whole numbers drop the decimal point so a JSON 42
// interpolates as "42"; objects and arrays embed as compact JSON.
func Stringify(v any) string {
	switch val := v.(type) {
	case nil:
		return ""
	case string:
		return val
	case bool:
		return strconv.FormatBool(val)
	case float64:
		if val == math.Trunc(val) && math.Abs(val) < 1e15 {
			return strconv.FormatInt(int64(val), 10)
		}
		return strconv.FormatFloat(val, 'f', -1, 64)
	case int:
		return strconv.Itoa(val)
	case int64:
		return strconv.FormatInt(val, 10)
	case json.Number:
		return val.String()
	default:
		b, err := json.Marshal(val)
		if err != nil {
			return fmt.Sprintf("%v", val)
		}
		return string(b)
	}
}

// issueFrom converts a resolution error into an Issue, preserving the coded
// kind when available.
func issueFrom(err error, loc, expression string) Issue {
	issue := Issue{
		Location:   loc,
		Code:       schema.ErrCodeTemplateResolution,
		Expression: expression,
		Message:    err.Error(),
	}
	var tpErr *schema.TestPilotError
	if errors.As(err, &tpErr) {
		issue.Code = tpErr.Code
		issue.Message = tpErr.Message
	}
	return issue
}

// ResolutionIssues extracts the per-expression issue list from a Render
// error, or nil if err is not a template resolution aggregate.
func ResolutionIssues(err error) []Issue {
	var tpErr *schema.TestPilotError
	if !errors.As(err, &tpErr) || tpErr.Code != schema.ErrCodeTemplateResolution {
		return nil
	}
	issues, _ := tpErr.Details["issues"].([]Issue)
	return issues
}

func childLoc(loc, key string) string {
	if loc == "" {
		return key
	}
	return loc + "." + key
}
