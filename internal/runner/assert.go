package runner

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"reflect"
	"regexp"
	"strings"

	"github.com/rendis/testpilot/internal/expressions"
	"github.com/rendis/testpilot/internal/template"
	"github.com/rendis/testpilot/internal/validation"
	"github.com/rendis/testpilot/pkg/schema"
)

// Asserter evaluates step assertions against the flow's render context.
type Asserter struct {
	engine    *template.Engine
	expr      *expressions.ExprEngine
	validator *validation.JSONSchemaValidator
}

// NewAsserter creates an asserter sharing the runner's template engine,
// expr engine, and schema validator.
func NewAsserter(engine *template.Engine, exprEngine *expressions.ExprEngine, validator *validation.JSONSchemaValidator) *Asserter {
	return &Asserter{engine: engine, expr: exprEngine, validator: validator}
}

// Check evaluates one assertion. Target and Expected are templates rendered
// against tctx before comparison. A nil return means the assertion passed;
// failures carry ErrCodeAssertionFailed, everything else is an evaluation
// error.
func (a *Asserter) Check(ctx context.Context, assertion *schema.Assertion, tctx *template.Context) error {
	switch assertion.Operator {
	case schema.AssertEquals:
		return a.checkEquals(assertion, tctx)
	case schema.AssertContains:
		return a.checkContains(assertion, tctx)
	case schema.AssertMatches:
		return a.checkMatches(assertion, tctx)
	case schema.AssertSchema:
		return a.checkSchema(assertion, tctx)
	case schema.AssertExpression:
		return a.checkExpression(ctx, assertion, tctx)
	default:
		return schema.NewErrorf(schema.ErrCodeValidation, "unknown assertion operator %q", assertion.Operator)
	}
}

// render resolves a template-bearing assertion field. Resolution errors fail
// the assertion evaluation rather than the comparison.
func (a *Asserter) render(value any, tctx *template.Context) (any, error) {
	out, err := a.engine.Render(value, tctx)
	if err != nil {
		return nil, err
	}
	return out, nil
}

// normalizeJSON converts Go numeric types to float64 for consistent
// deep-equal comparison. JSON unmarshaling produces float64 for numbers;
// this normalizes int, int64, json.Number so reflect.DeepEqual works across
// boundaries.
func normalizeJSON(v any) any {
	switch val := v.(type) {
	case int:
		return float64(val)
	case int64:
		return float64(val)
	case int32:
		return float64(val)
	case json.Number:
		if f, err := val.Float64(); err == nil {
			return f
		}
		return v
	case map[string]any:
		out := make(map[string]any, len(val))
		for k, item := range val {
			out[k] = normalizeJSON(item)
		}
		return out
	case []any:
		out := make([]any, len(val))
		for i, item := range val {
			out[i] = normalizeJSON(item)
		}
		return out
	default:
		return v
	}
}

func (a *Asserter) checkEquals(assertion *schema.Assertion, tctx *template.Context) error {
	target, err := a.render(assertion.Target, tctx)
	if err != nil {
		return err
	}
	expected, err := a.render(assertion.Expected, tctx)
	if err != nil {
		return err
	}

	if reflect.DeepEqual(normalizeJSON(target), normalizeJSON(expected)) {
		return nil
	}

	return failure(assertion, "values are not equal", map[string]any{
		"expected": expected,
		"actual":   target,
	})
}

func (a *Asserter) checkContains(assertion *schema.Assertion, tctx *template.Context) error {
	target, err := a.render(assertion.Target, tctx)
	if err != nil {
		return err
	}
	expected, err := a.render(assertion.Expected, tctx)
	if err != nil {
		return err
	}

	details := map[string]any{"haystack": target, "needle": expected}

	switch hs := target.(type) {
	case string:
		if strings.Contains(hs, fmt.Sprintf("%v", expected)) {
			return nil
		}
		return failure(assertion, "value not found", details)
	case []any:
		normalizedNeedle := normalizeJSON(expected)
		for _, item := range hs {
			if reflect.DeepEqual(normalizeJSON(item), normalizedNeedle) {
				return nil
			}
		}
		return failure(assertion, "value not found", details)
	default:
		return schema.NewErrorf(schema.ErrCodeValidation,
			"contains target must be string or array, got %T", target)
	}
}

func (a *Asserter) checkMatches(assertion *schema.Assertion, tctx *template.Context) error {
	target, err := a.render(assertion.Target, tctx)
	if err != nil {
		return err
	}
	value, ok := target.(string)
	if !ok {
		value = template.Stringify(target)
	}

	expected, err := a.render(assertion.Expected, tctx)
	if err != nil {
		return err
	}
	pattern, ok := expected.(string)
	if !ok {
		return schema.NewError(schema.ErrCodeValidation, "matches expects a string pattern in 'expected'")
	}

	re, err := regexp.Compile(pattern)
	if err != nil {
		return schema.NewErrorf(schema.ErrCodeValidation, "invalid regex pattern: %s", err)
	}

	if !re.MatchString(value) {
		return failure(assertion, "value does not match pattern", map[string]any{
			"value":   value,
			"pattern": pattern,
		})
	}
	return nil
}

func (a *Asserter) checkSchema(assertion *schema.Assertion, tctx *template.Context) error {
	if len(assertion.Schema) == 0 {
		return schema.NewError(schema.ErrCodeValidation, "schema assertion requires a 'schema' document")
	}

	target, err := a.render(assertion.Target, tctx)
	if err != nil {
		return err
	}

	if err := a.validator.ValidateAgainst(target, assertion.Schema); err != nil {
		details := map[string]any{"error": err.Error()}
		var tpErr *schema.TestPilotError
		if errors.As(err, &tpErr) && tpErr.Details != nil {
			details["violations"] = tpErr.Details["violations"]
		}
		return failure(assertion, "data does not match schema", details)
	}
	return nil
}

func (a *Asserter) checkExpression(ctx context.Context, assertion *schema.Assertion, tctx *template.Context) error {
	if assertion.Expression == "" {
		return schema.NewError(schema.ErrCodeValidation, "expression assertion requires an 'expression'")
	}

	out, err := a.expr.Evaluate(ctx, assertion.Expression, assertionScope(tctx))
	if err != nil {
		return err
	}

	pass, ok := out.(bool)
	if !ok {
		return schema.NewErrorf(schema.ErrCodeValidation,
			"assertion expression must evaluate to a boolean, got %T", out)
	}
	if !pass {
		return failure(assertion, "expression evaluated to false", map[string]any{
			"expression": assertion.Expression,
		})
	}
	return nil
}

// assertionScope exposes the render context's namespaces as top-level maps
// for expression assertions and skip guards. Environment defaults are merged
// under the sub-environment's overrides, mirroring env: resolution.
func assertionScope(tctx *template.Context) map[string]any {
	env := make(map[string]any, len(tctx.EnvironmentDefaults)+len(tctx.Environment))
	for k, v := range tctx.EnvironmentDefaults {
		env[k] = v
	}
	for k, v := range tctx.Environment {
		env[k] = v
	}
	return map[string]any{
		"res":   tctx.Responses,
		"proc":  tctx.Processed,
		"param": tctx.Parameters,
		"env":   env,
	}
}

// failure builds the assertion-failed error, preferring the assertion's own
// message when set.
func failure(assertion *schema.Assertion, defaultMsg string, details map[string]any) error {
	msg := "assertion failed: " + defaultMsg
	if assertion.Message != "" {
		msg = assertion.Message
	}
	return schema.NewError(schema.ErrCodeAssertionFailed, msg).WithDetails(details)
}
