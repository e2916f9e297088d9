package runner

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rendis/testpilot/internal/expressions"
	"github.com/rendis/testpilot/internal/template"
	"github.com/rendis/testpilot/internal/validation"
	"github.com/rendis/testpilot/pkg/schema"
)

func newTestAsserter(t *testing.T) *Asserter {
	t.Helper()
	validator, err := validation.NewJSONSchemaValidator()
	require.NoError(t, err)
	return NewAsserter(template.NewEngine(), expressions.NewExprEngine(), validator)
}

func assertContext() *template.Context {
	return &template.Context{
		Responses: map[string]any{
			"login": map[string]any{
				"status_code": float64(200),
				"body": map[string]any{
					"token": "tok-1",
					"user":  map[string]any{"id": float64(7), "name": "ada"},
					"roles": []any{"admin", "editor"},
				},
			},
		},
		Processed:  map[string]any{"token": "tok-1"},
		Parameters: map[string]any{"expected_name": "ada"},
		Environment: map[string]any{
			"host": "api.example.com",
		},
	}
}

func errCode(t *testing.T, err error) string {
	t.Helper()
	tpErr, ok := err.(*schema.TestPilotError)
	require.True(t, ok, "expected *schema.TestPilotError, got %T", err)
	return tpErr.Code
}

func TestCheckEquals(t *testing.T) {
	a := newTestAsserter(t)
	ctx := context.Background()
	tctx := assertContext()

	t.Run("equal rendered values pass", func(t *testing.T) {
		err := a.Check(ctx, &schema.Assertion{
			Target:   "{{{res:login.status_code}}}",
			Operator: schema.AssertEquals,
			Expected: float64(200),
		}, tctx)
		assert.NoError(t, err)
	})

	t.Run("expected may also be a template", func(t *testing.T) {
		err := a.Check(ctx, &schema.Assertion{
			Target:   "{{res:login.body.user.name}}",
			Operator: schema.AssertEquals,
			Expected: "{{param:expected_name}}",
		}, tctx)
		assert.NoError(t, err)
	})

	t.Run("numeric types normalized before comparison", func(t *testing.T) {
		err := a.Check(ctx, &schema.Assertion{
			Target:   "{{{res:login.body.user.id}}}",
			Operator: schema.AssertEquals,
			Expected: 7,
		}, tctx)
		assert.NoError(t, err)
	})

	t.Run("unequal values fail", func(t *testing.T) {
		err := a.Check(ctx, &schema.Assertion{
			Target:   "{{{res:login.status_code}}}",
			Operator: schema.AssertEquals,
			Expected: float64(201),
		}, tctx)
		require.Error(t, err)
		assert.Equal(t, schema.ErrCodeAssertionFailed, errCode(t, err))
	})

	t.Run("custom message used on failure", func(t *testing.T) {
		err := a.Check(ctx, &schema.Assertion{
			Target:   "{{{res:login.status_code}}}",
			Operator: schema.AssertEquals,
			Expected: float64(500),
			Message:  "login should have failed",
		}, tctx)
		require.Error(t, err)
		assert.Contains(t, err.Error(), "login should have failed")
	})

	t.Run("unresolvable template is an evaluation error", func(t *testing.T) {
		err := a.Check(ctx, &schema.Assertion{
			Target:   "{{res:missing.status_code}}",
			Operator: schema.AssertEquals,
			Expected: "x",
		}, tctx)
		require.Error(t, err)
		assert.Equal(t, schema.ErrCodeTemplateResolution, errCode(t, err))
	})
}

func TestCheckContains(t *testing.T) {
	a := newTestAsserter(t)
	ctx := context.Background()
	tctx := assertContext()

	t.Run("string contains substring", func(t *testing.T) {
		err := a.Check(ctx, &schema.Assertion{
			Target:   "{{res:login.body.token}}",
			Operator: schema.AssertContains,
			Expected: "tok",
		}, tctx)
		assert.NoError(t, err)
	})

	t.Run("array contains element", func(t *testing.T) {
		err := a.Check(ctx, &schema.Assertion{
			Target:   "{{{res:login.body.roles}}}",
			Operator: schema.AssertContains,
			Expected: "admin",
		}, tctx)
		assert.NoError(t, err)
	})

	t.Run("missing element fails", func(t *testing.T) {
		err := a.Check(ctx, &schema.Assertion{
			Target:   "{{{res:login.body.roles}}}",
			Operator: schema.AssertContains,
			Expected: "owner",
		}, tctx)
		require.Error(t, err)
		assert.Equal(t, schema.ErrCodeAssertionFailed, errCode(t, err))
	})

	t.Run("non-container target rejected", func(t *testing.T) {
		err := a.Check(ctx, &schema.Assertion{
			Target:   "{{{res:login.status_code}}}",
			Operator: schema.AssertContains,
			Expected: "2",
		}, tctx)
		require.Error(t, err)
		assert.Equal(t, schema.ErrCodeValidation, errCode(t, err))
	})
}

func TestCheckMatches(t *testing.T) {
	a := newTestAsserter(t)
	ctx := context.Background()
	tctx := assertContext()

	t.Run("matching pattern passes", func(t *testing.T) {
		err := a.Check(ctx, &schema.Assertion{
			Target:   "{{res:login.body.token}}",
			Operator: schema.AssertMatches,
			Expected: `^tok-\d+$`,
		}, tctx)
		assert.NoError(t, err)
	})

	t.Run("non-string target stringified first", func(t *testing.T) {
		err := a.Check(ctx, &schema.Assertion{
			Target:   "{{{res:login.status_code}}}",
			Operator: schema.AssertMatches,
			Expected: `^2\d\d$`,
		}, tctx)
		assert.NoError(t, err)
	})

	t.Run("non-matching pattern fails", func(t *testing.T) {
		err := a.Check(ctx, &schema.Assertion{
			Target:   "{{res:login.body.token}}",
			Operator: schema.AssertMatches,
			Expected: `^\d+$`,
		}, tctx)
		require.Error(t, err)
		assert.Equal(t, schema.ErrCodeAssertionFailed, errCode(t, err))
	})

	t.Run("invalid pattern rejected", func(t *testing.T) {
		err := a.Check(ctx, &schema.Assertion{
			Target:   "{{res:login.body.token}}",
			Operator: schema.AssertMatches,
			Expected: `[unclosed`,
		}, tctx)
		require.Error(t, err)
		assert.Equal(t, schema.ErrCodeValidation, errCode(t, err))
	})
}

func TestCheckSchema(t *testing.T) {
	a := newTestAsserter(t)
	ctx := context.Background()
	tctx := assertContext()

	userSchema := json.RawMessage(`{
		"type": "object",
		"required": ["id", "name"],
		"properties": {
			"id": {"type": "number"},
			"name": {"type": "string"}
		}
	}`)

	t.Run("conforming data passes", func(t *testing.T) {
		err := a.Check(ctx, &schema.Assertion{
			Target:   "{{{res:login.body.user}}}",
			Operator: schema.AssertSchema,
			Schema:   userSchema,
		}, tctx)
		assert.NoError(t, err)
	})

	t.Run("non-conforming data fails", func(t *testing.T) {
		err := a.Check(ctx, &schema.Assertion{
			Target:   "{{{res:login.body.roles}}}",
			Operator: schema.AssertSchema,
			Schema:   userSchema,
		}, tctx)
		require.Error(t, err)
		assert.Equal(t, schema.ErrCodeAssertionFailed, errCode(t, err))
	})

	t.Run("missing schema rejected", func(t *testing.T) {
		err := a.Check(ctx, &schema.Assertion{
			Target:   "{{{res:login.body.user}}}",
			Operator: schema.AssertSchema,
		}, tctx)
		require.Error(t, err)
		assert.Equal(t, schema.ErrCodeValidation, errCode(t, err))
	})
}

func TestCheckExpression(t *testing.T) {
	a := newTestAsserter(t)
	ctx := context.Background()
	tctx := assertContext()

	t.Run("true expression passes", func(t *testing.T) {
		err := a.Check(ctx, &schema.Assertion{
			Operator:   schema.AssertExpression,
			Expression: `res.login.status_code == 200 && len(res.login.body.roles) == 2`,
		}, tctx)
		assert.NoError(t, err)
	})

	t.Run("cross-namespace expression", func(t *testing.T) {
		err := a.Check(ctx, &schema.Assertion{
			Operator:   schema.AssertExpression,
			Expression: `proc.token == res.login.body.token && env.host == "api.example.com"`,
		}, tctx)
		assert.NoError(t, err)
	})

	t.Run("false expression fails", func(t *testing.T) {
		err := a.Check(ctx, &schema.Assertion{
			Operator:   schema.AssertExpression,
			Expression: `res.login.status_code == 500`,
		}, tctx)
		require.Error(t, err)
		assert.Equal(t, schema.ErrCodeAssertionFailed, errCode(t, err))
	})

	t.Run("non-boolean result rejected", func(t *testing.T) {
		err := a.Check(ctx, &schema.Assertion{
			Operator:   schema.AssertExpression,
			Expression: `res.login.status_code`,
		}, tctx)
		require.Error(t, err)
		assert.Equal(t, schema.ErrCodeValidation, errCode(t, err))
	})

	t.Run("missing expression rejected", func(t *testing.T) {
		err := a.Check(ctx, &schema.Assertion{
			Operator: schema.AssertExpression,
		}, tctx)
		require.Error(t, err)
		assert.Equal(t, schema.ErrCodeValidation, errCode(t, err))
	})
}

func TestCheckUnknownOperator(t *testing.T) {
	a := newTestAsserter(t)
	err := a.Check(context.Background(), &schema.Assertion{Operator: "approximately"}, assertContext())
	require.Error(t, err)
	assert.Equal(t, schema.ErrCodeValidation, errCode(t, err))
}

func TestAssertionScope(t *testing.T) {
	tctx := assertContext()
	tctx.EnvironmentDefaults = map[string]any{"host": "default.example.com", "tier": "free"}

	scope := assertionScope(tctx)
	env, ok := scope["env"].(map[string]any)
	require.True(t, ok)
	// Sub-environment value wins, defaults fill the gaps.
	assert.Equal(t, "api.example.com", env["host"])
	assert.Equal(t, "free", env["tier"])
	assert.Equal(t, tctx.Responses, scope["res"])
	assert.Equal(t, tctx.Processed, scope["proc"])
	assert.Equal(t, tctx.Parameters, scope["param"])
}
