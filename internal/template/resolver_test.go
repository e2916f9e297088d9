package template

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rendis/testpilot/pkg/schema"
)

// --- helpers ---

func testContext() *Context {
	return &Context{
		Responses: map[string]any{
			"login": map[string]any{
				"status_code": float64(200),
				"headers":     map[string]any{"x-request-id": "req-42"},
				"body": map[string]any{
					"token": "abc123",
					"user":  map[string]any{"id": float64(7), "name": "ada"},
					"roles": []any{"admin", "qa"},
				},
			},
		},
		Processed: map[string]any{
			"firstRole": "admin",
			"userIds":   []any{float64(1), float64(2), float64(3)},
		},
		Parameters: map[string]any{
			"userId":  float64(7),
			"payload": map[string]any{"kind": "smoke"},
		},
		Environment:         map[string]any{"BASE_URL": "https://api.dev.example.com"},
		EnvironmentDefaults: map[string]any{"BASE_URL": "https://api.example.com", "RETRIES": float64(3)},
	}
}

func mustExpr(t *testing.T, text string) *Expression {
	t.Helper()
	segments, err := Parse(text)
	require.NoError(t, err)
	require.Len(t, segments, 1)
	require.NotNil(t, segments[0].Expr)
	return segments[0].Expr
}

func errCode(t *testing.T, err error) string {
	t.Helper()
	var tpErr *schema.TestPilotError
	require.True(t, errors.As(err, &tpErr), "expected TestPilotError, got %v", err)
	return tpErr.Code
}

// --- res: ---

func TestResolve_ResponseWholeValue(t *testing.T) {
	val, err := Resolve(mustExpr(t, "{{{res:login}}}"), testContext())
	require.NoError(t, err)
	m, ok := val.(map[string]any)
	require.True(t, ok)
	assert.Equal(t, float64(200), m["status_code"])
}

func TestResolve_ResponseNestedPath(t *testing.T) {
	cases := []struct {
		path string
		want any
	}{
		{"{{res:login.body.token}}", "abc123"},
		{"{{res:login.body.user.id}}", float64(7)},
		{"{{res:login.headers.x-request-id}}", "req-42"},
		{"{{res:login.body.roles[1]}}", "qa"},
		{"{{res:login.body.roles.0}}", "admin"}, // bare numeric segment
	}
	ctx := testContext()
	for _, tc := range cases {
		val, err := Resolve(mustExpr(t, tc.path), ctx)
		require.NoError(t, err, tc.path)
		assert.Equal(t, tc.want, val, tc.path)
	}
}

func TestResolve_ResponseMissingAlias(t *testing.T) {
	_, err := Resolve(mustExpr(t, "{{res:missing.field}}"), testContext())
	require.Error(t, err)
	assert.Equal(t, schema.ErrCodeUnknownResponseAlias, errCode(t, err))
	assert.Contains(t, err.Error(), "missing")
	assert.Contains(t, err.Error(), "login") // available aliases listed
}

func TestResolve_ResponsePathMissIsSoftNull(t *testing.T) {
	ctx := testContext()
	for _, path := range []string{
		"{{res:login.nonexistentField}}",
		"{{res:login.body.user.email}}",
		"{{res:login.body.roles[9]}}",
		"{{res:login.body.token.deeper}}", // traversal into a scalar
	} {
		val, err := Resolve(mustExpr(t, path), ctx)
		require.NoError(t, err, path)
		assert.Nil(t, val, path)
	}
}

func TestResolve_ResponseMalformedIndex(t *testing.T) {
	_, err := Resolve(mustExpr(t, "{{res:login.body.roles[x]}}"), testContext())
	require.Error(t, err)
	assert.Equal(t, schema.ErrCodeMalformedExpression, errCode(t, err))
}

// --- proc: ---

func TestResolve_Processed(t *testing.T) {
	ctx := testContext()

	val, err := Resolve(mustExpr(t, "{{proc:firstRole}}"), ctx)
	require.NoError(t, err)
	assert.Equal(t, "admin", val)

	val, err = Resolve(mustExpr(t, "{{proc:userIds[2]}}"), ctx)
	require.NoError(t, err)
	assert.Equal(t, float64(3), val)
}

func TestResolve_ProcessedMissingAlias(t *testing.T) {
	_, err := Resolve(mustExpr(t, "{{proc:nope.x}}"), testContext())
	require.Error(t, err)
	assert.Equal(t, schema.ErrCodeUnknownProcessedAlias, errCode(t, err))
}

// --- param: ---

func TestResolve_Parameter(t *testing.T) {
	ctx := testContext()

	val, err := Resolve(mustExpr(t, "{{param:userId}}"), ctx)
	require.NoError(t, err)
	assert.Equal(t, float64(7), val)

	// Pre-shaped objects come back whole; no traversal past the name.
	val, err = Resolve(mustExpr(t, "{{{param:payload}}}"), ctx)
	require.NoError(t, err)
	assert.Equal(t, map[string]any{"kind": "smoke"}, val)
}

func TestResolve_ParameterMissing(t *testing.T) {
	_, err := Resolve(mustExpr(t, "{{param:unknown}}"), testContext())
	require.Error(t, err)
	assert.Equal(t, schema.ErrCodeUnknownParameter, errCode(t, err))
	assert.Contains(t, err.Error(), "unknown")
}

// --- env: ---

func TestResolve_Environment(t *testing.T) {
	val, err := Resolve(mustExpr(t, "{{env:BASE_URL}}"), testContext())
	require.NoError(t, err)
	assert.Equal(t, "https://api.dev.example.com", val)
}

func TestResolve_EnvironmentFallsBackToDefault(t *testing.T) {
	val, err := Resolve(mustExpr(t, "{{env:RETRIES}}"), testContext())
	require.NoError(t, err)
	assert.Equal(t, float64(3), val)
}

func TestResolve_EnvironmentMissing(t *testing.T) {
	_, err := Resolve(mustExpr(t, "{{env:NOT_SET}}"), testContext())
	require.Error(t, err)
	assert.Equal(t, schema.ErrCodeUnknownEnvVariable, errCode(t, err))
}

// --- func: ---

func TestResolve_FunctionLiteralArgs(t *testing.T) {
	ctx := testContext()

	val, err := Resolve(mustExpr(t, "{{func:upper('hello')}}"), ctx)
	require.NoError(t, err)
	assert.Equal(t, "HELLO", val)

	val, err = Resolve(mustExpr(t, "{{func:add(2, 3)}}"), ctx)
	require.NoError(t, err)
	assert.Equal(t, float64(5), val)

	val, err = Resolve(mustExpr(t, "{{func:concat('a', ',', 'b')}}"), ctx)
	require.NoError(t, err)
	assert.Equal(t, "a,b", val)
}

func TestResolve_FunctionReferenceArgs(t *testing.T) {
	// Arguments may be dotted references resolved against the same namespaces.
	val, err := Resolve(mustExpr(t, "{{func:upper(res:login.body.user.name)}}"), testContext())
	require.NoError(t, err)
	assert.Equal(t, "ADA", val)
}

func TestResolve_FunctionUnknown(t *testing.T) {
	_, err := Resolve(mustExpr(t, "{{func:doesNotExist()}}"), testContext())
	require.Error(t, err)
	assert.Equal(t, schema.ErrCodeUnknownFunction, errCode(t, err))
	assert.Contains(t, err.Error(), "doesNotExist")
}

func TestResolve_FunctionBadArity(t *testing.T) {
	_, err := Resolve(mustExpr(t, "{{func:upper('a', 'b')}}"), testContext())
	require.Error(t, err)
	assert.Equal(t, schema.ErrCodeInvalidFunctionArgs, errCode(t, err))
	assert.Contains(t, err.Error(), "upper")
}

func TestResolve_FunctionMalformedCall(t *testing.T) {
	_, err := Resolve(mustExpr(t, "{{func:upper}}"), testContext())
	require.Error(t, err)
	assert.Equal(t, schema.ErrCodeMalformedExpression, errCode(t, err))
}

func TestResolve_FunctionCustomRegistry(t *testing.T) {
	// The registry is injectable so deterministic stand-ins can replace
	// the generators.
	registry := NewRegistry()
	require.NoError(t, registry.Register(Function{
		Name: "uuid", Arity: 0, Deterministic: true,
		Fn: func(_ []any) (any, error) { return "fixed-uuid", nil },
	}))

	ctx := testContext()
	ctx.Functions = registry

	val, err := Resolve(mustExpr(t, "{{func:uuid()}}"), ctx)
	require.NoError(t, err)
	assert.Equal(t, "fixed-uuid", val)
}

func TestResolve_IsDeterministic(t *testing.T) {
	ctx := testContext()
	expr := mustExpr(t, "{{res:login.body.user}}")

	first, err := Resolve(expr, ctx)
	require.NoError(t, err)
	second, err := Resolve(expr, ctx)
	require.NoError(t, err)
	assert.Equal(t, first, second)
}

// --- splitArgs ---

func TestSplitArgs(t *testing.T) {
	assert.Nil(t, splitArgs(""))
	assert.Equal(t, []string{"a", "b"}, splitArgs("a, b"))
	assert.Equal(t, []string{"'a,b'", "c"}, splitArgs("'a,b', c"))
	assert.Equal(t, []string{`"x, y"`}, splitArgs(`"x, y"`))
}
