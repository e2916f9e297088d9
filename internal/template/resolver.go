package template

import (
	"sort"
	"strconv"
	"strings"

	"github.com/rendis/testpilot/pkg/schema"
)

// Resolve looks up a single expression against the context. It is a pure
// function of (expression, context): no I/O, no hidden state. A path miss on
// an existing alias is a soft nil; missing aliases, parameters, environment
// variables, and functions are hard errors carrying the matching error code.
func Resolve(expr *Expression, ctx *Context) (any, error) {
	switch expr.Namespace {
	case NamespaceResponse:
		return resolveAliased(ctx.Responses, expr.Path, expr.Raw,
			schema.ErrCodeUnknownResponseAlias, "response")
	case NamespaceProcessed:
		return resolveAliased(ctx.Processed, expr.Path, expr.Raw,
			schema.ErrCodeUnknownProcessedAlias, "processed value")
	case NamespaceParameter:
		return resolveParameter(expr.Path, expr.Raw, ctx)
	case NamespaceEnvironment:
		return resolveEnvironment(expr.Path, expr.Raw, ctx)
	case NamespaceFunction:
		return resolveFunction(expr.Path, expr.Raw, ctx)
	default:
		return nil, schema.NewErrorf(schema.ErrCodeMalformedExpression,
			"unknown namespace in %s", expr.Raw)
	}
}

// resolveAliased handles the res: and proc: namespaces, which share
// mechanics: the first path segment is an author-chosen alias, the remainder
// is an accessor path into the captured value.
func resolveAliased(data map[string]any, path, raw, missCode, kind string) (any, error) {
	alias, rest := splitAlias(path)
	if alias == "" {
		return nil, schema.NewErrorf(schema.ErrCodeMalformedExpression,
			"missing alias in %s", raw)
	}

	value, ok := data[alias]
	if !ok {
		available := sortedKeys(data)
		return nil, schema.NewErrorf(missCode,
			"%s %q not found in %s; available: [%s]", kind, alias, raw, strings.Join(available, ", ")).
			WithDetails(map[string]any{"expression": raw, "alias": alias, "available": available})
	}

	return lookupPath(value, rest)
}

// splitAlias cuts the alias off the front of a path. The alias runs to the
// first '.' or '[' so "login.body.items[0]" and "login[0]" both work.
func splitAlias(path string) (alias, rest string) {
	for i := 0; i < len(path); i++ {
		switch path[i] {
		case '.':
			return path[:i], path[i+1:]
		case '[':
			return path[:i], path[i:]
		}
	}
	return path, ""
}

// resolveParameter handles param:<name>. Parameters are already-typed scalars
// or pre-shaped objects; no traversal past the top-level name is defined.
func resolveParameter(name, raw string, ctx *Context) (any, error) {
	if name == "" {
		return nil, schema.NewErrorf(schema.ErrCodeMalformedExpression, "missing parameter name in %s", raw)
	}
	value, ok := ctx.Parameters[name]
	if !ok {
		available := sortedKeys(ctx.Parameters)
		return nil, schema.NewErrorf(schema.ErrCodeUnknownParameter,
			"parameter %q not found in %s; available: [%s]", name, raw, strings.Join(available, ", ")).
			WithDetails(map[string]any{"expression": raw, "parameter": name, "available": available})
	}
	return value, nil
}

// resolveEnvironment handles env:<name>, falling back to the statically
// declared default for the variable before failing.
func resolveEnvironment(name, raw string, ctx *Context) (any, error) {
	if name == "" {
		return nil, schema.NewErrorf(schema.ErrCodeMalformedExpression, "missing variable name in %s", raw)
	}
	if value, ok := ctx.Environment[name]; ok {
		return value, nil
	}
	if value, ok := ctx.EnvironmentDefaults[name]; ok {
		return value, nil
	}
	available := sortedKeys(ctx.Environment)
	return nil, schema.NewErrorf(schema.ErrCodeUnknownEnvVariable,
		"environment variable %q not found in %s; available: [%s]", name, raw, strings.Join(available, ", ")).
		WithDetails(map[string]any{"expression": raw, "variable": name, "available": available})
}

// resolveFunction handles func:<name>(<args>). Arguments are a simple
// comma-separated list; each argument is a literal (quoted string, number,
// true/false/null) or a namespace reference resolved against the same
// context. Nested function calls are not supported.
func resolveFunction(call, raw string, ctx *Context) (any, error) {
	name, argList, err := splitCall(call, raw)
	if err != nil {
		return nil, err
	}

	registry := ctx.Functions
	if registry == nil {
		registry = Builtins()
	}
	fn, ok := registry.Get(name)
	if !ok {
		available := registry.Names()
		return nil, schema.NewErrorf(schema.ErrCodeUnknownFunction,
			"function %q not found in %s; available: [%s]", name, raw, strings.Join(available, ", ")).
			WithDetails(map[string]any{"expression": raw, "function": name, "available": available})
	}

	args, err := resolveArgs(argList, raw, ctx)
	if err != nil {
		return nil, err
	}

	return fn.call(args)
}

// splitCall separates "name(a, b)" into the function name and raw arguments.
func splitCall(call, raw string) (name string, args []string, err error) {
	open := strings.IndexByte(call, '(')
	if open == -1 || !strings.HasSuffix(call, ")") {
		return "", nil, schema.NewErrorf(schema.ErrCodeMalformedExpression,
			"invalid function call in %s: expected func:<name>(<args>)", raw)
	}
	name = strings.TrimSpace(call[:open])
	if name == "" {
		return "", nil, schema.NewErrorf(schema.ErrCodeMalformedExpression,
			"missing function name in %s", raw)
	}
	return name, splitArgs(call[open+1 : len(call)-1]), nil
}

// splitArgs splits a raw argument list on top-level commas, honoring single
// and double quotes.
func splitArgs(list string) []string {
	if strings.TrimSpace(list) == "" {
		return nil
	}

	var args []string
	var current strings.Builder
	var quote byte

	for i := 0; i < len(list); i++ {
		c := list[i]
		switch {
		case quote != 0:
			current.WriteByte(c)
			if c == quote {
				quote = 0
			}
		case c == '\'' || c == '"':
			quote = c
			current.WriteByte(c)
		case c == ',':
			args = append(args, strings.TrimSpace(current.String()))
			current.Reset()
		default:
			current.WriteByte(c)
		}
	}
	args = append(args, strings.TrimSpace(current.String()))
	return args
}

// resolveArgs turns raw argument text into values.
func resolveArgs(rawArgs []string, raw string, ctx *Context) ([]any, error) {
	args := make([]any, 0, len(rawArgs))
	for _, arg := range rawArgs {
		val, err := resolveArg(arg, raw, ctx)
		if err != nil {
			return nil, err
		}
		args = append(args, val)
	}
	return args, nil
}

func resolveArg(arg, raw string, ctx *Context) (any, error) {
	// Quoted string literal.
	if len(arg) >= 2 {
		first, last := arg[0], arg[len(arg)-1]
		if (first == '\'' && last == '\'') || (first == '"' && last == '"') {
			return arg[1 : len(arg)-1], nil
		}
	}

	switch arg {
	case "true":
		return true, nil
	case "false":
		return false, nil
	case "null":
		return nil, nil
	}

	if n, err := strconv.ParseFloat(arg, 64); err == nil {
		return n, nil
	}

	// Namespace reference resolved against the same context.
	if prefix, rest, found := strings.Cut(arg, ":"); found {
		if ns, known := namespaceByPrefix[prefix]; known {
			return Resolve(&Expression{Raw: raw, Namespace: ns, Path: strings.TrimSpace(rest)}, ctx)
		}
	}

	// Bare word: treated as a string literal.
	return arg, nil
}

// sortedKeys returns the sorted keys of a map for deterministic error output.
func sortedKeys(m map[string]any) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
