package template

import (
	"fmt"
	"math"
	"math/rand"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/rendis/testpilot/pkg/schema"
)

// Function is one callable entry in the registry: a pure transform over
// resolved values. Functions whose whole purpose is generating a fresh
// value (timestamps, random data) are marked non-deterministic so callers
// can substitute stand-ins in tests and exclude them from any caching.
type Function struct {
	Name          string
	Arity         int // exact argument count; -1 for variadic
	Deterministic bool
	Fn            func(args []any) (any, error)
}

// call checks arity before invoking the function body.
func (f Function) call(args []any) (any, error) {
	if f.Arity >= 0 && len(args) != f.Arity {
		return nil, schema.NewErrorf(schema.ErrCodeInvalidFunctionArgs,
			"function %q expects %d argument(s), got %d (%v)", f.Name, f.Arity, len(args), args).
			WithDetails(map[string]any{"function": f.Name, "args": args})
	}
	return f.Fn(args)
}

// Registry is an explicit, injectable function table. It is passed into the
// Context rather than kept as a module-level singleton so tests can swap
// deterministic stand-ins for the generators.
type Registry struct {
	mu    sync.RWMutex
	funcs map[string]Function
}

// NewRegistry creates an empty Registry.
func NewRegistry() *Registry {
	return &Registry{funcs: make(map[string]Function)}
}

// Register adds a function to the registry. Returns error on duplicate name.
func (r *Registry) Register(fn Function) error {
	if fn.Name == "" {
		return schema.NewError(schema.ErrCodeValidation, "function name is empty")
	}
	if fn.Fn == nil {
		return schema.NewErrorf(schema.ErrCodeValidation, "function %q has no body", fn.Name)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.funcs[fn.Name]; exists {
		return schema.NewErrorf(schema.ErrCodeConflict, "function %q already registered", fn.Name)
	}
	r.funcs[fn.Name] = fn
	return nil
}

// Get retrieves a function by name.
func (r *Registry) Get(name string) (Function, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	fn, ok := r.funcs[name]
	return fn, ok
}

// Names returns all registered function names, sorted.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.funcs))
	for name := range r.funcs {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Builtins returns a fresh registry with the standard function set.
func Builtins() *Registry {
	r := NewRegistry()
	for _, fn := range builtinFunctions() {
		// Names are unique by construction.
		_ = r.Register(fn)
	}
	return r
}

func builtinFunctions() []Function {
	return []Function{
		{Name: "upper", Arity: 1, Deterministic: true, Fn: func(args []any) (any, error) {
			s, err := argString("upper", args, 0)
			if err != nil {
				return nil, err
			}
			return strings.ToUpper(s), nil
		}},
		{Name: "lower", Arity: 1, Deterministic: true, Fn: func(args []any) (any, error) {
			s, err := argString("lower", args, 0)
			if err != nil {
				return nil, err
			}
			return strings.ToLower(s), nil
		}},
		{Name: "trim", Arity: 1, Deterministic: true, Fn: func(args []any) (any, error) {
			s, err := argString("trim", args, 0)
			if err != nil {
				return nil, err
			}
			return strings.TrimSpace(s), nil
		}},
		{Name: "concat", Arity: -1, Deterministic: true, Fn: func(args []any) (any, error) {
			var b strings.Builder
			for _, arg := range args {
				b.WriteString(Stringify(arg))
			}
			return b.String(), nil
		}},
		{Name: "replace", Arity: 3, Deterministic: true, Fn: func(args []any) (any, error) {
			s, err := argString("replace", args, 0)
			if err != nil {
				return nil, err
			}
			old, err := argString("replace", args, 1)
			if err != nil {
				return nil, err
			}
			repl, err := argString("replace", args, 2)
			if err != nil {
				return nil, err
			}
			return strings.ReplaceAll(s, old, repl), nil
		}},
		{Name: "substring", Arity: 3, Deterministic: true, Fn: func(args []any) (any, error) {
			s, err := argString("substring", args, 0)
			if err != nil {
				return nil, err
			}
			start, err := argNumber("substring", args, 1)
			if err != nil {
				return nil, err
			}
			end, err := argNumber("substring", args, 2)
			if err != nil {
				return nil, err
			}
			from, to := int(start), int(end)
			if from < 0 || to > len(s) || from > to {
				return nil, invalidArgs("substring", args, "indices out of range")
			}
			return s[from:to], nil
		}},
		{Name: "length", Arity: 1, Deterministic: true, Fn: func(args []any) (any, error) {
			switch v := args[0].(type) {
			case string:
				return float64(len(v)), nil
			case []any:
				return float64(len(v)), nil
			case map[string]any:
				return float64(len(v)), nil
			default:
				return nil, invalidArgs("length", args, "expects a string, array, or object")
			}
		}},
		{Name: "add", Arity: 2, Deterministic: true, Fn: numericFn("add", func(a, b float64) (float64, error) {
			return a + b, nil
		})},
		{Name: "subtract", Arity: 2, Deterministic: true, Fn: numericFn("subtract", func(a, b float64) (float64, error) {
			return a - b, nil
		})},
		{Name: "multiply", Arity: 2, Deterministic: true, Fn: numericFn("multiply", func(a, b float64) (float64, error) {
			return a * b, nil
		})},
		{Name: "divide", Arity: 2, Deterministic: true, Fn: numericFn("divide", func(a, b float64) (float64, error) {
			if b == 0 {
				return 0, invalidArgs("divide", []any{a, b}, "division by zero")
			}
			return a / b, nil
		})},
		{Name: "round", Arity: 1, Deterministic: true, Fn: func(args []any) (any, error) {
			n, err := argNumber("round", args, 0)
			if err != nil {
				return nil, err
			}
			return math.Round(n), nil
		}},
		{Name: "now", Arity: 0, Deterministic: false, Fn: func(_ []any) (any, error) {
			return time.Now().UTC().Format(time.RFC3339), nil
		}},
		{Name: "timestamp", Arity: 0, Deterministic: false, Fn: func(_ []any) (any, error) {
			return float64(time.Now().Unix()), nil
		}},
		{Name: "formatDate", Arity: 1, Deterministic: false, Fn: func(args []any) (any, error) {
			layout, err := argString("formatDate", args, 0)
			if err != nil {
				return nil, err
			}
			return time.Now().UTC().Format(layout), nil
		}},
		{Name: "uuid", Arity: 0, Deterministic: false, Fn: func(_ []any) (any, error) {
			return uuid.NewString(), nil
		}},
		{Name: "randomInt", Arity: 2, Deterministic: false, Fn: func(args []any) (any, error) {
			minArg, err := argNumber("randomInt", args, 0)
			if err != nil {
				return nil, err
			}
			maxArg, err := argNumber("randomInt", args, 1)
			if err != nil {
				return nil, err
			}
			lo, hi := int(minArg), int(maxArg)
			if lo > hi {
				return nil, invalidArgs("randomInt", args, "min must not exceed max")
			}
			return float64(lo + rand.Intn(hi-lo+1)), nil
		}},
		{Name: "randomString", Arity: 1, Deterministic: false, Fn: func(args []any) (any, error) {
			n, err := argNumber("randomString", args, 0)
			if err != nil {
				return nil, err
			}
			length := int(n)
			if length < 0 || length > 1024 {
				return nil, invalidArgs("randomString", args, "length must be between 0 and 1024")
			}
			const alphabet = "abcdefghijklmnopqrstuvwxyzABCDEFGHIJKLMNOPQRSTUVWXYZ0123456789"
			b := make([]byte, length)
			for i := range b {
				b[i] = alphabet[rand.Intn(len(alphabet))]
			}
			return string(b), nil
		}},
	}
}

// numericFn wraps a binary float operation with argument checking.
func numericFn(name string, op func(a, b float64) (float64, error)) func(args []any) (any, error) {
	return func(args []any) (any, error) {
		a, err := argNumber(name, args, 0)
		if err != nil {
			return nil, err
		}
		b, err := argNumber(name, args, 1)
		if err != nil {
			return nil, err
		}
		return op(a, b)
	}
}

func argString(fn string, args []any, i int) (string, error) {
	s, ok := args[i].(string)
	if !ok {
		return "", invalidArgs(fn, args, fmt.Sprintf("argument %d must be a string, got %T", i+1, args[i]))
	}
	return s, nil
}

func argNumber(fn string, args []any, i int) (float64, error) {
	switch v := args[i].(type) {
	case float64:
		return v, nil
	case int:
		return float64(v), nil
	case int64:
		return float64(v), nil
	default:
		return 0, invalidArgs(fn, args, fmt.Sprintf("argument %d must be a number, got %T", i+1, args[i]))
	}
}

func invalidArgs(fn string, args []any, reason string) error {
	return schema.NewErrorf(schema.ErrCodeInvalidFunctionArgs,
		"function %q: %s (%v)", fn, reason, args).
		WithDetails(map[string]any{"function": fn, "args": args})
}
