package template

import (
	"encoding/json"
	"sync"

	"github.com/rendis/testpilot/pkg/schema"
)

// Context is the resolution environment for one render pass. The engine only
// reads it; ownership stays with the caller for the duration of the pass.
type Context struct {
	Responses           map[string]any // step alias -> captured HTTP response
	Processed           map[string]any // alias -> derived/transformed value
	Parameters          map[string]any // flow parameter name -> current value
	Environment         map[string]any // resolved variables for the active sub-environment
	EnvironmentDefaults map[string]any // statically declared variable defaults
	Functions           *Registry      // nil falls back to Builtins()
}

// ContextBuilder assembles Contexts from a flow's execution state. It
// enforces:
//   - Captured responses are immutable after registration (frozen on insert).
//   - Append-only: new aliases are added as steps complete.
//   - Build() snapshots are safe for concurrent render passes.
type ContextBuilder struct {
	mu        sync.RWMutex
	responses map[string]any
	processed map[string]any

	parameters  map[string]any
	environment map[string]any
	envDefaults map[string]any
	functions   *Registry
}

// NewContextBuilder creates a builder initialized with flow-level data.
// Parameters and environment maps are deep-copied to prevent external
// mutation during the run.
func NewContextBuilder(parameters, environment, envDefaults map[string]any, functions *Registry) *ContextBuilder {
	return &ContextBuilder{
		responses:   make(map[string]any),
		processed:   make(map[string]any),
		parameters:  deepCopyMap(parameters),
		environment: deepCopyMap(environment),
		envDefaults: deepCopyMap(envDefaults),
		functions:   functions,
	}
}

// AddResponse registers a completed step's captured response under its
// store_response_as alias. The value is frozen (deep-copied) at insertion;
// duplicate aliases are rejected.
func (b *ContextBuilder) AddResponse(alias string, value any) error {
	return b.add(b.responses, "response", alias, value)
}

// AddResponseJSON is AddResponse for raw JSON payloads.
func (b *ContextBuilder) AddResponseJSON(alias string, raw json.RawMessage) error {
	if len(raw) == 0 {
		return b.AddResponse(alias, nil)
	}
	var parsed any
	if err := json.Unmarshal(raw, &parsed); err != nil {
		return schema.NewErrorf(schema.ErrCodeValidation,
			"cannot parse response %q: %s", alias, err.Error()).WithCause(err)
	}
	return b.AddResponse(alias, parsed)
}

// AddProcessed registers a derived value under its alias.
func (b *ContextBuilder) AddProcessed(alias string, value any) error {
	return b.add(b.processed, "processed value", alias, value)
}

func (b *ContextBuilder) add(dest map[string]any, kind, alias string, value any) error {
	if alias == "" {
		return schema.NewErrorf(schema.ErrCodeValidation, "%s alias is empty", kind)
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	if _, exists := dest[alias]; exists {
		return schema.NewErrorf(schema.ErrCodeConflict,
			"%s %q already registered; captured values are immutable", kind, alias)
	}
	dest[alias] = deepCopyAny(value)
	return nil
}

// Build creates a Context snapshot. The returned context is safe for
// concurrent render passes: response and processed maps are copied,
// parameters and environment were frozen at init.
func (b *ContextBuilder) Build() *Context {
	b.mu.RLock()
	defer b.mu.RUnlock()

	return &Context{
		Responses:           deepCopyMap(b.responses),
		Processed:           deepCopyMap(b.processed),
		Parameters:          b.parameters,
		Environment:         b.environment,
		EnvironmentDefaults: b.envDefaults,
		Functions:           b.functions,
	}
}

// --- Deep copy utilities ---

// deepCopyMap creates a deep copy of a map[string]any.
func deepCopyMap(m map[string]any) map[string]any {
	if m == nil {
		return nil
	}
	cp := make(map[string]any, len(m))
	for k, v := range m {
		cp[k] = deepCopyAny(v)
	}
	return cp
}

// deepCopyAny recursively deep-copies a value.
// Handles maps, slices, and primitives (which are inherently immutable).
func deepCopyAny(v any) any {
	switch val := v.(type) {
	case map[string]any:
		return deepCopyMap(val)
	case []any:
		cp := make([]any, len(val))
		for i, item := range val {
			cp[i] = deepCopyAny(item)
		}
		return cp
	case json.RawMessage:
		if val == nil {
			return nil
		}
		cp := make(json.RawMessage, len(val))
		copy(cp, val)
		return cp
	default:
		// Primitives (string, float64, bool, nil, int, int64) are value types.
		return v
	}
}
