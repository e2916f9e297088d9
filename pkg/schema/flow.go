package schema

import "encoding/json"

// FlowDefinition is the JSON-serializable test flow format. A flow is an
// ordered sequence of HTTP steps executed against a real API, with parameter
// binding, response capture, value extraction, and assertions.
type FlowDefinition struct {
	Name       string         `json:"name"`
	Parameters []ParameterDef `json:"parameters,omitempty"`
	Steps      []FlowStep     `json:"steps"`
	Metadata   map[string]any `json:"metadata,omitempty"`
}

// ParameterDef declares a flow parameter with its type and optional default.
// Parameter values are treated as already-typed scalars or pre-shaped objects;
// the template engine does not traverse into them.
type ParameterDef struct {
	Name    string `json:"name"`
	Type    string `json:"type,omitempty"` // string, number, boolean, object, array
	Default any    `json:"default,omitempty"`
}

// FlowStep describes a single HTTP call within a flow. Every string-valued
// field (and every leaf string inside Body) may contain {{...}} expressions
// resolved against the flow's execution context before dispatch.
type FlowStep struct {
	StoreResponseAs string            `json:"store_response_as"`
	Method          string            `json:"method,omitempty"` // default GET
	URL             string            `json:"url"`
	Headers         map[string]string `json:"headers,omitempty"`
	Query           map[string]string `json:"query,omitempty"`
	Body            json.RawMessage   `json:"body,omitempty"`
	SkipIf          string            `json:"skip_if,omitempty"` // CEL expression, step is skipped when true
	Timeout         string            `json:"timeout,omitempty"` // e.g. "30s"
	Auth            *StepAuth         `json:"auth,omitempty"`
	Extract         []ExtractRule     `json:"extract,omitempty"`
	Assertions      []Assertion       `json:"assertions,omitempty"`
}

// StepAuth configures request authentication for one step.
type StepAuth struct {
	Type        string `json:"type"` // bearer, basic, api_key
	Token       string `json:"token,omitempty"`
	Username    string `json:"username,omitempty"`
	Password    string `json:"password,omitempty"`
	HeaderName  string `json:"header_name,omitempty"`
	HeaderValue string `json:"header_value,omitempty"`
}

// ExtractRule derives a value from the captured response via a jq expression
// and stores it under Alias in the processed namespace (proc:).
type ExtractRule struct {
	Alias      string `json:"alias"`
	Expression string `json:"expression"` // jq expression over the step's response
}

// Assertion checks a rendered target value after the step's response is
// captured. Target and Expected are templates resolved against the same
// context as the request.
type Assertion struct {
	Target     any               `json:"target,omitempty"`
	Operator   AssertionOperator `json:"operator"`
	Expected   any               `json:"expected,omitempty"`
	Expression string            `json:"expression,omitempty"` // for the "expression" operator
	Schema     json.RawMessage   `json:"schema,omitempty"`     // for the "schema" operator
	Message    string            `json:"message,omitempty"`
}

// AssertionOperator enumerates the supported assertion kinds.
type AssertionOperator string

const (
	AssertEquals     AssertionOperator = "equals"
	AssertContains   AssertionOperator = "contains"
	AssertMatches    AssertionOperator = "matches"
	AssertSchema     AssertionOperator = "schema"
	AssertExpression AssertionOperator = "expression"
)

// Environment groups variables and host overrides shared by the flows of a
// project. A sub-environment (dev/staging/prod) overrides the environment's
// default variables; resolution falls back to the defaults for anything the
// sub-environment does not set.
type Environment struct {
	Name            string           `json:"name"`
	Variables       map[string]any   `json:"variables,omitempty"` // environment-level defaults
	SubEnvironments []SubEnvironment `json:"sub_environments,omitempty"`
}

// SubEnvironment is one named variant within an environment.
type SubEnvironment struct {
	Name      string         `json:"name"`
	Host      string         `json:"host,omitempty"`
	Variables map[string]any `json:"variables,omitempty"`
}

// FlowRunStatus enumerates the terminal states of a flow run.
type FlowRunStatus string

const (
	RunStatusPassed FlowRunStatus = "passed"
	RunStatusFailed FlowRunStatus = "failed"
	RunStatusError  FlowRunStatus = "error"
)

// StepStatus enumerates the outcome of a single step.
type StepStatus string

const (
	StepStatusPassed  StepStatus = "passed"
	StepStatusFailed  StepStatus = "failed"
	StepStatusSkipped StepStatus = "skipped"
	StepStatusError   StepStatus = "error"
)
