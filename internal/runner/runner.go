package runner

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/rendis/testpilot/internal/expressions"
	"github.com/rendis/testpilot/internal/logging"
	"github.com/rendis/testpilot/internal/template"
	"github.com/rendis/testpilot/internal/validation"
	"github.com/rendis/testpilot/pkg/schema"
)

// StepResult records the outcome of one executed step.
type StepResult struct {
	Alias      string            `json:"alias"`
	Status     schema.StepStatus `json:"status"`
	StatusCode int               `json:"status_code,omitempty"`
	DurationMs int64             `json:"duration_ms,omitempty"`
	Failures   []string          `json:"failures,omitempty"`
	Error      string            `json:"error,omitempty"`
}

// RunResult is the outcome of a full flow run.
type RunResult struct {
	RunID     string               `json:"run_id"`
	FlowName  string               `json:"flow_name"`
	Status    schema.FlowRunStatus `json:"status"`
	Steps     []StepResult         `json:"steps"`
	StartedAt time.Time            `json:"started_at"`
	Duration  time.Duration        `json:"duration"`
	Error     string               `json:"error,omitempty"`
}

// RunOptions carries the per-run inputs that are not part of the flow
// definition itself.
type RunOptions struct {
	Parameters  map[string]any
	Environment *schema.Environment
	SubEnv      string
}

// Runner executes flows step by step. Steps run sequentially; each step sees
// the responses and extracted values of every step before it.
type Runner struct {
	logger    *slog.Logger
	client    *Client
	engine    *template.Engine
	asserter  *Asserter
	validator *validation.FlowValidator
	jq        *expressions.GoJQEngine
	cel       *expressions.CELEngine
	functions *template.Registry
}

// NewRunner wires a runner with its expression engines and validator.
func NewRunner(logger *slog.Logger, clientCfg ClientConfig) (*Runner, error) {
	if logger == nil {
		logger = slog.Default()
	}

	validator, err := validation.NewFlowValidator()
	if err != nil {
		return nil, err
	}
	celEngine, err := expressions.NewCELEngine()
	if err != nil {
		return nil, err
	}

	engine := template.NewEngine()
	schemaValidator, err := validation.NewJSONSchemaValidator()
	if err != nil {
		return nil, err
	}

	return &Runner{
		logger:    logger,
		client:    NewClient(clientCfg),
		engine:    engine,
		asserter:  NewAsserter(engine, expressions.NewExprEngine(), schemaValidator),
		validator: validator,
		jq:        expressions.NewGoJQEngine(),
		cel:       celEngine,
		functions: template.Builtins(),
	}, nil
}

// Run validates and executes a flow. Execution stops at the first step that
// fails or errors; steps after the stopping point are not dispatched, since
// later steps may depend on earlier responses.
func (r *Runner) Run(ctx context.Context, def *schema.FlowDefinition, opts RunOptions) (*RunResult, error) {
	result := &RunResult{
		RunID:     uuid.NewString(),
		FlowName:  def.Name,
		Status:    schema.RunStatusPassed,
		StartedAt: time.Now().UTC(),
	}
	defer func() { result.Duration = time.Since(result.StartedAt) }()

	ctx = logging.WithIDs(ctx, def.Name, result.RunID, "")
	logger := r.logger

	if vr := r.validator.Validate(def); !vr.Valid() {
		err := vr.ToError()
		result.Status = schema.RunStatusError
		result.Error = err.Error()
		return result, err
	}

	params, err := resolveParameters(def, opts.Parameters)
	if err != nil {
		result.Status = schema.RunStatusError
		result.Error = err.Error()
		return result, err
	}

	envVars, envDefaults, err := ResolveEnvironment(opts.Environment, opts.SubEnv)
	if err != nil {
		result.Status = schema.RunStatusError
		result.Error = err.Error()
		return result, err
	}

	builder := template.NewContextBuilder(params, envVars, envDefaults, r.functions)

	logger.InfoContext(ctx, "flow run started",
		"flow", def.Name, "steps", len(def.Steps), "sub_env", opts.SubEnv)

	for i := range def.Steps {
		step := &def.Steps[i]
		stepCtx := logging.WithStepAlias(ctx, step.StoreResponseAs)

		stepResult := r.runStep(stepCtx, logger, step, builder)
		result.Steps = append(result.Steps, stepResult)

		switch stepResult.Status {
		case schema.StepStatusFailed:
			result.Status = schema.RunStatusFailed
		case schema.StepStatusError:
			result.Status = schema.RunStatusError
			result.Error = stepResult.Error
		}
		if result.Status != schema.RunStatusPassed {
			logger.WarnContext(stepCtx, "flow run stopped",
				"step", step.StoreResponseAs, "status", stepResult.Status)
			return result, nil
		}
	}

	logger.InfoContext(ctx, "flow run passed",
		"flow", def.Name, "duration_ms", time.Since(result.StartedAt).Milliseconds())
	return result, nil
}

// runStep renders, guards, dispatches, captures, extracts, and asserts one
// step. Step-level problems are reported through the StepResult rather than
// an error return so the flow result always lists every attempted step.
func (r *Runner) runStep(ctx context.Context, logger *slog.Logger, step *schema.FlowStep, builder *template.ContextBuilder) StepResult {
	result := StepResult{Alias: step.StoreResponseAs, Status: schema.StepStatusPassed}
	tctx := builder.Build()

	if step.SkipIf != "" {
		skip, err := r.cel.EvaluateBool(ctx, step.SkipIf, assertionScope(tctx))
		if err != nil {
			return stepError(result, err)
		}
		if skip {
			logger.InfoContext(ctx, "step skipped", "guard", step.SkipIf)
			result.Status = schema.StepStatusSkipped
			return result
		}
	}

	req, err := r.renderRequest(step, tctx)
	if err != nil {
		return stepError(result, err)
	}

	logger.InfoContext(ctx, "dispatching step", "method", req.Method, "url", req.URL)
	response, err := r.client.Do(ctx, req)
	if err != nil {
		return stepError(result, err)
	}
	if sc, ok := response["status_code"].(float64); ok {
		result.StatusCode = int(sc)
	}
	if d, ok := response["duration_ms"].(float64); ok {
		result.DurationMs = int64(d)
	}

	if err := builder.AddResponse(step.StoreResponseAs, response); err != nil {
		return stepError(result, err)
	}

	for _, rule := range step.Extract {
		value, err := r.jq.Evaluate(ctx, rule.Expression, response)
		if err != nil {
			return stepError(result, schema.NewErrorf(schema.ErrCodeExecution,
				"extract %q failed: %s", rule.Alias, err.Error()).WithCause(err))
		}
		if err := builder.AddProcessed(rule.Alias, value); err != nil {
			return stepError(result, err)
		}
	}

	// Assertions see the step's own response and extracts.
	tctx = builder.Build()
	for i := range step.Assertions {
		assertion := &step.Assertions[i]
		if err := r.asserter.Check(ctx, assertion, tctx); err != nil {
			var tpErr *schema.TestPilotError
			if errors.As(err, &tpErr) && tpErr.Code == schema.ErrCodeAssertionFailed {
				logger.WarnContext(ctx, "assertion failed",
					"index", i, "operator", string(assertion.Operator), "message", tpErr.Message)
				result.Status = schema.StepStatusFailed
				result.Failures = append(result.Failures, tpErr.Message)
				continue
			}
			return stepError(result, err)
		}
	}

	return result
}

// renderRequest resolves every templated field of a step into a dispatchable
// request.
func (r *Runner) renderRequest(step *schema.FlowStep, tctx *template.Context) (*Request, error) {
	req := &Request{Method: step.Method}

	rendered, err := r.engine.Render(step.URL, tctx)
	if err != nil {
		return nil, err
	}
	req.URL = template.Stringify(rendered)

	if len(step.Headers) > 0 {
		req.Headers = make(map[string]string, len(step.Headers))
		for k, v := range step.Headers {
			rv, err := r.engine.Render(v, tctx)
			if err != nil {
				return nil, err
			}
			req.Headers[k] = template.Stringify(rv)
		}
	}

	if len(step.Query) > 0 {
		req.Query = make(map[string]string, len(step.Query))
		for k, v := range step.Query {
			rv, err := r.engine.Render(v, tctx)
			if err != nil {
				return nil, err
			}
			req.Query[k] = template.Stringify(rv)
		}
	}

	if len(step.Body) > 0 {
		body, err := r.engine.RenderJSON(step.Body, tctx)
		if err != nil {
			return nil, err
		}
		req.Body = json.RawMessage(body)
	}

	if step.Auth != nil {
		auth := *step.Auth
		if auth.Token, err = r.renderString(auth.Token, tctx); err != nil {
			return nil, err
		}
		if auth.Username, err = r.renderString(auth.Username, tctx); err != nil {
			return nil, err
		}
		if auth.Password, err = r.renderString(auth.Password, tctx); err != nil {
			return nil, err
		}
		if auth.HeaderValue, err = r.renderString(auth.HeaderValue, tctx); err != nil {
			return nil, err
		}
		req.Auth = &auth
	}

	if step.Timeout != "" {
		d, err := time.ParseDuration(step.Timeout)
		if err != nil {
			return nil, schema.NewErrorf(schema.ErrCodeValidation,
				"invalid step timeout %q", step.Timeout)
		}
		req.Timeout = d
	}

	return req, nil
}

func (r *Runner) renderString(s string, tctx *template.Context) (string, error) {
	if s == "" {
		return "", nil
	}
	rendered, err := r.engine.Render(s, tctx)
	if err != nil {
		return "", err
	}
	return template.Stringify(rendered), nil
}

// resolveParameters merges caller-provided values over declared defaults.
// A declared parameter with neither a value nor a default is an error; the
// runner rejects it up front rather than letting every reference fail during
// rendering.
func resolveParameters(def *schema.FlowDefinition, provided map[string]any) (map[string]any, error) {
	params := make(map[string]any, len(def.Parameters))
	for _, p := range def.Parameters {
		if v, ok := provided[p.Name]; ok {
			params[p.Name] = v
			continue
		}
		if p.Default != nil {
			params[p.Name] = p.Default
			continue
		}
		return nil, schema.NewErrorf(schema.ErrCodeValidation,
			"parameter %q has no value and no default", p.Name)
	}
	return params, nil
}

func stepError(result StepResult, err error) StepResult {
	result.Status = schema.StepStatusError
	result.Error = err.Error()
	return result
}
