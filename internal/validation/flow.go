package validation

import (
	"encoding/json"
	"fmt"

	"github.com/rendis/testpilot/internal/template"
	"github.com/rendis/testpilot/pkg/schema"
)

// Semantic validation issue codes.
const (
	codeSchemaViolation       = "SCHEMA_VIOLATION"
	codeDuplicateStepAlias    = "DUPLICATE_STEP_ALIAS"
	codeDuplicateExtractAlias = "DUPLICATE_EXTRACT_ALIAS"
	codeForwardReference      = "FORWARD_REFERENCE"
	codeUnknownParameter      = "UNKNOWN_PARAMETER_REFERENCE"
	codeMalformedTemplate     = "MALFORMED_TEMPLATE"
)

// FlowValidator runs structural (JSON Schema) and semantic checks over a
// flow definition before execution.
type FlowValidator struct {
	schemaValidator *JSONSchemaValidator
}

// NewFlowValidator creates a validator with the flow JSON Schema pre-compiled.
func NewFlowValidator() (*FlowValidator, error) {
	sv, err := NewJSONSchemaValidator()
	if err != nil {
		return nil, err
	}
	return &FlowValidator{schemaValidator: sv}, nil
}

// Validate runs all checks against the definition. Structural failures stop
// validation early since semantic checks assume a well-formed document.
func (v *FlowValidator) Validate(def *schema.FlowDefinition) *schema.ValidationResult {
	result := &schema.ValidationResult{}

	if err := v.schemaValidator.ValidateDefinition(def); err != nil {
		var reported bool
		if tpErr, ok := err.(*schema.TestPilotError); ok {
			if violations, ok := tpErr.Details["violations"].([]string); ok {
				for _, viol := range violations {
					result.AddError("", codeSchemaViolation, viol)
				}
				reported = len(violations) > 0
			}
		}
		if !reported {
			result.AddError("", codeSchemaViolation, err.Error())
		}
		return result
	}

	checkAliases(def, result)
	checkReferences(def, result)

	return result
}

// checkAliases verifies that response and extract aliases are unique across
// the whole flow. Responses and processed values live in separate namespaces,
// so a response alias may legally collide with an extract alias.
func checkAliases(def *schema.FlowDefinition, result *schema.ValidationResult) {
	seenSteps := make(map[string]int)
	seenExtracts := make(map[string]int)

	for i, step := range def.Steps {
		path := fmt.Sprintf("steps[%d]", i)

		if prev, ok := seenSteps[step.StoreResponseAs]; ok {
			result.AddError(path+".store_response_as", codeDuplicateStepAlias,
				fmt.Sprintf("response alias %q already used by steps[%d]", step.StoreResponseAs, prev))
		} else {
			seenSteps[step.StoreResponseAs] = i
		}

		for j, rule := range step.Extract {
			if prev, ok := seenExtracts[rule.Alias]; ok {
				result.AddError(fmt.Sprintf("%s.extract[%d].alias", path, j), codeDuplicateExtractAlias,
					fmt.Sprintf("extract alias %q already used by steps[%d]", rule.Alias, prev))
			} else {
				seenExtracts[rule.Alias] = i
			}
		}
	}
}

// checkReferences walks every templated field of every step and verifies that
// res: and proc: references point at aliases produced by EARLIER steps (steps
// execute sequentially, so forward references can never resolve), and that
// param: references name declared parameters.
func checkReferences(def *schema.FlowDefinition, result *schema.ValidationResult) {
	params := make(map[string]bool, len(def.Parameters))
	for _, p := range def.Parameters {
		params[p.Name] = true
	}

	// Aliases available when step i runs: everything stored by steps 0..i-1.
	responses := make(map[string]bool)
	processed := make(map[string]bool)

	for i, step := range def.Steps {
		path := fmt.Sprintf("steps[%d]", i)

		// Request-phase fields render before the step's own response exists.
		for loc, text := range requestTemplates(&step, path) {
			checkTemplate(text, loc, responses, processed, params, result)
		}

		// Assertions run after capture and extraction, so the step's own
		// aliases are in scope for them.
		responses[step.StoreResponseAs] = true
		for _, rule := range step.Extract {
			processed[rule.Alias] = true
		}

		for loc, text := range assertionTemplates(&step, path) {
			checkTemplate(text, loc, responses, processed, params, result)
		}
	}
}

// requestTemplates collects the template-bearing string fields rendered
// before dispatch, keyed by their location path. Extract expressions are jq,
// not templates, so they are excluded.
func requestTemplates(step *schema.FlowStep, path string) map[string]string {
	fields := map[string]string{
		path + ".url": step.URL,
	}
	for k, v := range step.Headers {
		fields[fmt.Sprintf("%s.headers.%s", path, k)] = v
	}
	for k, v := range step.Query {
		fields[fmt.Sprintf("%s.query.%s", path, k)] = v
	}
	if len(step.Body) > 0 {
		collectJSONStrings(step.Body, path+".body", fields)
	}
	if step.Auth != nil {
		fields[path+".auth.token"] = step.Auth.Token
		fields[path+".auth.username"] = step.Auth.Username
		fields[path+".auth.password"] = step.Auth.Password
		fields[path+".auth.header_value"] = step.Auth.HeaderValue
	}
	return fields
}

// assertionTemplates collects the templated assertion fields of a step.
func assertionTemplates(step *schema.FlowStep, path string) map[string]string {
	fields := make(map[string]string)
	for j, a := range step.Assertions {
		if s, ok := a.Target.(string); ok {
			fields[fmt.Sprintf("%s.assertions[%d].target", path, j)] = s
		}
		if s, ok := a.Expected.(string); ok {
			fields[fmt.Sprintf("%s.assertions[%d].expected", path, j)] = s
		}
	}
	return fields
}

// collectJSONStrings walks a raw JSON document and records every leaf string
// under its location path.
func collectJSONStrings(raw json.RawMessage, path string, out map[string]string) {
	var doc any
	if err := json.Unmarshal(raw, &doc); err != nil {
		return // structural validation already reports malformed bodies
	}
	walkJSONStrings(doc, path, out)
}

func walkJSONStrings(v any, path string, out map[string]string) {
	switch t := v.(type) {
	case string:
		out[path] = t
	case map[string]any:
		for k, child := range t {
			walkJSONStrings(child, path+"."+k, out)
		}
	case []any:
		for i, child := range t {
			walkJSONStrings(child, fmt.Sprintf("%s[%d]", path, i), out)
		}
	}
}

// checkTemplate parses one templated string and validates each expression's
// reference against what is known statically.
func checkTemplate(text, loc string, responses, processed, params map[string]bool, result *schema.ValidationResult) {
	if !template.HasExpressions(text) {
		return
	}

	segments, err := template.Parse(text)
	if err != nil {
		result.AddError(loc, codeMalformedTemplate, err.Error())
		return
	}

	for _, seg := range segments {
		if seg.Expr == nil {
			continue
		}
		alias := referenceAlias(seg.Expr.Path)

		switch seg.Expr.Namespace {
		case template.NamespaceResponse:
			if !responses[alias] {
				result.AddError(loc, codeForwardReference,
					fmt.Sprintf("res:%s references a response not yet stored at this step", alias))
			}
		case template.NamespaceProcessed:
			if !processed[alias] {
				result.AddError(loc, codeForwardReference,
					fmt.Sprintf("proc:%s references an extract alias not yet produced at this step", alias))
			}
		case template.NamespaceParameter:
			if !params[seg.Expr.Path] {
				result.AddError(loc, codeUnknownParameter,
					fmt.Sprintf("param:%s is not declared in the flow's parameters", seg.Expr.Path))
			}
		}
	}
}

// referenceAlias returns the alias portion of a namespaced path: everything
// up to the first '.' or '['.
func referenceAlias(path string) string {
	for i := 0; i < len(path); i++ {
		if path[i] == '.' || path[i] == '[' {
			return path[:i]
		}
	}
	return path
}
