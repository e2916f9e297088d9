package runner

import (
	"github.com/rendis/testpilot/pkg/schema"
)

// ResolveEnvironment produces the active variable set for one sub-environment.
// The returned resolved map holds the sub-environment's variables plus its
// host (under "host" when set); defaults is the environment-level variable
// set that env: resolution falls back to.
//
// An empty subEnvName selects the environment's defaults only.
func ResolveEnvironment(env *schema.Environment, subEnvName string) (resolved, defaults map[string]any, err error) {
	if env == nil {
		return map[string]any{}, map[string]any{}, nil
	}

	defaults = make(map[string]any, len(env.Variables))
	for k, v := range env.Variables {
		defaults[k] = v
	}

	if subEnvName == "" {
		return map[string]any{}, defaults, nil
	}

	for _, sub := range env.SubEnvironments {
		if sub.Name != subEnvName {
			continue
		}
		resolved = make(map[string]any, len(sub.Variables)+1)
		for k, v := range sub.Variables {
			resolved[k] = v
		}
		if sub.Host != "" {
			resolved["host"] = sub.Host
		}
		return resolved, defaults, nil
	}

	return nil, nil, schema.NewErrorf(schema.ErrCodeNotFound,
		"sub-environment %q not found in environment %q", subEnvName, env.Name)
}
