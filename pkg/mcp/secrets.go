package mcp

import "strings"

// SecretResolver fills env templates with credentials. Values live in
// memory only and are never logged.
type SecretResolver struct {
	globals map[string]string
}

// NewSecretResolver builds a resolver over the global credential map
// (github_token, github_repo, workspace_path and friends).
func NewSecretResolver(globals map[string]string) *SecretResolver {
	if globals == nil {
		globals = map[string]string{}
	}
	return &SecretResolver{globals: globals}
}

// Resolve substitutes {var} placeholders in the env template.
// overrides win over the global credentials; entries that stay empty
// or keep an unresolved placeholder are dropped so the child process
// never sees a literal template.
func (r *SecretResolver) Resolve(template map[string]string, overrides map[string]string) map[string]string {
	variables := make(map[string]string, len(r.globals)+len(overrides))
	for k, v := range r.globals {
		if v != "" {
			variables[k] = v
		}
	}
	for k, v := range overrides {
		if v != "" {
			variables[k] = v
		}
	}

	resolved := make(map[string]string, len(template))
	for key, value := range template {
		for name, val := range variables {
			value = strings.ReplaceAll(value, "{"+name+"}", val)
		}
		if value == "" || strings.Contains(value, "{") {
			continue
		}
		resolved[key] = value
	}
	return resolved
}

// Validate reports which template keys stayed unresolved.
func Validate(template, resolved map[string]string) (complete bool, missing []string) {
	for key := range template {
		if resolved[key] == "" {
			missing = append(missing, key)
		}
	}
	return len(missing) == 0, missing
}
