// Package registry indexes the tool definitions declared by all configured
// services. The registry is immutable after construction and therefore safe
// for concurrent readers without locking.
package registry

import (
	"encoding/json"
	"fmt"
	"regexp"
	"sort"
	"strings"

	"github.com/haasonsaas/toolgate/internal/config"
)

var placeholderRe = regexp.MustCompile(`\{(\w+)\}`)

// Registry maps tool names to their definitions, owning services and
// pre-compiled argument validators.
type Registry struct {
	tools      map[string]config.ToolDefinition
	validators map[string]map[string]*regexp.Regexp
}

// Build assembles a registry from every service's tool list. Two services
// declaring the same tool name is a configuration error.
func Build(services map[string]config.ServiceConfig) (*Registry, error) {
	all := make(map[string]config.ToolDefinition)
	for svcName, svc := range services {
		for _, tool := range svc.Tools {
			if existing, ok := all[tool.Name]; ok {
				return nil, fmt.Errorf("duplicate tool name %q in services %q and %q",
					tool.Name, existing.ServiceName, svcName)
			}
			all[tool.Name] = tool
		}
	}
	return New(all), nil
}

// New builds a registry directly from a tool map. Validation regexes are
// compiled eagerly; patterns were already syntax-checked at config load, so
// a failure here is ignored rather than re-reported.
func New(tools map[string]config.ToolDefinition) *Registry {
	r := &Registry{
		tools:      tools,
		validators: make(map[string]map[string]*regexp.Regexp, len(tools)),
	}
	for name, tool := range tools {
		compiled := make(map[string]*regexp.Regexp)
		for argName, arg := range tool.Args {
			if arg.Validate == "" {
				continue
			}
			// Patterns match from the start of the value.
			if re, err := regexp.Compile("^(?:" + arg.Validate + ")"); err == nil {
				compiled[argName] = re
			}
		}
		r.validators[name] = compiled
	}
	return r
}

// Tool returns the definition for the given name.
func (r *Registry) Tool(name string) (config.ToolDefinition, bool) {
	tool, ok := r.tools[name]
	return tool, ok
}

// ServiceName returns the service owning the given tool.
func (r *Registry) ServiceName(name string) (string, bool) {
	tool, ok := r.tools[name]
	if !ok {
		return "", false
	}
	return tool.ServiceName, true
}

// RequiredArgs returns the set of required argument names for the tool.
// Unknown tools yield an empty set.
func (r *Registry) RequiredArgs(name string) map[string]struct{} {
	required := make(map[string]struct{})
	tool, ok := r.tools[name]
	if !ok {
		return required
	}
	for argName, arg := range tool.Args {
		if arg.Required {
			required[argName] = struct{}{}
		}
	}
	return required
}

// ArgValidators returns the pre-compiled validation patterns for the tool's
// arguments. Unknown tools yield an empty map.
func (r *Registry) ArgValidators(name string) map[string]*regexp.Regexp {
	if v, ok := r.validators[name]; ok {
		return v
	}
	return map[string]*regexp.Regexp{}
}

// SignatureParts renders the tool's signature template against the given
// arguments. The template "{domain}.{service}, {entity_id}" with
// domain=light, service=turn_on, entity_id=light.bedroom yields
// ["light.turn_on", "light.bedroom"]. Missing arguments interpolate as the
// empty string. The second return is false when the tool is unknown, in
// which case the caller falls back to a generic signature.
func (r *Registry) SignatureParts(name string, args map[string]any) ([]string, bool) {
	tool, ok := r.tools[name]
	if !ok {
		return nil, false
	}
	if tool.Signature == "" {
		return []string{}, true
	}
	raw := strings.Split(tool.Signature, ",")
	parts := make([]string, 0, len(raw))
	for _, part := range raw {
		part = strings.TrimSpace(part)
		interpolated := placeholderRe.ReplaceAllStringFunc(part, func(m string) string {
			key := placeholderRe.FindStringSubmatch(m)[1]
			val, ok := args[key]
			if !ok {
				return ""
			}
			return Stringify(val)
		})
		parts = append(parts, interpolated)
	}
	return parts, true
}

// AllTools returns every definition, ordered by name for stable listings.
func (r *Registry) AllTools() []config.ToolDefinition {
	out := make([]config.ToolDefinition, 0, len(r.tools))
	for _, tool := range r.tools {
		out = append(out, tool)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// Stringify renders an argument value for signature use: strings verbatim,
// everything else in its JSON form (which is deterministic, including map
// key ordering).
func Stringify(v any) string {
	switch val := v.(type) {
	case string:
		return val
	case nil:
		return "null"
	default:
		raw, err := json.Marshal(val)
		if err != nil {
			return fmt.Sprintf("%v", val)
		}
		return string(raw)
	}
}
