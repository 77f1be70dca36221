// Package policy validates tool arguments, builds matchable signatures, and
// evaluates them against operator-authored permission rules.
package policy

import (
	"fmt"
	"regexp"
	"sort"
	"strings"

	"github.com/haasonsaas/toolgate/internal/registry"
)

// Characters never allowed in argument values: glob metacharacters, the
// signature separator, and C0 control bytes.
var forbiddenRe = regexp.MustCompile(`[*?\[\](),\x00-\x1f]`)

// ValidateArgs rejects argument values containing forbidden characters and,
// when the registry knows the tool, enforces required arguments and per-arg
// validation patterns. Non-string values skip the character and pattern
// checks. A nil registry limits validation to the forbidden-character pass.
func ValidateArgs(toolName string, args map[string]any, reg *registry.Registry) error {
	for _, key := range sortedKeys(args) {
		value, ok := args[key].(string)
		if !ok {
			continue
		}
		if forbiddenRe.MatchString(value) {
			return fmt.Errorf("argument %q contains forbidden characters", key)
		}
	}

	if reg == nil {
		return nil
	}
	if _, ok := reg.Tool(toolName); !ok {
		return nil
	}

	required := make([]string, 0)
	for name := range reg.RequiredArgs(toolName) {
		required = append(required, name)
	}
	sort.Strings(required)
	for _, name := range required {
		if _, ok := args[name]; !ok {
			return fmt.Errorf("missing required argument: %s", name)
		}
	}

	validators := reg.ArgValidators(toolName)
	for _, key := range sortedKeys(args) {
		value, ok := args[key].(string)
		if !ok {
			continue
		}
		pattern, ok := validators[key]
		if !ok {
			continue
		}
		if !pattern.MatchString(value) {
			return fmt.Errorf("invalid value for %s: %q", key, value)
		}
	}
	return nil
}

// BuildSignature produces the deterministic signature a request is matched
// and displayed by, for example:
//
//	ha_get_state(sensor.temp)
//	ha_call_service(light.turn_on, light.bedroom)
//
// Validation always runs first. Tools the registry knows use their signature
// template; unknown tools fall back to argument values in sorted key order.
// Tools without arguments yield the bare tool name.
func BuildSignature(toolName string, args map[string]any, reg *registry.Registry) (string, error) {
	if err := ValidateArgs(toolName, args, reg); err != nil {
		return "", err
	}

	if reg != nil {
		if parts, ok := reg.SignatureParts(toolName, args); ok {
			return joinSignature(toolName, parts), nil
		}
	}

	parts := make([]string, 0, len(args))
	for _, key := range sortedKeys(args) {
		parts = append(parts, registry.Stringify(args[key]))
	}
	return joinSignature(toolName, parts), nil
}

func joinSignature(toolName string, parts []string) string {
	if len(parts) == 0 {
		return toolName
	}
	return toolName + "(" + strings.Join(parts, ", ") + ")"
}

func sortedKeys(args map[string]any) []string {
	keys := make([]string, 0, len(args))
	for key := range args {
		keys = append(keys, key)
	}
	sort.Strings(keys)
	return keys
}
