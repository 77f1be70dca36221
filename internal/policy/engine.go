package policy

import (
	"fmt"

	"github.com/gobwas/glob"

	"github.com/haasonsaas/toolgate/internal/config"
	"github.com/haasonsaas/toolgate/internal/registry"
)

// Decision is the outcome of evaluating a tool request against the rules.
type Decision string

const (
	DecisionAllow Decision = "allow"
	DecisionDeny  Decision = "deny"
	DecisionAsk   Decision = "ask"
)

type compiledRule struct {
	pattern string
	action  string
	matcher glob.Glob
}

// Engine evaluates tool requests against permission rules. It is immutable
// after construction; reloads build a fresh Engine.
type Engine struct {
	rules    []compiledRule
	defaults []compiledRule
	registry *registry.Registry
}

// NewEngine compiles the rule patterns and returns an evaluator bound to the
// given registry. Invalid glob patterns are a configuration error.
func NewEngine(perms *config.Permissions, reg *registry.Registry) (*Engine, error) {
	rules, err := compileRules(perms.Rules, "rules")
	if err != nil {
		return nil, err
	}
	defaults, err := compileRules(perms.Defaults, "defaults")
	if err != nil {
		return nil, err
	}
	return &Engine{rules: rules, defaults: defaults, registry: reg}, nil
}

func compileRules(rules []config.PermissionRule, section string) ([]compiledRule, error) {
	compiled := make([]compiledRule, 0, len(rules))
	for _, rule := range rules {
		matcher, err := glob.Compile(rule.Pattern)
		if err != nil {
			return nil, fmt.Errorf("%s: invalid pattern %q: %w", section, rule.Pattern, err)
		}
		compiled = append(compiled, compiledRule{
			pattern: rule.Pattern,
			action:  rule.Action,
			matcher: matcher,
		})
	}
	return compiled, nil
}

// Evaluate validates the arguments, builds the signature, and matches it
// against the rules. Explicit rules are scanned once per action in the order
// deny, allow, ask, so a deny rule wins over an allow rule regardless of
// their order in the file. Defaults are then checked first-match-wins, and
// anything still unmatched is asked about.
func (e *Engine) Evaluate(toolName string, args map[string]any) (Decision, error) {
	signature, err := BuildSignature(toolName, args, e.registry)
	if err != nil {
		return "", err
	}

	for _, action := range []string{config.ActionDeny, config.ActionAllow, config.ActionAsk} {
		for _, rule := range e.rules {
			if rule.action == action && rule.matcher.Match(signature) {
				return Decision(action), nil
			}
		}
	}

	for _, rule := range e.defaults {
		if rule.matcher.Match(signature) {
			return Decision(rule.action), nil
		}
	}

	return DecisionAsk, nil
}
