package config

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// Permission actions.
const (
	ActionAllow = "allow"
	ActionDeny  = "deny"
	ActionAsk   = "ask"
)

// PermissionRule matches tool signatures against a shell-style glob pattern.
type PermissionRule struct {
	Pattern     string `yaml:"pattern"`
	Action      string `yaml:"action"`
	Description string `yaml:"description"`
}

// Permissions is the root of permissions.yaml. Rules are consulted before
// Defaults; see the policy engine for the exact precedence.
type Permissions struct {
	Defaults []PermissionRule `yaml:"defaults"`
	Rules    []PermissionRule `yaml:"rules"`
}

// LoadPermissions reads and validates permissions.yaml.
func LoadPermissions(path string) (*Permissions, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read permissions file: %w", err)
	}

	expanded, err := substituteEnv(data)
	if err != nil {
		return nil, fmt.Errorf("permissions %s: %w", path, err)
	}

	var perms Permissions
	if err := yaml.Unmarshal(expanded, &perms); err != nil {
		return nil, fmt.Errorf("failed to parse permissions: %w", err)
	}

	for _, rule := range perms.Defaults {
		if err := validateRule(rule, "defaults"); err != nil {
			return nil, err
		}
	}
	for _, rule := range perms.Rules {
		if err := validateRule(rule, "rules"); err != nil {
			return nil, err
		}
	}
	return &perms, nil
}

func validateRule(rule PermissionRule, section string) error {
	if rule.Pattern == "" {
		return fmt.Errorf("%s: rule is missing a pattern", section)
	}
	switch rule.Action {
	case ActionAllow, ActionDeny, ActionAsk:
		return nil
	default:
		return fmt.Errorf("invalid permission action %q (must be allow/deny/ask)", rule.Action)
	}
}
