package config

import (
	"fmt"
	"os"
	"path/filepath"
	"regexp"

	"gopkg.in/yaml.v3"
)

// ServiceConfig describes one backend service and the tools it exposes.
// Tools live in a separate YAML file referenced by the `tools` key, resolved
// relative to the config file.
type ServiceConfig struct {
	Name      string           `yaml:"-"`
	URL       string           `yaml:"url"`
	Auth      AuthConfig       `yaml:"auth"`
	Health    HealthConfig     `yaml:"health"`
	ToolsFile string           `yaml:"tools"`
	Errors    []ErrorMapping   `yaml:"errors"`
	Tools     []ToolDefinition `yaml:"-"`
}

// AuthConfig selects how dispatcher requests authenticate to the service.
type AuthConfig struct {
	Type       string `yaml:"type"` // bearer, header, query, basic
	Token      string `yaml:"token"`
	HeaderName string `yaml:"header_name"`
	QueryParam string `yaml:"query_param"`
	Username   string `yaml:"username"`
	Password   string `yaml:"password"`
}

// HealthConfig describes the service health probe.
type HealthConfig struct {
	Method       string `yaml:"method"`
	Path         string `yaml:"path"`
	ExpectStatus int    `yaml:"expect_status"`
}

// ErrorMapping translates an upstream HTTP status into a message. The
// message supports {status} and {body} placeholders.
type ErrorMapping struct {
	Status  int    `yaml:"status"`
	Message string `yaml:"message"`
}

// ToolDefinition is one tool entry from a tools file.
type ToolDefinition struct {
	Name        string                   `yaml:"-"`
	ServiceName string                   `yaml:"-"`
	Description string                   `yaml:"description"`
	Signature   string                   `yaml:"signature"`
	Args        map[string]ArgDefinition `yaml:"args"`
	Request     *RequestDefinition       `yaml:"request"`
	Response    *ResponseDefinition      `yaml:"response"`
}

// ArgDefinition declares whether an argument is required and an optional
// regex its string value must match.
type ArgDefinition struct {
	Required bool   `yaml:"required"`
	Validate string `yaml:"validate"`
}

// RequestDefinition maps a tool onto an HTTP call.
type RequestDefinition struct {
	Method      string   `yaml:"method"`
	Path        string   `yaml:"path"`
	BodyExclude []string `yaml:"body_exclude"`
}

// ResponseDefinition shapes the dispatcher reply. When Wrap is set, the
// upstream JSON is returned as {wrap: data}.
type ResponseDefinition struct {
	Wrap string `yaml:"wrap"`
}

type toolsFile struct {
	Tools map[string]ToolDefinition `yaml:"tools"`
}

// resolveTools loads every service's tools file relative to the config path.
func resolveTools(cfg *Config, configPath string) error {
	baseDir := filepath.Dir(configPath)
	for name, svc := range cfg.Services {
		if svc.ToolsFile == "" {
			continue
		}
		toolsPath := svc.ToolsFile
		if !filepath.IsAbs(toolsPath) {
			toolsPath = filepath.Join(baseDir, toolsPath)
		}
		tools, err := LoadToolsFile(toolsPath, name)
		if err != nil {
			return err
		}
		svc.Tools = tools
		cfg.Services[name] = svc
	}
	return nil
}

// LoadToolsFile reads one tools YAML file for the named service. Validation
// regexes are compiled here so a broken pattern fails at startup rather than
// on first use.
func LoadToolsFile(path, serviceName string) ([]ToolDefinition, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read tools file: %w", err)
	}

	expanded, err := substituteEnv(data)
	if err != nil {
		return nil, fmt.Errorf("tools file %s: %w", path, err)
	}

	var tf toolsFile
	if err := yaml.Unmarshal(expanded, &tf); err != nil {
		return nil, fmt.Errorf("failed to parse tools file %s: %w", path, err)
	}

	tools := make([]ToolDefinition, 0, len(tf.Tools))
	for name, tool := range tf.Tools {
		for argName, arg := range tool.Args {
			if arg.Validate == "" {
				continue
			}
			if _, err := regexp.Compile(arg.Validate); err != nil {
				return nil, fmt.Errorf("invalid regex pattern for tool %q arg %q: %w", name, argName, err)
			}
		}
		if tool.Request != nil {
			switch tool.Request.Method {
			case "GET", "POST", "PUT", "PATCH", "DELETE":
			default:
				return nil, fmt.Errorf("tool %q: unsupported request method %q", name, tool.Request.Method)
			}
		}
		tool.Name = name
		tool.ServiceName = serviceName
		tools = append(tools, tool)
	}
	return tools, nil
}
