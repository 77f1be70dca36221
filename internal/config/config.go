// Package config loads and validates the gateway configuration files:
// config.yaml (gateway, agent, messenger, storage, services), the per-service
// tools files it references, and permissions.yaml (policy rules).
//
// String values in every file support ${VAR} environment substitution; an
// unset variable is a load error rather than a silent empty string.
package config

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// Config is the root of config.yaml.
type Config struct {
	Gateway         GatewayConfig            `yaml:"gateway"`
	Agent           AgentConfig              `yaml:"agent"`
	Messenger       MessengerConfig          `yaml:"messenger"`
	Services        map[string]ServiceConfig `yaml:"services"`
	Storage         StorageConfig            `yaml:"storage"`
	ApprovalTimeout int                      `yaml:"approval_timeout"`
	RateLimit       RateLimitConfig          `yaml:"rate_limit"`
	Observability   ObservabilityConfig      `yaml:"observability"`
}

// GatewayConfig sets the two listen addresses: the agent WebSocket endpoint
// and the HTTP surface (health, metrics, audit dashboard).
type GatewayConfig struct {
	Host       string     `yaml:"host"`
	Port       int        `yaml:"port"`
	HealthHost string     `yaml:"health_host"`
	HealthPort int        `yaml:"health_port"`
	TLS        *TLSConfig `yaml:"tls"`
}

// TLSConfig is the cert/key pair for the agent listener.
type TLSConfig struct {
	Cert string `yaml:"cert"`
	Key  string `yaml:"key"`
}

// AgentConfig holds the shared secret the agent presents during auth.
// The token must never be written to logs.
type AgentConfig struct {
	Token string `yaml:"token"`
}

// MessengerConfig selects and configures the approval messenger.
type MessengerConfig struct {
	Type     string          `yaml:"type"`
	Telegram *TelegramConfig `yaml:"telegram"`
	Discord  *DiscordConfig  `yaml:"discord"`
}

// TelegramConfig configures the Telegram approval adapter.
type TelegramConfig struct {
	Token        string  `yaml:"token"`
	ChatID       int64   `yaml:"chat_id"`
	AllowedUsers []int64 `yaml:"allowed_users"`
}

// DiscordConfig configures the Discord approval adapter.
type DiscordConfig struct {
	Token        string   `yaml:"token"`
	ChannelID    string   `yaml:"channel_id"`
	AllowedUsers []string `yaml:"allowed_users"`
}

// StorageConfig locates the approval store.
type StorageConfig struct {
	Type            string `yaml:"type"`
	Path            string `yaml:"path"`
	CleanupSchedule string `yaml:"cleanup_schedule"`
}

// RateLimitConfig caps request admission and concurrent escalations.
type RateLimitConfig struct {
	MaxRequestsPerMinute int `yaml:"max_requests_per_minute"`
	MaxPendingApprovals  int `yaml:"max_pending_approvals"`
}

// ObservabilityConfig holds optional tracing settings.
type ObservabilityConfig struct {
	Tracing TracingConfig `yaml:"tracing"`
}

// TracingConfig configures the OTLP trace exporter. An empty endpoint
// disables tracing.
type TracingConfig struct {
	Endpoint     string  `yaml:"endpoint"`
	SamplingRate float64 `yaml:"sampling_rate"`
	Insecure     bool    `yaml:"insecure"`
}

// Messenger types accepted in messenger.type.
const (
	MessengerTelegram = "telegram"
	MessengerDiscord  = "discord"
	MessengerNone     = "none"
)

// Load reads and parses the configuration file, resolves per-service tools
// files relative to it, applies defaults and validates.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	expanded, err := substituteEnv(data)
	if err != nil {
		return nil, fmt.Errorf("config %s: %w", path, err)
	}

	var cfg Config
	if err := yaml.Unmarshal(expanded, &cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}

	applyDefaults(&cfg)

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	if err := resolveTools(&cfg, path); err != nil {
		return nil, err
	}

	return &cfg, nil
}

func applyDefaults(cfg *Config) {
	if cfg.Gateway.Host == "" {
		cfg.Gateway.Host = "0.0.0.0"
	}
	if cfg.Gateway.HealthHost == "" {
		cfg.Gateway.HealthHost = "127.0.0.1"
	}
	if cfg.Gateway.HealthPort == 0 {
		cfg.Gateway.HealthPort = 8130
	}
	if cfg.Messenger.Type == "" {
		cfg.Messenger.Type = MessengerNone
	}
	if cfg.Storage.Type == "" {
		cfg.Storage.Type = "sqlite"
	}
	if cfg.Storage.CleanupSchedule == "" {
		cfg.Storage.CleanupSchedule = "@every 1h"
	}
	if cfg.ApprovalTimeout == 0 {
		cfg.ApprovalTimeout = 900
	}
	if cfg.RateLimit.MaxRequestsPerMinute == 0 {
		cfg.RateLimit.MaxRequestsPerMinute = 60
	}
	if cfg.RateLimit.MaxPendingApprovals == 0 {
		cfg.RateLimit.MaxPendingApprovals = 10
	}
	for name, svc := range cfg.Services {
		if svc.Health.Method == "" {
			svc.Health.Method = "GET"
		}
		if svc.Health.Path == "" {
			svc.Health.Path = "/"
		}
		if svc.Health.ExpectStatus == 0 {
			svc.Health.ExpectStatus = 200
		}
		svc.Name = name
		cfg.Services[name] = svc
	}
}

// Validate checks required fields and value ranges.
func (c *Config) Validate() error {
	if c.Gateway.Port == 0 {
		return fmt.Errorf("missing required config: gateway.port")
	}
	if c.Gateway.TLS != nil {
		if c.Gateway.TLS.Cert == "" || c.Gateway.TLS.Key == "" {
			return fmt.Errorf("gateway.tls requires both cert and key")
		}
	}
	if c.Agent.Token == "" {
		return fmt.Errorf("missing required config: agent.token")
	}
	if c.ApprovalTimeout <= 0 {
		return fmt.Errorf("approval_timeout must be a positive integer, got %d", c.ApprovalTimeout)
	}
	if c.Storage.Type != "sqlite" {
		return fmt.Errorf("unsupported storage type %q (only sqlite is supported)", c.Storage.Type)
	}
	if c.Storage.Path == "" {
		return fmt.Errorf("missing required config: storage.path")
	}
	if len(c.Services) == 0 {
		return fmt.Errorf("at least one service must be configured")
	}
	for name, svc := range c.Services {
		if svc.URL == "" {
			return fmt.Errorf("missing required config: services.%s.url", name)
		}
		if svc.Auth.Type == "" {
			return fmt.Errorf("missing required config: services.%s.auth.type", name)
		}
		switch svc.Auth.Type {
		case "bearer", "header", "query", "basic":
		default:
			return fmt.Errorf("services.%s: unsupported auth type %q", name, svc.Auth.Type)
		}
		for i, m := range svc.Errors {
			if m.Status == 0 {
				return fmt.Errorf("services.%s.errors[%d]: missing status", name, i)
			}
			if m.Message == "" {
				return fmt.Errorf("services.%s.errors[%d]: missing message", name, i)
			}
		}
	}
	return c.validateMessenger()
}

func (c *Config) validateMessenger() error {
	switch c.Messenger.Type {
	case MessengerNone:
		return nil
	case MessengerTelegram:
		tg := c.Messenger.Telegram
		if tg == nil {
			return fmt.Errorf("messenger.type is telegram but messenger.telegram is missing")
		}
		if tg.Token == "" {
			return fmt.Errorf("missing required config: messenger.telegram.token")
		}
		if tg.ChatID == 0 {
			return fmt.Errorf("missing required config: messenger.telegram.chat_id")
		}
		if len(tg.AllowedUsers) == 0 {
			return fmt.Errorf("messenger.telegram.allowed_users must be a non-empty list")
		}
		return nil
	case MessengerDiscord:
		dc := c.Messenger.Discord
		if dc == nil {
			return fmt.Errorf("messenger.type is discord but messenger.discord is missing")
		}
		if dc.Token == "" {
			return fmt.Errorf("missing required config: messenger.discord.token")
		}
		if dc.ChannelID == "" {
			return fmt.Errorf("missing required config: messenger.discord.channel_id")
		}
		if len(dc.AllowedUsers) == 0 {
			return fmt.Errorf("messenger.discord.allowed_users must be a non-empty list")
		}
		return nil
	default:
		return fmt.Errorf("unsupported messenger type %q", c.Messenger.Type)
	}
}
