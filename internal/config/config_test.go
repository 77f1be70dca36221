package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
)

const testConfig = `
gateway:
  host: 127.0.0.1
  port: 8765
agent:
  token: ${TEST_AGENT_TOKEN}
messenger:
  type: telegram
  telegram:
    token: ${TEST_TG_TOKEN}
    chat_id: 42
    allowed_users: [12345]
storage:
  type: sqlite
  path: /tmp/approvals.db
services:
  homeassistant:
    url: http://ha.local:8123/
    auth:
      type: bearer
      token: secret
    tools: tools.yaml
`

const testTools = `
tools:
  ha_get_state:
    description: Read an entity state
    signature: "{entity_id}"
    args:
      entity_id:
        required: true
        validate: "^[a-z_]+\\.[a-z0-9_]+$"
    request:
      method: GET
      path: /api/states/{entity_id}
`

func writeFiles(t *testing.T, cfg, tools string) string {
	t.Helper()
	dir := t.TempDir()
	if err := os.WriteFile(filepath.Join(dir, "config.yaml"), []byte(cfg), 0o600); err != nil {
		t.Fatal(err)
	}
	if tools != "" {
		if err := os.WriteFile(filepath.Join(dir, "tools.yaml"), []byte(tools), 0o600); err != nil {
			t.Fatal(err)
		}
	}
	return filepath.Join(dir, "config.yaml")
}

func TestLoad(t *testing.T) {
	t.Setenv("TEST_AGENT_TOKEN", "tok-123")
	t.Setenv("TEST_TG_TOKEN", "tg-456")

	path := writeFiles(t, testConfig, testTools)
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}

	if cfg.Agent.Token != "tok-123" {
		t.Errorf("agent token = %q, want env value", cfg.Agent.Token)
	}
	if cfg.Messenger.Telegram.Token != "tg-456" {
		t.Errorf("telegram token = %q", cfg.Messenger.Telegram.Token)
	}

	// Defaults
	if cfg.ApprovalTimeout != 900 {
		t.Errorf("approval_timeout = %d, want 900", cfg.ApprovalTimeout)
	}
	if cfg.RateLimit.MaxRequestsPerMinute != 60 || cfg.RateLimit.MaxPendingApprovals != 10 {
		t.Errorf("rate limit defaults = %+v", cfg.RateLimit)
	}
	if cfg.Gateway.HealthPort != 8130 {
		t.Errorf("health_port = %d, want 8130", cfg.Gateway.HealthPort)
	}
	if cfg.Storage.CleanupSchedule != "@every 1h" {
		t.Errorf("cleanup_schedule = %q", cfg.Storage.CleanupSchedule)
	}

	svc, ok := cfg.Services["homeassistant"]
	if !ok {
		t.Fatal("homeassistant service missing")
	}
	if svc.Name != "homeassistant" {
		t.Errorf("service name = %q", svc.Name)
	}
	if svc.Health.Method != "GET" || svc.Health.ExpectStatus != 200 {
		t.Errorf("health defaults = %+v", svc.Health)
	}
	if len(svc.Tools) != 1 {
		t.Fatalf("tools = %d, want 1", len(svc.Tools))
	}
	tool := svc.Tools[0]
	if tool.Name != "ha_get_state" || tool.ServiceName != "homeassistant" {
		t.Errorf("tool identity = %q/%q", tool.Name, tool.ServiceName)
	}
	if !tool.Args["entity_id"].Required {
		t.Error("entity_id should be required")
	}
}

func TestLoadUnsetEnvVar(t *testing.T) {
	os.Unsetenv("TEST_AGENT_TOKEN_MISSING")
	cfg := strings.ReplaceAll(testConfig, "${TEST_AGENT_TOKEN}", "${TEST_AGENT_TOKEN_MISSING}")
	cfg = strings.ReplaceAll(cfg, "${TEST_TG_TOKEN}", "x")
	path := writeFiles(t, cfg, testTools)

	_, err := Load(path)
	if err == nil {
		t.Fatal("expected error for unset env var")
	}
	if !strings.Contains(err.Error(), "TEST_AGENT_TOKEN_MISSING") {
		t.Errorf("error should name the variable, got: %v", err)
	}
}

func TestValidate(t *testing.T) {
	base := func() *Config {
		return &Config{
			Gateway: GatewayConfig{Host: "127.0.0.1", Port: 8765},
			Agent:   AgentConfig{Token: "t"},
			Messenger: MessengerConfig{
				Type:     MessengerTelegram,
				Telegram: &TelegramConfig{Token: "x", ChatID: 1, AllowedUsers: []int64{1}},
			},
			Storage:         StorageConfig{Type: "sqlite", Path: "/tmp/x.db"},
			ApprovalTimeout: 900,
			Services: map[string]ServiceConfig{
				"svc": {URL: "http://x", Auth: AuthConfig{Type: "bearer"}},
			},
		}
	}

	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr string
	}{
		{"valid", func(c *Config) {}, ""},
		{"missing port", func(c *Config) { c.Gateway.Port = 0 }, "gateway.port"},
		{"missing token", func(c *Config) { c.Agent.Token = "" }, "agent.token"},
		{"bad storage type", func(c *Config) { c.Storage.Type = "postgres" }, "storage type"},
		{"missing storage path", func(c *Config) { c.Storage.Path = "" }, "storage.path"},
		{"no services", func(c *Config) { c.Services = nil }, "at least one service"},
		{"negative timeout", func(c *Config) { c.ApprovalTimeout = -1 }, "approval_timeout"},
		{"bad auth type", func(c *Config) {
			svc := c.Services["svc"]
			svc.Auth.Type = "hmac"
			c.Services["svc"] = svc
		}, "auth type"},
		{"telegram without block", func(c *Config) { c.Messenger.Telegram = nil }, "messenger.telegram"},
		{"telegram no users", func(c *Config) { c.Messenger.Telegram.AllowedUsers = nil }, "allowed_users"},
		{"unknown messenger", func(c *Config) { c.Messenger.Type = "pager" }, "messenger type"},
		{"tls missing key", func(c *Config) { c.Gateway.TLS = &TLSConfig{Cert: "c.pem"} }, "cert and key"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := base()
			tt.mutate(cfg)
			err := cfg.Validate()
			if tt.wantErr == "" {
				if err != nil {
					t.Fatalf("unexpected error: %v", err)
				}
				return
			}
			if err == nil {
				t.Fatal("expected error")
			}
			if !strings.Contains(err.Error(), tt.wantErr) {
				t.Errorf("error = %v, want substring %q", err, tt.wantErr)
			}
		})
	}
}

func TestLoadToolsFileBadRegex(t *testing.T) {
	dir := t.TempDir()
	bad := `
tools:
  t1:
    args:
      a:
        validate: "([unclosed"
`
	path := filepath.Join(dir, "tools.yaml")
	if err := os.WriteFile(path, []byte(bad), 0o600); err != nil {
		t.Fatal(err)
	}
	_, err := LoadToolsFile(path, "svc")
	if err == nil {
		t.Fatal("expected regex compile error")
	}
	if !strings.Contains(err.Error(), "t1") || !strings.Contains(err.Error(), "a") {
		t.Errorf("error should name tool and arg: %v", err)
	}
}

func TestLoadPermissions(t *testing.T) {
	dir := t.TempDir()
	good := `
defaults:
  - pattern: "ha_get_state(*)"
    action: allow
rules:
  - pattern: "ha_call_service(lock.*)"
    action: deny
    description: never touch locks
`
	path := filepath.Join(dir, "permissions.yaml")
	if err := os.WriteFile(path, []byte(good), 0o600); err != nil {
		t.Fatal(err)
	}
	perms, err := LoadPermissions(path)
	if err != nil {
		t.Fatalf("LoadPermissions: %v", err)
	}
	if len(perms.Defaults) != 1 || len(perms.Rules) != 1 {
		t.Fatalf("parsed %d defaults, %d rules", len(perms.Defaults), len(perms.Rules))
	}
	if perms.Rules[0].Action != ActionDeny {
		t.Errorf("rule action = %q", perms.Rules[0].Action)
	}
}

func TestLoadPermissionsBadAction(t *testing.T) {
	dir := t.TempDir()
	bad := `
defaults:
  - pattern: "*"
    action: maybe
`
	path := filepath.Join(dir, "permissions.yaml")
	if err := os.WriteFile(path, []byte(bad), 0o600); err != nil {
		t.Fatal(err)
	}
	if _, err := LoadPermissions(path); err == nil {
		t.Fatal("expected invalid action error")
	}
}
