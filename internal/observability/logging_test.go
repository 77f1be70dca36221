package observability

import (
	"bytes"
	"encoding/json"
	"errors"
	"log/slog"
	"strings"
	"testing"
)

func TestNewLogger(t *testing.T) {
	tests := []struct {
		name   string
		config LogConfig
	}{
		{
			name: "json format",
			config: LogConfig{
				Level:  "info",
				Format: "json",
			},
		},
		{
			name: "text format",
			config: LogConfig{
				Level:  "debug",
				Format: "text",
			},
		},
		{
			name:   "defaults",
			config: LogConfig{},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			logger := NewLogger(tt.config)
			if logger == nil {
				t.Fatal("NewLogger() returned nil")
			}
		})
	}
}

func TestLogLevelFromString(t *testing.T) {
	tests := []struct {
		in       string
		expected slog.Level
	}{
		{"debug", slog.LevelDebug},
		{"info", slog.LevelInfo},
		{"warn", slog.LevelWarn},
		{"warning", slog.LevelWarn},
		{"error", slog.LevelError},
		{"ERROR", slog.LevelError},
		{"invalid", slog.LevelInfo},
		{"", slog.LevelInfo},
	}

	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			if got := LogLevelFromString(tt.in); got != tt.expected {
				t.Errorf("LogLevelFromString(%q) = %v, want %v", tt.in, got, tt.expected)
			}
		})
	}
}

func TestLoggerLevelFiltering(t *testing.T) {
	var buf bytes.Buffer
	logger := NewLogger(LogConfig{
		Level:  "warn",
		Format: "json",
		Output: &buf,
	})

	logger.Info("should not appear")
	if buf.Len() != 0 {
		t.Fatalf("info record written despite warn level: %s", buf.String())
	}

	logger.Warn("should appear")
	if buf.Len() == 0 {
		t.Fatal("warn record not written")
	}
}

func TestLoggerJSONOutput(t *testing.T) {
	var buf bytes.Buffer
	logger := NewLogger(LogConfig{
		Level:  "info",
		Format: "json",
		Output: &buf,
	})

	logger.Info("agent connected", "remote", "127.0.0.1:52114", "attempts", 3)

	var entry map[string]any
	if err := json.Unmarshal(buf.Bytes(), &entry); err != nil {
		t.Fatalf("log output is not valid JSON: %v\n%s", err, buf.String())
	}
	if entry["msg"] != "agent connected" {
		t.Errorf("msg = %v, want agent connected", entry["msg"])
	}
	if entry["remote"] != "127.0.0.1:52114" {
		t.Errorf("remote = %v", entry["remote"])
	}
}

func TestLoggerRedactsSensitiveKeys(t *testing.T) {
	tests := []struct {
		key string
	}{
		{"token"},
		{"password"},
		{"api_key"},
		{"Authorization"},
		{"private-key"},
	}

	for _, tt := range tests {
		t.Run(tt.key, func(t *testing.T) {
			var buf bytes.Buffer
			logger := NewLogger(LogConfig{
				Level:  "info",
				Format: "json",
				Output: &buf,
			})

			logger.Info("auth attempt", tt.key, "super-secret-value-123456")

			out := buf.String()
			if strings.Contains(out, "super-secret-value-123456") {
				t.Errorf("secret leaked into log output: %s", out)
			}
			if !strings.Contains(out, redactedPlaceholder) {
				t.Errorf("expected %s marker in output: %s", redactedPlaceholder, out)
			}
		})
	}
}

func TestLoggerRedactsPatternsInStrings(t *testing.T) {
	tests := []struct {
		name   string
		msg    string
		secret string
	}{
		{
			name:   "telegram bot token",
			msg:    "sending via 123456789:AAHdqTcvCH1vGWJxfSeofSAs0K5PALDsaw1",
			secret: "AAHdqTcvCH1vGWJxfSeofSAs0K5PALDsaw1",
		},
		{
			name:   "bearer token",
			msg:    "header was Bearer abcdef0123456789abcdef0123456789",
			secret: "abcdef0123456789abcdef0123456789",
		},
		{
			name:   "password assignment",
			msg:    "config contained password=hunter22hunter22",
			secret: "hunter22hunter22",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var buf bytes.Buffer
			logger := NewLogger(LogConfig{
				Level:  "info",
				Format: "json",
				Output: &buf,
			})

			logger.Info(tt.msg)

			out := buf.String()
			if strings.Contains(out, tt.secret) {
				t.Errorf("secret leaked into log output: %s", out)
			}
		})
	}
}

func TestLoggerRedactsErrorValues(t *testing.T) {
	var buf bytes.Buffer
	logger := NewLogger(LogConfig{
		Level:  "info",
		Format: "json",
		Output: &buf,
	})

	err := errors.New("request failed: Bearer abcdef0123456789abcdef0123456789")
	logger.Error("dispatch failed", "error", err)

	out := buf.String()
	if strings.Contains(out, "abcdef0123456789abcdef0123456789") {
		t.Errorf("secret inside error leaked into log output: %s", out)
	}
}

func TestLoggerWithAttrsRedacts(t *testing.T) {
	var buf bytes.Buffer
	logger := NewLogger(LogConfig{
		Level:  "info",
		Format: "json",
		Output: &buf,
	})

	bound := logger.With("token", "bound-secret-0123456789")
	bound.Info("bound logger")

	out := buf.String()
	if strings.Contains(out, "bound-secret-0123456789") {
		t.Errorf("secret bound via With leaked into log output: %s", out)
	}
}
