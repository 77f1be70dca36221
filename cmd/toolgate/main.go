// Package main provides the CLI entry point for the toolgate execution gateway.
//
// Toolgate sits between an autonomous agent and the services it wants to
// call. Every tool request is checked against a permissions policy; anything
// the policy does not auto-allow is escalated to a human guardian on Telegram
// or Discord, and only an explicit approval lets the call through to the
// backend.
//
// # Basic Usage
//
// Start the gateway:
//
//	toolgate serve --config config.yaml --permissions permissions.yaml
//
// Send a one-shot tool request through a running gateway:
//
//	toolgate request ha_get_state entity_id=sensor.kitchen_temp
//
// Inspect the gateway:
//
//	toolgate tools
//	toolgate pending
//
// # Environment Variables
//
//   - TOOLGATE_URL: Gateway WebSocket URL for the client subcommands
//   - TOOLGATE_TOKEN: Agent token for the client subcommands
//   - LOG_LEVEL: Log level (debug, info, warn, error; default info)
package main

import (
	"errors"
	"fmt"
	"log/slog"
	"os"

	"github.com/spf13/cobra"

	"github.com/haasonsaas/toolgate/internal/observability"
)

// Build information - populated by ldflags during build.
//
// Example build command:
//
//	go build -ldflags "-X main.version=v1.0.0 -X main.commit=$(git rev-parse HEAD) -X main.date=$(date -u +%Y-%m-%dT%H:%M:%SZ)"
var (
	version = "dev"     // Semantic version (e.g., "v1.0.0")
	commit  = "none"    // Git commit SHA
	date    = "unknown" // Build timestamp
)

// exitError carries a specific process exit code through cobra's error path.
// The client subcommands use it to report denied/timeout/connection outcomes
// as distinct codes for scripting.
type exitError struct {
	code int
	msg  string
}

func (e *exitError) Error() string { return e.msg }

func main() {
	// Structured JSON logging to stderr; stdout is reserved for command
	// output. The level comes from LOG_LEVEL, and the handler redacts
	// token-shaped values as a second line of defense.
	logger := observability.NewLogger(observability.LogConfig{
		Level: os.Getenv("LOG_LEVEL"),
	})
	slog.SetDefault(logger)

	rootCmd := buildRootCmd()

	if err := rootCmd.Execute(); err != nil {
		var ee *exitError
		if errors.As(err, &ee) {
			os.Exit(ee.code)
		}
		slog.Error("command execution failed", "error", err)
		os.Exit(1)
	}
}

// buildRootCmd creates the root command with all subcommands attached.
// This is separated from main() to facilitate testing.
func buildRootCmd() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "toolgate",
		Short: "Toolgate - human-in-the-loop execution gateway for AI agents",
		Long: `Toolgate is an execution gateway between an autonomous agent and your services.

The agent connects over WebSocket and issues JSON-RPC tool requests. Each
request is evaluated against a permissions policy: allowed calls execute
immediately, denied calls are refused, and everything else waits for a human
guardian to tap Approve or Deny on Telegram or Discord. Every decision is
written to a durable audit log.

Documentation: https://github.com/haasonsaas/toolgate`,
		Version: fmt.Sprintf("%s (commit: %s, built: %s)", version, commit, date),
		// SilenceUsage prevents printing usage on every error.
		SilenceUsage: true,
	}

	rootCmd.AddCommand(
		buildServeCmd(),
		buildRequestCmd(),
		buildToolsCmd(),
		buildPendingCmd(),
	)

	return rootCmd
}
