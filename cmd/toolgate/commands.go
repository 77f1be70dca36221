package main

import (
	"os"
	"time"

	"github.com/spf13/cobra"
)

// =============================================================================
// Serve Command
// =============================================================================

// buildServeCmd creates the "serve" command that starts the gateway server.
// This is the primary command for running toolgate in production.
func buildServeCmd() *cobra.Command {
	var opts serveOptions

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the toolgate gateway server",
		Long: `Start the gateway with the given config and permissions files.

The server will:
1. Load and validate configuration and the permissions policy
2. Open the approval store and expire stale pending requests
3. Probe every configured backend service
4. Start the guardian messenger (Telegram, Discord, or none)
5. Start the agent WebSocket endpoint and the HTTP surface
   (health, metrics, audit dashboard)

Without gateway.tls in the config, serve refuses to start unless --insecure
is given. Graceful shutdown is handled on SIGINT/SIGTERM: open approval
prompts are resolved as denied before the listeners stop.`,
		Example: `  # Start with the default file names
  toolgate serve --insecure

  # Start with explicit files and TLS configured in config.yaml
  toolgate serve --config /etc/toolgate/config.yaml --permissions /etc/toolgate/permissions.yaml`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(cmd.Context(), opts)
		},
	}

	cmd.Flags().StringVarP(&opts.config, "config", "c", "config.yaml",
		"Path to YAML configuration file")
	cmd.Flags().StringVarP(&opts.permissions, "permissions", "p", "permissions.yaml",
		"Path to YAML permissions policy file")
	cmd.Flags().BoolVar(&opts.insecure, "insecure", false,
		"Allow plaintext WS (no TLS)")
	cmd.Flags().BoolVarP(&opts.debug, "debug", "d", false,
		"Enable debug logging (verbose output)")

	return cmd
}

// =============================================================================
// Client Commands
// =============================================================================

// buildRequestCmd creates the "request" command: a one-shot tool request
// through a running gateway. The command blocks until the request resolves,
// which for escalated tools means until the guardian decides.
func buildRequestCmd() *cobra.Command {
	var (
		opts    clientOptions
		timeout time.Duration
	)

	cmd := &cobra.Command{
		Use:   "request <tool> [key=value...]",
		Short: "Send a one-shot tool request",
		Long: `Send a single tool request and print the execution result as JSON.

Arguments after the tool name are key=value pairs passed as the tool's
arguments. The command waits for the full approval flow, so an escalated
request blocks until the guardian answers or the approval times out.

Exit codes: 0 success, 1 denied, 2 timeout, 3 connection error,
4 invalid arguments.`,
		Example: `  # Read a sensor (auto-allowed tools return immediately)
  toolgate request ha_get_state entity_id=sensor.kitchen_temp

  # Call a service; waits for guardian approval if the policy says ask
  toolgate request ha_call_service domain=light service=turn_on entity_id=light.porch`,
		Args: cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runRequest(cmd.Context(), opts, args[0], args[1:], timeout)
		},
	}

	addClientFlags(cmd, &opts)
	cmd.Flags().DurationVar(&timeout, "timeout", 15*time.Minute,
		"Overall deadline for the request, including approval wait")

	return cmd
}

// buildToolsCmd creates the "tools" command that lists the gateway's tool
// catalog.
func buildToolsCmd() *cobra.Command {
	var opts clientOptions

	cmd := &cobra.Command{
		Use:   "tools",
		Short: "List available tools",
		Long:  `Fetch the gateway's tool catalog and print it as JSON.`,
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runTools(cmd.Context(), opts)
		},
	}

	addClientFlags(cmd, &opts)
	return cmd
}

// buildPendingCmd creates the "pending" command that retrieves results of
// requests approved or denied while no agent was connected.
func buildPendingCmd() *cobra.Command {
	var opts clientOptions

	cmd := &cobra.Command{
		Use:   "pending",
		Short: "Retrieve pending results",
		Long: `Fetch results that resolved while the agent was disconnected.

Retrieval is at-most-once: the gateway deletes each result as soon as it has
been delivered, so run this once and keep the output.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runPending(cmd.Context(), opts)
		},
	}

	addClientFlags(cmd, &opts)
	return cmd
}

// addClientFlags attaches the gateway endpoint flags shared by the client
// subcommands. Defaults come from the environment so agents can be pointed
// at a gateway without repeating flags.
func addClientFlags(cmd *cobra.Command, opts *clientOptions) {
	cmd.Flags().StringVar(&opts.url, "url", os.Getenv("TOOLGATE_URL"),
		"Gateway WebSocket URL (env TOOLGATE_URL)")
	cmd.Flags().StringVar(&opts.token, "token", os.Getenv("TOOLGATE_TOKEN"),
		"Agent token (env TOOLGATE_TOKEN; prompted when stdin is a terminal)")
}
