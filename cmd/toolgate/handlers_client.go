package main

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"
	"time"

	"golang.org/x/term"

	"github.com/haasonsaas/toolgate/pkg/client"
)

// Exit codes for the client subcommands, stable for scripting.
const (
	exitDenied      = 1
	exitTimeout     = 2
	exitConnection  = 3
	exitInvalidArgs = 4
)

// connectTimeout bounds the dial+auth handshake for one-shot commands that
// carry no overall deadline of their own.
const connectTimeout = 30 * time.Second

type clientOptions struct {
	url   string
	token string
}

// resolve fills in the token interactively when possible and rejects
// incomplete endpoints. The prompt goes to stderr so stdout stays parseable.
func (o *clientOptions) resolve() error {
	if o.url == "" {
		return &exitError{code: exitConnection, msg: "gateway URL required (--url or TOOLGATE_URL)"}
	}
	if o.token == "" && term.IsTerminal(int(os.Stdin.Fd())) {
		fmt.Fprint(os.Stderr, "Agent token: ")
		secret, err := term.ReadPassword(int(os.Stdin.Fd()))
		fmt.Fprintln(os.Stderr)
		if err != nil {
			return &exitError{code: exitConnection, msg: "read token: " + err.Error()}
		}
		o.token = strings.TrimSpace(string(secret))
	}
	if o.token == "" {
		return &exitError{code: exitConnection, msg: "agent token required (--token or TOOLGATE_TOKEN)"}
	}
	return nil
}

// dial connects a one-shot client. Reconnection is capped at a single retry:
// these commands would rather fail fast than wait out a backoff loop.
func (o *clientOptions) dial(ctx context.Context) (*client.Client, error) {
	c := client.New(client.Config{
		URL:        o.url,
		Token:      o.token,
		MaxRetries: 1,
		Logger:     slog.Default(),
	})
	dialCtx, cancel := context.WithTimeout(ctx, connectTimeout)
	defer cancel()
	if err := c.Connect(dialCtx); err != nil {
		c.Close()
		return nil, clientExitError(err)
	}
	return c, nil
}

// =============================================================================
// Client Command Handlers
// =============================================================================

// runRequest sends one tool request and prints the execution data as JSON.
func runRequest(ctx context.Context, opts clientOptions, tool string, rawArgs []string, timeout time.Duration) error {
	args, err := parseKeyValueArgs(rawArgs)
	if err != nil {
		return &exitError{code: exitInvalidArgs, msg: err.Error()}
	}
	if err := opts.resolve(); err != nil {
		return err
	}

	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	c, err := opts.dial(ctx)
	if err != nil {
		return err
	}
	defer c.Close()

	data, err := c.ToolRequest(ctx, tool, args)
	if err != nil {
		return clientExitError(err)
	}
	return printRawJSON(os.Stdout, data)
}

// runTools prints the gateway's tool catalog as JSON.
func runTools(ctx context.Context, opts clientOptions) error {
	if err := opts.resolve(); err != nil {
		return err
	}

	c, err := opts.dial(ctx)
	if err != nil {
		return err
	}
	defer c.Close()

	callCtx, cancel := context.WithTimeout(ctx, connectTimeout)
	defer cancel()
	tools, err := c.ListTools(callCtx)
	if err != nil {
		return clientExitError(err)
	}
	return printJSON(os.Stdout, tools)
}

// runPending prints results that resolved while the agent was offline. The
// gateway deletes delivered rows, so the output is the only copy.
func runPending(ctx context.Context, opts clientOptions) error {
	if err := opts.resolve(); err != nil {
		return err
	}

	c, err := opts.dial(ctx)
	if err != nil {
		return err
	}
	defer c.Close()

	callCtx, cancel := context.WithTimeout(ctx, connectTimeout)
	defer cancel()
	results, err := c.GetPendingResults(callCtx)
	if err != nil {
		return clientExitError(err)
	}
	return printJSON(os.Stdout, results)
}

// =============================================================================
// Helpers
// =============================================================================

// parseKeyValueArgs turns "key=value" strings into a tool argument map.
func parseKeyValueArgs(raw []string) (map[string]any, error) {
	args := make(map[string]any, len(raw))
	for _, item := range raw {
		key, value, ok := strings.Cut(item, "=")
		if !ok {
			return nil, fmt.Errorf("invalid argument format (expected key=value): %q", item)
		}
		if key == "" {
			return nil, fmt.Errorf("empty key in argument: %q", item)
		}
		args[key] = value
	}
	return args, nil
}

// clientExitError maps SDK errors onto the command exit codes: denied 1,
// timeout 2, connection 3. Gateway errors without a sharper category count
// as denials.
func clientExitError(err error) *exitError {
	var ce *client.Error
	if errors.As(err, &ce) {
		switch {
		case client.IsDenied(err):
			return &exitError{code: exitDenied, msg: fmt.Sprintf("denied (%d): %s", ce.Code, ce.Message)}
		case client.IsApprovalTimeout(err):
			return &exitError{code: exitTimeout, msg: fmt.Sprintf("timeout (%d): %s", ce.Code, ce.Message)}
		case client.IsConnectionError(err):
			return &exitError{code: exitConnection, msg: fmt.Sprintf("connection failed (%d): %s", ce.Code, ce.Message)}
		default:
			return &exitError{code: exitDenied, msg: fmt.Sprintf("gateway error (%d): %s", ce.Code, ce.Message)}
		}
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return &exitError{code: exitTimeout, msg: "request timed out waiting for response"}
	}
	return &exitError{code: exitConnection, msg: "connection failed: " + err.Error()}
}

// printJSON pretty-prints a value to w.
func printJSON(w io.Writer, v any) error {
	out, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return err
	}
	_, err = fmt.Fprintln(w, string(out))
	return err
}

// printRawJSON re-indents an already-encoded JSON payload.
func printRawJSON(w io.Writer, raw json.RawMessage) error {
	if len(raw) == 0 {
		raw = json.RawMessage("null")
	}
	var buf bytes.Buffer
	if err := json.Indent(&buf, raw, "", "  "); err != nil {
		return err
	}
	_, err := fmt.Fprintln(w, buf.String())
	return err
}
