// Package client is the agent-side SDK for the toolgate gateway.
//
// Calls block until the gateway replies, which for escalated requests means
// until a guardian decides or the approval times out; cancellation is the
// caller's context. After a dropped connection the client reconnects in the
// background with exponential backoff and re-authenticates. Calls that were
// in flight when the connection dropped fail with a connection error: their
// replies died with the old session, and any approval that resolves
// afterwards is stored by the gateway and retrievable with
// GetPendingResults. Retrieval is at-most-once; the gateway deletes a stored
// result as soon as it has been delivered.
package client

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strconv"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/haasonsaas/toolgate/pkg/protocol"
)

const (
	backoffInitial = time.Second
	backoffMax     = 30 * time.Second
	authReplyWait  = 10 * time.Second
	writeWait      = 10 * time.Second
)

// Config configures a Client.
type Config struct {
	// URL is the agent endpoint, e.g. "wss://gateway:8443/ws".
	URL string

	// Token is the shared agent secret presented during the handshake.
	Token string

	// MaxRetries bounds reconnection attempts after a dropped connection.
	// Zero means retry forever.
	MaxRetries int

	// Logger receives connection lifecycle events. Defaults to slog.Default().
	Logger *slog.Logger
}

// Client is a connection to the gateway. Methods are safe for concurrent
// use; calls issued while the client is reconnecting wait for the new
// connection.
type Client struct {
	cfg    Config
	logger *slog.Logger

	mu      sync.Mutex
	conn    *websocket.Conn
	ready   chan struct{} // closed while a connection is up or the client is dead
	pending map[int64]chan callOutcome
	counter int64
	closed  bool
	dead    bool // reconnection gave up

	writeMu sync.Mutex
	done    chan struct{}

	// sleep waits between reconnection attempts; swapped in tests.
	sleep func(d time.Duration) bool
}

type callOutcome struct {
	result json.RawMessage
	err    *Error
}

// New builds a client. Connect must be called before issuing requests.
func New(cfg Config) *Client {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	c := &Client{
		cfg:     cfg,
		logger:  cfg.Logger,
		ready:   make(chan struct{}),
		pending: make(map[int64]chan callOutcome),
		done:    make(chan struct{}),
	}
	c.sleep = c.waitOrClosed
	return c
}

// Connect dials the gateway and authenticates.
func (c *Client) Connect(ctx context.Context) error {
	conn, err := c.dial(ctx)
	if err != nil {
		return err
	}
	c.mu.Lock()
	if c.closed || c.conn != nil {
		c.mu.Unlock()
		conn.Close()
		if c.closed {
			return connError("Client is closed")
		}
		return connError("Already connected")
	}
	c.conn = conn
	close(c.ready)
	c.mu.Unlock()

	go c.readLoop(conn)
	return nil
}

// ToolRequest sends a tool call and returns the execution data. Escalated
// requests block until the guardian decides; denials, timeouts and
// execution failures come back as *Error values classifiable with IsDenied
// and IsApprovalTimeout.
func (c *Client) ToolRequest(ctx context.Context, tool string, args map[string]any) (json.RawMessage, error) {
	raw, err := c.call(ctx, protocol.MethodToolRequest, protocol.ToolRequestParams{Tool: tool, Args: args})
	if err != nil {
		return nil, err
	}
	var result struct {
		Status string          `json:"status"`
		Data   json.RawMessage `json:"data"`
	}
	if err := json.Unmarshal(raw, &result); err != nil {
		return nil, fmt.Errorf("decode tool reply: %w", err)
	}
	return result.Data, nil
}

// ListTools returns the gateway's tool catalog.
func (c *Client) ListTools(ctx context.Context) ([]protocol.ToolInfo, error) {
	raw, err := c.call(ctx, protocol.MethodListTools, struct{}{})
	if err != nil {
		return nil, err
	}
	var result protocol.ListToolsResult
	if err := json.Unmarshal(raw, &result); err != nil {
		return nil, fmt.Errorf("decode tool list: %w", err)
	}
	return result.Tools, nil
}

// GetPendingResults retrieves requests that resolved while no agent was
// connected. The gateway deletes each row once delivered, so every row is
// seen exactly one time; callers correlate by tool name and signature.
func (c *Client) GetPendingResults(ctx context.Context) ([]protocol.PendingRow, error) {
	raw, err := c.call(ctx, protocol.MethodGetPendingResults, struct{}{})
	if err != nil {
		return nil, err
	}
	var result protocol.PendingResultsResult
	if err := json.Unmarshal(raw, &result); err != nil {
		return nil, fmt.Errorf("decode pending results: %w", err)
	}
	return result.Results, nil
}

// Close disconnects from the gateway. In-flight calls fail with a
// connection error.
func (c *Client) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	conn := c.conn
	c.conn = nil
	c.mu.Unlock()

	close(c.done)
	if conn != nil {
		msg := websocket.FormatCloseMessage(websocket.CloseNormalClosure, "")
		_ = conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(writeWait))
		_ = conn.Close()
	}
	return nil
}

func (c *Client) call(ctx context.Context, method string, params any) (json.RawMessage, error) {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil, connError("Client is closed")
	}
	c.counter++
	id := c.counter
	outcome := make(chan callOutcome, 1)
	c.pending[id] = outcome
	c.mu.Unlock()

	conn, err := c.await(ctx)
	if err != nil {
		c.forget(id)
		return nil, err
	}

	// A loss event during the wait fails the call; it must not go out on
	// the replacement connection, where its reply would arrive under an
	// id nobody is waiting for.
	c.mu.Lock()
	_, alive := c.pending[id]
	c.mu.Unlock()
	if !alive {
		return nil, connError("Connection lost")
	}

	req, err := protocol.NewRequest(id, method, params)
	if err != nil {
		c.forget(id)
		return nil, err
	}
	data, err := json.Marshal(req)
	if err != nil {
		c.forget(id)
		return nil, err
	}
	if err := c.write(conn, data); err != nil {
		c.forget(id)
		return nil, connError("write failed: " + err.Error())
	}

	select {
	case out := <-outcome:
		if out.err != nil {
			return nil, out.err
		}
		return out.result, nil
	case <-ctx.Done():
		c.forget(id)
		return nil, ctx.Err()
	case <-c.done:
		return nil, connError("Client is closed")
	}
}

// await blocks until a connection is up, the caller gives up, or the client
// can no longer recover.
func (c *Client) await(ctx context.Context) (*websocket.Conn, error) {
	for {
		c.mu.Lock()
		switch {
		case c.closed:
			c.mu.Unlock()
			return nil, connError("Client is closed")
		case c.dead:
			c.mu.Unlock()
			return nil, connError("Connection lost")
		case c.conn != nil:
			conn := c.conn
			c.mu.Unlock()
			return conn, nil
		}
		ready := c.ready
		c.mu.Unlock()

		select {
		case <-ready:
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-c.done:
			return nil, connError("Client is closed")
		}
	}
}

func (c *Client) write(conn *websocket.Conn, data []byte) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
	return conn.WriteMessage(websocket.TextMessage, data)
}

func (c *Client) forget(id int64) {
	c.mu.Lock()
	delete(c.pending, id)
	c.mu.Unlock()
}

func (c *Client) dial(ctx context.Context) (*websocket.Conn, error) {
	conn, _, err := websocket.DefaultDialer.DialContext(ctx, c.cfg.URL, nil)
	if err != nil {
		return nil, connError("dial " + c.cfg.URL + ": " + err.Error())
	}
	if err := c.authenticate(conn); err != nil {
		conn.Close()
		return nil, err
	}
	return conn, nil
}

// authenticate runs the handshake on a fresh connection, before the read
// loop owns it.
func (c *Client) authenticate(conn *websocket.Conn) error {
	req, err := protocol.NewRequest("auth-1", protocol.MethodAuth, protocol.AuthParams{Token: c.cfg.Token})
	if err != nil {
		return err
	}
	data, err := json.Marshal(req)
	if err != nil {
		return err
	}
	if err := c.write(conn, data); err != nil {
		return connError("send auth: " + err.Error())
	}

	_ = conn.SetReadDeadline(time.Now().Add(authReplyWait))
	_, raw, err := conn.ReadMessage()
	if err != nil {
		return connError("read auth reply: " + err.Error())
	}
	_ = conn.SetReadDeadline(time.Time{})

	var resp protocol.Response
	if err := json.Unmarshal(raw, &resp); err != nil {
		return connError("malformed auth reply")
	}
	if resp.Error != nil {
		return &Error{Code: resp.Error.Code, Message: resp.Error.Message}
	}
	var result protocol.AuthResult
	if err := json.Unmarshal(resp.Result, &result); err != nil || result.Status != protocol.StatusAuthenticated {
		return connError("Unexpected auth response")
	}
	return nil
}

func (c *Client) readLoop(conn *websocket.Conn) {
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			c.handleConnLoss(conn, err)
			return
		}
		var resp protocol.Response
		if err := json.Unmarshal(data, &resp); err != nil {
			continue
		}
		id, ok := numericID(resp.ID)
		if !ok {
			continue
		}
		c.deliver(id, &resp)
	}
}

func (c *Client) deliver(id int64, resp *protocol.Response) {
	c.mu.Lock()
	outcome, ok := c.pending[id]
	if ok {
		delete(c.pending, id)
	}
	c.mu.Unlock()
	if !ok {
		return
	}
	if resp.Error != nil {
		outcome <- callOutcome{err: &Error{Code: resp.Error.Code, Message: resp.Error.Message}}
		return
	}
	outcome <- callOutcome{result: resp.Result}
}

// handleConnLoss runs when the read loop dies on a connection the client did
// not close itself. In-flight calls fail immediately: their replies can only
// have died with the session, and blocking them on a reconnect would hang
// callers whose outcomes now live in the gateway's pending store.
func (c *Client) handleConnLoss(conn *websocket.Conn, cause error) {
	c.mu.Lock()
	if c.closed || c.conn != conn {
		c.mu.Unlock()
		return
	}
	c.conn = nil
	c.ready = make(chan struct{})
	c.mu.Unlock()
	_ = conn.Close()

	c.failPending("Connection lost")
	c.logger.Warn("gateway connection lost", "error", cause)
	go c.reconnect()
}

func (c *Client) failPending(message string) {
	c.mu.Lock()
	dropped := c.pending
	c.pending = make(map[int64]chan callOutcome)
	c.mu.Unlock()
	for _, outcome := range dropped {
		outcome <- callOutcome{err: connError(message)}
	}
}

func (c *Client) reconnect() {
	delay := backoffInitial
	for attempt := 1; ; attempt++ {
		if c.isClosed() {
			return
		}
		if c.cfg.MaxRetries > 0 && attempt > c.cfg.MaxRetries {
			c.logger.Error("reconnect attempts exhausted", "attempts", c.cfg.MaxRetries)
			c.giveUp()
			return
		}
		if !c.sleep(delay) {
			return
		}
		conn, err := c.dial(context.Background())
		if err != nil {
			c.logger.Warn("reconnect failed", "attempt", attempt, "error", err)
			delay *= 2
			if delay > backoffMax {
				delay = backoffMax
			}
			continue
		}

		c.mu.Lock()
		if c.closed {
			c.mu.Unlock()
			conn.Close()
			return
		}
		c.conn = conn
		close(c.ready)
		c.mu.Unlock()

		c.logger.Info("reconnected to gateway", "attempt", attempt)
		go c.readLoop(conn)
		return
	}
}

// giveUp marks the client unrecoverable and wakes everything waiting on it.
func (c *Client) giveUp() {
	c.mu.Lock()
	if c.closed || c.dead {
		c.mu.Unlock()
		return
	}
	c.dead = true
	close(c.ready)
	c.mu.Unlock()
	c.failPending("Connection lost")
}

func (c *Client) isClosed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

func (c *Client) waitOrClosed(d time.Duration) bool {
	select {
	case <-time.After(d):
		return true
	case <-c.done:
		return false
	}
}

// numericID parses a reply id. The gateway echoes ids byte for byte, so both
// the number and string forms are accepted.
func numericID(raw json.RawMessage) (int64, bool) {
	s := string(bytes.Trim(raw, `"`))
	if s == "" || s == "null" {
		return 0, false
	}
	n, err := strconv.ParseInt(s, 10, 64)
	if err != nil {
		return 0, false
	}
	return n, true
}
