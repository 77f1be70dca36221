package client

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/haasonsaas/toolgate/pkg/protocol"
)

const testToken = "sdk-test-token"

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// scriptedGateway runs one script per accepted connection, in order. A
// script returning closes its connection, which the client sees as a drop.
type scriptedGateway struct {
	url     string
	mu      sync.Mutex
	scripts []func(*testing.T, *websocket.Conn)
	next    int
}

func newScriptedGateway(t *testing.T, scripts ...func(*testing.T, *websocket.Conn)) *scriptedGateway {
	t.Helper()
	gw := &scriptedGateway{scripts: scripts}
	upgrader := websocket.Upgrader{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()
		gw.mu.Lock()
		idx := gw.next
		gw.next++
		gw.mu.Unlock()
		if idx < len(gw.scripts) {
			gw.scripts[idx](t, conn)
		}
	}))
	t.Cleanup(srv.Close)
	gw.url = "ws" + strings.TrimPrefix(srv.URL, "http") + "/ws"
	return gw
}

func readRequest(t *testing.T, conn *websocket.Conn) protocol.Request {
	t.Helper()
	conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	_, data, err := conn.ReadMessage()
	if err != nil {
		t.Fatalf("gateway read: %v", err)
	}
	var req protocol.Request
	if err := json.Unmarshal(data, &req); err != nil {
		t.Fatalf("gateway got non-JSON frame: %v", err)
	}
	return req
}

func writeResponse(t *testing.T, conn *websocket.Conn, resp *protocol.Response) {
	t.Helper()
	data, err := json.Marshal(resp)
	if err != nil {
		t.Fatalf("marshal response: %v", err)
	}
	conn.SetWriteDeadline(time.Now().Add(5 * time.Second))
	if err := conn.WriteMessage(websocket.TextMessage, data); err != nil {
		t.Fatalf("gateway write: %v", err)
	}
}

func replyResult(t *testing.T, conn *websocket.Conn, id json.RawMessage, result any) {
	t.Helper()
	resp, err := protocol.NewResult(id, result)
	if err != nil {
		t.Fatalf("build result: %v", err)
	}
	writeResponse(t, conn, resp)
}

// serveAuth handles the handshake frame, checking the token on the way.
func serveAuth(t *testing.T, conn *websocket.Conn) {
	t.Helper()
	req := readRequest(t, conn)
	if req.Method != protocol.MethodAuth {
		t.Fatalf("first frame method = %q, want auth", req.Method)
	}
	if string(req.ID) != `"auth-1"` {
		t.Errorf("auth id = %s, want \"auth-1\"", req.ID)
	}
	var params protocol.AuthParams
	if err := json.Unmarshal(req.Params, &params); err != nil || params.Token != testToken {
		writeResponse(t, conn, protocol.NewError(req.ID, protocol.CodeNotAuthenticated, "Invalid token"))
		t.Fatalf("auth token = %q, want %q", params.Token, testToken)
	}
	replyResult(t, conn, req.ID, protocol.AuthResult{Status: protocol.StatusAuthenticated})
}

// hold keeps a scripted connection open until the client closes it.
func hold(conn *websocket.Conn) {
	conn.SetReadDeadline(time.Time{})
	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			return
		}
	}
}

func newTestClient(t *testing.T, gw *scriptedGateway, mutate func(*Config)) *Client {
	t.Helper()
	cfg := Config{URL: gw.url, Token: testToken, Logger: discardLogger()}
	if mutate != nil {
		mutate(&cfg)
	}
	c := New(cfg)
	c.sleep = func(time.Duration) bool { return true }
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := c.Connect(ctx); err != nil {
		t.Fatalf("Connect() error = %v", err)
	}
	t.Cleanup(func() { c.Close() })
	return c
}

func callCtx(t *testing.T) context.Context {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	t.Cleanup(cancel)
	return ctx
}

func TestToolRequestExecuted(t *testing.T) {
	gw := newScriptedGateway(t, func(t *testing.T, conn *websocket.Conn) {
		serveAuth(t, conn)
		req := readRequest(t, conn)
		if req.Method != protocol.MethodToolRequest {
			t.Errorf("method = %q, want tool_request", req.Method)
		}
		var params protocol.ToolRequestParams
		if err := json.Unmarshal(req.Params, &params); err != nil {
			t.Errorf("params: %v", err)
		}
		if params.Tool != "ha_get_state" || params.Args["entity_id"] != "sensor.temp" {
			t.Errorf("params = %+v", params)
		}
		replyResult(t, conn, req.ID, protocol.ExecutedResult{
			Status: protocol.StatusExecuted,
			Data:   map[string]string{"state": "21.3"},
		})
		hold(conn)
	})
	c := newTestClient(t, gw, nil)

	data, err := c.ToolRequest(callCtx(t), "ha_get_state", map[string]any{"entity_id": "sensor.temp"})
	if err != nil {
		t.Fatalf("ToolRequest() error = %v", err)
	}
	if !strings.Contains(string(data), "21.3") {
		t.Errorf("data = %s", data)
	}
}

func TestToolRequestDenied(t *testing.T) {
	gw := newScriptedGateway(t, func(t *testing.T, conn *websocket.Conn) {
		serveAuth(t, conn)
		req := readRequest(t, conn)
		writeResponse(t, conn, protocol.NewError(req.ID, protocol.CodePolicyDenied, "Denied by policy"))
		hold(conn)
	})
	c := newTestClient(t, gw, nil)

	_, err := c.ToolRequest(callCtx(t), "lock_unlock", map[string]any{"entity_id": "lock.front"})
	if !IsDenied(err) {
		t.Fatalf("error = %v, want denial", err)
	}
	if IsApprovalTimeout(err) || IsConnectionError(err) {
		t.Error("denial also classified as timeout or connection error")
	}
	if err.Error() != "Denied by policy" {
		t.Errorf("message = %q", err.Error())
	}
}

func TestToolRequestApprovalTimeout(t *testing.T) {
	gw := newScriptedGateway(t, func(t *testing.T, conn *websocket.Conn) {
		serveAuth(t, conn)
		req := readRequest(t, conn)
		writeResponse(t, conn, protocol.NewError(req.ID, protocol.CodeApprovalTimeout, "Approval timed out"))
		hold(conn)
	})
	c := newTestClient(t, gw, nil)

	_, err := c.ToolRequest(callCtx(t), "ha_call_service", map[string]any{"domain": "light"})
	if !IsApprovalTimeout(err) {
		t.Fatalf("error = %v, want approval timeout", err)
	}
	if IsDenied(err) {
		t.Error("timeout also classified as denial")
	}
}

func TestConnectAuthRejected(t *testing.T) {
	gw := newScriptedGateway(t, func(t *testing.T, conn *websocket.Conn) {
		req := readRequest(t, conn)
		writeResponse(t, conn, protocol.NewError(req.ID, protocol.CodeNotAuthenticated, "Invalid token"))
	})
	c := New(Config{URL: gw.url, Token: "wrong", Logger: discardLogger()})
	t.Cleanup(func() { c.Close() })

	err := c.Connect(callCtx(t))
	if !IsConnectionError(err) {
		t.Fatalf("error = %v, want connection error", err)
	}
	if err.Error() != "Invalid token" {
		t.Errorf("message = %q", err.Error())
	}
}

func TestListTools(t *testing.T) {
	gw := newScriptedGateway(t, func(t *testing.T, conn *websocket.Conn) {
		serveAuth(t, conn)
		req := readRequest(t, conn)
		if req.Method != protocol.MethodListTools {
			t.Errorf("method = %q, want list_tools", req.Method)
		}
		replyResult(t, conn, req.ID, protocol.ListToolsResult{Tools: []protocol.ToolInfo{
			{Name: "ha_get_state", Service: "homeassistant", Args: map[string]protocol.ArgInfo{
				"entity_id": {Required: true},
			}},
		}})
		hold(conn)
	})
	c := newTestClient(t, gw, nil)

	tools, err := c.ListTools(callCtx(t))
	if err != nil {
		t.Fatalf("ListTools() error = %v", err)
	}
	if len(tools) != 1 || tools[0].Name != "ha_get_state" {
		t.Fatalf("tools = %+v", tools)
	}
	if !tools[0].Args["entity_id"].Required {
		t.Error("entity_id not marked required")
	}
}

func TestGetPendingResults(t *testing.T) {
	gw := newScriptedGateway(t, func(t *testing.T, conn *websocket.Conn) {
		serveAuth(t, conn)
		req := readRequest(t, conn)
		if req.Method != protocol.MethodGetPendingResults {
			t.Errorf("method = %q, want get_pending_results", req.Method)
		}
		replyResult(t, conn, req.ID, protocol.PendingResultsResult{Results: []protocol.PendingRow{
			{
				RequestID: "8e2c56f2-0000-0000-0000-000000000000",
				ToolName:  "ha_call_service",
				Signature: "ha_call_service(light.turn_on, light.bedroom)",
				Result:    `{"status": "executed", "data": {"state": "on"}}`,
			},
		}})
		hold(conn)
	})
	c := newTestClient(t, gw, nil)

	rows, err := c.GetPendingResults(callCtx(t))
	if err != nil {
		t.Fatalf("GetPendingResults() error = %v", err)
	}
	if len(rows) != 1 || rows[0].ToolName != "ha_call_service" {
		t.Fatalf("rows = %+v", rows)
	}
	outcome, err := rows[0].DecodeResult()
	if err != nil {
		t.Fatalf("DecodeResult() error = %v", err)
	}
	if outcome.Status != protocol.OfflineStatusExecuted {
		t.Errorf("status = %q, want executed", outcome.Status)
	}
}

func TestConcurrentCallsCorrelated(t *testing.T) {
	gw := newScriptedGateway(t, func(t *testing.T, conn *websocket.Conn) {
		serveAuth(t, conn)
		first := readRequest(t, conn)
		second := readRequest(t, conn)
		echo := func(req protocol.Request) {
			var params protocol.ToolRequestParams
			if err := json.Unmarshal(req.Params, &params); err != nil {
				t.Errorf("params: %v", err)
				return
			}
			replyResult(t, conn, req.ID, protocol.ExecutedResult{
				Status: protocol.StatusExecuted,
				Data:   map[string]any{"echo": params.Args["entity_id"]},
			})
		}
		// Replies arrive in the reverse of request order.
		echo(second)
		echo(first)
		hold(conn)
	})
	c := newTestClient(t, gw, nil)

	var wg sync.WaitGroup
	for _, entity := range []string{"sensor.a", "sensor.b"} {
		wg.Add(1)
		go func(entity string) {
			defer wg.Done()
			data, err := c.ToolRequest(callCtx(t), "ha_get_state", map[string]any{"entity_id": entity})
			if err != nil {
				t.Errorf("ToolRequest(%s) error = %v", entity, err)
				return
			}
			if !strings.Contains(string(data), entity) {
				t.Errorf("reply for %s carried %s", entity, data)
			}
		}(entity)
	}
	wg.Wait()
}

func TestReconnectAfterDrop(t *testing.T) {
	gw := newScriptedGateway(t,
		func(t *testing.T, conn *websocket.Conn) {
			serveAuth(t, conn)
			readRequest(t, conn) // swallow the in-flight request, then drop
		},
		func(t *testing.T, conn *websocket.Conn) {
			serveAuth(t, conn)
			req := readRequest(t, conn)
			replyResult(t, conn, req.ID, protocol.ExecutedResult{
				Status: protocol.StatusExecuted,
				Data:   map[string]string{"state": "on"},
			})
			hold(conn)
		},
	)
	c := newTestClient(t, gw, nil)

	_, err := c.ToolRequest(callCtx(t), "ha_get_state", map[string]any{"entity_id": "sensor.temp"})
	if !IsConnectionError(err) {
		t.Fatalf("in-flight call error = %v, want connection error", err)
	}
	if err.Error() != "Connection lost" {
		t.Errorf("message = %q, want Connection lost", err.Error())
	}

	// The next call rides the re-established connection.
	data, err := c.ToolRequest(callCtx(t), "ha_get_state", map[string]any{"entity_id": "sensor.temp"})
	if err != nil {
		t.Fatalf("post-reconnect call error = %v", err)
	}
	if !strings.Contains(string(data), "on") {
		t.Errorf("data = %s", data)
	}
}

func TestReconnectGivesUpAfterMaxRetries(t *testing.T) {
	release := make(chan struct{})
	gw := newScriptedGateway(t, func(t *testing.T, conn *websocket.Conn) {
		serveAuth(t, conn)
		<-release
	})
	c := newTestClient(t, gw, func(cfg *Config) { cfg.MaxRetries = 2 })

	// Point reconnection at a dead port, then let the server drop the
	// connection.
	c.mu.Lock()
	c.cfg.URL = "ws://127.0.0.1:1/ws"
	c.mu.Unlock()
	close(release)

	deadline := time.Now().Add(3 * time.Second)
	for {
		ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
		_, err := c.ToolRequest(ctx, "ha_get_state", map[string]any{"entity_id": "sensor.temp"})
		cancel()
		if IsConnectionError(err) {
			if err.Error() != "Connection lost" {
				t.Errorf("message = %q, want Connection lost", err.Error())
			}
			return
		}
		if time.Now().After(deadline) {
			t.Fatalf("client never gave up; last error = %v", err)
		}
	}
}

func TestCloseUnblocksInFlightCall(t *testing.T) {
	gotRequest := make(chan struct{})
	gw := newScriptedGateway(t, func(t *testing.T, conn *websocket.Conn) {
		serveAuth(t, conn)
		readRequest(t, conn)
		close(gotRequest)
		hold(conn)
	})
	c := newTestClient(t, gw, nil)

	errCh := make(chan error, 1)
	go func() {
		_, err := c.ToolRequest(context.Background(), "ha_call_service", map[string]any{"domain": "light"})
		errCh <- err
	}()

	<-gotRequest
	if err := c.Close(); err != nil {
		t.Fatalf("Close() error = %v", err)
	}
	select {
	case err := <-errCh:
		if !IsConnectionError(err) {
			t.Fatalf("error = %v, want connection error", err)
		}
	case <-time.After(3 * time.Second):
		t.Fatal("in-flight call never unblocked")
	}
}
