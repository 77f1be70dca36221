package gateway

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"runtime/debug"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/haasonsaas/toolgate/internal/approval"
	"github.com/haasonsaas/toolgate/internal/dispatcher"
	"github.com/haasonsaas/toolgate/internal/messenger"
	"github.com/haasonsaas/toolgate/internal/policy"
	"github.com/haasonsaas/toolgate/internal/ratelimit"
	"github.com/haasonsaas/toolgate/internal/store"
	"github.com/haasonsaas/toolgate/pkg/protocol"
)

var errSessionClosed = errors.New("session closed")

// wsSession is one authenticated agent connection. A single reader feeds
// per-frame handler goroutines; all writes funnel through the send channel
// so concurrent handlers never interleave on the wire. The channel is
// unbuffered: a send succeeds only if the write loop is alive to take the
// frame, so once the loop exits no reply can be silently swallowed.
type wsSession struct {
	server  *Server
	conn    *websocket.Conn
	send    chan []byte
	ctx     context.Context
	cancel  context.CancelFunc
	limiter *ratelimit.Limiter
	logger  *slog.Logger

	handlers sync.WaitGroup
}

func newSession(server *Server, conn *websocket.Conn) *wsSession {
	ctx, cancel := context.WithCancel(context.Background())
	return &wsSession{
		server:  server,
		conn:    conn,
		send:    make(chan []byte),
		ctx:     ctx,
		cancel:  cancel,
		limiter: ratelimit.NewLimiter(server.cfg.RateLimit.MaxRequestsPerMinute),
		logger:  server.logger,
	}
}

// run drives the session: auth phase first, then the frame loop. It returns
// only after every in-flight handler finished, so the caller can safely
// release the connection slot.
func (s *wsSession) run() {
	defer s.close()

	if !s.authenticate() {
		return
	}

	go s.writeLoop()
	s.readLoop()

	// The connection is gone. Cancelling the context sends handlers that
	// are still awaiting an approval down the detach path.
	s.cancel()
	s.handlers.Wait()
}

func (s *wsSession) close() {
	s.cancel()
	_ = s.conn.Close()
}

// shutdown drains the session for a graceful stop: in-flight handlers get
// until the context deadline to deliver their replies, then the connection
// is closed with a going-away frame.
func (s *wsSession) shutdown(ctx context.Context) {
	done := make(chan struct{})
	go func() {
		s.handlers.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
	}

	msg := websocket.FormatCloseMessage(websocket.CloseGoingAway, "gateway shutting down")
	_ = s.conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(wsWriteWait))
	_ = s.conn.Close()
}

// authenticate reads exactly one frame under the auth deadline and checks
// the shared token with a constant-time compare. Every failure sends its
// error synchronously and ends the session; the agent token itself is never
// logged.
func (s *wsSession) authenticate() bool {
	_ = s.conn.SetReadDeadline(time.Now().Add(authTimeout))
	_, data, err := s.conn.ReadMessage()
	if err != nil {
		var netErr net.Error
		if errors.As(err, &netErr) && netErr.Timeout() {
			s.server.metrics.RecordRequest(protocol.MethodAuth, "invalid")
			_ = s.writeSync(protocol.NewError(nil, protocol.CodeNotAuthenticated, "Authentication timeout"))
			s.logger.Warn("authentication timed out")
		}
		return false
	}
	_ = s.conn.SetReadDeadline(time.Time{})

	var req protocol.Request
	if err := json.Unmarshal(data, &req); err != nil {
		s.server.metrics.RecordRequest(protocol.MethodAuth, "invalid")
		_ = s.writeSync(protocol.NewError(nil, protocol.CodeParseError, "Parse error"))
		return false
	}
	if req.Method != protocol.MethodAuth {
		s.server.metrics.RecordRequest(protocol.MethodAuth, "invalid")
		_ = s.writeSync(protocol.NewError(req.ID, protocol.CodeNotAuthenticated, "Authentication required"))
		return false
	}

	var params protocol.AuthParams
	if len(req.Params) > 0 {
		_ = json.Unmarshal(req.Params, &params)
	}
	if subtle.ConstantTimeCompare([]byte(params.Token), s.server.token) != 1 {
		s.server.metrics.RecordRequest(protocol.MethodAuth, "invalid")
		_ = s.writeSync(protocol.NewError(req.ID, protocol.CodeNotAuthenticated, "Invalid token"))
		s.logger.Warn("agent presented invalid token")
		return false
	}

	resp, err := protocol.NewResult(req.ID, protocol.AuthResult{Status: protocol.StatusAuthenticated})
	if err != nil {
		return false
	}
	if err := s.writeSync(resp); err != nil {
		return false
	}
	s.server.metrics.RecordRequest(protocol.MethodAuth, "ok")
	s.logger.Info("agent authenticated")
	return true
}

func (s *wsSession) readLoop() {
	s.conn.SetReadLimit(wsMaxPayloadBytes)
	for {
		_, data, err := s.conn.ReadMessage()
		if err != nil {
			if !websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				s.logger.Debug("agent read ended", "error", err)
			}
			return
		}
		s.handlers.Add(1)
		go s.handleFrame(data)
	}
}

func (s *wsSession) writeLoop() {
	for {
		select {
		case <-s.ctx.Done():
			return
		case data := <-s.send:
			_ = s.conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
			if err := s.conn.WriteMessage(websocket.TextMessage, data); err != nil {
				s.logger.Warn("write to agent failed", "error", err)
				s.cancel()
				return
			}
		}
	}
}

// writeSync writes directly on the connection. Only the auth phase uses it,
// before the write loop exists.
func (s *wsSession) writeSync(resp *protocol.Response) error {
	data, err := json.Marshal(resp)
	if err != nil {
		return err
	}
	_ = s.conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
	return s.conn.WriteMessage(websocket.TextMessage, data)
}

// reply hands a response to the write loop. It blocks until the loop takes
// the frame or the session is gone; the returned error tells escalation
// handlers their reply never reached the agent so the result must be stored
// instead.
func (s *wsSession) reply(resp *protocol.Response) error {
	data, err := json.Marshal(resp)
	if err != nil {
		return err
	}
	select {
	case s.send <- data:
		return nil
	case <-s.ctx.Done():
		return errSessionClosed
	}
}

func (s *wsSession) replyResult(id json.RawMessage, result any) error {
	resp, err := protocol.NewResult(id, result)
	if err != nil {
		return err
	}
	return s.reply(resp)
}

func (s *wsSession) replyError(id json.RawMessage, code int, message string) error {
	return s.reply(protocol.NewError(id, code, message))
}

// handleFrame processes one frame on its own goroutine. Panics are caught
// here so a faulty handler answers with a generic execution failure instead
// of killing the session.
func (s *wsSession) handleFrame(data []byte) {
	defer s.handlers.Done()

	var clientID json.RawMessage
	defer func() {
		if r := recover(); r != nil {
			s.logger.Error("handler panic", "panic", r, "stack", string(debug.Stack()))
			s.server.metrics.RecordRequest(protocol.MethodToolRequest, "execution_failed")
			_ = s.replyError(clientID, protocol.CodeExecutionFailed, "Internal execution error")
		}
	}()

	var req protocol.Request
	if err := json.Unmarshal(data, &req); err != nil {
		s.server.metrics.RecordRequest("unknown", "invalid")
		_ = s.replyError(nil, protocol.CodeParseError, "Parse error")
		return
	}
	clientID = req.ID

	if req.Method == "" {
		s.server.metrics.RecordRequest("unknown", "invalid")
		_ = s.replyError(req.ID, protocol.CodeInvalidRequest, "Missing method")
		return
	}

	ctx, span := s.server.tracer.TraceRPCRequest(s.ctx, req.Method)
	defer span.End()

	switch req.Method {
	case protocol.MethodToolRequest:
		s.handleToolRequest(ctx, &req)
	case protocol.MethodListTools:
		s.handleListTools(&req)
	case protocol.MethodGetPendingResults:
		s.handleGetPendingResults(ctx, &req)
	default:
		s.server.metrics.RecordRequest("unknown", "invalid")
		_ = s.replyError(req.ID, protocol.CodeMethodNotFound, fmt.Sprintf("Unknown method: %s", req.Method))
	}
}

// handleToolRequest runs the admission pipeline in its fixed order: request
// id, tool name, rate limit, argument validation, then signature, policy
// decision and the audit row. The row is written before any reply goes
// out; only then does the decision branch.
func (s *wsSession) handleToolRequest(ctx context.Context, req *protocol.Request) {
	if !req.HasID() {
		s.server.metrics.RecordRequest(protocol.MethodToolRequest, "invalid")
		_ = s.replyError(nil, protocol.CodeInvalidRequest, "Missing request id")
		return
	}

	var params protocol.ToolRequestParams
	if len(req.Params) > 0 {
		_ = json.Unmarshal(req.Params, &params)
	}
	if params.Args == nil {
		params.Args = map[string]any{}
	}
	if params.Tool == "" {
		s.server.metrics.RecordRequest(protocol.MethodToolRequest, "invalid")
		_ = s.replyError(req.ID, protocol.CodeInvalidRequest, "Missing tool name")
		return
	}

	if !s.limiter.Allow() {
		s.server.metrics.RecordRequest(protocol.MethodToolRequest, "rate_limited")
		_ = s.replyError(req.ID, protocol.CodeRateLimitExceeded, "Rate limit exceeded")
		return
	}

	if err := policy.ValidateArgs(params.Tool, params.Args, s.server.registry); err != nil {
		s.server.metrics.RecordRequest(protocol.MethodToolRequest, "invalid")
		_ = s.replyError(req.ID, protocol.CodeInvalidRequest, err.Error())
		return
	}

	signature, err := policy.BuildSignature(params.Tool, params.Args, s.server.registry)
	if err != nil {
		s.server.metrics.RecordRequest(protocol.MethodToolRequest, "invalid")
		_ = s.replyError(req.ID, protocol.CodeInvalidRequest, err.Error())
		return
	}

	requestID := uuid.NewString()

	decision, err := s.server.policy.Engine().Evaluate(params.Tool, params.Args)
	if err != nil {
		s.server.metrics.RecordRequest(protocol.MethodToolRequest, "invalid")
		_ = s.replyError(req.ID, protocol.CodeInvalidRequest, err.Error())
		return
	}
	s.server.metrics.RecordPolicyDecision(string(decision))

	entry := store.AuditEntry{
		RequestID: requestID,
		ToolName:  params.Tool,
		Args:      params.Args,
		Signature: signature,
		Decision:  string(decision),
	}
	if err := s.server.store.LogAudit(ctx, entry); err != nil {
		s.logger.Error("failed to write audit row", "request_id", requestID, "error", err)
	}
	s.logger.Info("tool request",
		"request_id", requestID,
		"tool", params.Tool,
		"signature", signature,
		"decision", string(decision),
		"client_msg_id", string(req.ID))

	switch decision {
	case policy.DecisionAllow:
		s.executeAllowed(ctx, req.ID, requestID, params)
	case policy.DecisionDeny:
		s.server.metrics.RecordRequest(protocol.MethodToolRequest, "policy_denied")
		_ = s.replyError(req.ID, protocol.CodePolicyDenied, "Denied by policy")
	case policy.DecisionAsk:
		s.escalate(ctx, req.ID, requestID, params, signature)
	}
}

// executeAllowed runs an auto-allowed tool. Execution and bookkeeping are
// detached from the session context: an agent disconnect must not abort a
// backend call that is already in flight.
func (s *wsSession) executeAllowed(ctx context.Context, clientID json.RawMessage, requestID string, params protocol.ToolRequestParams) {
	ectx, cancel := context.WithTimeout(context.WithoutCancel(ctx), executeWait)
	defer cancel()

	data, err := s.execute(ectx, params.Tool, params.Args)
	if err != nil {
		s.server.metrics.RecordRequest(protocol.MethodToolRequest, "execution_failed")
		s.logger.Error("execution failed", "request_id", requestID, "tool", params.Tool, "error", err)
		_ = s.replyError(clientID, protocol.CodeExecutionFailed, dispatcher.AgentMessage(err))
		return
	}

	if err := s.server.store.UpdateAuditResolution(ectx, requestID, "executed", "", messenger.EpochNow(), json.RawMessage(data)); err != nil {
		s.logger.Warn("failed to update audit resolution", "request_id", requestID, "error", err)
	}
	s.server.metrics.RecordRequest(protocol.MethodToolRequest, "executed")
	_ = s.replyResult(clientID, protocol.ExecutedResult{Status: protocol.StatusExecuted, Data: json.RawMessage(data)})
}

// escalate hands an ASK decision to the coordinator and awaits the
// guardian. If the agent disconnects first, ownership of the outcome moves
// to the coordinator's detached path and no reply is sent here.
func (s *wsSession) escalate(ctx context.Context, clientID json.RawMessage, requestID string, params protocol.ToolRequestParams, signature string) {
	if s.server.coordinator.Count() >= s.server.cfg.RateLimit.MaxPendingApprovals {
		s.server.metrics.RecordRequest(protocol.MethodToolRequest, "rate_limited")
		_ = s.replyError(clientID, protocol.CodeRateLimitExceeded, "Too many pending approvals")
		return
	}

	areq := approval.Request{
		RequestID: requestID,
		ToolName:  params.Tool,
		Args:      params.Args,
		Signature: signature,
	}
	waiter, err := s.server.coordinator.Request(ctx, areq, clientID)
	if err != nil {
		s.server.metrics.RecordRequest(protocol.MethodToolRequest, "execution_failed")
		s.logger.Error("failed to escalate for approval", "request_id", requestID, "error", err)
		_ = s.replyError(clientID, protocol.CodeExecutionFailed, "Internal execution error")
		return
	}

	select {
	case result := <-waiter:
		s.finishApproval(ctx, clientID, requestID, params, result)
	case <-s.ctx.Done():
		s.server.coordinator.DetachOnDisconnect(areq, waiter)
	}
}

// finishApproval turns a guardian's decision into the agent's reply and the
// terminal audit update, then settles the pending row. Bookkeeping runs
// detached from the session context: the agent may vanish between the
// guardian's tap and the reply, and an executed result must survive that.
func (s *wsSession) finishApproval(ctx context.Context, clientID json.RawMessage, requestID string, params protocol.ToolRequestParams, result messenger.ApprovalResult) {
	fctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), executeWait)
	defer cancel()

	resolution := approval.ResolutionLabel(result)

	if result.Action == messenger.ActionAllow {
		data, execErr := s.execute(fctx, params.Tool, params.Args)
		var execResult any
		if execErr == nil {
			execResult = json.RawMessage(data)
		}
		if err := s.server.store.UpdateAuditResolution(fctx, requestID, resolution, result.UserID, result.Timestamp, execResult); err != nil {
			s.logger.Warn("failed to update audit resolution", "request_id", requestID, "error", err)
		}

		var replyErr error
		if execErr != nil {
			s.server.metrics.RecordRequest(protocol.MethodToolRequest, "execution_failed")
			s.logger.Error("execution failed after approval", "request_id", requestID, "tool", params.Tool, "error", execErr)
			replyErr = s.replyError(clientID, protocol.CodeExecutionFailed, dispatcher.AgentMessage(execErr))
		} else {
			s.server.metrics.RecordRequest(protocol.MethodToolRequest, "executed")
			replyErr = s.replyResult(clientID, protocol.ExecutedResult{Status: protocol.StatusExecuted, Data: json.RawMessage(data)})
		}
		s.settlePending(fctx, requestID, replyErr, executedOffline(data, execErr))
		return
	}

	if err := s.server.store.UpdateAuditResolution(fctx, requestID, resolution, result.UserID, result.Timestamp, nil); err != nil {
		s.logger.Warn("failed to update audit resolution", "request_id", requestID, "error", err)
	}

	var replyErr error
	if result.UserID == messenger.TimeoutUser {
		s.server.metrics.RecordRequest(protocol.MethodToolRequest, "approval_timeout")
		replyErr = s.replyError(clientID, protocol.CodeApprovalTimeout, "Approval timed out")
	} else {
		s.server.metrics.RecordRequest(protocol.MethodToolRequest, "approval_denied")
		replyErr = s.replyError(clientID, protocol.CodeApprovalDenied, "Denied by user")
	}
	s.settlePending(fctx, requestID, replyErr, protocol.OfflineResult{
		Status: protocol.OfflineStatusDenied,
		Data:   approval.DenialReason(result),
	})
}

// settlePending deletes the pending row once the agent received its reply.
// An undeliverable reply is written to the row instead so a reconnecting
// agent can pull it via get_pending_results; that stored copy is what keeps
// an approved, already-executed call from running twice on retry.
func (s *wsSession) settlePending(ctx context.Context, requestID string, replyErr error, offline protocol.OfflineResult) {
	if replyErr == nil {
		if err := s.server.store.DeletePending(ctx, requestID); err != nil {
			s.logger.Warn("failed to delete pending row", "request_id", requestID, "error", err)
		}
		return
	}

	payload, err := json.Marshal(offline)
	if err != nil {
		s.logger.Error("failed to encode offline result", "request_id", requestID, "error", err)
		return
	}
	if err := s.server.store.UpdatePendingResult(ctx, requestID, string(payload)); err != nil {
		s.logger.Warn("failed to store undelivered result", "request_id", requestID, "error", err)
		return
	}
	s.logger.Info("reply undeliverable, stored result for retrieval", "request_id", requestID)
}

// execute dispatches one tool call under its own client span.
func (s *wsSession) execute(ctx context.Context, tool string, args map[string]any) (json.RawMessage, error) {
	dctx, span := s.server.tracer.TraceToolDispatch(ctx, tool)
	defer span.End()
	data, err := s.server.dispatcher.Execute(dctx, tool, args)
	if err != nil {
		s.server.tracer.RecordError(span, err)
	}
	return data, err
}

func (s *wsSession) handleListTools(req *protocol.Request) {
	tools := s.server.registry.AllTools()
	out := make([]protocol.ToolInfo, 0, len(tools))
	for _, tool := range tools {
		args := make(map[string]protocol.ArgInfo, len(tool.Args))
		for name, arg := range tool.Args {
			args[name] = protocol.ArgInfo{Required: arg.Required, Validate: arg.Validate}
		}
		out = append(out, protocol.ToolInfo{
			Name:        tool.Name,
			Description: tool.Description,
			Service:     tool.ServiceName,
			Args:        args,
		})
	}
	s.server.metrics.RecordRequest(protocol.MethodListTools, "ok")
	_ = s.replyResult(req.ID, protocol.ListToolsResult{Tools: out})
}

// handleGetPendingResults hands over results resolved while the agent was
// away. Rows are deleted once the reply is queued, so delivery to the agent
// is at most once: a reply lost in transit takes its rows with it.
func (s *wsSession) handleGetPendingResults(ctx context.Context, req *protocol.Request) {
	rows, err := s.server.store.GetCompletedResults(ctx)
	if err != nil {
		s.logger.Error("failed to load completed results", "error", err)
		_ = s.replyError(req.ID, protocol.CodeExecutionFailed, "Internal execution error")
		return
	}

	results := make([]protocol.PendingRow, 0, len(rows))
	ids := make([]string, 0, len(rows))
	for _, row := range rows {
		results = append(results, protocol.PendingRow{
			RequestID: row.RequestID,
			ToolName:  row.ToolName,
			Args:      row.Args,
			Signature: row.Signature,
			MessageID: row.MessageID,
			CreatedAt: row.CreatedAt,
			ExpiresAt: row.ExpiresAt,
			Result:    row.Result,
		})
		ids = append(ids, row.RequestID)
	}

	s.server.metrics.RecordRequest(protocol.MethodGetPendingResults, "ok")
	if err := s.replyResult(req.ID, protocol.PendingResultsResult{Results: results}); err != nil {
		return
	}
	if len(ids) > 0 {
		if err := s.server.store.DeleteCompletedResults(ctx, ids); err != nil {
			s.logger.Warn("failed to delete delivered results", "error", err)
		}
	}
}

func executedOffline(data json.RawMessage, err error) protocol.OfflineResult {
	if err != nil {
		return protocol.OfflineResult{Status: protocol.OfflineStatusError, Data: "Execution failed"}
	}
	return protocol.OfflineResult{Status: protocol.OfflineStatusExecuted, Data: data}
}
