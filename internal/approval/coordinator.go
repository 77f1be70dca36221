// Package approval coordinates human-in-the-loop resolution of escalated
// tool requests. Every open prompt has one in-memory pending entry and one
// single-use waiter; a user tap, a timer expiry, or shutdown completes the
// waiter exactly once.
package approval

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/haasonsaas/toolgate/internal/messenger"
	"github.com/haasonsaas/toolgate/internal/observability"
	"github.com/haasonsaas/toolgate/internal/store"
	"github.com/haasonsaas/toolgate/pkg/protocol"
)

// offlineTimeout bounds the persistence work of one detached resolution,
// tool execution included.
const offlineTimeout = 60 * time.Second

// Executor runs an approved tool call. *dispatcher.Dispatcher satisfies it.
type Executor interface {
	Execute(ctx context.Context, toolName string, args map[string]any) (json.RawMessage, error)
}

// Request is one tool call awaiting a guardian's decision.
type Request struct {
	RequestID string
	ToolName  string
	Args      map[string]any
	Signature string
}

type pendingApproval struct {
	req       Request
	waiter    chan messenger.ApprovalResult
	messageID string
	created   time.Time
}

// Coordinator owns the pending-approval set. Every resolution event passes
// through one mutex, so a user tap and a timeout can never both complete
// the same waiter.
type Coordinator struct {
	store    *store.Store
	adapter  messenger.Adapter
	executor Executor
	timeout  time.Duration
	logger   *slog.Logger
	metrics  *observability.Metrics

	mu      sync.Mutex
	pending map[string]*pendingApproval

	detached sync.WaitGroup
}

// New wires the coordinator to its collaborators and registers itself as
// the messenger's resolution callback. The adapter must not have been
// started yet.
func New(st *store.Store, adapter messenger.Adapter, executor Executor, timeout time.Duration, logger *slog.Logger, metrics *observability.Metrics) *Coordinator {
	c := &Coordinator{
		store:    st,
		adapter:  adapter,
		executor: executor,
		timeout:  timeout,
		logger:   logger,
		metrics:  metrics,
		pending:  make(map[string]*pendingApproval),
	}
	adapter.OnApprovalCallback(c.Resolve)
	return c
}

// Count returns the number of unresolved approvals, detached ones included.
func (c *Coordinator) Count() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.pending)
}

// Request registers an escalation and posts the approval prompt. The map
// entry and the database row exist before SendApproval, so a crash between
// the two leaves a reapable row rather than an untracked prompt. The
// timeout timer is armed only after the prompt went out. The returned
// waiter receives exactly one ApprovalResult.
func (c *Coordinator) Request(ctx context.Context, req Request, clientMsgID json.RawMessage) (<-chan messenger.ApprovalResult, error) {
	expiresAt := store.EpochToISO(messenger.EpochNow() + c.timeout.Seconds())

	waiter := make(chan messenger.ApprovalResult, 1)
	c.mu.Lock()
	c.pending[req.RequestID] = &pendingApproval{req: req, waiter: waiter, created: time.Now()}
	c.metrics.SetPendingApprovals(len(c.pending))
	c.mu.Unlock()

	if err := c.store.InsertPending(ctx, req.RequestID, req.ToolName, req.Args, req.Signature, expiresAt); err != nil {
		c.remove(req.RequestID)
		return nil, fmt.Errorf("failed to persist pending approval: %w", err)
	}

	messageID, err := c.adapter.SendApproval(ctx, messenger.ApprovalRequest{
		RequestID: req.RequestID,
		ToolName:  req.ToolName,
		Args:      req.Args,
		Signature: req.Signature,
	}, messenger.DefaultChoices())
	if err != nil {
		c.remove(req.RequestID)
		_ = c.store.DeletePending(ctx, req.RequestID)
		return nil, fmt.Errorf("failed to send approval prompt: %w", err)
	}

	c.mu.Lock()
	if p, ok := c.pending[req.RequestID]; ok {
		p.messageID = messageID
	}
	c.mu.Unlock()
	if err := c.store.UpdatePendingMessageID(ctx, req.RequestID, messageID); err != nil {
		c.logger.Warn("failed to record message id", "request_id", req.RequestID, "error", err)
	}

	c.adapter.ScheduleTimeout(req.RequestID, c.timeout, messageID)

	c.logger.Info("approval requested",
		"request_id", req.RequestID,
		"tool", req.ToolName,
		"signature", req.Signature,
		"client_msg_id", string(clientMsgID))
	return waiter, nil
}

// Resolve completes a pending waiter. The messenger calls it for user taps
// and timer expiries; unknown or already-resolved ids are a silent no-op,
// which makes the tap/timeout race harmless.
func (c *Coordinator) Resolve(result messenger.ApprovalResult) {
	c.mu.Lock()
	defer c.mu.Unlock()
	p, ok := c.pending[result.RequestID]
	if !ok {
		return
	}
	delete(c.pending, result.RequestID)
	c.metrics.RecordApprovalResolution(ResolutionLabel(result), time.Since(p.created).Seconds())
	c.metrics.SetPendingApprovals(len(c.pending))
	select {
	case p.waiter <- result:
	default:
	}
}

// ResolveAll synthesizes a deny for every still-pending waiter, recording
// reason as the resolving identity. Shutdown path: no waiter may hang
// forever. Nothing is persisted here; detached handlers receiving the deny
// still write their offline result.
func (c *Coordinator) ResolveAll(reason string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for id, p := range c.pending {
		result := messenger.ApprovalResult{
			RequestID: id,
			Action:    messenger.ActionDeny,
			UserID:    reason,
			Timestamp: messenger.EpochNow(),
		}
		select {
		case p.waiter <- result:
		default:
		}
		c.metrics.RecordApprovalResolution(ResolutionLabel(result), time.Since(p.created).Seconds())
		delete(c.pending, id)
	}
	c.metrics.SetPendingApprovals(0)
}

// DetachOnDisconnect hands an awaited approval to a background goroutine
// after the requesting session is gone. The pending entry stays in the map,
// so the guardian's tap (or the timeout) still completes the waiter; the
// outcome lands in the pending row's result column for a later
// get_pending_results. The waiter may already hold a result that the dead
// session never consumed; the goroutine picks that up immediately.
func (c *Coordinator) DetachOnDisconnect(req Request, waiter <-chan messenger.ApprovalResult) {
	c.logger.Info("agent disconnected while awaiting approval", "request_id", req.RequestID)
	c.detached.Add(1)
	go func() {
		defer c.detached.Done()
		result := <-waiter
		ctx, cancel := context.WithTimeout(context.Background(), offlineTimeout)
		defer cancel()
		c.storeOfflineResult(ctx, req, result)
	}()
}

// Wait blocks until every detached goroutine has finished or the context
// expires. ResolveAll must run first or detached waiters never complete.
func (c *Coordinator) Wait(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		c.detached.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// storeOfflineResult executes an approved tool (denials skip execution) and
// records the outcome on the pending row so the agent can retrieve it after
// reconnecting. The audit resolution is updated in every case.
func (c *Coordinator) storeOfflineResult(ctx context.Context, req Request, result messenger.ApprovalResult) {
	resolution := ResolutionLabel(result)
	if err := c.store.UpdateAuditResolution(ctx, req.RequestID, resolution, result.UserID, result.Timestamp, nil); err != nil {
		c.logger.Warn("failed to update audit resolution", "request_id", req.RequestID, "error", err)
	}

	var offline protocol.OfflineResult
	if result.Action == messenger.ActionAllow {
		data, err := c.executor.Execute(ctx, req.ToolName, req.Args)
		if err != nil {
			c.logger.Error("offline execution failed", "request_id", req.RequestID, "error", err)
			offline = protocol.OfflineResult{Status: protocol.OfflineStatusError, Data: "Execution failed"}
		} else {
			offline = protocol.OfflineResult{Status: protocol.OfflineStatusExecuted, Data: json.RawMessage(data)}
		}
	} else {
		offline = protocol.OfflineResult{Status: protocol.OfflineStatusDenied, Data: DenialReason(result)}
	}

	payload, err := json.Marshal(offline)
	if err != nil {
		c.logger.Error("failed to encode offline result", "request_id", req.RequestID, "error", err)
		return
	}
	if err := c.store.UpdatePendingResult(ctx, req.RequestID, string(payload)); err != nil {
		c.logger.Warn("failed to store offline result", "request_id", req.RequestID, "error", err)
	}
}

func (c *Coordinator) remove(requestID string) {
	c.mu.Lock()
	delete(c.pending, requestID)
	c.metrics.SetPendingApprovals(len(c.pending))
	c.mu.Unlock()
}

// ResolutionLabel maps an ApprovalResult to its audit resolution value.
func ResolutionLabel(result messenger.ApprovalResult) string {
	if result.UserID == messenger.TimeoutUser {
		return "timed_out"
	}
	if result.Action == messenger.ActionAllow {
		return "approved"
	}
	return "denied"
}

// DenialReason renders the message the agent receives for a deny result.
func DenialReason(result messenger.ApprovalResult) string {
	if result.UserID == messenger.TimeoutUser {
		return "Approval timed out"
	}
	return "Denied by user"
}
