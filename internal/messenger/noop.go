package messenger

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"
)

// Noop logs approval prompts instead of delivering them anywhere. With no
// human in the loop, every prompt runs out its timer and is denied as a
// timeout.
type Noop struct {
	logger *slog.Logger
	gate   *ResolveOnce
	seq    atomic.Int64

	mu       sync.Mutex
	callback Callback
}

// NewNoop returns a messenger that only logs.
func NewNoop(logger *slog.Logger) *Noop {
	if logger == nil {
		logger = slog.Default()
	}
	return &Noop{
		logger: logger.With("messenger", "noop"),
		gate:   NewResolveOnce(),
	}
}

func (n *Noop) Start(ctx context.Context) error {
	n.logger.Warn("no messenger configured, approval prompts are only logged and will time out")
	return nil
}

func (n *Noop) Stop(ctx context.Context) error {
	n.gate.StopAll()
	return nil
}

func (n *Noop) SendApproval(ctx context.Context, req ApprovalRequest, choices []ApprovalChoice) (string, error) {
	messageID := fmt.Sprintf("noop-%d", n.seq.Add(1))
	n.logger.Info("approval prompt",
		"request_id", req.RequestID,
		"tool", req.ToolName,
		"signature", req.Signature,
		"message_id", messageID)
	return messageID, nil
}

func (n *Noop) UpdateApproval(ctx context.Context, messageID, status, detail string) {
	n.logger.Debug("approval update",
		"message_id", messageID,
		"status", status,
		"detail", detail)
}

func (n *Noop) OnApprovalCallback(fn Callback) {
	n.mu.Lock()
	n.callback = fn
	n.mu.Unlock()
}

func (n *Noop) ScheduleTimeout(requestID string, timeout time.Duration, messageID string) {
	n.gate.Schedule(requestID, timeout, func() {
		n.logger.Info("approval timed out",
			"request_id", requestID,
			"message_id", messageID)
		n.notify(ApprovalResult{
			RequestID: requestID,
			Action:    ActionDeny,
			UserID:    TimeoutUser,
			Timestamp: EpochNow(),
		})
	})
}

func (n *Noop) HealthCheck(ctx context.Context) bool {
	return true
}

func (n *Noop) notify(result ApprovalResult) {
	n.mu.Lock()
	cb := n.callback
	n.mu.Unlock()
	if cb != nil {
		cb(result)
	}
}
