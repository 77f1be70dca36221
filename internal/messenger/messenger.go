// Package messenger defines the contract between the approval coordinator
// and the out-of-band channel that reaches a human guardian. Implementations
// deliver approval prompts, report the guardian's decision through a single
// callback, and own the auto-deny timer for prompts nobody answers.
package messenger

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"time"
)

// Actions a guardian can take on an approval prompt.
const (
	ActionAllow = "allow"
	ActionDeny  = "deny"
)

// TimeoutUser is the UserID on results synthesized by the auto-deny timer.
const TimeoutUser = "timeout"

// Text used when the auto-deny timer edits an unanswered prompt.
const (
	ExpiredStatus = "⏰ Expired"
	ExpiredDetail = "Approval timed out"
)

// ApprovalRequest is the prompt payload shown to the guardian.
type ApprovalRequest struct {
	RequestID string
	ToolName  string
	Args      map[string]any
	Signature string
}

// ApprovalChoice is one button on an approval prompt.
type ApprovalChoice struct {
	Label  string
	Action string
}

// ApprovalResult is the guardian's decision, or the synthesized deny when
// the prompt expires. Timestamp is fractional seconds since the Unix epoch.
type ApprovalResult struct {
	RequestID string
	Action    string
	UserID    string
	Timestamp float64
}

// Callback receives each ApprovalResult. Adapters must deliver at most one
// result per request id across human action and timeout.
type Callback func(ApprovalResult)

// Adapter is the interface every approval messenger must implement. The
// coordinator depends on nothing else.
type Adapter interface {
	// Start begins listening for guardian responses. It should
	// authenticate with the upstream service and return once the adapter
	// is ready to send prompts.
	Start(ctx context.Context) error

	// Stop shuts the adapter down, cancelling any armed auto-deny timers.
	Stop(ctx context.Context) error

	// SendApproval presents an approval prompt with the given choices and
	// returns an opaque message id usable with UpdateApproval.
	SendApproval(ctx context.Context, req ApprovalRequest, choices []ApprovalChoice) (string, error)

	// UpdateApproval edits a previously sent prompt to reflect a decision
	// or expiry. Best-effort: failures are logged, never returned.
	UpdateApproval(ctx context.Context, messageID, status, detail string)

	// OnApprovalCallback registers the single callback invoked for each
	// resolution. It must be called before Start.
	OnApprovalCallback(fn Callback)

	// ScheduleTimeout arms a timer that, unless the request is resolved
	// first, synthesizes a deny result with UserID set to TimeoutUser and
	// delivers it through the registered callback.
	ScheduleTimeout(requestID string, timeout time.Duration, messageID string)

	// HealthCheck reports whether the adapter can reach its upstream
	// service. It must be cheap enough to call from a health endpoint.
	HealthCheck(ctx context.Context) bool
}

// DefaultChoices returns the standard two-button prompt layout.
func DefaultChoices() []ApprovalChoice {
	return []ApprovalChoice{
		{Label: "✅ Approve", Action: ActionAllow},
		{Label: "❌ Deny", Action: ActionDeny},
	}
}

// ChoiceData encodes an approval action and request id into the opaque
// payload carried by a prompt button.
func ChoiceData(action, requestID string) string {
	verb := "deny"
	if action == ActionAllow {
		verb = "approve"
	}
	return verb + ":" + requestID
}

// ParseChoiceData is the inverse of ChoiceData. ok is false when the payload
// does not carry a recognized verb and a request id.
func ParseChoiceData(data string) (action, requestID string, ok bool) {
	verb, id, found := strings.Cut(data, ":")
	if !found || id == "" {
		return "", "", false
	}
	switch verb {
	case "approve":
		return ActionAllow, id, true
	case "deny":
		return ActionDeny, id, true
	}
	return "", "", false
}

// PromptText renders the approval prompt: the tool name, the signature, and
// any argument values the signature does not already display.
func PromptText(req ApprovalRequest) string {
	lines := []string{"🚨 " + req.ToolName}
	if req.Signature != "" {
		lines = append(lines, req.Signature)
	}
	keys := make([]string, 0, len(req.Args))
	for k := range req.Args {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		v := fmt.Sprintf("%v", req.Args[k])
		if strings.Contains(req.Signature, v) {
			continue
		}
		lines = append(lines, fmt.Sprintf("  %s: %s", k, v))
	}
	return strings.Join(lines, "\n")
}

// ResolutionHeader returns the line that replaces the prompt header once a
// guardian has decided.
func ResolutionHeader(action, userID string) string {
	header := "❌ Denied"
	if action == ActionAllow {
		header = "✅ Approved"
	}
	if userID == "" {
		return header
	}
	return header + " by " + userID
}

// ResolvedText swaps the header line of a prompt for the resolution header,
// keeping the detail lines below it.
func ResolvedText(original, header string) string {
	lines := strings.Split(strings.TrimSpace(original), "\n")
	return strings.Join(append([]string{header}, lines[1:]...), "\n")
}

// EpochNow returns the current wall clock as fractional seconds since the
// Unix epoch, the unit ApprovalResult timestamps use.
func EpochNow() float64 {
	return float64(time.Now().UnixNano()) / float64(time.Second)
}
