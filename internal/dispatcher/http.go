package dispatcher

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/haasonsaas/toolgate/internal/config"
	"github.com/haasonsaas/toolgate/internal/registry"
)

var pathPlaceholderRe = regexp.MustCompile(`\{(\w+)\}`)

// HTTPHandler executes YAML-defined tool requests against one HTTP service.
type HTTPHandler struct {
	service config.ServiceConfig
	baseURL string
	client  *http.Client
	logger  *slog.Logger
}

// NewHTTPHandler builds a handler for one service. The base URL keeps no
// trailing slash so path templates always start with one.
func NewHTTPHandler(service config.ServiceConfig, logger *slog.Logger) *HTTPHandler {
	return &HTTPHandler{
		service: service,
		baseURL: strings.TrimRight(service.URL, "/"),
		client: &http.Client{
			Timeout: 30 * time.Second,
		},
		logger: logger,
	}
}

// Execute performs the HTTP request the tool definition describes and
// returns the upstream JSON, wrapped when the definition asks for it.
func (h *HTTPHandler) Execute(ctx context.Context, tool config.ToolDefinition, args map[string]any) (json.RawMessage, error) {
	if tool.Request == nil {
		return nil, NewError(ErrCodeNoRequest, fmt.Sprintf("Tool %s has no request definition", tool.Name), nil)
	}

	url := h.baseURL + interpolatePath(tool.Request.Path, args)

	var body io.Reader
	switch tool.Request.Method {
	case http.MethodPost, http.MethodPut, http.MethodPatch:
		payload, err := json.Marshal(buildBody(tool, args))
		if err != nil {
			return nil, NewError(ErrCodeUpstream, "Failed to encode request body", err)
		}
		body = bytes.NewReader(payload)
	}

	req, err := http.NewRequestWithContext(ctx, tool.Request.Method, url, body)
	if err != nil {
		return nil, NewError(ErrCodeUnreachable, fmt.Sprintf("Service unreachable: %s", h.service.Name), err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	h.applyAuth(req)

	resp, err := h.client.Do(req)
	if err != nil {
		return nil, NewError(ErrCodeUnreachable, fmt.Sprintf("Service unreachable: %s", h.service.Name), err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, h.upstreamError(resp)
	}

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, NewError(ErrCodeUnreachable, fmt.Sprintf("Service unreachable: %s", h.service.Name), err)
	}
	if !json.Valid(data) {
		return nil, NewError(ErrCodeUpstream, fmt.Sprintf("Invalid JSON response from service: %s", h.service.Name), nil)
	}

	if tool.Response != nil && tool.Response.Wrap != "" {
		wrapped, err := json.Marshal(map[string]json.RawMessage{tool.Response.Wrap: data})
		if err != nil {
			return nil, NewError(ErrCodeUpstream, "Failed to wrap response", err)
		}
		return wrapped, nil
	}
	return data, nil
}

// HealthCheck probes the configured health endpoint. A 5 second cap keeps a
// hung service from stalling the aggregate health report.
func (h *HTTPHandler) HealthCheck(ctx context.Context) bool {
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, h.service.Health.Method, h.baseURL+h.service.Health.Path, nil)
	if err != nil {
		return false
	}
	h.applyAuth(req)

	resp, err := h.client.Do(req)
	if err != nil {
		h.logger.Debug("health check failed", "error", err)
		return false
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, resp.Body)

	return resp.StatusCode == h.service.Health.ExpectStatus
}

// Close releases pooled connections.
func (h *HTTPHandler) Close() error {
	h.client.CloseIdleConnections()
	return nil
}

// applyAuth attaches the configured credentials to an outbound request.
func (h *HTTPHandler) applyAuth(req *http.Request) {
	switch h.service.Auth.Type {
	case "bearer":
		req.Header.Set("Authorization", "Bearer "+h.service.Auth.Token)
	case "header":
		req.Header.Set(h.service.Auth.HeaderName, h.service.Auth.Token)
	case "basic":
		req.SetBasicAuth(h.service.Auth.Username, h.service.Auth.Password)
	case "query":
		q := req.URL.Query()
		q.Set(h.service.Auth.QueryParam, h.service.Auth.Token)
		req.URL.RawQuery = q.Encode()
	}
}

// upstreamError maps a non-2xx response onto a message the agent can act on.
// Service-level mappings win over the built-in fallbacks.
func (h *HTTPHandler) upstreamError(resp *http.Response) error {
	body, _ := io.ReadAll(resp.Body)
	for _, mapping := range h.service.Errors {
		if mapping.Status == resp.StatusCode {
			return NewError(ErrCodeUpstream, formatMapping(mapping.Message, resp.StatusCode, string(body)), nil)
		}
	}
	switch resp.StatusCode {
	case http.StatusUnauthorized:
		return NewError(ErrCodeUpstream, "Service authentication failed", nil)
	case http.StatusNotFound:
		return NewError(ErrCodeUpstream, "Resource not found", nil)
	}
	return NewError(ErrCodeUpstream, fmt.Sprintf("API error %d: %s", resp.StatusCode, string(body)), nil)
}

func formatMapping(message string, status int, body string) string {
	message = strings.ReplaceAll(message, "{status}", strconv.Itoa(status))
	return strings.ReplaceAll(message, "{body}", body)
}

// interpolatePath substitutes {arg} placeholders in a path template.
// Missing arguments interpolate as the empty string.
func interpolatePath(path string, args map[string]any) string {
	return pathPlaceholderRe.ReplaceAllStringFunc(path, func(m string) string {
		key := pathPlaceholderRe.FindStringSubmatch(m)[1]
		val, ok := args[key]
		if !ok {
			return ""
		}
		return registry.Stringify(val)
	})
}

// buildBody assembles the JSON body for mutating requests: every argument
// except those listed in body_exclude (typically args already consumed by
// the path template).
func buildBody(tool config.ToolDefinition, args map[string]any) map[string]any {
	body := make(map[string]any, len(args))
	for k, v := range args {
		body[k] = v
	}
	for _, excluded := range tool.Request.BodyExclude {
		delete(body, excluded)
	}
	return body
}
