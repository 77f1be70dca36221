// Package dispatcher routes approved tool calls to the backend services
// that implement them. Each service is driven entirely by its YAML
// definition, so adding a service or tool requires configuration, not code.
package dispatcher

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/haasonsaas/toolgate/internal/config"
	"github.com/haasonsaas/toolgate/internal/observability"
	"github.com/haasonsaas/toolgate/internal/registry"
)

// Handler executes tool calls against one backend service.
type Handler interface {
	Execute(ctx context.Context, tool config.ToolDefinition, args map[string]any) (json.RawMessage, error)
	HealthCheck(ctx context.Context) bool
	Close() error
}

// Dispatcher owns one handler per configured service and routes each tool
// call to the handler of the service that declared the tool.
type Dispatcher struct {
	registry *registry.Registry
	handlers map[string]Handler
	logger   *slog.Logger
	metrics  *observability.Metrics
}

// New builds a dispatcher with a generic HTTP handler for every configured
// service.
func New(reg *registry.Registry, services map[string]config.ServiceConfig, logger *slog.Logger, metrics *observability.Metrics) *Dispatcher {
	handlers := make(map[string]Handler, len(services))
	for name, svc := range services {
		handlers[name] = NewHTTPHandler(svc, logger.With("service", name))
	}
	return &Dispatcher{registry: reg, handlers: handlers, logger: logger, metrics: metrics}
}

// Execute routes a tool call to the service handler that owns it.
func (d *Dispatcher) Execute(ctx context.Context, toolName string, args map[string]any) (json.RawMessage, error) {
	start := time.Now()
	data, err := d.execute(ctx, toolName, args)
	status := "success"
	if err != nil {
		status = "error"
	}
	d.metrics.RecordDispatch(toolName, status, time.Since(start).Seconds())
	return data, err
}

func (d *Dispatcher) execute(ctx context.Context, toolName string, args map[string]any) (json.RawMessage, error) {
	serviceName, ok := d.registry.ServiceName(toolName)
	if !ok {
		return nil, NewError(ErrCodeUnknownTool, fmt.Sprintf("Unknown tool: %s", toolName), nil)
	}
	handler, ok := d.handlers[serviceName]
	if !ok {
		return nil, NewError(ErrCodeNotConfigured, fmt.Sprintf("Service not configured: %s", serviceName), nil)
	}
	tool, _ := d.registry.Tool(toolName)
	return handler.Execute(ctx, tool, args)
}

// HealthAll probes every service handler and reports per-service health.
func (d *Dispatcher) HealthAll(ctx context.Context) map[string]bool {
	out := make(map[string]bool, len(d.handlers))
	for name, handler := range d.handlers {
		out[name] = handler.HealthCheck(ctx)
	}
	return out
}

// Close shuts down every service handler.
func (d *Dispatcher) Close() {
	for name, handler := range d.handlers {
		if err := handler.Close(); err != nil {
			d.logger.Warn("failed to close service handler", "service", name, "error", err)
		}
	}
}
