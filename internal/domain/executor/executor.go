// Package executor routes approved tool calls to the backing service
// handlers.
package executor

import (
	"context"
	"fmt"
)

// ServiceHandler executes tool calls against one backing service.
type ServiceHandler interface {
	Execute(ctx context.Context, tool string, args map[string]any) (map[string]any, error)
	HealthCheck(ctx context.Context) bool
	Close() error
}

// routes maps tool names to service names. Only routed tools are executable;
// everything else fails before reaching a handler.
var routes = map[string]string{
	"ha_get_state":    "homeassistant",
	"ha_get_states":   "homeassistant",
	"ha_call_service": "homeassistant",
	"ha_fire_event":   "homeassistant",
}

// Dispatcher owns the registered service handlers.
type Dispatcher struct {
	services map[string]ServiceHandler
}

// NewDispatcher builds a dispatcher over the configured services.
func NewDispatcher(services map[string]ServiceHandler) *Dispatcher {
	return &Dispatcher{services: services}
}

// Execute routes the tool call to its service handler.
func (d *Dispatcher) Execute(ctx context.Context, tool string, args map[string]any) (map[string]any, error) {
	service, ok := routes[tool]
	if !ok {
		return nil, fmt.Errorf("Unknown tool: %s", tool)
	}
	handler, ok := d.services[service]
	if !ok {
		return nil, fmt.Errorf("Service not configured: %s", service)
	}
	return handler.Execute(ctx, tool, args)
}

// HealthCheck probes every registered service and returns the unhealthy
// service names.
func (d *Dispatcher) HealthCheck(ctx context.Context) []string {
	var unhealthy []string
	for name, handler := range d.services {
		if !handler.HealthCheck(ctx) {
			unhealthy = append(unhealthy, name)
		}
	}
	return unhealthy
}

// Close shuts down every registered service handler.
func (d *Dispatcher) Close() error {
	var firstErr error
	for _, handler := range d.services {
		if err := handler.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}
