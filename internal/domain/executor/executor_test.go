package executor

import (
	"context"
	"errors"
	"strings"
	"testing"
)

type stubHandler struct {
	lastTool string
	lastArgs map[string]any
	result   map[string]any
	err      error
	healthy  bool
	closed   bool
}

func (s *stubHandler) Execute(_ context.Context, tool string, args map[string]any) (map[string]any, error) {
	s.lastTool = tool
	s.lastArgs = args
	return s.result, s.err
}

func (s *stubHandler) HealthCheck(context.Context) bool { return s.healthy }
func (s *stubHandler) Close() error                     { s.closed = true; return nil }

func TestExecute_RoutesToHandler(t *testing.T) {
	stub := &stubHandler{result: map[string]any{"state": "on"}}
	d := NewDispatcher(map[string]ServiceHandler{"homeassistant": stub})

	got, err := d.Execute(context.Background(), "ha_get_state", map[string]any{"entity_id": "light.bedroom"})
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if got["state"] != "on" {
		t.Errorf("result = %v", got)
	}
	if stub.lastTool != "ha_get_state" {
		t.Errorf("handler saw tool %q", stub.lastTool)
	}
	if stub.lastArgs["entity_id"] != "light.bedroom" {
		t.Errorf("handler saw args %v", stub.lastArgs)
	}
}

func TestExecute_UnknownTool(t *testing.T) {
	d := NewDispatcher(map[string]ServiceHandler{"homeassistant": &stubHandler{}})
	_, err := d.Execute(context.Background(), "launch_missiles", nil)
	if err == nil || !strings.Contains(err.Error(), "Unknown tool: launch_missiles") {
		t.Errorf("err = %v", err)
	}
}

func TestExecute_ServiceNotConfigured(t *testing.T) {
	d := NewDispatcher(map[string]ServiceHandler{})
	_, err := d.Execute(context.Background(), "ha_call_service", nil)
	if err == nil || !strings.Contains(err.Error(), "Service not configured: homeassistant") {
		t.Errorf("err = %v", err)
	}
}

func TestExecute_HandlerErrorPassesThrough(t *testing.T) {
	want := errors.New("controller returned 404")
	d := NewDispatcher(map[string]ServiceHandler{"homeassistant": &stubHandler{err: want}})
	_, err := d.Execute(context.Background(), "ha_fire_event", map[string]any{"event_type": "test"})
	if !errors.Is(err, want) {
		t.Errorf("err = %v, want %v", err, want)
	}
}

func TestHealthCheck(t *testing.T) {
	d := NewDispatcher(map[string]ServiceHandler{
		"homeassistant": &stubHandler{healthy: false},
	})
	unhealthy := d.HealthCheck(context.Background())
	if len(unhealthy) != 1 || unhealthy[0] != "homeassistant" {
		t.Errorf("unhealthy = %v", unhealthy)
	}

	d = NewDispatcher(map[string]ServiceHandler{
		"homeassistant": &stubHandler{healthy: true},
	})
	if unhealthy := d.HealthCheck(context.Background()); len(unhealthy) != 0 {
		t.Errorf("unhealthy = %v", unhealthy)
	}
}

func TestClose(t *testing.T) {
	stub := &stubHandler{}
	d := NewDispatcher(map[string]ServiceHandler{"homeassistant": stub})
	if err := d.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if !stub.closed {
		t.Error("handler not closed")
	}
}
