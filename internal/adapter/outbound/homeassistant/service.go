// Package homeassistant executes tool calls against a Home Assistant
// instance over its REST API.
package homeassistant

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/agent-gate/agentgate/internal/domain/executor"
)

const (
	requestTimeout = 30 * time.Second
	healthTimeout  = 5 * time.Second
)

// Service talks to one Home Assistant instance.
type Service struct {
	baseURL string
	token   string
	client  *http.Client
	logger  *slog.Logger
}

var _ executor.ServiceHandler = (*Service)(nil)

// New builds a service handler for the instance at baseURL.
func New(baseURL, token string, logger *slog.Logger) *Service {
	return &Service{
		baseURL: strings.TrimRight(baseURL, "/"),
		token:   token,
		client:  &http.Client{Timeout: requestTimeout},
		logger:  logger,
	}
}

// Execute runs one tool call.
func (s *Service) Execute(ctx context.Context, tool string, args map[string]any) (map[string]any, error) {
	switch tool {
	case "ha_get_state":
		return s.getState(ctx, args)
	case "ha_get_states":
		return s.getStates(ctx)
	case "ha_call_service":
		return s.callService(ctx, args)
	case "ha_fire_event":
		return s.fireEvent(ctx, args)
	}
	return nil, fmt.Errorf("Unknown tool: %s", tool)
}

// HealthCheck probes the API root.
func (s *Service) HealthCheck(ctx context.Context) bool {
	ctx, cancel := context.WithTimeout(ctx, healthTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, s.baseURL+"/api/", nil)
	if err != nil {
		return false
	}
	req.Header.Set("Authorization", "Bearer "+s.token)

	resp, err := s.client.Do(req)
	if err != nil {
		s.logger.Warn("health check failed", "error", err)
		return false
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, resp.Body)
	return resp.StatusCode == http.StatusOK
}

// Close is a no-op; the HTTP client holds no persistent resources that need
// explicit release.
func (s *Service) Close() error { return nil }

func (s *Service) getState(ctx context.Context, args map[string]any) (map[string]any, error) {
	entityID, err := requireString(args, "entity_id")
	if err != nil {
		return nil, err
	}
	body, err := s.do(ctx, http.MethodGet, "/api/states/"+entityID, nil)
	if err != nil {
		return nil, err
	}
	var state map[string]any
	if err := json.Unmarshal(body, &state); err != nil {
		return nil, fmt.Errorf("decode state: %w", err)
	}
	return state, nil
}

func (s *Service) getStates(ctx context.Context) (map[string]any, error) {
	body, err := s.do(ctx, http.MethodGet, "/api/states", nil)
	if err != nil {
		return nil, err
	}
	var states []any
	if err := json.Unmarshal(body, &states); err != nil {
		return nil, fmt.Errorf("decode states: %w", err)
	}
	return map[string]any{"states": states}, nil
}

func (s *Service) callService(ctx context.Context, args map[string]any) (map[string]any, error) {
	domain, err := requireString(args, "domain")
	if err != nil {
		return nil, err
	}
	service, err := requireString(args, "service")
	if err != nil {
		return nil, err
	}

	payload := make(map[string]any, len(args))
	for k, v := range args {
		if k == "domain" || k == "service" {
			continue
		}
		payload[k] = v
	}

	body, err := s.do(ctx, http.MethodPost, "/api/services/"+domain+"/"+service, payload)
	if err != nil {
		return nil, err
	}
	var result any
	if err := json.Unmarshal(body, &result); err != nil {
		return nil, fmt.Errorf("decode service response: %w", err)
	}
	return map[string]any{"result": result}, nil
}

func (s *Service) fireEvent(ctx context.Context, args map[string]any) (map[string]any, error) {
	eventType, err := requireString(args, "event_type")
	if err != nil {
		return nil, err
	}

	payload := make(map[string]any, len(args))
	for k, v := range args {
		if k == "event_type" {
			continue
		}
		payload[k] = v
	}

	body, err := s.do(ctx, http.MethodPost, "/api/events/"+eventType, payload)
	if err != nil {
		return nil, err
	}
	var result map[string]any
	if err := json.Unmarshal(body, &result); err != nil {
		return nil, fmt.Errorf("decode event response: %w", err)
	}
	return result, nil
}

func (s *Service) do(ctx context.Context, method, path string, payload map[string]any) ([]byte, error) {
	var body io.Reader
	if payload != nil {
		data, err := json.Marshal(payload)
		if err != nil {
			return nil, fmt.Errorf("encode request: %w", err)
		}
		body = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, s.baseURL+path, body)
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+s.token)
	if payload != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := s.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("home assistant request: %w", err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read response: %w", err)
	}

	switch {
	case resp.StatusCode == http.StatusUnauthorized:
		return nil, fmt.Errorf("home assistant rejected the access token")
	case resp.StatusCode == http.StatusNotFound:
		return nil, fmt.Errorf("home assistant: not found: %s", path)
	case resp.StatusCode >= 400:
		return nil, fmt.Errorf("home assistant: status %d: %s", resp.StatusCode, strings.TrimSpace(string(data)))
	}
	return data, nil
}

func requireString(args map[string]any, key string) (string, error) {
	v, ok := args[key]
	if !ok {
		return "", fmt.Errorf("missing required argument %q", key)
	}
	s, ok := v.(string)
	if !ok {
		return "", fmt.Errorf("argument %q must be a string", key)
	}
	return s, nil
}
