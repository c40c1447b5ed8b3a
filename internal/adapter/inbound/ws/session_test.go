package ws

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/agent-gate/agentgate/internal/adapter/outbound/sqlite"
	"github.com/agent-gate/agentgate/internal/domain/approval"
	"github.com/agent-gate/agentgate/internal/domain/messenger"
	"github.com/agent-gate/agentgate/internal/domain/policy"
	"github.com/agent-gate/agentgate/internal/service"
	"github.com/agent-gate/agentgate/pkg/rpc"
)

type stubExecutor struct{}

func (stubExecutor) Execute(_ context.Context, tool string, _ map[string]any) (map[string]any, error) {
	return map[string]any{"tool": tool}, nil
}

type silentAdapter struct{}

func (silentAdapter) SendApproval(context.Context, messenger.ApprovalRequest, []messenger.Choice) (string, error) {
	return "handle", nil
}
func (silentAdapter) UpdateApproval(context.Context, string, string, string) {}
func (silentAdapter) RegisterCallback(func(messenger.Result))                {}
func (silentAdapter) Start(context.Context) error                            { return nil }
func (silentAdapter) Stop() error                                            { return nil }

func newTestServer(t *testing.T, rpm int) *httptest.Server {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))

	engine, err := policy.NewEngine(policy.Ruleset{
		Defaults: []policy.Rule{{Pattern: "ha_get_*", Action: policy.ActionAllow}},
	})
	if err != nil {
		t.Fatalf("NewEngine: %v", err)
	}

	store, err := sqlite.New(filepath.Join(t.TempDir(), "audit.db"), logger)
	if err != nil {
		t.Fatalf("sqlite.New: %v", err)
	}
	t.Cleanup(func() { store.Close() })

	coord := approval.New(store, silentAdapter{}, 0, logger)
	gw := service.New(engine, store, coord, stubExecutor{}, nil, time.Minute, logger)

	srv := httptest.NewServer(NewServer(context.Background(), gw, "secret-token", rpm, logger))
	t.Cleanup(srv.Close)
	return srv
}

func dial(t *testing.T, srv *httptest.Server) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(srv.URL, "http")
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	return conn
}

func writeFrame(t *testing.T, conn *websocket.Conn, frame any) {
	t.Helper()
	data, err := json.Marshal(frame)
	if err != nil {
		t.Fatalf("marshal frame: %v", err)
	}
	if err := conn.WriteMessage(websocket.TextMessage, data); err != nil {
		t.Fatalf("write frame: %v", err)
	}
}

func readResponse(t *testing.T, conn *websocket.Conn) *rpc.Response {
	t.Helper()
	conn.SetReadDeadline(time.Now().Add(3 * time.Second))
	_, data, err := conn.ReadMessage()
	if err != nil {
		t.Fatalf("read frame: %v", err)
	}
	var resp rpc.Response
	if err := json.Unmarshal(data, &resp); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	return &resp
}

func authenticate(t *testing.T, conn *websocket.Conn, token string) *rpc.Response {
	t.Helper()
	writeFrame(t, conn, map[string]any{
		"jsonrpc": "2.0",
		"method":  "auth",
		"params":  map[string]string{"token": token},
		"id":      rpc.AuthID,
	})
	return readResponse(t, conn)
}

func TestAuth_Success(t *testing.T) {
	srv := newTestServer(t, 0)
	conn := dial(t, srv)

	resp := authenticate(t, conn, "secret-token")
	if resp.Error != nil {
		t.Fatalf("auth error: %+v", resp.Error)
	}
	var result rpc.AuthResult
	if err := json.Unmarshal(resp.Result, &result); err != nil {
		t.Fatalf("decode result: %v", err)
	}
	if result.Status != rpc.StatusAuthenticated {
		t.Errorf("status = %q", result.Status)
	}
	if string(resp.ID) != `"auth-1"` {
		t.Errorf("id = %s", resp.ID)
	}
}

func TestAuth_BadToken(t *testing.T) {
	srv := newTestServer(t, 0)
	conn := dial(t, srv)

	resp := authenticate(t, conn, "wrong")
	if resp.Error == nil || resp.Error.Code != rpc.CodeAuthFailed {
		t.Fatalf("resp = %+v", resp)
	}

	// The server hangs up after a failed auth.
	conn.SetReadDeadline(time.Now().Add(3 * time.Second))
	if _, _, err := conn.ReadMessage(); err == nil {
		t.Error("connection still open after failed auth")
	}
}

func TestAuth_FirstFrameMustBeAuth(t *testing.T) {
	srv := newTestServer(t, 0)
	conn := dial(t, srv)

	writeFrame(t, conn, map[string]any{
		"jsonrpc": "2.0",
		"method":  "tool_request",
		"params":  map[string]any{"tool": "ha_get_states"},
		"id":      1,
	})
	resp := readResponse(t, conn)
	if resp.Error == nil || resp.Error.Code != rpc.CodeAuthFailed {
		t.Fatalf("resp = %+v", resp)
	}
}

func TestToolRequest_Executes(t *testing.T) {
	srv := newTestServer(t, 0)
	conn := dial(t, srv)
	authenticate(t, conn, "secret-token")

	writeFrame(t, conn, map[string]any{
		"jsonrpc": "2.0",
		"method":  "tool_request",
		"params":  map[string]any{"tool": "ha_get_state", "args": map[string]any{"entity_id": "light.bedroom"}},
		"id":      7,
	})
	resp := readResponse(t, conn)
	if resp.Error != nil {
		t.Fatalf("error: %+v", resp.Error)
	}
	if string(resp.ID) != "7" {
		t.Errorf("id = %s, want 7", resp.ID)
	}
	var result rpc.ToolResult
	if err := json.Unmarshal(resp.Result, &result); err != nil {
		t.Fatalf("decode result: %v", err)
	}
	if result.Status != rpc.StatusExecuted {
		t.Errorf("status = %q", result.Status)
	}
}

func TestToolRequest_RateLimited(t *testing.T) {
	srv := newTestServer(t, 1)
	conn := dial(t, srv)
	authenticate(t, conn, "secret-token")

	writeFrame(t, conn, map[string]any{
		"jsonrpc": "2.0",
		"method":  "tool_request",
		"params":  map[string]any{"tool": "ha_get_states"},
		"id":      1,
	})
	readResponse(t, conn)

	// Burst of one: the second request inside the same minute is rejected.
	writeFrame(t, conn, map[string]any{
		"jsonrpc": "2.0",
		"method":  "tool_request",
		"params":  map[string]any{"tool": "ha_get_states"},
		"id":      2,
	})
	resp := readResponse(t, conn)
	if resp.Error == nil || resp.Error.Code != rpc.CodeRateLimited {
		t.Fatalf("resp = %+v", resp)
	}
}

func TestUnknownMethod(t *testing.T) {
	srv := newTestServer(t, 0)
	conn := dial(t, srv)
	authenticate(t, conn, "secret-token")

	writeFrame(t, conn, map[string]any{
		"jsonrpc": "2.0",
		"method":  "reboot",
		"id":      3,
	})
	resp := readResponse(t, conn)
	if resp.Error == nil || resp.Error.Code != rpc.CodeMethodNotFound {
		t.Fatalf("resp = %+v", resp)
	}
}

func TestGetPendingResults_Empty(t *testing.T) {
	srv := newTestServer(t, 0)
	conn := dial(t, srv)
	authenticate(t, conn, "secret-token")

	writeFrame(t, conn, map[string]any{
		"jsonrpc": "2.0",
		"method":  "get_pending_results",
		"id":      4,
	})
	resp := readResponse(t, conn)
	if resp.Error != nil {
		t.Fatalf("error: %+v", resp.Error)
	}
	var result rpc.PendingResultsResult
	if err := json.Unmarshal(resp.Result, &result); err != nil {
		t.Fatalf("decode result: %v", err)
	}
	if len(result.Results) != 0 {
		t.Errorf("results = %v", result.Results)
	}
}

func TestMalformedFrameClosesConnection(t *testing.T) {
	srv := newTestServer(t, 0)
	conn := dial(t, srv)
	authenticate(t, conn, "secret-token")

	if err := conn.WriteMessage(websocket.TextMessage, []byte("{not json")); err != nil {
		t.Fatalf("write: %v", err)
	}
	conn.SetReadDeadline(time.Now().Add(3 * time.Second))
	if _, _, err := conn.ReadMessage(); err == nil {
		t.Error("connection still open after malformed frame")
	}
}
