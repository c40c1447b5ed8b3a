package telegram

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/agent-gate/agentgate/internal/domain/messenger"
)

// fakeAPI is a minimal Telegram Bot API that records calls and feeds a fixed
// batch of callback queries to the first getUpdates poll.
type fakeAPI struct {
	mu        sync.Mutex
	sent      []map[string]any
	edits     []map[string]any
	answered  []string
	callbacks []map[string]any
	served    bool
}

func (f *fakeAPI) handler(t *testing.T) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var body map[string]any
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
			t.Fatalf("decode request: %v", err)
		}

		f.mu.Lock()
		defer f.mu.Unlock()

		switch {
		case strings.HasSuffix(r.URL.Path, "/sendMessage"):
			f.sent = append(f.sent, body)
			json.NewEncoder(w).Encode(map[string]any{
				"ok":     true,
				"result": map[string]any{"message_id": 42},
			})
		case strings.HasSuffix(r.URL.Path, "/editMessageText"):
			f.edits = append(f.edits, body)
			json.NewEncoder(w).Encode(map[string]any{"ok": true})
		case strings.HasSuffix(r.URL.Path, "/answerCallbackQuery"):
			f.answered = append(f.answered, body["callback_query_id"].(string))
			json.NewEncoder(w).Encode(map[string]any{"ok": true})
		case strings.HasSuffix(r.URL.Path, "/getUpdates"):
			var result []map[string]any
			if !f.served {
				f.served = true
				result = f.callbacks
			}
			json.NewEncoder(w).Encode(map[string]any{"ok": true, "result": result})
		default:
			t.Errorf("unexpected path %s", r.URL.Path)
		}
	}
}

func callbackUpdate(updateID int64, userID int64, data string) map[string]any {
	return map[string]any{
		"update_id": updateID,
		"callback_query": map[string]any{
			"id":   "cb-" + data,
			"from": map[string]any{"id": userID},
			"data": data,
		},
	}
}

func newTestAdapter(t *testing.T, api *fakeAPI, cfg Config) *Adapter {
	t.Helper()
	srv := httptest.NewServer(api.handler(t))
	t.Cleanup(srv.Close)
	cfg.APIBase = srv.URL
	if cfg.BotToken == "" {
		cfg.BotToken = "bot-token"
	}
	if cfg.ChatID == 0 {
		cfg.ChatID = 1000
	}
	return New(cfg, slog.New(slog.NewTextHandler(io.Discard, nil)))
}

func TestSendApproval(t *testing.T) {
	api := &fakeAPI{}
	a := newTestAdapter(t, api, Config{})

	handle, err := a.SendApproval(context.Background(), messenger.ApprovalRequest{
		RequestID: "req-1",
		Tool:      "ha_call_service",
		Args:      map[string]any{"domain": "lock", "service": "unlock"},
		Signature: "ha_call_service(lock.unlock)",
	}, []messenger.Choice{
		{Label: "Approve", Action: "allow"},
		{Label: "Deny", Action: "deny"},
	})
	if err != nil {
		t.Fatalf("SendApproval: %v", err)
	}
	if handle != "42" {
		t.Errorf("handle = %q, want 42", handle)
	}

	api.mu.Lock()
	defer api.mu.Unlock()
	if len(api.sent) != 1 {
		t.Fatalf("sent %d messages, want 1", len(api.sent))
	}
	raw, _ := json.Marshal(api.sent[0]["reply_markup"])
	markup := string(raw)
	if !strings.Contains(markup, "req-1:allow") || !strings.Contains(markup, "req-1:deny") {
		t.Errorf("keyboard missing callback data: %s", markup)
	}
	text, _ := api.sent[0]["text"].(string)
	if !strings.Contains(text, "ha_call_service(lock.unlock)") {
		t.Errorf("prompt missing signature: %s", text)
	}
}

func waitForResults(t *testing.T, ch <-chan messenger.Result, want int) []messenger.Result {
	t.Helper()
	var got []messenger.Result
	deadline := time.After(3 * time.Second)
	for len(got) < want {
		select {
		case r := <-ch:
			got = append(got, r)
		case <-deadline:
			t.Fatalf("got %d results, want %d", len(got), want)
		}
	}
	return got
}

func TestCallback_DeliversDecision(t *testing.T) {
	api := &fakeAPI{callbacks: []map[string]any{
		callbackUpdate(1, 555, "req-1:allow"),
	}}
	a := newTestAdapter(t, api, Config{AllowedUsers: []int64{555}})

	results := make(chan messenger.Result, 4)
	a.RegisterCallback(func(r messenger.Result) { results <- r })
	if err := a.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer a.Stop()

	got := waitForResults(t, results, 1)
	if got[0].RequestID != "req-1" || got[0].Action != "allow" || got[0].UserID != "555" {
		t.Errorf("result = %+v", got[0])
	}
}

func TestCallback_UnauthorizedUserIgnored(t *testing.T) {
	api := &fakeAPI{callbacks: []map[string]any{
		callbackUpdate(1, 999, "req-1:allow"),
		callbackUpdate(2, 555, "req-1:deny"),
	}}
	a := newTestAdapter(t, api, Config{AllowedUsers: []int64{555}, LogUnauthorized: true})

	results := make(chan messenger.Result, 4)
	a.RegisterCallback(func(r messenger.Result) { results <- r })
	if err := a.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer a.Stop()

	got := waitForResults(t, results, 1)
	// Only the allowed user's press got through; deny wins because the
	// unauthorized allow was dropped.
	if got[0].Action != "deny" || got[0].UserID != "555" {
		t.Errorf("result = %+v", got[0])
	}
	select {
	case extra := <-results:
		t.Errorf("unexpected extra result %+v", extra)
	case <-time.After(100 * time.Millisecond):
	}
}

func TestCallback_DuplicatePressIgnored(t *testing.T) {
	api := &fakeAPI{callbacks: []map[string]any{
		callbackUpdate(1, 555, "req-1:allow"),
		callbackUpdate(2, 556, "req-1:deny"),
	}}
	a := newTestAdapter(t, api, Config{AllowedUsers: []int64{555, 556}})

	results := make(chan messenger.Result, 4)
	a.RegisterCallback(func(r messenger.Result) { results <- r })
	if err := a.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer a.Stop()

	got := waitForResults(t, results, 1)
	if got[0].Action != "allow" {
		t.Errorf("first press did not win: %+v", got[0])
	}
	select {
	case extra := <-results:
		t.Errorf("duplicate press delivered: %+v", extra)
	case <-time.After(100 * time.Millisecond):
	}
}

func TestCallback_AlwaysAnswered(t *testing.T) {
	api := &fakeAPI{callbacks: []map[string]any{
		callbackUpdate(1, 999, "req-1:allow"), // unauthorized
		callbackUpdate(2, 555, "garbage"),     // malformed
	}}
	a := newTestAdapter(t, api, Config{AllowedUsers: []int64{555}})

	a.RegisterCallback(func(messenger.Result) {})
	if err := a.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer a.Stop()

	deadline := time.After(3 * time.Second)
	for {
		api.mu.Lock()
		n := len(api.answered)
		api.mu.Unlock()
		if n == 2 {
			return
		}
		select {
		case <-deadline:
			t.Fatalf("answered %d callback queries, want 2", n)
		case <-time.After(10 * time.Millisecond):
		}
	}
}

func TestUpdateApproval(t *testing.T) {
	api := &fakeAPI{}
	a := newTestAdapter(t, api, Config{})

	a.UpdateApproval(context.Background(), "42", "Approved", "")

	api.mu.Lock()
	defer api.mu.Unlock()
	if len(api.edits) != 1 {
		t.Fatalf("edits = %d, want 1", len(api.edits))
	}
	if api.edits[0]["text"] != "Approved" {
		t.Errorf("edit text = %v", api.edits[0]["text"])
	}
	if api.edits[0]["message_id"].(float64) != 42 {
		t.Errorf("message_id = %v", api.edits[0]["message_id"])
	}
}
