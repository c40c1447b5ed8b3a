// Package telegram implements the messenger contract on the Telegram Bot
// API. Approval prompts are messages with inline keyboards; guardian
// decisions arrive as callback queries over long polling.
package telegram

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/agent-gate/agentgate/internal/domain/messenger"
)

const (
	defaultAPIBase = "https://api.telegram.org"
	pollTimeout    = 30 // seconds, getUpdates long-poll window
)

// Config is the adapter configuration.
type Config struct {
	BotToken string
	ChatID   int64
	// AllowedUsers are the Telegram user ids permitted to decide.
	AllowedUsers []int64
	// LogUnauthorized emits a warning for presses from unknown users instead
	// of dropping them silently.
	LogUnauthorized bool
	// APIBase overrides the Telegram endpoint, used by tests.
	APIBase string
}

// Adapter is a messenger.Adapter backed by one Telegram bot.
type Adapter struct {
	cfg     Config
	apiBase string
	client  *http.Client
	logger  *slog.Logger

	mu       sync.Mutex
	resolved map[string]bool
	callback func(messenger.Result)

	cancel context.CancelFunc
	done   chan struct{}
}

var _ messenger.Adapter = (*Adapter)(nil)

// New builds the adapter. It does not contact Telegram until Start.
func New(cfg Config, logger *slog.Logger) *Adapter {
	base := cfg.APIBase
	if base == "" {
		base = defaultAPIBase
	}
	return &Adapter{
		cfg:      cfg,
		apiBase:  base,
		client:   &http.Client{Timeout: (pollTimeout + 10) * time.Second},
		logger:   logger,
		resolved: make(map[string]bool),
		done:     make(chan struct{}),
	}
}

// RegisterCallback sets the decision sink. Must be called before Start.
func (a *Adapter) RegisterCallback(fn func(messenger.Result)) {
	a.callback = fn
}

// Start launches the update polling loop.
func (a *Adapter) Start(ctx context.Context) error {
	ctx, a.cancel = context.WithCancel(ctx)
	go a.pollLoop(ctx)
	return nil
}

// Stop ends polling and waits for the loop to exit.
func (a *Adapter) Stop() error {
	if a.cancel != nil {
		a.cancel()
		<-a.done
	}
	return nil
}

// SendApproval posts the approval prompt with one button per choice and
// returns the message id as the update handle.
func (a *Adapter) SendApproval(ctx context.Context, req messenger.ApprovalRequest, choices []messenger.Choice) (string, error) {
	buttons := make([]map[string]string, 0, len(choices))
	for _, c := range choices {
		buttons = append(buttons, map[string]string{
			"text":          c.Label,
			"callback_data": req.RequestID + ":" + c.Action,
		})
	}

	payload := map[string]any{
		"chat_id": a.cfg.ChatID,
		"text":    formatPrompt(req),
		"reply_markup": map[string]any{
			"inline_keyboard": [][]map[string]string{buttons},
		},
	}

	var resp struct {
		OK     bool `json:"ok"`
		Result struct {
			MessageID int64 `json:"message_id"`
		} `json:"result"`
	}
	if err := a.call(ctx, "sendMessage", payload, &resp); err != nil {
		return "", err
	}
	if !resp.OK {
		return "", fmt.Errorf("telegram: sendMessage not ok")
	}
	return strconv.FormatInt(resp.Result.MessageID, 10), nil
}

// UpdateApproval rewrites a prompt with its outcome and removes the buttons.
// Failures are logged and swallowed; the decision already happened.
func (a *Adapter) UpdateApproval(ctx context.Context, handle, status, detail string) {
	messageID, err := strconv.ParseInt(handle, 10, 64)
	if err != nil {
		a.logger.Error("bad approval handle", "handle", handle, "error", err)
		return
	}

	text := status
	if detail != "" {
		text += ": " + detail
	}
	payload := map[string]any{
		"chat_id":    a.cfg.ChatID,
		"message_id": messageID,
		"text":       text,
	}

	var resp struct {
		OK bool `json:"ok"`
	}
	if err := a.call(ctx, "editMessageText", payload, &resp); err != nil {
		a.logger.Warn("edit approval prompt failed", "message_id", messageID, "error", err)
	}
}

func (a *Adapter) pollLoop(ctx context.Context) {
	defer close(a.done)

	var offset int64
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		updates, err := a.getUpdates(ctx, offset)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			a.logger.Warn("poll telegram updates", "error", err)
			select {
			case <-time.After(5 * time.Second):
			case <-ctx.Done():
				return
			}
			continue
		}

		for _, u := range updates {
			if u.UpdateID >= offset {
				offset = u.UpdateID + 1
			}
			if u.CallbackQuery != nil {
				a.handleCallback(ctx, u.CallbackQuery)
			}
		}
	}
}

type update struct {
	UpdateID      int64          `json:"update_id"`
	CallbackQuery *callbackQuery `json:"callback_query"`
}

type callbackQuery struct {
	ID   string `json:"id"`
	From struct {
		ID int64 `json:"id"`
	} `json:"from"`
	Data string `json:"data"`
}

func (a *Adapter) getUpdates(ctx context.Context, offset int64) ([]update, error) {
	payload := map[string]any{
		"timeout":         pollTimeout,
		"offset":          offset,
		"allowed_updates": []string{"callback_query"},
	}
	var resp struct {
		OK     bool     `json:"ok"`
		Result []update `json:"result"`
	}
	if err := a.call(ctx, "getUpdates", payload, &resp); err != nil {
		return nil, err
	}
	if !resp.OK {
		return nil, fmt.Errorf("telegram: getUpdates not ok")
	}
	return resp.Result, nil
}

func (a *Adapter) handleCallback(ctx context.Context, q *callbackQuery) {
	// Always acknowledge so the client stops its spinner.
	defer a.answerCallback(ctx, q.ID)

	if !a.userAllowed(q.From.ID) {
		if a.cfg.LogUnauthorized {
			a.logger.Warn("approval press from unauthorized user", "user_id", q.From.ID)
		}
		return
	}

	requestID, action, ok := strings.Cut(q.Data, ":")
	if !ok || requestID == "" || action == "" {
		a.logger.Warn("malformed callback data", "data", q.Data)
		return
	}

	a.mu.Lock()
	if a.resolved[requestID] {
		a.mu.Unlock()
		return
	}
	a.resolved[requestID] = true
	a.mu.Unlock()

	if a.callback != nil {
		a.callback(messenger.Result{
			RequestID: requestID,
			Action:    action,
			UserID:    strconv.FormatInt(q.From.ID, 10),
			Timestamp: time.Now().UTC(),
		})
	}
}

func (a *Adapter) answerCallback(ctx context.Context, id string) {
	var resp struct {
		OK bool `json:"ok"`
	}
	if err := a.call(ctx, "answerCallbackQuery", map[string]any{"callback_query_id": id}, &resp); err != nil {
		a.logger.Warn("answer callback query", "error", err)
	}
}

func (a *Adapter) userAllowed(id int64) bool {
	for _, allowed := range a.cfg.AllowedUsers {
		if allowed == id {
			return true
		}
	}
	return false
}

func (a *Adapter) call(ctx context.Context, method string, payload any, out any) error {
	data, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("encode %s: %w", method, err)
	}

	url := fmt.Sprintf("%s/bot%s/%s", a.apiBase, a.cfg.BotToken, method)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(data))
	if err != nil {
		return fmt.Errorf("build %s: %w", method, err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := a.client.Do(req)
	if err != nil {
		return fmt.Errorf("telegram %s: %w", method, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("read %s response: %w", method, err)
	}
	if resp.StatusCode >= 400 {
		return fmt.Errorf("telegram %s: status %d: %s", method, resp.StatusCode, strings.TrimSpace(string(body)))
	}
	if err := json.Unmarshal(body, out); err != nil {
		return fmt.Errorf("decode %s response: %w", method, err)
	}
	return nil
}

func formatPrompt(req messenger.ApprovalRequest) string {
	var b strings.Builder
	b.WriteString("Approval required\n\n")
	fmt.Fprintf(&b, "Tool: %s\n", req.Tool)
	fmt.Fprintf(&b, "Signature: %s\n", req.Signature)
	if len(req.Args) > 0 {
		args, err := json.MarshalIndent(req.Args, "", "  ")
		if err == nil {
			fmt.Fprintf(&b, "Args:\n%s\n", args)
		}
	}
	fmt.Fprintf(&b, "\nRequest: %s", req.RequestID)
	return b.String()
}
