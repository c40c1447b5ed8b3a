// Package agentgate is the Go SDK for talking to an agent-gate gateway over
// its WebSocket JSON-RPC protocol. The client authenticates on connect,
// multiplexes concurrent calls over one connection, and reconnects with
// backoff when the connection drops, recovering outcomes it missed.
package agentgate

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strconv"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/agent-gate/agentgate/pkg/rpc"
)

const (
	initialBackoff = time.Second
	maxBackoff     = 30 * time.Second
	authDeadline   = 30 * time.Second
	writeDeadline  = 10 * time.Second
)

type outcome struct {
	result json.RawMessage
	err    error
}

// Client is a gateway connection. It is safe for concurrent use; calls from
// multiple goroutines share the connection.
type Client struct {
	url        string
	token      string
	dialer     *websocket.Dialer
	logger     *slog.Logger
	maxRetries int

	// backoffSleep waits between reconnection attempts. Tests replace it.
	backoffSleep func(context.Context, time.Duration) error

	ctx    context.Context
	cancel context.CancelFunc

	mu      sync.Mutex
	conn    *websocket.Conn
	nextID  int64
	pending map[int64]chan outcome
	replays map[int64]bool
	closed  bool

	writeMu sync.Mutex
}

// New builds a client for the gateway at url. Call Connect before Call.
func New(url, token string, opts ...Option) *Client {
	ctx, cancel := context.WithCancel(context.Background())
	c := &Client{
		url:        url,
		token:      token,
		dialer:     websocket.DefaultDialer,
		logger:     slog.Default(),
		maxRetries: -1,
		ctx:        ctx,
		cancel:     cancel,
		pending:    make(map[int64]chan outcome),
		replays:    make(map[int64]bool),
	}
	c.backoffSleep = func(ctx context.Context, d time.Duration) error {
		t := time.NewTimer(d)
		defer t.Stop()
		select {
		case <-t.C:
			return nil
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Connect dials the gateway and completes the auth handshake.
func (c *Client) Connect(ctx context.Context) error {
	conn, err := c.dialAndAuth(ctx)
	if err != nil {
		return err
	}
	c.mu.Lock()
	c.conn = conn
	c.mu.Unlock()

	go c.readLoop()
	return nil
}

// Close tears the connection down. In-flight calls fail.
func (c *Client) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	conn := c.conn
	c.mu.Unlock()

	c.cancel()
	if conn != nil {
		conn.Close()
	}
	c.failAll(&ConnError{Message: "client closed"})
	return nil
}

// Call sends one tool request and waits for its terminal outcome. Denials
// come back as *DeniedError, approval timeouts as *TimeoutError, and
// unrecoverable connection failures as *ConnError.
func (c *Client) Call(ctx context.Context, tool string, args map[string]any) (map[string]any, error) {
	params, err := json.Marshal(rpc.ToolRequestParams{Tool: tool, Args: args})
	if err != nil {
		return nil, fmt.Errorf("encode args: %w", err)
	}

	id, ch := c.register()
	req := &rpc.Request{
		JSONRPC: rpc.Version,
		Method:  rpc.MethodToolRequest,
		Params:  params,
		ID:      json.RawMessage(strconv.FormatInt(id, 10)),
	}
	if err := c.write(req); err != nil {
		c.deregister(id)
		return nil, &ConnError{Message: "send failed: " + err.Error()}
	}

	select {
	case out := <-ch:
		if out.err != nil {
			return nil, out.err
		}
		var result rpc.ToolResult
		if err := json.Unmarshal(out.result, &result); err != nil {
			return nil, fmt.Errorf("decode result: %w", err)
		}
		return result.Data, nil
	case <-ctx.Done():
		c.deregister(id)
		return nil, ctx.Err()
	case <-c.ctx.Done():
		return nil, &ConnError{Message: "client closed"}
	}
}

// FetchPendingResults asks the gateway to replay outcomes the client missed.
// Matching in-flight Calls resolve as the replay arrives. The client does
// this automatically after every reconnect.
func (c *Client) FetchPendingResults() error {
	return c.sendPendingFetch()
}

func (c *Client) dialAndAuth(ctx context.Context) (*websocket.Conn, error) {
	conn, _, err := c.dialer.DialContext(ctx, c.url, nil)
	if err != nil {
		return nil, fmt.Errorf("dial gateway: %w", err)
	}

	params, err := json.Marshal(rpc.AuthParams{Token: c.token})
	if err != nil {
		conn.Close()
		return nil, err
	}
	frame, err := rpc.Encode(&rpc.Request{
		JSONRPC: rpc.Version,
		Method:  rpc.MethodAuth,
		Params:  params,
		ID:      json.RawMessage(`"` + rpc.AuthID + `"`),
	})
	if err != nil {
		conn.Close()
		return nil, err
	}

	conn.SetWriteDeadline(time.Now().Add(writeDeadline))
	if err := conn.WriteMessage(websocket.TextMessage, frame); err != nil {
		conn.Close()
		return nil, fmt.Errorf("send auth: %w", err)
	}

	conn.SetReadDeadline(time.Now().Add(authDeadline))
	_, data, err := conn.ReadMessage()
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("read auth reply: %w", err)
	}
	conn.SetReadDeadline(time.Time{})

	var resp rpc.Response
	if err := json.Unmarshal(data, &resp); err != nil {
		conn.Close()
		return nil, fmt.Errorf("decode auth reply: %w", err)
	}
	if resp.Error != nil {
		conn.Close()
		return nil, errorFromCode(resp.Error.Code, resp.Error.Message)
	}
	var result rpc.AuthResult
	if err := json.Unmarshal(resp.Result, &result); err != nil || result.Status != rpc.StatusAuthenticated {
		conn.Close()
		return nil, &Error{Code: rpc.CodeAuthFailed, Message: "unexpected auth reply"}
	}
	return conn, nil
}

func (c *Client) readLoop() {
	for {
		c.mu.Lock()
		conn := c.conn
		closed := c.closed
		c.mu.Unlock()
		if closed || conn == nil {
			return
		}

		_, data, err := conn.ReadMessage()
		if err != nil {
			if c.ctx.Err() != nil {
				return
			}
			c.logger.Warn("gateway connection lost", "error", err)
			if !c.reconnect() {
				return
			}
			continue
		}
		c.dispatch(data)
	}
}

// reconnect retries with backoff, sleeping before each attempt. Returns
// false when retries are exhausted or the client is closed; in the former
// case every in-flight call fails.
func (c *Client) reconnect() bool {
	backoff := initialBackoff
	for attempt := 1; ; attempt++ {
		if c.maxRetries >= 0 && attempt > c.maxRetries {
			c.logger.Error("reconnect attempts exhausted")
			c.failAll(&ConnError{Message: "Connection lost"})
			return false
		}

		if err := c.backoffSleep(c.ctx, backoff); err != nil {
			return false
		}
		if backoff < maxBackoff {
			backoff *= 2
			if backoff > maxBackoff {
				backoff = maxBackoff
			}
		}

		conn, err := c.dialAndAuth(c.ctx)
		if err != nil {
			c.logger.Warn("reconnect attempt failed", "attempt", attempt, "error", err)
			continue
		}

		c.mu.Lock()
		if c.closed {
			c.mu.Unlock()
			conn.Close()
			return false
		}
		c.conn = conn
		hasPending := len(c.pending) > 0
		c.mu.Unlock()

		c.logger.Info("reconnected to gateway", "attempt", attempt)
		if hasPending {
			if err := c.sendPendingFetch(); err != nil {
				c.logger.Warn("fetch pending results", "error", err)
			}
		}
		return true
	}
}

func (c *Client) dispatch(data []byte) {
	var resp rpc.Response
	if err := json.Unmarshal(data, &resp); err != nil {
		// Malformed frames are skipped, not fatal.
		c.logger.Warn("malformed frame from gateway", "error", err)
		return
	}

	var id int64
	if err := json.Unmarshal(resp.ID, &id); err != nil {
		c.logger.Debug("frame with non-numeric id dropped", "id", string(resp.ID))
		return
	}

	c.mu.Lock()
	if c.replays[id] {
		delete(c.replays, id)
		c.mu.Unlock()
		c.handleReplay(&resp)
		return
	}
	ch, ok := c.pending[id]
	delete(c.pending, id)
	c.mu.Unlock()

	if !ok {
		c.logger.Debug("frame with unknown id dropped", "id", id)
		return
	}
	if resp.Error != nil {
		ch <- outcome{err: errorFromCode(resp.Error.Code, resp.Error.Message)}
		return
	}
	ch <- outcome{result: resp.Result}
}

// handleReplay resolves in-flight calls from a get_pending_results response.
func (c *Client) handleReplay(resp *rpc.Response) {
	if resp.Error != nil {
		c.logger.Warn("pending results fetch failed", "error", resp.Error.Message)
		return
	}
	var results rpc.PendingResultsResult
	if err := json.Unmarshal(resp.Result, &results); err != nil {
		c.logger.Warn("decode pending results", "error", err)
		return
	}

	for _, r := range results.Results {
		var id int64
		if err := json.Unmarshal(r.RequestID, &id); err != nil {
			continue
		}

		c.mu.Lock()
		ch, ok := c.pending[id]
		delete(c.pending, id)
		c.mu.Unlock()
		if !ok {
			continue
		}

		var payload struct {
			Status  string `json:"status"`
			Code    int    `json:"code"`
			Message string `json:"message"`
		}
		if err := json.Unmarshal([]byte(r.Result), &payload); err != nil {
			ch <- outcome{err: fmt.Errorf("decode replayed outcome: %w", err)}
			continue
		}
		if payload.Status == "error" {
			ch <- outcome{err: errorFromCode(payload.Code, payload.Message)}
			continue
		}
		ch <- outcome{result: json.RawMessage(r.Result)}
	}
}

func (c *Client) sendPendingFetch() error {
	id := c.nextRequestID()
	c.mu.Lock()
	c.replays[id] = true
	c.mu.Unlock()

	err := c.write(&rpc.Request{
		JSONRPC: rpc.Version,
		Method:  rpc.MethodGetPendingResults,
		ID:      json.RawMessage(strconv.FormatInt(id, 10)),
	})
	if err != nil {
		c.mu.Lock()
		delete(c.replays, id)
		c.mu.Unlock()
	}
	return err
}

func (c *Client) register() (int64, chan outcome) {
	ch := make(chan outcome, 1)
	c.mu.Lock()
	c.nextID++
	id := c.nextID
	c.pending[id] = ch
	c.mu.Unlock()
	return id, ch
}

func (c *Client) deregister(id int64) {
	c.mu.Lock()
	delete(c.pending, id)
	c.mu.Unlock()
}

func (c *Client) nextRequestID() int64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.nextID++
	return c.nextID
}

func (c *Client) failAll(err error) {
	c.mu.Lock()
	pending := c.pending
	c.pending = make(map[int64]chan outcome)
	c.mu.Unlock()
	for _, ch := range pending {
		ch <- outcome{err: err}
	}
}

func (c *Client) write(req *rpc.Request) error {
	data, err := rpc.Encode(req)
	if err != nil {
		return err
	}

	c.mu.Lock()
	conn := c.conn
	c.mu.Unlock()
	if conn == nil {
		return fmt.Errorf("not connected")
	}

	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	conn.SetWriteDeadline(time.Now().Add(writeDeadline))
	return conn.WriteMessage(websocket.TextMessage, data)
}
