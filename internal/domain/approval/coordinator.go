// Package approval coordinates human-in-the-loop decisions for tool calls
// the policy engine defers.
package approval

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/agent-gate/agentgate/internal/domain/audit"
	"github.com/agent-gate/agentgate/internal/domain/messenger"
	"github.com/agent-gate/agentgate/internal/domain/policy"
)

// Causes recorded on a resolution.
const (
	CauseUser     = "user"
	CauseTimeout  = "timeout"
	CauseShutdown = "shutdown"
)

// Statuses reported back to the messenger prompt.
const (
	StatusApproved = "Approved"
	StatusDenied   = "Denied"
	StatusExpired  = "Expired"
)

// ErrTooManyPending is returned when a caller exceeds its pending-approval
// cap.
var ErrTooManyPending = errors.New("approval: too many pending requests")

// Resolution is the terminal outcome of one approval.
type Resolution struct {
	Action     policy.Action
	ResolverID string
	Cause      string
}

type entry struct {
	ch     chan Resolution
	timer  *time.Timer
	handle string
	owner  string

	// Prompt status recorded by Resolve when the handle was not yet known,
	// so RequestApproval can patch the prompt once the send returns.
	status string
	detail string
}

// Coordinator tracks in-flight approvals. Each approval resolves exactly
// once: the first of guardian decision, timeout, or shutdown wins.
type Coordinator struct {
	mu       sync.Mutex
	pending  map[string]*entry
	perOwner map[string]int

	maxPerOwner int
	store       audit.Store
	adapter     messenger.Adapter
	logger      *slog.Logger
}

// New constructs a coordinator. maxPerOwner caps concurrent approvals per
// owner; zero or negative means unlimited.
func New(store audit.Store, adapter messenger.Adapter, maxPerOwner int, logger *slog.Logger) *Coordinator {
	return &Coordinator{
		pending:     make(map[string]*entry),
		perOwner:    make(map[string]int),
		maxPerOwner: maxPerOwner,
		store:       store,
		adapter:     adapter,
		logger:      logger,
	}
}

// RequestApproval registers an approval, persists it for crash recovery,
// prompts the guardian, and arms the timeout. The returned channel delivers
// exactly one Resolution.
func (c *Coordinator) RequestApproval(ctx context.Context, owner string, req messenger.ApprovalRequest, timeout time.Duration) (<-chan Resolution, error) {
	c.mu.Lock()
	if c.maxPerOwner > 0 && c.perOwner[owner] >= c.maxPerOwner {
		c.mu.Unlock()
		return nil, ErrTooManyPending
	}
	e := &entry{ch: make(chan Resolution, 1), owner: owner}
	c.pending[req.RequestID] = e
	c.perOwner[owner]++
	c.mu.Unlock()

	now := time.Now().UTC()
	err := c.store.InsertPending(audit.PendingRow{
		RequestID: req.RequestID,
		Tool:      req.Tool,
		Args:      req.Args,
		Signature: req.Signature,
		CreatedAt: now,
		ExpiresAt: now.Add(timeout),
	})
	if err != nil {
		c.remove(req.RequestID)
		return nil, fmt.Errorf("persist pending request: %w", err)
	}

	handle, err := c.adapter.SendApproval(ctx, req, []messenger.Choice{
		{Label: "Approve", Action: string(policy.ActionAllow)},
		{Label: "Deny", Action: string(policy.ActionDeny)},
	})
	if err != nil {
		c.remove(req.RequestID)
		if derr := c.store.DeletePending(req.RequestID); derr != nil {
			c.logger.Error("delete pending after send failure", "request_id", req.RequestID, "error", derr)
		}
		return nil, fmt.Errorf("send approval prompt: %w", err)
	}

	c.mu.Lock()
	if _, ok := c.pending[req.RequestID]; ok {
		e.handle = handle
		e.timer = time.AfterFunc(timeout, func() {
			c.Resolve(req.RequestID, policy.ActionDeny, "", CauseTimeout)
		})
		c.mu.Unlock()
		return e.ch, nil
	}
	// A resolution (shutdown, or a guardian racing the prompt) landed while
	// the send was in flight. Patch the prompt with the late handle so its
	// buttons do not stay live.
	status, detail := e.status, e.detail
	c.mu.Unlock()
	c.adapter.UpdateApproval(ctx, handle, status, detail)

	return e.ch, nil
}

// Resolve finalizes an approval. Returns false when the request is unknown
// or already resolved; only the first caller per request wins.
func (c *Coordinator) Resolve(requestID string, action policy.Action, resolverID, cause string) bool {
	c.mu.Lock()
	e, ok := c.pending[requestID]
	if !ok {
		c.mu.Unlock()
		return false
	}
	delete(c.pending, requestID)
	c.perOwner[e.owner]--
	if c.perOwner[e.owner] <= 0 {
		delete(c.perOwner, e.owner)
	}
	status, detail := promptStatus(action, cause)
	if e.handle == "" {
		e.status, e.detail = status, detail
	}
	c.mu.Unlock()

	if e.timer != nil {
		e.timer.Stop()
	}

	if e.handle != "" {
		c.adapter.UpdateApproval(context.Background(), e.handle, status, detail)
	}

	if err := c.store.DeletePending(requestID); err != nil {
		c.logger.Error("delete pending request", "request_id", requestID, "error", err)
	}

	e.ch <- Resolution{Action: action, ResolverID: resolverID, Cause: cause}
	return true
}

// ResolveAllPending drains every in-flight approval as a deny with the given
// cause. Used on shutdown.
func (c *Coordinator) ResolveAllPending(cause string) {
	c.mu.Lock()
	ids := make([]string, 0, len(c.pending))
	for id := range c.pending {
		ids = append(ids, id)
	}
	c.mu.Unlock()

	for _, id := range ids {
		c.Resolve(id, policy.ActionDeny, "", cause)
	}
}

// PendingCount reports the number of in-flight approvals.
func (c *Coordinator) PendingCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.pending)
}

func (c *Coordinator) remove(requestID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if e, ok := c.pending[requestID]; ok {
		delete(c.pending, requestID)
		c.perOwner[e.owner]--
		if c.perOwner[e.owner] <= 0 {
			delete(c.perOwner, e.owner)
		}
	}
}

func promptStatus(action policy.Action, cause string) (status, detail string) {
	switch cause {
	case CauseTimeout:
		return StatusExpired, "No decision before the deadline"
	case CauseShutdown:
		return StatusExpired, "Gateway shutting down"
	}
	if action == policy.ActionAllow {
		return StatusApproved, ""
	}
	return StatusDenied, ""
}
