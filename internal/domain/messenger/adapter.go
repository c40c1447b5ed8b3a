// Package messenger defines the contract between the gateway core and the
// human-facing approval transport. Any conforming adapter is acceptable; the
// core never assumes a particular chat platform.
package messenger

import (
	"context"
	"time"
)

// ApprovalRequest is what the guardian sees for one pending tool call.
type ApprovalRequest struct {
	RequestID string
	Tool      string
	Args      map[string]any
	Signature string
}

// Choice is one button the guardian can press.
type Choice struct {
	Label  string
	Action string
}

// Result is a guardian decision delivered through the adapter callback.
type Result struct {
	RequestID string
	Action    string
	UserID    string
	Timestamp time.Time
}

// Adapter is the out-of-band approval channel.
//
// The adapter is responsible for allow-listing its users and for ignoring
// duplicate button presses; the core keeps its own first-writer-wins guard
// regardless.
type Adapter interface {
	// SendApproval delivers an approval prompt and returns an opaque handle
	// for later updates.
	SendApproval(ctx context.Context, req ApprovalRequest, choices []Choice) (handle string, err error)

	// UpdateApproval edits a previously sent prompt to reflect its outcome.
	// Best-effort: failures are logged by the adapter and never returned.
	UpdateApproval(ctx context.Context, handle, status, detail string)

	// RegisterCallback sets the function invoked when the guardian decides.
	RegisterCallback(fn func(Result))

	// Start begins listening for guardian decisions.
	Start(ctx context.Context) error

	// Stop shuts the adapter down.
	Stop() error
}
