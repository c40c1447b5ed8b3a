// Package audit defines the durable record types and the store port for the
// gateway's append-then-resolve audit trail.
package audit

import (
	"encoding/json"
	"errors"
	"time"
)

// Decisions recorded when a request enters the trail.
const (
	DecisionAllow = "allow"
	DecisionDeny  = "deny"
	DecisionAsk   = "ask"
)

// Terminal resolutions. Every audit row ends with exactly one of these.
const (
	ResolutionValidationFailed = "validation_failed"
	ResolutionDeniedByPolicy   = "denied_by_policy"
	ResolutionDeniedByUser     = "denied_by_user"
	ResolutionExecuted         = "executed"
	ResolutionExecutionFailed  = "execution_failed"
	ResolutionApprovalTimeout  = "approval_timeout"
	ResolutionGatewayShutdown  = "gateway_shutdown"
	ResolutionRateLimited      = "rate_limited"
)

// ErrNotFound is returned when a referenced request id has no row.
var ErrNotFound = errors.New("audit: request not found")

// Entry is one row of the audit trail. RequestID is the gateway-minted UUID;
// WireID is the raw JSON id the agent chose, kept so outcomes can be replayed
// under the agent's own identifier.
type Entry struct {
	RequestID       string
	WireID          json.RawMessage
	Timestamp       time.Time
	Tool            string
	Args            map[string]any
	Signature       string
	Decision        string
	Resolution      string
	ResolvedBy      string
	ResolvedAt      time.Time
	ExecutionResult json.RawMessage
	AgentID         string
	Delivered       bool
}

// PendingRow is one row of the pending_requests table, used for crash
// recovery of in-flight approvals.
type PendingRow struct {
	RequestID string
	Tool      string
	Args      map[string]any
	Signature string
	CreatedAt time.Time
	ExpiresAt time.Time
}

// Store is the persistence port. Implementations must be safe for use from
// multiple goroutines.
type Store interface {
	// Append records a new request with its decision. Resolution fields are
	// left empty.
	Append(e Entry) error

	// Resolve finalizes a row with its terminal resolution. The result is
	// the raw JSON replay payload; delivered records whether the agent
	// received the outcome in-band.
	Resolve(requestID, resolution, resolvedBy string, resolvedAt time.Time, result json.RawMessage, delivered bool) error

	// MarkDelivered flips the delivered flag after a successful replay.
	MarkDelivered(requestID string) error

	// Undelivered returns resolved rows for the agent whose outcomes were
	// never delivered, oldest first.
	Undelivered(agentID string) ([]Entry, error)

	// Recent returns the newest rows first, at most limit.
	Recent(limit int) ([]Entry, error)

	// InsertPending records an in-flight approval.
	InsertPending(p PendingRow) error

	// DeletePending removes an in-flight approval once resolved.
	DeletePending(requestID string) error

	// SweepStale deletes pending rows whose expiry is at or before now and
	// returns them so the caller can finalize their audit rows.
	SweepStale(now time.Time) ([]PendingRow, error)

	// Close releases the underlying database.
	Close() error
}
