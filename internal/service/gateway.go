// Package service contains the gateway orchestrator: the pipeline that takes
// an authenticated tool request through validation, policy, approval, and
// execution, and records every step durably.
package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/agent-gate/agentgate/internal/domain/approval"
	"github.com/agent-gate/agentgate/internal/domain/audit"
	"github.com/agent-gate/agentgate/internal/domain/messenger"
	"github.com/agent-gate/agentgate/internal/domain/policy"
	"github.com/agent-gate/agentgate/internal/domain/signature"
	"github.com/agent-gate/agentgate/internal/metrics"
	"github.com/agent-gate/agentgate/pkg/rpc"
)

// DefaultAgentID labels audit rows while the wire protocol carries no agent
// identity of its own.
const DefaultAgentID = "default"

// Executor is the slice of the dispatcher the gateway needs.
type Executor interface {
	Execute(ctx context.Context, tool string, args map[string]any) (map[string]any, error)
}

// SendFunc delivers one response frame to the agent. A non-nil error means
// the agent did not receive the frame and the outcome must be replayed
// later.
type SendFunc func(*rpc.Response) error

// Gateway wires the domain pieces together.
type Gateway struct {
	engine   *policy.Engine
	store    audit.Store
	coord    *approval.Coordinator
	executor Executor
	metrics  *metrics.Metrics
	logger   *slog.Logger

	approvalTimeout time.Duration
}

// New constructs the gateway. metrics may be nil when scraping is disabled.
func New(engine *policy.Engine, store audit.Store, coord *approval.Coordinator, exec Executor, m *metrics.Metrics, approvalTimeout time.Duration, logger *slog.Logger) *Gateway {
	return &Gateway{
		engine:          engine,
		store:           store,
		coord:           coord,
		executor:        exec,
		metrics:         m,
		logger:          logger,
		approvalTimeout: approvalTimeout,
	}
}

// BindMessenger routes guardian decisions into the coordinator.
func (g *Gateway) BindMessenger(adapter messenger.Adapter) {
	adapter.RegisterCallback(func(r messenger.Result) {
		action := policy.Action(r.Action)
		if !action.Valid() {
			g.logger.Warn("guardian decision with unknown action", "request_id", r.RequestID, "action", r.Action)
			return
		}
		if !g.coord.Resolve(r.RequestID, action, r.UserID, approval.CauseUser) {
			g.logger.Info("guardian decision for unknown or settled request", "request_id", r.RequestID)
		}
		g.updatePendingGauge()
	})
}

// HandleToolRequest runs one tool request to its terminal outcome. ctx is
// the gateway lifecycle context, not the connection's: an approval must
// survive the agent disconnecting. wireID is the raw JSON id the agent chose
// for the frame; owner scopes the pending-approval cap, one owner per
// connection.
func (g *Gateway) HandleToolRequest(ctx context.Context, owner string, wireID json.RawMessage, params rpc.ToolRequestParams, send SendFunc) {
	requestID := uuid.NewString()
	now := time.Now().UTC()

	sig, err := signature.Build(params.Tool, params.Args)
	if err != nil {
		entry := audit.Entry{
			RequestID: requestID,
			WireID:    wireID,
			Timestamp: now,
			Tool:      params.Tool,
			Args:      params.Args,
			Signature: "",
			Decision:  audit.DecisionDeny,
			AgentID:   DefaultAgentID,
		}
		if aerr := g.store.Append(entry); aerr != nil {
			g.logger.Error("append audit entry", "request_id", requestID, "error", aerr)
		}
		g.countRequest("invalid")
		g.respondError(requestID, wireID, send, rpc.CodePolicyDenied,
			fmt.Sprintf("Validation failed: %v", err), audit.ResolutionValidationFailed, "")
		return
	}

	decision := g.engine.Evaluate(sig)
	g.countRequest(string(decision))

	entry := audit.Entry{
		RequestID: requestID,
		WireID:    wireID,
		Timestamp: now,
		Tool:      params.Tool,
		Args:      params.Args,
		Signature: sig,
		Decision:  string(decision),
		AgentID:   DefaultAgentID,
	}
	if err := g.store.Append(entry); err != nil {
		g.logger.Error("append audit entry", "request_id", requestID, "error", err)
	}

	g.logger.Info("tool request",
		"request_id", requestID,
		"tool", params.Tool,
		"signature", sig,
		"decision", decision,
	)

	switch decision {
	case policy.ActionDeny:
		g.respondError(requestID, wireID, send, rpc.CodePolicyDenied,
			"Denied by policy", audit.ResolutionDeniedByPolicy, "")
	case policy.ActionAllow:
		g.execute(ctx, requestID, wireID, params, send, "policy")
	case policy.ActionAsk:
		g.awaitApproval(ctx, requestID, owner, sig, wireID, params, send)
	}
}

func (g *Gateway) awaitApproval(ctx context.Context, requestID, owner, sig string, wireID json.RawMessage, params rpc.ToolRequestParams, send SendFunc) {
	req := messenger.ApprovalRequest{
		RequestID: requestID,
		Tool:      params.Tool,
		Args:      params.Args,
		Signature: sig,
	}

	ch, err := g.coord.RequestApproval(ctx, owner, req, g.approvalTimeout)
	if err != nil {
		if errors.Is(err, approval.ErrTooManyPending) {
			g.respondError(requestID, wireID, send, rpc.CodeRateLimited,
				"Too many pending requests", audit.ResolutionRateLimited, "")
			return
		}
		g.logger.Error("request approval", "request_id", requestID, "error", err)
		g.respondError(requestID, wireID, send, rpc.CodeServerError,
			"Approval channel unavailable", audit.ResolutionExecutionFailed, "")
		return
	}
	g.updatePendingGauge()

	res := <-ch
	g.updatePendingGauge()
	g.countResolution(res.Cause)

	switch res.Cause {
	case approval.CauseTimeout:
		g.respondError(requestID, wireID, send, rpc.CodeApprovalTimeout,
			"Approval request timed out", audit.ResolutionApprovalTimeout, "")
	case approval.CauseShutdown:
		g.respondError(requestID, wireID, send, rpc.CodeServerError,
			"Gateway shutting down", audit.ResolutionGatewayShutdown, "")
	case approval.CauseUser:
		if res.Action == policy.ActionAllow {
			g.execute(ctx, requestID, wireID, params, send, res.ResolverID)
			return
		}
		g.respondError(requestID, wireID, send, rpc.CodeDeniedByUser,
			"Denied by user", audit.ResolutionDeniedByUser, res.ResolverID)
	}
}

func (g *Gateway) execute(ctx context.Context, requestID string, wireID json.RawMessage, params rpc.ToolRequestParams, send SendFunc, resolvedBy string) {
	data, err := g.executor.Execute(ctx, params.Tool, params.Args)
	if err != nil {
		g.countExecution("failed")
		g.respondError(requestID, wireID, send, rpc.CodeExecutionFailed,
			fmt.Sprintf("Execution failed: %v", err), audit.ResolutionExecutionFailed, resolvedBy)
		return
	}
	g.countExecution("ok")
	g.respondResult(requestID, wireID, send, data, resolvedBy)
}

func (g *Gateway) respondResult(requestID string, wireID json.RawMessage, send SendFunc, data map[string]any, resolvedBy string) {
	result := rpc.ToolResult{Status: rpc.StatusExecuted, Data: data}
	payload, err := json.Marshal(result)
	if err != nil {
		g.logger.Error("encode result", "request_id", requestID, "error", err)
		payload = []byte(`{"status":"executed"}`)
	}

	frame, err := rpc.NewResult(wireID, result)
	delivered := false
	if err != nil {
		g.logger.Error("build result frame", "request_id", requestID, "error", err)
	} else {
		delivered = send(frame) == nil
	}

	g.finalize(requestID, audit.ResolutionExecuted, resolvedBy, payload, delivered)
}

func (g *Gateway) respondError(requestID string, wireID json.RawMessage, send SendFunc, code int, message, resolution, resolvedBy string) {
	payload, err := json.Marshal(map[string]any{
		"status":  "error",
		"code":    code,
		"message": message,
	})
	if err != nil {
		payload = []byte(`{"status":"error"}`)
	}

	delivered := send(rpc.NewError(wireID, code, message)) == nil
	g.finalize(requestID, resolution, resolvedBy, payload, delivered)
}

func (g *Gateway) finalize(requestID, resolution, resolvedBy string, payload json.RawMessage, delivered bool) {
	if err := g.store.Resolve(requestID, resolution, resolvedBy, time.Now().UTC(), payload, delivered); err != nil {
		g.logger.Error("resolve audit entry", "request_id", requestID, "error", err)
	}
}

// PendingResults loads undelivered outcomes for the agent, keyed by the wire
// id the agent originally chose. Rows stay undelivered until ConfirmDelivered
// reports that the replay frame actually reached the agent, so an outcome
// lost mid-replay is offered again on the next call.
func (g *Gateway) PendingResults(agentID string) (rpc.PendingResultsResult, []string, error) {
	entries, err := g.store.Undelivered(agentID)
	if err != nil {
		return rpc.PendingResultsResult{}, nil, fmt.Errorf("load undelivered outcomes: %w", err)
	}

	out := rpc.PendingResultsResult{Results: make([]rpc.PendingResult, 0, len(entries))}
	requestIDs := make([]string, 0, len(entries))
	for _, e := range entries {
		out.Results = append(out.Results, rpc.PendingResult{
			RequestID: e.WireID,
			Result:    string(e.ExecutionResult),
		})
		requestIDs = append(requestIDs, e.RequestID)
	}
	return out, requestIDs, nil
}

// ConfirmDelivered marks replayed outcomes delivered after the replay frame
// was written to the agent.
func (g *Gateway) ConfirmDelivered(requestIDs []string) {
	for _, id := range requestIDs {
		if err := g.store.MarkDelivered(id); err != nil {
			g.logger.Error("mark delivered", "request_id", id, "error", err)
		}
	}
}

// RecoverStale finalizes approvals that were pending when a previous process
// died and have since expired. Each is auto-denied as timed out.
func (g *Gateway) RecoverStale(now time.Time) (int, error) {
	stale, err := g.store.SweepStale(now)
	if err != nil {
		return 0, fmt.Errorf("sweep stale approvals: %w", err)
	}
	payload, _ := json.Marshal(map[string]any{
		"status":  "error",
		"code":    rpc.CodeApprovalTimeout,
		"message": "Approval request timed out",
	})
	for _, p := range stale {
		if err := g.store.Resolve(p.RequestID, audit.ResolutionApprovalTimeout, "", now, payload, false); err != nil {
			g.logger.Error("finalize stale approval", "request_id", p.RequestID, "error", err)
			continue
		}
		g.logger.Warn("auto-denied stale approval", "request_id", p.RequestID, "tool", p.Tool, "signature", p.Signature)
	}
	return len(stale), nil
}

// Shutdown drains every in-flight approval as a deny. Each waiting request
// goroutine then sends its shutdown error and finalizes its audit row.
func (g *Gateway) Shutdown() {
	g.coord.ResolveAllPending(approval.CauseShutdown)
}

func (g *Gateway) countRequest(decision string) {
	if g.metrics != nil {
		g.metrics.Requests.WithLabelValues(decision).Inc()
	}
}

func (g *Gateway) countExecution(status string) {
	if g.metrics != nil {
		g.metrics.Executions.WithLabelValues(status).Inc()
	}
}

func (g *Gateway) countResolution(cause string) {
	if g.metrics != nil {
		g.metrics.Resolutions.WithLabelValues(cause).Inc()
	}
}

func (g *Gateway) updatePendingGauge() {
	if g.metrics != nil {
		g.metrics.Pending.Set(float64(g.coord.PendingCount()))
	}
}
