package loom

import (
	"context"
	"fmt"
)

// PendingApproval is the set of tool calls a suspended thread waits on.
// RequestID ties an ApprovalResponse to this suspension.
type PendingApproval struct {
	RequestID string     `json:"request_id"`
	ToolCalls []ToolCall `json:"tool_calls"`
	CreatedAt int64      `json:"created_at"`
}

// Decision is a human verdict on one pending tool call.
type Decision string

const (
	Approve Decision = "approve"
	Deny    Decision = "deny"
)

// ApprovalResponse answers a PendingApproval. Decisions maps call ids to
// verdicts; calls without a decision count as denied.
type ApprovalResponse struct {
	RequestID string              `json:"request_id"`
	Decisions map[string]Decision `json:"decisions"`
}

// ApproveAll builds a response approving every call of p.
func ApproveAll(p *PendingApproval) ApprovalResponse {
	resp := ApprovalResponse{RequestID: p.RequestID, Decisions: make(map[string]Decision, len(p.ToolCalls))}
	for _, c := range p.ToolCalls {
		resp.Decisions[c.CallID] = Approve
	}
	return resp
}

// deniedResult is the history entry for a call the approver rejected.
func deniedResult(call ToolCall) ToolResult {
	return ToolResult{
		CallID: call.CallID,
		Name:   call.Name,
		Status: ToolFailed,
		Error:  fmt.Sprintf("Tool call %s was denied", call.CallID),
	}
}

// suspend parks the thread on calls awaiting approval.
func (t *Thread) suspend(ctx context.Context, calls []ToolCall) (Result, error) {
	pending := &PendingApproval{RequestID: NewID(), ToolCalls: calls, CreatedAt: NowUnix()}
	if err := t.update(func(s *RunState) error {
		s.Pending = pending
		return s.transition(StatusSuspended)
	}); err != nil {
		return t.result(), err
	}
	t.logger.Info("thread suspended for approval",
		"request_id", pending.RequestID, "calls", len(calls))
	if err := t.checkpoint(ctx); err != nil {
		return t.result(), fmt.Errorf("checkpoint suspended thread: %w", err)
	}
	return t.result(), nil
}

// Resume continues a suspended thread with the approver's decisions.
// Approved calls run with the approval marker set for their call id; denied
// and undecided calls get an error result. Results are appended in the
// original call order, then the tick loop continues and may suspend again.
func (t *Thread) Resume(ctx context.Context, resp ApprovalResponse) (Result, error) {
	if !t.busy.CompareAndSwap(false, true) {
		return Result{}, ErrThreadBusy
	}
	defer t.busy.Store(false)

	pending := t.state.Pending
	if t.state.Status != StatusSuspended || pending == nil {
		return t.result(), ErrNotSuspended
	}
	if resp.RequestID != pending.RequestID {
		return t.result(), &ApprovalMismatchError{Want: pending.RequestID, Got: resp.RequestID}
	}

	ctx, span := startSpan(ctx, t.agent.tracer, "thread.resume",
		StringAttr("thread.id", t.id),
		StringAttr("approval.request_id", pending.RequestID))
	defer span.End()

	approved := make(map[string]bool)
	var toRun []ToolCall
	for _, call := range pending.ToolCalls {
		if resp.Decisions[call.CallID] == Approve {
			approved[call.CallID] = true
			toRun = append(toRun, call)
		}
	}
	t.logger.Info("resuming thread",
		"request_id", pending.RequestID, "approved", len(toRun), "denied", len(pending.ToolCalls)-len(toRun))

	pr, err := t.performActions(ctx, &ActionSet{ToolCalls: toRun}, approved)
	if err != nil {
		span.Error(err)
		return t.stop(ctx, err)
	}

	byCall := make(map[string]ToolResult, len(pr.Actions))
	for _, r := range pr.Actions {
		byCall[r.CallID] = r
	}
	merged := PerformResult{PendingApprovals: pr.PendingApprovals}
	for _, call := range pending.ToolCalls {
		if !approved[call.CallID] {
			merged.Actions = append(merged.Actions, deniedResult(call))
			continue
		}
		if r, ok := byCall[call.CallID]; ok {
			merged.Actions = append(merged.Actions, r)
		}
	}

	// Pending stays in place until the approved calls have finished, so an
	// interrupted Resume can be retried with the same response.
	if err := t.update(func(s *RunState) error {
		s.Pending = nil
		return s.transition(StatusActionsPending)
	}); err != nil {
		return t.result(), err
	}
	if res, done, err := t.commitActions(ctx, merged); done {
		if err != nil {
			span.Error(err)
		}
		return res, err
	}
	res, err := t.run(ctx)
	if err != nil {
		span.Error(err)
	}
	return res, err
}
