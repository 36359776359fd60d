package loom

import (
	"encoding/json"
	"fmt"
)

// RunStatus is the lifecycle phase of a thread.
type RunStatus string

const (
	StatusReady          RunStatus = "ready"
	StatusTicking        RunStatus = "ticking"
	StatusActionsPending RunStatus = "actions_pending"
	StatusSuspended      RunStatus = "suspended"
	StatusCompleted      RunStatus = "completed"
	StatusFailed         RunStatus = "failed"
)

// Terminal reports whether no further progress is possible.
func (s RunStatus) Terminal() bool {
	return s == StatusCompleted || s == StatusFailed
}

var validTransitions = map[RunStatus][]RunStatus{
	StatusReady:          {StatusTicking, StatusFailed},
	StatusTicking:        {StatusTicking, StatusActionsPending, StatusCompleted, StatusFailed},
	StatusActionsPending: {StatusTicking, StatusSuspended, StatusCompleted, StatusFailed},
	StatusSuspended:      {StatusActionsPending, StatusCompleted, StatusFailed},
}

func canTransition(from, to RunStatus) bool {
	for _, s := range validTransitions[from] {
		if s == to {
			return true
		}
	}
	return false
}

// RunState is the mutable bookkeeping of one thread.
type RunState struct {
	// Tick counts model invocations. It only ever increases.
	Tick           int              `json:"tick"`
	Status         RunStatus        `json:"status"`
	ModelResponses []ModelResponse  `json:"model_responses"`
	Usage          Usage            `json:"usage"`
	Pending        *PendingApproval `json:"pending,omitempty"`
	// Error holds the message of the fault that failed the run.
	Error string `json:"error,omitempty"`
}

func (s *RunState) transition(to RunStatus) error {
	if !canTransition(s.Status, to) {
		return fmt.Errorf("invalid run transition %s -> %s", s.Status, to)
	}
	s.Status = to
	return nil
}

func (s RunState) clone() RunState {
	c := s
	c.ModelResponses = make([]ModelResponse, len(s.ModelResponses))
	for i, r := range s.ModelResponses {
		r.Events = cloneEvents(r.Events)
		c.ModelResponses[i] = r
	}
	if s.Pending != nil {
		p := *s.Pending
		p.ToolCalls = cloneCalls(p.ToolCalls)
		c.Pending = &p
	}
	return c
}

// PerformResult partitions a dispatched ActionSet: finished results go to
// Actions and calls awaiting approval go to PendingApprovals. Both keep call
// order.
type PerformResult struct {
	Actions          []ToolResult
	PendingApprovals []ToolCall
}

func cloneCalls(calls []ToolCall) []ToolCall {
	if calls == nil {
		return nil
	}
	out := make([]ToolCall, len(calls))
	for i, c := range calls {
		c.Arguments = append(json.RawMessage(nil), c.Arguments...)
		out[i] = c
	}
	return out
}
