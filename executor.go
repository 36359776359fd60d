package loom

import (
	"context"
	"fmt"
	"runtime/debug"
)

// executeAction resolves and runs a single tool call. Per-call faults (unknown
// tool, returned error, panic) become an error ToolResult so sibling calls are
// unaffected. The error return is reserved for contract violations that must
// fail the run.
func executeAction(ctx context.Context, agent *Agent, rc *RunContext, call ToolCall, approved bool) (ToolResult, error) {
	id := call.ToolID
	if id == "" {
		id = call.Name
	}
	res := ToolResult{CallID: call.CallID, Name: call.Name}

	tool, ok := agent.ResolveTool(id)
	if !ok {
		res.Status = ToolFailed
		res.Error = fmt.Sprintf("Tool %s not found", id)
		return res, nil
	}

	switch t := tool.(type) {
	case *FunctionTool:
		inv, err := invokeSafely(ctx, t, rc.ForCall(call.CallID, approved), call, agent)
		if err != nil {
			res.Status = ToolFailed
			res.Error = errorText(err)
			return res, nil
		}
		res.Status = inv.Status
		if res.Status == "" {
			res.Status = ToolCompleted
		}
		res.Result = inv.Result
		res.Error = inv.Error
		return res, nil
	case *HostTool:
		return res, &ContractError{ToolID: id, Reason: "host-executed tool cannot be invoked locally"}
	default:
		return res, &ContractError{ToolID: id, Reason: fmt.Sprintf("unsupported tool type %T", tool)}
	}
}

// invokeSafely runs t and converts a panic into an error so one bad tool
// cannot take down the run.
func invokeSafely(ctx context.Context, t *FunctionTool, rc *RunContext, call ToolCall, agent *Agent) (inv ToolInvocation, err error) {
	defer func() {
		if p := recover(); p != nil {
			agent.logger.Error("tool panic recovered",
				"tool", t.ID(), "call_id", call.CallID, "panic", p, "stack", string(debug.Stack()))
			inv = ToolInvocation{}
			err = fmt.Errorf("panic: %v", p)
		}
	}()
	return t.Invoke(ctx, rc, call.Arguments, call.CallID)
}

// errorText returns the message of err, or its type name when the message is
// empty.
func errorText(err error) string {
	if msg := err.Error(); msg != "" {
		return msg
	}
	return fmt.Sprintf("%T", err)
}
