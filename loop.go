package loom

import (
	"context"
	"errors"
	"fmt"
)

// run drives ticks until the model gives a final answer, a call needs
// approval, or a fault stops the run.
func (t *Thread) run(ctx context.Context) (Result, error) {
	for {
		if t.state.Tick >= t.agent.maxTicks {
			return t.stop(ctx, &TickLimitError{Limit: t.agent.maxTicks})
		}
		if err := ctx.Err(); err != nil {
			return t.stop(ctx, fmt.Errorf("tick %d: %w", t.state.Tick+1, err))
		}

		events, actions, err := t.tick(ctx)
		if err != nil {
			return t.stop(ctx, err)
		}
		t.appendEvents(events...)

		if actions == nil {
			out, err := ResolveOutput(t.history, t.agent.output)
			if errors.Is(err, ErrNoOutput) {
				t.logger.Debug("no final answer yet", "tick", t.state.Tick)
				_ = t.checkpoint(ctx)
				continue
			}
			if err != nil {
				return t.stop(ctx, err)
			}
			return t.complete(ctx, out)
		}

		if err := t.update(func(s *RunState) error { return s.transition(StatusActionsPending) }); err != nil {
			return t.stop(ctx, err)
		}
		_ = t.checkpoint(ctx)

		pr, err := t.performActions(ctx, actions, nil)
		if err != nil {
			return t.stop(ctx, err)
		}
		if res, done, err := t.commitActions(ctx, pr); done {
			return res, err
		}
	}
}

// tick performs one model invocation. It increments the tick counter, builds
// the request, calls the model and interprets the reply. Nothing is added to
// history here; the caller appends the returned events.
func (t *Thread) tick(ctx context.Context) ([]Event, *ActionSet, error) {
	if err := t.update(func(s *RunState) error {
		s.Tick++
		return s.transition(StatusTicking)
	}); err != nil {
		return nil, nil, err
	}
	n := t.state.Tick

	ctx, span := startSpan(ctx, t.agent.tracer, "thread.tick", IntAttr("tick", n))
	defer span.End()

	req, err := BuildRequest(ctx, t.agent, t.rc, t.history)
	if err != nil {
		span.Error(err)
		return nil, nil, fmt.Errorf("tick %d: build request: %w", n, err)
	}
	if err := t.agent.processors.RunPreModel(ctx, &req); err != nil {
		return nil, nil, err
	}

	t.logger.Debug("model request", "tick", n, "history", len(req.History), "tools", len(req.Tools))
	resp, err := t.agent.model.Generate(ctx, req)
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return nil, nil, fmt.Errorf("tick %d: %w", n, ctxErr)
		}
		err = &TransportError{Model: t.agent.model.Name(), Err: err}
		span.Error(err)
		return nil, nil, err
	}
	_ = t.update(func(s *RunState) error {
		s.ModelResponses = append(s.ModelResponses, resp)
		s.Usage.Add(resp.Usage)
		return nil
	})

	if err := t.agent.processors.RunPostModel(ctx, &resp); err != nil {
		return nil, nil, err
	}

	events, actions := Interpret(resp)
	calls := 0
	if actions != nil {
		calls = len(actions.ToolCalls)
	}
	span.SetAttr(
		IntAttr("events", len(events)),
		IntAttr("tool_calls", calls),
		IntAttr("tokens.input", resp.Usage.InputTokens),
		IntAttr("tokens.output", resp.Usage.OutputTokens))
	t.logger.Debug("model response", "tick", n, "events", len(events), "tool_calls", calls,
		"input_tokens", resp.Usage.InputTokens, "output_tokens", resp.Usage.OutputTokens)
	return events, actions, nil
}

// performActions runs the action set through the bounded worker pool and
// partitions the outcomes. approved marks call ids an approver accepted.
// Contract faults and processor errors abort; cancellation discards every
// result.
func (t *Thread) performActions(ctx context.Context, actions *ActionSet, approved map[string]bool) (PerformResult, error) {
	if actions == nil || len(actions.ToolCalls) == 0 {
		return PerformResult{}, nil
	}
	calls := actions.ToolCalls

	outcomes, ok := dispatchActions(ctx, calls, t.agent.concurrency, func(ctx context.Context, call ToolCall) (ToolResult, error) {
		ctx, span := startSpan(ctx, t.agent.tracer, "thread.action",
			StringAttr("tool.name", call.Name),
			StringAttr("tool.call_id", call.CallID),
			BoolAttr("tool.approved", approved[call.CallID]))
		defer span.End()
		res, err := executeAction(ctx, t.agent, t.rc, call, approved[call.CallID])
		span.SetAttr(StringAttr("tool.status", string(res.Status)))
		switch {
		case err != nil:
			span.Error(err)
		case res.Status == ToolFailed:
			span.Error(errors.New(res.Error))
		}
		return res, err
	})
	if !ok {
		return PerformResult{}, fmt.Errorf("perform actions: %w", ctx.Err())
	}

	var pr PerformResult
	for i, o := range outcomes {
		if o.err != nil {
			return PerformResult{}, o.err
		}
		res := o.result
		t.logger.Debug("tool call finished",
			"tool", calls[i].Name, "call_id", calls[i].CallID,
			"status", string(res.Status), "duration", o.duration)
		if err := t.agent.processors.RunPostAction(ctx, calls[i], &res); err != nil {
			return PerformResult{}, err
		}
		if res.Status == ToolRequiresApproval {
			pr.PendingApprovals = append(pr.PendingApprovals, calls[i])
			continue
		}
		pr.Actions = append(pr.Actions, res)
	}
	return pr, nil
}

// commitActions appends finished results to history and suspends when calls
// await approval. done reports that the run stopped and res, err are final.
func (t *Thread) commitActions(ctx context.Context, pr PerformResult) (res Result, done bool, err error) {
	events := make([]Event, len(pr.Actions))
	for i, r := range pr.Actions {
		events[i] = r
	}
	t.appendEvents(events...)

	if len(pr.PendingApprovals) > 0 {
		res, err := t.suspend(ctx, pr.PendingApprovals)
		return res, true, err
	}
	_ = t.checkpoint(ctx)
	return Result{}, false, nil
}

// complete finishes the run with out as its output.
func (t *Thread) complete(ctx context.Context, out any) (Result, error) {
	if err := t.update(func(s *RunState) error { return s.transition(StatusCompleted) }); err != nil {
		return t.result(), err
	}
	t.mu.Lock()
	t.output = out
	t.mu.Unlock()
	t.logger.Info("thread completed", "ticks", t.state.Tick,
		"input_tokens", t.state.Usage.InputTokens, "output_tokens", t.state.Usage.OutputTokens)
	_ = t.checkpoint(ctx)
	return t.result(), nil
}

// stop ends the current Execute or Resume call with err. An *ErrHalt
// completes the run with the halt response. Cancellation leaves the thread
// resumable by another Execute; every other error fails the run.
func (t *Thread) stop(ctx context.Context, err error) (Result, error) {
	var halt *ErrHalt
	if errors.As(err, &halt) {
		t.logger.Info("thread halted by processor", "response", halt.Response)
		return t.complete(ctx, halt.Response)
	}
	if ctxErr := ctx.Err(); ctxErr != nil && errors.Is(err, ctxErr) {
		t.logger.Warn("thread interrupted", "tick", t.state.Tick, "error", err)
		return t.result(), err
	}
	_ = t.update(func(s *RunState) error {
		s.Status = StatusFailed
		s.Error = err.Error()
		return nil
	})
	t.logger.Error("thread failed", "tick", t.state.Tick, "error", err)
	_ = t.checkpoint(ctx)
	return t.result(), err
}
