package observer

import (
	"context"
	"errors"
	"time"

	"github.com/nevindra/loom"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	otellog "go.opentelemetry.io/otel/log"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
)

// Execute runs th.Execute inside a "thread.run" span that parents every
// tick and action span, and records run metrics.
func Execute(ctx context.Context, inst *Instruments, th *loom.Thread) (loom.Result, error) {
	return observeRun(ctx, inst, th, "execute", th.Execute)
}

// Resume runs th.Resume the same way Execute runs th.Execute.
func Resume(ctx context.Context, inst *Instruments, th *loom.Thread, resp loom.ApprovalResponse) (loom.Result, error) {
	return observeRun(ctx, inst, th, "resume", func(ctx context.Context) (loom.Result, error) {
		return th.Resume(ctx, resp)
	})
}

func observeRun(ctx context.Context, inst *Instruments, th *loom.Thread, method string, run func(context.Context) (loom.Result, error)) (loom.Result, error) {
	agentID := th.Agent().ID()
	ctx, span := inst.Tracer.Start(ctx, "thread.run", trace.WithAttributes(
		AttrThreadID.String(th.ID()),
		AttrAgentID.String(agentID),
		AttrLLMMethod.String(method),
	))
	defer span.End()
	start := time.Now()

	res, err := run(ctx)

	durationMs := float64(time.Since(start).Milliseconds())
	state := th.State()
	status := string(state.Status)
	switch {
	case err != nil && (errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded)):
		status = "cancelled"
		span.AddEvent("thread.cancelled")
		span.SetStatus(codes.Error, "cancelled")
	case err != nil:
		span.AddEvent("thread.failed", trace.WithAttributes(
			attribute.String("error", err.Error()),
		))
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	case res.Suspended():
		span.AddEvent("thread.suspended", trace.WithAttributes(
			attribute.Int("pending", len(res.Pending().ToolCalls)),
		))
	default:
		span.AddEvent("thread.completed")
	}

	span.SetAttributes(
		AttrThreadStatus.String(status),
		AttrThreadTicks.Int(state.Tick),
		AttrTokensInput.Int(state.Usage.InputTokens),
		AttrTokensOutput.Int(state.Usage.OutputTokens),
	)

	attrs := metric.WithAttributes(
		AttrAgentID.String(agentID),
		attribute.String("status", status),
	)
	inst.ThreadRuns.Add(ctx, 1, attrs)
	inst.ThreadDuration.Record(ctx, durationMs, metric.WithAttributes(AttrAgentID.String(agentID)))
	inst.ThreadTicks.Record(ctx, int64(state.Tick), metric.WithAttributes(AttrAgentID.String(agentID)))

	var rec otellog.Record
	rec.SetSeverity(otellog.SeverityInfo)
	rec.SetBody(otellog.StringValue("thread run finished"))
	rec.AddAttributes(
		otellog.String("thread.id", th.ID()),
		otellog.String("agent.id", agentID),
		otellog.String("thread.method", method),
		otellog.String("thread.status", status),
		otellog.Int("thread.ticks", state.Tick),
		otellog.Int("tokens.input", state.Usage.InputTokens),
		otellog.Int("tokens.output", state.Usage.OutputTokens),
		otellog.Float64("duration_ms", durationMs),
	)
	inst.Logger.Emit(ctx, rec)

	return res, err
}
