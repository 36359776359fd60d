package observer

import (
	"context"
	"fmt"

	"github.com/nevindra/loom"

	otellog "go.opentelemetry.io/otel/log"
	"go.opentelemetry.io/otel/metric"
)

// ActionRecorder is a loom post-action processor that counts tool results
// by tool and status and emits a log record per result. It runs with the
// run context, so span attributes are left to the thread.action span.
// Register it with loom.WithProcessors.
type ActionRecorder struct {
	inst *Instruments
}

// NewActionRecorder returns a recorder emitting to inst.
func NewActionRecorder(inst *Instruments) *ActionRecorder {
	return &ActionRecorder{inst: inst}
}

// PostAction records the result and never modifies it.
func (r *ActionRecorder) PostAction(ctx context.Context, call loom.ToolCall, result *loom.ToolResult) error {
	size := resultLength(result)

	r.inst.ToolExecutions.Add(ctx, 1, metric.WithAttributes(
		AttrToolName.String(call.Name),
		AttrToolStatus.String(string(result.Status)),
	))

	var rec otellog.Record
	rec.SetSeverity(otellog.SeverityInfo)
	if result.Status == loom.ToolFailed {
		rec.SetSeverity(otellog.SeverityWarn)
	}
	rec.SetBody(otellog.StringValue("tool executed"))
	rec.AddAttributes(
		otellog.String("tool.name", call.Name),
		otellog.String("tool.call_id", call.CallID),
		otellog.String(string(AttrToolStatus), string(result.Status)),
		otellog.Int(string(AttrToolResultLength), size),
	)
	r.inst.Logger.Emit(ctx, rec)
	return nil
}

func resultLength(r *loom.ToolResult) int {
	if r.Status == loom.ToolFailed {
		return len(r.Error)
	}
	if s, ok := r.Result.(string); ok {
		return len(s)
	}
	if r.Result == nil {
		return 0
	}
	return len(fmt.Sprint(r.Result))
}

var _ loom.PostActionProcessor = (*ActionRecorder)(nil)
