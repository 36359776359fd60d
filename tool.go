package loom

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"
)

// Tool is a capability the model may call. The set of implementations is
// closed: *FunctionTool runs locally, *HostTool is executed by the model host.
type Tool interface {
	ID() string
	Description() string
	// Parameters returns the JSON Schema of the call arguments.
	Parameters() json.RawMessage
	// Enabled reports whether the tool is offered to the model this tick.
	Enabled(ctx context.Context, rc *RunContext, agent *Agent) (bool, error)
	isTool()
}

// EnabledFunc decides per tick whether a tool is offered to the model.
type EnabledFunc func(ctx context.Context, rc *RunContext, agent *Agent) (bool, error)

// ApprovalFunc decides whether a call needs human approval before it runs.
type ApprovalFunc func(ctx context.Context, rc *RunContext, args json.RawMessage) (bool, error)

// InvokeFunc is the body of a FunctionTool.
type InvokeFunc func(ctx context.Context, rc *RunContext, args json.RawMessage) (any, error)

// ToolInvocation is the outcome of FunctionTool.Invoke.
type ToolInvocation struct {
	Status ToolStatus
	Result any
	Error  string
}

// ToolOption configures a FunctionTool or HostTool.
type ToolOption func(*toolConfig)

type toolConfig struct {
	params   json.RawMessage
	enabled  EnabledFunc
	approval ApprovalFunc
	timeout  time.Duration
}

var emptyObjectSchema = json.RawMessage(`{"type":"object","properties":{}}`)

// WithParameters sets the JSON Schema of the tool's arguments.
// Defaults to an object schema with no properties.
func WithParameters(schema json.RawMessage) ToolOption {
	return func(c *toolConfig) { c.params = schema }
}

// WithEnabled installs a per-tick availability predicate.
func WithEnabled(fn EnabledFunc) ToolOption {
	return func(c *toolConfig) { c.enabled = fn }
}

// WithApproval installs a predicate that decides, per call, whether the call
// must be approved before it runs.
func WithApproval(fn ApprovalFunc) ToolOption {
	return func(c *toolConfig) { c.approval = fn }
}

// RequireApproval makes every call of the tool wait for approval.
func RequireApproval() ToolOption {
	return WithApproval(func(context.Context, *RunContext, json.RawMessage) (bool, error) {
		return true, nil
	})
}

// WithTimeout bounds each invocation of a FunctionTool.
func WithTimeout(d time.Duration) ToolOption {
	return func(c *toolConfig) { c.timeout = d }
}

func buildToolConfig(opts []ToolOption) toolConfig {
	var c toolConfig
	for _, opt := range opts {
		opt(&c)
	}
	if len(c.params) == 0 {
		c.params = emptyObjectSchema
	}
	return c
}

type toolBase struct {
	id          string
	description string
	cfg         toolConfig
}

func (b *toolBase) ID() string                  { return b.id }
func (b *toolBase) Description() string         { return b.description }
func (b *toolBase) Parameters() json.RawMessage { return b.cfg.params }

func (b *toolBase) Enabled(ctx context.Context, rc *RunContext, agent *Agent) (bool, error) {
	if b.cfg.enabled == nil {
		return true, nil
	}
	return b.cfg.enabled(ctx, rc, agent)
}

// FunctionTool is a locally executed capability.
type FunctionTool struct {
	toolBase
	invoke InvokeFunc
}

func (*FunctionTool) isTool() {}

// NewFunctionTool creates a local tool whose arguments arrive as raw JSON.
func NewFunctionTool(id, description string, fn InvokeFunc, opts ...ToolOption) *FunctionTool {
	return &FunctionTool{
		toolBase: toolBase{id: id, description: description, cfg: buildToolConfig(opts)},
		invoke:   fn,
	}
}

// Func creates a local tool whose arguments are decoded into P before fn runs.
// A decode failure becomes an error result for that call.
//
//	add := loom.Func("add", "Add two integers",
//		func(ctx context.Context, rc *loom.RunContext, in struct{ A, B int }) (any, error) {
//			return in.A + in.B, nil
//		},
//		loom.WithParameters(addSchema))
func Func[P any](id, description string, fn func(ctx context.Context, rc *RunContext, params P) (any, error), opts ...ToolOption) *FunctionTool {
	return NewFunctionTool(id, description, func(ctx context.Context, rc *RunContext, args json.RawMessage) (any, error) {
		var p P
		if len(args) > 0 {
			if err := json.Unmarshal(args, &p); err != nil {
				return nil, fmt.Errorf("invalid arguments: %w", err)
			}
		}
		return fn(ctx, rc, p)
	}, opts...)
}

// Invoke runs the tool for one call. When the tool needs approval and rc
// does not carry an approval for callID, Invoke returns requires_approval
// without running the body. A returned error is a per-call failure; the
// executor records it as an error result.
func (t *FunctionTool) Invoke(ctx context.Context, rc *RunContext, args json.RawMessage, callID string) (ToolInvocation, error) {
	if t.cfg.approval != nil && !rc.Approved(callID) {
		need, err := t.cfg.approval(ctx, rc, args)
		if err != nil {
			return ToolInvocation{}, fmt.Errorf("approval check: %w", err)
		}
		if need {
			return ToolInvocation{Status: ToolRequiresApproval}, nil
		}
	}
	if t.cfg.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, t.cfg.timeout)
		defer cancel()
	}
	out, err := t.invoke(ctx, rc, args)
	if err != nil {
		return ToolInvocation{}, err
	}
	return ToolInvocation{Status: ToolCompleted, Result: out}, nil
}

// HostTool is a capability the model host executes, such as a provider's
// built-in web search. It is advertised to the model but never invoked
// locally; a call routed to the local executor fails the run.
type HostTool struct {
	toolBase
}

func (*HostTool) isTool() {}

// NewHostTool declares a host-executed capability.
func NewHostTool(id, description string, opts ...ToolOption) *HostTool {
	return &HostTool{toolBase: toolBase{id: id, description: description, cfg: buildToolConfig(opts)}}
}

// Toolkit resolves tool ids to capabilities.
type Toolkit interface {
	Resolve(id string) (Tool, bool)
	Tools() []Tool
}

// ToolRegistry is an in-memory Toolkit preserving registration order.
type ToolRegistry struct {
	mu    sync.RWMutex
	order []string
	tools map[string]Tool
}

// NewToolRegistry creates a registry holding tools.
func NewToolRegistry(tools ...Tool) *ToolRegistry {
	r := &ToolRegistry{tools: make(map[string]Tool)}
	r.Add(tools...)
	return r
}

// Add registers tools. A tool with an id already present replaces it in place.
func (r *ToolRegistry) Add(tools ...Tool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, t := range tools {
		if _, ok := r.tools[t.ID()]; !ok {
			r.order = append(r.order, t.ID())
		}
		r.tools[t.ID()] = t
	}
}

// Resolve implements Toolkit.
func (r *ToolRegistry) Resolve(id string) (Tool, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	t, ok := r.tools[id]
	return t, ok
}

// Tools implements Toolkit.
func (r *ToolRegistry) Tools() []Tool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]Tool, 0, len(r.order))
	for _, id := range r.order {
		out = append(out, r.tools[id])
	}
	return out
}

// compile-time checks
var (
	_ Tool    = (*FunctionTool)(nil)
	_ Tool    = (*HostTool)(nil)
	_ Toolkit = (*ToolRegistry)(nil)
)
