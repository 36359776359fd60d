package loom

import (
	"context"
	"log/slog"
)

const (
	defaultMaxTicks    = 25
	defaultConcurrency = 10
)

// InstructionsFunc resolves the system instructions per tick.
type InstructionsFunc func(ctx context.Context, rc *RunContext) (string, error)

// Agent is the static configuration of a run: model, instructions, tools,
// settings and output contract. An Agent is immutable after NewAgent and can
// drive any number of threads concurrently.
type Agent struct {
	id             string
	model          Model
	instructions   string
	instructionsFn InstructionsFunc
	toolkits       []Toolkit
	settings       ModelSettings
	output         OutputContract
	maxTicks       int
	concurrency    int
	processors     *ProcessorChain
	tracer         Tracer       // nil = no tracing
	logger         *slog.Logger // never nil (nopLogger fallback)
}

// AgentOption configures an Agent.
type AgentOption func(*Agent)

// WithInstructions sets static system instructions.
func WithInstructions(s string) AgentOption {
	return func(a *Agent) { a.instructions = s }
}

// WithDynamicInstructions resolves instructions per tick. Takes precedence
// over WithInstructions.
func WithDynamicInstructions(fn InstructionsFunc) AgentOption {
	return func(a *Agent) { a.instructionsFn = fn }
}

// WithTools registers tools in a toolkit owned by the agent.
func WithTools(tools ...Tool) AgentOption {
	return func(a *Agent) { a.toolkits = append(a.toolkits, NewToolRegistry(tools...)) }
}

// WithToolkit adds toolkits. When two toolkits hold the same id, the one
// added first wins.
func WithToolkit(tks ...Toolkit) AgentOption {
	return func(a *Agent) { a.toolkits = append(a.toolkits, tks...) }
}

// WithSettings sets the model settings sent with every request.
func WithSettings(s ModelSettings) AgentOption {
	return func(a *Agent) { a.settings = s }
}

// WithOutput sets the output contract. Defaults to TextOutput.
func WithOutput(c OutputContract) AgentOption {
	return func(a *Agent) { a.output = c }
}

// WithMaxTicks sets the tick ceiling of a run (default 25). n <= 0 keeps the
// default.
func WithMaxTicks(n int) AgentOption {
	return func(a *Agent) { a.maxTicks = n }
}

// WithConcurrency caps the number of tool calls running at once (default 10).
func WithConcurrency(n int) AgentOption {
	return func(a *Agent) { a.concurrency = n }
}

// WithProcessors adds processors to the agent's hook chain.
// Each must implement at least one processor interface.
func WithProcessors(processors ...any) AgentOption {
	return func(a *Agent) {
		for _, p := range processors {
			a.processors.Add(p)
		}
	}
}

// WithTracer sets the Tracer for run, tick and action spans.
func WithTracer(t Tracer) AgentOption {
	return func(a *Agent) { a.tracer = t }
}

// WithLogger sets the structured logger.
func WithLogger(l *slog.Logger) AgentOption {
	return func(a *Agent) { a.logger = l }
}

// NewAgent creates an agent identified by id that talks to model.
func NewAgent(id string, model Model, opts ...AgentOption) *Agent {
	a := &Agent{
		id:         id,
		model:      model,
		processors: NewProcessorChain(),
	}
	for _, opt := range opts {
		opt(a)
	}
	if a.maxTicks <= 0 {
		a.maxTicks = defaultMaxTicks
	}
	if a.concurrency <= 0 {
		a.concurrency = defaultConcurrency
	}
	if a.output == nil {
		a.output = TextOutput()
	}
	if a.logger == nil {
		a.logger = nopLogger
	}
	return a
}

// ID returns the agent id.
func (a *Agent) ID() string { return a.id }

// Model returns the model transport.
func (a *Agent) Model() Model { return a.model }

// Output returns the output contract.
func (a *Agent) Output() OutputContract { return a.output }

// MaxTicks returns the tick ceiling.
func (a *Agent) MaxTicks() int { return a.maxTicks }

// Tools returns every tool across the agent's toolkits in registration
// order. Ids shadowed by an earlier toolkit are skipped.
func (a *Agent) Tools() []Tool {
	seen := make(map[string]bool)
	var out []Tool
	for _, tk := range a.toolkits {
		for _, t := range tk.Tools() {
			if seen[t.ID()] {
				continue
			}
			seen[t.ID()] = true
			out = append(out, t)
		}
	}
	return out
}

// ResolveTool finds a tool by id across the agent's toolkits.
func (a *Agent) ResolveTool(id string) (Tool, bool) {
	for _, tk := range a.toolkits {
		if t, ok := tk.Resolve(id); ok {
			return t, true
		}
	}
	return nil, false
}

// nopLogger is a logger that discards all output. Used when WithLogger is not set.
var nopLogger = slog.New(discardHandler{})

type discardHandler struct{}

func (discardHandler) Enabled(context.Context, slog.Level) bool  { return false }
func (discardHandler) Handle(context.Context, slog.Record) error { return nil }
func (d discardHandler) WithAttrs([]slog.Attr) slog.Handler      { return d }
func (d discardHandler) WithGroup(string) slog.Handler            { return d }
