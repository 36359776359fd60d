// Package loom is an agent-execution runtime. It drives a language model
// through repeated decide/act cycles over a growing conversation history
// until the model gives a final answer.
//
// # Quick Start
//
//	model := openaicompat.NewProvider(apiKey, "gpt-4o", "")
//	add := loom.Func("add", "Add two integers",
//		func(ctx context.Context, rc *loom.RunContext, in struct{ A, B int }) (any, error) {
//			return in.A + in.B, nil
//		})
//
//	agent := loom.NewAgent("calc", loom.WithRetry(model),
//		loom.WithInstructions("You are a calculator."),
//		loom.WithTools(add),
//	)
//	res, err := loom.NewThread(agent, loom.Prompt("What is 5+3?")).Execute(ctx)
//
// # Execution model
//
// A [Thread] owns the history and a [RunState]. Each tick builds a
// [ModelRequest] ([BuildRequest]), calls the [Model], and splits the reply
// into history events and an [ActionSet] ([Interpret]). Tool calls run
// concurrently through a bounded worker pool; their results are appended in
// call order. A tick without tool calls ends the run once [ResolveOutput]
// finds terminal assistant text that satisfies the agent's [OutputContract].
//
// Tools are either a [FunctionTool], run locally, or a [HostTool], run by the
// model host. A FunctionTool can require approval; the run then suspends
// with a [PendingApproval] and continues with [Thread.Resume].
//
// # Errors
//
// Per-call failures are recorded as error results and the run goes on.
// Run-level failures are typed: [TransportError], [OutputError],
// [ContractError] and [TickLimitError], matched with errors.Is against
// [ErrTransport], [ErrModelBehavior], [ErrContract] and [ErrMaxTicks].
//
// # Sub-packages
//
//   - provider/openaicompat: OpenAI-compatible HTTP [Model]
//   - provider/resolve: builds a [Model] from a provider name
//   - observer: OpenTelemetry tracing, metrics and logs
//   - store/sqlite, store/postgres: [ThreadStore] implementations
//   - mcp: Model Context Protocol server and client toolkit
//   - tools/fetch, tools/file, tools/shell: ready-made toolkits
package loom
