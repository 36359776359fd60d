package observer

import "go.opentelemetry.io/otel/attribute"

// Attribute keys for loom observability spans and metrics.
var (
	AttrLLMModel    = attribute.Key("llm.model")
	AttrLLMProvider = attribute.Key("llm.provider")
	AttrLLMMethod   = attribute.Key("llm.method")

	AttrTokensInput  = attribute.Key("llm.tokens.input")
	AttrTokensOutput = attribute.Key("llm.tokens.output")
	AttrCostUSD      = attribute.Key("llm.cost_usd")
	AttrFinishReason = attribute.Key("llm.finish_reason")

	AttrToolCount = attribute.Key("llm.tool_count")
	AttrToolNames = attribute.Key("llm.tool_names")

	AttrStreamChunks = attribute.Key("llm.stream_chunks")

	AttrToolName         = attribute.Key("tool.name")
	AttrToolStatus       = attribute.Key("tool.status")
	AttrToolResultLength = attribute.Key("tool.result_length")

	AttrThreadID     = attribute.Key("thread.id")
	AttrThreadStatus = attribute.Key("thread.status")
	AttrThreadTicks  = attribute.Key("thread.ticks")
	AttrAgentID      = attribute.Key("agent.id")
)
