package observer

import "go.opentelemetry.io/otel/attribute"

// Attribute keys for chatflow spans and metrics.
var (
	AttrLLMModel    = attribute.Key("llm.model")
	AttrLLMProvider = attribute.Key("llm.provider")

	AttrTokensInput  = attribute.Key("llm.tokens.input")
	AttrTokensOutput = attribute.Key("llm.tokens.output")
	AttrCostUSD      = attribute.Key("llm.cost_usd")

	AttrToolCount    = attribute.Key("llm.tool_count")
	AttrMessageCount = attribute.Key("llm.message_count")
	AttrStreamChunks = attribute.Key("llm.stream_chunks")
	AttrFinishReason = attribute.Key("llm.finish_reason")

	AttrToolName      = attribute.Key("tool.name")
	AttrToolStatus    = attribute.Key("tool.status")
	AttrToolFragments = attribute.Key("tool.fragments")

	AttrTurnState = attribute.Key("turn.state")
	AttrPlugins   = attribute.Key("turn.plugins")
)
