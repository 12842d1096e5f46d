package observer

import "go.opentelemetry.io/otel/attribute"

// Attribute keys for caravan observability spans and metrics.
var (
	AttrLLMModel    = attribute.Key("llm.model")
	AttrLLMProvider = attribute.Key("llm.provider")
	AttrLLMMethod   = attribute.Key("llm.method")

	AttrTokensPrompt     = attribute.Key("llm.tokens.prompt")
	AttrTokensCompletion = attribute.Key("llm.tokens.completion")
	AttrCostUSD          = attribute.Key("llm.cost_usd")

	AttrToolCount = attribute.Key("llm.tool_count")
	AttrToolNames = attribute.Key("llm.tool_names")

	AttrStreamChunks = attribute.Key("llm.stream_chunks")

	AttrToolName        = attribute.Key("tool.name")
	AttrToolStatus      = attribute.Key("tool.status")
	AttrToolResultBytes = attribute.Key("tool.result_bytes")

	AttrRunID        = attribute.Key("run.id")
	AttrRunThreadID  = attribute.Key("run.thread_id")
	AttrRunAgentType = attribute.Key("run.agent_type")
	AttrRunStatus    = attribute.Key("run.status")
)
