package observer

import "go.opentelemetry.io/otel/attribute"

// Attribute keys for workflow observability spans and metrics.
var (
	AttrLLMModel    = attribute.Key("llm.model")
	AttrLLMProvider = attribute.Key("llm.provider")
	AttrLLMCacheHit = attribute.Key("llm.cache_hit")

	AttrTokens  = attribute.Key("llm.tokens")
	AttrCostUSD = attribute.Key("llm.cost_usd")

	AttrJobID      = attribute.Key("workflow.job_id")
	AttrWorkflowID = attribute.Key("workflow.id")
	AttrStepID     = attribute.Key("workflow.step_id")
	AttrAgentID    = attribute.Key("workflow.agent_id")
	AttrStepStatus = attribute.Key("workflow.step_status")

	AttrCheckpointID = attribute.Key("workflow.checkpoint_id")
	AttrSnapshotSize = attribute.Key("workflow.snapshot_bytes")
)
