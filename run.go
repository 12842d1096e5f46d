package caravan

import (
	"encoding/json"
	"fmt"
	"strings"
)

// RunStatus is the lifecycle state of an agent run.
//
//	queued ──start──▶ in_progress ──▶ { completed | failed | cancelled | requires_action }
//	requires_action ──resume──▶ in_progress
//	any ──timer──▶ expired
type RunStatus string

const (
	RunQueued         RunStatus = "queued"
	RunInProgress     RunStatus = "in_progress"
	RunRequiresAction RunStatus = "requires_action"
	RunCompleted      RunStatus = "completed"
	RunFailed         RunStatus = "failed"
	RunCancelled      RunStatus = "cancelled"
	RunExpired        RunStatus = "expired"
)

// Agent roles recorded on runs. A planner run may delegate; a worker
// run is the isolated sub-run a delegation spawns.
const (
	AgentTypePlanner = "planner"
	AgentTypeWorker  = "worker"
)

// Terminal reports whether the status admits no further transitions.
// requires_action is not terminal: a run parked there can be resumed.
func (s RunStatus) Terminal() bool {
	switch s {
	case RunCompleted, RunFailed, RunCancelled, RunExpired:
		return true
	}
	return false
}

// RunError is the stable failure record written to a run on every
// non-successful ending.
type RunError struct {
	Code    string         `json:"code"`
	Message string         `json:"message"`
	Details map[string]any `json:"details,omitempty"`
}

func (e *RunError) Error() string { return e.Code + ": " + e.Message }

// NewRunError builds a RunError from any error using the stable code
// taxonomy.
func NewRunError(err error) *RunError {
	if err == nil {
		return nil
	}
	return &RunError{Code: ErrorCode(err), Message: err.Error()}
}

// AgentRun is the persistent record of one run. StartedAt is set on the
// first transition to in_progress and CompletedAt on the first transition
// to a terminal state; both are Unix seconds, zero when unset.
type AgentRun struct {
	ID          string         `json:"id"`
	ThreadID    string         `json:"thread_id"`
	AgentType   string         `json:"agent_type"`
	Status      RunStatus      `json:"status"`
	CreatedAt   int64          `json:"created_at"`
	StartedAt   int64          `json:"started_at,omitempty"`
	CompletedAt int64          `json:"completed_at,omitempty"`
	ExpiresAt   int64          `json:"expires_at,omitempty"`
	LastError   *RunError      `json:"last_error,omitempty"`
	Config      RunConfig      `json:"config"`
	Attributes  map[string]any `json:"attributes,omitempty"`
}

// ToolChoiceMode selects how the model may use tools.
type ToolChoiceMode string

const (
	ToolChoiceAuto     ToolChoiceMode = "auto"
	ToolChoiceNone     ToolChoiceMode = "none"
	ToolChoiceRequired ToolChoiceMode = "required"
	ToolChoiceFunction ToolChoiceMode = "function"
)

// ToolChoice constrains tool use for a run: auto, none, required, or a
// single named tool. It marshals to the bare mode string, or to
// {"name": ...} when a specific tool is forced.
type ToolChoice struct {
	Mode ToolChoiceMode
	Name string
}

func (t ToolChoice) MarshalJSON() ([]byte, error) {
	if t.Name != "" {
		return json.Marshal(map[string]string{"name": t.Name})
	}
	mode := t.Mode
	if mode == "" {
		mode = ToolChoiceAuto
	}
	return json.Marshal(string(mode))
}

func (t *ToolChoice) UnmarshalJSON(data []byte) error {
	trimmed := strings.TrimSpace(string(data))
	if strings.HasPrefix(trimmed, "{") {
		var obj struct {
			Name string `json:"name"`
		}
		if err := json.Unmarshal(data, &obj); err != nil {
			return err
		}
		if obj.Name == "" {
			return fmt.Errorf("tool_choice: object form requires name")
		}
		*t = ToolChoice{Mode: ToolChoiceFunction, Name: obj.Name}
		return nil
	}
	var mode string
	if err := json.Unmarshal(data, &mode); err != nil {
		return err
	}
	switch ToolChoiceMode(mode) {
	case ToolChoiceAuto, ToolChoiceNone, ToolChoiceRequired, "":
		*t = ToolChoice{Mode: ToolChoiceMode(mode)}
		return nil
	default:
		return fmt.Errorf("tool_choice: unknown mode %q", mode)
	}
}

// ResponseProcessorConfig controls how the streaming response is parsed.
type ResponseProcessorConfig struct {
	// EnableNativeToolCalling toggles assembly of provider-native tool
	// call deltas. Defaults to true.
	EnableNativeToolCalling *bool `json:"enable_native_tool_calling,omitempty"`
	// EnableXMLToolCalling additionally scans streamed text for
	// <tool name="...">...</tool> regions. Off by default.
	EnableXMLToolCalling bool `json:"enable_xml_tool_calling,omitempty"`
	// MaxXMLToolCalls caps synthesized XML tool calls per message.
	// Zero means no cap.
	MaxXMLToolCalls int `json:"max_xml_tool_calls,omitempty"`
}

// NativeToolCalling resolves the default.
func (c ResponseProcessorConfig) NativeToolCalling() bool {
	return c.EnableNativeToolCalling == nil || *c.EnableNativeToolCalling
}

// Execution strategies for a turn's tool batch.
const (
	ExecutionSequential = "sequential"
	ExecutionParallel   = "parallel"
)

// ToolExecutorConfig controls tool dispatch within a turn.
type ToolExecutorConfig struct {
	// ExecutionStrategy is sequential (default) or parallel.
	ExecutionStrategy string `json:"execution_strategy,omitempty"`
	// MaxConcurrency bounds parallel dispatch. Defaults to 4.
	MaxConcurrency int `json:"max_concurrency,omitempty"`
	// ToolTimeoutSeconds bounds each tool call. Defaults to 30.
	ToolTimeoutSeconds int `json:"tool_timeout_seconds,omitempty"`
}

// ContextManagerConfig controls history assembly and summarization.
type ContextManagerConfig struct {
	// MaxInputTokens is the hard ceiling for assembled input. Defaults
	// to 8192.
	MaxInputTokens int `json:"max_input_tokens,omitempty"`
	// TargetAfterTruncation is the budget the manager trims toward once
	// summarization triggers. Defaults to half of MaxInputTokens.
	TargetAfterTruncation int `json:"target_after_truncation,omitempty"`
	// SummaryTriggerRatio of MaxInputTokens at which summarization
	// kicks in. Defaults to 0.85.
	SummaryTriggerRatio float64 `json:"summary_trigger_ratio,omitempty"`
	// PreserveSystem keeps the system prompt out of summarization.
	// Defaults to true.
	PreserveSystem *bool `json:"preserve_system,omitempty"`
	// PreserveLastN recent messages are never summarized or dropped.
	// Defaults to 6.
	PreserveLastN int `json:"preserve_last_n,omitempty"`
}

// Defaults applied by RunConfig.withDefaults.
const (
	DefaultTemperature      = 0.7
	DefaultMaxContinuations = 10
	DefaultMaxInputTokens   = 8192
	DefaultSummaryRatio     = 0.85
	DefaultPreserveLastN    = 6
	DefaultMaxConcurrency   = 4
	DefaultToolTimeoutSecs  = 30
)

// RunConfig carries the per-run options. All fields are optional except
// Model, which must be set before the first LLM call.
type RunConfig struct {
	Model                    string                  `json:"model,omitempty"`
	Temperature              *float64                `json:"temperature,omitempty"`
	MaxTokens                int                     `json:"max_tokens,omitempty"`
	SystemPrompt             string                  `json:"system_prompt,omitempty"`
	ToolChoice               ToolChoice              `json:"tool_choice,omitzero"`
	MaxToolCallContinuations int                     `json:"max_tool_call_continuations,omitempty"`
	ResponseProcessor        ResponseProcessorConfig `json:"response_processor,omitzero"`
	ToolExecutor             ToolExecutorConfig      `json:"tool_executor,omitzero"`
	ContextManager           ContextManagerConfig    `json:"context_manager,omitzero"`
	RequestAuthOverrides     map[string]AuthSpec     `json:"request_auth_overrides,omitempty"`
	EnableContextManagement  *bool                   `json:"enable_context_management,omitempty"`
}

// ContextManagementEnabled resolves the default (true).
func (c RunConfig) ContextManagementEnabled() bool {
	return c.EnableContextManagement == nil || *c.EnableContextManagement
}

// withDefaults returns a copy with every unset option resolved to its
// documented default. The coordinator applies this once at run creation
// so the stored config is concrete.
func (c RunConfig) withDefaults() RunConfig {
	out := c
	if out.Temperature == nil {
		temp := DefaultTemperature
		out.Temperature = &temp
	}
	if out.ToolChoice.Mode == "" && out.ToolChoice.Name == "" {
		out.ToolChoice.Mode = ToolChoiceAuto
	}
	if out.MaxToolCallContinuations == 0 {
		out.MaxToolCallContinuations = DefaultMaxContinuations
	}
	if out.ToolExecutor.ExecutionStrategy == "" {
		out.ToolExecutor.ExecutionStrategy = ExecutionSequential
	}
	if out.ToolExecutor.MaxConcurrency == 0 {
		out.ToolExecutor.MaxConcurrency = DefaultMaxConcurrency
	}
	if out.ToolExecutor.ToolTimeoutSeconds == 0 {
		out.ToolExecutor.ToolTimeoutSeconds = DefaultToolTimeoutSecs
	}
	if out.ContextManager.MaxInputTokens == 0 {
		out.ContextManager.MaxInputTokens = DefaultMaxInputTokens
	}
	if out.ContextManager.TargetAfterTruncation == 0 {
		out.ContextManager.TargetAfterTruncation = out.ContextManager.MaxInputTokens / 2
	}
	if out.ContextManager.SummaryTriggerRatio == 0 {
		out.ContextManager.SummaryTriggerRatio = DefaultSummaryRatio
	}
	if out.ContextManager.PreserveLastN == 0 {
		out.ContextManager.PreserveLastN = DefaultPreserveLastN
	}
	return out
}

// merge overlays non-zero fields of override onto c. Used by the
// coordinator to combine server defaults with per-run overrides.
func (c RunConfig) merge(override *RunConfig) RunConfig {
	if override == nil {
		return c
	}
	out := c
	if override.Model != "" {
		out.Model = override.Model
	}
	if override.Temperature != nil {
		out.Temperature = override.Temperature
	}
	if override.MaxTokens != 0 {
		out.MaxTokens = override.MaxTokens
	}
	if override.SystemPrompt != "" {
		out.SystemPrompt = override.SystemPrompt
	}
	if override.ToolChoice.Mode != "" || override.ToolChoice.Name != "" {
		out.ToolChoice = override.ToolChoice
	}
	if override.MaxToolCallContinuations != 0 {
		out.MaxToolCallContinuations = override.MaxToolCallContinuations
	}
	if override.ResponseProcessor != (ResponseProcessorConfig{}) {
		out.ResponseProcessor = override.ResponseProcessor
	}
	if override.ToolExecutor != (ToolExecutorConfig{}) {
		out.ToolExecutor = override.ToolExecutor
	}
	if override.ContextManager != (ContextManagerConfig{}) {
		out.ContextManager = override.ContextManager
	}
	if len(override.RequestAuthOverrides) > 0 {
		out.RequestAuthOverrides = override.RequestAuthOverrides
	}
	if override.EnableContextManagement != nil {
		out.EnableContextManagement = override.EnableContextManagement
	}
	return out
}
