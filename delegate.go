package caravan

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
)

// DelegateToolName is the name under which the delegation tool is
// offered to the model.
const DelegateToolName = "delegateToSpecialistAgent"

// DelegationTool lets a planner run hand a self-contained sub-task to a
// specialist: one registered toolset, worked by an isolated sub-run with
// its own in-memory store and thread. Nothing escapes the sub-run except
// its final answer; sub-thread messages are never written to the parent
// thread.
//
// The tool reads the executing run's RunContext to inherit its config
// and forward sub-run events to the parent sink.
type DelegationTool struct {
	client   LLMClient
	registry *ToolsetRegistry
	logger   *slog.Logger
}

// DelegationOption configures a DelegationTool.
type DelegationOption func(*DelegationTool)

// WithDelegationLogger sets the logger for sub-run lifecycle messages.
func WithDelegationLogger(l *slog.Logger) DelegationOption {
	return func(d *DelegationTool) { d.logger = l }
}

// NewDelegationTool builds the delegation tool over registry. client
// drives the specialist sub-runs.
func NewDelegationTool(client LLMClient, registry *ToolsetRegistry, opts ...DelegationOption) *DelegationTool {
	d := &DelegationTool{
		client:   client,
		registry: registry,
		logger:   nopLogger,
	}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// Definitions exposes one tool whose specialistId enum tracks the
// currently registered toolsets.
func (d *DelegationTool) Definitions() []ToolDefinition {
	ids := d.registry.IDs()
	specialist := ToolParameter{
		Name:        "specialistId",
		Description: "Id of the specialist toolset to hand the task to.",
		Required:    true,
	}
	if len(ids) > 0 {
		frag, _ := json.Marshal(map[string]any{
			"type":        "string",
			"description": specialist.Description,
			"enum":        ids,
		})
		specialist.Schema = frag
	} else {
		specialist.Type = "string"
	}
	return []ToolDefinition{{
		Name: DelegateToolName,
		Description: "Delegate a self-contained sub-task to a specialist agent " +
			"equipped with a focused set of tools. The specialist works in " +
			"isolation and returns its final answer as the tool result.",
		Parameters: []ToolParameter{
			specialist,
			{
				Name: "subTaskDescription",
				Type: "string",
				Description: "Complete description of the sub-task. Include every " +
					"detail the specialist needs; it cannot see this conversation.",
				Required: true,
			},
			{
				Name:        "requiredOutputFormat",
				Type:        "string",
				Description: "Format the specialist's final answer must follow.",
			},
		},
	}}
}

// Execute runs one delegation. A missing specialist or empty task is a
// failure result, not an error: the model sees the message and may
// correct itself on the next turn.
func (d *DelegationTool) Execute(ctx context.Context, name string, args map[string]any) (ToolResult, error) {
	if name != DelegateToolName {
		return ToolResult{}, &ToolNotFoundError{Name: name}
	}
	specialistID, _ := args["specialistId"].(string)
	task, _ := args["subTaskDescription"].(string)
	format, _ := args["requiredOutputFormat"].(string)
	if specialistID == "" || task == "" {
		return ToolResult{
			Success: false,
			Error:   "specialistId and subTaskDescription are required",
		}, nil
	}
	ts, ok := d.registry.Get(specialistID)
	if !ok {
		return ToolResult{
			Success: false,
			Error: fmt.Sprintf("unknown specialist %q, available: %s",
				specialistID, strings.Join(d.registry.IDs(), ", ")),
		}, nil
	}
	return d.delegate(ctx, ts, task, format)
}

func (d *DelegationTool) delegate(ctx context.Context, ts Toolset, task, format string) (ToolResult, error) {
	rc, _ := RunContextFrom(ctx)

	subCfg := rc.Config
	subCfg.SystemPrompt = specialistPrompt(ts, format)
	subCfg.ToolChoice = ToolChoice{Mode: ToolChoiceAuto}
	budget := subCfg.MaxToolCallContinuations - 2
	if budget < 1 {
		budget = 1
	}
	subCfg.MaxToolCallContinuations = budget

	subStore := NewMemoryStore()
	subThread := &Thread{Title: "specialist: " + ts.ID}
	if err := subStore.CreateThread(ctx, subThread); err != nil {
		return ToolResult{}, &StorageError{Op: "create sub thread", Err: err}
	}
	subRun := &AgentRun{
		ID:        NewID(),
		ThreadID:  subThread.ID,
		AgentType: AgentTypeWorker,
		Status:    RunQueued,
		CreatedAt: NowUnix(),
		Config:    subCfg,
		Attributes: map[string]any{
			"parent_run_id":  rc.RunID,
			"parent_step_id": rc.StepID,
			"specialist_id":  ts.ID,
		},
	}
	if err := subStore.CreateRun(ctx, subRun); err != nil {
		return ToolResult{}, &StorageError{Op: "create sub run", Err: err}
	}

	parent := rc.Sink
	if parent == nil {
		parent = NopSink{}
	}
	d.emitParent(ctx, parent, rc, EventSubAgentStarted, map[string]any{
		"specialist_id":  ts.ID,
		"sub_run_id":     subRun.ID,
		"parent_step_id": rc.StepID,
	})
	d.logger.Info("delegation started",
		"specialist", ts.ID,
		"sub_run_id", subRun.ID,
		"parent_run_id", rc.RunID)

	engine := NewRunEngine(d.client, subStore, NewToolRegistry(ts.Tools...),
		&forwardSink{parent: parent, parentStepID: rc.StepID},
		WithEngineLogger(d.logger))
	runErr := engine.Run(ctx, subRun, []Message{*NewUserMessage(subThread.ID, task)})

	success := subRun.Status == RunCompleted
	d.emitParent(context.WithoutCancel(ctx), parent, rc, EventSubAgentCompleted, map[string]any{
		"specialist_id":  ts.ID,
		"sub_run_id":     subRun.ID,
		"parent_step_id": rc.StepID,
		"success":        success,
	})
	d.logger.Info("delegation finished",
		"specialist", ts.ID,
		"sub_run_id", subRun.ID,
		"status", string(subRun.Status))

	res := ToolResult{
		Success: success,
		Attributes: map[string]any{
			"sub_run_id":    subRun.ID,
			"specialist_id": ts.ID,
		},
	}
	if text := d.finalText(ctx, subStore, subThread.ID); text != "" {
		res.Data = text
	}
	switch {
	case runErr != nil:
		res.Error = runErr.Error()
	case !success && subRun.LastError != nil:
		res.Error = subRun.LastError.Message
	case !success:
		res.Error = fmt.Sprintf("sub-run ended %s", subRun.Status)
	}
	return res, nil
}

// finalText returns the last assistant text the sub-run produced.
func (d *DelegationTool) finalText(ctx context.Context, store MessageStore, threadID string) string {
	msgs, err := store.GetMessages(ctx, threadID, MessageQuery{Order: OrderDesc})
	if err != nil {
		d.logger.Warn("delegation: read sub thread failed", "error", err)
		return ""
	}
	for _, m := range msgs {
		if m.Role == RoleAssistant && !m.Content.Empty() {
			return m.Content.String()
		}
	}
	return ""
}

func (d *DelegationTool) emitParent(ctx context.Context, sink EventSink, rc RunContext, t EventType, data map[string]any) {
	if err := sink.Send(ctx, NewEvent(t, rc.RunID, rc.ThreadID, data)); err != nil {
		d.logger.Debug("delegation event dropped", "type", string(t), "error", err)
	}
}

// specialistPrompt renders the system prompt for a specialist sub-run
// from the toolset's identity and a one-line inventory of its tools.
func specialistPrompt(ts Toolset, format string) string {
	var b strings.Builder
	name := ts.Name
	if name == "" {
		name = ts.ID
	}
	fmt.Fprintf(&b, "You are %s, a specialist agent.", name)
	if ts.Description != "" {
		b.WriteString(" ")
		b.WriteString(ts.Description)
	}
	b.WriteString("\n\nComplete the task you are given using your tools, then state the final answer as plain text.")
	if defs := ts.Definitions(); len(defs) > 0 {
		b.WriteString("\n\nYour tools:\n")
		for _, def := range defs {
			b.WriteString("- ")
			b.WriteString(def.Name)
			if def.Description != "" {
				b.WriteString(": ")
				b.WriteString(def.Description)
			}
			b.WriteString("\n")
		}
	}
	if format != "" {
		b.WriteString("\nRequired output format: ")
		b.WriteString(format)
	}
	return strings.TrimRight(b.String(), "\n")
}

// forwardSink relays sub-run events to the parent sink, stamping each
// with the parent step that spawned the sub-run.
type forwardSink struct {
	parent       EventSink
	parentStepID string
}

func (s *forwardSink) Send(ctx context.Context, ev Event) error {
	data := make(map[string]any, len(ev.Data)+1)
	for k, v := range ev.Data {
		data[k] = v
	}
	data["parent_step_id"] = s.parentStepID
	ev.Data = data
	return s.parent.Send(ctx, ev)
}

var (
	_ Tool      = (*DelegationTool)(nil)
	_ EventSink = (*forwardSink)(nil)
)
