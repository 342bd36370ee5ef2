package builtin

import (
	"context"
	"fmt"
	"time"

	"github.com/dialogkernel/kernel/pkg/ai"
	"github.com/dialogkernel/kernel/pkg/kernel/dialog"
	"github.com/dialogkernel/kernel/pkg/kernel/reminders"
	"github.com/dialogkernel/kernel/pkg/kernel/store"
	"github.com/dialogkernel/kernel/pkg/tools"
)

// ReminderScheduler is the narrow slice of reminders.Scheduler this tool
// needs, so builtin never depends on the scheduler's Run/Tick loop.
type ReminderScheduler interface {
	Add(spec reminders.Spec) error
}

// reminderTargetKey carries which dialog a running tool call belongs to.
// A single Registry and its Tool instances are shared by every dialog in
// the workspace, so the target can't be bound at construction time — the
// driver sets it on the context for the duration of one tool dispatch via
// WithReminderTarget.
type reminderTargetKey struct{}

type reminderTarget struct {
	ref    store.Ref
	status dialog.Status
}

// WithReminderTarget attaches ref/status to ctx so AddReminderTool knows
// which dialog a call belongs to. The driver calls this once per ordinary
// tool dispatch, before Execute.
func WithReminderTarget(ctx context.Context, ref store.Ref, status dialog.Status) context.Context {
	return context.WithValue(ctx, reminderTargetKey{}, reminderTarget{ref: ref, status: status})
}

// AddReminderTool lets a dialog schedule a nudge that reappears in its own
// context assembly tail once due (kernel spec §4.8 step 7). It is shared
// across every dialog in the workspace; the target dialog comes from the
// context WithReminderTarget attaches, not from construction-time state.
type AddReminderTool struct {
	sched ReminderScheduler
}

func NewAddReminderTool(sched ReminderScheduler) *AddReminderTool {
	return &AddReminderTool{sched: sched}
}

func (t *AddReminderTool) Definition() ai.ToolDefinition {
	return ai.ToolDefinition{
		Name: "add_reminder",
		Description: "Schedule a reminder that reappears in context once due. " +
			"Set exactly one of 'at' (one-shot, RFC3339 timestamp) or 'cron' (recurring, standard 5-field cron expression).",
		Parameters: tools.MustSchema(tools.SimpleSchema{
			Properties: map[string]tools.Property{
				"text": {Type: "string", Description: "The reminder text to show when due"},
				"at":   {Type: "string", Description: "One-shot due time, RFC3339 (e.g. 2026-08-01T09:00:00Z)"},
				"cron": {Type: "string", Description: "Recurring schedule, standard 5-field cron expression (e.g. '0 9 * * 1')"},
			},
			Required: []string{"text"},
		}),
	}
}

func (t *AddReminderTool) Execute(ctx context.Context, callID string, params map[string]any, _ tools.UpdateFn) (tools.Result, error) {
	target, ok := ctx.Value(reminderTargetKey{}).(reminderTarget)
	if !ok {
		return tools.ErrorResult(fmt.Errorf("add_reminder: no dialog target on context")), nil
	}
	text, _ := params["text"].(string)
	if text == "" {
		return tools.ErrorResult(fmt.Errorf("text is required")), nil
	}
	atStr, _ := params["at"].(string)
	cron, _ := params["cron"].(string)

	spec := reminders.Spec{ID: callID, Ref: target.ref, Status: target.status, Text: text, Cron: cron}
	if atStr != "" {
		at, err := time.Parse(time.RFC3339, atStr)
		if err != nil {
			return tools.ErrorResult(fmt.Errorf("at: %w", err)), nil
		}
		spec.At = at
	}

	if err := spec.Validate(); err != nil {
		return tools.ErrorResult(err), nil
	}
	if err := t.sched.Add(spec); err != nil {
		return tools.ErrorResult(err), nil
	}
	return tools.TextResult("reminder scheduled"), nil
}
