package driver

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/dialogkernel/kernel/pkg/ai"
	"github.com/dialogkernel/kernel/pkg/kernel/dialog"
)

// isUserLike reports whether kind is one of the transcript kinds that act
// as a "user turn" for the purposes of the tail-anchor rule (kernel spec
// §4.8 "Context assembly" step 7): the reminders/language-guide block is
// inserted immediately after the latest one.
func isUserLike(kind dialog.ChatMessageKind) bool {
	switch kind {
	case dialog.MsgPrompting, dialog.MsgTellaskResult:
		return true
	default:
		return false
	}
}

// assembleContext builds the ai.Context for the next LLM call in the
// strict 7-step order from kernel spec §4.8. ephemeral carries any
// internal-drive priming text (persistMode=internal); it is folded into
// step 6 and never touches d's durable transcript.
func assembleContext(d *dialog.Dialog, cfg Config, ephemeral []dialog.ChatMessage) ai.Context {
	var all []dialog.ChatMessage

	// 1. prependedContextMessages
	for _, s := range cfg.PrependedContextMessages {
		all = append(all, dialog.ChatMessage{Kind: dialog.MsgEnvironment, Text: s})
	}

	// 2. memories
	if cfg.Memories != nil {
		for _, m := range cfg.Memories(d) {
			all = append(all, dialog.ChatMessage{Kind: dialog.MsgEnvironment, Text: m})
		}
	}

	// 3. taskDocMsg
	if d.TaskDoc != "" {
		all = append(all, dialog.ChatMessage{Kind: dialog.MsgEnvironment, Text: d.TaskDoc})
	}

	// 4. coursePrefixMsgs
	if prefix := d.CoursePrefix(); prefix != "" {
		all = append(all, dialog.ChatMessage{Kind: dialog.MsgEnvironment, Text: prefix})
	}

	// 5. dialogMsgsForContext
	all = append(all, d.Transcript()...)

	// 6. ephemeral insertions
	all = append(all, ephemeral...)

	// 7. tail: reminders, inserted after the latest user-like message;
	// language guide follows the reminders block. When no prior
	// user-like message exists, the reminder block itself becomes the
	// anchor and the language guide simply follows it at the end.
	var tail []dialog.ChatMessage
	if rendered := renderReminders(d.Reminders); rendered != "" {
		tail = append(tail, dialog.ChatMessage{Kind: dialog.MsgEnvironment, Text: rendered})
	}
	if cfg.LanguageGuide != nil {
		if guide := cfg.LanguageGuide(d); guide != "" {
			tail = append(tail, dialog.ChatMessage{Kind: dialog.MsgGuide, Text: guide})
		}
	}

	if len(tail) > 0 {
		anchor := -1
		for i := len(all) - 1; i >= 0; i-- {
			if isUserLike(all[i].Kind) {
				anchor = i
				break
			}
		}
		if anchor == -1 {
			all = append(all, tail...)
		} else {
			merged := make([]dialog.ChatMessage, 0, len(all)+len(tail))
			merged = append(merged, all[:anchor+1]...)
			merged = append(merged, tail...)
			merged = append(merged, all[anchor+1:]...)
			all = merged
		}
	}

	// A freshBootsReasoning (type C) branch runs with function calling
	// disabled, so it is offered no tool definitions.
	freshBoots := d.AssignmentFromSup != nil && d.AssignmentFromSup.CallName == dialog.CallFreshBootsReasoning
	var toolDefs []ai.ToolDefinition
	if cfg.Tools != nil && !freshBoots {
		for _, t := range cfg.Tools.All() {
			toolDefs = append(toolDefs, t.Definition())
		}
	}

	return ai.Context{
		Messages: buildLLMMessages(all),
		Tools:    toolDefs,
	}
}

// renderReminders renders the reminders tail block, or "" if there are
// none to show.
func renderReminders(reminders []string) string {
	if len(reminders) == 0 {
		return ""
	}
	var b strings.Builder
	b.WriteString("Reminders:\n")
	for _, r := range reminders {
		b.WriteString("- ")
		b.WriteString(r)
		b.WriteString("\n")
	}
	return strings.TrimRight(b.String(), "\n")
}

// buildLLMMessages translates the kernel's per-kind ChatMessage entries
// into the grouped ai.Message sequence a Provider expects: consecutive
// thinking/saying/func_call entries sharing a genseq collapse into one
// AssistantMessage with multiple content blocks, func_result becomes a
// ToolResultMessage, and every other kind becomes a UserMessage. ui_only
// entries are UI-only and never reach the model.
func buildLLMMessages(msgs []dialog.ChatMessage) []ai.Message {
	var out []ai.Message
	var pending *ai.AssistantMessage
	pendingGenseq := -1

	flush := func() {
		if pending != nil {
			out = append(out, *pending)
			pending = nil
			pendingGenseq = -1
		}
	}
	ensure := func(genseq int, ts time.Time) *ai.AssistantMessage {
		if pending == nil || pendingGenseq != genseq {
			flush()
			pending = &ai.AssistantMessage{Role: ai.RoleAssistant, Timestamp: ts.UnixMilli()}
			pendingGenseq = genseq
		}
		return pending
	}

	for _, m := range msgs {
		switch m.Kind {
		case dialog.MsgThinking:
			a := ensure(m.Genseq, m.Timestamp)
			a.Content = append(a.Content, ai.ThinkingContent{Type: "thinking", Thinking: m.Text})
		case dialog.MsgSaying:
			a := ensure(m.Genseq, m.Timestamp)
			a.Content = append(a.Content, ai.TextContent{Type: "text", Text: m.Text})
		case dialog.MsgFuncCall:
			a := ensure(m.Genseq, m.Timestamp)
			var args map[string]any
			if len(m.ToolArgs) > 0 {
				_ = json.Unmarshal(m.ToolArgs, &args)
			}
			a.Content = append(a.Content, ai.ToolCall{Type: "tool_call", ID: m.CallID, Name: m.ToolName, Arguments: args})
		case dialog.MsgFuncResult:
			flush()
			out = append(out, ai.ToolResultMessage{
				Role:       ai.RoleToolResult,
				ToolCallID: m.CallID,
				Content:    []ai.ContentBlock{ai.TextContent{Type: "text", Text: m.Result}},
				IsError:    m.IsError,
				Timestamp:  m.Timestamp.UnixMilli(),
			})
		case dialog.MsgTellaskResult:
			flush()
			text := fmt.Sprintf("[reply from %s to %q]: %s", m.ResponderID, m.TellaskContent, m.Text)
			out = append(out, ai.UserMessage{
				Role:      ai.RoleUser,
				Content:   []ai.ContentBlock{ai.TextContent{Type: "text", Text: text}},
				Timestamp: m.Timestamp.UnixMilli(),
			})
		case dialog.MsgUIOnly:
			flush()
			// UI-only: deliberately not forwarded to the model.
		default: // MsgPrompting, MsgEnvironment, MsgGuide
			flush()
			out = append(out, ai.UserMessage{
				Role:      ai.RoleUser,
				Content:   []ai.ContentBlock{ai.TextContent{Type: "text", Text: m.Text}},
				Timestamp: m.Timestamp.UnixMilli(),
			})
		}
	}
	flush()
	return out
}
