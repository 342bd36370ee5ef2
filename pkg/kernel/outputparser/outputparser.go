// Package outputparser classifies a provider's raw tool calls for the
// driver: ordinary tool calls dispatched through the tool registry, and
// teammate calls that the subdialog coordinator handles instead. Saying
// and thinking text is not passed through the parser (kernel spec §4.8
// "Teammate call classification", §6 "the parser"). The kernel treats the
// parser as a narrow consumed interface; this package supplies the
// default implementation. Grounded on bitop-dev-agent's pkg/ai stream event
// types (StreamEvent/ToolCall) and pkg/agent/loop.go's tool-call
// extraction from a completed AssistantMessage.
package outputparser

import (
	"encoding/json"
	"fmt"

	"github.com/dialogkernel/kernel/pkg/kernel/dialog"
)

// Chunk is one piece of assistant output as classified by the parser.
type Chunk struct {
	Kind ChunkKind

	Text string // thinking/saying chunk text

	// Tool/teammate call fields.
	CallID   string
	ToolName string
	ArgsJSON json.RawMessage

	// Populated only when Kind == ChunkTeammateCall.
	Teammate TeammateCall
}

// ChunkKind discriminates Chunk's variants.
type ChunkKind string

const (
	ChunkThinking     ChunkKind = "thinking"
	ChunkSaying       ChunkKind = "saying"
	ChunkToolCall     ChunkKind = "tool_call"
	ChunkTeammateCall ChunkKind = "teammate_call"
	ChunkWebSearch    ChunkKind = "web_search"
)

// TeammateCall is the structured form of a parsed inter-dialog call
// (kernel spec §4.9).
type TeammateCall struct {
	CallName    dialog.CallName
	CallID      string
	MentionList []string
	Content     string
	SessionSlug string // type B only
}

// RawToolCall is a provider tool-call event: a name plus its raw
// JSON-string arguments, matching the provider-consumed interface in
// kernel spec §6.1.
type RawToolCall struct {
	CallID   string
	Name     string
	ArgsJSON string
}

// Parser classifies a completed generation's raw tool calls into
// driver-ready Chunks.
type Parser interface {
	ParseToolCall(call RawToolCall) (Chunk, error)
}

// Default is the kernel's built-in Parser: it recognizes
// tellask/tellaskSessionless/freshBootsReasoning/askHuman/tellaskBack by
// name and otherwise treats the call as an ordinary tool dispatch.
type Default struct{}

// New returns the default Parser.
func New() Default { return Default{} }

type teammateArgs struct {
	MentionList []string `json:"mentionList"`
	Content     string   `json:"content"`
	SessionSlug string   `json:"sessionSlug"`
}

// ParseToolCall implements Parser.
func (Default) ParseToolCall(call RawToolCall) (Chunk, error) {
	if !dialog.IsTeammateCall(call.Name) {
		return Chunk{
			Kind:     ChunkToolCall,
			CallID:   call.CallID,
			ToolName: call.Name,
			ArgsJSON: json.RawMessage(call.ArgsJSON),
		}, nil
	}

	var args teammateArgs
	if call.ArgsJSON != "" {
		if err := json.Unmarshal([]byte(call.ArgsJSON), &args); err != nil {
			return Chunk{}, fmt.Errorf("outputparser: parse %s args: %w", call.Name, err)
		}
	}

	return Chunk{
		Kind:   ChunkTeammateCall,
		CallID: call.CallID,
		Teammate: TeammateCall{
			CallName:    dialog.CallName(call.Name),
			CallID:      call.CallID,
			MentionList: args.MentionList,
			Content:     args.Content,
			SessionSlug: args.SessionSlug,
		},
	}, nil
}

// ClassifyCallType maps a TeammateCall's name to the A/B/C call-type
// taxonomy (kernel spec §4.9); SessionSlug is not consulted.
func ClassifyCallType(t TeammateCall) (dialog.CallType, bool) {
	switch t.CallName {
	case dialog.CallTellaskSessionless:
		return dialog.CallTypeA, true
	case dialog.CallTellask:
		return dialog.CallTypeB, true
	case dialog.CallFreshBootsReasoning:
		return dialog.CallTypeC, true
	default:
		return "", false
	}
}
