package dialog

import (
	"encoding/json"
	"fmt"
	"time"
)

// RecordType tags a PersistedRecord's concrete variant. These strings are
// part of the on-disk wire format (kernel spec §6 "Persistence layout") —
// do not rename an existing value without a migration.
type RecordType string

const (
	RecordAgentThought       RecordType = "agent_thought"
	RecordAgentWords         RecordType = "agent_words"
	RecordUIOnlyMarkdown     RecordType = "ui_only_markdown"
	RecordHumanText          RecordType = "human_text"
	RecordFuncCall           RecordType = "func_call"
	RecordFuncResult         RecordType = "func_result"
	RecordWebSearchCall      RecordType = "web_search_call"
	RecordTeammateCallResult RecordType = "teammate_call_result"
	RecordTeammateResponse   RecordType = "teammate_response"
	RecordTeammateCallAnchor RecordType = "teammate_call_anchor"
	RecordQuestForSup        RecordType = "quest_for_sup"
	RecordGenStart           RecordType = "gen_start"
	RecordGenFinish          RecordType = "gen_finish"

	// recordUnknown is the forward-compatibility variant: a tag this build
	// does not recognize. It is logged and skipped on replay, never
	// surfaced as a transcript message (kernel spec §9, §7).
	recordUnknown RecordType = ""
)

// controlRecordTypes are persisted but are never translated into a
// transcript ChatMessage on restore (kernel spec §4.11).
var controlRecordTypes = map[RecordType]bool{
	RecordGenStart:           true,
	RecordGenFinish:          true,
	RecordQuestForSup:        true,
	RecordTeammateCallAnchor: true,
	RecordWebSearchCall:      true,
}

// IsControlRecord reports whether t is a control event rather than a
// transcript message.
func IsControlRecord(t RecordType) bool { return controlRecordTypes[t] }

// PersistedRecord is the closed sum type written to a course's JSONL log.
// Every record carries a timestamp; most carry a genseq (zero when not
// applicable, e.g. a human_text record has no generation of its own).
type PersistedRecord struct {
	Type      RecordType      `json:"type"`
	Timestamp time.Time       `json:"timestamp"`
	Genseq    int             `json:"genseq,omitempty"`
	CallID    string          `json:"callId,omitempty"`
	Body      json.RawMessage `json:"body,omitempty"`

	// unknownType preserves the original tag string when Type could not be
	// matched to a known RecordType, so replay can log it faithfully.
	unknownType string
}

// UnmarshalJSON accepts any tag string; unrecognized tags are mapped to
// the forward-compatible unknown variant rather than failing the parse.
func (r *PersistedRecord) UnmarshalJSON(data []byte) error {
	type alias PersistedRecord
	var a alias
	if err := json.Unmarshal(data, &a); err != nil {
		return err
	}
	*r = PersistedRecord(a)
	if !isKnownRecordType(r.Type) {
		r.unknownType = string(r.Type)
		r.Type = recordUnknown
	}
	return nil
}

func isKnownRecordType(t RecordType) bool {
	switch t {
	case RecordAgentThought, RecordAgentWords, RecordUIOnlyMarkdown, RecordHumanText,
		RecordFuncCall, RecordFuncResult, RecordWebSearchCall, RecordTeammateCallResult,
		RecordTeammateResponse, RecordTeammateCallAnchor, RecordQuestForSup,
		RecordGenStart, RecordGenFinish:
		return true
	default:
		return false
	}
}

// IsUnknown reports whether this record carried a tag this build does not
// recognize. UnknownType returns that original tag.
func (r PersistedRecord) IsUnknown() bool   { return r.Type == recordUnknown }
func (r PersistedRecord) UnknownType() string { return r.unknownType }

// ChatMessageKind enumerates the transcript message variants a driver or
// restore path assembles for LLM context (kernel spec §3 "Dialog").
type ChatMessageKind string

const (
	MsgPrompting   ChatMessageKind = "prompting"
	MsgThinking    ChatMessageKind = "thinking"
	MsgSaying      ChatMessageKind = "saying"
	MsgFuncCall    ChatMessageKind = "func_call"
	MsgFuncResult  ChatMessageKind = "func_result"
	MsgTellaskResult ChatMessageKind = "tellask_result"
	MsgUIOnly      ChatMessageKind = "ui_only"
	MsgEnvironment ChatMessageKind = "environment"
	MsgGuide       ChatMessageKind = "guide"
)

// ChatMessage is one entry of a dialog's in-memory transcript.
type ChatMessage struct {
	Kind      ChatMessageKind
	Timestamp time.Time
	Genseq    int
	CallID    string

	Text string // saying/thinking/prompting/ui_only/environment/guide text

	// func_call / func_result fields
	ToolName string
	ToolArgs json.RawMessage
	Result   string
	IsError  bool

	// tellask_result fields
	ResponderID    string
	TellaskContent string
}

// FromPersistedRecord translates one PersistedRecord into its transcript
// ChatMessage, or (false) if the record is a control event that does not
// appear in the transcript (kernel spec §4.11).
func FromPersistedRecord(r PersistedRecord) (ChatMessage, bool) {
	if r.IsUnknown() {
		return ChatMessage{}, false
	}
	if IsControlRecord(r.Type) {
		return ChatMessage{}, false
	}

	msg := ChatMessage{Timestamp: r.Timestamp, Genseq: r.Genseq, CallID: r.CallID}

	switch r.Type {
	case RecordAgentThought:
		msg.Kind = MsgThinking
		msg.Text = decodeText(r.Body)
	case RecordAgentWords:
		msg.Kind = MsgSaying
		msg.Text = decodeText(r.Body)
	case RecordUIOnlyMarkdown:
		msg.Kind = MsgUIOnly
		msg.Text = decodeText(r.Body)
	case RecordHumanText:
		msg.Kind = MsgPrompting
		msg.Text = decodeText(r.Body)
	case RecordFuncCall:
		msg.Kind = MsgFuncCall
		var body struct {
			Name string          `json:"name"`
			Args json.RawMessage `json:"args"`
		}
		_ = json.Unmarshal(r.Body, &body)
		msg.ToolName = body.Name
		msg.ToolArgs = body.Args
	case RecordFuncResult:
		msg.Kind = MsgFuncResult
		var body struct {
			Result  string `json:"result"`
			IsError bool   `json:"isError"`
		}
		_ = json.Unmarshal(r.Body, &body)
		msg.Result = body.Result
		msg.IsError = body.IsError
	case RecordTeammateCallResult, RecordTeammateResponse:
		msg.Kind = MsgTellaskResult
		var body struct {
			ResponderID    string `json:"responderId"`
			TellaskContent string `json:"tellaskContent"`
			Content        string `json:"content"`
		}
		_ = json.Unmarshal(r.Body, &body)
		msg.ResponderID = body.ResponderID
		msg.TellaskContent = body.TellaskContent
		msg.Text = body.Content
	default:
		return ChatMessage{}, false
	}
	return msg, true
}

func decodeText(body json.RawMessage) string {
	var s string
	if err := json.Unmarshal(body, &s); err == nil {
		return s
	}
	var wrapped struct {
		Text string `json:"text"`
	}
	if err := json.Unmarshal(body, &wrapped); err == nil {
		return wrapped.Text
	}
	return ""
}

// NewRecord builds a PersistedRecord with body marshaled from v.
func NewRecord(t RecordType, genseq int, callID string, v any) (PersistedRecord, error) {
	body, err := json.Marshal(v)
	if err != nil {
		return PersistedRecord{}, fmt.Errorf("dialog: marshal %s body: %w", t, err)
	}
	return PersistedRecord{
		Type:      t,
		Timestamp: time.Now(),
		Genseq:    genseq,
		CallID:    callID,
		Body:      body,
	}, nil
}
