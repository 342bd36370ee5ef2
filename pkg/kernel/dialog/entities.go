package dialog

import "time"

// CallSiteRef pinpoints the course/message index a HumanQuestion was
// raised from, for UI scroll-to-origin.
type CallSiteRef struct {
	Course       int `yaml:"course" json:"course"`
	MessageIndex int `yaml:"messageIndex" json:"messageIndex"`
}

// HumanQuestion (q4h) is a persisted request for human input. At most one
// may be pending per dialog (kernel spec §3, §4.4).
type HumanQuestion struct {
	ID             string      `yaml:"id" json:"id"`
	MentionList    []string    `yaml:"mentionList,omitempty" json:"mentionList,omitempty"`
	TellaskContent string      `yaml:"tellaskContent" json:"tellaskContent"`
	AskedAt        time.Time   `yaml:"askedAt" json:"askedAt"`
	CallID         string      `yaml:"callId,omitempty" json:"callId,omitempty"`
	CallSiteRef    CallSiteRef `yaml:"callSiteRef" json:"callSiteRef"`
}

// DiligenceBudgetExhaustedQuestionID is the well-known id used when the
// driver posts the fallback question after the diligence-push budget is
// exhausted (kernel spec §4.8).
const DiligenceBudgetExhaustedQuestionID = "q4h-diligence-push-budget-exhausted"

// PendingSubdialog describes an uncompleted subdialog the parent is
// waiting on (kernel spec §3).
type PendingSubdialog struct {
	SubdialogID    string     `yaml:"subdialogId" json:"subdialogId"`
	CreatedAt      time.Time  `yaml:"createdAt" json:"createdAt"`
	CallName       CallName   `yaml:"callName" json:"callName"`
	MentionList    []string   `yaml:"mentionList,omitempty" json:"mentionList,omitempty"`
	TellaskContent string     `yaml:"tellaskContent" json:"tellaskContent"`
	TargetAgentID  string     `yaml:"targetAgentId" json:"targetAgentId"`
	CallID         string     `yaml:"callId" json:"callId"`
	CallingCourse  *int       `yaml:"callingCourse,omitempty" json:"callingCourse,omitempty"`
	CallType       CallType   `yaml:"callType" json:"callType"`
	SessionSlug    string     `yaml:"sessionSlug,omitempty" json:"sessionSlug,omitempty"`
}

// SubdialogResponse is a queued reply waiting to be mirrored into the
// parent's transcript and to re-drive it (kernel spec §3, §4.9).
type SubdialogResponse struct {
	ResponseID     string     `yaml:"responseId" json:"responseId"`
	SubdialogID    string     `yaml:"subdialogId" json:"subdialogId"`
	Response       string     `yaml:"response" json:"response"`
	CompletedAt    time.Time  `yaml:"completedAt" json:"completedAt"`
	Status         string     `yaml:"status" json:"status"`
	CallType       CallType   `yaml:"callType" json:"callType"`
	CallName       CallName   `yaml:"callName" json:"callName"`
	MentionList    []string   `yaml:"mentionList,omitempty" json:"mentionList,omitempty"`
	TellaskContent string     `yaml:"tellaskContent" json:"tellaskContent"`
	ResponderID    string     `yaml:"responderId" json:"responderId"`
	OriginMemberID string     `yaml:"originMemberId" json:"originMemberId"`
	CallID         string     `yaml:"callId" json:"callId"`
}

// AssignmentFromSup describes the call that spawned a subdialog, carried
// only on SubDialog instances (kernel spec §3 "RootDialog vs SubDialog").
type AssignmentFromSup struct {
	CallName         CallName `yaml:"callName" json:"callName"`
	MentionList      []string `yaml:"mentionList,omitempty" json:"mentionList,omitempty"`
	CallBody         string   `yaml:"callBody" json:"callBody"`
	OriginMember     string   `yaml:"originMember" json:"originMember"`
	CallerDialogID   Id       `yaml:"callerDialogId" json:"callerDialogId"`
	CallID           string   `yaml:"callId" json:"callId"`
	CollectiveTargets []string `yaml:"collectiveTargets,omitempty" json:"collectiveTargets,omitempty"`
	SessionSlug      string   `yaml:"sessionSlug,omitempty" json:"sessionSlug,omitempty"`
}
