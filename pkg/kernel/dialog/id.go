// Package dialog defines the in-memory dialog model: identifiers, the
// persisted record sum type, the Latest run-state descriptor, human
// questions, pending subdialogs, and subdialog responses (kernel spec §3).
// Grounded on bitop-dev-agent's Agent/Message model (pkg/agent.Agent,
// pkg/agent.types) generalized from a single flat message list to a
// dialog-tree model with an explicit run-state machine.
package dialog

import "fmt"

// Id identifies a dialog: selfId is this dialog's own id; rootId is the
// selfId of its parent dialog (the chain up to the true root runs through
// metadata). A root dialog has selfId == rootId.
type Id struct {
	SelfID string
	RootID string
}

// IsRoot reports whether this id names a root dialog.
func (id Id) IsRoot() bool { return id.SelfID == id.RootID }

func (id Id) String() string {
	if id.IsRoot() {
		return id.SelfID
	}
	return fmt.Sprintf("%s/%s", id.RootID, id.SelfID)
}

// CallType classifies how a subdialog was spawned (kernel spec §4.9).
type CallType string

const (
	CallTypeA CallType = "A" // tellaskSessionless
	CallTypeB CallType = "B" // tellask + sessionSlug
	CallTypeC CallType = "C" // freshBootsReasoning
)

// CallName is the tool-call name that produced an inter-dialog effect.
type CallName string

const (
	CallTellask             CallName = "tellask"
	CallTellaskSessionless  CallName = "tellaskSessionless"
	CallFreshBootsReasoning CallName = "freshBootsReasoning"
	CallAskHuman            CallName = "askHuman"
	CallTellaskBack         CallName = "tellaskBack"
)

// IsTeammateCall reports whether name is one of the inter-dialog call
// names (kernel spec §4.8 "Teammate call classification") rather than an
// ordinary tool dispatched through the tool registry.
func IsTeammateCall(name string) bool {
	switch CallName(name) {
	case CallTellask, CallTellaskSessionless, CallFreshBootsReasoning, CallAskHuman, CallTellaskBack:
		return true
	default:
		return false
	}
}
