// Package coordinator implements the subdialog lifecycle and reply
// routing (kernel spec §4.9): type A/B/C call classification, the
// per-root (agentId, sessionSlug) registry, subdialog creation, the
// response queue, and resuming a suspended caller once a child's reply is
// ready. Grounded on bitop-dev-agent's pkg/agent/subagent.go (SubAgent /
// SubAgentTool: wraps a child Agent, runs it, extracts its final text)
// generalized from a single subagent-as-tool call to a durable,
// crash-recoverable subdialog tree with session-scoped reuse.
package coordinator

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/dialogkernel/kernel/pkg/kernel/dialog"
	"github.com/dialogkernel/kernel/pkg/kernel/eventbus"
	"github.com/dialogkernel/kernel/pkg/kernel/outputparser"
	"github.com/dialogkernel/kernel/pkg/kernel/store"
)

// Redriver re-enters the driver on a dialog that was previously suspended
// (kernel spec §4.9 "Response delivery"). Implemented by the driver
// package; the coordinator only ever calls it, never blocks on it beyond
// enqueueing the work.
type Redriver interface {
	Redrive(d *dialog.Dialog)
}

// Coordinator implements C9. It never holds its own lock across a
// redrive: per kernel spec §5, a parent-wake handoff acquires the
// parent's mutex only after the child's own drive has released its own.
type Coordinator struct {
	registry *dialog.Registry
	store    *store.Store
	bus      *eventbus.Bus
	redriver Redriver

	newID func() string
}

// New constructs a Coordinator.
func New(registry *dialog.Registry, st *store.Store, bus *eventbus.Bus, redriver Redriver) *Coordinator {
	return &Coordinator{
		registry: registry,
		store:    st,
		bus:      bus,
		redriver: redriver,
		newID:    func() string { return uuid.New().String() },
	}
}

func refOf(d *dialog.Dialog) store.Ref {
	return store.Ref{RootSelfID: d.RootSelfID, Chain: d.Chain}
}

// CreateResult describes a newly created or reused subdialog.
type CreateResult struct {
	Subdialog *dialog.Dialog
	Reused    bool
}

// Dispatch routes a parsed TeammateCall to the appropriate handler based
// on its call name (kernel spec §4.9). askHuman and tellaskBack do not
// create subdialogs; the other three do.
func (c *Coordinator) Dispatch(caller *dialog.Dialog, call outputparser.TeammateCall) (CreateResult, error) {
	switch call.CallName {
	case dialog.CallTellaskSessionless:
		return c.createTypeA(caller, call)
	case dialog.CallTellask:
		return c.createTypeB(caller, call)
	case dialog.CallFreshBootsReasoning:
		return c.createTypeC(caller, call)
	case dialog.CallAskHuman:
		return CreateResult{}, c.AskHuman(caller, call)
	default:
		return CreateResult{}, fmt.Errorf("coordinator: %s is not a subdialog-creating call", call.CallName)
	}
}

// createTypeA spawns a one-shot fan-out subdialog with no registry entry
// (kernel spec §4.9 "A (tellaskSessionless)").
func (c *Coordinator) createTypeA(caller *dialog.Dialog, call outputparser.TeammateCall) (CreateResult, error) {
	d, err := c.createSubDialog(caller, call, dialog.CallTypeA, caller.AgentID)
	if err != nil {
		return CreateResult{}, err
	}
	return CreateResult{Subdialog: d}, nil
}

// createTypeB creates or reuses a session-scoped subdialog. The
// (agentId, sessionSlug) pair is unique per root dialog; an existing
// non-dead subdialog for the slug is reused (kernel spec §3 invariant 4,
// §4.9 "B").
func (c *Coordinator) createTypeB(caller *dialog.Dialog, call outputparser.TeammateCall) (CreateResult, error) {
	if call.SessionSlug == "" {
		return CreateResult{}, fmt.Errorf("coordinator: tellask requires a sessionSlug for type-B calls")
	}
	rootRef := store.Ref{RootSelfID: caller.RootSelfID}
	targetAgentID := caller.AgentID

	reg, err := c.store.ReadRegistry(rootRef, dialog.StatusRunning)
	if err != nil {
		return CreateResult{}, err
	}
	if existingID := reg.Lookup(targetAgentID, call.SessionSlug); existingID != "" {
		if sub, alive, err := c.liveNonDeadSubdialog(caller, existingID); err != nil {
			return CreateResult{}, err
		} else if alive {
			return CreateResult{Subdialog: sub, Reused: true}, nil
		}
	}

	d, err := c.createSubDialog(caller, call, dialog.CallTypeB, targetAgentID)
	if err != nil {
		return CreateResult{}, err
	}
	reg = reg.Upsert(targetAgentID, call.SessionSlug, d.ID.SelfID)
	if err := c.store.WriteRegistry(rootRef, dialog.StatusRunning, reg); err != nil {
		return CreateResult{}, err
	}
	return CreateResult{Subdialog: d}, nil
}

// createTypeC spawns a self-addressed fresh-boots-reasoning branch with
// function calling disabled (kernel spec §4.9 "C"). No Settings are set
// here; the driver reads AssignmentFromSup.CallName and offers no tool
// definitions to a freshBootsReasoning branch.
func (c *Coordinator) createTypeC(caller *dialog.Dialog, call outputparser.TeammateCall) (CreateResult, error) {
	d, err := c.createSubDialog(caller, call, dialog.CallTypeC, caller.AgentID)
	if err != nil {
		return CreateResult{}, err
	}
	return CreateResult{Subdialog: d}, nil
}

func (c *Coordinator) liveNonDeadSubdialog(caller *dialog.Dialog, selfID string) (*dialog.Dialog, bool, error) {
	id := dialog.Id{SelfID: selfID, RootID: caller.ID.SelfID}
	if existing, ok := c.registry.Get(id); ok {
		return existing, existing.RunState().Kind != dialog.RunDead, nil
	}
	// Not currently live in memory; consult durable Latest.
	ref := store.Ref{RootSelfID: caller.RootSelfID, Chain: append(append([]string{}, caller.Chain...), selfID)}
	latest, err := c.store.ReadLatest(ref, dialog.StatusRunning)
	if err != nil {
		return nil, false, err
	}
	if latest.RunState.Kind == dialog.RunDead {
		return nil, false, nil
	}
	return nil, false, fmt.Errorf("coordinator: subdialog %s is not loaded in memory; restore it before reuse", selfID)
}

// createSubDialog implements §4.9 "Creation": generates a fresh id,
// writes metadata + latest.yaml{idle_waiting_user}, registers the live
// instance, and emits subdialog_created_evt to the PARENT's channel (not
// the child's, since no subscriber is attached to the child yet).
func (c *Coordinator) createSubDialog(caller *dialog.Dialog, call outputparser.TeammateCall, callType dialog.CallType, targetAgentID string) (*dialog.Dialog, error) {
	childSelfID := c.newID()
	chain := append(append([]string{}, caller.Chain...), childSelfID)
	id := dialog.Id{SelfID: childSelfID, RootID: caller.ID.SelfID}

	child := dialog.New(id, targetAgentID, c.bus)
	child.RootSelfID = caller.RootSelfID
	child.Chain = chain
	child.AssignmentFromSup = &dialog.AssignmentFromSup{
		CallName:       call.CallName,
		MentionList:    call.MentionList,
		CallBody:       call.Content,
		OriginMember:   caller.AgentID,
		CallerDialogID: caller.ID,
		CallID:         call.CallID,
		SessionSlug:    call.SessionSlug,
	}

	ref := store.Ref{RootSelfID: child.RootSelfID, Chain: child.Chain}
	if err := c.store.EnsureDialogDir(ref, dialog.StatusRunning); err != nil {
		return nil, err
	}
	meta := store.Meta{
		ID:         id,
		AgentID:    targetAgentID,
		CreatedAt:  time.Now(),
		Assignment: child.AssignmentFromSup,
	}
	if err := c.store.WriteMeta(ref, dialog.StatusRunning, meta); err != nil {
		return nil, err
	}
	if err := c.store.MutateLatest(ref, dialog.StatusRunning, func(dialog.Latest) (dialog.Latest, bool) {
		return dialog.Latest{RunState: dialog.Idle(), LastModified: time.Now()}, true
	}); err != nil {
		return nil, err
	}
	if err := c.store.FlushLatest(context.Background(), ref, dialog.StatusRunning); err != nil {
		return nil, err
	}

	if err := c.registry.Register(child); err != nil {
		return nil, err
	}

	parentRef := refOf(caller)
	pending := dialog.PendingSubdialog{
		SubdialogID:    childSelfID,
		CreatedAt:      time.Now(),
		CallName:       call.CallName,
		MentionList:    call.MentionList,
		TellaskContent: call.Content,
		TargetAgentID:  targetAgentID,
		CallID:         call.CallID,
		CallType:       callType,
		SessionSlug:    call.SessionSlug,
	}
	if err := c.store.AddPendingSubdialog(parentRef, dialog.StatusRunning, pending); err != nil {
		return nil, err
	}
	caller.PendingSubdialogs = append(caller.PendingSubdialogs, pending)

	caller.Publish(eventbus.Event{Type: "subdialog_created_evt", Payload: pending})
	return child, nil
}

// AskHuman posts a HumanQuestion to caller's q4h and transitions it to
// blocked{needs_human_input} (kernel spec §4.9 "askHuman").
func (c *Coordinator) AskHuman(caller *dialog.Dialog, call outputparser.TeammateCall) error {
	ref := refOf(caller)
	q := dialog.HumanQuestion{
		ID:             c.newID(),
		MentionList:    call.MentionList,
		TellaskContent: call.Content,
		AskedAt:        time.Now(),
		CallID:         call.CallID,
	}
	if err := c.store.AppendQuestion(ref, dialog.StatusRunning, q); err != nil {
		return err
	}
	caller.SetRunState(dialog.Blocked(dialog.BlockedNeedsHumanInput))
	return c.store.MutateLatest(ref, dialog.StatusRunning, func(cur dialog.Latest) (dialog.Latest, bool) {
		return cur.WithRunState(dialog.Blocked(dialog.BlockedNeedsHumanInput)), true
	})
}
