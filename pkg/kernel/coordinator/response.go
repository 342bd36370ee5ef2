package coordinator

import (
	"fmt"
	"time"

	"github.com/dialogkernel/kernel/pkg/kernel/dialog"
	"github.com/dialogkernel/kernel/pkg/kernel/store"
)

// ErrChildStillWaiting is returned by FinalizeChildReply when child has
// itself spawned a still-pending nested subdialog: the parent must not
// receive an intermediate reply, only the child's final reply after its
// own nested chain settles (kernel spec §4.9 "Nested waits").
var ErrChildStillWaiting = fmt.Errorf("coordinator: child has its own pending subdialogs, cannot finalize yet")

// FinalizeChildReply is called by the driver when child's drive concludes
// with a reply intended for its parent. It appends a
// teammate_response_record on the child (for child-side replay), enqueues
// a SubdialogResponse on the parent, and — if the parent is loaded in
// the registry — drops the child from the parent's in-memory pending
// list and redrives it; the redriven drive drains the queue through
// DrainResponses. The parent's run-state is not checked before the
// redrive.
//
// child must have no pending subdialogs of its own; callers enforce the
// nested-wait rule by not invoking this until the child's own drive loop
// exits clean (kernel spec §4.9).
func (c *Coordinator) FinalizeChildReply(child *dialog.Dialog, content string) error {
	if len(child.PendingSubdialogs) > 0 {
		return ErrChildStillWaiting
	}
	if child.AssignmentFromSup == nil {
		return fmt.Errorf("coordinator: FinalizeChildReply called on a dialog with no assignment")
	}
	asg := child.AssignmentFromSup

	course := child.Course()
	rec, err := dialog.NewRecord(dialog.RecordTeammateResponse, child.LastGenseq(), asg.CallID, struct {
		ResponderID    string `json:"responderId"`
		TellaskContent string `json:"tellaskContent"`
		Content        string `json:"content"`
	}{
		ResponderID:    child.AgentID,
		TellaskContent: asg.CallBody,
		Content:        content,
	})
	if err != nil {
		return err
	}
	if err := c.store.AppendRecord(refOf(child), dialog.StatusRunning, course, rec); err != nil {
		return err
	}

	callerID := asg.CallerDialogID
	parentRef := parentRefOf(child)

	resp := dialog.SubdialogResponse{
		ResponseID:     c.newID(),
		SubdialogID:    child.ID.SelfID,
		Response:       content,
		CompletedAt:    time.Now(),
		Status:         "completed",
		CallType:       callTypeFromName(asg.CallName),
		CallName:       asg.CallName,
		MentionList:    asg.MentionList,
		TellaskContent: asg.CallBody,
		ResponderID:    child.AgentID,
		OriginMemberID: asg.OriginMember,
		CallID:         asg.CallID,
	}
	if err := c.store.AppendSubdialogResponse(parentRef, dialog.StatusRunning, resp); err != nil {
		return err
	}
	if err := c.store.RemovePendingSubdialog(parentRef, dialog.StatusRunning, child.ID.SelfID); err != nil {
		return err
	}

	parent, ok := c.registry.Get(callerID)
	if !ok {
		// Parent is not currently loaded in memory; the response stays
		// queued on disk and will be drained the next time the parent is
		// restored and driven.
		return nil
	}
	parent.PendingSubdialogs = removePending(parent.PendingSubdialogs, child.ID.SelfID)

	if c.redriver != nil {
		c.redriver.Redrive(parent)
	}
	return nil
}

// DrainResponses implements the "take/commit drains the queue, mirrors
// the responses... before the parent re-enters LLM generation" half of
// §4.9 "Response delivery". It must be called by the driver during
// context assembly, before the next LLM call, so the ordering invariant
// holds (mirrored response precedes the next assistant generation).
// On success the drained responses have already been committed (removed
// from the durable queue) and appended to parent's in-memory transcript.
func (c *Coordinator) DrainResponses(parent *dialog.Dialog) ([]dialog.SubdialogResponse, error) {
	ref := refOf(parent)
	responses, err := c.store.Take(ref, dialog.StatusRunning)
	if err != nil {
		return nil, err
	}
	if len(responses) == 0 {
		return nil, nil
	}

	for _, r := range responses {
		parent.AppendMessage(dialog.ChatMessage{
			Kind:           dialog.MsgTellaskResult,
			Timestamp:      r.CompletedAt,
			CallID:         r.CallID,
			ResponderID:    r.ResponderID,
			TellaskContent: r.TellaskContent,
			Text:           r.Response,
		})
		rec, err := dialog.NewRecord(dialog.RecordTeammateCallResult, parent.LastGenseq(), r.CallID, struct {
			ResponderID    string `json:"responderId"`
			TellaskContent string `json:"tellaskContent"`
			Content        string `json:"content"`
		}{
			ResponderID:    r.ResponderID,
			TellaskContent: r.TellaskContent,
			Content:        r.Response,
		})
		if err != nil {
			return nil, err
		}
		if err := c.store.AppendRecord(ref, dialog.StatusRunning, parent.Course(), rec); err != nil {
			return nil, err
		}
	}

	if err := c.store.Commit(ref, dialog.StatusRunning); err != nil {
		return nil, err
	}
	return responses, nil
}

func parentRefOf(child *dialog.Dialog) store.Ref {
	chain := child.Chain
	if len(chain) == 0 {
		return store.Ref{RootSelfID: child.RootSelfID}
	}
	return store.Ref{RootSelfID: child.RootSelfID, Chain: chain[:len(chain)-1]}
}

func removePending(all []dialog.PendingSubdialog, subdialogID string) []dialog.PendingSubdialog {
	out := make([]dialog.PendingSubdialog, 0, len(all))
	for _, p := range all {
		if p.SubdialogID == subdialogID {
			continue
		}
		out = append(out, p)
	}
	return out
}

func callTypeFromName(name dialog.CallName) dialog.CallType {
	switch name {
	case dialog.CallTellaskSessionless:
		return dialog.CallTypeA
	case dialog.CallTellask:
		return dialog.CallTypeB
	case dialog.CallFreshBootsReasoning:
		return dialog.CallTypeC
	default:
		return ""
	}
}
