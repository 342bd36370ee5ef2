// Package restore implements startup restoration (kernel spec §4.11,
// "C11"): rebuild every dialog's live in-memory instance from its durable
// state, without replaying anything beyond the current course. Grounded
// on bitop-dev-agent's pkg/session.Manager (directory-scan, parse each
// session's JSONL, reconstruct an in-memory Agent), generalized here to a
// tree of dialogs and to the per-kind transcript translation in
// dialog.FromPersistedRecord.
package restore

import (
	"fmt"

	"github.com/dialogkernel/kernel/pkg/kernel/dialog"
	"github.com/dialogkernel/kernel/pkg/kernel/eventbus"
	"github.com/dialogkernel/kernel/pkg/kernel/store"
)

// RestoreAll rebuilds and registers a live Dialog instance for every
// dialog.yaml found under status, root and subdialog alike. store.Enumerate
// walks each root's subtree parent-before-child, so the returned slice is
// already in a valid construction order — a subdialog's chain never
// references a parent that has not already been restored.
//
// Restoration does not run the run-state reconciler (package reconcile);
// callers that need startup reconciliation run it as a separate pass over
// the same status bucket after RestoreAll returns.
func RestoreAll(st *store.Store, registry *dialog.Registry, bus *eventbus.Bus, status dialog.Status) ([]*dialog.Dialog, error) {
	entries, err := st.Enumerate(status)
	if err != nil {
		return nil, fmt.Errorf("restore: enumerate %s: %w", status, err)
	}

	out := make([]*dialog.Dialog, 0, len(entries))
	for _, e := range entries {
		d, err := restoreOne(st, bus, status, e)
		if err != nil {
			return out, fmt.Errorf("restore: %s: %w", e.Ref.SelfID(), err)
		}
		if err := registry.Register(d); err != nil {
			return out, fmt.Errorf("restore: register %s: %w", e.Ref.SelfID(), err)
		}
		out = append(out, d)
	}
	return out, nil
}

func restoreOne(st *store.Store, bus *eventbus.Bus, status dialog.Status, e store.DialogEntry) (*dialog.Dialog, error) {
	d := dialog.New(e.Meta.ID, e.Meta.AgentID, bus)
	d.RootSelfID = e.Ref.RootSelfID
	d.Chain = e.Ref.Chain
	d.TaskDoc = e.Meta.TaskDoc
	d.Settings = e.Meta.Settings
	d.AssignmentFromSup = e.Meta.Assignment

	latest, err := st.ReadLatest(e.Ref, status)
	if err != nil {
		return nil, fmt.Errorf("read latest: %w", err)
	}
	d.SetRunState(latest.RunState)
	d.SetCourse(latest.CurrentCourse)

	if latest.CurrentCourse > 0 {
		records, err := st.ReadCourse(e.Ref, status, latest.CurrentCourse)
		if err != nil {
			return nil, fmt.Errorf("read course %d: %w", latest.CurrentCourse, err)
		}
		transcript, lastGenseq := rebuildFromEvents(records)
		d.ReplaceTranscript(transcript)
		d.SetLastGenseq(lastGenseq)
	}

	reminders, err := st.ReadReminders(e.Ref, status)
	if err != nil {
		return nil, fmt.Errorf("read reminders: %w", err)
	}
	d.Reminders = reminders

	pending, err := st.ReadPendingSubdialogs(e.Ref, status)
	if err != nil {
		return nil, fmt.Errorf("read pending subdialogs: %w", err)
	}
	d.PendingSubdialogs = pending

	if e.Ref.IsRoot() {
		reg, err := st.ReadRegistry(e.Ref, status)
		if err != nil {
			return nil, fmt.Errorf("read registry: %w", err)
		}
		for _, entry := range reg.Entries {
			if err := d.RegistrySet(entry.AgentID, entry.SessionSlug, entry.SubdialogID); err != nil {
				return nil, fmt.Errorf("restore registry entry: %w", err)
			}
		}
	}

	return d, nil
}

// rebuildFromEvents translates one course's persisted records into live
// transcript ChatMessages, skipping control records (gen_start, gen_finish,
// teammate_call_anchor, quest_for_sup, web_search_call — kernel spec §9
// "dynamic dispatch by record type") and any record tagged with a
// RecordType this build does not recognize, per the forward-compatibility
// rule in dialog.FromPersistedRecord. It also returns the highest genseq
// seen across every record (including control records), so the dialog's
// genseq counter resumes past it rather than risking reuse.
func rebuildFromEvents(records []dialog.PersistedRecord) ([]dialog.ChatMessage, int) {
	var transcript []dialog.ChatMessage
	lastGenseq := 0
	for _, r := range records {
		if r.Genseq > lastGenseq {
			lastGenseq = r.Genseq
		}
		if msg, ok := dialog.FromPersistedRecord(r); ok {
			transcript = append(transcript, msg)
		}
	}
	return transcript, lastGenseq
}
