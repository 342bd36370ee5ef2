package restore

import (
	"testing"
	"time"

	"github.com/dialogkernel/kernel/pkg/kernel/dialog"
	"github.com/dialogkernel/kernel/pkg/kernel/eventbus"
	"github.com/dialogkernel/kernel/pkg/kernel/store"
)

func writeRecord(t *testing.T, st *store.Store, ref store.Ref, course int, rt dialog.RecordType, genseq int, body any) {
	t.Helper()
	rec, err := dialog.NewRecord(rt, genseq, "", body)
	if err != nil {
		t.Fatalf("NewRecord(%s): %v", rt, err)
	}
	if err := st.AppendRecord(ref, dialog.StatusRunning, course, rec); err != nil {
		t.Fatalf("AppendRecord(%s): %v", rt, err)
	}
}

func TestRestoreAllRebuildsTranscriptFromLatestCourse(t *testing.T) {
	dir := t.TempDir()
	st := store.New(dir, nil)
	ref := store.Ref{RootSelfID: "r1"}

	if err := st.EnsureDialogDir(ref, dialog.StatusRunning); err != nil {
		t.Fatalf("EnsureDialogDir: %v", err)
	}
	meta := store.Meta{ID: dialog.Id{SelfID: "r1", RootID: "r1"}, AgentID: "agent1", TaskDoc: "do the thing", CreatedAt: time.Now().UTC().Truncate(time.Second)}
	if err := st.WriteMeta(ref, dialog.StatusRunning, meta); err != nil {
		t.Fatalf("WriteMeta: %v", err)
	}

	writeRecord(t, st, ref, 1, dialog.RecordGenStart, 1, struct{}{})
	writeRecord(t, st, ref, 1, dialog.RecordHumanText, 0, "hello")
	writeRecord(t, st, ref, 1, dialog.RecordAgentWords, 1, "hi there")
	writeRecord(t, st, ref, 1, dialog.RecordGenFinish, 1, struct{}{})

	if err := st.MutateLatest(ref, dialog.StatusRunning, func(dialog.Latest) (dialog.Latest, bool) {
		return dialog.Latest{CurrentCourse: 1, RunState: dialog.Idle()}, true
	}); err != nil {
		t.Fatalf("MutateLatest: %v", err)
	}

	reg := dialog.NewRegistry()
	bus := eventbus.New()
	restored, err := RestoreAll(st, reg, bus, dialog.StatusRunning)
	if err != nil {
		t.Fatalf("RestoreAll: %v", err)
	}
	if len(restored) != 1 {
		t.Fatalf("restored %d dialogs, want 1", len(restored))
	}
	d := restored[0]

	if d.TaskDoc != "do the thing" {
		t.Errorf("TaskDoc = %q", d.TaskDoc)
	}
	if d.Course() != 1 {
		t.Errorf("Course() = %d, want 1", d.Course())
	}
	if d.LastGenseq() != 1 {
		t.Errorf("LastGenseq() = %d, want 1", d.LastGenseq())
	}

	transcript := d.Transcript()
	if len(transcript) != 2 {
		t.Fatalf("transcript = %+v, want exactly 2 entries (control records excluded)", transcript)
	}
	if transcript[0].Kind != dialog.MsgPrompting || transcript[0].Text != "hello" {
		t.Errorf("transcript[0] = %+v", transcript[0])
	}
	if transcript[1].Kind != dialog.MsgSaying || transcript[1].Text != "hi there" {
		t.Errorf("transcript[1] = %+v", transcript[1])
	}

	if got, ok := reg.Get(d.ID); !ok || got != d {
		t.Fatalf("restored dialog was not registered in the live registry")
	}
}

func TestRestoreAllSkipsUnknownRecordTypes(t *testing.T) {
	dir := t.TempDir()
	st := store.New(dir, nil)
	ref := store.Ref{RootSelfID: "r2"}

	if err := st.EnsureDialogDir(ref, dialog.StatusRunning); err != nil {
		t.Fatalf("EnsureDialogDir: %v", err)
	}
	meta := store.Meta{ID: dialog.Id{SelfID: "r2", RootID: "r2"}, AgentID: "agent1", CreatedAt: time.Now().UTC().Truncate(time.Second)}
	if err := st.WriteMeta(ref, dialog.StatusRunning, meta); err != nil {
		t.Fatalf("WriteMeta: %v", err)
	}
	writeRecord(t, st, ref, 1, dialog.RecordType("some_future_record_type"), 1, "from the future")
	writeRecord(t, st, ref, 1, dialog.RecordAgentWords, 1, "still here")

	if err := st.MutateLatest(ref, dialog.StatusRunning, func(dialog.Latest) (dialog.Latest, bool) {
		return dialog.Latest{CurrentCourse: 1, RunState: dialog.Idle()}, true
	}); err != nil {
		t.Fatalf("MutateLatest: %v", err)
	}

	reg := dialog.NewRegistry()
	bus := eventbus.New()
	restored, err := RestoreAll(st, reg, bus, dialog.StatusRunning)
	if err != nil {
		t.Fatalf("RestoreAll: %v", err)
	}
	transcript := restored[0].Transcript()
	if len(transcript) != 1 {
		t.Fatalf("transcript = %+v, want exactly 1 entry (unknown record type skipped)", transcript)
	}
	if transcript[0].Text != "still here" {
		t.Errorf("transcript[0] = %+v", transcript[0])
	}
}
